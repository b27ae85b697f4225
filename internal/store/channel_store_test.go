package store_test

import (
	"context"
	"testing"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return st
}

func TestNextOrderingKeyAdvances(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	ch := domain.Channel{ID: uuid.New()}
	if err := st.Channels().Create(ctx, &ch); err != nil {
		t.Fatalf("create channel: %v", err)
	}

	seq, ts, err := st.Channels().NextOrderingKey(ctx, ch.ID, 1000)
	if err != nil {
		t.Fatalf("first key: %v", err)
	}
	if seq != 1 || ts != 1000 {
		t.Fatalf("expected (1, 1000), got (%d, %d)", seq, ts)
	}

	// a clock running backwards must not produce a smaller timestamp
	seq, ts, err = st.Channels().NextOrderingKey(ctx, ch.ID, 500)
	if err != nil {
		t.Fatalf("second key: %v", err)
	}
	if seq != 2 || ts != 1000 {
		t.Fatalf("expected clamped (2, 1000), got (%d, %d)", seq, ts)
	}

	seq, ts, err = st.Channels().NextOrderingKey(ctx, ch.ID, 2000)
	if err != nil {
		t.Fatalf("third key: %v", err)
	}
	if seq != 3 || ts != 2000 {
		t.Fatalf("expected (3, 2000), got (%d, %d)", seq, ts)
	}
}

func TestNextOrderingKeyHealsMissingState(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	// no counter row yet: the allocator creates one and starts at 1
	chID := uuid.New()
	seq, ts, err := st.Channels().NextOrderingKey(ctx, chID, 42)
	if err != nil {
		t.Fatalf("key without state row: %v", err)
	}
	if seq != 1 || ts != 42 {
		t.Fatalf("expected (1, 42), got (%d, %d)", seq, ts)
	}
}

func TestClaimNextSkipsConsumed(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	userID := uuid.New()
	keys := []domain.OneTimePreKey{
		{ID: uuid.New(), UserID: userID, PublicKey: []byte{1}},
		{ID: uuid.New(), UserID: userID, PublicKey: []byte{2}},
	}
	if err := st.OneTimePreKeys().AddBatch(ctx, keys); err != nil {
		t.Fatalf("add batch: %v", err)
	}

	seen := map[uuid.UUID]bool{}
	for i := 0; i < 2; i++ {
		k, err := st.OneTimePreKeys().ClaimNext(ctx, userID)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if k == nil {
			t.Fatalf("claim %d: unexpected empty pool", i)
		}
		if seen[k.ID] {
			t.Fatalf("prekey %s claimed twice", k.ID)
		}
		seen[k.ID] = true
	}

	k, err := st.OneTimePreKeys().ClaimNext(ctx, userID)
	if err != nil {
		t.Fatalf("claim on empty pool: %v", err)
	}
	if k != nil {
		t.Fatalf("expected nil claim on exhausted pool, got %s", k.ID)
	}

	n, err := st.OneTimePreKeys().CountAvailable(ctx, userID)
	if err != nil {
		t.Fatalf("count available: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 available, got %d", n)
	}
}
