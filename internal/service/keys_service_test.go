package service_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/dto"
	"e2ee-relay/internal/permissions"
	"e2ee-relay/internal/service"
	"e2ee-relay/internal/store"
	"e2ee-relay/internal/wire"

	"github.com/google/uuid"
)

func newKeys(t *testing.T, st *store.Store, pusher service.Pusher) *service.Keys {
	t.Helper()
	return service.NewKeys(st, service.NewAccess(st), pusher)
}

func senderKeyBlob(t *testing.T, dist uuid.UUID, idx uint32) []byte {
	t.Helper()
	return wire.AppendSenderKey(nil, dist, idx, bytes.Repeat([]byte{7}, wire.NonceLen), bytes.Repeat([]byte{8}, wire.MinSealedLen))
}

func TestPublishIdentityAndBundleLifecycle(t *testing.T) {
	st := setupStore(t)
	svc := newKeys(t, st, nil)
	ctx := context.Background()

	alice := uuid.New()

	pub, err := svc.PublishIdentity(ctx, alice, dto.PublishIdentityRequest{
		IdentityKey:     bytes.Repeat([]byte{1}, 32),
		SignedPreKey:    bytes.Repeat([]byte{2}, 32),
		SignedPreKeySig: bytes.Repeat([]byte{3}, 64),
		PreKeys:         [][]byte{bytes.Repeat([]byte{4}, 32)},
	})
	if err != nil {
		t.Fatalf("publish identity: %v", err)
	}
	if pub.Available != 1 {
		t.Fatalf("expected 1 available prekey after publish, got %d", pub.Available)
	}

	rep, err := svc.ReplenishPrekeys(ctx, alice, dto.ReplenishPrekeysRequest{
		PreKeys: [][]byte{bytes.Repeat([]byte{5}, 32)},
	})
	if err != nil {
		t.Fatalf("replenish: %v", err)
	}
	if rep.Available != 2 {
		t.Fatalf("expected 2 available prekeys, got %d", rep.Available)
	}

	b1, err := svc.RequestBundle(ctx, alice)
	if err != nil {
		t.Fatalf("bundle1: %v", err)
	}
	if b1.OneTimePreKey == nil {
		t.Fatalf("expected one-time prekey in first bundle")
	}
	b2, err := svc.RequestBundle(ctx, alice)
	if err != nil {
		t.Fatalf("bundle2: %v", err)
	}
	if b2.OneTimePreKey == nil || b2.OneTimePreKey.ID == b1.OneTimePreKey.ID {
		t.Fatalf("expected a different one-time prekey on the second fetch")
	}

	// pool exhausted: the bundle degrades instead of failing
	b3, err := svc.RequestBundle(ctx, alice)
	if err != nil {
		t.Fatalf("bundle3: %v", err)
	}
	if b3.OneTimePreKey != nil {
		t.Fatalf("expected degraded bundle after exhaustion")
	}
	if len(b3.IdentityKey) != 32 || len(b3.SignedPreKey.PublicKey) != 32 || len(b3.SignedPreKey.Signature) != 64 {
		t.Fatalf("degraded bundle missing identity material: %+v", b3)
	}

	// consumed keys are marked, never deleted
	var total, consumed int64
	if err := st.DB.Model(&domain.OneTimePreKey{}).Where("user_id = ?", alice).Count(&total).Error; err != nil {
		t.Fatalf("count prekeys: %v", err)
	}
	if err := st.DB.Model(&domain.OneTimePreKey{}).Where("user_id = ? AND consumed_at IS NOT NULL", alice).Count(&consumed).Error; err != nil {
		t.Fatalf("count consumed: %v", err)
	}
	if total != 2 || consumed != 2 {
		t.Fatalf("expected 2 stored / 2 consumed, got %d / %d", total, consumed)
	}

	// republishing identity replaces the record in place
	if _, err := svc.PublishIdentity(ctx, alice, dto.PublishIdentityRequest{
		IdentityKey:     bytes.Repeat([]byte{9}, 32),
		SignedPreKey:    bytes.Repeat([]byte{2}, 32),
		SignedPreKeySig: bytes.Repeat([]byte{3}, 64),
	}); err != nil {
		t.Fatalf("republish identity: %v", err)
	}
	b4, err := svc.RequestBundle(ctx, alice)
	if err != nil {
		t.Fatalf("bundle4: %v", err)
	}
	if !bytes.Equal(b4.IdentityKey, bytes.Repeat([]byte{9}, 32)) {
		t.Fatalf("expected replaced identity key in bundle")
	}
}

func TestPublishIdentityValidation(t *testing.T) {
	st := setupStore(t)
	svc := newKeys(t, st, nil)
	ctx := context.Background()
	userID := uuid.New()

	cases := []struct {
		name string
		req  dto.PublishIdentityRequest
	}{
		{"short identity key", dto.PublishIdentityRequest{IdentityKey: []byte{1}, SignedPreKey: bytes.Repeat([]byte{2}, 32), SignedPreKeySig: bytes.Repeat([]byte{3}, 64)}},
		{"missing signed prekey", dto.PublishIdentityRequest{IdentityKey: bytes.Repeat([]byte{1}, 32), SignedPreKeySig: bytes.Repeat([]byte{3}, 64)}},
		{"short signature", dto.PublishIdentityRequest{IdentityKey: bytes.Repeat([]byte{1}, 32), SignedPreKey: bytes.Repeat([]byte{2}, 32), SignedPreKeySig: bytes.Repeat([]byte{3}, 16)}},
		{"short inline prekey", dto.PublishIdentityRequest{IdentityKey: bytes.Repeat([]byte{1}, 32), SignedPreKey: bytes.Repeat([]byte{2}, 32), SignedPreKeySig: bytes.Repeat([]byte{3}, 64), PreKeys: [][]byte{{9}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.PublishIdentity(ctx, userID, tc.req); !errors.Is(err, domain.ErrInvalidKeyMaterial) {
				t.Fatalf("expected invalid key material, got %v", err)
			}
		})
	}

	if _, err := svc.ReplenishPrekeys(ctx, userID, dto.ReplenishPrekeysRequest{PreKeys: [][]byte{bytes.Repeat([]byte{9}, 32)}}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found before identity publish, got %v", err)
	}
	if _, err := svc.ReplenishPrekeys(ctx, userID, dto.ReplenishPrekeysRequest{}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for empty batch, got %v", err)
	}
	if _, err := svc.RequestBundle(ctx, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}
}

func TestSenderKeyDistributionLifecycle(t *testing.T) {
	st := setupStore(t)
	pusher := newCapturePusher()
	svc := newKeys(t, st, pusher)
	ctx := context.Background()

	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	_, chID := newServerChannel(t, st, permissions.ViewChannel|permissions.SendMessages, alice, bob, carol)
	dist := uuid.New()

	pub, err := svc.PublishSenderKeys(ctx, alice, chID, dto.PublishSenderKeysRequest{
		DistributionID: dist.String(),
		ChainIndex:     0,
		Recipients: []dto.SenderKeyRecipient{
			{UserID: bob.String(), Blob: senderKeyBlob(t, dist, 0)},
			{UserID: carol.String(), Blob: senderKeyBlob(t, dist, 0)},
		},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if pub.Recipients != 2 {
		t.Fatalf("expected 2 recipients, got %d", pub.Recipients)
	}
	if len(pusher.userFrames[bob]) != 1 || len(pusher.userFrames[carol]) != 1 {
		t.Fatalf("expected one pushed frame per recipient")
	}

	// fetches never consume
	for i := 0; i < 2; i++ {
		got, err := svc.FetchSenderKey(ctx, bob, chID, dist)
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if got.SenderID != alice.String() || got.ChainIndex != 0 {
			t.Fatalf("unexpected fetch result: %+v", got)
		}
	}

	// replaying the same chain index is stale
	_, err = svc.PublishSenderKeys(ctx, alice, chID, dto.PublishSenderKeysRequest{
		DistributionID: dist.String(),
		ChainIndex:     0,
		Recipients:     []dto.SenderKeyRecipient{{UserID: bob.String(), Blob: senderKeyBlob(t, dist, 0)}},
	})
	if !errors.Is(err, domain.ErrStaleChainIndex) {
		t.Fatalf("expected stale chain index, got %v", err)
	}

	// only the original sender may advance the distribution
	_, err = svc.PublishSenderKeys(ctx, bob, chID, dto.PublishSenderKeysRequest{
		DistributionID: dist.String(),
		ChainIndex:     5,
		Recipients:     []dto.SenderKeyRecipient{{UserID: carol.String(), Blob: senderKeyBlob(t, dist, 5)}},
	})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied for foreign distribution, got %v", err)
	}

	// the owner rotates forward with a narrower recipient set
	adv, err := svc.PublishSenderKeys(ctx, alice, chID, dto.PublishSenderKeysRequest{
		DistributionID: dist.String(),
		ChainIndex:     3,
		Recipients:     []dto.SenderKeyRecipient{{UserID: bob.String(), Blob: senderKeyBlob(t, dist, 3)}},
	})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if adv.ChainIndex != 3 {
		t.Fatalf("expected chain index 3, got %d", adv.ChainIndex)
	}

	// carol's copy was replaced away, bob holds the advanced one
	if _, err := svc.FetchSenderKey(ctx, carol, chID, dist); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for dropped recipient, got %v", err)
	}
	got, err := svc.FetchSenderKey(ctx, bob, chID, dist)
	if err != nil {
		t.Fatalf("fetch after advance: %v", err)
	}
	if got.ChainIndex != 3 {
		t.Fatalf("expected advanced copy, got index %d", got.ChainIndex)
	}
}

func TestSenderKeyPublishRejections(t *testing.T) {
	st := setupStore(t)
	svc := newKeys(t, st, nil)
	ctx := context.Background()

	alice, bob, outsider := uuid.New(), uuid.New(), uuid.New()
	_, chID := newServerChannel(t, st, permissions.ViewChannel|permissions.SendMessages, alice, bob)
	dist := uuid.New()

	cases := []struct {
		name   string
		caller uuid.UUID
		req    dto.PublishSenderKeysRequest
		want   error
	}{
		{
			"outsider denied",
			outsider,
			dto.PublishSenderKeysRequest{DistributionID: dist.String(), Recipients: []dto.SenderKeyRecipient{{UserID: bob.String(), Blob: senderKeyBlob(t, dist, 0)}}},
			domain.ErrPermissionDenied,
		},
		{
			"recipient outside channel",
			alice,
			dto.PublishSenderKeysRequest{DistributionID: dist.String(), Recipients: []dto.SenderKeyRecipient{{UserID: outsider.String(), Blob: senderKeyBlob(t, dist, 0)}}},
			domain.ErrUnknownRecipient,
		},
		{
			"blob distribution mismatch",
			alice,
			dto.PublishSenderKeysRequest{DistributionID: dist.String(), Recipients: []dto.SenderKeyRecipient{{UserID: bob.String(), Blob: senderKeyBlob(t, uuid.New(), 0)}}},
			domain.ErrInvalidKeyMaterial,
		},
		{
			"blob chain index mismatch",
			alice,
			dto.PublishSenderKeysRequest{DistributionID: dist.String(), ChainIndex: 2, Recipients: []dto.SenderKeyRecipient{{UserID: bob.String(), Blob: senderKeyBlob(t, dist, 1)}}},
			domain.ErrInvalidKeyMaterial,
		},
		{
			"truncated blob",
			alice,
			dto.PublishSenderKeysRequest{DistributionID: dist.String(), Recipients: []dto.SenderKeyRecipient{{UserID: bob.String(), Blob: []byte{0x03, 0x01}}}},
			domain.ErrInvalidKeyMaterial,
		},
		{
			"no recipients",
			alice,
			dto.PublishSenderKeysRequest{DistributionID: dist.String()},
			domain.ErrInvalidRequest,
		},
		{
			"bad distribution id",
			alice,
			dto.PublishSenderKeysRequest{DistributionID: "nope", Recipients: []dto.SenderKeyRecipient{{UserID: bob.String(), Blob: senderKeyBlob(t, dist, 0)}}},
			domain.ErrInvalidRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.PublishSenderKeys(ctx, tc.caller, chID, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := svc.FetchSenderKey(ctx, alice, chID, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unpublished distribution, got %v", err)
	}
	if _, err := svc.FetchSenderKey(ctx, outsider, chID, dist); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied for outsider fetch, got %v", err)
	}
}
