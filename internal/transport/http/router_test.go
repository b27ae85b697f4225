package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/events"
	"e2ee-relay/internal/observability/metrics"
	"e2ee-relay/internal/observability/middleware"
	"e2ee-relay/internal/registry"
	"e2ee-relay/internal/service"
	"e2ee-relay/internal/store"
	"e2ee-relay/internal/wire"
	"e2ee-relay/pkg/relayclient"
)

func init() {
	metrics.MustRegister("test")
}

const (
	testSecret = "router-test-secret"
	testIssuer = "http://issuer.test"
)

type testEnv struct {
	srv *httptest.Server
	st  *store.Store
	reg *registry.Registry
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	reg := registry.New(registry.Config{HeartbeatTimeout: time.Minute, SweepInterval: time.Minute})
	reg.Start()
	t.Cleanup(reg.Stop)

	access := service.NewAccess(st)
	router := NewRouter(Deps{
		Store:    st,
		Registry: reg,
		Relay:    service.NewRelay(st, access, reg, 100),
		Keys:     service.NewKeys(st, access, reg),
		Verifier: auth.NewVerifier(testSecret, testIssuer),
	})
	srv := httptest.NewServer(middleware.WithRequestAndTrace(middleware.WithMetrics(router)))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, st: st, reg: reg}
}

func mintToken(t *testing.T, userID, deviceID uuid.UUID) string {
	t.Helper()
	tok, err := auth.Mint(testSecret, testIssuer, auth.Identity{UserID: userID, DeviceID: deviceID}, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return tok
}

func seedDM(t *testing.T, st *store.Store, members ...uuid.UUID) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	ch := domain.Channel{ID: uuid.New()}
	if err := st.Channels().Create(ctx, &ch); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	for _, u := range members {
		if err := st.Memberships().Add(ctx, domain.ChannelMembership{ChannelID: ch.ID, UserID: u}); err != nil {
			t.Fatalf("add member: %v", err)
		}
	}
	return ch.ID
}

func apiStatus(t *testing.T, err error) int {
	t.Helper()
	var apiErr *relayclient.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	return apiErr.Status
}

func TestComputeAccept(t *testing.T) {
	// the handshake example from RFC 6455 section 1.3
	got := computeAccept("dGhlIHNhbXBsZSBub25jZQ==")
	if got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("unexpected accept value: %s", got)
	}
}

func TestRelayEndToEnd(t *testing.T) {
	te := setupServer(t)
	ctx := context.Background()

	alice, aliceDev := uuid.New(), uuid.New()
	bob, bobDev := uuid.New(), uuid.New()
	chID := seedDM(t, te.st, alice, bob)

	aliceCl := relayclient.New(te.srv.URL, mintToken(t, alice, aliceDev))
	bobCl := relayclient.New(te.srv.URL, mintToken(t, bob, bobDev))

	resp, err := te.srv.Client().Get(te.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz returned %d %q", resp.StatusCode, body)
	}

	identityKey := bytes.Repeat([]byte{0xA1}, 32)
	ack, err := aliceCl.PublishIdentity(ctx, relayclient.IdentityUpload{
		IdentityKey:     identityKey,
		SignedPreKey:    bytes.Repeat([]byte{0xB2}, 32),
		SignedPreKeySig: bytes.Repeat([]byte{0xC3}, 64),
	})
	if err != nil {
		t.Fatalf("publish identity: %v", err)
	}
	if ack.UserID != alice.String() {
		t.Fatalf("identity ack names user %s, want %s", ack.UserID, alice)
	}
	if ack.Available != 0 {
		t.Fatalf("expected empty prekey pool on fresh identity, got %d", ack.Available)
	}

	prekeyAck, err := aliceCl.ReplenishPrekeys(ctx, relayclient.PrekeyUpload{
		PreKeys: [][]byte{bytes.Repeat([]byte{0x01}, 32), bytes.Repeat([]byte{0x02}, 32)},
	})
	if err != nil {
		t.Fatalf("replenish prekeys: %v", err)
	}
	if prekeyAck.Available != 2 {
		t.Fatalf("expected 2 available prekeys, got %d", prekeyAck.Available)
	}

	first, err := bobCl.FetchBundle(ctx, alice)
	if err != nil {
		t.Fatalf("fetch bundle: %v", err)
	}
	if !bytes.Equal(first.IdentityKey, identityKey) {
		t.Fatalf("bundle identity key mismatch")
	}
	if first.OneTimePreKey == nil {
		t.Fatalf("first bundle should include a one-time prekey")
	}
	second, err := bobCl.FetchBundle(ctx, alice)
	if err != nil {
		t.Fatalf("fetch second bundle: %v", err)
	}
	if second.OneTimePreKey == nil || second.OneTimePreKey.ID == first.OneTimePreKey.ID {
		t.Fatalf("second bundle should consume a different one-time prekey")
	}
	third, err := bobCl.FetchBundle(ctx, alice)
	if err != nil {
		t.Fatalf("fetch third bundle: %v", err)
	}
	if third.OneTimePreKey != nil {
		t.Fatalf("exhausted pool should yield a degraded bundle")
	}

	payload1 := wire.AppendDirect(nil, wire.KindDirectInitial, []byte("sealed-initial"))
	sub1, err := bobCl.SubmitEnvelope(ctx, chID, relayclient.EnvelopeSubmission{Payload: payload1})
	if err != nil {
		t.Fatalf("submit envelope: %v", err)
	}
	if sub1.Seq != 1 {
		t.Fatalf("first envelope got seq %d, want 1", sub1.Seq)
	}
	payload2 := wire.AppendDirect(nil, wire.KindDirectFollowUp, []byte("sealed-followup"))
	sub2, err := aliceCl.SubmitEnvelope(ctx, chID, relayclient.EnvelopeSubmission{Payload: payload2})
	if err != nil {
		t.Fatalf("submit second envelope: %v", err)
	}
	if sub2.Seq != 2 {
		t.Fatalf("second envelope got seq %d, want 2", sub2.Seq)
	}

	page, err := aliceCl.History(ctx, chID, 0, 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Envelopes) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(page.Envelopes))
	}
	if page.Envelopes[0].Seq != 1 || page.Envelopes[1].Seq != 2 {
		t.Fatalf("history out of order: %d then %d", page.Envelopes[0].Seq, page.Envelopes[1].Seq)
	}
	if !bytes.Equal(page.Envelopes[0].Payload, payload1) {
		t.Fatalf("payload did not round-trip through history")
	}
	tail, err := bobCl.History(ctx, chID, 1, 50)
	if err != nil {
		t.Fatalf("history after seq 1: %v", err)
	}
	if len(tail.Envelopes) != 1 || tail.Envelopes[0].Seq != 2 {
		t.Fatalf("paging after seq 1 returned %d envelopes", len(tail.Envelopes))
	}

	dist := uuid.New()
	blob := wire.AppendSenderKey(nil, dist, 1, bytes.Repeat([]byte{0x09}, wire.NonceLen), bytes.Repeat([]byte{0x0A}, wire.MinSealedLen))
	skAck, err := bobCl.PublishSenderKeys(ctx, chID, relayclient.SenderKeyUpload{
		DistributionID: dist.String(),
		ChainIndex:     1,
		Recipients:     []relayclient.SenderKeyRecipient{{UserID: alice.String(), Blob: blob}},
	})
	if err != nil {
		t.Fatalf("publish sender keys: %v", err)
	}
	if skAck.Recipients != 1 {
		t.Fatalf("expected 1 recipient, got %d", skAck.Recipients)
	}
	sk, err := aliceCl.FetchSenderKey(ctx, chID, dist)
	if err != nil {
		t.Fatalf("fetch sender key: %v", err)
	}
	if !bytes.Equal(sk.Blob, blob) || sk.SenderID != bob.String() || sk.ChainIndex != 1 {
		t.Fatalf("sender key mismatch: sender=%s chain=%d", sk.SenderID, sk.ChainIndex)
	}

	resp, err = te.srv.Client().Get(te.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics returned %d", resp.StatusCode)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	te := setupServer(t)
	ctx := context.Background()

	alice, bob, outsider := uuid.New(), uuid.New(), uuid.New()
	chID := seedDM(t, te.st, alice, bob)
	payload := wire.AppendDirect(nil, wire.KindDirectInitial, []byte("sealed"))

	anon := relayclient.New(te.srv.URL, "")
	if _, err := anon.FetchBundle(ctx, alice); apiStatus(t, err) != http.StatusUnauthorized {
		t.Fatalf("missing token should be 401")
	}

	outCl := relayclient.New(te.srv.URL, mintToken(t, outsider, uuid.New()))
	if _, err := outCl.SubmitEnvelope(ctx, chID, relayclient.EnvelopeSubmission{Payload: payload}); apiStatus(t, err) != http.StatusForbidden {
		t.Fatalf("outsider submit should be 403")
	}

	aliceCl := relayclient.New(te.srv.URL, mintToken(t, alice, uuid.New()))
	if _, err := aliceCl.History(ctx, uuid.New(), 0, 10); apiStatus(t, err) != http.StatusNotFound {
		t.Fatalf("unknown channel should be 404")
	}
	if _, err := aliceCl.FetchBundle(ctx, uuid.New()); apiStatus(t, err) != http.StatusNotFound {
		t.Fatalf("unknown user bundle should be 404")
	}
	if _, err := aliceCl.SubmitEnvelope(ctx, chID, relayclient.EnvelopeSubmission{}); apiStatus(t, err) != http.StatusBadRequest {
		t.Fatalf("empty payload should be 400")
	}

	req, err := http.NewRequest(http.MethodGet, te.srv.URL+"/v1/channels/not-a-uuid/envelopes", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+mintToken(t, alice, uuid.New()))
	resp, err := te.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("malformed channel id request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed channel id should be 400, got %d", resp.StatusCode)
	}

	bobCl := relayclient.New(te.srv.URL, mintToken(t, bob, uuid.New()))
	dist := uuid.New()
	blob := wire.AppendSenderKey(nil, dist, 1, bytes.Repeat([]byte{0x01}, wire.NonceLen), bytes.Repeat([]byte{0x02}, wire.MinSealedLen))
	upload := relayclient.SenderKeyUpload{
		DistributionID: dist.String(),
		ChainIndex:     1,
		Recipients:     []relayclient.SenderKeyRecipient{{UserID: alice.String(), Blob: blob}},
	}
	if _, err := bobCl.PublishSenderKeys(ctx, chID, upload); err != nil {
		t.Fatalf("publish sender keys: %v", err)
	}
	if _, err := bobCl.PublishSenderKeys(ctx, chID, upload); apiStatus(t, err) != http.StatusConflict {
		t.Fatalf("republishing the same chain index should be 409")
	}
	if _, err := aliceCl.PublishSenderKeys(ctx, chID, upload); apiStatus(t, err) != http.StatusForbidden {
		t.Fatalf("publishing someone else's distribution should be 403")
	}
}

func readEnvelopeEvent(t *testing.T, conn *relayclient.EventConn, channelID string) events.Envelope {
	t.Helper()
	for i := 0; i < 50; i++ {
		frame, err := conn.Next()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var head struct {
			Type      string `json:"type"`
			ChannelID string `json:"channel_id"`
		}
		if err := json.Unmarshal(frame, &head); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if head.Type != events.TypeEnvelope || (channelID != "" && head.ChannelID != channelID) {
			continue
		}
		var ev events.Envelope
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("decode envelope frame: %v", err)
		}
		return ev
	}
	t.Fatalf("no envelope frame for channel %s", channelID)
	return events.Envelope{}
}

func TestWebsocketEventStream(t *testing.T) {
	te := setupServer(t)
	ctx := context.Background()

	alice, aliceDev := uuid.New(), uuid.New()
	bob, bobDev := uuid.New(), uuid.New()
	chID := seedDM(t, te.st, alice, bob)

	aliceCl := relayclient.New(te.srv.URL, mintToken(t, alice, aliceDev))
	conn, err := aliceCl.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	frame, err := conn.Next()
	if err != nil {
		t.Fatalf("read ready frame: %v", err)
	}
	var ready events.Ready
	if err := json.Unmarshal(frame, &ready); err != nil {
		t.Fatalf("decode ready frame: %v", err)
	}
	if ready.Type != events.TypeReady || ready.UserID != alice.String() || ready.DeviceID != aliceDev.String() {
		t.Fatalf("unexpected ready frame: %+v", ready)
	}
	subscribed := false
	for _, ch := range ready.Channels {
		if ch == chID.String() {
			subscribed = true
		}
	}
	if !subscribed {
		t.Fatalf("ready frame should list channel %s, got %v", chID, ready.Channels)
	}

	if err := conn.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	bobCl := relayclient.New(te.srv.URL, mintToken(t, bob, bobDev))
	payload := wire.AppendDirect(nil, wire.KindDirectInitial, []byte("sealed-live"))
	ack, err := bobCl.SubmitEnvelope(ctx, chID, relayclient.EnvelopeSubmission{Payload: payload})
	if err != nil {
		t.Fatalf("submit envelope: %v", err)
	}

	ev := readEnvelopeEvent(t, conn, chID.String())
	if ev.EnvelopeID != ack.EnvelopeID || ev.SenderID != bob.String() || ev.Seq != ack.Seq {
		t.Fatalf("pushed envelope mismatch: %+v vs ack %+v", ev, ack)
	}
	if !bytes.Equal(ev.Payload, payload) {
		t.Fatalf("pushed payload did not match submitted bytes")
	}

	// channels created after connect require an explicit subscribe
	newCh := seedDM(t, te.st, alice, bob)
	if err := conn.Subscribe(newCh); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	probe, _ := json.Marshal(events.Presence{Type: events.TypePresence, UserID: alice.String(), Status: events.StatusOnline})
	deadline := time.Now().Add(2 * time.Second)
	for te.reg.PushChannel(newCh, probe) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscribe was never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
	ack2, err := bobCl.SubmitEnvelope(ctx, newCh, relayclient.EnvelopeSubmission{Payload: payload})
	if err != nil {
		t.Fatalf("submit to new channel: %v", err)
	}
	ev2 := readEnvelopeEvent(t, conn, newCh.String())
	if ev2.EnvelopeID != ack2.EnvelopeID || ev2.Seq != 1 {
		t.Fatalf("push after subscribe mismatch: %+v", ev2)
	}

	if _, err := relayclient.New(te.srv.URL, "garbage").Listen(ctx); err == nil {
		t.Fatalf("listen with a bad token should fail the handshake")
	}
}
