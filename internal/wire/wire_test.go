package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"e2ee-relay/internal/domain"
)

func TestParseDirectKinds(t *testing.T) {
	for _, kind := range []byte{KindDirectInitial, KindDirectFollowUp} {
		payload := AppendDirect(nil, kind, []byte("sealed-bytes"))
		env, err := Parse(payload)
		if err != nil {
			t.Fatalf("kind 0x%02x: %v", kind, err)
		}
		if env.Kind != kind {
			t.Fatalf("expected kind 0x%02x, got 0x%02x", kind, env.Kind)
		}
		if !bytes.Equal(env.Sealed, []byte("sealed-bytes")) {
			t.Fatalf("unexpected sealed remainder %q", env.Sealed)
		}
	}
}

func TestParseSenderKey(t *testing.T) {
	dist := uuid.New()
	nonce := bytes.Repeat([]byte{0xAB}, NonceLen)
	sealed := bytes.Repeat([]byte{0xCD}, MinSealedLen+8)

	payload := AppendSenderKey(nil, dist, 7, nonce, sealed)

	env, err := Parse(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Kind != KindSenderKey {
		t.Fatalf("expected sender-key kind, got 0x%02x", env.Kind)
	}
	if env.DistributionID != dist {
		t.Fatalf("expected distribution %s, got %s", dist, env.DistributionID)
	}
	if env.ChainIndex != 7 {
		t.Fatalf("expected chain index 7, got %d", env.ChainIndex)
	}
	if !bytes.Equal(env.Nonce, nonce) {
		t.Fatalf("nonce mismatch")
	}
	if !bytes.Equal(env.Sealed, sealed) {
		t.Fatalf("sealed remainder mismatch")
	}
}

func TestChainIndexIsLittleEndian(t *testing.T) {
	payload := AppendSenderKey(nil, uuid.Nil, 0x01020304, make([]byte, NonceLen), make([]byte, MinSealedLen))
	idxBytes := payload[1+DistributionIDLen : 1+DistributionIDLen+ChainIndexLen]
	if !bytes.Equal(idxBytes, []byte{0x04, 0x03, 0x02, 0x01}) {
		t.Fatalf("expected little-endian chain index, got % x", idxBytes)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "empty", payload: nil},
		{name: "unknown kind", payload: []byte{0x7F, 0x01, 0x02}},
		{name: "direct without ciphertext", payload: []byte{KindDirectInitial}},
		{name: "sender key truncated header", payload: append([]byte{KindSenderKey}, make([]byte, DistributionIDLen)...)},
		{
			name: "sender key body shorter than tag",
			payload: AppendSenderKey(nil, uuid.New(), 1,
				make([]byte, NonceLen), make([]byte, MinSealedLen-1)),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.payload); !errors.Is(err, domain.ErrMalformedEnvelope) {
				t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
			}
		})
	}
}
