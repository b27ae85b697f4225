// Package wire parses the binary envelope format relayed between clients.
// The leading byte selects the kind; everything after it is opaque ciphertext
// except for sender-key distributions, which carry a fixed routing prefix the
// server validates without touching the sealed remainder.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"e2ee-relay/internal/domain"
)

const (
	KindDirectInitial  byte = 0x01
	KindDirectFollowUp byte = 0x02
	KindSenderKey      byte = 0x03
)

const (
	DistributionIDLen = 16
	ChainIndexLen     = 4
	NonceLen          = 12
	// MinSealedLen is the AEAD tag size; a sender-key body can never be
	// shorter than its tag.
	MinSealedLen = 16

	senderKeyHeaderLen = 1 + DistributionIDLen + ChainIndexLen + NonceLen
)

// Envelope is the parsed view of a wire payload. For direct-message kinds
// only Kind and Sealed are populated.
type Envelope struct {
	Kind           byte
	DistributionID uuid.UUID
	ChainIndex     uint32
	Nonce          []byte
	Sealed         []byte
}

// Parse validates the framing of b and returns its parsed view. The returned
// slices alias b. Errors wrap domain.ErrMalformedEnvelope.
func Parse(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty payload", domain.ErrMalformedEnvelope)
	}
	kind := b[0]
	switch kind {
	case KindDirectInitial, KindDirectFollowUp:
		if len(b) < 2 {
			return Envelope{}, fmt.Errorf("%w: missing ciphertext", domain.ErrMalformedEnvelope)
		}
		return Envelope{Kind: kind, Sealed: b[1:]}, nil
	case KindSenderKey:
		if len(b) < senderKeyHeaderLen+MinSealedLen {
			return Envelope{}, fmt.Errorf("%w: sender-key payload too short (%d bytes)", domain.ErrMalformedEnvelope, len(b))
		}
		var dist uuid.UUID
		copy(dist[:], b[1:1+DistributionIDLen])
		idx := binary.LittleEndian.Uint32(b[1+DistributionIDLen:])
		nonceStart := 1 + DistributionIDLen + ChainIndexLen
		return Envelope{
			Kind:           kind,
			DistributionID: dist,
			ChainIndex:     idx,
			Nonce:          b[nonceStart : nonceStart+NonceLen],
			Sealed:         b[senderKeyHeaderLen:],
		}, nil
	default:
		return Envelope{}, fmt.Errorf("%w: unknown kind 0x%02x", domain.ErrMalformedEnvelope, kind)
	}
}

// AppendDirect assembles a direct-message payload of the given kind.
func AppendDirect(dst []byte, kind byte, sealed []byte) []byte {
	dst = append(dst, kind)
	return append(dst, sealed...)
}

// AppendSenderKey assembles a sender-key distribution payload. nonce must be
// NonceLen bytes and sealed at least MinSealedLen.
func AppendSenderKey(dst []byte, dist uuid.UUID, chainIndex uint32, nonce, sealed []byte) []byte {
	dst = append(dst, KindSenderKey)
	dst = append(dst, dist[:]...)
	dst = binary.LittleEndian.AppendUint32(dst, chainIndex)
	dst = append(dst, nonce...)
	return append(dst, sealed...)
}
