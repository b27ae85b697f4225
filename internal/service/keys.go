package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/dto"
	"e2ee-relay/internal/events"
	"e2ee-relay/internal/observability/metrics"
	"e2ee-relay/internal/permissions"
	"e2ee-relay/internal/store"
	"e2ee-relay/internal/wire"

	"github.com/google/uuid"
)

const (
	publicKeyLen = 32
	signatureLen = 64
)

// Keys serves identity key material, one-time prekey bundles and
// sender-key distributions. The server never sees plaintext key
// material beyond the public halves clients publish.
type Keys struct {
	store  *store.Store
	access *Access
	pusher Pusher
}

func NewKeys(st *store.Store, access *Access, pusher Pusher) *Keys {
	return &Keys{store: st, access: access, pusher: pusher}
}

// PublishIdentity stores or replaces the caller's long-term public key
// material. Re-publishing overwrites the previous record in place. An
// optional batch of one-time prekeys can ride along with the upload so
// a fresh device needs a single round trip to become reachable.
func (k *Keys) PublishIdentity(ctx context.Context, userID uuid.UUID, req dto.PublishIdentityRequest) (dto.PublishIdentityResponse, error) {
	if len(req.IdentityKey) != publicKeyLen {
		return dto.PublishIdentityResponse{}, fmt.Errorf("%w: identity key must be %d bytes", domain.ErrInvalidKeyMaterial, publicKeyLen)
	}
	if len(req.SignedPreKey) != publicKeyLen {
		return dto.PublishIdentityResponse{}, fmt.Errorf("%w: signed prekey must be %d bytes", domain.ErrInvalidKeyMaterial, publicKeyLen)
	}
	if len(req.SignedPreKeySig) != signatureLen {
		return dto.PublishIdentityResponse{}, fmt.Errorf("%w: signed prekey signature must be %d bytes", domain.ErrInvalidKeyMaterial, signatureLen)
	}
	batch := make([]domain.OneTimePreKey, 0, len(req.PreKeys))
	for _, pk := range req.PreKeys {
		if len(pk) != publicKeyLen {
			return dto.PublishIdentityResponse{}, fmt.Errorf("%w: one-time prekey must be %d bytes", domain.ErrInvalidKeyMaterial, publicKeyLen)
		}
		batch = append(batch, domain.OneTimePreKey{
			ID:        uuid.New(),
			UserID:    userID,
			PublicKey: append([]byte(nil), pk...),
		})
	}

	rec := domain.IdentityRecord{
		UserID:          userID,
		IdentityKey:     append([]byte(nil), req.IdentityKey...),
		SignedPreKey:    append([]byte(nil), req.SignedPreKey...),
		SignedPreKeySig: append([]byte(nil), req.SignedPreKeySig...),
	}
	var available int64
	err := k.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.IdentityRecords().Upsert(ctx, rec); err != nil {
			return err
		}
		if len(batch) > 0 {
			if err := tx.OneTimePreKeys().AddBatch(ctx, batch); err != nil {
				return err
			}
		}
		var err error
		available, err = tx.OneTimePreKeys().CountAvailable(ctx, userID)
		return err
	})
	if err != nil {
		return dto.PublishIdentityResponse{}, err
	}
	return dto.PublishIdentityResponse{UserID: userID.String(), Available: available}, nil
}

// ReplenishPrekeys appends a batch of one-time prekeys to the caller's
// pool and reports how many are now available.
func (k *Keys) ReplenishPrekeys(ctx context.Context, userID uuid.UUID, req dto.ReplenishPrekeysRequest) (dto.ReplenishPrekeysResponse, error) {
	if len(req.PreKeys) == 0 {
		return dto.ReplenishPrekeysResponse{}, fmt.Errorf("%w: no prekeys supplied", domain.ErrInvalidRequest)
	}
	batch := make([]domain.OneTimePreKey, 0, len(req.PreKeys))
	for _, pk := range req.PreKeys {
		if len(pk) != publicKeyLen {
			return dto.ReplenishPrekeysResponse{}, fmt.Errorf("%w: one-time prekey must be %d bytes", domain.ErrInvalidKeyMaterial, publicKeyLen)
		}
		batch = append(batch, domain.OneTimePreKey{
			ID:        uuid.New(),
			UserID:    userID,
			PublicKey: append([]byte(nil), pk...),
		})
	}

	var available int64
	err := k.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.IdentityRecords().Get(ctx, userID); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return fmt.Errorf("%w: identity not published", domain.ErrNotFound)
			}
			return err
		}
		if err := tx.OneTimePreKeys().AddBatch(ctx, batch); err != nil {
			return err
		}
		var err error
		available, err = tx.OneTimePreKeys().CountAvailable(ctx, userID)
		return err
	})
	if err != nil {
		return dto.ReplenishPrekeysResponse{}, err
	}
	return dto.ReplenishPrekeysResponse{UserID: userID.String(), Available: available}, nil
}

// RequestBundle claims a prekey bundle for the target user. The claimed
// one-time prekey is consumed exactly once; an exhausted pool yields a
// degraded bundle without a one-time component rather than an error.
func (k *Keys) RequestBundle(ctx context.Context, targetUserID uuid.UUID) (dto.BundleResponse, error) {
	var (
		identity *domain.IdentityRecord
		otk      *domain.OneTimePreKey
	)
	err := k.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		identity, err = tx.IdentityRecords().Get(ctx, targetUserID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return fmt.Errorf("%w: unknown user", domain.ErrNotFound)
			}
			return err
		}
		otk, err = tx.OneTimePreKeys().ClaimNext(ctx, targetUserID)
		return err
	})
	if err != nil {
		return dto.BundleResponse{}, err
	}

	metrics.PreKeyBundlesIssuedTotal.WithLabelValues(strconv.FormatBool(otk != nil)).Inc()

	resp := dto.BundleResponse{
		UserID:      targetUserID.String(),
		IdentityKey: identity.IdentityKey,
		SignedPreKey: dto.SignedPreKey{
			PublicKey: identity.SignedPreKey,
			Signature: identity.SignedPreKeySig,
		},
	}
	if otk != nil {
		resp.OneTimePreKey = &dto.OneTimePreKey{ID: otk.ID.String(), PublicKey: otk.PublicKey}
	}
	return resp, nil
}

// PublishSenderKeys records a sender-key distribution for a channel and
// fans the per-recipient sealed copies out to their live sessions. The
// chain index must move strictly forward for an existing distribution,
// and only the original sender may advance it.
func (k *Keys) PublishSenderKeys(ctx context.Context, userID, channelID uuid.UUID, req dto.PublishSenderKeysRequest) (dto.PublishSenderKeysResponse, error) {
	distID, err := uuid.Parse(req.DistributionID)
	if err != nil || distID == uuid.Nil {
		return dto.PublishSenderKeysResponse{}, fmt.Errorf("%w: invalid distribution_id", domain.ErrInvalidRequest)
	}
	if len(req.Recipients) == 0 {
		return dto.PublishSenderKeysResponse{}, fmt.Errorf("%w: no recipients", domain.ErrInvalidRequest)
	}
	if _, err := k.access.Require(ctx, channelID, userID, permissions.ViewChannel); err != nil {
		return dto.PublishSenderKeysResponse{}, err
	}

	members, err := k.store.Memberships().UserIDsForChannel(ctx, channelID)
	if err != nil {
		return dto.PublishSenderKeysResponse{}, err
	}
	memberSet := make(map[uuid.UUID]struct{}, len(members))
	for _, id := range members {
		memberSet[id] = struct{}{}
	}

	recipients := make([]domain.SenderKeyRecipient, 0, len(req.Recipients))
	for _, rec := range req.Recipients {
		rid, err := uuid.Parse(rec.UserID)
		if err != nil {
			return dto.PublishSenderKeysResponse{}, fmt.Errorf("%w: invalid recipient user_id", domain.ErrInvalidRequest)
		}
		if _, ok := memberSet[rid]; !ok {
			return dto.PublishSenderKeysResponse{}, fmt.Errorf("%w: %s is not a channel member", domain.ErrUnknownRecipient, rid)
		}
		env, err := wire.Parse(rec.Blob)
		if err != nil {
			return dto.PublishSenderKeysResponse{}, fmt.Errorf("%w: recipient blob: %v", domain.ErrInvalidKeyMaterial, err)
		}
		if env.Kind != wire.KindSenderKey {
			return dto.PublishSenderKeysResponse{}, fmt.Errorf("%w: recipient blob kind 0x%02x", domain.ErrInvalidKeyMaterial, env.Kind)
		}
		if env.DistributionID != distID || env.ChainIndex != req.ChainIndex {
			return dto.PublishSenderKeysResponse{}, fmt.Errorf("%w: recipient blob header does not match request", domain.ErrInvalidKeyMaterial)
		}
		recipients = append(recipients, domain.SenderKeyRecipient{
			ChannelID:      channelID,
			DistributionID: distID,
			RecipientID:    rid,
			Blob:           append([]byte(nil), rec.Blob...),
			ChainIndex:     int64(req.ChainIndex),
		})
	}

	err = k.store.WithTx(ctx, func(tx *store.Store) error {
		created, err := tx.SenderKeys().Create(ctx, &domain.SenderKeyDistribution{
			ChannelID:      channelID,
			DistributionID: distID,
			SenderID:       userID,
			ChainIndex:     int64(req.ChainIndex),
		})
		if err != nil {
			return err
		}
		if !created {
			existing, err := tx.SenderKeys().Get(ctx, channelID, distID)
			if err != nil {
				return err
			}
			if existing.SenderID != userID {
				return fmt.Errorf("%w: distribution owned by another sender", domain.ErrPermissionDenied)
			}
			advanced, err := tx.SenderKeys().AdvanceChain(ctx, channelID, distID, int64(req.ChainIndex))
			if err != nil {
				return err
			}
			if !advanced {
				return fmt.Errorf("%w: chain index %d does not advance the distribution", domain.ErrStaleChainIndex, req.ChainIndex)
			}
		}
		return tx.SenderKeys().ReplaceRecipients(ctx, channelID, distID, recipients)
	})
	if err != nil {
		result := "failure"
		switch {
		case errors.Is(err, domain.ErrStaleChainIndex):
			result = "stale"
		case errors.Is(err, domain.ErrPermissionDenied):
			result = "denied"
		}
		metrics.SenderKeyPublishesTotal.WithLabelValues(result).Inc()
		return dto.PublishSenderKeysResponse{}, err
	}
	metrics.SenderKeyPublishesTotal.WithLabelValues("success").Inc()

	if k.pusher != nil {
		for _, rec := range recipients {
			frame, err := json.Marshal(events.SenderKey{
				Type:           events.TypeSenderKey,
				ChannelID:      channelID.String(),
				DistributionID: distID.String(),
				ChainIndex:     req.ChainIndex,
				Blob:           rec.Blob,
			})
			if err != nil {
				continue
			}
			k.pusher.PushUser(rec.RecipientID, frame)
		}
	}

	return dto.PublishSenderKeysResponse{
		ChannelID:      channelID.String(),
		DistributionID: distID.String(),
		ChainIndex:     req.ChainIndex,
		Recipients:     len(recipients),
	}, nil
}

// FetchSenderKey returns the caller's sealed copy of a distribution.
// Reads never consume; clients may fetch the same copy repeatedly while
// recovering state.
func (k *Keys) FetchSenderKey(ctx context.Context, userID, channelID, distributionID uuid.UUID) (dto.SenderKeyResponse, error) {
	if _, err := k.access.Require(ctx, channelID, userID, permissions.ViewChannel); err != nil {
		return dto.SenderKeyResponse{}, err
	}
	dist, err := k.store.SenderKeys().Get(ctx, channelID, distributionID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return dto.SenderKeyResponse{}, fmt.Errorf("%w: unknown distribution", domain.ErrNotFound)
		}
		return dto.SenderKeyResponse{}, err
	}
	rec, err := k.store.SenderKeys().RecipientBlob(ctx, channelID, distributionID, userID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return dto.SenderKeyResponse{}, fmt.Errorf("%w: no sealed copy for this user", domain.ErrNotFound)
		}
		return dto.SenderKeyResponse{}, err
	}
	return dto.SenderKeyResponse{
		ChannelID:      channelID.String(),
		DistributionID: distributionID.String(),
		SenderID:       dist.SenderID.String(),
		ChainIndex:     uint32(rec.ChainIndex),
		Blob:           rec.Blob,
	}, nil
}
