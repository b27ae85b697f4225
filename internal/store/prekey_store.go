package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"e2ee-relay/internal/domain"
)

type OneTimePreKeyStore struct{ db *gorm.DB }

func (s *Store) OneTimePreKeys() *OneTimePreKeyStore { return &OneTimePreKeyStore{db: s.DB} }

func (o *OneTimePreKeyStore) AddBatch(ctx context.Context, keys []domain.OneTimePreKey) error {
	if len(keys) == 0 {
		return nil
	}
	return o.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&keys).Error
}

// ClaimNext pops the oldest unconsumed prekey for the user. The claim is an
// optimistic update conditioned on consumed_at still being NULL; losing the
// race moves on to the next candidate, so a key is handed out at most once.
// Returns (nil, nil) when the pool is empty.
func (o *OneTimePreKeyStore) ClaimNext(ctx context.Context, userID uuid.UUID) (*domain.OneTimePreKey, error) {
	for {
		var key domain.OneTimePreKey
		err := o.db.WithContext(ctx).
			Where("user_id = ? AND consumed_at IS NULL", userID).
			Order("created_at ASC, id ASC").
			First(&key).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, nil
			}
			return nil, err
		}
		now := time.Now().UTC()
		res := o.db.WithContext(ctx).Model(&domain.OneTimePreKey{}).
			Where("id = ? AND consumed_at IS NULL", key.ID).
			Update("consumed_at", now)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			key.ConsumedAt = &now
			return &key, nil
		}
		// another claim took this key; each retry sees a strictly smaller pool
	}
}

func (o *OneTimePreKeyStore) CountAvailable(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := o.db.WithContext(ctx).Model(&domain.OneTimePreKey{}).
		Where("user_id = ? AND consumed_at IS NULL", userID).
		Count(&n).Error
	return n, err
}
