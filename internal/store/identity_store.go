package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"e2ee-relay/internal/domain"
)

type IdentityRecordStore struct{ db *gorm.DB }

func (s *Store) IdentityRecords() *IdentityRecordStore { return &IdentityRecordStore{db: s.DB} }

func (i *IdentityRecordStore) Upsert(ctx context.Context, rec domain.IdentityRecord) error {
	return i.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"identity_key":       rec.IdentityKey,
				"signed_pre_key":     rec.SignedPreKey,
				"signed_pre_key_sig": rec.SignedPreKeySig,
			}),
		}).
		Create(&rec).Error
}

func (i *IdentityRecordStore) Get(ctx context.Context, userID uuid.UUID) (*domain.IdentityRecord, error) {
	var rec domain.IdentityRecord
	if err := i.db.WithContext(ctx).First(&rec, "user_id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}
