package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"e2ee-relay/internal/domain"
)

type EnvelopeStore struct{ db *gorm.DB }

func (s *Store) Envelopes() *EnvelopeStore { return &EnvelopeStore{db: s.DB} }

// Create appends an envelope. Rows are write-once; nothing in the relay ever
// updates or deletes them.
func (e *EnvelopeStore) Create(ctx context.Context, env *domain.Envelope) error {
	return e.db.WithContext(ctx).Create(env).Error
}

func (e *EnvelopeStore) GetInChannel(ctx context.Context, channelID, envelopeID uuid.UUID) (*domain.Envelope, error) {
	var env domain.Envelope
	err := e.db.WithContext(ctx).
		First(&env, "id = ? AND channel_id = ?", envelopeID, channelID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &env, nil
}

// ListAfter returns envelopes with seq greater than afterSeq in seq order,
// which is the channel's delivery order. Used for history catch-up after a
// reconnect.
func (e *EnvelopeStore) ListAfter(ctx context.Context, channelID uuid.UUID, afterSeq int64, limit int) ([]domain.Envelope, error) {
	var envs []domain.Envelope
	tx := e.db.WithContext(ctx).
		Where("channel_id = ? AND seq > ?", channelID, afterSeq).
		Order("seq ASC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&envs).Error; err != nil {
		return nil, err
	}
	return envs, nil
}
