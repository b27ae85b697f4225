package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"e2ee-relay/internal/domain"
)

type SenderKeyStore struct{ db *gorm.DB }

func (s *Store) SenderKeys() *SenderKeyStore { return &SenderKeyStore{db: s.DB} }

func (k *SenderKeyStore) Get(ctx context.Context, channelID, distributionID uuid.UUID) (*domain.SenderKeyDistribution, error) {
	var dist domain.SenderKeyDistribution
	err := k.db.WithContext(ctx).
		First(&dist, "channel_id = ? AND distribution_id = ?", channelID, distributionID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &dist, nil
}

// Create inserts the distribution record if it does not exist yet. The
// returned bool reports whether this call created it; false means another
// publish got there first and the caller must go through the chain-index
// check instead.
func (k *SenderKeyStore) Create(ctx context.Context, dist *domain.SenderKeyDistribution) (bool, error) {
	res := k.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(dist)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AdvanceChain moves the chain index forward, conditioned on the stored index
// still being smaller. A false return means the submitted index is stale.
func (k *SenderKeyStore) AdvanceChain(ctx context.Context, channelID, distributionID uuid.UUID, chainIndex int64) (bool, error) {
	res := k.db.WithContext(ctx).Model(&domain.SenderKeyDistribution{}).
		Where("channel_id = ? AND distribution_id = ? AND chain_index < ?", channelID, distributionID, chainIndex).
		Update("chain_index", chainIndex)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReplaceRecipients swaps the full recipient set of a distribution. Stale
// blobs from earlier chain indices never survive a publish.
func (k *SenderKeyStore) ReplaceRecipients(ctx context.Context, channelID, distributionID uuid.UUID, recipients []domain.SenderKeyRecipient) error {
	err := k.db.WithContext(ctx).
		Where("channel_id = ? AND distribution_id = ?", channelID, distributionID).
		Delete(&domain.SenderKeyRecipient{}).Error
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return nil
	}
	return k.db.WithContext(ctx).Create(&recipients).Error
}

// RecipientBlob is a plain read; fetching distribution material never
// consumes it.
func (k *SenderKeyStore) RecipientBlob(ctx context.Context, channelID, distributionID, recipientID uuid.UUID) (*domain.SenderKeyRecipient, error) {
	var rec domain.SenderKeyRecipient
	err := k.db.WithContext(ctx).
		First(&rec, "channel_id = ? AND distribution_id = ? AND recipient_id = ?", channelID, distributionID, recipientID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}
