package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"e2ee-relay/internal/domain"
)

type MembershipStore struct{ db *gorm.DB }

func (s *Store) Memberships() *MembershipStore { return &MembershipStore{db: s.DB} }

func (m *MembershipStore) Add(ctx context.Context, membership domain.ChannelMembership) error {
	return m.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&membership).Error
}

func (m *MembershipStore) Get(ctx context.Context, channelID, userID uuid.UUID) (*domain.ChannelMembership, error) {
	var membership domain.ChannelMembership
	err := m.db.WithContext(ctx).
		First(&membership, "channel_id = ? AND user_id = ?", channelID, userID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &membership, nil
}

func (m *MembershipStore) SetHidden(ctx context.Context, channelID, userID uuid.UUID, hidden bool) error {
	return m.db.WithContext(ctx).Model(&domain.ChannelMembership{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Update("hidden", hidden).Error
}

// ClearHidden unhides the channel for every member. New traffic makes a
// hidden channel visible again, so the relay runs this in the same
// transaction that persists an envelope.
func (m *MembershipStore) ClearHidden(ctx context.Context, channelID uuid.UUID) error {
	return m.db.WithContext(ctx).Model(&domain.ChannelMembership{}).
		Where("channel_id = ? AND hidden = ?", channelID, true).
		Update("hidden", false).Error
}

func (m *MembershipStore) ChannelIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := m.db.WithContext(ctx).Model(&domain.ChannelMembership{}).
		Where("user_id = ?", userID).
		Order("joined_at ASC").
		Pluck("channel_id", &ids).Error
	return ids, err
}

func (m *MembershipStore) UserIDsForChannel(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := m.db.WithContext(ctx).Model(&domain.ChannelMembership{}).
		Where("channel_id = ?", channelID).
		Pluck("user_id", &ids).Error
	return ids, err
}
