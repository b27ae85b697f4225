package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"e2ee-relay/internal/domain"
)

type ChannelStore struct{ db *gorm.DB }

func (s *Store) Channels() *ChannelStore { return &ChannelStore{db: s.DB} }

func (c *ChannelStore) Create(ctx context.Context, ch *domain.Channel) error {
	if ch.ID == uuid.Nil {
		ch.ID = uuid.New()
	}
	if err := c.db.WithContext(ctx).Create(ch).Error; err != nil {
		return err
	}
	state := domain.ChannelState{ChannelID: ch.ID}
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&state).Error
}

func (c *ChannelStore) Get(ctx context.Context, id uuid.UUID) (*domain.Channel, error) {
	var ch domain.Channel
	if err := c.db.WithContext(ctx).First(&ch, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &ch, nil
}

// NextOrderingKey allocates the next (timestamp, seq) pair for the channel.
// Seq advances strictly; the timestamp is clamped so it never runs backwards
// even when the wall clock does. The counter row is advanced with a
// check-and-set on the last seq, retrying when a concurrent writer won.
func (c *ChannelStore) NextOrderingKey(ctx context.Context, channelID uuid.UUID, nowMicros int64) (seq, tsMicros int64, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}

		var st domain.ChannelState
		err := c.db.WithContext(ctx).First(&st, "channel_id = ?", channelID).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, 0, err
			}
			st = domain.ChannelState{ChannelID: channelID}
			if err := c.db.WithContext(ctx).
				Clauses(clause.OnConflict{DoNothing: true}).
				Create(&st).Error; err != nil {
				return 0, 0, err
			}
		}

		seq = st.LastSeq + 1
		tsMicros = nowMicros
		if tsMicros < st.LastTimestampMicros {
			tsMicros = st.LastTimestampMicros
		}

		res := c.db.WithContext(ctx).Model(&domain.ChannelState{}).
			Where("channel_id = ? AND last_seq = ?", channelID, st.LastSeq).
			Updates(map[string]any{"last_seq": seq, "last_timestamp_micros": tsMicros})
		if res.Error != nil {
			return 0, 0, res.Error
		}
		if res.RowsAffected == 1 {
			return seq, tsMicros, nil
		}
		// lost the check-and-set; reload and try again
	}
}

func (c *ChannelStore) bumpOverwriteVersion(ctx context.Context, channelID uuid.UUID) error {
	return c.db.WithContext(ctx).Model(&domain.Channel{}).
		Where("id = ?", channelID).
		UpdateColumn("overwrite_version", gorm.Expr("overwrite_version + 1")).Error
}
