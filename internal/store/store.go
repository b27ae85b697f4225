package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"e2ee-relay/internal/domain"
)

var ErrRecordNotFound = errors.New("record not found")

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{DB: db} }

func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(
		&domain.Server{},
		&domain.Channel{},
		&domain.ChannelState{},
		&domain.ChannelMembership{},
		&domain.Role{},
		&domain.RoleAssignment{},
		&domain.PermissionOverwrite{},
		&domain.IdentityRecord{},
		&domain.OneTimePreKey{},
		&domain.SenderKeyDistribution{},
		&domain.SenderKeyRecipient{},
		&domain.Envelope{},
	)
}
