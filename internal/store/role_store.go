package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"e2ee-relay/internal/domain"
)

type ServerStore struct{ db *gorm.DB }

func (s *Store) Servers() *ServerStore { return &ServerStore{db: s.DB} }

func (s *ServerStore) Create(ctx context.Context, server *domain.Server) error {
	if server.ID == uuid.Nil {
		server.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(server).Error
}

func (s *ServerStore) Get(ctx context.Context, id uuid.UUID) (*domain.Server, error) {
	var server domain.Server
	if err := s.db.WithContext(ctx).First(&server, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &server, nil
}

func (s *ServerStore) bumpRoleVersion(ctx context.Context, serverID uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&domain.Server{}).
		Where("id = ?", serverID).
		UpdateColumn("role_version", gorm.Expr("role_version + 1")).Error
}

type RoleStore struct{ db *gorm.DB }

func (s *Store) Roles() *RoleStore { return &RoleStore{db: s.DB} }

// Create inserts a role and bumps the server's role version so cached
// permission masks resolved under the old role set stop validating.
func (r *RoleStore) Create(ctx context.Context, role *domain.Role) error {
	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(role).Error; err != nil {
		return err
	}
	return (&ServerStore{db: r.db}).bumpRoleVersion(ctx, role.ServerID)
}

func (r *RoleStore) Assign(ctx context.Context, assignment domain.RoleAssignment) error {
	if err := r.db.WithContext(ctx).Create(&assignment).Error; err != nil {
		return err
	}
	return (&ServerStore{db: r.db}).bumpRoleVersion(ctx, assignment.ServerID)
}

func (r *RoleStore) Unassign(ctx context.Context, assignment domain.RoleAssignment) error {
	err := r.db.WithContext(ctx).
		Where("role_id = ? AND user_id = ?", assignment.RoleID, assignment.UserID).
		Delete(&domain.RoleAssignment{}).Error
	if err != nil {
		return err
	}
	return (&ServerStore{db: r.db}).bumpRoleVersion(ctx, assignment.ServerID)
}
