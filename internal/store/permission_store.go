package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/permissions"
)

type PermissionStore struct{ db *gorm.DB }

func (s *Store) Permissions() *PermissionStore { return &PermissionStore{db: s.DB} }

// SetOverwrite upserts an overwrite and bumps the channel's overwrite
// version.
func (p *PermissionStore) SetOverwrite(ctx context.Context, ow domain.PermissionOverwrite) error {
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "channel_id"}, {Name: "subject_type"}, {Name: "subject_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"allow": ow.Allow,
				"deny":  ow.Deny,
			}),
		}).
		Create(&ow).Error
	if err != nil {
		return err
	}
	return (&ChannelStore{db: p.db}).bumpOverwriteVersion(ctx, ow.ChannelID)
}

func (p *PermissionStore) DeleteOverwrite(ctx context.Context, channelID uuid.UUID, subjectType string, subjectID uuid.UUID) error {
	err := p.db.WithContext(ctx).
		Where("channel_id = ? AND subject_type = ? AND subject_id = ?", channelID, subjectType, subjectID).
		Delete(&domain.PermissionOverwrite{}).Error
	if err != nil {
		return err
	}
	return (&ChannelStore{db: p.db}).bumpOverwriteVersion(ctx, channelID)
}

type roleGrantRow struct {
	ID       uuid.UUID
	Allow    int64
	Priority int
}

// SnapshotFor loads everything permission resolution needs for one user on
// one server channel: the roles the user holds (default roles included), the
// channel overwrites scoped to those roles, and the user-scoped overwrite.
func (p *PermissionStore) SnapshotFor(ctx context.Context, serverID, channelID, userID uuid.UUID) (permissions.Snapshot, error) {
	var snapshot permissions.Snapshot

	var grants []roleGrantRow
	err := p.db.WithContext(ctx).
		Table("roles").
		Select("roles.id, roles.allow, roles.priority").
		Joins("LEFT JOIN role_assignments ON role_assignments.role_id = roles.id AND role_assignments.user_id = ?", userID).
		Where("roles.server_id = ? AND (roles.is_default = ? OR role_assignments.user_id IS NOT NULL)", serverID, true).
		Scan(&grants).Error
	if err != nil {
		return permissions.Snapshot{}, err
	}

	roleIDs := make([]uuid.UUID, 0, len(grants))
	for _, g := range grants {
		roleIDs = append(roleIDs, g.ID)
		snapshot.Roles = append(snapshot.Roles, permissions.RoleGrant{
			Allow:    permissions.Bits(g.Allow),
			Priority: g.Priority,
		})
	}

	if len(roleIDs) > 0 {
		var ows []struct {
			Allow    int64
			Deny     int64
			Priority int
		}
		err = p.db.WithContext(ctx).
			Table("permission_overwrites").
			Select("permission_overwrites.allow, permission_overwrites.deny, roles.priority").
			Joins("JOIN roles ON roles.id = permission_overwrites.subject_id").
			Where("permission_overwrites.channel_id = ? AND permission_overwrites.subject_type = ? AND permission_overwrites.subject_id IN ?",
				channelID, domain.SubjectRole, roleIDs).
			Scan(&ows).Error
		if err != nil {
			return permissions.Snapshot{}, err
		}
		for _, ow := range ows {
			snapshot.RoleOverwrites = append(snapshot.RoleOverwrites, permissions.Overwrite{
				Allow:    permissions.Bits(ow.Allow),
				Deny:     permissions.Bits(ow.Deny),
				Priority: ow.Priority,
			})
		}
	}

	var userOw domain.PermissionOverwrite
	err = p.db.WithContext(ctx).
		First(&userOw, "channel_id = ? AND subject_type = ? AND subject_id = ?", channelID, domain.SubjectUser, userID).Error
	switch {
	case err == nil:
		snapshot.UserOverwrite = &permissions.Overwrite{
			Allow: permissions.Bits(userOw.Allow),
			Deny:  permissions.Bits(userOw.Deny),
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// no user overwrite
	default:
		return permissions.Snapshot{}, err
	}

	return snapshot, nil
}
