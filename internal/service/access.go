package service

import (
	"context"
	"errors"
	"fmt"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/observability/metrics"
	"e2ee-relay/internal/permissions"
	"e2ee-relay/internal/store"

	"github.com/google/uuid"
)

// Access resolves effective channel permissions for authenticated users.
// Resolved masks are cached per (user, channel) and invalidated by the
// server role version and the channel overwrite version, so mutations
// never serve a stale grant.
type Access struct {
	store *store.Store
	cache *permissions.Cache
}

func NewAccess(st *store.Store) *Access {
	return &Access{store: st, cache: permissions.NewCache()}
}

// ChannelPermissions returns the caller's effective mask in the channel.
// Unknown channels map to ErrNotFound and non-members to
// ErrPermissionDenied. DM channels grant the fixed member mask without
// touching the role tables.
func (a *Access) ChannelPermissions(ctx context.Context, channelID, userID uuid.UUID) (permissions.Bits, error) {
	ch, err := a.store.Channels().Get(ctx, channelID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return 0, fmt.Errorf("%w: channel %s", domain.ErrNotFound, channelID)
		}
		return 0, err
	}
	if _, err := a.store.Memberships().Get(ctx, channelID, userID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return 0, fmt.Errorf("%w: not a channel member", domain.ErrPermissionDenied)
		}
		return 0, err
	}
	if ch.ServerID == nil {
		return permissions.DMMemberMask, nil
	}

	srv, err := a.store.Servers().Get(ctx, *ch.ServerID)
	if err != nil {
		return 0, err
	}
	vers := permissions.Versions{Role: srv.RoleVersion, Overwrite: ch.OverwriteVersion}
	if mask, ok := a.cache.Get(userID, channelID, vers); ok {
		return mask, nil
	}

	snap, err := a.store.Permissions().SnapshotFor(ctx, *ch.ServerID, channelID, userID)
	if err != nil {
		return 0, err
	}
	mask := permissions.Resolve(snap)
	a.cache.Put(userID, channelID, vers, mask)
	return mask, nil
}

// Require resolves the caller's mask and fails with ErrPermissionDenied
// unless every bit in need is granted.
func (a *Access) Require(ctx context.Context, channelID, userID uuid.UUID, need permissions.Bits) (permissions.Bits, error) {
	mask, err := a.ChannelPermissions(ctx, channelID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			metrics.PermissionChecksTotal.WithLabelValues("denied").Inc()
		}
		return 0, err
	}
	if !mask.Has(need) {
		metrics.PermissionChecksTotal.WithLabelValues("denied").Inc()
		return 0, fmt.Errorf("%w: missing required permission", domain.ErrPermissionDenied)
	}
	metrics.PermissionChecksTotal.WithLabelValues("allowed").Inc()
	return mask, nil
}
