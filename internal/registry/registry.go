// Package registry tracks live device sessions and fans push payloads out to
// them. The registry owns every session: state transitions, subscriptions and
// heartbeats all happen under its lock, and a background sweeper evicts
// sessions whose heartbeats stop.
package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/events"
	"e2ee-relay/internal/observability/metrics"
)

type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

type sessionKey struct {
	User   uuid.UUID
	Device uuid.UUID
}

type Registry struct {
	cfg Config
	now func() time.Time

	mu        sync.RWMutex
	sessions  map[sessionKey]*Session
	byChannel map[uuid.UUID]map[*Session]struct{}
	byUser    map[uuid.UUID]map[*Session]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	return &Registry{
		cfg:       cfg,
		now:       time.Now,
		sessions:  make(map[sessionKey]*Session),
		byChannel: make(map[uuid.UUID]map[*Session]struct{}),
		byUser:    make(map[uuid.UUID]map[*Session]struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the heartbeat sweeper. Stop shuts it down and closes every
// remaining session.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) Stop() {
	close(r.done)
	r.wg.Wait()

	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()
	for _, s := range all {
		r.remove(s, "shutdown")
	}
}

// Admit registers an authenticated session. An existing session for the same
// (user, device) is replaced: the old one is closed and evicted first.
func (r *Registry) Admit(s *Session) error {
	key := sessionKey{User: s.UserID, Device: s.DeviceID}

	r.mu.Lock()
	if s.state != StateConnecting {
		r.mu.Unlock()
		return domain.ErrSessionClosed
	}
	old := r.sessions[key]
	s.state = StateAuthenticated
	s.lastBeat = r.now()
	r.sessions[key] = s
	r.indexUserLocked(s)
	r.mu.Unlock()

	if old != nil {
		r.remove(old, "replaced")
	}
	return nil
}

// Activate subscribes the session to its channels and starts delivering
// pushes to it. If this is the user's first active session their presence
// flips to online.
func (r *Registry) Activate(s *Session, channels []uuid.UUID) error {
	r.mu.Lock()
	if s.state != StateAuthenticated {
		r.mu.Unlock()
		return domain.ErrSessionClosed
	}
	wasOnline := r.onlineLocked(s.UserID)
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
		set := r.byChannel[ch]
		if set == nil {
			set = make(map[*Session]struct{})
			r.byChannel[ch] = set
		}
		set[s] = struct{}{}
	}
	s.state = StateActive
	s.lastBeat = r.now()

	var targets []*Session
	var frame []byte
	if !wasOnline {
		targets = r.presencePeersLocked(s)
		frame = presenceFrame(s.UserID, events.StatusOnline)
	}
	r.mu.Unlock()

	metrics.ActiveSessions.WithLabelValues().Inc()
	slog.Info("session active",
		"session_id", s.ID,
		"user_id", s.UserID,
		"device_id", s.DeviceID,
		"channels", len(channels),
		"remote_ip", s.Meta.RemoteIP,
	)
	if frame != nil {
		r.deliver(targets, frame)
	}
	return nil
}

// Subscribe adds a channel to a live session, e.g. after the user joins a
// channel mid-connection.
func (r *Registry) Subscribe(s *Session, channelID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.state != StateActive {
		return domain.ErrSessionClosed
	}
	s.channels[channelID] = struct{}{}
	set := r.byChannel[channelID]
	if set == nil {
		set = make(map[*Session]struct{})
		r.byChannel[channelID] = set
	}
	set[s] = struct{}{}
	return nil
}

func (r *Registry) Unsubscribe(s *Session, channelID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(s.channels, channelID)
	if set := r.byChannel[channelID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(r.byChannel, channelID)
		}
	}
}

// Heartbeat refreshes the session's liveness window. Heartbeats from a
// closing or closed session report ErrSessionClosed so the transport loop can
// stop.
func (r *Registry) Heartbeat(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.state != StateAuthenticated && s.state != StateActive {
		return domain.ErrSessionClosed
	}
	s.lastBeat = r.now()
	return nil
}

// Remove closes and evicts a session. Safe to call more than once.
func (r *Registry) Remove(s *Session) {
	r.remove(s, "closed")
}

// StateOf reads the session's current state under the registry lock.
func (r *Registry) StateOf(s *Session) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return s.state
}

// Online reports whether the user has at least one active session.
func (r *Registry) Online(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked(userID)
}

// PushChannel delivers a payload to every active session subscribed to the
// channel and returns how many sends succeeded. Sessions in any other state
// are skipped silently; a failed send evicts the session.
func (r *Registry) PushChannel(channelID uuid.UUID, payload []byte) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.byChannel[channelID]))
	for s := range r.byChannel[channelID] {
		if s.state == StateActive {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()
	return r.deliver(targets, payload)
}

// PushUser delivers a payload to every active session of one user. Used for
// targeted sender-key distribution.
func (r *Registry) PushUser(userID uuid.UUID, payload []byte) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.byUser[userID]))
	for s := range r.byUser[userID] {
		if s.state == StateActive {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()
	return r.deliver(targets, payload)
}

func (r *Registry) remove(s *Session, reason string) {
	key := sessionKey{User: s.UserID, Device: s.DeviceID}

	r.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		r.mu.Unlock()
		return
	}
	wasActive := s.state == StateActive
	s.state = StateClosing

	if r.sessions[key] == s {
		delete(r.sessions, key)
	}
	for ch := range s.channels {
		if set := r.byChannel[ch]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(r.byChannel, ch)
			}
		}
	}
	if set := r.byUser[s.UserID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(r.byUser, s.UserID)
		}
	}

	var targets []*Session
	var frame []byte
	if wasActive && !r.onlineLocked(s.UserID) {
		targets = r.presencePeersLocked(s)
		frame = presenceFrame(s.UserID, events.StatusOffline)
	}
	s.state = StateClosed
	r.mu.Unlock()

	_ = s.transport.Close()
	if wasActive {
		metrics.ActiveSessions.WithLabelValues().Dec()
	}
	metrics.SessionsEvictedTotal.WithLabelValues(reason).Inc()
	slog.Info("session closed",
		"session_id", s.ID,
		"user_id", s.UserID,
		"device_id", s.DeviceID,
		"reason", reason,
	)
	if frame != nil {
		r.deliver(targets, frame)
	}
}

func (r *Registry) sweep() {
	cutoff := r.now().Add(-r.cfg.HeartbeatTimeout)

	r.mu.RLock()
	var stale []*Session
	for _, s := range r.sessions {
		if (s.state == StateAuthenticated || s.state == StateActive) && s.lastBeat.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		slog.Warn("evicting session after missed heartbeats",
			"session_id", s.ID,
			"user_id", s.UserID,
			"device_id", s.DeviceID,
		)
		r.remove(s, "heartbeat")
	}
}

func (r *Registry) deliver(targets []*Session, payload []byte) int {
	delivered := 0
	for _, s := range targets {
		if err := s.transport.Send(payload); err != nil {
			metrics.PushDeliveriesTotal.WithLabelValues("error").Inc()
			slog.Debug("push failed, dropping session", "session_id", s.ID, "error", err)
			r.remove(s, "closed")
			continue
		}
		metrics.PushDeliveriesTotal.WithLabelValues("ok").Inc()
		delivered++
	}
	return delivered
}

func (r *Registry) indexUserLocked(s *Session) {
	set := r.byUser[s.UserID]
	if set == nil {
		set = make(map[*Session]struct{})
		r.byUser[s.UserID] = set
	}
	set[s] = struct{}{}
}

func (r *Registry) onlineLocked(userID uuid.UUID) bool {
	for s := range r.byUser[userID] {
		if s.state == StateActive {
			return true
		}
	}
	return false
}

// presencePeersLocked collects the active sessions of other users sharing at
// least one channel with s, deduplicated.
func (r *Registry) presencePeersLocked(s *Session) []*Session {
	seen := make(map[*Session]struct{})
	var peers []*Session
	for ch := range s.channels {
		for peer := range r.byChannel[ch] {
			if peer.UserID == s.UserID || peer.state != StateActive {
				continue
			}
			if _, ok := seen[peer]; ok {
				continue
			}
			seen[peer] = struct{}{}
			peers = append(peers, peer)
		}
	}
	return peers
}

func presenceFrame(userID uuid.UUID, status string) []byte {
	frame, err := json.Marshal(events.Presence{
		Type:   events.TypePresence,
		UserID: userID.String(),
		Status: status,
	})
	if err != nil {
		return nil
	}
	return frame
}
