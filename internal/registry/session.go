package registry

import (
	"time"

	"github.com/google/uuid"
)

// State is a session's lifecycle position. Transitions only move forward:
// Connecting -> Authenticated -> Active -> Closing -> Closed.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the write side of a connection. Send must be safe for
// concurrent use; the registry never serializes pushes across sessions.
type Transport interface {
	Send(payload []byte) error
	Close() error
}

// Meta is connection metadata kept for logs.
type Meta struct {
	RemoteIP  string
	UserAgent string
}

// Session is one device connection. All mutable fields are guarded by the
// owning registry's lock; the transport reference is immutable after
// construction.
type Session struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	DeviceID    uuid.UUID
	Meta        Meta
	ConnectedAt time.Time

	transport Transport
	state     State
	channels  map[uuid.UUID]struct{}
	lastBeat  time.Time
}

func NewSession(userID, deviceID uuid.UUID, transport Transport, meta Meta) *Session {
	return &Session{
		ID:          uuid.New(),
		UserID:      userID,
		DeviceID:    deviceID,
		Meta:        meta,
		ConnectedAt: time.Now().UTC(),
		transport:   transport,
		state:       StateConnecting,
		channels:    make(map[uuid.UUID]struct{}),
	}
}
