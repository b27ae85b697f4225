package domain

import (
	"time"

	"github.com/google/uuid"
)

// Server groups the channels that share a role set. Role and assignment
// mutations bump RoleVersion so cached permission masks can be revalidated
// without reloading the full role graph.
type Server struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoleVersion int64     `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"`
}

// Channel with a nil ServerID is a direct-message channel: no roles apply and
// members get a fixed permission mask. OverwriteVersion is bumped by every
// overwrite mutation on the channel.
type Channel struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ServerID         *uuid.UUID `gorm:"type:uuid;index"`
	OverwriteVersion int64      `gorm:"not null;default:0"`
	CreatedAt        time.Time  `gorm:"not null;autoCreateTime"`
}

// ChannelState is the per-channel ordering-key allocator row. LastSeq moves
// strictly forward, LastTimestampMicros never decreases; both advance through
// a check-and-set update.
type ChannelState struct {
	ChannelID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	LastSeq             int64     `gorm:"not null;default:0"`
	LastTimestampMicros int64     `gorm:"not null;default:0"`
}

type ChannelMembership struct {
	ChannelID uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	Hidden    bool      `gorm:"not null;default:false"`
	JoinedAt  time.Time `gorm:"not null;autoCreateTime"`
}

type Role struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ServerID  uuid.UUID `gorm:"type:uuid;not null;index"`
	Priority  int       `gorm:"not null;default:0"`
	Allow     int64     `gorm:"not null;default:0"`
	IsDefault bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type RoleAssignment struct {
	RoleID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID   uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	ServerID uuid.UUID `gorm:"type:uuid;not null;index"`
}

const (
	SubjectRole = "role"
	SubjectUser = "user"
)

// PermissionOverwrite narrows or widens the role-derived mask on one channel
// for a single role or a single user. SubjectType is SubjectRole or
// SubjectUser.
type PermissionOverwrite struct {
	ChannelID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	SubjectType string    `gorm:"type:text;primaryKey"`
	SubjectID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Allow       int64     `gorm:"not null;default:0"`
	Deny        int64     `gorm:"not null;default:0"`
}

// IdentityRecord holds a user's long-term public identity key plus the current
// signed prekey. Publishing is idempotent; re-publishing replaces the record.
type IdentityRecord struct {
	UserID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	IdentityKey     []byte    `gorm:"type:bytea;not null"`
	SignedPreKey    []byte    `gorm:"type:bytea;not null"`
	SignedPreKeySig []byte    `gorm:"type:bytea;not null"`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"not null;autoUpdateTime"`
}

type OneTimePreKey struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID  `gorm:"type:uuid;not null;index"`
	PublicKey  []byte     `gorm:"type:bytea;not null"`
	ConsumedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt  time.Time  `gorm:"not null;autoCreateTime"`
}

// SenderKeyDistribution is the per-channel record of one sender-key chain.
// ChainIndex only moves forward; the first publish binds the distribution to
// its sender.
type SenderKeyDistribution struct {
	ChannelID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	DistributionID uuid.UUID `gorm:"type:uuid;primaryKey"`
	SenderID       uuid.UUID `gorm:"type:uuid;not null"`
	ChainIndex     int64     `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime"`
}

// SenderKeyRecipient carries the distribution message encrypted for a single
// recipient. Rows are replaced wholesale on each publish.
type SenderKeyRecipient struct {
	ChannelID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	DistributionID uuid.UUID `gorm:"type:uuid;primaryKey"`
	RecipientID    uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	Blob           []byte    `gorm:"type:bytea;not null"`
	ChainIndex     int64     `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime"`
}

// Envelope is an append-only relay record. Payload holds the full wire bytes
// including the kind byte; the server never interprets the ciphertext.
// (TimestampMicros, Seq) is the per-channel ordering key.
type Envelope struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ChannelID       uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_envelopes_channel_seq,priority:1"`
	SenderID        uuid.UUID  `gorm:"type:uuid;not null;index"`
	Kind            uint8      `gorm:"not null"`
	Payload         []byte     `gorm:"type:bytea;not null"`
	HasAttachments  bool       `gorm:"not null;default:false"`
	ReplyToID       *uuid.UUID `gorm:"type:uuid"`
	Seq             int64      `gorm:"not null;uniqueIndex:idx_envelopes_channel_seq,priority:2"`
	TimestampMicros int64      `gorm:"not null"`
	CreatedAt       time.Time  `gorm:"not null;autoCreateTime"`
}
