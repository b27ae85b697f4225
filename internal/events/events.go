// Package events defines the JSON frames pushed to connected sessions.
package events

const (
	TypeReady     = "ready"
	TypeEnvelope  = "envelope"
	TypePresence  = "presence"
	TypeSenderKey = "sender_key"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Ready is the first frame a session receives after activation. It lists the
// channels the session is subscribed to so the client knows what to expect
// pushes for.
type Ready struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id"`
	DeviceID  string   `json:"device_id"`
	Channels  []string `json:"channels"`
}

// Envelope carries one relayed envelope. Payload holds the full wire bytes.
type Envelope struct {
	Type            string `json:"type"`
	EnvelopeID      string `json:"envelope_id"`
	ChannelID       string `json:"channel_id"`
	SenderID        string `json:"sender_id"`
	Kind            uint8  `json:"kind"`
	Seq             int64  `json:"seq"`
	TimestampMicros int64  `json:"timestamp_micros"`
	Payload         []byte `json:"payload"`
	HasAttachments  bool   `json:"has_attachments,omitempty"`
	ReplyToID       string `json:"reply_to_id,omitempty"`
}

// Presence reports a user going online or offline. A user is online while at
// least one of their device sessions is active.
type Presence struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// SenderKey delivers the caller's encrypted copy of a rotated sender-key
// distribution.
type SenderKey struct {
	Type           string `json:"type"`
	ChannelID      string `json:"channel_id"`
	DistributionID string `json:"distribution_id"`
	ChainIndex     uint32 `json:"chain_index"`
	Blob           []byte `json:"blob"`
}
