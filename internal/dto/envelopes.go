package dto

type SubmitEnvelopeRequest struct {
	Payload        []byte  `json:"payload"`
	HasAttachments bool    `json:"has_attachments,omitempty"`
	ReplyToID      *string `json:"reply_to_id,omitempty"`
}

type SubmitEnvelopeResponse struct {
	EnvelopeID      string `json:"envelope_id"`
	ChannelID       string `json:"channel_id"`
	Seq             int64  `json:"seq"`
	TimestampMicros int64  `json:"timestamp_micros"`
}

type EnvelopeItem struct {
	EnvelopeID      string  `json:"envelope_id"`
	ChannelID       string  `json:"channel_id"`
	SenderID        string  `json:"sender_id"`
	Kind            uint8   `json:"kind"`
	Payload         []byte  `json:"payload"`
	HasAttachments  bool    `json:"has_attachments,omitempty"`
	ReplyToID       *string `json:"reply_to_id,omitempty"`
	Seq             int64   `json:"seq"`
	TimestampMicros int64   `json:"timestamp_micros"`
}

type EnvelopeListResponse struct {
	ChannelID string         `json:"channel_id"`
	Envelopes []EnvelopeItem `json:"envelopes"`
}
