package dto

type SenderKeyRecipient struct {
	UserID string `json:"user_id"`
	Blob   []byte `json:"blob"`
}

type PublishSenderKeysRequest struct {
	DistributionID string               `json:"distribution_id"`
	ChainIndex     uint32               `json:"chain_index"`
	Recipients     []SenderKeyRecipient `json:"recipients"`
}

type PublishSenderKeysResponse struct {
	ChannelID      string `json:"channel_id"`
	DistributionID string `json:"distribution_id"`
	ChainIndex     uint32 `json:"chain_index"`
	Recipients     int    `json:"recipients"`
}

type SenderKeyResponse struct {
	ChannelID      string `json:"channel_id"`
	DistributionID string `json:"distribution_id"`
	SenderID       string `json:"sender_id"`
	ChainIndex     uint32 `json:"chain_index"`
	Blob           []byte `json:"blob"`
}
