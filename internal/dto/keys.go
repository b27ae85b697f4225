package dto

type PublishIdentityRequest struct {
	IdentityKey     []byte   `json:"identity_key"`
	SignedPreKey    []byte   `json:"signed_pre_key"`
	SignedPreKeySig []byte   `json:"signed_pre_key_sig"`
	PreKeys         [][]byte `json:"pre_keys,omitempty"`
}

type PublishIdentityResponse struct {
	UserID    string `json:"user_id"`
	Available int64  `json:"available"`
}

type ReplenishPrekeysRequest struct {
	PreKeys [][]byte `json:"pre_keys"`
}

type ReplenishPrekeysResponse struct {
	UserID    string `json:"user_id"`
	Available int64  `json:"available"`
}

type SignedPreKey struct {
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

type OneTimePreKey struct {
	ID        string `json:"id"`
	PublicKey []byte `json:"public_key"`
}

type BundleResponse struct {
	UserID        string         `json:"user_id"`
	IdentityKey   []byte         `json:"identity_key"`
	SignedPreKey  SignedPreKey   `json:"signed_pre_key"`
	OneTimePreKey *OneTimePreKey `json:"one_time_pre_key,omitempty"`
}
