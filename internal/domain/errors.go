package domain

import "errors"

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidKeyMaterial = errors.New("invalid key material")
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotFound           = errors.New("not found")
	ErrUnknownRecipient   = errors.New("unknown recipient")
	ErrStaleChainIndex    = errors.New("stale chain index")
	ErrSessionClosed      = errors.New("session closed")
)
