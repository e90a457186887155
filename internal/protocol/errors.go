package protocol

import "errors"

var (
	ErrInvalidKeyMaterial     = errors.New("protocol: invalid key material")
	ErrInvalidPrekeySignature = errors.New("protocol: invalid prekey signature")
	ErrMissingOneTimeKey      = errors.New("protocol: missing one-time prekey")
	ErrInvalidRemoteKey       = errors.New("protocol: invalid remote ratchet key")
	ErrInvalidEnvelope        = errors.New("protocol: invalid envelope")
	ErrDuplicateMessage       = errors.New("protocol: duplicate message")
	ErrSessionDesync          = errors.New("protocol: message beyond skip window, session out of sync")
	ErrSessionStale           = errors.New("protocol: session stale, re-establishment required")
	ErrDecryptionFailed       = errors.New("protocol: message authentication failed")
)
