package types

import "errors"

// Sentinel errors for the authentication client.
var (
	// Configuration errors
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrMissingCredential = errors.New("missing credential material")

	// Signing errors
	ErrSignature    = errors.New("signing failure")
	ErrBadKeyFormat = errors.New("unparseable key material")

	// Protocol errors
	ErrProtocol         = errors.New("server rejected handshake step")
	ErrNotAuthenticated = errors.New("session not authenticated")
	ErrSessionExpired   = errors.New("session expired")
)
