package authcore

import "errors"

var (
	// ErrTokenInvalid covers malformed, unsigned, expired and revoked tokens.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrInvalidCredentials is returned for a wrong password and for an
	// unknown user alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned by UserProvider implementations. The
	// engine never surfaces it from Authenticate.
	ErrUserNotFound = errors.New("user not found")

	ErrAccountLocked   = errors.New("account locked")
	ErrAccountDisabled = errors.New("account disabled")

	// ErrConcurrencyConflict is returned when lockout state kept changing
	// under every retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrRefreshInvalid      = errors.New("refresh token invalid")
	ErrSessionNotFound     = errors.New("session not found")
	ErrEngineNotReady      = errors.New("engine not initialized")
	ErrEngineClosed        = errors.New("engine closed")
)
