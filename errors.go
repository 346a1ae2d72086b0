package chatstream

import "errors"

var (
	// ErrUnauthorized is returned when a request carries no usable principal.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials is returned when login identity or password verification fails.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken is returned when a token parses but lacks a session identifier or expiry.
	ErrInvalidToken = errors.New("invalid token")
	// ErrSessionRevoked is returned when a signed token fails the whitelist admission check.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrForbidden is returned when an authenticated subject does not own the target resource.
	ErrForbidden = errors.New("forbidden")
	// ErrRateLimitExceeded is returned when the daily message quota is exhausted.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrLoginRateLimited is returned when login attempts exceed the brute-force window.
	ErrLoginRateLimited = errors.New("login rate limited")
	// ErrBadRequest is returned when request schema validation fails.
	ErrBadRequest = errors.New("bad request")
	// ErrNotFound is returned when the target resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrModelNotAllowed is returned when the requested model is outside the subject's allowlist.
	ErrModelNotAllowed = errors.New("model not allowed")
	// ErrUpstreamFailure is returned when a model or tool call fails mid-stream.
	ErrUpstreamFailure = errors.New("upstream failure")
	// ErrStoreUnavailable is returned when the revocation store cannot be reached.
	// Auth paths treat this as a hard rejection, never as an implicit allow.
	ErrStoreUnavailable = errors.New("revocation store unavailable")
	// ErrSessionCreationFailed is returned when a signed token could not be admitted
	// to the whitelist. The token must be discarded; downstream validation would
	// reject it anyway.
	ErrSessionCreationFailed = errors.New("session creation failed")
	// ErrPasswordReuse is returned when a password change supplies the current password.
	ErrPasswordReuse = errors.New("new password must be different from current password")
	// ErrEngineNotReady is returned when the engine is used before Build completed.
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrStreamNotFound is returned when no resumable stream exists for the given id.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrStreamBufferDisabled is returned when resumption is requested but no durable
	// stream buffer is configured.
	ErrStreamBufferDisabled = errors.New("stream buffer disabled")
)
