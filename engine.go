package chatstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nvoss/chatstream/entitlement"
	"github.com/nvoss/chatstream/internal/rate"
	"github.com/nvoss/chatstream/jwt"
	"github.com/nvoss/chatstream/password"
	"github.com/nvoss/chatstream/session"
)

// Engine is the session lifecycle facade: it issues tokens, admits them to
// the whitelist, validates them on every request, and revokes them on logout
// and credential change. Safe for concurrent use.
type Engine struct {
	config   Config
	tokens   *jwt.Manager
	sessions *session.Store
	users    UserProvider
	hasher   *password.Argon2
	limiter  *rate.Limiter
	gate     *entitlement.Gate
	log      zerolog.Logger
}

// Sessions exposes the revocation store for introspection endpoints.
func (e *Engine) Sessions() *session.Store {
	return e.sessions
}

/*
====================================
SESSION ESTABLISHMENT
====================================
*/

// Login authenticates a password credential and establishes a session. The
// client address for throttling is taken from the context via WithClientIP.
func (e *Engine) Login(ctx context.Context, email, pass string) (*EstablishResult, error) {
	ip := ClientIPFromContext(ctx)

	if e.limiter != nil {
		if err := e.limiter.Check(ctx, email, ip); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				return nil, ErrLoginRateLimited
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	fail := func(reason string) (*EstablishResult, error) {
		if e.limiter != nil {
			if err := e.limiter.Increment(ctx, email, ip); err != nil && errors.Is(err, rate.ErrRateLimited) {
				return nil, ErrLoginRateLimited
			}
		}
		metricLoginFailures.Inc()
		e.log.Info().Str("reason", reason).Msg("login rejected")
		return nil, ErrInvalidCredentials
	}

	if pass == "" {
		return fail("empty_password")
	}
	user, err := e.users.UserByEmail(email)
	if err != nil {
		return fail("user_not_found")
	}
	ok, err := e.hasher.Verify(pass, user.PasswordHash)
	if err != nil || !ok {
		return fail("password_mismatch")
	}

	if e.limiter != nil {
		if err := e.limiter.Reset(ctx, email, ip); err != nil {
			e.log.Warn().Err(err).Msg("login throttle reset failed")
		}
	}
	return e.EstablishSession(ctx, user)
}

// GuestLogin mints a throwaway account and issues it a short stateless
// session. Guest tokens are never whitelisted, so guest login works even
// when the revocation store is down.
func (e *Engine) GuestLogin(ctx context.Context) (*EstablishResult, error) {
	guest, err := e.users.CreateGuest()
	if err != nil {
		return nil, err
	}
	return e.EstablishSession(ctx, guest)
}

// EstablishSession issues a token for the user and admits it to the
// whitelist as one unit. If admission fails for a non-guest class, the
// signed token is discarded and the whole operation fails; a token that was
// never admitted would only produce 419s downstream.
func (e *Engine) EstablishSession(ctx context.Context, user *User) (*EstablishResult, error) {
	if user == nil || !user.Class.Valid() {
		return nil, ErrBadRequest
	}

	token, claims, err := e.tokens.Issue(user.ID, string(user.Class))
	if err != nil {
		return nil, err
	}
	expiresAt := claims.ExpiresAt.Time

	if user.Class != ClassGuest {
		ttl := time.Until(expiresAt)
		if err := e.sessions.Admit(ctx, claims.JTI(), user.ID, ttl); err != nil {
			e.log.Error().Err(err).Str("subject", user.ID).Msg("session admission failed")
			return nil, fmt.Errorf("%w: %v", ErrSessionCreationFailed, err)
		}
	}

	metricSessionsEstablished.WithLabelValues(string(user.Class)).Inc()
	return &EstablishResult{
		Token:     token,
		Subject:   user,
		JTI:       claims.JTI(),
		ExpiresAt: expiresAt,
	}, nil
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks a raw bearer token and returns the principal it carries.
// Guest tokens are accepted on signature and expiry alone; other classes
// must additionally hold a live whitelist entry. A store failure rejects the
// request rather than admitting an unverifiable session.
func (e *Engine) Validate(ctx context.Context, raw string) (*Principal, error) {
	if raw == "" {
		return nil, ErrUnauthorized
	}

	claims, err := e.tokens.Verify(raw)
	if err != nil {
		metricValidations.WithLabelValues("rejected").Inc()
		switch {
		case errors.Is(err, jwt.ErrMalformed), errors.Is(err, jwt.ErrMissingSessionID):
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		default:
			return nil, ErrUnauthorized
		}
	}

	p := Principal{
		SubjectID: claims.UID,
		Class:     AccountClass(claims.Class),
		JTI:       claims.JTI(),
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if !p.Class.Valid() {
		metricValidations.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: unknown account class", ErrInvalidToken)
	}

	if p.IsGuest() {
		metricValidations.WithLabelValues("ok").Inc()
		return &p, nil
	}

	admitted, err := e.sessions.IsAdmitted(ctx, p.JTI, p.SubjectID)
	if err != nil {
		metricValidations.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !admitted {
		metricValidations.WithLabelValues("revoked").Inc()
		return nil, ErrSessionRevoked
	}
	metricValidations.WithLabelValues("ok").Inc()
	return &p, nil
}

/*
====================================
REVOCATION
====================================
*/

// Logout writes the advisory blacklist marker for the session's remaining
// lifetime. The whitelist entry is left in place: single logout never deletes
// it, only mass revocation or natural ttl expiry does, so the session stays
// admitted until then. An already-expired token is a successful no-op. Guest
// tokens carry no server state and also no-op.
func (e *Engine) Logout(ctx context.Context, raw string) error {
	claims, err := e.tokens.Verify(raw)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrExpired):
			return nil
		case errors.Is(err, jwt.ErrMissingSessionID):
			return fmt.Errorf("%w: %v", ErrInvalidToken, err)
		default:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}
	if claims.Class == string(ClassGuest) {
		return nil
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if err := e.sessions.Revoke(ctx, claims.JTI(), remaining); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	metricSessionsRevoked.WithLabelValues("logout").Inc()
	return nil
}

// ChangePassword verifies the current credential, stores a new hash, and
// mass-revokes every outstanding session for the subject. Returns the number
// of sessions revoked.
func (e *Engine) ChangePassword(ctx context.Context, subjectID, current, next string) (int, error) {
	user, err := e.users.UserByID(subjectID)
	if err != nil {
		return 0, ErrUnauthorized
	}

	ok, err := e.hasher.Verify(current, user.PasswordHash)
	if err != nil || !ok {
		metricLoginFailures.Inc()
		return 0, ErrInvalidCredentials
	}
	same, err := e.hasher.Verify(next, user.PasswordHash)
	if err == nil && same {
		return 0, ErrPasswordReuse
	}

	hash, err := e.hasher.Hash(next)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := e.users.UpdatePasswordHash(user.ID, hash); err != nil {
		return 0, err
	}

	n, err := e.sessions.RevokeAll(ctx, user.ID)
	if err != nil {
		// The credential is already rotated; surface the store failure so the
		// caller can retry the revocation sweep.
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	metricSessionsRevoked.WithLabelValues("password_change").Add(float64(n))
	e.log.Info().Str("subject", user.ID).Int("revoked", n).Msg("password changed, sessions revoked")
	return n, nil
}

/*
====================================
ENTITLEMENTS
====================================
*/

// Entitlements resolves what the account class may do right now.
func (e *Engine) Entitlements(class AccountClass) entitlement.Entitlements {
	return e.gate.Resolve(string(class))
}

// AuthorizeMessage gates one message send: the model must be in the
// subject's allowlist and the trailing-window quota must have headroom.
func (e *Engine) AuthorizeMessage(ctx context.Context, p Principal, modelID string) (entitlement.Entitlements, error) {
	ent, err := e.gate.Authorize(ctx, p.SubjectID, string(p.Class), modelID)
	if err != nil {
		switch {
		case errors.Is(err, entitlement.ErrQuotaExceeded):
			return ent, ErrRateLimitExceeded
		case errors.Is(err, entitlement.ErrModelNotAllowed):
			return ent, ErrModelNotAllowed
		default:
			return ent, err
		}
	}
	return ent, nil
}
