// Package entitlement resolves what an authenticated subject may do: which
// models it can call and how many messages it may send per day.
package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrQuotaExceeded is returned when the subject's rolling usage meets or
	// exceeds its daily message quota.
	ErrQuotaExceeded = errors.New("entitlement: daily message quota exceeded")
	// ErrModelNotAllowed is returned when the requested model is outside the
	// subject's allowlist.
	ErrModelNotAllowed = errors.New("entitlement: model not allowed")
)

const classAdmin = "admin"

// Group is an account class's configured entitlements.
type Group struct {
	MaxMessagesPerDay int
	AllowedModelIDs   []string
}

// ConfigSource supplies per-class group configuration. A nil group with a nil
// error means the class has no configuration row.
type ConfigSource interface {
	GroupForClass(class string) (*Group, error)
}

// UsageSource supplies the rolling usage count. Written by message
// persistence, read-only here.
type UsageSource interface {
	MessageCountSince(subjectID string, since time.Time) (int64, error)
}

// Entitlements is the resolved decision input for one subject.
// MaxMessagesPerDay is nil for unlimited (admin) subjects.
type Entitlements struct {
	MaxMessagesPerDay *int
	AllowedModelIDs   []string
	AllModels         bool
}

// AllowsModel reports whether the model id is within the allowlist.
func (e Entitlements) AllowsModel(modelID string) bool {
	if e.AllModels {
		return true
	}
	for _, id := range e.AllowedModelIDs {
		if id == modelID {
			return true
		}
	}
	return false
}

// Gate evaluates entitlements against usage. Safe for concurrent use.
type Gate struct {
	config       ConfigSource
	usage        UsageSource
	defaultQuota int
	window       time.Duration
	log          zerolog.Logger
}

// NewGate builds a Gate. defaultQuota is the fallback applied when a class's
// group configuration is missing or malformed; window is the trailing usage
// window (24h in production).
func NewGate(config ConfigSource, usage UsageSource, defaultQuota int, window time.Duration, log zerolog.Logger) *Gate {
	return &Gate{
		config:       config,
		usage:        usage,
		defaultQuota: defaultQuota,
		window:       window,
		log:          log,
	}
}

// Resolve returns the entitlements for an account class. Admins are unlimited
// and implicitly permitted every model. For other classes a missing or broken
// group row falls back to the default quota with no model restriction, logged
// as a warning rather than failing the request: availability over strictness
// for this knob.
func (g *Gate) Resolve(class string) Entitlements {
	if class == classAdmin {
		return Entitlements{AllModels: true}
	}

	group, err := g.config.GroupForClass(class)
	if err != nil || group == nil {
		g.log.Warn().
			Str("class", class).
			Err(err).
			Int("fallback_quota", g.defaultQuota).
			Msg("entitlement group missing or unreadable, using default quota")
		quota := g.defaultQuota
		return Entitlements{MaxMessagesPerDay: &quota, AllModels: true}
	}

	quota := group.MaxMessagesPerDay
	if quota <= 0 {
		g.log.Warn().
			Str("class", class).
			Int("configured", group.MaxMessagesPerDay).
			Int("fallback_quota", g.defaultQuota).
			Msg("entitlement quota misconfigured, using default")
		quota = g.defaultQuota
	}
	return Entitlements{
		MaxMessagesPerDay: &quota,
		AllowedModelIDs:   group.AllowedModelIDs,
	}
}

// Authorize checks the model allowlist and the daily quota for one request.
// It returns ErrModelNotAllowed or ErrQuotaExceeded; any other error is a
// usage lookup failure.
func (g *Gate) Authorize(ctx context.Context, subjectID, class, modelID string) (Entitlements, error) {
	ent := g.Resolve(class)

	if modelID != "" && !ent.AllowsModel(modelID) {
		return ent, ErrModelNotAllowed
	}

	if ent.MaxMessagesPerDay == nil {
		return ent, nil
	}

	count, err := g.usage.MessageCountSince(subjectID, time.Now().Add(-g.window))
	if err != nil {
		return ent, err
	}
	if count >= int64(*ent.MaxMessagesPerDay) {
		return ent, ErrQuotaExceeded
	}
	return ent, nil
}
