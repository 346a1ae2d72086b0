package chatstream

import (
	"errors"
	"time"
)

// Config carries the engine's tuning knobs. Populate it before Build; it is
// treated as immutable afterwards.
type Config struct {
	JWT       JWTConfig
	Session   SessionConfig
	Password  PasswordConfig
	LoginRate LoginRateConfig
	Quota     QuotaConfig
	Stream    StreamConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig controls token signing and lifetimes. Regular and admin tokens
// share SessionTTL; guest tokens use GuestTTL and skip whitelisting.
type JWTConfig struct {
	SessionTTL    time.Duration
	GuestTTL      time.Duration
	SigningMethod string // "hs256" (default) or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the revocation store key namespace.
type SessionConfig struct {
	WhitelistPrefix string
	BlacklistPrefix string
	IndexPrefix     string
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig carries argon2id parameters, in the same units the password
// package expects (Memory in KB).
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

/*
====================================
LOGIN RATE CONFIG
====================================
*/

// LoginRateConfig throttles failed login attempts per identifier and per IP.
// Disabled when MaxAttempts is zero.
type LoginRateConfig struct {
	MaxAttempts int
	Window      time.Duration
}

/*
====================================
QUOTA CONFIG
====================================
*/

// QuotaConfig sets the fallback daily message quota used when a subject's
// group configuration is missing or malformed. Availability wins over
// strictness for this knob: misconfiguration logs a warning and falls back,
// it does not reject requests.
type QuotaConfig struct {
	DefaultMaxMessagesPerDay int
	UsageWindow              time.Duration
}

/*
====================================
STREAM CONFIG
====================================
*/

// StreamConfig bounds the generation loop and the durable stream buffer.
type StreamConfig struct {
	MaxSteps        int
	MaxWallClock    time.Duration
	DefaultMaxTok   int
	BufferTTL       time.Duration
	BufferKeyPrefix string
}

// DefaultConfig returns the configuration the service ships with: 30-day
// regular sessions, 2-hour guest sessions, original key namespaces, and a
// 5-step generation loop.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			SessionTTL:    30 * 24 * time.Hour,
			GuestTTL:      2 * time.Hour,
			SigningMethod: "hs256",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			WhitelistPrefix: "jti:whitelist:",
			BlacklistPrefix: "jti:blacklist:",
			IndexPrefix:     "user:jti:set:",
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		LoginRate: LoginRateConfig{
			MaxAttempts: 10,
			Window:      15 * time.Minute,
		},
		Quota: QuotaConfig{
			DefaultMaxMessagesPerDay: 100,
			UsageWindow:              24 * time.Hour,
		},
		Stream: StreamConfig{
			MaxSteps:        5,
			MaxWallClock:    60 * time.Second,
			DefaultMaxTok:   5000,
			BufferTTL:       10 * time.Minute,
			BufferKeyPrefix: "stream:record:",
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.JWT.SessionTTL <= 0 || c.JWT.GuestTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if c.JWT.SessionTTL < c.JWT.GuestTTL {
		return errors.New("session TTL must not be shorter than guest TTL")
	}
	switch c.JWT.SigningMethod {
	case "hs256", "ed25519":
	default:
		return errors.New("unsupported signing method")
	}
	if len(c.JWT.PrivateKey) == 0 {
		return errors.New("signing key required")
	}
	if c.Session.WhitelistPrefix == "" || c.Session.IndexPrefix == "" {
		return errors.New("session key prefixes required")
	}
	if c.Quota.DefaultMaxMessagesPerDay <= 0 {
		return errors.New("default quota must be positive")
	}
	if c.Quota.UsageWindow <= 0 {
		return errors.New("usage window must be positive")
	}
	if c.Stream.MaxSteps <= 0 || c.Stream.MaxSteps > 32 {
		return errors.New("stream step cap out of range")
	}
	if c.Stream.MaxWallClock <= 0 {
		return errors.New("stream wall clock cap must be positive")
	}
	return nil
}
