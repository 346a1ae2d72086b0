package chatstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nvoss/chatstream/entitlement"
	"github.com/nvoss/chatstream/internal/rate"
	"github.com/nvoss/chatstream/jwt"
	"github.com/nvoss/chatstream/password"
	"github.com/nvoss/chatstream/session"
)

// Builder assembles an Engine from its dependencies. Configure it during
// initialization and treat the built Engine as immutable.
type Builder struct {
	config    Config
	redis     redis.UniversalClient
	users     UserProvider
	entConfig entitlement.ConfigSource
	entUsage  entitlement.UsageSource
	log       zerolog.Logger

	built bool
}

// New starts a Builder with the default configuration and a no-op logger.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
		log:    zerolog.Nop(),
	}
}

// WithConfig replaces the default configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis sets the client backing the revocation store and login throttle.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserProvider sets the account lookup backend.
func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.users = up
	return b
}

// WithEntitlementSources sets the group configuration and usage backends for
// the quota gate.
func (b *Builder) WithEntitlementSources(config entitlement.ConfigSource, usage entitlement.UsageSource) *Builder {
	b.entConfig = config
	b.entUsage = usage
	return b
}

// WithLogger sets the engine's structured logger.
func (b *Builder) WithLogger(log zerolog.Logger) *Builder {
	b.log = log
	return b
}

// Build validates the configuration, pings the revocation store, and returns
// a ready Engine. A dead Redis is a boot failure, not a runtime surprise.
func (b *Builder) Build(ctx context.Context) (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.users == nil {
		return nil, errors.New("user provider required")
	}
	if b.entConfig == nil || b.entUsage == nil {
		return nil, errors.New("entitlement sources required")
	}

	tokens, err := jwt.NewManager(jwt.Config{
		SessionTTL:    b.config.JWT.SessionTTL,
		GuestTTL:      b.config.JWT.GuestTTL,
		SigningMethod: jwt.SigningMethod(b.config.JWT.SigningMethod),
		PrivateKey:    b.config.JWT.PrivateKey,
		PublicKey:     b.config.JWT.PublicKey,
		Issuer:        b.config.JWT.Issuer,
		Leeway:        b.config.JWT.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}

	sessions := session.NewStore(b.redis, session.Prefixes{
		Whitelist: b.config.Session.WhitelistPrefix,
		Blacklist: b.config.Session.BlacklistPrefix,
		Index:     b.config.Session.IndexPrefix,
	})
	if err := sessions.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	hasher, err := password.NewArgon2(password.Config{
		Memory:      b.config.Password.Memory,
		Time:        b.config.Password.Time,
		Parallelism: b.config.Password.Parallelism,
		SaltLength:  b.config.Password.SaltLength,
		KeyLength:   b.config.Password.KeyLength,
	})
	if err != nil {
		return nil, fmt.Errorf("password hasher: %w", err)
	}

	var limiter *rate.Limiter
	if b.config.LoginRate.MaxAttempts > 0 {
		limiter = rate.New(b.redis, rate.Config{
			MaxAttempts: b.config.LoginRate.MaxAttempts,
			Window:      b.config.LoginRate.Window,
		})
	}

	gate := entitlement.NewGate(
		b.entConfig,
		b.entUsage,
		b.config.Quota.DefaultMaxMessagesPerDay,
		b.config.Quota.UsageWindow,
		b.log.With().Str("component", "entitlement").Logger(),
	)

	b.built = true
	return &Engine{
		config:   b.config,
		tokens:   tokens,
		sessions: sessions,
		users:    b.users,
		hasher:   hasher,
		limiter:  limiter,
		gate:     gate,
		log:      b.log.With().Str("component", "engine").Logger(),
	}, nil
}
