package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps any transport-level Redis failure. Callers on
// authentication paths must treat it as a rejection (fail closed).
var ErrRedisUnavailable = errors.New("redis unavailable")

const revokedMarker = "1"

// Prefixes names the three key namespaces the store writes.
type Prefixes struct {
	Whitelist string
	Blacklist string
	Index     string
}

// DefaultPrefixes returns the namespaces the service has always used; they
// are part of the wire contract with existing deployments.
func DefaultPrefixes() Prefixes {
	return Prefixes{
		Whitelist: "jti:whitelist:",
		Blacklist: "jti:blacklist:",
		Index:     "user:jti:set:",
	}
}

// Store is the Redis-backed revocation store. All operations are atomic
// per-key (or pipelined multi-key for mass revocation); no cross-key
// transactions are needed because the index tolerates lagging the whitelist.
type Store struct {
	redis    redis.UniversalClient
	prefixes Prefixes
}

// NewStore creates a revocation [Store] backed by the given Redis client.
func NewStore(rdb redis.UniversalClient, prefixes Prefixes) *Store {
	if prefixes.Whitelist == "" {
		prefixes = DefaultPrefixes()
	}
	return &Store{redis: rdb, prefixes: prefixes}
}

func (s *Store) whitelistKey(jti string) string {
	return s.prefixes.Whitelist + jti
}

func (s *Store) blacklistKey(jti string) string {
	return s.prefixes.Blacklist + jti
}

func (s *Store) indexKey(subjectID string) string {
	return s.prefixes.Index + subjectID
}

// Admit whitelists a session identifier for the subject and records it in the
// subject's index, refreshing the index TTL to match. Admit is idempotent:
// re-admitting the same jti extends its TTL.
//
//	Performance: 3 pipelined Redis commands (SETEX + SADD + EXPIRE).
func (s *Store) Admit(ctx context.Context, jti, subjectID string, ttl time.Duration) error {
	if jti == "" || subjectID == "" {
		return errors.New("empty jti or subject")
	}
	if ttl <= 0 {
		return errors.New("non-positive ttl")
	}

	indexKey := s.indexKey(subjectID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetEx(ctx, s.whitelistKey(jti), subjectID, ttl)
		pipe.SAdd(ctx, indexKey, jti)
		pipe.Expire(ctx, indexKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// IsAdmitted reports whether the whitelist holds exactly this subject for the
// jti. A missing entry or a subject mismatch are both false; only transport
// failures return an error.
//
//	Performance: 1 Redis GET.
func (s *Store) IsAdmitted(ctx context.Context, jti, subjectID string) (bool, error) {
	stored, err := s.redis.Get(ctx, s.whitelistKey(jti)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return stored == subjectID, nil
}

// Revoke writes an advisory blacklist marker with the token's remaining
// lifetime. A non-positive ttl is a no-op: the token is already expired and
// self-invalidates. Revoke does not delete the whitelist entry: a session
// leaves the whitelist only through mass revocation or ttl expiry.
func (s *Store) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := s.redis.SetEx(ctx, s.blacklistKey(jti), revokedMarker, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Evict deletes one session's whitelist entry and its index membership as a
// pipelined pair. The session fails admission immediately afterwards.
func (s *Store) Evict(ctx context.Context, jti, subjectID string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.whitelistKey(jti))
		pipe.SRem(ctx, s.indexKey(subjectID), jti)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// IsRevoked reports whether an advisory blacklist marker exists for the jti.
// The validator does not call this; it exists for introspection and audit.
func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.blacklistKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n > 0, nil
}

// RevokeAll deletes every whitelist entry recorded in the subject's index and
// the index itself, as one pipelined batch. Every outstanding non-guest
// session for the subject fails admission immediately afterwards. Returns the
// number of session identifiers that were indexed.
//
// The read-then-delete pair is not a cross-key transaction: a session admitted
// between SMEMBERS and the pipelined DEL survives this call. RevokeAll runs on
// credential change, where the caller has just re-authenticated; the narrow
// race only matters if a concurrent login lands in that window, and that login
// used the new credential.
func (s *Store) RevokeAll(ctx context.Context, subjectID string) (int, error) {
	indexKey := s.indexKey(subjectID)

	jtis, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, jti := range jtis {
			pipe.Del(ctx, s.whitelistKey(jti))
		}
		pipe.Del(ctx, indexKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return len(jtis), nil
}

// ActiveSessionIDs returns the session identifiers currently recorded in the
// subject's index. Entries may lag whitelist expiry; the set never contains a
// jti that was not admitted at some point.
func (s *Store) ActiveSessionIDs(ctx context.Context, subjectID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.indexKey(subjectID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// Ping verifies store connectivity. Called once at startup so a dead Redis is
// a boot failure instead of a stream of 419s.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
