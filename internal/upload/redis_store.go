package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lgulliver/waypoint/internal/common"
	"github.com/lgulliver/waypoint/pkg/types"
)

const (
	sessionKeyPrefix  = "upload:session:"
	sessionLockPrefix = "upload:lock:"
	sessionLockTTL    = 30 * time.Second
)

// RedisStore keeps sessions in Redis so several API instances can share
// them. Keys carry the session TTL and Redis evicts them on expiry. It is a
// Locker: each token has a lease in Redis held while a manager works on it.
type RedisStore struct {
	cache *common.Cache
	now   func() time.Time
}

// NewRedisStore creates a Redis backed session store
func NewRedisStore(cache *common.Cache) *RedisStore {
	return &RedisStore{cache: cache, now: time.Now}
}

func sessionKey(token string) string {
	return sessionKeyPrefix + token
}

func (r *RedisStore) Create(ctx context.Context, session *types.UploadSession) error {
	ttl := session.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return fmt.Errorf("upload session %s: %w", session.Token, types.ErrExpiredSession)
	}
	if err := r.cache.SetIfAbsent(ctx, sessionKey(session.Token), session, ttl); err != nil {
		if errors.Is(err, common.ErrKeyExists) {
			return fmt.Errorf("upload session %s already exists", session.Token)
		}
		return fmt.Errorf("failed to create upload session: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, token string) (*types.UploadSession, error) {
	var session types.UploadSession
	if err := r.cache.Get(ctx, sessionKey(token), &session); err != nil {
		if errors.Is(err, common.ErrCacheMiss) {
			return nil, fmt.Errorf("upload session %s: %w", token, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load upload session: %w", err)
	}
	if session.Chunks == nil {
		session.Chunks = make(map[int]types.ChunkInfo)
	}
	return &session, nil
}

func (r *RedisStore) Save(ctx context.Context, session *types.UploadSession) error {
	ttl := session.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		if err := r.cache.Delete(ctx, sessionKey(session.Token)); err != nil {
			return fmt.Errorf("failed to drop expired upload session: %w", err)
		}
		return fmt.Errorf("upload session %s: %w", session.Token, types.ErrExpiredSession)
	}

	// a session deleted elsewhere stays deleted
	if err := r.cache.SetIfPresent(ctx, sessionKey(session.Token), session, ttl); err != nil {
		if errors.Is(err, common.ErrCacheMiss) {
			return fmt.Errorf("upload session %s: %w", session.Token, types.ErrNotFound)
		}
		return fmt.Errorf("failed to save upload session: %w", err)
	}
	return nil
}

// Lock holds the token's lease until the returned func is called
func (r *RedisStore) Lock(ctx context.Context, token string) (func(), error) {
	return r.cache.Lock(ctx, sessionLockPrefix+token, sessionLockTTL)
}

func (r *RedisStore) Delete(ctx context.Context, token string) error {
	if err := r.cache.Delete(ctx, sessionKey(token)); err != nil {
		return fmt.Errorf("failed to delete upload session: %w", err)
	}
	return nil
}

// Expired returns nothing; Redis drops sessions itself and the reaper
// collects their chunks as orphans.
func (r *RedisStore) Expired(ctx context.Context, now time.Time) ([]*types.UploadSession, error) {
	return nil, nil
}
