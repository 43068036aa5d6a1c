// Package redisstore implements the session store on Redis, for deployments
// where several hosts must share sessions.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stalker/internal/adapter/sessionblob"
	"stalker/internal/domain"
	"stalker/internal/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps connection failures talking to Redis.
var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	defaultPrefix    = "stalker:"
	defaultLockTTL   = 10 * time.Second
	defaultLockRetry = 10 * time.Millisecond
)

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var unlockLua = redis.NewScript(unlockScript)

// Options tunes key naming and lock timing. Zero values select defaults.
type Options struct {
	Prefix string
	// LockTTL bounds how long a crashed holder can keep a session locked.
	LockTTL   time.Duration
	LockRetry time.Duration
	// MaxAge is applied as the data key TTL. Zero means no TTL.
	MaxAge time.Duration
}

// Store is a Redis-backed domain.SessionStore. Each session has a data key
// holding the signed blob and a lock key holding the current holder's token.
type Store struct {
	client *redis.Client
	codec  sessionblob.Codec
	opts   Options
}

var _ domain.SessionStore = (*Store)(nil)

// New creates a Redis-backed session store.
func New(client *redis.Client, codec sessionblob.Codec, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.LockRetry <= 0 {
		opts.LockRetry = defaultLockRetry
	}
	return &Store{client: client, codec: codec, opts: opts}
}

func (s *Store) dataKey(id string) string {
	return s.opts.Prefix + "data:" + id
}

func (s *Store) lockKey(id string) string {
	return s.opts.Prefix + "lock:" + id
}

// withLock runs fn while holding the lock key for id. Waiting ends when the
// lock is acquired or ctx is done.
func (s *Store) withLock(ctx context.Context, id string, fn func() error) error {
	if id == "" {
		return domain.ErrInvalidSessionID
	}

	token := uuid.NewString()
	key := s.lockKey(id)
	for {
		ok, err := s.client.SetNX(ctx, key, token, s.opts.LockTTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("redisstore: lock %q: %w", id, ctxErr)
			}
			return fmt.Errorf("redisstore: lock %q: %w: %w", id, ErrRedisUnavailable, err)
		}
		if ok {
			break
		}

		t := time.NewTimer(s.opts.LockRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("redisstore: lock %q: %w", id, ctx.Err())
		case <-t.C:
		}
	}
	logger.FromContext(ctx).Debugw("session lock acquired", "session", id)

	fnErr := fn()
	// Release even if the caller's context was cancelled during fn.
	if err := unlockLua.Run(context.WithoutCancel(ctx), s.client, []string{key}, token).Err(); err != nil && fnErr == nil {
		return fmt.Errorf("redisstore: unlock %q: %w: %w", id, ErrRedisUnavailable, err)
	}
	return fnErr
}

// OpenOrCreate loads the record for id, or persists an empty one if there is
// none.
func (s *Store) OpenOrCreate(ctx context.Context, id string, validationKey []byte) (*domain.SessionHandle, error) {
	var h *domain.SessionHandle
	err := s.withLock(ctx, id, func() error {
		data, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redisstore: read %q: %w: %w", id, ErrRedisUnavailable, err)
		default:
			h, err = s.codec.Decode(id, validationKey, data)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sessionblob.ErrExpired) {
				return err
			}
		}

		h = domain.NewSessionHandle(id, validationKey, nil)
		return s.write(ctx, h)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Save persists the handle's mapping, replacing the previous record.
func (s *Store) Save(ctx context.Context, h *domain.SessionHandle) error {
	return s.withLock(ctx, h.ID(), func() error {
		return s.write(ctx, h)
	})
}

// Delete removes the record.
func (s *Store) Delete(ctx context.Context, h *domain.SessionHandle) error {
	return s.withLock(ctx, h.ID(), func() error {
		if err := s.client.Del(ctx, s.dataKey(h.ID())).Err(); err != nil {
			return fmt.Errorf("redisstore: delete %q: %w: %w", h.ID(), ErrRedisUnavailable, err)
		}
		return nil
	})
}

func (s *Store) write(ctx context.Context, h *domain.SessionHandle) error {
	blob, err := s.codec.Encode(h)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.dataKey(h.ID()), blob, s.opts.MaxAge).Err(); err != nil {
		return fmt.Errorf("redisstore: write %q: %w: %w", h.ID(), ErrRedisUnavailable, err)
	}
	return nil
}
