package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
)

const (
	defaultKeyPrefix = "grader:session"
	defaultTTL       = 7 * 24 * time.Hour
	maxTxRetries     = 20
)

// ErrConflict is returned when an update kept losing optimistic races.
var ErrConflict = errors.New("session update conflict")

// Store persists sessions.
type Store interface {
	Create(ctx context.Context, s *domain.Session) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	// Update applies fn to the current session and saves the result
	// atomically. fn may run more than once.
	Update(ctx context.Context, id string, fn func(*domain.Session) error) (*domain.Session, error)
}

// RedisStore keeps each session as one JSON value and mutates it inside a
// WATCH transaction, so concurrent job completions never lose updates.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. A zero ttl keeps sessions for 7 days.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, prefix: defaultKeyPrefix, ttl: ttl}
}

func (r *RedisStore) key(id string) string { return r.prefix + ":" + id }

func (r *RedisStore) Create(ctx context.Context, s *domain.Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	ok, err := r.client.SetNX(ctx, r.key(s.ID), payload, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("create session %s: %w", s.ID, err)
	}
	if !ok {
		return fmt.Errorf("create session %s: already exists", s.ID)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return decode(id, raw)
}

func (r *RedisStore) Update(ctx context.Context, id string, fn func(*domain.Session) error) (*domain.Session, error) {
	key := r.key(id)
	for range maxTxRetries {
		var updated *domain.Session
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
			}
			if err != nil {
				return fmt.Errorf("get session %s: %w", id, err)
			}
			s, err := decode(id, raw)
			if err != nil {
				return err
			}
			if err = fn(s); err != nil {
				return err
			}
			payload, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("encode session %s: %w", id, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, r.ttl)
				return nil
			})
			if err == nil {
				updated = s
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrConflict, id)
}

func decode(id string, raw []byte) (*domain.Session, error) {
	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}
