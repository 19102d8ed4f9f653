// Package progress stores the latest progress snapshot for a job or session
// in Redis and broadcasts every update over Redis Pub/Sub, so workers and
// streaming gateways can run in different processes.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/observability"
)

const (
	defaultKeyPrefix  = "grader:progress"
	defaultTTL        = time.Hour
	subscriberBuffer  = 16
	maxProgress       = 100
	eventsChannelPart = "events"
)

// ErrNotFound is returned when no snapshot exists (never published, or expired).
var ErrNotFound = errors.New("progress snapshot not found")

// Phase is the coarse stage a job or session is in.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseRunning   Phase = "running"
	PhaseVerifying Phase = "verifying"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// Terminal reports whether no further snapshots follow this phase.
func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseError }

// Snapshot is what clients see. Error is a sanitized message.
type Snapshot struct {
	Phase    Phase  `json:"phase"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Error    string `json:"error,omitempty"`
}

// Scope separates job and session snapshots that share an ID space.
type Scope string

const (
	ScopeJob     Scope = "job"
	ScopeSession Scope = "session"
)

// Config configures a Channel.
type Config struct {
	TTL       time.Duration
	KeyPrefix string
}

// Channel is safe for concurrent use.
type Channel struct {
	client  *redis.Client
	cfg     Config
	log     logger.Logger
	metrics *observability.Metrics
}

// Option configures a Channel.
type Option func(*Channel)

// WithMetrics counts published snapshots by phase.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// New creates a Channel.
func New(client *redis.Client, cfg Config, log logger.Logger, opts ...Option) *Channel {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	c := &Channel{
		client: client,
		cfg:    cfg,
		log:    log.With(logger.Component("progress")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) key(scope Scope, id string) string {
	return fmt.Sprintf("%s:%s:%s", c.cfg.KeyPrefix, scope, id)
}

func (c *Channel) channel(scope Scope, id string) string {
	return fmt.Sprintf("%s:%s:%s:%s", c.cfg.KeyPrefix, eventsChannelPart, scope, id)
}

// Publish stores s as the latest snapshot and broadcasts it. Progress is
// clamped to [0,100].
func (c *Channel) Publish(ctx context.Context, scope Scope, id string, s Snapshot) error {
	s.Progress = max(0, min(s.Progress, maxProgress))
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode progress snapshot: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.key(scope, id), payload, c.cfg.TTL)
		pipe.Publish(ctx, c.channel(scope, id), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s progress %s: %w", scope, id, err)
	}
	c.metrics.IncProgressPublished(string(s.Phase))
	return nil
}

// PublishJob is Publish for a job snapshot.
func (c *Channel) PublishJob(ctx context.Context, jobID string, s Snapshot) error {
	return c.Publish(ctx, ScopeJob, jobID, s)
}

// PublishSession is Publish for a session snapshot.
func (c *Channel) PublishSession(ctx context.Context, sessionID string, s Snapshot) error {
	return c.Publish(ctx, ScopeSession, sessionID, s)
}

// Latest returns the stored snapshot or ErrNotFound.
func (c *Channel) Latest(ctx context.Context, scope Scope, id string) (Snapshot, error) {
	raw, err := c.client.Get(ctx, c.key(scope, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get %s progress %s: %w", scope, id, err)
	}
	var s Snapshot
	if err = json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode %s progress %s: %w", scope, id, err)
	}
	return s, nil
}

// Subscribe streams snapshots for one job or session. The subscription is
// confirmed before the latest snapshot is read and replayed, so no update
// published in between is lost; a replayed snapshot may arrive twice. The
// returned channel closes after a terminal snapshot or when ctx ends.
func (c *Channel) Subscribe(ctx context.Context, scope Scope, id string) (<-chan Snapshot, error) {
	pubsub := c.client.Subscribe(ctx, c.channel(scope, id))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s progress %s: %w", scope, id, err)
	}

	latest, err := c.Latest(ctx, scope, id)
	hasLatest := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan Snapshot, subscriberBuffer)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()

		if hasLatest {
			if !send(ctx, out, latest) || latest.Phase.Terminal() {
				return
			}
		}

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var s Snapshot
				if decodeErr := json.Unmarshal([]byte(msg.Payload), &s); decodeErr != nil {
					c.log.Warn("Dropping malformed progress message",
						logger.String("channel", msg.Channel),
						logger.Error(decodeErr),
					)
					continue
				}
				if !send(ctx, out, s) || s.Phase.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- Snapshot, s Snapshot) bool {
	select {
	case out <- s:
		return true
	case <-ctx.Done():
		return false
	}
}
