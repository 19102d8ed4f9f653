// Package queue is the durable grading job queue: one Redis stream per
// priority read through a consumer group, a sorted set of delayed retries,
// and a dead-letter stream.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
)

const (
	defaultPrefix = "grader:jobs"
	defaultGroup  = "graders"

	// Stream entry fields.
	JobDataField    = "job"
	EnqueuedAtField = "enqueued_at"
	AttemptField    = "attempt"
	ReasonField     = "reason"
	FailedAtField   = "failed_at"
	PriorityField   = "priority"
	SourceIDField   = "source_id"
)

// StreamsClient wraps a Redis client with the queue's key layout.
type StreamsClient struct {
	client *redis.Client
	prefix string
	group  string
}

// NewStreamsClient uses an existing Redis client. Empty prefix and group
// fall back to grader:jobs and graders.
func NewStreamsClient(client *redis.Client, prefix, group string) *StreamsClient {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if group == "" {
		group = defaultGroup
	}
	return &StreamsClient{client: client, prefix: prefix, group: group}
}

// Priorities lists the streams in read order, high first.
func Priorities() []domain.Priority {
	return []domain.Priority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow}
}

// StreamName returns the stream for a priority.
func (c *StreamsClient) StreamName(p domain.Priority) string {
	return fmt.Sprintf("%s:%s", c.prefix, p.String())
}

func (c *StreamsClient) delayedKey() string { return c.prefix + ":delayed" }

func (c *StreamsClient) deadKey() string { return c.prefix + ":dead" }

func (c *StreamsClient) statsKey(name string) string { return c.prefix + ":stats:" + name }

// Group returns the consumer group name.
func (c *StreamsClient) Group() string { return c.group }

// Client returns the underlying Redis client.
func (c *StreamsClient) Client() *redis.Client { return c.client }

// Ping checks if Redis is reachable.
func (c *StreamsClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// CreateConsumerGroups creates the group on every priority stream.
func (c *StreamsClient) CreateConsumerGroups(ctx context.Context) error {
	for _, p := range Priorities() {
		stream := c.StreamName(p)
		err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create consumer group for %s: %w", stream, err)
		}
	}
	return nil
}

// pendingCount returns how many entries of stream are delivered but unacked.
func (c *StreamsClient) pendingCount(ctx context.Context, stream string) (int64, error) {
	pending, err := c.client.XPending(ctx, stream, c.group).Result()
	if err != nil {
		if isNoGroup(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("pending summary for %s: %w", stream, err)
	}
	return pending.Count, nil
}

func (c *StreamsClient) pendingEntries(ctx context.Context, stream string, count int64) ([]redis.XPendingExt, error) {
	entries, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if isNoGroup(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("pending entries for %s: %w", stream, err)
	}
	return entries, nil
}

// removeEntry acks and deletes an entry inside pipe so the stream only
// ever holds waiting and active jobs.
func (c *StreamsClient) removeEntry(ctx context.Context, pipe redis.Pipeliner, stream, id string) {
	pipe.XAck(ctx, stream, c.group, id)
	pipe.XDel(ctx, stream, id)
}

// deadLetter appends job to the dead-letter stream inside pipe.
func (c *StreamsClient) deadLetter(ctx context.Context, pipe redis.Pipeliner, payload, sourceID, reason string, p domain.Priority, at time.Time) {
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: c.deadKey(),
		Values: map[string]any{
			JobDataField:  payload,
			ReasonField:   reason,
			FailedAtField: at.UTC().Format(time.RFC3339),
			PriorityField: p.String(),
			SourceIDField: sourceID,
		},
	})
	pipe.Incr(ctx, c.statsKey("failed"))
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}
