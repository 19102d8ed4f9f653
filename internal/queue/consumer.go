package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
)

const (
	defaultBlockTimeout      = 5 * time.Second
	defaultVisibilityTimeout = 5 * time.Minute
	defaultMaxDeliveries     = 3
	maxPendingCheck          = 100
	leaseFraction            = 3

	reasonMaxDeliveries = "exceeded max deliveries"
)

// RemovalHook is told about jobs that leave the queue without a worker
// finishing them (dead-lettered crash loops, operator cleanup).
type RemovalHook func(ctx context.Context, job *domain.GradingJob, reason string)

// Delivery is a job handed to this consumer. Exactly one of Ack, Fail,
// Retry or Skip must be called for it; until then it stays pending and
// is redelivered after the visibility timeout.
type Delivery struct {
	MessageID  string
	Job        *domain.GradingJob
	Priority   domain.Priority
	EnqueuedAt time.Time
	Deliveries int64
	payload    string
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	ConsumerID        string
	BlockTimeout      time.Duration
	VisibilityTimeout time.Duration
	MaxDeliveries     int
	OnRemoved         RemovalHook
}

// Consumer reads jobs for one worker process.
type Consumer struct {
	client *StreamsClient
	cfg    ConsumerConfig
	log    logger.Logger
	now    func() time.Time

	mu       sync.Mutex
	buffered []*Delivery
}

// NewConsumer creates a consumer. ConsumerID must be unique per process.
func NewConsumer(client *StreamsClient, cfg ConsumerConfig, log logger.Logger) (*Consumer, error) {
	if cfg.ConsumerID == "" {
		return nil, errors.New("consumer ID is required")
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaultVisibilityTimeout
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = defaultMaxDeliveries
	}
	return &Consumer{
		client: client,
		cfg:    cfg,
		log:    log.With(logger.Component("queue"), logger.String("consumer", cfg.ConsumerID)),
		now:    time.Now,
	}, nil
}

// Initialize creates the consumer groups.
func (c *Consumer) Initialize(ctx context.Context) error {
	return c.client.CreateConsumerGroups(ctx)
}

// claimOwnedScript refreshes the lease of an entry only while this consumer
// still owns it and returns its delivery count, or 0 once another consumer
// has reclaimed it or it left the group.
//
// KEYS[1] stream; ARGV: group, consumer, id.
var claimOwnedScript = redis.NewScript(`
local p = redis.call('XPENDING', KEYS[1], ARGV[1], ARGV[3], ARGV[3], 1, ARGV[2])
if #p == 0 then
	return 0
end
redis.call('XCLAIM', KEYS[1], ARGV[1], ARGV[2], 0, ARGV[3], 'JUSTID')
return p[1][4]
`)

// Read returns the next delivery, or nil when nothing arrived within the
// block timeout. Expired leases are reclaimed first, then streams are
// read in priority order.
func (c *Consumer) Read(ctx context.Context) (*Delivery, error) {
	d, err := c.popBuffered(ctx)
	if err != nil || d != nil {
		return d, err
	}

	reclaimed, err := c.reclaimExpired(ctx)
	if err != nil {
		return nil, err
	}
	if reclaimed != nil {
		return reclaimed, nil
	}

	for _, p := range Priorities() {
		deliveries, readErr := c.readGroup(ctx, []domain.Priority{p}, -1)
		if readErr != nil {
			return nil, readErr
		}
		if len(deliveries) > 0 {
			return c.keep(deliveries), nil
		}
	}

	deliveries, err := c.readGroup(ctx, Priorities(), c.cfg.BlockTimeout)
	if err != nil {
		return nil, err
	}
	return c.keep(deliveries), nil
}

// keep returns the first delivery and buffers the rest for later reads.
// A blocking read over several streams can return one entry per stream.
func (c *Consumer) keep(deliveries []*Delivery) *Delivery {
	if len(deliveries) == 0 {
		return nil
	}
	c.mu.Lock()
	c.buffered = append(c.buffered, deliveries[1:]...)
	c.mu.Unlock()
	return deliveries[0]
}

// popBuffered returns the oldest buffered delivery this consumer still owns.
// Buffered entries sit idle while earlier ones are processed, so their
// leases can expire and be reclaimed elsewhere; those are dropped.
func (c *Consumer) popBuffered(ctx context.Context) (*Delivery, error) {
	for {
		c.mu.Lock()
		if len(c.buffered) == 0 {
			c.mu.Unlock()
			return nil, nil
		}
		d := c.buffered[0]
		c.buffered = c.buffered[1:]
		c.mu.Unlock()

		count, err := claimOwnedScript.Run(ctx, c.client.client,
			[]string{c.client.StreamName(d.Priority)},
			c.client.group, c.cfg.ConsumerID, d.MessageID,
		).Int64()
		if err != nil {
			c.requeueBuffered(d)
			return nil, fmt.Errorf("refresh buffered lease for job %s: %w", d.Job.ID, err)
		}
		if count == 0 {
			c.log.Warn("Dropping buffered job reclaimed by another consumer",
				logger.JobID(d.Job.ID),
				logger.MessageID(d.MessageID),
			)
			continue
		}
		d.Deliveries = count
		return d, nil
	}
}

func (c *Consumer) requeueBuffered(d *Delivery) {
	c.mu.Lock()
	c.buffered = append([]*Delivery{d}, c.buffered...)
	c.mu.Unlock()
}

// readGroup reads one new entry per stream. A negative block is a
// non-blocking read.
func (c *Consumer) readGroup(ctx context.Context, priorities []domain.Priority, block time.Duration) ([]*Delivery, error) {
	streams := make([]string, 0, len(priorities)*2)
	for _, p := range priorities {
		streams = append(streams, c.client.StreamName(p))
	}
	for range priorities {
		streams = append(streams, ">")
	}

	result, err := c.client.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.client.group,
		Consumer: c.cfg.ConsumerID,
		Streams:  streams,
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job streams: %w", err)
	}

	var out []*Delivery
	for _, p := range priorities {
		for _, xs := range result {
			if xs.Stream != c.client.StreamName(p) {
				continue
			}
			for _, msg := range xs.Messages {
				if d := c.parse(ctx, msg, p, 1); d != nil {
					out = append(out, d)
				}
			}
		}
	}
	return out, nil
}

// reclaimExpired claims one entry whose lease ran out, oldest priority
// first. Entries already delivered MaxDeliveries times go to the
// dead-letter stream instead and the search continues.
func (c *Consumer) reclaimExpired(ctx context.Context) (*Delivery, error) {
	for _, p := range Priorities() {
		stream := c.client.StreamName(p)
		entries, err := c.client.pendingEntries(ctx, stream, maxPendingCheck)
		if err != nil {
			return nil, err
		}

		for _, e := range entries {
			if e.Idle < c.cfg.VisibilityTimeout {
				continue
			}
			claimed, claimErr := c.client.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.client.group,
				Consumer: c.cfg.ConsumerID,
				MinIdle:  c.cfg.VisibilityTimeout,
				Messages: []string{e.ID},
			}).Result()
			if claimErr != nil {
				return nil, fmt.Errorf("reclaim %s: %w", stream, claimErr)
			}
			// another consumer claimed it first
			if len(claimed) == 0 {
				continue
			}

			msg := claimed[0]
			count := e.RetryCount + 1
			if count > int64(c.cfg.MaxDeliveries) {
				c.deadLetterCrashLoop(ctx, msg, p)
				continue
			}
			if d := c.parse(ctx, msg, p, count); d != nil {
				c.log.Warn("Reclaimed expired job lease",
					logger.JobID(d.Job.ID),
					logger.MessageID(msg.ID),
					logger.Int64("deliveries", count),
				)
				return d, nil
			}
		}
	}
	return nil, nil
}

func (c *Consumer) deadLetterCrashLoop(ctx context.Context, msg redis.XMessage, p domain.Priority) {
	stream := c.client.StreamName(p)
	payload, _ := msg.Values[JobDataField].(string)

	_, err := c.client.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		c.client.deadLetter(ctx, pipe, payload, msg.ID, reasonMaxDeliveries, p, c.now())
		c.client.removeEntry(ctx, pipe, stream, msg.ID)
		return nil
	})
	if err != nil {
		c.log.Error("Failed to dead-letter job", logger.MessageID(msg.ID), logger.Error(err))
		return
	}

	var job domain.GradingJob
	if json.Unmarshal([]byte(payload), &job) == nil {
		c.log.Error("Job exceeded max deliveries", logger.JobID(job.ID), logger.MessageID(msg.ID))
		if c.cfg.OnRemoved != nil {
			c.cfg.OnRemoved(ctx, &job, reasonMaxDeliveries)
		}
	}
}

// parse decodes an entry. Malformed entries are dead-lettered and skipped.
func (c *Consumer) parse(ctx context.Context, msg redis.XMessage, p domain.Priority, deliveries int64) *Delivery {
	payload, _ := msg.Values[JobDataField].(string)
	var job domain.GradingJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil || job.Validate() != nil {
		c.log.Error("Dropping malformed job entry", logger.MessageID(msg.ID))
		_, _ = c.client.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			c.client.deadLetter(ctx, pipe, payload, msg.ID, "malformed job entry", p, c.now())
			c.client.removeEntry(ctx, pipe, c.client.StreamName(p), msg.ID)
			return nil
		})
		return nil
	}

	d := &Delivery{
		MessageID:  msg.ID,
		Job:        &job,
		Priority:   p,
		Deliveries: deliveries,
		payload:    payload,
	}
	if s, ok := msg.Values[EnqueuedAtField].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			d.EnqueuedAt = t
		}
	}
	if s, ok := msg.Values[AttemptField].(string); ok {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			job.Attempt = n
		}
	}
	return d
}

// Ack removes a finished delivery and counts it completed.
func (c *Consumer) Ack(ctx context.Context, d *Delivery) error {
	_, err := c.client.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		c.client.removeEntry(ctx, pipe, c.client.StreamName(d.Priority), d.MessageID)
		pipe.Incr(ctx, c.client.statsKey("completed"))
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", d.Job.ID, err)
	}
	return nil
}

// Skip removes a delivery that needs no work, such as a job of a
// cancelled session.
func (c *Consumer) Skip(ctx context.Context, d *Delivery) error {
	_, err := c.client.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		c.client.removeEntry(ctx, pipe, c.client.StreamName(d.Priority), d.MessageID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("skip job %s: %w", d.Job.ID, err)
	}
	return nil
}

// Fail moves a delivery to the dead-letter stream with a sanitized reason.
func (c *Consumer) Fail(ctx context.Context, d *Delivery, reason string) error {
	_, err := c.client.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		c.client.deadLetter(ctx, pipe, d.payload, d.MessageID, reason, d.Priority, c.now())
		c.client.removeEntry(ctx, pipe, c.client.StreamName(d.Priority), d.MessageID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", d.Job.ID, err)
	}
	return nil
}

// Retry schedules next (the job with its attempt advanced) for readyAt and
// removes the current delivery in the same transaction.
func (c *Consumer) Retry(ctx context.Context, d *Delivery, next *domain.GradingJob, readyAt time.Time) error {
	next.NotBefore = readyAt.UTC()
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("serialize job %s: %w", next.ID, err)
	}
	_, err = c.client.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, c.client.delayedKey(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: string(payload)})
		c.client.removeEntry(ctx, pipe, c.client.StreamName(d.Priority), d.MessageID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry job %s: %w", d.Job.ID, err)
	}
	return nil
}

// ExtendLease resets the entry's idle time without counting a delivery.
func (c *Consumer) ExtendLease(ctx context.Context, d *Delivery) error {
	err := c.client.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   c.client.StreamName(d.Priority),
		Group:    c.client.group,
		Consumer: c.cfg.ConsumerID,
		MinIdle:  0,
		Messages: []string{d.MessageID},
	}).Err()
	if err != nil {
		return fmt.Errorf("extend lease for job %s: %w", d.Job.ID, err)
	}
	return nil
}

// KeepAlive extends d's lease every third of the visibility timeout until
// the returned stop function is called.
func (c *Consumer) KeepAlive(ctx context.Context, d *Delivery) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.VisibilityTimeout / leaseFraction)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.ExtendLease(ctx, d); err != nil && ctx.Err() == nil {
					c.log.Warn("Lease extension failed", logger.JobID(d.Job.ID), logger.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// ConsumerID returns the consumer name within the group.
func (c *Consumer) ConsumerID() string { return c.cfg.ConsumerID }
