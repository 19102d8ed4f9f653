package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
	"github.com/jonesrussell/north-cloud/grader/internal/observability"
)

const defaultPromoteBatch = 100

// Producer enqueues jobs and promotes due delayed retries.
type Producer struct {
	client  *StreamsClient
	metrics *observability.Metrics
	now     func() time.Time
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

func WithProducerMetrics(m *observability.Metrics) ProducerOption {
	return func(p *Producer) { p.metrics = m }
}

func WithProducerClock(now func() time.Time) ProducerOption {
	return func(p *Producer) { p.now = now }
}

// NewProducer creates a job producer.
func NewProducer(client *StreamsClient, opts ...ProducerOption) *Producer {
	p := &Producer{client: client, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue adds job to its priority stream and returns the stream entry ID.
func (p *Producer) Enqueue(ctx context.Context, job *domain.GradingJob) (string, error) {
	if job == nil {
		return "", errors.New("job cannot be nil")
	}
	if err := job.Validate(); err != nil {
		return "", err
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = p.now().UTC()
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("serialize job %s: %w", job.ID, err)
	}

	stream := p.client.StreamName(job.Priority)
	id, err := p.client.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			JobDataField:    string(payload),
			EnqueuedAtField: job.EnqueuedAt.Format(time.RFC3339Nano),
			AttemptField:    strconv.Itoa(job.Attempt),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue job %s to %s: %w", job.ID, stream, err)
	}

	p.metrics.IncEnqueued(job.Priority.String())
	return id, nil
}

// EnqueueBatch enqueues jobs in order, stopping at the first failure.
func (p *Producer) EnqueueBatch(ctx context.Context, jobs []*domain.GradingJob) ([]string, error) {
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		id, err := p.Enqueue(ctx, job)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Schedule parks job in the delayed set until readyAt.
func (p *Producer) Schedule(ctx context.Context, job *domain.GradingJob, readyAt time.Time) error {
	job.NotBefore = readyAt.UTC()
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("serialize job %s: %w", job.ID, err)
	}
	err = p.client.client.ZAdd(ctx, p.client.delayedKey(), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: string(payload),
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.ID, err)
	}
	return nil
}

// promoteScript moves one delayed member onto a stream. Only the caller
// whose ZREM succeeds adds the entry, so concurrent promoters never
// duplicate a job and a crash cannot lose one.
//
// KEYS[1] delayed set, KEYS[2] target stream; ARGV: member, payload,
// enqueued_at, attempt.
var promoteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return false
end
return redis.call('XADD', KEYS[2], '*', 'job', ARGV[2], 'enqueued_at', ARGV[3], 'attempt', ARGV[4])
`)

// buryScript moves an unreadable delayed member to the dead-letter stream.
//
// KEYS[1] delayed set, KEYS[2] dead stream, KEYS[3] failed counter; ARGV:
// member, reason, failed_at, priority.
var buryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('XADD', KEYS[2], '*', 'job', ARGV[1], 'reason', ARGV[2], 'failed_at', ARGV[3], 'priority', ARGV[4], 'source_id', 'delayed')
redis.call('INCR', KEYS[3])
return 1
`)

const reasonMalformedDelayed = "malformed delayed job"

// PromoteDue moves delayed jobs whose time has come onto their streams.
// Several workers may promote concurrently; each member is promoted once.
// Members that no longer decode into a valid job are dead-lettered.
func (p *Producer) PromoteDue(ctx context.Context) (int, error) {
	now := p.now()
	members, err := p.client.client.ZRangeByScore(ctx, p.client.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: defaultPromoteBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read due jobs: %w", err)
	}

	promoted := 0
	for _, member := range members {
		var job domain.GradingJob
		if decodeErr := json.Unmarshal([]byte(member), &job); decodeErr != nil || job.Validate() != nil {
			if buryErr := p.bury(ctx, member, now); buryErr != nil {
				return promoted, buryErr
			}
			continue
		}

		ok, promoteErr := p.promote(ctx, member, &job, now)
		if promoteErr != nil {
			return promoted, promoteErr
		}
		if ok {
			promoted++
		}
	}
	return promoted, nil
}

func (p *Producer) promote(ctx context.Context, member string, job *domain.GradingJob, now time.Time) (bool, error) {
	job.NotBefore = time.Time{}
	job.EnqueuedAt = now.UTC()
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("serialize job %s: %w", job.ID, err)
	}

	stream := p.client.StreamName(job.Priority)
	err = promoteScript.Run(ctx, p.client.client,
		[]string{p.client.delayedKey(), stream},
		member,
		string(payload),
		job.EnqueuedAt.Format(time.RFC3339Nano),
		strconv.Itoa(job.Attempt),
	).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("promote job %s to %s: %w", job.ID, stream, err)
	}

	p.metrics.IncEnqueued(job.Priority.String())
	return true, nil
}

func (p *Producer) bury(ctx context.Context, member string, now time.Time) error {
	err := buryScript.Run(ctx, p.client.client,
		[]string{p.client.delayedKey(), p.client.deadKey(), p.client.statsKey("failed")},
		member,
		reasonMalformedDelayed,
		now.UTC().Format(time.RFC3339),
		domain.PriorityNormal.String(),
	).Err()
	if err != nil {
		return fmt.Errorf("dead-letter delayed job: %w", err)
	}
	return nil
}
