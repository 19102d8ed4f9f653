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
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/observability"
)

const (
	defaultJobsLimit = 20
	maxJobsLimit     = 100
	cleanupScanCount = 1000

	reasonStuck   = "removed by operator: stuck"
	reasonWaiting = "removed by operator"
)

// ErrInvalidState is returned for an unknown job listing state.
var ErrInvalidState = errors.New("invalid job state")

// JobState selects a listing in Jobs.
type JobState string

const (
	StateWaiting JobState = "waiting"
	StateActive  JobState = "active"
	StateDelayed JobState = "delayed"
	StateDead    JobState = "dead"
)

// ParseJobState validates a state name.
func ParseJobState(s string) (JobState, error) {
	switch JobState(s) {
	case StateWaiting, StateActive, StateDelayed, StateDead:
		return JobState(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
}

// Stats counts jobs by state.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dead      int64 `json:"dead"`
}

// JobData is the public part of a queued job.
type JobData struct {
	SubmissionID string `json:"submissionId"`
	RubricID     string `json:"rubricId"`
	SessionID    string `json:"sessionId,omitempty"`
	OwnerID      string `json:"ownerId,omitempty"`
}

// JobDetail is one row of a Jobs listing.
type JobDetail struct {
	JobID        string     `json:"jobId"`
	Status       JobState   `json:"status"`
	Data         JobData    `json:"data"`
	Priority     string     `json:"priority"`
	Attempt      int        `json:"attempt"`
	AddedAt      time.Time  `json:"addedAt"`
	ReadyAt      *time.Time `json:"readyAt,omitempty"`
	IdleMs       int64      `json:"idle,omitempty"`
	Consumer     string     `json:"consumer,omitempty"`
	Deliveries   int64      `json:"deliveries,omitempty"`
	FailedReason string     `json:"failedReason,omitempty"`
}

// CleanupOptions selects what Cleanup removes. StuckAfter zero leaves
// active jobs alone.
type CleanupOptions struct {
	StuckAfter   time.Duration `json:"stuckAfter"`
	PurgeDead    bool          `json:"purgeDead"`
	PurgeWaiting bool          `json:"purgeWaiting"`
}

// CleanupRemoved counts what Cleanup removed.
type CleanupRemoved struct {
	Stuck   int   `json:"stuck"`
	Waiting int   `json:"waiting"`
	Dead    int64 `json:"dead"`
}

// CleanupResult is the operator-visible outcome of Cleanup.
type CleanupResult struct {
	Before    Stats          `json:"before"`
	After     Stats          `json:"after"`
	Removed   CleanupRemoved `json:"removed"`
	Timestamp time.Time      `json:"timestamp"`
}

// Inspector serves the operator view of the queue.
type Inspector struct {
	client    *StreamsClient
	log       logger.Logger
	metrics   *observability.Metrics
	onRemoved RemovalHook
	now       func() time.Time
}

// InspectorOption configures an Inspector.
type InspectorOption func(*Inspector)

func WithInspectorMetrics(m *observability.Metrics) InspectorOption {
	return func(i *Inspector) { i.metrics = m }
}

// WithRemovalHook reports jobs removed by Cleanup.
func WithRemovalHook(h RemovalHook) InspectorOption {
	return func(i *Inspector) { i.onRemoved = h }
}

// NewInspector creates an Inspector.
func NewInspector(client *StreamsClient, log logger.Logger, opts ...InspectorOption) *Inspector {
	i := &Inspector{client: client, log: log.With(logger.Component("queue_inspector")), now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Stats counts jobs. Acked entries are deleted, so a stream's length minus
// its pending count is the number still waiting.
func (i *Inspector) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	for _, p := range Priorities() {
		stream := i.client.StreamName(p)
		length, err := i.client.client.XLen(ctx, stream).Result()
		if err != nil {
			return s, fmt.Errorf("length of %s: %w", stream, err)
		}
		pending, err := i.client.pendingCount(ctx, stream)
		if err != nil {
			return s, err
		}
		s.Active += pending
		s.Waiting += max(length-pending, 0)
	}

	pipe := i.client.client.Pipeline()
	delayed := pipe.ZCard(ctx, i.client.delayedKey())
	dead := pipe.XLen(ctx, i.client.deadKey())
	completed := pipe.Get(ctx, i.client.statsKey("completed"))
	failed := pipe.Get(ctx, i.client.statsKey("failed"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return s, fmt.Errorf("queue counters: %w", err)
	}
	s.Delayed = delayed.Val()
	s.Dead = dead.Val()
	s.Completed = counter(completed)
	s.Failed = counter(failed)
	return s, nil
}

func counter(cmd *redis.StringCmd) int64 {
	n, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return n
}

// RefreshDepth updates the queue depth gauges.
func (i *Inspector) RefreshDepth(ctx context.Context) (Stats, error) {
	s, err := i.Stats(ctx)
	if err != nil {
		return s, err
	}
	i.metrics.SetQueueDepth(string(StateWaiting), s.Waiting)
	i.metrics.SetQueueDepth(string(StateActive), s.Active)
	i.metrics.SetQueueDepth(string(StateDelayed), s.Delayed)
	i.metrics.SetQueueDepth(string(StateDead), s.Dead)
	return s, nil
}

// Jobs lists up to limit jobs in state, oldest first except dead letters,
// which are newest first.
func (i *Inspector) Jobs(ctx context.Context, state JobState, limit int) ([]JobDetail, error) {
	if limit <= 0 {
		limit = defaultJobsLimit
	}
	limit = min(limit, maxJobsLimit)

	switch state {
	case StateWaiting:
		return i.waitingJobs(ctx, limit)
	case StateActive:
		return i.activeJobs(ctx, limit)
	case StateDelayed:
		return i.delayedJobs(ctx, limit)
	case StateDead:
		return i.deadJobs(ctx, limit)
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidState, state)
}

func (i *Inspector) pendingSet(ctx context.Context, stream string) (map[string]redis.XPendingExt, error) {
	entries, err := i.client.pendingEntries(ctx, stream, cleanupScanCount)
	if err != nil {
		return nil, err
	}
	set := make(map[string]redis.XPendingExt, len(entries))
	for _, e := range entries {
		set[e.ID] = e
	}
	return set, nil
}

func (i *Inspector) waitingJobs(ctx context.Context, limit int) ([]JobDetail, error) {
	out := []JobDetail{}
	for _, p := range Priorities() {
		stream := i.client.StreamName(p)
		pending, err := i.pendingSet(ctx, stream)
		if err != nil {
			return nil, err
		}
		msgs, err := i.client.client.XRangeN(ctx, stream, "-", "+", int64(limit+len(pending))).Result()
		if err != nil {
			return nil, fmt.Errorf("range %s: %w", stream, err)
		}
		for _, msg := range msgs {
			if _, active := pending[msg.ID]; active {
				continue
			}
			out = append(out, detailFromEntry(msg, StateWaiting, p))
			if len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (i *Inspector) activeJobs(ctx context.Context, limit int) ([]JobDetail, error) {
	out := []JobDetail{}
	for _, p := range Priorities() {
		stream := i.client.StreamName(p)
		entries, err := i.client.pendingEntries(ctx, stream, int64(limit-len(out)))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			msgs, err := i.client.client.XRange(ctx, stream, e.ID, e.ID).Result()
			if err != nil {
				return nil, fmt.Errorf("range %s: %w", stream, err)
			}
			if len(msgs) == 0 {
				continue
			}
			d := detailFromEntry(msgs[0], StateActive, p)
			d.IdleMs = e.Idle.Milliseconds()
			d.Consumer = e.Consumer
			d.Deliveries = e.RetryCount
			out = append(out, d)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (i *Inspector) delayedJobs(ctx context.Context, limit int) ([]JobDetail, error) {
	members, err := i.client.client.ZRangeWithScores(ctx, i.client.delayedKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("range delayed jobs: %w", err)
	}
	out := make([]JobDetail, 0, len(members))
	for _, m := range members {
		payload, _ := m.Member.(string)
		var job domain.GradingJob
		if json.Unmarshal([]byte(payload), &job) != nil {
			continue
		}
		d := detailFromJob(&job, StateDelayed)
		ready := time.UnixMilli(int64(m.Score)).UTC()
		d.ReadyAt = &ready
		out = append(out, d)
	}
	return out, nil
}

func (i *Inspector) deadJobs(ctx context.Context, limit int) ([]JobDetail, error) {
	msgs, err := i.client.client.XRevRangeN(ctx, i.client.deadKey(), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("range dead letters: %w", err)
	}
	out := make([]JobDetail, 0, len(msgs))
	for _, msg := range msgs {
		p := domain.ParsePriority(stringField(msg, PriorityField))
		d := detailFromEntry(msg, StateDead, p)
		d.FailedReason = stringField(msg, ReasonField)
		out = append(out, d)
	}
	return out, nil
}

func stringField(msg redis.XMessage, field string) string {
	s, _ := msg.Values[field].(string)
	return s
}

func detailFromEntry(msg redis.XMessage, state JobState, p domain.Priority) JobDetail {
	var job domain.GradingJob
	_ = json.Unmarshal([]byte(stringField(msg, JobDataField)), &job)
	if n, err := strconv.Atoi(stringField(msg, AttemptField)); err == nil && n > 0 {
		job.Attempt = n
	}
	d := detailFromJob(&job, state)
	d.Priority = p.String()
	if t, err := time.Parse(time.RFC3339Nano, stringField(msg, EnqueuedAtField)); err == nil {
		d.AddedAt = t
	}
	return d
}

func detailFromJob(job *domain.GradingJob, state JobState) JobDetail {
	return JobDetail{
		JobID:  job.ID,
		Status: state,
		Data: JobData{
			SubmissionID: job.SubmissionID,
			RubricID:     job.RubricID,
			SessionID:    job.SessionID,
			OwnerID:      job.OwnerID,
		},
		Priority: job.Priority.String(),
		Attempt:  job.Attempt,
		AddedAt:  job.EnqueuedAt,
	}
}

// Cleanup removes stuck active jobs, waiting jobs and dead letters as
// selected. Removed stuck and waiting jobs are dead-lettered and reported
// to the removal hook so no session waits on them forever.
func (i *Inspector) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupResult, error) {
	before, err := i.Stats(ctx)
	if err != nil {
		return nil, err
	}
	result := &CleanupResult{Before: before, Timestamp: i.now().UTC()}

	for _, p := range Priorities() {
		stream := i.client.StreamName(p)
		pending, err := i.pendingSet(ctx, stream)
		if err != nil {
			return nil, err
		}

		if opts.StuckAfter > 0 {
			for id, e := range pending {
				if e.Idle < opts.StuckAfter {
					continue
				}
				removed, err := i.removeEntry(ctx, stream, id, p, reasonStuck)
				if err != nil {
					return nil, err
				}
				if removed {
					result.Removed.Stuck++
				}
			}
		}

		if opts.PurgeWaiting {
			msgs, err := i.client.client.XRangeN(ctx, stream, "-", "+", cleanupScanCount).Result()
			if err != nil {
				return nil, fmt.Errorf("range %s: %w", stream, err)
			}
			for _, msg := range msgs {
				if _, active := pending[msg.ID]; active {
					continue
				}
				removed, err := i.removeEntry(ctx, stream, msg.ID, p, reasonWaiting)
				if err != nil {
					return nil, err
				}
				if removed {
					result.Removed.Waiting++
				}
			}
		}
	}

	if opts.PurgeDead {
		n, err := i.client.client.XLen(ctx, i.client.deadKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("length of dead letters: %w", err)
		}
		if err = i.client.client.Del(ctx, i.client.deadKey()).Err(); err != nil {
			return nil, fmt.Errorf("purge dead letters: %w", err)
		}
		result.Removed.Dead = n
	}

	if result.After, err = i.Stats(ctx); err != nil {
		return nil, err
	}
	i.log.Info("Queue cleanup finished",
		logger.Int("stuck", result.Removed.Stuck),
		logger.Int("waiting", result.Removed.Waiting),
		logger.Int64("dead", result.Removed.Dead),
	)
	return result, nil
}

// removeEntry dead-letters one stream entry and tells the removal hook.
// It reports false when the entry was already gone.
func (i *Inspector) removeEntry(ctx context.Context, stream, id string, p domain.Priority, reason string) (bool, error) {
	msgs, err := i.client.client.XRange(ctx, stream, id, id).Result()
	if err != nil {
		return false, fmt.Errorf("range %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return false, nil
	}
	payload := stringField(msgs[0], JobDataField)

	var deleted *redis.IntCmd
	_, err = i.client.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		i.client.deadLetter(ctx, pipe, payload, id, reason, p, i.now())
		pipe.XAck(ctx, stream, i.client.group, id)
		deleted = pipe.XDel(ctx, stream, id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove %s from %s: %w", id, stream, err)
	}
	if deleted.Val() == 0 {
		return false, nil
	}

	var job domain.GradingJob
	if json.Unmarshal([]byte(payload), &job) == nil && i.onRemoved != nil {
		i.onRemoved(ctx, &job, reason)
	}
	return true, nil
}

// TrimDead caps the dead-letter stream at maxLen entries.
func (i *Inspector) TrimDead(ctx context.Context, maxLen int64) (int64, error) {
	if maxLen <= 0 {
		return 0, nil
	}
	n, err := i.client.client.XTrimMaxLen(ctx, i.client.deadKey(), maxLen).Result()
	if err != nil {
		return 0, fmt.Errorf("trim dead letters: %w", err)
	}
	return n, nil
}
