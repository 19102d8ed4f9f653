package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/progress"
	"github.com/jonesrussell/north-cloud/grader/internal/session"
)

type fakeQueue struct {
	mu     sync.Mutex
	jobs   []*domain.GradingJob
	failAt int
}

func (q *fakeQueue) Enqueue(_ context.Context, job *domain.GradingJob) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failAt > 0 && len(q.jobs)+1 == q.failAt {
		return "", errors.New("redis down")
	}
	q.jobs = append(q.jobs, job)
	return fmt.Sprintf("%d-0", len(q.jobs)), nil
}

type fakePublisher struct {
	mu       sync.Mutex
	sessions map[string][]progress.Snapshot
	jobs     map[string][]progress.Snapshot
}

func newPublisher() *fakePublisher {
	return &fakePublisher{sessions: map[string][]progress.Snapshot{}, jobs: map[string][]progress.Snapshot{}}
}

func (p *fakePublisher) PublishJob(_ context.Context, id string, s progress.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs[id] = append(p.jobs[id], s)
	return nil
}

func (p *fakePublisher) PublishSession(_ context.Context, id string, s progress.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[id] = append(p.sessions[id], s)
	return nil
}

func (p *fakePublisher) lastSession(id string) progress.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.sessions[id]
	return list[len(list)-1]
}

type fixture struct {
	coord *session.Coordinator
	queue *fakeQueue
	pub   *fakePublisher
	store *session.RedisStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var mu sync.Mutex
	n := 0
	ids := func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}

	store := session.NewRedisStore(client, time.Hour)
	q := &fakeQueue{}
	pub := newPublisher()
	coord := session.NewCoordinator(store, q, pub, logger.NewNop(), session.WithIDGenerator(ids), session.WithMaxPairs(5))
	return &fixture{coord: coord, queue: q, pub: pub, store: store}
}

func pairs(n int) []session.Pair {
	out := make([]session.Pair, n)
	for i := range out {
		out[i] = session.Pair{SubmissionID: fmt.Sprintf("sub-%d", i), RubricID: "rub"}
	}
	return out
}

func TestStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.coord.Start(ctx, session.StartRequest{OwnerID: "u1", Pairs: pairs(3), UserLanguage: "en", Priority: domain.PriorityHigh})
	require.NoError(t, err)

	assert.Equal(t, "id-1", s.ID)
	assert.Equal(t, domain.SessionRunning, s.State)
	require.Len(t, s.Jobs, 3)
	require.Len(t, f.queue.jobs, 3)
	for i, j := range f.queue.jobs {
		assert.Equal(t, s.ID, j.SessionID)
		assert.Equal(t, s.Jobs[i].JobID, j.ID)
		assert.Equal(t, domain.PriorityHigh, j.Priority)
		assert.Equal(t, "u1", j.OwnerID)
		assert.Equal(t, progress.PhaseQueued, f.pub.jobs[j.ID][0].Phase)
	}
	assert.Equal(t, progress.PhaseQueued, f.pub.lastSession(s.ID).Phase)

	stored, err := f.coord.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.JobIDs(), stored.JobIDs())
}

func TestStart_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for _, req := range []session.StartRequest{
		{OwnerID: "u1"},
		{OwnerID: "u1", Pairs: pairs(6)},
		{OwnerID: "u1", Pairs: []session.Pair{{SubmissionID: "s"}}},
	} {
		_, err := f.coord.Start(ctx, req)
		require.ErrorIs(t, err, session.ErrInvalidRequest)
	}
	assert.Empty(t, f.queue.jobs)
}

func TestStart_EnqueueFailureFailsRemainingJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queue.failAt = 2

	s, err := f.coord.Start(context.Background(), session.StartRequest{OwnerID: "u1", Pairs: pairs(3)})
	require.Error(t, err)
	require.NotNil(t, s)
	assert.Equal(t, domain.JobPending, s.Jobs[0].Status)
	assert.Equal(t, domain.JobFailed, s.Jobs[1].Status)
	assert.Equal(t, domain.JobFailed, s.Jobs[2].Status)
	assert.Equal(t, domain.SessionRunning, s.State)

	final, err := f.coord.FinishJob(context.Background(), s.ID, s.Jobs[0].JobID, domain.JobSucceeded, "")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, final.State)
}

func TestSessionLifecycle_OneFailureFailsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.coord.Start(ctx, session.StartRequest{OwnerID: "u1", Pairs: pairs(3)})
	require.NoError(t, err)
	ids := s.JobIDs()

	for _, id := range ids {
		require.NoError(t, f.coord.BeginJob(ctx, s.ID, id, 1))
	}
	_, err = f.coord.FinishJob(ctx, s.ID, ids[0], domain.JobSucceeded, "")
	require.NoError(t, err)
	mid, err := f.coord.FinishJob(ctx, s.ID, ids[1], domain.JobFailed, "grading failed")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, mid.State, "a job is still outstanding")

	final, err := f.coord.FinishJob(ctx, s.ID, ids[2], domain.JobSucceeded, "")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, final.State)
	assert.Equal(t, progress.PhaseError, f.pub.lastSession(s.ID).Phase)
}

func TestSessionLifecycle_AllSucceed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.coord.Start(ctx, session.StartRequest{OwnerID: "u1", Pairs: pairs(2)})
	require.NoError(t, err)
	for _, id := range s.JobIDs() {
		require.NoError(t, f.coord.BeginJob(ctx, s.ID, id, 1))
		_, err = f.coord.FinishJob(ctx, s.ID, id, domain.JobSucceeded, "")
		require.NoError(t, err)
	}

	final, err := f.coord.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, final.State)
	assert.Equal(t, progress.Snapshot{Phase: progress.PhaseCompleted, Progress: 100, Message: "Graded 2 of 2 submissions"}, f.pub.lastSession(s.ID))
}

func TestCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.coord.Start(ctx, session.StartRequest{OwnerID: "u1", Pairs: pairs(3)})
	require.NoError(t, err)
	ids := s.JobIDs()
	require.NoError(t, f.coord.BeginJob(ctx, s.ID, ids[0], 1))

	_, err = f.coord.Cancel(ctx, s.ID, "intruder")
	require.ErrorIs(t, err, domain.ErrForbidden)

	cancelled, err := f.coord.Cancel(ctx, s.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCancelled, cancelled.State)
	assert.Equal(t, domain.JobRunning, cancelled.Jobs[0].Status)
	assert.Equal(t, domain.JobSkipped, cancelled.Jobs[1].Status)
	assert.Equal(t, "cancelled", f.pub.lastSession(s.ID).Error)

	err = f.coord.BeginJob(ctx, s.ID, ids[1], 1)
	require.ErrorIs(t, err, domain.ErrSessionCancelled)

	after, err := f.coord.FinishJob(ctx, s.ID, ids[0], domain.JobFailed, "boom")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCancelled, after.State, "cancellation outranks failure")
	assert.Equal(t, domain.JobFailed, after.Jobs[0].Status)

	_, err = f.coord.Cancel(ctx, s.ID, "u1")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRequeueAndMissing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.coord.Start(ctx, session.StartRequest{OwnerID: "u1", Pairs: pairs(1)})
	require.NoError(t, err)
	id := s.JobIDs()[0]

	require.NoError(t, f.coord.BeginJob(ctx, s.ID, id, 1))
	require.NoError(t, f.coord.RequeueJob(ctx, s.ID, id, 2, "retrying"))

	got, err := f.coord.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, got.Jobs[0].Status)
	assert.Equal(t, 2, got.Jobs[0].Attempt)

	_, err = f.coord.FinishJob(ctx, s.ID, id, domain.JobRunning, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.coord.Get(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	require.ErrorIs(t, f.coord.BeginJob(ctx, "nope", id, 1), domain.ErrSessionNotFound)
	require.ErrorIs(t, f.coord.BeginJob(ctx, s.ID, "ghost", 1), domain.ErrNotFound)
}

func TestJobRemovedFailsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.coord.Start(ctx, session.StartRequest{OwnerID: "u1", Pairs: pairs(1)})
	require.NoError(t, err)
	job := f.queue.jobs[0]

	f.coord.JobRemoved(ctx, job, "exceeded max deliveries")

	got, err := f.coord.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, got.State)
	assert.Equal(t, "exceeded max deliveries", got.Jobs[0].Error)
}

// Concurrent completions must not lose updates.
func TestFinishJob_Concurrent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.coord.Start(ctx, session.StartRequest{OwnerID: "u1", Pairs: pairs(5)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range s.JobIDs() {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			_, finishErr := f.coord.FinishJob(ctx, s.ID, jobID, domain.JobSucceeded, "")
			assert.NoError(t, finishErr)
		}(id)
	}
	wg.Wait()

	final, err := f.coord.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, final.State)
	assert.Equal(t, 5, final.Counts()[domain.JobSucceeded])
}

func TestFinishedJob_RedeliveryLeavesSessionUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.coord.Start(ctx, session.StartRequest{OwnerID: "u1", Pairs: pairs(2)})
	require.NoError(t, err)
	ids := s.JobIDs()
	for _, id := range ids {
		require.NoError(t, f.coord.BeginJob(ctx, s.ID, id, 1))
		_, err = f.coord.FinishJob(ctx, s.ID, id, domain.JobSucceeded, "")
		require.NoError(t, err)
	}
	f.pub.mu.Lock()
	published := len(f.pub.sessions[s.ID])
	f.pub.mu.Unlock()

	// the queue redelivers a job whose acknowledgement was lost
	err = f.coord.BeginJob(ctx, s.ID, ids[0], 2)
	require.ErrorIs(t, err, domain.ErrJobFinished)
	_, err = f.coord.FinishJob(ctx, s.ID, ids[0], domain.JobFailed, "late failure")
	require.ErrorIs(t, err, domain.ErrJobFinished)
	f.coord.JobRemoved(ctx, f.queue.jobs[1], "exceeded max deliveries")

	got, err := f.coord.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, got.State)
	for _, j := range got.Jobs {
		assert.Equal(t, domain.JobSucceeded, j.Status)
		assert.Equal(t, 1, j.Attempt)
		assert.Empty(t, j.Error)
	}
	f.pub.mu.Lock()
	assert.Len(t, f.pub.sessions[s.ID], published)
	f.pub.mu.Unlock()
}

func TestFinishJob_FirstTerminalStatusWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.coord.Start(ctx, session.StartRequest{OwnerID: "u1", Pairs: pairs(2)})
	require.NoError(t, err)
	ids := s.JobIDs()

	_, err = f.coord.FinishJob(ctx, s.ID, ids[0], domain.JobFailed, "grading failed")
	require.NoError(t, err)
	_, err = f.coord.FinishJob(ctx, s.ID, ids[0], domain.JobSucceeded, "")
	require.ErrorIs(t, err, domain.ErrJobFinished)
	require.ErrorIs(t, f.coord.BeginJob(ctx, s.ID, ids[0], 2), domain.ErrJobFinished)

	got, err := f.coord.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Jobs[0].Status)
	assert.Equal(t, domain.SessionRunning, got.State)
}
