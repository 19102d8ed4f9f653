package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
)

func newTestStreams(t *testing.T) *StreamsClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	streams := NewStreamsClient(client, "", "")
	require.NoError(t, streams.CreateConsumerGroups(context.Background()))
	return streams
}

func newTestConsumer(t *testing.T, streams *StreamsClient, id string) *Consumer {
	t.Helper()
	c, err := NewConsumer(streams, ConsumerConfig{
		ConsumerID:        id,
		BlockTimeout:      20 * time.Millisecond,
		VisibilityTimeout: time.Minute,
	}, logger.NewNop())
	require.NoError(t, err)
	return c
}

func TestPopBuffered_DropsEntriesOwnedElsewhere(t *testing.T) {
	t.Parallel()
	streams := newTestStreams(t)
	ctx := context.Background()

	_, err := NewProducer(streams).EnqueueBatch(ctx, []*domain.GradingJob{
		{ID: "j1", SubmissionID: "s1", RubricID: "r1", SessionID: "sess", Priority: domain.PriorityNormal},
		{ID: "j2", SubmissionID: "s2", RubricID: "r1", SessionID: "sess", Priority: domain.PriorityNormal},
	})
	require.NoError(t, err)

	a := newTestConsumer(t, streams, "a")
	b := newTestConsumer(t, streams, "b")

	first, err := a.Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := b.Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)

	// a stale buffered copy of b's entry is never handed out by a
	a.keep([]*Delivery{first, second})
	d, err := a.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Empty(t, a.buffered)

	pending, err := streams.pendingEntries(ctx, streams.StreamName(domain.PriorityNormal), 10)
	require.NoError(t, err)
	owners := map[string]string{}
	for _, e := range pending {
		owners[e.ID] = e.Consumer
	}
	assert.Equal(t, "a", owners[first.MessageID])
	assert.Equal(t, "b", owners[second.MessageID])
}

func TestPopBuffered_ReturnsOwnedEntry(t *testing.T) {
	t.Parallel()
	streams := newTestStreams(t)
	ctx := context.Background()

	_, err := NewProducer(streams).EnqueueBatch(ctx, []*domain.GradingJob{
		{ID: "j1", SubmissionID: "s1", RubricID: "r1", SessionID: "sess", Priority: domain.PriorityHigh},
		{ID: "j2", SubmissionID: "s2", RubricID: "r1", SessionID: "sess", Priority: domain.PriorityLow},
	})
	require.NoError(t, err)

	a := newTestConsumer(t, streams, "a")
	deliveries, err := a.readGroup(ctx, Priorities(), -1)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	first := a.keep(deliveries)
	assert.Equal(t, "j1", first.Job.ID)

	next, err := a.Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "j2", next.Job.ID)
	assert.Equal(t, int64(1), next.Deliveries)
}
