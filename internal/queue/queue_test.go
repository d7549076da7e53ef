package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	config := DefaultConfig()
	config.Consumer = "test-worker"
	config.Block = 50 * time.Millisecond

	q, err := New(context.Background(), client, config, observability.NewNoopLogger(), observability.NewNoopMetrics())
	require.NoError(t, err)
	return q, mr
}

func testJob(mode models.CrawlMode) Job {
	return Job{
		SessionID: uuid.New(),
		TenantID:  uuid.New(),
		SiteID:    uuid.New(),
		Mode:      mode,
	}
}

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	full := testJob(models.CrawlModeFull)
	delta := testJob(models.CrawlModeDelta)

	_, err := q.Enqueue(ctx, full)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, delta)
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	messages, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, full.SessionID, messages[0].Job.SessionID)
	assert.Equal(t, models.CrawlModeFull, messages[0].Job.Mode)
	assert.Equal(t, delta.SessionID, messages[1].Job.SessionID)
	assert.False(t, messages[0].Job.EnqueuedAt.IsZero())

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	require.NoError(t, q.Ack(ctx, messages[0].ID, messages[1].ID))

	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestQueue_MalformedEntriesAreAckedAway(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := mr.XAdd(q.config.Stream, "*", []string{"payload", "{not json"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, testJob(models.CrawlModeFull))
	require.NoError(t, err)

	messages, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.CrawlModeFull, messages[0].Job.Mode)

	// The broken entry was acked during dequeue, only the good one pends.
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestQueue_ReclaimTakesOverStuckJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := testJob(models.CrawlModeSelective)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	// Deliver to the group but never ack, as a crashed worker would.
	first, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	reclaimed, err := q.Reclaim(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, job.SessionID, reclaimed[0].Job.SessionID)
	assert.Equal(t, first[0].ID, reclaimed[0].ID)
}

func TestQueue_GroupCreationIsIdempotent(t *testing.T) {
	q, mr := newTestQueue(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	// Same stream and group again must not fail on BUSYGROUP.
	_, err := New(context.Background(), client, q.config, observability.NewNoopLogger(), observability.NewNoopMetrics())
	require.NoError(t, err)
}
