package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/codereview/revieworchestrator/internal/domain"
	"github.com/codereview/revieworchestrator/internal/errs"
	"github.com/codereview/revieworchestrator/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func req(id, repo string) domain.ReviewRequest {
	return domain.ReviewRequest{RequestID: id, RepositoryID: repo, Mode: domain.ModeDiff}
}

func TestEnqueueClaimAck_HappyPath(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "diff", req("r1", "repoA"))
	require.NoError(t, err)

	entries, err := q.Claim(ctx, "diff", "worker-1", 5, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].EntryID)
	assert.Equal(t, 1, entries[0].DeliveryCount)

	q.Ack(ctx, "diff", []uint64{id})
	assert.Equal(t, 0, q.Depth())
}

func TestClaim_BlocksThenReturnsNilOnTimeoutWhenEmpty(t *testing.T) {
	q := queue.New(queue.Config{}, nil)
	start := time.Now()
	entries, err := q.Claim(context.Background(), "diff", "worker-1", 1, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, entries)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestClaim_WakesOnEnqueue(t *testing.T) {
	q := queue.New(queue.Config{}, nil)
	done := make(chan []domain.QueueEntry, 1)

	go func() {
		entries, _ := q.Claim(context.Background(), "diff", "worker-1", 1, time.Second)
		done <- entries
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := q.Enqueue(context.Background(), "diff", req("r1", "repoA"))
	require.NoError(t, err)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
	case <-time.After(time.Second):
		t.Fatal("claim did not wake on enqueue")
	}
}

func TestEnqueue_OverflowRejectsWithoutEnqueueingOrStatusEvent(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 1}, nil)
	ctx := context.Background()

	sub, cancel := q.Subscribe("r2")
	defer cancel()

	_, err := q.Enqueue(ctx, "diff", req("r1", "repoA"))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "diff", req("r2", "repoB"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ResourceExhaustion))
	assert.ErrorIs(t, err, queue.ErrQueueOverflow)

	select {
	case ev := <-sub:
		t.Fatalf("unexpected status event emitted on overflow: %+v", ev)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestSamePartitionEntries_AreNotClaimedConcurrently(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "diff", req("r1", "repoA"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "diff", req("r2", "repoA"))
	require.NoError(t, err)

	first, err := q.Claim(ctx, "diff", "worker-1", 5, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1, "only the first entry for repoA should be claimable while it's in flight")

	second, err := q.Claim(ctx, "diff", "worker-2", 5, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, second)

	q.Ack(ctx, "diff", []uint64{first[0].EntryID})

	third, err := q.Claim(ctx, "diff", "worker-2", 5, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, third, 1, "repoA's second entry becomes claimable once the first is acked")
}

func TestDifferentPartitions_ClaimConcurrently(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "diff", req("r1", "repoA"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "diff", req("r2", "repoB"))
	require.NoError(t, err)

	entries, err := q.Claim(ctx, "diff", "worker-1", 5, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReclaim_TransfersIdleEntriesAndIncrementsDeliveryCount(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "diff", req("r1", "repoA"))
	require.NoError(t, err)

	entries, err := q.Claim(ctx, "diff", "worker-1", 5, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	none := q.Reclaim("diff", "worker-2", time.Hour)
	assert.Empty(t, none, "not idle yet")

	time.Sleep(5 * time.Millisecond)
	reclaimed := q.Reclaim("diff", "worker-2", 2*time.Millisecond)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 2, reclaimed[0].DeliveryCount)
}

func TestGroupsAreIndependent(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "diff", req("r1", "repoA"))
	require.NoError(t, err)

	agenticEntries, err := q.Claim(ctx, "agentic", "worker-1", 5, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, agenticEntries, "agentic group has no entries of its own")

	diffEntries, err := q.Claim(ctx, "diff", "worker-1", 5, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, diffEntries, 1)
}

func TestSubscribe_ReceivesQueuedAndStartedEvents(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	ctx := context.Background()

	sub, cancel := q.Subscribe("r1")
	defer cancel()

	_, err := q.Enqueue(ctx, "diff", req("r1", "repoA"))
	require.NoError(t, err)

	ev := <-sub
	assert.Equal(t, domain.EventQueued, ev.Kind)

	_, err = q.Claim(ctx, "diff", "worker-1", 5, 10*time.Millisecond)
	require.NoError(t, err)

	ev = <-sub
	assert.Equal(t, domain.EventStarted, ev.Kind)
}

type recordingMirror struct {
	append  []domain.QueueEntry
	deleted []uint64
}

func newRecordingMirror() *recordingMirror {
	return &recordingMirror{}
}

func (m *recordingMirror) Append(_ context.Context, e domain.QueueEntry) error {
	m.append = append(m.append, e)
	return nil
}

func (m *recordingMirror) Delete(_ context.Context, id uint64) error {
	m.deleted = append(m.deleted, id)
	return nil
}

func TestMirror_AppendedOnEnqueueAndDeletedOnAck(t *testing.T) {
	mirror := newRecordingMirror()
	q := queue.New(queue.Config{HighWaterMark: 10}, mirror)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "diff", req("r1", "repoA"))
	require.NoError(t, err)
	require.Len(t, mirror.append, 1)
	assert.Equal(t, id, mirror.append[0].EntryID)

	_, err = q.Claim(ctx, "diff", "worker-1", 5, 10*time.Millisecond)
	require.NoError(t, err)
	q.Ack(ctx, "diff", []uint64{id})

	require.Len(t, mirror.deleted, 1)
	assert.Equal(t, id, mirror.deleted[0])
}
