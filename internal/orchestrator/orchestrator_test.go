package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/codereview/revieworchestrator/internal/agentworker"
	"github.com/codereview/revieworchestrator/internal/diffworker"
	"github.com/codereview/revieworchestrator/internal/domain"
	"github.com/codereview/revieworchestrator/internal/errs"
	"github.com/codereview/revieworchestrator/internal/orchestrator"
	"github.com/codereview/revieworchestrator/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateReview_EnqueuesToDiffGroupForDiffMode(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	o := orchestrator.New(q, 0)

	requestID, err := o.CreateReview(context.Background(), domain.ProviderKindA, "org/repo", 7, domain.ModeDiff)
	require.NoError(t, err)
	assert.NotEmpty(t, requestID)

	entries, err := q.Claim(context.Background(), diffworker.GroupName, "c1", 1, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, requestID, entries[0].Payload.RequestID)
	assert.Equal(t, "org/repo", entries[0].Payload.RepositoryID)
}

func TestCreateReview_EnqueuesToAgentGroupForAgenticMode(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	o := orchestrator.New(q, 0)

	requestID, err := o.CreateReview(context.Background(), domain.ProviderKindB, "org/repo", 3, domain.ModeAgentic)
	require.NoError(t, err)

	entries, err := q.Claim(context.Background(), agentworker.GroupName, "c1", 1, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, requestID, entries[0].Payload.RequestID)
}

func TestCreateReview_UnsupportedModeReturnsError(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	o := orchestrator.New(q, 0)

	_, err := o.CreateReview(context.Background(), domain.ProviderKindA, "org/repo", 1, domain.ReviewMode("bogus"))
	require.Error(t, err)
	assert.Equal(t, 0, q.Depth())
}

func TestCreateReview_OverflowRejectsWithNoEntryOrEvent(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 1}, nil)
	o := orchestrator.New(q, 0)

	_, err := o.CreateReview(context.Background(), domain.ProviderKindA, "org/repo", 1, domain.ModeDiff)
	require.NoError(t, err)

	sub, cancel := o.Subscribe("second")
	defer cancel()

	_, err = o.CreateReview(context.Background(), domain.ProviderKindA, "org/other", 2, domain.ModeDiff)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ResourceExhaustion))
	assert.Equal(t, 1, q.Depth())

	select {
	case ev := <-sub:
		t.Fatalf("expected no status event for a rejected request, got %+v", ev)
	default:
	}
}

func TestCreateReview_GeneratesUniqueRequestIds(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	o := orchestrator.New(q, 0)

	first, err := o.CreateReview(context.Background(), domain.ProviderKindA, "org/repo", 1, domain.ModeDiff)
	require.NoError(t, err)
	second, err := o.CreateReview(context.Background(), domain.ProviderKindA, "org/repo", 2, domain.ModeDiff)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestCreateReview_DebounceCoalescesRepeatedTriggers(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	o := orchestrator.New(q, 20*time.Millisecond)

	first, err := o.CreateReview(context.Background(), domain.ProviderKindA, "org/repo", 9, domain.ModeDiff)
	require.NoError(t, err)
	second, err := o.CreateReview(context.Background(), domain.ProviderKindA, "org/repo", 9, domain.ModeDiff)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, 0, q.Depth(), "enqueue is deferred until the debounce window elapses")

	entries, err := q.Claim(context.Background(), diffworker.GroupName, "c1", 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, first, entries[0].Payload.RequestID)
}

func TestCreateReview_DebounceDistinguishesDistinctTuples(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	o := orchestrator.New(q, 20*time.Millisecond)

	first, err := o.CreateReview(context.Background(), domain.ProviderKindA, "org/repo", 1, domain.ModeDiff)
	require.NoError(t, err)
	second, err := o.CreateReview(context.Background(), domain.ProviderKindA, "org/repo", 2, domain.ModeDiff)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestSubscribe_DelegatesToQueueStatusChannel(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	o := orchestrator.NewWithIDGenerator(q, func() string { return "fixed-id" }, 0)

	sub, cancel := o.Subscribe("fixed-id")
	defer cancel()

	_, err := o.CreateReview(context.Background(), domain.ProviderKindA, "org/repo", 1, domain.ModeDiff)
	require.NoError(t, err)

	select {
	case ev := <-sub:
		assert.Equal(t, domain.EventQueued, ev.Kind)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected a QUEUED event after enqueue")
	}
}
