package diffworker_test

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/codereview/revieworchestrator/internal/diffworker"
	"github.com/codereview/revieworchestrator/internal/domain"
	"github.com/codereview/revieworchestrator/internal/queue"
	"github.com/codereview/revieworchestrator/internal/scm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDiff = `--- a/a.go
+++ b/a.go
@@ -1,1 +1,2 @@
 line1
+line2`

const validResponse = `{"summary":"looks fine","issues":[{"file":"a.go","start_line":2,"severity":"minor","title":"nit","suggestion":"rename"}]}`
const invalidResponse = `not json`

type stubAdapter struct {
	diff         string
	fetchDiffErr error
	publishErr   error
	published    []domain.ReviewResult
}

func (s *stubAdapter) FetchChangeRequestDiff(context.Context, string, int, int) (string, error) {
	return s.diff, s.fetchDiffErr
}

func (s *stubAdapter) FetchChangeRequestMetadata(context.Context, string, int) (domain.ChangeRequestMetadata, error) {
	return domain.ChangeRequestMetadata{Title: "fix bug"}, nil
}

func (s *stubAdapter) PublishReview(_ context.Context, _ string, _ int, _ string, _ *domain.DiffDocument, result domain.ReviewResult, _ string) (scm.PublishReport, error) {
	s.published = append(s.published, result)
	return scm.PublishReport{PostedComments: len(result.Issues)}, s.publishErr
}

func (s *stubAdapter) CloneURL(repo string) string {
	return "https://scm.example/" + repo + ".git"
}

type scriptedStreamer struct {
	responses []string
	calls     int
	prompts   []string
}

func (s *scriptedStreamer) Stream(_ context.Context, _, userPrompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		idx := s.calls
		s.calls++
		s.prompts = append(s.prompts, userPrompt)
		resp := ""
		if idx < len(s.responses) {
			resp = s.responses[idx]
		}
		yield(resp, nil)
	}
}

// runOnce enqueues req, runs w for long enough to process exactly one
// entry to completion (or terminal failure), then stops it.
func runOnce(t *testing.T, q *queue.Queue, w *diffworker.Worker, req domain.ReviewRequest) {
	t.Helper()
	_, err := q.Enqueue(context.Background(), diffworker.GroupName, req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)
}

func TestProcess_HappyPath_PublishesAndAcks(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	req := domain.ReviewRequest{RequestID: "r1", Provider: domain.ProviderKindA, RepositoryID: "repoA", ChangeRequestNumber: 1, Mode: domain.ModeDiff}

	adapter := &stubAdapter{diff: testDiff}
	streamer := &scriptedStreamer{responses: []string{validResponse}}
	w := diffworker.New("w1", q, map[domain.ProviderKind]scm.Adapter{domain.ProviderKindA: adapter}, streamer,
		diffworker.Config{ChunkLines: 400, ClaimBlockTimeout: 20 * time.Millisecond})

	sub, cancel := q.Subscribe("r1")
	defer cancel()

	runOnce(t, q, w, req)

	require.Len(t, adapter.published, 1)
	assert.Equal(t, "looks fine", adapter.published[0].Summary)
	require.Len(t, adapter.published[0].Issues, 1)
	assert.Equal(t, 0, q.Depth(), "entry should be acked")

	var kinds []domain.StatusEventKind
drain:
	for {
		select {
		case ev := <-sub:
			kinds = append(kinds, ev.Kind)
		default:
			break drain
		}
	}
	assert.Contains(t, kinds, domain.EventQueued)
	assert.Contains(t, kinds, domain.EventStarted)
	assert.Contains(t, kinds, domain.EventCompleted)
}

func TestReviewChunk_RetriesOnceOnValidatorFailure(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	req := domain.ReviewRequest{RequestID: "r2", Provider: domain.ProviderKindA, RepositoryID: "repoA", ChangeRequestNumber: 1, Mode: domain.ModeDiff}

	adapter := &stubAdapter{diff: testDiff}
	streamer := &scriptedStreamer{responses: []string{invalidResponse, validResponse}}
	w := diffworker.New("w1", q, map[domain.ProviderKind]scm.Adapter{domain.ProviderKindA: adapter}, streamer,
		diffworker.Config{ChunkLines: 400, ClaimBlockTimeout: 20 * time.Millisecond})

	runOnce(t, q, w, req)

	require.Len(t, adapter.published, 1)
	require.Len(t, streamer.prompts, 2)
	assert.NotContains(t, streamer.prompts[0], "Return ONLY valid JSON")
	assert.Contains(t, streamer.prompts[1], "Return ONLY valid JSON")
	assert.Equal(t, 0, q.Depth())
}

func TestProcess_ValidatorFailsTwice_EntryLeftUnacknowledged(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	req := domain.ReviewRequest{RequestID: "r3", Provider: domain.ProviderKindA, RepositoryID: "repoA", ChangeRequestNumber: 1, Mode: domain.ModeDiff}

	adapter := &stubAdapter{diff: testDiff}
	streamer := &scriptedStreamer{responses: []string{invalidResponse, invalidResponse}}
	w := diffworker.New("w1", q, map[domain.ProviderKind]scm.Adapter{domain.ProviderKindA: adapter}, streamer,
		diffworker.Config{ChunkLines: 400, ClaimBlockTimeout: 20 * time.Millisecond})

	runOnce(t, q, w, req)

	assert.Empty(t, adapter.published, "publish is never reached after the second validator failure")
	assert.Equal(t, 1, q.Depth(), "entry remains claimed, not acked")
}

func TestProcess_UnsupportedProvider_LeavesEntryUnacknowledged(t *testing.T) {
	q := queue.New(queue.Config{HighWaterMark: 10}, nil)
	req := domain.ReviewRequest{RequestID: "r4", Provider: domain.ProviderKindB, RepositoryID: "repoA", ChangeRequestNumber: 1, Mode: domain.ModeDiff}

	streamer := &scriptedStreamer{responses: []string{validResponse}}
	w := diffworker.New("w1", q, map[domain.ProviderKind]scm.Adapter{domain.ProviderKindA: &stubAdapter{diff: testDiff}}, streamer,
		diffworker.Config{ClaimBlockTimeout: 20 * time.Millisecond})

	runOnce(t, q, w, req)

	assert.Equal(t, 1, q.Depth())
}
