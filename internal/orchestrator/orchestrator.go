// Package orchestrator implements the Review Orchestrator / Ingest: the
// single admission point that turns a (provider, repositoryId,
// changeRequestNumber, mode) tuple into a queued ReviewRequest and a
// progress subscription. Queueing and actual review execution are owned
// by internal/queue and the two worker packages.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/codereview/revieworchestrator/internal/agentworker"
	"github.com/codereview/revieworchestrator/internal/diffworker"
	"github.com/codereview/revieworchestrator/internal/domain"
	"github.com/codereview/revieworchestrator/internal/errs"
	"github.com/codereview/revieworchestrator/internal/metrics"
	"github.com/codereview/revieworchestrator/internal/queue"
	gosync "github.com/codereview/revieworchestrator/internal/sync"
)

// IDGenerator produces a new, unique requestId. The default, ulidGenerator,
// is safe for concurrent use; tests may substitute their own to assert on
// a known id.
type IDGenerator func() string

func ulidGenerator() string {
	return ulid.Make().String()
}

// Orchestrator is the single admission point in front of the work queue.
type Orchestrator struct {
	q              *queue.Queue
	newID          IDGenerator
	logger         *slog.Logger
	debouncer      *gosync.Debouncer
	debounceWindow time.Duration

	mu      sync.Mutex
	pending map[string]domain.ReviewRequest
}

// New constructs an Orchestrator backed by q. q is shared with every
// worker pool the process runs; the queue is the only shared mutable
// state in the system. debounceWindow coalesces repeated admission
// requests for the same (provider, repositoryId, changeRequestNumber,
// mode) tuple arriving within the window into a single queued entry;
// zero disables debouncing.
func New(q *queue.Queue, debounceWindow time.Duration) *Orchestrator {
	return NewWithIDGenerator(q, ulidGenerator, debounceWindow)
}

// NewWithIDGenerator is New with an injectable requestId generator, for
// callers (tests) that need a deterministic id up front, e.g. to
// subscribe before the request is admitted.
func NewWithIDGenerator(q *queue.Queue, gen IDGenerator, debounceWindow time.Duration) *Orchestrator {
	o := &Orchestrator{
		q:              q,
		newID:          gen,
		logger:         slog.Default(),
		debounceWindow: debounceWindow,
		pending:        make(map[string]domain.ReviewRequest),
	}
	if debounceWindow > 0 {
		o.debouncer = gosync.NewDebouncer(debounceWindow)
	}
	return o
}

// groupForMode resolves which consumer group a mode's ReviewRequest is
// enqueued onto. Diff-Mode and Agentic workers claim from disjoint groups
// of the same queue.
func groupForMode(mode domain.ReviewMode) (string, error) {
	switch mode {
	case domain.ModeDiff:
		return diffworker.GroupName, nil
	case domain.ModeAgentic:
		return agentworker.GroupName, nil
	default:
		return "", errs.New(errs.ProtocolViolation, "orchestrator.CreateReview", fmt.Errorf("unsupported review mode %q", mode))
	}
}

// CreateReview admits a review request: it generates a requestId, enqueues
// it onto the group matching mode, and returns the id for the caller to
// subscribe on. Admission is rejected with a ResourceExhaustion-kind error
// (the taxonomy's QueueOverflow treatment) when the queue is at or above
// its high-water mark; no entry is created and no status event emitted.
//
// When debounceWindow is non-zero, repeated calls for the same (provider,
// repositoryId, changeRequestNumber, mode) tuple arriving within the
// window collapse onto one requestId and one deferred enqueue, fired once
// the tuple has gone quiet. The requestId is returned immediately in both
// cases, but a debounced admission's enqueue outcome is no longer
// synchronous with the call: overflow is reported as a FAILED status
// event on the returned requestId rather than as a returned error.
func (o *Orchestrator) CreateReview(ctx context.Context, provider domain.ProviderKind, repositoryID string, changeRequestNumber int, mode domain.ReviewMode) (string, error) {
	group, err := groupForMode(mode)
	if err != nil {
		metrics.ReviewRequestsTotal.WithLabelValues(string(mode), "rejected").Inc()
		return "", err
	}

	if o.debouncer != nil {
		return o.createReviewDebounced(group, provider, repositoryID, changeRequestNumber, mode), nil
	}

	req := domain.ReviewRequest{
		RequestID:           o.newID(),
		Provider:            provider,
		RepositoryID:        repositoryID,
		ChangeRequestNumber: changeRequestNumber,
		Mode:                mode,
		CreatedAt:           time.Now(),
	}

	if _, err := o.q.Enqueue(ctx, group, req); err != nil {
		o.logger.Warn("review admission rejected",
			"repositoryId", repositoryID, "changeRequestNumber", changeRequestNumber, "mode", mode, "error", err)
		metrics.ReviewRequestsTotal.WithLabelValues(string(mode), "rejected").Inc()
		return "", err
	}

	o.logger.Info("review request admitted",
		"requestId", req.RequestID, "provider", provider, "repositoryId", repositoryID,
		"changeRequestNumber", changeRequestNumber, "mode", mode)
	metrics.ReviewRequestsTotal.WithLabelValues(string(mode), "accepted").Inc()
	return req.RequestID, nil
}

// createReviewDebounced reuses the pending requestId for key if one is
// already waiting out the debounce window, otherwise mints a new one. It
// (re)starts the window's timer regardless, so a steady trickle of
// same-key triggers keeps deferring admission until the tuple is quiet.
func (o *Orchestrator) createReviewDebounced(group string, provider domain.ProviderKind, repositoryID string, changeRequestNumber int, mode domain.ReviewMode) string {
	key := fmt.Sprintf("%s:%s:%d:%s", provider, repositoryID, changeRequestNumber, mode)

	o.mu.Lock()
	req, ok := o.pending[key]
	if !ok {
		req = domain.ReviewRequest{
			RequestID:           o.newID(),
			Provider:            provider,
			RepositoryID:        repositoryID,
			ChangeRequestNumber: changeRequestNumber,
			Mode:                mode,
			CreatedAt:           time.Now(),
		}
		o.pending[key] = req
	}
	o.mu.Unlock()

	o.debouncer.Add(key, func() {
		o.mu.Lock()
		req, ok := o.pending[key]
		delete(o.pending, key)
		o.mu.Unlock()
		if !ok {
			return
		}

		if _, err := o.q.Enqueue(context.Background(), group, req); err != nil {
			o.logger.Warn("debounced review admission rejected",
				"requestId", req.RequestID, "repositoryId", req.RepositoryID,
				"changeRequestNumber", req.ChangeRequestNumber, "mode", req.Mode, "error", err)
			metrics.ReviewRequestsTotal.WithLabelValues(string(req.Mode), "rejected").Inc()
			o.q.PublishStatus(domain.StatusEvent{
				RequestID: req.RequestID,
				Kind:      domain.EventFailed,
				At:        time.Now(),
				Detail:    err.Error(),
			})
			return
		}

		o.logger.Info("debounced review request admitted",
			"requestId", req.RequestID, "provider", req.Provider, "repositoryId", req.RepositoryID,
			"changeRequestNumber", req.ChangeRequestNumber, "mode", req.Mode)
		metrics.ReviewRequestsTotal.WithLabelValues(string(req.Mode), "accepted").Inc()
	})

	return req.RequestID
}

// Subscribe exposes the status-channel progress events for requestId. The
// returned cancel func must be called exactly once when the caller stops
// listening.
func (o *Orchestrator) Subscribe(requestID string) (<-chan domain.StatusEvent, func()) {
	return o.q.Subscribe(requestID)
}
