// Package diffworker implements the Diff-Mode Worker: claim a queue entry,
// fetch its diff and metadata, chunk the diff, compose a prompt per chunk,
// stream the LLM response, validate it, merge chunk results, publish, and
// ack.
package diffworker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codereview/revieworchestrator/internal/diffparse"
	"github.com/codereview/revieworchestrator/internal/domain"
	"github.com/codereview/revieworchestrator/internal/errs"
	"github.com/codereview/revieworchestrator/internal/llmclient"
	"github.com/codereview/revieworchestrator/internal/llmresult"
	"github.com/codereview/revieworchestrator/internal/promptcompose"
	"github.com/codereview/revieworchestrator/internal/queue"
	"github.com/codereview/revieworchestrator/internal/scm"
)

// GroupName is the consumer group Diff-Mode Workers claim from.
const GroupName = "diff"

// retryDirective is appended to the user prompt after a first validator
// failure.
const retryDirective = "\n\nYour previous response was not valid JSON matching the schema. Return ONLY valid JSON, with no prose or markdown fences."

// Config controls chunking, claim behavior, and prompt composition.
type Config struct {
	ChunkLines        int
	ContextLines      int
	ClaimCount        int
	ClaimBlockTimeout time.Duration
	MinIdle           time.Duration
	Prompt            promptcompose.Config
	TicketFetcher     promptcompose.TicketFetcher
}

// Worker claims and processes Diff-Mode queue entries.
type Worker struct {
	id       string
	q        *queue.Queue
	adapters map[domain.ProviderKind]scm.Adapter
	llm      llmclient.ChatStreamer
	cfg      Config
	logger   *slog.Logger
}

// New constructs a Worker. adapters must have an entry for every
// domain.ProviderKind the system accepts requests for.
func New(id string, q *queue.Queue, adapters map[domain.ProviderKind]scm.Adapter, llm llmclient.ChatStreamer, cfg Config) *Worker {
	return &Worker{id: id, q: q, adapters: adapters, llm: llm, cfg: cfg, logger: slog.With("component", "diffworker", "workerId", id)}
}

// Run claims and processes entries until ctx is done. When MinIdle is set,
// each pass first reclaims and reprocesses entries left unacknowledged for
// at least MinIdle.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if w.cfg.MinIdle > 0 {
			for _, entry := range w.q.Reclaim(GroupName, w.id, w.cfg.MinIdle) {
				w.processOne(ctx, entry)
			}
		}
		entries, err := w.q.Claim(ctx, GroupName, w.id, w.claimCount(), w.claimBlockTimeout())
		if err != nil {
			return
		}
		for _, entry := range entries {
			w.processOne(ctx, entry)
		}
	}
}

func (w *Worker) claimCount() int {
	if w.cfg.ClaimCount > 0 {
		return w.cfg.ClaimCount
	}
	return 1
}

func (w *Worker) claimBlockTimeout() time.Duration {
	if w.cfg.ClaimBlockTimeout > 0 {
		return w.cfg.ClaimBlockTimeout
	}
	return 5 * time.Second
}

// processOne runs the full claim-to-ack pipeline for a single entry,
// recovering from panics so one bad entry can't take down the worker loop.
func (w *Worker) processOne(ctx context.Context, entry domain.QueueEntry) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic processing entry", "entryId", entry.EntryID, "panic", r)
		}
	}()

	req := entry.Payload
	if err := w.process(ctx, entry); err != nil {
		w.logger.Warn("entry processing failed, leaving unacknowledged for redelivery",
			"entryId", entry.EntryID, "requestId", req.RequestID, "error", err)
		w.q.PublishStatus(domain.StatusEvent{RequestID: req.RequestID, Kind: domain.EventFailed, At: time.Now(), Detail: err.Error()})
		return
	}

	w.q.Ack(ctx, GroupName, []uint64{entry.EntryID})
	w.q.PublishStatus(domain.StatusEvent{RequestID: req.RequestID, Kind: domain.EventCompleted, At: time.Now()})
}

func (w *Worker) process(ctx context.Context, entry domain.QueueEntry) error {
	req := entry.Payload

	adapter, ok := w.adapters[req.Provider]
	if !ok {
		return errs.New(errs.InternalInvariant, "diffworker.process", fmt.Errorf("no scm adapter registered for provider %q", req.Provider))
	}

	diffText, err := adapter.FetchChangeRequestDiff(ctx, req.RepositoryID, req.ChangeRequestNumber, w.cfg.ContextLines)
	if err != nil {
		return err
	}
	meta, err := adapter.FetchChangeRequestMetadata(ctx, req.RepositoryID, req.ChangeRequestNumber)
	if err != nil {
		return err
	}

	doc, err := diffparse.Parse(diffText)
	if err != nil {
		return errs.New(errs.ProtocolViolation, "diffworker.process", err)
	}

	chunks := diffparse.Split(doc, w.chunkLines())

	var chunkResults []domain.ReviewResult
	for i, chunk := range chunks {
		result, err := w.reviewChunk(ctx, req, meta, chunk.Doc)
		if err != nil {
			return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		chunkResults = append(chunkResults, result)
	}

	merged := mergeChunkResults(chunkResults)

	report, err := adapter.PublishReview(ctx, req.RepositoryID, req.ChangeRequestNumber, req.RequestID, doc, merged, "")
	if err != nil {
		return err
	}
	w.logger.Info("published review", "requestId", req.RequestID,
		"postedComments", report.PostedComments, "failedComments", report.FailedComments,
		"unlocatedFindings", len(report.UnlocatedFindings))
	return nil
}

// reviewChunk composes a prompt, streams the LLM response, and validates
// it, retrying once with a stricter directive on validator failure. A
// second validator failure is returned as an error, terminating the
// entry.
func (w *Worker) reviewChunk(ctx context.Context, req domain.ReviewRequest, meta domain.ChangeRequestMetadata, doc domain.DiffDocument) (domain.ReviewResult, error) {
	userPrompt, err := promptcompose.ComposeUserPrompt(ctx, w.cfg.Prompt, req, meta, &doc, nil, w.cfg.TicketFetcher)
	if err != nil {
		return domain.ReviewResult{}, err
	}

	result, err := w.streamAndValidate(ctx, userPrompt)
	if err == nil {
		return result, nil
	}
	if !errs.Is(err, errs.ProtocolViolation) {
		return domain.ReviewResult{}, err
	}

	w.logger.Warn("validator rejected response, retrying with stricter directive", "error", err)
	result, err = w.streamAndValidate(ctx, userPrompt+retryDirective)
	if err != nil {
		return domain.ReviewResult{}, err
	}
	return result, nil
}

func (w *Worker) streamAndValidate(ctx context.Context, userPrompt string) (domain.ReviewResult, error) {
	var raw strings.Builder
	for tok, err := range w.llm.Stream(ctx, promptcompose.ComposeSystemPrompt(), userPrompt) {
		if err != nil {
			return domain.ReviewResult{}, err
		}
		raw.WriteString(tok)
	}

	result, err := llmresult.Parse(raw.String())
	if err != nil {
		return domain.ReviewResult{}, err
	}
	return *result, nil
}

func (w *Worker) chunkLines() int {
	if w.cfg.ChunkLines > 0 {
		return w.cfg.ChunkLines
	}
	return 400
}

// mergeChunkResults concatenates chunk summaries with a blank-line
// separator and unions issues and notes, preserving order.
func mergeChunkResults(results []domain.ReviewResult) domain.ReviewResult {
	var merged domain.ReviewResult
	var summaries []string
	for _, r := range results {
		if r.Summary != "" {
			summaries = append(summaries, r.Summary)
		}
		merged.Issues = append(merged.Issues, r.Issues...)
		merged.Notes = append(merged.Notes, r.Notes...)
	}
	merged.Summary = strings.Join(summaries, "\n\n")
	return merged
}
