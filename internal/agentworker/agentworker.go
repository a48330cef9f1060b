// Package agentworker drives the Agentic Worker's explicit state machine:
// PENDING -> CLONING -> ANALYZING -> REASONING -> PUBLISHING -> COMPLETED,
// with a FAILED transition reachable from every non-terminal state.
package agentworker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	goGit "github.com/go-git/go-git/v5"

	"github.com/codereview/revieworchestrator/internal/aggregator"
	"github.com/codereview/revieworchestrator/internal/diffparse"
	"github.com/codereview/revieworchestrator/internal/domain"
	"github.com/codereview/revieworchestrator/internal/errs"
	"github.com/codereview/revieworchestrator/internal/llmclient"
	"github.com/codereview/revieworchestrator/internal/llmresult"
	"github.com/codereview/revieworchestrator/internal/prioritizer"
	"github.com/codereview/revieworchestrator/internal/promptcompose"
	"github.com/codereview/revieworchestrator/internal/queue"
	"github.com/codereview/revieworchestrator/internal/sandbox"
	"github.com/codereview/revieworchestrator/internal/scm"
)

// GroupName is this worker's queue consumer group.
const GroupName = "agent"

const retryDirective = "\n\nYour previous response was not valid JSON matching the schema. Return ONLY valid JSON, with no prose or markdown fences."

// testMarker maps a project manifest found at the workspace root to the
// framework label recorded on TestRunResult and the command run inside
// the sandbox.
type testMarker struct {
	file      string
	framework string
	command   []string
}

// testMarkers is checked in order; the first manifest present wins. The
// file list is carried over from the dependency-manifest detection other
// pack code uses to classify a changed file by ecosystem.
var testMarkers = []testMarker{
	{file: "go.mod", framework: "go test", command: []string{"go", "test", "-v", "./..."}},
	{file: "package.json", framework: "npm test", command: []string{"npm", "test", "--silent"}},
	{file: "pom.xml", framework: "mvn test", command: []string{"mvn", "-q", "test"}},
	{file: "build.gradle", framework: "gradle test", command: []string{"gradle", "test", "--quiet"}},
}

// Config bundles the Agentic Worker's tunables beyond domain.AgentConfig.
type Config struct {
	WorkspaceRoot string
	Agent         domain.AgentConfig
	Sandbox       sandbox.Config
	Prompt        promptcompose.Config
	TicketFetcher promptcompose.TicketFetcher
	ContextLines  int
	Aggregator    aggregator.Config

	ClaimBlockTimeout time.Duration
}

// Worker runs AGENTIC-mode ReviewRequests end to end: clone, test, review,
// publish.
type Worker struct {
	id       string
	q        *queue.Queue
	adapters map[domain.ProviderKind]scm.Adapter
	llm      llmclient.ChatStreamer
	cfg      Config
	logger   *slog.Logger
}

// New constructs a Worker. The sandbox Executor is built per-run from
// cfg.Sandbox (with AnalysisTimeout applied), since each task may
// override the wall-clock timeout via domain.AgentConfig.
func New(id string, q *queue.Queue, adapters map[domain.ProviderKind]scm.Adapter, llm llmclient.ChatStreamer, cfg Config) *Worker {
	return &Worker{
		id:       id,
		q:        q,
		adapters: adapters,
		llm:      llm,
		cfg:      cfg,
		logger:   slog.Default().With("worker", id, "group", GroupName),
	}
}

// Run claims entries from the agent group until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		entries, err := w.q.Claim(ctx, GroupName, w.id, 1, w.claimBlockTimeout())
		if err != nil {
			return
		}
		for _, entry := range entries {
			w.processOne(ctx, entry)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Worker) claimBlockTimeout() time.Duration {
	if w.cfg.ClaimBlockTimeout > 0 {
		return w.cfg.ClaimBlockTimeout
	}
	return 5 * time.Second
}

func (w *Worker) processOne(ctx context.Context, entry domain.QueueEntry) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("agentic worker task panicked", "request_id", entry.Payload.RequestID, "panic", r)
		}
	}()

	task := &domain.AgentTask{
		TaskID:  entry.Payload.RequestID,
		Request: entry.Payload,
		State:   domain.AgentState{Status: domain.StatusPending, Context: map[string]any{}, LastUpdated: time.Now()},
		Config:  w.cfg.Agent,
	}

	w.run(ctx, task)

	if task.State.Status == domain.StatusCompleted {
		w.q.Ack(ctx, GroupName, []uint64{entry.EntryID})
		w.q.PublishStatus(domain.StatusEvent{RequestID: task.TaskID, Kind: domain.EventCompleted, At: time.Now()})
		return
	}

	w.logger.Warn("agentic run failed, leaving entry for redelivery", "request_id", task.TaskID, "error", task.State.ErrorMessage)
	w.q.PublishStatus(domain.StatusEvent{RequestID: task.TaskID, Kind: domain.EventFailed, At: time.Now(), Detail: task.State.ErrorMessage})
}

// run drives the state machine to a terminal state. The workspace is
// removed on every exit path, success or failure.
func (w *Worker) run(ctx context.Context, task *domain.AgentTask) {
	adapter, ok := w.adapters[task.Request.Provider]
	if !ok {
		w.fail(task, domain.ActionCloneRepository, errs.New(errs.InternalInvariant, "agentworker.run", fmt.Errorf("no adapter for provider %q", task.Request.Provider)))
		return
	}

	workspaceDir, err := os.MkdirTemp(w.cfg.WorkspaceRoot, "review-"+task.TaskID+"-")
	if err != nil {
		w.fail(task, domain.ActionCloneRepository, errs.New(errs.InternalInvariant, "agentworker.run", err))
		return
	}
	defer func() {
		if err := os.RemoveAll(workspaceDir); err != nil {
			w.logger.Warn("workspace cleanup failed", "request_id", task.TaskID, "path", workspaceDir, "error", err)
		}
	}()

	meta, err := adapter.FetchChangeRequestMetadata(ctx, task.Request.RepositoryID, task.Request.ChangeRequestNumber)
	if err != nil {
		w.fail(task, domain.ActionCloneRepository, err)
		return
	}

	task.State.Status = domain.StatusCloning
	clonePath := filepath.Join(workspaceDir, "repo")
	if err := w.clone(ctx, task, adapter, clonePath, meta); err != nil {
		return
	}

	task.State.Status = domain.StatusAnalyzing
	if err := w.analyze(ctx, task, clonePath); err != nil {
		return
	}

	task.State.Status = domain.StatusReasoning
	doc, result, err := w.reason(ctx, task, adapter, meta)
	if err != nil {
		return
	}

	task.State.Status = domain.StatusPublishing
	if err := w.publish(ctx, task, adapter, doc, result); err != nil {
		return
	}

	task.State.Status = domain.StatusCompleted
	task.State.LastUpdated = time.Now()
}

// fail records the failing action and transitions to FAILED.
func (w *Worker) fail(task *domain.AgentTask, kind domain.ActionKind, err error) {
	now := time.Now()
	task.State.CurrentAction = &domain.Action{Kind: kind, StartedAt: now, Duration: 0, Success: false}
	task.State.ErrorMessage = err.Error()
	task.State.Status = domain.StatusFailed
	task.State.LastUpdated = now
}

// complete appends a successful action to CompletedActions and advances
// LastUpdated.
func (w *Worker) complete(task *domain.AgentTask, kind domain.ActionKind, started time.Time, detail map[string]any) {
	task.State.CompletedActions = append(task.State.CompletedActions, domain.Action{
		Kind:      kind,
		StartedAt: started,
		Duration:  time.Since(started),
		Success:   true,
		Detail:    detail,
	})
	task.State.CurrentAction = nil
	task.State.LastUpdated = time.Now()
}

func (w *Worker) clone(ctx context.Context, task *domain.AgentTask, adapter scm.Adapter, clonePath string, meta domain.ChangeRequestMetadata) error {
	started := time.Now()
	depth := task.Config.CloneDepth
	if depth <= 0 {
		depth = 1
	}

	repo, err := goGit.PlainCloneContext(ctx, clonePath, false, &goGit.CloneOptions{
		URL:      adapter.CloneURL(task.Request.RepositoryID),
		Depth:    depth,
		Tags:     goGit.NoTags,
	})
	if err != nil {
		w.fail(task, domain.ActionCloneRepository, errs.New(errs.TransientExternal, "agentworker.clone", err))
		return err
	}

	head, err := repo.Head()
	if err != nil {
		w.fail(task, domain.ActionCloneRepository, errs.New(errs.InternalInvariant, "agentworker.clone", err))
		return err
	}

	task.State.Context["clonePath"] = clonePath
	task.State.Context["commitHash"] = head.Hash().String()
	w.complete(task, domain.ActionCloneRepository, started, map[string]any{
		"commitHash": head.Hash().String(),
		"baseBranch": meta.BaseBranch,
	})
	return nil
}

func (w *Worker) analyze(ctx context.Context, task *domain.AgentTask, clonePath string) error {
	started := time.Now()

	if !task.Config.TestsEnabled {
		task.State.LocalAnalysis = &domain.TestRunResult{}
		w.complete(task, domain.ActionRunTests, started, map[string]any{"skipped": "tests disabled"})
		return nil
	}

	marker, detected := detectTestMarker(clonePath)
	if !detected {
		task.State.LocalAnalysis = &domain.TestRunResult{}
		w.complete(task, domain.ActionRunTests, started, map[string]any{"skipped": "no recognized test manifest"})
		return nil
	}

	timeout := task.Config.AnalysisTimeout
	if timeout <= 0 {
		timeout = w.cfg.Sandbox.Timeout
	}
	sandboxCfg := w.cfg.Sandbox
	sandboxCfg.Timeout = timeout

	runResult, err := sandbox.New(sandboxCfg).Run(ctx, clonePath, marker.command)
	if err != nil {
		// A sandbox failure or timeout is not fatal to the overall task:
		// absence of a usable test result still proceeds to REASONING with
		// an empty analysis.
		w.logger.Warn("sandboxed test run failed, proceeding without test findings", "request_id", task.TaskID, "error", err)
		task.State.LocalAnalysis = &domain.TestRunResult{}
		w.complete(task, domain.ActionRunTests, started, map[string]any{"error": err.Error()})
		return nil
	}

	result := parseTestOutput(marker.framework, runResult)
	task.State.LocalAnalysis = &result
	w.complete(task, domain.ActionRunTests, started, map[string]any{
		"framework": result.Framework,
		"total":     result.Total,
		"failed":    result.Failed,
		"exitCode":  runResult.ExitCode,
	})
	return nil
}

func detectTestMarker(clonePath string) (testMarker, bool) {
	for _, m := range testMarkers {
		if _, err := os.Stat(filepath.Join(clonePath, m.file)); err == nil {
			return m, true
		}
	}
	return testMarker{}, false
}

var (
	goTestFailureLine = regexp.MustCompile(`^--- FAIL: (\S+)`)

	// surefireSummaryLine matches the aggregate counts Maven Surefire and
	// Gradle's test task both print, e.g.
	// "Tests run: 3, Failures: 1, Errors: 0, Skipped: 0".
	surefireSummaryLine = regexp.MustCompile(`Tests run:\s*(\d+),\s*Failures:\s*(\d+),\s*Errors:\s*(\d+),\s*Skipped:\s*(\d+)`)

	// javaTestFailureLine matches a "classpath#method" failure identifier,
	// the form Surefire's "Failed tests:" section and Gradle's test
	// reporter both use (e.g. "com.x.Y#m").
	javaTestFailureLine = regexp.MustCompile(`^\s*(\S+)#(\S+)`)
)

// parseTestOutput derives a TestRunResult from captured sandbox output.
// "go test -v" and Maven/Gradle's Surefire-style output get per-test
// detail (ClassPath/TestName per failure); npm is reduced to a pass/fail
// summary driven by exit code, a known simplification left for a future
// framework-specific parser.
func parseTestOutput(framework string, res sandbox.Result) domain.TestRunResult {
	result := domain.TestRunResult{Executed: true, Framework: framework}

	switch framework {
	case "go test":
		return parseGoTestOutput(result, res)
	case "mvn test", "gradle test":
		return parseSurefireTestOutput(result, res)
	}

	if res.ExitCode == 0 {
		result.Passed = 1
		result.Total = 1
	} else {
		result.Failed = 1
		result.Total = 1
	}
	return result
}

func parseGoTestOutput(result domain.TestRunResult, res sandbox.Result) domain.TestRunResult {
	for _, line := range strings.Split(res.Output, "\n") {
		if m := goTestFailureLine.FindStringSubmatch(line); m != nil {
			result.Failed++
			result.Failures = append(result.Failures, domain.TestFailure{
				ClassPath: m[1],
				TestName:  m[1],
				Message:   strings.TrimSpace(line),
			})
		}
	}
	result.Total = result.Failed
	if res.ExitCode == 0 {
		// No "--- FAIL" lines and a clean exit: record at least one passing
		// test so Total isn't misleadingly zero for a real run.
		result.Passed = 1
		result.Total = 1
	} else if result.Failed == 0 {
		result.Failed = 1
		result.Total = 1
		result.Failures = []domain.TestFailure{{ClassPath: "unknown", Message: strconv.Itoa(res.ExitCode)}}
	}
	return result
}

// parseSurefireTestOutput reads Maven/Gradle Surefire-style output: the
// "Tests run: N, Failures: F, Errors: E, Skipped: S" summary line for
// aggregate counts, and "classpath#method" lines for per-failure detail.
// Multiple summary lines (a multi-module build) accumulate.
func parseSurefireTestOutput(result domain.TestRunResult, res sandbox.Result) domain.TestRunResult {
	for _, line := range strings.Split(res.Output, "\n") {
		if m := surefireSummaryLine.FindStringSubmatch(line); m != nil {
			total, _ := strconv.Atoi(m[1])
			failures, _ := strconv.Atoi(m[2])
			errors, _ := strconv.Atoi(m[3])
			skipped, _ := strconv.Atoi(m[4])
			result.Total += total
			result.Failed += failures + errors
			result.Skipped += skipped
			continue
		}
		if m := javaTestFailureLine.FindStringSubmatch(line); m != nil {
			result.Failures = append(result.Failures, domain.TestFailure{
				ClassPath: m[1],
				TestName:  m[2],
				Message:   strings.TrimSpace(line),
			})
		}
	}

	if result.Total == 0 {
		if res.ExitCode == 0 {
			result.Passed = 1
			result.Total = 1
		} else {
			result.Failed = 1
			result.Total = 1
			result.Failures = []domain.TestFailure{{ClassPath: "unknown", Message: strconv.Itoa(res.ExitCode)}}
		}
		return result
	}

	result.Passed = result.Total - result.Failed - result.Skipped
	if result.Failed > 0 && len(result.Failures) == 0 {
		// Summary line reported failures but no "classpath#method" lines
		// were found in this output; fall back to one generic failure so
		// Failures isn't misleadingly empty.
		result.Failures = []domain.TestFailure{{ClassPath: "unknown", Message: "see test output"}}
	}
	return result
}

func (w *Worker) reason(ctx context.Context, task *domain.AgentTask, adapter scm.Adapter, meta domain.ChangeRequestMetadata) (*domain.DiffDocument, domain.ReviewResult, error) {
	started := time.Now()

	diffText, err := adapter.FetchChangeRequestDiff(ctx, task.Request.RepositoryID, task.Request.ChangeRequestNumber, w.cfg.ContextLines)
	if err != nil {
		w.fail(task, domain.ActionInvokeLLMReview, err)
		return nil, domain.ReviewResult{}, err
	}

	doc, err := diffparse.Parse(diffText)
	if err != nil {
		w.fail(task, domain.ActionInvokeLLMReview, errs.New(errs.ProtocolViolation, "agentworker.reason", err))
		return nil, domain.ReviewResult{}, err
	}

	userPrompt, err := promptcompose.ComposeUserPrompt(ctx, w.cfg.Prompt, task.Request, meta, doc, nil, w.cfg.TicketFetcher)
	if err != nil {
		w.fail(task, domain.ActionInvokeLLMReview, err)
		return nil, domain.ReviewResult{}, err
	}

	llmReview, err := w.streamAndValidate(ctx, userPrompt)
	if err != nil && errs.Is(err, errs.ProtocolViolation) {
		w.logger.Warn("llm review response failed validation, retrying once", "request_id", task.TaskID)
		llmReview, err = w.streamAndValidate(ctx, userPrompt+retryDirective)
	}
	if err != nil {
		w.fail(task, domain.ActionInvokeLLMReview, err)
		return nil, domain.ReviewResult{}, err
	}
	task.State.LLMReview = &llmReview

	findings := tagSource(llmReview.Issues, domain.SourceLLM)
	findings = append(findings, testFailureFindings(task.State.LocalAnalysis)...)

	aggregated := aggregator.Aggregate(w.cfg.Aggregator, aggregator.Input{Findings: findings, Notes: llmReview.Notes})
	prioritized := prioritizer.Prioritize(aggregated.Issues, aggregated.RejectedCount)

	result := domain.ReviewResult{
		Summary:  prioritized.Summary,
		Issues:   prioritized.All(),
		Notes:    aggregated.Notes,
		Provider: llmReview.Provider,
		Model:    llmReview.Model,
	}

	w.complete(task, domain.ActionInvokeLLMReview, started, map[string]any{
		"issueCount":    len(result.Issues),
		"filteredCount": aggregated.RejectedCount,
	})
	return doc, result, nil
}

func tagSource(findings []domain.Finding, source domain.FindingSource) []domain.Finding {
	out := make([]domain.Finding, len(findings))
	for i, f := range findings {
		f.Source = source
		out[i] = f
	}
	return out
}

// testFailureFindings maps each failing test to one Finding: startLine=1
// (a test failure has no specific line within the file), severity=major
// (domain.Severity has no literal "error" level; major is the closest
// equivalent, see DESIGN.md), confidence=1.0, source=tests.
func testFailureFindings(analysis *domain.TestRunResult) []domain.Finding {
	if analysis == nil {
		return nil
	}
	findings := make([]domain.Finding, 0, len(analysis.Failures))
	for _, f := range analysis.Failures {
		confidence := 1.0
		findings = append(findings, domain.Finding{
			File:            classPathToFile(f.ClassPath),
			StartLine:       1,
			Severity:        domain.SeverityMajor,
			Title:           "Test Failed: " + f.TestName,
			Suggestion:      f.Message,
			ConfidenceScore: &confidence,
			Source:          domain.SourceTests,
		})
	}
	return findings
}

// classPathToFile converts a dotted Java class path (e.g. "com.x.Y") to
// its source file path ("com/x/Y.java"). Anything already containing a
// path separator is assumed to be a file path already and passes through
// unchanged, as does a plain identifier with no dots (a Go test name, or
// "unknown").
func classPathToFile(classPath string) string {
	if strings.Contains(classPath, "/") || !strings.Contains(classPath, ".") {
		return classPath
	}
	return strings.ReplaceAll(classPath, ".", "/") + ".java"
}

func (w *Worker) streamAndValidate(ctx context.Context, userPrompt string) (domain.ReviewResult, error) {
	var raw strings.Builder
	for token, err := range w.llm.Stream(ctx, promptcompose.ComposeSystemPrompt(), userPrompt) {
		if err != nil {
			return domain.ReviewResult{}, err
		}
		raw.WriteString(token)
	}
	result, err := llmresult.Parse(raw.String())
	if err != nil {
		return domain.ReviewResult{}, err
	}
	return *result, nil
}

func (w *Worker) publish(ctx context.Context, task *domain.AgentTask, adapter scm.Adapter, doc *domain.DiffDocument, result domain.ReviewResult) error {
	started := time.Now()

	report, err := adapter.PublishReview(ctx, task.Request.RepositoryID, task.Request.ChangeRequestNumber, task.Request.RequestID, doc, result, "")
	if err != nil {
		w.fail(task, domain.ActionPublishSummary, err)
		return err
	}

	w.complete(task, domain.ActionPublishSummary, started, map[string]any{
		"posted":    report.PostedComments,
		"failed":    report.FailedComments,
		"unlocated": len(report.UnlocatedFindings),
	})
	return nil
}
