package domain

import "time"

// AgentStatus is one state of the Agentic Worker's state machine.
type AgentStatus string

const (
	StatusPending    AgentStatus = "PENDING"
	StatusCloning    AgentStatus = "CLONING"
	StatusAnalyzing  AgentStatus = "ANALYZING"
	StatusReasoning  AgentStatus = "REASONING"
	StatusPublishing AgentStatus = "PUBLISHING"
	StatusCompleted  AgentStatus = "COMPLETED"
	StatusFailed     AgentStatus = "FAILED"
)

// Terminal reports whether the status is one of the two terminal states.
// Once terminal, AgentState must never transition again.
func (s AgentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ActionKind tags the variant carried by an Action.
type ActionKind string

const (
	ActionCloneRepository       ActionKind = "CloneRepository"
	ActionRunTests              ActionKind = "RunTests"
	ActionInvokeLLMReview       ActionKind = "InvokeLlmReview"
	ActionPublishInlineComments ActionKind = "PublishInlineComments"
	ActionPublishSummary        ActionKind = "PublishSummary"
	ActionTerminate             ActionKind = "Terminate"
)

// Action records one step the Agentic Worker took. Fields beyond the
// common ones are action-kind-specific and stored as opaque key/value pairs
// in Detail (e.g. test counts, commit hash, comments posted).
type Action struct {
	Kind      ActionKind
	StartedAt time.Time
	Duration  time.Duration
	Success   bool
	Detail    map[string]any
}

// AgentState is the single-writer, append-only state of one AgentTask.
// It is owned exclusively by the worker executing the task; all mutation
// happens via transition functions that append to CompletedActions and
// advance LastUpdated monotonically.
type AgentState struct {
	Status           AgentStatus
	CompletedActions []Action
	CurrentAction    *Action
	Context          map[string]any
	LocalAnalysis    *TestRunResult
	LLMReview        *ReviewResult
	LastUpdated      time.Time
	ErrorMessage     string
}

// AgentConfig configures one agentic review run.
type AgentConfig struct {
	CloneDepth      int
	TestsEnabled    bool
	AnalysisTimeout time.Duration
}

// AgentTask binds a ReviewRequest to its mutable AgentState and config.
// Single-writer: only the worker holding the task's queue claim mutates it.
type AgentTask struct {
	TaskID  string
	Request ReviewRequest
	State   AgentState
	Config  AgentConfig
}

// TestFailure is one failing test case mapped from the sandboxed run.
type TestFailure struct {
	ClassPath string
	TestName  string
	Message   string
}

// TestRunResult is what ANALYZING records about the sandboxed test run.
// Absence of tests or detection failure yields a zero-value result and is
// not fatal.
type TestRunResult struct {
	Executed   bool
	Framework  string
	Total      int
	Passed     int
	Failed     int
	Skipped    int
	Duration   time.Duration
	Failures   []TestFailure
}
