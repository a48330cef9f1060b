// Package scm abstracts the hosted-SCM read/write surface a worker needs:
// fetching a change request's diff and metadata, and publishing a review
// back onto it. Two provider kinds are supported behind one capability
// interface so workers never branch on anything finer grained than
// domain.ProviderKind. Adapters talk to their provider over a plain
// bearer-token-authenticated *http.Client.
package scm

import (
	"context"

	"github.com/codereview/revieworchestrator/internal/domain"
)

// Adapter is the capability set exposed to workers, independent of
// provider kind.
type Adapter interface {
	// FetchChangeRequestDiff returns the raw unified diff for a change
	// request, with contextLines of surrounding context per hunk. Read
	// operations are idempotent and safe to retry on 5xx.
	FetchChangeRequestDiff(ctx context.Context, repo string, number int, contextLines int) (string, error)

	// FetchChangeRequestMetadata returns title/description/branch/SHA.
	FetchChangeRequestMetadata(ctx context.Context, repo string, number int) (domain.ChangeRequestMetadata, error)

	// CloneURL returns the authenticated git remote URL for repo, used by
	// the Agentic Worker's CLONING state.
	CloneURL(repo string) string

	// PublishReview posts inline comments at positions resolved by
	// internal/diffparse.MapPosition plus a summary comment. Best-effort
	// per inline comment: one failed comment is logged and counted, not
	// fatal to the batch.
	PublishReview(ctx context.Context, repo string, number int, requestID string, doc *domain.DiffDocument, result domain.ReviewResult, priorityBreakdown string) (PublishReport, error)
}

// PublishReport summarizes the outcome of one PublishReview call.
type PublishReport struct {
	PostedComments    int
	FailedComments    int
	UnlocatedFindings []domain.Finding
}

// NewAdapter constructs the Adapter for the given provider kind.
func NewAdapter(kind domain.ProviderKind, cfg Config) (Adapter, error) {
	switch kind {
	case domain.ProviderKindA:
		return newKindAClient(cfg), nil
	case domain.ProviderKindB:
		return newKindBClient(cfg), nil
	default:
		return nil, &UnsupportedProviderKind{Kind: kind}
	}
}

// UnsupportedProviderKind is returned by NewAdapter for an unrecognized
// domain.ProviderKind.
type UnsupportedProviderKind struct {
	Kind domain.ProviderKind
}

func (e *UnsupportedProviderKind) Error() string {
	return "scm: unsupported provider kind: " + string(e.Kind)
}

// Config carries the connection details shared by both provider kinds.
type Config struct {
	BaseURL string
	Token   string
}
