package domain

import "time"

// ProviderKind identifies one of the two abstract hosted-SCM provider kinds
// this system supports. The orchestrator never branches on anything finer
// grained than this.
type ProviderKind string

const (
	ProviderKindA ProviderKind = "kindA"
	ProviderKindB ProviderKind = "kindB"
)

// ReviewMode selects which worker executes a ReviewRequest.
type ReviewMode string

const (
	ModeDiff     ReviewMode = "DIFF"
	ModeAgentic  ReviewMode = "AGENTIC"
)

// ReviewRequest is created by ingest, is immutable once created, and is
// destroyed only when its result record's TTL expires.
type ReviewRequest struct {
	RequestID            string
	Provider             ProviderKind
	RepositoryID         string
	ChangeRequestNumber  int
	Mode                 ReviewMode
	CreatedAt            time.Time
}

// ChangeRequestMetadata is what the SCM adapter's read surface returns for
// a single change request.
type ChangeRequestMetadata struct {
	Title       string
	Description string
	BaseBranch  string
	HeadSHA     string
}
