// Package storage persists the per-requestId result record published to
// callers and subscribers, and doubles as the work queue's durability
// mirror.
package storage

import (
	"context"
	"time"

	"github.com/codereview/revieworchestrator/internal/domain"
)

// Status is the persisted record's lifecycle state.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Record is the persisted result record for one requestId.
type Record struct {
	RequestID           string
	Status              Status
	Provider            domain.ProviderKind
	RepositoryID        string
	ChangeRequestNumber int
	LLMProvider         string
	LLMModel            string
	Result              *domain.ReviewResult
	Error               string
	ProcessingTimeMs    int64
	CreatedAt           time.Time
	CompletedAt         *time.Time
	FailedAt            *time.Time
}

// Repository persists and retrieves result records, keyed by requestId.
// Upsert overwrites a requestId's row in place rather than appending. The
// orchestrator and the workers do not call Upsert: status transitions are
// published on the queue's status bus and are not written to a Repository.
type Repository interface {
	Upsert(ctx context.Context, record Record) error
	Get(ctx context.Context, requestID string) (*Record, error)
	// DeleteExpired removes every record whose CreatedAt is before
	// cutoff, implementing the result.ttl sweep. It returns the number
	// of rows removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
