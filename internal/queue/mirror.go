package queue

import (
	"context"

	"github.com/codereview/revieworchestrator/internal/domain"
)

// Mirror receives a copy of each entry on Enqueue and a delete on Ack.
// Nothing reads mirrored entries back into a Queue, so a restarted process
// starts with an empty queue. A Mirror failure is logged but never fails
// the in-memory operation it shadows, since the in-memory state remains
// authoritative for the running process.
type Mirror interface {
	Append(ctx context.Context, entry domain.QueueEntry) error
	Delete(ctx context.Context, entryID uint64) error
}

type nopMirror struct{}

func (nopMirror) Append(context.Context, domain.QueueEntry) error { return nil }
func (nopMirror) Delete(context.Context, uint64) error            { return nil }
