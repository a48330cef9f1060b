// Package queue implements the Work Queue: an in-process append-only
// stream with consumer groups, claim/ack/reclaim semantics, and
// at-least-once delivery. A per-repository-ID key lock keeps two entries
// for the same repository from ever being claimed concurrently,
// preserving per-partition FIFO.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codereview/revieworchestrator/internal/domain"
	"github.com/codereview/revieworchestrator/internal/errs"
	gosync "github.com/codereview/revieworchestrator/internal/sync"
)

// ErrQueueOverflow is returned by Enqueue when the queue's depth is at or
// above the configured high-water mark.
var ErrQueueOverflow = errors.New("queue: depth at or above high-water mark")

// Config controls admission and redelivery behavior.
type Config struct {
	// HighWaterMark bounds total depth (pending + claimed) across all
	// groups combined. Enqueue at or above it fails with ErrQueueOverflow.
	HighWaterMark int
}

type claimInfo struct {
	entry      domain.QueueEntry
	consumerID string
	claimedAt  time.Time
}

// Queue is a named multi-group in-memory stream of domain.QueueEntry.
type Queue struct {
	cfg    Config
	mirror Mirror
	status *StatusBus
	locks  *gosync.KeyLock

	mu      sync.Mutex
	cond    *sync.Cond
	nextID  uint64
	pending map[string][]domain.QueueEntry
	claimed map[string]map[uint64]*claimInfo
}

// New constructs a Queue. A nil mirror disables durability mirroring.
func New(cfg Config, mirror Mirror) *Queue {
	if mirror == nil {
		mirror = nopMirror{}
	}
	q := &Queue{
		cfg:     cfg,
		mirror:  mirror,
		status:  newStatusBus(),
		locks:   gosync.NewKeyLock(),
		pending: make(map[string][]domain.QueueEntry),
		claimed: make(map[string]map[uint64]*claimInfo),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Subscribe registers a listener for progress events on requestID. The
// returned cancel func must be called exactly once when the caller is
// done listening.
func (q *Queue) Subscribe(requestID string) (<-chan domain.StatusEvent, func()) {
	return q.status.Subscribe(requestID)
}

// PublishStatus emits a status event to any subscribers of
// event.RequestID. Workers call this for transitions the queue itself
// doesn't observe (STARTED beyond first claim, COMPLETED, FAILED).
func (q *Queue) PublishStatus(event domain.StatusEvent) {
	q.status.Publish(event)
}

// Depth returns the total number of entries (pending + claimed) across
// every group.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *Queue) depthLocked() int {
	n := 0
	for _, list := range q.pending {
		n += len(list)
	}
	for _, m := range q.claimed {
		n += len(m)
	}
	return n
}

// Enqueue admits payload into group, subject to the high-water mark.
// Emits a QUEUED status event and mirrors the entry for durability. On
// overflow, no entry is created and no status event is emitted.
func (q *Queue) Enqueue(ctx context.Context, group string, payload domain.ReviewRequest) (uint64, error) {
	q.mu.Lock()
	if q.cfg.HighWaterMark > 0 && q.depthLocked() >= q.cfg.HighWaterMark {
		q.mu.Unlock()
		return 0, errs.New(errs.ResourceExhaustion, "queue.Enqueue", ErrQueueOverflow)
	}

	q.nextID++
	entry := domain.QueueEntry{
		EntryID:    q.nextID,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	q.pending[group] = append(q.pending[group], entry)
	q.mu.Unlock()
	q.cond.Broadcast()

	if err := q.mirror.Append(ctx, entry); err != nil {
		slog.Warn("queue mirror append failed", "entryId", entry.EntryID, "error", err)
	}
	q.status.Publish(domain.StatusEvent{
		RequestID: payload.RequestID,
		Kind:      domain.EventQueued,
		At:        entry.EnqueuedAt,
	})
	return entry.EntryID, nil
}

// Claim delivers up to count entries from group not yet acknowledged by
// it, blocking up to blockTimeout while none are available. It returns a
// nil slice (not an error) if nothing became available before the
// timeout or before ctx was done.
func (q *Queue) Claim(ctx context.Context, group, consumerID string, count int, blockTimeout time.Duration) ([]domain.QueueEntry, error) {
	deadline := time.Now().Add(blockTimeout)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-stopWatch:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		claimed := q.claimLocked(group, consumerID, count)
		if len(claimed) > 0 {
			return claimed, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		q.waitLocked(wait)
	}
}

// waitLocked releases q.mu, waits until either d elapses or the cond is
// broadcast (a new entry arrived or an ack freed a partition lock), then
// reacquires q.mu before returning.
func (q *Queue) waitLocked(d time.Duration) {
	timer := time.AfterFunc(d, q.cond.Broadcast)
	defer timer.Stop()
	q.cond.Wait()
}

// claimLocked must be called with q.mu held.
func (q *Queue) claimLocked(group, consumerID string, count int) []domain.QueueEntry {
	list := q.pending[group]
	if len(list) == 0 {
		return nil
	}

	var claimed, remaining []domain.QueueEntry
	for _, e := range list {
		if len(claimed) >= count || !q.locks.TryLock(e.Payload.RepositoryID) {
			remaining = append(remaining, e)
			continue
		}
		e.DeliveryCount++
		if q.claimed[group] == nil {
			q.claimed[group] = make(map[uint64]*claimInfo)
		}
		q.claimed[group][e.EntryID] = &claimInfo{entry: e, consumerID: consumerID, claimedAt: time.Now()}
		claimed = append(claimed, e)
		if e.DeliveryCount == 1 {
			q.status.Publish(domain.StatusEvent{
				RequestID: e.Payload.RequestID,
				Kind:      domain.EventStarted,
				At:        time.Now(),
			})
		}
	}
	q.pending[group] = remaining
	return claimed
}

// Ack removes delivery of entryIDs from group's pending set, releasing
// their partition locks so later entries for the same repository become
// claimable.
func (q *Queue) Ack(ctx context.Context, group string, entryIDs []uint64) {
	q.mu.Lock()
	var acked []uint64
	for _, id := range entryIDs {
		info, ok := q.claimed[group][id]
		if !ok {
			continue
		}
		delete(q.claimed[group], id)
		q.locks.Unlock(info.entry.Payload.RepositoryID)
		acked = append(acked, id)
	}
	q.mu.Unlock()
	q.cond.Broadcast()

	for _, id := range acked {
		if err := q.mirror.Delete(ctx, id); err != nil {
			slog.Warn("queue mirror delete failed", "entryId", id, "error", err)
		}
	}
}

// Reclaim transfers entries in group whose current consumer has been
// idle longer than minIdle to consumerID, incrementing their delivery
// count. The partition lock is not released: ownership moves directly
// to the new consumer without ever admitting a later entry for the same
// repository out of order.
func (q *Queue) Reclaim(group, consumerID string, minIdle time.Duration) []domain.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []domain.QueueEntry
	for _, info := range q.claimed[group] {
		if now.Sub(info.claimedAt) < minIdle {
			continue
		}
		info.entry.DeliveryCount++
		info.consumerID = consumerID
		info.claimedAt = now
		out = append(out, info.entry)
	}
	return out
}
