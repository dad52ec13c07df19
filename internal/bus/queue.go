package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

// ErrRedeliver marks a handler error that should put the envelope back on
// the queue instead of dropping it.
var ErrRedeliver = errors.New("redeliver")

// Handler processes one envelope. nil acknowledges it, an error wrapping
// ErrRedeliver requeues it, and any other error discards it.
type Handler func(ctx context.Context, env orchestrator.Envelope) error

// Consumer feeds envelopes to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}

// MemoryQueue is an in-process queue. Envelopes with a run id that was
// already accepted are dropped, matching JetStream message deduplication.
type MemoryQueue struct {
	items      chan delivery
	maxDeliver int
	logger     *logging.Logger

	mu   sync.Mutex
	seen map[string]bool
}

type delivery struct {
	env      orchestrator.Envelope
	attempts int
}

// NewMemoryQueue creates a queue holding up to size pending envelopes.
func NewMemoryQueue(size, maxDeliver int, logger *logging.Logger) *MemoryQueue {
	if size <= 0 {
		size = 128
	}
	if maxDeliver <= 0 {
		maxDeliver = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &MemoryQueue{
		items:      make(chan delivery, size),
		maxDeliver: maxDeliver,
		logger:     logger,
		seen:       make(map[string]bool),
	}
}

// Enqueue implements orchestrator.Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, env orchestrator.Envelope) error {
	q.mu.Lock()
	if q.seen[env.RunID] {
		q.mu.Unlock()
		return nil
	}
	q.seen[env.RunID] = true
	q.mu.Unlock()

	select {
	case q.items <- delivery{env: env}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		q.mu.Lock()
		delete(q.seen, env.RunID)
		q.mu.Unlock()
		return fmt.Errorf("memory queue full")
	}
}

// Len returns the number of pending envelopes.
func (q *MemoryQueue) Len() int { return len(q.items) }

// Consume implements Consumer. Several goroutines may consume concurrently.
func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-q.items:
			d.attempts++
			err := h(ctx, d.env)
			if err == nil || !errors.Is(err, ErrRedeliver) {
				if err != nil {
					q.logger.Warn(ctx, "envelope discarded", zap.String("run.id", d.env.RunID), zap.Error(err))
				}
				continue
			}
			if d.attempts >= q.maxDeliver {
				q.logger.Warn(ctx, "envelope exceeded max deliveries", zap.String("run.id", d.env.RunID), zap.Int("attempts", d.attempts))
				continue
			}
			select {
			case q.items <- d:
			default:
				q.logger.Warn(ctx, "memory queue full; envelope dropped on redelivery", zap.String("run.id", d.env.RunID))
			}
		}
	}
}
