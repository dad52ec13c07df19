// Package worker runs queued envelopes through the run engine.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/bus"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

// Processor executes one envelope. orchestrator.Service satisfies it.
type Processor interface {
	Process(ctx context.Context, env orchestrator.Envelope) (*orchestrator.State, error)
}

// Pool runs Count consumers against one queue.
type Pool struct {
	consumer  bus.Consumer
	processor Processor
	count     int
	logger    *logging.Logger
}

// NewPool creates a pool of count workers.
func NewPool(consumer bus.Consumer, processor Processor, count int, logger *logging.Logger) *Pool {
	if count <= 0 {
		count = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pool{consumer: consumer, processor: processor, count: count, logger: logger}
}

// Run blocks until ctx is done or a consumer fails.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info(ctx, "worker pool starting", zap.Int("workers", p.count))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.count; i++ {
		id := i
		g.Go(func() error {
			if err := p.consumer.Consume(gctx, p.Handle); err != nil {
				return fmt.Errorf("worker %d: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info(ctx, "worker pool stopped")
	return err
}

// Handle processes one envelope and classifies the outcome for the queue.
// Runs interrupted by shutdown are redelivered; invalid tasks and internal
// faults are not, since another attempt would fail the same way.
func (p *Pool) Handle(ctx context.Context, env orchestrator.Envelope) error {
	ctx = logging.WithRunID(ctx, env.RunID)
	st, err := p.processor.Process(ctx, env)
	if err == nil {
		p.logger.Debug(ctx, "envelope processed", zap.String("status", string(st.Status)))
		return nil
	}

	var verr *orchestrator.ValidationError
	var fault *orchestrator.InternalFault
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), ctx.Err() != nil:
		p.logger.Info(ctx, "run interrupted; requeueing", zap.Error(err))
		return fmt.Errorf("%w: %v", bus.ErrRedeliver, err)
	case errors.As(err, &verr), errors.As(err, &fault):
		p.logger.Error(ctx, "run rejected", zap.Error(err))
		return err
	default:
		p.logger.Warn(ctx, "run failed; requeueing", zap.Error(err))
		return fmt.Errorf("%w: %v", bus.ErrRedeliver, err)
	}
}
