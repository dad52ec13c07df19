package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
)

// ErrQueueUnavailable is returned by Enqueue when no queue is configured.
var ErrQueueUnavailable = errors.New("queued mode not configured")

// Service is the inbound surface of the engine: inline submission, queued
// submission and status queries.
type Service struct {
	runner      *Runner
	queue       Queue
	checkpoints CheckpointStore
	bus         EventBus
	logger      *logging.Logger
}

// NewService creates a Service. queue may be nil for inline-only use.
func NewService(runner *Runner, queue Queue, checkpoints CheckpointStore, bus EventBus, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		runner:      runner,
		queue:       queue,
		checkpoints: checkpoints,
		bus:         bus,
		logger:      logger,
	}
}

// Submit runs task inline and blocks until it reaches a terminal status.
func (s *Service) Submit(ctx context.Context, task Task, hints map[string]string) (*State, error) {
	normalized, err := NormalizeTask(task)
	if err != nil {
		return nil, err
	}
	return s.runner.Run(ctx, Envelope{RunID: uuid.NewString(), Task: normalized, Hints: hints})
}

// Enqueue validates task, records it as queued and hands it to the queue.
// It returns as soon as the queue accepted the envelope.
func (s *Service) Enqueue(ctx context.Context, task Task, hints map[string]string) (string, error) {
	if s.queue == nil {
		return "", ErrQueueUnavailable
	}
	normalized, err := NormalizeTask(task)
	if err != nil {
		return "", err
	}

	env := Envelope{RunID: uuid.NewString(), Task: normalized, Hints: hints}
	st := NewState(env.RunID, env.Task, s.runner.cfg.MaxRetries, env.Hints)
	st.Status = StatusQueued

	if s.checkpoints != nil {
		if err := s.checkpoints.Save(ctx, env.RunID, st); err != nil {
			return "", Unavailable("checkpoint_store", "save", err)
		}
	}
	if err := s.queue.Enqueue(ctx, env); err != nil {
		return "", Unavailable("queue", "enqueue", err)
	}
	s.publish(ctx, st)

	s.logger.Info(logging.WithRunID(ctx, env.RunID), "run enqueued", zap.String("channel", normalized.Channel))
	return env.RunID, nil
}

// Query returns the latest checkpoint of a run or ErrRunNotFound.
func (s *Service) Query(ctx context.Context, runID string) (*State, error) {
	if s.checkpoints == nil {
		return nil, fmt.Errorf("query %s: %w", runID, ErrRunNotFound)
	}
	return s.checkpoints.Load(ctx, runID)
}

// Process executes a dequeued envelope. A redelivered envelope whose run
// already reached a terminal status is not executed again; its final
// snapshot is republished instead. A run interrupted by cancellation is left
// non-terminal and runs again on the next delivery.
func (s *Service) Process(ctx context.Context, env Envelope) (*State, error) {
	ctx = logging.WithRunID(ctx, env.RunID)

	if s.checkpoints != nil {
		prev, err := s.checkpoints.Load(ctx, env.RunID)
		switch {
		case err == nil && prev.Status.Terminal():
			s.logger.Info(ctx, "duplicate delivery of finished run", zap.String("status", string(prev.Status)))
			s.publish(ctx, prev)
			return prev, nil
		case err == nil && prev.Interrupted:
			s.logger.Info(ctx, "resuming interrupted run", zap.String("stage", string(prev.Stage)))
		case err != nil && !errors.Is(err, ErrRunNotFound):
			s.logger.Warn(ctx, "checkpoint lookup failed", zap.Error(err))
		}
	}

	task, err := NormalizeTask(env.Task)
	if err != nil {
		return nil, err
	}
	env.Task = task
	return s.runner.run(ctx, env, true)
}

func (s *Service) publish(ctx context.Context, st *State) {
	if s.bus == nil {
		return
	}
	data, err := EncodeStatus(st)
	if err != nil {
		s.logger.Warn(ctx, "encode status failed", zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, StatusChannel(s.runner.cfg.StatusPrefix, st.RunID), data); err != nil {
		s.logger.Warn(ctx, "status publish failed", zap.Error(err))
	}
}
