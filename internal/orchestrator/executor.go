package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
)

const (
	instrumentationName = "github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"

	// DefaultStageTimeout bounds every collaborator call.
	DefaultStageTimeout = 10 * time.Second

	// DefaultContextLimit is the snippet count requested from the context provider.
	DefaultContextLimit = 5
)

// RunnerConfig tunes the Runner.
type RunnerConfig struct {
	MaxRetries   int
	StageTimeout time.Duration
	ContextLimit int
	StatusPrefix string
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = DefaultStageTimeout
	}
	if c.ContextLimit <= 0 {
		c.ContextLimit = DefaultContextLimit
	}
	if c.StatusPrefix == "" {
		c.StatusPrefix = DefaultStatusPrefix
	}
	return c
}

// DefaultRunnerConfig returns a configuration with the standard bounds.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{MaxRetries: DefaultMaxRetries}.withDefaults()
}

// Deps are the collaborators of a Runner. Plugins is required; the rest
// fall back to in-process defaults or are skipped when nil.
type Deps struct {
	Policy      PolicyStore
	Context     ContextProvider
	Planner     Planner
	Reflector   Reflector
	Plugins     PluginRegistry
	Memory      MemoryWriter
	Bus         EventBus
	Checkpoints CheckpointStore
	Ledger      DispatchLedger
	Logger      *logging.Logger
	Metrics     *Metrics
	Tracer      trace.Tracer

	FailClosed     bool
	PolicyVersion  string
	FallbackPlugin string
	ChannelPlugins map[string]string
}

type stageFunc func(ctx context.Context, st *State) Stage

// Runner drives one run through the stage graph. Each stage receives the
// State owned by the run and returns the next stage; the driver loop stops
// when a stage returns stageDone or the status turns terminal.
type Runner struct {
	cfg         RunnerConfig
	gate        *PolicyGate
	context     ContextProvider
	planner     Planner
	reflector   Reflector
	dispatcher  *Dispatcher
	sentinel    Sentinel
	retry       RetryController
	memory      MemoryWriter
	bus         EventBus
	checkpoints CheckpointStore
	logger      *logging.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	stages      map[Stage]stageFunc
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig, deps Deps) (*Runner, error) {
	if deps.Plugins == nil {
		return nil, errors.New("plugin registry is required")
	}
	cfg = cfg.withDefaults()

	r := &Runner{
		cfg: cfg,
		gate: NewPolicyGate(deps.Policy,
			WithFailClosed(deps.FailClosed),
			WithPolicyVersion(orDefault(deps.PolicyVersion, DefaultPolicyVersion)),
		),
		context:   deps.Context,
		planner:   deps.Planner,
		reflector: deps.Reflector,
		dispatcher: NewDispatcher(deps.Plugins,
			WithFallbackPlugin(deps.FallbackPlugin),
			WithChannelPlugins(deps.ChannelPlugins),
			WithLedger(deps.Ledger),
		),
		memory:      deps.Memory,
		bus:         deps.Bus,
		checkpoints: deps.Checkpoints,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		tracer:      otel.Tracer(instrumentationName),
	}
	if r.planner == nil {
		r.planner = DefaultPlanner{}
	}
	if r.reflector == nil {
		r.reflector = DefaultReflector{}
	}
	if r.logger == nil {
		r.logger = logging.NewNop()
	}
	if r.metrics == nil {
		r.metrics = NewMetrics()
	}
	if deps.Tracer != nil {
		r.tracer = deps.Tracer
	}

	r.stages = map[Stage]stageFunc{
		StagePolicy:   r.policyStage,
		StageContext:  r.contextStage,
		StagePlan:     r.planStage,
		StageReflect:  r.reflectStage,
		StageDispatch: r.dispatchStage,
		StageReview:   r.reviewStage,
		StageRetry:    r.retryStage,
		StageMemory:   r.memoryStage,
	}
	return r, nil
}

// Config returns the effective configuration.
func (r *Runner) Config() RunnerConfig { return r.cfg }

// Run executes env to a terminal status. env.Task must already be
// normalized. The returned error is non-nil only when the run was cancelled
// or hit an InternalFault; BLOCKED and COMPLETE runs return a nil error and
// report details through the State. A cancelled run ends FAILED.
func (r *Runner) Run(ctx context.Context, env Envelope) (*State, error) {
	return r.run(ctx, env, false)
}

// run drives the stage loop. When resumable is set, cancellation leaves the
// run non-terminal and marked Interrupted so a redelivered envelope can
// execute it again; the dispatch ledger replays deliveries already made.
func (r *Runner) run(ctx context.Context, env Envelope, resumable bool) (*State, error) {
	st := NewState(env.RunID, env.Task, r.cfg.MaxRetries, env.Hints)

	ctx = logging.WithRunID(ctx, st.RunID)
	ctx, span := r.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run.id", st.RunID),
		attribute.String("task.channel", st.Task.Channel),
	))
	defer span.End()

	r.logger.Info(ctx, "run started",
		zap.String("intent", st.Task.Intent),
		zap.Int("max_retries", st.MaxRetries),
	)

	var runErr error
	next := StagePolicy
	for next != stageDone {
		if err := ctx.Err(); err != nil {
			runErr = err
			if resumable {
				st.Interrupted = true
				st.Error = "run interrupted: " + err.Error()
				break
			}
			st.Status = StatusFailed
			st.Error = "run cancelled: " + err.Error()
			break
		}
		if st.Status.Terminal() {
			break
		}

		st.Stage = next
		var fault *InternalFault
		next, fault = r.step(ctx, next, st)
		if fault != nil {
			st.Status = StatusFailed
			st.Error = fault.Error()
			runErr = fault
			r.logger.Error(ctx, "stage panicked", zap.String("stage", string(fault.Stage)), zap.String("cause", fault.Cause))
			break
		}
		r.snapshot(ctx, st)
	}

	r.finalize(ctx, st)

	span.SetAttributes(
		attribute.String("run.status", string(st.Status)),
		attribute.Int("run.retries", st.RetryCount),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	return st, runErr
}

// step runs one stage with panic recovery, tracing and timing.
func (r *Runner) step(ctx context.Context, stage Stage, st *State) (next Stage, fault *InternalFault) {
	fn, ok := r.stages[stage]
	if !ok {
		return stageDone, &InternalFault{Stage: stage, Cause: "unknown stage"}
	}

	ctx = logging.WithStage(ctx, string(stage), st.RetryCount)
	ctx, span := r.tracer.Start(ctx, "orchestrator.stage."+string(stage), trace.WithAttributes(
		attribute.Int("run.attempt", st.RetryCount),
	))
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			fault = &InternalFault{Stage: stage, Cause: fmt.Sprint(p), Stack: string(debug.Stack())}
			next = stageDone
			span.RecordError(fault)
			span.SetStatus(codes.Error, fault.Cause)
		}
		r.metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
		span.End()
	}()

	next = fn(ctx, st)
	if isAttemptStage(stage) {
		st.CompletedStages = append(st.CompletedStages, stage)
	}
	r.logger.Debug(ctx, "stage completed", zap.String("next", string(next)))
	return next, nil
}

func isAttemptStage(s Stage) bool {
	for _, a := range AttemptStages() {
		if a == s {
			return true
		}
	}
	return false
}

// finalize settles the terminal status and publishes the last snapshot.
func (r *Runner) finalize(ctx context.Context, st *State) {
	if st.Interrupted {
		st.Record("workflow.interrupted", st.Error, nil)
		r.metrics.RunsTotal.WithLabelValues("interrupted").Inc()
		r.snapshot(context.WithoutCancel(ctx), st)
		r.logger.Info(ctx, "run interrupted", zap.String("stage", string(st.Stage)), zap.Int("retry_count", st.RetryCount))
		return
	}
	if !st.Status.Terminal() {
		st.Status = StatusCompleted
	}
	st.Stage = StageFinalize
	st.Record("workflow.completed", "run finished with status "+string(st.Status), map[string]string{
		"outcome": st.Outcome,
	})
	r.metrics.RunsTotal.WithLabelValues(string(st.Status)).Inc()

	// The last snapshot must go out even when the caller has cancelled.
	r.snapshot(context.WithoutCancel(ctx), st)

	r.logger.Info(ctx, "run finished",
		zap.String("status", string(st.Status)),
		zap.String("outcome", st.Outcome),
		zap.Int("retry_count", st.RetryCount),
	)
}

// snapshot checkpoints st and publishes it on the status channel. Failures
// are logged and never affect the run.
func (r *Runner) snapshot(ctx context.Context, st *State) {
	st.UpdatedAt = time.Now().UTC()

	if r.checkpoints != nil {
		_, err := invoke(ctx, r.cfg.StageTimeout, "checkpoint_store", "save", func(c context.Context) (struct{}, error) {
			return struct{}{}, r.checkpoints.Save(c, st.RunID, st)
		})
		if err != nil {
			r.logger.Warn(ctx, "checkpoint save failed", zap.Error(err))
		}
	}

	if r.bus != nil {
		data, err := EncodeStatus(st)
		if err != nil {
			r.logger.Warn(ctx, "encode status failed", zap.Error(err))
			return
		}
		channel := StatusChannel(r.cfg.StatusPrefix, st.RunID)
		_, err = invoke(ctx, r.cfg.StageTimeout, "event_bus", "publish", func(c context.Context) (struct{}, error) {
			return struct{}{}, r.bus.Publish(c, channel, data)
		})
		if err != nil {
			r.logger.Warn(ctx, "status publish failed", zap.String("channel", channel), zap.Error(err))
		}
	}
}

// invoke calls a collaborator with a bounded timeout. The call is detached
// from caller cancellation so an in-flight call finishes; cancellation is
// observed at the next stage boundary instead. A collaborator that ignores
// its context is abandoned once the timeout fires.
func invoke[T any](ctx context.Context, timeout time.Duration, collaborator, op string, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: &CollaboratorError{
					Collaborator: collaborator,
					Op:           op,
					Err:          fmt.Errorf("panic: %v", p),
				}}
			}
		}()
		v, err := fn(cctx)
		done <- result{val: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			var ce *CollaboratorError
			if !errors.As(res.err, &ce) {
				res.err = Unavailable(collaborator, op, res.err)
			}
		}
		return res.val, res.err
	case <-cctx.Done():
		var zero T
		return zero, Unavailable(collaborator, op, fmt.Errorf("timed out after %s: %w", timeout, cctx.Err()))
	}
}
