package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/telemetry"
)

// failFor fails the listed targets on every attempt below untilAttempt.
func failFor(name string, untilAttempt int, failing ...string) *funcPlugin {
	bad := toSet(failing)
	return &funcPlugin{name: name, fn: func(_ context.Context, req DispatchRequest) (*PluginResult, error) {
		res := &PluginResult{PluginName: name}
		for _, target := range req.Targets {
			if req.Attempt < untilAttempt && bad[target] {
				res.Failed = append(res.Failed, target)
				continue
			}
			res.Succeeded = append(res.Succeeded, target)
			res.DispatchedCount++
		}
		return res, nil
	}}
}

func newTestRunner(t *testing.T, cfg RunnerConfig, deps Deps) *Runner {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	r, err := NewRunner(cfg, deps)
	require.NoError(t, err)
	return r
}

func runTask(t *testing.T, r *Runner, runID string, task Task) *State {
	t.Helper()
	normalized, err := NormalizeTask(task)
	require.NoError(t, err)
	st, err := r.Run(context.Background(), Envelope{RunID: runID, Task: normalized})
	require.NoError(t, err)
	require.True(t, st.Status.Terminal())
	return st
}

func notesContain(st *State, substr string) bool {
	for _, n := range st.WorkingNotes {
		if strings.Contains(n, substr) {
			return true
		}
	}
	return false
}

func TestNewRunner_RequiresPlugins(t *testing.T) {
	_, err := NewRunner(DefaultRunnerConfig(), Deps{})
	assert.Error(t, err)
}

func TestRunnerConfig_Defaults(t *testing.T) {
	cfg := RunnerConfig{MaxRetries: -2}.withDefaults()
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, DefaultStageTimeout, cfg.StageTimeout)
	assert.Equal(t, DefaultContextLimit, cfg.ContextLimit)
	assert.Equal(t, DefaultStatusPrefix, cfg.StatusPrefix)
	assert.Equal(t, DefaultMaxRetries, DefaultRunnerConfig().MaxRetries)
}

func TestRunner_CleanRun(t *testing.T) {
	plugin := deliverAll(DefaultPluginName)
	bus := &recordingBus{}
	checkpoints := newMemCheckpoints()
	memory := &recordingMemory{}
	r := newTestRunner(t, RunnerConfig{MaxRetries: 1}, Deps{
		Plugins:     registryOf(plugin),
		Context:     &stubContext{snippets: []Snippet{{Text: "prior", Score: 0.9}}},
		Bus:         bus,
		Checkpoints: checkpoints,
		Memory:      memory,
	})

	st := runTask(t, r, "run-clean", Task{Intent: "share notes", Audience: Audience{Recipients: []string{"a", "b"}}})

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, "succeeded", st.Outcome)
	assert.Equal(t, DecisionComplete, st.Decision)
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, WorkflowBroadcast, st.SelectedWorkflow)
	assert.Equal(t, DefaultPluginName, st.SelectedPlugin)
	assert.True(t, st.ReviewFeedback.Approved)
	assert.Equal(t, AttemptStages(), st.CompletedStages)
	assert.NotEmpty(t, st.Reflection)
	assert.True(t, notesContain(st, "[Reflection]"))
	assert.NoError(t, st.Err())

	require.Len(t, plugin.calls(), 1)
	assert.Equal(t, []string{"a", "b"}, plugin.calls()[0].Targets)
	assert.Equal(t, "[demo] share notes", plugin.calls()[0].Payload)

	statuses := bus.statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, StatusCompleted, statuses[len(statuses)-1])
	for _, s := range statuses[:len(statuses)-1] {
		assert.Equal(t, StatusRunning, s)
	}

	saved, err := checkpoints.Load(context.Background(), "run-clean")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, saved.Status)
	assert.Equal(t, StageFinalize, saved.Stage)

	require.Len(t, memory.calls, 1)
	assert.Equal(t, "run-clean", memory.calls[0].annotations["run_id"])
	assert.Equal(t, "1", memory.calls[0].annotations["attempts"])
	assert.Equal(t, st.Reflection, memory.calls[0].summary)

	last := st.Events[len(st.Events)-1]
	assert.Equal(t, "workflow.completed", last.Type)
}

// A partial plugin failure is retried once, addressing only the failed target.
func TestRunner_PartialFailureRetriesFailedTargetOnly(t *testing.T) {
	plugin := failFor(DefaultPluginName, 1, "b")
	r := newTestRunner(t, RunnerConfig{MaxRetries: 2}, Deps{Plugins: registryOf(plugin)})

	st := runTask(t, r, "run-a", Task{Intent: "notify", Audience: Audience{Recipients: []string{"a", "b"}}})

	calls := plugin.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"a", "b"}, calls[0].Targets)
	assert.Equal(t, []string{"b"}, calls[1].Targets)
	assert.Equal(t, 1, calls[1].Attempt)
	assert.NotEqual(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, "succeeded", st.Outcome)
	assert.Equal(t, 1, st.RetryCount)
	assert.Equal(t, []string{"a", "b"}, st.RoutingContext.SucceededRecipients)
	assert.True(t, notesContain(st, "[Retry 1]"))
	assert.True(t, notesContain(st, "Issues encountered: PLUGIN"))

	rc := st.RoutingContext
	assert.Equal(t, DefaultPluginName, rc.FailedPlugin, "the first attempt's failure survives the successful retry")
	assert.Equal(t, []string{"b"}, rc.FailedRecipients)
	assert.Contains(t, rc.Recommendations, "retry only the failed recipients: b")
	assert.Contains(t, rc.SuccessfulSteps, string(StagePolicy))
}

// A matching block directive stops the run before any dispatch.
func TestRunner_BlockedByPolicy(t *testing.T) {
	plugin := deliverAll(DefaultPluginName)
	memory := &recordingMemory{}
	r := newTestRunner(t, DefaultRunnerConfig(), Deps{
		Plugins: registryOf(plugin),
		Memory:  memory,
		Policy: &stubPolicy{directives: map[Scope][]Directive{
			ScopeGlobal: {{ID: "no-spam", Type: DirectiveBlock, Matcher: intentContains("spam"), Reason: "spam is not allowed"}},
		}},
	})

	st := runTask(t, r, "run-b", Task{Intent: "send spam", Audience: Audience{Recipients: []string{"a"}}})

	assert.Equal(t, StatusBlocked, st.Status)
	assert.Nil(t, st.PluginResult)
	assert.Empty(t, plugin.calls())
	assert.Empty(t, memory.calls)
	assert.Equal(t, []Stage{StagePolicy}, st.CompletedStages)
	assert.ErrorIs(t, st.Err(), ErrPolicyBlocked)
	assert.True(t, notesContain(st, "[Policy] blocked: spam is not allowed"))
}

// Zero snippets raise an actionable CONTEXT issue and the retry is told so.
func TestRunner_InsufficientContextRetries(t *testing.T) {
	ctxProvider := &stubContext{}
	plugin := deliverAll(DefaultPluginName)
	r := newTestRunner(t, RunnerConfig{MaxRetries: 1, ContextLimit: 5}, Deps{
		Plugins: registryOf(plugin),
		Context: ctxProvider,
	})

	st := runTask(t, r, "run-c", Task{Intent: "summarize"})

	assert.Equal(t, 1, st.RetryCount)
	assert.Len(t, plugin.calls(), 1, "an untargeted delivery is not repeated on retry")
	assert.True(t, st.RoutingContext.Delivered)
	assert.True(t, notesContain(st, "Context: insufficient on previous attempt"))
	assert.Equal(t, []int{5, 10}, ctxProvider.limits, "the retry widens the context query")

	require.NotNil(t, st.ReviewFeedback)
	require.NotEmpty(t, st.ReviewFeedback.Issues)
	assert.Equal(t, CategoryContext, st.ReviewFeedback.Issues[0].Category)
	assert.True(t, st.ReviewFeedback.Issues[0].Actionable)

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, "retry_exhausted", st.Outcome)
	assert.ErrorIs(t, st.Err(), ErrRetryExhausted)
}

func TestRunner_UntargetedDeliverySkippedOnRetry(t *testing.T) {
	plugin := deliverAll(DefaultPluginName)
	alwaysDeliver := plannerFunc(func(_ context.Context, task Task, _ []Snippet, _ RoutingContext) ([]ActionStep, error) {
		return []ActionStep{{Action: ActionDeliver, Params: map[string]string{"channel": task.Channel}}}, nil
	})
	r := newTestRunner(t, RunnerConfig{MaxRetries: 2}, Deps{
		Plugins: registryOf(plugin),
		Context: &stubContext{},
		Planner: alwaysDeliver,
	})

	st := runTask(t, r, "run-untargeted", Task{Intent: "announce"})

	assert.Equal(t, 2, st.RetryCount)
	assert.Len(t, plugin.calls(), 1)
	assert.True(t, notesContain(st, "[Dispatch] skipped: delivered on a previous attempt"))
	assert.Equal(t, "retry_exhausted", st.Outcome)
}

// With no retry budget an actionable issue completes at once.
func TestRunner_ZeroRetriesCompletesImmediately(t *testing.T) {
	plugin := failFor(DefaultPluginName, 99, "b")
	memory := &recordingMemory{}
	r := newTestRunner(t, RunnerConfig{MaxRetries: 0}, Deps{Plugins: registryOf(plugin), Memory: memory})

	st := runTask(t, r, "run-d", Task{Intent: "notify", Audience: Audience{Recipients: []string{"a", "b"}}})

	assert.Len(t, plugin.calls(), 1)
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, DecisionComplete, st.Decision)
	assert.Equal(t, "retry_exhausted", st.Outcome)
	require.NotNil(t, st.ReviewFeedback)
	assert.NotEmpty(t, st.ReviewFeedback.Issues)
	assert.Len(t, memory.calls, 1, "exhausted completions are still remembered")
}

func TestRunner_RetriesAreBounded(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 3} {
		plugin := failFor(DefaultPluginName, 99, "b")
		r := newTestRunner(t, RunnerConfig{MaxRetries: maxRetries}, Deps{Plugins: registryOf(plugin)})

		st := runTask(t, r, "run-bound", Task{Intent: "notify", Audience: Audience{Recipients: []string{"a", "b"}}})

		assert.Equal(t, maxRetries, st.RetryCount)
		assert.Len(t, plugin.calls(), maxRetries+1)
		assert.Equal(t, "retry_exhausted", st.Outcome)
		for _, call := range plugin.calls()[1:] {
			assert.Equal(t, []string{"b"}, call.Targets, "delivered targets are never re-sent")
		}
	}
}

func TestRunner_EscalationSkipsMemory(t *testing.T) {
	memory := &recordingMemory{}
	r := newTestRunner(t, RunnerConfig{MaxRetries: 3}, Deps{
		Plugins: registryOf(deliverAll(DefaultPluginName)),
		Memory:  memory,
	})

	st := runTask(t, r, "run-esc", Task{Intent: "escalate billing dispute"})

	assert.Equal(t, StatusCompleted, st.Status)
	assert.True(t, st.Escalated)
	assert.Equal(t, "escalated", st.Outcome)
	assert.Equal(t, 0, st.RetryCount)
	assert.Empty(t, memory.calls)
	assert.True(t, st.RoutingContext.RequiresHuman)
}

func TestRunner_PolicyStoreUnavailable(t *testing.T) {
	t.Run("fail open", func(t *testing.T) {
		logger := logging.NewTestLogger()
		r := newTestRunner(t, DefaultRunnerConfig(), Deps{
			Plugins: registryOf(deliverAll(DefaultPluginName)),
			Policy:  &stubPolicy{err: errors.New("connection refused")},
			Logger:  logger.Logger,
		})
		st := runTask(t, r, "run-open", Task{Intent: "hello"})

		assert.Equal(t, StatusCompleted, st.Status)
		assert.Contains(t, st.PolicyDecision.Tags, "policy:fail-open")
		assert.True(t, notesContain(st, "failing open"))
		logger.AssertLogged(t, zapcore.WarnLevel, "policy store unavailable; failing open")
	})

	t.Run("fail closed", func(t *testing.T) {
		plugin := deliverAll(DefaultPluginName)
		r := newTestRunner(t, DefaultRunnerConfig(), Deps{
			Plugins:    registryOf(plugin),
			Policy:     &stubPolicy{err: errors.New("connection refused")},
			FailClosed: true,
		})
		st := runTask(t, r, "run-closed", Task{Intent: "hello"})

		assert.Equal(t, StatusBlocked, st.Status)
		assert.Empty(t, plugin.calls())
	})
}

func TestRunner_PluginTimeoutIsRetried(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	name := DefaultPluginName
	plugin := &funcPlugin{name: name, fn: func(_ context.Context, req DispatchRequest) (*PluginResult, error) {
		if req.Attempt == 0 {
			<-release
			return nil, errors.New("too late")
		}
		return &PluginResult{PluginName: name, DispatchedCount: 1}, nil
	}}
	logger := logging.NewTestLogger()
	r := newTestRunner(t, RunnerConfig{MaxRetries: 1, StageTimeout: 50 * time.Millisecond}, Deps{
		Plugins: registryOf(plugin),
		Logger:  logger.Logger,
	})

	st := runTask(t, r, "run-timeout", Task{Intent: "ping"})

	assert.Equal(t, 1, st.RetryCount)
	assert.Equal(t, "succeeded", st.Outcome)
	assert.Len(t, plugin.calls(), 2)
	assert.True(t, notesContain(st, "Issues encountered: EXECUTION"))
	logger.AssertLogged(t, zapcore.WarnLevel, "collaborator call failed")
}

func TestRunner_UnknownPluginEscalates(t *testing.T) {
	logger := logging.NewTestLogger()
	r := newTestRunner(t, RunnerConfig{MaxRetries: 2}, Deps{
		Plugins: registryOf(deliverAll(DefaultPluginName)),
		Logger:  logger.Logger,
	})

	st := runTask(t, r, "run-ghost", Task{Intent: "x", Metadata: map[string]string{"plugin": "ghost"}})

	assert.Equal(t, "ghost", st.SelectedPlugin)
	assert.Nil(t, st.PluginResult)
	assert.True(t, st.Escalated)
	assert.Equal(t, 0, st.RetryCount)
	require.Len(t, st.Faults, 1)
	assert.True(t, st.Faults[0].Terminal)
	logger.AssertLogged(t, zapcore.ErrorLevel, "plugin not registered")
}

func TestRunner_PluginPanicIsContained(t *testing.T) {
	plugin := &funcPlugin{name: DefaultPluginName, fn: func(context.Context, DispatchRequest) (*PluginResult, error) {
		panic("nil map")
	}}
	r := newTestRunner(t, RunnerConfig{MaxRetries: 2}, Deps{Plugins: registryOf(plugin)})

	st := runTask(t, r, "run-plugin-panic", Task{Intent: "x"})

	assert.Equal(t, StatusCompleted, st.Status)
	assert.True(t, st.Escalated)
	require.Len(t, st.Faults, 1)
	assert.Contains(t, st.Faults[0].Message, "panic: nil map")
	assert.False(t, st.Faults[0].Transient)
}

func TestRunner_StagePanicIsInternalFault(t *testing.T) {
	bus := &recordingBus{}
	r := newTestRunner(t, DefaultRunnerConfig(), Deps{Plugins: registryOf(deliverAll(DefaultPluginName)), Bus: bus})
	r.stages[StagePlan] = func(context.Context, *State) Stage { panic("boom") }

	task, err := NormalizeTask(Task{Intent: "x"})
	require.NoError(t, err)
	st, err := r.Run(context.Background(), Envelope{RunID: "run-panic", Task: task})

	var fault *InternalFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, StagePlan, fault.Stage)
	assert.Equal(t, "boom", fault.Cause)
	assert.NotEmpty(t, fault.Stack)

	assert.Equal(t, StatusFailed, st.Status)
	assert.Contains(t, st.Error, "boom")
	statuses := bus.statuses()
	assert.Equal(t, StatusFailed, statuses[len(statuses)-1])
}

func TestRunner_CancelledBeforeStart(t *testing.T) {
	bus := &recordingBus{}
	plugin := deliverAll(DefaultPluginName)
	r := newTestRunner(t, DefaultRunnerConfig(), Deps{Plugins: registryOf(plugin), Bus: bus})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := r.Run(ctx, Envelope{RunID: "run-cancel", Task: Task{Intent: "x", Channel: "demo"}})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Contains(t, st.Error, "cancelled")
	assert.Empty(t, plugin.calls())
	assert.Equal(t, []Status{StatusFailed}, bus.statuses(), "the final snapshot is published despite cancellation")
}

func TestRunner_CancelDuringDispatchFinishesCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	name := DefaultPluginName
	plugin := &funcPlugin{name: name, fn: func(c context.Context, _ DispatchRequest) (*PluginResult, error) {
		cancel()
		if c.Err() != nil {
			return nil, c.Err()
		}
		return &PluginResult{PluginName: name, DispatchedCount: 1}, nil
	}}
	r := newTestRunner(t, DefaultRunnerConfig(), Deps{Plugins: registryOf(plugin)})

	st, err := r.Run(ctx, Envelope{RunID: "run-mid-cancel", Task: Task{Intent: "x", Channel: "demo"}})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, st.Status)
	require.NotNil(t, st.PluginResult, "the in-flight dispatch completes")
	assert.Equal(t, 1, st.PluginResult.DispatchedCount)
	assert.Nil(t, st.ReviewFeedback)
}

func TestRunner_LedgerReplaysDispatch(t *testing.T) {
	plugin := deliverAll(DefaultPluginName)
	ledger := newMemLedger()
	require.NoError(t, ledger.Record(context.Background(), IdempotencyKey("run-replay", 0, DefaultPluginName),
		&PluginResult{PluginName: DefaultPluginName, DispatchedCount: 1, Succeeded: []string{"a"}}))

	r := newTestRunner(t, DefaultRunnerConfig(), Deps{Plugins: registryOf(plugin), Ledger: ledger})
	st := runTask(t, r, "run-replay", Task{Intent: "x", Audience: Audience{Recipients: []string{"a"}}})

	assert.Empty(t, plugin.calls())
	assert.Equal(t, "succeeded", st.Outcome)
	assert.True(t, notesContain(st, "[Dispatch] replayed"))
}

func TestRunner_ReflectorFailureFallsBack(t *testing.T) {
	r := newTestRunner(t, DefaultRunnerConfig(), Deps{
		Plugins:   registryOf(deliverAll(DefaultPluginName)),
		Reflector: reflectorFunc(func(context.Context, *State) (string, error) { return "", errors.New("model offline") }),
	})
	st := runTask(t, r, "run-reflect", Task{Intent: "x"})

	assert.Equal(t, "succeeded", st.Outcome)
	assert.Contains(t, st.Reflection, "Intent: x")
	assert.Empty(t, st.Faults)
}

func TestRunner_ReflectorCannotMutateState(t *testing.T) {
	r := newTestRunner(t, DefaultRunnerConfig(), Deps{
		Plugins: registryOf(deliverAll(DefaultPluginName)),
		Reflector: reflectorFunc(func(_ context.Context, st *State) (string, error) {
			st.PlannedActions = nil
			st.Task.Intent = "hijacked"
			return "ok", nil
		}),
	})
	st := runTask(t, r, "run-reflect-mut", Task{Intent: "x"})

	assert.Equal(t, "x", st.Task.Intent)
	assert.NotEmpty(t, st.PlannedActions)
	assert.Equal(t, "ok", st.Reflection)
}

func TestRunner_PlannerFailure(t *testing.T) {
	plugin := deliverAll(DefaultPluginName)
	r := newTestRunner(t, RunnerConfig{MaxRetries: 2}, Deps{
		Plugins: registryOf(plugin),
		Planner: plannerFunc(func(context.Context, Task, []Snippet, RoutingContext) ([]ActionStep, error) {
			return nil, errors.New("bad prompt")
		}),
	})
	st := runTask(t, r, "run-plan", Task{Intent: "x"})

	assert.Empty(t, plugin.calls())
	assert.True(t, st.Escalated)
	assert.True(t, notesContain(st, "plan has no deliver step"))
}

func TestRunner_MemoryFailureIsAdvisory(t *testing.T) {
	r := newTestRunner(t, DefaultRunnerConfig(), Deps{
		Plugins: registryOf(deliverAll(DefaultPluginName)),
		Memory:  &recordingMemory{err: errors.New("disk full")},
	})
	st := runTask(t, r, "run-mem", Task{Intent: "x"})

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, "succeeded", st.Outcome)
	assert.True(t, notesContain(st, "[Memory] persist failed"))
}

func TestRunner_Tracing(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	r := newTestRunner(t, DefaultRunnerConfig(), Deps{
		Plugins: registryOf(deliverAll(DefaultPluginName)),
		Tracer:  tel.Tracer("test"),
	})
	runTask(t, r, "run-trace", Task{Intent: "x"})

	tel.AssertSpanExists(t, "orchestrator.run")
	tel.AssertSpanExists(t, "orchestrator.stage.dispatch")
	tel.AssertSpanAttribute(t, "orchestrator.run", "run.status", "completed")
	tel.AssertSpanAttribute(t, "orchestrator.run", "run.id", "run-trace")
}

type reflectorFunc func(ctx context.Context, st *State) (string, error)

func (f reflectorFunc) Reflect(ctx context.Context, st *State) (string, error) { return f(ctx, st) }

type plannerFunc func(ctx context.Context, task Task, snippets []Snippet, routing RoutingContext) ([]ActionStep, error)

func (f plannerFunc) Plan(ctx context.Context, task Task, snippets []Snippet, routing RoutingContext) ([]ActionStep, error) {
	return f(ctx, task, snippets, routing)
}
