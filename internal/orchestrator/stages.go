package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

func (r *Runner) policyStage(ctx context.Context, st *State) Stage {
	st.SelectedWorkflow = SelectWorkflow(st.Task)

	decision, err := invoke(ctx, r.cfg.StageTimeout, "policy_store", "directives", func(c context.Context) (PolicyDecision, error) {
		return r.gate.Evaluate(c, st.Task)
	})
	if err != nil {
		decision = r.gate.Fallback(st.Task)
		mode := "failing open"
		if r.gate.FailClosed() {
			mode = "failing closed"
		}
		r.logger.Warn(ctx, "policy store unavailable; "+mode, zap.Error(err))
		st.Note("[Policy] store unavailable, " + mode + ": " + err.Error())
	}
	st.PolicyDecision = &decision
	st.Record("policy.review", decision.Reason, map[string]string{
		"allowed":        strconv.FormatBool(decision.Allowed),
		"requires_human": strconv.FormatBool(decision.RequiresHuman),
		"matched":        strings.Join(decision.Matched, ","),
	})

	if !decision.Allowed {
		st.Status = StatusBlocked
		st.Outcome = "blocked"
		st.Note("[Policy] blocked: " + decision.Reason)
		r.logger.Info(ctx, "run blocked by policy", zap.String("reason", decision.Reason))
		return stageDone
	}
	return StageContext
}

func (r *Runner) contextStage(ctx context.Context, st *State) Stage {
	if r.context == nil {
		st.ContextValidation = &ContextValidation{Sufficient: true, Reason: "context retrieval disabled"}
		return StagePlan
	}

	limit := r.cfg.ContextLimit
	if st.RoutingContext.InsufficientContext {
		limit *= 2
	}

	snippets, err := invoke(ctx, r.cfg.StageTimeout, "context_provider", "fetch", func(c context.Context) ([]Snippet, error) {
		return r.context.Fetch(c, st.Task, limit)
	})
	if err != nil {
		r.addFault(ctx, st, "context_provider", err)
	}
	st.RetrievedContext = snippets

	validation, err := invoke(ctx, r.cfg.StageTimeout, "context_provider", "validate", func(c context.Context) (ContextValidation, error) {
		return r.context.Validate(c, snippets)
	})
	if err != nil {
		r.addFault(ctx, st, "context_provider", err)
		validation = ContextValidation{Sufficient: false, Reason: "validation unavailable"}
	}
	st.ContextValidation = &validation

	st.Record("context.fetched", fmt.Sprintf("retrieved %d snippets", len(snippets)), map[string]string{
		"limit":      strconv.Itoa(limit),
		"sufficient": strconv.FormatBool(validation.Sufficient),
	})
	return StagePlan
}

func (r *Runner) planStage(ctx context.Context, st *State) Stage {
	plan, err := invoke(ctx, r.cfg.StageTimeout, "planner", "plan", func(c context.Context) ([]ActionStep, error) {
		return r.planner.Plan(c, st.Task, st.RetrievedContext, st.RoutingContext)
	})
	if err != nil {
		r.addFault(ctx, st, "planner", err)
		plan = nil
	}
	st.PlannedActions = plan
	st.Record("planner.plan_created", fmt.Sprintf("planned %d steps", len(plan)), nil)
	return StageReflect
}

func (r *Runner) reflectStage(ctx context.Context, st *State) Stage {
	view, err := st.Clone()
	if err != nil {
		r.logger.Warn(ctx, "reflection skipped", zap.Error(err))
		return StageDispatch
	}
	summary, err := invoke(ctx, r.cfg.StageTimeout, "reflector", "reflect", func(c context.Context) (string, error) {
		return r.reflector.Reflect(c, view)
	})
	if err != nil || summary == "" {
		// Reflection is advisory.
		r.logger.Warn(ctx, "reflection unavailable", zap.Error(err))
		summary = Summarize(st)
	}
	st.Reflection = summary
	st.Note("[Reflection] " + summary)
	st.Record("agent.reflect", summary, nil)
	return StageDispatch
}

func (r *Runner) dispatchStage(ctx context.Context, st *State) Stage {
	targets, ok := DeliverTargets(st.PlannedActions)
	if !ok {
		st.Note("[Dispatch] skipped: plan has no deliver step")
		return StageReview
	}
	if len(targets) == 0 && st.RoutingContext.Delivered {
		st.Note("[Dispatch] skipped: delivered on a previous attempt")
		return StageReview
	}

	st.SelectedPlugin = r.dispatcher.Select(st.Task, st.RoutingContext)
	st.RenderedPayload = Render(st.Task)
	st.Record("plugin.selected", st.SelectedPlugin, map[string]string{
		"targets": strings.Join(targets, ","),
	})

	type outcome struct {
		result   *PluginResult
		replayed bool
	}
	plugin := st.SelectedPlugin
	req := r.dispatcher.Request(st, targets)
	out, err := invoke(ctx, r.cfg.StageTimeout, "plugin:"+plugin, "execute", func(c context.Context) (outcome, error) {
		res, replayed, err := r.dispatcher.Dispatch(c, plugin, req)
		return outcome{res, replayed}, err
	})

	var lerr *ledgerError
	switch {
	case errors.As(err, &lerr):
		r.logger.Warn(ctx, "dispatch ledger write failed", zap.Error(err))
	case errors.Is(err, ErrPluginNotFound):
		st.Faults = append(st.Faults, Fault{
			Stage:        StageDispatch,
			Collaborator: "plugin_registry",
			Message:      err.Error(),
			Terminal:     true,
		})
		r.metrics.DispatchTotal.WithLabelValues(st.SelectedPlugin, "error").Inc()
		r.logger.Error(ctx, "plugin not registered", zap.String("plugin", st.SelectedPlugin))
		return StageReview
	case err != nil:
		r.addFault(ctx, st, "plugin:"+st.SelectedPlugin, err)
		r.metrics.DispatchTotal.WithLabelValues(st.SelectedPlugin, "error").Inc()
		return StageReview
	}

	st.PluginResult = out.result
	st.ValidationErrors = validationErrors(out.result)

	label := "ok"
	switch {
	case out.replayed:
		label = "replayed"
		st.Note("[Dispatch] replayed recorded result for " + st.SelectedPlugin)
	case len(out.result.Failed) > 0:
		label = "partial"
	}
	r.metrics.DispatchTotal.WithLabelValues(st.SelectedPlugin, label).Inc()
	st.Record("plugin.dispatched", fmt.Sprintf("%s dispatched %d", out.result.PluginName, out.result.DispatchedCount), map[string]string{
		"failed":   strings.Join(out.result.Failed, ","),
		"replayed": strconv.FormatBool(out.replayed),
	})
	return StageReview
}

func (r *Runner) reviewStage(ctx context.Context, st *State) Stage {
	fb := r.sentinel.Review(st)
	st.ReviewFeedback = &fb
	for _, issue := range fb.Issues {
		r.metrics.IssuesTotal.WithLabelValues(string(issue.Category), string(issue.Severity)).Inc()
	}
	st.Record("agent.review", fmt.Sprintf("%d issues", len(fb.Issues)), map[string]string{
		"approved":   strconv.FormatBool(fb.Approved),
		"categories": strings.Join(fb.Categories(), ","),
	})
	if len(fb.Issues) > 0 {
		r.logger.Info(ctx, "review found issues", zap.Strings("categories", fb.Categories()))
	}
	return StageRetry
}

func (r *Runner) retryStage(ctx context.Context, st *State) Stage {
	fb := *st.ReviewFeedback
	v := r.retry.Decide(fb, st.RetryCount, st.MaxRetries)
	st.Record("review.decision", v.Reason, map[string]string{
		"decision":  string(v.Decision),
		"escalated": strconv.FormatBool(v.Escalated),
	})

	if v.Decision == DecisionRetry {
		r.retry.Rewind(st, fb)
		r.metrics.RetriesTotal.Inc()
		r.logger.Info(ctx, "retrying run", zap.Int("retry_count", st.RetryCount), zap.String("reason", v.Reason))
		return StagePolicy
	}

	st.Decision = DecisionComplete
	st.Escalated = v.Escalated
	st.RoutingContext = fb.RoutingContext
	switch {
	case v.Escalated:
		st.Outcome = "escalated"
		st.Note("[Review] escalated: " + v.Reason)
		return stageDone
	case v.Exhausted:
		st.Outcome = "retry_exhausted"
		st.Note("[Review] " + v.Reason)
	default:
		st.Outcome = "succeeded"
	}
	return StageMemory
}

func (r *Runner) memoryStage(ctx context.Context, st *State) Stage {
	if r.memory == nil {
		return stageDone
	}
	summary := st.Reflection
	if summary == "" {
		summary = "Request " + st.Task.Intent + " completed"
	}
	annotations := map[string]string{
		"run_id":   st.RunID,
		"intent":   st.Task.Intent,
		"workflow": st.SelectedWorkflow,
		"plugin":   st.SelectedPlugin,
		"outcome":  st.Outcome,
		"attempts": strconv.Itoa(st.RetryCount + 1),
	}
	if st.PluginResult != nil {
		annotations["dispatch_count"] = strconv.Itoa(st.PluginResult.DispatchedCount)
	}

	_, err := invoke(ctx, r.cfg.StageTimeout, "memory_writer", "persist", func(c context.Context) (struct{}, error) {
		return struct{}{}, r.memory.Persist(c, summary, annotations)
	})
	if err != nil {
		r.logger.Warn(ctx, "memory persist failed", zap.Error(err))
		st.Note("[Memory] persist failed: " + err.Error())
		return stageDone
	}
	st.Record("memory.updated", "summary persisted", nil)
	return stageDone
}

// addFault captures a collaborator failure for the Review Sentinel.
func (r *Runner) addFault(ctx context.Context, st *State, collaborator string, err error) {
	transient := IsTransient(err)
	st.Faults = append(st.Faults, Fault{
		Stage:        st.Stage,
		Collaborator: collaborator,
		Message:      err.Error(),
		Transient:    transient,
	})
	r.logger.Warn(ctx, "collaborator call failed",
		zap.String("collaborator", collaborator),
		zap.Bool("transient", transient),
		zap.Error(err),
	)
}
