package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Plan actions produced by the default planner.
const (
	ActionAnalyseIntent  = "analyse_intent"
	ActionInspectContext = "inspect_context"
	ActionPrepareTool    = "prepare_tool_invocation"
	ActionDeliver        = "deliver"
)

// Workflows chosen by SelectWorkflow.
const (
	WorkflowBroadcast = "broadcast"
	WorkflowGeneric   = "generic-task"
)

// SelectWorkflow picks the workflow for a task: a pinned metadata value,
// broadcast for tasks with an audience, otherwise the generic workflow.
func SelectWorkflow(task Task) string {
	if wf := task.Metadata["workflow"]; wf != "" {
		return wf
	}
	if task.HasAudience() {
		return WorkflowBroadcast
	}
	return WorkflowGeneric
}

// DefaultPlanner builds a deterministic plan with one deliver step per
// remaining target. An untargeted task gets a single deliver step until a
// previous attempt has delivered it.
type DefaultPlanner struct{}

// Plan implements Planner.
func (DefaultPlanner) Plan(_ context.Context, task Task, snippets []Snippet, routing RoutingContext) ([]ActionStep, error) {
	steps := []ActionStep{{
		Action: ActionAnalyseIntent,
		Params: map[string]string{"intent": task.Intent},
	}}
	if len(snippets) > 0 {
		steps = append(steps, ActionStep{
			Action: ActionInspectContext,
			Params: map[string]string{"snippets": strconv.Itoa(len(snippets))},
		})
	}
	steps = append(steps, ActionStep{
		Action: ActionPrepareTool,
		Params: map[string]string{"channel": task.Channel},
	})

	if len(task.Targets()) == 0 {
		if routing.Delivered {
			return steps, nil
		}
		return append(steps, ActionStep{
			Action: ActionDeliver,
			Params: map[string]string{"channel": task.Channel},
		}), nil
	}

	done := toSet(routing.SucceededRecipients)
	for _, target := range task.Targets() {
		if done[target] {
			continue
		}
		steps = append(steps, ActionStep{
			Action: ActionDeliver,
			Target: target,
			Params: map[string]string{"channel": task.Channel},
		})
	}
	return steps, nil
}

// DeliverTargets extracts the targets of the deliver steps of a plan. The
// second result is false when the plan has no deliver step at all.
func DeliverTargets(plan []ActionStep) ([]string, bool) {
	var targets []string
	found := false
	for _, step := range plan {
		if step.Action != ActionDeliver {
			continue
		}
		found = true
		if step.Target != "" {
			targets = append(targets, step.Target)
		}
	}
	return targets, found
}

// DefaultReflector summarizes the run deterministically.
type DefaultReflector struct{}

// Reflect implements Reflector.
func (DefaultReflector) Reflect(_ context.Context, st *State) (string, error) {
	return Summarize(st), nil
}

// Summarize renders the rationale line recorded by the reflect stage.
func Summarize(st *State) string {
	parts := []string{
		"Intent: " + st.Task.Intent,
		"Workflow: " + st.SelectedWorkflow,
		fmt.Sprintf("Plan steps: %d", len(st.PlannedActions)),
		fmt.Sprintf("Context snippets: %d", len(st.RetrievedContext)),
	}
	if st.ContextValidation != nil {
		verdict := "insufficient"
		if st.ContextValidation.Sufficient {
			verdict = "sufficient"
		}
		parts = append(parts, "Validation: "+verdict)
	}
	if d := st.PolicyDecision; d != nil {
		policy := "allowed"
		if !d.Allowed {
			policy = "blocked"
		} else if d.RequiresHuman {
			policy = "allowed, human review required"
		}
		parts = append(parts, "Policy: "+policy)
	}

	var risks []string
	if st.ContextValidation != nil && !st.ContextValidation.Sufficient {
		risks = append(risks, "thin context")
	}
	if st.PolicyDecision != nil && st.PolicyDecision.RequiresHuman {
		risks = append(risks, "awaiting approval")
	}
	if len(st.RoutingContext.FailedRecipients) > 0 {
		risks = append(risks, "previous failures for "+strings.Join(st.RoutingContext.FailedRecipients, ","))
	}
	if len(risks) > 0 {
		parts = append(parts, "Risks: "+strings.Join(risks, "; "))
	}
	return strings.Join(parts, " | ")
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
