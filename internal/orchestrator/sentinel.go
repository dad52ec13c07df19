package orchestrator

import (
	"fmt"
	"strings"
)

// Sentinel inspects the final State of an attempt and classifies issues.
// Each rule looks at a different part of the State, so rule order does not
// change the outcome.
type Sentinel struct{}

// Review produces the feedback for one attempt. It does not modify st.
func (Sentinel) Review(st *State) ReviewFeedback {
	var (
		issues []ReviewIssue
		recs   []string
	)
	add := func(issue ReviewIssue, rec string) {
		issues = append(issues, issue)
		if rec != "" {
			recs = append(recs, rec)
		}
	}

	routing := carryRouting(st.RoutingContext)

	if r := st.PluginResult; r != nil && len(r.Failed) > 0 {
		plugin := r.PluginName
		if plugin == "" {
			plugin = st.SelectedPlugin
		}
		rec := "retry only the failed recipients: " + strings.Join(r.Failed, ", ")
		if r.DispatchedCount == 0 {
			rec = "retry with an alternate channel than " + plugin
			routing.AvoidPlugins = appendUnique(routing.AvoidPlugins, plugin)
		}
		add(ReviewIssue{
			Category:    CategoryPlugin,
			Description: fmt.Sprintf("plugin %s failed for %d of %d targets", plugin, len(r.Failed), r.DispatchedCount+len(r.Failed)),
			Severity:    SeverityHigh,
			Actionable:  true,
			Stage:       StageDispatch,
			Context: map[string]string{
				"failed_plugin":     plugin,
				"failed_recipients": strings.Join(r.Failed, ","),
			},
		}, rec)
		routing.FailedPlugin = plugin
		routing.FailedRecipients = appendUnique(routing.FailedRecipients, r.Failed...)
	}
	routing.SucceededRecipients = appendUnique(routing.SucceededRecipients, succeeded(st)...)
	if untargetedDelivery(st) {
		routing.Delivered = true
	}

	if len(st.PlannedActions) == 0 {
		add(ReviewIssue{
			Category:    CategoryPlanning,
			Description: "planner produced an empty plan",
			Severity:    SeverityMedium,
			Actionable:  true,
			Stage:       StagePlan,
		}, "regenerate the plan from the task audience")
	}

	if d := st.PolicyDecision; d != nil && d.RequiresHuman {
		add(ReviewIssue{
			Category:    CategoryPolicy,
			Description: d.Reason,
			Severity:    SeverityHigh,
			Actionable:  false,
			Stage:       StagePolicy,
			Context:     map[string]string{"matched_directives": strings.Join(d.Matched, ",")},
		}, "obtain human approval before dispatch")
		routing.RequiresHuman = true
	}

	if v := st.ContextValidation; v != nil && !v.Sufficient {
		add(ReviewIssue{
			Category:    CategoryContext,
			Description: "insufficient context: " + orDefault(v.Reason, "no relevant snippets"),
			Severity:    SeverityMedium,
			Actionable:  true,
			Stage:       StageContext,
			Context:     map[string]string{"snippets": fmt.Sprint(len(st.RetrievedContext))},
		}, "broaden the context query or proceed with reduced context")
		routing.InsufficientContext = true
	} else {
		routing.InsufficientContext = false
	}

	if len(st.Faults) > 0 {
		issue, rec := executionIssue(st.Faults)
		add(issue, rec)
	}

	if len(st.ValidationErrors) > 0 {
		add(ReviewIssue{
			Category:    CategoryValidation,
			Description: "downstream validation failed: " + strings.Join(st.ValidationErrors, "; "),
			Severity:    SeverityMedium,
			Actionable:  true,
			Stage:       StageDispatch,
		}, "correct the payload fields rejected by "+orDefault(st.SelectedPlugin, "the plugin"))
	}

	steps := successfulSteps(st, issues)
	routing.SuccessfulSteps = appendUnique(routing.SuccessfulSteps, steps...)
	routing.Recommendations = appendUnique(routing.Recommendations, recs...)

	return ReviewFeedback{
		Approved:        len(issues) == 0,
		Issues:          issues,
		SuccessfulSteps: steps,
		Recommendations: recs,
		RoutingContext:  routing,
	}
}

// executionIssue folds every captured fault into one EXECUTION issue. The
// issue is actionable only if every fault was transient.
func executionIssue(faults []Fault) (ReviewIssue, string) {
	actionable := true
	var msgs, stages []string
	for _, f := range faults {
		if !f.Transient || f.Terminal {
			actionable = false
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", f.Stage, f.Message))
		stages = append(stages, string(f.Stage))
	}
	first := faults[0]
	rec := fmt.Sprintf("retry after transient %s failure", first.Collaborator)
	if !actionable {
		rec = "escalate: " + first.Message
	}
	return ReviewIssue{
		Category:    CategoryExecution,
		Description: strings.Join(msgs, "; "),
		Severity:    SeverityCritical,
		Actionable:  actionable,
		Stage:       first.Stage,
		Context: map[string]string{
			"collaborator": first.Collaborator,
			"stages":       strings.Join(stages, ","),
			"transient":    fmt.Sprint(actionable),
		},
	}, rec
}

// successfulSteps lists completed stages that contributed no issue.
func successfulSteps(st *State, issues []ReviewIssue) []string {
	failed := make(map[Stage]bool)
	for _, issue := range issues {
		failed[issue.Stage] = true
		if issue.Category == CategoryExecution {
			for _, s := range strings.Split(issue.Context["stages"], ",") {
				failed[Stage(s)] = true
			}
		}
	}
	var out []string
	for _, s := range st.CompletedStages {
		if !failed[s] {
			out = append(out, string(s))
		}
	}
	return out
}

// succeeded returns the targets delivered in this attempt.
func succeeded(st *State) []string {
	r := st.PluginResult
	if r == nil || r.DispatchedCount == 0 {
		return nil
	}
	if len(r.Succeeded) > 0 {
		return r.Succeeded
	}
	targets, _ := DeliverTargets(st.PlannedActions)
	failed := toSet(r.Failed)
	var out []string
	for _, t := range targets {
		if !failed[t] {
			out = append(out, t)
		}
	}
	return out
}

// untargetedDelivery reports whether this attempt fully delivered a plan
// whose deliver steps name no target.
func untargetedDelivery(st *State) bool {
	r := st.PluginResult
	if r == nil || r.DispatchedCount == 0 || len(r.Failed) > 0 {
		return false
	}
	targets, ok := DeliverTargets(st.PlannedActions)
	return ok && len(targets) == 0
}

func carryRouting(rc RoutingContext) RoutingContext {
	out := rc
	out.SucceededRecipients = append([]string(nil), rc.SucceededRecipients...)
	out.AvoidPlugins = append([]string(nil), rc.AvoidPlugins...)
	out.FailedRecipients = append([]string(nil), rc.FailedRecipients...)
	out.SuccessfulSteps = append([]string(nil), rc.SuccessfulSteps...)
	out.Recommendations = append([]string(nil), rc.Recommendations...)
	if rc.Hints != nil {
		out.Hints = make(map[string]string, len(rc.Hints))
		for k, v := range rc.Hints {
			out.Hints[k] = v
		}
	}
	return out
}

func appendUnique(list []string, items ...string) []string {
	seen := toSet(list)
	for _, item := range items {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		list = append(list, item)
	}
	return list
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
