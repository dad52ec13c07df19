package orchestrator

import (
	"fmt"
	"strings"
)

// DefaultMaxRetries bounds the review loop when nothing else is configured.
const DefaultMaxRetries = 1

// Verdict is the outcome of one Retry Controller decision.
type Verdict struct {
	Decision  Decision
	Escalated bool
	Exhausted bool
	Reason    string
}

// RetryController turns review feedback into RETRY or COMPLETE.
type RetryController struct{}

// Decide applies the decision rules without touching any State:
// a non-actionable issue of high severity or worse escalates, actionable
// issues retry while budget remains, and everything else completes.
func (RetryController) Decide(fb ReviewFeedback, retryCount, maxRetries int) Verdict {
	var actionable []ReviewIssue
	for _, issue := range fb.Issues {
		if !issue.Actionable {
			if issue.Severity.AtLeast(SeverityHigh) {
				return Verdict{
					Decision:  DecisionComplete,
					Escalated: true,
					Reason:    fmt.Sprintf("escalated on %s issue: %s", issue.Category, issue.Description),
				}
			}
			continue
		}
		actionable = append(actionable, issue)
	}

	switch {
	case len(actionable) == 0:
		return Verdict{Decision: DecisionComplete, Reason: "no actionable issues"}
	case retryCount < maxRetries:
		return Verdict{Decision: DecisionRetry, Reason: fmt.Sprintf("%d actionable issues", len(actionable))}
	default:
		return Verdict{
			Decision:  DecisionComplete,
			Exhausted: true,
			Reason:    fmt.Sprintf("%v with %d actionable issues", ErrRetryExhausted, len(actionable)),
		}
	}
}

// Rewind prepares st for another attempt: it bumps the retry count, clears
// every per-attempt field, carries the routing context forward and appends
// the retry note. Working notes and events are kept.
func (RetryController) Rewind(st *State, fb ReviewFeedback) {
	prev := StageDispatch
	if n := len(st.CompletedStages); n > 0 {
		prev = st.CompletedStages[n-1]
	}

	st.RetryCount++
	st.RoutingContext = fb.RoutingContext
	st.Note(RetryNote(st.RetryCount, prev, fb))

	st.SelectedPlugin = ""
	st.RenderedPayload = ""
	st.PluginResult = nil
	st.ReviewFeedback = nil
	st.ValidationErrors = nil
	st.Faults = nil

	st.PolicyDecision = nil
	st.RetrievedContext = nil
	st.ContextValidation = nil
	st.PlannedActions = nil
	st.Reflection = ""
	st.CompletedStages = nil
	st.Decision = ""
}

// RetryNote renders the structured working note appended on RETRY.
func RetryNote(attempt int, prev Stage, fb ReviewFeedback) string {
	parts := []string{fmt.Sprintf("[Retry %d] Previous attempt completed at stage: %s", attempt, prev)}
	if len(fb.SuccessfulSteps) > 0 {
		parts = append(parts, "Successful steps: "+strings.Join(head(fb.SuccessfulSteps, 3), ", "))
	}
	if cats := fb.Categories(); len(cats) > 0 {
		parts = append(parts, "Issues encountered: "+strings.Join(cats, ", "))
	}
	if len(fb.Recommendations) > 0 {
		parts = append(parts, "Recommendations: "+strings.Join(head(fb.Recommendations, 2), "; "))
	}
	if fb.RoutingContext.InsufficientContext {
		parts = append(parts, "Context: insufficient on previous attempt")
	}

	var avoid []string
	for _, p := range fb.RoutingContext.AvoidPlugins {
		avoid = append(avoid, "plugin "+p)
	}
	if len(fb.RoutingContext.SucceededRecipients) > 0 {
		avoid = append(avoid, "recipients "+strings.Join(fb.RoutingContext.SucceededRecipients, ","))
	}
	if len(avoid) > 0 {
		parts = append(parts, "Avoid: "+strings.Join(avoid, "; "))
	}
	return strings.Join(parts, " | ")
}

func head(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}
