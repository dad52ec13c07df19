package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cleanAttempt() *State {
	return &State{
		Task:              Task{Intent: "notify", Audience: Audience{Recipients: []string{"a", "b"}}},
		SelectedPlugin:    "demo",
		PolicyDecision:    &PolicyDecision{Allowed: true},
		ContextValidation: &ContextValidation{Sufficient: true},
		PlannedActions:    []ActionStep{{Action: ActionDeliver, Target: "a"}, {Action: ActionDeliver, Target: "b"}},
		PluginResult:      &PluginResult{PluginName: "demo", DispatchedCount: 2, Succeeded: []string{"a", "b"}},
		CompletedStages:   AttemptStages(),
	}
}

func TestSentinel_Approved(t *testing.T) {
	fb := Sentinel{}.Review(cleanAttempt())
	assert.True(t, fb.Approved)
	assert.Empty(t, fb.Issues)
	assert.Len(t, fb.SuccessfulSteps, len(AttemptStages()))
	assert.Equal(t, []string{"a", "b"}, fb.RoutingContext.SucceededRecipients)
}

func TestSentinel_PartialPluginFailure(t *testing.T) {
	st := cleanAttempt()
	st.PluginResult = &PluginResult{PluginName: "demo", DispatchedCount: 1, Succeeded: []string{"a"}, Failed: []string{"b"}}

	fb := Sentinel{}.Review(st)
	require.Len(t, fb.Issues, 1)
	issue := fb.Issues[0]
	assert.Equal(t, CategoryPlugin, issue.Category)
	assert.Equal(t, SeverityHigh, issue.Severity)
	assert.True(t, issue.Actionable)
	assert.Equal(t, "b", issue.Context["failed_recipients"])

	rc := fb.RoutingContext
	assert.Equal(t, "demo", rc.FailedPlugin)
	assert.Equal(t, []string{"b"}, rc.FailedRecipients)
	assert.Equal(t, []string{"a"}, rc.SucceededRecipients)
	assert.Empty(t, rc.AvoidPlugins, "a partially working plugin is not avoided")
	assert.NotContains(t, fb.SuccessfulSteps, string(StageDispatch))
}

func TestSentinel_RoutingAccumulatesAcrossAttempts(t *testing.T) {
	st := cleanAttempt()
	st.Task.Audience.Recipients = []string{"a", "b", "c"}
	st.PlannedActions = []ActionStep{{Action: ActionDeliver, Target: "c"}}
	st.PluginResult = &PluginResult{PluginName: "demo", DispatchedCount: 1, Succeeded: []string{"c"}}
	st.RoutingContext = RoutingContext{
		FailedPlugin:        "demo",
		FailedRecipients:    []string{"b"},
		SucceededRecipients: []string{"a", "b"},
		SuccessfulSteps:     []string{"policy_gate"},
		Recommendations:     []string{"retry only the failed recipients: b"},
	}

	fb := Sentinel{}.Review(st)
	require.True(t, fb.Approved)
	assert.Empty(t, fb.Recommendations)

	rc := fb.RoutingContext
	assert.Equal(t, "demo", rc.FailedPlugin)
	assert.Equal(t, []string{"b"}, rc.FailedRecipients)
	assert.Equal(t, []string{"a", "b", "c"}, rc.SucceededRecipients)
	assert.Equal(t, []string{"retry only the failed recipients: b"}, rc.Recommendations)
	assert.Contains(t, rc.SuccessfulSteps, string(StageDispatch))
	assert.Equal(t, "b", st.RoutingContext.FailedRecipients[0], "review does not modify the state")
}

func TestSentinel_MarksUntargetedDelivery(t *testing.T) {
	st := cleanAttempt()
	st.Task.Audience = Audience{}
	st.PlannedActions = []ActionStep{{Action: ActionDeliver}}
	st.PluginResult = &PluginResult{PluginName: "demo", DispatchedCount: 1}
	assert.True(t, Sentinel{}.Review(st).RoutingContext.Delivered)

	st.PluginResult = &PluginResult{PluginName: "demo", Failed: []string{"x"}}
	assert.False(t, Sentinel{}.Review(st).RoutingContext.Delivered)

	targeted := cleanAttempt()
	assert.False(t, Sentinel{}.Review(targeted).RoutingContext.Delivered)
}

func TestSentinel_TotalPluginFailureAvoidsPlugin(t *testing.T) {
	st := cleanAttempt()
	st.PluginResult = &PluginResult{PluginName: "demo", Failed: []string{"a", "b"}}

	fb := Sentinel{}.Review(st)
	require.Len(t, fb.Issues, 1)
	assert.Equal(t, []string{"demo"}, fb.RoutingContext.AvoidPlugins)
	assert.Contains(t, fb.Recommendations[0], "alternate channel")
}

func TestSentinel_Rules(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*State)
		category   Category
		severity   Severity
		actionable bool
	}{
		{"empty plan", func(s *State) { s.PlannedActions = nil }, CategoryPlanning, SeverityMedium, true},
		{"human review", func(s *State) { s.PolicyDecision.RequiresHuman = true; s.PolicyDecision.Reason = "legal" }, CategoryPolicy, SeverityHigh, false},
		{"thin context", func(s *State) { s.ContextValidation = &ContextValidation{Sufficient: false} }, CategoryContext, SeverityMedium, true},
		{"transient fault", func(s *State) {
			s.Faults = []Fault{{Stage: StagePlan, Collaborator: "planner", Message: "timeout", Transient: true}}
		}, CategoryExecution, SeverityCritical, true},
		{"permanent fault", func(s *State) {
			s.Faults = []Fault{{Stage: StagePlan, Collaborator: "planner", Message: "boom"}}
		}, CategoryExecution, SeverityCritical, false},
		{"terminal fault", func(s *State) {
			s.Faults = []Fault{{Stage: StageDispatch, Collaborator: "plugin_registry", Message: "missing", Transient: true, Terminal: true}}
		}, CategoryExecution, SeverityCritical, false},
		{"downstream validation", func(s *State) { s.ValidationErrors = []string{"subject missing"} }, CategoryValidation, SeverityMedium, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := cleanAttempt()
			tt.mutate(st)
			fb := Sentinel{}.Review(st)
			require.Len(t, fb.Issues, 1)
			assert.False(t, fb.Approved)
			assert.Equal(t, tt.category, fb.Issues[0].Category)
			assert.Equal(t, tt.severity, fb.Issues[0].Severity)
			assert.Equal(t, tt.actionable, fb.Issues[0].Actionable)
			assert.NotEmpty(t, fb.Recommendations)
		})
	}
}

func TestSentinel_ThinContextFlagsRouting(t *testing.T) {
	st := cleanAttempt()
	st.ContextValidation = &ContextValidation{Sufficient: false, Reason: "no snippets"}
	fb := Sentinel{}.Review(st)
	assert.True(t, fb.RoutingContext.InsufficientContext)
	assert.Contains(t, fb.Issues[0].Description, "no snippets")
}

func TestSentinel_DoesNotMutateState(t *testing.T) {
	st := cleanAttempt()
	st.PluginResult.Failed = []string{"b"}
	st.RoutingContext = RoutingContext{SucceededRecipients: []string{"z"}, Hints: map[string]string{"k": "v"}}
	before, err := st.Clone()
	require.NoError(t, err)

	fb := Sentinel{}.Review(st)
	fb.RoutingContext.Hints["k"] = "changed"

	after, err := st.Clone()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSentinel_CarriesSucceededAcrossAttempts(t *testing.T) {
	st := cleanAttempt()
	st.RoutingContext.SucceededRecipients = []string{"a"}
	st.PlannedActions = []ActionStep{{Action: ActionDeliver, Target: "b"}}
	st.PluginResult = &PluginResult{PluginName: "demo", DispatchedCount: 1}

	fb := Sentinel{}.Review(st)
	assert.Equal(t, []string{"a", "b"}, fb.RoutingContext.SucceededRecipients)
}
