package orchestrator

import (
	"encoding/json"
	"time"
)

// Stage names one step of the run state machine.
type Stage string

const (
	StagePolicy   Stage = "policy_gate"
	StageContext  Stage = "context"
	StagePlan     Stage = "plan"
	StageReflect  Stage = "reflect"
	StageDispatch Stage = "dispatch"
	StageReview   Stage = "review"
	StageRetry    Stage = "retry_control"
	StageMemory   Stage = "memory"
	StageFinalize Stage = "finalize"

	// stageDone terminates the driver loop.
	stageDone Stage = ""
)

// AttemptStages returns the stages that make up one attempt, in order.
func AttemptStages() []Stage {
	return []Stage{StagePolicy, StageContext, StagePlan, StageReflect, StageDispatch}
}

// Status is the externally visible run status.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusBlocked   Status = "blocked"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further stage may run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusBlocked || s == StatusFailed
}

// Decision is the Retry Controller verdict.
type Decision string

const (
	DecisionRetry    Decision = "retry"
	DecisionComplete Decision = "complete"
)

// Category classifies a review issue.
type Category string

const (
	CategoryPolicy     Category = "POLICY"
	CategoryPlugin     Category = "PLUGIN"
	CategoryContext    Category = "CONTEXT"
	CategoryPlanning   Category = "PLANNING"
	CategoryExecution  Category = "EXECUTION"
	CategoryValidation Category = "VALIDATION"
	CategoryOther      Category = "OTHER"
)

// Severity indicates how serious an issue is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Audience lists the targets of a task.
type Audience struct {
	Recipients []string `json:"recipients,omitempty"`
	SegmentID  string   `json:"segment_id,omitempty"`
}

// Payload carries the message template and its variables.
type Payload struct {
	Template  string            `json:"template,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Task is a normalized inbound request.
type Task struct {
	ID       string            `json:"id"`
	Intent   string            `json:"intent"`
	Channel  string            `json:"channel"`
	Audience Audience          `json:"audience"`
	Payload  Payload           `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Snippet is one unit of retrieved memory with a relevance score.
type Snippet struct {
	ID     string            `json:"id,omitempty"`
	Text   string            `json:"text"`
	Score  float32           `json:"score"`
	Source map[string]string `json:"source,omitempty"`
}

// ActionStep is one planned action.
type ActionStep struct {
	Action string            `json:"action"`
	Target string            `json:"target,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// PolicyDecision is the output of the Policy Gate.
type PolicyDecision struct {
	Allowed       bool     `json:"allowed"`
	Reason        string   `json:"reason"`
	RequiresHuman bool     `json:"requires_human"`
	Version       string   `json:"policy_version,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Matched       []string `json:"matched_directives,omitempty"`
}

// ContextValidation is the sufficiency verdict of the Context Provider.
type ContextValidation struct {
	Sufficient bool   `json:"sufficient"`
	Reason     string `json:"reason,omitempty"`
}

// PluginResult is what a plugin reports after dispatch.
type PluginResult struct {
	PluginName      string            `json:"plugin_name"`
	DispatchedCount int               `json:"dispatched_count"`
	Failed          []string          `json:"failed,omitempty"`
	Succeeded       []string          `json:"succeeded,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Partial reports a dispatch where some targets failed and some went out.
func (r *PluginResult) Partial() bool {
	return r != nil && len(r.Failed) > 0 && r.DispatchedCount > 0
}

// ReviewIssue is one finding of the Review Sentinel.
type ReviewIssue struct {
	Category    Category          `json:"category"`
	Description string            `json:"description"`
	Severity    Severity          `json:"severity"`
	Context     map[string]string `json:"context,omitempty"`
	Actionable  bool              `json:"actionable"`
	Stage       Stage             `json:"stage,omitempty"`
}

// ReviewFeedback is the single output of one review pass.
type ReviewFeedback struct {
	Approved        bool           `json:"approved"`
	Issues          []ReviewIssue  `json:"issues,omitempty"`
	SuccessfulSteps []string       `json:"successful_steps,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	RoutingContext  RoutingContext `json:"routing_context"`
}

// Categories returns the distinct issue categories in first-seen order.
func (f *ReviewFeedback) Categories() []string {
	if f == nil {
		return nil
	}
	seen := make(map[Category]bool)
	var out []string
	for _, issue := range f.Issues {
		if seen[issue.Category] {
			continue
		}
		seen[issue.Category] = true
		out = append(out, string(issue.Category))
	}
	return out
}

// RoutingContext holds hints carried from one attempt into the next. The
// recipient, step and recommendation lists accumulate over every attempt of
// a run; Delivered marks an untargeted dispatch that already went out.
type RoutingContext struct {
	FailedPlugin        string            `json:"failed_plugin,omitempty"`
	FailedRecipients    []string          `json:"failed_recipients,omitempty"`
	SucceededRecipients []string          `json:"succeeded_recipients,omitempty"`
	Delivered           bool              `json:"delivered,omitempty"`
	AvoidPlugins        []string          `json:"avoid_plugins,omitempty"`
	InsufficientContext bool              `json:"insufficient_context,omitempty"`
	RequiresHuman       bool              `json:"requires_human,omitempty"`
	SuccessfulSteps     []string          `json:"successful_steps,omitempty"`
	Recommendations     []string          `json:"recommendations,omitempty"`
	Hints               map[string]string `json:"hints,omitempty"`
}

// Fault records a collaborator failure captured inside a stage.
type Fault struct {
	Stage        Stage  `json:"stage"`
	Collaborator string `json:"collaborator"`
	Message      string `json:"message"`
	Transient    bool   `json:"transient"`
	Terminal     bool   `json:"terminal,omitempty"`
}

// RunEvent is one entry of the run's audit log.
type RunEvent struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Stage   Stage             `json:"stage,omitempty"`
	Attempt int               `json:"attempt"`
	Data    map[string]string `json:"data,omitempty"`
	At      time.Time         `json:"at"`
}

// State is the canonical record of one run, threaded through every stage.
// It is owned by the Runner for the duration of a run.
type State struct {
	RunID      string `json:"run_id"`
	Task       Task   `json:"task"`
	Status     Status `json:"status"`
	Stage      Stage  `json:"stage,omitempty"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`

	SelectedWorkflow  string             `json:"selected_workflow,omitempty"`
	WorkingNotes      []string           `json:"working_notes,omitempty"`
	PolicyDecision    *PolicyDecision    `json:"policy_decision,omitempty"`
	RetrievedContext  []Snippet          `json:"retrieved_context,omitempty"`
	ContextValidation *ContextValidation `json:"context_validation,omitempty"`
	PlannedActions    []ActionStep       `json:"planned_actions,omitempty"`
	Reflection        string             `json:"reflection,omitempty"`

	SelectedPlugin   string          `json:"selected_plugin,omitempty"`
	RenderedPayload  string          `json:"rendered_payload,omitempty"`
	PluginResult     *PluginResult   `json:"plugin_result,omitempty"`
	ValidationErrors []string        `json:"validation_errors,omitempty"`
	Faults           []Fault         `json:"faults,omitempty"`
	ReviewFeedback   *ReviewFeedback `json:"review_feedback,omitempty"`

	Decision        Decision       `json:"decision,omitempty"`
	Escalated       bool           `json:"escalated,omitempty"`
	Outcome         string         `json:"outcome,omitempty"`
	RoutingContext  RoutingContext `json:"routing_context"`
	CompletedStages []Stage        `json:"completed_stages,omitempty"`
	Events          []RunEvent     `json:"events,omitempty"`
	Error           string         `json:"error,omitempty"`

	// Interrupted marks a queued run stopped by shutdown before it finished;
	// its status stays running so a redelivery executes it again.
	Interrupted bool `json:"interrupted,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState creates the initial State for a normalized task.
func NewState(runID string, task Task, maxRetries int, hints map[string]string) *State {
	now := time.Now().UTC()
	st := &State{
		RunID:      runID,
		Task:       task,
		Status:     StatusRunning,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(hints) > 0 {
		st.RoutingContext.Hints = make(map[string]string, len(hints))
		for k, v := range hints {
			st.RoutingContext.Hints[k] = v
		}
	}
	return st
}

// Note appends a line to the working notes.
func (s *State) Note(line string) {
	s.WorkingNotes = append(s.WorkingNotes, line)
}

// Record appends an audit event for the current stage and attempt.
func (s *State) Record(eventType, message string, data map[string]string) {
	s.Events = append(s.Events, RunEvent{
		Type:    eventType,
		Message: message,
		Stage:   s.Stage,
		Attempt: s.RetryCount,
		Data:    data,
		At:      time.Now().UTC(),
	})
}

// Clone returns a deep copy via the wire encoding.
func (s *State) Clone() (*State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
