package orchestrator

import "context"

// DirectiveType is the effect of a matching directive.
type DirectiveType string

const (
	DirectiveBlock  DirectiveType = "block"
	DirectiveNotify DirectiveType = "notify"
)

// Matcher decides whether a directive applies to a task.
type Matcher interface {
	Match(task Task) bool
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(task Task) bool

func (f MatcherFunc) Match(task Task) bool { return f(task) }

// Scope selects which directives a store returns.
type Scope string

// ScopeGlobal holds directives that apply to every task.
const ScopeGlobal Scope = "global"

// ChannelScope is the task-specific scope for a channel.
func ChannelScope(channel string) Scope {
	return Scope("channel:" + channel)
}

// Directive is a stored policy rule.
type Directive struct {
	ID      string
	Type    DirectiveType
	Matcher Matcher
	Reason  string
}

// PolicyStore supplies directives for a scope.
type PolicyStore interface {
	Directives(ctx context.Context, scope Scope) ([]Directive, error)
}

// ContextProvider fetches and grades memory snippets for a task.
type ContextProvider interface {
	Fetch(ctx context.Context, task Task, limit int) ([]Snippet, error)
	Validate(ctx context.Context, snippets []Snippet) (ContextValidation, error)
}

// Planner derives an ordered action plan. Implementations must be free of
// side effects.
type Planner interface {
	Plan(ctx context.Context, task Task, snippets []Snippet, routing RoutingContext) ([]ActionStep, error)
}

// Reflector summarizes a plan for observability. It must not mutate its inputs.
type Reflector interface {
	Reflect(ctx context.Context, st *State) (string, error)
}

// DispatchRequest is the rendered payload handed to a plugin.
type DispatchRequest struct {
	RunID          string   `json:"run_id"`
	IdempotencyKey string   `json:"idempotency_key"`
	Attempt        int      `json:"attempt"`
	Task           Task     `json:"task"`
	Payload        string   `json:"payload"`
	Targets        []string `json:"targets"`
}

// Plugin is a named side-effecting handler.
type Plugin interface {
	Name() string
	Execute(ctx context.Context, req DispatchRequest) (*PluginResult, error)
}

// PluginRegistry resolves plugins by name. Unknown names yield ErrPluginNotFound.
type PluginRegistry interface {
	Resolve(name string) (Plugin, error)
}

// MemoryWriter persists a run summary after a completion without escalation.
type MemoryWriter interface {
	Persist(ctx context.Context, summary string, annotations map[string]string) error
}

// Message is one delivery from an EventBus subscription.
type Message struct {
	Channel string
	Data    []byte
}

// EventBus is a pub/sub transport for status snapshots.
type EventBus interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
}

// CheckpointStore persists State keyed by run id. Load returns
// ErrRunNotFound for unknown runs.
type CheckpointStore interface {
	Save(ctx context.Context, runID string, st *State) error
	Load(ctx context.Context, runID string) (*State, error)
}

// DispatchLedger remembers completed dispatches by idempotency key.
// Lookup returns ErrLedgerMiss when nothing is recorded.
type DispatchLedger interface {
	Lookup(ctx context.Context, key string) (*PluginResult, error)
	Record(ctx context.Context, key string, result *PluginResult) error
}

// Queue accepts envelopes for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, env Envelope) error
}
