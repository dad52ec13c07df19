package orchestrator

import (
	"context"
	"errors"
	"strings"
)

// DefaultPolicyVersion labels decisions when the store reports none.
const DefaultPolicyVersion = "directives/v1"

// PolicyGate evaluates stored directives against a task.
type PolicyGate struct {
	store      PolicyStore
	failClosed bool
	version    string
}

// PolicyGateOption configures a PolicyGate.
type PolicyGateOption func(*PolicyGate)

// WithFailClosed blocks runs when the policy store cannot be reached.
func WithFailClosed(failClosed bool) PolicyGateOption {
	return func(g *PolicyGate) { g.failClosed = failClosed }
}

// WithPolicyVersion sets the version label recorded in decisions.
func WithPolicyVersion(version string) PolicyGateOption {
	return func(g *PolicyGate) { g.version = version }
}

// NewPolicyGate creates a gate over store. A nil store allows everything.
func NewPolicyGate(store PolicyStore, opts ...PolicyGateOption) *PolicyGate {
	g := &PolicyGate{store: store, version: DefaultPolicyVersion}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate returns the decision for task. An error means the store could
// not be reached; callers then use Fallback.
func (g *PolicyGate) Evaluate(ctx context.Context, task Task) (PolicyDecision, error) {
	directives, err := g.directives(ctx, task)
	if err != nil {
		return PolicyDecision{}, err
	}
	return decide(task, directives, g.version), nil
}

// Fallback is the decision used when the store is unavailable: fail-open
// evaluates with no directives, fail-closed blocks.
func (g *PolicyGate) Fallback(task Task) PolicyDecision {
	if g.failClosed {
		return PolicyDecision{
			Allowed: false,
			Reason:  "policy store unavailable; failing closed",
			Version: g.version,
		}
	}
	d := decide(task, nil, g.version)
	d.Tags = append(d.Tags, "policy:fail-open")
	return d
}

// FailClosed reports the configured failure mode.
func (g *PolicyGate) FailClosed() bool { return g.failClosed }

func (g *PolicyGate) directives(ctx context.Context, task Task) ([]Directive, error) {
	if g.store == nil {
		return nil, nil
	}
	var all []Directive
	for _, scope := range []Scope{ScopeGlobal, ChannelScope(task.Channel)} {
		ds, err := g.store.Directives(ctx, scope)
		if err != nil {
			var ce *CollaboratorError
			if !errors.As(err, &ce) {
				err = Unavailable("policy_store", "directives", err)
			}
			return nil, err
		}
		all = append(all, ds...)
	}
	return all, nil
}

// decide applies directives in order. The first matching block directive
// supplies the reason; notify directives only flag the run.
func decide(task Task, directives []Directive, version string) PolicyDecision {
	d := PolicyDecision{Allowed: true, Reason: "policy check passed", Version: version}

	if strings.HasPrefix(strings.ToLower(task.Intent), "escalate") {
		d.RequiresHuman = true
		d.Tags = append(d.Tags, "escalation")
	}
	if task.Metadata["priority"] == "high" {
		d.Tags = append(d.Tags, "priority:high")
	}

	var notifyReason string
	for _, dir := range directives {
		if dir.Matcher == nil || !dir.Matcher.Match(task) {
			continue
		}
		d.Matched = append(d.Matched, dir.ID)
		switch dir.Type {
		case DirectiveBlock:
			if d.Allowed {
				d.Allowed = false
				d.Reason = dir.Reason
			}
		case DirectiveNotify:
			d.RequiresHuman = true
			if notifyReason == "" {
				notifyReason = dir.Reason
			}
		}
	}

	if d.Allowed && d.RequiresHuman {
		d.Reason = "requires human review before dispatch"
		if notifyReason != "" {
			d.Reason = notifyReason
		}
	}
	return d
}
