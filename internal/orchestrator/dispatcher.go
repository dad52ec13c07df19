package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultPluginName is the fallback plugin when nothing else selects one.
const DefaultPluginName = "demo-messaging"

const defaultTemplate = "[{channel}] {intent}"

// Dispatcher selects, renders for, and executes plugins.
type Dispatcher struct {
	registry       PluginRegistry
	fallback       string
	channelPlugins map[string]string
	ledger         DispatchLedger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithFallbackPlugin sets the plugin used when no other rule selects one.
func WithFallbackPlugin(name string) DispatcherOption {
	return func(d *Dispatcher) {
		if name != "" {
			d.fallback = strings.ToLower(name)
		}
	}
}

// WithChannelPlugins maps channels to default plugins.
func WithChannelPlugins(m map[string]string) DispatcherOption {
	return func(d *Dispatcher) {
		for ch, p := range m {
			d.channelPlugins[strings.ToLower(ch)] = strings.ToLower(p)
		}
	}
}

// WithLedger enables idempotent dispatch through ledger.
func WithLedger(ledger DispatchLedger) DispatcherOption {
	return func(d *Dispatcher) { d.ledger = ledger }
}

// NewDispatcher creates a Dispatcher over registry.
func NewDispatcher(registry PluginRegistry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:       registry,
		fallback:       DefaultPluginName,
		channelPlugins: make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Select returns the plugin name for a task: explicit metadata, then the
// channel mapping, then the fallback. Plugins in the avoid list are skipped
// unless every candidate is avoided.
func (d *Dispatcher) Select(task Task, routing RoutingContext) string {
	var candidates []string
	seen := make(map[string]bool)
	for _, name := range []string{task.Metadata["plugin"], d.channelPlugins[task.Channel], d.fallback} {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		candidates = append(candidates, name)
	}

	avoid := toSet(routing.AvoidPlugins)
	for _, name := range candidates {
		if !avoid[name] {
			return name
		}
	}
	return candidates[0]
}

// Render produces the payload text for a task.
func Render(task Task) string {
	tmpl := task.Payload.Template
	if tmpl == "" {
		tmpl = task.Payload.Body
	}
	if tmpl == "" {
		tmpl = defaultTemplate
	}

	keys := make([]string, 0, len(task.Payload.Variables))
	for k := range task.Payload.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := []string{"{intent}", task.Intent, "{channel}", task.Channel}
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", task.Payload.Variables[k])
	}
	body := strings.NewReplacer(pairs...).Replace(tmpl)

	if task.Payload.Subject != "" {
		return "Subject: " + task.Payload.Subject + "\n\n" + body
	}
	return body
}

// IdempotencyKey derives the dedupe key of one dispatch.
func IdempotencyKey(runID string, attempt int, plugin string) string {
	sum := sha256.Sum256([]byte(runID + "|" + strconv.Itoa(attempt) + "|" + plugin))
	return hex.EncodeToString(sum[:])
}

// Request builds the dispatch request for the current attempt of st.
func (d *Dispatcher) Request(st *State, targets []string) DispatchRequest {
	return DispatchRequest{
		RunID:          st.RunID,
		IdempotencyKey: IdempotencyKey(st.RunID, st.RetryCount, st.SelectedPlugin),
		Attempt:        st.RetryCount,
		Task:           st.Task,
		Payload:        st.RenderedPayload,
		Targets:        append([]string(nil), targets...),
	}
}

// Dispatch executes plugin for req. A result already recorded under
// req.IdempotencyKey is returned with replayed set and the plugin is not
// called again.
func (d *Dispatcher) Dispatch(ctx context.Context, plugin string, req DispatchRequest) (result *PluginResult, replayed bool, err error) {
	if d.ledger != nil {
		prev, lerr := d.ledger.Lookup(ctx, req.IdempotencyKey)
		if lerr == nil && prev != nil {
			return prev, true, nil
		}
	}

	p, err := d.registry.Resolve(plugin)
	if err != nil {
		return nil, false, err
	}

	result, err = p.Execute(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if result == nil {
		return nil, false, fmt.Errorf("plugin %s returned no result", plugin)
	}
	if result.PluginName == "" {
		result.PluginName = p.Name()
	}

	if d.ledger != nil {
		if lerr := d.ledger.Record(ctx, req.IdempotencyKey, result); lerr != nil {
			return result, false, &ledgerError{err: lerr}
		}
	}
	return result, false, nil
}

// ledgerError reports a dispatch that succeeded but could not be recorded.
type ledgerError struct{ err error }

func (e *ledgerError) Error() string { return "record dispatch: " + e.err.Error() }
func (e *ledgerError) Unwrap() error { return e.err }

// validationErrors extracts downstream validation failures reported by a
// plugin in its metadata.
func validationErrors(result *PluginResult) []string {
	if result == nil {
		return nil
	}
	raw := result.Metadata["validation_error"]
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
