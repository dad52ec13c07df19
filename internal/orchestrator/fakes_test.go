package orchestrator

import (
	"context"
	"fmt"
	"sync"
)

// funcPlugin is a Plugin backed by a function. It records every request.
type funcPlugin struct {
	name string
	fn   func(ctx context.Context, req DispatchRequest) (*PluginResult, error)

	mu       sync.Mutex
	requests []DispatchRequest
}

func (p *funcPlugin) Name() string { return p.name }

func (p *funcPlugin) Execute(ctx context.Context, req DispatchRequest) (*PluginResult, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	return p.fn(ctx, req)
}

func (p *funcPlugin) calls() []DispatchRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DispatchRequest(nil), p.requests...)
}

// deliverAll reports every target as delivered.
func deliverAll(name string) *funcPlugin {
	return &funcPlugin{name: name, fn: func(_ context.Context, req DispatchRequest) (*PluginResult, error) {
		n := len(req.Targets)
		if n == 0 {
			n = 1
		}
		return &PluginResult{PluginName: name, DispatchedCount: n, Succeeded: req.Targets}, nil
	}}
}

type mapRegistry map[string]Plugin

func registryOf(plugins ...Plugin) mapRegistry {
	m := make(mapRegistry, len(plugins))
	for _, p := range plugins {
		m[p.Name()] = p
	}
	return m
}

func (m mapRegistry) Resolve(name string) (Plugin, error) {
	p, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	return p, nil
}

type stubPolicy struct {
	directives map[Scope][]Directive
	err        error
}

func (s *stubPolicy) Directives(_ context.Context, scope Scope) ([]Directive, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.directives[scope], nil
}

// stubContext returns fixed snippets and records the requested limits.
type stubContext struct {
	snippets    []Snippet
	fetchErr    error
	validateErr error
	minSnippets int

	mu     sync.Mutex
	limits []int
}

func (s *stubContext) Fetch(_ context.Context, _ Task, limit int) ([]Snippet, error) {
	s.mu.Lock()
	s.limits = append(s.limits, limit)
	s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.snippets, nil
}

func (s *stubContext) Validate(_ context.Context, snippets []Snippet) (ContextValidation, error) {
	if s.validateErr != nil {
		return ContextValidation{}, s.validateErr
	}
	if len(snippets) < s.minSnippets || len(snippets) == 0 {
		return ContextValidation{Sufficient: false, Reason: "no relevant snippets"}, nil
	}
	return ContextValidation{Sufficient: true}, nil
}

type memCheckpoints struct {
	mu     sync.Mutex
	states map[string]*State
	saves  []Status
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{states: make(map[string]*State)}
}

func (m *memCheckpoints) Save(_ context.Context, runID string, st *State) error {
	cp, err := st.Clone()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[runID] = cp
	m.saves = append(m.saves, st.Status)
	return nil
}

func (m *memCheckpoints) Load(_ context.Context, runID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return st.Clone()
}

type recordingBus struct {
	mu       sync.Mutex
	messages []Message
}

func (b *recordingBus) Publish(_ context.Context, channel string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, Message{Channel: channel, Data: append([]byte(nil), data...)})
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan Message, error) {
	return nil, fmt.Errorf("not supported")
}

func (b *recordingBus) statuses() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Status
	for _, m := range b.messages {
		msg, err := DecodeStatus(m.Data)
		if err == nil {
			out = append(out, msg.Status)
		}
	}
	return out
}

type memLedger struct {
	mu      sync.Mutex
	results map[string]*PluginResult
}

func newMemLedger() *memLedger {
	return &memLedger{results: make(map[string]*PluginResult)}
}

func (l *memLedger) Lookup(_ context.Context, key string) (*PluginResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.results[key]; ok {
		return r, nil
	}
	return nil, ErrLedgerMiss
}

func (l *memLedger) Record(_ context.Context, key string, result *PluginResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results[key] = result
	return nil
}

type memoryCall struct {
	summary     string
	annotations map[string]string
}

type recordingMemory struct {
	mu    sync.Mutex
	calls []memoryCall
	err   error
}

func (m *recordingMemory) Persist(_ context.Context, summary string, annotations map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, memoryCall{summary: summary, annotations: annotations})
	return nil
}

type fakeQueue struct {
	envelopes []Envelope
	err       error
}

func (q *fakeQueue) Enqueue(_ context.Context, env Envelope) error {
	if q.err != nil {
		return q.err
	}
	q.envelopes = append(q.envelopes, env)
	return nil
}
