package policy

import (
	"context"
	"sync"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

// StaticStore serves a fixed directive set from memory.
type StaticStore struct {
	mu      sync.RWMutex
	byScope map[orchestrator.Scope][]orchestrator.Directive
}

// NewStaticStore compiles rules into a StaticStore.
func NewStaticStore(rules ...Rule) (*StaticStore, error) {
	byScope, err := Compile(rules)
	if err != nil {
		return nil, err
	}
	return &StaticStore{byScope: byScope}, nil
}

// Add appends a directive to a scope.
func (s *StaticStore) Add(scope orchestrator.Scope, d orchestrator.Directive) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byScope == nil {
		s.byScope = make(map[orchestrator.Scope][]orchestrator.Directive)
	}
	s.byScope[scope] = append(s.byScope[scope], d)
}

// Directives implements orchestrator.PolicyStore.
func (s *StaticStore) Directives(ctx context.Context, scope orchestrator.Scope) ([]orchestrator.Directive, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]orchestrator.Directive(nil), s.byScope[scope]...), nil
}
