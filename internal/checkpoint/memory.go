package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("checkpoint store is closed")

// MemoryStore keeps snapshots and ledger entries in process. Values are
// stored serialized so callers never share memory with the store.
type MemoryStore struct {
	in instruments

	mu     sync.RWMutex
	runs   map[string][]byte
	ledger map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(logger *logging.Logger) *MemoryStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &MemoryStore{
		in:     newInstruments(context.Background(), "memory", logger),
		runs:   make(map[string][]byte),
		ledger: make(map[string][]byte),
	}
}

// Save stores a snapshot of st.
func (s *MemoryStore) Save(ctx context.Context, runID string, st *orchestrator.State) error {
	_, span := s.in.tracer.Start(ctx, "checkpoint.save")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.runs[runID] = data
	add(ctx, s.in.saves, "memory")
	return nil
}

// Load returns the latest snapshot or orchestrator.ErrRunNotFound.
func (s *MemoryStore) Load(ctx context.Context, runID string) (*orchestrator.State, error) {
	_, span := s.in.tracer.Start(ctx, "checkpoint.load")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	s.mu.RLock()
	data, ok := s.runs[runID]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, orchestrator.ErrRunNotFound)
	}
	add(ctx, s.in.loads, "memory")

	var st orchestrator.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// Lookup implements orchestrator.DispatchLedger.
func (s *MemoryStore) Lookup(ctx context.Context, key string) (*orchestrator.PluginResult, error) {
	s.mu.RLock()
	data, ok := s.ledger[key]
	s.mu.RUnlock()
	if !ok {
		return nil, orchestrator.ErrLedgerMiss
	}
	add(ctx, s.in.ledgerHits, "memory")

	var res orchestrator.PluginResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode ledger entry: %w", err)
	}
	return &res, nil
}

// Record implements orchestrator.DispatchLedger.
func (s *MemoryStore) Record(ctx context.Context, key string, result *orchestrator.PluginResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.ledger[key] = data
	add(ctx, s.in.ledgerWrite, "memory")
	return nil
}

// Close releases the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
