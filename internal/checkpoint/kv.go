package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

const (
	runKeyPrefix    = "run."
	ledgerKeyPrefix = "ledger."
)

// KVConfig configures the JetStream bucket.
type KVConfig struct {
	Bucket string
	// TTL expires snapshots and ledger entries; zero keeps them forever.
	TTL time.Duration
}

// KVStore keeps snapshots and ledger entries in a JetStream key-value bucket.
type KVStore struct {
	kv     jetstream.KeyValue
	logger *logging.Logger
	in     instruments
}

// NewKVStore creates or updates the bucket and returns a store over it.
func NewKVStore(ctx context.Context, js jetstream.JetStream, cfg KVConfig, logger *logging.Logger) (*KVStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("kv bucket name is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "orchestrator run snapshots and dispatch ledger",
		History:     1,
		TTL:         cfg.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}
	return &KVStore{kv: kv, logger: logger, in: newInstruments(ctx, "nats_kv", logger)}, nil
}

// Save stores a snapshot of st under run.<id>.
func (s *KVStore) Save(ctx context.Context, runID string, st *orchestrator.State) error {
	ctx, span := s.in.tracer.Start(ctx, "checkpoint.save")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if _, err := s.kv.Put(ctx, runKeyPrefix+runID, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("put %s: %w", runID, err)
	}
	add(ctx, s.in.saves, "nats_kv")
	return nil
}

// Load returns the latest snapshot or orchestrator.ErrRunNotFound.
func (s *KVStore) Load(ctx context.Context, runID string) (*orchestrator.State, error) {
	ctx, span := s.in.tracer.Start(ctx, "checkpoint.load")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	entry, err := s.kv.Get(ctx, runKeyPrefix+runID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrInvalidKey) {
			return nil, fmt.Errorf("run %s: %w", runID, orchestrator.ErrRunNotFound)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("get %s: %w", runID, err)
	}
	add(ctx, s.in.loads, "nats_kv")

	var st orchestrator.State
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// Lookup implements orchestrator.DispatchLedger.
func (s *KVStore) Lookup(ctx context.Context, key string) (*orchestrator.PluginResult, error) {
	entry, err := s.kv.Get(ctx, ledgerKeyPrefix+key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, orchestrator.ErrLedgerMiss
		}
		return nil, fmt.Errorf("ledger get: %w", err)
	}
	add(ctx, s.in.ledgerHits, "nats_kv")

	var res orchestrator.PluginResult
	if err := json.Unmarshal(entry.Value(), &res); err != nil {
		return nil, fmt.Errorf("decode ledger entry: %w", err)
	}
	return &res, nil
}

// Record stores a dispatch result. An existing entry for key is kept, so
// the first recorded result wins.
func (s *KVStore) Record(ctx context.Context, key string, result *orchestrator.PluginResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	if _, err := s.kv.Create(ctx, ledgerKeyPrefix+key, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			s.logger.Debug(ctx, "ledger entry already recorded")
			return nil
		}
		return fmt.Errorf("ledger create: %w", err)
	}
	add(ctx, s.in.ledgerWrite, "nats_kv")
	return nil
}
