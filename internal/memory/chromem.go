package memory

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
)

var tracer = otel.Tracer("orchestrator.memory")

// ChromemOptions configures a ChromemStore.
type ChromemOptions struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path       string
	Compress   bool
	Collection string
}

// ChromemStore is a Store backed by an embedded chromem-go database.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *logging.Logger

	mu     sync.RWMutex
	closed bool
}

// NewChromemStore opens (or creates) the collection named in opts.
func NewChromemStore(opts ChromemOptions, embed EmbeddingFunc, logger *logging.Logger) (*ChromemStore, error) {
	if embed == nil {
		return nil, fmt.Errorf("embedding function is required")
	}
	if opts.Collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var db *chromem.DB
	if opts.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(opts.Path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", opts.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	coll, err := db.GetOrCreateCollection(opts.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", opts.Collection, err)
	}

	logger.Info(context.Background(), "chromem memory store ready",
		zap.String("path", opts.Path),
		zap.String("collection", opts.Collection),
		zap.Int("documents", coll.Count()),
	)
	return &ChromemStore{db: db, collection: coll, logger: logger}, nil
}

// Add embeds and stores records. Records with an existing ID are replaced.
func (s *ChromemStore) Add(ctx context.Context, records []Record) error {
	ctx, span := tracer.Start(ctx, "memory.chromem.add")
	defer span.End()
	span.SetAttributes(attribute.Int("records", len(records)))

	if len(records) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	docs := make([]chromem.Document, 0, len(records))
	for _, r := range records {
		if r.ID == "" || r.Content == "" {
			return fmt.Errorf("record requires id and content")
		}
		docs = append(docs, chromem.Document{ID: r.ID, Content: r.Content, Metadata: r.Metadata})
	}
	if err := s.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "add failed")
		return fmt.Errorf("adding documents: %w", err)
	}
	return nil
}

// Search returns up to k records most similar to query.
func (s *ChromemStore) Search(ctx context.Context, query string, k int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "memory.chromem.search")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	// chromem rejects k larger than the collection
	if n := s.collection.Count(); k > n {
		k = n
	}
	span.SetAttributes(attribute.Int("k", k))
	if k <= 0 || query == "" {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("querying collection: %w", err)
	}
	out := make([]Record, 0, len(results))
	for _, res := range results {
		out = append(out, Record{
			ID:       res.ID,
			Content:  res.Content,
			Metadata: res.Metadata,
			Score:    res.Similarity,
		})
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *ChromemStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.collection.Count(), nil
}

// Close marks the store closed. Persistent databases write on every add, so
// there is nothing to flush.
func (s *ChromemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
