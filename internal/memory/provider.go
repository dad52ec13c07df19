package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/config"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

const defaultLimit = 5

// ProviderOptions tunes retrieval and the sufficiency verdict.
type ProviderOptions struct {
	// Limit is used when the caller passes no limit.
	Limit int
	// MinRelevance drops snippets scoring below it.
	MinRelevance float32
	// MinSnippets is how many relevant snippets make context sufficient.
	MinSnippets int
}

// Provider adapts a Store to the run engine's context and memory
// collaborators.
type Provider struct {
	store  Store
	opts   ProviderOptions
	logger *logging.Logger
}

var (
	_ orchestrator.ContextProvider = (*Provider)(nil)
	_ orchestrator.MemoryWriter    = (*Provider)(nil)
)

// NewProvider wraps store.
func NewProvider(store Store, opts ProviderOptions, logger *logging.Logger) *Provider {
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	if opts.MinSnippets <= 0 {
		opts.MinSnippets = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Provider{store: store, opts: opts, logger: logger}
}

// Fetch searches memory for records related to the task.
func (p *Provider) Fetch(ctx context.Context, task orchestrator.Task, limit int) ([]orchestrator.Snippet, error) {
	if limit <= 0 {
		limit = p.opts.Limit
	}
	records, err := p.store.Search(ctx, queryFor(task), limit)
	if err != nil {
		return nil, err
	}

	snippets := make([]orchestrator.Snippet, 0, len(records))
	for _, r := range records {
		if r.Score < p.opts.MinRelevance {
			continue
		}
		snippets = append(snippets, orchestrator.Snippet{
			ID:     r.ID,
			Text:   r.Content,
			Score:  r.Score,
			Source: r.Metadata,
		})
	}
	p.logger.Debug(ctx, "memory fetched",
		zap.Int("candidates", len(records)),
		zap.Int("relevant", len(snippets)),
	)
	return snippets, nil
}

// Validate reports whether enough relevant snippets were retrieved.
func (p *Provider) Validate(_ context.Context, snippets []orchestrator.Snippet) (orchestrator.ContextValidation, error) {
	relevant := 0
	for _, s := range snippets {
		if s.Score >= p.opts.MinRelevance && strings.TrimSpace(s.Text) != "" {
			relevant++
		}
	}
	switch {
	case relevant == 0:
		return orchestrator.ContextValidation{Sufficient: false, Reason: "no relevant memory found"}, nil
	case relevant < p.opts.MinSnippets:
		return orchestrator.ContextValidation{
			Sufficient: false,
			Reason:     fmt.Sprintf("%d relevant snippets, need %d", relevant, p.opts.MinSnippets),
		}, nil
	}
	return orchestrator.ContextValidation{Sufficient: true}, nil
}

// Persist stores a run summary. A run_id annotation makes the write
// idempotent for that run.
func (p *Provider) Persist(ctx context.Context, summary string, annotations map[string]string) error {
	if strings.TrimSpace(summary) == "" {
		return fmt.Errorf("empty summary")
	}
	id := annotations["run_id"]
	if id == "" {
		id = uuid.NewString()
	}
	meta := make(map[string]string, len(annotations))
	for k, v := range annotations {
		if v != "" {
			meta[k] = v
		}
	}
	if err := p.store.Add(ctx, []Record{{ID: id, Content: summary, Metadata: meta}}); err != nil {
		return err
	}
	p.logger.Debug(ctx, "memory persisted", zap.String("record.id", id))
	return nil
}

// Close closes the underlying store.
func (p *Provider) Close() error {
	return p.store.Close()
}

func queryFor(task orchestrator.Task) string {
	parts := []string{task.Intent}
	if task.Payload.Subject != "" {
		parts = append(parts, task.Payload.Subject)
	}
	if task.Channel != "" {
		parts = append(parts, task.Channel)
	}
	return strings.Join(parts, " ")
}

// Open builds the provider selected by cfg. It returns nil with no error
// when memory is disabled.
func Open(ctx context.Context, cfg config.MemoryConfig, logger *logging.Logger) (*Provider, error) {
	if cfg.Provider == "none" {
		return nil, nil
	}
	embed, err := NewEmbedder(cfg.Embedder)
	if err != nil {
		return nil, err
	}

	var store Store
	switch cfg.Provider {
	case "", "chromem":
		store, err = NewChromemStore(ChromemOptions{
			Path:       cfg.Chromem.Path,
			Compress:   cfg.Chromem.Compress,
			Collection: cfg.Collection,
		}, embed, logger)
	case "qdrant":
		size := cfg.Qdrant.VectorSize
		if size == 0 && cfg.Embedder.Dimensions > 0 {
			size = uint64(cfg.Embedder.Dimensions)
		}
		store, err = NewQdrantStore(ctx, QdrantOptions{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey.Value(),
			UseTLS:     cfg.Qdrant.UseTLS,
			Collection: cfg.Collection,
			VectorSize: size,
		}, embed, logger)
	default:
		return nil, fmt.Errorf("unknown memory provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s memory: %w", cfg.Provider, err)
	}
	return NewProvider(store, ProviderOptions{
		Limit:        cfg.Limit,
		MinRelevance: float32(cfg.MinRelevance),
		MinSnippets:  cfg.MinSnippets,
	}, logger), nil
}
