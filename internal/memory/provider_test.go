package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/config"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

type stubStore struct {
	results []Record
	err     error
	added   []Record
	query   string
	k       int
}

func (s *stubStore) Add(_ context.Context, records []Record) error {
	if s.err != nil {
		return s.err
	}
	s.added = append(s.added, records...)
	return nil
}

func (s *stubStore) Search(_ context.Context, query string, k int) ([]Record, error) {
	s.query, s.k = query, k
	return s.results, s.err
}

func (s *stubStore) Count(context.Context) (int, error) { return len(s.added), nil }
func (s *stubStore) Close() error                       { return nil }

func TestProvider_FetchFiltersByRelevance(t *testing.T) {
	store := &stubStore{results: []Record{
		{ID: "a", Content: "close match", Score: 0.9, Metadata: map[string]string{"plugin": "demo-messaging"}},
		{ID: "b", Content: "weak match", Score: 0.1},
	}}
	p := NewProvider(store, ProviderOptions{Limit: 3, MinRelevance: 0.2}, logging.NewNop())

	task := orchestrator.Task{Intent: "notify team", Channel: "email", Payload: orchestrator.Payload{Subject: "Launch"}}
	snippets, err := p.Fetch(context.Background(), task, 0)
	require.NoError(t, err)

	assert.Equal(t, 3, store.k, "default limit applies")
	assert.Equal(t, "notify team Launch email", store.query)
	require.Len(t, snippets, 1)
	assert.Equal(t, "a", snippets[0].ID)
	assert.Equal(t, "demo-messaging", snippets[0].Source["plugin"])
}

func TestProvider_FetchError(t *testing.T) {
	boom := orchestrator.Unavailable("qdrant", "query", errors.New("down"))
	p := NewProvider(&stubStore{err: boom}, ProviderOptions{}, nil)

	_, err := p.Fetch(context.Background(), orchestrator.Task{Intent: "x"}, 2)
	assert.True(t, orchestrator.IsTransient(err))
}

func TestProvider_Validate(t *testing.T) {
	p := NewProvider(&stubStore{}, ProviderOptions{MinRelevance: 0.3, MinSnippets: 2}, nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		snippets   []orchestrator.Snippet
		sufficient bool
	}{
		{name: "none", sufficient: false},
		{name: "one relevant", snippets: []orchestrator.Snippet{{Text: "a", Score: 0.8}}, sufficient: false},
		{name: "low scores ignored", snippets: []orchestrator.Snippet{{Text: "a", Score: 0.8}, {Text: "b", Score: 0.1}}, sufficient: false},
		{name: "blank text ignored", snippets: []orchestrator.Snippet{{Text: "a", Score: 0.8}, {Text: " ", Score: 0.9}}, sufficient: false},
		{name: "enough", snippets: []orchestrator.Snippet{{Text: "a", Score: 0.8}, {Text: "b", Score: 0.4}}, sufficient: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := p.Validate(ctx, tt.snippets)
			require.NoError(t, err)
			assert.Equal(t, tt.sufficient, v.Sufficient)
			if !tt.sufficient {
				assert.NotEmpty(t, v.Reason)
			}
		})
	}
}

func TestProvider_Persist(t *testing.T) {
	store := &stubStore{}
	p := NewProvider(store, ProviderOptions{}, nil)
	ctx := context.Background()

	err := p.Persist(ctx, "Request notify team completed", map[string]string{
		"run_id": "run-1",
		"plugin": "demo-messaging",
		"empty":  "",
	})
	require.NoError(t, err)
	require.Len(t, store.added, 1)
	assert.Equal(t, "run-1", store.added[0].ID)
	assert.Equal(t, "demo-messaging", store.added[0].Metadata["plugin"])
	assert.NotContains(t, store.added[0].Metadata, "empty")

	assert.Error(t, p.Persist(ctx, "  ", nil))
}

func TestProvider_PersistThenFetch(t *testing.T) {
	ctx := context.Background()
	p, err := Open(ctx, config.MemoryConfig{
		Provider:     "chromem",
		Collection:   "provider_test",
		Limit:        3,
		MinRelevance: 0.2,
		MinSnippets:  1,
		Embedder:     config.EmbedderConfig{Provider: "hash", Dimensions: 128},
	}, logging.NewNop())
	require.NoError(t, err)
	require.NotNil(t, p)
	t.Cleanup(func() { _ = p.Close() })

	require.NoError(t, p.Persist(ctx, "weekly newsletter delivered to marketing", map[string]string{"run_id": "r1"}))
	require.NoError(t, p.Persist(ctx, "server backup rotated", map[string]string{"run_id": "r2"}))

	snippets, err := p.Fetch(ctx, orchestrator.Task{Intent: "send the weekly newsletter to marketing"}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, snippets)
	assert.Equal(t, "r1", snippets[0].ID)

	v, err := p.Validate(ctx, snippets)
	require.NoError(t, err)
	assert.True(t, v.Sufficient)
}

func TestOpen_Disabled(t *testing.T) {
	p, err := Open(context.Background(), config.MemoryConfig{Provider: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, p)
}
