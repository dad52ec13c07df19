package memory

import (
	"context"
	"errors"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("memory store closed")

// Record is one stored memory entry. Score is set on search results only.
type Record struct {
	ID       string
	Content  string
	Metadata map[string]string
	Score    float32
}

// Store is a searchable vector store of memory records.
type Store interface {
	Add(ctx context.Context, records []Record) error
	Search(ctx context.Context, query string, k int) ([]Record, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
