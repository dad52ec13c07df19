package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	chromem "github.com/philippgille/chromem-go"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/config"
)

// EmbeddingFunc turns text into a vector. It is chromem's function type so
// that both stores share one embedder.
type EmbeddingFunc = chromem.EmbeddingFunc

const defaultHashDimensions = 256

// NewEmbedder builds the embedding function named by the config.
func NewEmbedder(cfg config.EmbedderConfig) (EmbeddingFunc, error) {
	switch cfg.Provider {
	case "", "hash":
		dims := cfg.Dimensions
		if dims <= 0 {
			dims = defaultHashDimensions
		}
		return HashEmbedder(dims), nil
	case "ollama":
		if cfg.Model == "" {
			return nil, fmt.Errorf("ollama embedder requires a model")
		}
		return chromem.NewEmbeddingFuncOllama(cfg.Model, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", cfg.Provider)
	}
}

// HashEmbedder returns a deterministic bag-of-words embedder. Each token is
// hashed into one of dims buckets and the vector is normalized, so texts
// sharing words score higher under cosine similarity. It needs no model and
// is meant for local runs and tests.
func HashEmbedder(dims int) EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dims)
		tokens := tokenize(text)
		if len(tokens) == 0 {
			// chromem rejects zero vectors
			vec[0] = 1
			return vec, nil
		}
		for _, tok := range tokens {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			sum := h.Sum32()
			sign := float32(1)
			if sum&1 == 1 {
				sign = -1
			}
			vec[int(sum>>1)%dims] += sign
		}
		normalize(vec)
		return vec, nil
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		vec[0] = 1
		return
	}
	norm := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= norm
	}
}
