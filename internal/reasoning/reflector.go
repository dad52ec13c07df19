// Package reasoning provides an LLM-backed Reflector for the run engine.
//
// The reflector asks a language model for a one-paragraph rationale of the
// planned run. Model failures never fail the run: the deterministic summary
// from orchestrator.Summarize is returned instead.
package reasoning

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/config"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

const (
	defaultTimeout  = 20 * time.Second
	maxSummaryRunes = 600
	maxTokens       = 256
)

// LLMReflector implements orchestrator.Reflector over a langchaingo model.
type LLMReflector struct {
	model       llms.Model
	temperature float64
	timeout     time.Duration
	logger      *logging.Logger
}

var _ orchestrator.Reflector = (*LLMReflector)(nil)

// Option configures an LLMReflector.
type Option func(*LLMReflector)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(r *LLMReflector) { r.temperature = t }
}

// WithTimeout bounds a single model call.
func WithTimeout(d time.Duration) Option {
	return func(r *LLMReflector) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewLLMReflector wraps model.
func NewLLMReflector(model llms.Model, logger *logging.Logger, opts ...Option) *LLMReflector {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &LLMReflector{model: model, timeout: defaultTimeout, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// New builds the reflector named by cfg. The "none" provider yields the
// deterministic orchestrator.DefaultReflector.
func New(cfg config.ReasoningConfig, logger *logging.Logger) (orchestrator.Reflector, error) {
	var (
		model llms.Model
		err   error
	)
	switch cfg.Provider {
	case "", "none":
		return orchestrator.DefaultReflector{}, nil
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err = ollama.New(opts...)
	case "openai":
		opts := []openai.Option{openai.WithModel(cfg.Model), openai.WithToken(cfg.APIKey.Value())}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown reasoning provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s model: %w", cfg.Provider, err)
	}
	return NewLLMReflector(model, logger,
		WithTemperature(cfg.Temperature),
		WithTimeout(cfg.Timeout.Duration()),
	), nil
}

// Reflect asks the model to summarize the plan. It does not modify st.
func (r *LLMReflector) Reflect(ctx context.Context, st *orchestrator.State) (string, error) {
	fallback := orchestrator.Summarize(st)

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := llms.GenerateFromSinglePrompt(callCtx, r.model, BuildPrompt(st),
		llms.WithTemperature(r.temperature),
		llms.WithMaxTokens(maxTokens),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.logger.Warn(ctx, "model reflection failed; using summary", zap.Error(err))
		return fallback, nil
	}

	out = clean(out)
	if out == "" {
		return fallback, nil
	}
	return out, nil
}

// BuildPrompt renders the reflection prompt for a run.
func BuildPrompt(st *orchestrator.State) string {
	var b strings.Builder
	b.WriteString("You review automated outreach runs. In at most three sentences, ")
	b.WriteString("state what the run will do and any risk to watch for. Do not invent recipients.\n\n")
	b.WriteString(orchestrator.Summarize(st))
	b.WriteString("\n\nPlan:\n")
	for i, step := range st.PlannedActions {
		fmt.Fprintf(&b, "%d. %s -> %s\n", i+1, step.Action, step.Target)
	}
	if n := len(st.RetrievedContext); n > 0 {
		b.WriteString("\nRelated memory:\n")
		for _, s := range st.RetrievedContext[:min(n, 3)] {
			fmt.Fprintf(&b, "- %s\n", s.Text)
		}
	}
	if len(st.WorkingNotes) > 0 {
		b.WriteString("\nNotes from earlier attempts:\n")
		for _, note := range st.WorkingNotes {
			fmt.Fprintf(&b, "- %s\n", note)
		}
	}
	return b.String()
}

func clean(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxSummaryRunes {
		return s
	}
	return string([]rune(s)[:maxSummaryRunes]) + "..."
}
