package plugins

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

const (
	// DemoName is the name of the demo messaging plugin.
	DemoName = "demo-messaging"

	demoFallbackRecipient = "demo@local"
	previewLen            = 120
)

// DemoOption configures the demo plugin.
type DemoOption func(*Demo)

// WithFailRecipients makes the listed recipients fail on every dispatch.
func WithFailRecipients(recipients ...string) DemoOption {
	return func(d *Demo) {
		for _, r := range recipients {
			d.fail[strings.ToLower(r)] = true
		}
	}
}

// WithLatency simulates network latency per dispatch.
func WithLatency(d time.Duration) DemoOption {
	return func(p *Demo) { p.latency = d }
}

// Demo simulates outbound messaging without side effects.
type Demo struct {
	fail    map[string]bool
	latency time.Duration
	logger  *logging.Logger
}

// NewDemo creates the demo plugin.
func NewDemo(logger *logging.Logger, opts ...DemoOption) *Demo {
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Demo{fail: make(map[string]bool), logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements orchestrator.Plugin.
func (d *Demo) Name() string { return DemoName }

// Execute "delivers" to every target. Recipients configured to fail are
// reported as failed.
func (d *Demo) Execute(ctx context.Context, req orchestrator.DispatchRequest) (*orchestrator.PluginResult, error) {
	if d.latency > 0 {
		select {
		case <-time.After(d.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	targets := req.Targets
	if len(targets) == 0 {
		targets = []string{demoFallbackRecipient}
	}

	res := &orchestrator.PluginResult{
		PluginName: DemoName,
		Metadata: map[string]string{
			"preview": preview(req.Payload),
			"intent":  req.Task.Intent,
		},
	}
	for _, t := range targets {
		if d.fail[strings.ToLower(t)] {
			res.Failed = append(res.Failed, t)
			continue
		}
		res.Succeeded = append(res.Succeeded, t)
	}
	res.DispatchedCount = len(res.Succeeded)

	d.logger.Info(ctx, "demo dispatch",
		zap.Int("dispatched", res.DispatchedCount),
		zap.Int("failed", len(res.Failed)),
	)
	return res, nil
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > previewLen {
		return string(r[:previewLen])
	}
	return s
}
