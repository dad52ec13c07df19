package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled skips checks", func(c *Config) { c.Endpoint = "" }, false},
		{"enabled local", func(c *Config) { c.Enabled = true }, false},
		{"enabled ipv6 loopback", func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, false},
		{"insecure remote", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, true},
		{"secure remote", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317"; c.Insecure = false }, false},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, true},
		{"bad rate", func(c *Config) { c.Enabled = true; c.SampleRate = 2 }, true},
		{"missing endpoint", func(c *Config) { c.Enabled = true; c.Endpoint = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)
	assert.False(t, tel.Health().Enabled)
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTestTelemetry_Spans(t *testing.T) {
	tel := NewTestTelemetry()
	_, span := tel.Tracer("test").Start(context.Background(), "orchestrator.run")
	span.SetAttributes(attribute.String("run.status", "completed"))
	span.End()

	tel.AssertSpanExists(t, "orchestrator.run")
	tel.AssertSpanAttribute(t, "orchestrator.run", "run.status", "completed")
	assert.Nil(t, tel.SpanByName("missing"))
}

func TestTestTelemetry_Metrics(t *testing.T) {
	tel := NewTestTelemetry()
	counter, err := tel.Meter("test").Int64Counter("runs")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, tel.MetricReader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, "runs", rm.ScopeMetrics[0].Metrics[0].Name)
}
