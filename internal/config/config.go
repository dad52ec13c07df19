// Package config provides configuration loading for the orchestrator.
package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds the complete orchestrator configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Engine    EngineConfig    `koanf:"engine"`
	Policy    PolicyConfig    `koanf:"policy"`
	Memory    MemoryConfig    `koanf:"memory"`
	NATS      NATSConfig      `koanf:"nats"`
	Workers   WorkersConfig   `koanf:"workers"`
	Reasoning ReasoningConfig `koanf:"reasoning"`
	Plugins   PluginsConfig   `koanf:"plugins"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// EngineConfig tunes the run engine.
type EngineConfig struct {
	MaxRetries     int               `koanf:"max_retries"`
	StageTimeout   Duration          `koanf:"stage_timeout"`
	ContextLimit   int               `koanf:"context_limit"`
	DefaultPlugin  string            `koanf:"default_plugin"`
	ChannelPlugins map[string]string `koanf:"channel_plugins"`
	StatusPrefix   string            `koanf:"status_prefix"`
}

// PolicyConfig selects the directive source.
type PolicyConfig struct {
	Path       string `koanf:"path"`
	FailClosed bool   `koanf:"fail_closed"`
	Watch      bool   `koanf:"watch"`
	Version    string `koanf:"version"`
}

// MemoryConfig configures context memory.
type MemoryConfig struct {
	Provider     string         `koanf:"provider"` // chromem, qdrant or none
	Collection   string         `koanf:"collection"`
	Limit        int            `koanf:"limit"`
	MinRelevance float64        `koanf:"min_relevance"`
	MinSnippets  int            `koanf:"min_snippets"`
	Chromem      ChromemConfig  `koanf:"chromem"`
	Qdrant       QdrantConfig   `koanf:"qdrant"`
	Embedder     EmbedderConfig `koanf:"embedder"`
}

// ChromemConfig holds embedded vector store settings. An empty path keeps
// the store in memory.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig holds Qdrant gRPC settings.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	APIKey     Secret `koanf:"api_key"`
	UseTLS     bool   `koanf:"use_tls"`
	VectorSize uint64 `koanf:"vector_size"`
}

// EmbedderConfig selects the embedding function.
type EmbedderConfig struct {
	Provider   string `koanf:"provider"` // hash or ollama
	Model      string `koanf:"model"`
	BaseURL    string `koanf:"base_url"`
	Dimensions int    `koanf:"dimensions"`
}

// NATSConfig holds broker settings for the bus, queue and checkpoints.
type NATSConfig struct {
	URL           string   `koanf:"url"`
	Embedded      bool     `koanf:"embedded"`
	StoreDir      string   `koanf:"store_dir"`
	Stream        string   `koanf:"stream"`
	SubjectPrefix string   `koanf:"subject_prefix"`
	Consumer      string   `koanf:"consumer"`
	KVBucket      string   `koanf:"kv_bucket"`
	MaxDeliver    int      `koanf:"max_deliver"`
	AckWait       Duration `koanf:"ack_wait"`
}

// Enabled reports whether a broker is configured.
func (n NATSConfig) Enabled() bool {
	return n.URL != "" || n.Embedded
}

// WorkersConfig sizes the queued-mode worker pool.
type WorkersConfig struct {
	Count int `koanf:"count"`
}

// ReasoningConfig selects the LLM used for reflection.
type ReasoningConfig struct {
	Provider    string   `koanf:"provider"` // none, ollama or openai
	Model       string   `koanf:"model"`
	BaseURL     string   `koanf:"base_url"`
	APIKey      Secret   `koanf:"api_key"`
	Temperature float64  `koanf:"temperature"`
	Timeout     Duration `koanf:"timeout"`
}

// PluginsConfig holds per-plugin settings.
type PluginsConfig struct {
	Demo    DemoPluginConfig    `koanf:"demo"`
	Webhook WebhookPluginConfig `koanf:"webhook"`
	SMTP    SMTPPluginConfig    `koanf:"smtp"`
}

// DemoPluginConfig configures the demo messaging plugin.
type DemoPluginConfig struct {
	FailRecipients []string `koanf:"fail_recipients"`
}

// WebhookPluginConfig configures the webhook plugin. An empty URL leaves it
// unregistered.
type WebhookPluginConfig struct {
	URL       string   `koanf:"url"`
	Secret    Secret   `koanf:"secret"`
	RateLimit float64  `koanf:"rate_limit"`
	Burst     int      `koanf:"burst"`
	Timeout   Duration `koanf:"timeout"`
}

// SMTPPluginConfig configures the email plugin. An empty host leaves it
// unregistered.
type SMTPPluginConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password Secret `koanf:"password"`
	From     string `koanf:"from"`
}

// LoggingConfig holds the level/format pair mapped onto the logging package.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OTLP settings mapped onto the telemetry package.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	Protocol   string  `koanf:"protocol"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("engine.max_retries must be >= 0, got %d", c.Engine.MaxRetries))
	}
	if c.Engine.StageTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("engine.stage_timeout must be positive"))
	}
	if c.Engine.ContextLimit <= 0 {
		errs = append(errs, errors.New("engine.context_limit must be positive"))
	}
	if strings.TrimSpace(c.Engine.DefaultPlugin) == "" {
		errs = append(errs, errors.New("engine.default_plugin is required"))
	}

	switch c.Memory.Provider {
	case "chromem", "qdrant", "none":
	default:
		errs = append(errs, fmt.Errorf("memory.provider must be chromem, qdrant or none, got %q", c.Memory.Provider))
	}
	if c.Memory.MinRelevance < 0 || c.Memory.MinRelevance > 1 {
		errs = append(errs, fmt.Errorf("memory.min_relevance must be between 0 and 1, got %f", c.Memory.MinRelevance))
	}
	switch c.Memory.Embedder.Provider {
	case "hash", "ollama":
	default:
		errs = append(errs, fmt.Errorf("memory.embedder.provider must be hash or ollama, got %q", c.Memory.Embedder.Provider))
	}

	switch c.Reasoning.Provider {
	case "none", "ollama":
	case "openai":
		if !c.Reasoning.APIKey.IsSet() {
			errs = append(errs, errors.New("reasoning.api_key is required for openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("reasoning.provider must be none, ollama or openai, got %q", c.Reasoning.Provider))
	}

	if c.Workers.Count < 0 {
		errs = append(errs, fmt.Errorf("workers.count must be >= 0, got %d", c.Workers.Count))
	}
	if c.NATS.Enabled() && c.NATS.MaxDeliver <= 0 {
		errs = append(errs, errors.New("nats.max_deliver must be positive"))
	}
	if c.Plugins.Webhook.URL != "" && c.Plugins.Webhook.RateLimit < 0 {
		errs = append(errs, errors.New("plugins.webhook.rate_limit must be >= 0"))
	}

	return errors.Join(errs...)
}
