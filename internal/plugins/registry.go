package plugins

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/config"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

// Registry maps plugin names and aliases to plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]orchestrator.Plugin
	aliases map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]orchestrator.Plugin),
		aliases: make(map[string]string),
	}
}

// Register adds p under its name and the given aliases.
func (r *Registry) Register(p orchestrator.Plugin, aliases ...string) error {
	name := strings.ToLower(p.Name())
	if name == "" {
		return fmt.Errorf("plugin name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[name]; ok {
		return fmt.Errorf("plugin %q already registered", name)
	}
	r.plugins[name] = p
	for _, a := range aliases {
		r.aliases[strings.ToLower(a)] = name
	}
	return nil
}

// Alias points alias at an already registered plugin.
func (r *Registry) Alias(alias, name string) error {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[name]; !ok {
		return fmt.Errorf("alias %q: %w: %s", alias, orchestrator.ErrPluginNotFound, name)
	}
	r.aliases[strings.ToLower(alias)] = name
	return nil
}

// Resolve implements orchestrator.PluginRegistry.
func (r *Registry) Resolve(name string) (orchestrator.Plugin, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.plugins[key]; ok {
		return p, nil
	}
	if target, ok := r.aliases[key]; ok {
		if p, ok := r.plugins[target]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", orchestrator.ErrPluginNotFound, name)
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewDefaultRegistry registers the built-in plugins. The demo plugin is
// always present; webhook and smtp-email are added when configured.
func NewDefaultRegistry(cfg config.PluginsConfig, logger *logging.Logger) (*Registry, error) {
	r := NewRegistry()
	demo := NewDemo(logger, WithFailRecipients(cfg.Demo.FailRecipients...))
	if err := r.Register(demo, "demo", "whatsapp"); err != nil {
		return nil, err
	}

	if cfg.Webhook.URL != "" {
		w, err := NewWebhook(WebhookConfig{
			URL:       cfg.Webhook.URL,
			Secret:    cfg.Webhook.Secret.Value(),
			RateLimit: cfg.Webhook.RateLimit,
			Burst:     cfg.Webhook.Burst,
			Timeout:   cfg.Webhook.Timeout.Duration(),
		})
		if err != nil {
			return nil, err
		}
		if err := r.Register(w, "http"); err != nil {
			return nil, err
		}
	}

	if cfg.SMTP.Host != "" {
		s, err := NewSMTP(SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password.Value(),
			From:     cfg.SMTP.From,
		}, nil)
		if err != nil {
			return nil, err
		}
		if err := r.Register(s, "smtp", "email"); err != nil {
			return nil, err
		}
	}
	return r, nil
}
