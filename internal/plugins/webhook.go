package plugins

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

const (
	// WebhookName is the name of the webhook plugin.
	WebhookName = "webhook"

	// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
	SignatureHeader = "X-Orchestrator-Signature"
	// IdempotencyHeader carries the dispatch idempotency key.
	IdempotencyHeader = "Idempotency-Key"

	defaultWebhookTimeout = 5 * time.Second
	maxErrorBody          = 4096
)

// WebhookConfig configures the webhook plugin.
type WebhookConfig struct {
	URL       string
	Secret    string
	RateLimit float64 // requests per second; 0 disables limiting
	Burst     int
	Timeout   time.Duration
}

// webhookBody is the JSON document posted to the endpoint.
type webhookBody struct {
	RunID   string            `json:"run_id"`
	Attempt int               `json:"attempt"`
	Intent  string            `json:"intent"`
	Channel string            `json:"channel"`
	Payload string            `json:"payload"`
	Targets []string          `json:"targets,omitempty"`
	Meta    map[string]string `json:"metadata,omitempty"`
}

// webhookResponse is the optional per-recipient report of the endpoint.
type webhookResponse struct {
	Delivered        []string `json:"delivered"`
	Failed           []string `json:"failed"`
	ValidationErrors []string `json:"validation_errors"`
}

// Webhook posts the rendered payload to an HTTP endpoint.
type Webhook struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhook creates the webhook plugin.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	w := &Webhook{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return w, nil
}

// Name implements orchestrator.Plugin.
func (w *Webhook) Name() string { return WebhookName }

// Execute posts one request. Network errors and 5xx/429 responses are
// returned as transient errors; 4xx responses are reported as a failed
// dispatch with a validation error.
func (w *Webhook) Execute(ctx context.Context, req orchestrator.DispatchRequest) (*orchestrator.PluginResult, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(webhookBody{
		RunID:   req.RunID,
		Attempt: req.Attempt,
		Intent:  req.Task.Intent,
		Channel: req.Task.Channel,
		Payload: req.Payload,
		Targets: req.Targets,
		Meta:    req.Task.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)
	if w.cfg.Secret != "" {
		httpReq.Header.Set(SignatureHeader, Sign(w.cfg.Secret, body))
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, orchestrator.Unavailable(WebhookName, "post", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, orchestrator.Unavailable(WebhookName, "post",
			fmt.Errorf("endpoint returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return &orchestrator.PluginResult{
			PluginName: WebhookName,
			Failed:     targetsOrChannel(req),
			Metadata: map[string]string{
				"status":           strconv.Itoa(resp.StatusCode),
				"validation_error": strings.TrimSpace(string(raw)),
			},
		}, nil
	}

	res := &orchestrator.PluginResult{
		PluginName: WebhookName,
		Metadata:   map[string]string{"status": strconv.Itoa(resp.StatusCode)},
	}
	var report webhookResponse
	if len(raw) > 0 && json.Unmarshal(raw, &report) == nil && (len(report.Delivered) > 0 || len(report.Failed) > 0) {
		res.Succeeded = report.Delivered
		res.Failed = report.Failed
		if len(report.ValidationErrors) > 0 {
			res.Metadata["validation_error"] = strings.Join(report.ValidationErrors, "; ")
		}
	} else {
		res.Succeeded = targetsOrChannel(req)
	}
	res.DispatchedCount = len(res.Succeeded)
	return res, nil
}

func targetsOrChannel(req orchestrator.DispatchRequest) []string {
	if len(req.Targets) > 0 {
		return append([]string(nil), req.Targets...)
	}
	return []string{req.Task.Channel}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
