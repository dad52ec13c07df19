package plugins

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

func dispatchReq() orchestrator.DispatchRequest {
	return orchestrator.DispatchRequest{
		RunID:          "run-1",
		IdempotencyKey: "key-1",
		Task:           orchestrator.Task{Intent: "notify", Channel: "webhook"},
		Payload:        "[webhook] notify",
		Targets:        []string{"a", "b"},
	}
}

func TestWebhook_Success(t *testing.T) {
	var got webhookBody
	var sig, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		sig = r.Header.Get(SignatureHeader)
		key = r.Header.Get(IdempotencyHeader)
		assert.Equal(t, Sign("s3cret", body), sig)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := NewWebhook(WebhookConfig{URL: srv.URL, Secret: "s3cret", RateLimit: 100, Burst: 1})
	require.NoError(t, err)

	res, err := w.Execute(context.Background(), dispatchReq())
	require.NoError(t, err)
	assert.Equal(t, 2, res.DispatchedCount)
	assert.Equal(t, []string{"a", "b"}, res.Succeeded)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "[webhook] notify", got.Payload)
	assert.Equal(t, "key-1", key)
	assert.NotEmpty(t, sig)
}

func TestWebhook_PartialReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(webhookResponse{Delivered: []string{"a"}, Failed: []string{"b"}})
	}))
	defer srv.Close()

	w, err := NewWebhook(WebhookConfig{URL: srv.URL})
	require.NoError(t, err)

	res, err := w.Execute(context.Background(), dispatchReq())
	require.NoError(t, err)
	assert.True(t, res.Partial())
	assert.Equal(t, []string{"b"}, res.Failed)
}

func TestWebhook_ClientErrorIsValidationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "payload too long", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	w, err := NewWebhook(WebhookConfig{URL: srv.URL})
	require.NoError(t, err)

	res, err := w.Execute(context.Background(), dispatchReq())
	require.NoError(t, err)
	assert.Equal(t, 0, res.DispatchedCount)
	assert.Equal(t, []string{"a", "b"}, res.Failed)
	assert.Equal(t, "payload too long", res.Metadata["validation_error"])
}

func TestWebhook_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w, err := NewWebhook(WebhookConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = w.Execute(context.Background(), dispatchReq())
	require.Error(t, err)
	assert.True(t, orchestrator.IsTransient(err))
}

func TestNewWebhook_RequiresURL(t *testing.T) {
	_, err := NewWebhook(WebhookConfig{})
	assert.Error(t, err)
}
