package http

import "github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"

// RunRequest is the body of POST /api/v1/runs.
type RunRequest struct {
	Task  orchestrator.Task `json:"task"`
	Hints map[string]string `json:"hints,omitempty"`
}

// RunResponse is returned by the run endpoints. State is omitted for
// queued submissions.
type RunResponse struct {
	RunID   string              `json:"run_id"`
	Status  orchestrator.Status `json:"status"`
	Outcome string              `json:"outcome,omitempty"`
	Error   string              `json:"error,omitempty"`
	State   *orchestrator.State `json:"state,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
