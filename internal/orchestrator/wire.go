package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultStatusPrefix is the channel prefix for status snapshots.
const DefaultStatusPrefix = "runs.status"

// Envelope is the queued-mode work item.
type Envelope struct {
	RunID string            `json:"run_id"`
	Task  Task              `json:"task"`
	Hints map[string]string `json:"hints,omitempty"`
}

// StatusMessage is published after each stage and on completion.
type StatusMessage struct {
	RunID       string    `json:"run_id"`
	Status      Status    `json:"status"`
	Stage       Stage     `json:"stage,omitempty"`
	State       *State    `json:"state"`
	PublishedAt time.Time `json:"published_at"`
}

// StatusChannel returns the status channel keyed by run id.
func StatusChannel(prefix, runID string) string {
	if prefix == "" {
		prefix = DefaultStatusPrefix
	}
	return prefix + "." + runID
}

// EncodeEnvelope serializes a work item.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeEnvelope parses a work item and rejects ones without a run id.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.RunID == "" {
		return Envelope{}, &ValidationError{Field: "run_id", Message: "required"}
	}
	return env, nil
}

// EncodeStatus serializes a status snapshot of st.
func EncodeStatus(st *State) ([]byte, error) {
	return json.Marshal(StatusMessage{
		RunID:       st.RunID,
		Status:      st.Status,
		Stage:       st.Stage,
		State:       st,
		PublishedAt: time.Now().UTC(),
	})
}

// DecodeStatus parses a status snapshot.
func DecodeStatus(data []byte) (StatusMessage, error) {
	var msg StatusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return StatusMessage{}, fmt.Errorf("decode status: %w", err)
	}
	return msg, nil
}
