package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPolicyBlocked is reported by State.Err for BLOCKED runs.
	ErrPolicyBlocked = errors.New("dispatch blocked by policy")

	// ErrPluginNotFound is returned by a registry for an unknown plugin id.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrRunNotFound is returned by Query and checkpoint stores for unknown runs.
	ErrRunNotFound = errors.New("run not found")

	// ErrRetryExhausted marks a completed run that still carries actionable issues.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrLedgerMiss is returned by a dispatch ledger with no recorded result.
	ErrLedgerMiss = errors.New("no recorded dispatch")
)

// ValidationError describes a malformed inbound task.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every problem found in one task.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return "invalid task: " + strings.Join(parts, "; ")
}

// As lets errors.As find the first field error.
func (v ValidationErrors) As(target any) bool {
	if len(v) == 0 {
		return false
	}
	if t, ok := target.(**ValidationError); ok {
		*t = v[0]
		return true
	}
	return false
}

// CollaboratorError wraps a failed call into an external collaborator.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Transient    bool
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// Unavailable wraps err as a transient collaborator failure.
func Unavailable(collaborator, op string, err error) error {
	return &CollaboratorError{Collaborator: collaborator, Op: op, Transient: true, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return false
}

// InternalFault is an unexpected failure inside the engine. It marks the
// run FAILED and is never retried.
type InternalFault struct {
	Stage Stage
	Cause string
	Stack string
}

func (e *InternalFault) Error() string {
	return fmt.Sprintf("internal fault in stage %s: %s", e.Stage, e.Cause)
}

// Err reports the terminal condition of a run as an error: ErrPolicyBlocked
// for BLOCKED runs, ErrRetryExhausted for runs completed with unresolved
// actionable issues, and a generic failure for FAILED runs. It returns nil for
// clean or escalated completions and for runs still in flight.
func (s *State) Err() error {
	switch {
	case s.Status == StatusBlocked:
		reason := "blocked"
		if s.PolicyDecision != nil {
			reason = s.PolicyDecision.Reason
		}
		return fmt.Errorf("%w: %s", ErrPolicyBlocked, reason)
	case s.Status == StatusFailed:
		return fmt.Errorf("run failed: %s", s.Error)
	case s.Outcome == "retry_exhausted":
		return ErrRetryExhausted
	}
	return nil
}
