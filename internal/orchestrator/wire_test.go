package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusChannel(t *testing.T) {
	assert.Equal(t, "runs.status.r1", StatusChannel("", "r1"))
	assert.Equal(t, "custom.r1", StatusChannel("custom", "r1"))
}

func TestEnvelope(t *testing.T) {
	data, err := EncodeEnvelope(Envelope{RunID: "r1", Task: Task{Intent: "x"}, Hints: map[string]string{"k": "v"}})
	require.NoError(t, err)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "r1", env.RunID)
	assert.Equal(t, "v", env.Hints["k"])

	_, err = DecodeEnvelope([]byte(`{"task":{"intent":"x"}}`))
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = DecodeEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

func TestStatusRoundTrip(t *testing.T) {
	st := NewState("r1", Task{Intent: "x"}, 1, nil)
	st.Stage = StageDispatch

	data, err := EncodeStatus(st)
	require.NoError(t, err)
	msg, err := DecodeStatus(data)
	require.NoError(t, err)

	assert.Equal(t, "r1", msg.RunID)
	assert.Equal(t, StatusRunning, msg.Status)
	assert.Equal(t, StageDispatch, msg.Stage)
	require.NotNil(t, msg.State)
	assert.Equal(t, "x", msg.State.Task.Intent)
	assert.False(t, msg.PublishedAt.IsZero())
}

func TestNewState_CopiesHints(t *testing.T) {
	hints := map[string]string{"k": "v"}
	st := NewState("r1", Task{}, 2, hints)
	hints["k"] = "changed"
	assert.Equal(t, "v", st.RoutingContext.Hints["k"])
	assert.Equal(t, 2, st.MaxRetries)
	assert.Equal(t, StatusRunning, st.Status)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("x")))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", Unavailable("qdrant", "query", errors.New("refused")))))
	assert.False(t, IsTransient(&CollaboratorError{Collaborator: "p", Op: "x", Err: errors.New("bad")}))
}

func TestState_Err(t *testing.T) {
	blocked := &State{Status: StatusBlocked, PolicyDecision: &PolicyDecision{Reason: "spam"}}
	assert.ErrorIs(t, blocked.Err(), ErrPolicyBlocked)
	assert.ErrorContains(t, blocked.Err(), "spam")

	assert.ErrorContains(t, (&State{Status: StatusFailed, Error: "boom"}).Err(), "boom")
	assert.ErrorIs(t, (&State{Status: StatusCompleted, Outcome: "retry_exhausted"}).Err(), ErrRetryExhausted)
	assert.NoError(t, (&State{Status: StatusCompleted, Outcome: "escalated"}).Err())
	assert.NoError(t, (&State{Status: StatusRunning}).Err())
}

func TestSeverity(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
	assert.Equal(t, 0, Severity("bogus").Rank())
}

func TestReviewFeedback_Categories(t *testing.T) {
	var nilFB *ReviewFeedback
	assert.Nil(t, nilFB.Categories())

	fb := &ReviewFeedback{Issues: []ReviewIssue{
		{Category: CategoryContext}, {Category: CategoryPlugin}, {Category: CategoryContext},
	}}
	assert.Equal(t, []string{"CONTEXT", "PLUGIN"}, fb.Categories())
}
