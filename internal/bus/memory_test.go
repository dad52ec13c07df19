package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

func TestSubjectMatch(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"runs.status.abc", "runs.status.abc", true},
		{"runs.status.abc", "runs.status.abd", false},
		{"runs.status.*", "runs.status.abc", true},
		{"runs.status.*", "runs.status.abc.x", false},
		{"runs.>", "runs.status.abc", true},
		{"runs.>", "runs", false},
		{"runs.*.abc", "runs.status.abc", true},
		{"runs.status", "runs.status.abc", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SubjectMatch(tt.pattern, tt.subject), "%s ~ %s", tt.pattern, tt.subject)
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exact, err := b.Subscribe(ctx, "runs.status.r1")
	require.NoError(t, err)
	all, err := b.Subscribe(ctx, "runs.status.>")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "runs.status.r1", []byte("one")))
	require.NoError(t, b.Publish(ctx, "runs.status.r2", []byte("two")))

	msg := <-exact
	assert.Equal(t, "runs.status.r1", msg.Channel)
	assert.Equal(t, "one", string(msg.Data))

	assert.Equal(t, "one", string((<-all).Data))
	assert.Equal(t, "two", string((<-all).Data))

	select {
	case m := <-exact:
		t.Fatalf("unexpected message %q", m.Data)
	default:
	}
}

func TestMemoryBus_SubscriptionClosesWithContext(t *testing.T) {
	b := NewMemoryBus(nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, "x")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	assert.NoError(t, b.Publish(context.Background(), "x", []byte("after")))
}

func TestMemoryQueue_DedupesAndDelivers(t *testing.T) {
	q := NewMemoryQueue(8, 1, nil)
	ctx := context.Background()

	env := orchestrator.Envelope{RunID: "r1", Task: orchestrator.Task{Intent: "hi"}}
	require.NoError(t, q.Enqueue(ctx, env))
	require.NoError(t, q.Enqueue(ctx, env))
	assert.Equal(t, 1, q.Len())

	cctx, cancel := context.WithCancel(ctx)
	got := make(chan string, 2)
	go func() {
		_ = q.Consume(cctx, func(_ context.Context, e orchestrator.Envelope) error {
			got <- e.RunID
			return nil
		})
	}()
	assert.Equal(t, "r1", <-got)
	cancel()
}

func TestMemoryQueue_Redelivery(t *testing.T) {
	q := NewMemoryQueue(8, 3, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, orchestrator.Envelope{RunID: "r1"}))

	var calls atomic.Int32
	go func() {
		_ = q.Consume(ctx, func(context.Context, orchestrator.Envelope) error {
			calls.Add(1)
			return errors.Join(ErrRedeliver, errors.New("shutting down"))
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load(), "max deliveries caps redelivery")
}

func TestMemoryQueue_Full(t *testing.T) {
	q := NewMemoryQueue(1, 1, nil)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, orchestrator.Envelope{RunID: "a"}))
	assert.Error(t, q.Enqueue(ctx, orchestrator.Envelope{RunID: "b"}))

	// A rejected run id may be enqueued again later.
	<-q.items
	assert.NoError(t, q.Enqueue(ctx, orchestrator.Envelope{RunID: "b"}))
}
