package bus

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

const subscriberBufSize = 64

type subscriber struct {
	pattern string
	ch      chan orchestrator.Message
}

// MemoryBus is an in-process EventBus. Publish never blocks: a subscriber
// whose buffer is full misses the message.
type MemoryBus struct {
	logger *logging.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewMemoryBus creates a MemoryBus.
func NewMemoryBus(logger *logging.Logger) *MemoryBus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &MemoryBus{logger: logger, subs: make(map[*subscriber]struct{})}
}

// Publish fans data out to every subscriber whose pattern matches channel.
func (b *MemoryBus) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !SubjectMatch(sub.pattern, channel) {
			continue
		}
		msg := orchestrator.Message{Channel: channel, Data: append([]byte(nil), data...)}
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warn(ctx, "subscriber channel full; message dropped", zap.String("channel", channel))
		}
	}
	return nil
}

// Subscribe returns a channel of messages matching pattern. The channel is
// closed when ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, pattern string) (<-chan orchestrator.Message, error) {
	sub := &subscriber{pattern: pattern, ch: make(chan orchestrator.Message, subscriberBufSize)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, sub)
		close(sub.ch)
		b.mu.Unlock()
	}()
	return sub.ch, nil
}

// SubjectMatch reports whether subject matches a NATS-style pattern, where
// "*" matches one token and a trailing ">" matches one or more.
func SubjectMatch(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
