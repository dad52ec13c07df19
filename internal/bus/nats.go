package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

// Connect dials a NATS server with reconnect handling that logs through logger.
func Connect(url, name string, logger *logging.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx := context.Background()
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(ctx, "nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(ctx, "nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return nc, nil
}

// NATSBus is an EventBus over core NATS subjects.
type NATSBus struct {
	nc     *nats.Conn
	logger *logging.Logger
}

// NewNATSBus wraps an open connection.
func NewNATSBus(nc *nats.Conn, logger *logging.Logger) *NATSBus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSBus{nc: nc, logger: logger}
}

// Publish sends data on channel.
func (b *NATSBus) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.nc.Publish(channel, data); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers messages matching pattern until ctx is done.
func (b *NATSBus) Subscribe(ctx context.Context, pattern string) (<-chan orchestrator.Message, error) {
	msgChan := make(chan *nats.Msg, subscriberBufSize)
	sub, err := b.nc.ChanSubscribe(pattern, msgChan)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	// Make sure the server has registered interest before returning so
	// publishes that follow are not missed.
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", pattern, err)
	}

	out := make(chan orchestrator.Message, subscriberBufSize)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-msgChan:
				select {
				case out <- orchestrator.Message{Channel: m.Subject, Data: m.Data}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
