package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

// QueueConfig configures the work-queue stream and its durable consumer.
type QueueConfig struct {
	Stream     string
	Subject    string
	Consumer   string
	MaxDeliver int
	AckWait    time.Duration
	// FetchWait bounds one pull so Consume notices cancellation.
	FetchWait time.Duration
	// Duplicates is the server-side deduplication window.
	Duplicates time.Duration
	// RedeliverDelay is the NAK backoff for envelopes that asked for redelivery.
	RedeliverDelay time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Subject == "" {
		c.Subject = "runs.queue"
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 2 * time.Minute
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 2 * time.Second
	}
	if c.Duplicates <= 0 {
		c.Duplicates = 2 * time.Minute
	}
	if c.RedeliverDelay <= 0 {
		c.RedeliverDelay = time.Second
	}
	return c
}

// JetStreamQueue is a durable work queue on a JetStream stream.
type JetStreamQueue struct {
	js       jetstream.JetStream
	consumer jetstream.Consumer
	cfg      QueueConfig
	logger   *logging.Logger
}

// NewJetStreamQueue creates or updates the stream and the durable consumer.
func NewJetStreamQueue(ctx context.Context, js jetstream.JetStream, cfg QueueConfig, logger *logging.Logger) (*JetStreamQueue, error) {
	if cfg.Stream == "" || cfg.Consumer == "" {
		return nil, errors.New("stream and consumer names are required")
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "queued orchestrator runs",
		Subjects:    []string{cfg.Subject},
		Retention:   jetstream.WorkQueuePolicy,
		Duplicates:  cfg.Duplicates,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Consumer, err)
	}

	return &JetStreamQueue{js: js, consumer: consumer, cfg: cfg, logger: logger}, nil
}

// Enqueue implements orchestrator.Queue. The run id is the message id.
func (q *JetStreamQueue) Enqueue(ctx context.Context, env orchestrator.Envelope) error {
	data, err := orchestrator.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	ack, err := q.js.Publish(ctx, q.cfg.Subject, data, jetstream.WithMsgID(env.RunID))
	if err != nil {
		return fmt.Errorf("publish envelope %s: %w", env.RunID, err)
	}
	if ack.Duplicate {
		q.logger.Debug(ctx, "duplicate envelope ignored", zap.String("run.id", env.RunID))
	}
	return nil
}

// Consume pulls one envelope at a time and acks according to the handler
// result. It returns when ctx is done.
func (q *JetStreamQueue) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(q.cfg.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Debug(ctx, "fetch failed", zap.Error(err))
			continue
		}
		for msg := range msgs.Messages() {
			q.handle(ctx, msg, h)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && ctx.Err() == nil {
			q.logger.Debug(ctx, "fetch batch error", zap.Error(err))
		}
	}
}

func (q *JetStreamQueue) handle(ctx context.Context, msg jetstream.Msg, h Handler) {
	env, err := orchestrator.DecodeEnvelope(msg.Data())
	if err != nil {
		q.logger.Warn(ctx, "malformed envelope terminated", zap.Error(err))
		if err := msg.Term(); err != nil {
			q.logger.Warn(ctx, "failed to TERM envelope", zap.Error(err))
		}
		return
	}

	err = h(ctx, env)
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			q.logger.Warn(ctx, "failed to ACK envelope", zap.String("run.id", env.RunID), zap.Error(err))
		}
	case errors.Is(err, ErrRedeliver):
		if err := msg.NakWithDelay(q.cfg.RedeliverDelay); err != nil {
			q.logger.Warn(ctx, "failed to NAK envelope", zap.String("run.id", env.RunID), zap.Error(err))
		}
	default:
		q.logger.Warn(ctx, "envelope terminated", zap.String("run.id", env.RunID), zap.Error(err))
		if err := msg.Term(); err != nil {
			q.logger.Warn(ctx, "failed to TERM envelope", zap.String("run.id", env.RunID), zap.Error(err))
		}
	}
}
