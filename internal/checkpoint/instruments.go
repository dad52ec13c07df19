package checkpoint

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
)

const instrumentationName = "github.com/Enoch-015/kali-personal-assistant-sub000/internal/checkpoint"

// instruments holds the tracer and counters shared by the stores.
type instruments struct {
	tracer      trace.Tracer
	saves       metric.Int64Counter
	loads       metric.Int64Counter
	ledgerHits  metric.Int64Counter
	ledgerWrite metric.Int64Counter
}

func newInstruments(ctx context.Context, backend string, logger *logging.Logger) instruments {
	meter := otel.Meter(instrumentationName)
	in := instruments{tracer: otel.Tracer(instrumentationName)}

	var err error
	if in.saves, err = meter.Int64Counter("orchestrator.checkpoint.saves_total",
		metric.WithDescription("Total number of run snapshots saved"),
		metric.WithUnit("{save}")); err != nil {
		logger.Warn(ctx, "failed to create save counter", zap.String("backend", backend), zap.Error(err))
	}
	if in.loads, err = meter.Int64Counter("orchestrator.checkpoint.loads_total",
		metric.WithDescription("Total number of run snapshot loads"),
		metric.WithUnit("{load}")); err != nil {
		logger.Warn(ctx, "failed to create load counter", zap.String("backend", backend), zap.Error(err))
	}
	if in.ledgerHits, err = meter.Int64Counter("orchestrator.checkpoint.ledger_hits_total",
		metric.WithDescription("Dispatches replayed from the ledger"),
		metric.WithUnit("{hit}")); err != nil {
		logger.Warn(ctx, "failed to create ledger hit counter", zap.String("backend", backend), zap.Error(err))
	}
	if in.ledgerWrite, err = meter.Int64Counter("orchestrator.checkpoint.ledger_records_total",
		metric.WithDescription("Dispatch results recorded in the ledger"),
		metric.WithUnit("{record}")); err != nil {
		logger.Warn(ctx, "failed to create ledger record counter", zap.String("backend", backend), zap.Error(err))
	}
	return in
}

func add(ctx context.Context, c metric.Int64Counter, backend string) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
	}
}
