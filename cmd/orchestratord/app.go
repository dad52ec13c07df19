package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/bus"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/checkpoint"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/config"
	httpapi "github.com/Enoch-015/kali-personal-assistant-sub000/internal/http"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/memory"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/plugins"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/policy"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/reasoning"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/telemetry"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/worker"
)

// app holds the wired daemon. closers run in reverse order on shutdown.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	tel     *telemetry.Telemetry
	service *orchestrator.Service
	server  *httpapi.Server
	pool    *worker.Pool
	closers []func(context.Context) error
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close(ctx context.Context) {
	logger := a.logger
	if logger == nil {
		logger = logging.NewNop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Warn(ctx, "shutdown step failed", zap.Error(err))
		}
	}
}

// run loads configuration, wires every component and blocks until ctx is
// cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		a.close(shutdownCtx)
	}()

	return a.serve(ctx)
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	wired := false
	defer func() {
		if !wired {
			a.close(context.Background())
		}
	}()

	if err := a.initObservability(ctx); err != nil {
		return nil, err
	}
	a.logger.Info(ctx, "starting orchestratord",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.Int("max_retries", cfg.Engine.MaxRetries),
	)

	policyStore, err := a.initPolicy(ctx)
	if err != nil {
		return nil, err
	}

	mem, err := memory.Open(ctx, cfg.Memory, a.logger.Named("memory"))
	if err != nil {
		return nil, err
	}

	registry, err := plugins.NewDefaultRegistry(cfg.Plugins, a.logger.Named("plugins"))
	if err != nil {
		return nil, fmt.Errorf("building plugin registry: %w", err)
	}

	reflector, err := reasoning.New(cfg.Reasoning, a.logger.Named("reasoning"))
	if err != nil {
		return nil, err
	}

	transport, err := a.initTransport(ctx)
	if err != nil {
		return nil, err
	}

	deps := orchestrator.Deps{
		Policy:         policyStore,
		Plugins:        registry,
		Reflector:      reflector,
		Bus:            transport.events,
		Checkpoints:    transport.checkpoints,
		Ledger:         transport.ledger,
		Logger:         a.logger.Named("engine"),
		Tracer:         a.tel.Tracer("orchestrator"),
		FailClosed:     cfg.Policy.FailClosed,
		PolicyVersion:  cfg.Policy.Version,
		FallbackPlugin: cfg.Engine.DefaultPlugin,
		ChannelPlugins: cfg.Engine.ChannelPlugins,
	}
	// A nil *Provider must not become a non-nil interface.
	if mem != nil {
		deps.Context = mem
		deps.Memory = mem
		a.onClose(func(context.Context) error { return mem.Close() })
	}

	runner, err := orchestrator.NewRunner(orchestrator.RunnerConfig{
		MaxRetries:   cfg.Engine.MaxRetries,
		StageTimeout: cfg.Engine.StageTimeout.Duration(),
		ContextLimit: cfg.Engine.ContextLimit,
		StatusPrefix: cfg.Engine.StatusPrefix,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("building runner: %w", err)
	}

	a.service = orchestrator.NewService(runner, transport.queue, transport.checkpoints, transport.events, a.logger.Named("service"))
	a.pool = worker.NewPool(transport.consumer, a.service, cfg.Workers.Count, a.logger.Named("worker"))

	opts := []httpapi.Option{
		httpapi.WithEventBus(transport.events),
		httpapi.WithHealthCheck("telemetry", func(context.Context) error {
			if h := a.tel.Health(); h.Degraded {
				return errors.New(h.Error)
			}
			return nil
		}),
	}
	if transport.nc != nil {
		nc := transport.nc
		opts = append(opts, httpapi.WithHealthCheck("nats", func(context.Context) error {
			if status := nc.Status(); status != nats.CONNECTED {
				return fmt.Errorf("nats %s", status)
			}
			return nil
		}))
	}
	a.server, err = httpapi.NewServer(a.service, a.logger.Named("http"), &httpapi.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		StatusPrefix: cfg.Engine.StatusPrefix,
	}, opts...)
	if err != nil {
		return nil, err
	}

	a.logger.Info(ctx, "orchestrator wired",
		zap.Strings("plugins", registry.Names()),
		zap.Bool("memory", mem != nil),
		zap.Bool("nats", transport.nc != nil),
		zap.Int("workers", cfg.Workers.Count),
	)
	wired = true
	return a, nil
}

func (a *app) initObservability(ctx context.Context) error {
	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = a.cfg.Telemetry.Enabled
	if a.cfg.Telemetry.Endpoint != "" {
		telCfg.Endpoint = a.cfg.Telemetry.Endpoint
	}
	if a.cfg.Telemetry.Protocol != "" {
		telCfg.Protocol = a.cfg.Telemetry.Protocol
	}
	telCfg.Insecure = a.cfg.Telemetry.Insecure
	telCfg.SampleRate = a.cfg.Telemetry.SampleRate
	telCfg.ServiceVersion = version

	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	a.tel = tel
	a.onClose(tel.Shutdown)

	logCfg, err := logging.FromSettings(a.cfg.Logging.Level, a.cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	logCfg.Output.OTEL = a.cfg.Telemetry.Enabled
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	a.logger = logger
	a.onClose(func(context.Context) error { return logger.Sync() })
	return nil
}

func (a *app) initPolicy(ctx context.Context) (orchestrator.PolicyStore, error) {
	if a.cfg.Policy.Path == "" {
		a.logger.Info(ctx, "no policy file configured; all tasks allowed unless escalated")
		return policy.NewStaticStore()
	}
	store, err := policy.NewFileStore(a.cfg.Policy.Path, a.logger.Named("policy"))
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}
	a.onClose(func(context.Context) error { return store.Close() })
	if a.cfg.Policy.Watch {
		if err := store.Watch(ctx); err != nil {
			return nil, err
		}
	}
	a.logger.Info(ctx, "policy loaded", zap.String("path", a.cfg.Policy.Path), zap.String("version", store.Version()))
	return store, nil
}

// transport groups the bus, queue and checkpoint implementations, which are
// either all NATS-backed or all in-process.
type transport struct {
	nc          *nats.Conn
	events      orchestrator.EventBus
	queue       orchestrator.Queue
	consumer    bus.Consumer
	checkpoints orchestrator.CheckpointStore
	ledger      orchestrator.DispatchLedger
}

func (a *app) initTransport(ctx context.Context) (*transport, error) {
	n := a.cfg.NATS
	if !n.Enabled() {
		a.logger.Warn(ctx, "no NATS configured; queue and checkpoints are in-process and not durable")
		store := checkpoint.NewMemoryStore(a.logger.Named("checkpoint"))
		a.onClose(func(context.Context) error { return store.Close() })
		queue := bus.NewMemoryQueue(1024, n.MaxDeliver, a.logger.Named("queue"))
		return &transport{
			events:      bus.NewMemoryBus(a.logger.Named("bus")),
			queue:       queue,
			consumer:    queue,
			checkpoints: store,
			ledger:      store,
		}, nil
	}

	url := n.URL
	if n.Embedded {
		server, err := bus.StartEmbedded(bus.EmbeddedOptions{StoreDir: n.StoreDir})
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error {
			server.Shutdown()
			server.WaitForShutdown()
			return nil
		})
		url = server.ClientURL()
		a.logger.Info(ctx, "embedded nats started", zap.String("url", url))
	}

	nc, err := bus.Connect(url, "orchestratord", a.logger.Named("nats"))
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return nc.Drain() })

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	store, err := checkpoint.NewKVStore(ctx, js, checkpoint.KVConfig{Bucket: n.KVBucket}, a.logger.Named("checkpoint"))
	if err != nil {
		return nil, err
	}
	queue, err := bus.NewJetStreamQueue(ctx, js, bus.QueueConfig{
		Stream:     n.Stream,
		Subject:    n.SubjectPrefix + ".queue",
		Consumer:   n.Consumer,
		MaxDeliver: n.MaxDeliver,
		AckWait:    n.AckWait.Duration(),
	}, a.logger.Named("queue"))
	if err != nil {
		return nil, err
	}

	return &transport{
		nc:          nc,
		events:      bus.NewNATSBus(nc, a.logger.Named("bus")),
		queue:       queue,
		consumer:    queue,
		checkpoints: store,
		ledger:      store,
	}, nil
}

// serve runs the HTTP server and the worker pool until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pool.Run(gctx) })
	g.Go(func() error { return a.server.Start() })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	a.logger.Info(ctx, "orchestratord ready",
		zap.String("health", "http://"+net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))+"/health"),
	)
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
