package main

import (
	"context"
	"fmt"

	"diverga/pkg/checkpoint"
	"diverga/pkg/docstore"
	"diverga/pkg/memory"
	"diverga/pkg/messaging"
	"diverga/pkg/sqlstore"
	"diverga/pkg/store"
	"diverga/pkg/tools"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// app holds the services one invocation works with.
type app struct {
	cfg         config
	logger      zerolog.Logger
	backend     store.Backend
	tp          *sdktrace.TracerProvider
	checkpoints *checkpoint.Service
	memory      *memory.Service
	messaging   *messaging.Service
	tools       *tools.Registry
}

// wireApp opens the configured backend and builds the services on top of it.
func wireApp(ctx context.Context, cfg config, logger zerolog.Logger) (*app, error) {
	var tp trace.TracerProvider
	var sdkTP *sdktrace.TracerProvider
	if cfg.Trace {
		sdkTP = newTracerProvider(logger)
		tp = sdkTP
	}

	backend, err := openBackend(ctx, cfg, logger, tp)
	if err != nil {
		return nil, err
	}

	a, err := wireServices(cfg, logger, backend, tp)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	a.tp = sdkTP
	return a, nil
}

// openBackend opens the configured backend. A nil tp leaves tracing on the
// global provider.
func openBackend(ctx context.Context, cfg config, logger zerolog.Logger, tp trace.TracerProvider) (store.Backend, error) {
	switch cfg.Backend {
	case backendRelational:
		b, err := sqlstore.Open(ctx, cfg.DBPath, sqlstore.WithLogger(logger), sqlstore.WithTracerProvider(tp))
		if err != nil {
			return nil, fmt.Errorf("open relational backend: %w", err)
		}
		return b, nil
	default:
		b, err := docstore.Open(cfg.Root, docstore.WithLogger(logger), docstore.WithTracerProvider(tp))
		if err != nil {
			return nil, fmt.Errorf("open document backend: %w", err)
		}
		return b, nil
	}
}

func wireServices(cfg config, logger zerolog.Logger, backend store.Backend, tp trace.TracerProvider) (*app, error) {
	deps := checkpoint.DefaultMap()
	if cfg.PrereqMap != "" {
		m, err := checkpoint.LoadMap(cfg.PrereqMap)
		if err != nil {
			return nil, fmt.Errorf("load prerequisite map: %w", err)
		}
		deps = m
	}

	cp, err := checkpoint.New(backend, deps,
		checkpoint.WithLogger(logger),
		checkpoint.WithPriorityLimit(cfg.PriorityMaxChars),
	)
	if err != nil {
		return nil, fmt.Errorf("wire checkpoint service: %w", err)
	}
	mem, err := memory.New(backend,
		memory.WithLogger(logger),
		memory.WithPriorityLimit(cfg.PriorityMaxChars),
	)
	if err != nil {
		return nil, fmt.Errorf("wire memory service: %w", err)
	}
	msg, err := messaging.New(backend,
		messaging.WithLogger(logger),
		messaging.WithOrchestrator(cfg.Orchestrator),
		messaging.WithPollInterval(cfg.PollInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("wire messaging service: %w", err)
	}
	reg, err := tools.New(cp, mem, msg, tools.WithLogger(logger), tools.WithTracerProvider(tp))
	if err != nil {
		return nil, fmt.Errorf("wire tool registry: %w", err)
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		backend:     backend,
		checkpoints: cp,
		memory:      mem,
		messaging:   msg,
		tools:       reg,
	}, nil
}

// cliEnv carries state shared by all subcommands of one invocation. The
// backend is opened on first use so help and version output never touch
// storage.
type cliEnv struct {
	v       *viper.Viper
	jsonOut bool
	app     *app
}

func newEnv() *cliEnv {
	return &cliEnv{v: viper.New()}
}

func (e *cliEnv) bindFlags(cmd *cobra.Command) {
	bindConfigFlags(cmd, e.v)
	cmd.PersistentFlags().BoolVar(&e.jsonOut, "json", false, "print results as JSON")
}

// services returns the wired services, opening the backend if needed.
func (e *cliEnv) services(cmd *cobra.Command) (*app, error) {
	if e.app != nil {
		return e.app, nil
	}
	cfg, err := loadConfig(e.v)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a, err := wireApp(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug().
		Str("backend", cfg.Backend).
		Str("root", cfg.Root).
		Str("config", cfg.ConfigFile).
		Msg("services ready")
	e.app = a
	return a, nil
}

func (e *cliEnv) close() error {
	if e.app == nil {
		return nil
	}
	a := e.app
	e.app = nil
	if a.tp != nil {
		if err := a.tp.Shutdown(context.Background()); err != nil {
			a.logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}
	if err := a.backend.Close(); err != nil {
		return fmt.Errorf("close backend: %w", err)
	}
	return nil
}
