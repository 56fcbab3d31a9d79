package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/vk/graphforge/internal/composer"
	"github.com/vk/graphforge/internal/config"
	"github.com/vk/graphforge/internal/ctxlog"
	"github.com/vk/graphforge/internal/engine"
	"github.com/vk/graphforge/internal/job"
	"github.com/vk/graphforge/internal/metrics"
	"github.com/vk/graphforge/internal/scorer"
	"github.com/vk/graphforge/internal/storage"
)

const serviceName = "graphforge"

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx        context.Context
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	model      *config.Model
	metrics    *metrics.Metrics
	composer   *composer.Composer
	requests   []composer.Request
	httpServer *http.Server
}

// artifactsPerWorker bounds how many downloaded artifacts each worker keeps
// for reuse between scoring and persisting.
const artifactsPerWorker = 4

// Option replaces a dependency NewApp would otherwise build from the
// loaded configuration.
type Option func(*options)

type options struct {
	engine  engine.Engine
	scorer  scorer.Scorer
	backend storage.Backend
}

// WithEngine uses e instead of a client for the configured address.
func WithEngine(e engine.Engine) Option {
	return func(o *options) { o.engine = e }
}

// WithScorer uses s instead of the configured scoring service.
func WithScorer(s scorer.Scorer) Option {
	return func(o *options) { o.scorer = s }
}

// WithBackend uses b instead of the configured storage backend.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// NewApp is the constructor for the main application. It loads the
// configuration, reads every generation template and wires the engine,
// storage, scorer and composer. Configuration errors are fatal startup
// errors and panic.
func NewApp(outW io.Writer, appConfig *Config, loader config.Loader, opts ...Option) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	model, err := loader.Load(ctx, appConfig.ConfigPaths...)
	if err != nil {
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}
	logger.Debug("Configuration loaded and translated into unified model.", "generations", len(model.Generations))

	requests, err := loadRequests(model)
	if err != nil {
		panic(fmt.Errorf("failed to load generation templates: %w", err))
	}

	eng := o.engine
	if eng == nil {
		if eng, err = newEngine(model.Engine); err != nil {
			panic(err)
		}
	}
	logger.Debug("Engine client configured.", "address", model.Engine.Address, "transport", model.Engine.Transport)

	backend := o.backend
	if backend == nil {
		if backend, err = newBackend(ctx, model.Storage); err != nil {
			panic(err)
		}
	}
	var store *storage.Store
	if backend != nil {
		store = storage.New(backend, model.Storage.Prefix)
	} else {
		logger.Warn("No storage configured; artifacts will not be persisted.")
	}

	artifacts, err := engine.NewFetchCache(eng, max(appConfig.WorkerCount, 1)*artifactsPerWorker)
	if err != nil {
		panic(err)
	}

	backoff := backoffConfig(model.Engine.Backoff)
	sc := o.scorer
	if sc == nil && model.Scorer.URL != "" {
		if sc, err = scorer.NewHTTP(scorer.Options{URL: model.Scorer.URL, Timeout: model.Scorer.Timeout, Backoff: backoff}, artifacts); err != nil {
			panic(err)
		}
	}
	if sc == nil {
		logger.Info("No scorer configured; semantic validation is disabled.")
	}

	m := metrics.New()
	comp := composer.New(eng, sc, store, composer.Config{
		Job:       job.Config{IdleTimeout: model.Engine.IdleTimeout, Backoff: backoff},
		Backoff:   backoff,
		Metrics:   m,
		Artifacts: artifacts,
	})

	return &App{
		ctx:      ctx,
		outW:     outW,
		logger:   logger,
		config:   appConfig,
		model:    model,
		metrics:  m,
		composer: comp,
		requests: requests,
	}
}

// Requests returns the generation requests built from the configuration.
// This is primarily for testing.
func (a *App) Requests() []composer.Request {
	return a.requests
}
