package app

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/vk/graphforge/internal/composer"
	"github.com/vk/graphforge/internal/ctxlog"
	"github.com/vk/graphforge/internal/retry"
	"github.com/vk/graphforge/internal/tracing"
)

// Run executes every configured generation and returns the combined error
// of the ones that did not succeed. Shutdown errors are folded in.
func (a *App) Run(ctx context.Context) (err error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	shutdownTracing, err := tracing.Setup(ctx, a.model.Telemetry.Exporter, serviceName, a.outW)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		// The run context may already be cancelled; flushing must not be.
		err = multierr.Append(err, shutdownTracing(context.WithoutCancel(ctx)))
	}()

	if err := a.healthCheckServer(); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.closeHealthCheckServer())
	}()

	if len(a.requests) == 0 {
		a.logger.Warn("No generations configured, nothing to run.")
		return nil
	}

	a.logger.Info("🚀 Starting generations...", "requests", len(a.requests), "workers", a.config.WorkerCount)
	results := a.composer.RunBatch(ctx, a.requests, a.config.WorkerCount)

	succeeded := 0
	for _, res := range results {
		a.logResult(res)
		if res.Status == retry.Succeeded {
			succeeded++
			continue
		}
		if res.Err == nil {
			err = multierr.Append(err, fmt.Errorf("generation %q %s", res.Name, res.Status))
			continue
		}
		err = multierr.Append(err, fmt.Errorf("generation %q %s: %w", res.Name, res.Status, res.Err))
	}
	a.logger.Info("🏁 Generations finished.", "succeeded", succeeded, "unsuccessful", len(results)-succeeded)
	return err
}

func (a *App) logResult(res composer.Result) {
	attrs := []any{
		"generation", res.Name,
		"status", res.Status,
		"attempts", len(res.Outcome.Attempts),
	}
	if res.ArtifactLocator != "" {
		attrs = append(attrs, "artifact", res.ArtifactLocator, "metadata", res.MetadataLocator)
	}
	if best := res.Outcome.Best; best != nil && best.Scored {
		attrs = append(attrs, "score", best.Score)
	}
	if res.Preflight != nil {
		for _, m := range res.Preflight.Missing {
			a.logger.Error("Missing engine resource.", "generation", res.Name, "class", m.Class, "name", m.Name, "suggestions", m.Suggestions)
		}
	}
	if res.Err != nil {
		a.logger.Error("Generation did not succeed.", append(attrs, "error", res.Err)...)
		return
	}
	a.logger.Info("Generation succeeded.", attrs...)
}
