package app

import (
	"context"
	"fmt"
	"os"

	"github.com/vk/graphforge/internal/composer"
	"github.com/vk/graphforge/internal/config"
	"github.com/vk/graphforge/internal/engine"
	"github.com/vk/graphforge/internal/promptmut"
	"github.com/vk/graphforge/internal/retry"
	"github.com/vk/graphforge/internal/storage"
	"github.com/vk/graphforge/internal/transport"
	"github.com/vk/graphforge/internal/workflow"
)

// loadRequests reads and parses every template once and turns each
// generation into a composer request.
func loadRequests(m *config.Model) ([]composer.Request, error) {
	templates := make(map[string]*workflow.Graph)
	reqs := make([]composer.Request, 0, len(m.Generations))

	for _, gen := range m.Generations {
		tmpl, ok := templates[gen.Template]
		if !ok {
			doc, err := os.ReadFile(gen.Template)
			if err != nil {
				return nil, fmt.Errorf("generation %q: %w", gen.Name, err)
			}
			if tmpl, err = workflow.Parse(doc); err != nil {
				return nil, fmt.Errorf("generation %q template %s: %w", gen.Name, gen.Template, err)
			}
			templates[gen.Template] = tmpl
		}

		target := workflow.DefaultTarget()
		if gen.ModelOnly {
			target = workflow.ModelOnlyTarget()
		}
		if len(gen.SourceClasses) > 0 {
			target.SourceClasses = gen.SourceClasses
		}

		adapters := make([]workflow.AdapterSpec, 0, len(gen.Adapters))
		for _, a := range gen.Adapters {
			adapters = append(adapters, workflow.AdapterSpec{Name: a.Name, Strength: a.Strength, ClipStrength: a.ClipStrength})
		}

		reqs = append(reqs, composer.Request{
			Name:       gen.Name,
			Template:   tmpl,
			Target:     target,
			Adapters:   adapters,
			Prompts:    workflow.Prompts{Positive: gen.Positive, Negative: gen.Negative},
			Subjects:   gen.Subjects,
			Overrides:  workflow.Overrides(gen.Overrides),
			Validation: retryConfig(m.Validation.Merge(gen.Validation)),
		})
	}
	return reqs, nil
}

func retryConfig(v config.Validation) retry.Config {
	c := retry.Config{NegativeTerms: v.NegativeTerms}
	if v.Threshold != nil {
		c.Threshold = *v.Threshold
	}
	if v.RetryLimit != nil {
		c.RetryLimit = *v.RetryLimit
	}
	if e := v.Emphasis; e != nil {
		c.Emphasis = promptmut.Schedule{Base: e.Base, Growth: e.Growth, Cap: e.Cap}
	}
	return c
}

func backoffConfig(b config.Backoff) transport.BackoffConfig {
	return transport.BackoffConfig{
		InitialInterval: b.Initial,
		Multiplier:      b.Multiplier,
		MaxInterval:     b.Max,
		MaxRetries:      b.MaxRetries,
	}
}

func newEngine(c config.Engine) (*engine.Client, error) {
	client, err := engine.NewClient(engine.Options{
		Address:   c.Address,
		Transport: c.Transport,
		Namespace: c.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure engine client: %w", err)
	}
	return client, nil
}

// newBackend returns nil when persistence is disabled.
func newBackend(ctx context.Context, s config.Storage) (storage.Backend, error) {
	switch s.Backend {
	case config.BackendMinIO:
		return storage.NewMinIO(ctx, storage.MinIOOptions{
			Endpoint:  s.Endpoint,
			AccessKey: s.AccessKey,
			SecretKey: s.SecretKey,
			Bucket:    s.Bucket,
			Region:    s.Region,
			UseSSL:    s.UseSSL,
		})
	case config.BackendFile:
		return storage.NewDir(s.Directory)
	default:
		return nil, nil
	}
}
