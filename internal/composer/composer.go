// Package composer is the caller-facing surface: it turns a template graph,
// adapter choices and prompts into a validated, supervised generation and
// persists what it produced.
package composer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/vk/graphforge/internal/ctxlog"
	"github.com/vk/graphforge/internal/engine"
	"github.com/vk/graphforge/internal/job"
	"github.com/vk/graphforge/internal/metrics"
	"github.com/vk/graphforge/internal/preflight"
	"github.com/vk/graphforge/internal/retry"
	"github.com/vk/graphforge/internal/scorer"
	"github.com/vk/graphforge/internal/storage"
	"github.com/vk/graphforge/internal/transport"
	"github.com/vk/graphforge/internal/workflow"
)

// ErrInvalidRequest is returned for requests that cannot be attempted.
var ErrInvalidRequest = errors.New("invalid request")

// updateBuffer bounds the per-run update feed; updates beyond it are
// dropped rather than blocking supervision.
const updateBuffer = 64

// Request describes one generation.
type Request struct {
	Name     string
	Template *workflow.Graph
	// Target selects the adapter splice point; the zero value means
	// workflow.DefaultTarget().
	Target     workflow.RewriteTarget
	Adapters   []workflow.AdapterSpec
	Prompts    workflow.Prompts
	Subjects   []string
	Overrides  workflow.Overrides
	Validation retry.Config
}

// Result is everything a run produced.
type Result struct {
	Name      string
	Status    retry.Status
	Outcome   retry.Outcome
	Preflight *preflight.Result
	// Warnings are adapter strengths that need confirmation.
	Warnings        []preflight.Warning
	AdapterNodes    []string
	ArtifactLocator string
	MetadataLocator string
	Err             error
}

// Config holds what every run shares.
type Config struct {
	Job     job.Config
	Backoff transport.BackoffConfig
	Metrics *metrics.Metrics
	Clock   clock.Clock

	// Artifacts downloads the artifact to persist. It defaults to the
	// engine; share an engine.FetchCache with the scorer to download once.
	Artifacts engine.Fetcher
}

// Composer runs requests against one engine.
type Composer struct {
	engine engine.Engine
	scorer scorer.Scorer
	store  *storage.Store
	cfg    Config
}

// New returns a Composer. A nil scorer disables validation and a nil store
// disables persistence.
func New(e engine.Engine, s scorer.Scorer, store *storage.Store, cfg Config) *Composer {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Job.Metrics == nil {
		cfg.Job.Metrics = cfg.Metrics
	}
	if cfg.Job.Clock == nil {
		cfg.Job.Clock = cfg.Clock
	}
	if cfg.Artifacts == nil {
		cfg.Artifacts = e
	}
	return &Composer{engine: e, scorer: s, store: store, cfg: cfg}
}

// Run is a generation in progress.
type Run struct {
	cancel  context.CancelFunc
	updates chan job.Update
	done    chan struct{}
	result  Result
}

// Cancel stops the run; the current job is cancelled on the engine.
func (r *Run) Cancel() { r.cancel() }

// Updates delivers job status and progress changes. It is closed when the
// run ends.
func (r *Run) Updates() <-chan job.Update { return r.updates }

// Wait blocks until the run ends.
func (r *Run) Wait() Result {
	<-r.done
	return r.result
}

func (r *Run) listen(u job.Update) {
	select {
	case r.updates <- u:
	default:
	}
}

// Start begins req in the background.
func (c *Composer) Start(ctx context.Context, req Request) *Run {
	ctx, cancel := context.WithCancel(ctx)
	r := &Run{
		cancel:  cancel,
		updates: make(chan job.Update, updateBuffer),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		defer close(r.updates)
		defer cancel()
		r.result = c.execute(ctx, req, r.listen)
	}()
	return r
}

// ComposeAndSubmit runs req to completion.
func (c *Composer) ComposeAndSubmit(ctx context.Context, req Request) Result {
	return c.Start(ctx, req).Wait()
}

// build derives one attempt's graph from the template: overrides, then
// adapters, then prompts. The template is never modified.
func build(req Request, p workflow.Prompts) (*workflow.Graph, []string, error) {
	g := req.Template.Clone()
	if err := workflow.ApplyOverrides(g, req.Overrides); err != nil {
		return nil, nil, err
	}
	target := req.Target
	if len(target.SourceClasses) == 0 {
		target = workflow.DefaultTarget()
	}
	inserted, err := workflow.InsertAdapters(g, target, req.Adapters)
	if err != nil {
		return nil, nil, err
	}
	if err := workflow.ApplyPrompts(g, p); err != nil {
		return nil, nil, err
	}
	return g, inserted, nil
}

func (c *Composer) execute(ctx context.Context, req Request, listen job.Listener) Result {
	ctx, logger := ctxlog.With(ctx, "request", req.Name)
	res := Result{Name: req.Name, Status: retry.Failed}

	if req.Template == nil {
		res.Err = fmt.Errorf("%w: %s has no template", ErrInvalidRequest, req.Name)
		return res
	}
	res.Warnings = preflight.AdapterWarnings(req.Adapters)
	for _, w := range res.Warnings {
		logger.Warn("Adapter strength needs confirmation.", "detail", w.Message)
	}

	g, inserted, err := build(req, req.Prompts)
	if err != nil {
		res.Err = fmt.Errorf("failed to compose %s: %w", req.Name, err)
		return res
	}
	res.AdapterNodes = inserted

	var inv preflight.Inventory
	err = transport.Retry(ctx, c.cfg.Backoff, "inventory", func() error {
		i, err := c.engine.Inventory(ctx)
		inv = i
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			res.Status, res.Err = retry.Cancelled, ctx.Err()
			return res
		}
		res.Err = fmt.Errorf("%w: %w", job.ErrEngineUnavailable, err)
		return res
	}
	res.Preflight = preflight.Validate(g, inv)
	if err := res.Preflight.Err(); err != nil {
		logger.Error("Preflight failed; nothing was submitted.", "error", err)
		res.Err = err
		return res
	}

	sup := job.NewSupervisor(c.engine, c.cfg.Job)
	unsubscribe := sup.Subscribe(listen)
	defer unsubscribe()

	first := g
	ctrl := retry.New(sup, c.scorer, req.Validation, c.cfg.Metrics)
	out := ctrl.Run(ctx, retry.Request{
		Prompts:  req.Prompts,
		Subjects: req.Subjects,
		Build: func(p workflow.Prompts) (*workflow.Graph, error) {
			// The preflighted graph serves the unmutated first attempt.
			if first != nil && p == req.Prompts {
				g := first
				first = nil
				return g, nil
			}
			g, _, err := build(req, p)
			return g, err
		},
	})
	res.Outcome, res.Status, res.Err = out, out.Status, out.Err

	if out.Best != nil && out.Best.Artifact != nil && c.store != nil &&
		(out.Status == retry.Succeeded || out.Status == retry.ValidationFailed) {
		if err := c.persist(ctx, req, &res); err != nil {
			logger.Error("Failed to persist results.", "error", err)
			res.Err = multierr.Append(res.Err, err)
		}
	}

	logger.Info("🏁 Request finished.", "status", res.Status, "attempts", len(out.Attempts), "artifact", res.ArtifactLocator)
	return res
}

// Metadata is the document stored beside every persisted artifact.
type Metadata struct {
	Name       string                 `json:"name"`
	Status     retry.Status           `json:"status"`
	Artifact   string                 `json:"artifact"`
	Source     engine.Artifact        `json:"source"`
	Adapters   []workflow.AdapterSpec `json:"adapters,omitempty"`
	Prompts    workflow.Prompts       `json:"prompts"`
	Threshold  float64                `json:"threshold,omitempty"`
	Attempts   []AttemptMetadata      `json:"attempts"`
	Best       int                    `json:"best_attempt"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// AttemptMetadata summarizes one attempt.
type AttemptMetadata struct {
	Number  int              `json:"number"`
	JobID   string           `json:"job_id"`
	Token   engine.Token     `json:"token"`
	Status  job.Status       `json:"status"`
	Prompts workflow.Prompts `json:"prompts"`
	Score   *float64         `json:"score,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func (c *Composer) persist(ctx context.Context, req Request, res *Result) error {
	best := res.Outcome.Best
	data, contentType, err := c.cfg.Artifacts.Fetch(ctx, *best.Artifact)
	if err != nil {
		return fmt.Errorf("failed to download artifact: %w", err)
	}
	loc, err := c.store.Put(ctx, req.Name, data, contentType)
	if err != nil {
		return err
	}
	res.ArtifactLocator = loc

	meta := Metadata{
		Name:       req.Name,
		Status:     res.Status,
		Artifact:   loc,
		Source:     *best.Artifact,
		Adapters:   req.Adapters,
		Prompts:    req.Prompts,
		Threshold:  req.Validation.Threshold,
		Best:       best.Number,
		RecordedAt: c.cfg.Clock.Now().UTC(),
	}
	for _, a := range res.Outcome.Attempts {
		am := AttemptMetadata{Number: a.Number, JobID: a.JobID, Token: a.Token, Status: a.Status, Prompts: a.Prompts}
		if a.Scored {
			score := a.Score
			am.Score = &score
		}
		if a.Err != nil {
			am.Error = a.Err.Error()
		}
		meta.Attempts = append(meta.Attempts, am)
	}
	metaLoc, err := c.store.PutMetadata(ctx, req.Name, meta)
	if err != nil {
		return err
	}
	res.MetadataLocator = metaLoc
	return nil
}
