// Package retry runs a generation until its artifact passes semantic
// validation, mutating the prompts between attempts.
//
// Each attempt builds a fresh graph from prompts derived from the originals,
// submits it, and waits for it. A completed artifact is scored against the
// original positive prompt; a score at or above the threshold ends the run.
// Engine failures and cancellation end the run immediately, without further
// attempts.
package retry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vk/graphforge/internal/ctxlog"
	"github.com/vk/graphforge/internal/engine"
	"github.com/vk/graphforge/internal/job"
	"github.com/vk/graphforge/internal/metrics"
	"github.com/vk/graphforge/internal/promptmut"
	"github.com/vk/graphforge/internal/scorer"
	"github.com/vk/graphforge/internal/tracing"
	"github.com/vk/graphforge/internal/workflow"
)

// DefaultRetryLimit is the attempt budget when none is configured.
const DefaultRetryLimit = 3

// ErrValidationFailed is the outcome error when no attempt scored high
// enough.
var ErrValidationFailed = errors.New("semantic validation failed")

// ErrNoArtifact means a job completed without producing anything to score.
var ErrNoArtifact = errors.New("job completed without an artifact")

// Status is the overall result of a run.
type Status string

const (
	Succeeded        Status = "succeeded"
	ValidationFailed Status = "validation_failed"
	Failed           Status = "failed"
	Cancelled        Status = "cancelled"
)

// Config controls validation. A Threshold of zero or less disables it.
type Config struct {
	Threshold float64
	// RetryLimit is the maximum number of attempts, including the first.
	RetryLimit    int
	Emphasis      promptmut.Schedule
	NegativeTerms []string
}

// Enabled reports whether artifacts are scored at all.
func (c Config) Enabled() bool { return c.Threshold > 0 }

func (c Config) limit() int {
	if !c.Enabled() {
		return 1
	}
	if c.RetryLimit <= 0 {
		return DefaultRetryLimit
	}
	return c.RetryLimit
}

// Request is one generation to validate.
type Request struct {
	Prompts workflow.Prompts
	// Subjects are the phrases emphasized on retries.
	Subjects []string
	// Build returns a new graph carrying the given prompts.
	Build func(workflow.Prompts) (*workflow.Graph, error)
}

// Attempt records one submission.
type Attempt struct {
	Number   int
	Prompts  workflow.Prompts
	JobID    string
	Token    engine.Token
	Status   job.Status
	Artifact *engine.Artifact
	Score    float64
	Scored   bool
	Err      error
}

// Outcome has the same shape whatever happened. Best is the accepted
// attempt on success and the highest-scoring one on validation failure.
type Outcome struct {
	Status   Status
	Attempts []Attempt
	Best     *Attempt
	Err      error
}

// Runner submits and follows jobs; *job.Supervisor implements it.
type Runner interface {
	Submit(ctx context.Context, g *workflow.Graph) (*job.Job, error)
	Wait(ctx context.Context, j *job.Job) error
}

// Controller runs requests against a Runner.
type Controller struct {
	runner  Runner
	scorer  scorer.Scorer
	cfg     Config
	mutator promptmut.Mutator
	metrics *metrics.Metrics
}

// New returns a controller. A nil scorer disables validation.
func New(r Runner, s scorer.Scorer, cfg Config, m *metrics.Metrics) *Controller {
	if s == nil {
		cfg.Threshold = 0
	}
	return &Controller{
		runner:  r,
		scorer:  s,
		cfg:     cfg,
		mutator: promptmut.Mutator{Schedule: cfg.Emphasis, NegativeTerms: cfg.NegativeTerms},
		metrics: m,
	}
}

// Run executes req until an attempt is accepted, the attempt budget is
// spent, an attempt fails, or ctx is cancelled.
func (c *Controller) Run(ctx context.Context, req Request) Outcome {
	out := c.run(ctx, req)
	c.metrics.Outcome(string(out.Status))
	return out
}

func (c *Controller) run(ctx context.Context, req Request) Outcome {
	logger := ctxlog.FromContext(ctx)
	var out Outcome
	best := -1
	limit := c.cfg.limit()

	for k := 1; k <= limit; k++ {
		if err := ctx.Err(); err != nil {
			return finish(out, best, Cancelled, err)
		}

		a, err := c.attempt(ctx, req, k)
		out.Attempts = append(out.Attempts, a)
		switch {
		case err == nil:
		case errors.Is(err, job.ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return finish(out, best, Cancelled, err)
		default:
			return finish(out, best, Failed, err)
		}

		last := len(out.Attempts) - 1
		if !c.cfg.Enabled() {
			return finish(out, last, Succeeded, nil)
		}
		if best < 0 || a.Score > out.Attempts[best].Score {
			best = last
		}
		if a.Score >= c.cfg.Threshold {
			logger.Info("✅ Artifact passed validation.", "attempt", k, "score", a.Score, "threshold", c.cfg.Threshold)
			return finish(out, last, Succeeded, nil)
		}
		if k < limit {
			logger.Info("Artifact below threshold, retrying with mutated prompts.",
				"attempt", k, "score", a.Score, "threshold", c.cfg.Threshold,
				"next_emphasis", c.mutator.Schedule.Weight(k+1))
		}
	}

	err := fmt.Errorf("%w: best score %.3f is below %.3f after %d attempt(s)",
		ErrValidationFailed, out.Attempts[best].Score, c.cfg.Threshold, len(out.Attempts))
	return finish(out, best, ValidationFailed, err)
}

func finish(out Outcome, best int, status Status, err error) Outcome {
	out.Status = status
	out.Err = err
	if best >= 0 {
		out.Best = &out.Attempts[best]
	}
	return out
}

func (c *Controller) attempt(ctx context.Context, req Request, k int) (a Attempt, err error) {
	ctx, span := tracing.StartSpan(ctx, "retry.attempt", attribute.Int("attempt", k))
	defer func() { tracing.End(span, err) }()

	pos, neg := c.mutator.Apply(req.Prompts.Positive, req.Prompts.Negative, req.Subjects, k)
	a = Attempt{Number: k, Prompts: workflow.Prompts{Positive: pos, Negative: neg}}

	defer func() { a.Err = err }()

	g, err := req.Build(a.Prompts)
	if err != nil {
		return a, fmt.Errorf("failed to build attempt %d: %w", k, err)
	}
	j, err := c.runner.Submit(ctx, g)
	if err != nil {
		return a, err
	}
	a.JobID, a.Token = j.ID(), j.Token()

	waitErr := c.runner.Wait(ctx, j)
	snap := j.Snapshot()
	a.Status, a.Artifact = snap.Status, snap.Artifact
	if waitErr != nil {
		return a, waitErr
	}

	if !c.cfg.Enabled() {
		c.metrics.Attempt(0, false)
		return a, nil
	}
	if a.Artifact == nil {
		return a, ErrNoArtifact
	}
	score, err := c.scorer.Score(ctx, *a.Artifact, req.Prompts.Positive)
	if err != nil {
		return a, err
	}
	a.Score, a.Scored = score, true
	span.SetAttributes(attribute.Float64("score", score))
	c.metrics.Attempt(score, true)
	return a, nil
}
