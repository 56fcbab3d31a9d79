package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/graphforge/internal/engine"
	"github.com/vk/graphforge/internal/engine/enginetest"
	"github.com/vk/graphforge/internal/job"
	"github.com/vk/graphforge/internal/metrics"
	"github.com/vk/graphforge/internal/promptmut"
	"github.com/vk/graphforge/internal/scorer"
	"github.com/vk/graphforge/internal/transport"
	"github.com/vk/graphforge/internal/workflow"
)

const template = `{
  "3": {"inputs": {"seed": 1, "model": ["4", 0], "positive": ["6", 0], "negative": ["7", 0], "latent_image": ["5", 0]}, "class_type": "KSampler"},
  "4": {"inputs": {"ckpt_name": "sdxl.safetensors"}, "class_type": "CheckpointLoaderSimple"},
  "5": {"inputs": {"width": 512, "height": 512, "batch_size": 1}, "class_type": "EmptyLatentImage"},
  "6": {"inputs": {"text": "", "clip": ["4", 1]}, "class_type": "CLIPTextEncode"},
  "7": {"inputs": {"text": "", "clip": ["4", 1]}, "class_type": "CLIPTextEncode"}
}`

var prompts = workflow.Prompts{Positive: "a red fox in the snow", Negative: "blurry"}

func builder(t *testing.T) func(workflow.Prompts) (*workflow.Graph, error) {
	t.Helper()
	tmpl, err := workflow.Parse([]byte(template))
	require.NoError(t, err)
	return func(p workflow.Prompts) (*workflow.Graph, error) {
		g := tmpl.Clone()
		if err := workflow.ApplyPrompts(g, p); err != nil {
			return nil, err
		}
		return g, nil
	}
}

// scripted returns scores in order and records the text it was asked about.
type scripted struct {
	mu     sync.Mutex
	scores []float64
	texts  []string
}

func (s *scripted) Score(_ context.Context, _ engine.Artifact, text string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	score := s.scores[0]
	s.scores = s.scores[1:]
	return score, nil
}

func supervisor(fake *enginetest.Fake) *job.Supervisor {
	return job.NewSupervisor(fake, job.Config{
		Backoff: transport.BackoffConfig{InitialInterval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond, MaxRetries: 1},
	})
}

func completed(n int) []enginetest.Script {
	out := make([]enginetest.Script, n)
	for i := range out {
		out[i] = enginetest.Completed("out.png")
	}
	return out
}

func positiveText(t *testing.T, doc []byte) string {
	t.Helper()
	g, err := workflow.Parse(doc)
	require.NoError(t, err)
	n, ok := g.Node("6")
	require.True(t, ok)
	v, _ := n.Input("text")
	text, ok := v.Text()
	require.True(t, ok)
	return text
}

func TestController_SucceedsOnThirdAttempt(t *testing.T) {
	fake := &enginetest.Fake{Scripts: completed(3)}
	sc := &scripted{scores: []float64{0.3, 0.3, 0.7}}
	c := New(supervisor(fake), sc, Config{Threshold: 0.5, RetryLimit: 5, Emphasis: promptmut.DefaultSchedule()}, metrics.New())

	out := c.Run(context.Background(), Request{Prompts: prompts, Subjects: []string{"red fox"}, Build: builder(t)})

	require.NoError(t, out.Err)
	assert.Equal(t, Succeeded, out.Status)
	require.Len(t, out.Attempts, 3)
	require.NotNil(t, out.Best)
	assert.Equal(t, 3, out.Best.Number)
	assert.Equal(t, 0.7, out.Best.Score)

	docs := fake.Submitted()
	require.Len(t, docs, 3)
	assert.Equal(t, "a red fox in the snow", positiveText(t, docs[0]))
	assert.Equal(t, "a (red fox:1.3) in the snow", positiveText(t, docs[1]))
	assert.Equal(t, "a (red fox:1.56) in the snow", positiveText(t, docs[2]))
	assert.Contains(t, out.Attempts[1].Prompts.Negative, "double exposure")

	for _, text := range sc.texts {
		assert.Equal(t, prompts.Positive, text, "scores are against the original prompt")
	}
}

func TestController_ExhaustionReturnsBestAttempt(t *testing.T) {
	fake := &enginetest.Fake{Scripts: completed(3)}
	sc := &scripted{scores: []float64{0.2, 0.45, 0.4}}
	c := New(supervisor(fake), sc, Config{Threshold: 0.5, RetryLimit: 3}, nil)

	out := c.Run(context.Background(), Request{Prompts: prompts, Subjects: []string{"red fox"}, Build: builder(t)})

	assert.Equal(t, ValidationFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrValidationFailed)
	require.Len(t, out.Attempts, 3)
	require.NotNil(t, out.Best)
	assert.Equal(t, 2, out.Best.Number)
	assert.Equal(t, 0.45, out.Best.Score)
	assert.Same(t, &out.Attempts[1], out.Best)
}

func TestController_ValidationDisabled(t *testing.T) {
	fake := &enginetest.Fake{Scripts: completed(1)}
	c := New(supervisor(fake), nil, Config{Threshold: 0.9, RetryLimit: 5}, nil)

	out := c.Run(context.Background(), Request{Prompts: prompts, Build: builder(t)})

	assert.Equal(t, Succeeded, out.Status)
	require.Len(t, out.Attempts, 1)
	assert.False(t, out.Attempts[0].Scored)
	assert.Equal(t, job.Completed, out.Best.Status)
}

func TestController_EngineFailureAbortsWithoutMutation(t *testing.T) {
	fake := &enginetest.Fake{Scripts: []enginetest.Script{{
		Events: []engine.Event{{Kind: engine.EventFailed, Message: "CUDA out of memory"}},
	}}}
	sc := &scripted{scores: []float64{1}}
	c := New(supervisor(fake), sc, Config{Threshold: 0.5, RetryLimit: 3}, nil)

	out := c.Run(context.Background(), Request{Prompts: prompts, Subjects: []string{"red fox"}, Build: builder(t)})

	assert.Equal(t, Failed, out.Status)
	assert.ErrorIs(t, out.Err, engine.ErrExecution)
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, job.Failed, out.Attempts[0].Status)
	assert.Nil(t, out.Best)
	assert.Len(t, fake.Submitted(), 1)
}

func TestController_SubmissionRejected(t *testing.T) {
	fake := &enginetest.Fake{SubmitErrs: []error{&engine.RejectedError{Status: 400, Message: "bad"}}}
	c := New(supervisor(fake), nil, Config{}, nil)

	out := c.Run(context.Background(), Request{Prompts: prompts, Build: builder(t)})

	assert.Equal(t, Failed, out.Status)
	assert.ErrorIs(t, out.Err, job.ErrSubmissionRejected)
}

func TestController_BuildError(t *testing.T) {
	c := New(supervisor(&enginetest.Fake{}), nil, Config{}, nil)
	boom := errors.New("boom")

	out := c.Run(context.Background(), Request{Build: func(workflow.Prompts) (*workflow.Graph, error) { return nil, boom }})

	assert.Equal(t, Failed, out.Status)
	assert.ErrorIs(t, out.Err, boom)
	assert.ErrorIs(t, out.Attempts[0].Err, boom)
}

func TestController_Cancelled(t *testing.T) {
	fake := &enginetest.Fake{}
	c := New(supervisor(fake), nil, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Outcome, 1)
	go func() { done <- c.Run(ctx, Request{Prompts: prompts, Build: builder(t)}) }()
	require.Eventually(t, func() bool { return len(fake.Subscriptions()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	out := <-done
	assert.Equal(t, Cancelled, out.Status)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, []engine.Token{"t-1"}, fake.Cancelled())
}

func TestController_NoArtifact(t *testing.T) {
	fake := &enginetest.Fake{Scripts: []enginetest.Script{{Events: []engine.Event{{Kind: engine.EventCompleted}}}}}
	c := New(supervisor(fake), scorer.Func(func(context.Context, engine.Artifact, string) (float64, error) { return 1, nil }),
		Config{Threshold: 0.5}, nil)

	out := c.Run(context.Background(), Request{Prompts: prompts, Build: builder(t)})

	assert.Equal(t, Failed, out.Status)
	assert.ErrorIs(t, out.Err, ErrNoArtifact)
}

func TestConfig_Limit(t *testing.T) {
	assert.Equal(t, 1, Config{}.limit())
	assert.Equal(t, DefaultRetryLimit, Config{Threshold: 0.2}.limit())
	assert.Equal(t, 7, Config{Threshold: 0.2, RetryLimit: 7}.limit())
}
