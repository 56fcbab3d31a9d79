package hcl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/graphforge/internal/config"
)

const settingsHCL = `
engine {
  address      = "http://127.0.0.1:8188"
  transport    = "socketio"
  namespace    = "/comfy"
  idle_timeout = "90s"

  backoff {
    initial     = "250ms"
    max         = "4s"
    multiplier  = 1.5
    max_retries = 7
  }
}

storage {
  backend    = "minio"
  endpoint   = "127.0.0.1:9000"
  bucket     = "renders"
  access_key = "minio"
  secret_key = env.GF_TEST_SECRET
}

scorer {
  url     = "http://127.0.0.1:5000/score"
  timeout = "20s"
}

validation {
  threshold      = 0.3
  retry_limit    = 3
  negative_terms = ["duplicate", "ghosting"]

  emphasis {
    base   = 1.3
    growth = 1.2
    cap    = 2.0
  }
}

telemetry {
  exporter = "stdout"
}
`

const generationHCL = `
generation "fox" {
  template = "templates/sdxl.json"
  subjects = ["red fox"]

  adapter "film_grain.safetensors" {
    strength = 0.8
  }
  adapter "watercolor.safetensors" {
    strength      = 0.6
    clip_strength = 0.4
  }

  prompt {
    positive = "a red fox in the snow"
    negative = "blurry"
  }

  validation {
    threshold = 0.35
  }

  override "3" {
    seed  = 7
    steps = 30
    sampler_name = "dpmpp_2m"
  }
}

generation "plain" {
  template       = "/abs/unet.json"
  source_classes = ["UNETLoader"]
  model_only     = true
}
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func testLoader() *Loader {
	return &Loader{environ: func() []string { return []string{"GF_TEST_SECRET=s3cr3t", "=ignored", "1BAD=x"} }}
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "settings.hcl", settingsHCL)
	writeFile(t, dir, "jobs/fox.hcl", generationHCL)
	writeFile(t, dir, "README.md", "not config")

	m, err := testLoader().Load(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, config.Engine{
		Address:     "http://127.0.0.1:8188",
		Transport:   config.TransportSocketIO,
		Namespace:   "/comfy",
		IdleTimeout: 90 * time.Second,
		Backoff:     config.Backoff{Initial: 250 * time.Millisecond, Max: 4 * time.Second, Multiplier: 1.5, MaxRetries: 7},
	}, m.Engine)
	assert.Equal(t, "s3cr3t", m.Storage.SecretKey)
	assert.Equal(t, "renders", m.Storage.Bucket)
	assert.Equal(t, 20*time.Second, m.Scorer.Timeout)
	assert.Equal(t, config.ExporterStdout, m.Telemetry.Exporter)
	require.NotNil(t, m.Validation.Threshold)
	assert.Equal(t, 0.3, *m.Validation.Threshold)
	assert.Equal(t, []string{"duplicate", "ghosting"}, m.Validation.NegativeTerms)
	assert.Equal(t, &config.Emphasis{Base: 1.3, Growth: 1.2, Cap: 2.0}, m.Validation.Emphasis)

	require.Len(t, m.Generations, 2)
	fox := m.Generations[0]
	assert.Equal(t, "fox", fox.Name)
	assert.Equal(t, filepath.Join(dir, "jobs", "templates", "sdxl.json"), fox.Template)
	assert.Equal(t, []string{"red fox"}, fox.Subjects)
	assert.Equal(t, "a red fox in the snow", fox.Positive)
	assert.Equal(t, "blurry", fox.Negative)
	require.Len(t, fox.Adapters, 2)
	assert.Equal(t, "film_grain.safetensors", fox.Adapters[0].Name)
	assert.Nil(t, fox.Adapters[0].ClipStrength)
	require.NotNil(t, fox.Adapters[1].ClipStrength)
	assert.Equal(t, 0.4, *fox.Adapters[1].ClipStrength)
	assert.Equal(t, 0.35, *fox.Validation.Threshold)
	assert.Nil(t, fox.Validation.RetryLimit)
	assert.JSONEq(t, `7`, string(fox.Overrides["3"]["seed"]))
	assert.JSONEq(t, `"dpmpp_2m"`, string(fox.Overrides["3"]["sampler_name"]))

	want := &config.Generation{
		Name:          "plain",
		Template:      "/abs/unet.json",
		SourceClasses: []string{"UNETLoader"},
		ModelOnly:     true,
	}
	if diff := cmp.Diff(want, m.Generations[1], cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("plain generation mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_Errors(t *testing.T) {
	testCases := []struct {
		name  string
		files map[string]string
	}{
		{"syntax error", map[string]string{"a.hcl": `engine {`}},
		{"duplicate singleton across files", map[string]string{
			"a.hcl": `engine { address = "http://a" }`,
			"b.hcl": `engine { address = "http://b" }`,
		}},
		{"bad duration", map[string]string{"a.hcl": `engine {
  address = "http://a"
  idle_timeout = "soon"
}`}},
		{"missing engine", map[string]string{"a.hcl": `telemetry { exporter = "none" }`}},
		{"unknown env variable", map[string]string{"a.hcl": `engine { address = env.NOPE }`}},
		{"node overridden twice", map[string]string{"a.hcl": `
engine { address = "http://a" }
generation "g" {
  template = "t.json"
  override "3" { seed = 1 }
  override "3" { steps = 2 }
}`}},
		{"null override", map[string]string{"a.hcl": `
engine { address = "http://a" }
generation "g" {
  template = "t.json"
  override "3" { seed = null }
}`}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, body := range tc.files {
				writeFile(t, dir, name, body)
			}
			_, err := testLoader().Load(context.Background(), dir)
			assert.Error(t, err)
		})
	}
}

func TestLoad_NoFiles(t *testing.T) {
	_, err := testLoader().Load(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = testLoader().Load(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
