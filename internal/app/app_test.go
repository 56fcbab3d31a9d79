package app

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/graphforge/internal/engine/enginetest"
	"github.com/vk/graphforge/internal/hcl"
	"github.com/vk/graphforge/internal/preflight"
	"github.com/vk/graphforge/internal/workflow"
)

const template = `{
  "3": {"inputs": {"seed": 42, "steps": 20, "cfg": 7.5, "sampler_name": "euler", "model": ["4", 0], "positive": ["6", 0], "negative": ["7", 0], "latent_image": ["5", 0]}, "class_type": "KSampler"},
  "4": {"inputs": {"ckpt_name": "sdxl_base.safetensors"}, "class_type": "CheckpointLoaderSimple"},
  "5": {"inputs": {"width": 1024, "height": 1024, "batch_size": 1}, "class_type": "EmptyLatentImage"},
  "6": {"inputs": {"text": "placeholder", "clip": ["4", 1]}, "class_type": "CLIPTextEncode"},
  "7": {"inputs": {"text": "", "clip": ["4", 1]}, "class_type": "CLIPTextEncode"},
  "8": {"inputs": {"samples": ["3", 0], "vae": ["4", 2]}, "class_type": "VAEDecode"},
  "9": {"inputs": {"filename_prefix": "fox", "images": ["8", 0]}, "class_type": "SaveImage"}
}`

const configHCL = `
engine {
  address = "http://127.0.0.1:8188"
}

storage {
  backend   = "file"
  directory = "out"
}

validation {
  threshold = 0.3
}

generation "fox" {
  template = "sdxl.json"
  subjects = ["red fox"]

  adapter "grain.safetensors" {
    strength = 0.8
  }

  prompt {
    positive = "a red fox in the snow"
  }

  override "3" {
    seed = 7
  }
}
`

func setupConfigDir(t *testing.T, hclBody string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sdxl.json"), []byte(template), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(hclBody), 0o600))
	return dir
}

func inventory(loras ...string) preflight.Inventory {
	return preflight.NewInventory(map[preflight.ResourceClass][]string{
		preflight.Checkpoints: {"sdxl_base.safetensors"},
		preflight.Loras:       loras,
	})
}

func TestApp_RunPersistsArtifact(t *testing.T) {
	dir := setupConfigDir(t, configHCL)
	fake := &enginetest.Fake{
		Scripts: []enginetest.Script{enginetest.Completed("fox_0001.png")},
		Inv:     inventory("grain.safetensors"),
		Files:   map[string][]byte{"fox_0001.png": []byte("\x89PNG")},
	}

	a, logs := SetupAppTest(t, &Config{ConfigPaths: []string{dir}, WorkerCount: 2}, hcl.NewLoader(), WithEngine(fake))
	require.Len(t, a.Requests(), 1)

	require.NoError(t, a.Run(context.Background()))

	submitted := fake.Submitted()
	require.Len(t, submitted, 1, "no scorer means the first completed job is accepted")
	g, err := workflow.Parse(submitted[0])
	require.NoError(t, err)
	loras := g.NodesByClass("LoraLoader")
	require.Len(t, loras, 1)
	seed, _ := mustNode(t, g, "3").Input("seed")
	assert.Equal(t, "7", string(seed.Raw()))
	text, _ := mustNode(t, g, "6").Input("text")
	s, _ := text.Text()
	assert.Equal(t, "a red fox in the snow", s)

	var stored []string
	require.NoError(t, filepath.WalkDir(filepath.Join(dir, "out"), func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			stored = append(stored, filepath.Ext(p))
		}
		return err
	}))
	assert.ElementsMatch(t, []string{".png", ".json"}, stored)
	assert.Contains(t, logs.String(), "Generation succeeded.")
}

func TestApp_RunReportsMissingResources(t *testing.T) {
	dir := setupConfigDir(t, configHCL)
	fake := &enginetest.Fake{Inv: inventory("grainy.safetensors")}

	a, logs := SetupAppTest(t, &Config{ConfigPaths: []string{dir}, WorkerCount: 1}, hcl.NewLoader(), WithEngine(fake))

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, preflight.ErrConfiguration)
	assert.Empty(t, fake.Submitted())
	assert.Contains(t, logs.String(), "Missing engine resource.")
	assert.Contains(t, logs.String(), "grainy.safetensors")
}

func TestApp_NoGenerations(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(`engine { address = "http://127.0.0.1:8188" }`), 0o600))

	a, logs := SetupAppTest(t, &Config{ConfigPaths: []string{dir}, WorkerCount: 1}, hcl.NewLoader(), WithEngine(&enginetest.Fake{}))
	require.NoError(t, a.Run(context.Background()))
	assert.Contains(t, logs.String(), "No generations configured")
}

func TestNewApp_PanicsOnInvalidConfig(t *testing.T) {
	testCases := []struct {
		name string
		hcl  string
	}{
		{"syntax error", `engine {`},
		{"missing template", `
engine { address = "http://127.0.0.1:8188" }
generation "g" { template = "nope.json" }`},
		{"bad engine address", `engine { address = "ftp://127.0.0.1" }`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(tc.hcl), 0o600))
			assert.Panics(t, func() {
				NewApp(&SafeBuffer{}, &Config{ConfigPaths: []string{dir}, WorkerCount: 1}, hcl.NewLoader())
			})
		})
	}
}

func TestHealthAndMetricsHandlers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(`engine { address = "http://127.0.0.1:8188" }`), 0o600))
	a, _ := SetupAppTest(t, &Config{ConfigPaths: []string{dir}, WorkerCount: 1}, hcl.NewLoader(), WithEngine(&enginetest.Fake{}))

	rec := httptest.NewRecorder()
	a.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())

	a.metrics.JobSubmitted()
	rec = httptest.NewRecorder()
	a.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "graphforge_job_submitted_total 1"))
}

func TestNewConfig(t *testing.T) {
	_, err := NewConfig(Config{WorkerCount: 1})
	assert.Error(t, err)
	_, err = NewConfig(Config{ConfigPaths: []string{"x"}})
	assert.Error(t, err)
	cfg, err := NewConfig(Config{ConfigPaths: []string{"x"}, WorkerCount: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.WorkerCount)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func mustNode(t *testing.T, g *workflow.Graph, id string) *workflow.Node {
	t.Helper()
	n, ok := g.Node(id)
	require.True(t, ok, "node %s missing", id)
	return n
}
