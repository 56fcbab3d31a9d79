package workflow

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// sdxlTemplate is a minimal text-to-image pipeline in API document form.
const sdxlTemplate = `{
  "3": {"inputs": {"seed": 42, "steps": 20, "cfg": 7.5, "sampler_name": "euler", "model": ["4", 0], "positive": ["6", 0], "negative": ["7", 0], "latent_image": ["5", 0]}, "class_type": "KSampler"},
  "4": {"inputs": {"ckpt_name": "sdxl_base.safetensors"}, "class_type": "CheckpointLoaderSimple", "_meta": {"title": "Load Checkpoint"}},
  "5": {"inputs": {"width": 1024, "height": 1024, "batch_size": 1}, "class_type": "EmptyLatentImage"},
  "6": {"inputs": {"text": "a red fox in the snow", "clip": ["4", 1]}, "class_type": "CLIPTextEncode"},
  "7": {"inputs": {"text": "blurry", "clip": ["4", 1]}, "class_type": "CLIPTextEncode"},
  "8": {"inputs": {"samples": ["3", 0], "vae": ["4", 2]}, "class_type": "VAEDecode"},
  "9": {"inputs": {"filename_prefix": "fox", "images": ["8", 0]}, "class_type": "SaveImage"}
}`

func mustParse(t *testing.T, doc string) *Graph {
	t.Helper()
	g, err := Parse([]byte(doc))
	require.NoError(t, err)
	return g
}

func mustMarshal(t *testing.T, g *Graph) []byte {
	t.Helper()
	out, err := g.MarshalJSON()
	require.NoError(t, err)
	return out
}

func compact(t *testing.T, doc string) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.Compact(&buf, []byte(doc)))
	return buf.Bytes()
}

func refOf(t *testing.T, g *Graph, nodeID, input string) Ref {
	t.Helper()
	n, ok := g.Node(nodeID)
	require.True(t, ok, "node %s missing", nodeID)
	v, ok := n.Input(input)
	require.True(t, ok, "node %s has no input %q", nodeID, input)
	r, ok := v.Ref()
	require.True(t, ok, "node %s input %q is not a reference", nodeID, input)
	return r
}
