package preflight

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/graphforge/internal/workflow"
)

const adapterTemplate = `{
  "3": {"inputs": {"seed": 1, "model": ["11", 0], "positive": ["6", 0], "negative": ["7", 0], "latent_image": ["5", 0]}, "class_type": "KSampler"},
  "4": {"inputs": {"ckpt_name": "sdxl_base.safetensors"}, "class_type": "CheckpointLoaderSimple"},
  "5": {"inputs": {"width": 1024, "height": 1024, "batch_size": 1}, "class_type": "EmptyLatentImage"},
  "6": {"inputs": {"text": "a fox", "clip": ["11", 1]}, "class_type": "CLIPTextEncode"},
  "7": {"inputs": {"text": "blurry", "clip": ["11", 1]}, "class_type": "CLIPTextEncode"},
  "10": {"inputs": {"lora_name": "pixel_art.safetensors", "strength_model": 0.8, "strength_clip": 0.8, "model": ["4", 0], "clip": ["4", 1]}, "class_type": "LoraLoader"},
  "11": {"inputs": {"lora_name": "pixel_art.safetensors", "strength_model": 2.5, "strength_clip": 1.0, "model": ["10", 0], "clip": ["10", 1]}, "class_type": "LoraLoader"},
  "12": {"inputs": {"vae_name": "sdxl_vae.safetensors"}, "class_type": "VAELoader"}
}`

func parse(t *testing.T, doc string) *workflow.Graph {
	t.Helper()
	g, err := workflow.Parse([]byte(doc))
	require.NoError(t, err)
	return g
}

func fullInventory() Inventory {
	return NewInventory(map[ResourceClass][]string{
		Checkpoints: {"sdxl_base.safetensors", "sd15.ckpt"},
		Loras:       {"pixel_art.safetensors", "watercolor.safetensors"},
		VAE:         {"sdxl_vae.safetensors"},
	})
}

func TestValidate_Pass(t *testing.T) {
	g := parse(t, adapterTemplate)

	res := Validate(g, fullInventory())

	assert.True(t, res.Pass)
	assert.Empty(t, res.Missing)
	assert.NoError(t, res.Err())
}

func TestValidate_MissingReportedOnceInFirstAppearanceOrder(t *testing.T) {
	g := parse(t, adapterTemplate)
	inv := NewInventory(map[ResourceClass][]string{
		Checkpoints: {"sdxl_base.safetensors"},
		Loras:       {"pixel_art_v2.safetensors", "watercolor.safetensors"},
	})

	res := Validate(g, inv)

	require.False(t, res.Pass)
	require.Len(t, res.Missing, 2)
	assert.Equal(t, Loras, res.Missing[0].Class)
	assert.Equal(t, "pixel_art.safetensors", res.Missing[0].Name)
	assert.Equal(t, []string{"10", "11"}, res.Missing[0].NodeIDs)
	assert.Equal(t, "pixel_art_v2.safetensors", res.Missing[0].Suggestions[0])
	assert.Equal(t, VAE, res.Missing[1].Class)
	assert.Empty(t, res.Missing[1].Suggestions)

	err := res.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Len(t, cfgErr.Missing, 2)
	assert.Contains(t, err.Error(), "did you mean pixel_art_v2.safetensors")
}

func TestValidate_DoesNotModifyGraph(t *testing.T) {
	g := parse(t, adapterTemplate)
	before, err := g.MarshalJSON()
	require.NoError(t, err)

	Validate(g, NewInventory(nil))

	after, err := g.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestValidate_StrengthWarnings(t *testing.T) {
	g := parse(t, adapterTemplate)

	res := Validate(g, fullInventory())

	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "11", res.Warnings[0].NodeID)
	assert.Equal(t, workflow.InputModelStrength, res.Warnings[0].Input)
	assert.True(t, res.Pass, "warnings do not fail the check")
}

func TestValidate_IgnoresReferencedNames(t *testing.T) {
	doc := `{
	  "1": {"inputs": {"value": "x"}, "class_type": "PrimitiveString"},
	  "2": {"inputs": {"ckpt_name": ["1", 0]}, "class_type": "CheckpointLoaderSimple"}
	}`
	res := Validate(parse(t, doc), NewInventory(nil))
	assert.True(t, res.Pass)
}

func TestSuggest(t *testing.T) {
	candidates := []string{
		"sdxl_base_1.0.safetensors",
		"sd15_inpainting.ckpt",
		"zzz_qqq_totally_unrelated_model.pt",
		"realvis/juggernaut_sdxl.safetensors",
	}

	got := Suggest("SDXL_base.safetensors", candidates, MaxSuggestions)

	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), MaxSuggestions)
	assert.Equal(t, "sdxl_base_1.0.safetensors", got[0])
	assert.NotContains(t, got, "zzz_qqq_totally_unrelated_model.pt")
	assert.Nil(t, Suggest("x", candidates, 0))
}

func TestFromObjectInfo(t *testing.T) {
	info := ObjectInfo{
		"CheckpointLoaderSimple": {"ckpt_name": {"a.safetensors", "b.safetensors"}},
		"LoraLoader":             {"lora_name": {"l1.safetensors"}},
		"DualCLIPLoader":         {"clip_name1": {"t5.safetensors"}, "clip_name2": {"clip_l.safetensors"}},
		"KSampler":               {"sampler_name": {"euler"}},
	}

	inv := FromObjectInfo(info)

	assert.Equal(t, []string{"a.safetensors", "b.safetensors"}, inv.Names(Checkpoints))
	assert.True(t, inv.Has(Loras, "l1.safetensors"))
	assert.Equal(t, []string{"clip_l.safetensors", "t5.safetensors"}, inv.Names(TextEncoders))
	assert.Empty(t, inv.Names(VAE))
}

func TestResourceInputs_Stable(t *testing.T) {
	a := ResourceInputs()
	b := ResourceInputs()
	assert.Equal(t, a, b)
	assert.Equal(t, "CLIPLoader", a[0].ClassType)
}

func TestAdapterWarnings(t *testing.T) {
	clip := 3.0
	adapters := []workflow.AdapterSpec{
		{Name: "ok", Strength: 1},
		{Name: "hot", Strength: 1, ClipStrength: &clip},
		{Name: "neg", Strength: -0.5},
	}

	got := AdapterWarnings(adapters)

	require.Len(t, got, 2)
	assert.Contains(t, got[0].Message, "hot@1/3")
	assert.Contains(t, got[1].Message, "neg@-0.5")
}
