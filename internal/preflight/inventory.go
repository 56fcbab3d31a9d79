// Package preflight checks that every resource a workflow names (base
// models, adapters, encoders, codecs) is available on the engine before the
// workflow is submitted, and proposes substitutes for the ones that are not.
package preflight

import (
	"sort"
)

// ResourceClass groups resource names the engine stores separately.
type ResourceClass string

const (
	Checkpoints     ResourceClass = "checkpoints"
	Loras           ResourceClass = "loras"
	TextEncoders    ResourceClass = "text_encoders"
	VAE             ResourceClass = "vae"
	DiffusionModels ResourceClass = "diffusion_models"
	UpscaleModels   ResourceClass = "upscale_models"
)

// resourceInputs says which input of which node class names a resource, and
// of what class.
var resourceInputs = map[string]map[string]ResourceClass{
	"CheckpointLoaderSimple":    {"ckpt_name": Checkpoints},
	"CheckpointLoader":          {"ckpt_name": Checkpoints},
	"CheckpointLoader|pysssss":  {"ckpt_name": Checkpoints},
	"ImageOnlyCheckpointLoader": {"ckpt_name": Checkpoints},
	"LoraLoader":                {"lora_name": Loras},
	"LoraLoaderModelOnly":       {"lora_name": Loras},
	"CLIPLoader":                {"clip_name": TextEncoders},
	"DualCLIPLoader":            {"clip_name1": TextEncoders, "clip_name2": TextEncoders},
	"TripleCLIPLoader":          {"clip_name1": TextEncoders, "clip_name2": TextEncoders, "clip_name3": TextEncoders},
	"VAELoader":                 {"vae_name": VAE},
	"UNETLoader":                {"unet_name": DiffusionModels},
	"UpscaleModelLoader":        {"model_name": UpscaleModels},
}

// ResourceInput is one entry of the resource lookup table.
type ResourceInput struct {
	ClassType string
	Input     string
	Class     ResourceClass
}

// ResourceInputs lists the lookup table in a stable order.
func ResourceInputs() []ResourceInput {
	var out []ResourceInput
	for classType, inputs := range resourceInputs {
		for input, class := range inputs {
			out = append(out, ResourceInput{ClassType: classType, Input: input, Class: class})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClassType != out[j].ClassType {
			return out[i].ClassType < out[j].ClassType
		}
		return out[i].Input < out[j].Input
	})
	return out
}

// resourceClassOf looks up the table.
func resourceClassOf(classType, input string) (ResourceClass, bool) {
	inputs, ok := resourceInputs[classType]
	if !ok {
		return "", false
	}
	c, ok := inputs[input]
	return c, ok
}

// Inventory is the set of resource names the engine has, per class. It is
// read-only once built.
type Inventory map[ResourceClass]map[string]struct{}

// NewInventory builds an inventory from name lists.
func NewInventory(names map[ResourceClass][]string) Inventory {
	inv := make(Inventory, len(names))
	for class, list := range names {
		for _, n := range list {
			inv.add(class, n)
		}
	}
	return inv
}

func (inv Inventory) add(class ResourceClass, name string) {
	set, ok := inv[class]
	if !ok {
		set = make(map[string]struct{})
		inv[class] = set
	}
	set[name] = struct{}{}
}

// Has reports whether the engine holds name in class.
func (inv Inventory) Has(class ResourceClass, name string) bool {
	_, ok := inv[class][name]
	return ok
}

// Names lists a class's names sorted.
func (inv Inventory) Names(class ResourceClass) []string {
	set := inv[class]
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ObjectInfo is the part of the engine's node catalogue preflight needs:
// node class, then input name, then the values the engine accepts.
type ObjectInfo map[string]map[string][]string

// FromObjectInfo derives an inventory from the engine's node catalogue using
// the resource lookup table. Classes the engine does not report stay empty.
func FromObjectInfo(info ObjectInfo) Inventory {
	inv := make(Inventory)
	for _, ri := range ResourceInputs() {
		for _, name := range info[ri.ClassType][ri.Input] {
			inv.add(ri.Class, name)
		}
	}
	return inv
}
