package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Prompts are the caller's positive and negative texts.
type Prompts struct {
	Positive string `json:"positive"`
	Negative string `json:"negative"`
}

// SamplerClasses are the node classes whose positive/negative inputs lead to
// the text encoders a prompt is written into.
var SamplerClasses = []string{"KSampler", "KSamplerAdvanced", "SamplerCustom"}

const (
	inputPositive     = "positive"
	inputNegative     = "negative"
	inputText         = "text"
	inputConditioning = "conditioning"
	// maxConditioningHops bounds the walk through conditioning modifiers
	// (control nets, area setters) between a sampler and its text encoder.
	maxConditioningHops = 8
)

// ApplyPrompts writes the prompt texts into the text encoders feeding every
// sampler. An empty text leaves the template's text untouched. It returns
// ErrNoPromptTarget when there is nothing to write to.
func ApplyPrompts(g *Graph, p Prompts) error {
	if p.Positive == "" && p.Negative == "" {
		return nil
	}
	samplers := g.NodesByClass(SamplerClasses...)
	if len(samplers) == 0 {
		return fmt.Errorf("%w: no sampler node of class %v", ErrNoPromptTarget, SamplerClasses)
	}

	written := 0
	for _, s := range samplers {
		for _, side := range []struct {
			input string
			text  string
		}{{inputPositive, p.Positive}, {inputNegative, p.Negative}} {
			if side.text == "" {
				continue
			}
			enc, err := findTextEncoder(g, s, side.input)
			if err != nil {
				return err
			}
			if enc == nil {
				continue
			}
			v, err := LiteralOf(side.text)
			if err != nil {
				return err
			}
			enc.Set(inputText, v)
			written++
		}
	}
	if written == 0 {
		return fmt.Errorf("%w: no text encoder reachable from samplers", ErrNoPromptTarget)
	}
	return nil
}

// findTextEncoder follows a sampler's conditioning input upstream to the
// first node that carries a literal text input.
func findTextEncoder(g *Graph, sampler *Node, input string) (*Node, error) {
	v, ok := sampler.Input(input)
	if !ok {
		return nil, nil
	}
	for hop := 0; hop < maxConditioningHops; hop++ {
		r, ok := v.Ref()
		if !ok {
			return nil, nil
		}
		n, exists := g.Node(r.NodeID)
		if !exists {
			return nil, fmt.Errorf("%w: sampler %s input %q references missing node %s", ErrMalformedGraph, sampler.ID, input, r.NodeID)
		}
		if text, ok := n.Input(inputText); ok && !text.IsRef() {
			return n, nil
		}
		if v, ok = n.Input(inputConditioning); !ok {
			return nil, nil
		}
	}
	return nil, nil
}

// Overrides maps node id to input name to a literal JSON value.
type Overrides map[string]map[string]json.RawMessage

// ApplyOverrides sets literal inputs on existing nodes.
func ApplyOverrides(g *Graph, o Overrides) error {
	for _, id := range sortedKeys(o) {
		n, ok := g.Node(id)
		if !ok {
			return fmt.Errorf("%w: override targets missing node %s", ErrMalformedGraph, id)
		}
		inputs := o[id]
		for _, name := range sortedKeys(inputs) {
			raw := inputs[name]
			if !json.Valid(raw) {
				return fmt.Errorf("%w: override %s.%s is not valid JSON", ErrMalformedGraph, id, name)
			}
			n.Set(name, Literal(raw))
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
