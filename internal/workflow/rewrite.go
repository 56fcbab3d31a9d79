package workflow

import (
	"fmt"
)

// Input names used on adapter nodes.
const (
	InputModel         = "model"
	InputClip          = "clip"
	InputAdapterName   = "lora_name"
	InputModelStrength = "strength_model"
	InputClipStrength  = "strength_clip"
)

// RewriteTarget describes where adapters are spliced in: which node class
// produces the channels adapters modify, which output indexes carry them, and
// which node classes implement an adapter.
type RewriteTarget struct {
	// SourceClasses are the accepted class types of the source node. Exactly
	// one node of these classes must exist.
	SourceClasses []string
	// ModelOutput is the source output index of the model channel.
	ModelOutput int
	// EncoderOutput is the source output index of the text encoder channel.
	// A negative value means the source has no encoder channel and adapters
	// are inserted model-only.
	EncoderOutput int
	// AdapterClass is the class type of an adapter consuming both channels.
	AdapterClass string
	// ModelOnlyAdapterClass is used when EncoderOutput is negative.
	ModelOnlyAdapterClass string
}

// DefaultTarget matches checkpoint loaders that emit model on output 0 and
// encoder on output 1.
func DefaultTarget() RewriteTarget {
	return RewriteTarget{
		SourceClasses:         []string{"CheckpointLoaderSimple", "CheckpointLoader", "CheckpointLoader|pysssss"},
		ModelOutput:           0,
		EncoderOutput:         1,
		AdapterClass:          "LoraLoader",
		ModelOnlyAdapterClass: "LoraLoaderModelOnly",
	}
}

// ModelOnlyTarget matches diffusion model loaders that have no encoder output.
func ModelOnlyTarget() RewriteTarget {
	return RewriteTarget{
		SourceClasses:         []string{"UNETLoader"},
		ModelOutput:           0,
		EncoderOutput:         -1,
		AdapterClass:          "LoraLoader",
		ModelOnlyAdapterClass: "LoraLoaderModelOnly",
	}
}

func (t RewriteTarget) modelOnly() bool { return t.EncoderOutput < 0 }

// FindSource returns the unique node matching the target's source classes.
func FindSource(g *Graph, target RewriteTarget) (*Node, error) {
	candidates := g.NodesByClass(target.SourceClasses...)
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return nil, fmt.Errorf("%w: no node of class %v", ErrSourceNotFound, target.SourceClasses)
	default:
		ids := make([]string, len(candidates))
		for i, n := range candidates {
			ids[i] = n.ID
		}
		return nil, fmt.Errorf("%w: %d candidates of class %v (%v), refusing to guess", ErrSourceNotFound, len(candidates), target.SourceClasses, ids)
	}
}

// InsertAdapters splices a linear chain of adapter nodes between the source
// node and every consumer of its model and encoder outputs. The graph is
// mutated in place; the ids of the inserted nodes are returned in chain order.
//
// An empty adapter list leaves the graph untouched. A source with no
// consumers is legal: the chain is inserted and simply dead-ends.
//
// The rewrite is single-application per source. Running it twice on the same
// graph stacks a second chain behind the first; callers reset from the
// template instead.
func InsertAdapters(g *Graph, target RewriteTarget, adapters []AdapterSpec) ([]string, error) {
	if len(adapters) == 0 {
		return nil, nil
	}

	source, err := FindSource(g, target)
	if err != nil {
		return nil, err
	}

	modelRef := Ref{NodeID: source.ID, Output: target.ModelOutput}
	modelConsumers := g.ConsumersOf(modelRef)
	var encoderRef Ref
	var encoderConsumers []InputRef
	if !target.modelOnly() {
		encoderRef = Ref{NodeID: source.ID, Output: target.EncoderOutput}
		encoderConsumers = g.ConsumersOf(encoderRef)
	}

	inserted := make([]string, 0, len(adapters))
	for _, a := range adapters {
		n, err := newAdapterNode(g, target, a, modelRef, encoderRef)
		if err != nil {
			return nil, err
		}
		inserted = append(inserted, n.ID)

		// Adapter nodes emit model on output 0 and encoder on output 1.
		modelRef = Ref{NodeID: n.ID, Output: 0}
		if !target.modelOnly() {
			encoderRef = Ref{NodeID: n.ID, Output: 1}
		}
	}

	if err := rewire(g, modelConsumers, modelRef); err != nil {
		return nil, err
	}
	if err := rewire(g, encoderConsumers, encoderRef); err != nil {
		return nil, err
	}

	if err := g.CheckAcyclic(); err != nil {
		return nil, err
	}
	return inserted, nil
}

func newAdapterNode(g *Graph, target RewriteTarget, a AdapterSpec, model, encoder Ref) (*Node, error) {
	name, err := LiteralOf(a.Name)
	if err != nil {
		return nil, err
	}
	modelStrength, err := LiteralOf(a.Strength)
	if err != nil {
		return nil, err
	}

	if target.modelOnly() {
		return g.AddNode(target.ModelOnlyAdapterClass,
			Input{Name: InputModel, Value: Reference(model.NodeID, model.Output)},
			Input{Name: InputAdapterName, Value: name},
			Input{Name: InputModelStrength, Value: modelStrength},
		), nil
	}

	clipStrength, err := LiteralOf(a.EncoderStrength())
	if err != nil {
		return nil, err
	}
	return g.AddNode(target.AdapterClass,
		Input{Name: InputModel, Value: Reference(model.NodeID, model.Output)},
		Input{Name: InputClip, Value: Reference(encoder.NodeID, encoder.Output)},
		Input{Name: InputAdapterName, Value: name},
		Input{Name: InputModelStrength, Value: modelStrength},
		Input{Name: InputClipStrength, Value: clipStrength},
	), nil
}

func rewire(g *Graph, consumers []InputRef, to Ref) error {
	for _, c := range consumers {
		n, ok := g.Node(c.NodeID)
		if !ok {
			return fmt.Errorf("%w: consumer %s vanished during rewrite", ErrMalformedGraph, c.NodeID)
		}
		n.Set(c.Input, Reference(to.NodeID, to.Output))
	}
	return nil
}
