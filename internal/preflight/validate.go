package preflight

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vk/graphforge/internal/workflow"
)

// ErrConfiguration is wrapped by ConfigurationError.
var ErrConfiguration = errors.New("configuration error")

// Missing is one resource the workflow names that the engine lacks.
type Missing struct {
	Class       ResourceClass
	Name        string
	Suggestions []string
	// NodeIDs are the nodes referencing the resource, in graph order.
	NodeIDs []string
}

// Warning flags a value that is accepted but should be confirmed.
type Warning struct {
	NodeID  string
	Input   string
	Message string
}

// Result is the outcome of a preflight check.
type Result struct {
	Pass     bool
	Missing  []Missing
	Warnings []Warning
}

// Err returns a *ConfigurationError when the check failed, nil otherwise.
func (r *Result) Err() error {
	if r == nil || r.Pass {
		return nil
	}
	return &ConfigurationError{Missing: r.Missing}
}

// ConfigurationError reports resources missing from the engine. It is never
// resolved silently: callers surface the suggestions and stop.
type ConfigurationError struct {
	Missing []Missing
}

func (e *ConfigurationError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		p := fmt.Sprintf("%s/%s", m.Class, m.Name)
		if len(m.Suggestions) > 0 {
			p += fmt.Sprintf(" (did you mean %s?)", strings.Join(m.Suggestions, ", "))
		}
		parts = append(parts, p)
	}
	return fmt.Sprintf("%s: %d missing resource(s): %s", ErrConfiguration, len(e.Missing), strings.Join(parts, "; "))
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// adapterStrengthInputs are checked for the "needs confirmation" range.
var adapterStrengthInputs = []string{workflow.InputModelStrength, workflow.InputClipStrength}

// Validate walks the graph and checks every literal resource name against
// the inventory. Each missing (class, name) pair is reported once, in order
// of first appearance. The graph is never modified.
func Validate(g *workflow.Graph, inv Inventory) *Result {
	res := &Result{Pass: true}
	index := make(map[string]int)

	for _, n := range g.Nodes() {
		inputs := resourceInputs[n.ClassType]
		names := make([]string, 0, len(inputs))
		for input := range inputs {
			names = append(names, input)
		}
		sort.Strings(names)

		for _, input := range names {
			class, _ := resourceClassOf(n.ClassType, input)
			v, ok := n.Input(input)
			if !ok {
				continue
			}
			name, ok := v.Text()
			if !ok || inv.Has(class, name) {
				continue
			}
			key := string(class) + "\x00" + name
			if i, seen := index[key]; seen {
				res.Missing[i].NodeIDs = append(res.Missing[i].NodeIDs, n.ID)
				continue
			}
			index[key] = len(res.Missing)
			res.Missing = append(res.Missing, Missing{
				Class:       class,
				Name:        name,
				Suggestions: Suggest(name, inv.Names(class), MaxSuggestions),
				NodeIDs:     []string{n.ID},
			})
		}

		if _, isAdapter := resourceInputs[n.ClassType]["lora_name"]; isAdapter {
			for _, input := range adapterStrengthInputs {
				v, ok := n.Input(input)
				if !ok {
					continue
				}
				if f, ok := v.Float(); ok && (f < 0 || f > 2) {
					res.Warnings = append(res.Warnings, Warning{
						NodeID:  n.ID,
						Input:   input,
						Message: fmt.Sprintf("strength %g is outside [0,2] and needs confirmation", f),
					})
				}
			}
		}
	}

	res.Pass = len(res.Missing) == 0
	return res
}

// AdapterWarnings lists the adapters whose strengths need confirmation
// before they are spliced into a graph.
func AdapterWarnings(adapters []workflow.AdapterSpec) []Warning {
	var out []Warning
	for _, a := range adapters {
		if a.NeedsConfirmation() {
			out = append(out, Warning{
				Input:   workflow.InputAdapterName,
				Message: fmt.Sprintf("adapter %s has a strength outside [0,2] and needs confirmation", a),
			})
		}
	}
	return out
}
