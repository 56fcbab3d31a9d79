package hcl

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/vk/graphforge/internal/config"
)

// translateFile merges one decoded file into the model.
func translateFile(m *config.Model, file string, root *fileRoot, evalCtx *hcl.EvalContext) error {
	if b := root.Engine; b != nil {
		e, err := translateEngine(b)
		if err != nil {
			return err
		}
		m.Engine = e
	}
	if b := root.Storage; b != nil {
		m.Storage = config.Storage{
			Backend:   b.Backend,
			Endpoint:  b.Endpoint,
			Bucket:    b.Bucket,
			Region:    b.Region,
			AccessKey: b.AccessKey,
			SecretKey: b.SecretKey,
			UseSSL:    b.UseSSL,
			Prefix:    b.Prefix,
			Directory: relativeTo(file, b.Directory),
		}
	}
	if b := root.Scorer; b != nil {
		timeout, err := duration("scorer.timeout", b.Timeout)
		if err != nil {
			return err
		}
		m.Scorer = config.Scorer{URL: b.URL, Timeout: timeout}
	}
	if b := root.Validation; b != nil {
		m.Validation = translateValidation(b)
	}
	if b := root.Telemetry; b != nil {
		m.Telemetry = config.Telemetry{Exporter: b.Exporter}
	}
	for _, g := range root.Generations {
		gen, err := translateGeneration(file, g, evalCtx)
		if err != nil {
			return err
		}
		m.Generations = append(m.Generations, gen)
	}
	return nil
}

func translateEngine(b *engineBlock) (config.Engine, error) {
	idle, err := duration("engine.idle_timeout", b.IdleTimeout)
	if err != nil {
		return config.Engine{}, err
	}
	e := config.Engine{
		Address:     b.Address,
		Transport:   b.Transport,
		Namespace:   b.Namespace,
		IdleTimeout: idle,
	}
	if bo := b.Backoff; bo != nil {
		if e.Backoff.Initial, err = duration("engine.backoff.initial", bo.Initial); err != nil {
			return config.Engine{}, err
		}
		if e.Backoff.Max, err = duration("engine.backoff.max", bo.Max); err != nil {
			return config.Engine{}, err
		}
		e.Backoff.Multiplier = bo.Multiplier
		e.Backoff.MaxRetries = bo.MaxRetries
	}
	return e, nil
}

func translateValidation(b *validationBlock) config.Validation {
	if b == nil {
		return config.Validation{}
	}
	v := config.Validation{Threshold: b.Threshold, RetryLimit: b.RetryLimit}
	if b.NegativeTerms != nil {
		v.NegativeTerms = append([]string{}, (*b.NegativeTerms)...)
	}
	if e := b.Emphasis; e != nil {
		v.Emphasis = &config.Emphasis{Base: e.Base, Growth: e.Growth, Cap: e.Cap}
	}
	return v
}

func translateGeneration(file string, b *generationBlock, evalCtx *hcl.EvalContext) (*config.Generation, error) {
	g := &config.Generation{
		Name:          b.Name,
		Template:      relativeTo(file, b.Template),
		SourceClasses: b.SourceClasses,
		ModelOnly:     b.ModelOnly,
		Subjects:      b.Subjects,
		Validation:    translateValidation(b.Validation),
	}
	if p := b.Prompt; p != nil {
		g.Positive, g.Negative = p.Positive, p.Negative
	}
	for _, a := range b.Adapters {
		g.Adapters = append(g.Adapters, config.Adapter{Name: a.Name, Strength: a.Strength, ClipStrength: a.ClipStrength})
	}
	for _, o := range b.Overrides {
		inputs, err := overrideLiterals(o, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("generation %q: %w", b.Name, err)
		}
		if g.Overrides == nil {
			g.Overrides = make(map[string]map[string]json.RawMessage)
		}
		if _, dup := g.Overrides[o.NodeID]; dup {
			return nil, fmt.Errorf("%w: generation %q overrides node %s twice", config.ErrInvalidConfig, b.Name, o.NodeID)
		}
		g.Overrides[o.NodeID] = inputs
	}
	return g, nil
}

// overrideLiterals evaluates every attribute of an override block and
// encodes it as the JSON literal the engine document expects.
func overrideLiterals(o *overrideBlock, evalCtx *hcl.EvalContext) (map[string]json.RawMessage, error) {
	attrs, diags := o.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("override %q: %w", o.NodeID, diags)
	}
	out := make(map[string]json.RawMessage, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("override %q input %q: %w", o.NodeID, name, diags)
		}
		if !val.IsWhollyKnown() || val.IsNull() {
			return nil, fmt.Errorf("%w: override %q input %q must be a known, non-null value", config.ErrInvalidConfig, o.NodeID, name)
		}
		raw, err := ctyjson.Marshal(val, val.Type())
		if err != nil {
			return nil, fmt.Errorf("override %q input %q: %w", o.NodeID, name, err)
		}
		out[name] = raw
	}
	return out, nil
}

func duration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", config.ErrInvalidConfig, field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", config.ErrInvalidConfig, field)
	}
	return d, nil
}

// relativeTo resolves p against the directory of the file declaring it.
func relativeTo(file, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	abs, err := filepath.Abs(filepath.Join(filepath.Dir(file), p))
	if err != nil {
		return filepath.Join(filepath.Dir(file), p)
	}
	return abs
}
