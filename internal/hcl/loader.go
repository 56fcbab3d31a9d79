package hcl

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/graphforge/internal/config"
	"github.com/vk/graphforge/internal/ctxlog"
	"github.com/vk/graphforge/internal/fsutil"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct {
	environ func() []string
}

// NewLoader creates a new HCL configuration loader.
func NewLoader() *Loader {
	return &Loader{environ: os.Environ}
}

// Load parses every .hcl file under paths and merges them into one model.
// Singleton blocks (engine, storage, scorer, validation, telemetry) may
// appear in at most one file; generations accumulate in file order.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	hclFiles, err := fsutil.CollectFiles(paths, ".hcl")
	if err != nil {
		return nil, err
	}
	if len(hclFiles) == 0 {
		return nil, fmt.Errorf("%w: no .hcl files found in %v", config.ErrInvalidConfig, paths)
	}
	logger.Debug("Discovered HCL files.", "count", len(hclFiles))

	parser := hclparse.NewParser()
	evalCtx := l.evalContext()
	m := &config.Model{}
	var seen singletons

	for _, file := range hclFiles {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}

		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, evalCtx, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}
		if err := seen.claim(file, &root); err != nil {
			return nil, err
		}
		if err := translateFile(m, file, &root, evalCtx); err != nil {
			return nil, fmt.Errorf("in %s: %w", file, err)
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("HCL loading complete.", "files", len(hclFiles), "generations", len(m.Generations))
	return m, nil
}

// evalContext exposes the environment as the `env` object.
func (l *Loader) evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, e := range l.environ() {
		if k, v, ok := strings.Cut(e, "="); ok && k != "" && hclIdentifier(k) {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(env)},
	}
}

func hclIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}

// singletons remembers which file defined each singleton block.
type singletons map[string]string

func (s *singletons) claim(file string, root *fileRoot) error {
	if *s == nil {
		*s = make(singletons)
	}
	for name, present := range map[string]bool{
		"engine":     root.Engine != nil,
		"storage":    root.Storage != nil,
		"scorer":     root.Scorer != nil,
		"validation": root.Validation != nil,
		"telemetry":  root.Telemetry != nil,
	} {
		if !present {
			continue
		}
		if prev, dup := (*s)[name]; dup {
			return fmt.Errorf("%w: %q block defined in both %s and %s", config.ErrInvalidConfig, name, prev, file)
		}
		(*s)[name] = file
	}
	return nil
}
