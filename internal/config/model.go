package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is wrapped by every error returned from Model.Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Accepted values for the enumerated settings.
const (
	TransportWebSocket = "websocket"
	TransportSocketIO  = "socketio"

	BackendNone  = ""
	BackendMinIO = "minio"
	BackendFile  = "file"

	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Model is the unified representation of the entire application
// configuration.
type Model struct {
	Engine      Engine
	Storage     Storage
	Scorer      Scorer
	Validation  Validation
	Telemetry   Telemetry
	Generations []*Generation
}

// Engine describes how to reach the generation engine.
type Engine struct {
	Address     string
	Transport   string
	Namespace   string
	IdleTimeout time.Duration
	Backoff     Backoff
}

// Backoff tunes transport retries. Zero fields keep the built-in defaults.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries int
}

// Storage selects where artifacts and metadata are written. An empty
// Backend disables persistence.
type Storage struct {
	Backend   string
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string
	Directory string
}

// Scorer points at the image/text similarity service. An empty URL
// disables validation.
type Scorer struct {
	URL     string
	Timeout time.Duration
}

// Validation holds the retry settings. Pointer fields distinguish unset
// from zero so per-generation blocks can override the global one.
type Validation struct {
	Threshold     *float64
	RetryLimit    *int
	Emphasis      *Emphasis
	NegativeTerms []string
}

// Emphasis is the subject weight schedule.
type Emphasis struct {
	Base   float64
	Growth float64
	Cap    float64
}

// Telemetry selects the trace exporter.
type Telemetry struct {
	Exporter string
}

// Generation is one requested generation.
type Generation struct {
	Name string
	// Template is the absolute path of the API graph document.
	Template      string
	SourceClasses []string
	ModelOnly     bool
	Adapters      []Adapter
	Positive      string
	Negative      string
	Subjects      []string
	// Overrides maps node id to input name to a JSON literal.
	Overrides  map[string]map[string]json.RawMessage
	Validation Validation
}

// Adapter is one entry of a generation's adapter chain.
type Adapter struct {
	Name         string
	Strength     float64
	ClipStrength *float64
}

// Merge returns v with every field set in o taking precedence.
func (v Validation) Merge(o Validation) Validation {
	if o.Threshold != nil {
		v.Threshold = o.Threshold
	}
	if o.RetryLimit != nil {
		v.RetryLimit = o.RetryLimit
	}
	if o.Emphasis != nil {
		v.Emphasis = o.Emphasis
	}
	if o.NegativeTerms != nil {
		v.NegativeTerms = o.NegativeTerms
	}
	return v
}

// Validate checks the cross-field rules the loaders cannot express.
func (m *Model) Validate() error {
	if m.Engine.Address == "" {
		return fmt.Errorf("%w: engine address is required", ErrInvalidConfig)
	}
	switch m.Engine.Transport {
	case "", TransportWebSocket, TransportSocketIO:
	default:
		return fmt.Errorf("%w: unknown engine transport %q", ErrInvalidConfig, m.Engine.Transport)
	}
	switch m.Storage.Backend {
	case BackendNone:
	case BackendMinIO:
		if m.Storage.Endpoint == "" {
			return fmt.Errorf("%w: minio storage needs an endpoint", ErrInvalidConfig)
		}
	case BackendFile:
		if m.Storage.Directory == "" {
			return fmt.Errorf("%w: file storage needs a directory", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, m.Storage.Backend)
	}
	switch m.Telemetry.Exporter {
	case "", ExporterNone, ExporterStdout:
	default:
		return fmt.Errorf("%w: unknown trace exporter %q", ErrInvalidConfig, m.Telemetry.Exporter)
	}

	seen := make(map[string]struct{}, len(m.Generations))
	for _, g := range m.Generations {
		if _, dup := seen[g.Name]; dup {
			return fmt.Errorf("%w: generation %q is defined twice", ErrInvalidConfig, g.Name)
		}
		seen[g.Name] = struct{}{}
		if g.Template == "" {
			return fmt.Errorf("%w: generation %q has no template", ErrInvalidConfig, g.Name)
		}
		v := m.Validation.Merge(g.Validation)
		if v.RetryLimit != nil && *v.RetryLimit < 1 {
			return fmt.Errorf("%w: generation %q retry_limit must be at least 1", ErrInvalidConfig, g.Name)
		}
		if v.Threshold != nil && *v.Threshold > 1 {
			return fmt.Errorf("%w: generation %q threshold must not exceed 1", ErrInvalidConfig, g.Name)
		}
	}
	return nil
}
