package hcl

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes all possible top-level blocks from any file.
type fileRoot struct {
	Engine      *engineBlock       `hcl:"engine,block"`
	Storage     *storageBlock      `hcl:"storage,block"`
	Scorer      *scorerBlock       `hcl:"scorer,block"`
	Validation  *validationBlock   `hcl:"validation,block"`
	Telemetry   *telemetryBlock    `hcl:"telemetry,block"`
	Generations []*generationBlock `hcl:"generation,block"`
	Remain      hcl.Body           `hcl:",remain"`
}

type engineBlock struct {
	Address     string        `hcl:"address"`
	Transport   string        `hcl:"transport,optional"`
	Namespace   string        `hcl:"namespace,optional"`
	IdleTimeout string        `hcl:"idle_timeout,optional"`
	Backoff     *backoffBlock `hcl:"backoff,block"`
}

type backoffBlock struct {
	Initial    string  `hcl:"initial,optional"`
	Max        string  `hcl:"max,optional"`
	Multiplier float64 `hcl:"multiplier,optional"`
	MaxRetries int     `hcl:"max_retries,optional"`
}

type storageBlock struct {
	Backend   string `hcl:"backend"`
	Endpoint  string `hcl:"endpoint,optional"`
	Bucket    string `hcl:"bucket,optional"`
	Region    string `hcl:"region,optional"`
	AccessKey string `hcl:"access_key,optional"`
	SecretKey string `hcl:"secret_key,optional"`
	UseSSL    bool   `hcl:"use_ssl,optional"`
	Prefix    string `hcl:"prefix,optional"`
	Directory string `hcl:"directory,optional"`
}

type scorerBlock struct {
	URL     string `hcl:"url"`
	Timeout string `hcl:"timeout,optional"`
}

type validationBlock struct {
	Threshold     *float64       `hcl:"threshold,optional"`
	RetryLimit    *int           `hcl:"retry_limit,optional"`
	NegativeTerms *[]string      `hcl:"negative_terms,optional"`
	Emphasis      *emphasisBlock `hcl:"emphasis,block"`
}

type emphasisBlock struct {
	Base   float64 `hcl:"base"`
	Growth float64 `hcl:"growth"`
	Cap    float64 `hcl:"cap"`
}

type telemetryBlock struct {
	Exporter string `hcl:"exporter"`
}

type generationBlock struct {
	Name          string           `hcl:"name,label"`
	Template      string           `hcl:"template"`
	SourceClasses []string         `hcl:"source_classes,optional"`
	ModelOnly     bool             `hcl:"model_only,optional"`
	Subjects      []string         `hcl:"subjects,optional"`
	Adapters      []*adapterBlock  `hcl:"adapter,block"`
	Prompt        *promptBlock     `hcl:"prompt,block"`
	Validation    *validationBlock `hcl:"validation,block"`
	Overrides     []*overrideBlock `hcl:"override,block"`
}

type adapterBlock struct {
	Name         string   `hcl:"name,label"`
	Strength     float64  `hcl:"strength"`
	ClipStrength *float64 `hcl:"clip_strength,optional"`
}

type promptBlock struct {
	Positive string `hcl:"positive,optional"`
	Negative string `hcl:"negative,optional"`
}

// overrideBlock sets literal inputs on one template node. Every attribute
// in the body becomes an input.
type overrideBlock struct {
	NodeID string   `hcl:"node,label"`
	Body   hcl.Body `hcl:",remain"`
}
