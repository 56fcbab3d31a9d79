// Package hcl provides the HCL implementation of the config.Loader
// interface. It is responsible for file discovery and parsing, and for
// translating the decoded blocks into the format-agnostic config.Model.
//
// Expressions are evaluated with a single variable, `env`, holding the
// process environment, so credentials can be written as
// `secret_key = env.MINIO_SECRET_KEY`.
package hcl
