// Package config defines the format-agnostic configuration model for the
// application, along with the Loader interface for reading it from a
// concrete source.
//
// The `config.Model` is the single source of truth for wiring the engine
// client, storage, scorer and the generation requests handed to the
// composer. Concrete loaders, such as the HCL one, live in separate
// packages.
package config
