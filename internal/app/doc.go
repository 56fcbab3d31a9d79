// Package app contains the core application logic. It defines the main App
// struct, its configuration, and the primary execution lifecycle: loading
// generation requests, wiring the engine, storage, scorer and composer, and
// running the batch while serving health and metrics. It is decoupled from
// any specific entrypoint like a CLI.
package app
