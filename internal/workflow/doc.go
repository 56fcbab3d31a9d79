// Package workflow models an engine pipeline document as an arena of typed
// nodes keyed by id, and provides the in-place rewrites applied to a template
// before submission.
//
// # Document format
//
// A workflow is the engine's API graph document: a JSON object mapping node
// ids to node objects.
//
//	{
//	  "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sdxl.safetensors"}},
//	  "6": {"class_type": "CLIPTextEncode", "inputs": {"text": "a fox", "clip": ["4", 1]}}
//	}
//
// Each input is either a literal JSON value or a reference to another node's
// output, written as a two element array of producer id and output index.
// Parse and MarshalJSON round-trip a document without losing node order,
// input order, literal values or unknown per-node fields.
//
// # Mutation
//
// Graphs are mutated only by the rewrites in this package (InsertAdapters,
// ApplyPrompts, ApplyOverrides). Structural checks (Validate, CheckAcyclic)
// run after a rewrite rather than on every change. Once a graph is handed to
// the job supervisor it is treated as immutable; callers Clone a template for
// every submission.
package workflow
