package dag

import "sync"

// Graph is a collection of vertices and their dependencies, representing a DAG.
// All operations on the graph are concurrency-safe.
type Graph struct {
	// mutex protects the vertices map during concurrent access.
	mutex sync.RWMutex
	// vertices stores all vertices in the graph, keyed by their unique ID.
	vertices map[string]*vertex
	// order records insertion order so traversal and error reporting are stable.
	order []string
}

// vertex represents a single vertex in the graph. It is un-exported to
// enforce interaction with the graph via the public API (using string IDs),
// not by direct struct manipulation.
type vertex struct {
	// id is the unique identifier for the vertex.
	id string
	// deps holds the set of vertices that this vertex depends on (predecessors).
	deps map[string]*vertex
	// dependents holds the vertices that depend on this vertex (successors),
	// in the order the edges were added.
	dependents []*vertex
}
