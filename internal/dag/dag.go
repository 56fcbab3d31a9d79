package dag

import (
	"fmt"
)

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		vertices: make(map[string]*vertex),
	}
}

// AddVertex adds a new vertex with the given ID to the graph. If a vertex with
// the same ID already exists, the function does nothing.
func (g *Graph) AddVertex(id string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.vertices[id]; ok {
		return
	}

	g.vertices[id] = &vertex{
		id:   id,
		deps: make(map[string]*vertex),
	}
	g.order = append(g.order, id)
}

// Len returns the number of vertices in the graph.
func (g *Graph) Len() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.vertices)
}

// AddEdge creates a directed edge from the `fromID` vertex to the `toID` vertex.
// This signifies that `toID` has a dependency on `fromID`. An error is returned
// if either vertex does not exist or if the edge would create a self-reference.
// Adding the same edge twice is a no-op.
func (g *Graph) AddEdge(fromID, toID string) error {
	if fromID == toID {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", fromID, fromID)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	from, ok := g.vertices[fromID]
	if !ok {
		return fmt.Errorf("source vertex not found: %s", fromID)
	}

	to, ok := g.vertices[toID]
	if !ok {
		return fmt.Errorf("destination vertex not found: %s", toID)
	}

	if _, exists := to.deps[fromID]; exists {
		return nil
	}
	to.deps[fromID] = from
	from.dependents = append(from.dependents, to)

	return nil
}

// Dependents returns the IDs of the vertices that depend on the given vertex,
// in edge insertion order.
func (g *Graph) Dependents(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	v, ok := g.vertices[id]
	if !ok {
		return nil, fmt.Errorf("vertex not found: %s", id)
	}

	out := make([]string, 0, len(v.dependents))
	for _, d := range v.dependents {
		out = append(out, d.id)
	}
	return out, nil
}

// DetectCycles checks the graph for any cycles. It returns a non-nil error
// if a cycle is found, naming the first vertex found on the cycle.
func (g *Graph) DetectCycles() error {
	_, err := g.TopologicalOrder()
	return err
}

// TopologicalOrder returns every vertex ID ordered so that each vertex comes
// after all of its dependencies. Independent vertices keep insertion order.
// An error is returned when the graph contains a cycle.
func (g *Graph) TopologicalOrder() ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	// Classic depth-first search with three sets of vertices:
	// permanent: fully visited and not part of a cycle.
	// temporary: currently in the recursion stack for the current traversal.
	// unvisited: all other vertices.
	permanent := make(map[string]bool, len(g.vertices))
	temporary := make(map[string]bool)
	postorder := make([]string, 0, len(g.vertices))

	var visit func(v *vertex) error
	visit = func(v *vertex) error {
		if permanent[v.id] {
			return nil
		}
		if temporary[v.id] {
			return fmt.Errorf("cycle detected involving vertex '%s'", v.id)
		}

		temporary[v.id] = true
		for i := len(v.dependents) - 1; i >= 0; i-- {
			if err := visit(v.dependents[i]); err != nil {
				return err
			}
		}
		delete(temporary, v.id)
		permanent[v.id] = true
		postorder = append(postorder, v.id)

		return nil
	}

	for i := len(g.order) - 1; i >= 0; i-- {
		v := g.vertices[g.order[i]]
		if !permanent[v.id] {
			if err := visit(v); err != nil {
				return nil, err
			}
		}
	}

	order := make([]string, len(postorder))
	for i, id := range postorder {
		order[len(postorder)-1-i] = id
	}
	return order, nil
}
