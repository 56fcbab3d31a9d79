package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vk/graphforge/internal/dag"
)

// Input is one named input of a node.
type Input struct {
	Name  string
	Value Value
}

// InputRef addresses one input of one node.
type InputRef struct {
	NodeID string
	Input  string
}

// field is a per-node document field. class_type and inputs are recorded
// without a payload to remember their position; any other field (e.g.
// "_meta") is kept verbatim.
type field struct {
	key string
	raw json.RawMessage
}

var defaultLayout = []field{{key: keyInputs}, {key: keyClassType}}

// Node is a single typed vertex of a workflow.
type Node struct {
	ID        string
	ClassType string

	inputs []Input
	layout []field
}

// Inputs returns a copy of the node's inputs in document order.
func (n *Node) Inputs() []Input {
	out := make([]Input, len(n.inputs))
	copy(out, n.inputs)
	return out
}

// Input looks up an input by name.
func (n *Node) Input(name string) (Value, bool) {
	for _, in := range n.inputs {
		if in.Name == name {
			return in.Value, true
		}
	}
	return Value{}, false
}

// Set replaces the named input in place, or appends it if absent.
func (n *Node) Set(name string, v Value) {
	for i := range n.inputs {
		if n.inputs[i].Name == name {
			n.inputs[i].Value = v
			return
		}
	}
	n.inputs = append(n.inputs, Input{Name: name, Value: v})
}

func (n *Node) clone() *Node {
	c := &Node{ID: n.ID, ClassType: n.ClassType}
	c.inputs = make([]Input, len(n.inputs))
	for i, in := range n.inputs {
		c.inputs[i] = Input{Name: in.Name}
		if r, ok := in.Value.Ref(); ok {
			c.inputs[i].Value = Reference(r.NodeID, r.Output)
		} else {
			c.inputs[i].Value = Literal(in.Value.Raw())
		}
	}
	c.layout = make([]field, len(n.layout))
	for i, f := range n.layout {
		c.layout[i] = field{key: f.key, raw: append(json.RawMessage(nil), f.raw...)}
	}
	return c
}

// Graph is an ordered arena of nodes keyed by id, plus the allocator used to
// mint ids for inserted nodes.
type Graph struct {
	order  []string
	nodes  map[string]*Node
	nextID int
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node), nextID: 1}
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// IDs returns node ids in document order.
func (g *Graph) IDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Nodes returns all nodes in document order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodesByClass returns the nodes whose class type is any of the given ones,
// in document order.
func (g *Graph) NodesByClass(classes ...string) []*Node {
	want := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		want[c] = struct{}{}
	}
	var out []*Node
	for _, id := range g.order {
		n := g.nodes[id]
		if _, ok := want[n.ClassType]; ok {
			out = append(out, n)
		}
	}
	return out
}

// ConsumersOf returns every (node, input) pair that references ref, in
// document order.
func (g *Graph) ConsumersOf(ref Ref) []InputRef {
	var out []InputRef
	for _, id := range g.order {
		for _, in := range g.nodes[id].inputs {
			if r, ok := in.Value.Ref(); ok && r == ref {
				out = append(out, InputRef{NodeID: id, Input: in.Name})
			}
		}
	}
	return out
}

// Allocate reserves a fresh node id. Ids are decimal strings strictly greater
// than every numeric id the graph has ever held.
func (g *Graph) Allocate() string {
	for {
		id := strconv.Itoa(g.nextID)
		g.nextID++
		if _, taken := g.nodes[id]; !taken {
			return id
		}
	}
}

// AddNode appends a node with a freshly allocated id.
func (g *Graph) AddNode(classType string, inputs ...Input) *Node {
	n := &Node{ID: g.Allocate(), ClassType: classType, inputs: inputs}
	n.layout = append(n.layout, defaultLayout...)
	g.insert(n)
	return n
}

func (g *Graph) insert(n *Node) {
	g.order = append(g.order, n.ID)
	g.nodes[n.ID] = n
	g.observeID(n.ID)
}

func (g *Graph) observeID(id string) {
	if v, err := strconv.Atoi(id); err == nil && v >= g.nextID {
		g.nextID = v + 1
	}
}

// Clone returns a deep copy, including the allocator position.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		order:  make([]string, len(g.order)),
		nodes:  make(map[string]*Node, len(g.nodes)),
		nextID: g.nextID,
	}
	copy(c.order, g.order)
	for id, n := range g.nodes {
		c.nodes[id] = n.clone()
	}
	return c
}

// Validate checks that every reference resolves to a node in the graph and
// that no node references itself.
func (g *Graph) Validate() error {
	for _, id := range g.order {
		for _, in := range g.nodes[id].inputs {
			r, ok := in.Value.Ref()
			if !ok {
				continue
			}
			if r.NodeID == id {
				return fmt.Errorf("%w: node %s input %q references itself", ErrMalformedGraph, id, in.Name)
			}
			if _, exists := g.nodes[r.NodeID]; !exists {
				return fmt.Errorf("%w: node %s input %q references missing node %s", ErrMalformedGraph, id, in.Name, r.NodeID)
			}
		}
	}
	return nil
}

// CheckAcyclic reports ErrCycleDetected when references form a cycle.
// Dangling references are reported as ErrMalformedGraph.
func (g *Graph) CheckAcyclic() error {
	_, err := g.TopologicalOrder()
	return err
}

// TopologicalOrder returns node ids ordered producers first.
func (g *Graph) TopologicalOrder() ([]string, error) {
	d := dag.New()
	for _, id := range g.order {
		d.AddVertex(id)
	}
	for _, id := range g.order {
		for _, in := range g.nodes[id].inputs {
			r, ok := in.Value.Ref()
			if !ok {
				continue
			}
			if r.NodeID == id {
				return nil, fmt.Errorf("%w: node %s references itself", ErrCycleDetected, id)
			}
			if err := d.AddEdge(r.NodeID, id); err != nil {
				return nil, fmt.Errorf("%w: node %s input %q: %v", ErrMalformedGraph, id, in.Name, err)
			}
		}
	}
	order, err := d.TopologicalOrder()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, err)
	}
	return order, nil
}
