package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

const (
	keyClassType = "class_type"
	keyInputs    = "inputs"
)

// Parse decodes an API graph document. References are checked to resolve;
// cycles are left for CheckAcyclic.
func Parse(doc []byte) (*Graph, error) {
	g := New()

	keys, values, err := decodeObject(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedGraph, err)
	}
	for i, id := range keys {
		if _, dup := g.nodes[id]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrMalformedGraph, id)
		}
		n, err := decodeNode(id, values[i])
		if err != nil {
			return nil, err
		}
		g.insert(n)
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// ParseReader reads a whole document from r and parses it.
func ParseReader(r io.Reader) (*Graph, error) {
	doc, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return Parse(doc)
}

func decodeNode(id string, raw json.RawMessage) (*Node, error) {
	keys, values, err := decodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: node %s: %v", ErrMalformedGraph, id, err)
	}

	n := &Node{ID: id}
	seenClass := false
	for i, key := range keys {
		switch key {
		case keyClassType:
			if err := json.Unmarshal(values[i], &n.ClassType); err != nil {
				return nil, fmt.Errorf("%w: node %s: class_type must be a string", ErrMalformedGraph, id)
			}
			seenClass = true
			n.layout = append(n.layout, field{key: key})
		case keyInputs:
			n.layout = append(n.layout, field{key: key})
			names, raws, err := decodeObject(values[i])
			if err != nil {
				return nil, fmt.Errorf("%w: node %s inputs: %v", ErrMalformedGraph, id, err)
			}
			for j, name := range names {
				n.inputs = append(n.inputs, Input{Name: name, Value: decodeValue(raws[j])})
			}
		default:
			n.layout = append(n.layout, field{key: key, raw: values[i]})
		}
	}
	if !seenClass || n.ClassType == "" {
		return nil, fmt.Errorf("%w: node %s has no class_type", ErrMalformedGraph, id)
	}
	return n, nil
}

// decodeObject reads a JSON object keeping key order.
func decodeObject(raw []byte) ([]string, []json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("expected object, got %v", tok)
	}

	var keys []string
	var values []json.RawMessage
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected object key, got %v", tok)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, nil, fmt.Errorf("key %q: %w", key, err)
		}
		keys = append(keys, key)
		values = append(values, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	if dec.More() {
		return nil, nil, fmt.Errorf("trailing data after object")
	}
	return keys, values, nil
}

// MarshalJSON encodes the graph as an API graph document, preserving node
// order, input order and extra node fields.
func (g *Graph) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range g.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, id); err != nil {
			return nil, err
		}
		if err := g.nodes[id].encode(&buf); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (n *Node) encode(buf *bytes.Buffer) error {
	layout := n.layout
	if !hasField(layout, keyInputs) && len(n.inputs) > 0 {
		layout = append([]field{{key: keyInputs}}, layout...)
	}

	buf.WriteByte('{')
	for i, f := range layout {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(buf, f.key); err != nil {
			return err
		}
		var err error
		switch f.key {
		case keyInputs:
			err = n.encodeInputs(buf)
		case keyClassType:
			var class []byte
			if class, err = json.Marshal(n.ClassType); err == nil {
				buf.Write(class)
			}
		default:
			if err = json.Compact(buf, f.raw); err != nil {
				err = fmt.Errorf("node %s field %q: %w", n.ID, f.key, err)
			}
		}
		if err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func (n *Node) encodeInputs(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, in := range n.inputs {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(buf, in.Name); err != nil {
			return err
		}
		raw, err := in.Value.MarshalJSON()
		if err != nil {
			return err
		}
		if err := json.Compact(buf, raw); err != nil {
			return fmt.Errorf("node %s input %q: %w", n.ID, in.Name, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func hasField(fields []field, key string) bool {
	for _, f := range fields {
		if f.key == key {
			return true
		}
	}
	return false
}

func writeKey(buf *bytes.Buffer, key string) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteByte(':')
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *Graph) UnmarshalJSON(doc []byte) error {
	parsed, err := Parse(doc)
	if err != nil {
		return err
	}
	*g = *parsed
	return nil
}
