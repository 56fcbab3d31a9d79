package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Ref points at one output of a producer node.
type Ref struct {
	NodeID string
	Output int
}

func (r Ref) String() string {
	return fmt.Sprintf("%s[%d]", r.NodeID, r.Output)
}

// Value is an input value: either a literal JSON value or a Ref.
type Value struct {
	ref     *Ref
	literal json.RawMessage
}

// Literal wraps raw JSON as a literal value. The bytes are copied.
func Literal(raw json.RawMessage) Value {
	return Value{literal: append(json.RawMessage(nil), raw...)}
}

// LiteralOf marshals v into a literal value.
func LiteralOf(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("encode literal: %w", err)
	}
	return Value{literal: raw}, nil
}

// Reference builds a reference to output `output` of node `nodeID`.
func Reference(nodeID string, output int) Value {
	return Value{ref: &Ref{NodeID: nodeID, Output: output}}
}

// Ref returns the reference and true if the value is a reference.
func (v Value) Ref() (Ref, bool) {
	if v.ref == nil {
		return Ref{}, false
	}
	return *v.ref, true
}

// IsRef reports whether the value references another node.
func (v Value) IsRef() bool { return v.ref != nil }

// Raw returns the literal JSON, or nil for references.
func (v Value) Raw() json.RawMessage { return v.literal }

// Text returns the literal as a string when it is a JSON string.
func (v Value) Text() (string, bool) {
	if v.ref != nil || len(v.literal) == 0 || v.literal[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v.literal, &s); err != nil {
		return "", false
	}
	return s, true
}

// Float returns the literal as a float64 when it is a JSON number.
func (v Value) Float() (float64, bool) {
	if v.ref != nil || len(v.literal) == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(string(bytes.TrimSpace(v.literal)), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.ref != nil {
		id, err := json.Marshal(v.ref.NodeID)
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("[%s,%d]", id, v.ref.Output)), nil
	}
	if len(v.literal) == 0 {
		return []byte("null"), nil
	}
	return v.literal, nil
}

// decodeValue classifies raw JSON as a reference or a literal. Only a
// two element array of a string and a non-negative integer is a reference.
func decodeValue(raw json.RawMessage) Value {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var pair []json.RawMessage
		if err := json.Unmarshal(trimmed, &pair); err == nil && len(pair) == 2 {
			var id string
			var out int
			if json.Unmarshal(pair[0], &id) == nil && isInteger(pair[1]) && json.Unmarshal(pair[1], &out) == nil && out >= 0 {
				return Reference(id, out)
			}
		}
	}
	return Literal(trimmed)
}

func isInteger(raw json.RawMessage) bool {
	s := string(bytes.TrimSpace(raw))
	if s == "" {
		return false
	}
	_, err := strconv.Atoi(s)
	return err == nil
}
