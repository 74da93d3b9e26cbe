package model

import (
	"bytes"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// ValueKind classifies the JSON shape held by a Value.
type ValueKind string

const (
	KindNull    ValueKind = "null"
	KindBoolean ValueKind = "boolean"
	KindNumber  ValueKind = "number"
	KindString  ValueKind = "string"
	KindList    ValueKind = "list"
	KindObject  ValueKind = "object"
)

// Value is a schemaless field value. It holds the decoded JSON form of
// whatever was stored (nil, bool, float64, string, []any, map[string]any).
// The zero Value is null.
type Value struct {
	v any
}

// NewValue normalizes an arbitrary Go value through JSON so that values built
// from different Go types compare equal when they encode the same JSON.
func NewValue(v any) (Value, error) {
	if v == nil {
		return Value{}, nil
	}
	if existing, ok := v.(Value); ok {
		return existing, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, eris.Wrap(err, "model: marshal value")
	}
	var out Value
	if err := out.UnmarshalJSON(raw); err != nil {
		return Value{}, err
	}
	return out, nil
}

// MustValue is NewValue for literals known to be encodable.
func MustValue(v any) Value {
	out, err := NewValue(v)
	if err != nil {
		panic(err)
	}
	return out
}

// IsNull reports whether the value is JSON null.
func (v Value) IsNull() bool { return v.v == nil }

// Raw returns the decoded JSON form.
func (v Value) Raw() any { return v.v }

// Kind reports the JSON shape of the value.
func (v Value) Kind() ValueKind {
	switch v.v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBoolean
	case float64:
		return KindNumber
	case string:
		return KindString
	case []any:
		return KindList
	default:
		return KindObject
	}
}

// Bool returns the boolean held by v.
func (v Value) Bool() (bool, bool) {
	b, ok := v.v.(bool)
	return b, ok
}

// Number returns the number held by v.
func (v Value) Number() (float64, bool) {
	f, ok := v.v.(float64)
	return f, ok
}

// Text returns the string held by v.
func (v Value) Text() (string, bool) {
	s, ok := v.v.(string)
	return s, ok
}

// List returns the elements held by v.
func (v Value) List() ([]Value, bool) {
	items, ok := v.v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]Value, len(items))
	for i, item := range items {
		out[i] = Value{v: item}
	}
	return out, true
}

// Equal compares two values by their canonical JSON encoding. Object keys are
// sorted by encoding/json so key order never matters.
func (v Value) Equal(other Value) bool {
	a, errA := json.Marshal(v.v)
	b, errB := json.Marshal(other.v)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// String renders the value as compact JSON, for logs.
func (v Value) String() string {
	raw, err := json.Marshal(v.v)
	if err != nil {
		return "<invalid>"
	}
	return string(raw)
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.v)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return eris.Wrap(err, "model: unmarshal value")
	}
	v.v = decoded
	return nil
}

// FieldMap is a specialist's open set of known facts, keyed by field name.
type FieldMap map[string]Value

// Get returns the value stored for name.
func (m FieldMap) Get(name string) (Value, bool) {
	v, ok := m[name]
	return v, ok
}

// Bool returns the boolean stored for name, if present and boolean.
func (m FieldMap) Bool(name string) (bool, bool) {
	v, ok := m[name]
	if !ok {
		return false, false
	}
	return v.Bool()
}

// Clone returns a shallow copy safe to mutate.
func (m FieldMap) Clone() FieldMap {
	out := make(FieldMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
