package models

import "encoding/json"

// ValueKind discriminates the variant a Value currently holds.
type ValueKind string

const (
	ValueKindNull   ValueKind = "null"
	ValueKindBool   ValueKind = "bool"
	ValueKindNumber ValueKind = "number"
	ValueKindString ValueKind = "string"
	ValueKindArray  ValueKind = "array"
	ValueKindObject ValueKind = "object"
)

// Provenance records where a leaf Value came from, kept alongside the data
// rather than folded into the shape a caller's schema expects.
type Provenance struct {
	SourceURL  string  `json:"source_url,omitempty"`
	Selector   string  `json:"selector,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Value is the opaque, recursive extraction payload produced by the agent
// pool and merged by the orchestration loop. It never type-switches on a
// caller-supplied schema; the schema only shapes the prompt sent to the
// model, not how this type is built.
type Value struct {
	Kind       ValueKind         `json:"kind"`
	Bool       bool              `json:"bool,omitempty"`
	Number     float64           `json:"number,omitempty"`
	String     string            `json:"string,omitempty"`
	Array      []Value           `json:"array,omitempty"`
	Object     map[string]Value  `json:"object,omitempty"`
	Provenance *Provenance       `json:"provenance,omitempty"`
}

// Null is the zero Value.
func Null() Value { return Value{Kind: ValueKindNull} }

// NewBool wraps a bool.
func NewBool(b bool) Value { return Value{Kind: ValueKindBool, Bool: b} }

// NewNumber wraps a float64.
func NewNumber(n float64) Value { return Value{Kind: ValueKindNumber, Number: n} }

// NewString wraps a string.
func NewString(s string) Value { return Value{Kind: ValueKindString, String: s} }

// NewArray wraps a slice of Values.
func NewArray(items ...Value) Value { return Value{Kind: ValueKindArray, Array: items} }

// NewObject wraps a string-keyed map of Values.
func NewObject(fields map[string]Value) Value { return Value{Kind: ValueKindObject, Object: fields} }

// LengthHint returns the declared length of an array Value, or -1 if the
// Value is not an array. Used by the agent pool's thin-result check
// without needing to know the caller's schema shape.
func (v Value) LengthHint() int {
	if v.Kind != ValueKindArray {
		return -1
	}
	return len(v.Array)
}

// MarshalJSON renders a Value as the plain JSON shape a caller expects
// (i.e. not wrapped in {"kind": ..., ...}), since the Kind/Provenance
// envelope is an internal bookkeeping detail.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueKindNull, "":
		return json.Marshal(nil)
	case ValueKindBool:
		return json.Marshal(v.Bool)
	case ValueKindNumber:
		return json.Marshal(v.Number)
	case ValueKindString:
		return json.Marshal(v.String)
	case ValueKindArray:
		return json.Marshal(v.Array)
	case ValueKindObject:
		return json.Marshal(v.Object)
	default:
		return json.Marshal(nil)
	}
}

// UnmarshalJSON infers the Kind from the raw JSON shape.
func (v *Value) UnmarshalJSON(data []byte) error {
	var probe interface{}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	*v = fromInterface(probe)
	return nil
}

func fromInterface(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return NewBool(t)
	case float64:
		return NewNumber(t)
	case string:
		return NewString(t)
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = fromInterface(item)
		}
		return Value{Kind: ValueKindArray, Array: items}
	case map[string]interface{}:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = fromInterface(item)
		}
		return Value{Kind: ValueKindObject, Object: fields}
	default:
		return Null()
	}
}
