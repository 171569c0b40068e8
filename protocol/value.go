package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the dynamic type of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindSeq
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindSeq:
		return "sequence"
	case KindMap:
		return "mapping"
	default:
		return "invalid"
	}
}

// Value is a tagged union for dynamically-typed command fields.
// Commands carry arbitrary JSON-shaped data; representing it as a closed
// set of kinds keeps validation exhaustive instead of switching on
// interface{} everywhere.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	seq  []Value
	m    map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{kind: KindNull} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric Value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Seq returns a sequence Value.
func Seq(vs ...Value) Value { return Value{kind: KindSeq, seq: vs} }

// Map returns a mapping Value.
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Kind reports the dynamic type of the value.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload. The bool is false for non-string kinds.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the numeric payload. The bool is false for non-number kinds.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// BoolVal returns the boolean payload. The second bool is false for
// non-bool kinds.
func (v Value) BoolVal() (bool, bool) { return v.b, v.kind == KindBool }

// Items returns the sequence payload. The bool is false for non-sequence kinds.
func (v Value) Items() ([]Value, bool) { return v.seq, v.kind == KindSeq }

// Fields returns the mapping payload. The bool is false for non-mapping kinds.
func (v Value) Fields() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Depth returns the nesting depth of the value. Scalars have depth 1;
// each level of sequence or mapping adds 1.
func (v Value) Depth() int {
	switch v.kind {
	case KindSeq:
		max := 0
		for _, item := range v.seq {
			if d := item.Depth(); d > max {
				max = d
			}
		}
		return max + 1
	case KindMap:
		max := 0
		for _, item := range v.m {
			if d := item.Depth(); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 1
	}
}

// FromInterface converts a json.Unmarshal-produced interface{} tree into a
// Value. Unsupported Go types are rejected rather than coerced.
func FromInterface(raw interface{}) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(x), nil
	case float64:
		return Number(x), nil
	case int:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", x.String(), err)
		}
		return Number(f), nil
	case bool:
		return Bool(x), nil
	case []interface{}:
		seq := make([]Value, 0, len(x))
		for i, item := range x {
			v, err := FromInterface(item)
			if err != nil {
				return Value{}, fmt.Errorf("sequence index %d: %w", i, err)
			}
			seq = append(seq, v)
		}
		return Seq(seq...), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(x))
		for k, item := range x {
			v, err := FromInterface(item)
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", k, err)
			}
			m[k] = v
		}
		return Map(m), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}

// Interface converts the value back to a plain interface{} tree suitable
// for JSON or MessagePack encoding.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindSeq:
		out := make([]interface{}, len(v.seq))
		for i, item := range v.seq {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, item := range v.m {
			out[k] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	switch v.kind {
	case KindSeq:
		seq := make([]Value, len(v.seq))
		for i, item := range v.seq {
			seq[i] = item.Clone()
		}
		return Value{kind: KindSeq, seq: seq}
	case KindMap:
		m := make(map[string]Value, len(v.m))
		for k, item := range v.m {
			m[k] = item.Clone()
		}
		return Value{kind: KindMap, m: m}
	default:
		return v
	}
}

// MarshalJSON encodes the value as plain JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes plain JSON into the tagged representation.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
