package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind identifies the variant held by a Value
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindMap
	KindList
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
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a JSON-shaped tagged variant. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	m    Payload
	list []Value
}

// Payload is the body of a record
type Payload map[string]Value

func Null() Value { return Value{} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Map(p Payload) Value { return Value{kind: KindMap, m: p} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string held by v, or "" for other kinds.
func (v Value) Str() string {
	if v.kind != KindString {
		return ""
	}
	return v.str
}

// Num returns the number held by v, or 0 for other kinds.
func (v Value) Num() float64 {
	if v.kind != KindNumber {
		return 0
	}
	return v.num
}

// Truth returns the bool held by v, or false for other kinds.
func (v Value) Truth() bool {
	if v.kind != KindBool {
		return false
	}
	return v.b
}

// Fields returns the nested payload, or nil for other kinds.
func (v Value) Fields() Payload {
	if v.kind != KindMap {
		return nil
	}
	return v.m
}

// Items returns the nested list, or nil for other kinds.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.list
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindMap:
		return Map(v.m.Clone())
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.Clone()
		}
		return List(items...)
	default:
		return v
	}
}

// Equal reports whether v and o hold the same data.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindMap:
		return v.m.Equal(o.m)
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Any converts v back to plain Go values (string, float64, bool, nil,
// map[string]any, []any).
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindMap:
		return v.m.Any()
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	default:
		return nil
	}
}

// FromAny converts plain Go values into a Value. Integers and float32 are
// widened to float64. Unsupported types are rejected.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case Payload:
		return Map(t), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(f), nil
	case map[string]any:
		p, err := FromMap(t)
		if err != nil {
			return Value{}, err
		}
		return Map(p), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = v
		}
		return List(items...), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

// FromMap builds a Payload from a plain map.
func FromMap(m map[string]any) (Payload, error) {
	p := make(Payload, len(m))
	for k, x := range m {
		v, err := FromAny(x)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		p[k] = v
	}
	return p, nil
}

// MustPayload is FromMap for literals in tests and generators.
func MustPayload(m map[string]any) Payload {
	p, err := FromMap(m)
	if err != nil {
		panic(err)
	}
	return p
}

// Clone returns a deep copy of p. A nil payload stays nil.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v.Clone()
	}
	return out
}

func (p Payload) Equal(o Payload) bool {
	if len(p) != len(o) {
		return false
	}
	for k, v := range p {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func (p Payload) Any() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Any()
	}
	return out
}

// Keys returns the field names in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	}
	return nil, fmt.Errorf("cannot marshal %s", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return err
	}
	parsed, err := FromAny(x)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
