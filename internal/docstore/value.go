package docstore

import (
	"fmt"
	"sort"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindBool
	KindString
	KindMap
	KindList
	KindTimestamp
	// KindServerTimestamp is a write-only sentinel replaced by the store clock.
	KindServerTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	case KindTimestamp:
		return "timestamp"
	case KindServerTimestamp:
		return "server_timestamp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one dynamically typed document value. Only the field matching
// Kind is meaningful.
type Value struct {
	Kind   Kind
	Int    int64
	Float  float64
	Bool   bool
	String string
	Map    map[string]Value
	List   []Value
	Time   time.Time
}

func Null() Value { return Value{Kind: KindNull} }

func Int(v int64) Value { return Value{Kind: KindInt, Int: v} }

func Float(v float64) Value { return Value{Kind: KindFloat, Float: v} }

func Bool(v bool) Value { return Value{Kind: KindBool, Bool: v} }

func String(v string) Value { return Value{Kind: KindString, String: v} }

func Timestamp(t time.Time) Value { return Value{Kind: KindTimestamp, Time: t.UTC()} }

// ServerTimestamp asks the store to substitute its own clock at write time.
func ServerTimestamp() Value { return Value{Kind: KindServerTimestamp} }

// Map builds a map value. A nil map yields an empty map value.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{Kind: KindMap, Map: m}
}

// List builds a list value.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{Kind: KindList, List: items}
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

func (v Value) AsInt() (int64, bool) {
	if v.Kind != KindInt {
		return 0, false
	}
	return v.Int, true
}

func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindFloat:
		return v.Float, true
	case KindInt:
		return float64(v.Int), true
	default:
		return 0, false
	}
}

func (v Value) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.Bool, true
}

func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.String, true
}

func (v Value) AsMap() (map[string]Value, bool) {
	if v.Kind != KindMap {
		return nil, false
	}
	return v.Map, true
}

func (v Value) AsList() ([]Value, bool) {
	if v.Kind != KindList {
		return nil, false
	}
	return v.List, true
}

func (v Value) AsTime() (time.Time, bool) {
	if v.Kind != KindTimestamp {
		return time.Time{}, false
	}
	return v.Time, true
}

// Get returns the named entry of a map value.
func (v Value) Get(name string) (Value, bool) {
	if v.Kind != KindMap {
		return Value{}, false
	}
	out, ok := v.Map[name]
	return out, ok
}

// Clone returns a deep copy sharing no maps or slices with v.
func (v Value) Clone() Value {
	switch v.Kind {
	case KindMap:
		return Map(CloneMap(v.Map))
	case KindList:
		items := make([]Value, len(v.List))
		for i, item := range v.List {
			items[i] = item.Clone()
		}
		return Value{Kind: KindList, List: items}
	default:
		return Value{
			Kind:   v.Kind,
			Int:    v.Int,
			Float:  v.Float,
			Bool:   v.Bool,
			String: v.String,
			Time:   v.Time,
		}
	}
}

// CloneMap deep-copies a field map.
func CloneMap(m map[string]Value) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, item := range m {
		out[k] = item.Clone()
	}
	return out
}

// Equal reports deep equality. Int and Float never compare equal to each other.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull, KindServerTimestamp:
		return true
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindBool:
		return v.Bool == o.Bool
	case KindString:
		return v.String == o.String
	case KindTimestamp:
		return v.Time.Equal(o.Time)
	case KindMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for k, item := range v.Map {
			other, ok := o.Map[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// SortedKeys returns map keys in lexical order.
func SortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
