package steps

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/danmuck/pairsync/internal/docstore"
)

// Encode converts a native Go value into a docstore.Value. Supported inputs are
// nil, bool, every integer and float width, string, time.Time, json.Number,
// docstore.Value, and maps with string keys or slices built from those.
func Encode(v any) (docstore.Value, error) {
	switch x := v.(type) {
	case nil:
		return docstore.Null(), nil
	case docstore.Value:
		if path, bad := nonFinite(x); bad {
			return docstore.Value{}, fmt.Errorf("%w: non-finite float at %q", ErrUnsupportedType, path)
		}
		return x.Clone(), nil
	case bool:
		return docstore.Bool(x), nil
	case string:
		return docstore.String(x), nil
	case int:
		return docstore.Int(int64(x)), nil
	case int64:
		return docstore.Int(x), nil
	case float64:
		return encodeFloat(x)
	case time.Time:
		return docstore.Timestamp(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return docstore.Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return docstore.Value{}, fmt.Errorf("%w: number %q", ErrUnsupportedType, x.String())
		}
		return encodeFloat(f)
	case map[string]any:
		out := make(map[string]docstore.Value, len(x))
		for k, item := range x {
			ev, err := Encode(item)
			if err != nil {
				return docstore.Value{}, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = ev
		}
		return docstore.Map(out), nil
	case []any:
		out := make([]docstore.Value, 0, len(x))
		for i, item := range x {
			ev, err := Encode(item)
			if err != nil {
				return docstore.Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			out = append(out, ev)
		}
		return docstore.List(out...), nil
	}
	return encodeReflect(reflect.ValueOf(v))
}

func encodeReflect(rv reflect.Value) (docstore.Value, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return docstore.Bool(rv.Bool()), nil
	case reflect.String:
		return docstore.String(rv.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return docstore.Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return docstore.Value{}, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedType, u)
		}
		return docstore.Int(int64(u)), nil
	case reflect.Float32, reflect.Float64:
		return encodeFloat(rv.Float())
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return docstore.Null(), nil
		}
		return Encode(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return docstore.List(), nil
		}
		out := make([]docstore.Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			ev, err := Encode(rv.Index(i).Interface())
			if err != nil {
				return docstore.Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			out = append(out, ev)
		}
		return docstore.List(out...), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return docstore.Value{}, fmt.Errorf("%w: map key %s", ErrUnsupportedType, rv.Type().Key())
		}
		out := make(map[string]docstore.Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			ev, err := Encode(iter.Value().Interface())
			if err != nil {
				return docstore.Value{}, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = ev
		}
		return docstore.Map(out), nil
	}
	if !rv.IsValid() {
		return docstore.Null(), nil
	}
	return docstore.Value{}, fmt.Errorf("%w: %s", ErrUnsupportedType, rv.Type())
}

// encodeFloat rejects NaN and the infinities, which no store can persist.
func encodeFloat(f float64) (docstore.Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return docstore.Value{}, fmt.Errorf("%w: non-finite float %v", ErrUnsupportedType, f)
	}
	return docstore.Float(f), nil
}

// nonFinite returns the dotted path of the first NaN or infinite float in v.
func nonFinite(v docstore.Value) (string, bool) {
	switch v.Kind {
	case docstore.KindFloat:
		return "", math.IsNaN(v.Float) || math.IsInf(v.Float, 0)
	case docstore.KindMap:
		for _, k := range docstore.SortedKeys(v.Map) {
			if path, bad := nonFinite(v.Map[k]); bad {
				return joinSegment(k, path), true
			}
		}
	case docstore.KindList:
		for i, item := range v.List {
			if path, bad := nonFinite(item); bad {
				return joinSegment(fmt.Sprint(i), path), true
			}
		}
	}
	return "", false
}

func joinSegment(head, rest string) string {
	if rest == "" {
		return head
	}
	return docstore.JoinPath(head, rest)
}

// MustEncode is Encode for values known to be supported; it panics otherwise.
func MustEncode(v any) docstore.Value {
	out, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return out
}

// Decode converts a docstore.Value back into plain Go values: int64, float64,
// bool, string, time.Time, map[string]any, []any, or nil.
func Decode(v docstore.Value) any {
	switch v.Kind {
	case docstore.KindInt:
		return v.Int
	case docstore.KindFloat:
		return v.Float
	case docstore.KindBool:
		return v.Bool
	case docstore.KindString:
		return v.String
	case docstore.KindTimestamp:
		return v.Time
	case docstore.KindMap:
		out := make(map[string]any, len(v.Map))
		for k, item := range v.Map {
			out[k] = Decode(item)
		}
		return out
	case docstore.KindList:
		out := make([]any, 0, len(v.List))
		for _, item := range v.List {
			out = append(out, Decode(item))
		}
		return out
	default:
		return nil
	}
}

// FromJSON decodes a JSON document into a docstore.Value, keeping integers
// distinct from floats.
func FromJSON(raw []byte) (docstore.Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return docstore.Value{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if dec.More() {
		return docstore.Value{}, fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}
	return Encode(v)
}
