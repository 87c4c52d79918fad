package docstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// taggedValue is the persisted JSON shape. Exactly one member is set so that
// int and float survive a round trip through JSON numbers.
type taggedValue struct {
	Null   bool             `json:"null,omitempty"`
	Int    *int64           `json:"int,omitempty"`
	Float  *float64         `json:"float,omitempty"`
	Bool   *bool            `json:"bool,omitempty"`
	String *string          `json:"string,omitempty"`
	Map    map[string]Value `json:"map,omitempty"`
	List   []Value          `json:"list,omitempty"`
	Time   *string          `json:"time,omitempty"`
	// Empty containers need an explicit marker; omitempty drops them.
	Empty string `json:"empty,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var t taggedValue
	switch v.Kind {
	case KindNull:
		t.Null = true
	case KindInt:
		t.Int = &v.Int
	case KindFloat:
		t.Float = &v.Float
	case KindBool:
		t.Bool = &v.Bool
	case KindString:
		t.String = &v.String
	case KindMap:
		if len(v.Map) == 0 {
			t.Empty = "map"
		} else {
			t.Map = v.Map
		}
	case KindList:
		if len(v.List) == 0 {
			t.Empty = "list"
		} else {
			t.List = v.List
		}
	case KindTimestamp:
		s := v.Time.UTC().Format(time.RFC3339Nano)
		t.Time = &s
	case KindServerTimestamp:
		return nil, fmt.Errorf("%w: unresolved server timestamp", ErrInvalidValue)
	default:
		return nil, fmt.Errorf("%w: unknown kind %s", ErrInvalidValue, v.Kind)
	}
	return json.Marshal(t)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var t taggedValue
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	switch {
	case t.Int != nil:
		*v = Int(*t.Int)
	case t.Float != nil:
		*v = Float(*t.Float)
	case t.Bool != nil:
		*v = Bool(*t.Bool)
	case t.String != nil:
		*v = String(*t.String)
	case t.Map != nil:
		*v = Map(t.Map)
	case t.List != nil:
		*v = List(t.List...)
	case t.Time != nil:
		ts, err := time.Parse(time.RFC3339Nano, *t.Time)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		*v = Timestamp(ts)
	case t.Empty == "map":
		*v = Map(nil)
	case t.Empty == "list":
		*v = List()
	case t.Null:
		*v = Null()
	default:
		return fmt.Errorf("%w: untagged value %s", ErrInvalidValue, string(data))
	}
	return nil
}

// MarshalDocument encodes document data for persistence.
func MarshalDocument(data map[string]Value) ([]byte, error) {
	if data == nil {
		data = map[string]Value{}
	}
	return json.Marshal(data)
}

// UnmarshalDocument decodes persisted document data.
func UnmarshalDocument(raw []byte) (map[string]Value, error) {
	out := map[string]Value{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
