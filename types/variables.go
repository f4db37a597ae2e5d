package types

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/mohae/deepcopy"
)

// ValueKind tags the scalar held by a Value.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindInt    ValueKind = "int"
	KindBool   ValueKind = "bool"
	KindTime   ValueKind = "time"
)

// Value is a restricted scalar: string, int, bool or timestamp.
// Fields are exported so snapshots can be deep-copied by reflection.
type Value struct {
	Kind ValueKind
	Str  string
	Int  int64
	Bool bool
	Time time.Time
}

func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func Int(i int64) Value      { return Value{Kind: KindInt, Int: i} }
func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func Time(t time.Time) Value { return Value{Kind: KindTime, Time: t.UTC()} }

// Native returns the Go value used by rule expressions.
func (v Value) Native() interface{} {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return v.Int
	case KindBool:
		return v.Bool
	case KindTime:
		return v.Time
	}
	return nil
}

func (v Value) String() string {
	switch v.Kind {
	case KindTime:
		return v.Time.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v.Native())
	}
}

type wireValue struct {
	Kind  ValueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value with its kind so ints survive a round trip.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == "" {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(v.Native())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.Kind, Value: raw})
}

// UnmarshalJSON decodes a tagged scalar, rejecting unknown kinds.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value{}
		return nil
	}
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Value{Kind: w.Kind}
	var err error
	switch w.Kind {
	case KindString:
		err = json.Unmarshal(w.Value, &out.Str)
	case KindInt:
		err = json.Unmarshal(w.Value, &out.Int)
	case KindBool:
		err = json.Unmarshal(w.Value, &out.Bool)
	case KindTime:
		err = json.Unmarshal(w.Value, &out.Time)
	default:
		return fmt.Errorf("unknown variable kind %q", w.Kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s variable: %w", w.Kind, err)
	}
	*v = out
	return nil
}

// Variables is the instance-scoped key/value bag read and written by steps.
type Variables map[string]Value

// Clone returns an independent copy, used for task snapshots.
func (vs Variables) Clone() Variables {
	if vs == nil {
		return nil
	}
	return deepcopy.Copy(vs).(Variables)
}

// Merge returns vs overlaid with other; neither input is modified.
func (vs Variables) Merge(other Variables) Variables {
	out := make(Variables, len(vs)+len(other))
	for k, v := range vs {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Native converts the bag into an expression environment.
func (vs Variables) Native() map[string]interface{} {
	env := make(map[string]interface{}, len(vs))
	for k, v := range vs {
		env[k] = v.Native()
	}
	return env
}

// FromNative builds Variables from loosely typed input such as decoded YAML.
func FromNative(in map[string]interface{}) (Variables, error) {
	out := make(Variables, len(in))
	for k, raw := range in {
		switch val := raw.(type) {
		case string:
			out[k] = String(val)
		case bool:
			out[k] = Bool(val)
		case int:
			out[k] = Int(int64(val))
		case int64:
			out[k] = Int(val)
		case uint64:
			if val > math.MaxInt64 {
				return nil, fmt.Errorf("variable %q: %d overflows int64", k, val)
			}
			out[k] = Int(int64(val))
		case float64:
			if val != float64(int64(val)) {
				return nil, fmt.Errorf("variable %q: non-integer number %v", k, val)
			}
			out[k] = Int(int64(val))
		case time.Time:
			out[k] = Time(val)
		default:
			return nil, fmt.Errorf("variable %q: unsupported type %T", k, raw)
		}
	}
	return out, nil
}
