// Package structpbx marshals loosely-typed maps using the protocol buffers
// google.protobuf.Struct well-known type.
//
// All values that pass through this package are normalized to the set of
// types produced by structpb.Value.AsInterface(): nil, bool, float64, string,
// []any and map[string]any. Normalizing before values are stored or compared
// means that a value read back from disk or the wire is deeply equal to the
// value that was written.
package structpbx

import (
	"fmt"
	"reflect"
	"sort"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Marshal returns the binary protocol buffers representation of m.
func Marshal(m map[string]any) ([]byte, error) {
	s, err := NewStruct(m)
	if err != nil {
		return nil, err
	}

	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

// Unmarshal parses data produced by Marshal().
func Unmarshal(data []byte) (map[string]any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, err
	}

	return s.AsMap(), nil
}

// NewStruct converts m to a structpb.Struct.
func NewStruct(m map[string]any) (*structpb.Struct, error) {
	v, err := plain(m)
	if err != nil {
		return nil, err
	}

	if v == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	}

	return structpb.NewStruct(v.(map[string]any))
}

// Normalize returns v converted to its normalized representation.
func Normalize(v any) (any, error) {
	p, err := plain(v)
	if err != nil {
		return nil, err
	}

	x, err := structpb.NewValue(p)
	if err != nil {
		return nil, err
	}

	return x.AsInterface(), nil
}

// NormalizeMap returns a normalized copy of m. It never returns a nil map.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	s, err := NewStruct(m)
	if err != nil {
		return nil, err
	}

	return s.AsMap(), nil
}

// Keys returns the keys of m in sorted order.
func Keys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// plain converts typed maps and slices (such as map[string]string or []string)
// to the untyped forms accepted by structpb.
func plain(v any) (any, error) {
	switch v := v.(type) {
	case nil, bool, string, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, nil
	case map[string]any:
		if v == nil {
			return nil, nil
		}

		out := make(map[string]any, len(v))
		for k, x := range v {
			p, err := plain(x)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = p
		}

		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			p, err := plain(x)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = p
		}

		return out, nil
	}

	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}

		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			p, err := plain(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", iter.Key().String(), err)
			}
			out[iter.Key().String()] = p
		}

		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			p, err := plain(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = p
		}

		return out, nil
	case reflect.String:
		return rv.String(), nil
	}

	return nil, fmt.Errorf("unsupported value type %T", v)
}
