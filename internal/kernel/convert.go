package kernel

import (
	"github.com/lithium-project/lithium/internal/configstore"
	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

// toAny converts a configstore.Value to a plain Go value suitable for JSON
// encoding on the command surface and event stream.
func toAny(v configstore.Value) any {
	switch v.Kind() {
	case configstore.KindNull:
		return nil
	case configstore.KindBool:
		b, _ := v.AsBool()
		return b
	case configstore.KindInt:
		i, _ := v.AsInt()
		return i
	case configstore.KindFloat:
		f, _ := v.AsFloat()
		return f
	case configstore.KindString:
		s, _ := v.AsString()
		return s
	case configstore.KindList:
		items, _ := v.AsList()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = toAny(item)
		}
		return out
	case configstore.KindMap:
		out := make(map[string]any)
		for _, key := range v.Keys() {
			child, _ := v.Get(key)
			out[key] = toAny(child)
		}
		return out
	default:
		return nil
	}
}

// fromAny converts a plain Go value (as decoded from a JSON command-surface
// request) into a configstore.Value. Unrepresentable types report
// invalid-argument rather than silently coercing.
func fromAny(value any) (configstore.Value, error) {
	switch v := value.(type) {
	case nil:
		return configstore.Null(), nil
	case bool:
		return configstore.Bool(v), nil
	case int:
		return configstore.Int(int64(v)), nil
	case int64:
		return configstore.Int(v), nil
	case float64:
		return configstore.Float(v), nil
	case string:
		return configstore.String(v), nil
	case []any:
		items := make([]configstore.Value, len(v))
		for i, item := range v {
			converted, err := fromAny(item)
			if err != nil {
				return configstore.Value{}, err
			}
			items[i] = converted
		}
		return configstore.List(items...), nil
	case map[string]any:
		out := configstore.Map()
		for key, item := range v {
			converted, err := fromAny(item)
			if err != nil {
				return configstore.Value{}, err
			}
			out = out.Set(key, converted)
		}
		return out, nil
	default:
		return configstore.Value{}, lerrors.Newf(lerrors.InvalidArgument, "unrepresentable value type %T", value)
	}
}
