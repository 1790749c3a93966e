package configstore

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "integer"
	case KindFloat:
		return "real"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "mapping"
	default:
		return "unknown"
	}
}

// Value is a tagged variant over the config tree's leaf and branch types.
// Ordering is significant for lists. Mappings preserve insertion order for
// serialization but lookups are by key, not position.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    *orderedMap
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps an integer.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float wraps a real number.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List wraps an ordered list of values.
func List(items ...Value) Value {
	return Value{kind: KindList, list: append([]Value{}, items...)}
}

// Map constructs an empty insertion-ordered mapping.
func Map() Value {
	return Value{kind: KindMap, m: newOrderedMap()}
}

// Kind reports the variant currently held.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null variant (or zero-valued).
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload and whether v held a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the integer payload and whether v held an integer.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the real payload and whether v held a real (ints coerce too).
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// AsString returns the string payload and whether v held a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsList returns the list payload and whether v held a list.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return append([]Value{}, v.list...), true
}

// Get looks up a key within a mapping value. Returns false if v is not a
// mapping or the key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap || v.m == nil {
		return Value{}, false
	}
	return v.m.get(key)
}

// Set inserts or replaces key within a mapping value, preserving first-seen
// insertion order. Returns a new Value; the receiver is left untouched so
// that prior snapshots sharing its underlying mapping remain valid.
// No-op (returns v unchanged) if v is not a mapping.
func (v Value) Set(key string, val Value) Value {
	if v.kind != KindMap {
		return v
	}
	clone := v
	if v.m == nil {
		clone.m = newOrderedMap()
	} else {
		clone.m = v.m.clone()
	}
	clone.m.set(key, val)
	return clone
}

// Delete removes key from a mapping value, returning the resulting Value and
// whether key was present. The receiver is left untouched, matching Set's
// copy-on-write contract.
func (v Value) Delete(key string) (Value, bool) {
	if v.kind != KindMap || v.m == nil {
		return v, false
	}
	clone := v
	clone.m = v.m.clone()
	removed := clone.m.delete(key)
	return clone, removed
}

// Keys returns a mapping's keys in insertion order. Nil if v is not a mapping.
func (v Value) Keys() []string {
	if v.kind != KindMap || v.m == nil {
		return nil
	}
	return v.m.keyList()
}

// Equal reports deep, order-sensitive-for-lists equality.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		ak, bk := a.Keys(), b.Keys()
		if len(ak) != len(bk) {
			return false
		}
		for _, k := range ak {
			av, _ := a.Get(k)
			bv, ok := b.Get(k)
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalYAML implements yaml.Marshaler, preserving map insertion order and
// list order.
func (v Value) MarshalYAML() (any, error) {
	switch v.kind {
	case KindNull:
		return nil, nil
	case KindBool:
		return v.b, nil
	case KindInt:
		return v.i, nil
	case KindFloat:
		return v.f, nil
	case KindString:
		return v.s, nil
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			node, err := item.MarshalYAML()
			if err != nil {
				return nil, err
			}
			out[i] = node
		}
		return out, nil
	case KindMap:
		node := &yaml.Node{Kind: yaml.MappingNode}
		for _, k := range v.Keys() {
			val, _ := v.Get(k)
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: k}
			valNode := &yaml.Node{}
			if err := valNode.Encode(mustYAML(val)); err != nil {
				return nil, err
			}
			node.Content = append(node.Content, keyNode, valNode)
		}
		return node, nil
	default:
		return nil, fmt.Errorf("configstore: unknown value kind %d", v.kind)
	}
}

func mustYAML(v Value) any {
	out, _ := v.MarshalYAML()
	return out
}

// UnmarshalYAML implements yaml.Unmarshaler, reading mappings in document
// order to preserve insertion order.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := fromYAMLNode(node)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func fromYAMLNode(node *yaml.Node) (Value, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return Null(), nil
		}
		return fromYAMLNode(node.Content[0])
	case yaml.ScalarNode:
		return fromYAMLScalar(node)
	case yaml.SequenceNode:
		items := make([]Value, 0, len(node.Content))
		for _, child := range node.Content {
			v, err := fromYAMLNode(child)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return List(items...), nil
	case yaml.MappingNode:
		out := Map()
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			val, err := fromYAMLNode(node.Content[i+1])
			if err != nil {
				return Value{}, err
			}
			out = out.Set(key, val)
		}
		return out, nil
	default:
		return Null(), nil
	}
}

func fromYAMLScalar(node *yaml.Node) (Value, error) {
	switch node.Tag {
	case "!!null":
		return Null(), nil
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case "!!int":
		var i int64
		if err := node.Decode(&i); err != nil {
			return Value{}, err
		}
		return Int(i), nil
	case "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return Value{}, err
		}
		return Float(f), nil
	default:
		return String(node.Value), nil
	}
}
