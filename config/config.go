// Package config loads and manipulates the YAML configuration tree that
// drives component assembly.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Tree is a nested configuration mapping. Values are scalars, []any or Tree.
type Tree = map[string]any

// LoadFile reads and parses a YAML configuration file.
func LoadFile(path string) (Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	tree, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return tree, nil
}

// Parse decodes a YAML document into a Tree. An empty document yields an
// empty Tree.
func Parse(data []byte) (Tree, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return Tree{}, nil
	}
	tree, ok := normalize(raw).(Tree)
	if !ok {
		return nil, errors.Errorf("config root must be a mapping, got %T", raw)
	}
	return tree, nil
}

// Marshal encodes a Tree as YAML.
func Marshal(tree Tree) ([]byte, error) {
	return yaml.Marshal(tree)
}

// SaveFile writes tree to path as YAML.
func SaveFile(path string, tree Tree) error {
	data, err := Marshal(tree)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "write config %s", path)
	}
	return nil
}

// normalize converts YAML mappings with non-string keys into Tree so the
// rest of the package only deals with one mapping type.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(Tree, len(x))
		for k, val := range x {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(Tree, len(x))
		for k, val := range x {
			out[toKey(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func toKey(k any) string {
	switch x := k.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprint(k)
	}
}

// Clone deep-copies a tree.
func Clone(tree Tree) Tree {
	if tree == nil {
		return nil
	}
	return cloneValue(tree).(Tree)
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(Tree, len(x))
		for k, val := range x {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Lookup walks keys through nested mappings.
func Lookup(tree Tree, keys ...string) (any, bool) {
	var cur any = tree
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Sub returns the mapping at keys. A missing or null section returns false.
func Sub(tree Tree, keys ...string) (Tree, bool) {
	v, ok := Lookup(tree, keys...)
	if !ok || v == nil {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// String returns the string at keys or def.
func String(tree Tree, def string, keys ...string) string {
	v, ok := Lookup(tree, keys...)
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

// Int returns the integer at keys or def. Integral floats are accepted.
func Int(tree Tree, def int, keys ...string) int {
	v, ok := Lookup(tree, keys...)
	if !ok {
		return def
	}
	if n, ok := AsInt(v); ok {
		return n
	}
	return def
}

// Float returns the number at keys or def.
func Float(tree Tree, def float64, keys ...string) float64 {
	v, ok := Lookup(tree, keys...)
	if !ok {
		return def
	}
	if f, ok := AsFloat(v); ok {
		return f
	}
	return def
}

// AsInt converts YAML numeric scalars to int.
func AsInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case int32:
		return int(x), true
	case uint64:
		return int(x), true
	case float64:
		if x == float64(int(x)) {
			return int(x), true
		}
	}
	return 0, false
}

// AsFloat converts YAML numeric scalars to float64.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// Strings converts a YAML sequence of strings. A nil value yields nil.
func Strings(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	seq, ok := v.([]any)
	if !ok {
		return nil, errors.Errorf("expected a sequence of strings, got %T", v)
	}
	out := make([]string, len(seq))
	for i, item := range seq {
		s, ok := item.(string)
		if !ok {
			return nil, errors.Errorf("item %d is %T, expected string", i, item)
		}
		out[i] = s
	}
	return out, nil
}

// Decode maps src onto the yaml-tagged struct dst.
func Decode(src any, dst any) error {
	data, err := yaml.Marshal(src)
	if err != nil {
		return errors.Wrap(err, "encode section")
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return errors.Wrap(err, "decode section")
	}
	return nil
}

// FromStruct converts a yaml-tagged value into a Tree.
func FromStruct(v any) (Tree, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode struct")
	}
	return Parse(data)
}
