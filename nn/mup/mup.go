// Package mup records base shapes for width-scaled training and derives
// per-parameter width multipliers from them.
package mup

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-molgraph/nn"
)

// BaseShapes maps parameter names to the shapes of the reference model.
type BaseShapes map[string][]int

// FromModel records the parameter shapes of m.
func FromModel(m nn.Model) BaseShapes {
	shapes := make(BaseShapes)
	for _, p := range m.Parameters() {
		shapes[p.Name] = append([]int(nil), p.Value.Shape...)
	}
	return shapes
}

// Names returns the recorded parameter names in sorted order.
func (s BaseShapes) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Marshal encodes the shapes as YAML.
func (s BaseShapes) Marshal() ([]byte, error) {
	return yaml.Marshal(map[string][]int(s))
}

// Save writes the shapes to path as YAML.
func Save(path string, s BaseShapes) error {
	data, err := s.Marshal()
	if err != nil {
		return errors.Wrap(err, "encode base shapes")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "write base shapes %s", path)
	}
	return nil
}

// Load reads a base shapes YAML file.
func Load(path string) (BaseShapes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read base shapes %s", path)
	}
	var shapes map[string][]int
	if err := yaml.Unmarshal(data, &shapes); err != nil {
		return nil, errors.Wrapf(err, "parse base shapes %s", path)
	}
	if len(shapes) == 0 {
		return nil, errors.Errorf("base shapes %s is empty", path)
	}
	return BaseShapes(shapes), nil
}

// SetBaseShapes sets WidthMult on every parameter of m. Matrix parameters
// get the ratio of their fan-in to the base fan-in; vectors and matrices
// whose fan-in did not change keep 1.
func SetBaseShapes(m nn.Model, base BaseShapes) error {
	for _, p := range m.Parameters() {
		ref, ok := base[p.Name]
		if !ok {
			return errors.Errorf("no base shape for parameter %s", p.Name)
		}
		shape := p.Value.Shape
		if len(ref) != len(shape) {
			return errors.Errorf("parameter %s has rank %d, base shape %v", p.Name, len(shape), ref)
		}
		p.WidthMult = 1
		if len(shape) == 2 && ref[0] > 0 && shape[0] != ref[0] {
			p.WidthMult = float64(shape[0]) / float64(ref[0])
		}
	}
	return nil
}
