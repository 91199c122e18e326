// Package graphdata holds the structured graph batch exchanged between
// datamodules, models and accelerator strategies.
package graphdata

import (
	"fmt"
	"sort"

	"github.com/tsawler/go-molgraph/tensor"
)

// Well-known field names.
const (
	FieldFeat      = "feat"
	FieldEdgeFeat  = "edge_feat"
	FieldEdgeIndex = "edge_index"
	FieldBatch     = "batch"
	FieldNumGraphs = "num_graphs"
	FieldSmiles    = "smiles"
)

// Batch is an ordered set of named fields. Tensor-valued fields hold
// *tensor.Tensor; every other value is carried as an opaque non-tensor field.
type Batch struct {
	keys   []string
	values map[string]any
}

func NewBatch() *Batch {
	return &Batch{values: make(map[string]any)}
}

// Set stores value under name. A new name is appended to the field order;
// an existing name keeps its position.
func (b *Batch) Set(name string, value any) {
	if _, ok := b.values[name]; !ok {
		b.keys = append(b.keys, name)
	}
	b.values[name] = value
}

func (b *Batch) Get(name string) (any, bool) {
	v, ok := b.values[name]
	return v, ok
}

// Tensor returns the named field when it is tensor-valued.
func (b *Batch) Tensor(name string) (*tensor.Tensor, bool) {
	v, ok := b.values[name]
	if !ok {
		return nil, false
	}
	t, ok := v.(*tensor.Tensor)
	return t, ok && t != nil
}

// MustTensor is Tensor with an error for missing or non-tensor fields.
func (b *Batch) MustTensor(name string) (*tensor.Tensor, error) {
	t, ok := b.Tensor(name)
	if !ok {
		return nil, fmt.Errorf("batch has no tensor field %q", name)
	}
	return t, nil
}

// Keys returns field names in insertion order.
func (b *Batch) Keys() []string {
	return append([]string(nil), b.keys...)
}

// TensorKeys returns the names of tensor-valued fields sorted alphabetically.
func (b *Batch) TensorKeys() []string {
	var keys []string
	for _, k := range b.keys {
		if _, ok := b.Tensor(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of fields.
func (b *Batch) Len() int {
	return len(b.keys)
}

// Clone copies the field table. Field values are shared.
func (b *Batch) Clone() *Batch {
	c := &Batch{
		keys:   append([]string(nil), b.keys...),
		values: make(map[string]any, len(b.values)),
	}
	for k, v := range b.values {
		c.values[k] = v
	}
	return c
}

// NumNodes returns the row count of the node feature tensor.
func (b *Batch) NumNodes() int {
	feat, ok := b.Tensor(FieldFeat)
	if !ok || feat.Dim() == 0 {
		return 0
	}
	return feat.Shape[0]
}

// NumGraphs returns the num_graphs field, falling back to the batch
// assignment vector.
func (b *Batch) NumGraphs() int {
	if v, ok := b.values[FieldNumGraphs].(int); ok {
		return v
	}
	assign, ok := b.Tensor(FieldBatch)
	if !ok || assign.NumElems == 0 {
		return 0
	}
	top, err := tensor.MaxLastDim(assign)
	if err != nil {
		return 0
	}
	v, err := top.Item()
	if err != nil {
		return 0
	}
	return int(v) + 1
}
