package ipu

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/tensor"
)

// ArgsParser converts a graph batch to and from the flat tensor tuple a
// compiled program takes. Both directions order tensors by field name, so
// a tuple produced by Flatten lines up with the structure it came from.
type ArgsParser struct{}

// SortedTensorKeys returns the tensor-valued field names of b in
// alphabetical order.
func (ArgsParser) SortedTensorKeys(b *graphdata.Batch) []string {
	return b.TensorKeys()
}

// Flatten returns the tensor fields of b in SortedTensorKeys order.
func (p ArgsParser) Flatten(b *graphdata.Batch) []*tensor.Tensor {
	keys := p.SortedTensorKeys(b)
	out := make([]*tensor.Tensor, len(keys))
	for i, k := range keys {
		out[i], _ = b.Tensor(k)
	}
	return out
}

// Unflatten rebuilds a batch shaped like original from tensors. Tensor
// fields are taken from tensors in SortedTensorKeys order; every other
// field is copied from original. The field order of original is kept.
func (p ArgsParser) Unflatten(original *graphdata.Batch, tensors []*tensor.Tensor) (*graphdata.Batch, error) {
	keys := p.SortedTensorKeys(original)
	if len(keys) != len(tensors) {
		return nil, errors.Errorf("structure has %d tensor fields, got %d tensors", len(keys), len(tensors))
	}
	byKey := make(map[string]*tensor.Tensor, len(keys))
	for i, k := range keys {
		if tensors[i] == nil {
			return nil, errors.Errorf("tensor for field %q is nil", k)
		}
		byKey[k] = tensors[i]
	}

	out := graphdata.NewBatch()
	for _, k := range original.Keys() {
		if t, ok := byKey[k]; ok {
			out.Set(k, t)
			continue
		}
		v, _ := original.Get(k)
		out.Set(k, v)
	}
	return out, nil
}
