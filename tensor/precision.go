package tensor

import (
	"fmt"

	"github.com/x448/float16"
)

// ToDType returns a copy of t converted to dtype. Converting between a
// floating point dtype and Int32 is not supported.
func (t *Tensor) ToDType(dtype DType) (*Tensor, error) {
	if t.DType == dtype {
		return t.Clone()
	}

	switch {
	case t.DType == Float16 && dtype == Float32:
		src := t.Data.([]float16.Float16)
		out := make([]float32, len(src))
		for i, h := range src {
			out[i] = h.Float32()
		}
		return NewTensor(t.Shape, Float32, t.Device, out)
	case t.DType == Float32 && dtype == Float16:
		src := t.Data.([]float32)
		out := make([]float16.Float16, len(src))
		for i, v := range src {
			out[i] = float16.Fromfloat32(v)
		}
		return NewTensor(t.Shape, Float16, t.Device, out)
	default:
		return nil, fmt.Errorf("cannot convert %s tensor to %s", t.DType, dtype)
	}
}

func (t *Tensor) ToFloat32() (*Tensor, error) {
	return t.ToDType(Float32)
}

func (t *Tensor) ToFloat16() (*Tensor, error) {
	return t.ToDType(Float16)
}
