package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// Reshape returns a tensor sharing t's data with a new shape. One dimension
// may be -1 and is inferred.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := copyShape(newShape)
	known := 1
	inferred := -1

	for i, dim := range shape {
		switch {
		case dim == -1:
			if inferred >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			inferred = i
		case dim < 0:
			return nil, fmt.Errorf("negative dimension %d at index %d is not allowed (only -1 is allowed)", dim, i)
		default:
			known *= dim
		}
	}

	if inferred >= 0 {
		if known == 0 || t.NumElems%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
		}
		shape[inferred] = t.NumElems / known
		known *= shape[inferred]
	}

	if known != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, newShape, known)
	}

	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		DType:        t.DType,
		Device:       t.Device,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

func (t *Tensor) Clone() (*Tensor, error) {
	clone := &Tensor{
		Shape:        copyShape(t.Shape),
		Strides:      copyShape(t.Strides),
		DType:        t.DType,
		Device:       t.Device,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}

	if t.Data == nil {
		return nil, fmt.Errorf("tensor has nil data")
	}

	switch t.DType {
	case Float32:
		clone.Data = append([]float32(nil), t.Data.([]float32)...)
	case Float16:
		clone.Data = append([]float16.Float16(nil), t.Data.([]float16.Float16)...)
	case Int32:
		clone.Data = append([]int32(nil), t.Data.([]int32)...)
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}

	return clone, nil
}

func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	return t.Data.([]float32), nil
}

func (t *Tensor) GetFloat16Data() ([]float16.Float16, error) {
	if t.DType != Float16 {
		return nil, fmt.Errorf("tensor dtype is %s, not Float16", t.DType)
	}
	return t.Data.([]float16.Float16), nil
}

func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Int32", t.DType)
	}
	return t.Data.([]int32), nil
}

// Float32Values returns the values widened to float32. For Float32 tensors
// the backing slice itself is returned.
func (t *Tensor) Float32Values() ([]float32, error) {
	switch t.DType {
	case Float32:
		return t.Data.([]float32), nil
	case Float16:
		src := t.Data.([]float16.Float16)
		out := make([]float32, len(src))
		for i, h := range src {
			out[i] = h.Float32()
		}
		return out, nil
	case Int32:
		src := t.Data.([]int32)
		out := make([]float32, len(src))
		for i, v := range src {
			out[i] = float32(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", t.DType)
	}
}

// Item returns the single value of a one-element tensor as float32.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() can only be called on tensors with exactly one element, got %d", t.NumElems)
	}
	values, err := t.Float32Values()
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}

	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d (size %d)", idx, i, t.Shape[i])
		}
	}

	linear := getIndex(indices, t.Strides)
	switch t.DType {
	case Float32:
		return t.Data.([]float32)[linear], nil
	case Float16:
		return t.Data.([]float16.Float16)[linear].Float32(), nil
	case Int32:
		return float32(t.Data.([]int32)[linear]), nil
	default:
		return 0, fmt.Errorf("unsupported dtype for At: %s", t.DType)
	}
}

func (t *Tensor) Size() []int {
	result := make([]int, len(t.Shape))
	copy(result, t.Shape)
	return result
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports bit-for-bit equality of dtype, shape and values. NaN values
// with the same bit pattern compare equal.
func (t *Tensor) Equal(other *Tensor) (bool, error) {
	if t.DType != other.DType || !shapesEqual(t.Shape, other.Shape) {
		return false, nil
	}

	switch t.DType {
	case Float32:
		data1 := t.Data.([]float32)
		data2 := other.Data.([]float32)
		for i := 0; i < t.NumElems; i++ {
			if math.Float32bits(data1[i]) != math.Float32bits(data2[i]) {
				return false, nil
			}
		}
	case Float16:
		data1 := t.Data.([]float16.Float16)
		data2 := other.Data.([]float16.Float16)
		for i := 0; i < t.NumElems; i++ {
			if data1[i].Bits() != data2[i].Bits() {
				return false, nil
			}
		}
	case Int32:
		data1 := t.Data.([]int32)
		data2 := other.Data.([]int32)
		for i := 0; i < t.NumElems; i++ {
			if data1[i] != data2[i] {
				return false, nil
			}
		}
	default:
		return false, fmt.Errorf("unsupported dtype for Equal: %s", t.DType)
	}

	return true, nil
}

// ToDevice returns a copy of t tagged with device.
func (t *Tensor) ToDevice(device DeviceType) (*Tensor, error) {
	if device != CPU && device != GPU && device != IPU {
		return nil, fmt.Errorf("invalid device type: %v", device)
	}
	if t.Device == device {
		return t, nil
	}
	result, err := t.Clone()
	if err != nil {
		return nil, err
	}
	result.Device = device
	return result, nil
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s)\n", t.Shape, t.DType, t.Device))

	if maxElements <= 0 {
		maxElements = 20
	}

	values, err := t.Float32Values()
	if err != nil {
		return sb.String()
	}

	shown := t.NumElems
	if shown > maxElements {
		shown = maxElements
	}

	sb.WriteString("[")
	for i := 0; i < shown; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		if t.DType == Int32 {
			sb.WriteString(fmt.Sprintf("%d", int32(values[i])))
		} else {
			sb.WriteString(fmt.Sprintf("%.4f", values[i]))
		}
	}
	if t.NumElems > maxElements {
		sb.WriteString(fmt.Sprintf(", ... (%d more elements)", t.NumElems-maxElements))
	}
	sb.WriteString("]")

	return sb.String()
}

// ZeroGrad drops accumulated gradients on the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		t.grad = nil
	}
}

// HasNonFinite reports whether any floating point value is NaN or Inf.
func (t *Tensor) HasNonFinite() bool {
	if !t.IsFloatingPoint() {
		return false
	}
	values, err := t.Float32Values()
	if err != nil {
		return false
	}
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
