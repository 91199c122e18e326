package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

func getIndex(indices []int, strides []int) int {
	index := 0
	for i, idx := range indices {
		index += idx * strides[i]
	}
	return index
}

func getIndicesFromLinear(linearIndex int, shape []int) []int {
	indices := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		indices[i] = linearIndex % shape[i]
		linearIndex /= shape[i]
	}
	return indices
}

// MatMul multiplies two 2-D Float32 matrices.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2-D tensors, got %v and %v", t1.Shape, t2.Shape)
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for MatMul: %s", t1.DType)
	}

	rows1, cols1 := t1.Shape[0], t1.Shape[1]
	rows2, cols2 := t2.Shape[0], t2.Shape[1]
	if cols1 != rows2 {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)", rows1, cols1, rows2, cols2)
	}

	result, err := Zeros([]int{rows1, cols2}, Float32, t1.Device)
	if err != nil {
		return nil, err
	}

	data1 := t1.Data.([]float32)
	data2 := t2.Data.([]float32)
	out := result.Data.([]float32)
	for i := 0; i < rows1; i++ {
		for k := 0; k < cols1; k++ {
			a := data1[i*cols1+k]
			if a == 0 {
				continue
			}
			for j := 0; j < cols2; j++ {
				out[i*cols2+j] += a * data2[k*cols2+j]
			}
		}
	}

	return result, nil
}

// Transpose swaps the two axes of a 2-D tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose requires a 2-D tensor, got %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]

	result, err := Zeros([]int{cols, rows}, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := result.Data.([]float32)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				dst[j*rows+i] = src[i*cols+j]
			}
		}
	case Int32:
		src := t.Data.([]int32)
		dst := result.Data.([]int32)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				dst[j*rows+i] = src[i*cols+j]
			}
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Transpose: %s", t.DType)
	}

	return result, nil
}

func Flatten(t *Tensor) (*Tensor, error) {
	return t.Reshape([]int{t.NumElems})
}

func Squeeze(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(t.Shape))
	}

	if t.Shape[dim] != 1 {
		return nil, fmt.Errorf("cannot squeeze dimension %d with size %d (must be 1)", dim, t.Shape[dim])
	}

	newShape := make([]int, 0, len(t.Shape)-1)
	for i, size := range t.Shape {
		if i != dim {
			newShape = append(newShape, size)
		}
	}

	return t.Reshape(newShape)
}

func Unsqueeze(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim > len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for unsqueeze operation", dim)
	}

	newShape := make([]int, len(t.Shape)+1)
	copy(newShape[:dim], t.Shape[:dim])
	newShape[dim] = 1
	copy(newShape[dim+1:], t.Shape[dim:])

	return t.Reshape(newShape)
}

// SumAll adds every element into a Float32 tensor of shape [1].
func SumAll(t *Tensor) (*Tensor, error) {
	values, err := t.Float32Values()
	if err != nil {
		return nil, err
	}
	var sum float32
	for _, v := range values {
		sum += v
	}
	return Scalar(sum), nil
}

// MeanAll averages every element into a Float32 tensor of shape [1]. The mean
// of an empty tensor is NaN.
func MeanAll(t *Tensor) (*Tensor, error) {
	sum, err := SumAll(t)
	if err != nil {
		return nil, err
	}
	if t.NumElems == 0 {
		return Scalar(float32(math.NaN())), nil
	}
	s := sum.Data.([]float32)
	s[0] /= float32(t.NumElems)
	return sum, nil
}

// MaxLastDim reduces the last axis by taking its maximum. The result keeps
// the leading dimensions; reducing a 1-D tensor yields a zero-rank tensor.
func MaxLastDim(t *Tensor) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot reduce a zero-rank tensor")
	}
	last := t.Shape[len(t.Shape)-1]
	if last == 0 {
		return nil, fmt.Errorf("cannot take the maximum over an empty axis")
	}
	outShape := append([]int(nil), t.Shape[:len(t.Shape)-1]...)
	rows := calculateNumElements(outShape)

	switch t.DType {
	case Int32:
		src := t.Data.([]int32)
		out := make([]int32, rows)
		for r := 0; r < rows; r++ {
			best := src[r*last]
			for _, v := range src[r*last+1 : (r+1)*last] {
				if v > best {
					best = v
				}
			}
			out[r] = best
		}
		return NewTensor(outShape, Int32, t.Device, out)
	case Float32, Float16:
		src, err := t.Float32Values()
		if err != nil {
			return nil, err
		}
		out := make([]float32, rows)
		for r := 0; r < rows; r++ {
			best := src[r*last]
			for _, v := range src[r*last+1 : (r+1)*last] {
				if v > best {
					best = v
				}
			}
			out[r] = best
		}
		return NewTensor(outShape, t.DType, t.Device, out)
	default:
		return nil, fmt.Errorf("unsupported dtype for MaxLastDim: %s", t.DType)
	}
}

// Concat joins tensors of identical dtype along dim. All other dimensions
// must agree.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat requires at least one tensor")
	}
	first := tensors[0]
	rank := len(first.Shape)
	if dim < 0 || dim >= rank {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, rank)
	}

	outShape := append([]int(nil), first.Shape...)
	outShape[dim] = 0
	for i, t := range tensors {
		if t.DType != first.DType {
			return nil, fmt.Errorf("tensor %d has dtype %s, expected %s", i, t.DType, first.DType)
		}
		if len(t.Shape) != rank {
			return nil, fmt.Errorf("tensor %d has rank %d, expected %d", i, len(t.Shape), rank)
		}
		for d := range t.Shape {
			if d != dim && t.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("tensor %d has shape %v, incompatible with %v along dim %d", i, t.Shape, first.Shape, dim)
			}
		}
		outShape[dim] += t.Shape[dim]
	}

	outer := calculateNumElements(first.Shape[:dim])
	inner := calculateNumElements(first.Shape[dim+1:])

	switch first.DType {
	case Float32:
		out := make([]float32, 0, calculateNumElements(outShape))
		for o := 0; o < outer; o++ {
			for _, t := range tensors {
				chunk := t.Shape[dim] * inner
				out = append(out, t.Data.([]float32)[o*chunk:(o+1)*chunk]...)
			}
		}
		return NewTensor(outShape, first.DType, first.Device, out)
	case Float16:
		out := make([]float16.Float16, 0, calculateNumElements(outShape))
		for o := 0; o < outer; o++ {
			for _, t := range tensors {
				chunk := t.Shape[dim] * inner
				out = append(out, t.Data.([]float16.Float16)[o*chunk:(o+1)*chunk]...)
			}
		}
		return NewTensor(outShape, first.DType, first.Device, out)
	case Int32:
		out := make([]int32, 0, calculateNumElements(outShape))
		for o := 0; o < outer; o++ {
			for _, t := range tensors {
				chunk := t.Shape[dim] * inner
				out = append(out, t.Data.([]int32)[o*chunk:(o+1)*chunk]...)
			}
		}
		return NewTensor(outShape, first.DType, first.Device, out)
	default:
		return nil, fmt.Errorf("unsupported dtype for Concat: %s", first.DType)
	}
}

// Stack joins tensors of identical shape along a new leading dimension.
func Stack(tensors []*Tensor) (*Tensor, error) {
	expanded := make([]*Tensor, len(tensors))
	for i, t := range tensors {
		if i > 0 && !shapesEqual(t.Shape, tensors[0].Shape) {
			return nil, fmt.Errorf("tensor %d has shape %v, expected %v", i, t.Shape, tensors[0].Shape)
		}
		u, err := Unsqueeze(t, 0)
		if err != nil {
			return nil, err
		}
		expanded[i] = u
	}
	return Concat(expanded, 0)
}
