package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if !shapesEqual(shape1, shape2) {
		return nil, fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
	}
	return shape1, nil
}

type number interface {
	~float32 | ~int32
}

func elementwise[T number](a, b, out []T, fn func(x, y T) T) {
	for i := range out {
		out[i] = fn(a[i], b[i])
	}
}

func binaryOp(name string, t1, t2 *Tensor, f32 func(x, y float32) float32, i32 func(x, y int32) int32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		elementwise(t1.Data.([]float32), t2.Data.([]float32), result.Data.([]float32), f32)
	case Int32:
		if i32 == nil {
			return nil, fmt.Errorf("unsupported dtype for %s: %s", name, t1.DType)
		}
		elementwise(t1.Data.([]int32), t2.Data.([]int32), result.Data.([]int32), i32)
	default:
		return nil, fmt.Errorf("unsupported dtype for %s: %s", name, t1.DType)
	}

	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Add", t1, t2,
		func(x, y float32) float32 { return x + y },
		func(x, y int32) int32 { return x + y })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Sub", t1, t2,
		func(x, y float32) float32 { return x - y },
		func(x, y int32) int32 { return x - y })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Mul", t1, t2,
		func(x, y float32) float32 { return x * y },
		func(x, y int32) int32 { return x * y })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Div", t1, t2,
		func(x, y float32) float32 { return x / y },
		nil)
}

func unaryFloat(name string, t *Tensor, fn func(x float32) float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("%s only supports Float32 tensors", name)
	}
	src := t.Data.([]float32)
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = fn(v)
	}
	return NewTensor(t.Shape, Float32, t.Device, out)
}

// Scale multiplies every element by s.
func Scale(t *Tensor, s float32) (*Tensor, error) {
	return unaryFloat("Scale", t, func(x float32) float32 { return x * s })
}

func ReLU(t *Tensor) (*Tensor, error) {
	return unaryFloat("ReLU", t, func(x float32) float32 {
		if x > 0 {
			return x
		}
		return 0
	})
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	return unaryFloat("Sigmoid", t, func(x float32) float32 {
		return float32(1.0 / (1.0 + math.Exp(-float64(x))))
	})
}

func Tanh(t *Tensor) (*Tensor, error) {
	return unaryFloat("Tanh", t, func(x float32) float32 {
		return float32(math.Tanh(float64(x)))
	})
}

// Sqrt produces NaN for negative inputs.
func Sqrt(t *Tensor) (*Tensor, error) {
	return unaryFloat("Sqrt", t, func(x float32) float32 {
		return float32(math.Sqrt(float64(x)))
	})
}

// AddRowVector adds a [d] vector to every row of an [n, d] matrix.
func AddRowVector(m, v *Tensor) (*Tensor, error) {
	if err := checkCompatibility(m, v); err != nil {
		return nil, err
	}
	if m.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for AddRowVector: %s", m.DType)
	}
	if len(m.Shape) != 2 || len(v.Shape) != 1 || m.Shape[1] != v.Shape[0] {
		return nil, fmt.Errorf("cannot add vector %v to matrix %v", v.Shape, m.Shape)
	}

	cols := m.Shape[1]
	src := m.Data.([]float32)
	vec := v.Data.([]float32)
	out := make([]float32, len(src))
	for i := range src {
		out[i] = src[i] + vec[i%cols]
	}
	return NewTensor(m.Shape, Float32, m.Device, out)
}

// SumRows reduces an [n, d] matrix to a [d] vector.
func SumRows(m *Tensor) (*Tensor, error) {
	if m.DType != Float32 || len(m.Shape) != 2 {
		return nil, fmt.Errorf("SumRows requires a 2-D Float32 tensor, got %s %v", m.DType, m.Shape)
	}
	cols := m.Shape[1]
	src := m.Data.([]float32)
	out := make([]float32, cols)
	for i, v := range src {
		out[i%cols] += v
	}
	return NewTensor([]int{cols}, Float32, m.Device, out)
}
