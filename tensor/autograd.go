package tensor

import (
	"fmt"
)

// apply runs op forward and records it as the creator of the result when
// any input requires a gradient.
func apply(op Operation, inputs ...*Tensor) (*Tensor, error) {
	out, err := op.Forward(inputs...)
	if err != nil {
		return nil, err
	}
	for _, in := range inputs {
		if in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out, nil
}

// Backward propagates gradOut from root through the recorded graph and
// accumulates gradients on every leaf that requires them. A nil gradOut is
// only accepted for single-element roots and is treated as one.
func Backward(root, gradOut *Tensor) error {
	if !root.requiresGrad {
		return fmt.Errorf("backward called on a tensor that does not require grad")
	}
	if gradOut == nil {
		if root.NumElems != 1 {
			return fmt.Errorf("gradient must be supplied for non-scalar root with shape %v", root.Shape)
		}
		gradOut = Scalar(1)
		if len(root.Shape) != 1 {
			var err error
			if gradOut, err = gradOut.Reshape(root.Shape); err != nil {
				return err
			}
		}
	}
	if !shapesEqual(root.Shape, gradOut.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", gradOut.Shape, root.Shape)
	}

	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		if t.creator != nil {
			for _, in := range t.creator.Inputs() {
				if in.requiresGrad {
					visit(in)
				}
			}
		}
		order = append(order, t)
	}
	visit(root)

	grads := map[*Tensor]*Tensor{root: gradOut}
	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		g := grads[t]
		if g == nil {
			continue
		}
		delete(grads, t)

		if t.creator == nil {
			acc, err := accumulate(t.grad, g)
			if err != nil {
				return fmt.Errorf("failed to accumulate gradient: %v", err)
			}
			t.grad = acc
			continue
		}

		inGrads, err := t.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward pass failed: %v", err)
		}
		for j, in := range t.creator.Inputs() {
			if !in.requiresGrad || inGrads[j] == nil {
				continue
			}
			acc, err := accumulate(grads[in], inGrads[j])
			if err != nil {
				return fmt.Errorf("failed to accumulate gradient: %v", err)
			}
			grads[in] = acc
		}
	}
	return nil
}

func accumulate(existing, g *Tensor) (*Tensor, error) {
	if existing == nil {
		return g.Clone()
	}
	return Add(existing, g)
}

// MatMulOp implements the Operation interface for matrix multiplication
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MatMulOp requires exactly 2 inputs")
	}
	op.inputs = inputs
	return MatMul(inputs[0], inputs[1])
}

func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	grads := make([]*Tensor, 2)

	// dA = dOut @ B^T, dB = A^T @ dOut
	if a.requiresGrad {
		bT, err := Transpose(b)
		if err != nil {
			return nil, err
		}
		if grads[0], err = MatMul(gradOut, bT); err != nil {
			return nil, err
		}
	}
	if b.requiresGrad {
		aT, err := Transpose(a)
		if err != nil {
			return nil, err
		}
		if grads[1], err = MatMul(aT, gradOut); err != nil {
			return nil, err
		}
	}
	return grads, nil
}

// AddOp implements the Operation interface for same-shape addition
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("AddOp requires exactly 2 inputs")
	}
	op.inputs = inputs
	return Add(inputs[0], inputs[1])
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{gradOut, gradOut}, nil
}

// BiasAddOp adds a [d] bias to every row of an [n, d] input
type BiasAddOp struct {
	inputs []*Tensor
}

func (op *BiasAddOp) Inputs() []*Tensor { return op.inputs }

func (op *BiasAddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("BiasAddOp requires exactly 2 inputs")
	}
	op.inputs = inputs
	return AddRowVector(inputs[0], inputs[1])
}

func (op *BiasAddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gradBias, err := SumRows(gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradOut, gradBias}, nil
}

// ReLUOp implements the Operation interface for ReLU activation
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReLUOp requires exactly 1 input")
	}
	op.inputs = inputs
	return ReLU(inputs[0])
}

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0].Data.([]float32)
	g := gradOut.Data.([]float32)
	out := make([]float32, len(g))
	for i := range g {
		if x[i] > 0 {
			out[i] = g[i]
		}
	}
	grad, err := NewTensor(gradOut.Shape, Float32, gradOut.Device, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// SigmoidOp implements the Operation interface for sigmoid activation
type SigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *SigmoidOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("SigmoidOp requires exactly 1 input")
	}
	op.inputs = inputs
	out, err := Sigmoid(inputs[0])
	if err != nil {
		return nil, err
	}
	op.output = out
	return out, nil
}

func (op *SigmoidOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// d sigmoid(x)/dx = s * (1 - s)
	s := op.output.Data.([]float32)
	g := gradOut.Data.([]float32)
	out := make([]float32, len(g))
	for i := range g {
		out[i] = g[i] * s[i] * (1 - s[i])
	}
	grad, err := NewTensor(gradOut.Shape, Float32, gradOut.Device, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// TanhOp implements the Operation interface for tanh activation
type TanhOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *TanhOp) Inputs() []*Tensor { return op.inputs }

func (op *TanhOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("TanhOp requires exactly 1 input")
	}
	op.inputs = inputs
	out, err := Tanh(inputs[0])
	if err != nil {
		return nil, err
	}
	op.output = out
	return out, nil
}

func (op *TanhOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	y := op.output.Data.([]float32)
	g := gradOut.Data.([]float32)
	out := make([]float32, len(g))
	for i := range g {
		out[i] = g[i] * (1 - y[i]*y[i])
	}
	grad, err := NewTensor(gradOut.Shape, Float32, gradOut.Device, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// ConcatColsOp joins two [n, a] and [n, b] matrices into [n, a+b]
type ConcatColsOp struct {
	inputs []*Tensor
}

func (op *ConcatColsOp) Inputs() []*Tensor { return op.inputs }

func (op *ConcatColsOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("ConcatColsOp requires exactly 2 inputs")
	}
	op.inputs = inputs
	return Concat(inputs, 1)
}

func (op *ConcatColsOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	rows := gradOut.Shape[0]
	left := op.inputs[0].Shape[1]
	right := op.inputs[1].Shape[1]
	g := gradOut.Data.([]float32)

	a := make([]float32, 0, rows*left)
	b := make([]float32, 0, rows*right)
	for r := 0; r < rows; r++ {
		row := g[r*(left+right) : (r+1)*(left+right)]
		a = append(a, row[:left]...)
		b = append(b, row[left:]...)
	}

	gradA, err := NewTensor([]int{rows, left}, Float32, gradOut.Device, a)
	if err != nil {
		return nil, err
	}
	gradB, err := NewTensor([]int{rows, right}, Float32, gradOut.Device, b)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

// CastOp converts between floating point dtypes. Gradients are returned in
// the dtype of the input.
type CastOp struct {
	inputs []*Tensor
	dtype  DType
}

func (op *CastOp) Inputs() []*Tensor { return op.inputs }

func (op *CastOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("CastOp requires exactly 1 input")
	}
	op.inputs = inputs
	return inputs[0].ToDType(op.dtype)
}

func (op *CastOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := gradOut.ToDType(op.inputs[0].DType)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	return apply(&MatMulOp{}, a, b)
}

func AddAutograd(a, b *Tensor) (*Tensor, error) {
	return apply(&AddOp{}, a, b)
}

func BiasAddAutograd(m, bias *Tensor) (*Tensor, error) {
	return apply(&BiasAddOp{}, m, bias)
}

func ReLUAutograd(a *Tensor) (*Tensor, error) {
	return apply(&ReLUOp{}, a)
}

func SigmoidAutograd(a *Tensor) (*Tensor, error) {
	return apply(&SigmoidOp{}, a)
}

func TanhAutograd(a *Tensor) (*Tensor, error) {
	return apply(&TanhOp{}, a)
}

func ConcatColsAutograd(a, b *Tensor) (*Tensor, error) {
	return apply(&ConcatColsOp{}, a, b)
}

func CastAutograd(a *Tensor, dtype DType) (*Tensor, error) {
	return apply(&CastOp{dtype: dtype}, a)
}

// ScaleOp multiplies by a constant factor.
type ScaleOp struct {
	inputs []*Tensor
	factor float32
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ScaleOp requires exactly 1 input")
	}
	op.inputs = inputs
	return Scale(inputs[0], op.factor)
}

func (op *ScaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Scale(gradOut, op.factor)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// MaskOp multiplies elementwise by a constant tensor of the same shape,
// as used by dropout.
type MaskOp struct {
	inputs []*Tensor
	mask   *Tensor
}

func (op *MaskOp) Inputs() []*Tensor { return op.inputs }

func (op *MaskOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("MaskOp requires exactly 1 input")
	}
	op.inputs = inputs
	return Mul(inputs[0], op.mask)
}

func (op *MaskOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Mul(gradOut, op.mask)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func ScaleAutograd(a *Tensor, factor float32) (*Tensor, error) {
	return apply(&ScaleOp{factor: factor}, a)
}

func MaskAutograd(a, mask *Tensor) (*Tensor, error) {
	return apply(&MaskOp{mask: mask}, a)
}

// PointwiseFunc returns the value and derivative of an elementwise function
// at flat index i.
type PointwiseFunc func(i int, x float32) (y, dy float32)

// PointwiseOp applies a PointwiseFunc to a Float32 tensor.
type PointwiseOp struct {
	inputs []*Tensor
	fn     PointwiseFunc
	deriv  []float32
}

func (op *PointwiseOp) Inputs() []*Tensor { return op.inputs }

func (op *PointwiseOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("PointwiseOp requires exactly 1 input")
	}
	op.inputs = inputs
	x, err := inputs[0].GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(x))
	op.deriv = make([]float32, len(x))
	for i, v := range x {
		out[i], op.deriv[i] = op.fn(i, v)
	}
	return NewTensor(copyShape(inputs[0].Shape), Float32, inputs[0].Device, out)
}

func (op *PointwiseOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := gradOut.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	grad := make([]float32, len(g))
	for i := range g {
		grad[i] = g[i] * op.deriv[i]
	}
	t, err := NewTensor(copyShape(gradOut.Shape), Float32, gradOut.Device, grad)
	if err != nil {
		return nil, err
	}
	return []*Tensor{t}, nil
}

// SumOp reduces every element into a tensor of shape [1].
type SumOp struct {
	inputs []*Tensor
}

func (op *SumOp) Inputs() []*Tensor { return op.inputs }

func (op *SumOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("SumOp requires exactly 1 input")
	}
	op.inputs = inputs
	return SumAll(inputs[0])
}

func (op *SumOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := gradOut.Item()
	if err != nil {
		return nil, err
	}
	in := op.inputs[0]
	values := make([]float32, in.NumElems)
	for i := range values {
		values[i] = g
	}
	grad, err := NewTensor(copyShape(in.Shape), Float32, in.Device, values)
	if err != nil {
		return nil, err
	}
	if in.DType != Float32 {
		if grad, err = grad.ToDType(in.DType); err != nil {
			return nil, err
		}
	}
	return []*Tensor{grad}, nil
}

func PointwiseAutograd(a *Tensor, fn PointwiseFunc) (*Tensor, error) {
	return apply(&PointwiseOp{fn: fn}, a)
}

func SumAutograd(a *Tensor) (*Tensor, error) {
	return apply(&SumOp{}, a)
}

// MeanAutograd averages every element into a tensor of shape [1].
func MeanAutograd(a *Tensor) (*Tensor, error) {
	sum, err := SumAutograd(a)
	if err != nil {
		return nil, err
	}
	if a.NumElems == 0 {
		return sum, nil
	}
	return ScaleAutograd(sum, 1/float32(a.NumElems))
}
