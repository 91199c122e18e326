package tensor

import (
	"math"
	"reflect"
	"testing"
)

func approxEqual(a, b []float32, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > tol {
			return false
		}
	}
	return true
}

func TestMatMulBackward(t *testing.T) {
	a, _ := FromFloat32([]int{1, 2}, []float32{1, 2})
	w, _ := FromFloat32([]int{2, 1}, []float32{3, 4})
	w.SetRequiresGrad(true)

	out, err := MatMulAutograd(a, w)
	if err != nil {
		t.Fatalf("MatMulAutograd failed: %v", err)
	}
	if !out.RequiresGrad() {
		t.Fatal("Result should require gradients")
	}

	if err := Backward(out, nil); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// d(a @ w)/dw = a^T
	if !reflect.DeepEqual(w.Grad().Data.([]float32), []float32{1, 2}) {
		t.Errorf("Unexpected gradient %v", w.Grad().Data)
	}
	if a.Grad() != nil {
		t.Error("Input without requiresGrad should not receive a gradient")
	}
}

func TestBackwardAccumulatesSharedLeaves(t *testing.T) {
	x, _ := FromFloat32([]int{1, 2}, []float32{1, -1})
	x.SetRequiresGrad(true)

	y, err := AddAutograd(x, x)
	if err != nil {
		t.Fatalf("AddAutograd failed: %v", err)
	}
	g, _ := FromFloat32([]int{1, 2}, []float32{1, 1})
	if err := Backward(y, g); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if !reflect.DeepEqual(x.Grad().Data.([]float32), []float32{2, 2}) {
		t.Errorf("Expected accumulated gradient [2 2], got %v", x.Grad().Data)
	}
}

func TestLinearLayerBackward(t *testing.T) {
	x, _ := FromFloat32([]int{2, 2}, []float32{1, 2, -3, 4})
	w, _ := FromFloat32([]int{2, 2}, []float32{1, 0, 0, 1})
	b, _ := FromFloat32([]int{2}, []float32{0.5, -0.5})
	w.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	h, err := MatMulAutograd(x, w)
	if err != nil {
		t.Fatalf("MatMulAutograd failed: %v", err)
	}
	h, err = BiasAddAutograd(h, b)
	if err != nil {
		t.Fatalf("BiasAddAutograd failed: %v", err)
	}
	h, err = ReLUAutograd(h)
	if err != nil {
		t.Fatalf("ReLUAutograd failed: %v", err)
	}

	// Rows after bias: [1.5 1.5] and [-2.5 3.5]; relu masks one entry.
	if !approxEqual(h.Data.([]float32), []float32{1.5, 1.5, 0, 3.5}, 1e-6) {
		t.Fatalf("Unexpected forward output %v", h.Data)
	}

	ones, _ := Ones(h.Shape, Float32, CPU)
	if err := Backward(h, ones); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if !approxEqual(b.Grad().Data.([]float32), []float32{1, 2}, 1e-6) {
		t.Errorf("Unexpected bias gradient %v", b.Grad().Data)
	}
	if !approxEqual(w.Grad().Data.([]float32), []float32{1, -2, 2, 6}, 1e-6) {
		t.Errorf("Unexpected weight gradient %v", w.Grad().Data)
	}
}

func TestConcatColsBackward(t *testing.T) {
	a, _ := FromFloat32([]int{2, 1}, []float32{1, 2})
	b, _ := FromFloat32([]int{2, 2}, []float32{3, 4, 5, 6})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	c, err := ConcatColsAutograd(a, b)
	if err != nil {
		t.Fatalf("ConcatColsAutograd failed: %v", err)
	}
	g, _ := FromFloat32([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	if err := Backward(c, g); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if !reflect.DeepEqual(a.Grad().Data.([]float32), []float32{1, 4}) {
		t.Errorf("Unexpected gradient for a: %v", a.Grad().Data)
	}
	if !reflect.DeepEqual(b.Grad().Data.([]float32), []float32{2, 3, 5, 6}) {
		t.Errorf("Unexpected gradient for b: %v", b.Grad().Data)
	}
}

func TestCastBackwardReturnsInputDType(t *testing.T) {
	w, _ := FromFloat32([]int{1, 2}, []float32{0.5, 0.25})
	w.SetRequiresGrad(true)

	half, err := CastAutograd(w, Float16)
	if err != nil {
		t.Fatalf("CastAutograd failed: %v", err)
	}
	if half.DType != Float16 {
		t.Fatalf("DType = %s, expected Float16", half.DType)
	}

	g, _ := FromFloat32([]int{1, 2}, []float32{1, 1})
	if err := Backward(half, g); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if w.Grad().DType != Float32 {
		t.Errorf("Gradient dtype = %s, expected Float32", w.Grad().DType)
	}
}

func TestBackwardRequiresGradient(t *testing.T) {
	a, _ := FromFloat32([]int{2}, []float32{1, 2})
	if err := Backward(a, nil); err == nil {
		t.Error("Expected error for tensor without requiresGrad")
	}

	a.SetRequiresGrad(true)
	if err := Backward(a, nil); err == nil {
		t.Error("Expected error for implicit gradient on non-scalar root")
	}
}

func TestMeanOfSquaresBackward(t *testing.T) {
	x, _ := FromFloat32([]int{2, 2}, []float32{1, 2, 3, 4})
	x.SetRequiresGrad(true)

	sq, err := PointwiseAutograd(x, func(_ int, v float32) (float32, float32) { return v * v, 2 * v })
	if err != nil {
		t.Fatalf("PointwiseAutograd failed: %v", err)
	}
	mean, err := MeanAutograd(sq)
	if err != nil {
		t.Fatalf("MeanAutograd failed: %v", err)
	}
	if v, _ := mean.Item(); v != 7.5 {
		t.Errorf("mean = %v, want 7.5", v)
	}
	if err := Backward(mean, nil); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	// d/dx mean(x^2) = 2x/4
	if !approxEqual(x.Grad().Data.([]float32), []float32{0.5, 1, 1.5, 2}, 1e-6) {
		t.Errorf("Unexpected gradient %v", x.Grad().Data)
	}
}
