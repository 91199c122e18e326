package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-molgraph/layers"
	"github.com/tsawler/go-molgraph/tensor"
)

// paramWithGrad returns a parameter holding values whose gradient is grad.
func paramWithGrad(t *testing.T, values, grad []float32) *layers.Parameter {
	t.Helper()
	v, err := tensor.FromFloat32([]int{len(values)}, values)
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}
	v.SetRequiresGrad(true)
	out, err := tensor.PointwiseAutograd(v, func(i int, x float32) (float32, float32) { return x, grad[i] })
	if err != nil {
		t.Fatalf("PointwiseAutograd failed: %v", err)
	}
	sum, err := tensor.SumAutograd(out)
	if err != nil {
		t.Fatalf("SumAutograd failed: %v", err)
	}
	if err := tensor.Backward(sum, nil); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	return &layers.Parameter{Name: "w", Value: v}
}

func TestSGDStep(t *testing.T) {
	p := paramWithGrad(t, []float32{1, 2}, []float32{0.5, -1})
	sgd := NewSGD([]*layers.Parameter{p}, 0.1, 0, 0)
	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	got, _ := p.Value.GetFloat32Data()
	want := []float32{0.95, 2.1}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("value %d: expected %f, got %f", i, want[i], got[i])
		}
	}

	sgd.ZeroGrad()
	if p.Value.Grad() != nil {
		t.Error("expected ZeroGrad to drop the gradient")
	}
	// Without a gradient the parameter is left alone.
	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if math.Abs(float64(got[0]-want[0])) > 1e-6 {
		t.Errorf("parameter changed without gradient: %f", got[0])
	}
}

func TestAdamFirstStepMovesByLR(t *testing.T) {
	p := paramWithGrad(t, []float32{0, 0}, []float32{3, -0.2})
	adam := NewAdam([]*layers.Parameter{p}, 0.01, 0, 0, 0, 0)
	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	got, _ := p.Value.GetFloat32Data()
	// After bias correction the first update is lr * sign(grad).
	if math.Abs(float64(got[0])+0.01) > 1e-5 || math.Abs(float64(got[1])-0.01) > 1e-5 {
		t.Errorf("expected [-0.01 0.01], got %v", got)
	}
}

func TestAdamScalesByWidthMult(t *testing.T) {
	base := paramWithGrad(t, []float32{0}, []float32{1})
	wide := paramWithGrad(t, []float32{0}, []float32{1})
	wide.WidthMult = 4
	adam := NewAdam([]*layers.Parameter{base, wide}, 0.1, 0, 0, 0, 0)
	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	b, _ := base.Value.GetFloat32Data()
	w, _ := wide.Value.GetFloat32Data()
	if math.Abs(float64(b[0]/w[0])-4) > 1e-4 {
		t.Errorf("expected the widened update to be 4x smaller, got %f and %f", b[0], w[0])
	}
}

func TestNewOptimizer(t *testing.T) {
	opt, err := NewOptimizer(nil, OptimizerConfig{})
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	if _, ok := opt.(*Adam); !ok {
		t.Errorf("expected adam by default, got %T", opt)
	}
	if opt.GetLR() != 1e-3 {
		t.Errorf("expected default lr 1e-3, got %g", opt.GetLR())
	}
	opt.SetLR(0.5)
	if opt.GetLR() != 0.5 {
		t.Errorf("SetLR not applied, got %g", opt.GetLR())
	}

	opt, err = NewOptimizer(nil, OptimizerConfig{Name: "SGD", LR: 0.1})
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	if _, ok := opt.(*SGD); !ok {
		t.Errorf("expected SGD, got %T", opt)
	}

	if _, err := NewOptimizer(nil, OptimizerConfig{Name: "lamb"}); err == nil {
		t.Error("expected an error for an unknown optimizer")
	}
}
