package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-molgraph/tensor"
)

func TestRegressionMetrics(t *testing.T) {
	preds := []float64{1, 2, 3}
	targets := []float64{2, 2, 5}

	if got := MeanAbsoluteError(preds, targets); math.Abs(got-1) > 1e-12 {
		t.Errorf("MAE: expected 1, got %f", got)
	}
	if got := MeanSquaredError(preds, targets); math.Abs(got-5.0/3) > 1e-12 {
		t.Errorf("MSE: expected 5/3, got %f", got)
	}
	if got := RootMeanSquaredError(preds, targets); math.Abs(got-math.Sqrt(5.0/3)) > 1e-12 {
		t.Errorf("RMSE: expected sqrt(5/3), got %f", got)
	}
	if got := R2Score(targets, targets); math.Abs(got-1) > 1e-12 {
		t.Errorf("R2 of a perfect fit: expected 1, got %f", got)
	}
	if got := MeanAbsoluteError(nil, nil); !math.IsNaN(got) {
		t.Errorf("MAE of nothing: expected NaN, got %f", got)
	}
}

func TestCorrelationMetrics(t *testing.T) {
	x := []float64{1, 2, 3, 4}
	if got := PearsonR(x, []float64{3, 5, 7, 9}); math.Abs(got-1) > 1e-12 {
		t.Errorf("Pearson: expected 1, got %f", got)
	}
	if got := SpearmanR(x, []float64{1, 8, 27, 64}); math.Abs(got-1) > 1e-12 {
		t.Errorf("Spearman of a monotone map: expected 1, got %f", got)
	}
	if got := SpearmanR(x, []float64{4, 3, 2, 1}); math.Abs(got+1) > 1e-12 {
		t.Errorf("Spearman of a reversed order: expected -1, got %f", got)
	}
	r := ranks([]float64{10, 20, 20, 5})
	want := []float64{2, 3.5, 3.5, 1}
	for i := range want {
		if r[i] != want[i] {
			t.Errorf("rank %d: expected %f, got %f", i, want[i], r[i])
		}
	}
}

func TestAUROC(t *testing.T) {
	got := AUROC([]float64{0.1, 0.4, 0.35, 0.8}, []float64{0, 0, 1, 1})
	if math.Abs(got-0.75) > 1e-12 {
		t.Errorf("expected 0.75, got %f", got)
	}
	if got := AUROC([]float64{0.2, 0.9}, []float64{1, 1}); !math.IsNaN(got) {
		t.Errorf("expected NaN with a single class, got %f", got)
	}
}

func TestClassificationMetrics(t *testing.T) {
	preds := []float64{0.9, 0.7, 0.2, 0.1}
	targets := []float64{1, 0, 1, 0}
	for _, name := range []string{"accuracy", "precision", "recall", "f1"} {
		fn, err := MetricByName(name)
		if err != nil {
			t.Fatalf("MetricByName(%q) failed: %v", name, err)
		}
		if got := fn(preds, targets); math.Abs(got-0.5) > 1e-12 {
			t.Errorf("%s: expected 0.5, got %f", name, got)
		}
	}
	if _, err := MetricByName("logloss"); err == nil {
		t.Error("expected an error for an unknown metric")
	}
}

func TestConfusionMatrixMulticlass(t *testing.T) {
	cm := NewConfusionMatrix(3)
	cm.Add(0, 0)
	cm.Add(1, 1)
	cm.Add(2, 1)
	cm.Add(2, 2)
	if got := cm.Accuracy(); got != 0.75 {
		t.Errorf("expected accuracy 0.75, got %f", got)
	}
	// per class recall is 1, 1, 0.5
	if got := cm.Recall(); math.Abs(got-2.5/3) > 1e-12 {
		t.Errorf("expected macro recall 2.5/3, got %f", got)
	}
}

func metricTensors(t *testing.T, rows, cols int, preds, targets []float32) (*tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	p, err := tensor.FromFloat32([]int{rows, cols}, preds)
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}
	y, err := tensor.FromFloat32([]int{rows, cols}, targets)
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}
	return p, y
}

func TestMetricWrapperNaNMasks(t *testing.T) {
	nan32 := float32(math.NaN())
	p, y := metricTensors(t, 2, 2,
		[]float32{1, 2, 3, 4},
		[]float32{1, nan32, 5, 4})

	tests := []struct {
		mask any
		want float64
	}{
		{nil, math.NaN()},
		{"ignore-flatten", 2.0 / 3},
		{"ignore", 2.0 / 3},
		// column 0 has errors 0 and 2, column 1 only 0
		{"ignore-mean-per-label", 0.5},
		{0, 4.0 / 4},
		{"2", 2.0 / 4},
	}
	for _, tt := range tests {
		w, err := NewMetricWrapper("mae", "mae", tt.mask, nil)
		if err != nil {
			t.Fatalf("NewMetricWrapper(%v) failed: %v", tt.mask, err)
		}
		got, err := w.Compute(p, y)
		if err != nil {
			t.Fatalf("Compute(%v) failed: %v", tt.mask, err)
		}
		if math.IsNaN(tt.want) {
			if !math.IsNaN(got) {
				t.Errorf("mask %v: expected NaN, got %f", tt.mask, got)
			}
			continue
		}
		if math.Abs(got-tt.want) > 1e-6 {
			t.Errorf("mask %v: expected %f, got %f", tt.mask, tt.want, got)
		}
	}

	if _, err := NewMetricWrapper("mae", "mae", "drop", nil); err == nil {
		t.Error("expected an error for an unknown nan mask")
	}
}

func TestMetricWrapperThreshold(t *testing.T) {
	p, y := metricTensors(t, 4, 1,
		[]float32{0.2, 0.8, 0.6, 0.3},
		[]float32{0, 1, 1, 1})
	w, err := NewMetricWrapper("acc", "accuracy", nil, &ThresholdConfig{Operator: "greater", Threshold: 0.5, OnPreds: true})
	if err != nil {
		t.Fatalf("NewMetricWrapper failed: %v", err)
	}
	got, err := w.Compute(p, y)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if got != 0.75 {
		t.Errorf("expected accuracy 0.75, got %f", got)
	}
}
