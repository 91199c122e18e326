package training

import (
	"math"
	"testing"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.1)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{4, 0.001},
	}
	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(4, 0)
	if lr := scheduler.GetLR(0, 0, 1); math.Abs(lr-1) > 1e-9 {
		t.Errorf("expected 1 at epoch 0, got %f", lr)
	}
	if lr := scheduler.GetLR(2, 0, 1); math.Abs(lr-0.5) > 1e-9 {
		t.Errorf("expected 0.5 halfway, got %f", lr)
	}
	if lr := scheduler.GetLR(10, 0, 1); lr != 0 {
		t.Errorf("expected eta_min past t_max, got %f", lr)
	}
}

func TestWarmUpLinearLRScheduler(t *testing.T) {
	scheduler := NewWarmUpLinearLRScheduler(3, 7, 0)
	tests := []struct {
		epoch int
		want  float64
	}{
		{0, 0.25},
		{2, 0.75},
		{3, 1},
		{5, 0.5},
		{7, 0},
		{9, 0},
	}
	for _, tt := range tests {
		if lr := scheduler.GetLR(tt.epoch, 0, 1); math.Abs(lr-tt.want) > 1e-9 {
			t.Errorf("Epoch %d: expected %f, got %f", tt.epoch, tt.want, lr)
		}
	}
}

func TestReduceLROnPlateau(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.5, 2, 0.01, "min")
	if scheduler.Monitor() != "loss/val" {
		t.Errorf("expected loss/val monitor, got %s", scheduler.Monitor())
	}

	lr := scheduler.Step(1.0, 0.1)
	lr = scheduler.Step(0.9, lr)
	if lr != 0.1 {
		t.Fatalf("LR reduced while improving: %f", lr)
	}
	lr = scheduler.Step(0.9, lr)
	lr = scheduler.Step(0.895, lr)
	if math.Abs(lr-0.05) > 1e-12 {
		t.Errorf("expected LR 0.05 after two flat epochs, got %f", lr)
	}
	if got := scheduler.GetLR(0, 0, 1); got != lr {
		t.Errorf("GetLR should report the reduced LR, got %f", got)
	}
}

func TestNewScheduler(t *testing.T) {
	tests := map[string]string{
		"":                  "ConstantLR",
		"step":              "StepLR",
		"exponential":       "ExponentialLR",
		"cosine":            "CosineAnnealingLR",
		"warmup_linear":     "WarmUpLinearLR",
		"ReduceLROnPlateau": "ReduceLROnPlateau",
	}
	for name, want := range tests {
		s, err := NewScheduler(SchedulerConfig{Name: name})
		if err != nil {
			t.Fatalf("NewScheduler(%q) failed: %v", name, err)
		}
		if s.GetName() != want {
			t.Errorf("NewScheduler(%q): expected %s, got %s", name, want, s.GetName())
		}
	}

	s, err := NewScheduler(SchedulerConfig{Name: "reduce_on_plateau", Monitor: "mae/val"})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	if p, ok := s.(PlateauScheduler); !ok || p.Monitor() != "mae/val" {
		t.Errorf("expected a plateau scheduler monitoring mae/val, got %T", s)
	}

	if _, err := NewScheduler(SchedulerConfig{Name: "cyclic"}); err == nil {
		t.Error("expected an error for an unknown scheduler")
	}
}
