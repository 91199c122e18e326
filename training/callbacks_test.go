package training

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestEarlyStoppingMaxMode(t *testing.T) {
	es, err := NewEarlyStopping(EarlyStoppingConfig{Monitor: "auroc/val", Mode: "max", Patience: 1, MinDelta: 0.01})
	if err != nil {
		t.Fatalf("NewEarlyStopping failed: %v", err)
	}
	values := []float64{0.6, 0.7, 0.705}
	state := &State{}
	for epoch, v := range values {
		state.Epoch = epoch
		state.Metrics = map[string]float64{"auroc/val": v}
		if err := es.OnEpochEnd(state, nil); err != nil {
			t.Fatalf("OnEpochEnd failed: %v", err)
		}
	}
	if !state.ShouldStop || es.StoppedEpoch() != 2 {
		t.Errorf("expected a stop at epoch 2, got %v at %d", state.ShouldStop, es.StoppedEpoch())
	}
}

func TestEarlyStoppingMissingMonitor(t *testing.T) {
	es, _ := NewEarlyStopping(EarlyStoppingConfig{})
	state := &State{Metrics: map[string]float64{"loss/train": 1}}
	if err := es.OnEpochEnd(state, nil); err == nil {
		t.Error("expected an error for a missing monitor in strict mode")
	}

	lenient := false
	es, _ = NewEarlyStopping(EarlyStoppingConfig{Strict: &lenient})
	if err := es.OnEpochEnd(state, nil); err != nil {
		t.Errorf("expected no error when not strict, got %v", err)
	}
	if state.ShouldStop {
		t.Error("expected training to continue")
	}
}

func TestEarlyStoppingNonFinite(t *testing.T) {
	es, _ := NewEarlyStopping(EarlyStoppingConfig{Patience: 5})
	state := &State{Epoch: 1, Metrics: map[string]float64{"loss/val": math.NaN()}}
	if err := es.OnEpochEnd(state, nil); err != nil {
		t.Fatalf("OnEpochEnd failed: %v", err)
	}
	if !state.ShouldStop {
		t.Error("expected a non-finite metric to stop training")
	}
}

func TestNewEarlyStoppingValidates(t *testing.T) {
	if _, err := NewEarlyStopping(EarlyStoppingConfig{Mode: "up"}); err == nil {
		t.Error("expected an error for an unknown mode")
	}
	if _, err := NewEarlyStopping(EarlyStoppingConfig{Patience: -1}); err == nil {
		t.Error("expected an error for negative patience")
	}
}

func TestModelCheckpointKeepsTopK(t *testing.T) {
	dir := t.TempDir()
	ckpt, err := NewModelCheckpoint(CheckpointConfig{SaveDirectory: dir, Monitor: "loss/val", MaxCheckpoints: 2})
	if err != nil {
		t.Fatalf("NewModelCheckpoint failed: %v", err)
	}
	module := newQuadraticModule(t, 0)
	losses := []float64{3, 1, 2, 0.5}
	for epoch, l := range losses {
		state := &State{Epoch: epoch, GlobalStep: epoch * 10, Metrics: map[string]float64{"loss/val": l}}
		if err := ckpt.OnEpochEnd(state, module); err != nil {
			t.Fatalf("OnEpochEnd failed: %v", err)
		}
	}

	best := filepath.Join(dir, "model-epoch=3-step=30.ckpt")
	if ckpt.BestModelPath() != best {
		t.Errorf("expected best %s, got %s", best, ckpt.BestModelPath())
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 checkpoints on disk, got %d", len(entries))
	}
	if _, err := os.Stat(filepath.Join(dir, "model-epoch=1-step=10.ckpt")); err != nil {
		t.Errorf("expected the second best checkpoint to remain: %v", err)
	}
}

func TestModelCheckpointWithoutMonitorKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	ckpt, err := NewModelCheckpoint(CheckpointConfig{SaveDirectory: dir, FilenamePattern: "e{epoch}", Extension: ".json", SaveLast: true})
	if err != nil {
		t.Fatalf("NewModelCheckpoint failed: %v", err)
	}
	module := newQuadraticModule(t, 0)
	for epoch := 0; epoch < 3; epoch++ {
		if err := ckpt.OnEpochEnd(&State{Epoch: epoch}, module); err != nil {
			t.Fatalf("OnEpochEnd failed: %v", err)
		}
	}
	if got := ckpt.BestModelPath(); got != filepath.Join(dir, "e2.json") {
		t.Errorf("expected the newest checkpoint, got %s", got)
	}
	if got := ckpt.LastModelPath(); got != filepath.Join(dir, "last.json") {
		t.Errorf("unexpected last path %s", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "e0.json")); !os.IsNotExist(err) {
		t.Errorf("expected e0.json to be removed, got %v", err)
	}
}

func TestModelCheckpointRequiresCheckpointer(t *testing.T) {
	ckpt, _ := NewModelCheckpoint(CheckpointConfig{SaveDirectory: t.TempDir()})
	if err := ckpt.OnEpochEnd(&State{}, nil); err == nil {
		t.Error("expected an error for a module without SaveCheckpoint")
	}
	if _, err := NewModelCheckpoint(CheckpointConfig{Mode: "best"}); err == nil {
		t.Error("expected an error for an unknown mode")
	}
}
