package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tsawler/go-molgraph/layers"
	"github.com/tsawler/go-molgraph/tensor"
)

func testParams(t *testing.T) []*layers.Parameter {
	t.Helper()
	w, err := tensor.FromFloat32([]int{2, 3}, []float32{0.1, -0.2, 0.3, 1e-7, 5, -6.25})
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}
	b, err := tensor.FromFloat32([]int{3}, []float32{1, 2, 3})
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}
	return []*layers.Parameter{
		{Name: "gnn.dense1.weight", Value: w, WidthMult: 2},
		{Name: "gnn.dense1.bias", Value: b, WidthMult: 1},
	}
}

func testCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	weights, err := ExtractWeights(testParams(t))
	if err != nil {
		t.Fatalf("ExtractWeights failed: %v", err)
	}
	return &Checkpoint{
		ClassName: "FullGraphMultiTaskNetwork",
		Hyperparameters: map[string]any{
			"model_kwargs": map[string]any{"gnn": map[string]any{"out_dim": 8, "activation": "relu"}},
		},
		Weights: weights,
		TrainingState: TrainingState{
			Epoch:        4,
			Step:         120,
			LearningRate: 0.001,
			Metrics:      map[string]float64{"loss/val": 0.25, "auroc/val": math.NaN()},
		},
		OptimizerState: &OptimizerState{Type: "adam", Parameters: map[string]float64{"lr": 0.001}},
		Metadata: Metadata{
			CreatedAt: time.Date(2024, 5, 1, 12, 30, 0, 123456789, time.UTC),
			Tags:      []string{"test"},
		},
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, ext := range []string{".ckpt", ".json"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model"+ext)
			if err := Save(path, testCheckpoint(t)); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if loaded.ClassName != "FullGraphMultiTaskNetwork" {
				t.Errorf("unexpected class %q", loaded.ClassName)
			}
			if loaded.Metadata.Framework != framework || loaded.Metadata.Version != formatVersion {
				t.Errorf("metadata not filled: %+v", loaded.Metadata)
			}
			want := time.Date(2024, 5, 1, 12, 30, 0, 123456789, time.UTC)
			if !loaded.Metadata.CreatedAt.Equal(want) {
				t.Errorf("expected created_at %v, got %v", want, loaded.Metadata.CreatedAt)
			}
			if loaded.TrainingState.Epoch != 4 || loaded.TrainingState.Step != 120 {
				t.Errorf("unexpected training state %+v", loaded.TrainingState)
			}
			if _, ok := loaded.TrainingState.Metrics["auroc/val"]; ok {
				t.Error("expected the NaN metric to be dropped")
			}
			if loaded.OptimizerState == nil || loaded.OptimizerState.Type != "adam" {
				t.Errorf("optimizer state lost: %+v", loaded.OptimizerState)
			}
			gnn := loaded.Hyperparameters["model_kwargs"].(map[string]any)["gnn"].(map[string]any)
			if gnn["activation"] != "relu" {
				t.Errorf("hyperparameters lost: %v", loaded.Hyperparameters)
			}

			params := testParams(t)
			for _, p := range params {
				zero := make([]float32, p.Value.NumElems)
				if err := p.Value.SetData(zero); err != nil {
					t.Fatalf("SetData failed: %v", err)
				}
				p.WidthMult = 0
			}
			if err := LoadWeights(loaded.Weights, params); err != nil {
				t.Fatalf("LoadWeights failed: %v", err)
			}
			original := testParams(t)
			for i, p := range params {
				got, _ := p.Value.GetFloat32Data()
				exp, _ := original[i].Value.GetFloat32Data()
				for j := range exp {
					if got[j] != exp[j] {
						t.Errorf("%s[%d]: expected %g, got %g", p.Name, j, exp[j], got[j])
					}
				}
				if p.WidthMult != original[i].WidthMult {
					t.Errorf("%s: expected width mult %v, got %v", p.Name, original[i].WidthMult, p.WidthMult)
				}
			}
		})
	}
}

func TestLoadWeightsRejectsMismatch(t *testing.T) {
	weights, _ := ExtractWeights(testParams(t))

	if err := LoadWeights(weights[:1], testParams(t)); err == nil {
		t.Error("expected a count mismatch error")
	}

	bad := append([]WeightTensor(nil), weights...)
	bad[0].Shape = []int{3, 2}
	if err := LoadWeights(bad, testParams(t)); err == nil {
		t.Error("expected a shape mismatch error")
	}

	renamed := append([]WeightTensor(nil), weights...)
	renamed[1].Name = "other"
	if err := LoadWeights(renamed, testParams(t)); err == nil {
		t.Error("expected a missing weight error")
	}
}

func TestLoadWeightsIntoFloat16(t *testing.T) {
	weights, _ := ExtractWeights(testParams(t))
	params := testParams(t)
	for _, p := range params {
		h, err := p.Value.ToFloat16()
		if err != nil {
			t.Fatalf("ToFloat16 failed: %v", err)
		}
		p.Value = h
	}
	if err := LoadWeights(weights, params); err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}
	if params[0].Value.DType != tensor.Float16 {
		t.Errorf("expected the parameter to stay Float16, got %s", params[0].Value.DType)
	}
	v, _ := params[0].Value.Float32Values()
	if math.Abs(float64(v[4])-5) > 1e-3 {
		t.Errorf("expected 5, got %f", v[4])
	}
}

func TestFormatForPath(t *testing.T) {
	tests := map[string]Format{
		"a/model.ckpt": FormatProto,
		"model.CKPT":   FormatProto,
		"model.json":   FormatJSON,
	}
	for path, want := range tests {
		got, err := FormatForPath(path)
		if err != nil || got != want {
			t.Errorf("FormatForPath(%q) = %v, %v; want %v", path, got, err, want)
		}
	}
	if _, err := FormatForPath("model.pt"); err == nil {
		t.Error("expected an error for an unknown extension")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.ckpt")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestLoadRejectsCorruptProto(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ckpt")
	if err := os.WriteFile(path, []byte{0xff, 0xff, 0xff}, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected a decode error")
	}
}
