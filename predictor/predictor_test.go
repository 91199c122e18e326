package predictor

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/nn"
	"github.com/tsawler/go-molgraph/tensor"
	"github.com/tsawler/go-molgraph/training"
)

func smallKwargs() nn.ModelKwargs {
	return nn.ModelKwargs{
		GNN:       config.Tree{"in_dim": 2, "out_dim": 4, "hidden_dims": []any{4}},
		TaskHeads: map[string]config.Tree{"y": {"out_dim": 1}},
	}
}

func pathGraph(t *testing.T, nodes int, label float32) *graphdata.Graph {
	t.Helper()
	feat := make([]float32, nodes*2)
	for i := range feat {
		feat[i] = float32(i%3) / 2
	}
	featT, err := tensor.FromFloat32([]int{nodes, 2}, feat)
	require.NoError(t, err)
	var src, dst []int32
	for i := 0; i+1 < nodes; i++ {
		src = append(src, int32(i), int32(i+1))
		dst = append(dst, int32(i+1), int32(i))
	}
	ei, err := tensor.FromInt32([]int{2, len(src)}, append(src, dst...))
	require.NoError(t, err)
	return &graphdata.Graph{Feat: featT, EdgeIndex: ei, Labels: map[string][]float32{"y": {label}}}
}

func testLoader(t *testing.T) *training.DataLoader {
	t.Helper()
	ds := training.NewSliceDataset([]*graphdata.Graph{
		pathGraph(t, 3, 1),
		pathGraph(t, 2, 2),
		pathGraph(t, 4, 0.5),
		pathGraph(t, 3, 1.5),
	})
	dl, err := training.NewDataLoader(ds, training.DataLoaderConfig{BatchSize: 2, TaskDims: map[string]int{"y": 1}})
	require.NoError(t, err)
	return dl
}

func firstBatch(t *testing.T) *training.Batch {
	t.Helper()
	dl := testLoader(t)
	b, err := dl.Next()
	require.NoError(t, err)
	require.NotNil(t, b)
	return b
}

// scaleNorm trains on labels divided by factor.
type scaleNorm struct{ factor float32 }

func (s scaleNorm) apply(t *tensor.Tensor, f float32) (*tensor.Tensor, error) {
	values, err := t.Float32Values()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = v * f
	}
	return tensor.FromFloat32(t.Shape, out)
}

func (s scaleNorm) Normalize(t *tensor.Tensor) (*tensor.Tensor, error)   { return s.apply(t, 1/s.factor) }
func (s scaleNorm) Denormalize(t *tensor.Tensor) (*tensor.Tensor, error) { return s.apply(t, s.factor) }

func newTestPredictor(t *testing.T, cfg Config, metrics Metrics, norms map[string]TaskNorm) *Predictor {
	t.Helper()
	p, err := New(nn.FullGraphMultiTaskNetworkClass, smallKwargs(), metrics, norms, cfg)
	require.NoError(t, err)
	return p
}

func TestDecodeConfig(t *testing.T) {
	tree, err := config.Parse([]byte(`
loss_fun:
  y: l1
random_seed: 7
optim_kwargs:
  name: sgd
  lr: 0.01
torch_scheduler_kwargs:
  module_type: ReduceLROnPlateau
  factor: 0.5
scheduler_kwargs:
  monitor: loss/val
  mode: min
metrics_on_training_set: [mae]
`))
	require.NoError(t, err)

	cfg, err := DecodeConfig(tree)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"y": "l1"}, cfg.LossFun)
	require.Equal(t, int64(7), cfg.RandomSeed)
	require.Equal(t, "sgd", cfg.OptimKwargs.Name)
	require.Equal(t, "ReduceLROnPlateau", cfg.SchedulerKwargs.ModuleType)
	require.Equal(t, []string{"mae"}, cfg.MetricsOnTrainingSet)

	empty, err := DecodeConfig(nil)
	require.NoError(t, err)
	require.Nil(t, empty.LossFun)
}

func TestNewRejectsBadLoss(t *testing.T) {
	_, err := New(nn.FullGraphMultiTaskNetworkClass, smallKwargs(), nil, nil, Config{LossFun: "hinge"})
	require.Error(t, err)

	_, err = New(nn.FullGraphMultiTaskNetworkClass, smallKwargs(), nil, nil, Config{LossFun: 3})
	require.Error(t, err)
}

func TestTrainingStep(t *testing.T) {
	p := newTestPredictor(t, Config{LossFun: "mse"}, nil, nil)
	b := firstBatch(t)

	out, err := p.TrainingStep(b)
	require.NoError(t, err)
	require.NotNil(t, out.Loss)
	require.Equal(t, []int{2, 1}, out.Preds["y"].Shape)
	require.Equal(t, 2, out.NumGraphs)
	require.False(t, math.IsNaN(out.LossValue()))
	require.Same(t, b.Labels["y"], out.Targets["y"])
}

func TestTrainingStepRequiresLabels(t *testing.T) {
	p := newTestPredictor(t, Config{}, nil, nil)
	b := firstBatch(t)
	b.Labels = nil

	_, err := p.TrainingStep(b)
	require.Error(t, err)

	out, err := p.PredictStep(b)
	require.NoError(t, err)
	require.Nil(t, out.Loss)
	require.Contains(t, out.Preds, "y")
}

func TestPredictionsAreDenormalized(t *testing.T) {
	p := newTestPredictor(t, Config{}, nil, map[string]TaskNorm{"y": scaleNorm{factor: 10}})
	b := firstBatch(t)

	raw, err := p.Model().Forward(b.Features, false)
	require.NoError(t, err)
	rawValues, err := raw["y"].Float32Values()
	require.NoError(t, err)

	out, err := p.PredictStep(b)
	require.NoError(t, err)
	got, err := out.Preds["y"].Float32Values()
	require.NoError(t, err)
	for i := range rawValues {
		require.InDelta(t, rawValues[i]*10, got[i], 1e-4)
	}
}

func TestEpochEndMetrics(t *testing.T) {
	mae, err := training.NewMetricWrapper("mae", "mae", nil, nil)
	require.NoError(t, err)
	p := newTestPredictor(t, Config{MetricsOnTrainingSet: []string{}}, Metrics{"y": {mae}}, nil)
	dl := testLoader(t)

	var outputs []*training.StepOutput
	for dl.HasNext() {
		b, err := dl.Next()
		require.NoError(t, err)
		out, err := p.ValidationStep(b)
		require.NoError(t, err)
		outputs = append(outputs, out)
	}

	val, err := p.EpochEnd(training.StageValidate, outputs)
	require.NoError(t, err)
	require.Contains(t, val, "loss/val")
	require.Contains(t, val, "y/mae/val")
	require.GreaterOrEqual(t, val["y/mae/val"], 0.0)

	train, err := p.EpochEnd(training.StageTrain, outputs)
	require.NoError(t, err)
	require.Contains(t, train, "loss/train")
	require.NotContains(t, train, "y/mae/train")
	require.InDelta(t, 1e-3, train["lr"], 1e-12)
}

func TestSchedulerAdvancesPerEpoch(t *testing.T) {
	cfg := Config{
		OptimKwargs:     training.OptimizerConfig{Name: "sgd", LR: 0.1},
		SchedulerKwargs: training.SchedulerConfig{Name: "step", StepSize: 1, Gamma: 0.5},
	}
	p := newTestPredictor(t, cfg, nil, nil)
	require.InDelta(t, 0.1, p.Optimizer().GetLR(), 1e-12)

	metrics, err := p.EpochEnd(training.StageTrain, nil)
	require.NoError(t, err)
	require.InDelta(t, 0.05, metrics["lr"], 1e-12)
}

func TestPlateauSchedulerFollowsValidation(t *testing.T) {
	cfg := Config{
		OptimKwargs:     training.OptimizerConfig{Name: "sgd", LR: 0.1},
		SchedulerKwargs: training.SchedulerConfig{ModuleType: "ReduceLROnPlateau", Factor: 0.5, Patience: 1},
		PlateauKwargs:   PlateauConfig{Monitor: "loss/val"},
	}
	p := newTestPredictor(t, cfg, nil, nil)
	loss, err := tensor.Full([]int{1}, float32(2), tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	outputs := []*training.StepOutput{{Loss: loss}}

	_, err = p.EpochEnd(training.StageValidate, outputs)
	require.NoError(t, err)
	_, err = p.EpochEnd(training.StageValidate, outputs)
	require.NoError(t, err)
	require.InDelta(t, 0.05, p.Optimizer().GetLR(), 1e-12)
}

func TestFitWithTrainer(t *testing.T) {
	cfg := Config{OptimKwargs: training.OptimizerConfig{Name: "adam", LR: 0.01}}
	p := newTestPredictor(t, cfg, nil, nil)
	trainer, err := training.NewTrainer(training.TrainerConfig{MaxEpochs: 5, DetectAnomaly: true}, training.Options{})
	require.NoError(t, err)

	require.NoError(t, trainer.Fit(context.Background(), p, testLoader(t), testLoader(t)))
	history := trainer.History()
	require.Len(t, history, 5)
	require.Less(t, history[4]["loss/train"], history[0]["loss/train"])

	preds, err := trainer.Predict(context.Background(), p, testLoader(t))
	require.NoError(t, err)
	require.Equal(t, []int{4, 1}, preds["y"].Shape)
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, ext := range []string{"ckpt", "json"} {
		t.Run(ext, func(t *testing.T) {
			cfg := Config{
				LossFun:     "l1",
				RandomSeed:  3,
				OptimKwargs: training.OptimizerConfig{Name: "sgd", LR: 0.02},
			}
			p := newTestPredictor(t, cfg, nil, nil)
			b := firstBatch(t)
			out, err := p.TrainingStep(b)
			require.NoError(t, err)
			require.NoError(t, tensor.Backward(out.Loss, nil))
			require.NoError(t, p.OptimizerStep())

			path := filepath.Join(t.TempDir(), "model."+ext)
			state := training.State{Epoch: 2, GlobalStep: 9, Metrics: map[string]float64{"loss/val": 0.5}}
			require.NoError(t, p.SaveCheckpoint(path, state))

			loaded, err := LoadFromCheckpoint(path, nil, nil)
			require.NoError(t, err)
			require.Equal(t, "l1", loaded.Config().LossFun)
			require.Equal(t, int64(3), loaded.Config().RandomSeed)
			require.Equal(t, []string{"y"}, loaded.Tasks())
			require.InDelta(t, 0.02, loaded.Optimizer().GetLR(), 1e-12)

			want, err := p.PredictStep(b)
			require.NoError(t, err)
			got, err := loaded.PredictStep(b)
			require.NoError(t, err)
			wantValues, err := want.Preds["y"].Float32Values()
			require.NoError(t, err)
			gotValues, err := got.Preds["y"].Float32Values()
			require.NoError(t, err)
			require.Equal(t, wantValues, gotValues)
		})
	}
}
