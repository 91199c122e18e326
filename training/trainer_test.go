package training

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"testing"

	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/layers"
	"github.com/tsawler/go-molgraph/tensor"
)

// quadraticModule predicts w for every graph and is trained towards the
// label with a mean squared error.
type quadraticModule struct {
	w         *layers.Parameter
	opt       Optimizer
	optSteps  int
	saved     []string
	batchEnds int
}

func newQuadraticModule(t *testing.T, lr float64) *quadraticModule {
	t.Helper()
	w, err := tensor.FromFloat32([]int{1}, []float32{0})
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}
	w.SetRequiresGrad(true)
	p := &layers.Parameter{Name: "w", Value: w}
	return &quadraticModule{
		w:   p,
		opt: NewSGD([]*layers.Parameter{p}, lr, 0, 0),
	}
}

func (m *quadraticModule) step(batch *Batch) (*StepOutput, error) {
	n := batch.Features.NumGraphs()
	w, err := m.w.Value.Item()
	if err != nil {
		return nil, err
	}
	values := make([]float32, n)
	for i := range values {
		values[i] = w
	}
	preds, err := tensor.FromFloat32([]int{n, 1}, values)
	if err != nil {
		return nil, err
	}
	target := batch.Labels["y"]
	loss, err := m.lossFor(target)
	if err != nil {
		return nil, err
	}
	return &StepOutput{
		Loss:      loss,
		Preds:     map[string]*tensor.Tensor{"y": preds},
		Targets:   map[string]*tensor.Tensor{"y": target},
		NumGraphs: n,
	}, nil
}

// lossFor is the mean of (w - y)^2 over the batch labels, differentiable
// in w.
func (m *quadraticModule) lossFor(target *tensor.Tensor) (*tensor.Tensor, error) {
	labels, err := target.Float32Values()
	if err != nil {
		return nil, err
	}
	elems, err := tensor.PointwiseAutograd(m.w.Value, func(i int, x float32) (float32, float32) {
		var y, dy float32
		for _, l := range labels {
			d := x - l
			y += d * d
			dy += 2 * d
		}
		n := float32(len(labels))
		return y / n, dy / n
	})
	if err != nil {
		return nil, err
	}
	return tensor.SumAutograd(elems)
}

func (m *quadraticModule) TrainingStep(b *Batch) (*StepOutput, error)   { return m.step(b) }
func (m *quadraticModule) ValidationStep(b *Batch) (*StepOutput, error) { return m.step(b) }
func (m *quadraticModule) TestStep(b *Batch) (*StepOutput, error)       { return m.step(b) }
func (m *quadraticModule) PredictStep(b *Batch) (*StepOutput, error)    { return m.step(b) }

func (m *quadraticModule) OnTrainBatchEnd(out *StepOutput) error {
	m.batchEnds++
	return nil
}

func (m *quadraticModule) OptimizerStep() error {
	m.optSteps++
	if err := m.opt.Step(); err != nil {
		return err
	}
	m.opt.ZeroGrad()
	return nil
}

func (m *quadraticModule) EpochEnd(stage Stage, outputs []*StepOutput) (map[string]float64, error) {
	var sum float64
	for _, o := range outputs {
		sum += o.LossValue()
	}
	return map[string]float64{"loss/" + stage.String(): sum / float64(len(outputs))}, nil
}

func (m *quadraticModule) Parameters() []*layers.Parameter { return []*layers.Parameter{m.w} }

func (m *quadraticModule) SaveCheckpoint(path string, state State) error {
	m.saved = append(m.saved, path)
	return os.WriteFile(path, []byte("w"), 0644)
}

func constantLoader(t *testing.T, graphs, batchSize int, label float32) *DataLoader {
	t.Helper()
	gs := make([]*graphdata.Graph, graphs)
	for i := range gs {
		gs[i] = chainGraph(t, 2, label)
	}
	dl, err := NewDataLoader(NewSliceDataset(gs), DataLoaderConfig{BatchSize: batchSize, TaskDims: map[string]int{"y": 1}})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	return dl
}

type recordingLogger struct {
	steps    []int
	metrics  []map[string]float64
	finished string
	failWith error
}

func (l *recordingLogger) LogMetrics(step int, metrics map[string]float64) error {
	l.steps = append(l.steps, step)
	l.metrics = append(l.metrics, metrics)
	return l.failWith
}

func (l *recordingLogger) Finish(status string) error {
	l.finished = status
	return nil
}

func TestTrainerFitConverges(t *testing.T) {
	module := newQuadraticModule(t, 0.2)
	logger := &recordingLogger{}
	trainer, err := NewTrainer(TrainerConfig{MaxEpochs: 20}, Options{Logger: logger})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	train := constantLoader(t, 4, 2, 3)
	val := constantLoader(t, 2, 2, 3)
	if err := trainer.Fit(context.Background(), module, train, val); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	w, _ := module.w.Value.Item()
	if math.Abs(float64(w)-3) > 1e-2 {
		t.Errorf("expected w to converge to 3, got %f", w)
	}
	if module.optSteps != 40 {
		t.Errorf("expected 40 optimizer steps, got %d", module.optSteps)
	}
	if module.batchEnds != 40 {
		t.Errorf("expected 40 batch end hooks, got %d", module.batchEnds)
	}
	if trainer.State().GlobalStep != 40 {
		t.Errorf("expected global step 40, got %d", trainer.State().GlobalStep)
	}
	history := trainer.History()
	if len(history) != 20 {
		t.Fatalf("expected 20 epochs of history, got %d", len(history))
	}
	if _, ok := history[0]["loss/val"]; !ok {
		t.Errorf("expected loss/val in the epoch metrics, got %v", history[0])
	}
	if logger.finished != "finished" {
		t.Errorf("expected the logger to be finished, got %q", logger.finished)
	}
}

func TestTrainerAccumulatesGradients(t *testing.T) {
	module := newQuadraticModule(t, 0.1)
	trainer, err := NewTrainer(TrainerConfig{MaxEpochs: 1, AccumulateGradBatches: 2}, Options{})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	// five batches: two full accumulation windows plus one flushed at the end
	if err := trainer.Fit(context.Background(), module, constantLoader(t, 5, 1, 1), nil); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if module.optSteps != 3 {
		t.Errorf("expected 3 optimizer steps, got %d", module.optSteps)
	}

	// The first window averages two gradients of -2 at w=0.
	module = newQuadraticModule(t, 0.1)
	trainer, _ = NewTrainer(TrainerConfig{MaxEpochs: 1, AccumulateGradBatches: 2}, Options{})
	if err := trainer.Fit(context.Background(), module, constantLoader(t, 2, 1, 1), nil); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	w, _ := module.w.Value.Item()
	if math.Abs(float64(w)-0.2) > 1e-6 {
		t.Errorf("expected w=0.2 after one averaged step, got %f", w)
	}
}

func TestTrainerEarlyStoppingAndCheckpoint(t *testing.T) {
	module := newQuadraticModule(t, 0)
	es, err := NewEarlyStopping(EarlyStoppingConfig{Patience: 2})
	if err != nil {
		t.Fatalf("NewEarlyStopping failed: %v", err)
	}
	ckpt, err := NewModelCheckpoint(CheckpointConfig{SaveDirectory: t.TempDir(), Monitor: "loss/val", SaveLast: true})
	if err != nil {
		t.Fatalf("NewModelCheckpoint failed: %v", err)
	}
	trainer, err := NewTrainer(TrainerConfig{MaxEpochs: 10}, Options{Callbacks: []Callback{ckpt, es}})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	// lr 0 keeps the validation loss flat, so training stops after patience
	if err := trainer.Fit(context.Background(), module, constantLoader(t, 2, 2, 1), constantLoader(t, 2, 2, 1)); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if got := len(trainer.History()); got != 3 {
		t.Errorf("expected 3 epochs before stopping, got %d", got)
	}
	if es.StoppedEpoch() != 2 {
		t.Errorf("expected stop at epoch 2, got %d", es.StoppedEpoch())
	}
	if ckpt.BestModelPath() == "" || ckpt.LastModelPath() == "" {
		t.Errorf("expected best and last checkpoints, got %q and %q", ckpt.BestModelPath(), ckpt.LastModelPath())
	}
	if _, err := os.Stat(ckpt.BestModelPath()); err != nil {
		t.Errorf("best checkpoint missing: %v", err)
	}
}

func TestTrainerDetectAnomaly(t *testing.T) {
	module := newQuadraticModule(t, 0.1)
	trainer, _ := NewTrainer(TrainerConfig{MaxEpochs: 1, DetectAnomaly: true}, Options{})
	err := trainer.Fit(context.Background(), module, constantLoader(t, 2, 1, float32(math.Inf(1))), nil)
	if err == nil {
		t.Fatal("expected an anomaly error")
	}
}

func TestTrainerPredictAndTest(t *testing.T) {
	module := newQuadraticModule(t, 0)
	var out bytes.Buffer
	logger := &recordingLogger{failWith: errors.New("backend down")}
	trainer, _ := NewTrainer(TrainerConfig{}, Options{Progress: &out, Logger: logger})

	preds, err := trainer.Predict(context.Background(), module, constantLoader(t, 5, 2, 0))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if got := preds["y"].Shape; len(got) != 2 || got[0] != 5 || got[1] != 1 {
		t.Errorf("expected [5 1] predictions, got %v", got)
	}

	metrics, err := trainer.Test(context.Background(), module, constantLoader(t, 2, 2, 2))
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	// w stays 0 so the squared error is 4; logger failures are not fatal
	if math.Abs(metrics["loss/test"]-4) > 1e-6 {
		t.Errorf("expected loss/test 4, got %v", metrics)
	}
	if out.Len() == 0 {
		t.Error("expected progress output")
	}
}

func TestTrainerHonoursContext(t *testing.T) {
	module := newQuadraticModule(t, 0.1)
	trainer, _ := NewTrainer(TrainerConfig{MaxEpochs: 3}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := trainer.Fit(ctx, module, constantLoader(t, 2, 1, 1), nil); err == nil {
		t.Error("expected a cancelled context to stop training")
	}
}

func TestNewTrainerValidates(t *testing.T) {
	if _, err := NewTrainer(TrainerConfig{MaxEpochs: -1}, Options{}); err == nil {
		t.Error("expected an error for negative max_epochs")
	}
	if _, err := NewTrainer(TrainerConfig{AccumulateGradBatches: -2}, Options{}); err == nil {
		t.Error("expected an error for negative accumulate_grad_batches")
	}
	tr, err := NewTrainer(TrainerConfig{}, Options{})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if tr.Strategy().Name() != "default" || tr.Config().MaxEpochs != 1 {
		t.Errorf("unexpected defaults: %s, %+v", tr.Strategy().Name(), tr.Config())
	}
}

func TestNonFiniteGradient(t *testing.T) {
	module := newQuadraticModule(t, 0.1)
	if _, bad := NonFiniteGradient(module); bad {
		t.Fatal("no gradient yet, expected none to be reported")
	}

	loss, err := tensor.SumAutograd(module.w.Value)
	if err != nil {
		t.Fatalf("SumAutograd failed: %v", err)
	}
	gradOut, err := tensor.Full(loss.Shape, float32(math.NaN()), tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Full failed: %v", err)
	}
	if err := tensor.Backward(loss, gradOut); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	name, bad := NonFiniteGradient(module)
	if !bad || name != "w" {
		t.Errorf("expected w to be reported, got %q %v", name, bad)
	}
}
