package training

import (
	"context"
	"fmt"

	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/layers"
	"github.com/tsawler/go-molgraph/tensor"
)

// Stage identifies which loop a step belongs to.
type Stage int

const (
	StageTrain Stage = iota
	StageValidate
	StageTest
	StagePredict
)

func (s Stage) String() string {
	switch s {
	case StageTrain:
		return "train"
	case StageValidate:
		return "val"
	case StageTest:
		return "test"
	case StagePredict:
		return "predict"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Stages lists every stage in execution order.
var Stages = []Stage{StageTrain, StageValidate, StageTest, StagePredict}

// Batch is one step's input: the collated graphs plus one label tensor per
// task. Labels are nil when predicting.
type Batch struct {
	Features *graphdata.Batch
	Labels   map[string]*tensor.Tensor
}

// StepOutput is what a module returns for one step.
type StepOutput struct {
	Loss      *tensor.Tensor
	Preds     map[string]*tensor.Tensor
	Targets   map[string]*tensor.Tensor
	NumGraphs int
}

// LossValue returns the scalar loss, or NaN when there is none.
func (o *StepOutput) LossValue() float64 {
	if o == nil || o.Loss == nil {
		return nan
	}
	values, err := o.Loss.Float32Values()
	if err != nil || len(values) == 0 {
		return nan
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	return sum / float64(len(values))
}

// Module is a trainable model with per-stage step logic.
type Module interface {
	TrainingStep(batch *Batch) (*StepOutput, error)
	ValidationStep(batch *Batch) (*StepOutput, error)
	TestStep(batch *Batch) (*StepOutput, error)
	PredictStep(batch *Batch) (*StepOutput, error)

	// OnTrainBatchEnd runs after every training step.
	OnTrainBatchEnd(out *StepOutput) error

	// OptimizerStep applies accumulated gradients and clears them.
	OptimizerStep() error

	// EpochEnd reduces a stage's step outputs into named metrics.
	EpochEnd(stage Stage, outputs []*StepOutput) (map[string]float64, error)

	Parameters() []*layers.Parameter
}

// Checkpointer is implemented by modules that can persist themselves.
type Checkpointer interface {
	SaveCheckpoint(path string, state State) error
}

// Strategy runs one step of a module. Strategies that return true from
// OwnsOptimizerStep compute gradients and apply updates themselves.
type Strategy interface {
	Name() string
	Step(ctx context.Context, stage Stage, module Module, batch *Batch) (*StepOutput, error)
	OwnsOptimizerStep() bool
}

// AnomalyDetector is implemented by strategies that own the optimizer step.
// The trainer passes its detect_anomaly setting on so non-finite losses and
// gradients are rejected before the weights are updated.
type AnomalyDetector interface {
	SetDetectAnomaly(on bool)
}

// StepFlusher is implemented by strategies that own the optimizer step and
// accumulate gradients. The trainer calls FlushOptimizerStep at the end of
// every training epoch to apply a partial accumulation window.
type StepFlusher interface {
	FlushOptimizerStep() error
}

// NonFiniteGradient returns the name of the first parameter of module whose
// gradient holds a NaN or an infinity.
func NonFiniteGradient(module Module) (string, bool) {
	for _, p := range module.Parameters() {
		if g := p.Value.Grad(); g != nil && g.HasNonFinite() {
			return p.Name, true
		}
	}
	return "", false
}

// DefaultStrategy calls the module's step methods on the host.
type DefaultStrategy struct{}

func (DefaultStrategy) Name() string { return "default" }

func (DefaultStrategy) OwnsOptimizerStep() bool { return false }

func (DefaultStrategy) Step(ctx context.Context, stage Stage, module Module, batch *Batch) (*StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return RunStep(stage, module, batch)
}

// RunStep dispatches batch to the module method for stage.
func RunStep(stage Stage, module Module, batch *Batch) (*StepOutput, error) {
	switch stage {
	case StageTrain:
		return module.TrainingStep(batch)
	case StageValidate:
		return module.ValidationStep(batch)
	case StageTest:
		return module.TestStep(batch)
	case StagePredict:
		return module.PredictStep(batch)
	default:
		return nil, fmt.Errorf("unknown stage %v", stage)
	}
}
