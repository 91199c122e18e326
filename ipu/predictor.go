package ipu

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/predictor"
	"github.com/tsawler/go-molgraph/tensor"
	"github.com/tsawler/go-molgraph/training"
)

// Predictor runs a predictor.Predictor on batches prepared by the device
// runtime. Inputs arrive with a leading replication axis, features are fed
// in the trainer precision and half precision outputs are widened before
// they reach the host-side reductions.
type Predictor struct {
	*predictor.Predictor
	precision any
	dtype     tensor.DType
}

// NewPredictor wraps p for the device; precision is the trainer precision
// setting.
func NewPredictor(p *predictor.Predictor, precision any) *Predictor {
	return &Predictor{Predictor: p, precision: precision, dtype: PrecisionToDtype(precision)}
}

// Precision returns the trainer precision the predictor feeds features in.
func (p *Predictor) Precision() any { return p.precision }

func (p *Predictor) TrainingStep(b *training.Batch) (*training.StepOutput, error) {
	out, err := p.step(training.StageTrain, b)
	if err != nil {
		return nil, err
	}
	if out.Loss, err = IdentityLoss(out.Loss, "mean"); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Predictor) ValidationStep(b *training.Batch) (*training.StepOutput, error) {
	return p.step(training.StageValidate, b)
}

func (p *Predictor) TestStep(b *training.Batch) (*training.StepOutput, error) {
	return p.step(training.StageTest, b)
}

func (p *Predictor) PredictStep(b *training.Batch) (*training.StepOutput, error) {
	return p.step(training.StagePredict, b)
}

func (p *Predictor) step(stage training.Stage, b *training.Batch) (*training.StepOutput, error) {
	if b == nil || b.Features == nil {
		return nil, errors.Errorf("%s step: empty batch", stage)
	}
	numGraphs, err := NumGraphs(b.Features)
	if err != nil {
		numGraphs = b.Features.NumGraphs()
	}
	in, err := p.SqueezeInputDims(b)
	if err != nil {
		return nil, err
	}
	if in.Features, err = ConvertFeaturesDtype(in.Features, p.dtype); err != nil {
		return nil, err
	}
	out, err := p.Predictor.Step(stage, in)
	if err != nil {
		return nil, err
	}
	out.NumGraphs = numGraphs
	return out, nil
}

// SqueezeInputDims drops the leading replication axis of every tensor
// feature and label of b. Tensors without a leading axis of size one are
// kept as they are.
func (p *Predictor) SqueezeInputDims(b *training.Batch) (*training.Batch, error) {
	features := graphdata.NewBatch()
	for _, k := range b.Features.Keys() {
		v, _ := b.Features.Get(k)
		if t, ok := v.(*tensor.Tensor); ok && t != nil {
			sq, err := squeezeLeading(t)
			if err != nil {
				return nil, errors.WithMessagef(err, "feature %s", k)
			}
			v = sq
		}
		features.Set(k, v)
	}

	out := &training.Batch{Features: features}
	if b.Labels != nil {
		out.Labels = make(map[string]*tensor.Tensor, len(b.Labels))
		for task, t := range b.Labels {
			sq, err := squeezeLeading(t)
			if err != nil {
				return nil, errors.WithMessagef(err, "label %s", task)
			}
			out.Labels[task] = sq
		}
	}
	return out, nil
}

func squeezeLeading(t *tensor.Tensor) (*tensor.Tensor, error) {
	if len(t.Shape) < 2 || t.Shape[0] != 1 {
		return t, nil
	}
	return tensor.Squeeze(t, 0)
}

// OnTrainBatchEnd widens the step output and reduces its loss by mean
// before the host-side bookkeeping sees it.
func (p *Predictor) OnTrainBatchEnd(out *training.StepOutput) error {
	if _, err := ConvertFromFP16(out); err != nil {
		return err
	}
	if out != nil && out.Loss != nil && out.Loss.NumElems > 1 {
		mean, err := tensor.MeanAll(out.Loss)
		if err != nil {
			return err
		}
		out.Loss = mean
	}
	return p.Predictor.OnTrainBatchEnd(out)
}

// EpochEnd widens every output before reducing it into metrics.
func (p *Predictor) EpochEnd(stage training.Stage, outputs []*training.StepOutput) (map[string]float64, error) {
	if _, err := ConvertFromFP16(outputs); err != nil {
		return nil, err
	}
	return p.Predictor.EpochEnd(stage, outputs)
}
