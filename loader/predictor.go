package loader

import (
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/accelerator"
	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/ipu"
	"github.com/tsawler/go-molgraph/nn"
	"github.com/tsawler/go-molgraph/nn/mup"
	"github.com/tsawler/go-molgraph/predictor"
	"github.com/tsawler/go-molgraph/training"
)

// Predictor is a loaded training module: a *predictor.Predictor or its IPU
// adaptation.
type Predictor interface {
	training.Module
	training.Checkpointer
	Model() nn.Model
	ModelClass() nn.ModelClass
	Kwargs() nn.ModelKwargs
	TaskNorms() map[string]predictor.TaskNorm
	Summary() string
}

var (
	_ Predictor = (*predictor.Predictor)(nil)
	_ Predictor = (*ipu.Predictor)(nil)
)

// LoadPredictor builds the predictor of the resolved architecture with the
// predictor section. The model must support width scaling. With an
// architecture.mup_scale_factor other than 1 the model is rebuilt with
// scaled kwargs; base shapes are then attached from
// architecture.mup_base_path. On the IPU the predictor is wrapped for the
// device with the trainer precision.
func LoadPredictor(cfg config.Tree, class nn.ModelClass, kwargs nn.ModelKwargs, metrics predictor.Metrics,
	accType accelerator.Type, taskNorms map[string]predictor.TaskNorm) (Predictor, error) {
	section, _ := config.Sub(cfg, "predictor")
	predCfg, err := predictor.DecodeConfig(config.Clone(section))
	if err != nil {
		return nil, err
	}

	p, err := predictor.New(class, kwargs, metrics, taskNorms, predCfg)
	if err != nil {
		return nil, err
	}
	scaler, ok := p.Model().(nn.WidthScaler)
	if !ok {
		return nil, errors.Wrapf(config.ErrUnsupportedCapability, "model %s does not support width scaling", class.Name())
	}

	factor := 1.0
	if v, ok := config.Lookup(cfg, "architecture", "mup_scale_factor"); ok && v != nil {
		if factor, ok = config.AsFloat(v); !ok {
			return nil, errors.Errorf("architecture.mup_scale_factor must be a number, got %v", v)
		}
	}
	if factor != 1 {
		scaled, err := scaler.ScaleKwargs(factor)
		if err != nil {
			return nil, errors.WithMessage(err, "mup_scale_factor")
		}
		if p, err = predictor.New(class, scaled, metrics, taskNorms, predCfg); err != nil {
			return nil, errors.WithMessagef(err, "rebuild with mup_scale_factor %g", factor)
		}
		slog.Info("model rescaled", "model", class.Name(), "mup_scale_factor", factor)
	}

	if err := LoadMup(config.String(cfg, "", "architecture", "mup_base_path"), p); err != nil {
		return nil, err
	}

	if accType == accelerator.IPU {
		precision, _ := config.Lookup(cfg, "trainer", "trainer", "precision")
		return ipu.NewPredictor(p, precision), nil
	}
	return p, nil
}

// LoadMup attaches base shapes to the model of p. An empty path builds a
// reference model at half the width of the current one; a .ckpt path
// restores the reference predictor from a checkpoint; a .yaml path is read
// as a base shapes file.
func LoadMup(path string, p *predictor.Predictor) error {
	model := p.Model()
	scaler, ok := model.(nn.WidthScaler)
	if !ok {
		return errors.Wrapf(config.ErrUnsupportedCapability, "model %s does not support width scaling", p.ModelClass().Name())
	}

	var base mup.BaseShapes
	switch {
	case path == "":
		kwargs, err := scaler.MakeMupBaseKwargs(2)
		if err != nil {
			return errors.WithMessage(err, "mup base kwargs")
		}
		ref, err := p.ModelClass().New(kwargs, p.Config().RandomSeed)
		if err != nil {
			return errors.WithMessage(err, "build mup base model")
		}
		base = mup.FromModel(ref)
	case strings.HasSuffix(path, ".ckpt"):
		ref, err := predictor.LoadFromCheckpoint(path, nil, nil)
		if err != nil {
			return errors.WithMessage(err, "load mup base checkpoint")
		}
		base = mup.FromModel(ref.Model())
	case strings.HasSuffix(path, ".yaml"):
		var err error
		if base, err = mup.Load(path); err != nil {
			return err
		}
	default:
		return errors.Wrapf(config.ErrUnrecognizedFile, "mup_base_path %s", path)
	}

	if err := mup.SetBaseShapes(model, base); err != nil {
		return errors.WithMessage(err, "set mup base shapes")
	}
	return nil
}
