package ipu

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/tensor"
	"github.com/tsawler/go-molgraph/training"
)

// Executable is a module compiled for one stage. Only an attached
// executable may run.
type Executable interface {
	Stage() training.Stage
	Attach() error
	Detach() error
	IsAttached() bool

	// Run executes one step on the flat inputs of structure. labels may be
	// nil.
	Run(ctx context.Context, structure *graphdata.Batch, inputs []*tensor.Tensor, labels map[string]*tensor.Tensor) (*training.StepOutput, error)
}

// Flusher is implemented by training executables that accumulate
// gradients over several steps. Flush applies a partial window.
type Flusher interface {
	Flush() error
}

// Runtime compiles modules into executables.
type Runtime interface {
	Name() string
	Compile(stage training.Stage, module training.Module, opts *Options) (Executable, error)
}

// HostRuntime emulates the device on the host. Its executables rebuild the
// batch from the flat inputs, add the replication axis the device batching
// adds and, for training, own the backward pass and the optimizer step,
// applying it once every GradientAccumulation steps. With DetectAnomaly set
// the loss and gradients are checked before that step.
type HostRuntime struct{}

func (HostRuntime) Name() string { return "host" }

func (HostRuntime) Compile(stage training.Stage, module training.Module, opts *Options) (Executable, error) {
	if module == nil {
		return nil, errors.New("compile: nil module")
	}
	if opts == nil {
		opts = defaultOptions()
	}
	return &hostExecutable{stage: stage, module: module, opts: opts.Clone()}, nil
}

type hostExecutable struct {
	stage    training.Stage
	module   training.Module
	opts     *Options
	parser   ArgsParser
	attached bool
	pending  int
}

func (e *hostExecutable) Stage() training.Stage { return e.stage }
func (e *hostExecutable) IsAttached() bool      { return e.attached }

func (e *hostExecutable) Attach() error {
	e.attached = true
	return nil
}

func (e *hostExecutable) Detach() error {
	e.attached = false
	return nil
}

func (e *hostExecutable) Run(ctx context.Context, structure *graphdata.Batch, inputs []*tensor.Tensor, labels map[string]*tensor.Tensor) (*training.StepOutput, error) {
	if !e.attached {
		return nil, errors.Errorf("%s executable is not attached", e.stage)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	replicated := make([]*tensor.Tensor, len(inputs))
	for i, t := range inputs {
		r, err := tensor.Unsqueeze(t, 0)
		if err != nil {
			return nil, err
		}
		replicated[i] = r
	}
	features, err := e.parser.Unflatten(structure, replicated)
	if err != nil {
		return nil, err
	}
	batch := &training.Batch{Features: features}
	if labels != nil {
		batch.Labels = make(map[string]*tensor.Tensor, len(labels))
		for task, t := range labels {
			if batch.Labels[task], err = tensor.Unsqueeze(t, 0); err != nil {
				return nil, err
			}
		}
	}

	out, err := training.RunStep(e.stage, e.module, batch)
	if err != nil {
		return nil, err
	}
	if e.stage != training.StageTrain {
		return out, nil
	}
	if out == nil || out.Loss == nil {
		return nil, errors.New("training step returned no loss")
	}
	if e.opts.DetectAnomaly && out.Loss.HasNonFinite() {
		return nil, errors.New("anomaly detected: non-finite loss")
	}

	accum := e.opts.GradientAccumulation
	if accum < 1 {
		accum = 1
	}
	gradOut, err := tensor.Full(out.Loss.Shape, float32(1)/float32(accum), tensor.Float32, out.Loss.Device)
	if err != nil {
		return nil, err
	}
	if err := tensor.Backward(out.Loss, gradOut); err != nil {
		return nil, err
	}
	if e.opts.DetectAnomaly {
		if name, bad := training.NonFiniteGradient(e.module); bad {
			return nil, errors.Errorf("anomaly detected: non-finite gradient for %s", name)
		}
	}
	e.pending++
	if e.pending >= accum {
		if err := e.Flush(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Flush runs the optimizer step when gradients are pending.
func (e *hostExecutable) Flush() error {
	if e.pending == 0 {
		return nil
	}
	e.pending = 0
	return errors.WithMessage(e.module.OptimizerStep(), "optimizer step")
}
