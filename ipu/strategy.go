package ipu

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/training"
)

// ErrStageBusy is returned when a step is requested while another step is
// still executing.
var ErrStageBusy = errors.New("another stage is executing")

// Strategy runs every step through one compiled executable per stage.
// Switching stages detaches the previous executable; steps never overlap.
type Strategy struct {
	runtime       Runtime
	trainingOpts  *Options
	inferenceOpts *Options
	parser        ArgsParser

	mu            sync.Mutex
	detectAnomaly bool
	module        training.Module
	executables   map[training.Stage]Executable
	attached      Executable
}

var (
	_ training.Strategy        = (*Strategy)(nil)
	_ training.AnomalyDetector = (*Strategy)(nil)
	_ training.StepFlusher     = (*Strategy)(nil)
)

// NewStrategy returns a strategy compiling on rt. Nil option bundles
// select the defaults.
func NewStrategy(rt Runtime, trainingOpts, inferenceOpts *Options) *Strategy {
	if rt == nil {
		rt = HostRuntime{}
	}
	if trainingOpts == nil {
		trainingOpts = defaultOptions()
	}
	if inferenceOpts == nil {
		inferenceOpts = defaultOptions()
	}
	return &Strategy{
		runtime:       rt,
		trainingOpts:  trainingOpts,
		inferenceOpts: inferenceOpts,
		executables:   make(map[training.Stage]Executable),
	}
}

func (s *Strategy) Name() string { return "ipu" }

func (s *Strategy) OwnsOptimizerStep() bool { return true }

// Options returns the option bundle compiled into the executable of stage.
func (s *Strategy) Options(stage training.Stage) *Options {
	if stage == training.StageTrain {
		return s.trainingOpts
	}
	return s.inferenceOpts
}

// SetDetectAnomaly switches anomaly detection for the training executable.
// Executables compiled earlier are dropped and recompiled on the next step.
func (s *Strategy) SetDetectAnomaly(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detectAnomaly == on {
		return
	}
	s.detectAnomaly = on
	if err := s.detach(); err != nil {
		slog.Warn("detach before recompiling", "error", err)
	}
	s.executables = make(map[training.Stage]Executable)
}

// FlushOptimizerStep applies the gradients the training executable has
// accumulated since its last optimizer step.
func (s *Strategy) FlushOptimizerStep() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exe, ok := s.executables[training.StageTrain]
	if !ok {
		return nil
	}
	f, ok := exe.(Flusher)
	if !ok {
		return nil
	}
	return f.Flush()
}

// AttachedStage reports the stage whose executable is attached.
func (s *Strategy) AttachedStage() (training.Stage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached == nil {
		return 0, false
	}
	return s.attached.Stage(), true
}

func (s *Strategy) Step(ctx context.Context, stage training.Stage, module training.Module, batch *training.Batch) (*training.StepOutput, error) {
	if !s.mu.TryLock() {
		return nil, errors.Wrapf(ErrStageBusy, "cannot run %s", stage)
	}
	defer s.mu.Unlock()

	if batch == nil || batch.Features == nil {
		return nil, errors.Errorf("%s step: empty batch", stage)
	}
	exe, err := s.executable(stage, module)
	if err != nil {
		return nil, err
	}
	if err := s.attach(exe); err != nil {
		return nil, err
	}
	inputs := s.parser.Flatten(batch.Features)
	return exe.Run(ctx, batch.Features, inputs, batch.Labels)
}

func (s *Strategy) executable(stage training.Stage, module training.Module) (Executable, error) {
	if s.module != module {
		if err := s.detach(); err != nil {
			return nil, err
		}
		s.module = module
		s.executables = make(map[training.Stage]Executable)
	}
	if exe, ok := s.executables[stage]; ok {
		return exe, nil
	}
	opts := s.Options(stage)
	if stage == training.StageTrain && s.detectAnomaly {
		opts = opts.Clone()
		opts.DetectAnomaly = true
	}
	exe, err := s.runtime.Compile(stage, module, opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "compile %s executable", stage)
	}
	slog.Debug("compiled executable", "runtime", s.runtime.Name(), "stage", stage.String())
	s.executables[stage] = exe
	return exe, nil
}

func (s *Strategy) attach(exe Executable) error {
	if s.attached == exe {
		return nil
	}
	if err := s.detach(); err != nil {
		return err
	}
	if err := exe.Attach(); err != nil {
		return errors.WithMessagef(err, "attach %s executable", exe.Stage())
	}
	s.attached = exe
	return nil
}

func (s *Strategy) detach() error {
	if s.attached == nil {
		return nil
	}
	if err := s.attached.Detach(); err != nil {
		return errors.WithMessagef(err, "detach %s executable", s.attached.Stage())
	}
	s.attached = nil
	return nil
}

// Close detaches the attached executable.
func (s *Strategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detach()
}
