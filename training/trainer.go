package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/tsawler/go-molgraph/tensor"
)

// TrainerConfig is the trainer.trainer section.
type TrainerConfig struct {
	MaxEpochs             int    `yaml:"max_epochs"`
	MinEpochs             int    `yaml:"min_epochs"`
	AccumulateGradBatches int    `yaml:"accumulate_grad_batches"`
	CheckValEveryNEpoch   int    `yaml:"check_val_every_n_epoch"`
	LogEveryNSteps        int    `yaml:"log_every_n_steps"`
	Precision             any    `yaml:"precision"`
	Gpus                  int    `yaml:"gpus"`
	Ipus                  int    `yaml:"ipus"`
	DefaultRootDir        string `yaml:"default_root_dir"`
	EnableProgressBar     *bool  `yaml:"enable_progress_bar"`
	DetectAnomaly         bool   `yaml:"detect_anomaly"`
}

// MetricLogger receives metrics as training progresses.
type MetricLogger interface {
	LogMetrics(step int, metrics map[string]float64) error
	Finish(status string) error
}

// Options are the collaborators of a Trainer. Zero values select the
// DefaultStrategy, no callbacks, no logger and no progress output.
type Options struct {
	Strategy  Strategy
	Callbacks []Callback
	Logger    MetricLogger
	Progress  io.Writer
}

// Trainer runs the fit, validate, test and predict loops.
type Trainer struct {
	config    TrainerConfig
	strategy  Strategy
	callbacks []Callback
	logger    MetricLogger
	session   *TrainingSession
	state     State
	history   []map[string]float64
}

// NewTrainer validates cfg and fills its defaults.
func NewTrainer(cfg TrainerConfig, opts Options) (*Trainer, error) {
	if cfg.MaxEpochs == 0 {
		cfg.MaxEpochs = 1
	}
	if cfg.MaxEpochs < 0 {
		return nil, fmt.Errorf("max_epochs must be positive, got %d", cfg.MaxEpochs)
	}
	if cfg.AccumulateGradBatches == 0 {
		cfg.AccumulateGradBatches = 1
	}
	if cfg.AccumulateGradBatches < 0 {
		return nil, fmt.Errorf("accumulate_grad_batches must be positive, got %d", cfg.AccumulateGradBatches)
	}
	if cfg.CheckValEveryNEpoch <= 0 {
		cfg.CheckValEveryNEpoch = 1
	}
	if cfg.LogEveryNSteps <= 0 {
		cfg.LogEveryNSteps = 50
	}
	if opts.Strategy == nil {
		opts.Strategy = DefaultStrategy{}
	}
	if d, ok := opts.Strategy.(AnomalyDetector); ok {
		d.SetDetectAnomaly(cfg.DetectAnomaly)
	}
	progress := opts.Progress
	if cfg.EnableProgressBar != nil && !*cfg.EnableProgressBar {
		progress = nil
	}
	return &Trainer{
		config:    cfg,
		strategy:  opts.Strategy,
		callbacks: opts.Callbacks,
		logger:    opts.Logger,
		session:   NewTrainingSession(progress, cfg.MaxEpochs),
	}, nil
}

func (t *Trainer) Config() TrainerConfig { return t.config }
func (t *Trainer) Strategy() Strategy    { return t.strategy }
func (t *Trainer) Callbacks() []Callback { return t.callbacks }
func (t *Trainer) Logger() MetricLogger  { return t.logger }
func (t *Trainer) State() State          { return t.state }

// History returns the merged metrics of every finished epoch.
func (t *Trainer) History() []map[string]float64 { return t.history }

// Fit trains module for MaxEpochs epochs or until a callback stops it. val
// may be nil.
func (t *Trainer) Fit(ctx context.Context, module Module, train, val Loader) (err error) {
	if train == nil {
		return fmt.Errorf("fit requires a training loader")
	}
	defer func() {
		status := "finished"
		if err != nil {
			status = "failed"
		}
		t.finishLogger(status)
	}()

	slog.Info("starting training",
		"strategy", t.strategy.Name(),
		"max_epochs", t.config.MaxEpochs,
		"accumulate_grad_batches", t.config.AccumulateGradBatches)

	for epoch := 0; epoch < t.config.MaxEpochs; epoch++ {
		start := time.Now()
		t.state.Epoch = epoch
		t.state.ShouldStop = false

		metrics, err := t.trainEpoch(ctx, module, train)
		if err != nil {
			return fmt.Errorf("training epoch %d failed: %v", epoch, err)
		}

		if val != nil && (epoch+1)%t.config.CheckValEveryNEpoch == 0 {
			valMetrics, err := t.evaluate(ctx, StageValidate, module, val)
			if err != nil {
				return fmt.Errorf("validation epoch %d failed: %v", epoch, err)
			}
			for k, v := range valMetrics {
				metrics[k] = v
			}
		}
		metrics["epoch"] = float64(epoch)
		t.state.Metrics = metrics
		t.history = append(t.history, metrics)

		for _, cb := range t.callbacks {
			if err := cb.OnEpochEnd(&t.state, module); err != nil {
				return fmt.Errorf("callback %T failed at epoch %d: %v", cb, epoch, err)
			}
		}
		t.logMetrics(metrics)
		t.session.PrintEpochSummary(metrics)
		slog.Info("epoch finished", "epoch", epoch, "duration", time.Since(start).Round(time.Millisecond), "metrics", len(metrics))

		if t.state.ShouldStop && epoch+1 >= t.config.MinEpochs {
			break
		}
	}
	return nil
}

func (t *Trainer) trainEpoch(ctx context.Context, module Module, loader Loader) (map[string]float64, error) {
	accum := t.config.AccumulateGradBatches
	ownsStep := t.strategy.OwnsOptimizerStep()

	loader.Reset()
	t.session.StartStage(t.state.Epoch, StageTrain, loader.Len())
	defer t.session.FinishStage()

	var outputs []*StepOutput
	pending := 0
	for step := 0; loader.HasNext(); step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}
		out, err := t.strategy.Step(ctx, StageTrain, module, batch)
		if err != nil {
			return nil, fmt.Errorf("step %d: %v", step, err)
		}
		if err := t.checkLoss(out, step); err != nil {
			return nil, err
		}

		if !ownsStep {
			if err := t.backward(module, out, accum); err != nil {
				return nil, fmt.Errorf("step %d: %v", step, err)
			}
			pending++
			if pending == accum {
				if err := module.OptimizerStep(); err != nil {
					return nil, fmt.Errorf("optimizer step: %v", err)
				}
				pending = 0
				t.state.GlobalStep++
			}
		} else {
			t.state.GlobalStep++
		}

		if err := module.OnTrainBatchEnd(out); err != nil {
			return nil, err
		}
		outputs = append(outputs, out)

		loss := out.LossValue()
		t.session.Update(step+1, map[string]float64{"loss": loss})
		if t.state.GlobalStep%t.config.LogEveryNSteps == 0 {
			t.logMetrics(map[string]float64{"loss/train_step": loss})
		}
	}
	if pending > 0 {
		if err := module.OptimizerStep(); err != nil {
			return nil, fmt.Errorf("optimizer step: %v", err)
		}
		t.state.GlobalStep++
	}
	if f, ok := t.strategy.(StepFlusher); ok && ownsStep {
		if err := f.FlushOptimizerStep(); err != nil {
			return nil, fmt.Errorf("optimizer step: %v", err)
		}
	}

	return module.EpochEnd(StageTrain, outputs)
}

// checkLoss fails on a non-finite loss when anomaly detection is on.
func (t *Trainer) checkLoss(out *StepOutput, step int) error {
	if out == nil || out.Loss == nil {
		return fmt.Errorf("step %d returned no loss", step)
	}
	if t.config.DetectAnomaly && out.Loss.HasNonFinite() {
		return fmt.Errorf("anomaly detected: non-finite loss at epoch %d step %d", t.state.Epoch, step)
	}
	return nil
}

// backward propagates loss/accum into the module parameters.
func (t *Trainer) backward(module Module, out *StepOutput, accum int) error {
	gradOut, err := tensor.Full(out.Loss.Shape, float32(1)/float32(accum), tensor.Float32, out.Loss.Device)
	if err != nil {
		return err
	}
	if err := tensor.Backward(out.Loss, gradOut); err != nil {
		return err
	}
	if t.config.DetectAnomaly {
		if name, bad := NonFiniteGradient(module); bad {
			return fmt.Errorf("anomaly detected: non-finite gradient for %s", name)
		}
	}
	return nil
}

// Validate runs one validation pass.
func (t *Trainer) Validate(ctx context.Context, module Module, loader Loader) (map[string]float64, error) {
	return t.evaluate(ctx, StageValidate, module, loader)
}

// Test runs one test pass and logs the result.
func (t *Trainer) Test(ctx context.Context, module Module, loader Loader) (map[string]float64, error) {
	metrics, err := t.evaluate(ctx, StageTest, module, loader)
	if err != nil {
		return nil, err
	}
	t.logMetrics(metrics)
	return metrics, nil
}

func (t *Trainer) evaluate(ctx context.Context, stage Stage, module Module, loader Loader) (map[string]float64, error) {
	loader.Reset()
	t.session.StartStage(t.state.Epoch, stage, loader.Len())
	defer t.session.FinishStage()

	var outputs []*StepOutput
	for step := 0; loader.HasNext(); step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}
		out, err := t.strategy.Step(ctx, stage, module, batch)
		if err != nil {
			return nil, fmt.Errorf("%s step %d: %v", stage, step, err)
		}
		outputs = append(outputs, out)
		t.session.Update(step+1, map[string]float64{"loss": out.LossValue()})
	}
	return module.EpochEnd(stage, outputs)
}

// Predict runs the module over loader and concatenates the predictions of
// every task along the first axis.
func (t *Trainer) Predict(ctx context.Context, module Module, loader Loader) (map[string]*tensor.Tensor, error) {
	loader.Reset()
	t.session.StartStage(t.state.Epoch, StagePredict, loader.Len())
	defer t.session.FinishStage()

	parts := make(map[string][]*tensor.Tensor)
	for step := 0; loader.HasNext(); step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}
		out, err := t.strategy.Step(ctx, StagePredict, module, batch)
		if err != nil {
			return nil, fmt.Errorf("predict step %d: %v", step, err)
		}
		for task, p := range out.Preds {
			parts[task] = append(parts[task], p.Detach())
		}
		t.session.Update(step+1, nil)
	}

	tasks := make([]string, 0, len(parts))
	for task := range parts {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	preds := make(map[string]*tensor.Tensor, len(parts))
	for _, task := range tasks {
		joined, err := tensor.Concat(parts[task], 0)
		if err != nil {
			return nil, fmt.Errorf("task %s: %v", task, err)
		}
		preds[task] = joined
	}
	return preds, nil
}

// logMetrics forwards metrics to the logger. Logger failures never stop
// training.
func (t *Trainer) logMetrics(metrics map[string]float64) {
	if t.logger == nil {
		return
	}
	if err := t.logger.LogMetrics(t.state.GlobalStep, metrics); err != nil {
		slog.Warn("failed to log metrics", "step", t.state.GlobalStep, "error", err)
	}
}

func (t *Trainer) finishLogger(status string) {
	if t.logger == nil {
		return
	}
	if err := t.logger.Finish(status); err != nil {
		slog.Warn("failed to close experiment logger", "error", err)
	}
}
