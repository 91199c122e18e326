// Package predictor wraps a graph network into a trainable module: the
// per-stage steps, multi-task loss, metrics, label normalization, optimizer
// and learning-rate schedule.
package predictor

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/checkpoints"
	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/layers"
	"github.com/tsawler/go-molgraph/nn"
	"github.com/tsawler/go-molgraph/tensor"
	"github.com/tsawler/go-molgraph/training"
)

// TaskNorm maps labels of one task to the space the model is trained in
// and back.
type TaskNorm interface {
	Normalize(labels *tensor.Tensor) (*tensor.Tensor, error)
	Denormalize(preds *tensor.Tensor) (*tensor.Tensor, error)
}

// Metrics holds the metric wrappers of every task.
type Metrics map[string][]*training.MetricWrapper

// PlateauConfig is the scheduler_kwargs section.
type PlateauConfig struct {
	Monitor string `yaml:"monitor"`
	Mode    string `yaml:"mode"`
}

// Config is the predictor section.
type Config struct {
	// LossFun is a loss name applied to every task or a task to name map.
	LossFun              any                      `yaml:"loss_fun"`
	RandomSeed           int64                    `yaml:"random_seed"`
	OptimKwargs          training.OptimizerConfig `yaml:"optim_kwargs"`
	SchedulerKwargs      training.SchedulerConfig `yaml:"torch_scheduler_kwargs"`
	PlateauKwargs        PlateauConfig            `yaml:"scheduler_kwargs"`
	MetricsOnProgressBar []string                 `yaml:"metrics_on_progress_bar"`
	MetricsOnTrainingSet []string                 `yaml:"metrics_on_training_set"`
}

// DecodeConfig reads the predictor section. A nil section yields defaults.
func DecodeConfig(section config.Tree) (Config, error) {
	var cfg Config
	if section == nil {
		return cfg, nil
	}
	if err := config.Decode(section, &cfg); err != nil {
		return cfg, errors.WithMessage(err, "predictor")
	}
	return cfg, nil
}

// Predictor is the default training module.
type Predictor struct {
	class     nn.ModelClass
	kwargs    nn.ModelKwargs
	model     nn.Model
	cfg       Config
	tasks     []string
	losses    map[string]training.Loss
	metrics   Metrics
	taskNorms map[string]TaskNorm

	optimizer training.Optimizer
	scheduler training.LRScheduler
	baseLR    float64

	epoch      int
	globalStep int
}

// New builds the model from class and kwargs and wires the loss, optimizer
// and scheduler described by cfg. metrics and taskNorms may be nil.
func New(class nn.ModelClass, kwargs nn.ModelKwargs, metrics Metrics, taskNorms map[string]TaskNorm, cfg Config) (*Predictor, error) {
	model, err := class.New(kwargs, cfg.RandomSeed)
	if err != nil {
		return nil, errors.WithMessagef(err, "build %s", class.Name())
	}
	p := &Predictor{
		class:     class,
		kwargs:    kwargs.Clone(),
		model:     model,
		cfg:       cfg,
		tasks:     kwargs.TaskNames(),
		metrics:   metrics,
		taskNorms: taskNorms,
	}
	if p.losses, err = lossesFor(p.tasks, cfg.LossFun); err != nil {
		return nil, err
	}

	if p.optimizer, err = training.NewOptimizer(model.Parameters(), cfg.OptimKwargs); err != nil {
		return nil, errors.WithMessage(err, "optim_kwargs")
	}
	p.baseLR = p.optimizer.GetLR()

	if p.scheduler, err = training.NewScheduler(cfg.SchedulerKwargs); err != nil {
		return nil, errors.WithMessage(err, "torch_scheduler_kwargs")
	}
	if rp, ok := p.scheduler.(*training.ReduceLROnPlateauScheduler); ok {
		if cfg.PlateauKwargs.Monitor != "" {
			rp.MonitorKey = cfg.PlateauKwargs.Monitor
		}
		if cfg.PlateauKwargs.Mode != "" {
			rp.Mode = cfg.PlateauKwargs.Mode
		}
	}
	p.optimizer.SetLR(p.scheduler.GetLR(0, 0, p.baseLR))
	return p, nil
}

func lossesFor(tasks []string, spec any) (map[string]training.Loss, error) {
	losses := make(map[string]training.Loss, len(tasks))
	switch v := spec.(type) {
	case nil, string:
		name, _ := v.(string)
		for _, task := range tasks {
			loss, err := training.NewLoss(name)
			if err != nil {
				return nil, errors.WithMessage(err, "loss_fun")
			}
			losses[task] = loss
		}
	case map[string]any:
		for _, task := range tasks {
			name, _ := v[task].(string)
			loss, err := training.NewLoss(name)
			if err != nil {
				return nil, errors.WithMessagef(err, "loss_fun.%s", task)
			}
			losses[task] = loss
		}
	default:
		return nil, errors.Errorf("loss_fun must be a name or a mapping, got %T", spec)
	}
	return losses, nil
}

func (p *Predictor) Model() nn.Model                 { return p.model }
func (p *Predictor) ModelClass() nn.ModelClass       { return p.class }
func (p *Predictor) Kwargs() nn.ModelKwargs          { return p.kwargs.Clone() }
func (p *Predictor) Config() Config                  { return p.cfg }
func (p *Predictor) Metrics() Metrics                { return p.metrics }
func (p *Predictor) TaskNorms() map[string]TaskNorm  { return p.taskNorms }
func (p *Predictor) Optimizer() training.Optimizer   { return p.optimizer }
func (p *Predictor) Scheduler() training.LRScheduler { return p.scheduler }
func (p *Predictor) Tasks() []string                 { return append([]string(nil), p.tasks...) }

func (p *Predictor) Parameters() []*layers.Parameter { return p.model.Parameters() }

// Summary describes the model when it can describe itself.
func (p *Predictor) Summary() string {
	if s, ok := p.model.(interface{ Summary() string }); ok {
		return s.Summary()
	}
	return p.class.Name()
}

func (p *Predictor) TrainingStep(b *training.Batch) (*training.StepOutput, error) {
	return p.Step(training.StageTrain, b)
}

func (p *Predictor) ValidationStep(b *training.Batch) (*training.StepOutput, error) {
	return p.Step(training.StageValidate, b)
}

func (p *Predictor) TestStep(b *training.Batch) (*training.StepOutput, error) {
	return p.Step(training.StageTest, b)
}

func (p *Predictor) PredictStep(b *training.Batch) (*training.StepOutput, error) {
	return p.Step(training.StagePredict, b)
}

// Step runs the model on b. The loss is the mean of the task losses against
// normalized labels; predictions are reported denormalized. Tasks without
// labels contribute predictions only.
func (p *Predictor) Step(stage training.Stage, b *training.Batch) (*training.StepOutput, error) {
	if b == nil || b.Features == nil {
		return nil, errors.Errorf("%s step: empty batch", stage)
	}
	preds, err := p.model.Forward(b.Features, stage == training.StageTrain)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s step", stage)
	}

	out := &training.StepOutput{
		Preds:     make(map[string]*tensor.Tensor, len(p.tasks)),
		Targets:   make(map[string]*tensor.Tensor, len(p.tasks)),
		NumGraphs: b.Features.NumGraphs(),
	}
	var total *tensor.Tensor
	counted := 0
	for _, task := range p.tasks {
		pred, ok := preds[task]
		if !ok {
			return nil, errors.Errorf("model produced no prediction for task %s", task)
		}
		if out.Preds[task], err = p.denormalize(task, pred.Detach()); err != nil {
			return nil, err
		}

		target, ok := b.Labels[task]
		if !ok || stage == training.StagePredict {
			continue
		}
		out.Targets[task] = target
		normalized, err := p.normalize(task, target)
		if err != nil {
			return nil, err
		}
		loss, err := p.losses[task].Forward(pred, normalized)
		if err != nil {
			return nil, errors.WithMessagef(err, "task %s", task)
		}
		if total == nil {
			total = loss
		} else if total, err = tensor.AddAutograd(total, loss); err != nil {
			return nil, err
		}
		counted++
	}
	if counted > 1 {
		if total, err = tensor.ScaleAutograd(total, 1/float32(counted)); err != nil {
			return nil, err
		}
	}
	if total == nil && stage == training.StageTrain {
		return nil, errors.New("training batch carries no labels")
	}
	out.Loss = total
	return out, nil
}

func (p *Predictor) normalize(task string, t *tensor.Tensor) (*tensor.Tensor, error) {
	if norm, ok := p.taskNorms[task]; ok && norm != nil {
		return norm.Normalize(t)
	}
	return t, nil
}

func (p *Predictor) denormalize(task string, t *tensor.Tensor) (*tensor.Tensor, error) {
	if norm, ok := p.taskNorms[task]; ok && norm != nil {
		return norm.Denormalize(t)
	}
	return t, nil
}

func (p *Predictor) OnTrainBatchEnd(out *training.StepOutput) error { return nil }

// OptimizerStep applies and clears the accumulated gradients.
func (p *Predictor) OptimizerStep() error {
	if err := p.optimizer.Step(); err != nil {
		return err
	}
	p.optimizer.ZeroGrad()
	p.globalStep++
	return nil
}

// EpochEnd reports "loss/<stage>" and "<task>/<metric>/<stage>" for the
// stage. The end of a training epoch advances the learning-rate schedule;
// the end of a validation epoch feeds a plateau scheduler.
func (p *Predictor) EpochEnd(stage training.Stage, outputs []*training.StepOutput) (map[string]float64, error) {
	metrics := make(map[string]float64)

	var sum float64
	var n int
	for _, o := range outputs {
		if v := o.LossValue(); !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n > 0 {
		metrics["loss/"+stage.String()] = sum / float64(n)
	}

	tasks := make([]string, 0, len(p.metrics))
	for task := range p.metrics {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	for _, task := range tasks {
		preds, targets, err := gather(outputs, task)
		if err != nil {
			return nil, errors.WithMessagef(err, "task %s", task)
		}
		if preds == nil || targets == nil {
			continue
		}
		for _, w := range p.metrics[task] {
			if stage == training.StageTrain && !p.onTrainingSet(w.Name) {
				continue
			}
			v, err := w.Compute(preds, targets)
			if err != nil {
				return nil, errors.WithMessagef(err, "metric %s/%s", task, w.Name)
			}
			metrics[fmt.Sprintf("%s/%s/%s", task, w.Name, stage)] = v
		}
	}

	switch stage {
	case training.StageTrain:
		p.epoch++
		if _, plateau := p.scheduler.(training.PlateauScheduler); !plateau {
			p.optimizer.SetLR(p.scheduler.GetLR(p.epoch, p.globalStep, p.baseLR))
		}
		metrics["lr"] = p.optimizer.GetLR()
	case training.StageValidate:
		if ps, ok := p.scheduler.(training.PlateauScheduler); ok {
			if v, ok := metrics[ps.Monitor()]; ok {
				lr := ps.Step(v, p.optimizer.GetLR())
				if lr != p.optimizer.GetLR() {
					slog.Info("reducing learning rate", "monitor", ps.Monitor(), "lr", lr)
				}
				p.optimizer.SetLR(lr)
			}
		}
	}
	return metrics, nil
}

func (p *Predictor) onTrainingSet(name string) bool {
	if p.cfg.MetricsOnTrainingSet == nil {
		return true
	}
	for _, m := range p.cfg.MetricsOnTrainingSet {
		if m == name {
			return true
		}
	}
	return false
}

// gather concatenates the predictions and targets of task across outputs.
func gather(outputs []*training.StepOutput, task string) (*tensor.Tensor, *tensor.Tensor, error) {
	var preds, targets []*tensor.Tensor
	for _, o := range outputs {
		pred, okP := o.Preds[task]
		target, okT := o.Targets[task]
		if !okP || !okT {
			continue
		}
		pred, err := pred.ToFloat32()
		if err != nil {
			return nil, nil, err
		}
		preds = append(preds, pred)
		targets = append(targets, target)
	}
	if len(preds) == 0 {
		return nil, nil, nil
	}
	p, err := tensor.Concat(preds, 0)
	if err != nil {
		return nil, nil, err
	}
	t, err := tensor.Concat(targets, 0)
	if err != nil {
		return nil, nil, err
	}
	return p, t, nil
}

// Checkpoint captures the predictor at state.
func (p *Predictor) Checkpoint(state training.State) (*checkpoints.Checkpoint, error) {
	weights, err := checkpoints.ExtractWeights(p.Parameters())
	if err != nil {
		return nil, err
	}
	cfgTree, err := config.FromStruct(p.cfg)
	if err != nil {
		return nil, err
	}
	metrics := make(map[string]float64, len(state.Metrics))
	for k, v := range state.Metrics {
		metrics[k] = v
	}
	return &checkpoints.Checkpoint{
		ClassName: p.class.Name(),
		Hyperparameters: map[string]any{
			"model_kwargs": p.kwargs.Tree(),
			"predictor":    cfgTree,
		},
		Weights: weights,
		TrainingState: checkpoints.TrainingState{
			Epoch:        state.Epoch,
			Step:         state.GlobalStep,
			LearningRate: p.optimizer.GetLR(),
			Metrics:      metrics,
		},
		OptimizerState: &checkpoints.OptimizerState{
			Type:       p.cfg.OptimKwargs.Name,
			Parameters: map[string]float64{"lr": p.optimizer.GetLR(), "base_lr": p.baseLR},
		},
	}, nil
}

// SaveCheckpoint writes the predictor to path in the format its extension
// names.
func (p *Predictor) SaveCheckpoint(path string, state training.State) error {
	ckpt, err := p.Checkpoint(state)
	if err != nil {
		return errors.WithMessage(err, "build checkpoint")
	}
	return checkpoints.Save(path, ckpt)
}

// LoadFromCheckpoint rebuilds a predictor from a checkpoint written by
// SaveCheckpoint and restores its weights and learning rate.
func LoadFromCheckpoint(path string, metrics Metrics, taskNorms map[string]TaskNorm) (*Predictor, error) {
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return nil, err
	}
	return FromCheckpoint(ckpt, metrics, taskNorms)
}

// FromCheckpoint is LoadFromCheckpoint for an already decoded checkpoint.
func FromCheckpoint(ckpt *checkpoints.Checkpoint, metrics Metrics, taskNorms map[string]TaskNorm) (*Predictor, error) {
	class, err := nn.ClassByName(ckpt.ClassName)
	if err != nil {
		return nil, err
	}
	kwTree, ok := ckpt.Hyperparameters["model_kwargs"].(map[string]any)
	if !ok {
		return nil, errors.New("checkpoint has no model_kwargs")
	}
	kwargs, err := nn.KwargsFromTree(kwTree)
	if err != nil {
		return nil, errors.WithMessage(err, "checkpoint model_kwargs")
	}
	var cfg Config
	if section, ok := ckpt.Hyperparameters["predictor"].(map[string]any); ok {
		if cfg, err = DecodeConfig(section); err != nil {
			return nil, err
		}
	}

	p, err := New(class, kwargs, metrics, taskNorms, cfg)
	if err != nil {
		return nil, err
	}
	if err := checkpoints.LoadWeights(ckpt.Weights, p.Parameters()); err != nil {
		return nil, err
	}
	p.epoch = ckpt.TrainingState.Epoch
	p.globalStep = ckpt.TrainingState.Step
	if ckpt.TrainingState.LearningRate > 0 {
		p.optimizer.SetLR(ckpt.TrainingState.LearningRate)
	}
	return p, nil
}
