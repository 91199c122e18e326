package loader

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/accelerator"
	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/ipu"
	"github.com/tsawler/go-molgraph/tracking"
	"github.com/tsawler/go-molgraph/training"
)

// TrainerOptions are the run-time collaborators of LoadTrainer that do not
// come from the configuration.
type TrainerOptions struct {
	// Progress receives the progress bar; nil selects stdout.
	Progress io.Writer

	// Runtime compiles the IPU programs; nil selects ipu.HostRuntime.
	Runtime ipu.Runtime
}

// LoadTrainer builds the training loop driver from the trainer section.
//
// The device counts of trainer.trainer are recomputed from accType: a GPU
// run gets gpus (default 1), an IPU run ipus (default 1) and every other
// count is 0. On the IPU the strategy owns gradient accumulation, so
// accumulate_grad_batches is dropped. The early_stopping and
// model_checkpoint callbacks and the logger are only built when their
// sections are present. The logger is named after logger.name or runName,
// followed by _<dateTimeSuffix> when the suffix is not empty.
func LoadTrainer(ctx context.Context, cfg config.Tree, runName string, accType accelerator.Type,
	dateTimeSuffix string, opts TrainerOptions) (*training.Trainer, error) {
	trainerSection, _ := config.Sub(cfg, "trainer")
	section := config.Clone(trainerSection)
	if section == nil {
		section = config.Tree{}
	}
	raw, _ := config.Sub(section, "trainer")
	if raw == nil {
		raw = config.Tree{}
	}

	var strategy training.Strategy
	if accType == accelerator.IPU {
		trainOpts, inferOpts, err := ipuOptions(cfg)
		if err != nil {
			return nil, err
		}
		rt := opts.Runtime
		if rt == nil {
			rt = ipu.HostRuntime{}
		}
		strategy = ipu.NewStrategy(rt, trainOpts, inferOpts)
	}

	delete(raw, "accelerator")
	gpus, err := deviceCount(raw, "gpus")
	if err != nil {
		return nil, err
	}
	ipus, err := deviceCount(raw, "ipus")
	if err != nil {
		return nil, err
	}
	if accType == accelerator.GPU && gpus == nil {
		gpus = intPtr(1)
	}
	if accType == accelerator.IPU && ipus == nil {
		ipus = intPtr(1)
	}
	if accType != accelerator.GPU {
		gpus = intPtr(0)
	}
	if accType != accelerator.IPU {
		ipus = intPtr(0)
	}
	if accType == accelerator.IPU {
		delete(raw, "accumulate_grad_batches")
	}

	var trainerCfg training.TrainerConfig
	if err := config.Decode(raw, &trainerCfg); err != nil {
		return nil, errors.WithMessage(err, "trainer.trainer")
	}
	trainerCfg.Gpus = *gpus
	trainerCfg.Ipus = *ipus
	trainerCfg.DetectAnomaly = true

	var callbacks []training.Callback
	if es, ok := config.Sub(section, "early_stopping"); ok {
		var esCfg training.EarlyStoppingConfig
		if err := config.Decode(es, &esCfg); err != nil {
			return nil, errors.WithMessage(err, "trainer.early_stopping")
		}
		cb, err := training.NewEarlyStopping(esCfg)
		if err != nil {
			return nil, errors.WithMessage(err, "trainer.early_stopping")
		}
		callbacks = append(callbacks, cb)
	}
	if mc, ok := config.Sub(section, "model_checkpoint"); ok {
		var mcCfg training.CheckpointConfig
		if err := config.Decode(mc, &mcCfg); err != nil {
			return nil, errors.WithMessage(err, "trainer.model_checkpoint")
		}
		cb, err := training.NewModelCheckpoint(mcCfg)
		if err != nil {
			return nil, errors.WithMessage(err, "trainer.model_checkpoint")
		}
		callbacks = append(callbacks, cb)
	}

	var logger training.MetricLogger
	if logSection, ok := config.Sub(section, "logger"); ok {
		var logCfg tracking.Config
		if err := config.Decode(logSection, &logCfg); err != nil {
			return nil, errors.WithMessage(err, "trainer.logger")
		}
		if logCfg.Name == "" {
			logCfg.Name = runName
		}
		if dateTimeSuffix != "" {
			logCfg.Name += "_" + dateTimeSuffix
		}
		l, err := tracking.New(ctx, logCfg)
		if err != nil {
			return nil, errors.WithMessage(err, "trainer.logger")
		}
		logger = l
	}

	progress := opts.Progress
	if progress == nil {
		progress = os.Stdout
	}
	trainer, err := training.NewTrainer(trainerCfg, training.Options{
		Strategy:  strategy,
		Callbacks: callbacks,
		Logger:    logger,
		Progress:  progress,
	})
	if err != nil {
		if logger != nil {
			logger.Finish(tracking.StatusFailed)
		}
		return nil, err
	}
	slog.Info("trainer loaded",
		"accelerator", accType,
		"gpus", trainerCfg.Gpus,
		"ipus", trainerCfg.Ipus,
		"callbacks", len(callbacks),
		"logger", logger != nil)
	return trainer, nil
}

// deviceCount removes key from the trainer section and returns its value,
// nil when absent or null.
func deviceCount(raw config.Tree, key string) (*int, error) {
	v, ok := raw[key]
	delete(raw, key)
	if !ok || v == nil {
		return nil, nil
	}
	n, ok := config.AsInt(v)
	if !ok || n < 0 {
		return nil, errors.Errorf("trainer.trainer.%s must be a non-negative integer, got %v", key, v)
	}
	return &n, nil
}

func intPtr(n int) *int { return &n }
