// Package loader turns one configuration tree into the objects of a
// training run: the accelerator, the datamodule, the architecture, the
// predictor and the trainer. Loaders never modify the tree they are given;
// every section they consume is cloned first.
package loader

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/accelerator"
	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/ipu"
)

// LoadAccelerator resolves the accelerator of cfg and returns a copy of cfg
// with the accelerator's config_override merged in. A nil probe inspects
// the host.
func LoadAccelerator(cfg config.Tree, probe accelerator.Probe) (config.Tree, accelerator.Type, error) {
	if probe == nil {
		probe = accelerator.SystemProbe{}
	}
	return accelerator.Load(cfg, probe)
}

// ipuOptions builds the training and inference option bundles from the
// accelerator, constants and trainer sections of cfg.
func ipuOptions(cfg config.Tree) (*ipu.Options, *ipu.Options, error) {
	acc, _ := config.Sub(cfg, "accelerator")

	var seed *int64
	if v, ok := config.Lookup(cfg, "constants", "seed"); ok && v != nil {
		n, ok := config.AsInt(v)
		if !ok {
			return nil, nil, errors.Errorf("constants.seed must be an integer, got %v", v)
		}
		s := int64(n)
		seed = &s
	}

	var gradAccum *int
	if v, ok := config.Lookup(cfg, "trainer", "trainer", "accumulate_grad_batches"); ok && v != nil {
		n, ok := config.AsInt(v)
		if !ok {
			return nil, nil, errors.Errorf("trainer.trainer.accumulate_grad_batches must be an integer, got %v", v)
		}
		gradAccum = &n
	}

	train, infer, err := ipu.LoadOptions(acc["ipu_config"], acc["ipu_inference_config"],
		seed, config.String(cfg, "", "constants", "name"), gradAccum)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "ipu options")
	}
	return train, infer, nil
}
