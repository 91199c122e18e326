// Package accelerator resolves which compute backend a run uses.
package accelerator

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/tensor"
)

// Type is the resolved compute backend.
type Type string

const (
	CPU Type = "cpu"
	GPU Type = "gpu"
	IPU Type = "ipu"
)

// ParseType accepts a configured accelerator type. Nil and the empty string
// mean unset.
func ParseType(v any) (Type, error) {
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Errorf("accelerator type must be a string, got %T", v)
	}
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case "", CPU, GPU, IPU:
		return t, nil
	default:
		return "", errors.Wrapf(config.ErrUnknownComponent, "accelerator type %q", s)
	}
}

// DeviceType maps the accelerator onto a tensor placement.
func (t Type) DeviceType() tensor.DeviceType {
	switch t {
	case GPU:
		return tensor.GPU
	case IPU:
		return tensor.IPU
	default:
		return tensor.CPU
	}
}

// Get resolves the accelerator section of a configuration. A positive device
// count in config_override.trainer.trainer forces the matching type and
// conflicts with any other explicit type. Requested hardware that the probe
// cannot see downgrades to CPU with a warning.
func Get(section config.Tree, probe Probe) (Type, error) {
	accType, err := ParseType(section["type"])
	if err != nil {
		return "", err
	}

	gpus := config.Int(section, 0, "config_override", "trainer", "trainer", "gpus")
	if gpus > 0 {
		if accType != "" && accType != GPU {
			return "", &config.ConflictError{
				Path:   "accelerator.type",
				Target: string(accType),
				Source: fmt.Sprintf("gpus=%d", gpus),
			}
		}
		accType = GPU
	}
	if accType == GPU && !probe.GPUAvailable() {
		slog.Warn("GPU requested but no GPU is available, falling back to CPU")
		accType = CPU
	}

	ipus := config.Int(section, 0, "config_override", "trainer", "trainer", "ipus")
	if ipus > 0 {
		if accType != "" && accType != IPU {
			return "", &config.ConflictError{
				Path:   "accelerator.type",
				Target: string(accType),
				Source: fmt.Sprintf("ipus=%d", ipus),
			}
		}
		accType = IPU
	}
	if accType == IPU && !probe.IPUAvailable() {
		slog.Warn("IPU requested but no IPU hardware is available, falling back to CPU")
		accType = CPU
	}

	if accType == "" {
		accType = CPU
	}
	return accType, nil
}

// Load resolves the accelerator of cfg and merges the accelerator's
// config_override into a copy of cfg. The input tree is not modified.
func Load(cfg config.Tree, probe Probe) (config.Tree, Type, error) {
	out := config.Clone(cfg)
	section, _ := config.Sub(out, "accelerator")
	if section == nil {
		section = config.Tree{}
	}

	accType, err := Get(section, probe)
	if err != nil {
		return nil, "", err
	}

	if override, ok := config.Sub(section, "config_override"); ok {
		if err := config.Merge(out, config.Clone(override), ""); err != nil {
			return nil, "", errors.WithMessage(err, "apply accelerator config_override")
		}
	}

	section["type"] = string(accType)
	out["accelerator"] = section
	slog.Info("accelerator resolved", "type", accType)
	return out, accType, nil
}
