package training

import (
	"fmt"
	"math"
	"strings"
)

// LRScheduler maps training progress to a learning rate.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch and global step.
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// PlateauScheduler is implemented by schedulers driven by a monitored
// metric instead of progress alone.
type PlateauScheduler interface {
	LRScheduler
	Monitor() string
	Step(metric float64, currentLR float64) float64
}

// SchedulerConfig is the lr_reduce_on_plateau / scheduler section of the
// predictor configuration.
type SchedulerConfig struct {
	Name         string  `yaml:"name"`
	ModuleType   string  `yaml:"module_type"`
	StepSize     int     `yaml:"step_size"`
	Gamma        float64 `yaml:"gamma"`
	TMax         int     `yaml:"t_max"`
	EtaMin       float64 `yaml:"eta_min"`
	WarmupEpochs int     `yaml:"warmup_epochs"`
	MaxEpochs    int     `yaml:"max_num_epochs"`
	Factor       float64 `yaml:"factor"`
	Patience     int     `yaml:"patience"`
	Threshold    float64 `yaml:"threshold"`
	Mode         string  `yaml:"mode"`
	Monitor      string  `yaml:"monitor"`
}

// NewScheduler builds the scheduler named in cfg, by name or module_type.
// An empty name yields a constant learning rate.
func NewScheduler(cfg SchedulerConfig) (LRScheduler, error) {
	name := cfg.Name
	if name == "" {
		name = cfg.ModuleType
	}
	switch strings.ToLower(name) {
	case "", "constant", "none":
		return &NoOpScheduler{}, nil
	case "step", "steplr":
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma), nil
	case "exponential", "exponentiallr":
		return NewExponentialLRScheduler(cfg.Gamma), nil
	case "cosine", "cosineannealinglr":
		return NewCosineAnnealingLRScheduler(cfg.TMax, cfg.EtaMin), nil
	case "warmup_linear", "warmuplinearlr":
		return NewWarmUpLinearLRScheduler(cfg.WarmupEpochs, cfg.MaxEpochs, cfg.EtaMin), nil
	case "reduce_on_plateau", "reducelronplateau":
		s := NewReduceLROnPlateauScheduler(cfg.Factor, cfg.Patience, cfg.Threshold, cfg.Mode)
		if cfg.Monitor != "" {
			s.MonitorKey = cfg.Monitor
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported scheduler %q", name)
	}
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string { return "StepLR" }

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string { return "ExponentialLR" }

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string { return "CosineAnnealingLR" }

// WarmUpLinearLRScheduler ramps the learning rate linearly from zero over
// the warmup epochs, then decays it linearly to EtaMin at MaxEpochs.
type WarmUpLinearLRScheduler struct {
	WarmupEpochs int
	MaxEpochs    int
	EtaMin       float64
}

func NewWarmUpLinearLRScheduler(warmupEpochs, maxEpochs int, etaMin float64) *WarmUpLinearLRScheduler {
	if warmupEpochs < 0 {
		warmupEpochs = 0
	}
	if maxEpochs <= warmupEpochs {
		maxEpochs = warmupEpochs + 1
	}
	return &WarmUpLinearLRScheduler{WarmupEpochs: warmupEpochs, MaxEpochs: maxEpochs, EtaMin: etaMin}
}

func (s *WarmUpLinearLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch < s.WarmupEpochs {
		return baseLR * float64(epoch+1) / float64(s.WarmupEpochs+1)
	}
	if epoch >= s.MaxEpochs {
		return s.EtaMin
	}
	frac := float64(epoch-s.WarmupEpochs) / float64(s.MaxEpochs-s.WarmupEpochs)
	return baseLR - (baseLR-s.EtaMin)*frac
}

func (s *WarmUpLinearLRScheduler) GetName() string { return "WarmUpLinearLR" }

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving
type ReduceLROnPlateauScheduler struct {
	Factor     float64 // Factor by which the learning rate will be reduced
	Patience   int     // Epochs with no improvement before a reduction
	Threshold  float64 // Threshold for measuring the new optimum
	Mode       string  // One of "min" or "max"
	MonitorKey string  // Metric consulted by Step

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold <= 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}
	return &ReduceLROnPlateauScheduler{
		Factor:     factor,
		Patience:   patience,
		Threshold:  threshold,
		Mode:       mode,
		MonitorKey: "loss/val",
	}
}

// Step records metric for the finished epoch and returns the learning
// rate to use next.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	var improved bool
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}
	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) Monitor() string { return s.MonitorKey }

func (s *ReduceLROnPlateauScheduler) GetName() string { return "ReduceLROnPlateau" }

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string { return "ConstantLR" }
