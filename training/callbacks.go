package training

import (
	"fmt"
	"log/slog"
	"math"
)

// State is the trainer progress handed to callbacks after every epoch.
type State struct {
	Epoch      int
	GlobalStep int
	Metrics    map[string]float64

	// ShouldStop ends training after the current epoch when set.
	ShouldStop bool
}

// Callback observes the end of every training epoch.
type Callback interface {
	OnEpochEnd(state *State, module Module) error
}

// better reports whether value improves on best by more than minDelta.
func better(mode string, value, best, minDelta float64) bool {
	if math.IsNaN(best) {
		return true
	}
	if mode == "max" {
		return value > best+minDelta
	}
	return value < best-minDelta
}

// EarlyStoppingConfig is the trainer.early_stopping section.
type EarlyStoppingConfig struct {
	Monitor     string  `yaml:"monitor"`
	Mode        string  `yaml:"mode"`
	Patience    int     `yaml:"patience"`
	MinDelta    float64 `yaml:"min_delta"`
	Strict      *bool   `yaml:"strict"`
	CheckFinite *bool   `yaml:"check_finite"`
}

// EarlyStopping stops training when the monitored metric stops improving
// for Patience consecutive epochs.
type EarlyStopping struct {
	cfg          EarlyStoppingConfig
	best         float64
	wait         int
	stoppedEpoch int
}

func NewEarlyStopping(cfg EarlyStoppingConfig) (*EarlyStopping, error) {
	if cfg.Monitor == "" {
		cfg.Monitor = "loss/val"
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = "min"
	case "min", "max":
	default:
		return nil, fmt.Errorf("early stopping mode must be min or max, got %q", cfg.Mode)
	}
	if cfg.Patience < 0 {
		return nil, fmt.Errorf("early stopping patience must not be negative, got %d", cfg.Patience)
	}
	return &EarlyStopping{cfg: cfg, best: math.NaN(), stoppedEpoch: -1}, nil
}

// StoppedEpoch returns the epoch that triggered the stop, or -1.
func (es *EarlyStopping) StoppedEpoch() int { return es.stoppedEpoch }

func (es *EarlyStopping) OnEpochEnd(state *State, module Module) error {
	value, ok := state.Metrics[es.cfg.Monitor]
	if !ok {
		if es.cfg.Strict == nil || *es.cfg.Strict {
			return fmt.Errorf("early stopping monitors %q which is not among the logged metrics", es.cfg.Monitor)
		}
		return nil
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		if es.cfg.CheckFinite == nil || *es.cfg.CheckFinite {
			slog.Warn("monitored metric is not finite, stopping", "monitor", es.cfg.Monitor, "value", value)
			es.stop(state)
		}
		return nil
	}
	if better(es.cfg.Mode, value, es.best, es.cfg.MinDelta) {
		es.best = value
		es.wait = 0
		return nil
	}
	es.wait++
	if es.wait >= es.cfg.Patience {
		slog.Info("early stopping", "monitor", es.cfg.Monitor, "best", es.best, "epoch", state.Epoch)
		es.stop(state)
	}
	return nil
}

func (es *EarlyStopping) stop(state *State) {
	state.ShouldStop = true
	es.stoppedEpoch = state.Epoch
}
