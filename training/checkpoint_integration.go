package training

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// CheckpointConfig is the trainer.model_checkpoint section.
type CheckpointConfig struct {
	SaveDirectory   string `yaml:"dirpath"`        // Directory to save checkpoints
	FilenamePattern string `yaml:"filename"`       // {epoch} and {step} are substituted
	Monitor         string `yaml:"monitor"`        // Metric ranking checkpoints; empty keeps the newest
	Mode            string `yaml:"mode"`           // min or max
	MaxCheckpoints  int    `yaml:"save_top_k"`     // Checkpoints to keep, -1 for all
	SaveLast        bool   `yaml:"save_last"`      // Also write last.<ext> every epoch
	SaveFrequency   int    `yaml:"every_n_epochs"` // Save every N epochs
	Extension       string `yaml:"extension"`      // ckpt or json
}

// DefaultCheckpointConfig returns the configuration used for absent keys.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   "./checkpoints",
		FilenamePattern: "model-epoch={epoch}-step={step}",
		Mode:            "min",
		MaxCheckpoints:  1,
		SaveFrequency:   1,
		Extension:       "ckpt",
	}
}

type savedCheckpoint struct {
	path  string
	score float64
}

// ModelCheckpoint saves the module at the end of epochs. With a monitor it
// keeps the MaxCheckpoints best files, otherwise the newest ones.
type ModelCheckpoint struct {
	config     CheckpointConfig
	savedFiles []savedCheckpoint
	lastPath   string
}

// NewModelCheckpoint fills unset fields of cfg from DefaultCheckpointConfig.
func NewModelCheckpoint(cfg CheckpointConfig) (*ModelCheckpoint, error) {
	def := DefaultCheckpointConfig()
	if cfg.SaveDirectory == "" {
		cfg.SaveDirectory = def.SaveDirectory
	}
	if cfg.FilenamePattern == "" {
		cfg.FilenamePattern = def.FilenamePattern
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.Mode != "min" && cfg.Mode != "max" {
		return nil, fmt.Errorf("checkpoint mode must be min or max, got %q", cfg.Mode)
	}
	if cfg.MaxCheckpoints == 0 {
		cfg.MaxCheckpoints = def.MaxCheckpoints
	}
	if cfg.SaveFrequency <= 0 {
		cfg.SaveFrequency = def.SaveFrequency
	}
	cfg.Extension = strings.TrimPrefix(cfg.Extension, ".")
	if cfg.Extension == "" {
		cfg.Extension = def.Extension
	}
	return &ModelCheckpoint{config: cfg}, nil
}

// BestModelPath returns the best checkpoint saved so far, or the newest
// one when no metric is monitored.
func (cm *ModelCheckpoint) BestModelPath() string {
	if len(cm.savedFiles) == 0 {
		return ""
	}
	if cm.config.Monitor == "" {
		return cm.savedFiles[len(cm.savedFiles)-1].path
	}
	return cm.savedFiles[0].path
}

// LastModelPath returns the path of last.<ext> once written.
func (cm *ModelCheckpoint) LastModelPath() string { return cm.lastPath }

func (cm *ModelCheckpoint) OnEpochEnd(state *State, module Module) error {
	saver, ok := module.(Checkpointer)
	if !ok {
		return fmt.Errorf("module %T cannot be checkpointed", module)
	}
	if err := cm.ensureDirectory(); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %v", err)
	}

	if (state.Epoch+1)%cm.config.SaveFrequency == 0 {
		if err := cm.saveRanked(state, saver); err != nil {
			return err
		}
	}
	if cm.config.SaveLast {
		path := filepath.Join(cm.config.SaveDirectory, "last."+cm.config.Extension)
		if err := saver.SaveCheckpoint(path, *state); err != nil {
			return fmt.Errorf("failed to save last checkpoint: %v", err)
		}
		cm.lastPath = path
	}
	return nil
}

func (cm *ModelCheckpoint) saveRanked(state *State, saver Checkpointer) error {
	score := math.NaN()
	if cm.config.Monitor != "" {
		v, ok := state.Metrics[cm.config.Monitor]
		if !ok {
			slog.Warn("checkpoint monitor missing from metrics, skipping", "monitor", cm.config.Monitor)
			return nil
		}
		score = v
		if cm.config.MaxCheckpoints > 0 && len(cm.savedFiles) >= cm.config.MaxCheckpoints {
			worst := cm.savedFiles[len(cm.savedFiles)-1].score
			if !better(cm.config.Mode, score, worst, 0) {
				return nil
			}
		}
	}

	path := filepath.Join(cm.config.SaveDirectory, cm.generateFilename(state.Epoch, state.GlobalStep))
	if err := saver.SaveCheckpoint(path, *state); err != nil {
		return fmt.Errorf("failed to save checkpoint: %v", err)
	}
	slog.Info("saved checkpoint", "path", path, "epoch", state.Epoch)

	cm.savedFiles = append(cm.savedFiles, savedCheckpoint{path: path, score: score})
	if cm.config.Monitor != "" {
		sort.SliceStable(cm.savedFiles, func(i, j int) bool {
			return better(cm.config.Mode, cm.savedFiles[i].score, cm.savedFiles[j].score, 0)
		})
	}
	return cm.cleanupOldCheckpoints()
}

func (cm *ModelCheckpoint) generateFilename(epoch int, step int) string {
	name := strings.NewReplacer(
		"{epoch}", fmt.Sprint(epoch),
		"{step}", fmt.Sprint(step),
	).Replace(cm.config.FilenamePattern)
	return name + "." + cm.config.Extension
}

func (cm *ModelCheckpoint) ensureDirectory() error {
	return os.MkdirAll(cm.config.SaveDirectory, 0755)
}

// cleanupOldCheckpoints drops files beyond MaxCheckpoints. With a monitor
// the list is best first, so the tail goes; otherwise the oldest go.
func (cm *ModelCheckpoint) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints < 0 || len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}
	excess := len(cm.savedFiles) - cm.config.MaxCheckpoints
	var remove []savedCheckpoint
	if cm.config.Monitor != "" {
		remove = cm.savedFiles[len(cm.savedFiles)-excess:]
		cm.savedFiles = cm.savedFiles[:len(cm.savedFiles)-excess]
	} else {
		remove = cm.savedFiles[:excess]
		cm.savedFiles = cm.savedFiles[excess:]
	}
	for _, f := range remove {
		if f.path == cm.lastPath {
			continue
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old checkpoint %s: %v", f.path, err)
		}
	}
	return nil
}
