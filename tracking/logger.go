// Package tracking records experiment runs: metrics and parameters in a
// sqlite run store, artifacts on disk, and optionally a live Redis stream
// of metrics. Every logged metric is also exported to Prometheus.
package tracking

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-molgraph/config"
)

// Config is the trainer.logger section.
type Config struct {
	Name    string `yaml:"name"`
	Project string `yaml:"project"`
	SaveDir string `yaml:"save_dir"`

	// RedisAddr enables the live metric stream when set.
	RedisAddr string `yaml:"redis_addr"`
	StreamKey string `yaml:"stream_key"`
}

const (
	defaultSaveDir   = "runs"
	defaultStreamKey = "molgraph:metrics"
	runStoreFile     = "runs.db"

	// ConfigArtifact is the key SaveParams writes the full config under.
	ConfigArtifact = "full_configs.yaml"
)

// Logger is one experiment run.
type Logger struct {
	id        string
	name      string
	project   string
	store     *RunStore
	artifacts *LocalBlobStore
	redis     *redis.Client
	streamKey string

	mu       sync.Mutex
	finished bool
}

// New starts a run. The run store lives at <save_dir>/runs.db and the
// run's artifacts under <save_dir>/<name>.
func New(ctx context.Context, cfg Config) (*Logger, error) {
	if cfg.Name == "" {
		return nil, errors.New("logger name is required")
	}
	if cfg.SaveDir == "" {
		cfg.SaveDir = defaultSaveDir
	}
	if cfg.StreamKey == "" {
		cfg.StreamKey = defaultStreamKey
	}
	if err := os.MkdirAll(cfg.SaveDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create save dir %s", cfg.SaveDir)
	}

	store, err := OpenRunStore(filepath.Join(cfg.SaveDir, runStoreFile))
	if err != nil {
		return nil, err
	}
	l := &Logger{
		id:        uuid.NewString(),
		name:      cfg.Name,
		project:   cfg.Project,
		store:     store,
		artifacts: NewLocalBlobStore(filepath.Join(cfg.SaveDir, cfg.Name)),
		streamKey: cfg.StreamKey,
	}
	if err := store.CreateRun(ctx, Run{ID: l.id, Name: l.name, Project: l.project, StartedAt: time.Now()}); err != nil {
		store.Close()
		return nil, err
	}
	if cfg.RedisAddr != "" {
		l.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := l.redis.Ping(ctx).Err(); err != nil {
			slog.Warn("metric stream unavailable", "addr", cfg.RedisAddr, "error", err)
		}
	}
	slog.Info("experiment run started", "run", l.id, "name", l.name, "dir", l.artifacts.Root())
	return l, nil
}

func (l *Logger) ID() string                 { return l.id }
func (l *Logger) Name() string               { return l.name }
func (l *Logger) Store() *RunStore           { return l.store }
func (l *Logger) Artifacts() *LocalBlobStore { return l.artifacts }

// LogMetrics records one step. Only run store failures are returned; the
// Redis stream is best effort.
func (l *Logger) LogMetrics(step int, metrics map[string]float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return errors.Errorf("run %s is finished", l.id)
	}

	ctx := context.Background()
	if err := l.store.LogMetrics(ctx, l.id, step, metrics); err != nil {
		return err
	}
	for key, value := range metrics {
		TrainingMetric.WithLabelValues(l.name, key).Set(value)
	}
	LoggedStepsTotal.WithLabelValues(l.name).Inc()

	if l.redis != nil {
		values := map[string]any{
			"run":  l.id,
			"name": l.name,
			"step": strconv.Itoa(step),
		}
		for key, value := range metrics {
			values[key] = strconv.FormatFloat(value, 'g', -1, 64)
		}
		if err := l.redis.XAdd(ctx, &redis.XAddArgs{Stream: l.streamKey, Values: values}).Err(); err != nil {
			StreamErrorsTotal.Inc()
			slog.Warn("failed to stream metrics", "stream", l.streamKey, "step", step, "error", err)
		}
	}
	return nil
}

// LogParams stores the flattened parameter tree of the run.
func (l *Logger) LogParams(params config.Tree) error {
	flat := map[string]string{}
	flattenParams("", params, flat)
	return l.store.LogParams(context.Background(), l.id, flat)
}

func flattenParams(prefix string, v any, out map[string]string) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenParams(key, x[k], out)
		}
	case []any:
		for i, item := range x {
			flattenParams(fmt.Sprintf("%s.%d", prefix, i), item, out)
		}
	case nil:
		out[prefix] = "null"
	default:
		out[prefix] = fmt.Sprint(x)
	}
}

// SaveParams logs the flattened configuration and keeps the full tree as
// the ConfigArtifact.
func (l *Logger) SaveParams(cfg config.Tree) error {
	if err := l.LogParams(cfg); err != nil {
		return err
	}
	_, err := l.SaveYAML(ConfigArtifact, cfg)
	return err
}

// SaveArtifact writes data as the artifact key and returns its path.
func (l *Logger) SaveArtifact(key string, data []byte) (string, error) {
	return l.artifacts.Put(key, bytes.NewReader(data))
}

// SaveYAML writes v as a YAML artifact.
func (l *Logger) SaveYAML(key string, v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", errors.Wrapf(err, "marshal %s", key)
	}
	return l.SaveArtifact(key, data)
}

// Finish closes the run with status. Calling it again is a no-op.
func (l *Logger) Finish(status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return nil
	}
	l.finished = true

	err := l.store.FinishRun(context.Background(), l.id, status)
	RunsFinishedTotal.WithLabelValues(status).Inc()
	if l.redis != nil {
		if cerr := l.redis.Close(); cerr != nil {
			slog.Warn("failed to close metric stream", "error", cerr)
		}
	}
	if cerr := l.store.Close(); err == nil {
		err = cerr
	}
	slog.Info("experiment run finished", "run", l.id, "status", status)
	return err
}
