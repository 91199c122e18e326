package loader

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/predictor"
	"github.com/tsawler/go-molgraph/training"
)

// LoadMetrics wraps every entry of the metrics section. The section maps a
// task to a list of {name, metric, target_nan_mask, threshold_kwargs}
// entries; a task with a null list gets no metrics.
func LoadMetrics(cfg config.Tree) (predictor.Metrics, error) {
	metrics := predictor.Metrics{}
	section, ok := config.Sub(cfg, "metrics")
	if !ok {
		return metrics, nil
	}

	tasks := make([]string, 0, len(section))
	for task := range section {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)

	for _, task := range tasks {
		entries, ok := section[task].([]any)
		if section[task] != nil && !ok {
			return nil, errors.Errorf("metrics.%s must be a list, got %T", task, section[task])
		}
		wrappers := make([]*training.MetricWrapper, 0, len(entries))
		seen := map[string]bool{}
		for i, v := range entries {
			entry, ok := v.(config.Tree)
			if !ok {
				return nil, errors.Errorf("metrics.%s[%d] must be a mapping, got %T", task, i, v)
			}
			name := config.String(entry, "", "name")
			if name == "" {
				return nil, errors.Errorf("metrics.%s[%d] has no name", task, i)
			}
			if seen[name] {
				return nil, errors.Errorf("metrics.%s: duplicate metric %q", task, name)
			}
			seen[name] = true

			var threshold *training.ThresholdConfig
			if th, ok := config.Sub(entry, "threshold_kwargs"); ok {
				threshold = &training.ThresholdConfig{}
				if err := config.Decode(th, threshold); err != nil {
					return nil, errors.WithMessagef(err, "metrics.%s.%s threshold_kwargs", task, name)
				}
			}
			w, err := training.NewMetricWrapper(name, config.String(entry, name, "metric"), entry["target_nan_mask"], threshold)
			if err != nil {
				return nil, errors.WithMessagef(err, "metrics.%s", task)
			}
			wrappers = append(wrappers, w)
		}
		metrics[task] = wrappers
	}
	return metrics, nil
}
