package training

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-molgraph/tensor"
)

var nan = math.NaN()

// MetricFunc scores predictions against targets. Both slices have the same
// length and contain no NaN.
type MetricFunc func(preds, targets []float64) float64

var metricFuncs = map[string]MetricFunc{
	"mae":       MeanAbsoluteError,
	"mse":       MeanSquaredError,
	"rmse":      RootMeanSquaredError,
	"pearsonr":  PearsonR,
	"spearmanr": SpearmanR,
	"r2":        R2Score,
	"auroc":     AUROC,
	"accuracy":  classification(func(cm *ConfusionMatrix) float64 { return cm.Accuracy() }),
	"precision": classification(func(cm *ConfusionMatrix) float64 { return cm.Precision() }),
	"recall":    classification(func(cm *ConfusionMatrix) float64 { return cm.Recall() }),
	"f1":        classification(func(cm *ConfusionMatrix) float64 { return cm.F1() }),
}

// MetricByName returns the metric function registered under name.
func MetricByName(name string) (MetricFunc, error) {
	fn, ok := metricFuncs[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported metric %q", name)
	}
	return fn, nil
}

func MeanAbsoluteError(preds, targets []float64) float64 {
	if len(preds) == 0 {
		return nan
	}
	return floats.Distance(preds, targets, 1) / float64(len(preds))
}

func MeanSquaredError(preds, targets []float64) float64 {
	if len(preds) == 0 {
		return nan
	}
	d := floats.Distance(preds, targets, 2)
	return d * d / float64(len(preds))
}

func RootMeanSquaredError(preds, targets []float64) float64 {
	return math.Sqrt(MeanSquaredError(preds, targets))
}

func PearsonR(preds, targets []float64) float64 {
	if len(preds) < 2 {
		return nan
	}
	return stat.Correlation(preds, targets, nil)
}

// SpearmanR is the Pearson correlation of the ranks, with tied values
// sharing their average rank.
func SpearmanR(preds, targets []float64) float64 {
	if len(preds) < 2 {
		return nan
	}
	return stat.Correlation(ranks(preds), ranks(targets), nil)
}

func ranks(values []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })
	out := make([]float64, len(values))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		rank := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = rank
		}
		i = j + 1
	}
	return out
}

func R2Score(preds, targets []float64) float64 {
	if len(preds) < 2 {
		return nan
	}
	return stat.RSquaredFrom(preds, targets, nil)
}

// AUROC is the area under the ROC curve of scores against binary targets.
// It is NaN unless both classes are present.
func AUROC(preds, targets []float64) float64 {
	if len(preds) == 0 {
		return nan
	}
	type pair struct {
		score    float64
		positive bool
	}
	pairs := make([]pair, len(preds))
	var pos int
	for i := range preds {
		pairs[i] = pair{score: preds[i], positive: targets[i] >= 0.5}
		if pairs[i].positive {
			pos++
		}
	}
	if pos == 0 || pos == len(pairs) {
		return nan
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	y := make([]float64, len(pairs))
	classes := make([]bool, len(pairs))
	for i, p := range pairs {
		y[i], classes[i] = p.score, p.positive
	}
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}

func classification(score func(*ConfusionMatrix) float64) MetricFunc {
	return func(preds, targets []float64) float64 {
		if len(preds) == 0 {
			return nan
		}
		cm := NewConfusionMatrix(2)
		for i := range preds {
			cm.Add(classOf(targets[i]), classOf(preds[i]))
		}
		return score(cm)
	}
}

// classOf maps a value to class 1 when it is at least 0.5.
func classOf(v float64) int {
	if v >= 0.5 {
		return 1
	}
	return 0
}

// ConfusionMatrix counts [true_class][predicted_class] pairs.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Add records one sample. Out of range classes are ignored.
func (cm *ConfusionMatrix) Add(trueClass, predClass int) {
	if trueClass < 0 || trueClass >= cm.NumClasses || predClass < 0 || predClass >= cm.NumClasses {
		return
	}
	cm.Matrix[trueClass][predClass]++
	cm.TotalSamples++
}

func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Precision is the precision of the positive class for binary matrices
// and the macro average otherwise.
func (cm *ConfusionMatrix) Precision() float64 {
	return cm.average(func(c int) float64 {
		predicted := 0
		for t := 0; t < cm.NumClasses; t++ {
			predicted += cm.Matrix[t][c]
		}
		if predicted == 0 {
			return 0
		}
		return float64(cm.Matrix[c][c]) / float64(predicted)
	})
}

// Recall follows the same averaging as Precision.
func (cm *ConfusionMatrix) Recall() float64 {
	return cm.average(func(c int) float64 {
		actual := 0
		for p := 0; p < cm.NumClasses; p++ {
			actual += cm.Matrix[c][p]
		}
		if actual == 0 {
			return 0
		}
		return float64(cm.Matrix[c][c]) / float64(actual)
	})
}

func (cm *ConfusionMatrix) F1() float64 {
	p, r := cm.Precision(), cm.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (cm *ConfusionMatrix) average(perClass func(c int) float64) float64 {
	if cm.NumClasses == 2 {
		return perClass(1)
	}
	var sum float64
	for c := 0; c < cm.NumClasses; c++ {
		sum += perClass(c)
	}
	return sum / float64(cm.NumClasses)
}

// ThresholdConfig binarizes predictions and/or targets before scoring.
type ThresholdConfig struct {
	Operator  string  `yaml:"operator"`
	Threshold float64 `yaml:"threshold"`
	OnPreds   bool    `yaml:"th_on_preds"`
	OnTarget  bool    `yaml:"th_on_target"`
}

func (th *ThresholdConfig) apply(v float64) float64 {
	var pass bool
	switch th.Operator {
	case "lower", "lt", "less":
		pass = v < th.Threshold
	default:
		pass = v > th.Threshold
	}
	if pass {
		return 1
	}
	return 0
}

// NaN handling modes of MetricWrapper.
const (
	NaNMaskNone               = ""
	NaNMaskIgnoreFlatten      = "ignore-flatten"
	NaNMaskIgnoreMeanPerLabel = "ignore-mean-per-label"
)

// MetricWrapper adapts a MetricFunc to prediction and target tensors with
// optional NaN masking and thresholding.
type MetricWrapper struct {
	Name      string
	Metric    string
	fn        MetricFunc
	nanMask   string
	nanValue  float64
	threshold *ThresholdConfig
}

// NewMetricWrapper builds a wrapper. targetNaNMask is empty, one of the
// NaNMask constants, or a number that replaces NaN targets.
func NewMetricWrapper(name, metric string, targetNaNMask any, threshold *ThresholdConfig) (*MetricWrapper, error) {
	fn, err := MetricByName(metric)
	if err != nil {
		return nil, err
	}
	w := &MetricWrapper{Name: name, Metric: strings.ToLower(metric), fn: fn, threshold: threshold}
	switch v := targetNaNMask.(type) {
	case nil:
	case string:
		switch v {
		case NaNMaskNone, NaNMaskIgnoreFlatten, NaNMaskIgnoreMeanPerLabel:
			w.nanMask = v
		case "ignore":
			w.nanMask = NaNMaskIgnoreFlatten
		default:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("metric %s: unsupported target_nan_mask %q", name, v)
			}
			w.nanMask, w.nanValue = "value", f
		}
	case int:
		w.nanMask, w.nanValue = "value", float64(v)
	case float64:
		w.nanMask, w.nanValue = "value", v
	default:
		return nil, fmt.Errorf("metric %s: unsupported target_nan_mask %v", name, v)
	}
	return w, nil
}

// Compute scores preds against targets. Both tensors must have the same
// shape; the last axis indexes labels.
func (w *MetricWrapper) Compute(preds, targets *tensor.Tensor) (float64, error) {
	if preds.NumElems != targets.NumElems {
		return nan, fmt.Errorf("metric %s: %d predictions for %d targets", w.Name, preds.NumElems, targets.NumElems)
	}
	p32, err := preds.Float32Values()
	if err != nil {
		return nan, err
	}
	t32, err := targets.Float32Values()
	if err != nil {
		return nan, err
	}
	p := make([]float64, len(p32))
	t := make([]float64, len(t32))
	for i := range p32 {
		p[i], t[i] = float64(p32[i]), float64(t32[i])
		if w.threshold != nil {
			if w.threshold.OnPreds {
				p[i] = w.threshold.apply(p[i])
			}
			if w.threshold.OnTarget && !math.IsNaN(t[i]) {
				t[i] = w.threshold.apply(t[i])
			}
		}
	}

	if w.nanMask == NaNMaskIgnoreMeanPerLabel {
		cols := 1
		if targets.Dim() > 1 {
			cols = targets.Shape[targets.Dim()-1]
		}
		var sum float64
		var n int
		for c := 0; c < cols; c++ {
			var pc, tc []float64
			for i := c; i < len(t); i += cols {
				if !math.IsNaN(t[i]) {
					pc, tc = append(pc, p[i]), append(tc, t[i])
				}
			}
			if v := w.fn(pc, tc); !math.IsNaN(v) {
				sum += v
				n++
			}
		}
		if n == 0 {
			return nan, nil
		}
		return sum / float64(n), nil
	}

	var pk, tk []float64
	for i := range t {
		switch {
		case !math.IsNaN(t[i]):
			pk, tk = append(pk, p[i]), append(tk, t[i])
		case w.nanMask == "value":
			pk, tk = append(pk, p[i]), append(tk, w.nanValue)
		case w.nanMask == NaNMaskNone:
			return nan, nil
		}
	}
	return w.fn(pk, tk), nil
}
