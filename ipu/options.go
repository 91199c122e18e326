// Package ipu adapts training to a specialized accelerator that runs one
// compiled program per stage on flat tensor tuples.
package ipu

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/config"
)

// Options is the runtime option bundle of one program, training or
// inference.
type Options struct {
	ModelName                string
	RandomSeed               *int64
	DeviceIterations         int
	ReplicationFactor        int
	GradientAccumulation     int
	EnableStochasticRounding bool

	// DetectAnomaly makes training executables reject a non-finite loss or
	// gradient before the optimizer step. It is set by the trainer, never
	// parsed from option strings.
	DetectAnomaly bool

	// Extra holds every recognized but unmodelled setting, keyed by its
	// dotted name.
	Extra map[string]string
}

func defaultOptions() *Options {
	return &Options{
		DeviceIterations:     1,
		ReplicationFactor:    1,
		GradientAccumulation: 1,
		Extra:                map[string]string{},
	}
}

// Clone returns a deep copy.
func (o *Options) Clone() *Options {
	c := *o
	if o.RandomSeed != nil {
		seed := *o.RandomSeed
		c.RandomSeed = &seed
	}
	c.Extra = make(map[string]string, len(o.Extra))
	for k, v := range o.Extra {
		c.Extra[k] = v
	}
	return &c
}

// BatchesPerStep is the number of host batches one program invocation
// consumes.
func (o *Options) BatchesPerStep() int {
	return o.DeviceIterations * o.ReplicationFactor * o.GradientAccumulation
}

// String renders the options back into the line format ParseOptions reads.
func (o *Options) String() string {
	lines := []string{
		fmt.Sprintf("deviceIterations(%d)", o.DeviceIterations),
		fmt.Sprintf("replicationFactor(%d)", o.ReplicationFactor),
		fmt.Sprintf("Training.gradientAccumulation(%d)", o.GradientAccumulation),
	}
	if o.EnableStochasticRounding {
		lines = append(lines, "Precision.enableStochasticRounding(True)")
	}
	if o.RandomSeed != nil {
		lines = append(lines, fmt.Sprintf("randomSeed(%d)", *o.RandomSeed))
	}
	if o.ModelName != "" {
		lines = append(lines, fmt.Sprintf("modelName(%q)", o.ModelName))
	}
	keys := make([]string, 0, len(o.Extra))
	for k := range o.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s(%s)", k, o.Extra[k]))
	}
	return strings.Join(lines, "\n")
}

var optionLine = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*)\((.*)\)$`)

// ParseOptions reads option lines of the form name(args), one per line.
// Blank lines and lines starting with # are skipped.
func ParseOptions(lines []string) (*Options, error) {
	opts := defaultOptions()
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := optionLine.FindStringSubmatch(line)
		if m == nil {
			return nil, errors.Errorf("ipu option line %d: cannot parse %q", i+1, line)
		}
		if err := opts.apply(m[1], strings.TrimSpace(m[2])); err != nil {
			return nil, errors.WithMessagef(err, "ipu option line %d", i+1)
		}
	}
	return opts, nil
}

func (o *Options) apply(name, arg string) error {
	positive := func() (int, error) {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return 0, errors.Errorf("%s expects a positive integer, got %q", name, arg)
		}
		return n, nil
	}

	var err error
	switch name {
	case "deviceIterations":
		o.DeviceIterations, err = positive()
	case "replicationFactor":
		o.ReplicationFactor, err = positive()
	case "Training.gradientAccumulation":
		o.GradientAccumulation, err = positive()
	case "Precision.enableStochasticRounding", "enableStochasticRounding":
		switch strings.ToLower(arg) {
		case "", "true", "1":
			o.EnableStochasticRounding = true
		case "false", "0":
			o.EnableStochasticRounding = false
		default:
			err = errors.Errorf("%s expects a boolean, got %q", name, arg)
		}
	case "randomSeed":
		seed, perr := strconv.ParseInt(arg, 10, 64)
		if perr != nil {
			return errors.Errorf("randomSeed expects an integer, got %q", arg)
		}
		o.RandomSeed = &seed
	case "modelName":
		o.ModelName = strings.Trim(arg, `"'`)
	default:
		o.Extra[name] = arg
	}
	return err
}

// optionLines accepts an ipu config entry: a list of option lines, a
// single multi-line string, or the path of a file holding the lines.
func optionLines(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return config.Strings(val)
	case []string:
		return val, nil
	case string:
		if !strings.Contains(val, "(") {
			data, err := os.ReadFile(val)
			if err != nil {
				return nil, errors.Wrap(err, "read ipu options file")
			}
			val = string(data)
		}
		return strings.Split(val, "\n"), nil
	default:
		return nil, errors.Errorf("ipu options must be a list of lines or a file path, got %T", v)
	}
}

// LoadOptions builds the training and inference option bundles.
// A nil ipuConfig yields defaults; a nil ipuInferenceConfig defaults to a
// copy of the training options. seed and name are applied to both bundles,
// the name suffixed with _train and _inference. gradAccum, when non-nil,
// sets the training accumulation and must agree with any accumulation
// already configured.
func LoadOptions(ipuConfig, ipuInferenceConfig any, seed *int64, name string, gradAccum *int) (*Options, *Options, error) {
	lines, err := optionLines(ipuConfig)
	if err != nil {
		return nil, nil, err
	}
	trainOpts, err := ParseOptions(lines)
	if err != nil {
		return nil, nil, err
	}

	var inferOpts *Options
	if ipuInferenceConfig != nil {
		lines, err := optionLines(ipuInferenceConfig)
		if err != nil {
			return nil, nil, err
		}
		if inferOpts, err = ParseOptions(lines); err != nil {
			return nil, nil, errors.WithMessage(err, "inference")
		}
	} else {
		inferOpts = trainOpts.Clone()
	}

	if gradAccum != nil {
		current := trainOpts.GradientAccumulation
		if current != 1 && current != *gradAccum {
			return nil, nil, &config.ConflictError{
				Path:   "trainer.trainer.accumulate_grad_batches",
				Target: current,
				Source: *gradAccum,
			}
		}
		if *gradAccum <= 0 {
			return nil, nil, errors.Errorf("accumulate_grad_batches must be positive, got %d", *gradAccum)
		}
		trainOpts.GradientAccumulation = *gradAccum
	}
	inferOpts.GradientAccumulation = 1

	for _, o := range []*Options{trainOpts, inferOpts} {
		if seed != nil {
			s := *seed
			o.RandomSeed = &s
		}
	}
	if name != "" {
		trainOpts.ModelName = name + "_train"
		inferOpts.ModelName = name + "_inference"
	}
	return trainOpts, inferOpts, nil
}
