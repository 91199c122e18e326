package nn

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/layers"
)

// MLPConfig is the keyword set shared by every feed-forward section of the
// architecture.
type MLPConfig struct {
	InDim          int     `yaml:"in_dim"`
	OutDim         int     `yaml:"out_dim"`
	HiddenDims     any     `yaml:"hidden_dims"`
	Depth          int     `yaml:"depth"`
	Activation     string  `yaml:"activation"`
	LastActivation string  `yaml:"last_activation"`
	Dropout        float64 `yaml:"dropout"`
	LastDropout    float64 `yaml:"last_dropout"`
}

// DecodeMLP reads a feed-forward section. Activation defaults to relu and
// the last activation to none.
func DecodeMLP(section config.Tree) (MLPConfig, error) {
	cfg := MLPConfig{Activation: "relu", LastActivation: "none"}
	if err := config.Decode(section, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Hidden returns the hidden layer widths. An integer hidden_dims is
// repeated depth-1 times.
func (c MLPConfig) Hidden() ([]int, error) {
	switch v := c.HiddenDims.(type) {
	case nil:
		if c.Depth > 1 {
			return nil, errors.Errorf("depth %d needs hidden_dims", c.Depth)
		}
		return nil, nil
	case []any:
		dims := make([]int, len(v))
		for i, item := range v {
			n, ok := config.AsInt(item)
			if !ok || n <= 0 {
				return nil, errors.Errorf("hidden_dims[%d] must be a positive integer, got %v", i, item)
			}
			dims[i] = n
		}
		if c.Depth != 0 && c.Depth != len(dims)+1 {
			return nil, errors.Errorf("depth %d does not match %d hidden_dims", c.Depth, len(dims))
		}
		return dims, nil
	default:
		n, ok := config.AsInt(v)
		if !ok || n <= 0 {
			return nil, errors.Errorf("hidden_dims must be a positive integer or a list, got %v", v)
		}
		if c.Depth < 1 {
			return nil, errors.Errorf("integer hidden_dims needs depth >= 1")
		}
		dims := make([]int, c.Depth-1)
		for i := range dims {
			dims[i] = n
		}
		return dims, nil
	}
}

// Spec compiles the section into a layer stack named name. inDim overrides
// the configured in_dim when positive.
func (c MLPConfig) Spec(name string, inDim int) (*layers.ModelSpec, error) {
	if inDim <= 0 {
		inDim = c.InDim
	}
	if inDim <= 0 {
		return nil, errors.Errorf("%s: in_dim must be set", name)
	}
	if c.OutDim <= 0 {
		return nil, errors.Errorf("%s: out_dim must be set", name)
	}
	hidden, err := c.Hidden()
	if err != nil {
		return nil, errors.WithMessage(err, name)
	}
	act, hasAct, err := layers.ParseActivation(c.Activation)
	if err != nil {
		return nil, errors.WithMessage(err, name)
	}
	lastAct, hasLastAct, err := layers.ParseActivation(c.LastActivation)
	if err != nil {
		return nil, errors.WithMessage(err, name)
	}

	dims := append(append([]int{}, hidden...), c.OutDim)
	builder := layers.NewModelBuilder(name, []int{-1, inDim})
	for i, out := range dims {
		builder.AddDense(out, true, fmt.Sprintf("dense_%d", i))
		last := i == len(dims)-1
		switch {
		case !last && hasAct:
			builder.AddActivation(act, fmt.Sprintf("act_%d", i))
		case last && hasLastAct:
			builder.AddActivation(lastAct, fmt.Sprintf("act_%d", i))
		}
		rate := c.Dropout
		if last {
			rate = c.LastDropout
		}
		if rate > 0 {
			builder.AddDropout(rate, fmt.Sprintf("dropout_%d", i))
		}
	}
	return builder.Compile()
}

func scaleDim(n int, factor float64) int {
	scaled := int(math.Round(float64(n) * factor))
	if scaled < 1 {
		return 1
	}
	return scaled
}

// scaleSection rescales hidden_dims and, when scaleOut is set, out_dim of
// a feed-forward section in place.
func scaleSection(section config.Tree, factor float64, scaleOut bool) {
	if section == nil {
		return
	}
	switch v := section["hidden_dims"].(type) {
	case nil:
	case []any:
		for i, item := range v {
			if n, ok := config.AsInt(item); ok {
				v[i] = scaleDim(n, factor)
			}
		}
	default:
		if n, ok := config.AsInt(v); ok {
			section["hidden_dims"] = scaleDim(n, factor)
		}
	}
	if scaleOut {
		if n, ok := config.AsInt(section["out_dim"]); ok {
			section["out_dim"] = scaleDim(n, factor)
		}
	}
}
