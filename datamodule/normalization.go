package datamodule

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-molgraph/tensor"
)

// Label normalization methods.
const (
	NormNone   = "none"
	NormNormal = "normal"
	NormUnit   = "unit"
)

// NormalizationConfig is the label_normalization section of a task.
type NormalizationConfig struct {
	Method      string   `yaml:"method"`
	MinClipping *float64 `yaml:"min_clipping"`
	MaxClipping *float64 `yaml:"max_clipping"`
}

// LabelNormalization maps the labels of one task to the scale the model is
// trained on, column by column. Denormalize undoes Normalize.
type LabelNormalization struct {
	Method string
	Shift  []float64
	Scale  []float64

	minClip *float64
	maxClip *float64
}

// FitLabelNormalization computes the per-column statistics of labels, a
// row-major [rows, width] block. NaN entries are missing labels and are
// ignored.
func FitLabelNormalization(cfg NormalizationConfig, labels []float32, width int) (*LabelNormalization, error) {
	method := strings.ToLower(cfg.Method)
	if method == "" {
		method = NormNone
	}
	if width <= 0 {
		return nil, errors.Errorf("label width must be positive, got %d", width)
	}
	if len(labels)%width != 0 {
		return nil, errors.Errorf("%d labels do not fill rows of width %d", len(labels), width)
	}

	n := &LabelNormalization{
		Method:  method,
		Shift:   make([]float64, width),
		Scale:   make([]float64, width),
		minClip: cfg.MinClipping,
		maxClip: cfg.MaxClipping,
	}
	for col := 0; col < width; col++ {
		var column []float64
		for i := col; i < len(labels); i += width {
			if v := float64(labels[i]); !math.IsNaN(v) {
				column = append(column, v)
			}
		}

		shift, scale := 0.0, 1.0
		switch method {
		case NormNone:
		case NormNormal:
			if len(column) > 1 {
				shift, scale = stat.MeanStdDev(column, nil)
			} else if len(column) == 1 {
				shift = column[0]
			}
		case NormUnit:
			if len(column) > 0 {
				shift = floats.Min(column)
				scale = floats.Max(column) - shift
			}
		default:
			return nil, errors.Errorf("unsupported label normalization method %q", cfg.Method)
		}
		if scale == 0 || math.IsNaN(scale) {
			scale = 1
		}
		n.Shift[col], n.Scale[col] = shift, scale
	}
	return n, nil
}

// Width is the number of label columns.
func (n *LabelNormalization) Width() int { return len(n.Shift) }

func (n *LabelNormalization) Normalize(t *tensor.Tensor) (*tensor.Tensor, error) {
	return n.apply(t, func(v float64, col int) float64 {
		out := (v - n.Shift[col]) / n.Scale[col]
		if n.minClip != nil && out < *n.minClip {
			out = *n.minClip
		}
		if n.maxClip != nil && out > *n.maxClip {
			out = *n.maxClip
		}
		return out
	})
}

func (n *LabelNormalization) Denormalize(t *tensor.Tensor) (*tensor.Tensor, error) {
	return n.apply(t, func(v float64, col int) float64 {
		return v*n.Scale[col] + n.Shift[col]
	})
}

// apply maps every value of t, keeping its shape and dtype.
func (n *LabelNormalization) apply(t *tensor.Tensor, fn func(v float64, col int) float64) (*tensor.Tensor, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	if n.Method == NormNone {
		return t, nil
	}
	width := n.Width()
	if t.Dim() == 0 || t.Shape[t.Dim()-1] != width {
		return nil, errors.Errorf("tensor shape %v does not end in label width %d", t.Shape, width)
	}
	values, err := t.Float32Values()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(fn(float64(v), i%width))
	}
	result, err := tensor.FromFloat32(t.Shape, out)
	if err != nil {
		return nil, err
	}
	if t.DType != tensor.Float32 {
		return result.ToDType(t.DType)
	}
	return result, nil
}

// Description reports the fitted statistics.
func (n *LabelNormalization) Description() map[string]any {
	return map[string]any{
		"method": n.Method,
		"shift":  append([]float64(nil), n.Shift...),
		"scale":  append([]float64(nil), n.Scale...),
	}
}
