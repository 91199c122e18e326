package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-molgraph/tensor"
)

// Parameter is a named trainable tensor. WidthMult is the width ratio to
// the base-shape reference model and stays 1 until base shapes are attached.
type Parameter struct {
	Name      string
	Value     *tensor.Tensor
	WidthMult float64
}

// Sequential executes a compiled ModelSpec on Float32 row matrices.
type Sequential struct {
	spec    *ModelSpec
	weights map[int]*Parameter
	biases  map[int]*Parameter
	params  []*Parameter
}

// ForwardOptions controls one Sequential forward pass.
type ForwardOptions struct {
	Training bool
	Rng      *rand.Rand

	// Propagate, when set, runs on the input of every dense layer. Graph
	// layers use it for message passing.
	Propagate func(x *tensor.Tensor) (*tensor.Tensor, error)
}

// Build allocates parameters for a compiled spec. Weights are drawn from
// N(0, 1/fan_in) and biases start at zero.
func (ms *ModelSpec) Build(rng *rand.Rand) (*Sequential, error) {
	if !ms.Compiled {
		return nil, fmt.Errorf("model %q not compiled", ms.Name)
	}

	s := &Sequential{
		spec:    ms,
		weights: make(map[int]*Parameter),
		biases:  make(map[int]*Parameter),
	}

	for i, layer := range ms.Layers {
		if layer.Type != Dense {
			continue
		}
		for j, shape := range layer.ParameterShapes {
			var (
				value *tensor.Tensor
				err   error
			)
			if len(shape) == 2 {
				value, err = tensor.RandomNormal(shape, 0, float32(1/math.Sqrt(float64(shape[0]))), rng)
			} else {
				value, err = tensor.Zeros(shape, tensor.Float32, tensor.CPU)
			}
			if err != nil {
				return nil, fmt.Errorf("failed to create parameter %s: %v", layer.ParameterNames[j], err)
			}
			value.SetRequiresGrad(true)

			p := &Parameter{Name: layer.ParameterNames[j], Value: value, WidthMult: 1}
			if len(shape) == 2 {
				s.weights[i] = p
			} else {
				s.biases[i] = p
			}
			s.params = append(s.params, p)
		}
	}

	return s, nil
}

// Spec returns the compiled spec the stack was built from.
func (s *Sequential) Spec() *ModelSpec { return s.spec }

// Parameters returns the trainable parameters in layer order.
func (s *Sequential) Parameters() []*Parameter { return s.params }

// Forward runs x of shape [rows, in] through every layer.
func (s *Sequential) Forward(x *tensor.Tensor, opts ForwardOptions) (*tensor.Tensor, error) {
	if x.Dim() != 2 {
		return nil, fmt.Errorf("%s: expected 2D input, got shape %v", s.spec.Name, x.Shape)
	}
	if x.Shape[1] != s.spec.InDim() {
		return nil, fmt.Errorf("%s: expected input width %d, got %d", s.spec.Name, s.spec.InDim(), x.Shape[1])
	}

	var err error
	h := x
	for i, layer := range s.spec.Layers {
		switch layer.Type {
		case Dense:
			if opts.Propagate != nil {
				if h, err = opts.Propagate(h); err != nil {
					return nil, fmt.Errorf("%s.%s: propagate: %v", s.spec.Name, layer.Name, err)
				}
			}
			if h, err = tensor.MatMulAutograd(h, s.weights[i].Value); err != nil {
				return nil, fmt.Errorf("%s.%s: %v", s.spec.Name, layer.Name, err)
			}
			if b, ok := s.biases[i]; ok {
				if h, err = tensor.BiasAddAutograd(h, b.Value); err != nil {
					return nil, fmt.Errorf("%s.%s: %v", s.spec.Name, layer.Name, err)
				}
			}
		case ReLU:
			h, err = tensor.ReLUAutograd(h)
		case Sigmoid:
			h, err = tensor.SigmoidAutograd(h)
		case Tanh:
			h, err = tensor.TanhAutograd(h)
		case Dropout:
			h, err = dropout(h, layer, opts)
		default:
			err = fmt.Errorf("unsupported layer type: %s", layer.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %v", s.spec.Name, layer.Name, err)
		}
	}
	return h, nil
}

func dropout(h *tensor.Tensor, layer LayerSpec, opts ForwardOptions) (*tensor.Tensor, error) {
	rate, _ := layer.Parameters["rate"].(float64)
	if !opts.Training || rate <= 0 || opts.Rng == nil {
		return h, nil
	}
	if rate >= 1 {
		return tensor.ScaleAutograd(h, 0)
	}

	keep := float32(1 / (1 - rate))
	mask := make([]float32, h.NumElems)
	for i := range mask {
		if opts.Rng.Float64() >= rate {
			mask[i] = keep
		}
	}
	m, err := tensor.NewTensor(h.Shape, tensor.Float32, h.Device, mask)
	if err != nil {
		return nil, err
	}
	return tensor.MaskAutograd(h, m)
}
