package training

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/tsawler/go-molgraph/layers"
	"github.com/tsawler/go-molgraph/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates parameters from their gradients
	ZeroGrad()        // Drops accumulated gradients
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// OptimizerConfig is the optimizer section of the predictor configuration.
type OptimizerConfig struct {
	Name        string  `yaml:"name"`
	LR          float64 `yaml:"lr"`
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
	Beta1       float64 `yaml:"beta1"`
	Beta2       float64 `yaml:"beta2"`
	Eps         float64 `yaml:"eps"`
}

// NewOptimizer builds the optimizer named in cfg. Name defaults to adam.
func NewOptimizer(params []*layers.Parameter, cfg OptimizerConfig) (Optimizer, error) {
	if cfg.LR <= 0 {
		cfg.LR = 1e-3
	}
	switch strings.ToLower(cfg.Name) {
	case "", "adam":
		return NewAdam(params, cfg.LR, cfg.Beta1, cfg.Beta2, cfg.Eps, cfg.WeightDecay), nil
	case "sgd":
		return NewSGD(params, cfg.LR, cfg.Momentum, cfg.WeightDecay), nil
	default:
		return nil, fmt.Errorf("unsupported optimizer %q", cfg.Name)
	}
}

// gradValues returns the parameter's values and gradient as float32 slices.
func gradValues(p *layers.Parameter) ([]float32, []float32, error) {
	grad := p.Value.Grad()
	if grad == nil {
		return nil, nil, nil
	}
	values, err := p.Value.GetFloat32Data()
	if err != nil {
		return nil, nil, fmt.Errorf("parameter %s: %v", p.Name, err)
	}
	g, err := grad.Float32Values()
	if err != nil {
		return nil, nil, fmt.Errorf("gradient of %s: %v", p.Name, err)
	}
	if len(g) != len(values) {
		return nil, nil, fmt.Errorf("gradient of %s has %d values for %d weights", p.Name, len(g), len(values))
	}
	return values, g, nil
}

func zeroGrad(params []*layers.Parameter) {
	values := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		values[i] = p.Value
	}
	tensor.ZeroGrad(values)
}

// SGD implements Stochastic Gradient Descent with optional momentum.
type SGD struct {
	parameters   []*layers.Parameter
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   map[*layers.Parameter][]float32
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*layers.Parameter, lr, momentum, weightDecay float64) *SGD {
	return &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make(map[*layers.Parameter][]float32),
	}
}

// Step performs a single optimization step. Parameter data is updated in
// place.
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, p := range sgd.parameters {
		values, grad, err := gradValues(p)
		if err != nil {
			return err
		}
		if grad == nil {
			continue
		}
		velocity := sgd.velocities[p]
		if sgd.momentum > 0 && velocity == nil {
			velocity = make([]float32, len(values))
			sgd.velocities[p] = velocity
		}
		lr := float32(sgd.learningRate)
		for i := range values {
			g := grad[i] + float32(sgd.weightDecay)*values[i]
			if sgd.momentum > 0 {
				velocity[i] = float32(sgd.momentum)*velocity[i] + g
				g = velocity[i]
			}
			values[i] -= lr * g
		}
	}
	return nil
}

// ZeroGrad resets gradients for all parameters
func (sgd *SGD) ZeroGrad() {
	zeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// Adam implements the Adam optimizer. The step size of a parameter is
// divided by its width multiplier so that widened matrices keep the update
// scale of their base shape.
type Adam struct {
	parameters  []*layers.Parameter
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*layers.Parameter][]float32 // First moment estimates
	v           map[*layers.Parameter][]float32 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer. Zero betas and eps take the usual
// defaults.
func NewAdam(parameters []*layers.Parameter, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	if beta1 == 0 {
		beta1 = 0.9
	}
	if beta2 == 0 {
		beta2 = 0.999
	}
	if eps == 0 {
		eps = 1e-8
	}
	return &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*layers.Parameter][]float32),
		v:           make(map[*layers.Parameter][]float32),
	}
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, p := range adam.parameters {
		values, grad, err := gradValues(p)
		if err != nil {
			return err
		}
		if grad == nil {
			continue
		}
		m, v := adam.m[p], adam.v[p]
		if m == nil {
			m = make([]float32, len(values))
			v = make([]float32, len(values))
			adam.m[p], adam.v[p] = m, v
		}

		lr := adam.lr
		if p.WidthMult > 0 {
			lr /= p.WidthMult
		}
		for i := range values {
			g := float64(grad[i]) + adam.weightDecay*float64(values[i])
			mi := adam.beta1*float64(m[i]) + (1-adam.beta1)*g
			vi := adam.beta2*float64(v[i]) + (1-adam.beta2)*g*g
			m[i], v[i] = float32(mi), float32(vi)

			mHat := mi / bias1
			vHat := vi / bias2
			values[i] -= float32(lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}
	return nil
}

// ZeroGrad resets gradients for all parameters
func (adam *Adam) ZeroGrad() {
	zeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}
