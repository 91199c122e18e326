package layers

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	ReLU
	Sigmoid
	Tanh
	Dropout
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	case Sigmoid:
		return "Sigmoid"
	case Tanh:
		return "Tanh"
	case Dropout:
		return "Dropout"
	default:
		return "Unknown"
	}
}

// ParseActivation maps an activation name to its layer type. The second
// return is false for "none", "identity" and the empty string.
func ParseActivation(name string) (LayerType, bool, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "identity", "linear":
		return 0, false, nil
	case "relu":
		return ReLU, true, nil
	case "sigmoid":
		return Sigmoid, true, nil
	case "tanh":
		return Tanh, true, nil
	default:
		return 0, false, fmt.Errorf("unsupported activation %q", name)
	}
}

// LayerSpec defines layer configuration
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterNames  []string `json:"parameter_names,omitempty"`
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
	ParameterCount  int64    `json:"parameter_count,omitempty"`
}

// ModelSpec defines a stack of layers as configuration
type ModelSpec struct {
	Name   string      `json:"name"`
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64    `json:"total_parameters"`
	ParameterNames  []string `json:"parameter_names"`
	ParameterShapes [][]int  `json:"parameter_shapes"`
	InputShape      []int    `json:"input_shape"`
	OutputShape     []int    `json:"output_shape"`
	Compiled        bool     `json:"compiled"`
}

// ModelBuilder helps construct layer stacks
type ModelBuilder struct {
	name       string
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. The leading dimension of
// inputShape is the row count and may be -1 when it varies per batch.
// name prefixes every parameter name.
func NewModelBuilder(name string, inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		name:       name,
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	layer := LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
	return mb.AddLayer(layer)
}

// AddActivation adds a parameter-free activation layer
func (mb *ModelBuilder) AddActivation(lt LayerType, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       lt,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddDropout adds a Dropout layer to the model
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (mb *ModelBuilder) AddDropout(rate float64, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	}
	return mb.AddLayer(layer)
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model %q", mb.name)
	}

	model := &ModelSpec{
		Name:       mb.name,
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	for i, l := range mb.layers {
		params := make(map[string]interface{}, len(l.Parameters))
		for k, v := range l.Parameters {
			params[k] = v
		}
		l.Parameters = params
		model.Layers[i] = l
	}

	currentShape := mb.inputShape
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramNames, paramShapes, paramCount, err := mb.computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterNames = paramNames
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		model.ParameterNames = append(model.ParameterNames, paramNames...)
		model.ParameterShapes = append(model.ParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, []string, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return mb.computeDenseInfo(layer, inputShape)
	case ReLU, Sigmoid, Tanh, Dropout:
		return mb.computeActivationInfo(inputShape)
	default:
		return nil, nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func (mb *ModelBuilder) computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, []string, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, nil, 0, fmt.Errorf("dense layer requires at least 2D input")
	}

	outputSize, ok := layer.Parameters["output_size"].(int)
	if !ok || outputSize <= 0 {
		return nil, nil, nil, 0, fmt.Errorf("missing or invalid output_size parameter")
	}

	useBias := true
	if bias, exists := layer.Parameters["use_bias"].(bool); exists {
		useBias = bias
	}

	// All dimensions except the row dimension are flattened
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}
	if inputSize <= 0 {
		return nil, nil, nil, 0, fmt.Errorf("dense layer input width must be positive, got %d", inputSize)
	}
	layer.Parameters["input_size"] = inputSize

	outputShape := []int{inputShape[0], outputSize}

	prefix := layer.Name
	if mb.name != "" {
		prefix = mb.name + "." + layer.Name
	}

	names := []string{prefix + ".weight"}
	shapes := [][]int{{inputSize, outputSize}}
	count := int64(inputSize * outputSize)

	if useBias {
		names = append(names, prefix+".bias")
		shapes = append(shapes, []int{outputSize})
		count += int64(outputSize)
	}

	return outputShape, names, shapes, count, nil
}

func (mb *ModelBuilder) computeActivationInfo(inputShape []int) ([]int, []string, [][]int, int64, error) {
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)
	return outputShape, nil, nil, 0, nil
}

// InDim returns the width of the first dense layer input.
func (ms *ModelSpec) InDim() int {
	if len(ms.InputShape) < 2 {
		return 0
	}
	return ms.InputShape[len(ms.InputShape)-1]
}

// OutDim returns the width of the last layer output.
func (ms *ModelSpec) OutDim() int {
	if len(ms.OutputShape) < 2 {
		return 0
	}
	return ms.OutputShape[len(ms.OutputShape)-1]
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model %s: %s parameters, %d layers\n", ms.Name, humanize.Comma(ms.TotalParameters), len(ms.Layers))
	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "  %2d %-10s %-12s %v -> %v", i+1, layer.Type, layer.Name, layer.InputShape, layer.OutputShape)
		if layer.ParameterCount > 0 {
			fmt.Fprintf(&b, "  params=%s", humanize.Comma(layer.ParameterCount))
		}
		b.WriteString("\n")
	}
	return b.String()
}
