package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-molgraph/tensor"
)

// Loss maps predictions and targets of one task to a differentiable scalar
// of shape [1]. Targets that are NaN do not contribute.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// NewLoss returns the loss registered under name: mse, l1 or bce.
func NewLoss(name string) (Loss, error) {
	switch strings.ToLower(name) {
	case "", "mse":
		return NewMSELoss("mean"), nil
	case "l1", "mae":
		return NewL1Loss("mean"), nil
	case "bce", "bce_logits", "bcewithlogits":
		return NewBCEWithLogitsLoss("mean"), nil
	default:
		return nil, fmt.Errorf("unsupported loss %q", name)
	}
}

// elementLoss is the value and derivative of a loss at one prediction.
type elementLoss func(pred, target float64) (float64, float64)

// reduceLoss applies fn to every (prediction, target) pair with a finite
// target and reduces by reduction ("mean" or "sum").
func reduceLoss(name, reduction string, predicted, target *tensor.Tensor, fn elementLoss) (*tensor.Tensor, error) {
	if len(predicted.Shape) != len(target.Shape) {
		return nil, fmt.Errorf("%s: predicted shape %v does not match target shape %v", name, predicted.Shape, target.Shape)
	}
	for i, dim := range predicted.Shape {
		if dim != target.Shape[i] {
			return nil, fmt.Errorf("%s: predicted shape %v does not match target shape %v", name, predicted.Shape, target.Shape)
		}
	}

	pred := predicted
	if pred.DType != tensor.Float32 {
		var err error
		if pred, err = tensor.CastAutograd(predicted, tensor.Float32); err != nil {
			return nil, fmt.Errorf("%s: %v", name, err)
		}
	}
	targets, err := target.Float32Values()
	if err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}

	count := 0
	for _, t := range targets {
		if !math.IsNaN(float64(t)) {
			count++
		}
	}

	elems, err := tensor.PointwiseAutograd(pred, func(i int, x float32) (float32, float32) {
		t := float64(targets[i])
		if math.IsNaN(t) {
			return 0, 0
		}
		y, dy := fn(float64(x), t)
		return float32(y), float32(dy)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}
	loss, err := tensor.SumAutograd(elems)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}
	if reduction == "mean" {
		if count == 0 {
			// every target is missing; the loss is zero with zero gradient
			return tensor.ScaleAutograd(loss, 0)
		}
		return tensor.ScaleAutograd(loss, 1/float32(count))
	}
	return loss, nil
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

func (mse *MSELoss) Name() string { return "mse" }

// Forward computes L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	return reduceLoss("MSELoss", mse.reduction, predicted, target, func(p, t float64) (float64, float64) {
		d := p - t
		return d * d, 2 * d
	})
}

// L1Loss implements mean absolute error.
type L1Loss struct {
	reduction string
}

func NewL1Loss(reduction string) *L1Loss {
	if reduction == "" {
		reduction = "mean"
	}
	return &L1Loss{reduction: reduction}
}

func (l1 *L1Loss) Name() string { return "l1" }

func (l1 *L1Loss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	return reduceLoss("L1Loss", l1.reduction, predicted, target, func(p, t float64) (float64, float64) {
		d := p - t
		switch {
		case d > 0:
			return d, 1
		case d < 0:
			return -d, -1
		default:
			return 0, 0
		}
	})
}

// BCEWithLogitsLoss combines a sigmoid with binary cross entropy using the
// numerically stable form max(x,0) - x*y + log(1+exp(-|x|)).
type BCEWithLogitsLoss struct {
	reduction string
}

func NewBCEWithLogitsLoss(reduction string) *BCEWithLogitsLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &BCEWithLogitsLoss{reduction: reduction}
}

func (bce *BCEWithLogitsLoss) Name() string { return "bce" }

func (bce *BCEWithLogitsLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	return reduceLoss("BCEWithLogitsLoss", bce.reduction, predicted, target, func(x, y float64) (float64, float64) {
		loss := math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
		return loss, 1/(1+math.Exp(-x)) - y
	})
}
