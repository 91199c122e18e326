package ipu

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/tensor"
	"github.com/tsawler/go-molgraph/training"
)

// PrecisionToDtype maps a trainer precision setting to the dtype features
// are fed in: 16 selects half precision, anything else full precision.
func PrecisionToDtype(precision any) tensor.DType {
	switch p := precision.(type) {
	case int:
		if p == 16 {
			return tensor.Float16
		}
	case float64:
		if p == 16 {
			return tensor.Float16
		}
	case string:
		if p == "16" {
			return tensor.Float16
		}
	}
	return tensor.Float32
}

// ConvertFeaturesDtype returns a copy of b whose floating point tensor
// fields are converted to dtype. Integer fields and non-tensor fields are
// carried over unchanged.
func ConvertFeaturesDtype(b *graphdata.Batch, dtype tensor.DType) (*graphdata.Batch, error) {
	out := b.Clone()
	for _, k := range b.TensorKeys() {
		t, _ := b.Tensor(k)
		if !t.IsFloatingPoint() || t.DType == dtype {
			continue
		}
		converted, err := t.ToDType(dtype)
		if err != nil {
			return nil, errors.WithMessagef(err, "field %s", k)
		}
		out.Set(k, converted)
	}
	return out, nil
}

// ConvertFromFP16 widens every half precision tensor reachable from data to
// Float32. Slices and maps of any element type are converted in place and
// returned, arrays are returned as converted copies. Other values are
// returned unchanged.
func ConvertFromFP16(data any) (any, error) {
	switch v := data.(type) {
	case *tensor.Tensor:
		return fromFP16(v)
	case []*tensor.Tensor:
		for i, t := range v {
			c, err := fromFP16(t)
			if err != nil {
				return nil, err
			}
			v[i] = c
		}
	case map[string]*tensor.Tensor:
		if err := convertTensorMap(v); err != nil {
			return nil, err
		}
	case []any:
		for i, item := range v {
			c, err := ConvertFromFP16(item)
			if err != nil {
				return nil, err
			}
			v[i] = c
		}
	case map[string]any:
		for k, item := range v {
			c, err := ConvertFromFP16(item)
			if err != nil {
				return nil, err
			}
			v[k] = c
		}
	case *training.StepOutput:
		if v == nil {
			return v, nil
		}
		loss, err := fromFP16(v.Loss)
		if err != nil {
			return nil, err
		}
		v.Loss = loss
		if err := convertTensorMap(v.Preds); err != nil {
			return nil, err
		}
		if err := convertTensorMap(v.Targets); err != nil {
			return nil, err
		}
	case []*training.StepOutput:
		for _, o := range v {
			if _, err := ConvertFromFP16(o); err != nil {
				return nil, err
			}
		}
	default:
		rv := reflect.ValueOf(data)
		if !rv.IsValid() {
			return data, nil
		}
		out, err := convertValue(rv)
		if err != nil {
			return nil, err
		}
		return out.Interface(), nil
	}
	return data, nil
}

var (
	tensorType     = reflect.TypeOf((*tensor.Tensor)(nil))
	stepOutputType = reflect.TypeOf((*training.StepOutput)(nil))
)

// convertValue walks typed containers. The returned value replaces v in its
// parent.
func convertValue(v reflect.Value) (reflect.Value, error) {
	switch {
	case v.Type() == tensorType:
		t, err := fromFP16(v.Interface().(*tensor.Tensor))
		if err != nil {
			return v, err
		}
		return reflect.ValueOf(t), nil
	case v.Type() == stepOutputType:
		_, err := ConvertFromFP16(v.Interface())
		return v, err
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v, nil
		}
		out, err := ConvertFromFP16(v.Interface())
		if err != nil || out == nil {
			return v, err
		}
		return reflect.ValueOf(out), nil
	case reflect.Array:
		if !v.CanAddr() {
			cp := reflect.New(v.Type()).Elem()
			cp.Set(v)
			v = cp
		}
		fallthrough
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			c, err := convertValue(v.Index(i))
			if err != nil {
				return v, errors.WithMessagef(err, "index %d", i)
			}
			v.Index(i).Set(c)
		}
	case reflect.Map:
		for _, k := range v.MapKeys() {
			c, err := convertValue(v.MapIndex(k))
			if err != nil {
				return v, errors.WithMessagef(err, "key %v", k.Interface())
			}
			v.SetMapIndex(k, c)
		}
	}
	return v, nil
}

func fromFP16(t *tensor.Tensor) (*tensor.Tensor, error) {
	if t == nil || t.DType != tensor.Float16 {
		return t, nil
	}
	return t.ToFloat32()
}

func convertTensorMap(m map[string]*tensor.Tensor) error {
	for k, t := range m {
		c, err := fromFP16(t)
		if err != nil {
			return errors.WithMessagef(err, "field %s", k)
		}
		m[k] = c
	}
	return nil
}

// NumGraphs counts the graphs in b from its batch assignment field. Every
// row along the last axis is one host batch; its graph count is its largest
// graph index plus one. Rows are summed, so replicated or accumulated
// batches stacked on leading axes are all counted.
func NumGraphs(b *graphdata.Batch) (int, error) {
	assign, err := b.MustTensor(graphdata.FieldBatch)
	if err != nil {
		return 0, err
	}
	if assign.NumElems == 0 {
		return 0, nil
	}
	top, err := tensor.MaxLastDim(assign)
	if err != nil {
		return 0, err
	}
	values, err := top.Float32Values()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, v := range values {
		total += int(v) + 1
	}
	return total, nil
}

// IdentityLoss marks loss as the value the device reduces across
// replicas, returning it reduced by reduction: mean, sum or none.
func IdentityLoss(loss *tensor.Tensor, reduction string) (*tensor.Tensor, error) {
	if loss == nil {
		return nil, errors.New("identity loss of a nil tensor")
	}
	switch reduction {
	case "mean":
		if loss.NumElems == 1 {
			return loss, nil
		}
		return tensor.MeanAutograd(loss)
	case "sum":
		if loss.NumElems == 1 {
			return loss, nil
		}
		return tensor.SumAutograd(loss)
	case "none":
		return loss, nil
	default:
		return nil, errors.Errorf("unsupported loss reduction %q", reduction)
	}
}
