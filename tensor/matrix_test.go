package tensor

import (
	"reflect"
	"testing"
)

func TestMatMul(t *testing.T) {
	a, _ := FromFloat32([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	b, _ := FromFloat32([]int{3, 2}, []float32{7, 8, 9, 10, 11, 12})

	result, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}

	expected := []float32{58, 64, 139, 154}
	if !reflect.DeepEqual(result.Data.([]float32), expected) {
		t.Errorf("Expected %v, got %v", expected, result.Data)
	}

	if _, err := MatMul(a, a); err == nil {
		t.Error("Expected error for incompatible shapes")
	}
}

func TestTranspose(t *testing.T) {
	a, _ := FromInt32([]int{2, 3}, []int32{1, 2, 3, 4, 5, 6})
	result, err := Transpose(a)
	if err != nil {
		t.Fatalf("Transpose failed: %v", err)
	}
	if !reflect.DeepEqual(result.Shape, []int{3, 2}) {
		t.Errorf("Shape = %v, expected [3 2]", result.Shape)
	}
	if !reflect.DeepEqual(result.Data.([]int32), []int32{1, 4, 2, 5, 3, 6}) {
		t.Errorf("Unexpected data %v", result.Data)
	}
}

func TestSqueezeUnsqueeze(t *testing.T) {
	a, _ := FromFloat32([]int{1, 4}, []float32{1, 2, 3, 4})

	squeezed, err := Squeeze(a, 0)
	if err != nil {
		t.Fatalf("Squeeze failed: %v", err)
	}
	if !reflect.DeepEqual(squeezed.Shape, []int{4}) {
		t.Errorf("Shape = %v, expected [4]", squeezed.Shape)
	}

	if _, err := Squeeze(squeezed, 0); err == nil {
		t.Error("Expected error squeezing a dimension of size 4")
	}

	back, err := Unsqueeze(squeezed, 0)
	if err != nil {
		t.Fatalf("Unsqueeze failed: %v", err)
	}
	if !reflect.DeepEqual(back.Shape, []int{1, 4}) {
		t.Errorf("Shape = %v, expected [1 4]", back.Shape)
	}
}

func TestMaxLastDim(t *testing.T) {
	tests := []struct {
		name     string
		shape    []int
		data     []int32
		expShape []int
		expected []int32
	}{
		{"vector", []int{6}, []int32{0, 0, 1, 1, 1, 2}, []int{}, []int32{2}},
		{"matrix", []int{2, 3}, []int32{0, 5, 1, 4, 1, 2}, []int{2}, []int32{5, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, _ := FromInt32(tt.shape, tt.data)
			out, err := MaxLastDim(in)
			if err != nil {
				t.Fatalf("MaxLastDim failed: %v", err)
			}
			if !reflect.DeepEqual(out.Shape, tt.expShape) {
				t.Errorf("Shape = %v, expected %v", out.Shape, tt.expShape)
			}
			if !reflect.DeepEqual(out.Data.([]int32), tt.expected) {
				t.Errorf("Data = %v, expected %v", out.Data, tt.expected)
			}
		})
	}

	empty, _ := FromInt32([]int{0}, []int32{})
	if _, err := MaxLastDim(empty); err == nil {
		t.Error("Expected error for empty axis")
	}
}

func TestConcatAndStack(t *testing.T) {
	a, _ := FromFloat32([]int{2, 2}, []float32{1, 2, 3, 4})
	b, _ := FromFloat32([]int{2, 1}, []float32{5, 6})

	cols, err := Concat([]*Tensor{a, b}, 1)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	if !reflect.DeepEqual(cols.Data.([]float32), []float32{1, 2, 5, 3, 4, 6}) {
		t.Errorf("Unexpected concat data %v", cols.Data)
	}

	if _, err := Concat([]*Tensor{a, b}, 0); err == nil {
		t.Error("Expected error for mismatched non-concat dimension")
	}

	stacked, err := Stack([]*Tensor{a, a})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if !reflect.DeepEqual(stacked.Shape, []int{2, 2, 2}) {
		t.Errorf("Shape = %v, expected [2 2 2]", stacked.Shape)
	}
}
