package layers

import (
	"reflect"
	"strings"
	"testing"
)

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		lt   LayerType
		want string
	}{
		{Dense, "Dense"},
		{ReLU, "ReLU"},
		{Sigmoid, "Sigmoid"},
		{Tanh, "Tanh"},
		{Dropout, "Dropout"},
		{LayerType(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.lt.String(); got != tt.want {
			t.Errorf("LayerType(%d).String() = %s, want %s", tt.lt, got, tt.want)
		}
	}
}

func TestParseActivation(t *testing.T) {
	tests := []struct {
		name    string
		want    LayerType
		present bool
		wantErr bool
	}{
		{"relu", ReLU, true, false},
		{"ReLU", ReLU, true, false},
		{"sigmoid", Sigmoid, true, false},
		{"tanh", Tanh, true, false},
		{"none", 0, false, false},
		{"", 0, false, false},
		{"gelu", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, present, err := ParseActivation(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseActivation(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if present != tt.present || (present && got != tt.want) {
				t.Errorf("ParseActivation(%q) = %v, %v; want %v, %v", tt.name, got, present, tt.want, tt.present)
			}
		})
	}
}

func TestCompileComputesShapes(t *testing.T) {
	model, err := NewModelBuilder("mlp", []int{-1, 10}).
		AddDense(16, true, "dense_0").
		AddActivation(ReLU, "relu_0").
		AddDropout(0.1, "dropout_0").
		AddDense(3, false, "dense_1").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if !reflect.DeepEqual(model.OutputShape, []int{-1, 3}) {
		t.Errorf("OutputShape = %v, want [-1 3]", model.OutputShape)
	}
	wantNames := []string{"mlp.dense_0.weight", "mlp.dense_0.bias", "mlp.dense_1.weight"}
	if !reflect.DeepEqual(model.ParameterNames, wantNames) {
		t.Errorf("ParameterNames = %v, want %v", model.ParameterNames, wantNames)
	}
	wantShapes := [][]int{{10, 16}, {16}, {16, 3}}
	if !reflect.DeepEqual(model.ParameterShapes, wantShapes) {
		t.Errorf("ParameterShapes = %v, want %v", model.ParameterShapes, wantShapes)
	}
	if model.TotalParameters != 10*16+16+16*3 {
		t.Errorf("TotalParameters = %d", model.TotalParameters)
	}
	if model.InDim() != 10 || model.OutDim() != 3 {
		t.Errorf("InDim/OutDim = %d/%d, want 10/3", model.InDim(), model.OutDim())
	}
	if input := model.Layers[3].Parameters["input_size"]; input != 16 {
		t.Errorf("dense_1 input_size = %v, want 16", input)
	}
}

func TestCompileDoesNotShareParameterMaps(t *testing.T) {
	builder := NewModelBuilder("", []int{-1, 4}).AddDense(2, true, "dense")
	first, err := builder.Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	first.Layers[0].Parameters["output_size"] = 100

	second, err := builder.Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if second.OutDim() != 2 {
		t.Errorf("recompiled OutDim = %d, want 2", second.OutDim())
	}
	if second.ParameterNames[0] != "dense.weight" {
		t.Errorf("unprefixed name = %s", second.ParameterNames[0])
	}
}

func TestCompileErrors(t *testing.T) {
	if _, err := NewModelBuilder("empty", []int{-1, 4}).Compile(); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := NewModelBuilder("zero", []int{-1, 0}).AddDense(2, true, "d").Compile(); err == nil {
		t.Error("expected error for zero input width")
	}
	if _, err := NewModelBuilder("bad", []int{-1, 4}).AddDense(0, true, "d").Compile(); err == nil {
		t.Error("expected error for zero output size")
	}
}

func TestSummary(t *testing.T) {
	model, err := NewModelBuilder("head", []int{-1, 1000}).AddDense(1000, true, "dense").Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	summary := model.Summary()
	if !strings.Contains(summary, "1,001,000 parameters") {
		t.Errorf("summary missing humanized parameter count:\n%s", summary)
	}
	if (&ModelSpec{}).Summary() != "Model not compiled" {
		t.Error("uncompiled summary mismatch")
	}
}
