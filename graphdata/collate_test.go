package graphdata

import (
	"math"
	"reflect"
	"testing"

	"github.com/tsawler/go-molgraph/tensor"
)

func testGraph(t *testing.T, nodes int, edges [][2]int32, smiles string) *Graph {
	t.Helper()
	feat := make([]float32, nodes*2)
	for i := range feat {
		feat[i] = float32(i)
	}
	f, err := tensor.FromFloat32([]int{nodes, 2}, feat)
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}
	idx := make([]int32, 2*len(edges))
	for e, pair := range edges {
		idx[e] = pair[0]
		idx[len(edges)+e] = pair[1]
	}
	ei, err := tensor.FromInt32([]int{2, len(edges)}, idx)
	if err != nil {
		t.Fatalf("FromInt32 failed: %v", err)
	}
	ef, err := tensor.Ones([]int{len(edges), 1}, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Ones failed: %v", err)
	}
	return &Graph{Feat: f, EdgeFeat: ef, EdgeIndex: ei, Smiles: smiles}
}

func TestCollateOffsetsEdgeIndex(t *testing.T) {
	g1 := testGraph(t, 2, [][2]int32{{0, 1}, {1, 0}}, "CC")
	g2 := testGraph(t, 3, [][2]int32{{0, 2}}, "CCO")

	b, err := Collate([]*Graph{g1, g2})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}

	ei, _ := b.Tensor(FieldEdgeIndex)
	expected := []int32{0, 1, 2, 1, 0, 4}
	if !reflect.DeepEqual(ei.Data.([]int32), expected) {
		t.Errorf("edge_index = %v, expected %v", ei.Data, expected)
	}

	assign, _ := b.Tensor(FieldBatch)
	if !reflect.DeepEqual(assign.Data.([]int32), []int32{0, 0, 1, 1, 1}) {
		t.Errorf("batch = %v", assign.Data)
	}

	if b.NumGraphs() != 2 {
		t.Errorf("NumGraphs = %d, expected 2", b.NumGraphs())
	}
	if b.NumNodes() != 5 {
		t.Errorf("NumNodes = %d, expected 5", b.NumNodes())
	}
	smiles, _ := b.Get(FieldSmiles)
	if !reflect.DeepEqual(smiles, []string{"CC", "CCO"}) {
		t.Errorf("smiles = %v", smiles)
	}
}

func TestCollateEmpty(t *testing.T) {
	b, err := Collate(nil)
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	if b.NumGraphs() != 0 || b.NumNodes() != 0 {
		t.Errorf("Expected empty batch, got %d graphs %d nodes", b.NumGraphs(), b.NumNodes())
	}
	if !reflect.DeepEqual(b.TensorKeys(), []string{FieldBatch, FieldEdgeIndex, FieldFeat}) {
		t.Errorf("TensorKeys = %v", b.TensorKeys())
	}
}

func TestTensorKeysSortedIndependentOfInsertion(t *testing.T) {
	x := tensor.Scalar(1)
	a := NewBatch()
	a.Set("zeta", x)
	a.Set("alpha", x)
	a.Set("note", "not a tensor")
	a.Set("mid", x)

	b := NewBatch()
	b.Set("mid", x)
	b.Set("zeta", x)
	b.Set("alpha", x)

	expected := []string{"alpha", "mid", "zeta"}
	if !reflect.DeepEqual(a.TensorKeys(), expected) {
		t.Errorf("TensorKeys = %v, expected %v", a.TensorKeys(), expected)
	}
	if !reflect.DeepEqual(b.TensorKeys(), expected) {
		t.Errorf("TensorKeys = %v, expected %v", b.TensorKeys(), expected)
	}
	if !reflect.DeepEqual(a.Keys(), []string{"zeta", "alpha", "note", "mid"}) {
		t.Errorf("Keys should keep insertion order, got %v", a.Keys())
	}
}

func TestCollateLabelsFillsMissingWithNaN(t *testing.T) {
	g1 := testGraph(t, 1, nil, "C")
	g1.Labels = map[string][]float32{"homo": {1.5}}
	g2 := testGraph(t, 1, nil, "O")

	labels, err := CollateLabels([]*Graph{g1, g2}, map[string]int{"homo": 1})
	if err != nil {
		t.Fatalf("CollateLabels failed: %v", err)
	}
	values := labels["homo"].Data.([]float32)
	if values[0] != 1.5 || !math.IsNaN(float64(values[1])) {
		t.Errorf("Unexpected labels %v", values)
	}
}
