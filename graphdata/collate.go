package graphdata

import (
	"fmt"
	"math"
	"sort"

	"github.com/tsawler/go-molgraph/tensor"
)

// Graph is a single featurized molecule.
type Graph struct {
	Feat      *tensor.Tensor            // [n, d] node features
	EdgeFeat  *tensor.Tensor            // [m, e] edge features, may be nil
	EdgeIndex *tensor.Tensor            // [2, m] int32 source/target rows
	PE        map[string]*tensor.Tensor // positional encodings keyed by field name
	Smiles    string
	Labels    map[string][]float32
}

func (g *Graph) NumNodes() int {
	if g.Feat == nil || g.Feat.Dim() == 0 {
		return 0
	}
	return g.Feat.Shape[0]
}

func (g *Graph) NumEdges() int {
	if g.EdgeIndex == nil || g.EdgeIndex.Dim() != 2 {
		return 0
	}
	return g.EdgeIndex.Shape[1]
}

// Collate merges graphs into one batch. Node indices in edge_index are
// offset so they address the concatenated node rows, and the batch field
// maps each node to its graph.
func Collate(graphs []*Graph) (*Batch, error) {
	b := NewBatch()
	if len(graphs) == 0 {
		return emptyBatch()
	}

	feats := make([]*tensor.Tensor, len(graphs))
	var edgeFeats []*tensor.Tensor
	hasEdgeFeat := graphs[0].EdgeFeat != nil
	var src, dst, assign []int32
	smiles := make([]string, len(graphs))
	offset := int32(0)

	for i, g := range graphs {
		if g.Feat == nil || g.Feat.Dim() != 2 {
			return nil, fmt.Errorf("graph %d has no 2-D node features", i)
		}
		feats[i] = g.Feat
		if hasEdgeFeat {
			if g.EdgeFeat == nil {
				return nil, fmt.Errorf("graph %d is missing edge features", i)
			}
			edgeFeats = append(edgeFeats, g.EdgeFeat)
		}

		if g.EdgeIndex != nil {
			ei, err := g.EdgeIndex.GetInt32Data()
			if err != nil {
				return nil, fmt.Errorf("graph %d edge_index: %v", i, err)
			}
			m := g.NumEdges()
			for e := 0; e < m; e++ {
				src = append(src, ei[e]+offset)
				dst = append(dst, ei[m+e]+offset)
			}
		}

		n := g.NumNodes()
		for k := 0; k < n; k++ {
			assign = append(assign, int32(i))
		}
		offset += int32(n)
		smiles[i] = g.Smiles
	}

	feat, err := tensor.Concat(feats, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to collate node features: %v", err)
	}
	b.Set(FieldFeat, feat)

	if hasEdgeFeat {
		edgeFeat, err := tensor.Concat(edgeFeats, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to collate edge features: %v", err)
		}
		b.Set(FieldEdgeFeat, edgeFeat)
	}

	edgeIndex, err := tensor.FromInt32([]int{2, len(src)}, append(src, dst...))
	if err != nil {
		return nil, err
	}
	b.Set(FieldEdgeIndex, edgeIndex)

	batchVec, err := tensor.FromInt32([]int{len(assign)}, assign)
	if err != nil {
		return nil, err
	}
	b.Set(FieldBatch, batchVec)

	peKeys := make([]string, 0, len(graphs[0].PE))
	for k := range graphs[0].PE {
		peKeys = append(peKeys, k)
	}
	sort.Strings(peKeys)
	for _, key := range peKeys {
		parts := make([]*tensor.Tensor, len(graphs))
		for i, g := range graphs {
			pe, ok := g.PE[key]
			if !ok {
				return nil, fmt.Errorf("graph %d is missing positional encoding %q", i, key)
			}
			parts[i] = pe
		}
		pe, err := tensor.Concat(parts, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to collate positional encoding %q: %v", key, err)
		}
		b.Set(key, pe)
	}

	b.Set(FieldNumGraphs, len(graphs))
	b.Set(FieldSmiles, smiles)
	return b, nil
}

func emptyBatch() (*Batch, error) {
	b := NewBatch()
	feat, err := tensor.Zeros([]int{0, 0}, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, err
	}
	edgeIndex, err := tensor.Zeros([]int{2, 0}, tensor.Int32, tensor.CPU)
	if err != nil {
		return nil, err
	}
	batchVec, err := tensor.Zeros([]int{0}, tensor.Int32, tensor.CPU)
	if err != nil {
		return nil, err
	}
	b.Set(FieldFeat, feat)
	b.Set(FieldEdgeIndex, edgeIndex)
	b.Set(FieldBatch, batchVec)
	b.Set(FieldNumGraphs, 0)
	b.Set(FieldSmiles, []string{})
	return b, nil
}

// CollateLabels stacks per-graph labels into one [g, dim] tensor per task.
// Missing labels become NaN.
func CollateLabels(graphs []*Graph, taskDims map[string]int) (map[string]*tensor.Tensor, error) {
	labels := make(map[string]*tensor.Tensor, len(taskDims))
	nan := float32(math.NaN())
	for task, dim := range taskDims {
		values := make([]float32, 0, len(graphs)*dim)
		for i, g := range graphs {
			v, ok := g.Labels[task]
			switch {
			case !ok:
				for k := 0; k < dim; k++ {
					values = append(values, nan)
				}
			case len(v) != dim:
				return nil, fmt.Errorf("graph %d has %d labels for task %q, expected %d", i, len(v), task, dim)
			default:
				values = append(values, v...)
			}
		}
		t, err := tensor.FromFloat32([]int{len(graphs), dim}, values)
		if err != nil {
			return nil, err
		}
		labels[task] = t
	}
	return labels, nil
}
