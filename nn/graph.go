package nn

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/tensor"
)

// graphOperators holds the constant matrices of one batch.
type graphOperators struct {
	numNodes  int
	numGraphs int
	adjacency *tensor.Tensor // [N, N] symmetric-normalized A+I
	incoming  *tensor.Tensor // [N, E] mean over incoming edges
	pool      *tensor.Tensor // [G, N] mean over member nodes
}

func buildOperators(batch *graphdata.Batch, numNodes int) (*graphOperators, error) {
	ops := &graphOperators{numNodes: numNodes}

	var src, dst []int32
	if ei, ok := batch.Tensor(graphdata.FieldEdgeIndex); ok {
		if ei.Dim() != 2 || ei.Shape[0] != 2 {
			return nil, errors.Errorf("edge_index must have shape [2, E], got %v", ei.Shape)
		}
		data, err := ei.GetInt32Data()
		if err != nil {
			return nil, errors.Wrap(err, "edge_index")
		}
		numEdges := ei.Shape[1]
		src, dst = data[:numEdges], data[numEdges:]
	}
	for i := range src {
		if int(src[i]) >= numNodes || int(dst[i]) >= numNodes || src[i] < 0 || dst[i] < 0 {
			return nil, errors.Errorf("edge %d (%d->%d) references a node outside [0, %d)", i, src[i], dst[i], numNodes)
		}
	}

	// A+I with D^-1/2 (A+I) D^-1/2 normalization
	adj := make([]float32, numNodes*numNodes)
	for n := 0; n < numNodes; n++ {
		adj[n*numNodes+n] = 1
	}
	for i := range src {
		adj[int(dst[i])*numNodes+int(src[i])] = 1
	}
	deg := make([]float64, numNodes)
	for r := 0; r < numNodes; r++ {
		for c := 0; c < numNodes; c++ {
			deg[r] += float64(adj[r*numNodes+c])
		}
	}
	for r := 0; r < numNodes; r++ {
		for c := 0; c < numNodes; c++ {
			if adj[r*numNodes+c] != 0 {
				adj[r*numNodes+c] = float32(1 / math.Sqrt(deg[r]*deg[c]))
			}
		}
	}
	var err error
	if ops.adjacency, err = tensor.FromFloat32([]int{numNodes, numNodes}, adj); err != nil {
		return nil, err
	}

	numEdges := len(src)
	inc := make([]float32, numNodes*numEdges)
	indeg := make([]int, numNodes)
	for _, d := range dst {
		indeg[d]++
	}
	for e, d := range dst {
		inc[int(d)*numEdges+e] = 1 / float32(indeg[d])
	}
	if ops.incoming, err = tensor.FromFloat32([]int{numNodes, numEdges}, inc); err != nil {
		return nil, err
	}

	assign := make([]int32, numNodes)
	if bt, ok := batch.Tensor(graphdata.FieldBatch); ok && numNodes > 0 {
		data, err := bt.GetInt32Data()
		if err != nil {
			return nil, errors.Wrap(err, "batch")
		}
		if len(data) != numNodes {
			return nil, errors.Errorf("batch vector has %d entries for %d nodes", len(data), numNodes)
		}
		assign = data
	}
	ops.numGraphs = batch.NumGraphs()
	if ops.numGraphs == 0 && numNodes > 0 {
		ops.numGraphs = 1
	}
	counts := make([]int, ops.numGraphs)
	for _, g := range assign {
		if int(g) >= ops.numGraphs || g < 0 {
			return nil, errors.Errorf("batch assignment %d outside [0, %d)", g, ops.numGraphs)
		}
		counts[g]++
	}
	pool := make([]float32, ops.numGraphs*numNodes)
	for n, g := range assign {
		pool[int(g)*numNodes+n] = 1 / float32(counts[g])
	}
	if ops.pool, err = tensor.FromFloat32([]int{ops.numGraphs, numNodes}, pool); err != nil {
		return nil, err
	}
	return ops, nil
}

func (ops *graphOperators) propagate(h *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MatMulAutograd(ops.adjacency, h)
}

// floatInput returns a Float32 view of a batch field. Half precision inputs
// are widened; the second return reports whether that happened.
func floatInput(batch *graphdata.Batch, name string) (*tensor.Tensor, bool, error) {
	t, err := batch.MustTensor(name)
	if err != nil {
		return nil, false, err
	}
	switch t.DType {
	case tensor.Float32:
		return t, false, nil
	case tensor.Float16:
		wide, err := t.ToFloat32()
		return wide, true, err
	default:
		return nil, false, errors.Errorf("%s must be a floating point tensor, got %s", name, t.DType)
	}
}
