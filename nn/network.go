package nn

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/layers"
	"github.com/tsawler/go-molgraph/tensor"
)

// FullGraphMultiTaskNetworkName is the model_type identifier of the
// network.
const FullGraphMultiTaskNetworkName = "FullGraphMultiTaskNetwork"

// Task levels of a head.
const (
	TaskLevelGraph = "graph"
	TaskLevelNode  = "node"
)

type fullGraphClass struct{}

// FullGraphMultiTaskNetworkClass constructs FullGraphMultiTaskNetwork models.
var FullGraphMultiTaskNetworkClass ModelClass = fullGraphClass{}

func (fullGraphClass) Name() string { return FullGraphMultiTaskNetworkName }

func (fullGraphClass) New(kwargs ModelKwargs, seed int64) (Model, error) {
	return NewFullGraphMultiTaskNetwork(kwargs, seed)
}

type peEncoder struct {
	name string
	keys []string
	edge bool
	seq  *layers.Sequential
}

type taskHead struct {
	name  string
	level string
	seq   *layers.Sequential
}

// FullGraphMultiTaskNetwork chains positional encoders, optional node and
// edge pre-processing networks, a graph convolution body, an optional
// graph output network and one head per task.
type FullGraphMultiTaskNetwork struct {
	kwargs ModelKwargs
	rng    *rand.Rand

	peEncoders []*peEncoder
	peOutDim   int
	edgePEDim  int

	preNN      *layers.Sequential
	preNNEdges *layers.Sequential
	gnn        *layers.Sequential
	gnnEdgeDim int
	graphOut   *layers.Sequential
	heads      []*taskHead

	params []*Parameter
}

// NewFullGraphMultiTaskNetwork validates kwargs and allocates parameters.
// Weights are drawn from a generator seeded with seed.
func NewFullGraphMultiTaskNetwork(kwargs ModelKwargs, seed int64) (*FullGraphMultiTaskNetwork, error) {
	if kwargs.GNN == nil {
		return nil, errors.New("gnn section is required")
	}
	if len(kwargs.TaskHeads) == 0 {
		return nil, errors.New("at least one task head is required")
	}

	n := &FullGraphMultiTaskNetwork{
		kwargs: kwargs.Clone(),
		rng:    rand.New(rand.NewSource(seed)),
	}

	if err := n.buildPEEncoders(); err != nil {
		return nil, errors.WithMessage(err, "pe_encoders")
	}

	nodeDim, err := n.buildPreNN()
	if err != nil {
		return nil, err
	}
	if err := n.buildGNN(nodeDim); err != nil {
		return nil, err
	}
	if err := n.buildHeads(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *FullGraphMultiTaskNetwork) build(spec *layers.ModelSpec) (*layers.Sequential, error) {
	seq, err := spec.Build(n.rng)
	if err != nil {
		return nil, err
	}
	n.params = append(n.params, seq.Parameters()...)
	return seq, nil
}

func (n *FullGraphMultiTaskNetwork) buildPEEncoders() error {
	pe := n.kwargs.PEEncoders
	if pe == nil {
		return nil
	}
	n.peOutDim = config.Int(pe, 0, "out_dim")
	n.edgePEDim = config.Int(pe, 0, "edge_out_dim")

	inDims, _ := config.Sub(pe, "in_dims")
	encoders, _ := config.Sub(pe, "encoders")
	names := make([]string, 0, len(encoders))
	for name := range encoders {
		names = append(names, name)
	}
	sort.Strings(names)

	var nodeEncoders, edgeEncoders int
	for _, name := range names {
		section, ok := encoders[name].(config.Tree)
		if !ok {
			return errors.Errorf("encoder %s must be a mapping", name)
		}
		keys, err := config.Strings(section["input_keys"])
		if err != nil {
			return errors.WithMessagef(err, "encoder %s input_keys", name)
		}
		if len(keys) == 0 {
			return errors.Errorf("encoder %s has no input_keys", name)
		}
		inDim := 0
		for _, key := range keys {
			width := config.Int(inDims, 0, key)
			if width <= 0 {
				return errors.Errorf("encoder %s: no input width for %q", name, key)
			}
			inDim += width
		}

		outputs, err := config.Strings(section["output_keys"])
		if err != nil {
			return errors.WithMessagef(err, "encoder %s output_keys", name)
		}
		edge := len(outputs) == 1 && outputs[0] == graphdata.FieldEdgeFeat
		if !edge && len(outputs) > 0 && (len(outputs) != 1 || outputs[0] != graphdata.FieldFeat) {
			return errors.Errorf("encoder %s: output_keys must be [feat] or [edge_feat], got %v", name, outputs)
		}

		cfg, err := DecodeMLP(section)
		if err != nil {
			return errors.WithMessagef(err, "encoder %s", name)
		}
		cfg.OutDim = n.peOutDim
		if edge {
			cfg.OutDim = n.edgePEDim
			edgeEncoders++
		} else {
			nodeEncoders++
		}
		spec, err := cfg.Spec("pe_encoders."+name, inDim)
		if err != nil {
			return err
		}
		seq, err := n.build(spec)
		if err != nil {
			return err
		}
		n.peEncoders = append(n.peEncoders, &peEncoder{name: name, keys: keys, edge: edge, seq: seq})
	}

	if n.peOutDim > 0 && nodeEncoders == 0 {
		return errors.Errorf("out_dim %d set but no encoder writes feat", n.peOutDim)
	}
	if n.edgePEDim > 0 && edgeEncoders == 0 {
		return errors.Errorf("edge_out_dim %d set but no encoder writes edge_feat", n.edgePEDim)
	}
	return nil
}

// buildPreNN returns the node width entering the graph body.
func (n *FullGraphMultiTaskNetwork) buildPreNN() (int, error) {
	nodeDim := 0
	if n.kwargs.PreNN != nil {
		cfg, err := DecodeMLP(n.kwargs.PreNN)
		if err != nil {
			return 0, errors.WithMessage(err, "pre_nn")
		}
		spec, err := cfg.Spec("pre_nn", 0)
		if err != nil {
			return 0, err
		}
		if n.preNN, err = n.build(spec); err != nil {
			return 0, err
		}
		nodeDim = spec.OutDim()
	}

	n.gnnEdgeDim = config.Int(n.kwargs.GNN, 0, "in_dim_edges")
	if n.kwargs.PreNNEdges != nil {
		cfg, err := DecodeMLP(n.kwargs.PreNNEdges)
		if err != nil {
			return 0, errors.WithMessage(err, "pre_nn_edges")
		}
		spec, err := cfg.Spec("pre_nn_edges", 0)
		if err != nil {
			return 0, err
		}
		if n.preNNEdges, err = n.build(spec); err != nil {
			return 0, err
		}
		if n.gnnEdgeDim != 0 && n.gnnEdgeDim != spec.OutDim() {
			return 0, errors.Errorf("gnn.in_dim_edges %d does not match pre_nn_edges.out_dim %d", n.gnnEdgeDim, spec.OutDim())
		}
		n.gnnEdgeDim = spec.OutDim()
	}
	return nodeDim, nil
}

func (n *FullGraphMultiTaskNetwork) buildGNN(nodeDim int) error {
	cfg, err := DecodeMLP(n.kwargs.GNN)
	if err != nil {
		return errors.WithMessage(err, "gnn")
	}
	if nodeDim > 0 && cfg.InDim != 0 && cfg.InDim != nodeDim {
		return errors.Errorf("gnn.in_dim %d does not match pre_nn.out_dim %d", cfg.InDim, nodeDim)
	}
	if nodeDim == 0 {
		nodeDim = cfg.InDim
	}
	if nodeDim <= 0 {
		return errors.New("gnn: in_dim must be set")
	}
	spec, err := cfg.Spec("gnn", nodeDim+n.gnnEdgeDim)
	if err != nil {
		return err
	}
	n.gnn, err = n.build(spec)
	return err
}

func (n *FullGraphMultiTaskNetwork) buildHeads() error {
	graphDim := n.gnn.Spec().OutDim()
	if n.kwargs.GraphOutputNN != nil {
		cfg, err := DecodeMLP(n.kwargs.GraphOutputNN)
		if err != nil {
			return errors.WithMessage(err, "graph_output_nn")
		}
		spec, err := cfg.Spec("graph_output_nn", graphDim)
		if err != nil {
			return err
		}
		if n.graphOut, err = n.build(spec); err != nil {
			return err
		}
		graphDim = spec.OutDim()
	}

	for _, name := range n.kwargs.TaskNames() {
		section := n.kwargs.TaskHeads[name]
		level := strings.ToLower(config.String(section, TaskLevelGraph, "task_level"))
		inDim := graphDim
		switch level {
		case TaskLevelGraph:
		case TaskLevelNode:
			inDim = n.gnn.Spec().OutDim()
		default:
			return errors.Errorf("task_heads.%s: unsupported task_level %q", name, level)
		}
		cfg, err := DecodeMLP(section)
		if err != nil {
			return errors.WithMessagef(err, "task_heads.%s", name)
		}
		spec, err := cfg.Spec("task_heads."+name, inDim)
		if err != nil {
			return err
		}
		seq, err := n.build(spec)
		if err != nil {
			return err
		}
		n.heads = append(n.heads, &taskHead{name: name, level: level, seq: seq})
	}
	return nil
}

// Kwargs returns a copy of the constructor arguments.
func (n *FullGraphMultiTaskNetwork) Kwargs() ModelKwargs { return n.kwargs.Clone() }

// Parameters returns every trainable parameter in construction order.
func (n *FullGraphMultiTaskNetwork) Parameters() []*Parameter { return n.params }

// Summary describes every sub-network.
func (n *FullGraphMultiTaskNetwork) Summary() string {
	var b strings.Builder
	for _, enc := range n.peEncoders {
		b.WriteString(enc.seq.Spec().Summary())
	}
	for _, seq := range []*layers.Sequential{n.preNN, n.preNNEdges, n.gnn, n.graphOut} {
		if seq != nil {
			b.WriteString(seq.Spec().Summary())
		}
	}
	for _, h := range n.heads {
		b.WriteString(h.seq.Spec().Summary())
	}
	return b.String()
}

// Forward runs the network on batch. Outputs are keyed by task name with
// shape [graphs, out_dim] for graph tasks and [nodes, out_dim] for node
// tasks. Half precision node features produce half precision outputs.
func (n *FullGraphMultiTaskNetwork) Forward(batch *graphdata.Batch, training bool) (map[string]*tensor.Tensor, error) {
	opts := layers.ForwardOptions{Training: training, Rng: n.rng}

	h, half, err := floatInput(batch, graphdata.FieldFeat)
	if err != nil {
		return nil, err
	}
	numNodes := h.Shape[0]

	ops, err := buildOperators(batch, numNodes)
	if err != nil {
		return nil, err
	}

	var edges *tensor.Tensor
	if n.gnnEdgeDim > 0 || n.edgePEDim > 0 {
		if edges, _, err = floatInput(batch, graphdata.FieldEdgeFeat); err != nil {
			return nil, err
		}
	}

	nodePE, edgePE, err := n.encodePositions(batch, opts)
	if err != nil {
		return nil, err
	}
	if nodePE != nil {
		if h, err = tensor.ConcatColsAutograd(h, nodePE); err != nil {
			return nil, errors.Wrap(err, "concat node positional encodings")
		}
	}
	if edgePE != nil {
		if edges, err = tensor.ConcatColsAutograd(edges, edgePE); err != nil {
			return nil, errors.Wrap(err, "concat edge positional encodings")
		}
	}

	if n.preNN != nil {
		if h, err = n.preNN.Forward(h, opts); err != nil {
			return nil, err
		}
	}
	if n.gnnEdgeDim > 0 {
		if n.preNNEdges != nil {
			if edges, err = n.preNNEdges.Forward(edges, opts); err != nil {
				return nil, err
			}
		}
		agg, err := tensor.MatMulAutograd(ops.incoming, edges)
		if err != nil {
			return nil, errors.Wrap(err, "aggregate edge features")
		}
		if h, err = tensor.ConcatColsAutograd(h, agg); err != nil {
			return nil, errors.Wrap(err, "concat edge features")
		}
	}

	gnnOpts := opts
	gnnOpts.Propagate = ops.propagate
	nodes, err := n.gnn.Forward(h, gnnOpts)
	if err != nil {
		return nil, err
	}

	graphs, err := tensor.MatMulAutograd(ops.pool, nodes)
	if err != nil {
		return nil, errors.Wrap(err, "pool graphs")
	}
	if n.graphOut != nil {
		if graphs, err = n.graphOut.Forward(graphs, opts); err != nil {
			return nil, err
		}
	}

	out := make(map[string]*tensor.Tensor, len(n.heads))
	for _, head := range n.heads {
		in := graphs
		if head.level == TaskLevelNode {
			in = nodes
		}
		pred, err := head.seq.Forward(in, opts)
		if err != nil {
			return nil, err
		}
		if half {
			if pred, err = tensor.CastAutograd(pred, tensor.Float16); err != nil {
				return nil, fmt.Errorf("task %s: %v", head.name, err)
			}
		}
		out[head.name] = pred
	}
	return out, nil
}

// encodePositions sums the outputs of node encoders and of edge encoders.
func (n *FullGraphMultiTaskNetwork) encodePositions(batch *graphdata.Batch, opts layers.ForwardOptions) (*tensor.Tensor, *tensor.Tensor, error) {
	var nodePE, edgePE *tensor.Tensor
	for _, enc := range n.peEncoders {
		var in *tensor.Tensor
		for _, key := range enc.keys {
			part, _, err := floatInput(batch, key)
			if err != nil {
				return nil, nil, errors.WithMessagef(err, "encoder %s", enc.name)
			}
			if in == nil {
				in = part
				continue
			}
			if in, err = tensor.ConcatColsAutograd(in, part); err != nil {
				return nil, nil, errors.Wrapf(err, "encoder %s", enc.name)
			}
		}
		out, err := enc.seq.Forward(in, opts)
		if err != nil {
			return nil, nil, err
		}

		acc := &nodePE
		if enc.edge {
			acc = &edgePE
		}
		if *acc == nil {
			*acc = out
		} else if *acc, err = tensor.AddAutograd(*acc, out); err != nil {
			return nil, nil, errors.Wrapf(err, "encoder %s", enc.name)
		}
	}
	return nodePE, edgePE, nil
}

// ScaleKwargs returns the kwargs of the same network with every hidden
// width multiplied by factor. Task head output widths and input feature
// widths are preserved; input widths that follow from a rescaled section
// are dropped so they are derived again.
func (n *FullGraphMultiTaskNetwork) ScaleKwargs(factor float64) (ModelKwargs, error) {
	if factor <= 0 {
		return ModelKwargs{}, errors.Errorf("scale factor must be positive, got %v", factor)
	}
	k := n.kwargs.Clone()

	scaleSection(k.PreNN, factor, true)
	scaleSection(k.PreNNEdges, factor, true)
	scaleSection(k.GNN, factor, true)
	if k.PreNN != nil {
		delete(k.GNN, "in_dim")
	}
	if k.PreNNEdges != nil {
		delete(k.GNN, "in_dim_edges")
	}
	if k.GraphOutputNN != nil {
		scaleSection(k.GraphOutputNN, factor, true)
		delete(k.GraphOutputNN, "in_dim")
	}
	for _, head := range k.TaskHeads {
		scaleSection(head, factor, false)
		delete(head, "in_dim")
	}
	return k, nil
}

// MakeMupBaseKwargs returns the kwargs of the reference model used to record
// base shapes, divideFactor times narrower.
func (n *FullGraphMultiTaskNetwork) MakeMupBaseKwargs(divideFactor float64) (ModelKwargs, error) {
	if divideFactor <= 0 {
		return ModelKwargs{}, errors.Errorf("divide factor must be positive, got %v", divideFactor)
	}
	return n.ScaleKwargs(1 / divideFactor)
}
