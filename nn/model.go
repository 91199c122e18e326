// Package nn holds the graph network model classes the loaders assemble
// from configuration.
package nn

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/layers"
	"github.com/tsawler/go-molgraph/tensor"
)

// Parameter is a named trainable tensor of a model.
type Parameter = layers.Parameter

// Model maps a graph batch to one prediction tensor per task.
type Model interface {
	Forward(batch *graphdata.Batch, training bool) (map[string]*tensor.Tensor, error)
	Parameters() []*Parameter
}

// ModelClass constructs models from resolved keyword arguments.
type ModelClass interface {
	Name() string
	New(kwargs ModelKwargs, seed int64) (Model, error)
}

// WidthScaler is the optional width-scaling capability of a model. Models
// that implement it can be rescaled and provide a reference model for base
// shapes.
type WidthScaler interface {
	ScaleKwargs(factor float64) (ModelKwargs, error)
	MakeMupBaseKwargs(divideFactor float64) (ModelKwargs, error)
}

// ModelKwargs are the resolved constructor arguments of a multi-part graph
// network. Absent sections are nil.
type ModelKwargs struct {
	PEEncoders    config.Tree
	PreNN         config.Tree
	PreNNEdges    config.Tree
	GNN           config.Tree
	GraphOutputNN config.Tree
	TaskHeads     map[string]config.Tree
}

// Clone deep-copies every section.
func (k ModelKwargs) Clone() ModelKwargs {
	out := ModelKwargs{
		PEEncoders:    config.Clone(k.PEEncoders),
		PreNN:         config.Clone(k.PreNN),
		PreNNEdges:    config.Clone(k.PreNNEdges),
		GNN:           config.Clone(k.GNN),
		GraphOutputNN: config.Clone(k.GraphOutputNN),
	}
	if k.TaskHeads != nil {
		out.TaskHeads = make(map[string]config.Tree, len(k.TaskHeads))
		for name, head := range k.TaskHeads {
			out.TaskHeads[name] = config.Clone(head)
		}
	}
	return out
}

// TaskNames returns the task head names in sorted order.
func (k ModelKwargs) TaskNames() []string {
	names := make([]string, 0, len(k.TaskHeads))
	for name := range k.TaskHeads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tree encodes the kwargs as a configuration tree using the architecture
// section key names.
func (k ModelKwargs) Tree() config.Tree {
	tree := config.Tree{}
	set := func(key string, v config.Tree) {
		if v != nil {
			tree[key] = config.Clone(v)
		}
	}
	set("pe_encoders", k.PEEncoders)
	set("pre_nn", k.PreNN)
	set("pre_nn_edges", k.PreNNEdges)
	set("gnn", k.GNN)
	set("graph_output_nn", k.GraphOutputNN)
	if k.TaskHeads != nil {
		heads := config.Tree{}
		for name, head := range k.TaskHeads {
			heads[name] = config.Clone(head)
		}
		tree["task_heads"] = heads
	}
	return tree
}

// KwargsFromTree is the inverse of ModelKwargs.Tree.
func KwargsFromTree(tree config.Tree) (ModelKwargs, error) {
	var k ModelKwargs
	get := func(key string) (config.Tree, error) {
		v, ok := tree[key]
		if !ok || v == nil {
			return nil, nil
		}
		m, ok := v.(config.Tree)
		if !ok {
			return nil, errors.Errorf("%s must be a mapping, got %T", key, v)
		}
		return config.Clone(m), nil
	}

	var err error
	if k.PEEncoders, err = get("pe_encoders"); err != nil {
		return k, err
	}
	if k.PreNN, err = get("pre_nn"); err != nil {
		return k, err
	}
	if k.PreNNEdges, err = get("pre_nn_edges"); err != nil {
		return k, err
	}
	if k.GNN, err = get("gnn"); err != nil {
		return k, err
	}
	if k.GraphOutputNN, err = get("graph_output_nn"); err != nil {
		return k, err
	}
	heads, err := get("task_heads")
	if err != nil {
		return k, err
	}
	if heads != nil {
		k.TaskHeads = make(map[string]config.Tree, len(heads))
		for name, v := range heads {
			head, ok := v.(config.Tree)
			if !ok {
				return k, errors.Errorf("task_heads.%s must be a mapping, got %T", name, v)
			}
			k.TaskHeads[name] = head
		}
	}
	return k, nil
}

var classes = map[string]ModelClass{
	strings.ToLower(FullGraphMultiTaskNetworkName): FullGraphMultiTaskNetworkClass,
}

// ClassByName returns the model class registered under name, compared
// case-insensitively.
func ClassByName(name string) (ModelClass, error) {
	class, ok := classes[strings.ToLower(name)]
	if !ok {
		return nil, errors.Wrapf(config.ErrUnknownComponent, "unsupported model_type %q", name)
	}
	return class, nil
}
