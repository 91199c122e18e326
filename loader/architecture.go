package loader

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/nn"
)

// LoadArchitecture resolves the architecture section into a model class and
// its constructor arguments. inDims are the input widths reported by the
// datamodule and must hold feat; a missing edge_feat counts as 0.
//
// Input widths flow forward: the node width is feat plus the positional
// encoders' out_dim and becomes pre_nn.in_dim, or gnn.in_dim without a
// pre_nn. The edge width is handled the same way against pre_nn_edges and
// gnn.in_dim_edges. Widths already present in the section are kept.
func LoadArchitecture(cfg config.Tree, inDims map[string]int) (nn.ModelClass, nn.ModelKwargs, error) {
	section, ok := config.Sub(cfg, "architecture")
	if !ok {
		return nil, nn.ModelKwargs{}, errors.New("missing architecture section")
	}
	class, err := nn.ClassByName(config.String(section, "", "model_type"))
	if err != nil {
		return nil, nn.ModelKwargs{}, err
	}
	kwargs, err := nn.KwargsFromTree(section)
	if err != nil {
		return nil, nn.ModelKwargs{}, errors.WithMessage(err, "architecture")
	}

	feat, ok := inDims[graphdata.FieldFeat]
	if !ok {
		return nil, nn.ModelKwargs{}, errors.Errorf("in_dims has no %s width", graphdata.FieldFeat)
	}
	edgeFeat := inDims[graphdata.FieldEdgeFeat]

	var peOutDim, edgePEOutDim int
	if kwargs.PEEncoders != nil {
		if kwargs.PEEncoders["in_dims"] == nil {
			dims := make(config.Tree, len(inDims))
			for k, v := range inDims {
				dims[k] = v
			}
			kwargs.PEEncoders["in_dims"] = dims
		}
		peOutDim = config.Int(kwargs.PEEncoders, 0, "out_dim")
		edgePEOutDim = config.Int(kwargs.PEEncoders, 0, "edge_out_dim")
	}

	if kwargs.GNN == nil {
		kwargs.GNN = config.Tree{}
	}
	if kwargs.PreNN != nil {
		setDefault(kwargs.PreNN, "in_dim", feat+peOutDim)
	} else {
		setDefault(kwargs.GNN, "in_dim", feat+peOutDim)
	}
	if kwargs.PreNNEdges != nil {
		setDefault(kwargs.PreNNEdges, "in_dim", edgeFeat+edgePEOutDim)
	} else {
		setDefault(kwargs.GNN, "in_dim_edges", edgeFeat+edgePEOutDim)
	}

	if len(kwargs.TaskHeads) == 0 {
		return nil, nn.ModelKwargs{}, errors.New("architecture has no task_heads")
	}
	return class, kwargs, nil
}

// setDefault sets key when it is absent or null.
func setDefault(tree config.Tree, key string, v any) {
	if tree[key] == nil {
		tree[key] = v
	}
}
