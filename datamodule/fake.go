package datamodule

import (
	"context"
	"math/rand"
	"sort"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/tensor"
	"github.com/tsawler/go-molgraph/training"
)

// FakeArgs are the args of a FakeDataModule.
type FakeArgs struct {
	BaseArgs `yaml:",inline"`

	NumGraphs   int            `yaml:"num_graphs"`
	MinNumNodes int            `yaml:"min_num_nodes"`
	MaxNumNodes int            `yaml:"max_num_nodes"`
	InDim       int            `yaml:"in_dim"`
	EdgeDim     int            `yaml:"edge_dim"`
	PEDim       int            `yaml:"pe_dim"`
	TaskDims    map[string]int `yaml:"task_dims"`
	Seed        int64          `yaml:"seed"`
}

// FakeDataModule generates random graphs whose labels are a fixed linear
// function of the mean node feature, so a model can learn them.
type FakeDataModule struct {
	graphSet
	cfg FakeArgs
}

func NewFakeDataModule(args config.Tree, ipuOpts *IPUOptions) (*FakeDataModule, error) {
	cfg := FakeArgs{
		NumGraphs:   64,
		MinNumNodes: 3,
		MaxNumNodes: 8,
		InDim:       8,
	}
	if err := config.Decode(args, &cfg); err != nil {
		return nil, errors.WithMessage(err, "fake datamodule args")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if len(cfg.TaskDims) == 0 {
		cfg.TaskDims = map[string]int{"y": 1}
	}
	switch {
	case cfg.NumGraphs <= 0:
		return nil, errors.Errorf("num_graphs must be positive, got %d", cfg.NumGraphs)
	case cfg.MinNumNodes <= 0 || cfg.MaxNumNodes < cfg.MinNumNodes:
		return nil, errors.Errorf("bad node range [%d, %d]", cfg.MinNumNodes, cfg.MaxNumNodes)
	case cfg.InDim <= 0 || cfg.EdgeDim < 0 || cfg.PEDim < 0:
		return nil, errors.New("in_dim must be positive, edge_dim and pe_dim non-negative")
	}
	for task, dim := range cfg.TaskDims {
		if dim <= 0 {
			return nil, errors.Errorf("task %s: dim must be positive, got %d", task, dim)
		}
	}
	return &FakeDataModule{
		graphSet: graphSet{args: cfg.BaseArgs, ipuOpts: ipuOpts, taskDims: copyDims(cfg.TaskDims)},
		cfg:      cfg,
	}, nil
}

func (dm *FakeDataModule) Kind() Kind { return KindFake }

func (dm *FakeDataModule) Prepare(ctx context.Context) error {
	rng := rand.New(rand.NewSource(dm.cfg.Seed))

	tasks := make([]string, 0, len(dm.cfg.TaskDims))
	for task := range dm.cfg.TaskDims {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	weights := map[string][]float32{}
	for _, task := range tasks {
		w := make([]float32, dm.cfg.TaskDims[task]*dm.cfg.InDim)
		for i := range w {
			w[i] = float32(rng.NormFloat64())
		}
		weights[task] = w
	}

	graphs := make([]*graphdata.Graph, dm.cfg.NumGraphs)
	for i := range graphs {
		if err := ctx.Err(); err != nil {
			return err
		}
		g, err := dm.randomGraph(rng, tasks, weights)
		if err != nil {
			return errors.WithMessagef(err, "graph %d", i)
		}
		graphs[i] = g
	}
	dm.graphs = graphs
	dm.split = randomSplit(len(graphs), dm.args.SplitVal, dm.args.SplitTest, dm.args.SplitSeed)
	return nil
}

func (dm *FakeDataModule) randomGraph(rng *rand.Rand, tasks []string, weights map[string][]float32) (*graphdata.Graph, error) {
	n := dm.cfg.MinNumNodes + rng.Intn(dm.cfg.MaxNumNodes-dm.cfg.MinNumNodes+1)
	inDim := dm.cfg.InDim

	feat := make([]float32, n*inDim)
	mean := make([]float32, inDim)
	for i := range feat {
		feat[i] = float32(rng.NormFloat64())
		mean[i%inDim] += feat[i] / float32(n)
	}

	// A path keeps the graph connected; chords are added at random.
	var src, dst []int32
	link := func(a, b int) {
		src = append(src, int32(a), int32(b))
		dst = append(dst, int32(b), int32(a))
	}
	for i := 0; i+1 < n; i++ {
		link(i, i+1)
	}
	for i := 0; i+2 < n; i++ {
		if rng.Float64() < 0.2 {
			link(i, i+2+rng.Intn(n-i-2))
		}
	}

	g := &graphdata.Graph{Labels: map[string][]float32{}}
	var err error
	if g.Feat, err = tensor.FromFloat32([]int{n, inDim}, feat); err != nil {
		return nil, err
	}
	if g.EdgeIndex, err = tensor.FromInt32([]int{2, len(src)}, append(src, dst...)); err != nil {
		return nil, err
	}
	if dm.cfg.EdgeDim > 0 {
		ef := make([]float32, len(src)*dm.cfg.EdgeDim)
		for i := range ef {
			ef[i] = float32(rng.NormFloat64())
		}
		if g.EdgeFeat, err = tensor.FromFloat32([]int{len(src), dm.cfg.EdgeDim}, ef); err != nil {
			return nil, err
		}
	}
	if dm.cfg.PEDim > 0 {
		pe := make([]float32, n*dm.cfg.PEDim)
		for i := range pe {
			pe[i] = rng.Float32()
		}
		t, err := tensor.FromFloat32([]int{n, dm.cfg.PEDim}, pe)
		if err != nil {
			return nil, err
		}
		g.PE = map[string]*tensor.Tensor{FieldRandomWalkPE: t}
	}

	for _, task := range tasks {
		dim := dm.cfg.TaskDims[task]
		w := weights[task]
		label := make([]float32, dim)
		for c := 0; c < dim; c++ {
			for j := 0; j < inDim; j++ {
				label[c] += w[c*inDim+j] * mean[j]
			}
		}
		g.Labels[task] = label
	}
	return g, nil
}

func (dm *FakeDataModule) InDims() map[string]int   { return dm.inDims() }
func (dm *FakeDataModule) TaskDims() map[string]int { return copyDims(dm.taskDims) }

func (dm *FakeDataModule) TaskNorms() map[string]*LabelNormalization { return nil }

func (dm *FakeDataModule) Loader(stage training.Stage) (training.Loader, error) {
	return dm.loader(stage)
}

func (dm *FakeDataModule) FeaturizerDescription() config.Tree {
	return config.Tree{
		"generator": "random",
		"in_dim":    dm.cfg.InDim,
		"edge_dim":  dm.cfg.EdgeDim,
		"pe_dim":    dm.cfg.PEDim,
		"seed":      dm.cfg.Seed,
	}
}

func (dm *FakeDataModule) Close() error { return nil }
