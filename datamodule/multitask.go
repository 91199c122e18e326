package datamodule

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/training"
)

// TaskArgs describe the CSV file of one task.
type TaskArgs struct {
	DFPath             string              `yaml:"df_path"`
	SmilesCol          string              `yaml:"smiles_col"`
	LabelCols          []string            `yaml:"label_cols"`
	LabelNormalization NormalizationConfig `yaml:"label_normalization"`
}

// MultitaskArgs are the args of a MultitaskFromSmilesDataModule.
type MultitaskArgs struct {
	BaseArgs `yaml:",inline"`

	TaskSpecificArgs       map[string]TaskArgs `yaml:"task_specific_args"`
	Featurization          FeaturizerConfig    `yaml:"featurization"`
	ProcessedGraphDataPath string              `yaml:"processed_graph_data_path"`

	// FeaturizationJobs is the number of featurization workers, one per CPU
	// when unset.
	FeaturizationJobs int `yaml:"featurization_n_jobs"`
}

// MultitaskFromSmilesDataModule reads one CSV per task, featurizes every
// distinct SMILES once and labels each graph with the tasks it appears in.
// Featurized graphs are cached in sqlite when processed_graph_data_path is
// set.
type MultitaskFromSmilesDataModule struct {
	graphSet
	cfg        MultitaskArgs
	featurizer *Featurizer
	cache      *GraphCache
	norms      map[string]*LabelNormalization
}

func NewMultitaskFromSmilesDataModule(args config.Tree, ipuOpts *IPUOptions) (*MultitaskFromSmilesDataModule, error) {
	var cfg MultitaskArgs
	if err := config.Decode(args, &cfg); err != nil {
		return nil, errors.WithMessage(err, "multitask datamodule args")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if len(cfg.TaskSpecificArgs) == 0 {
		return nil, errors.New("task_specific_args must name at least one task")
	}
	taskDims := map[string]int{}
	for task, ta := range cfg.TaskSpecificArgs {
		if ta.DFPath == "" {
			return nil, errors.Errorf("task %s: df_path is required", task)
		}
		if len(ta.LabelCols) == 0 {
			return nil, errors.Errorf("task %s: label_cols is required", task)
		}
		if ta.SmilesCol == "" {
			ta.SmilesCol = "smiles"
			cfg.TaskSpecificArgs[task] = ta
		}
		taskDims[task] = len(ta.LabelCols)
	}

	featurizer, err := NewFeaturizer(cfg.Featurization)
	if err != nil {
		return nil, errors.WithMessage(err, "featurization")
	}
	return &MultitaskFromSmilesDataModule{
		graphSet:   graphSet{args: cfg.BaseArgs, ipuOpts: ipuOpts, taskDims: taskDims},
		cfg:        cfg,
		featurizer: featurizer,
	}, nil
}

func (dm *MultitaskFromSmilesDataModule) Kind() Kind { return KindMultitaskFromSmiles }

// taskRows reads the smiles column and label columns of one task file.
// Empty or unparsable label cells are missing labels.
func taskRows(ta TaskArgs) (smiles []string, labels [][]float32, err error) {
	f, err := os.Open(ta.DFPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open task file")
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read header of %s", ta.DFPath)
	}
	column := map[string]int{}
	for i, name := range header {
		column[strings.TrimSpace(name)] = i
	}
	smilesIdx, ok := column[ta.SmilesCol]
	if !ok {
		return nil, nil, errors.Errorf("%s has no column %q", ta.DFPath, ta.SmilesCol)
	}
	labelIdx := make([]int, len(ta.LabelCols))
	for i, col := range ta.LabelCols {
		if labelIdx[i], ok = column[col]; !ok {
			return nil, nil, errors.Errorf("%s has no column %q", ta.DFPath, col)
		}
	}

	for line := 2; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s line %d", ta.DFPath, line)
		}
		row := make([]float32, len(labelIdx))
		for i, idx := range labelIdx {
			v, perr := strconv.ParseFloat(strings.TrimSpace(record[idx]), 32)
			if perr != nil {
				v = math.NaN()
			}
			row[i] = float32(v)
		}
		smiles = append(smiles, strings.TrimSpace(record[smilesIdx]))
		labels = append(labels, row)
	}
	return smiles, labels, nil
}

func (dm *MultitaskFromSmilesDataModule) Prepare(ctx context.Context) error {
	if dm.cfg.ProcessedGraphDataPath != "" && dm.cache == nil {
		cache, err := OpenGraphCache(dm.cfg.ProcessedGraphDataPath)
		if err != nil {
			return err
		}
		dm.cache = cache
	}
	fingerprint, err := dm.featurizer.Fingerprint()
	if err != nil {
		return err
	}

	tasks := make([]string, 0, len(dm.cfg.TaskSpecificArgs))
	for task := range dm.cfg.TaskSpecificArgs {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)

	var order []string
	labels := map[string]map[string][]float32{}
	for _, task := range tasks {
		smiles, rows, err := taskRows(dm.cfg.TaskSpecificArgs[task])
		if err != nil {
			return errors.WithMessagef(err, "task %s", task)
		}
		for i, s := range smiles {
			if s == "" {
				continue
			}
			if _, seen := labels[s]; !seen {
				labels[s] = map[string][]float32{}
				order = append(order, s)
			}
			labels[s][task] = rows[i]
		}
	}

	graphs, cached, dropped, err := dm.featurize(ctx, fingerprint, order)
	if err != nil {
		return err
	}
	for _, g := range graphs {
		g.Labels = labels[g.Smiles]
	}
	if len(graphs) == 0 {
		return errors.New("no molecule could be featurized")
	}
	slog.Info("datamodule prepared", "molecules", len(graphs), "cached", cached, "dropped", dropped, "tasks", len(tasks))

	dm.graphs = graphs
	dm.split = randomSplit(len(graphs), dm.args.SplitVal, dm.args.SplitTest, dm.args.SplitSeed)
	return dm.fitNorms(tasks)
}

// featurize returns the graphs of smiles in order. Cached graphs are read
// first, the others are featurized on featurization_n_jobs workers and
// written back to the cache. A SMILES that does not parse is dropped with a
// warning.
func (dm *MultitaskFromSmilesDataModule) featurize(ctx context.Context, fingerprint string, smiles []string) ([]*graphdata.Graph, int, int, error) {
	found := make([]*graphdata.Graph, len(smiles))
	var missing []string
	var missingIdx []int
	for i, s := range smiles {
		if dm.cache != nil {
			g, err := dm.cache.Get(ctx, fingerprint, s)
			if err != nil {
				return nil, 0, 0, err
			}
			if g != nil {
				found[i] = g
				continue
			}
		}
		missing = append(missing, s)
		missingIdx = append(missingIdx, i)
	}
	cached := len(smiles) - len(missing)

	results, err := featurizeAll(ctx, missing, dm.cfg.FeaturizationJobs, dm.featurizer.Featurize)
	if err != nil {
		return nil, 0, 0, err
	}
	dropped := 0
	for j, r := range results {
		if r.err != nil {
			slog.Warn("dropping molecule", "smiles", missing[j], "error", r.err)
			dropped++
			continue
		}
		if dm.cache != nil {
			if err := dm.cache.Put(ctx, fingerprint, r.graph); err != nil {
				return nil, 0, 0, err
			}
		}
		found[missingIdx[j]] = r.graph
	}

	graphs := make([]*graphdata.Graph, 0, len(smiles)-dropped)
	for _, g := range found {
		if g != nil {
			graphs = append(graphs, g)
		}
	}
	return graphs, cached, dropped, nil
}

// fitNorms fits every task's label normalization on the training split.
func (dm *MultitaskFromSmilesDataModule) fitNorms(tasks []string) error {
	dm.norms = map[string]*LabelNormalization{}
	for _, task := range tasks {
		ta := dm.cfg.TaskSpecificArgs[task]
		width := len(ta.LabelCols)
		var values []float32
		for _, idx := range dm.split.train {
			if row, ok := dm.graphs[idx].Labels[task]; ok {
				values = append(values, row...)
			}
		}
		norm, err := FitLabelNormalization(ta.LabelNormalization, values, width)
		if err != nil {
			return errors.WithMessagef(err, "task %s", task)
		}
		if norm.Method != NormNone {
			dm.norms[task] = norm
		}
	}
	return nil
}

func (dm *MultitaskFromSmilesDataModule) InDims() map[string]int   { return dm.inDims() }
func (dm *MultitaskFromSmilesDataModule) TaskDims() map[string]int { return copyDims(dm.taskDims) }

func (dm *MultitaskFromSmilesDataModule) TaskNorms() map[string]*LabelNormalization {
	return dm.norms
}

func (dm *MultitaskFromSmilesDataModule) Loader(stage training.Stage) (training.Loader, error) {
	return dm.loader(stage)
}

func (dm *MultitaskFromSmilesDataModule) FeaturizerDescription() config.Tree {
	desc := dm.featurizer.Description()
	if len(dm.norms) > 0 {
		norms := config.Tree{}
		for task, n := range dm.norms {
			norms[task] = n.Description()
		}
		desc["label_normalization"] = norms
	}
	return desc
}

func (dm *MultitaskFromSmilesDataModule) Close() error {
	if dm.cache == nil {
		return nil
	}
	err := dm.cache.Close()
	dm.cache = nil
	return err
}
