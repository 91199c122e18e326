// Package datamodule builds the graph datasets and loaders a training run
// consumes. The set of datamodules is closed: every Kind is handled by New.
package datamodule

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/ipu"
	"github.com/tsawler/go-molgraph/training"
)

// Kind identifies a datamodule implementation.
type Kind int

const (
	KindFake Kind = iota + 1
	KindMultitaskFromSmiles
)

var kindNames = map[Kind]string{
	KindFake:                "FakeDataModule",
	KindMultitaskFromSmiles: "MultitaskFromSmilesDataModule",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a module_type string to its Kind, compared
// case-insensitively.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if strings.EqualFold(n, name) {
			return k, nil
		}
	}
	return 0, errors.Wrapf(config.ErrUnknownComponent, "unsupported datamodule module_type %q", name)
}

// IPUOptions are the accelerator option bundles threaded into a datamodule
// on the IPU path. The dataloader options cap the node and edge budgets of
// every batch.
type IPUOptions struct {
	Training        *ipu.Options
	Inference       *ipu.Options
	TrainingLoader  *ipu.DataloaderOptions
	InferenceLoader *ipu.DataloaderOptions
}

// Datamodule prepares a dataset and hands out one loader per stage.
type Datamodule interface {
	Kind() Kind

	// Prepare loads or builds the dataset. It must be called before any
	// other method except Kind.
	Prepare(ctx context.Context) error

	// InDims returns the width of every input field: feat, edge_feat and
	// each positional encoding.
	InDims() map[string]int

	// TaskDims returns the label width of every task.
	TaskDims() map[string]int

	// TaskNorms returns the label normalization of every task that has one.
	TaskNorms() map[string]*LabelNormalization

	Loader(stage training.Stage) (training.Loader, error)

	// FeaturizerDescription describes how molecules became graphs.
	FeaturizerDescription() config.Tree

	Close() error
}

// New builds the datamodule of kind from its args section. ipuOpts is nil
// off the IPU path.
func New(kind Kind, args config.Tree, ipuOpts *IPUOptions) (Datamodule, error) {
	var (
		dm  Datamodule
		err error
	)
	switch kind {
	case KindFake:
		dm, err = NewFakeDataModule(args, ipuOpts)
	case KindMultitaskFromSmiles:
		dm, err = NewMultitaskFromSmilesDataModule(args, ipuOpts)
	default:
		return nil, errors.Wrapf(config.ErrUnknownComponent, "datamodule kind %d", int(kind))
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", kind)
	}
	return dm, nil
}

// DefaultBatchSize is the training batch size when none is configured.
const DefaultBatchSize = 16

// BaseArgs are the args shared by every datamodule.
type BaseArgs struct {
	BatchSizeTraining  int     `yaml:"batch_size_training"`
	BatchSizeInference int     `yaml:"batch_size_inference"`
	SplitVal           float64 `yaml:"split_val"`
	SplitTest          float64 `yaml:"split_test"`
	SplitSeed          int64   `yaml:"split_seed"`
	Shuffle            *bool   `yaml:"shuffle"`
}

func (a *BaseArgs) applyDefaults() error {
	if a.BatchSizeTraining == 0 {
		a.BatchSizeTraining = DefaultBatchSize
	}
	if a.BatchSizeInference == 0 {
		a.BatchSizeInference = a.BatchSizeTraining
	}
	if a.BatchSizeTraining < 0 || a.BatchSizeInference < 0 {
		return errors.New("batch sizes must be positive")
	}
	if a.SplitVal < 0 || a.SplitTest < 0 || a.SplitVal+a.SplitTest >= 1 {
		return errors.Errorf("split_val %g and split_test %g must be non-negative and sum below 1", a.SplitVal, a.SplitTest)
	}
	return nil
}

// splits holds the dataset indices of each stage.
type splits struct {
	train, val, test []int
}

// randomSplit shuffles 0..n-1 with seed and cuts it by the val and test
// fractions. Non-empty fractions get at least one graph when n allows it.
func randomSplit(n int, val, test float64, seed int64) splits {
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	count := func(frac float64) int {
		if frac <= 0 {
			return 0
		}
		c := int(frac * float64(n))
		if c == 0 && n > 2 {
			c = 1
		}
		return c
	}
	nVal, nTest := count(val), count(test)
	if nVal+nTest >= n {
		nVal, nTest = 0, 0
	}
	return splits{
		test:  perm[:nTest],
		val:   perm[nTest : nTest+nVal],
		train: perm[nTest+nVal:],
	}
}

// graphSet is the prepared state shared by the datamodules.
type graphSet struct {
	args     BaseArgs
	ipuOpts  *IPUOptions
	graphs   []*graphdata.Graph
	split    splits
	taskDims map[string]int
}

func (s *graphSet) indices(stage training.Stage) ([]int, error) {
	switch stage {
	case training.StageTrain:
		return s.split.train, nil
	case training.StageValidate:
		return s.split.val, nil
	case training.StageTest, training.StagePredict:
		return s.split.test, nil
	default:
		return nil, errors.Errorf("unknown stage %v", stage)
	}
}

func (s *graphSet) loader(stage training.Stage) (training.Loader, error) {
	if s.graphs == nil {
		return nil, errors.New("datamodule is not prepared")
	}
	idx, err := s.indices(stage)
	if err != nil {
		return nil, err
	}
	ds, err := training.Subset(training.NewSliceDataset(s.graphs), idx)
	if err != nil {
		return nil, err
	}

	cfg := training.DataLoaderConfig{
		BatchSize: s.args.BatchSizeInference,
		Seed:      s.args.SplitSeed,
		TaskDims:  s.taskDims,
	}
	var loaderOpts *ipu.DataloaderOptions
	if s.ipuOpts != nil {
		loaderOpts = s.ipuOpts.InferenceLoader
	}
	if stage == training.StageTrain {
		cfg.BatchSize = s.args.BatchSizeTraining
		cfg.Shuffle = s.args.Shuffle == nil || *s.args.Shuffle
		if s.ipuOpts != nil {
			loaderOpts = s.ipuOpts.TrainingLoader
		}
	}
	if loaderOpts != nil {
		cfg.BatchSize = loaderOpts.BatchSize
		cfg.MaxNodes = loaderOpts.MaxNumNodes
		cfg.MaxEdges = loaderOpts.MaxNumEdges
	}
	return training.NewDataLoader(ds, cfg)
}

// inDims reads the input widths off the first graph.
func (s *graphSet) inDims() map[string]int {
	dims := map[string]int{}
	if len(s.graphs) == 0 {
		return dims
	}
	g := s.graphs[0]
	if g.Feat != nil && g.Feat.Dim() == 2 {
		dims[graphdata.FieldFeat] = g.Feat.Shape[1]
	}
	dims[graphdata.FieldEdgeFeat] = 0
	if g.EdgeFeat != nil && g.EdgeFeat.Dim() == 2 {
		dims[graphdata.FieldEdgeFeat] = g.EdgeFeat.Shape[1]
	}
	for k, pe := range g.PE {
		if pe.Dim() == 2 {
			dims[k] = pe.Shape[1]
		}
	}
	return dims
}

func copyDims(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
