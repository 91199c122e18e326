package loader

import (
	"log/slog"

	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/accelerator"
	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/datamodule"
	"github.com/tsawler/go-molgraph/ipu"
	"github.com/tsawler/go-molgraph/predictor"
)

const (
	ipuTrainingLoaderKey  = "ipu_dataloader_training_opts"
	ipuInferenceLoaderKey = "ipu_dataloader_inference_opts"
)

// LoadDatamodule builds the datamodule named by datamodule.module_type from
// datamodule.args. On the IPU the dataloader option sections are taken out
// of the args and turned, together with the device options, into the
// datamodule's IPUOptions.
func LoadDatamodule(cfg config.Tree, accType accelerator.Type) (datamodule.Datamodule, error) {
	kind, err := datamodule.ParseKind(config.String(cfg, "", "datamodule", "module_type"))
	if err != nil {
		return nil, err
	}
	section, _ := config.Sub(cfg, "datamodule", "args")
	args := config.Clone(section)
	if args == nil {
		args = config.Tree{}
	}

	if accType != accelerator.IPU {
		return datamodule.New(kind, args, nil)
	}

	trainSection, err := popSection(args, ipuTrainingLoaderKey)
	if err != nil {
		return nil, err
	}
	inferSection, err := popSection(args, ipuInferenceLoaderKey)
	if err != nil {
		return nil, err
	}

	trainOpts, inferOpts, err := ipuOptions(cfg)
	if err != nil {
		return nil, err
	}

	bzTrain := config.Int(args, datamodule.DefaultBatchSize, "batch_size_training")
	bzInfer := config.Int(args, bzTrain, "batch_size_inference")

	trainLoader, err := ipu.NewDataloaderOptions(bzTrain, trainSection)
	if err != nil {
		return nil, err
	}
	if err := trainLoader.SetKwargs(); err != nil {
		return nil, errors.WithMessage(err, ipuTrainingLoaderKey)
	}
	inferLoader, err := ipu.NewDataloaderOptions(bzInfer, inferSection)
	if err != nil {
		return nil, err
	}
	if err := inferLoader.SetKwargs(); err != nil {
		return nil, errors.WithMessage(err, ipuInferenceLoaderKey)
	}

	slog.Info("ipu dataloader options",
		"batch_size_training", trainLoader.BatchSize,
		"max_num_nodes", trainLoader.MaxNumNodes,
		"max_num_edges", trainLoader.MaxNumEdges,
		"batch_size_inference", inferLoader.BatchSize)

	return datamodule.New(kind, args, &datamodule.IPUOptions{
		Training:        trainOpts,
		Inference:       inferOpts,
		TrainingLoader:  trainLoader,
		InferenceLoader: inferLoader,
	})
}

// popSection removes key from tree and returns it. Absent and null keys
// yield nil.
func popSection(tree config.Tree, key string) (config.Tree, error) {
	v, ok := tree[key]
	if !ok {
		return nil, nil
	}
	delete(tree, key)
	if v == nil {
		return nil, nil
	}
	section, ok := v.(config.Tree)
	if !ok {
		return nil, errors.Errorf("%s must be a mapping, got %T", key, v)
	}
	return section, nil
}

// TaskNorms returns the label normalizations of dm in the form the
// predictor consumes.
func TaskNorms(dm datamodule.Datamodule) map[string]predictor.TaskNorm {
	norms := dm.TaskNorms()
	if len(norms) == 0 {
		return nil
	}
	out := make(map[string]predictor.TaskNorm, len(norms))
	for task, norm := range norms {
		out[task] = norm
	}
	return out
}
