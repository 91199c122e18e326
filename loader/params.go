package loader

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/datamodule"
	"github.com/tsawler/go-molgraph/nn"
	"github.com/tsawler/go-molgraph/nn/mup"
	"github.com/tsawler/go-molgraph/tracking"
)

// Artifact keys written by SaveParamsToTracker.
const (
	MupBaseShapesArtifact = "mup_base_params.yaml"
	FeaturizerArtifact    = "featurizer.yaml"
)

// SaveParamsToTracker records a run's configuration with the tracker: the
// flattened config as run parameters, and the base shapes of model, the
// full config (tracking.ConfigArtifact) and the featurizer description of
// dm as artifacts.
func SaveParamsToTracker(logger *tracking.Logger, cfg config.Tree, model nn.Model, dm datamodule.Datamodule) error {
	if logger == nil {
		return nil
	}
	shapes, err := mup.FromModel(model).Marshal()
	if err != nil {
		return errors.Wrap(err, "encode base shapes")
	}
	if _, err := logger.SaveArtifact(MupBaseShapesArtifact, shapes); err != nil {
		return err
	}

	if err := logger.SaveParams(cfg); err != nil {
		return err
	}

	if dm != nil {
		if _, err := logger.SaveYAML(FeaturizerArtifact, dm.FeaturizerDescription()); err != nil {
			return err
		}
	}
	return nil
}
