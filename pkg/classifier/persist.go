package classifier

import (
	"encoding/json"
	"io"
	"slices"

	"voice-integrity-server/pkg/errors"
)

const artifactVersion = 1

// ArtifactName names persisted classifier artifacts
const ArtifactName = "voice_integrity_classifier"

type artifact struct {
	Version int           `json:"version"`
	Model   *TrainedModel `json:"model"`
	Samples []Sample      `json:"training_samples"`
}

// Save writes the serving model and training set as an opaque blob
func (c *Classifier) Save(w io.Writer) error {
	m := c.model.Load()
	if m == nil {
		return errors.Wrap(errors.ErrModelNotTrained, "nothing to save").WithCode("MODEL_NOT_TRAINED")
	}
	blob := artifact{Version: artifactVersion, Model: m, Samples: c.TrainingSamples()}
	if err := json.NewEncoder(w).Encode(blob); err != nil {
		return errors.Wrap(err, "failed to encode model artifact")
	}
	return nil
}

// Load replaces the serving model and training set with a saved blob. A blob
// trained on a different feature ordering is rejected.
func (c *Classifier) Load(r io.Reader) error {
	var blob artifact
	if err := json.NewDecoder(r).Decode(&blob); err != nil {
		return errors.Wrap(err, "failed to decode model artifact").WithCode("INVALID_MODEL")
	}
	if blob.Model == nil {
		return errors.NewInvalidInput("model artifact has no model")
	}
	if !slices.Equal(blob.Model.FeatureNames, FeatureNames) {
		return errors.NewFeatureSchemaMismatch(FeatureNames, blob.Model.FeatureNames)
	}
	if !blob.Model.valid() {
		return errors.NewInvalidInput("model artifact is malformed").WithField("version", blob.Version)
	}

	c.trainMu.Lock()
	defer c.trainMu.Unlock()

	c.mutex.Lock()
	c.samples = blob.Samples
	c.generation++
	c.model.Store(blob.Model)
	c.mutex.Unlock()

	c.logger.WithField("samples", len(blob.Samples)).Info("Loaded integrity model")
	return nil
}
