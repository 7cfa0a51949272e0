package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"voice-integrity-server/pkg/behavioral"
	"voice-integrity-server/pkg/classifier"
	"voice-integrity-server/pkg/emotion"
	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/realtime"
	"voice-integrity-server/pkg/speaker"
)

// Calibration groups every analyzer threshold, weight and phrase list. A YAML
// file only needs the keys it overrides; list values replace the defaults.
type Calibration struct {
	Voice           realtime.Config       `yaml:"voice" json:"voice"`
	Behavioral      behavioral.Config     `yaml:"behavioral" json:"behavioral"`
	Speaker         speaker.Config        `yaml:"speaker" json:"speaker"`
	SpeakerProfiles speaker.ProfileConfig `yaml:"speaker_profiles" json:"speaker_profiles"`
	Emotion         emotion.Config        `yaml:"emotion" json:"emotion"`
	Classifier      classifier.Config     `yaml:"classifier" json:"classifier"`
}

// DefaultCalibration returns the stock calibration of every analyzer
func DefaultCalibration() Calibration {
	return Calibration{
		Voice:           realtime.DefaultConfig(),
		Behavioral:      behavioral.DefaultConfig(),
		Speaker:         speaker.DefaultConfig(),
		SpeakerProfiles: speaker.DefaultProfileConfig(),
		Emotion:         emotion.DefaultConfig(),
		Classifier:      classifier.DefaultConfig(),
	}
}

// LoadCalibration overlays the YAML file at path onto cal. Unknown keys are
// rejected so typos do not silently keep a default.
func LoadCalibration(path string, cal *Calibration) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open calibration file")
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cal); err != nil {
		return errors.NewInvalidInput("invalid calibration YAML").WithField("cause", err.Error())
	}
	return nil
}

// Validate checks ranges the analyzers cannot recover from
func (c Calibration) Validate() error {
	if c.Voice.SpeechThreshold < 0 || c.Voice.SpeechThreshold > 1 {
		return errors.NewInvalidInput(fmt.Sprintf("voice.speech_threshold %.2f outside [0, 1]", c.Voice.SpeechThreshold))
	}

	for _, group := range [][]string{c.Behavioral.HelpSeekingPatterns, c.Behavioral.AnswerPatterns} {
		for _, pattern := range group {
			if _, err := regexp.Compile(pattern); err != nil {
				return errors.NewInvalidInput("invalid behavioral pattern").
					WithField("pattern", pattern).
					WithField("cause", err.Error())
			}
		}
	}

	if c.Classifier.DecisionThreshold <= 0 || c.Classifier.DecisionThreshold >= 1 {
		return errors.NewInvalidInput(fmt.Sprintf("classifier.decision_threshold %.2f outside (0, 1)", c.Classifier.DecisionThreshold))
	}
	w := c.Classifier.Weights
	if w.RandomForest < 0 || w.GradientBoosting < 0 || w.LogisticRegression < 0 ||
		w.RandomForest+w.GradientBoosting+w.LogisticRegression == 0 {
		return errors.NewInvalidInput("classifier ensemble weights must be non-negative and not all zero")
	}
	if c.Classifier.Folds < 2 {
		return errors.NewInvalidInput(fmt.Sprintf("classifier.folds must be at least 2, got %d", c.Classifier.Folds))
	}
	return nil
}
