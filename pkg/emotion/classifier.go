package emotion

import (
	"context"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"voice-integrity-server/pkg/errors"
)

// Emotion labels recognized by the analyzer
const (
	Neutral  = "neutral"
	Happy    = "happy"
	Sad      = "sad"
	Angry    = "angry"
	Fear     = "fear"
	Surprise = "surprise"
	Disgust  = "disgust"
	Unknown  = "unknown"
)

// Labels is the fixed label order classifiers score over
var Labels = []string{Neutral, Happy, Sad, Angry, Fear, Surprise, Disgust}

// Classifier scores a feature vector over Labels. The returned
// probabilities are indexed like Labels.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, vector []float64) ([]float64, error)
}

// LinearModel is the serialized form of a softmax classifier with optional
// input standardization
type LinearModel struct {
	Weights [][]float64 `yaml:"weights"`
	Bias    []float64   `yaml:"bias"`
	Mean    []float64   `yaml:"mean,omitempty"`
	Scale   []float64   `yaml:"scale,omitempty"`
}

// LinearClassifier is a multinomial logistic model over the feature vector
type LinearClassifier struct {
	weights *mat.Dense
	bias    []float64
	mean    []float64
	scale   []float64
}

// NewLinearClassifier validates the model dimensions
func NewLinearClassifier(model LinearModel) (*LinearClassifier, error) {
	if len(model.Weights) != len(Labels) {
		return nil, errors.NewInvalidInput(fmt.Sprintf("emotion model needs %d weight rows, got %d", len(Labels), len(model.Weights)))
	}
	if len(model.Bias) != len(Labels) {
		return nil, errors.NewInvalidInput(fmt.Sprintf("emotion model needs %d biases, got %d", len(Labels), len(model.Bias)))
	}
	data := make([]float64, 0, len(Labels)*FeatureVectorLength)
	for i, row := range model.Weights {
		if len(row) != FeatureVectorLength {
			return nil, errors.NewInvalidInput(fmt.Sprintf("emotion model row %d has %d weights, want %d", i, len(row), FeatureVectorLength))
		}
		data = append(data, row...)
	}
	if model.Mean != nil && len(model.Mean) != FeatureVectorLength {
		return nil, errors.NewInvalidInput("emotion model mean has wrong length")
	}
	if model.Scale != nil && len(model.Scale) != FeatureVectorLength {
		return nil, errors.NewInvalidInput("emotion model scale has wrong length")
	}

	return &LinearClassifier{
		weights: mat.NewDense(len(Labels), FeatureVectorLength, data),
		bias:    append([]float64(nil), model.Bias...),
		mean:    model.Mean,
		scale:   model.Scale,
	}, nil
}

// LoadLinearClassifier reads a YAML encoded LinearModel
func LoadLinearClassifier(r io.Reader) (*LinearClassifier, error) {
	var model LinearModel
	if err := yaml.NewDecoder(r).Decode(&model); err != nil {
		return nil, errors.Wrap(err, "failed to decode emotion model")
	}
	return NewLinearClassifier(model)
}

// Name identifies the backend
func (c *LinearClassifier) Name() string {
	return "linear"
}

// Classify returns softmax probabilities over Labels
func (c *LinearClassifier) Classify(ctx context.Context, vector []float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vector) != FeatureVectorLength {
		return nil, errors.NewInvalidInput(fmt.Sprintf("feature vector has %d values, want %d", len(vector), FeatureVectorLength))
	}

	x := append([]float64(nil), vector...)
	if c.mean != nil {
		floats.Sub(x, c.mean)
	}
	if c.scale != nil {
		for i, s := range c.scale {
			if s != 0 {
				x[i] /= s
			}
		}
	}

	var logits mat.VecDense
	logits.MulVec(c.weights, mat.NewVecDense(len(x), x))
	scores := make([]float64, len(Labels))
	for i := range scores {
		scores[i] = logits.AtVec(i) + c.bias[i]
	}
	return softmax(scores), nil
}

func softmax(scores []float64) []float64 {
	out := make([]float64, len(scores))
	peak := floats.Max(scores)
	sum := 0.0
	for i, s := range scores {
		out[i] = math.Exp(s - peak)
		sum += out[i]
	}
	floats.Scale(1/sum, out)
	return out
}
