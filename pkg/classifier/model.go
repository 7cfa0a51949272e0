package classifier

import (
	"time"
)

// Model is the model a prediction runs against: either FallbackModel or a
// *TrainedModel. Predict resolves it once per call.
type Model interface {
	isModel()
}

// FallbackModel selects the rule-based scorer
type FallbackModel struct{}

func (FallbackModel) isModel() {}

// ModelMetrics records cross-validation and holdout results of a training run
type ModelMetrics struct {
	RandomForestCV       CVScore  `json:"random_forest_cv"`
	GradientBoostingCV   CVScore  `json:"gradient_boosting_cv"`
	LogisticRegressionCV CVScore  `json:"logistic_regression_cv"`
	ValidationAccuracy   *float64 `json:"validation_accuracy,omitempty"`
	TrainingSamples      int      `json:"training_samples"`
	PositiveSamples      int      `json:"positive_samples"`
}

// TrainedModel is immutable once published
type TrainedModel struct {
	FeatureNames []string            `json:"feature_names"`
	Scaler       *StandardScaler     `json:"scaler"`
	Forest       *RandomForest       `json:"random_forest"`
	Boosting     *GradientBoosting   `json:"gradient_boosting"`
	Logistic     *LogisticRegression `json:"logistic_regression"`
	Ensemble     bool                `json:"ensemble"`
	Weights      EnsembleWeights     `json:"weights"`
	Importance   map[string]float64  `json:"feature_importance"`
	Metrics      ModelMetrics        `json:"metrics"`
	TrainedAt    time.Time           `json:"trained_at"`
}

func (*TrainedModel) isModel() {}

// EnsembleWeights blends the three model probabilities
type EnsembleWeights struct {
	RandomForest       float64 `yaml:"random_forest" json:"random_forest"`
	GradientBoosting   float64 `yaml:"gradient_boosting" json:"gradient_boosting"`
	LogisticRegression float64 `yaml:"logistic_regression" json:"logistic_regression"`
}

// Name reports how predictions are produced
func (m *TrainedModel) Name() string {
	if m.Ensemble {
		return "Ensemble (RF+GB+LR)"
	}
	return "Random Forest"
}

// Probability scores a raw, unscaled feature vector
func (m *TrainedModel) Probability(vector []float64) float64 {
	x := m.Scaler.Transform(vector)
	if !m.Ensemble {
		return m.Forest.Probability(x)
	}
	w := m.Weights
	total := w.RandomForest + w.GradientBoosting + w.LogisticRegression
	if total <= 0 {
		return m.Forest.Probability(x)
	}
	p := w.RandomForest*m.Forest.Probability(x) +
		w.GradientBoosting*m.Boosting.Probability(x) +
		w.LogisticRegression*m.Logistic.Probability(x)
	return p / total
}

func (m *TrainedModel) valid() bool {
	width := len(FeatureNames)
	if m.Scaler == nil || len(m.Scaler.Mean) != width || len(m.Scaler.Scale) != width {
		return false
	}
	if m.Forest == nil || len(m.Forest.Trees) == 0 {
		return false
	}
	for _, t := range m.Forest.Trees {
		if !t.valid(width) {
			return false
		}
	}
	if !m.Ensemble {
		return true
	}
	if m.Boosting == nil || m.Logistic == nil || len(m.Logistic.Weights) != width {
		return false
	}
	for _, t := range m.Boosting.Trees {
		if !t.valid(width) {
			return false
		}
	}
	return true
}
