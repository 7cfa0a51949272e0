package classifier

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/realtime"
)

// Config holds classifier training and scoring parameters
type Config struct {
	MinTrainingSamples int             `yaml:"min_training_samples" json:"min_training_samples"`
	DecisionThreshold  float64         `yaml:"decision_threshold" json:"decision_threshold"`
	Folds              int             `yaml:"folds" json:"folds"`
	Seed               int64           `yaml:"seed" json:"seed"`
	Ensemble           bool            `yaml:"ensemble" json:"ensemble"`
	Weights            EnsembleWeights `yaml:"weights" json:"weights"`
	Forest             ForestConfig    `yaml:"random_forest" json:"random_forest"`
	Boosting           BoostingConfig  `yaml:"gradient_boosting" json:"gradient_boosting"`
	Logistic           LogisticConfig  `yaml:"logistic_regression" json:"logistic_regression"`
	Rules              RuleWeights     `yaml:"rules" json:"rules"`
	Factors            FactorConfig    `yaml:"factors" json:"factors"`
	HistorySize        int             `yaml:"history_size" json:"history_size"`
}

// DefaultConfig returns the stock classifier parameters
func DefaultConfig() Config {
	return Config{
		MinTrainingSamples: 10,
		DecisionThreshold:  0.5,
		Folds:              5,
		Seed:               42,
		Ensemble:           true,
		Weights:            EnsembleWeights{RandomForest: 0.4, GradientBoosting: 0.4, LogisticRegression: 0.2},
		Forest:             ForestConfig{Trees: 100, MaxDepth: 10, MinSamplesSplit: 2},
		Boosting:           BoostingConfig{Stages: 100, LearningRate: 0.1, MaxDepth: 6},
		Logistic:           LogisticConfig{Iterations: 1000, LearningRate: 0.1, L2: 1},
		Rules:              DefaultRuleWeights(),
		Factors:            DefaultFactorConfig(),
		HistorySize:        1000,
	}
}

// Prediction is the fused integrity verdict for one sample
type Prediction struct {
	SessionID           string             `json:"session_id"`
	IsCheating          bool               `json:"is_cheating"`
	Confidence          float64            `json:"confidence"`
	Probability         float64            `json:"probability"`
	RiskScore           float64            `json:"risk_score"`
	ContributingFactors []string           `json:"contributing_factors"`
	RiskBreakdown       map[string]float64 `json:"risk_breakdown"`
	EvidenceSummary     map[string]any     `json:"evidence_summary"`
	ModelUsed           string             `json:"model_used"`
	Timestamp           time.Time          `json:"timestamp"`
}

// Status describes the serving model and training set
type Status struct {
	IsTrained           bool               `json:"is_trained"`
	ModelUsed           string             `json:"model_used"`
	TrainingSamples     int                `json:"training_samples"`
	CheatingSamples     int                `json:"cheating_samples"`
	FeatureNames        []string           `json:"feature_names"`
	FeatureImportance   map[string]float64 `json:"feature_importance,omitempty"`
	Metrics             *ModelMetrics      `json:"metrics,omitempty"`
	TrainedAt           *time.Time         `json:"trained_at,omitempty"`
	Predictions         int64              `json:"predictions"`
	FallbackPredictions int64              `json:"fallback_predictions"`
	TrainingRuns        int64              `json:"training_runs"`
}

// Classifier fuses analyzer outputs into a cheating probability. The serving
// model is swapped atomically, predictions never block on training.
type Classifier struct {
	cfg    Config
	pool   *realtime.WorkerPool
	logger *logrus.Entry

	model   atomic.Pointer[TrainedModel]
	trainMu sync.Mutex

	mutex      sync.Mutex
	samples    []Sample
	generation uint64
	history    *realtime.Ring[Prediction]

	predictions atomic.Int64
	fallbacks   atomic.Int64
	trainings   atomic.Int64
}

// NewClassifier creates an untrained classifier. A nil pool trains inline.
func NewClassifier(cfg Config, pool *realtime.WorkerPool, logger *logrus.Logger) *Classifier {
	defaults := DefaultConfig()
	if cfg.MinTrainingSamples <= 0 {
		cfg.MinTrainingSamples = defaults.MinTrainingSamples
	}
	if cfg.DecisionThreshold <= 0 || cfg.DecisionThreshold >= 1 {
		cfg.DecisionThreshold = defaults.DecisionThreshold
	}
	if cfg.Folds < 2 {
		cfg.Folds = defaults.Folds
	}
	if cfg.Forest.Trees <= 0 {
		cfg.Forest = defaults.Forest
	}
	if cfg.Boosting.Stages <= 0 {
		cfg.Boosting = defaults.Boosting
	}
	if cfg.Logistic.Iterations <= 0 {
		cfg.Logistic = defaults.Logistic
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaults.HistorySize
	}
	if cfg.Rules.ConfidenceScale <= 0 {
		cfg.Rules = defaults.Rules
	}
	if len(cfg.Factors.Thresholds) == 0 {
		cfg.Factors = defaults.Factors
	}

	return &Classifier{
		cfg:     cfg,
		pool:    pool,
		logger:  logger.WithField("component", "integrity_classifier"),
		history: realtime.NewRing[Prediction](cfg.HistorySize),
	}
}

// Model returns the variant the next prediction will use
func (c *Classifier) Model() Model {
	if m := c.model.Load(); m != nil {
		return m
	}
	return FallbackModel{}
}

// IsTrained reports whether a trained model is serving
func (c *Classifier) IsTrained() bool {
	return c.model.Load() != nil
}

// Predict scores a sample. The model is resolved once so a concurrent
// training swap cannot mix two models in one prediction.
func (c *Classifier) Predict(sample Sample) Prediction {
	var prediction Prediction
	switch m := c.Model().(type) {
	case *TrainedModel:
		prediction = c.predictTrained(m, sample)
	default:
		prediction = c.predictRules(sample)
		c.fallbacks.Add(1)
	}

	prediction.SessionID = sample.SessionID
	prediction.RiskBreakdown = riskBreakdown(sample)
	prediction.EvidenceSummary = evidenceSummary(sample)
	prediction.Timestamp = time.Now()
	c.predictions.Add(1)

	c.mutex.Lock()
	c.history.Push(prediction)
	c.mutex.Unlock()
	return prediction
}

func (c *Classifier) predictTrained(m *TrainedModel, sample Sample) Prediction {
	vector := sample.Vector()
	p := m.Probability(vector)
	risk := p
	if sample.HelpSeekingPhrases > 0 || sample.AnswerReceivingPhrases > 0 {
		risk += c.cfg.Rules.TrainedContentBoost
	}
	if sample.TotalSpeakers > 2 {
		risk += c.cfg.Rules.TrainedSpeakerBoost
	}
	if sample.PotentialRecording {
		risk += c.cfg.Rules.TrainedRecordingBoost
	}

	confidence := p
	if 1-p > confidence {
		confidence = 1 - p
	}
	return Prediction{
		IsCheating:          p > c.cfg.DecisionThreshold,
		Confidence:          confidence,
		Probability:         p,
		RiskScore:           clamp01(risk),
		ContributingFactors: c.importanceFactors(m, vector),
		ModelUsed:           m.Name(),
	}
}

func (c *Classifier) predictRules(sample Sample) Prediction {
	risk, factors := c.cfg.Rules.score(sample)
	confidence := risk
	if 1-risk > confidence {
		confidence = 1 - risk
	}
	return Prediction{
		IsCheating:          risk > c.cfg.DecisionThreshold,
		Confidence:          confidence * c.cfg.Rules.ConfidenceScale,
		Probability:         risk,
		RiskScore:           risk,
		ContributingFactors: factors,
		ModelUsed:           FallbackModelName,
	}
}

// AddTrainingSample appends a labeled sample. The serving model is
// withdrawn until the next successful Train.
func (c *Classifier) AddTrainingSample(sample Sample) {
	c.mutex.Lock()
	c.samples = append(c.samples, sample)
	c.generation++
	count := len(c.samples)
	c.mutex.Unlock()

	c.model.Store(nil)
	c.logger.WithFields(logrus.Fields{
		"session_id":  sample.SessionID,
		"is_cheating": sample.IsCheating,
		"samples":     count,
	}).Debug("Added training sample")
}

// TrainingSamples returns a copy of the training set
func (c *Classifier) TrainingSamples() []Sample {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]Sample(nil), c.samples...)
}

// Train fits a new model on the current training set and publishes it. A
// validationSplit in (0, 1) holds out that fraction for a holdout accuracy.
func (c *Classifier) Train(ctx context.Context, validationSplit float64) (ModelMetrics, error) {
	if validationSplit < 0 || validationSplit >= 1 {
		return ModelMetrics{}, errors.NewInvalidInput(fmt.Sprintf("validation split %.2f outside [0, 1)", validationSplit))
	}

	c.trainMu.Lock()
	defer c.trainMu.Unlock()

	c.mutex.Lock()
	samples := append([]Sample(nil), c.samples...)
	generation := c.generation
	c.mutex.Unlock()

	if len(samples) < c.cfg.MinTrainingSamples {
		return ModelMetrics{}, errors.NewInsufficientSamples(len(samples), c.cfg.MinTrainingSamples)
	}

	start := time.Now()
	var model *TrainedModel
	err := realtime.RunOn(ctx, c.pool, func() error {
		model = c.fit(samples, validationSplit)
		return nil
	})
	if err != nil {
		return ModelMetrics{}, errors.Wrap(err, "model training failed").WithField("samples", len(samples))
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.generation != generation {
		return ModelMetrics{}, errors.Wrap(errors.ErrTrainingStale, "trained model discarded").
			WithField("samples", len(samples)).
			WithCode("TRAINING_STALE")
	}
	c.model.Store(model)
	c.trainings.Add(1)

	c.logger.WithFields(logrus.Fields{
		"samples":     len(samples),
		"rf_cv_mean":  model.Metrics.RandomForestCV.Mean,
		"gb_cv_mean":  model.Metrics.GradientBoostingCV.Mean,
		"lr_cv_mean":  model.Metrics.LogisticRegressionCV.Mean,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Trained integrity model")
	return model.Metrics, nil
}

func (c *Classifier) fit(samples []Sample, validationSplit float64) *TrainedModel {
	rng := rand.New(rand.NewSource(c.cfg.Seed))
	x := make([][]float64, len(samples))
	y := make([]float64, len(samples))
	positives := 0
	for i, s := range samples {
		x[i] = s.Vector()
		y[i] = s.Label()
		if s.IsCheating {
			positives++
		}
	}

	metrics := ModelMetrics{TrainingSamples: len(samples), PositiveSamples: positives}
	if validationSplit > 0 {
		metrics.ValidationAccuracy = c.holdoutAccuracy(x, y, validationSplit, rng)
	}

	scaler := FitScaler(x)
	scaled := scaler.TransformAll(x)

	metrics.RandomForestCV = crossValidate(scaled, y, c.cfg.Folds, rng, func(tx [][]float64, ty []float64) func([]float64) float64 {
		return FitForest(tx, ty, c.cfg.Forest, rng).Probability
	})
	if c.cfg.Ensemble {
		metrics.GradientBoostingCV = crossValidate(scaled, y, c.cfg.Folds, rng, func(tx [][]float64, ty []float64) func([]float64) float64 {
			return FitBoosting(tx, ty, c.cfg.Boosting).Probability
		})
		metrics.LogisticRegressionCV = crossValidate(scaled, y, c.cfg.Folds, rng, func(tx [][]float64, ty []float64) func([]float64) float64 {
			return FitLogistic(tx, ty, c.cfg.Logistic).Probability
		})
	}

	model := &TrainedModel{
		FeatureNames: append([]string(nil), FeatureNames...),
		Scaler:       scaler,
		Forest:       FitForest(scaled, y, c.cfg.Forest, rng),
		Ensemble:     c.cfg.Ensemble,
		Weights:      c.cfg.Weights,
		Metrics:      metrics,
		TrainedAt:    time.Now(),
	}
	if c.cfg.Ensemble {
		model.Boosting = FitBoosting(scaled, y, c.cfg.Boosting)
		model.Logistic = FitLogistic(scaled, y, c.cfg.Logistic)
	}
	model.Importance = make(map[string]float64, len(FeatureNames))
	for i, name := range FeatureNames {
		model.Importance[name] = model.Forest.Importance[i]
	}
	return model
}

// holdoutAccuracy scores a model fit on a shuffled training part against the
// held out rest
func (c *Classifier) holdoutAccuracy(x [][]float64, y []float64, split float64, rng *rand.Rand) *float64 {
	order := rng.Perm(len(x))
	holdout := int(float64(len(x)) * split)
	if holdout < 1 || holdout >= len(x) {
		return nil
	}

	var trainX, testX [][]float64
	var trainY, testY []float64
	for k, i := range order {
		if k < holdout {
			testX, testY = append(testX, x[i]), append(testY, y[i])
		} else {
			trainX, trainY = append(trainX, x[i]), append(trainY, y[i])
		}
	}

	scaler := FitScaler(trainX)
	m := &TrainedModel{
		Scaler:   scaler,
		Forest:   FitForest(scaler.TransformAll(trainX), trainY, c.cfg.Forest, rng),
		Ensemble: c.cfg.Ensemble,
		Weights:  c.cfg.Weights,
	}
	if c.cfg.Ensemble {
		m.Boosting = FitBoosting(scaler.TransformAll(trainX), trainY, c.cfg.Boosting)
		m.Logistic = FitLogistic(scaler.TransformAll(trainX), trainY, c.cfg.Logistic)
	}

	correct := 0
	for i, row := range testX {
		if (m.Probability(row) > c.cfg.DecisionThreshold) == (testY[i] > 0.5) {
			correct++
		}
	}
	accuracy := float64(correct) / float64(len(testX))
	return &accuracy
}

// Status reports the serving model and training set
func (c *Classifier) Status() Status {
	c.mutex.Lock()
	status := Status{TrainingSamples: len(c.samples)}
	for _, s := range c.samples {
		if s.IsCheating {
			status.CheatingSamples++
		}
	}
	c.mutex.Unlock()

	status.FeatureNames = append([]string(nil), FeatureNames...)
	status.Predictions = c.predictions.Load()
	status.FallbackPredictions = c.fallbacks.Load()
	status.TrainingRuns = c.trainings.Load()
	status.ModelUsed = FallbackModelName

	if m := c.model.Load(); m != nil {
		status.IsTrained = true
		status.ModelUsed = m.Name()
		status.FeatureImportance = m.Importance
		metrics := m.Metrics
		status.Metrics = &metrics
		trainedAt := m.TrainedAt
		status.TrainedAt = &trainedAt
	}
	return status
}

// History returns the recorded predictions, oldest first
func (c *Classifier) History() []Prediction {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.history.All()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
