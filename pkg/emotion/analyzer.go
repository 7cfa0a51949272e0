package emotion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/audio"
	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/realtime"
)

// FailedIndicator marks an analysis that could not be completed
const FailedIndicator = "Analysis failed"

// Config holds emotion feature defaults and derivation thresholds
type Config struct {
	SampleRate         int     `yaml:"sample_rate" json:"sample_rate"`
	SyllablesPerSecond float64 `yaml:"syllables_per_second" json:"syllables_per_second"`

	// used when no pitch backend is configured
	DefaultPitchMean  float64 `yaml:"default_pitch_mean" json:"default_pitch_mean"`
	DefaultPitchStd   float64 `yaml:"default_pitch_std" json:"default_pitch_std"`
	DefaultPitchRange float64 `yaml:"default_pitch_range" json:"default_pitch_range"`
	DefaultJitter     float64 `yaml:"default_jitter" json:"default_jitter"`
	DefaultShimmer    float64 `yaml:"default_shimmer" json:"default_shimmer"`

	// used when no spectral backend is configured
	DefaultBandwidth float64 `yaml:"default_bandwidth" json:"default_bandwidth"`
	DefaultRolloff   float64 `yaml:"default_rolloff" json:"default_rolloff"`

	FallbackConfidence  float64 `yaml:"fallback_confidence" json:"fallback_confidence"`
	FallbackEnergy      float64 `yaml:"fallback_energy" json:"fallback_energy"`
	FallbackLowEnergy   float64 `yaml:"fallback_low_energy" json:"fallback_low_energy"`
	FallbackPitch       float64 `yaml:"fallback_pitch" json:"fallback_pitch"`
	FallbackAngryStd    float64 `yaml:"fallback_angry_std" json:"fallback_angry_std"`
	FallbackFearStd     float64 `yaml:"fallback_fear_std" json:"fallback_fear_std"`
	FallbackProbability float64 `yaml:"fallback_probability" json:"fallback_probability"`

	StressPitchStd      float64 `yaml:"stress_pitch_std" json:"stress_pitch_std"`
	StressSpeakingRate  float64 `yaml:"stress_speaking_rate" json:"stress_speaking_rate"`
	StressEnergyStd     float64 `yaml:"stress_energy_std" json:"stress_energy_std"`
	AnxietyJitter       float64 `yaml:"anxiety_jitter" json:"anxiety_jitter"`
	AnxietyPauseRate    float64 `yaml:"anxiety_pause_rate" json:"anxiety_pause_rate"`
	AnxietySpeakingRate float64 `yaml:"anxiety_speaking_rate" json:"anxiety_speaking_rate"`

	DeceptionJitter       float64 `yaml:"deception_jitter" json:"deception_jitter"`
	DeceptionShimmer      float64 `yaml:"deception_shimmer" json:"deception_shimmer"`
	DeceptionPauseRate    float64 `yaml:"deception_pause_rate" json:"deception_pause_rate"`
	DeceptionSpeakingRate float64 `yaml:"deception_speaking_rate" json:"deception_speaking_rate"`
	DeceptionPitchStd     float64 `yaml:"deception_pitch_std" json:"deception_pitch_std"`
	DeceptionFear         float64 `yaml:"deception_fear" json:"deception_fear"`
	DeceptionSurprise     float64 `yaml:"deception_surprise" json:"deception_surprise"`

	HighStress          float64 `yaml:"high_stress" json:"high_stress"`
	HighAnxiety         float64 `yaml:"high_anxiety" json:"high_anxiety"`
	InconsistentStress  float64 `yaml:"inconsistent_stress" json:"inconsistent_stress"`
	MultipleDeceptions  int     `yaml:"multiple_deceptions" json:"multiple_deceptions"`
	FailedRiskScore     float64 `yaml:"failed_risk_score" json:"failed_risk_score"`
	HistorySize         int     `yaml:"history_size" json:"history_size"`
	SummaryWindow       int     `yaml:"summary_window" json:"summary_window"`
	SummaryRecentLength int     `yaml:"summary_recent_length" json:"summary_recent_length"`
}

// DefaultConfig returns the stock emotion thresholds
func DefaultConfig() Config {
	return Config{
		SampleRate:            audio.DefaultSampleRate,
		SyllablesPerSecond:    4,
		DefaultPitchMean:      150,
		DefaultPitchStd:       20,
		DefaultPitchRange:     100,
		DefaultJitter:         0.01,
		DefaultShimmer:        0.03,
		DefaultBandwidth:      1000,
		DefaultRolloff:        4000,
		FallbackConfidence:    0.6,
		FallbackEnergy:        0.05,
		FallbackLowEnergy:     0.02,
		FallbackPitch:         200,
		FallbackAngryStd:      30,
		FallbackFearStd:       40,
		FallbackProbability:   0.7,
		StressPitchStd:        30,
		StressSpeakingRate:    6,
		StressEnergyStd:       0.05,
		AnxietyJitter:         0.02,
		AnxietyPauseRate:      1.0,
		AnxietySpeakingRate:   2,
		DeceptionJitter:       0.025,
		DeceptionShimmer:      0.05,
		DeceptionPauseRate:    0.8,
		DeceptionSpeakingRate: 2.5,
		DeceptionPitchStd:     40,
		DeceptionFear:         0.4,
		DeceptionSurprise:     0.3,
		HighStress:            0.7,
		HighAnxiety:           0.7,
		InconsistentStress:    0.5,
		MultipleDeceptions:    2,
		FailedRiskScore:       0.5,
		HistorySize:           1000,
		SummaryWindow:         10,
		SummaryRecentLength:   5,
	}
}

// Prediction is the classified emotional state
type Prediction struct {
	Emotion             string             `json:"emotion"`
	Confidence          float64            `json:"confidence"`
	Probabilities       map[string]float64 `json:"probabilities"`
	StressLevel         float64            `json:"stress_level"`
	AnxietyLevel        float64            `json:"anxiety_level"`
	DeceptionIndicators []string           `json:"deception_indicators"`
	Fallback            bool               `json:"fallback,omitempty"`
}

// Analysis is the result of one emotion analysis cycle
type Analysis struct {
	SessionID            string     `json:"session_id,omitempty"`
	Features             Features   `json:"features"`
	Predictions          Prediction `json:"predictions"`
	SuspiciousIndicators []string   `json:"suspicious_indicators"`
	OverallRiskScore     float64    `json:"overall_risk_score"`
	Failed               bool       `json:"failed,omitempty"`
	AnalysisTimestamp    time.Time  `json:"analysis_timestamp"`
}

// Summary aggregates recent analyses
type Summary struct {
	Message             string     `json:"message,omitempty"`
	TotalAnalyses       int        `json:"total_analyses"`
	AverageStressLevel  float64    `json:"average_stress_level"`
	AverageAnxietyLevel float64    `json:"average_anxiety_level"`
	AverageRiskScore    float64    `json:"average_risk_score"`
	RecentAnalyses      []Analysis `json:"recent_analyses"`
	ModelAvailable      bool       `json:"model_available"`
}

// Backends are the optional model and feature backends. Any may be nil.
type Backends struct {
	Pitch      *audio.PitchTracker
	Spectral   *audio.SpectralExtractor
	Classifier Classifier
}

// Analyzer derives emotional state, stress and deception cues from audio
type Analyzer struct {
	cfg        Config
	extractor  *extractor
	classifier Classifier
	pool       *realtime.WorkerPool
	logger     *logrus.Entry

	mutex   sync.Mutex
	history *realtime.Ring[Analysis]
	failed  int64
}

// NewAnalyzer creates an emotion analyzer. A nil pool runs work inline.
func NewAnalyzer(cfg Config, backends Backends, pool *realtime.WorkerPool, logger *logrus.Logger) *Analyzer {
	defaults := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaults.SampleRate
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaults.HistorySize
	}
	if cfg.SummaryWindow <= 0 {
		cfg.SummaryWindow = defaults.SummaryWindow
	}
	if cfg.SummaryRecentLength <= 0 {
		cfg.SummaryRecentLength = defaults.SummaryRecentLength
	}

	model := "rules"
	if backends.Classifier != nil {
		model = backends.Classifier.Name()
	}
	return &Analyzer{
		cfg: cfg,
		extractor: &extractor{
			cfg:        cfg,
			sampleRate: cfg.SampleRate,
			pitch:      backends.Pitch,
			spectral:   backends.Spectral,
		},
		classifier: backends.Classifier,
		pool:       pool,
		logger:     logger.WithFields(logrus.Fields{"component": "emotion_analyzer", "model": model}),
		history:    realtime.NewRing[Analysis](cfg.HistorySize),
	}
}

// ModelAvailable reports whether an emotion classifier is configured
func (a *Analyzer) ModelAvailable() bool {
	return a.classifier != nil
}

// Analyze extracts features from samples, classifies them and derives risk.
// Context cancellation is returned as an error. Any other failure yields a
// failed analysis with a neutral-high risk score.
func (a *Analyzer) Analyze(ctx context.Context, samples []float64, segments []realtime.SpeechSegment, sessionID string) (Analysis, error) {
	var result Analysis
	err := realtime.RunOn(ctx, a.pool, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.NewInternalError(fmt.Sprintf("emotion analysis panic: %v", r))
			}
		}()
		result = a.analyze(ctx, samples, segments)
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Analysis{}, errors.Wrap(ctxErr, "emotion analysis cancelled").WithField("session_id", sessionID)
		}
		a.logger.WithError(err).WithField("session_id", sessionID).Error("Emotion analysis failed")
		result = a.FailedAnalysis()
		a.mutex.Lock()
		a.failed++
		a.mutex.Unlock()
	}
	result.SessionID = sessionID

	a.mutex.Lock()
	a.history.Push(result)
	a.mutex.Unlock()

	a.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"emotion":    result.Predictions.Emotion,
		"stress":     result.Predictions.StressLevel,
		"risk":       result.OverallRiskScore,
	}).Debug("Emotion analysis completed")
	return result, nil
}

// FailedAnalysis is the result recorded when analysis cannot complete
func (a *Analyzer) FailedAnalysis() Analysis {
	return Analysis{
		Features: Features{MFCC: make([]float64, mfccLength)},
		Predictions: Prediction{
			Emotion:             Unknown,
			Probabilities:       map[string]float64{},
			DeceptionIndicators: []string{},
		},
		SuspiciousIndicators: []string{FailedIndicator},
		OverallRiskScore:     a.cfg.FailedRiskScore,
		Failed:               true,
		AnalysisTimestamp:    time.Now(),
	}
}

func (a *Analyzer) neutralAnalysis() Analysis {
	probabilities := make(map[string]float64, len(Labels))
	for _, label := range Labels {
		probabilities[label] = 0
	}
	probabilities[Neutral] = 1
	return Analysis{
		Features: Features{MFCC: make([]float64, mfccLength), EnergyContour: []float64{}},
		Predictions: Prediction{
			Emotion:             Neutral,
			Probabilities:       probabilities,
			DeceptionIndicators: []string{},
		},
		SuspiciousIndicators: []string{},
		AnalysisTimestamp:    time.Now(),
	}
}

func (a *Analyzer) analyze(ctx context.Context, samples []float64, segments []realtime.SpeechSegment) Analysis {
	if len(samples) == 0 {
		return a.neutralAnalysis()
	}

	features := a.extractor.extract(samples, segments)
	prediction := a.Predict(ctx, features)
	return Analysis{
		Features:             features,
		Predictions:          prediction,
		SuspiciousIndicators: a.suspiciousIndicators(prediction),
		OverallRiskScore:     a.riskScore(prediction),
		AnalysisTimestamp:    time.Now(),
	}
}

// Predict classifies features with the configured classifier, or with
// threshold rules when none is configured or it fails
func (a *Analyzer) Predict(ctx context.Context, features Features) Prediction {
	prediction, ok := a.classify(ctx, features)
	if !ok {
		prediction = a.fallbackPrediction(features)
	}
	prediction.StressLevel = a.stressLevel(features, prediction.Probabilities)
	prediction.AnxietyLevel = a.anxietyLevel(features, prediction.Probabilities)
	prediction.DeceptionIndicators = a.deceptionIndicators(features, prediction.Probabilities)
	return prediction
}

func (a *Analyzer) classify(ctx context.Context, features Features) (Prediction, bool) {
	if a.classifier == nil {
		return Prediction{}, false
	}
	probs, err := a.classifier.Classify(ctx, features.Vector())
	if err != nil || len(probs) != len(Labels) {
		a.logger.WithError(err).Warning("Emotion classifier failed, using rules")
		return Prediction{}, false
	}

	prediction := Prediction{Probabilities: make(map[string]float64, len(Labels))}
	best := -1.0
	for i, label := range Labels {
		prob := audio.Clamp01(probs[i])
		prediction.Probabilities[label] = prob
		if prob > best {
			best = prob
			prediction.Emotion = label
			prediction.Confidence = prob
		}
	}
	return prediction, true
}

// fallbackPrediction maps loud high-pitched speech to angry or happy, quiet
// speech to sad and very unsteady pitch to fear
func (a *Analyzer) fallbackPrediction(f Features) Prediction {
	emotion := Neutral
	switch {
	case f.EnergyMean > a.cfg.FallbackEnergy && f.PitchMean > a.cfg.FallbackPitch:
		if f.PitchStd > a.cfg.FallbackAngryStd {
			emotion = Angry
		} else {
			emotion = Happy
		}
	case f.EnergyMean < a.cfg.FallbackLowEnergy:
		emotion = Sad
	case f.PitchStd > a.cfg.FallbackFearStd:
		emotion = Fear
	}

	rest := (1 - a.cfg.FallbackProbability) / float64(len(Labels)-1)
	probabilities := make(map[string]float64, len(Labels))
	for _, label := range Labels {
		probabilities[label] = rest
	}
	probabilities[emotion] = a.cfg.FallbackProbability

	return Prediction{
		Emotion:       emotion,
		Confidence:    a.cfg.FallbackConfidence,
		Probabilities: probabilities,
		Fallback:      true,
	}
}

func (a *Analyzer) stressLevel(f Features, p map[string]float64) float64 {
	stress := 0.0
	if f.PitchStd > a.cfg.StressPitchStd {
		stress += 0.3
	}
	if f.SpeakingRate > a.cfg.StressSpeakingRate {
		stress += 0.2
	}
	if f.EnergyStd > a.cfg.StressEnergyStd {
		stress += 0.2
	}
	stress += p[Angry]*0.5 + p[Fear]*0.6 + p[Sad]*0.3
	return audio.Clamp01(stress)
}

func (a *Analyzer) anxietyLevel(f Features, p map[string]float64) float64 {
	anxiety := 0.0
	if f.Jitter > a.cfg.AnxietyJitter {
		anxiety += 0.3
	}
	if f.PauseRate > a.cfg.AnxietyPauseRate {
		anxiety += 0.2
	}
	if f.SpeakingRate < a.cfg.AnxietySpeakingRate {
		anxiety += 0.2
	}
	anxiety += p[Fear]*0.7 + p[Surprise]*0.3 + p[Sad]*0.4
	return audio.Clamp01(anxiety)
}

func (a *Analyzer) deceptionIndicators(f Features, p map[string]float64) []string {
	indicators := []string{}
	if f.Jitter > a.cfg.DeceptionJitter {
		indicators = append(indicators, "High voice instability (jitter)")
	}
	if f.Shimmer > a.cfg.DeceptionShimmer {
		indicators = append(indicators, "High amplitude instability (shimmer)")
	}
	if f.PauseRate > a.cfg.DeceptionPauseRate {
		indicators = append(indicators, "Excessive pausing (thinking time)")
	}
	if f.SpeakingRate < a.cfg.DeceptionSpeakingRate {
		indicators = append(indicators, "Unusually slow speech")
	}
	if f.PitchStd > a.cfg.DeceptionPitchStd {
		indicators = append(indicators, "Highly variable pitch (nervous)")
	}
	if p[Fear] > a.cfg.DeceptionFear {
		indicators = append(indicators, "High fear response")
	}
	if p[Surprise] > a.cfg.DeceptionSurprise {
		indicators = append(indicators, "Unexpected emotional response")
	}
	return indicators
}

func (a *Analyzer) suspiciousIndicators(p Prediction) []string {
	indicators := []string{}
	if p.StressLevel > a.cfg.HighStress {
		indicators = append(indicators, "High stress levels detected")
	}
	if p.AnxietyLevel > a.cfg.HighAnxiety {
		indicators = append(indicators, "High anxiety levels detected")
	}
	if len(p.DeceptionIndicators) > a.cfg.MultipleDeceptions {
		indicators = append(indicators, "Multiple deception indicators")
	}
	if (p.Emotion == Happy || p.Emotion == Surprise) && p.StressLevel > a.cfg.InconsistentStress {
		indicators = append(indicators, "Emotional inconsistency (positive emotion with high stress)")
	}
	return indicators
}

func (a *Analyzer) riskScore(p Prediction) float64 {
	risk := p.StressLevel*0.4 + p.AnxietyLevel*0.3
	risk += float64(len(p.DeceptionIndicators)) * 0.1
	risk += p.Probabilities[Fear]*0.3 + p.Probabilities[Angry]*0.2
	return audio.Clamp01(risk)
}

// History returns the retained analyses, oldest first
func (a *Analyzer) History() []Analysis {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.history.All()
}

// Failures returns how many analyses ended in the failed result
func (a *Analyzer) Failures() int64 {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.failed
}

// Summary averages stress, anxiety and risk over the most recent analyses.
// A non-empty sessionID restricts it to that session.
func (a *Analyzer) Summary(sessionID string) Summary {
	var analyses []Analysis
	for _, an := range a.History() {
		if sessionID == "" || an.SessionID == sessionID {
			analyses = append(analyses, an)
		}
	}
	if len(analyses) == 0 {
		return Summary{Message: "No emotion analysis data available", ModelAvailable: a.ModelAvailable()}
	}

	window := analyses
	if len(window) > a.cfg.SummaryWindow {
		window = window[len(window)-a.cfg.SummaryWindow:]
	}
	stress := make([]float64, len(window))
	anxiety := make([]float64, len(window))
	risk := make([]float64, len(window))
	for i, an := range window {
		stress[i] = an.Predictions.StressLevel
		anxiety[i] = an.Predictions.AnxietyLevel
		risk[i] = an.OverallRiskScore
	}

	recent := window
	if len(recent) > a.cfg.SummaryRecentLength {
		recent = recent[len(recent)-a.cfg.SummaryRecentLength:]
	}
	return Summary{
		TotalAnalyses:       len(analyses),
		AverageStressLevel:  audio.Mean(stress),
		AverageAnxietyLevel: audio.Mean(anxiety),
		AverageRiskScore:    audio.Mean(risk),
		RecentAnalyses:      recent,
		ModelAvailable:      a.ModelAvailable(),
	}
}
