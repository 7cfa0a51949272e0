package emotion

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
	"pgregory.net/rapid"

	"voice-integrity-server/pkg/audio"
	"voice-integrity-server/pkg/realtime"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type stubClassifier struct {
	probs []float64
	err   error
	panic bool
}

func (s *stubClassifier) Name() string { return "stub" }

func (s *stubClassifier) Classify(ctx context.Context, vector []float64) ([]float64, error) {
	if s.panic {
		panic("model exploded")
	}
	if len(vector) != FeatureVectorLength {
		return nil, fmt.Errorf("bad vector length %d", len(vector))
	}
	return s.probs, s.err
}

func fullBackends() Backends {
	return Backends{
		Pitch:    audio.NewPitchTracker(audio.DefaultSampleRate),
		Spectral: audio.NewSpectralExtractor(audio.DefaultSampleRate),
	}
}

func TestAnalyzeToneWithBackends(t *testing.T) {
	a := NewAnalyzer(DefaultConfig(), fullBackends(), nil, testLogger())

	result, err := a.Analyze(context.Background(), audio.Tone(250, 0.5, 2, audio.DefaultSampleRate), nil, "s1")
	require.NoError(t, err)

	f := result.Features
	assert.InDelta(t, 250, f.PitchMean, 1e-6)
	assert.InDelta(t, 0, f.PitchStd, 1e-6)
	assert.InDelta(t, 0, f.Jitter, 1e-9)
	assert.InDelta(t, 0.3536, f.EnergyMean, 1e-3)
	assert.Len(t, f.MFCC, 13)

	p := result.Predictions
	assert.Equal(t, Happy, p.Emotion)
	assert.True(t, p.Fallback)
	assert.Equal(t, 0.6, p.Confidence)
	assert.InDelta(t, 0.07, p.StressLevel, 1e-6)
	assert.InDelta(t, 0.27, p.AnxietyLevel, 1e-6)
	assert.Equal(t, []string{"Unusually slow speech"}, p.DeceptionIndicators)
	assert.InDelta(t, 0.234, result.OverallRiskScore, 1e-6)
	assert.Empty(t, result.SuspiciousIndicators)
	assert.Equal(t, "s1", result.SessionID)
}

func TestAnalyzeWithoutBackendsUsesDefaults(t *testing.T) {
	a := NewAnalyzer(DefaultConfig(), Backends{}, nil, testLogger())

	result, err := a.Analyze(context.Background(), audio.Tone(200, 0.5, 1, audio.DefaultSampleRate), nil, "s1")
	require.NoError(t, err)

	f := result.Features
	assert.Equal(t, 150.0, f.PitchMean)
	assert.Equal(t, 20.0, f.PitchStd)
	assert.Equal(t, 100.0, f.PitchRange)
	assert.Equal(t, 0.01, f.Jitter)
	assert.Equal(t, 0.03, f.Shimmer)
	assert.InDelta(t, f.EnergyMean*0.3, f.EnergyStd, 1e-12)
	assert.InDelta(t, 200, f.SpectralCentroid, 2)
	assert.Equal(t, 1000.0, f.SpectralBandwidth)
	assert.Equal(t, 4000.0, f.SpectralRolloff)
	assert.Equal(t, make([]float64, 13), f.MFCC)
	assert.Len(t, f.Vector(), FeatureVectorLength)

	assert.Equal(t, Neutral, result.Predictions.Emotion)
	assert.InDelta(t, 0.27, result.Predictions.StressLevel, 1e-6)
	assert.InDelta(t, 0.314, result.OverallRiskScore, 1e-6)
	assert.False(t, a.ModelAvailable())
}

func TestTemporalFeaturesFromSegments(t *testing.T) {
	a := NewAnalyzer(DefaultConfig(), Backends{}, nil, testLogger())
	segments := []realtime.SpeechSegment{
		{Start: 0, End: 1, Duration: 1},
		{Start: 1.5, End: 2.5, Duration: 1},
		{Start: 3, End: 4, Duration: 1},
	}

	result, err := a.Analyze(context.Background(), audio.Tone(200, 0.5, 4, audio.DefaultSampleRate), segments, "s1")
	require.NoError(t, err)

	assert.InDelta(t, 3.0, result.Features.SpeakingRate, 1e-9)
	assert.InDelta(t, 0.5, result.Features.PauseRate, 1e-9)
	assert.InDelta(t, 1.0, result.Features.SpeechRhythmConsistency, 1e-9)
	assert.Empty(t, result.Predictions.DeceptionIndicators)
}

func TestClassifierDrivesPrediction(t *testing.T) {
	stub := &stubClassifier{probs: []float64{0.02, 0.02, 0.02, 0.02, 0.9, 0.01, 0.01}}
	a := NewAnalyzer(DefaultConfig(), Backends{Classifier: stub}, nil, testLogger())

	result, err := a.Analyze(context.Background(), audio.Tone(200, 0.5, 1, audio.DefaultSampleRate), nil, "s1")
	require.NoError(t, err)

	p := result.Predictions
	assert.Equal(t, Fear, p.Emotion)
	assert.Equal(t, 0.9, p.Confidence)
	assert.False(t, p.Fallback)
	assert.InDelta(t, 0.756, p.StressLevel, 1e-6)
	assert.InDelta(t, 0.841, p.AnxietyLevel, 1e-6)
	assert.Contains(t, p.DeceptionIndicators, "High fear response")
	assert.Contains(t, result.SuspiciousIndicators, "High stress levels detected")
	assert.Contains(t, result.SuspiciousIndicators, "High anxiety levels detected")
	assert.Equal(t, 1.0, result.OverallRiskScore)
	assert.True(t, a.ModelAvailable())
}

func TestClassifierOutputIsClamped(t *testing.T) {
	stub := &stubClassifier{probs: []float64{-0.4, 0.1, math.NaN(), 0.2, 1.8, 0.05, 0.05}}
	a := NewAnalyzer(DefaultConfig(), Backends{Classifier: stub}, nil, testLogger())

	result, err := a.Analyze(context.Background(), audio.Tone(200, 0.5, 1, audio.DefaultSampleRate), nil, "s1")
	require.NoError(t, err)

	p := result.Predictions
	assert.Equal(t, Fear, p.Emotion)
	assert.Equal(t, 1.0, p.Confidence)
	for label, prob := range p.Probabilities {
		assert.GreaterOrEqual(t, prob, 0.0, label)
		assert.LessOrEqual(t, prob, 1.0, label)
	}
	assert.LessOrEqual(t, result.OverallRiskScore, 1.0)
}

func TestClassifierErrorFallsBackToRules(t *testing.T) {
	stub := &stubClassifier{err: fmt.Errorf("unavailable")}
	a := NewAnalyzer(DefaultConfig(), Backends{Classifier: stub}, nil, testLogger())

	result, err := a.Analyze(context.Background(), audio.Tone(200, 0.5, 1, audio.DefaultSampleRate), nil, "s1")
	require.NoError(t, err)
	assert.True(t, result.Predictions.Fallback)
	assert.Equal(t, 0.6, result.Predictions.Confidence)
}

func TestEmptyAudioIsNeutral(t *testing.T) {
	a := NewAnalyzer(DefaultConfig(), fullBackends(), nil, testLogger())

	result, err := a.Analyze(context.Background(), nil, nil, "s1")
	require.NoError(t, err)
	assert.Equal(t, Neutral, result.Predictions.Emotion)
	assert.Equal(t, 0.0, result.OverallRiskScore)
	assert.Empty(t, result.SuspiciousIndicators)
	assert.False(t, result.Failed)
}

func TestPanicYieldsFailedAnalysis(t *testing.T) {
	a := NewAnalyzer(DefaultConfig(), Backends{Classifier: &stubClassifier{panic: true}}, nil, testLogger())

	result, err := a.Analyze(context.Background(), audio.Tone(200, 0.5, 1, audio.DefaultSampleRate), nil, "s1")
	require.NoError(t, err)
	assert.True(t, result.Failed)
	assert.Equal(t, Unknown, result.Predictions.Emotion)
	assert.Equal(t, 0.5, result.OverallRiskScore)
	assert.Equal(t, []string{FailedIndicator}, result.SuspiciousIndicators)
	assert.Equal(t, int64(1), a.Failures())
}

func TestAnalyzeOnPool(t *testing.T) {
	pool := realtime.NewWorkerPool(2, 4, testLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	a := NewAnalyzer(DefaultConfig(), fullBackends(), pool, testLogger())
	result, err := a.Analyze(context.Background(), audio.Tone(250, 0.5, 1, audio.DefaultSampleRate), nil, "s1")
	require.NoError(t, err)
	assert.Equal(t, Happy, result.Predictions.Emotion)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Analyze(ctx, audio.Tone(250, 0.5, 1, audio.DefaultSampleRate), nil, "s1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, a.History(), 1, "cancelled analyses are not recorded")
}

func TestSummary(t *testing.T) {
	a := NewAnalyzer(DefaultConfig(), Backends{}, nil, testLogger())
	assert.Equal(t, "No emotion analysis data available", a.Summary("").Message)

	tone := audio.Tone(200, 0.5, 0.5, audio.DefaultSampleRate)
	for i := 0; i < 12; i++ {
		_, err := a.Analyze(context.Background(), tone, nil, "s1")
		require.NoError(t, err)
	}

	summary := a.Summary("s1")
	assert.Equal(t, 12, summary.TotalAnalyses)
	assert.Len(t, summary.RecentAnalyses, 5)
	assert.InDelta(t, 0.27, summary.AverageStressLevel, 1e-6)
	assert.InDelta(t, 0.314, summary.AverageRiskScore, 1e-6)
	assert.Equal(t, "No emotion analysis data available", a.Summary("other").Message)
}

func linearModel(favored int) LinearModel {
	model := LinearModel{
		Weights: make([][]float64, len(Labels)),
		Bias:    make([]float64, len(Labels)),
	}
	for i := range model.Weights {
		model.Weights[i] = make([]float64, FeatureVectorLength)
	}
	model.Bias[favored] = 5
	return model
}

func TestLinearClassifier(t *testing.T) {
	c, err := NewLinearClassifier(linearModel(2))
	require.NoError(t, err)

	probs, err := c.Classify(context.Background(), make([]float64, FeatureVectorLength))
	require.NoError(t, err)
	require.Len(t, probs, len(Labels))
	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, probs[2], 0.9)

	_, err = c.Classify(context.Background(), make([]float64, 3))
	assert.Error(t, err)

	bad := linearModel(0)
	bad.Weights = bad.Weights[:3]
	_, err = NewLinearClassifier(bad)
	assert.Error(t, err)
}

func TestLoadLinearClassifier(t *testing.T) {
	raw, err := yaml.Marshal(linearModel(4))
	require.NoError(t, err)

	c, err := LoadLinearClassifier(bytes.NewReader(raw))
	require.NoError(t, err)

	a := NewAnalyzer(DefaultConfig(), Backends{Classifier: c}, nil, testLogger())
	result, err := a.Analyze(context.Background(), audio.Tone(200, 0.5, 1, audio.DefaultSampleRate), nil, "s1")
	require.NoError(t, err)
	assert.Equal(t, Fear, result.Predictions.Emotion)

	_, err = LoadLinearClassifier(bytes.NewReader([]byte("weights: [")))
	assert.Error(t, err)
}

func TestScoresStayInRange(t *testing.T) {
	analyzers := []*Analyzer{
		NewAnalyzer(DefaultConfig(), Backends{}, nil, testLogger()),
		NewAnalyzer(DefaultConfig(), fullBackends(), nil, testLogger()),
	}

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 600).Draw(rt, "samples")
		samples := make([]float64, n)
		for i := range samples {
			samples[i] = rapid.Float64Range(-1, 1).Draw(rt, "sample")
		}
		a := analyzers[rapid.IntRange(0, 1).Draw(rt, "analyzer")]

		result, err := a.Analyze(context.Background(), samples, nil, "prop")
		if err != nil {
			rt.Fatal(err)
		}
		p := result.Predictions
		for name, v := range map[string]float64{"risk": result.OverallRiskScore, "stress": p.StressLevel, "anxiety": p.AnxietyLevel} {
			if v < 0 || v > 1 {
				rt.Fatalf("%s %v out of range", name, v)
			}
		}
	})
}
