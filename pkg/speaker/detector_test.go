package speaker

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-integrity-server/pkg/audio"
	"voice-integrity-server/pkg/realtime"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type stubDiarizer struct {
	turns []Turn
	err   error
	calls int
}

func (s *stubDiarizer) Name() string { return "stub" }

func (s *stubDiarizer) Diarize(ctx context.Context, samples []float64, sampleRate int) ([]Turn, error) {
	s.calls++
	return s.turns, s.err
}

// steps builds windows of constant amplitude so each window's RMS is exact
func steps(levels []float64, perWindow int) []float64 {
	samples := make([]float64, 0, len(levels)*perWindow)
	for _, level := range levels {
		for i := 0; i < perWindow; i++ {
			samples = append(samples, level)
		}
	}
	return samples
}

func alternating(n int, labels ...string) []Turn {
	turns := make([]Turn, n)
	for i := range turns {
		turns[i] = Turn{Speaker: labels[i%len(labels)], Start: float64(i), End: float64(i + 1)}
	}
	return turns
}

func TestFallbackSingleSpeaker(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil, nil, testLogger())

	a, err := d.Analyze(context.Background(), audio.Tone(220, 0.4, 2, audio.DefaultSampleRate), "s1", audio.DefaultSampleRate)
	require.NoError(t, err)

	assert.True(t, a.Fallback)
	assert.Equal(t, 1, a.TotalSpeakers)
	assert.Equal(t, 0.8, a.PrimarySpeakerRatio)
	assert.Equal(t, 0, a.SpeakerSwitches)
	assert.Equal(t, 0.4, a.ConfidenceScore)
	assert.Empty(t, a.SuspiciousPatterns)
	assert.Equal(t, "s1", a.SessionID)
	assert.False(t, d.ModelAvailable())
}

func TestFallbackEnergyVariation(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil, nil, testLogger())

	levels := []float64{0.9, 0.05, 0.9, 0.05, 0.9, 0.05, 0.9, 0.05, 0.9, 0.05}
	a, err := d.Analyze(context.Background(), steps(levels, 1600), "s1", audio.DefaultSampleRate)
	require.NoError(t, err)

	// mean 0.475, population std 0.425
	assert.Equal(t, 2, a.TotalSpeakers)
	assert.Equal(t, 0.6, a.PrimarySpeakerRatio)
	assert.Equal(t, 8, a.SpeakerSwitches)
	assert.Equal(t, []string{FallbackPattern}, a.SuspiciousPatterns)
}

func TestDiarizedCollaboration(t *testing.T) {
	stub := &stubDiarizer{turns: []Turn{
		{Speaker: "A", Start: 0, End: 4},
		{Speaker: "B", Start: 3, End: 6},
		{Speaker: "A", Start: 6, End: 8},
		{Speaker: "B", Start: 8, End: 10},
	}}
	d := NewDetector(DefaultConfig(), stub, nil, testLogger())

	a, err := d.Analyze(context.Background(), make([]float64, 10*audio.DefaultSampleRate), "s1", audio.DefaultSampleRate)
	require.NoError(t, err)

	assert.False(t, a.Fallback)
	assert.Equal(t, "stub", a.Backend)
	assert.Equal(t, 2, a.TotalSpeakers)
	assert.InDelta(t, 6.0/11.0, a.PrimarySpeakerRatio, 1e-9)
	assert.Equal(t, 3, a.SpeakerSwitches)
	assert.InDelta(t, 1.0, a.OverlappingSpeechDuration, 1e-9)
	assert.Equal(t, []string{
		"Multiple speakers detected (2)",
		"No dominant speaker (potential collaboration)",
	}, a.SuspiciousPatterns)
	assert.Equal(t, 1.0, a.ConfidenceScore)
	require.Len(t, a.SpeakerSegments, 4)
	assert.Equal(t, 0.8, a.SpeakerSegments[0].Confidence)
	assert.Equal(t, 4*audio.DefaultSampleRate, a.SpeakerSegments[0].AudioFeatures.SegmentLength)
	assert.Equal(t, []string{"A", "B"}, SpeakerLabels(a))
}

func TestCoachingPattern(t *testing.T) {
	d := NewDetector(DefaultConfig(), &stubDiarizer{turns: alternating(8, "A", "B")}, nil, testLogger())

	a, err := d.Analyze(context.Background(), make([]float64, 100), "s1", audio.DefaultSampleRate)
	require.NoError(t, err)

	assert.Equal(t, 7, a.SpeakerSwitches)
	assert.Contains(t, a.SuspiciousPatterns, "Rapid alternating speakers (potential coaching)")
	assert.NotContains(t, a.SuspiciousPatterns, "Frequent speaker switches (7)")
}

func TestConfidencePenalties(t *testing.T) {
	d := NewDetector(DefaultConfig(), &stubDiarizer{turns: alternating(24, "A", "B", "C")}, nil, testLogger())

	a, err := d.Analyze(context.Background(), make([]float64, 100), "s1", audio.DefaultSampleRate)
	require.NoError(t, err)

	assert.Equal(t, 3, a.TotalSpeakers)
	assert.Equal(t, 23, a.SpeakerSwitches)
	assert.Contains(t, a.SuspiciousPatterns, "Frequent speaker switches (23)")
	assert.NotContains(t, a.SuspiciousPatterns, "Rapid alternating speakers (potential coaching)")
	assert.InDelta(t, 0.4, a.ConfidenceScore, 1e-9)
}

func TestOverlappingSpeech(t *testing.T) {
	stub := &stubDiarizer{turns: []Turn{
		{Speaker: "A", Start: 0, End: 10},
		{Speaker: "B", Start: 2, End: 9},
		{Speaker: "A", Start: 9.5, End: 10},
	}}
	d := NewDetector(DefaultConfig(), stub, nil, testLogger())

	a, err := d.Analyze(context.Background(), make([]float64, 100), "s1", audio.DefaultSampleRate)
	require.NoError(t, err)

	assert.InDelta(t, 7.0, a.OverlappingSpeechDuration, 1e-9)
	assert.Contains(t, a.SuspiciousPatterns, "Overlapping speech detected (7.0s)")
}

func TestBackendFailureFallsBack(t *testing.T) {
	stub := &stubDiarizer{err: fmt.Errorf("model unavailable")}
	d := NewDetector(DefaultConfig(), stub, nil, testLogger())

	a, err := d.Analyze(context.Background(), audio.Tone(220, 0.4, 1, audio.DefaultSampleRate), "s1", audio.DefaultSampleRate)
	require.NoError(t, err)

	assert.True(t, a.Fallback)
	assert.Equal(t, int64(1), d.GetStats().BackendFailures)
}

func TestEmptyInputs(t *testing.T) {
	stub := &stubDiarizer{}
	d := NewDetector(DefaultConfig(), stub, nil, testLogger())

	empty, err := d.Analyze(context.Background(), nil, "s1", audio.DefaultSampleRate)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.TotalSpeakers)
	assert.Equal(t, 1.0, empty.PrimarySpeakerRatio)
	assert.Equal(t, 0, stub.calls)

	silent, err := d.Analyze(context.Background(), make([]float64, 100), "s1", audio.DefaultSampleRate)
	require.NoError(t, err)
	assert.Equal(t, 0, silent.TotalSpeakers)
	assert.Equal(t, 0.0, silent.ConfidenceScore)
	assert.Equal(t, 1, stub.calls)
}

func TestCachePerSessionAndLength(t *testing.T) {
	stub := &stubDiarizer{turns: alternating(2, "A", "B")}
	d := NewDetector(DefaultConfig(), stub, nil, testLogger())
	ctx := context.Background()

	_, err := d.Analyze(ctx, make([]float64, 100), "s1", audio.DefaultSampleRate)
	require.NoError(t, err)
	_, err = d.Analyze(ctx, make([]float64, 100), "s1", audio.DefaultSampleRate)
	require.NoError(t, err)
	assert.Equal(t, 1, stub.calls)

	_, err = d.Analyze(ctx, make([]float64, 101), "s1", audio.DefaultSampleRate)
	require.NoError(t, err)
	_, err = d.Analyze(ctx, make([]float64, 100), "s2", audio.DefaultSampleRate)
	require.NoError(t, err)
	assert.Equal(t, 3, stub.calls)
	assert.Equal(t, int64(1), d.GetStats().CacheHits)
}

func TestCacheMissesOnNewAudioOfSameLength(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil, nil, testLogger())
	ctx := context.Background()

	steady := steps([]float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, 1600)
	first, err := d.Analyze(ctx, steady, "s1", audio.DefaultSampleRate)
	require.NoError(t, err)
	assert.Equal(t, 1, first.TotalSpeakers)

	varied := steps([]float64{0.8, 0.01, 0.8, 0.01, 0.8, 0.01, 0.8, 0.01, 0.8, 0.01}, 1600)
	require.Len(t, varied, len(steady))
	second, err := d.Analyze(ctx, varied, "s1", audio.DefaultSampleRate)
	require.NoError(t, err)
	assert.Equal(t, 2, second.TotalSpeakers)
	assert.Greater(t, second.SpeakerSwitches, 0)
	assert.Zero(t, d.GetStats().CacheHits)

	again, err := d.Analyze(ctx, append([]float64(nil), varied...), "s1", audio.DefaultSampleRate)
	require.NoError(t, err)
	assert.Equal(t, second, again)
	assert.Equal(t, int64(1), d.GetStats().CacheHits)
}

func TestAnalyzeOnPoolHonorsContext(t *testing.T) {
	pool := realtime.NewWorkerPool(2, 4, testLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	d := NewDetector(DefaultConfig(), &stubDiarizer{turns: alternating(2, "A", "B")}, pool, testLogger())

	a, err := d.Analyze(context.Background(), make([]float64, 100), "s1", audio.DefaultSampleRate)
	require.NoError(t, err)
	assert.Equal(t, 2, a.TotalSpeakers)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Analyze(ctx, make([]float64, 200), "s1", audio.DefaultSampleRate)
	assert.Error(t, err)
}

func TestSummary(t *testing.T) {
	d := NewDetector(DefaultConfig(), &stubDiarizer{turns: alternating(2, "A", "B")}, nil, testLogger())
	assert.Equal(t, "No speaker analysis data available", d.Summary("").Message)

	for i := 0; i < 6; i++ {
		_, err := d.Analyze(context.Background(), make([]float64, 100+i), "s1", audio.DefaultSampleRate)
		require.NoError(t, err)
	}
	single := NewDetector(DefaultConfig(), nil, nil, testLogger())
	_, err := single.Analyze(context.Background(), audio.Tone(220, 0.4, 1, audio.DefaultSampleRate), "s2", audio.DefaultSampleRate)
	require.NoError(t, err)

	summary := d.Summary("s1")
	assert.Equal(t, 6, summary.TotalSessionsAnalyzed)
	assert.Equal(t, 6, summary.MultiSpeakerSessions)
	assert.Equal(t, 100.0, summary.MultiSpeakerPercentage)
	assert.Len(t, summary.RecentAnalyses, 5)
	assert.True(t, summary.ModelAvailable)

	assert.Equal(t, "No speaker analysis data available", d.Summary("s2").Message)
	assert.Equal(t, 0.0, single.Summary("s2").MultiSpeakerPercentage)
}
