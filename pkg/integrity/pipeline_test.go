package integrity

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"voice-integrity-server/pkg/audio"
	"voice-integrity-server/pkg/behavioral"
	"voice-integrity-server/pkg/classifier"
	"voice-integrity-server/pkg/emotion"
	"voice-integrity-server/pkg/realtime"
	"voice-integrity-server/pkg/speaker"
	"voice-integrity-server/pkg/telemetry/tracing"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type panickingDiarizer struct{}

func (panickingDiarizer) Name() string { return "panicking" }

func (panickingDiarizer) Diarize(ctx context.Context, samples []float64, sampleRate int) ([]speaker.Turn, error) {
	panic("diarizer exploded")
}

func newPipeline(t *testing.T, diarizer speaker.Diarizer) *Pipeline {
	t.Helper()
	logger := testLogger()
	b, err := behavioral.NewAnalyzer(behavioral.DefaultConfig(), nil, nil, logger)
	require.NoError(t, err)

	p, err := NewPipeline(Analyzers{
		VoiceConfig:   realtime.DefaultConfig(),
		VoiceBackends: realtime.Backends{Primary: realtime.NewEnergySpeechModel()},
		Behavioral:    b,
		Speakers:      speaker.NewDetector(speaker.DefaultConfig(), diarizer, nil, logger),
		Emotions:      emotion.NewAnalyzer(emotion.DefaultConfig(), emotion.Backends{}, nil, logger),
		Classifier:    classifier.NewClassifier(classifier.DefaultConfig(), nil, logger),
	}, logger)
	require.NoError(t, err)
	return p
}

func tone(seconds float64) []float64 {
	return audio.Tone(200, 0.5, seconds, audio.DefaultSampleRate)
}

func TestNewPipelineRequiresAnalyzers(t *testing.T) {
	_, err := NewPipeline(Analyzers{}, testLogger())
	assert.Error(t, err)
}

func TestAnalyzeSessionFlagsHelpSeeking(t *testing.T) {
	p := newPipeline(t, nil)

	result, err := p.AnalyzeSession(context.Background(), Request{
		SessionID:     "s1",
		Audio:         tone(2),
		Transcription: "can you help me? the answer is option b",
	})
	require.NoError(t, err)

	assert.Empty(t, result.Detailed.Failed)
	assert.Equal(t, int64(63), result.Detailed.Voice.ChunksProcessed)
	assert.Greater(t, result.Sample.HelpSeekingPhrases, 0)
	assert.Greater(t, result.Sample.AnswerReceivingPhrases, 0)
	assert.Equal(t, 1, result.Detailed.Speaker.TotalSpeakers)

	pred := result.Prediction
	assert.True(t, pred.IsCheating)
	assert.Equal(t, classifier.FallbackModelName, pred.ModelUsed)
	assert.Greater(t, pred.RiskScore, 0.85)
	assert.Equal(t, "s1", pred.SessionID)
}

func TestAnalyzeSessionCleanAudio(t *testing.T) {
	p := newPipeline(t, nil)

	result, err := p.AnalyzeSession(context.Background(), Request{SessionID: "s1", Audio: tone(2)})
	require.NoError(t, err)
	assert.False(t, result.Prediction.IsCheating)
	assert.Equal(t, 0.0, result.Prediction.RiskScore)
	assert.Empty(t, result.Prediction.ContributingFactors)
}

func TestAnalyzeSessionUsesProvidedVoiceSummary(t *testing.T) {
	p := newPipeline(t, nil)
	voice := realtime.Summary{SpeechRatio: 0.42, SuspiciousEventsCount: 7, AverageSpeechConfidence: 0.9}
	records := []realtime.VoiceActivityRecord{
		{IsSpeech: true, Duration: 1, RMSEnergy: 0.3},
		{IsSpeech: false, Offset: 1, Duration: 1},
	}

	result, err := p.AnalyzeSession(context.Background(), Request{SessionID: "s1", Audio: tone(2), Voice: &voice, Records: records})
	require.NoError(t, err)
	assert.Equal(t, 0.42, result.Detailed.Voice.SpeechRatio)
	assert.Equal(t, 7, result.Sample.SilencePeriods)
	assert.Equal(t, 0.9, result.Sample.VoiceConfidence)
}

func TestFailingAnalyzerIsPadded(t *testing.T) {
	p := newPipeline(t, panickingDiarizer{})

	result, err := p.AnalyzeSession(context.Background(), Request{SessionID: "s1", Audio: tone(1)})
	require.NoError(t, err)
	assert.Equal(t, []string{AnalyzerSpeaker}, result.Detailed.Failed)
	assert.Equal(t, DefaultSpeaker("s1").TotalSpeakers, result.Detailed.Speaker.TotalSpeakers)
	assert.Equal(t, 1.0, result.Detailed.Speaker.PrimarySpeakerRatio)
	assert.NotEqual(t, emotion.Unknown, result.Detailed.Emotion.Predictions.Emotion)
}

func TestCancelledContext(t *testing.T) {
	p := newPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.AnalyzeSession(ctx, Request{SessionID: "s1", Audio: tone(1)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, p.Classifier().History())
}

func TestAddLabeledAudio(t *testing.T) {
	p := newPipeline(t, nil)

	sample, err := p.AddLabeledAudio(context.Background(), Request{
		SessionID:     "train-1",
		Audio:         tone(1),
		Transcription: "tell me the right answer",
	}, true)
	require.NoError(t, err)
	assert.True(t, sample.IsCheating)

	samples := p.Classifier().TrainingSamples()
	require.Len(t, samples, 1)
	assert.Equal(t, "train-1", samples[0].SessionID)
	assert.False(t, p.Classifier().IsTrained())
}

func TestAnalyzeSessionSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracing.SetProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	p := newPipeline(t, nil)
	_, err := p.AnalyzeSession(context.Background(), Request{SessionID: "s1", Audio: tone(1)})
	require.NoError(t, err)

	names := map[string]bool{}
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	for _, name := range []string{"integrity.analyze_session", "integrity.behavioral", "integrity.speaker", "integrity.emotion"} {
		assert.True(t, names[name], name)
	}
}
