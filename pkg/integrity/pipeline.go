package integrity

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"voice-integrity-server/pkg/audio"
	"voice-integrity-server/pkg/behavioral"
	"voice-integrity-server/pkg/classifier"
	"voice-integrity-server/pkg/emotion"
	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/metrics"
	"voice-integrity-server/pkg/realtime"
	"voice-integrity-server/pkg/speaker"
	"voice-integrity-server/pkg/telemetry/tracing"
)

// Analyzer names used in logs, spans and metrics
const (
	AnalyzerVoice      = "voice"
	AnalyzerBehavioral = "behavioral"
	AnalyzerSpeaker    = "speaker"
	AnalyzerEmotion    = "emotion"
)

// chunkSamples is the chunk size used when replaying raw audio through a
// scratch voice activity processor
const chunkSamples = 512

// Request is one analysis window. When Records is empty the audio is run
// through a scratch voice activity processor to derive them.
type Request struct {
	SessionID     string
	Audio         []float64
	Transcription string
	SampleRate    int
	Voice         *realtime.Summary
	Records       []realtime.VoiceActivityRecord
}

// Detailed holds every analyzer output of one cycle
type Detailed struct {
	Voice      realtime.Summary   `json:"voice_analysis"`
	Behavioral behavioral.Metrics `json:"behavioral_analysis"`
	Speaker    speaker.Analysis   `json:"speaker_analysis"`
	Emotion    emotion.Analysis   `json:"emotion_analysis"`
	// Failed names analyzers whose result was replaced with defaults
	Failed []string `json:"failed_analyzers,omitempty"`
}

// Result is the fused outcome of one cycle
type Result struct {
	Prediction classifier.Prediction `json:"prediction"`
	Detailed   Detailed              `json:"detailed_analysis"`
	Sample     classifier.Sample     `json:"-"`
	Duration   time.Duration         `json:"-"`
}

// Pipeline runs the four analyzers concurrently and fuses their outputs
type Pipeline struct {
	voiceConfig   realtime.Config
	voiceBackends realtime.Backends
	behavioral    *behavioral.Analyzer
	speakers      *speaker.Detector
	emotions      *emotion.Analyzer
	classifier    *classifier.Classifier
	logger        *logrus.Entry
}

// Analyzers are the collaborators a pipeline fans out to
type Analyzers struct {
	VoiceConfig   realtime.Config
	VoiceBackends realtime.Backends
	Behavioral    *behavioral.Analyzer
	Speakers      *speaker.Detector
	Emotions      *emotion.Analyzer
	Classifier    *classifier.Classifier
}

// NewPipeline creates a pipeline. Every analyzer and the classifier are required.
func NewPipeline(a Analyzers, logger *logrus.Logger) (*Pipeline, error) {
	if a.Behavioral == nil || a.Speakers == nil || a.Emotions == nil || a.Classifier == nil {
		return nil, errors.NewInvalidInput("integrity pipeline requires all analyzers and a classifier")
	}
	return &Pipeline{
		voiceConfig:   a.VoiceConfig,
		voiceBackends: a.VoiceBackends,
		behavioral:    a.Behavioral,
		speakers:      a.Speakers,
		emotions:      a.Emotions,
		classifier:    a.Classifier,
		logger:        logger.WithField("component", "integrity_pipeline"),
	}, nil
}

// VoiceConfig returns the thresholds sessions build their own voice
// activity processors with
func (p *Pipeline) VoiceConfig() realtime.Config {
	return p.voiceConfig
}

// VoiceBackends returns the shared voice activity backends
func (p *Pipeline) VoiceBackends() realtime.Backends {
	return p.voiceBackends
}

// Classifier returns the fusion classifier
func (p *Pipeline) Classifier() *classifier.Classifier {
	return p.classifier
}

// Behavioral returns the behavioral analyzer
func (p *Pipeline) Behavioral() *behavioral.Analyzer {
	return p.behavioral
}

// Speakers returns the speaker detector
func (p *Pipeline) Speakers() *speaker.Detector {
	return p.speakers
}

// Emotions returns the emotion analyzer
func (p *Pipeline) Emotions() *emotion.Analyzer {
	return p.emotions
}

// AnalyzeSession runs all analyzers over the window, waits for all of them
// and predicts. An analyzer that fails is replaced by its default result so
// that one failure never aborts the cycle. Only cancellation of ctx is
// returned as an error.
func (p *Pipeline) AnalyzeSession(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if req.SampleRate <= 0 {
		req.SampleRate = audio.DefaultSampleRate
	}

	ctx, span := tracing.StartSpan(ctx, "integrity.analyze_session")
	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.Int("audio.samples", len(req.Audio)),
	)

	voice, records := p.voiceActivity(req)
	segments := realtime.SpeechSegmentsFromRecords(records)

	var detailed Detailed
	detailed.Voice = voice
	failures := make([]bool, 3)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		failed, err := p.runAnalyzer(groupCtx, AnalyzerBehavioral, func(ctx context.Context) error {
			var err error
			detailed.Behavioral, err = p.behavioral.Analyze(ctx, behavioral.Input{
				Audio:         req.Audio,
				Transcription: req.Transcription,
				Segments:      segments,
				VoiceEvents:   records,
			})
			return err
		})
		if failed {
			failures[0] = true
			detailed.Behavioral = DefaultBehavioral()
		}
		return err
	})
	group.Go(func() error {
		failed, err := p.runAnalyzer(groupCtx, AnalyzerSpeaker, func(ctx context.Context) error {
			var err error
			detailed.Speaker, err = p.speakers.Analyze(ctx, req.Audio, req.SessionID, req.SampleRate)
			return err
		})
		if failed {
			failures[1] = true
			detailed.Speaker = DefaultSpeaker(req.SessionID)
		}
		return err
	})
	group.Go(func() error {
		failed, err := p.runAnalyzer(groupCtx, AnalyzerEmotion, func(ctx context.Context) error {
			var err error
			detailed.Emotion, err = p.emotions.Analyze(ctx, req.Audio, segments, req.SessionID)
			return err
		})
		if failed {
			failures[2] = true
			detailed.Emotion = p.emotions.FailedAnalysis()
			detailed.Emotion.SessionID = req.SessionID
		}
		return err
	})

	if err := group.Wait(); err != nil {
		tracing.EndSpan(span, err)
		return Result{}, errors.Wrap(err, "integrity analysis cancelled").WithField("session_id", req.SessionID)
	}
	for i, name := range []string{AnalyzerBehavioral, AnalyzerSpeaker, AnalyzerEmotion} {
		if failures[i] {
			detailed.Failed = append(detailed.Failed, name)
		}
	}
	if detailed.Speaker.Fallback {
		metrics.RecordFallback(AnalyzerSpeaker)
	}
	if detailed.Emotion.Predictions.Fallback {
		metrics.RecordFallback(AnalyzerEmotion)
	}

	sample := classifier.CreateSample(detailed.Voice, detailed.Behavioral, detailed.Speaker, detailed.Emotion, req.SessionID)
	prediction := p.classifier.Predict(sample)
	metrics.RecordPrediction(prediction.ModelUsed, prediction.IsCheating, prediction.RiskScore)

	span.SetAttributes(
		attribute.Float64("prediction.probability", prediction.Probability),
		attribute.String("prediction.model", prediction.ModelUsed),
		attribute.Int("analyzers.failed", len(detailed.Failed)),
	)
	tracing.EndSpan(span, nil)

	result := Result{Prediction: prediction, Detailed: detailed, Sample: sample, Duration: time.Since(start)}
	p.logger.WithFields(logrus.Fields{
		"session_id":  req.SessionID,
		"probability": prediction.Probability,
		"risk_score":  prediction.RiskScore,
		"model":       prediction.ModelUsed,
		"failed":      detailed.Failed,
		"duration_ms": result.Duration.Milliseconds(),
	}).Debug("Integrity analysis completed")
	return result, nil
}

// runAnalyzer runs fn in its own span. It reports whether the result must be
// replaced with defaults, and returns an error only when the caller's
// context is done.
func (p *Pipeline) runAnalyzer(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	start := time.Now()
	spanCtx, span := tracing.StartSpan(ctx, "integrity."+name)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.NewInternalError("analyzer panic").WithField("analyzer", name).WithField("panic", r)
			}
		}()
		return fn(spanCtx)
	}()
	tracing.EndSpan(span, err)
	metrics.RecordAnalyzer(name, time.Since(start), err != nil)

	if err == nil {
		return false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return true, ctxErr
	}
	p.logger.WithError(err).WithField("analyzer", name).Warn("Analyzer failed, using defaults")
	return true, nil
}

// AnalyzeVoice runs only the voice activity stage over a window
func (p *Pipeline) AnalyzeVoice(req Request) (realtime.Summary, []realtime.VoiceActivityRecord) {
	if req.SampleRate <= 0 {
		req.SampleRate = audio.DefaultSampleRate
	}
	return p.voiceActivity(req)
}

// voiceActivity returns the caller's voice summary and records, or derives
// both by replaying the audio through a scratch processor
func (p *Pipeline) voiceActivity(req Request) (realtime.Summary, []realtime.VoiceActivityRecord) {
	if len(req.Records) > 0 && req.Voice != nil {
		return *req.Voice, req.Records
	}

	cfg := p.voiceConfig
	cfg.SampleRate = req.SampleRate
	processor := realtime.NewVoiceActivityProcessor(cfg, p.voiceBackends, p.logger.Logger)
	defer processor.Close()
	processor.StartSession(req.SessionID)

	for offset := 0; offset < len(req.Audio); offset += chunkSamples {
		end := offset + chunkSamples
		if end > len(req.Audio) {
			end = len(req.Audio)
		}
		processor.AnalyzeChunk(audio.EncodePCM16(req.Audio[offset:end]))
	}

	records := req.Records
	if len(records) == 0 {
		records = processor.Records()
	}
	if req.Voice != nil {
		return *req.Voice, records
	}
	return processor.Summary(), records
}

// AddLabeledAudio routes a labeled recording through the analyzers and adds
// the resulting sample to the training set
func (p *Pipeline) AddLabeledAudio(ctx context.Context, req Request, isCheating bool) (classifier.Sample, error) {
	result, err := p.AnalyzeSession(ctx, req)
	if err != nil {
		return classifier.Sample{}, err
	}
	sample := result.Sample
	sample.IsCheating = isCheating
	p.classifier.AddTrainingSample(sample)
	return sample, nil
}

// DefaultBehavioral is the behavioral result used when the analyzer fails
func DefaultBehavioral() behavioral.Metrics {
	return behavioral.Metrics{
		AudioQualityScore: 1,
		OverallConfidence: 1,
		RiskFactors:       []string{},
		AnalysisTimestamp: time.Now().UTC(),
	}
}

// DefaultSpeaker is the speaker result used when the detector fails
func DefaultSpeaker(sessionID string) speaker.Analysis {
	return speaker.Analysis{
		SessionID:           sessionID,
		TotalSpeakers:       1,
		PrimarySpeakerRatio: 1,
		SpeakerSegments:     []speaker.Segment{},
		SuspiciousPatterns:  []string{},
		Backend:             "none",
		AnalysisTimestamp:   time.Now(),
	}
}
