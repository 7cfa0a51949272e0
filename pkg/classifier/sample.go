package classifier

import (
	"time"

	"voice-integrity-server/pkg/behavioral"
	"voice-integrity-server/pkg/emotion"
	"voice-integrity-server/pkg/realtime"
	"voice-integrity-server/pkg/speaker"
)

// FeatureNames is the fixed feature ordering shared by training, prediction
// and persisted models
var FeatureNames = []string{
	"speech_ratio", "silence_periods", "voice_confidence",
	"help_seeking_phrases", "answer_receiving_phrases",
	"question_reading", "external_discussion",
	"speech_rate", "pause_frequency",
	"total_speakers", "speaker_switches", "primary_speaker_ratio",
	"overlapping_speech", "stress_level", "anxiety_level",
	"deception_indicators_count", "emotion_confidence",
	"audio_quality_score", "background_noise", "potential_recording",
}

// Sample is one fused feature vector. IsCheating is the ground truth label
// and only meaningful for training samples.
type Sample struct {
	SpeechRatio     float64 `json:"speech_ratio"`
	SilencePeriods  int     `json:"silence_periods"`
	VoiceConfidence float64 `json:"voice_confidence"`

	HelpSeekingPhrases     int     `json:"help_seeking_phrases"`
	AnswerReceivingPhrases int     `json:"answer_receiving_phrases"`
	QuestionReading        bool    `json:"question_reading"`
	ExternalDiscussion     bool    `json:"external_discussion"`
	SpeechRate             float64 `json:"speech_rate"`
	PauseFrequency         float64 `json:"pause_frequency"`

	TotalSpeakers       int     `json:"total_speakers"`
	SpeakerSwitches     int     `json:"speaker_switches"`
	PrimarySpeakerRatio float64 `json:"primary_speaker_ratio"`
	OverlappingSpeech   float64 `json:"overlapping_speech"`

	StressLevel              float64 `json:"stress_level"`
	AnxietyLevel             float64 `json:"anxiety_level"`
	DeceptionIndicatorsCount int     `json:"deception_indicators_count"`
	EmotionConfidence        float64 `json:"emotion_confidence"`

	AudioQualityScore  float64 `json:"audio_quality_score"`
	BackgroundNoise    float64 `json:"background_noise"`
	PotentialRecording bool    `json:"potential_recording"`

	IsCheating bool      `json:"is_cheating"`
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// NeutralSample is a sample with nothing suspicious in it: one speaker who
// dominates and perfect audio quality
func NeutralSample(sessionID string) Sample {
	return Sample{
		TotalSpeakers:       1,
		PrimarySpeakerRatio: 1,
		AudioQualityScore:   1,
		SessionID:           sessionID,
		Timestamp:           time.Now(),
	}
}

// CreateSample fuses the analyzer outputs of one cycle into a sample
func CreateSample(voice realtime.Summary, b behavioral.Metrics, s speaker.Analysis, e emotion.Analysis, sessionID string) Sample {
	return Sample{
		SpeechRatio:     voice.SpeechRatio,
		SilencePeriods:  int(voice.SuspiciousEventsCount),
		VoiceConfidence: voice.AverageSpeechConfidence,

		HelpSeekingPhrases:     b.HelpSeekingPhrases,
		AnswerReceivingPhrases: b.AnswerReceivingPhrases,
		QuestionReading:        b.QuestionReadingDetected,
		ExternalDiscussion:     b.ExternalDiscussion,
		SpeechRate:             b.SpeechRate,
		PauseFrequency:         b.PauseFrequency,

		TotalSpeakers:       s.TotalSpeakers,
		SpeakerSwitches:     s.SpeakerSwitches,
		PrimarySpeakerRatio: s.PrimarySpeakerRatio,
		OverlappingSpeech:   s.OverlappingSpeechDuration,

		StressLevel:              e.Predictions.StressLevel,
		AnxietyLevel:             e.Predictions.AnxietyLevel,
		DeceptionIndicatorsCount: len(e.Predictions.DeceptionIndicators),
		EmotionConfidence:        e.Predictions.Confidence,

		AudioQualityScore:  b.AudioQualityScore,
		BackgroundNoise:    b.BackgroundNoiseLevel,
		PotentialRecording: b.PotentialRecording,

		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Vector returns the sample in FeatureNames order with booleans as 0 or 1
func (s Sample) Vector() []float64 {
	return []float64{
		s.SpeechRatio, float64(s.SilencePeriods), s.VoiceConfidence,
		float64(s.HelpSeekingPhrases), float64(s.AnswerReceivingPhrases),
		boolFeature(s.QuestionReading), boolFeature(s.ExternalDiscussion),
		s.SpeechRate, s.PauseFrequency,
		float64(s.TotalSpeakers), float64(s.SpeakerSwitches), s.PrimarySpeakerRatio,
		s.OverlappingSpeech, s.StressLevel, s.AnxietyLevel,
		float64(s.DeceptionIndicatorsCount), s.EmotionConfidence,
		s.AudioQualityScore, s.BackgroundNoise, boolFeature(s.PotentialRecording),
	}
}

// Label returns the ground truth as 0 or 1
func (s Sample) Label() float64 {
	return boolFeature(s.IsCheating)
}
