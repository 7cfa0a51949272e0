package behavioral

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/audio"
	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/realtime"
)

// RiskWeights are the additive contributions of each behavioral factor
type RiskWeights struct {
	AnswerReceiving     float64 `yaml:"answer_receiving" json:"answer_receiving"`
	HelpSeeking         float64 `yaml:"help_seeking" json:"help_seeking"`
	ExternalDiscussion  float64 `yaml:"external_discussion" json:"external_discussion"`
	QuestionReading     float64 `yaml:"question_reading" json:"question_reading"`
	PotentialRecording  float64 `yaml:"potential_recording" json:"potential_recording"`
	PoorQuality         float64 `yaml:"poor_quality" json:"poor_quality"`
	UnusualSilences     float64 `yaml:"unusual_silences" json:"unusual_silences"`
	SpeechBursts        float64 `yaml:"speech_bursts" json:"speech_bursts"`
	InconsistentVolume  float64 `yaml:"inconsistent_volume" json:"inconsistent_volume"`
	UnusualSpeechRate   float64 `yaml:"unusual_speech_rate" json:"unusual_speech_rate"`
	InconsistentSpeech  float64 `yaml:"inconsistent_speech" json:"inconsistent_speech"`
}

// Config holds behavioral thresholds and phrase dictionaries
type Config struct {
	WordsPerSecond      float64 `yaml:"words_per_second" json:"words_per_second"`
	NoiseFraction       float64 `yaml:"noise_fraction" json:"noise_fraction"`
	SNRScale            float64 `yaml:"snr_scale" json:"snr_scale"`
	RecordingCentroidHz float64 `yaml:"recording_centroid_hz" json:"recording_centroid_hz"`
	RecordingRolloffHz  float64 `yaml:"recording_rolloff_hz" json:"recording_rolloff_hz"`

	SilenceRunChunks int     `yaml:"silence_run_chunks" json:"silence_run_chunks"`
	BurstWindow      int     `yaml:"burst_window" json:"burst_window"`
	BurstMinSpeech   int     `yaml:"burst_min_speech" json:"burst_min_speech"`
	MinVolumeChunks  int     `yaml:"min_volume_chunks" json:"min_volume_chunks"`
	VolumeCV         float64 `yaml:"volume_cv" json:"volume_cv"`

	MinSpeechRateWPM  float64 `yaml:"min_speech_rate_wpm" json:"min_speech_rate_wpm"`
	MaxSpeechRateWPM  float64 `yaml:"max_speech_rate_wpm" json:"max_speech_rate_wpm"`
	LowConsistency    float64 `yaml:"low_consistency" json:"low_consistency"`
	LowQuality        float64 `yaml:"low_quality" json:"low_quality"`
	MaxSilencePeriods int     `yaml:"max_silence_periods" json:"max_silence_periods"`
	MaxSpeechBursts   int     `yaml:"max_speech_bursts" json:"max_speech_bursts"`

	Weights RiskWeights `yaml:"weights" json:"weights"`

	SuspiciousPhrases   []string `yaml:"suspicious_phrases" json:"suspicious_phrases"`
	HelpSeekingPatterns []string `yaml:"help_seeking_patterns" json:"help_seeking_patterns"`
	AnswerPatterns      []string `yaml:"answer_patterns" json:"answer_patterns"`
	ExternalIndicators  []string `yaml:"external_indicators" json:"external_indicators"`

	HistorySize int `yaml:"history_size" json:"history_size"`
}

// DefaultConfig returns the stock calibration
func DefaultConfig() Config {
	return Config{
		WordsPerSecond:      2.5,
		NoiseFraction:       0.1,
		SNRScale:            10,
		RecordingCentroidHz: 1000,
		RecordingRolloffHz:  4000,
		SilenceRunChunks:    30,
		BurstWindow:         10,
		BurstMinSpeech:      8,
		MinVolumeChunks:     10,
		VolumeCV:            0.5,
		MinSpeechRateWPM:    50,
		MaxSpeechRateWPM:    200,
		LowConsistency:      0.3,
		LowQuality:          0.3,
		MaxSilencePeriods:   2,
		MaxSpeechBursts:     3,
		Weights: RiskWeights{
			AnswerReceiving:    0.4,
			HelpSeeking:        0.3,
			ExternalDiscussion: 0.3,
			QuestionReading:    0.2,
			PotentialRecording: 0.15,
			PoorQuality:        0.15,
			UnusualSilences:    0.2,
			SpeechBursts:       0.15,
			InconsistentVolume: 0.2,
			UnusualSpeechRate:  0.1,
			InconsistentSpeech: 0.1,
		},
		SuspiciousPhrases:   append([]string(nil), DefaultSuspiciousPhrases...),
		HelpSeekingPatterns: append([]string(nil), DefaultHelpSeekingPatterns...),
		AnswerPatterns:      append([]string(nil), DefaultAnswerPatterns...),
		ExternalIndicators:  append([]string(nil), DefaultExternalIndicators...),
		HistorySize:         1000,
	}
}

// Input is one analysis window
type Input struct {
	Audio         []float64
	Transcription string
	Segments      []realtime.SpeechSegment
	VoiceEvents   []realtime.VoiceActivityRecord
}

// Metrics is the behavioral result for one analysis cycle
type Metrics struct {
	SpeechRate           float64 `json:"speech_rate"`
	PauseFrequency       float64 `json:"pause_frequency"`
	AveragePauseDuration float64 `json:"average_pause_duration"`
	SpeechConsistency    float64 `json:"speech_consistency"`

	QuestionReadingDetected bool `json:"question_reading_detected"`
	HelpSeekingPhrases      int  `json:"help_seeking_phrases"`
	AnswerReceivingPhrases  int  `json:"answer_receiving_phrases"`
	ExternalDiscussion      bool `json:"external_discussion"`

	BackgroundNoiseLevel float64 `json:"background_noise_level"`
	AudioQualityScore    float64 `json:"audio_quality_score"`
	SNR                  float64 `json:"snr"`
	PotentialRecording   bool    `json:"potential_recording"`

	UnusualSilencePeriods int  `json:"unusual_silence_periods"`
	RapidSpeechBursts     int  `json:"rapid_speech_bursts"`
	InconsistentVolume    bool `json:"inconsistent_volume"`

	OverallConfidence float64       `json:"overall_confidence"`
	RiskScore         float64       `json:"risk_score"`
	RiskFactors       []string      `json:"risk_factors"`
	ContentDetails    []PhraseMatch `json:"content_details"`
	AnalysisTimestamp time.Time     `json:"analysis_timestamp"`
}

// RiskCount is a base risk factor and how often it fired
type RiskCount struct {
	Factor string `json:"factor"`
	Count  int    `json:"count"`
}

// Summary aggregates the analysis history
type Summary struct {
	Message          string      `json:"message,omitempty"`
	TotalAnalyses    int         `json:"total_analyses"`
	RecentAnalyses   []Metrics   `json:"recent_analyses"`
	AverageRiskScore float64     `json:"average_risk_score"`
	TotalRiskFactors int         `json:"total_risk_factors"`
	MostCommonRisks  []RiskCount `json:"most_common_risks"`
}

const recentWindow = 10

// Analyzer detects help-seeking content and anomalous speaking behavior.
// It is safe for concurrent use.
type Analyzer struct {
	logger   *logrus.Entry
	config   Config
	matcher  *contentMatcher
	spectral *audio.SpectralExtractor
	pool     *realtime.WorkerPool

	mutex   sync.RWMutex
	history *realtime.Ring[Metrics]
	total   int
}

// NewAnalyzer creates a behavioral analyzer. spectral may be nil when no
// spectral backend is available, which disables recording detection. pool
// may be nil to run inline.
func NewAnalyzer(cfg Config, spectral *audio.SpectralExtractor, pool *realtime.WorkerPool, logger *logrus.Logger) (*Analyzer, error) {
	matcher, err := newContentMatcher(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "compile behavioral patterns").WithCode("INVALID_CALIBRATION")
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}

	return &Analyzer{
		logger:   logger.WithField("component", "behavioral_analyzer"),
		config:   cfg,
		matcher:  matcher,
		spectral: spectral,
		pool:     pool,
		history:  realtime.NewRing[Metrics](cfg.HistorySize),
	}, nil
}

// Analyze runs every sub-analysis over one window. Empty input yields a
// neutral result with zero risk.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (Metrics, error) {
	var quality AudioQuality
	err := realtime.RunOn(ctx, a.pool, func() error {
		quality = analyzeAudioQuality(a.config, a.spectral, in.Audio)
		return nil
	})
	if err != nil {
		return Metrics{}, err
	}

	speech := analyzeSpeechPatterns(a.config, in.Segments)
	content := a.matcher.analyze(in.Transcription)
	temporal := analyzeTemporalPatterns(a.config, in.VoiceEvents)

	m := Metrics{
		SpeechRate:              speech.SpeechRate,
		PauseFrequency:          speech.PauseFrequency,
		AveragePauseDuration:    speech.AveragePauseDuration,
		SpeechConsistency:       speech.SpeechConsistency,
		QuestionReadingDetected: content.QuestionReadingDetected,
		HelpSeekingPhrases:      content.HelpSeekingPhrases,
		AnswerReceivingPhrases:  content.AnswerReceivingPhrases,
		ExternalDiscussion:      content.ExternalDiscussion,
		BackgroundNoiseLevel:    quality.BackgroundNoiseLevel,
		AudioQualityScore:       quality.AudioQualityScore,
		SNR:                     quality.SNR,
		PotentialRecording:      quality.PotentialRecording,
		UnusualSilencePeriods:   temporal.UnusualSilencePeriods,
		RapidSpeechBursts:       temporal.RapidSpeechBursts,
		InconsistentVolume:      temporal.InconsistentVolume,
		ContentDetails:          content.Details,
		AnalysisTimestamp:       time.Now().UTC(),
	}

	m.RiskScore, m.RiskFactors = a.riskScore(m, len(in.Segments) > 0)
	m.OverallConfidence = 1 - m.RiskScore

	a.mutex.Lock()
	a.history.Push(m)
	a.total++
	a.mutex.Unlock()

	a.logger.WithFields(logrus.Fields{
		"risk_score": m.RiskScore,
		"factors":    len(m.RiskFactors),
	}).Debug("Behavioral analysis completed")

	return m, nil
}

// AnalyzeContent runs only the transcription sub-analysis
func (a *Analyzer) AnalyzeContent(transcription string) ContentAnalysis {
	return a.matcher.analyze(transcription)
}

// riskScore sums the weights of fired factors. Speech rate and consistency
// only apply when there was speech to measure.
func (a *Analyzer) riskScore(m Metrics, hasSpeech bool) (float64, []string) {
	w := a.config.Weights
	score := 0.0
	factors := []string{}

	add := func(weight float64, factor string) {
		score += weight
		factors = append(factors, factor)
	}

	if m.HelpSeekingPhrases > 0 {
		add(w.HelpSeeking, fmt.Sprintf("Help-seeking phrases detected (%d)", m.HelpSeekingPhrases))
	}
	if m.AnswerReceivingPhrases > 0 {
		add(w.AnswerReceiving, fmt.Sprintf("Answer-receiving phrases detected (%d)", m.AnswerReceivingPhrases))
	}
	if m.ExternalDiscussion {
		add(w.ExternalDiscussion, "External discussion detected")
	}
	if m.QuestionReadingDetected {
		add(w.QuestionReading, "Question reading to others detected")
	}

	if m.PotentialRecording {
		add(w.PotentialRecording, "Potential pre-recorded audio detected")
	}
	if m.AudioQualityScore < a.config.LowQuality {
		add(w.PoorQuality, "Poor audio quality (possible manipulation)")
	}

	if m.UnusualSilencePeriods > a.config.MaxSilencePeriods {
		add(w.UnusualSilences, "Unusual silence patterns")
	}
	if m.RapidSpeechBursts > a.config.MaxSpeechBursts {
		add(w.SpeechBursts, "Rapid speech burst patterns")
	}
	if m.InconsistentVolume {
		add(w.InconsistentVolume, "Inconsistent volume (multiple speakers?)")
	}

	if hasSpeech {
		if m.SpeechRate > a.config.MaxSpeechRateWPM || m.SpeechRate < a.config.MinSpeechRateWPM {
			add(w.UnusualSpeechRate, fmt.Sprintf("Unusual speech rate (%.1f WPM)", m.SpeechRate))
		}
		if m.SpeechConsistency < a.config.LowConsistency {
			add(w.InconsistentSpeech, "Inconsistent speech patterns")
		}
	}

	return audio.Clamp01(score), factors
}

// History returns the retained analyses, oldest first
func (a *Analyzer) History() []Metrics {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.history.All()
}

// Summary reports the analysis count, the last ten results, their mean risk
// and the five most frequent base risk factors
func (a *Analyzer) Summary() Summary {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.total == 0 {
		return Summary{Message: "No analysis data available", RecentAnalyses: []Metrics{}, MostCommonRisks: []RiskCount{}}
	}

	recent := a.history.Last(recentWindow)
	summary := Summary{
		TotalAnalyses:  a.total,
		RecentAnalyses: recent,
	}

	counts := make(map[string]int)
	riskTotal := 0.0
	for _, m := range recent {
		riskTotal += m.RiskScore
		summary.TotalRiskFactors += len(m.RiskFactors)
		for _, factor := range m.RiskFactors {
			counts[BaseFactor(factor)]++
		}
	}
	summary.AverageRiskScore = riskTotal / float64(len(recent))
	summary.MostCommonRisks = TopFactors(counts, 5)
	return summary
}

// BaseFactor strips any parenthetical detail from a factor string
func BaseFactor(factor string) string {
	if i := strings.Index(factor, "("); i >= 0 {
		factor = factor[:i]
	}
	return strings.TrimSpace(factor)
}

// TopFactors returns the n most frequent factors, ties broken by name
func TopFactors(counts map[string]int, n int) []RiskCount {
	out := make([]RiskCount, 0, len(counts))
	for factor, count := range counts {
		out = append(out, RiskCount{Factor: factor, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Factor < out[j].Factor
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
