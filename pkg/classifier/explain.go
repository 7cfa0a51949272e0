package classifier

import (
	"fmt"
	"sort"
)

// FallbackModelName labels predictions from the rule-based scorer
const FallbackModelName = "Rule-based (fallback)"

// RuleWeights are the additive risk weights of the rule-based scorer and the
// boosts applied on top of a trained probability
type RuleWeights struct {
	HelpSeeking           float64 `yaml:"help_seeking" json:"help_seeking"`
	AnswerReceiving       float64 `yaml:"answer_receiving" json:"answer_receiving"`
	ExternalDiscussion    float64 `yaml:"external_discussion" json:"external_discussion"`
	MultipleSpeakers      float64 `yaml:"multiple_speakers" json:"multiple_speakers"`
	HighStress            float64 `yaml:"high_stress" json:"high_stress"`
	StressThreshold       float64 `yaml:"stress_threshold" json:"stress_threshold"`
	Deception             float64 `yaml:"deception" json:"deception"`
	DeceptionCount        int     `yaml:"deception_count" json:"deception_count"`
	Recording             float64 `yaml:"recording" json:"recording"`
	ConfidenceScale       float64 `yaml:"confidence_scale" json:"confidence_scale"`
	TrainedContentBoost   float64 `yaml:"trained_content_boost" json:"trained_content_boost"`
	TrainedSpeakerBoost   float64 `yaml:"trained_speaker_boost" json:"trained_speaker_boost"`
	TrainedRecordingBoost float64 `yaml:"trained_recording_boost" json:"trained_recording_boost"`
}

// DefaultRuleWeights returns the stock rule weights
func DefaultRuleWeights() RuleWeights {
	return RuleWeights{
		HelpSeeking:           0.4,
		AnswerReceiving:       0.5,
		ExternalDiscussion:    0.3,
		MultipleSpeakers:      0.3,
		HighStress:            0.2,
		StressThreshold:       0.7,
		Deception:             0.2,
		DeceptionCount:        2,
		Recording:             0.3,
		ConfidenceScale:       0.8,
		TrainedContentBoost:   0.1,
		TrainedSpeakerBoost:   0.1,
		TrainedRecordingBoost: 0.1,
	}
}

func (r RuleWeights) score(s Sample) (float64, []string) {
	risk := 0.0
	var factors []string

	if s.HelpSeekingPhrases > 0 {
		risk += r.HelpSeeking
		factors = append(factors, fmt.Sprintf("Help-seeking phrases (%d)", s.HelpSeekingPhrases))
	}
	if s.AnswerReceivingPhrases > 0 {
		risk += r.AnswerReceiving
		factors = append(factors, fmt.Sprintf("Answer-receiving phrases (%d)", s.AnswerReceivingPhrases))
	}
	if s.ExternalDiscussion {
		risk += r.ExternalDiscussion
		factors = append(factors, "External discussion detected")
	}
	if s.TotalSpeakers > 1 {
		risk += r.MultipleSpeakers
		factors = append(factors, fmt.Sprintf("Multiple speakers (%d)", s.TotalSpeakers))
	}
	if s.StressLevel > r.StressThreshold {
		risk += r.HighStress
		factors = append(factors, "High stress levels")
	}
	if s.DeceptionIndicatorsCount > r.DeceptionCount {
		risk += r.Deception
		factors = append(factors, "Multiple deception indicators")
	}
	if s.PotentialRecording {
		risk += r.Recording
		factors = append(factors, "Potential pre-recorded audio")
	}
	return clamp01(risk), factors
}

// FactorConfig controls importance-driven factor selection on the trained path
type FactorConfig struct {
	TopFeatures   int                `yaml:"top_features" json:"top_features"`
	MinImportance float64            `yaml:"min_importance" json:"min_importance"`
	MaxFactors    int                `yaml:"max_factors" json:"max_factors"`
	Thresholds    map[string]float64 `yaml:"thresholds" json:"thresholds"`
}

// DefaultFactorConfig returns the stock factor thresholds. Features without a
// threshold never count as suspicious.
func DefaultFactorConfig() FactorConfig {
	return FactorConfig{
		TopFeatures:   10,
		MinImportance: 0.05,
		MaxFactors:    5,
		Thresholds: map[string]float64{
			"help_seeking_phrases":       0,
			"answer_receiving_phrases":   0,
			"total_speakers":             1,
			"stress_level":               0.6,
			"anxiety_level":              0.6,
			"deception_indicators_count": 1,
			"speaker_switches":           5,
			"overlapping_speech":         2.0,
		},
	}
}

// ruleFactors lists fixed explanations when no importances are available
func ruleFactors(s Sample) []string {
	var factors []string
	if s.HelpSeekingPhrases > 0 {
		factors = append(factors, fmt.Sprintf("Help-seeking phrases: %d", s.HelpSeekingPhrases))
	}
	if s.AnswerReceivingPhrases > 0 {
		factors = append(factors, fmt.Sprintf("Answer-receiving phrases: %d", s.AnswerReceivingPhrases))
	}
	if s.TotalSpeakers > 1 {
		factors = append(factors, fmt.Sprintf("Multiple speakers: %d", s.TotalSpeakers))
	}
	if s.StressLevel > 0.6 {
		factors = append(factors, fmt.Sprintf("High stress level: %.2f", s.StressLevel))
	}
	if s.PotentialRecording {
		factors = append(factors, "Potential recording detected")
	}
	return factors
}

// importanceFactors names the most important features whose raw value is
// past its suspicious threshold
func (c *Classifier) importanceFactors(m *TrainedModel, vector []float64) []string {
	if len(m.Importance) == 0 {
		return ruleFactors(sampleFromVector(vector))
	}

	type ranked struct {
		index      int
		importance float64
	}
	order := make([]ranked, len(FeatureNames))
	for i, name := range FeatureNames {
		order[i] = ranked{index: i, importance: m.Importance[name]}
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].importance > order[j].importance })

	cfg := c.cfg.Factors
	if len(order) > cfg.TopFeatures {
		order = order[:cfg.TopFeatures]
	}
	factors := []string{}
	for _, r := range order {
		if r.importance <= cfg.MinImportance {
			continue
		}
		name := FeatureNames[r.index]
		threshold, ok := cfg.Thresholds[name]
		if !ok || vector[r.index] <= threshold {
			continue
		}
		factors = append(factors, fmt.Sprintf("%s: %.2f", name, vector[r.index]))
		if len(factors) == cfg.MaxFactors {
			break
		}
	}
	return factors
}

// sampleFromVector recovers the fields ruleFactors reads
func sampleFromVector(v []float64) Sample {
	return Sample{
		HelpSeekingPhrases:     int(v[3]),
		AnswerReceivingPhrases: int(v[4]),
		TotalSpeakers:          int(v[9]),
		StressLevel:            v[13],
		PotentialRecording:     v[19] > 0,
	}
}

func riskBreakdown(s Sample) map[string]float64 {
	speakers := float64(s.TotalSpeakers - 1)
	if speakers < 0 {
		speakers = 0
	}
	recording := boolFeature(s.PotentialRecording)
	return map[string]float64{
		"content_risk":    clamp01(float64(s.HelpSeekingPhrases+s.AnswerReceivingPhrases) * 0.2),
		"speaker_risk":    clamp01(speakers * 0.5),
		"emotion_risk":    clamp01((s.StressLevel + s.AnxietyLevel) / 2),
		"quality_risk":    clamp01((1 - s.AudioQualityScore) + recording),
		"behavioral_risk": clamp01(s.PauseFrequency * 0.5),
	}
}

func evidenceSummary(s Sample) map[string]any {
	return map[string]any{
		"voice_analysis": map[string]any{
			"speech_ratio":     s.SpeechRatio,
			"silence_periods":  s.SilencePeriods,
			"voice_confidence": s.VoiceConfidence,
		},
		"content_analysis": map[string]any{
			"help_seeking_phrases":     s.HelpSeekingPhrases,
			"answer_receiving_phrases": s.AnswerReceivingPhrases,
			"question_reading":         s.QuestionReading,
			"external_discussion":      s.ExternalDiscussion,
		},
		"speaker_analysis": map[string]any{
			"total_speakers":        s.TotalSpeakers,
			"speaker_switches":      s.SpeakerSwitches,
			"primary_speaker_ratio": s.PrimarySpeakerRatio,
		},
		"emotion_analysis": map[string]any{
			"stress_level":               s.StressLevel,
			"anxiety_level":              s.AnxietyLevel,
			"deception_indicators_count": s.DeceptionIndicatorsCount,
		},
		"audio_quality": map[string]any{
			"quality_score":       s.AudioQualityScore,
			"background_noise":    s.BackgroundNoise,
			"potential_recording": s.PotentialRecording,
		},
	}
}
