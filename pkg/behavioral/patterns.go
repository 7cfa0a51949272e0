package behavioral

import (
	"math"
	"sort"

	"voice-integrity-server/pkg/audio"
	"voice-integrity-server/pkg/realtime"
)

// SpeechPatterns is the segment timing sub-analysis
type SpeechPatterns struct {
	SpeechRate           float64 `json:"speech_rate"`
	PauseFrequency       float64 `json:"pause_frequency"`
	AveragePauseDuration float64 `json:"average_pause_duration"`
	SpeechConsistency    float64 `json:"speech_consistency"`
	TotalSpeechTime      float64 `json:"total_speech_time"`
}

// AudioQuality is the noise and recording sub-analysis
type AudioQuality struct {
	BackgroundNoiseLevel float64 `json:"background_noise_level"`
	AudioQualityScore    float64 `json:"audio_quality_score"`
	SNR                  float64 `json:"snr"`
	PotentialRecording   bool    `json:"potential_recording"`
	SpectralCentroid     float64 `json:"spectral_centroid,omitempty"`
	SpectralRolloff      float64 `json:"spectral_rolloff,omitempty"`
}

// TemporalPatterns is the per-chunk activity sub-analysis
type TemporalPatterns struct {
	UnusualSilencePeriods int  `json:"unusual_silence_periods"`
	RapidSpeechBursts     int  `json:"rapid_speech_bursts"`
	InconsistentVolume    bool `json:"inconsistent_volume"`
}

// maxSNR stands in for an infinite ratio when the noise floor is silent
const maxSNR = 100.0

func analyzeSpeechPatterns(cfg Config, segments []realtime.SpeechSegment) SpeechPatterns {
	if len(segments) == 0 {
		return SpeechPatterns{}
	}

	durations := make([]float64, len(segments))
	total := 0.0
	for i, seg := range segments {
		durations[i] = seg.Duration
		total += seg.Duration
	}

	result := SpeechPatterns{TotalSpeechTime: total}
	if total <= 0 {
		return result
	}

	// words are estimated from speaking time, so the rate is the assumed
	// words-per-second constant expressed per minute
	words := total * cfg.WordsPerSecond
	result.SpeechRate = words / total * 60

	var pauses []float64
	for i := 1; i < len(segments); i++ {
		if gap := segments[i].Start - segments[i-1].End; gap > 0 {
			pauses = append(pauses, gap)
		}
	}
	result.PauseFrequency = float64(len(pauses)) / total
	result.AveragePauseDuration = audio.Mean(pauses)
	result.SpeechConsistency = audio.Clamp01(1 - audio.CoefficientOfVariation(durations))
	return result
}

func analyzeAudioQuality(cfg Config, spectral *audio.SpectralExtractor, samples []float64) AudioQuality {
	if len(samples) == 0 {
		return AudioQuality{AudioQualityScore: 1}
	}

	magnitudes := make([]float64, len(samples))
	for i, s := range samples {
		magnitudes[i] = math.Abs(s)
	}
	signal := audio.Mean(magnitudes)
	sort.Float64s(magnitudes)

	quietest := int(float64(len(magnitudes)) * cfg.NoiseFraction)
	noise := 0.0
	if quietest > 0 {
		noise = audio.Mean(magnitudes[:quietest])
	}

	result := AudioQuality{BackgroundNoiseLevel: noise}
	if noise > 0 {
		result.SNR = signal / noise
		result.AudioQualityScore = math.Min(1, result.SNR/cfg.SNRScale)
	} else {
		result.SNR = maxSNR
		result.AudioQualityScore = 1
	}

	if spectral != nil {
		features := spectral.Extract(samples)
		result.SpectralCentroid = features.Centroid
		result.SpectralRolloff = features.Rolloff
		// band-limited audio is typical of playback through a speaker
		result.PotentialRecording = features.Centroid < cfg.RecordingCentroidHz || features.Rolloff < cfg.RecordingRolloffHz
	}
	return result
}

func analyzeTemporalPatterns(cfg Config, events []realtime.VoiceActivityRecord) TemporalPatterns {
	var result TemporalPatterns
	if len(events) == 0 {
		return result
	}

	run := 0
	for _, e := range events {
		if !e.IsSpeech {
			run++
			continue
		}
		if run >= cfg.SilenceRunChunks {
			result.UnusualSilencePeriods++
		}
		run = 0
	}
	if run >= cfg.SilenceRunChunks {
		result.UnusualSilencePeriods++
	}

	if window := cfg.BurstWindow; window > 0 && len(events) >= window {
		speech := 0
		for i, e := range events {
			if e.IsSpeech {
				speech++
			}
			if i >= window && events[i-window].IsSpeech {
				speech--
			}
			if i >= window-1 && speech >= cfg.BurstMinSpeech {
				result.RapidSpeechBursts++
			}
		}
	}

	if len(events) > cfg.MinVolumeChunks {
		energies := make([]float64, len(events))
		for i, e := range events {
			energies[i] = e.RMSEnergy
		}
		result.InconsistentVolume = audio.CoefficientOfVariation(energies) > cfg.VolumeCV
	}
	return result
}
