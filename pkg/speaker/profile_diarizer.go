package speaker

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/audio"
)

// ProfileConfig tunes the built-in profile diarizer
type ProfileConfig struct {
	WindowSeconds       float64 `yaml:"window_seconds" json:"window_seconds"`
	SilenceRMS          float64 `yaml:"silence_rms" json:"silence_rms"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	MaxSpeakers         int     `yaml:"max_speakers" json:"max_speakers"`
	LearningRate        float64 `yaml:"learning_rate" json:"learning_rate"`
}

// DefaultProfileConfig returns one-second windows and a 70% similarity match
func DefaultProfileConfig() ProfileConfig {
	return ProfileConfig{
		WindowSeconds:       1.0,
		SilenceRMS:          0.01,
		SimilarityThreshold: 0.7,
		MaxSpeakers:         4,
		LearningRate:        0.1,
	}
}

// VoiceProfile is the per-window voice characteristic vector
type VoiceProfile struct {
	F0Mean           float64   `json:"f0_mean"`
	F0Std            float64   `json:"f0_std"`
	SpectralCentroid float64   `json:"spectral_centroid"`
	SpectralRolloff  float64   `json:"spectral_rolloff"`
	MFCC             []float64 `json:"mfcc"`
	Energy           float64   `json:"energy"`
}

type speakerProfile struct {
	id       string
	features VoiceProfile
	windows  int
}

// ProfileDiarizer labels fixed windows by comparing their pitch, spectral
// and cepstral profile against the speakers seen so far in the buffer.
// Silent windows are skipped.
type ProfileDiarizer struct {
	cfg      ProfileConfig
	spectral *audio.SpectralExtractor
	logger   *logrus.Entry
}

// NewProfileDiarizer creates a profile diarizer
func NewProfileDiarizer(cfg ProfileConfig, spectral *audio.SpectralExtractor, logger *logrus.Logger) *ProfileDiarizer {
	defaults := DefaultProfileConfig()
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = defaults.WindowSeconds
	}
	if cfg.MaxSpeakers <= 0 {
		cfg.MaxSpeakers = defaults.MaxSpeakers
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = defaults.SimilarityThreshold
	}
	if spectral == nil {
		spectral = audio.NewSpectralExtractor(audio.DefaultSampleRate)
	}
	return &ProfileDiarizer{
		cfg:      cfg,
		spectral: spectral,
		logger:   logger.WithField("component", "profile_diarizer"),
	}
}

// Name identifies the backend
func (p *ProfileDiarizer) Name() string {
	return "profile"
}

// Diarize splits samples into windows, assigns each voiced window to the
// most similar speaker profile and merges adjacent windows of one speaker
func (p *ProfileDiarizer) Diarize(ctx context.Context, samples []float64, sampleRate int) ([]Turn, error) {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	window := int(p.cfg.WindowSeconds * float64(sampleRate))
	if window <= 0 || len(samples) == 0 {
		return nil, nil
	}

	pitch := audio.NewPitchTracker(sampleRate)
	var profiles []*speakerProfile
	var turns []Turn

	for start := 0; start < len(samples); start += window {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + window
		if end > len(samples) {
			end = len(samples)
		}
		frame := samples[start:end]
		if audio.RMS(frame) < p.cfg.SilenceRMS {
			continue
		}

		features := p.profile(pitch, frame)
		id := p.assign(&profiles, features)

		from := float64(start) / float64(sampleRate)
		to := float64(end) / float64(sampleRate)
		if n := len(turns); n > 0 && turns[n-1].Speaker == id && turns[n-1].End == from {
			turns[n-1].End = to
			continue
		}
		turns = append(turns, Turn{Speaker: id, Start: from, End: to})
	}

	p.logger.WithFields(logrus.Fields{
		"speakers": len(profiles),
		"turns":    len(turns),
	}).Debug("Profile diarization completed")
	return turns, nil
}

func (p *ProfileDiarizer) profile(pitch *audio.PitchTracker, frame []float64) VoiceProfile {
	f0Mean, f0Std := audio.MeanStd(pitch.Track(frame))
	spectral := p.spectral.Extract(frame)
	return VoiceProfile{
		F0Mean:           f0Mean,
		F0Std:            f0Std,
		SpectralCentroid: spectral.Centroid,
		SpectralRolloff:  spectral.Rolloff,
		MFCC:             spectral.MFCC,
		Energy:           audio.RMS(frame),
	}
}

// assign returns the id of the best matching profile above the threshold,
// creating a new one while below the speaker limit
func (p *ProfileDiarizer) assign(profiles *[]*speakerProfile, features VoiceProfile) string {
	var best *speakerProfile
	bestSimilarity := 0.0
	for _, candidate := range *profiles {
		similarity := ProfileSimilarity(features, candidate.features)
		if similarity > bestSimilarity && similarity > p.cfg.SimilarityThreshold {
			best, bestSimilarity = candidate, similarity
		}
	}

	if best == nil && len(*profiles) < p.cfg.MaxSpeakers {
		created := &speakerProfile{
			id:       fmt.Sprintf("speaker_%d", len(*profiles)+1),
			features: cloneProfile(features),
		}
		*profiles = append(*profiles, created)
		created.windows++
		return created.id
	}

	if best == nil {
		// at the limit, fall back to the closest profile regardless of threshold
		for _, candidate := range *profiles {
			if similarity := ProfileSimilarity(features, candidate.features); best == nil || similarity > bestSimilarity {
				best, bestSimilarity = candidate, similarity
			}
		}
	}

	updateProfileEMA(&best.features, features, p.cfg.LearningRate)
	best.windows++
	return best.id
}

// ProfileSimilarity scores two voice profiles in [0,1] with weights
// 0.35 pitch, 0.3 spectral shape and 0.35 cepstral
func ProfileSimilarity(a, b VoiceProfile) float64 {
	return 0.35*pitchSimilarity(a, b) + 0.3*spectralSimilarity(a, b) + 0.35*mfccSimilarity(a, b)
}

func relativeDiff(x, y float64) float64 {
	m := math.Max(math.Abs(x), math.Abs(y))
	if m == 0 {
		return 0
	}
	return math.Abs(x-y) / m
}

func pitchSimilarity(a, b VoiceProfile) float64 {
	if a.F0Mean == 0 && b.F0Mean == 0 {
		return 1
	}
	if a.F0Mean == 0 || b.F0Mean == 0 {
		return 0
	}
	return math.Max(0, 1-(relativeDiff(a.F0Mean, b.F0Mean)+relativeDiff(a.F0Std, b.F0Std))/2)
}

func spectralSimilarity(a, b VoiceProfile) float64 {
	return math.Max(0, 1-(relativeDiff(a.SpectralCentroid, b.SpectralCentroid)+relativeDiff(a.SpectralRolloff, b.SpectralRolloff))/2)
}

// mfccSimilarity is the cosine similarity of the cepstra, negative values
// clamped to zero
func mfccSimilarity(a, b VoiceProfile) float64 {
	if len(a.MFCC) != len(b.MFCC) || len(a.MFCC) == 0 {
		return 0
	}
	dot, normA, normB := 0.0, 0.0, 0.0
	for i := range a.MFCC {
		dot += a.MFCC[i] * b.MFCC[i]
		normA += a.MFCC[i] * a.MFCC[i]
		normB += b.MFCC[i] * b.MFCC[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return audio.Clamp01(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func cloneProfile(p VoiceProfile) VoiceProfile {
	p.MFCC = append([]float64(nil), p.MFCC...)
	return p
}

func updateProfileEMA(target *VoiceProfile, source VoiceProfile, alpha float64) {
	target.F0Mean = target.F0Mean*(1-alpha) + source.F0Mean*alpha
	target.F0Std = target.F0Std*(1-alpha) + source.F0Std*alpha
	target.SpectralCentroid = target.SpectralCentroid*(1-alpha) + source.SpectralCentroid*alpha
	target.SpectralRolloff = target.SpectralRolloff*(1-alpha) + source.SpectralRolloff*alpha
	target.Energy = target.Energy*(1-alpha) + source.Energy*alpha
	if len(target.MFCC) == len(source.MFCC) {
		for i := range target.MFCC {
			target.MFCC[i] = target.MFCC[i]*(1-alpha) + source.MFCC[i]*alpha
		}
	}
}
