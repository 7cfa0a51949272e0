package emotion

import (
	"voice-integrity-server/pkg/audio"
	"voice-integrity-server/pkg/realtime"
)

// FeatureVectorLength is the width of the classifier input vector
const FeatureVectorLength = 25

// mfccLength is the cepstral width carried in the feature vector
const mfccLength = 13

// Features are the prosodic, spectral and temporal descriptors of a buffer
type Features struct {
	PitchMean               float64   `json:"pitch_mean"`
	PitchStd                float64   `json:"pitch_std"`
	PitchRange              float64   `json:"pitch_range"`
	EnergyMean              float64   `json:"energy_mean"`
	EnergyStd               float64   `json:"energy_std"`
	EnergyContour           []float64 `json:"energy_contour"`
	ZCRMean                 float64   `json:"zcr_mean"`
	SpeakingRate            float64   `json:"speaking_rate"`
	PauseRate               float64   `json:"pause_rate"`
	SpeechRhythmConsistency float64   `json:"speech_rhythm_consistency"`
	Jitter                  float64   `json:"jitter"`
	Shimmer                 float64   `json:"shimmer"`
	SpectralCentroid        float64   `json:"spectral_centroid"`
	SpectralBandwidth       float64   `json:"spectral_bandwidth"`
	SpectralRolloff         float64   `json:"spectral_rolloff"`
	MFCC                    []float64 `json:"mfcc_features"`
}

// Vector flattens the features into the fixed classifier input order:
// twelve scalars followed by thirteen cepstral coefficients, zero padded
func (f Features) Vector() []float64 {
	vector := make([]float64, 0, FeatureVectorLength)
	vector = append(vector,
		f.PitchMean, f.PitchStd, f.PitchRange,
		f.EnergyMean, f.EnergyStd,
		f.SpeakingRate, f.PauseRate,
		f.Jitter, f.Shimmer,
		f.SpectralCentroid, f.SpectralBandwidth, f.SpectralRolloff,
	)
	for i := 0; i < mfccLength; i++ {
		if i < len(f.MFCC) {
			vector = append(vector, f.MFCC[i])
		} else {
			vector = append(vector, 0)
		}
	}
	return vector
}

// Frame settings for the energy contour
const (
	energyFrame = 2048
	energyHop   = 512
)

// extractor computes Features with optional pitch and spectral backends
type extractor struct {
	cfg        Config
	sampleRate int
	pitch      *audio.PitchTracker
	spectral   *audio.SpectralExtractor
}

func (x *extractor) extract(samples []float64, segments []realtime.SpeechSegment) Features {
	var f Features
	x.prosodic(&f, samples)
	x.spectralFeatures(&f, samples)
	x.temporal(&f, samples, segments)
	return f
}

func (x *extractor) prosodic(f *Features, samples []float64) {
	f.ZCRMean = audio.ZeroCrossingRate(samples)

	if x.pitch == nil {
		rms := audio.RMS(samples)
		f.PitchMean = x.cfg.DefaultPitchMean
		f.PitchStd = x.cfg.DefaultPitchStd
		f.PitchRange = x.cfg.DefaultPitchRange
		f.EnergyMean = rms
		f.EnergyStd = rms * 0.3
		f.EnergyContour = []float64{rms}
		f.Jitter = x.cfg.DefaultJitter
		f.Shimmer = x.cfg.DefaultShimmer
		return
	}

	pitches := x.pitch.Track(samples)
	if len(pitches) == 0 {
		pitches = []float64{0}
	}
	f.PitchMean, f.PitchStd = audio.MeanStd(pitches)
	low, high := pitches[0], pitches[0]
	for _, p := range pitches {
		if p < low {
			low = p
		}
		if p > high {
			high = p
		}
	}
	f.PitchRange = high - low

	f.EnergyContour = audio.FrameRMS(samples, energyFrame, energyHop)
	f.EnergyMean, f.EnergyStd = audio.MeanStd(f.EnergyContour)
	f.Jitter = relativeVariability(pitches)
	f.Shimmer = relativeVariability(f.EnergyContour)
}

// relativeVariability is the std of consecutive differences over the mean
func relativeVariability(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := audio.Mean(values)
	if mean <= 0 {
		return 0
	}
	_, std := audio.MeanStd(audio.Diff(values))
	return std / mean
}

func (x *extractor) spectralFeatures(f *Features, samples []float64) {
	if x.spectral == nil {
		f.SpectralCentroid = audio.DominantFrequency(samples, x.sampleRate)
		f.SpectralBandwidth = x.cfg.DefaultBandwidth
		f.SpectralRolloff = x.cfg.DefaultRolloff
		f.MFCC = make([]float64, mfccLength)
		return
	}
	features := x.spectral.Extract(samples)
	f.SpectralCentroid = features.Centroid
	f.SpectralBandwidth = features.Bandwidth
	f.SpectralRolloff = features.Rolloff
	f.MFCC = features.MFCC
}

func (x *extractor) temporal(f *Features, samples []float64, segments []realtime.SpeechSegment) {
	duration := audio.Duration(len(samples), x.sampleRate)
	if len(segments) == 0 || duration <= 0 {
		return
	}

	durations := make([]float64, len(segments))
	speech := 0.0
	for i, seg := range segments {
		durations[i] = seg.Duration
		speech += seg.Duration
	}
	f.SpeakingRate = speech * x.cfg.SyllablesPerSecond / duration

	pauses := 0
	for i := 1; i < len(segments); i++ {
		if segments[i].Start-segments[i-1].End > 0 {
			pauses++
		}
	}
	f.PauseRate = float64(pauses) / duration
	f.SpeechRhythmConsistency = audio.Clamp01(1 - audio.CoefficientOfVariation(durations))
}
