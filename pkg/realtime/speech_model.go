package realtime

import (
	"math"
	"sync"

	"voice-integrity-server/pkg/audio"
)

// SpeechModel is the primary voice activity backend. It returns the
// probability in [0, 1] that a chunk contains speech.
type SpeechModel interface {
	Name() string
	SpeechProbability(samples []float64, sampleRate int) (float64, error)
}

// BinaryVAD is an optional secondary backend used to cross-check the
// primary decision on raw 16-bit PCM.
type BinaryVAD interface {
	Name() string
	IsSpeech(raw []byte, sampleRate int) (bool, error)
}

// EnergySpeechModel scores speech from energy, spectral structure and zero
// crossing rate against an adaptive background noise estimate.
type EnergySpeechModel struct {
	mutex sync.Mutex

	energyThreshold float64
	maxZCR          float64

	backgroundNoise   float64
	adaptiveThreshold float64
}

// NewEnergySpeechModel creates the built-in speech model
func NewEnergySpeechModel() *EnergySpeechModel {
	return &EnergySpeechModel{
		energyThreshold:   0.005,
		maxZCR:            0.1,
		backgroundNoise:   0.001,
		adaptiveThreshold: 0.005,
	}
}

// Name implements SpeechModel
func (m *EnergySpeechModel) Name() string { return "energy" }

// SpeechProbability implements SpeechModel. Criteria are weighted 0.5
// energy, 0.3 spectral and 0.2 temporal.
func (m *EnergySpeechModel) SpeechProbability(samples []float64, _ int) (float64, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	energy := audio.RMS(samples)
	zcr := audio.ZeroCrossingRate(samples)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	probability := 0.0
	if energy > m.adaptiveThreshold {
		probability += 0.5
	}
	if spectralActive(samples) {
		probability += 0.3
	}
	if zcr > 0.01 && zcr < m.maxZCR {
		probability += 0.2
	}

	if probability <= 0.5 {
		m.updateNoiseEstimate(energy)
	}
	return probability, nil
}

func (m *EnergySpeechModel) updateNoiseEstimate(energy float64) {
	const alpha = 0.1
	m.backgroundNoise = m.backgroundNoise*(1-alpha) + energy*alpha
	m.adaptiveThreshold = m.backgroundNoise * 3.0
	if m.adaptiveThreshold < m.energyThreshold {
		m.adaptiveThreshold = m.energyThreshold
	}
}

// spectralActive requires two of: spread energy distribution, harmonic
// (non-flat) magnitudes and lag-1 periodicity
func spectralActive(samples []float64) bool {
	count := 0
	if energyEntropy(samples) > 2.0 {
		count++
	}
	if flatness := magnitudeFlatness(samples); flatness > 0 && flatness < 0.5 {
		count++
	}
	if math.Abs(lagOneCorrelation(samples)) > 0.1 {
		count++
	}
	return count >= 2
}

func energyEntropy(samples []float64) float64 {
	total := 0.0
	for _, s := range samples {
		total += s * s
	}
	if total == 0 {
		return 0
	}
	entropy := 0.0
	for _, s := range samples {
		if p := s * s / total; p > 0 {
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

// magnitudeFlatness is the ratio of geometric to arithmetic mean magnitude
func magnitudeFlatness(samples []float64) float64 {
	logSum, sum := 0.0, 0.0
	n := 0
	for _, s := range samples {
		mag := math.Abs(s)
		if mag > 1e-10 {
			logSum += math.Log(mag)
			sum += mag
			n++
		}
	}
	if n == 0 || sum == 0 {
		return 0
	}
	return math.Exp(logSum/float64(n)) / (sum / float64(n))
}

func lagOneCorrelation(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	corr, norm1, norm2 := 0.0, 0.0, 0.0
	for i := 0; i < len(samples)-1; i++ {
		corr += samples[i] * samples[i+1]
		norm1 += samples[i] * samples[i]
		norm2 += samples[i+1] * samples[i+1]
	}
	if product := math.Sqrt(norm1 * norm2); product > 0 {
		return corr / product
	}
	return 0
}

// ThresholdVAD is a stateless energy and zero-crossing voice detector used
// as the secondary cross-check
type ThresholdVAD struct {
	MinEnergy float64
	MaxZCR    float64
}

// NewThresholdVAD creates a detector with moderate aggressiveness
func NewThresholdVAD() *ThresholdVAD {
	return &ThresholdVAD{MinEnergy: 0.02, MaxZCR: 0.25}
}

// Name implements BinaryVAD
func (v *ThresholdVAD) Name() string { return "threshold" }

// IsSpeech implements BinaryVAD
func (v *ThresholdVAD) IsSpeech(raw []byte, _ int) (bool, error) {
	samples := audio.DecodePCM16(raw)
	if len(samples) == 0 {
		return false, nil
	}
	return audio.RMS(samples) > v.MinEnergy && audio.ZeroCrossingRate(samples) < v.MaxZCR, nil
}
