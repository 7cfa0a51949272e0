package audio

// PitchTracker estimates a fundamental-frequency contour by frame-wise
// autocorrelation over the human voice range.
type PitchTracker struct {
	sampleRate int
	frameSize  int
	hopSize    int
	minHz      float64
	maxHz      float64

	// frames quieter than this RMS are treated as unvoiced
	voicingRMS float64
	// normalized autocorrelation peak required to accept a pitch
	clarity float64
}

// NewPitchTracker creates a tracker searching 50-500 Hz on 1024-sample frames
func NewPitchTracker(sampleRate int) *PitchTracker {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &PitchTracker{
		sampleRate: sampleRate,
		frameSize:  1024,
		hopSize:    512,
		minHz:      50,
		maxHz:      500,
		voicingRMS: 0.005,
		clarity:    0.3,
	}
}

// Track returns one pitch estimate in Hz per voiced frame
func (p *PitchTracker) Track(samples []float64) []float64 {
	if len(samples) < p.frameSize {
		if f0 := p.estimate(samples); f0 > 0 {
			return []float64{f0}
		}
		return nil
	}

	pitches := make([]float64, 0, len(samples)/p.hopSize)
	for start := 0; start+p.frameSize <= len(samples); start += p.hopSize {
		if f0 := p.estimate(samples[start : start+p.frameSize]); f0 > 0 {
			pitches = append(pitches, f0)
		}
	}
	return pitches
}

func (p *PitchTracker) estimate(frame []float64) float64 {
	if len(frame) < 2 || RMS(frame) < p.voicingRMS {
		return 0
	}

	minLag := int(float64(p.sampleRate) / p.maxHz)
	maxLag := int(float64(p.sampleRate) / p.minHz)
	if maxLag >= len(frame)/2 {
		maxLag = len(frame)/2 - 1
	}
	if minLag < 1 {
		minLag = 1
	}
	if maxLag <= minLag {
		return 0
	}

	energy := 0.0
	for _, s := range frame {
		energy += s * s
	}
	if energy == 0 {
		return 0
	}

	bestLag, bestVal := 0, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		sum := 0.0
		for i := 0; i < len(frame)-lag; i++ {
			sum += frame[i] * frame[i+lag]
		}
		if sum > bestVal {
			bestVal, bestLag = sum, lag
		}
	}

	if bestLag == 0 || bestVal/energy < p.clarity {
		return 0
	}
	return float64(p.sampleRate) / float64(bestLag)
}
