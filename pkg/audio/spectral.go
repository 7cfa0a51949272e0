package audio

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// SpectralFeatures summarizes the frame-averaged spectrum of a signal
type SpectralFeatures struct {
	Centroid  float64   `json:"spectral_centroid"`
	Bandwidth float64   `json:"spectral_bandwidth"`
	Rolloff   float64   `json:"spectral_rolloff"`
	MFCC      []float64 `json:"mfcc_features"`
	Frames    int       `json:"frames"`
}

// SpectralExtractor computes short-time spectral descriptors and cepstral
// coefficients. It is safe for concurrent use.
type SpectralExtractor struct {
	sampleRate  int
	frameSize   int
	hopSize     int
	melBanks    int
	mfccCount   int
	rolloffFrac float64

	window     []float64
	melFilters [][]float64
	ffts       sync.Pool
}

// NewSpectralExtractor creates an extractor with a 2048-sample Hamming frame,
// 512-sample hop, 40 mel bands and 13 cepstral coefficients.
func NewSpectralExtractor(sampleRate int) *SpectralExtractor {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	e := &SpectralExtractor{
		sampleRate:  sampleRate,
		frameSize:   2048,
		hopSize:     512,
		melBanks:    40,
		mfccCount:   13,
		rolloffFrac: 0.85,
	}

	e.window = make([]float64, e.frameSize)
	for i := range e.window {
		e.window[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(e.frameSize-1))
	}
	e.initializeMelFilters()

	frameSize := e.frameSize
	e.ffts.New = func() interface{} { return fourier.NewFFT(frameSize) }
	return e
}

// SampleRate returns the rate the extractor was built for
func (e *SpectralExtractor) SampleRate() int {
	return e.sampleRate
}

// MFCCCount returns the number of cepstral coefficients produced
func (e *SpectralExtractor) MFCCCount() int {
	return e.mfccCount
}

// Extract returns frame-averaged centroid, bandwidth, rolloff and MFCCs.
// An empty signal yields zero values with a zero MFCC vector.
func (e *SpectralExtractor) Extract(samples []float64) SpectralFeatures {
	features := SpectralFeatures{MFCC: make([]float64, e.mfccCount)}
	if len(samples) == 0 {
		return features
	}

	fft := e.ffts.Get().(*fourier.FFT)
	defer e.ffts.Put(fft)

	frame := make([]float64, e.frameSize)
	coeffs := make([]complex128, e.frameSize/2+1)
	magnitudes := make([]float64, len(coeffs))

	for start := 0; start < len(samples); start += e.hopSize {
		end := start + e.frameSize
		if end > len(samples) {
			end = len(samples)
		}
		for i := range frame {
			frame[i] = 0
		}
		for i := start; i < end; i++ {
			frame[i-start] = samples[i] * e.window[i-start]
		}

		coeffs = fft.Coefficients(coeffs, frame)
		for i, c := range coeffs {
			magnitudes[i] = cmplx.Abs(c)
		}

		centroid := e.centroid(magnitudes)
		features.Centroid += centroid
		features.Bandwidth += e.bandwidth(magnitudes, centroid)
		features.Rolloff += e.rolloff(magnitudes)

		mfcc := e.mfcc(magnitudes)
		for i := range features.MFCC {
			features.MFCC[i] += mfcc[i]
		}
		features.Frames++

		if end == len(samples) {
			break
		}
	}

	n := float64(features.Frames)
	features.Centroid /= n
	features.Bandwidth /= n
	features.Rolloff /= n
	for i := range features.MFCC {
		features.MFCC[i] /= n
	}
	return features
}

// DominantFrequency returns the frequency of the strongest bin in the
// positive half of a full-length transform of samples.
func DominantFrequency(samples []float64, sampleRate int) float64 {
	if len(samples) < 2 || sampleRate <= 0 {
		return 0
	}
	fft := fourier.NewFFT(len(samples))
	coeffs := fft.Coefficients(nil, samples)

	best, bestIdx := -1.0, 0
	for i := 0; i < len(samples)/2 && i < len(coeffs); i++ {
		if mag := cmplx.Abs(coeffs[i]); mag > best {
			best, bestIdx = mag, i
		}
	}
	return fft.Freq(bestIdx) * float64(sampleRate)
}

func (e *SpectralExtractor) binFrequency(bin int) float64 {
	return float64(bin) * float64(e.sampleRate) / float64(e.frameSize)
}

func (e *SpectralExtractor) centroid(magnitudes []float64) float64 {
	weighted, total := 0.0, 0.0
	for i, mag := range magnitudes {
		weighted += e.binFrequency(i) * mag
		total += mag
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

func (e *SpectralExtractor) bandwidth(magnitudes []float64, centroid float64) float64 {
	weighted, total := 0.0, 0.0
	for i, mag := range magnitudes {
		d := e.binFrequency(i) - centroid
		weighted += mag * d * d
		total += mag
	}
	if total == 0 {
		return 0
	}
	return math.Sqrt(weighted / total)
}

func (e *SpectralExtractor) rolloff(magnitudes []float64) float64 {
	total := 0.0
	for _, mag := range magnitudes {
		total += mag
	}
	if total == 0 {
		return 0
	}
	target := e.rolloffFrac * total
	cumulative := 0.0
	for i, mag := range magnitudes {
		cumulative += mag
		if cumulative >= target {
			return e.binFrequency(i)
		}
	}
	return e.binFrequency(len(magnitudes) - 1)
}

func (e *SpectralExtractor) mfcc(magnitudes []float64) []float64 {
	melSpectrum := make([]float64, e.melBanks)
	for i, filter := range e.melFilters {
		sum := 0.0
		for j, weight := range filter {
			if weight == 0 {
				continue
			}
			sum += magnitudes[j] * magnitudes[j] * weight
		}
		melSpectrum[i] = math.Log(sum + 1e-10)
	}
	return dct(melSpectrum, e.mfccCount)
}

func (e *SpectralExtractor) initializeMelFilters() {
	bins := e.frameSize/2 + 1
	melMin := hzToMel(0)
	melMax := hzToMel(float64(e.sampleRate) / 2)

	hzPoints := make([]float64, e.melBanks+2)
	for i := range hzPoints {
		hzPoints[i] = melToHz(melMin + float64(i)*(melMax-melMin)/float64(len(hzPoints)-1))
	}

	e.melFilters = make([][]float64, e.melBanks)
	for i := 0; i < e.melBanks; i++ {
		filter := make([]float64, bins)
		left, center, right := hzPoints[i], hzPoints[i+1], hzPoints[i+2]
		for j := 0; j < bins; j++ {
			freq := e.binFrequency(j)
			switch {
			case freq >= left && freq <= center && center > left:
				filter[j] = (freq - left) / (center - left)
			case freq > center && freq <= right && right > center:
				filter[j] = (right - freq) / (right - center)
			}
		}
		e.melFilters[i] = filter
	}
}

// dct computes the first numCoeffs DCT-II coefficients of input
func dct(input []float64, numCoeffs int) []float64 {
	if numCoeffs > len(input) {
		numCoeffs = len(input)
	}
	out := make([]float64, numCoeffs)
	n := float64(len(input))
	for k := 0; k < numCoeffs; k++ {
		sum := 0.0
		for j, v := range input {
			sum += v * math.Cos(math.Pi*float64(k)*float64(2*j+1)/(2*n))
		}
		out[k] = sum
	}
	return out
}

func hzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

func melToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}
