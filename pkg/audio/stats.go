package audio

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// RMS returns the root-mean-square energy of samples
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(samples, samples) / float64(len(samples)))
}

// ZeroCrossingRate counts sign changes over the chunk divided by its length.
// Exact zeros have their own sign, so a transition into or out of zero counts.
func ZeroCrossingRate(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	prev := sign(samples[0])
	for _, s := range samples[1:] {
		cur := sign(s)
		if cur != prev {
			crossings++
		}
		prev = cur
	}
	return float64(crossings) / float64(len(samples))
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// MeanStd returns the mean and population standard deviation of values
func MeanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	return stat.PopMeanStdDev(values, nil)
}

// Mean returns the arithmetic mean of values, 0 for an empty slice
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// CoefficientOfVariation returns std/mean, or 0 when the mean is not positive
func CoefficientOfVariation(values []float64) float64 {
	mean, std := MeanStd(values)
	if mean <= 0 {
		return 0
	}
	return std / mean
}

// Diff returns consecutive differences of values
func Diff(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		out[i-1] = values[i] - values[i-1]
	}
	return out
}

// Clamp01 limits v to [0, 1]; NaN maps to 0
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FrameRMS returns the RMS contour over frames of frameLength advancing by hop.
// Signals shorter than one frame yield a single value.
func FrameRMS(samples []float64, frameLength, hop int) []float64 {
	if len(samples) == 0 {
		return nil
	}
	if len(samples) <= frameLength {
		return []float64{RMS(samples)}
	}
	contour := make([]float64, 0, len(samples)/hop+1)
	for start := 0; start+frameLength <= len(samples); start += hop {
		contour = append(contour, RMS(samples[start:start+frameLength]))
	}
	return contour
}

// SplitEven splits samples into n contiguous windows of equal length,
// dropping the remainder. Fewer than n samples yields nil.
func SplitEven(samples []float64, n int) [][]float64 {
	if n <= 0 || len(samples) < n {
		return nil
	}
	size := len(samples) / n
	windows := make([][]float64, n)
	for i := 0; i < n; i++ {
		windows[i] = samples[i*size : (i+1)*size]
	}
	return windows
}
