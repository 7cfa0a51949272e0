package audio

import (
	"encoding/base64"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePCM16(t *testing.T) {
	raw := []byte{0x00, 0x80, 0xff, 0x7f, 0x00, 0x00, 0x01}
	samples := DecodePCM16(raw)

	require.Len(t, samples, 3, "trailing odd byte is dropped")
	assert.Equal(t, -1.0, samples[0])
	assert.InDelta(t, 32767.0/32768.0, samples[1], 1e-12)
	assert.Equal(t, 0.0, samples[2])
}

func TestEncodeDecodeTone(t *testing.T) {
	tone := Tone(440, 0.5, 0.1, DefaultSampleRate)
	decoded := DecodePCM16(EncodePCM16(tone))

	require.Len(t, decoded, len(tone))
	for i := range tone {
		assert.InDelta(t, tone[i], decoded[i], 1.0/32768.0)
	}
}

func TestDecodePayload(t *testing.T) {
	raw := EncodePCM16([]float64{0.25, -0.25})
	encoded := []byte(base64.StdEncoding.EncodeToString(raw))

	assert.Equal(t, raw, DecodePayload(encoded))
	assert.Equal(t, raw, DecodePayload(raw), "non-base64 bytes pass through untouched")
}

func TestRMSAndZeroCrossing(t *testing.T) {
	assert.Equal(t, 0.0, RMS(nil))
	assert.InDelta(t, 0.5, RMS([]float64{0.5, -0.5, 0.5, -0.5}), 1e-12)

	// three sign flips over four samples
	assert.InDelta(t, 0.75, ZeroCrossingRate([]float64{0.5, -0.5, 0.5, -0.5}), 1e-12)
	assert.Equal(t, 0.0, ZeroCrossingRate([]float64{1}))
	assert.InDelta(t, 0.25, ZeroCrossingRate([]float64{0, 1, 1, 1}), 1e-12, "zero to positive counts as a change")
}

func TestMeanStdAndCV(t *testing.T) {
	mean, std := MeanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5.0, mean, 1e-12)
	assert.InDelta(t, 2.0, std, 1e-12, "population standard deviation")

	assert.Equal(t, 0.0, CoefficientOfVariation(nil))
	assert.Equal(t, 0.0, CoefficientOfVariation([]float64{0, 0}))
	assert.InDelta(t, 0.4, CoefficientOfVariation([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 1e-12)
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.3))
	assert.Equal(t, 1.0, Clamp01(1.7))
	assert.Equal(t, 0.0, Clamp01(math.NaN()))
	assert.Equal(t, 0.42, Clamp01(0.42))
}

func TestSplitEvenAndFrameRMS(t *testing.T) {
	windows := SplitEven(make([]float64, 105), 10)
	require.Len(t, windows, 10)
	assert.Len(t, windows[9], 10)
	assert.Nil(t, SplitEven(make([]float64, 5), 10))

	contour := FrameRMS(Tone(200, 0.5, 1, DefaultSampleRate), 2048, 512)
	assert.NotEmpty(t, contour)
	for _, v := range contour {
		assert.InDelta(t, 0.5/math.Sqrt2, v, 0.01)
	}
}

func TestSpectralExtractorTone(t *testing.T) {
	extractor := NewSpectralExtractor(DefaultSampleRate)
	features := extractor.Extract(Tone(1000, 0.5, 1, DefaultSampleRate))

	assert.Greater(t, features.Frames, 1)
	assert.InDelta(t, 1000, features.Centroid, 250)
	assert.InDelta(t, 1000, features.Rolloff, 250)
	assert.Len(t, features.MFCC, 13)

	empty := extractor.Extract(nil)
	assert.Equal(t, 0, empty.Frames)
	assert.Len(t, empty.MFCC, 13)
}

func TestDominantFrequency(t *testing.T) {
	assert.InDelta(t, 440, DominantFrequency(Tone(440, 0.5, 0.5, DefaultSampleRate), DefaultSampleRate), 2.5)
	assert.Equal(t, 0.0, DominantFrequency(nil, DefaultSampleRate))
}

func TestPitchTracker(t *testing.T) {
	tracker := NewPitchTracker(DefaultSampleRate)

	pitches := tracker.Track(Tone(220, 0.5, 1, DefaultSampleRate))
	require.NotEmpty(t, pitches)
	mean, std := MeanStd(pitches)
	assert.InDelta(t, 220, mean, 5)
	assert.Less(t, std, 5.0)

	assert.Empty(t, tracker.Track(make([]float64, DefaultSampleRate)), "silence carries no pitch")
}
