package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"strings"
)

// DefaultSampleRate is the conventional capture rate for voice sessions
const DefaultSampleRate = 16000

const pcm16Scale = 32768.0

// DecodePCM16 converts little-endian signed 16-bit PCM into samples in [-1, 1).
// A trailing odd byte is ignored.
func DecodePCM16(raw []byte) []float64 {
	samples := make([]float64, len(raw)/2)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / pcm16Scale
	}
	return samples
}

// EncodePCM16 converts normalized samples back to little-endian 16-bit PCM
func EncodePCM16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(s * pcm16Scale)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// DecodePayload returns the base64-decoded bytes of payload when it is valid
// standard base64, and the payload bytes unchanged otherwise.
func DecodePayload(payload []byte) []byte {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return payload
	}
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		return decoded
	}
	return payload
}

// Duration returns the length in seconds of n samples at sampleRate
func Duration(n, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(n) / float64(sampleRate)
}

// Tone synthesizes a sine wave, used for calibration and fixtures
func Tone(freqHz, amplitude float64, seconds float64, sampleRate int) []float64 {
	n := int(seconds * float64(sampleRate))
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
	}
	return samples
}
