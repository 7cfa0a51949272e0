package config

// Capabilities selects the optional analysis backends. They are resolved
// once at startup; analyzers never probe for backends at call time.
type Capabilities struct {
	// SpeakerProfiles enables the spectral-profile diarizer
	SpeakerProfiles bool `json:"speaker_profiles" env:"ENABLE_SPEAKER_PROFILES" default:"true"`
	// PitchTracking enables autocorrelation pitch features for emotion analysis
	PitchTracking bool `json:"pitch_tracking" env:"ENABLE_PITCH_TRACKING" default:"true"`
	// SpectralFeatures enables FFT features for emotion and audio quality
	SpectralFeatures bool `json:"spectral_features" env:"ENABLE_SPECTRAL_FEATURES" default:"true"`
	// SecondaryVAD cross-checks the energy model with a frame threshold VAD
	SecondaryVAD bool `json:"secondary_vad" env:"ENABLE_SECONDARY_VAD" default:"true"`
}

// DefaultCapabilities enables every in-process backend
func DefaultCapabilities() Capabilities {
	return Capabilities{
		SpeakerProfiles:  true,
		PitchTracking:    true,
		SpectralFeatures: true,
		SecondaryVAD:     true,
	}
}

func loadCapabilities(c *Capabilities) {
	c.SpeakerProfiles = getEnvBool("ENABLE_SPEAKER_PROFILES", c.SpeakerProfiles)
	c.PitchTracking = getEnvBool("ENABLE_PITCH_TRACKING", c.PitchTracking)
	c.SpectralFeatures = getEnvBool("ENABLE_SPECTRAL_FEATURES", c.SpectralFeatures)
	c.SecondaryVAD = getEnvBool("ENABLE_SECONDARY_VAD", c.SecondaryVAD)
}

// Map reports the capabilities by name for health endpoints
func (c Capabilities) Map() map[string]bool {
	return map[string]bool{
		"speaker_profiles":  c.SpeakerProfiles,
		"pitch_tracking":    c.PitchTracking,
		"spectral_features": c.SpectralFeatures,
		"secondary_vad":     c.SecondaryVAD,
	}
}
