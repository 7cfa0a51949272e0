package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/audio"
)

// Suspicious indicator names raised per chunk
const (
	IndicatorLowEnergySpeech  = "low_energy_speech"
	IndicatorHighDistortion   = "high_distortion"
	IndicatorVADInconsistency = "vad_inconsistency"
)

// Config holds the voice activity thresholds
type Config struct {
	SampleRate      int     `yaml:"sample_rate" json:"sample_rate"`
	SpeechThreshold float64 `yaml:"speech_threshold" json:"speech_threshold"`
	WhisperEnergy   float64 `yaml:"whisper_energy" json:"whisper_energy"`
	DistortionZCR   float64 `yaml:"distortion_zcr" json:"distortion_zcr"`
	// BufferChunks bounds the raw chunk ring (about 30s of 512-sample chunks)
	BufferChunks int `yaml:"buffer_chunks" json:"buffer_chunks"`
	// MaxRecords bounds the per-chunk record history
	MaxRecords int `yaml:"max_records" json:"max_records"`
	// MaxSuspiciousEvents bounds retained suspicious events; the count keeps growing
	MaxSuspiciousEvents int `yaml:"max_suspicious_events" json:"max_suspicious_events"`
	NotifierQueue       int `yaml:"notifier_queue" json:"notifier_queue"`
}

// DefaultConfig returns the stock thresholds
func DefaultConfig() Config {
	return Config{
		SampleRate:          audio.DefaultSampleRate,
		SpeechThreshold:     0.5,
		WhisperEnergy:       0.01,
		DistortionZCR:       0.3,
		BufferChunks:        1000,
		MaxRecords:          20000,
		MaxSuspiciousEvents: 1000,
		NotifierQueue:       256,
	}
}

// Backends are the pluggable detectors; either may be nil
type Backends struct {
	Primary   SpeechModel
	Secondary BinaryVAD
}

// VoiceActivityRecord is the analysis of one chunk. Records are never
// mutated after creation.
type VoiceActivityRecord struct {
	IsSpeech          bool    `json:"is_speech"`
	Probability       float64 `json:"speech_probability"`
	SecondaryDetected bool    `json:"secondary_detected"`
	RMSEnergy         float64 `json:"rms_energy"`
	ZeroCrossingRate  float64 `json:"zero_crossing_rate"`
	Duration          float64 `json:"audio_length_seconds"`
	// Offset is the session audio time at which the chunk starts
	Offset    float64   `json:"offset_seconds"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SuspiciousEvent is a chunk whose raw characteristics tripped a heuristic
type SuspiciousEvent struct {
	Timestamp  time.Time           `json:"timestamp"`
	Indicators []string            `json:"indicators"`
	Record     VoiceActivityRecord `json:"analysis"`
}

// Summary describes the processor's session so far
type Summary struct {
	Active                  bool              `json:"active"`
	Error                   string            `json:"error,omitempty"`
	SessionID               string            `json:"session_id,omitempty"`
	SessionDuration         float64           `json:"session_duration_seconds"`
	TotalSpeechTime         float64           `json:"total_speech_time"`
	TotalSilenceTime        float64           `json:"total_silence_time"`
	SpeechRatio             float64           `json:"speech_ratio"`
	TotalSpeechEvents       int64             `json:"total_speech_events"`
	ChunksProcessed         int64             `json:"chunks_processed"`
	SuspiciousEventsCount   int64             `json:"suspicious_events_count"`
	SuspiciousEvents        []SuspiciousEvent `json:"suspicious_events"`
	AverageSpeechConfidence float64           `json:"average_speech_confidence"`
	BackendFailures         int64             `json:"backend_failures"`
	ModelsAvailable         map[string]bool   `json:"models_available"`
}

// VoiceActivityProcessor runs voice activity detection on each chunk and
// tracks cumulative speech and silence for one session.
type VoiceActivityProcessor struct {
	logger   *logrus.Entry
	config   Config
	backends Backends
	notifier *Notifier

	mutex     sync.RWMutex
	sessionID string
	active    bool
	startTime time.Time

	chunks     *Ring[[]byte]
	records    *Ring[VoiceActivityRecord]
	suspicious *Ring[SuspiciousEvent]

	totalSpeechTime  float64
	totalSilenceTime float64
	chunksProcessed  int64
	speechEvents     int64
	speechConfidence float64
	suspiciousCount  int64
	backendFailures  int64
}

// NewVoiceActivityProcessor creates a processor over the given backends
func NewVoiceActivityProcessor(cfg Config, backends Backends, logger *logrus.Logger) *VoiceActivityProcessor {
	defaults := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaults.SampleRate
	}
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = defaults.SpeechThreshold
	}
	if cfg.BufferChunks <= 0 {
		cfg.BufferChunks = defaults.BufferChunks
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = defaults.MaxRecords
	}
	if cfg.MaxSuspiciousEvents <= 0 {
		cfg.MaxSuspiciousEvents = defaults.MaxSuspiciousEvents
	}

	p := &VoiceActivityProcessor{
		logger:     logger.WithField("component", "voice_activity"),
		config:     cfg,
		backends:   backends,
		notifier:   NewNotifier(cfg.NotifierQueue, logger),
		chunks:     NewRing[[]byte](cfg.BufferChunks),
		records:    NewRing[VoiceActivityRecord](cfg.MaxRecords),
		suspicious: NewRing[SuspiciousEvent](cfg.MaxSuspiciousEvents),
	}

	p.logger.WithFields(logrus.Fields{
		"primary":     backendName(backends.Primary),
		"secondary":   backendName(backends.Secondary),
		"sample_rate": cfg.SampleRate,
	}).Debug("Voice activity processor created")

	return p
}

func backendName(b interface{ Name() string }) string {
	if b == nil {
		return "none"
	}
	return b.Name()
}

// Subscribe registers an observer for processor events
func (p *VoiceActivityProcessor) Subscribe(observer Observer) func() {
	return p.notifier.Subscribe(observer)
}

// Notifier exposes the processor's event fan-out
func (p *VoiceActivityProcessor) Notifier() *Notifier {
	return p.notifier
}

// SampleRate returns the rate chunks are interpreted at
func (p *VoiceActivityProcessor) SampleRate() int {
	return p.config.SampleRate
}

// StartSession marks the processor active for sessionID
func (p *VoiceActivityProcessor) StartSession(sessionID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.sessionID = sessionID
	p.active = true
	if p.startTime.IsZero() {
		p.startTime = time.Now()
	}
	p.logger.WithField("session_id", sessionID).Info("Starting voice processing")
}

// IsActive reports whether a session is running
func (p *VoiceActivityProcessor) IsActive() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.active
}

// AnalyzeChunk decodes one 16-bit PCM chunk and returns its activity record.
// It never fails: an unavailable or failing primary backend yields speech
// probability 0 while energy and zero-crossing rate stay valid.
func (p *VoiceActivityProcessor) AnalyzeChunk(raw []byte) VoiceActivityRecord {
	samples := audio.DecodePCM16(raw)

	probability, primaryErr := p.primaryProbability(samples)
	secondary, secondaryErr := p.secondaryDecision(raw)

	record := VoiceActivityRecord{
		Probability:       probability,
		IsSpeech:          probability > p.config.SpeechThreshold,
		SecondaryDetected: secondary,
		RMSEnergy:         audio.RMS(samples),
		ZeroCrossingRate:  audio.ZeroCrossingRate(samples),
		Duration:          audio.Duration(len(samples), p.config.SampleRate),
		Timestamp:         time.Now().UTC(),
	}

	p.mutex.Lock()
	record.SessionID = p.sessionID
	record.Offset = p.totalSpeechTime + p.totalSilenceTime

	if primaryErr != nil || secondaryErr != nil {
		p.backendFailures++
	}
	if record.IsSpeech {
		p.totalSpeechTime += record.Duration
		p.speechEvents++
		p.speechConfidence += record.Probability
	} else {
		p.totalSilenceTime += record.Duration
	}
	p.chunksProcessed++

	chunk := make([]byte, len(raw))
	copy(chunk, raw)
	p.chunks.Push(chunk)
	p.records.Push(record)

	indicators := p.detectSuspiciousPatterns(record)
	var event *SuspiciousEvent
	if len(indicators) > 0 {
		event = &SuspiciousEvent{Timestamp: record.Timestamp, Indicators: indicators, Record: record}
		p.suspicious.Push(*event)
		p.suspiciousCount++
	}
	sessionID := p.sessionID
	p.mutex.Unlock()

	if primaryErr != nil {
		p.ReportError(primaryErr)
	}
	if secondaryErr != nil {
		p.ReportError(secondaryErr)
	}
	if event != nil {
		p.notifier.Publish(Event{Type: EventSuspiciousPattern, SessionID: sessionID, Data: *event})
	}
	p.notifier.Publish(Event{Type: EventVoiceAnalysis, SessionID: sessionID, Data: record})

	return record
}

func (p *VoiceActivityProcessor) primaryProbability(samples []float64) (probability float64, err error) {
	if p.backends.Primary == nil {
		return 0, nil
	}
	defer func() {
		if r := recover(); r != nil {
			probability, err = 0, fmt.Errorf("%s speech model panic: %v", p.backends.Primary.Name(), r)
		}
	}()

	probability, err = p.backends.Primary.SpeechProbability(samples, p.config.SampleRate)
	if err != nil {
		return 0, fmt.Errorf("%s speech model: %w", p.backends.Primary.Name(), err)
	}
	return audio.Clamp01(probability), nil
}

func (p *VoiceActivityProcessor) secondaryDecision(raw []byte) (detected bool, err error) {
	if p.backends.Secondary == nil {
		return false, nil
	}
	defer func() {
		if r := recover(); r != nil {
			detected, err = false, fmt.Errorf("%s vad panic: %v", p.backends.Secondary.Name(), r)
		}
	}()

	detected, err = p.backends.Secondary.IsSpeech(raw, p.config.SampleRate)
	if err != nil {
		return false, fmt.Errorf("%s vad: %w", p.backends.Secondary.Name(), err)
	}
	return detected, nil
}

// detectSuspiciousPatterns must be called with the mutex held
func (p *VoiceActivityProcessor) detectSuspiciousPatterns(record VoiceActivityRecord) []string {
	var indicators []string

	// whispering
	if record.IsSpeech && record.RMSEnergy < p.config.WhisperEnergy {
		indicators = append(indicators, IndicatorLowEnergySpeech)
	}
	// distorted or replayed audio
	if record.ZeroCrossingRate > p.config.DistortionZCR {
		indicators = append(indicators, IndicatorHighDistortion)
	}
	if p.backends.Secondary != nil && record.IsSpeech != record.SecondaryDetected {
		indicators = append(indicators, IndicatorVADInconsistency)
	}
	return indicators
}

// ReportError publishes a processing_error event for the current session
func (p *VoiceActivityProcessor) ReportError(err error) {
	if err == nil {
		return
	}
	p.mutex.RLock()
	sessionID := p.sessionID
	p.mutex.RUnlock()

	p.logger.WithError(err).WithField("session_id", sessionID).Warn("Voice processing error")
	p.notifier.Publish(Event{
		Type:      EventProcessingError,
		SessionID: sessionID,
		Data:      map[string]interface{}{"error": err.Error()},
	})
}

// Records returns the retained per-chunk records in arrival order
func (p *VoiceActivityProcessor) Records() []VoiceActivityRecord {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.records.All()
}

// RecentRecords returns records overlapping the last seconds of session audio
func (p *VoiceActivityProcessor) RecentRecords(seconds float64) []VoiceActivityRecord {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	all := p.records.All()
	cutoff := p.totalSpeechTime + p.totalSilenceTime - seconds
	i := len(all)
	for i > 0 && all[i-1].Offset+all[i-1].Duration > cutoff {
		i--
	}
	return all[i:]
}

// BufferedChunks returns the number of raw chunks in the ring
func (p *VoiceActivityProcessor) BufferedChunks() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.chunks.Len()
}

// BufferCapacity returns the raw chunk ring capacity
func (p *VoiceActivityProcessor) BufferCapacity() int {
	return p.chunks.Cap()
}

// SuspiciousEvents returns the retained suspicious events
func (p *VoiceActivityProcessor) SuspiciousEvents() []SuspiciousEvent {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.suspicious.All()
}

// Summary returns the session summary. It is safe to call at any time and
// reports zeros before a session has started.
func (p *VoiceActivityProcessor) Summary() Summary {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	summary := Summary{
		Active:          p.active,
		SessionID:       p.sessionID,
		ModelsAvailable: p.modelsAvailable(),
	}
	if p.startTime.IsZero() {
		summary.Error = "No active session"
		summary.SuspiciousEvents = []SuspiciousEvent{}
		return summary
	}

	duration := time.Since(p.startTime).Seconds()
	summary.SessionDuration = duration
	summary.TotalSpeechTime = p.totalSpeechTime
	summary.TotalSilenceTime = p.totalSilenceTime
	summary.TotalSpeechEvents = p.speechEvents
	summary.ChunksProcessed = p.chunksProcessed
	summary.SuspiciousEventsCount = p.suspiciousCount
	summary.SuspiciousEvents = p.suspicious.All()
	if summary.SuspiciousEvents == nil {
		summary.SuspiciousEvents = []SuspiciousEvent{}
	}
	summary.BackendFailures = p.backendFailures

	// audio can arrive faster than real time, so never divide by less than
	// the audio already seen
	span := duration
	if audioTime := p.totalSpeechTime + p.totalSilenceTime; audioTime > span {
		span = audioTime
	}
	if span > 0 {
		summary.SpeechRatio = audio.Clamp01(p.totalSpeechTime / span)
	}
	if p.speechEvents > 0 {
		summary.AverageSpeechConfidence = p.speechConfidence / float64(p.speechEvents)
	}
	return summary
}

func (p *VoiceActivityProcessor) modelsAvailable() map[string]bool {
	models := map[string]bool{
		"primary":   p.backends.Primary != nil,
		"secondary": p.backends.Secondary != nil,
	}
	if p.backends.Primary != nil {
		models[p.backends.Primary.Name()] = true
	}
	if p.backends.Secondary != nil {
		models[p.backends.Secondary.Name()] = true
	}
	return models
}

// StopSession marks the processor inactive and publishes processing_stopped
// with the final summary
func (p *VoiceActivityProcessor) StopSession() Summary {
	p.mutex.Lock()
	p.active = false
	sessionID := p.sessionID
	p.mutex.Unlock()

	summary := p.Summary()
	p.notifier.Publish(Event{Type: EventProcessingStopped, SessionID: sessionID, Data: summary})
	p.logger.WithField("session_id", sessionID).Info("Voice processing stopped")
	return summary
}

// Reset clears all session state so the processor can serve a new session
func (p *VoiceActivityProcessor) Reset() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.chunks.Clear()
	p.records.Clear()
	p.suspicious.Clear()
	p.totalSpeechTime = 0
	p.totalSilenceTime = 0
	p.chunksProcessed = 0
	p.speechEvents = 0
	p.speechConfidence = 0
	p.suspiciousCount = 0
	p.backendFailures = 0
	p.startTime = time.Time{}
	p.sessionID = ""
	p.active = false
}

// Close drains pending observer notifications
func (p *VoiceActivityProcessor) Close() {
	p.notifier.Close()
}
