package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"voice-integrity-server/pkg/audio"
	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/integrity"
	"voice-integrity-server/pkg/metrics"
	"voice-integrity-server/pkg/realtime"
	"voice-integrity-server/pkg/telemetry/tracing"
)

// State is a voice session's lifecycle position
type State int32

const (
	StateCreated State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Outbound message types
const (
	MessageSessionStarted = "voice_session_started"
	MessageSessionStopped = "voice_session_stopped"
	MessageSessionError   = "voice_session_error"
	MessageActivity       = "voice_activity"
	MessageWarning        = "voice_warning"
	MessageAnalysisUpdate = "voice_analysis_update"
)

// Message is pushed to the client owning a session
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Sink receives a session's outbound messages
type Sink interface {
	Send(msg Message) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(msg Message) error

// Send calls f(msg)
func (f SinkFunc) Send(msg Message) error { return f(msg) }

// Options identify who a session belongs to
type Options struct {
	UserID         string `json:"user_id,omitempty"`
	OrganizationID string `json:"org_id,omitempty"`
	SampleRate     int    `json:"sample_rate,omitempty"`
}

// ChunkResult acknowledges one processed chunk
type ChunkResult struct {
	Status     string  `json:"status"`
	ChunkSize  int     `json:"chunk_size"`
	IsSpeech   bool    `json:"is_speech"`
	Confidence float64 `json:"confidence"`
}

// Status is the live view of a session
type Status struct {
	State                string     `json:"state"`
	StartTime            *time.Time `json:"start_time"`
	AudioChunksProcessed int64      `json:"audio_chunks_processed"`
	AlertsGenerated      int64      `json:"alerts_generated"`
	CurrentRiskScore     float64    `json:"current_risk_score"`
	BufferedSeconds      float64    `json:"buffered_seconds"`
}

type dependencies struct {
	pipeline *integrity.Pipeline
	alerter  Alerter
	recorder Recorder
}

// VoiceSession owns the audio buffer, voice activity processor and
// histories of one test taker. Periodic analysis cycles run one at a time.
type VoiceSession struct {
	id     string
	opts   Options
	config Config
	deps   dependencies
	sink   Sink
	logger *logrus.Entry

	state     atomic.Int32
	startOnce sync.Once
	startTime time.Time

	processor   *realtime.VoiceActivityProcessor
	unsubscribe func()
	scope       *tracing.SessionScope
	endTimer    func()

	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	cycleMutex sync.Mutex

	mutex           sync.Mutex
	buffer          *realtime.SampleBuffer
	transcription   []byte
	chunksProcessed int64
	alertsGenerated int64
	currentRisk     float64
	riskHistory     *realtime.Ring[RiskEntry]
	counts          AnalysisCounts
	failedCycles    int
	lastResult      *integrity.Result
}

func newVoiceSession(id string, opts Options, config Config, deps dependencies, sink Sink, logger *logrus.Logger) *VoiceSession {
	if opts.SampleRate <= 0 {
		opts.SampleRate = config.SampleRate
	}
	if sink == nil {
		sink = SinkFunc(func(Message) error { return nil })
	}

	voiceConfig := deps.pipeline.VoiceConfig()
	voiceConfig.SampleRate = opts.SampleRate

	s := &VoiceSession{
		id:          id,
		opts:        opts,
		config:      config,
		deps:        deps,
		sink:        sink,
		logger:      logger.WithFields(logrus.Fields{"component": "voice_session", "session_id": id}),
		processor:   realtime.NewVoiceActivityProcessor(voiceConfig, deps.pipeline.VoiceBackends(), logger),
		done:        make(chan struct{}),
		buffer:      realtime.NewSampleBuffer(config.BufferSeconds, opts.SampleRate),
		riskHistory: realtime.NewRing[RiskEntry](config.RiskHistorySize),
	}
	s.state.Store(int32(StateCreated))
	return s
}

// ID returns the session identifier
func (s *VoiceSession) ID() string { return s.id }

// State returns the lifecycle state
func (s *VoiceSession) State() State { return State(s.state.Load()) }

// Start activates the session and launches the periodic analysis task.
// Starting an active session is a no-op.
func (s *VoiceSession) Start() error {
	if s.State() == StateStopped {
		return errors.Wrap(errors.ErrSessionStopped, "voice session stopped").WithField("session_id", s.id)
	}
	s.startOnce.Do(s.activate)
	return nil
}

// activate runs at most once and never concurrently with Stop, which
// consumes startOnce before changing state
func (s *VoiceSession) activate() {
	if s.State() != StateCreated {
		return
	}
	s.startTime = time.Now().UTC()
	s.scope = tracing.StartSessionScope(context.Background(), s.id,
		attribute.String("user.id", s.opts.UserID),
		attribute.Int("audio.sample_rate", s.opts.SampleRate))
	s.ctx, s.cancel = context.WithCancel(s.scope.Context())
	s.endTimer = metrics.StartSessionTimer()

	s.processor.StartSession(s.id)
	s.unsubscribe = s.processor.Subscribe(realtime.ObserverFunc(s.onVoiceEvent))
	s.state.Store(int32(StateActive))

	go s.periodicAnalysis(s.ctx)

	s.send(Message{Type: MessageSessionStarted, Data: map[string]interface{}{
		"session_id": s.id,
		"timestamp":  s.startTime,
		"status":     StateActive.String(),
	}})
	s.logger.Info("Voice session started")
}

// ProcessChunk runs the per-chunk fast path on one 16-bit PCM chunk. A
// created session becomes active on its first chunk.
func (s *VoiceSession) ProcessChunk(raw []byte) (ChunkResult, error) {
	if err := s.Start(); err != nil {
		return ChunkResult{}, err
	}
	start := time.Now()

	record := s.processor.AnalyzeChunk(raw)
	samples := audio.DecodePCM16(raw)

	s.mutex.Lock()
	if s.State() == StateStopped {
		s.mutex.Unlock()
		return ChunkResult{}, errors.Wrap(errors.ErrSessionStopped, "voice session stopped").WithField("session_id", s.id)
	}
	s.buffer.Write(samples)
	s.chunksProcessed++
	s.mutex.Unlock()

	s.send(Message{Type: MessageActivity, Data: map[string]interface{}{
		"is_speech":  record.IsSpeech,
		"confidence": record.Probability,
		"energy":     record.RMSEnergy,
		"timestamp":  record.Timestamp,
	}})
	metrics.RecordChunk(record.IsSpeech, time.Since(start))

	return ChunkResult{
		Status:     "processed",
		ChunkSize:  len(raw),
		IsSpeech:   record.IsSpeech,
		Confidence: record.Probability,
	}, nil
}

// AppendTranscription adds text to the transcript analyzed by later cycles.
// Only the most recent MaxTranscriptionBytes are kept.
func (s *VoiceSession) AppendTranscription(text string) error {
	if s.State() == StateStopped {
		return errors.Wrap(errors.ErrSessionStopped, "voice session stopped").WithField("session_id", s.id)
	}
	if text == "" {
		return nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(s.transcription) > 0 {
		s.transcription = append(s.transcription, ' ')
	}
	s.transcription = append(s.transcription, text...)
	if over := len(s.transcription) - s.config.MaxTranscriptionBytes; over > 0 {
		s.transcription = append(s.transcription[:0], s.transcription[over:]...)
	}
	return nil
}

func (s *VoiceSession) onVoiceEvent(event realtime.Event) {
	if event.Type != realtime.EventSuspiciousPattern {
		return
	}
	suspicious, ok := event.Data.(realtime.SuspiciousEvent)
	if !ok {
		return
	}
	s.send(Message{Type: MessageWarning, Data: map[string]interface{}{
		"indicators": suspicious.Indicators,
		"timestamp":  suspicious.Timestamp,
		"severity":   "medium",
	}})
}

func (s *VoiceSession) periodicAnalysis(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.AnalysisInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// RunCycle runs one analysis cycle immediately. It is serialized with the
// periodic cycles and reports whether the cycle committed results.
func (s *VoiceSession) RunCycle() bool {
	if s.State() != StateActive {
		return false
	}
	return s.runCycle(s.ctx)
}

func (s *VoiceSession) runCycle(ctx context.Context) bool {
	s.cycleMutex.Lock()
	defer s.cycleMutex.Unlock()

	if ctx.Err() != nil {
		return false
	}

	s.mutex.Lock()
	if s.buffer.Seconds() < s.config.MinAnalysisSeconds {
		s.mutex.Unlock()
		return false
	}
	window := s.buffer.Window(s.config.AnalysisWindow)
	transcription := string(s.transcription)
	s.mutex.Unlock()

	voice := s.processor.Summary()
	done := metrics.ObserveAnalysisCycle()
	result, err := s.deps.pipeline.AnalyzeSession(ctx, integrity.Request{
		SessionID:     s.id,
		Audio:         window,
		Transcription: transcription,
		SampleRate:    s.opts.SampleRate,
		Voice:         &voice,
		Records:       s.processor.RecentRecords(s.config.AnalysisWindow),
	})
	done()

	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.mutex.Lock()
		s.failedCycles++
		s.mutex.Unlock()
		s.logger.WithError(err).Error("Analysis cycle failed")
		return false
	}

	if !s.commit(ctx, &result) {
		return false
	}
	s.report(ctx, &result)
	return true
}

// commit applies a cycle's results unless the session was cancelled
// while the cycle ran
func (s *VoiceSession) commit(ctx context.Context, result *integrity.Result) bool {
	p := result.Prediction
	top := p.ContributingFactors
	if len(top) > 3 {
		top = top[:3]
	}

	s.mutex.Lock()
	if ctx.Err() != nil {
		s.mutex.Unlock()
		return false
	}
	s.currentRisk = p.RiskScore
	s.riskHistory.Push(RiskEntry{
		Timestamp:           p.Timestamp,
		RiskScore:           p.RiskScore,
		Probability:         p.Probability,
		IsCheating:          p.IsCheating,
		ContributingFactors: top,
		ModelUsed:           p.ModelUsed,
		FailedAnalyzers:     result.Detailed.Failed,
	})
	failed := make(map[string]bool, len(result.Detailed.Failed))
	for _, name := range result.Detailed.Failed {
		failed[name] = true
	}
	if !failed[integrity.AnalyzerBehavioral] {
		s.counts.Behavioral++
	}
	if !failed[integrity.AnalyzerSpeaker] {
		s.counts.Speaker++
	}
	if !failed[integrity.AnalyzerEmotion] {
		s.counts.Emotion++
	}
	s.counts.RiskAssessments++
	s.lastResult = result
	s.mutex.Unlock()

	s.scope.SetAttributes(attribute.Float64("integrity.risk_score", p.RiskScore))
	s.send(Message{Type: MessageAnalysisUpdate, Data: map[string]interface{}{
		"session_id":           s.id,
		"risk_score":           p.RiskScore,
		"probability":          p.Probability,
		"is_cheating":          p.IsCheating,
		"contributing_factors": top,
		"timestamp":            time.Now().UTC(),
	}})
	return true
}

// report raises at most one alert for the cycle and records flags for
// cycles over the reporting threshold
func (s *VoiceSession) report(ctx context.Context, result *integrity.Result) {
	p := result.Prediction

	if s.deps.alerter != nil && s.deps.alerter.ShouldAlert(p.Probability) {
		alert, err := s.deps.alerter.RaiseFor(ctx, p, s.opts.OrganizationID)
		if err != nil {
			s.logger.WithError(err).Warn("Alert delivery incomplete")
		}
		if alert != nil {
			s.mutex.Lock()
			s.alertsGenerated++
			s.mutex.Unlock()
			s.logger.WithFields(logrus.Fields{
				"probability": p.Probability,
				"severity":    alert.Severity,
			}).Warn("Cheating alert raised")
		}
	}

	if s.deps.recorder != nil && p.Probability >= s.config.ReportingThreshold {
		if _, err := s.deps.recorder.CreateFlag(ctx, s.opts.UserID, NewIntegrityFlag(s.id, result)); err != nil {
			s.logger.WithError(err).Error("Failed to record integrity flag")
		} else {
			metrics.RecordIntegrityFlag("voice_session")
		}
		if _, err := s.deps.recorder.CreateEvent(ctx, s.opts.UserID, NewAnalysisEvent(s.id, result)); err != nil {
			s.logger.WithError(err).Error("Failed to record integrity event")
		}
	}
}

// Stop cancels the periodic task, waits for any running cycle and returns
// the final summary. Only the first call succeeds.
func (s *VoiceSession) Stop() (*Summary, error) {
	s.startOnce.Do(func() {})
	prev := State(s.state.Swap(int32(StateStopped)))
	if prev == StateStopped {
		return nil, errors.Wrap(errors.ErrSessionStopped, "voice session already stopped").WithField("session_id", s.id)
	}

	if prev == StateActive {
		s.cancel()
		<-s.done
	}
	// an external RunCycle may still be reporting
	s.cycleMutex.Lock()
	defer s.cycleMutex.Unlock()

	voice := s.processor.StopSession()
	s.processor.Close()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	summary := s.summary(voice)
	if prev == StateActive {
		s.endTimer()
		s.scope.SetAttributes(attribute.Int64("session.alerts", summary.AlertsGenerated))
		s.scope.End(nil)
	}

	s.send(Message{Type: MessageSessionStopped, Data: map[string]interface{}{
		"session_id": s.id,
		"summary":    summary,
		"timestamp":  summary.EndTime,
	}})
	s.logger.WithFields(logrus.Fields{
		"chunks": summary.AudioChunksProcessed,
		"alerts": summary.AlertsGenerated,
	}).Info("Voice session stopped")
	return summary, nil
}

func (s *VoiceSession) summary(voice realtime.Summary) *Summary {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	end := time.Now().UTC()
	start := s.startTime
	if start.IsZero() {
		start = end
	}
	return &Summary{
		SessionID:             s.id,
		UserID:                s.opts.UserID,
		OrganizationID:        s.opts.OrganizationID,
		DurationSeconds:       end.Sub(start).Seconds(),
		StartTime:             start,
		EndTime:               end,
		AudioChunksProcessed:  s.chunksProcessed,
		AlertsGenerated:       s.alertsGenerated,
		FinalRiskScore:        s.currentRisk,
		VoiceProcessorSummary: voice,
		RiskHistory:           s.riskHistory.Last(s.config.SummaryRiskEntries),
		TotalVoiceEvents:      voice.ChunksProcessed,
		FailedCycles:          s.failedCycles,
		AnalysisCounts:        s.counts,
	}
}

// Status returns the live view of the session
func (s *VoiceSession) Status() Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	status := Status{
		State:                s.State().String(),
		AudioChunksProcessed: s.chunksProcessed,
		AlertsGenerated:      s.alertsGenerated,
		CurrentRiskScore:     s.currentRisk,
		BufferedSeconds:      s.buffer.Seconds(),
	}
	if !s.startTime.IsZero() {
		start := s.startTime
		status.StartTime = &start
	}
	return status
}

// RiskHistory returns retained risk entries, oldest first
func (s *VoiceSession) RiskHistory() []RiskEntry {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.riskHistory.All()
}

// LastResult returns the most recent committed cycle, if any
func (s *VoiceSession) LastResult() *integrity.Result {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastResult
}

func (s *VoiceSession) send(msg Message) {
	if err := s.sink.Send(msg); err != nil {
		s.logger.WithError(err).WithField("type", msg.Type).Debug("Failed to deliver session message")
	}
}
