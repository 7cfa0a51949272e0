package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/integrity"
)

// Config holds voice session parameters
type Config struct {
	SampleRate            int           `yaml:"sample_rate" json:"sample_rate"`
	AnalysisInterval      time.Duration `yaml:"analysis_interval" json:"analysis_interval"`
	AnalysisWindow        float64       `yaml:"analysis_window_seconds" json:"analysis_window_seconds"`
	MinAnalysisSeconds    float64       `yaml:"min_analysis_seconds" json:"min_analysis_seconds"`
	BufferSeconds         float64       `yaml:"buffer_seconds" json:"buffer_seconds"`
	ReportingThreshold    float64       `yaml:"reporting_threshold" json:"reporting_threshold"`
	RiskHistorySize       int           `yaml:"risk_history_size" json:"risk_history_size"`
	SummaryRiskEntries    int           `yaml:"summary_risk_entries" json:"summary_risk_entries"`
	MaxTranscriptionBytes int           `yaml:"max_transcription_bytes" json:"max_transcription_bytes"`
	SummaryHistory        int           `yaml:"summary_history" json:"summary_history"`
}

// DefaultConfig analyzes the last ten seconds every ten seconds
func DefaultConfig() Config {
	return Config{
		SampleRate:            16000,
		AnalysisInterval:      10 * time.Second,
		AnalysisWindow:        10,
		MinAnalysisSeconds:    1,
		BufferSeconds:         30,
		ReportingThreshold:    0.5,
		RiskHistorySize:       100,
		SummaryRiskEntries:    10,
		MaxTranscriptionBytes: 20000,
		SummaryHistory:        1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.AnalysisInterval <= 0 {
		c.AnalysisInterval = d.AnalysisInterval
	}
	if c.AnalysisWindow <= 0 {
		c.AnalysisWindow = d.AnalysisWindow
	}
	if c.MinAnalysisSeconds <= 0 {
		c.MinAnalysisSeconds = d.MinAnalysisSeconds
	}
	if c.BufferSeconds < c.AnalysisWindow {
		c.BufferSeconds = c.AnalysisWindow
	}
	if c.ReportingThreshold <= 0 {
		c.ReportingThreshold = d.ReportingThreshold
	}
	if c.RiskHistorySize <= 0 {
		c.RiskHistorySize = d.RiskHistorySize
	}
	if c.SummaryRiskEntries <= 0 {
		c.SummaryRiskEntries = d.SummaryRiskEntries
	}
	if c.MaxTranscriptionBytes <= 0 {
		c.MaxTranscriptionBytes = d.MaxTranscriptionBytes
	}
	if c.SummaryHistory <= 0 {
		c.SummaryHistory = d.SummaryHistory
	}
	return c
}

// Dependencies are the collaborators shared by every session. Only
// Pipeline is required.
type Dependencies struct {
	Pipeline  *integrity.Pipeline
	Alerts    Alerter
	Recorder  Recorder
	Store     SummaryStore
	Publisher SummaryPublisher
}

// Manager is the registry of live voice sessions
type Manager struct {
	logger   *logrus.Logger
	entry    *logrus.Entry
	config   Config
	interval atomic.Int64
	deps     Dependencies
	sessions map[string]*VoiceSession
	mutex    sync.RWMutex
	shutdown atomic.Bool
}

// NewManager creates a session manager. Summaries are kept in memory
// when no store is given.
func NewManager(config Config, deps Dependencies, logger *logrus.Logger) *Manager {
	config = config.withDefaults()
	if deps.Store == nil {
		deps.Store = NewMemorySummaryStore(config.SummaryHistory)
	}

	m := &Manager{
		logger:   logger,
		entry:    logger.WithField("component", "session_manager"),
		config:   config,
		deps:     deps,
		sessions: make(map[string]*VoiceSession),
	}
	m.interval.Store(int64(config.AnalysisInterval))

	m.entry.WithFields(logrus.Fields{
		"analysis_interval": config.AnalysisInterval,
		"analysis_window":   config.AnalysisWindow,
		"summary_store":     deps.Store.Name(),
	}).Info("Session manager initialized")
	return m
}

// StartSession registers and activates a session. Starting an ID that is
// already live fails without touching the existing session.
func (m *Manager) StartSession(sessionID string, opts Options, sink Sink) (*VoiceSession, error) {
	if sessionID == "" {
		return nil, errors.NewInvalidInput("session id is required")
	}
	if m.shutdown.Load() {
		return nil, errors.Wrap(errors.ErrUnavailable, "session manager is shutting down")
	}

	m.mutex.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mutex.Unlock()
		return nil, errors.NewSessionAlreadyActive(sessionID)
	}
	cfg := m.config
	cfg.AnalysisInterval = m.AnalysisInterval()
	s := newVoiceSession(sessionID, opts, cfg, dependencies{
		pipeline: m.deps.Pipeline,
		alerter:  m.deps.Alerts,
		recorder: m.deps.Recorder,
	}, sink, m.logger)
	m.sessions[sessionID] = s
	m.mutex.Unlock()

	if err := s.Start(); err != nil {
		m.remove(s)
		return nil, err
	}
	return s, nil
}

// Get returns a live session
func (m *Manager) Get(sessionID string) (*VoiceSession, error) {
	m.mutex.RLock()
	s, ok := m.sessions[sessionID]
	m.mutex.RUnlock()
	if !ok {
		return nil, errors.NewSessionNotFound(sessionID)
	}
	return s, nil
}

// ProcessChunk routes one PCM chunk to its session
func (m *Manager) ProcessChunk(sessionID string, raw []byte) (ChunkResult, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return ChunkResult{}, err
	}
	return s.ProcessChunk(raw)
}

// AppendTranscription routes transcript text to its session
func (m *Manager) AppendTranscription(sessionID, text string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return s.AppendTranscription(text)
}

// StopSession stops a session, removes it from the registry and persists
// its summary. Persistence failures are logged; the summary is still
// returned.
func (m *Manager) StopSession(ctx context.Context, sessionID string) (*Summary, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	summary, err := s.Stop()
	m.remove(s)
	if err != nil {
		return nil, err
	}

	m.persist(ctx, summary)
	return summary, nil
}

func (m *Manager) remove(s *VoiceSession) {
	m.mutex.Lock()
	if current, ok := m.sessions[s.ID()]; ok && current == s {
		delete(m.sessions, s.ID())
	}
	m.mutex.Unlock()
}

func (m *Manager) persist(ctx context.Context, summary *Summary) {
	logger := m.entry.WithField("session_id", summary.SessionID)

	if err := m.deps.Store.Save(ctx, summary); err != nil {
		logger.WithError(err).Error("Failed to store session summary")
	}
	if m.deps.Recorder != nil {
		if err := m.deps.Recorder.SaveSummary(ctx, summaryRecord(summary)); err != nil {
			logger.WithError(err).Error("Failed to record session summary")
		}
	}
	if m.deps.Publisher != nil {
		if err := m.deps.Publisher.PublishSessionSummary(ctx, summary.SessionID, summary); err != nil {
			logger.WithError(err).Warn("Failed to publish session summary")
		}
	}
}

// Summary returns the stored summary of a stopped session
func (m *Manager) Summary(ctx context.Context, sessionID string) (*Summary, error) {
	summary, err := m.deps.Store.Get(ctx, sessionID)
	if err != nil {
		if errors.IsErrorType(err, errors.ErrNotFound) {
			return nil, errors.NewSessionNotFound(sessionID)
		}
		return nil, err
	}
	return summary, nil
}

// RecentSummaries returns the newest stored summaries
func (m *Manager) RecentSummaries(ctx context.Context, limit int) ([]*Summary, error) {
	return m.deps.Store.Recent(ctx, limit)
}

// ActiveSessions reports every live session's status
func (m *Manager) ActiveSessions() map[string]interface{} {
	m.mutex.RLock()
	live := make([]*VoiceSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mutex.RUnlock()

	statuses := make(map[string]Status, len(live))
	for _, s := range live {
		statuses[s.ID()] = s.Status()
	}
	return map[string]interface{}{
		"active_session_count": len(statuses),
		"sessions":             statuses,
	}
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

// AnalysisInterval returns the interval applied to new sessions
func (m *Manager) AnalysisInterval() time.Duration {
	return time.Duration(m.interval.Load())
}

// SetAnalysisInterval changes the interval for sessions started afterwards
func (m *Manager) SetAnalysisInterval(interval time.Duration) error {
	if interval <= 0 {
		return errors.NewInvalidInput("analysis interval must be positive",
			map[string]interface{}{"interval": interval.String()})
	}
	m.interval.Store(int64(interval))
	m.entry.WithField("interval", interval).Info("Analysis interval updated")
	return nil
}

// Config returns the session configuration with the current interval
func (m *Manager) Config() Config {
	cfg := m.config
	cfg.AnalysisInterval = m.AnalysisInterval()
	return cfg
}

// Health checks the summary store
func (m *Manager) Health(ctx context.Context) error {
	return m.deps.Store.Health(ctx)
}

// Shutdown stops every live session and persists their summaries
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdown.Store(true)

	m.mutex.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mutex.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := m.StopSession(ctx, id); err != nil && !errors.IsErrorType(err, errors.ErrSessionNotFound) {
				m.entry.WithError(err).WithField("session_id", id).Warn("Failed to stop session during shutdown")
			}
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.entry.WithField("stopped", len(ids)).Info("Session manager shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
