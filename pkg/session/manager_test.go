package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-integrity-server/pkg/alerting"
	"voice-integrity-server/pkg/audio"
	"voice-integrity-server/pkg/behavioral"
	"voice-integrity-server/pkg/classifier"
	"voice-integrity-server/pkg/database"
	"voice-integrity-server/pkg/emotion"
	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/integrity"
	"voice-integrity-server/pkg/realtime"
	"voice-integrity-server/pkg/speaker"
)

const cheatingTranscript = "can you help me? the answer is option b"

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestPipeline(t *testing.T) *integrity.Pipeline {
	t.Helper()
	logger := testLogger()
	b, err := behavioral.NewAnalyzer(behavioral.DefaultConfig(), nil, nil, logger)
	require.NoError(t, err)

	p, err := integrity.NewPipeline(integrity.Analyzers{
		VoiceConfig:   realtime.DefaultConfig(),
		VoiceBackends: realtime.Backends{Primary: realtime.NewEnergySpeechModel()},
		Behavioral:    b,
		Speakers:      speaker.NewDetector(speaker.DefaultConfig(), nil, nil, logger),
		Emotions:      emotion.NewAnalyzer(emotion.DefaultConfig(), emotion.Backends{}, nil, logger),
		Classifier:    classifier.NewClassifier(classifier.DefaultConfig(), nil, logger),
	}, logger)
	require.NoError(t, err)
	return p
}

type countingAlerter struct {
	mutex     sync.Mutex
	threshold float64
	raised    []classifier.Prediction

	// entered and release, when set, hold RaiseFor open
	entered chan struct{}
	release chan struct{}
}

func (c *countingAlerter) ShouldAlert(p float64) bool { return p > c.threshold }

func (c *countingAlerter) RaiseFor(ctx context.Context, p classifier.Prediction, orgID string) (*alerting.IntegrityAlert, error) {
	if c.entered != nil {
		close(c.entered)
		<-c.release
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.raised = append(c.raised, p)
	return &alerting.IntegrityAlert{SessionID: p.SessionID, Severity: alerting.SeverityHigh}, nil
}

func (c *countingAlerter) count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.raised)
}

type memoryRecorder struct {
	mutex     sync.Mutex
	flags     []*database.IntegrityFlag
	events    []*database.IntegrityEvent
	summaries []*database.SessionSummaryRecord
}

func (m *memoryRecorder) CreateFlag(ctx context.Context, userID string, flag *database.IntegrityFlag) (*database.IntegrityFlag, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	flag.UserID = userID
	m.flags = append(m.flags, flag)
	return flag, nil
}

func (m *memoryRecorder) CreateEvent(ctx context.Context, userID string, event *database.IntegrityEvent) (*database.IntegrityEvent, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.events = append(m.events, event)
	return event, nil
}

func (m *memoryRecorder) SaveSummary(ctx context.Context, record *database.SessionSummaryRecord) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.summaries = append(m.summaries, record)
	return nil
}

type recordingPublisher struct {
	mutex    sync.Mutex
	sessions []string
}

func (r *recordingPublisher) PublishSessionSummary(ctx context.Context, sessionID string, summary interface{}) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.sessions = append(r.sessions, sessionID)
	return nil
}

type messageLog struct {
	mutex    sync.Mutex
	messages []Message
}

func (l *messageLog) Send(msg Message) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.messages = append(l.messages, msg)
	return nil
}

func (l *messageLog) types() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	out := make([]string, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.Type
	}
	return out
}

type fixture struct {
	manager   *Manager
	alerter   *countingAlerter
	recorder  *memoryRecorder
	publisher *recordingPublisher
	store     *MemorySummaryStore
}

func newFixture(t *testing.T, interval time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		alerter:   &countingAlerter{threshold: 0.7},
		recorder:  &memoryRecorder{},
		publisher: &recordingPublisher{},
		store:     NewMemorySummaryStore(10),
	}
	cfg := DefaultConfig()
	cfg.AnalysisInterval = interval
	f.manager = NewManager(cfg, Dependencies{
		Pipeline:  newTestPipeline(t),
		Alerts:    f.alerter,
		Recorder:  f.recorder,
		Store:     f.store,
		Publisher: f.publisher,
	}, testLogger())
	t.Cleanup(func() { f.manager.Shutdown(context.Background()) })
	return f
}

func speechChunk(seconds float64) []byte {
	return audio.EncodePCM16(audio.Tone(200, 0.5, seconds, audio.DefaultSampleRate))
}

// burstyChunk alternates loud and near silent one second tones
func burstyChunk(seconds int) []byte {
	var samples []float64
	for i := 0; i < seconds; i++ {
		amplitude := 0.8
		if i%2 == 1 {
			amplitude = 0.01
		}
		samples = append(samples, audio.Tone(200, amplitude, 1, audio.DefaultSampleRate)...)
	}
	return audio.EncodePCM16(samples)
}

func TestStartSessionRejectsDuplicate(t *testing.T) {
	f := newFixture(t, time.Hour)

	_, err := f.manager.StartSession("s1", Options{UserID: "u1"}, nil)
	require.NoError(t, err)
	_, err = f.manager.ProcessChunk("s1", speechChunk(0.1))
	require.NoError(t, err)

	_, err = f.manager.StartSession("s1", Options{UserID: "u2"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrSessionAlreadyActive))

	s, err := f.manager.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Status().AudioChunksProcessed)
	assert.Equal(t, StateActive, s.State())
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t, time.Hour)

	_, err := f.manager.ProcessChunk("missing", speechChunk(0.1))
	assert.True(t, errors.IsErrorType(err, errors.ErrSessionNotFound))

	_, err = f.manager.StopSession(context.Background(), "missing")
	assert.True(t, errors.IsErrorType(err, errors.ErrSessionNotFound))

	_, err = f.manager.Summary(context.Background(), "missing")
	assert.True(t, errors.IsErrorType(err, errors.ErrSessionNotFound))

	_, err = f.manager.StartSession("", Options{}, nil)
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidInput))
}

func TestProcessChunkSendsActivity(t *testing.T) {
	f := newFixture(t, time.Hour)
	sink := &messageLog{}

	_, err := f.manager.StartSession("s1", Options{}, sink)
	require.NoError(t, err)
	result, err := f.manager.ProcessChunk("s1", speechChunk(0.5))
	require.NoError(t, err)

	assert.Equal(t, "processed", result.Status)
	assert.Equal(t, 16000, result.ChunkSize)
	types := sink.types()
	require.NotEmpty(t, types)
	assert.Equal(t, MessageSessionStarted, types[0])
	assert.Contains(t, types, MessageActivity)
}

func TestRunCycleNeedsBufferedAudio(t *testing.T) {
	f := newFixture(t, time.Hour)

	s, err := f.manager.StartSession("s1", Options{}, nil)
	require.NoError(t, err)
	_, err = s.ProcessChunk(speechChunk(0.5))
	require.NoError(t, err)

	assert.False(t, s.RunCycle())
	assert.Empty(t, s.RiskHistory())
}

func TestRunCycleAlertsOncePerCycle(t *testing.T) {
	f := newFixture(t, time.Hour)
	sink := &messageLog{}

	s, err := f.manager.StartSession("s1", Options{UserID: "u1", OrganizationID: "org"}, sink)
	require.NoError(t, err)
	_, err = s.ProcessChunk(speechChunk(2))
	require.NoError(t, err)
	require.NoError(t, s.AppendTranscription(cheatingTranscript))

	require.True(t, s.RunCycle())
	assert.Equal(t, 1, f.alerter.count())

	require.True(t, s.RunCycle())
	assert.Equal(t, 2, f.alerter.count())

	status := s.Status()
	assert.Equal(t, int64(2), status.AlertsGenerated)
	assert.Greater(t, status.CurrentRiskScore, 0.7)

	history := s.RiskHistory()
	require.Len(t, history, 2)
	assert.True(t, history[0].IsCheating)
	assert.LessOrEqual(t, len(history[0].ContributingFactors), 3)
	assert.Contains(t, sink.types(), MessageAnalysisUpdate)

	f.recorder.mutex.Lock()
	assert.Len(t, f.recorder.flags, 2)
	assert.Len(t, f.recorder.events, 2)
	assert.Equal(t, "u1", f.recorder.flags[0].UserID)
	assert.Equal(t, database.FlagTypeVoiceCheating, f.recorder.flags[0].FlagType)
	f.recorder.mutex.Unlock()
}

func TestRunCycleBelowThresholdsRecordsNothing(t *testing.T) {
	alerter := &countingAlerter{threshold: 1}
	recorder := &memoryRecorder{}
	cfg := DefaultConfig()
	cfg.AnalysisInterval = time.Hour
	cfg.ReportingThreshold = 1.01
	m := NewManager(cfg, Dependencies{
		Pipeline: newTestPipeline(t),
		Alerts:   alerter,
		Recorder: recorder,
	}, testLogger())
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	s, err := m.StartSession("s1", Options{}, nil)
	require.NoError(t, err)
	_, err = s.ProcessChunk(speechChunk(2))
	require.NoError(t, err)
	require.NoError(t, s.AppendTranscription(cheatingTranscript))

	require.True(t, s.RunCycle())
	require.NotNil(t, s.LastResult())
	assert.Zero(t, alerter.count())
	assert.Zero(t, s.Status().AlertsGenerated)

	recorder.mutex.Lock()
	assert.Empty(t, recorder.flags)
	assert.Empty(t, recorder.events)
	recorder.mutex.Unlock()
}

func TestPeriodicAnalysisRuns(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)

	s, err := f.manager.StartSession("s1", Options{}, nil)
	require.NoError(t, err)
	_, err = s.ProcessChunk(speechChunk(1.5))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(s.RiskHistory()) > 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestStopSessionPersistsSummary(t *testing.T) {
	f := newFixture(t, time.Hour)
	sink := &messageLog{}
	ctx := context.Background()

	s, err := f.manager.StartSession("s1", Options{UserID: "u1"}, sink)
	require.NoError(t, err)
	_, err = s.ProcessChunk(speechChunk(2))
	require.NoError(t, err)
	require.NoError(t, s.AppendTranscription(cheatingTranscript))
	require.True(t, s.RunCycle())

	summary, err := f.manager.StopSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", summary.SessionID)
	assert.Equal(t, int64(1), summary.AudioChunksProcessed)
	assert.Equal(t, int64(1), summary.AlertsGenerated)
	assert.Equal(t, 1, summary.AnalysisCounts.RiskAssessments)
	assert.Len(t, summary.RiskHistory, 1)
	assert.Equal(t, StateStopped, s.State())
	assert.Contains(t, sink.types(), MessageSessionStopped)

	stored, err := f.manager.Summary(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, summary.FinalRiskScore, stored.FinalRiskScore)

	f.recorder.mutex.Lock()
	require.Len(t, f.recorder.summaries, 1)
	assert.Equal(t, "u1", f.recorder.summaries[0].UserID)
	f.recorder.mutex.Unlock()
	assert.Equal(t, []string{"s1"}, f.publisher.sessions)

	_, err = f.manager.Get("s1")
	assert.True(t, errors.IsErrorType(err, errors.ErrSessionNotFound))
	_, err = f.manager.StopSession(ctx, "s1")
	assert.True(t, errors.IsErrorType(err, errors.ErrSessionNotFound))
	_, err = s.ProcessChunk(speechChunk(0.1))
	assert.True(t, errors.IsErrorType(err, errors.ErrSessionStopped))
}

func TestRestartAfterStopStartsFresh(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	_, err := f.manager.StartSession("s1", Options{}, nil)
	require.NoError(t, err)
	_, err = f.manager.ProcessChunk("s1", speechChunk(0.5))
	require.NoError(t, err)
	_, err = f.manager.StopSession(ctx, "s1")
	require.NoError(t, err)

	s, err := f.manager.StartSession("s1", Options{}, nil)
	require.NoError(t, err)
	assert.Zero(t, s.Status().AudioChunksProcessed)
	assert.Empty(t, s.RiskHistory())
}

func TestVoiceSessionStopTwice(t *testing.T) {
	f := newFixture(t, time.Hour)

	s, err := f.manager.StartSession("s1", Options{}, nil)
	require.NoError(t, err)
	_, err = s.Stop()
	require.NoError(t, err)

	_, err = s.Stop()
	assert.True(t, errors.IsErrorType(err, errors.ErrSessionStopped))
	assert.False(t, s.RunCycle())
	assert.Error(t, s.Start())
}

func TestActiveSessions(t *testing.T) {
	f := newFixture(t, time.Hour)

	for _, id := range []string{"a", "b"} {
		_, err := f.manager.StartSession(id, Options{}, nil)
		require.NoError(t, err)
	}

	active := f.manager.ActiveSessions()
	assert.Equal(t, 2, active["active_session_count"])
	sessions := active["sessions"].(map[string]Status)
	assert.Equal(t, "active", sessions["a"].State)
	assert.NotNil(t, sessions["b"].StartTime)
}

func TestConcurrentStartsRegisterOnce(t *testing.T) {
	f := newFixture(t, time.Hour)

	var wg sync.WaitGroup
	var mutex sync.Mutex
	started := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.manager.StartSession("same", Options{}, nil); err == nil {
				mutex.Lock()
				started++
				mutex.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, f.manager.Count())
}

func TestSetAnalysisInterval(t *testing.T) {
	f := newFixture(t, time.Hour)

	require.NoError(t, f.manager.SetAnalysisInterval(5*time.Second))
	assert.Equal(t, 5*time.Second, f.manager.Config().AnalysisInterval)

	err := f.manager.SetAnalysisInterval(0)
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidInput))
}

func TestShutdownStopsSessions(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := f.manager.StartSession(id, Options{}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, f.manager.Shutdown(ctx))

	assert.Zero(t, f.manager.Count())
	recent, err := f.manager.RecentSummaries(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	_, err = f.manager.StartSession("d", Options{}, nil)
	assert.True(t, errors.IsErrorType(err, errors.ErrUnavailable))
}

func TestSpeakerAnalysisFollowsSlidingWindow(t *testing.T) {
	f := newFixture(t, time.Hour)

	s, err := f.manager.StartSession("s1", Options{UserID: "u1"}, nil)
	require.NoError(t, err)
	window := int(f.manager.Config().AnalysisWindow)

	_, err = s.ProcessChunk(speechChunk(float64(window)))
	require.NoError(t, err)
	require.True(t, s.RunCycle())
	first := s.LastResult().Detailed.Speaker
	assert.Equal(t, 1, first.TotalSpeakers)

	_, err = s.ProcessChunk(burstyChunk(window))
	require.NoError(t, err)
	require.True(t, s.RunCycle())
	second := s.LastResult().Detailed.Speaker
	assert.Equal(t, 2, second.TotalSpeakers)
	assert.Greater(t, second.SpeakerSwitches, first.SpeakerSwitches)
}

func TestStopWaitsForReportingCycle(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.alerter.entered = make(chan struct{})
	f.alerter.release = make(chan struct{})

	s, err := f.manager.StartSession("s1", Options{UserID: "u1"}, nil)
	require.NoError(t, err)
	_, err = s.ProcessChunk(speechChunk(2))
	require.NoError(t, err)
	require.NoError(t, s.AppendTranscription(cheatingTranscript))

	cycled := make(chan bool, 1)
	go func() { cycled <- s.RunCycle() }()
	<-f.alerter.entered

	stopped := make(chan *Summary, 1)
	go func() {
		summary, err := f.manager.StopSession(context.Background(), "s1")
		assert.NoError(t, err)
		stopped <- summary
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a cycle was still reporting")
	case <-time.After(50 * time.Millisecond):
	}
	close(f.alerter.release)

	assert.True(t, <-cycled)
	summary := <-stopped
	require.NotNil(t, summary)
	assert.Equal(t, int64(1), summary.AlertsGenerated)
	assert.Equal(t, 1, f.alerter.count())
}
