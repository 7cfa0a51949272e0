package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-integrity-server/pkg/audio"
)

const testChunkSamples = 512

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func toneChunk(freq, amplitude float64) []byte {
	return audio.EncodePCM16(audio.Tone(freq, amplitude, float64(testChunkSamples)/audio.DefaultSampleRate, audio.DefaultSampleRate))
}

func silentChunk() []byte {
	return make([]byte, testChunkSamples*2)
}

type stubModel struct {
	probability float64
	err         error
	panicMsg    string
}

func (s *stubModel) Name() string { return "stub" }

func (s *stubModel) SpeechProbability([]float64, int) (float64, error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.probability, s.err
}

type stubBinary struct{ speech bool }

func (s *stubBinary) Name() string                      { return "stub_binary" }
func (s *stubBinary) IsSpeech([]byte, int) (bool, error) { return s.speech, nil }

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) OnVoiceEvent(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *eventCollector) ofType(t EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newProcessor(backends Backends) *VoiceActivityProcessor {
	return NewVoiceActivityProcessor(DefaultConfig(), backends, testLogger())
}

func TestAnalyzeChunkDetectsToneAsSpeech(t *testing.T) {
	p := newProcessor(Backends{Primary: NewEnergySpeechModel()})
	defer p.Close()
	p.StartSession("s1")

	record := p.AnalyzeChunk(toneChunk(440, 0.5))
	assert.True(t, record.IsSpeech)
	assert.Greater(t, record.Probability, 0.5)
	assert.InDelta(t, 0.5/1.4142, record.RMSEnergy, 0.01)
	assert.InDelta(t, 0.032, record.Duration, 1e-9)
	assert.Equal(t, "s1", record.SessionID)

	silence := p.AnalyzeChunk(silentChunk())
	assert.False(t, silence.IsSpeech)
	assert.Equal(t, 0.0, silence.RMSEnergy)
	assert.InDelta(t, 0.032, silence.Offset, 1e-9)
}

func TestAnalyzeChunkWithoutPrimaryBackend(t *testing.T) {
	p := newProcessor(Backends{})
	defer p.Close()

	record := p.AnalyzeChunk(toneChunk(440, 0.5))
	assert.Equal(t, 0.0, record.Probability)
	assert.False(t, record.IsSpeech)
	assert.Greater(t, record.RMSEnergy, 0.0, "energy is computed without a backend")
	assert.Greater(t, record.ZeroCrossingRate, 0.0)
}

func TestAnalyzeChunkBackendFailuresDegrade(t *testing.T) {
	for name, model := range map[string]*stubModel{
		"error": {probability: 0.9, err: errors.New("model unavailable")},
		"panic": {panicMsg: "boom"},
	} {
		t.Run(name, func(t *testing.T) {
			p := newProcessor(Backends{Primary: model})
			collector := &eventCollector{}
			p.Subscribe(collector)
			p.StartSession("s1")

			record := p.AnalyzeChunk(toneChunk(440, 0.5))
			p.Close()

			assert.Equal(t, 0.0, record.Probability)
			assert.False(t, record.IsSpeech)
			assert.Equal(t, int64(1), p.Summary().BackendFailures)
			assert.Len(t, collector.ofType(EventProcessingError), 1)
		})
	}
}

func TestSuspiciousPatterns(t *testing.T) {
	p := newProcessor(Backends{Primary: NewEnergySpeechModel(), Secondary: &stubBinary{speech: false}})
	collector := &eventCollector{}
	p.Subscribe(collector)
	p.StartSession("s1")

	// whisper-level tone still reads as speech
	p.AnalyzeChunk(toneChunk(440, 0.01))

	alternating := make([]float64, testChunkSamples)
	for i := range alternating {
		alternating[i] = 0.3
		if i%2 == 1 {
			alternating[i] = -0.3
		}
	}
	p.AnalyzeChunk(audio.EncodePCM16(alternating))
	p.Close()

	events := p.SuspiciousEvents()
	require.Len(t, events, 2)
	assert.Contains(t, events[0].Indicators, IndicatorLowEnergySpeech)
	assert.Contains(t, events[0].Indicators, IndicatorVADInconsistency)
	assert.Contains(t, events[1].Indicators, IndicatorHighDistortion)

	assert.Len(t, collector.ofType(EventSuspiciousPattern), 2)
	assert.Len(t, collector.ofType(EventVoiceAnalysis), 2)
	assert.Equal(t, int64(2), p.Summary().SuspiciousEventsCount)
}

func TestNoInconsistencyWithoutSecondary(t *testing.T) {
	p := newProcessor(Backends{Primary: &stubModel{probability: 0.9}})
	defer p.Close()

	p.AnalyzeChunk(toneChunk(440, 0.5))
	assert.Empty(t, p.SuspiciousEvents())
}

func TestChunkRingStaysBounded(t *testing.T) {
	p := newProcessor(Backends{Primary: NewEnergySpeechModel()})
	defer p.Close()
	p.StartSession("s1")

	chunk := toneChunk(300, 0.4)
	for i := 0; i < 1500; i++ {
		p.AnalyzeChunk(chunk)
	}

	assert.Equal(t, 1000, p.BufferedChunks())
	assert.Equal(t, p.BufferCapacity(), p.BufferedChunks())
	assert.Equal(t, int64(1500), p.Summary().ChunksProcessed)
}

func TestSummaryBeforeStartAndAfterReset(t *testing.T) {
	p := newProcessor(Backends{Primary: NewEnergySpeechModel()})
	defer p.Close()

	summary := p.Summary()
	assert.Equal(t, "No active session", summary.Error)
	assert.Equal(t, 0.0, summary.SpeechRatio)
	assert.Equal(t, summary, p.Summary(), "summary is idempotent")

	p.StartSession("s1")
	for i := 0; i < 10; i++ {
		p.AnalyzeChunk(toneChunk(440, 0.5))
	}
	for i := 0; i < 10; i++ {
		p.AnalyzeChunk(silentChunk())
	}

	summary = p.Summary()
	assert.Empty(t, summary.Error)
	assert.Equal(t, int64(10), summary.TotalSpeechEvents)
	assert.InDelta(t, 0.32, summary.TotalSpeechTime, 1e-9)
	assert.InDelta(t, 0.32, summary.TotalSilenceTime, 1e-9)
	assert.InDelta(t, 0.5, summary.SpeechRatio, 0.05)
	assert.InDelta(t, 1.0, summary.AverageSpeechConfidence, 1e-9)
	assert.True(t, summary.ModelsAvailable["primary"])
	assert.False(t, summary.ModelsAvailable["secondary"])

	p.Reset()
	assert.Equal(t, "No active session", p.Summary().Error)
	assert.Equal(t, 0, p.BufferedChunks())
	assert.Empty(t, p.Records())
}

func TestStopSessionPublishesSummary(t *testing.T) {
	p := newProcessor(Backends{Primary: NewEnergySpeechModel()})
	collector := &eventCollector{}
	p.Subscribe(collector)
	p.StartSession("s1")
	p.AnalyzeChunk(toneChunk(440, 0.5))

	summary := p.StopSession()
	p.Close()

	assert.False(t, summary.Active)
	assert.False(t, p.IsActive())
	stopped := collector.ofType(EventProcessingStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, "s1", stopped[0].SessionID)
}

func TestRecentRecordsAndSegments(t *testing.T) {
	p := newProcessor(Backends{Primary: NewEnergySpeechModel()})
	defer p.Close()

	// 0.32s speech, 0.32s silence, 0.32s speech
	for _, chunk := range [][]byte{toneChunk(440, 0.5), silentChunk(), toneChunk(440, 0.5)} {
		for i := 0; i < 10; i++ {
			p.AnalyzeChunk(chunk)
		}
	}

	assert.Len(t, p.RecentRecords(0.3), 10)
	assert.Len(t, p.RecentRecords(100), 30)

	segments := SpeechSegmentsFromRecords(p.Records())
	require.Len(t, segments, 2)
	assert.InDelta(t, 0.0, segments[0].Start, 1e-9)
	assert.InDelta(t, 0.32, segments[0].Duration, 1e-9)
	assert.InDelta(t, 0.64, segments[1].Start, 1e-9)
	assert.InDelta(t, 0.96, segments[1].End, 1e-9)

	windowed := SpeechSegmentsFromRecords(p.RecentRecords(0.62))
	require.Len(t, windowed, 1)
	assert.InDelta(t, 0.32, windowed[0].Start, 1e-9)

	assert.Nil(t, SpeechSegmentsFromRecords(nil))
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.All())
	assert.Equal(t, []int{4, 5}, r.Last(2))
	assert.Equal(t, int64(2), r.Overwritten())

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.All())
}

func TestSampleBufferWindow(t *testing.T) {
	b := NewSampleBuffer(1, 100)
	b.Write(make([]float64, 150))
	assert.Equal(t, 100, b.Len())
	assert.InDelta(t, 1.0, b.Seconds(), 1e-9)
	assert.Len(t, b.Window(0.5), 50)
	assert.Len(t, b.Window(5), 100)
	assert.Equal(t, int64(150), b.SamplesWritten())
}

func TestEnergySpeechModelRejectsNoise(t *testing.T) {
	model := NewEnergySpeechModel()

	probability, err := model.SpeechProbability(make([]float64, testChunkSamples), audio.DefaultSampleRate)
	require.NoError(t, err)
	assert.Equal(t, 0.0, probability)

	probability, err = model.SpeechProbability(audio.Tone(200, 0.3, 0.032, audio.DefaultSampleRate), audio.DefaultSampleRate)
	require.NoError(t, err)
	assert.Greater(t, probability, 0.5)
}

func TestThresholdVAD(t *testing.T) {
	vad := NewThresholdVAD()

	speech, err := vad.IsSpeech(toneChunk(300, 0.4), audio.DefaultSampleRate)
	require.NoError(t, err)
	assert.True(t, speech)

	speech, err = vad.IsSpeech(silentChunk(), audio.DefaultSampleRate)
	require.NoError(t, err)
	assert.False(t, speech)
}

func TestNotifierDropsWhenFullAndDrainsOnClose(t *testing.T) {
	n := NewNotifier(1, testLogger())

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var delivered []EventType
	var mu sync.Mutex
	n.Subscribe(ObserverFunc(func(e Event) {
		if e.Type == EventVoiceAnalysis {
			entered <- struct{}{}
			<-release
		}
		mu.Lock()
		delivered = append(delivered, e.Type)
		mu.Unlock()
	}))

	require.True(t, n.Publish(Event{Type: EventVoiceAnalysis}))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("observer never received first event")
	}

	assert.True(t, n.Publish(Event{Type: EventSuspiciousPattern}), "one slot is free")
	assert.False(t, n.Publish(Event{Type: EventProcessingError}), "queue is full")

	close(release)
	n.Close()

	mu.Lock()
	assert.Equal(t, []EventType{EventVoiceAnalysis, EventSuspiciousPattern}, delivered)
	mu.Unlock()

	stats := n.Stats()
	assert.Equal(t, int64(2), stats.Published)
	assert.Equal(t, int64(2), stats.Delivered)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.False(t, n.Publish(Event{Type: EventVoiceAnalysis}), "closed notifier rejects events")
}

func TestNotifierRecoversObserverPanic(t *testing.T) {
	n := NewNotifier(8, testLogger())
	collector := &eventCollector{}
	n.Subscribe(ObserverFunc(func(Event) { panic("observer failure") }))
	unsubscribe := n.Subscribe(collector)

	n.Publish(Event{Type: EventVoiceAnalysis})
	n.Publish(Event{Type: EventVoiceAnalysis})
	n.Close()

	assert.Len(t, collector.ofType(EventVoiceAnalysis), 2)
	assert.Equal(t, int64(2), n.Stats().Failures)

	unsubscribe()
	assert.Equal(t, 1, n.Stats().Observers)
}
