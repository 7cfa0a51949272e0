package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"voice-integrity-server/pkg/alerting"
	"voice-integrity-server/pkg/audio"
	"voice-integrity-server/pkg/behavioral"
	"voice-integrity-server/pkg/classifier"
	"voice-integrity-server/pkg/database"
	"voice-integrity-server/pkg/emotion"
	"voice-integrity-server/pkg/integrity"
	"voice-integrity-server/pkg/realtime"
	"voice-integrity-server/pkg/session"
	"voice-integrity-server/pkg/speaker"
)

const cheatingTranscript = "can you help me? the answer is option b"

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type testEnv struct {
	server   *httptest.Server
	sessions *session.Manager
	alerts   *alerting.AlertManager
	hub      *VoiceHub
	repo     *database.Repository
}

func newTestEnv(t *testing.T, configure func(*Config)) *testEnv {
	t.Helper()
	logger := testLogger()

	b, err := behavioral.NewAnalyzer(behavioral.DefaultConfig(), nil, nil, logger)
	require.NoError(t, err)
	pipeline, err := integrity.NewPipeline(integrity.Analyzers{
		VoiceConfig:   realtime.DefaultConfig(),
		VoiceBackends: realtime.Backends{Primary: realtime.NewEnergySpeechModel()},
		Behavioral:    b,
		Speakers:      speaker.NewDetector(speaker.DefaultConfig(), nil, nil, logger),
		Emotions:      emotion.NewAnalyzer(emotion.DefaultConfig(), emotion.Backends{}, nil, logger),
		Classifier:    classifier.NewClassifier(classifier.DefaultConfig(), nil, logger),
	}, logger)
	require.NoError(t, err)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	repo := database.NewRepository(db, time.Second, logger)
	require.NoError(t, repo.Migrate())

	hub := NewVoiceHub(logger)
	alerts := alerting.NewAlertManager(alerting.DefaultConfig(), logger)
	alerts.AddChannel(alerting.NewBroadcastChannel("websocket", hub))

	sessionConfig := session.DefaultConfig()
	sessionConfig.AnalysisInterval = time.Hour
	sessions := session.NewManager(sessionConfig, session.Dependencies{
		Pipeline: pipeline,
		Alerts:   alerts,
		Recorder: repo,
	}, logger)

	cfg := DefaultConfig()
	if configure != nil {
		configure(cfg)
	}
	srv := NewServer(cfg, Services{
		Pipeline:   pipeline,
		Sessions:   sessions,
		Alerts:     alerts,
		Repository: repo,
	}, hub, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		sessions.Shutdown(context.Background())
		alerts.Stop()
		repo.Close()
	})
	return &testEnv{server: ts, sessions: sessions, alerts: alerts, hub: hub, repo: repo}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func encodedTone(seconds float64) string {
	return base64.StdEncoding.EncodeToString(audio.EncodePCM16(audio.Tone(200, 0.5, seconds, audio.DefaultSampleRate)))
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, resp.Header.Get("Server"), "voice-integrity/")

	resp, body = env.do(t, http.MethodGet, "/api/voice/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	models := body["models_available"].(map[string]interface{})
	assert.Equal(t, false, models["trained_classifier"])
}

func TestAnalyzeComprehensiveRaisesAlert(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/api/voice/analyze/comprehensive", map[string]interface{}{
		"session_id":    "exam-1",
		"audio_data":    encodedTone(2),
		"transcription": cheatingTranscript,
		"org_id":        "7",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	prediction := body["prediction"].(map[string]interface{})
	assert.Equal(t, true, prediction["is_cheating"])
	assert.Equal(t, classifier.FallbackModelName, prediction["model_used"])
	require.NotNil(t, body["alert"])
	alert := body["alert"].(map[string]interface{})
	assert.Equal(t, "7", alert["org_id"])

	recent := env.alerts.RecentAlerts("exam-1", 10)
	assert.Len(t, recent, 1)
}

func TestAnalyzeRejectsBadAudio(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/api/voice/analyze/audio", "/api/voice/analyze/speakers", "/api/voice/analyze/emotion", "/api/voice/analyze/comprehensive"} {
		resp, _ := env.do(t, http.MethodPost, path, map[string]interface{}{"audio_data": "%%% not base64"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}

	resp, _ := env.do(t, http.MethodPost, "/api/voice/analyze/behavioral", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnalyzeBehavioralTranscriptOnly(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/api/voice/analyze/behavioral", map[string]interface{}{
		"transcription": cheatingTranscript,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Greater(t, body["help_seeking_phrases"], 0.0)
}

func TestAnalyzeAudioReportsVoiceActivity(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/api/voice/analyze/audio", map[string]interface{}{
		"audio_data": encodedTone(1),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 1.0, body["duration_seconds"], 0.001)
	assert.NotNil(t, body["voice_analysis"])
}

func TestConfigRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodPut, "/api/voice/config", map[string]interface{}{"alert_threshold": 1.5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut, "/api/voice/config", map[string]interface{}{"analysis_interval_seconds": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, http.MethodPut, "/api/voice/config", map[string]interface{}{
		"alert_threshold":           0.6,
		"analysis_interval_seconds": 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.6, body["alert_threshold"])
	assert.Equal(t, 5.0, body["analysis_interval_seconds"])

	_, body = env.do(t, http.MethodGet, "/api/voice/config", nil)
	assert.Equal(t, 0.6, body["alert_threshold"])
	assert.Equal(t, 5*time.Second, env.sessions.AnalysisInterval())
}

func TestProcessAudioSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/api/voice/process-audio", map[string]interface{}{
		"session_id": "s1",
		"user_id":    "u1",
		"audio_data": encodedTone(0.5),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "processed", body["status"])

	_, body = env.do(t, http.MethodGet, "/api/voice/sessions/active", nil)
	assert.Equal(t, 1.0, body["active_session_count"])

	resp, body = env.do(t, http.MethodPost, "/api/voice/sessions/s1/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := body["summary"].(map[string]interface{})
	assert.Equal(t, 1.0, summary["audio_chunks_processed"])

	resp, body = env.do(t, http.MethodGet, "/api/voice/sessions/s1/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "u1", body["user_id"])

	resp, _ = env.do(t, http.MethodPost, "/api/voice/sessions/s1/stop", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	record, err := env.repo.GetSummary(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), record.ChunksProcessed)
}

func TestProcessAudioRequiresSession(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodPost, "/api/voice/process-audio", map[string]interface{}{"audio_data": encodedTone(0.1)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateAndListIntegrityFlags(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/api/voice/create-integrity-flag", map[string]interface{}{
		"session_id":       "s1",
		"user_id":          "u1",
		"confidence_score": 0.85,
		"analysis_summary": "manual review",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "high", body["severity"])

	resp, _ = env.do(t, http.MethodPost, "/api/voice/create-integrity-flag", map[string]interface{}{"session_id": "s1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/voice/flags?session_id=s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["flags"], 1)
}

func TestTrainRequiresSamples(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodPost, "/api/voice/model/train", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/voice/model/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["is_trained"])
}

func TestAddSampleAndTrain(t *testing.T) {
	if testing.Short() {
		t.Skip("trains a model")
	}
	env := newTestEnv(t, nil)

	for i := 0; i < 12; i++ {
		transcript := "the weather today is pleasant and calm"
		if i%2 == 0 {
			transcript = cheatingTranscript
		}
		resp, _ := env.do(t, http.MethodPost, "/api/voice/model/add-sample", map[string]interface{}{
			"session_id":    fmt.Sprintf("train-%d", i),
			"audio_data":    encodedTone(1),
			"transcription": transcript,
			"is_cheating":   i%2 == 0,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodPost, "/api/voice/model/train", map[string]interface{}{"validation_split": 0.2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["persisted"])

	artifact, err := env.repo.LatestModel(context.Background(), classifier.ArtifactName)
	require.NoError(t, err)
	assert.Equal(t, 12, artifact.TrainingSamples)
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Auth.Enabled = true
		c.Auth.APIKeys = []string{"secret"}
	})

	resp, _ := env.do(t, http.MethodGet, "/api/voice/status", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/voice/status", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	req, err = http.NewRequest(http.MethodGet, env.server.URL+"/api/voice/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	denied, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	denied.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, denied.StatusCode)
}

func TestInvalidJSONBody(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.server.URL+"/api/voice/analyze/comprehensive", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitedAPI(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.RequestsPerSecond = 0.01
		c.RateLimit.BurstSize = 2
		c.RateLimit.WhitelistedIPs = nil
	})

	for i := 0; i < 2; i++ {
		resp, body := env.do(t, http.MethodGet, "/api/voice/status", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "alert_channels")
	}
	resp, body := env.do(t, http.MethodGet, "/api/voice/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, body["error"], "rate limit exceeded")
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"), "refused requests still carry a correlation ID")

	resp, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health checks are never limited")
}
