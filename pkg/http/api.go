package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/alerting"
	"voice-integrity-server/pkg/audio"
	"voice-integrity-server/pkg/behavioral"
	"voice-integrity-server/pkg/classifier"
	"voice-integrity-server/pkg/correlation"
	"voice-integrity-server/pkg/database"
	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/integrity"
	"voice-integrity-server/pkg/metrics"
	"voice-integrity-server/pkg/realtime"
	"voice-integrity-server/pkg/session"
)

const apiPrefix = "/api/voice"

// Services are the components the REST API drives. Repository and Alerts
// are optional.
type Services struct {
	Pipeline     *integrity.Pipeline
	Sessions     *session.Manager
	Alerts       *alerting.AlertManager
	Repository   *database.Repository
	Capabilities map[string]bool
}

// VoiceAPI serves the /api/voice REST endpoints
type VoiceAPI struct {
	logger   *logrus.Entry
	services Services
	config   *Config
}

// NewVoiceAPI creates the REST handlers
func NewVoiceAPI(services Services, config *Config, logger *logrus.Logger) *VoiceAPI {
	if config == nil {
		config = DefaultConfig()
	}
	return &VoiceAPI{
		logger:   logger.WithField("component", "voice_api"),
		services: services,
		config:   config,
	}
}

// RegisterHandlers registers every REST endpoint on mux
func (a *VoiceAPI) RegisterHandlers(mux *http.ServeMux) {
	routes := map[string]http.HandlerFunc{
		"GET /health":                 a.handleHealth,
		"GET /status":                 a.handleStatus,
		"POST /analyze/audio":         a.handleAnalyzeAudio,
		"POST /analyze/behavioral":    a.handleAnalyzeBehavioral,
		"POST /analyze/speakers":      a.handleAnalyzeSpeakers,
		"POST /analyze/emotion":       a.handleAnalyzeEmotion,
		"POST /analyze/comprehensive": a.handleAnalyzeComprehensive,
		"POST /model/train":           a.handleTrain,
		"POST /model/add-sample":      a.handleAddSample,
		"GET /model/status":           a.handleModelStatus,
		"GET /sessions/active":        a.handleActiveSessions,
		"POST /sessions/{id}/stop":    a.handleStopSession,
		"GET /sessions/{id}/summary":  a.handleSessionSummary,
		"GET /sessions/summaries":     a.handleRecentSummaries,
		"POST /create-integrity-flag": a.handleCreateFlag,
		"GET /flags":                  a.handleListFlags,
		"GET /alerts":                 a.handleRecentAlerts,
		"GET /config":                 a.handleGetConfig,
		"PUT /config":                 a.handleUpdateConfig,
		"POST /process-audio":         a.handleProcessAudio,
	}
	for pattern, handler := range routes {
		method, path, _ := strings.Cut(pattern, " ")
		mux.HandleFunc(method+" "+apiPrefix+path, handler)
	}
}

// analysisRequest is the common body of analysis endpoints
type analysisRequest struct {
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	OrgID         string `json:"org_id"`
	AudioData     string `json:"audio_data"`
	Transcription string `json:"transcription"`
	SampleRate    int    `json:"sample_rate"`
	IsCheating    bool   `json:"is_cheating"`
}

func (r analysisRequest) sampleRate() int {
	if r.SampleRate > 0 {
		return r.SampleRate
	}
	return audio.DefaultSampleRate
}

func (r analysisRequest) sessionID() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return "adhoc"
}

// pcm decodes the base64 audio field into raw 16-bit PCM
func (r analysisRequest) pcm() ([]byte, error) {
	if r.AudioData == "" {
		return nil, errors.NewInvalidAudio("audio_data is required")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r.AudioData))
	if err != nil {
		return nil, errors.NewInvalidAudio("audio_data is not valid base64")
	}
	if len(raw) < 2 {
		return nil, errors.NewInvalidAudio("audio_data contains no samples")
	}
	return raw, nil
}

func (r analysisRequest) samples() ([]float64, error) {
	raw, err := r.pcm()
	if err != nil {
		return nil, err
	}
	return audio.DecodePCM16(raw), nil
}

func (r analysisRequest) pipelineRequest() (integrity.Request, error) {
	samples, err := r.samples()
	if err != nil {
		return integrity.Request{}, err
	}
	return integrity.Request{
		SessionID:     r.sessionID(),
		Audio:         samples,
		Transcription: r.Transcription,
		SampleRate:    r.sampleRate(),
	}, nil
}

func (a *VoiceAPI) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, a.config.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return errors.NewInvalidInput("invalid JSON body").WithField("cause", err.Error())
	}
	return nil
}

func (a *VoiceAPI) analysisContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), a.config.AnalysisTimeout)
}

func (a *VoiceAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	correlation.Entry(r.Context(), a.logger).WithError(err).WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"method": r.Method,
	}).Warn("HTTP error response sent")
	errors.WriteError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (a *VoiceAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	p := a.services.Pipeline
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "voice-integrity",
		"timestamp": time.Now().UTC(),
		"models_available": map[string]bool{
			"speaker_diarization": p.Speakers().ModelAvailable(),
			"emotion_recognition": p.Emotions().ModelAvailable(),
			"trained_classifier":  p.Classifier().IsTrained(),
		},
		"capabilities": a.services.Capabilities,
	})
}

func (a *VoiceAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	p := a.services.Pipeline
	status := map[string]interface{}{
		"timestamp":         time.Now().UTC(),
		"active_sessions":   a.services.Sessions.Count(),
		"classifier":        p.Classifier().Status(),
		"behavioral":        p.Behavioral().Summary(),
		"speaker_detector":  p.Speakers().GetStats(),
		"emotion_failures":  p.Emotions().Failures(),
		"analysis_interval": a.services.Sessions.AnalysisInterval().String(),
	}
	if a.services.Alerts != nil {
		status["alert_threshold"] = a.services.Alerts.Evaluator().Threshold()
		status["alert_channels"] = a.services.Alerts.ChannelStatus()
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *VoiceAPI) handleAnalyzeAudio(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := a.decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	preq, err := req.pipelineRequest()
	if err != nil {
		a.fail(w, r, err)
		return
	}

	summary, records := a.services.Pipeline.AnalyzeVoice(preq)
	segments := realtime.SpeechSegmentsFromRecords(records)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":       preq.SessionID,
		"voice_analysis":   summary,
		"speech_segments":  segments,
		"duration_seconds": audio.Duration(len(preq.Audio), preq.SampleRate),
	})
}

func (a *VoiceAPI) handleAnalyzeBehavioral(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := a.decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	var in behavioral.Input
	in.Transcription = req.Transcription
	if req.AudioData != "" {
		preq, err := req.pipelineRequest()
		if err != nil {
			a.fail(w, r, err)
			return
		}
		_, records := a.services.Pipeline.AnalyzeVoice(preq)
		in.Audio = preq.Audio
		in.VoiceEvents = records
		in.Segments = realtime.SpeechSegmentsFromRecords(records)
	} else if req.Transcription == "" {
		a.fail(w, r, errors.NewInvalidInput("audio_data or transcription is required"))
		return
	}

	ctx, cancel := a.analysisContext(r)
	defer cancel()
	result, err := a.services.Pipeline.Behavioral().Analyze(ctx, in)
	if err != nil {
		a.fail(w, r, errors.Wrap(errors.ErrAnalysisFailed, "behavioral analysis failed").WithField("cause", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *VoiceAPI) handleAnalyzeSpeakers(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := a.decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	samples, err := req.samples()
	if err != nil {
		a.fail(w, r, err)
		return
	}

	ctx, cancel := a.analysisContext(r)
	defer cancel()
	result, err := a.services.Pipeline.Speakers().Analyze(ctx, samples, req.sessionID(), req.sampleRate())
	if err != nil {
		a.fail(w, r, errors.Wrap(errors.ErrAnalysisFailed, "speaker analysis failed").WithField("cause", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *VoiceAPI) handleAnalyzeEmotion(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := a.decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	preq, err := req.pipelineRequest()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	_, records := a.services.Pipeline.AnalyzeVoice(preq)

	ctx, cancel := a.analysisContext(r)
	defer cancel()
	result, err := a.services.Pipeline.Emotions().Analyze(ctx, preq.Audio, realtime.SpeechSegmentsFromRecords(records), preq.SessionID)
	if err != nil {
		a.fail(w, r, errors.Wrap(errors.ErrAnalysisFailed, "emotion analysis failed").WithField("cause", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *VoiceAPI) handleAnalyzeComprehensive(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := a.decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	preq, err := req.pipelineRequest()
	if err != nil {
		a.fail(w, r, err)
		return
	}

	ctx, cancel := a.analysisContext(r)
	defer cancel()
	done := metrics.ObserveAnalysisCycle()
	result, err := a.services.Pipeline.AnalyzeSession(ctx, preq)
	done()
	if err != nil {
		a.fail(w, r, errors.Wrap(errors.ErrTimeout, "comprehensive analysis did not complete").WithField("cause", err.Error()))
		return
	}

	response := map[string]interface{}{
		"session_id":        preq.SessionID,
		"prediction":        result.Prediction,
		"detailed_analysis": result.Detailed,
		"duration_ms":       result.Duration.Milliseconds(),
	}
	if alerts := a.services.Alerts; alerts != nil && alerts.ShouldAlert(result.Prediction.Probability) {
		alert, err := alerts.RaiseFor(ctx, result.Prediction, req.OrgID)
		if err != nil {
			a.logger.WithError(err).Warn("Alert delivery incomplete")
		}
		response["alert"] = alert
	}
	writeJSON(w, http.StatusOK, response)
}

type trainRequest struct {
	ValidationSplit float64 `json:"validation_split"`
}

func (a *VoiceAPI) handleTrain(w http.ResponseWriter, r *http.Request) {
	req := trainRequest{ValidationSplit: 0.2}
	if r.ContentLength != 0 {
		if err := a.decode(w, r, &req); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	if req.ValidationSplit < 0 || req.ValidationSplit >= 1 {
		a.fail(w, r, errors.NewInvalidInput("validation_split must be in [0, 1)"))
		return
	}

	c := a.services.Pipeline.Classifier()
	modelMetrics, err := c.Train(r.Context(), req.ValidationSplit)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	response := map[string]interface{}{
		"status":  "trained",
		"metrics": modelMetrics,
		"model":   c.Status(),
	}
	if a.services.Repository != nil {
		if err := a.saveModel(r.Context(), c); err != nil {
			a.logger.WithError(err).Error("Failed to persist trained model")
			response["persisted"] = false
		} else {
			response["persisted"] = true
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (a *VoiceAPI) saveModel(ctx context.Context, c *classifier.Classifier) error {
	var buf bytes.Buffer
	if err := c.Save(&buf); err != nil {
		return err
	}
	status := c.Status()
	return a.services.Repository.SaveModel(ctx, &database.ModelArtifact{
		Name:            classifier.ArtifactName,
		ModelUsed:       status.ModelUsed,
		TrainingSamples: status.TrainingSamples,
		Data:            buf.Bytes(),
	})
}

func (a *VoiceAPI) handleAddSample(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := a.decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	preq, err := req.pipelineRequest()
	if err != nil {
		a.fail(w, r, err)
		return
	}

	ctx, cancel := a.analysisContext(r)
	defer cancel()
	sample, err := a.services.Pipeline.AddLabeledAudio(ctx, preq, req.IsCheating)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "added",
		"is_cheating":      sample.IsCheating,
		"training_samples": len(a.services.Pipeline.Classifier().TrainingSamples()),
	})
}

func (a *VoiceAPI) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.services.Pipeline.Classifier().Status())
}

func (a *VoiceAPI) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.services.Sessions.ActiveSessions())
}

func (a *VoiceAPI) handleStopSession(w http.ResponseWriter, r *http.Request) {
	summary, err := a.services.Sessions.StopSession(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "stopped",
		"summary": summary,
	})
}

func (a *VoiceAPI) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := a.services.Sessions.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *VoiceAPI) handleRecentSummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := a.services.Sessions.RecentSummaries(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"summaries": summaries})
}

type flagRequest struct {
	SessionID       string                 `json:"session_id"`
	UserID          string                 `json:"user_id"`
	ConfidenceScore float64                `json:"confidence_score"`
	Evidence        map[string]interface{} `json:"evidence"`
	AnalysisSummary string                 `json:"analysis_summary"`
	FlagType        string                 `json:"flag_type"`
}

func (a *VoiceAPI) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	if a.services.Repository == nil {
		a.fail(w, r, errors.Wrap(errors.ErrUnavailable, "integrity flag storage is not configured"))
		return
	}
	var req flagRequest
	if err := a.decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.SessionID == "" || req.UserID == "" {
		a.fail(w, r, errors.NewInvalidInput("session_id and user_id are required"))
		return
	}
	if req.ConfidenceScore < 0 || req.ConfidenceScore > 1 {
		a.fail(w, r, errors.NewInvalidInput("confidence_score must be in [0, 1]"))
		return
	}
	if req.FlagType == "" {
		req.FlagType = database.FlagTypeVoiceCheating
	}

	flag, err := a.services.Repository.CreateFlag(r.Context(), req.UserID, &database.IntegrityFlag{
		SessionID:       req.SessionID,
		FlagType:        req.FlagType,
		Severity:        database.SeverityForConfidence(req.ConfidenceScore),
		ConfidenceScore: req.ConfidenceScore,
		Evidence:        req.Evidence,
		AnalysisSummary: req.AnalysisSummary,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	metrics.RecordIntegrityFlag("api")
	writeJSON(w, http.StatusCreated, flag)
}

func (a *VoiceAPI) handleListFlags(w http.ResponseWriter, r *http.Request) {
	if a.services.Repository == nil {
		a.fail(w, r, errors.Wrap(errors.ErrUnavailable, "integrity flag storage is not configured"))
		return
	}
	query := r.URL.Query()
	flags, err := a.services.Repository.ListFlags(r.Context(), database.FlagFilter{
		UserID:    query.Get("user_id"),
		SessionID: query.Get("session_id"),
		Severity:  database.FlagSeverity(query.Get("severity")),
		Limit:     queryInt(r, "limit", 50),
		Offset:    queryInt(r, "offset", 0),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flags": flags})
}

func (a *VoiceAPI) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	if a.services.Alerts == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": []*alerting.IntegrityAlert{}})
		return
	}
	alerts := a.services.Alerts.RecentAlerts(r.URL.Query().Get("session_id"), queryInt(r, "limit", 50))
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// configUpdate carries the runtime-adjustable settings
type configUpdate struct {
	AlertThreshold          *float64 `json:"alert_threshold"`
	AnalysisIntervalSeconds *float64 `json:"analysis_interval_seconds"`
}

func (a *VoiceAPI) currentConfig() map[string]interface{} {
	cfg := a.services.Sessions.Config()
	out := map[string]interface{}{
		"analysis_interval_seconds": cfg.AnalysisInterval.Seconds(),
		"analysis_window_seconds":   cfg.AnalysisWindow,
		"min_analysis_seconds":      cfg.MinAnalysisSeconds,
		"reporting_threshold":       cfg.ReportingThreshold,
		"sample_rate":               cfg.SampleRate,
		"voice":                     a.services.Pipeline.VoiceConfig(),
	}
	if a.services.Alerts != nil {
		out["alert_threshold"] = a.services.Alerts.Evaluator().Threshold()
	}
	return out
}

func (a *VoiceAPI) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.currentConfig())
}

func (a *VoiceAPI) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var update configUpdate
	if err := a.decode(w, r, &update); err != nil {
		a.fail(w, r, err)
		return
	}

	if t := update.AlertThreshold; t != nil {
		if *t < 0 || *t > 1 {
			a.fail(w, r, errors.NewInvalidInput("alert_threshold must be in [0, 1]"))
			return
		}
		if a.services.Alerts == nil {
			a.fail(w, r, errors.Wrap(errors.ErrUnavailable, "alerting is not configured"))
			return
		}
	}
	if s := update.AnalysisIntervalSeconds; s != nil && *s <= 0 {
		a.fail(w, r, errors.NewInvalidInput("analysis_interval_seconds must be positive"))
		return
	}

	if t := update.AlertThreshold; t != nil {
		a.services.Alerts.SetAlertThreshold(*t)
	}
	if s := update.AnalysisIntervalSeconds; s != nil {
		if err := a.services.Sessions.SetAnalysisInterval(time.Duration(*s * float64(time.Second))); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	a.logger.Info("Voice configuration updated")
	writeJSON(w, http.StatusOK, a.currentConfig())
}

func (a *VoiceAPI) handleProcessAudio(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := a.decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.SessionID == "" {
		a.fail(w, r, errors.NewInvalidInput("session_id is required"))
		return
	}
	raw, err := req.pcm()
	if err != nil {
		a.fail(w, r, err)
		return
	}

	sessions := a.services.Sessions
	if _, err := sessions.Get(req.SessionID); errors.IsErrorType(err, errors.ErrSessionNotFound) {
		_, err := sessions.StartSession(req.SessionID, session.Options{
			UserID:         req.UserID,
			OrganizationID: req.OrgID,
			SampleRate:     req.SampleRate,
		}, nil)
		if err != nil && !errors.IsErrorType(err, errors.ErrSessionAlreadyActive) {
			a.fail(w, r, err)
			return
		}
	}

	result, err := sessions.ProcessChunk(req.SessionID, raw)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Transcription != "" {
		if err := sessions.AppendTranscription(req.SessionID, req.Transcription); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v >= 0 {
		return v
	}
	return fallback
}
