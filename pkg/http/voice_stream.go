package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/audio"
	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/session"
)

// Inbound control message types
const (
	controlHeartbeat     = "heartbeat"
	controlStart         = "start"
	controlStartSession  = "start_voice_session"
	controlStop          = "stop"
	controlStopSession   = "stop_voice_session"
	controlAudio         = "audio"
	controlAudioChunk    = "audio_chunk"
	controlTranscription = "transcription"
	controlStatus        = "get_session_status"
	controlActive        = "get_active_sessions"
)

// controlMessage is a JSON text frame from a client
type controlMessage struct {
	Type string `json:"type"`
	Data struct {
		Audio string `json:"audio"`
		Text  string `json:"text"`
	} `json:"data"`
}

// VoiceStreamHandler serves the per-session audio stream and the
// organization monitoring stream
type VoiceStreamHandler struct {
	logger   *logrus.Entry
	hub      *VoiceHub
	sessions *session.Manager
	config   WebSocketConfig
}

// NewVoiceStreamHandler creates the WebSocket handler
func NewVoiceStreamHandler(config WebSocketConfig, hub *VoiceHub, sessions *session.Manager, logger *logrus.Logger) *VoiceStreamHandler {
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = DefaultWebSocketConfig().MaxMessageBytes
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = DefaultWebSocketConfig().StopTimeout
	}
	return &VoiceStreamHandler{
		logger:   logger.WithField("component", "voice_stream"),
		hub:      hub,
		sessions: sessions,
		config:   config,
	}
}

// RegisterHandlers registers the WebSocket endpoints
func (h *VoiceStreamHandler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/voice/{session_id}", h.handleSession)
	mux.HandleFunc("GET /ws/voice/monitor/{org_id}", h.handleMonitor)
}

func (h *VoiceStreamHandler) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	query := r.URL.Query()
	opts := session.Options{
		UserID:         query.Get("user_id"),
		OrganizationID: query.Get("org_id"),
	}
	if rate, err := strconv.Atoi(query.Get("sample_rate")); err == nil && rate > 0 {
		opts.SampleRate = rate
	}

	conn, err := WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade connection to WebSocket")
		return
	}

	client := h.hub.newClient(conn, sessionID, "")
	go client.writePump()
	defer h.hub.unregister(client)

	logger := h.logger.WithFields(logrus.Fields{"session_id": sessionID, "remote_addr": r.RemoteAddr})
	s, err := h.sessions.StartSession(sessionID, opts, client)
	if err != nil {
		logger.WithError(err).Warn("Failed to start voice session")
		client.SendJSON(errorMessage(session.MessageSessionError, err))
		return
	}
	// only the connection owning the session receives its broadcasts
	h.hub.register(client)
	logger.Info("Voice stream connected")

	owned := h.readLoop(client, s, opts, logger)
	if owned != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.config.StopTimeout)
		defer cancel()
		if current, err := h.sessions.Get(sessionID); err == nil && current == owned {
			if _, err := h.sessions.StopSession(ctx, sessionID); err != nil {
				logger.WithError(err).Debug("Session already stopped on disconnect")
			}
		}
	}
	logger.Info("Voice stream disconnected")
}

// readLoop handles frames until the peer disconnects or stops the session.
// It returns the session still owned by the connection, if any.
func (h *VoiceStreamHandler) readLoop(client *Client, s *session.VoiceSession, opts session.Options, logger *logrus.Entry) *session.VoiceSession {
	conn := client.conn
	conn.SetReadLimit(h.config.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	sessionID := client.sessionID
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Warn("Voice stream closed unexpectedly")
			}
			return s
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if messageType == websocket.BinaryMessage {
			if s == nil {
				client.SendJSON(errorMessage(session.MessageSessionError, errors.NewSessionNotFound(sessionID)))
				continue
			}
			if _, err := s.ProcessChunk(payload); err != nil {
				client.SendJSON(errorMessage(session.MessageSessionError, err))
			}
			continue
		}

		var msg controlMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			client.SendJSON(session.Message{Type: "error", Data: map[string]string{"message": "Invalid JSON message"}})
			continue
		}

		switch msg.Type {
		case controlHeartbeat:
			client.SendJSON(heartbeatAck())

		case controlStart, controlStartSession:
			if s == nil || s.State() == session.StateStopped {
				started, err := h.sessions.StartSession(sessionID, opts, client)
				if err != nil {
					client.SendJSON(errorMessage(session.MessageSessionError, err))
					continue
				}
				s = started
			}
			client.SendJSON(session.Message{Type: "session_status", Data: s.Status()})

		case controlAudio, controlAudioChunk:
			if s == nil {
				client.SendJSON(errorMessage(session.MessageSessionError, errors.NewSessionNotFound(sessionID)))
				continue
			}
			raw := audio.DecodePayload([]byte(msg.Data.Audio))
			if len(raw) == 0 {
				client.SendJSON(errorMessage(session.MessageSessionError, errors.NewInvalidAudio("empty audio payload")))
				continue
			}
			result, err := s.ProcessChunk(raw)
			if err != nil {
				client.SendJSON(errorMessage(session.MessageSessionError, err))
				continue
			}
			client.SendJSON(session.Message{Type: "audio_processed", Data: result})

		case controlTranscription:
			if s == nil {
				continue
			}
			if err := s.AppendTranscription(msg.Data.Text); err != nil {
				client.SendJSON(errorMessage(session.MessageSessionError, err))
			}

		case controlStop, controlStopSession:
			if s == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), h.config.StopTimeout)
			summary, err := h.sessions.StopSession(ctx, sessionID)
			cancel()
			if err != nil {
				client.SendJSON(errorMessage(session.MessageSessionError, err))
			} else {
				client.SendJSON(session.Message{Type: "voice_session_summary", Data: summary})
			}
			s = nil

		case controlStatus:
			client.SendJSON(session.Message{Type: "session_status", Data: h.sessions.ActiveSessions()})

		default:
			client.SendJSON(session.Message{Type: "error", Data: map[string]string{"message": "Unknown message type: " + msg.Type}})
		}
	}
}

func (h *VoiceStreamHandler) handleMonitor(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("org_id")

	conn, err := WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade connection to WebSocket")
		return
	}

	client := h.hub.newClient(conn, "", orgID)
	h.hub.register(client)
	go client.writePump()
	defer h.hub.unregister(client)

	client.SendJSON(session.Message{Type: "voice_monitor_connected", Data: map[string]interface{}{
		"org_id":          orgID,
		"active_sessions": h.sessions.ActiveSessions(),
		"timestamp":       time.Now().UTC(),
	}})
	h.logger.WithField("org_id", orgID).Info("Voice monitor connected")

	conn.SetReadLimit(h.config.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg controlMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			client.SendJSON(session.Message{Type: "error", Data: map[string]string{"message": "Invalid JSON"}})
			continue
		}
		switch msg.Type {
		case controlActive:
			client.SendJSON(session.Message{Type: "active_sessions", Data: h.sessions.ActiveSessions()})
		case controlHeartbeat:
			client.SendJSON(heartbeatAck())
		}
	}
}

func heartbeatAck() session.Message {
	return session.Message{Type: "heartbeat_ack", Data: map[string]interface{}{"timestamp": time.Now().UTC()}}
}

func errorMessage(messageType string, err error) session.Message {
	return session.Message{Type: messageType, Data: map[string]interface{}{
		"error": err.Error(),
		"code":  errors.GetErrorCode(err),
	}}
}
