package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/alerting"
	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/metrics"
	"voice-integrity-server/pkg/session"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 54 * time.Second
	pongWait       = 60 * time.Second
	sendBufferSize = 256
)

// WebSocketUpgrader configures the WebSocket connection
var WebSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one connected WebSocket peer. A client belongs either to a
// voice session or to an organization's monitoring dashboard.
type Client struct {
	hub       *VoiceHub
	conn      *websocket.Conn
	send      chan []byte
	logger    *logrus.Entry
	sessionID string
	orgID     string
	closeOnce sync.Once
	closed    chan struct{}
	untrack   func()
}

// VoiceHub tracks WebSocket clients by session and by organization and
// delivers JSON messages to them
type VoiceHub struct {
	logger   *logrus.Entry
	mutex    sync.RWMutex
	sessions map[string]map[*Client]struct{}
	orgs     map[string]map[*Client]struct{}
}

var _ alerting.Broadcaster = (*VoiceHub)(nil)

// NewVoiceHub creates an empty hub
func NewVoiceHub(logger *logrus.Logger) *VoiceHub {
	return &VoiceHub{
		logger:   logger.WithField("component", "voice_hub"),
		sessions: make(map[string]map[*Client]struct{}),
		orgs:     make(map[string]map[*Client]struct{}),
	}
}

func (h *VoiceHub) newClient(conn *websocket.Conn, sessionID, orgID string) *Client {
	return &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		logger:    h.logger.WithFields(logrus.Fields{"session_id": sessionID, "org_id": orgID}),
		sessionID: sessionID,
		orgID:     orgID,
		closed:    make(chan struct{}),
		untrack:   metrics.TrackWebSocketClient(),
	}
}

func (h *VoiceHub) register(c *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if c.sessionID != "" {
		addClient(h.sessions, c.sessionID, c)
	} else if c.orgID != "" {
		addClient(h.orgs, c.orgID, c)
	}
}

func (h *VoiceHub) unregister(c *Client) {
	h.mutex.Lock()
	if c.sessionID != "" {
		removeClient(h.sessions, c.sessionID, c)
	} else if c.orgID != "" {
		removeClient(h.orgs, c.orgID, c)
	}
	h.mutex.Unlock()
	c.close()
}

func addClient(index map[string]map[*Client]struct{}, key string, c *Client) {
	clients, ok := index[key]
	if !ok {
		clients = make(map[*Client]struct{})
		index[key] = clients
	}
	clients[c] = struct{}{}
}

func removeClient(index map[string]map[*Client]struct{}, key string, c *Client) {
	if clients, ok := index[key]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(index, key)
		}
	}
}

// SendToSession delivers message to every client of a voice session. The
// message is marshaled before SendToSession returns.
func (h *VoiceHub) SendToSession(sessionID string, message interface{}) error {
	return h.deliver(h.sessions, sessionID, message)
}

// SendToOrganization delivers message to the organization's monitors
func (h *VoiceHub) SendToOrganization(orgID string, message interface{}) error {
	return h.deliver(h.orgs, orgID, message)
}

func (h *VoiceHub) deliver(index map[string]map[*Client]struct{}, key string, message interface{}) error {
	if key == "" {
		return nil
	}
	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal websocket message")
	}

	h.mutex.RLock()
	targets := make([]*Client, 0, len(index[key]))
	for c := range index[key] {
		targets = append(targets, c)
	}
	h.mutex.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.logger.WithField("key", key).Warn("Client send buffer full, disconnecting")
			go h.unregister(c)
		}
	}
	return nil
}

// SessionClients returns the number of clients attached to a session
func (h *VoiceHub) SessionClients(sessionID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions[sessionID])
}

// Stats reports connected client counts
func (h *VoiceHub) Stats() map[string]int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	sessionClients := 0
	for _, clients := range h.sessions {
		sessionClients += len(clients)
	}
	monitorClients := 0
	for _, clients := range h.orgs {
		monitorClients += len(clients)
	}
	return map[string]int{
		"session_clients": sessionClients,
		"monitor_clients": monitorClients,
	}
}

// Send implements session.Sink for the client owning a session
func (c *Client) Send(msg session.Message) error {
	return c.SendJSON(msg)
}

// SendJSON queues v for delivery
func (c *Client) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal websocket message")
	}
	if !c.enqueue(data) {
		return errors.Wrap(errors.ErrUnavailable, "websocket client not accepting messages")
	}
	return nil
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.closed:
		return false
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.untrack()
	})
}

// writePump pumps queued messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.WithError(err).Debug("WebSocket write failed")
				c.hub.unregister(c)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}

		case <-c.closed:
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes messages queued before the client closed
func (c *Client) drain() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
