package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/circuitbreaker"
	"voice-integrity-server/pkg/classifier"
	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/messaging"
	"voice-integrity-server/pkg/metrics"
	"voice-integrity-server/pkg/realtime"
	"voice-integrity-server/pkg/version"
)

const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"

	TypeSessionAlert      = "voice_alert"
	TypeOrganizationAlert = "voice_cheating_alert"
)

// AlertManager fans integrity alerts out to notification channels
type AlertManager struct {
	config    AlertConfig
	logger    *logrus.Entry
	evaluator *AlertEvaluator
	channels  map[string]NotificationChannel
	order     []string
	recent    *realtime.Ring[*IntegrityAlert]
	breakers  *circuitbreaker.Manager
	mutex     sync.RWMutex
	wg        sync.WaitGroup
	closed    bool
}

// AlertConfig holds alerting configuration
type AlertConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// AlertThreshold is the probability an analysis cycle must exceed to raise
	AlertThreshold float64 `yaml:"alert_threshold" json:"alert_threshold"`
	// HighSeverityThreshold is the probability above which an alert is high severity
	HighSeverityThreshold float64         `yaml:"high_severity_threshold" json:"high_severity_threshold"`
	SendTimeout           time.Duration   `yaml:"send_timeout" json:"send_timeout"`
	HistorySize           int             `yaml:"history_size" json:"history_size"`
	DefaultOrganization   string          `yaml:"default_organization" json:"default_organization"`
	Channels              []ChannelConfig `yaml:"channels" json:"channels"`
}

// DefaultConfig returns alerting defaults
func DefaultConfig() AlertConfig {
	return AlertConfig{
		Enabled:               true,
		AlertThreshold:        0.7,
		HighSeverityThreshold: 0.8,
		SendTimeout:           5 * time.Second,
		HistorySize:           500,
		DefaultOrganization:   "1",
	}
}

// ChannelConfig defines notification channel configuration
type ChannelConfig struct {
	Name     string                 `yaml:"name" json:"name"`
	Type     string                 `yaml:"type" json:"type"` // log, webhook
	Settings map[string]interface{} `yaml:"settings" json:"settings"`
	Enabled  bool                   `yaml:"enabled" json:"enabled"`
}

// IntegrityAlert is raised when an analysis cycle crosses the alert threshold
type IntegrityAlert struct {
	ID                  string                 `json:"id"`
	SessionID           string                 `json:"session_id"`
	OrganizationID      string                 `json:"org_id,omitempty"`
	Severity            string                 `json:"severity"`
	Message             string                 `json:"message"`
	RiskScore           float64                `json:"risk_score"`
	Probability         float64                `json:"probability"`
	ContributingFactors []string               `json:"contributing_factors"`
	EvidenceSummary     map[string]interface{} `json:"evidence_summary"`
	ModelUsed           string                 `json:"model_used"`
	Timestamp           time.Time              `json:"timestamp"`
	NotifiedChannels    []string               `json:"notified_channels,omitempty"`
}

// NotificationChannel delivers alerts to one destination
type NotificationChannel interface {
	Send(ctx context.Context, alert *IntegrityAlert) error
	GetName() string
	IsEnabled() bool
}

// NewAlertManager creates an alert manager with the configured channels.
// Log is always present; other channels are added with AddChannel.
func NewAlertManager(config AlertConfig, logger *logrus.Logger) *AlertManager {
	defaults := DefaultConfig()
	if config.AlertThreshold <= 0 {
		config.AlertThreshold = defaults.AlertThreshold
	}
	if config.HighSeverityThreshold <= 0 {
		config.HighSeverityThreshold = defaults.HighSeverityThreshold
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if config.HistorySize <= 0 {
		config.HistorySize = defaults.HistorySize
	}
	if config.DefaultOrganization == "" {
		config.DefaultOrganization = defaults.DefaultOrganization
	}

	am := &AlertManager{
		config:    config,
		logger:    logger.WithField("component", "alerting"),
		evaluator: NewAlertEvaluator(config.AlertThreshold, config.HighSeverityThreshold),
		channels:  make(map[string]NotificationChannel),
		recent:    realtime.NewRing[*IntegrityAlert](config.HistorySize),
	}

	am.AddChannel(NewLogChannel("log", logger))
	for _, channelConfig := range config.Channels {
		if channel := am.createChannel(channelConfig, logger); channel != nil {
			am.AddChannel(channel)
		}
	}

	am.logger.WithFields(logrus.Fields{
		"channels":        len(am.channels),
		"alert_threshold": config.AlertThreshold,
	}).Info("Alert manager initialized")
	return am
}

func (am *AlertManager) createChannel(config ChannelConfig, logger *logrus.Logger) NotificationChannel {
	switch config.Type {
	case "log":
		return NewLogChannel(config.Name, logger)
	case "webhook":
		return NewWebhookChannel(config, logger)
	default:
		am.logger.WithField("type", config.Type).Warn("Unknown channel type")
		return nil
	}
}

// AddChannel registers channel, replacing any channel with the same name
func (am *AlertManager) AddChannel(channel NotificationChannel) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	if am.breakers != nil {
		channel = guard(channel, am.breakers)
	}
	if _, exists := am.channels[channel.GetName()]; !exists {
		am.order = append(am.order, channel.GetName())
	}
	am.channels[channel.GetName()] = channel
}

// Evaluator returns the threshold evaluator shared with sessions
func (am *AlertManager) Evaluator() *AlertEvaluator {
	return am.evaluator
}

// SetAlertThreshold changes the raise threshold at runtime
func (am *AlertManager) SetAlertThreshold(threshold float64) {
	am.evaluator.SetThreshold(threshold)
}

// NewAlert builds the alert for prediction without sending it
func (am *AlertManager) NewAlert(prediction classifier.Prediction, orgID string) *IntegrityAlert {
	if orgID == "" {
		orgID = am.config.DefaultOrganization
	}
	return &IntegrityAlert{
		ID:                  uuid.New().String(),
		SessionID:           prediction.SessionID,
		OrganizationID:      orgID,
		Severity:            am.evaluator.Severity(prediction.Probability),
		Message:             fmt.Sprintf("High cheating probability detected: %.1f%%", prediction.Probability*100),
		RiskScore:           prediction.RiskScore,
		Probability:         prediction.Probability,
		ContributingFactors: prediction.ContributingFactors,
		EvidenceSummary:     prediction.EvidenceSummary,
		ModelUsed:           prediction.ModelUsed,
		Timestamp:           time.Now().UTC(),
	}
}

// ShouldAlert reports whether probability crosses the raise threshold
func (am *AlertManager) ShouldAlert(probability float64) bool {
	return am.evaluator.ShouldAlert(probability)
}

// RaiseFor builds and raises the alert for prediction
func (am *AlertManager) RaiseFor(ctx context.Context, prediction classifier.Prediction, orgID string) (*IntegrityAlert, error) {
	alert := am.NewAlert(prediction, orgID)
	return alert, am.Raise(ctx, alert)
}

// Raise delivers alert to every enabled channel concurrently and waits for
// all of them. Channel failures are logged and returned together; they
// never stop delivery to the remaining channels.
func (am *AlertManager) Raise(ctx context.Context, alert *IntegrityAlert) error {
	am.mutex.Lock()
	if am.closed {
		am.mutex.Unlock()
		return errors.Wrap(errors.ErrUnavailable, "alert manager stopped")
	}
	if !am.config.Enabled {
		am.mutex.Unlock()
		return nil
	}
	channels := make([]NotificationChannel, 0, len(am.order))
	for _, name := range am.order {
		if ch := am.channels[name]; ch.IsEnabled() {
			channels = append(channels, ch)
		}
	}
	am.wg.Add(1)
	am.mutex.Unlock()
	defer am.wg.Done()

	metrics.RecordAlert(alert.Severity)

	sendCtx, cancel := context.WithTimeout(ctx, am.config.SendTimeout)
	defer cancel()

	results := make([]error, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch NotificationChannel) {
			defer wg.Done()
			results[i] = am.send(sendCtx, ch, alert)
		}(i, ch)
	}
	wg.Wait()

	var failed []string
	for i, err := range results {
		if err == nil {
			alert.NotifiedChannels = append(alert.NotifiedChannels, channels[i].GetName())
		} else {
			failed = append(failed, channels[i].GetName())
		}
	}

	am.mutex.Lock()
	am.recent.Push(alert)
	am.mutex.Unlock()

	if len(failed) > 0 {
		return errors.New("alert delivery failed").
			WithField("alert_id", alert.ID).
			WithField("channels", failed)
	}
	return nil
}

func (am *AlertManager) send(ctx context.Context, ch NotificationChannel, alert *IntegrityAlert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panicked: %v", r)
		}
		status := "success"
		if err != nil {
			status = "error"
			am.logger.WithError(err).WithFields(logrus.Fields{
				"channel":  ch.GetName(),
				"alert_id": alert.ID,
			}).Error("Failed to send alert notification")
		}
		metrics.RecordAlertDelivery(ch.GetName(), status)
	}()
	return ch.Send(ctx, alert)
}

// RecentAlerts returns up to limit of the newest alerts, optionally for one
// session, oldest first
func (am *AlertManager) RecentAlerts(sessionID string, limit int) []*IntegrityAlert {
	am.mutex.RLock()
	all := am.recent.All()
	am.mutex.RUnlock()

	var out []*IntegrityAlert
	for _, a := range all {
		if sessionID == "" || a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stop rejects new alerts and waits for in-flight deliveries to drain
func (am *AlertManager) Stop() {
	am.mutex.Lock()
	am.closed = true
	am.mutex.Unlock()
	am.wg.Wait()
	am.logger.Info("Alert manager stopped")
}

// Log Channel Implementation

type LogChannel struct {
	name   string
	logger *logrus.Entry
}

func NewLogChannel(name string, logger *logrus.Logger) *LogChannel {
	return &LogChannel{name: name, logger: logger.WithField("component", "alerting.log")}
}

func (l *LogChannel) Send(ctx context.Context, alert *IntegrityAlert) error {
	l.logger.WithFields(logrus.Fields{
		"alert_id":    alert.ID,
		"session_id":  alert.SessionID,
		"severity":    alert.Severity,
		"probability": alert.Probability,
		"risk_score":  alert.RiskScore,
		"factors":     alert.ContributingFactors,
	}).Warn(alert.Message)
	return nil
}

func (l *LogChannel) GetName() string { return l.name }
func (l *LogChannel) IsEnabled() bool { return true }

// Broadcast Channel Implementation

// Broadcaster pushes JSON messages to connected websocket clients
type Broadcaster interface {
	SendToSession(sessionID string, message interface{}) error
	SendToOrganization(orgID string, message interface{}) error
}

// BroadcastChannel sends voice_alert to the session's participants and
// voice_cheating_alert to the organization's reviewers
type BroadcastChannel struct {
	name        string
	broadcaster Broadcaster
}

func NewBroadcastChannel(name string, broadcaster Broadcaster) *BroadcastChannel {
	return &BroadcastChannel{name: name, broadcaster: broadcaster}
}

func (b *BroadcastChannel) Send(ctx context.Context, alert *IntegrityAlert) error {
	now := time.Now().UTC()
	sessionErr := b.broadcaster.SendToSession(alert.SessionID, map[string]interface{}{
		"type":      TypeSessionAlert,
		"severity":  alert.Severity,
		"message":   alert.Message,
		"data":      alert,
		"timestamp": now,
	})
	orgErr := b.broadcaster.SendToOrganization(alert.OrganizationID, map[string]interface{}{
		"type":       TypeOrganizationAlert,
		"session_id": alert.SessionID,
		"alert_data": alert,
		"timestamp":  now,
	})
	if sessionErr != nil {
		return errors.Wrap(sessionErr, "failed to broadcast session alert")
	}
	if orgErr != nil {
		return errors.Wrap(orgErr, "failed to broadcast organization alert")
	}
	return nil
}

func (b *BroadcastChannel) GetName() string { return b.name }
func (b *BroadcastChannel) IsEnabled() bool { return b.broadcaster != nil }

// AMQP Channel Implementation

type AMQPChannel struct {
	name      string
	publisher messaging.Publisher
}

func NewAMQPChannel(name string, publisher messaging.Publisher) *AMQPChannel {
	return &AMQPChannel{name: name, publisher: publisher}
}

func (a *AMQPChannel) Send(ctx context.Context, alert *IntegrityAlert) error {
	return a.publisher.PublishAlert(ctx, alert.SessionID, alert)
}

func (a *AMQPChannel) GetName() string { return a.name }
func (a *AMQPChannel) IsEnabled() bool { return a.publisher != nil && a.publisher.IsConnected() }

// Webhook Channel Implementation

type WebhookChannel struct {
	name    string
	url     string
	method  string
	headers map[string]string
	enabled bool
	client  *http.Client
	logger  *logrus.Entry
}

func NewWebhookChannel(config ChannelConfig, logger *logrus.Logger) *WebhookChannel {
	url, _ := config.Settings["url"].(string)
	method, _ := config.Settings["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	headers := make(map[string]string)
	switch raw := config.Settings["headers"].(type) {
	case map[string]string:
		headers = raw
	case map[string]interface{}:
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	return &WebhookChannel{
		name:    config.Name,
		url:     url,
		method:  method,
		headers: headers,
		enabled: config.Enabled,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.WithField("component", "alerting.webhook"),
	}
}

func (w *WebhookChannel) Send(ctx context.Context, alert *IntegrityAlert) error {
	if w.url == "" {
		return errors.NewInvalidInput("webhook channel has no url").WithField("channel", w.name)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"alert":     alert,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, w.method, w.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send webhook request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errors.New("webhook returned error status").
			WithField("status", resp.StatusCode).
			WithField("channel", w.name)
	}

	w.logger.WithField("alert_id", alert.ID).Debug("Webhook alert sent successfully")
	return nil
}

func (w *WebhookChannel) GetName() string { return w.name }
func (w *WebhookChannel) IsEnabled() bool { return w.enabled }
