package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/metrics"
)

const (
	MessageTypeAlert   = "voice_cheating_alert"
	MessageTypeSummary = "voice_session_summary"
)

// Envelope is the JSON body of every message published to the exchange
type Envelope struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// AMQPConfig holds AMQP client configuration
type AMQPConfig struct {
	URL               string        `yaml:"url" json:"url"`
	Exchange          string        `yaml:"exchange" json:"exchange"`
	ExchangeType      string        `yaml:"exchange_type" json:"exchange_type"`
	QueueName         string        `yaml:"queue_name" json:"queue_name"`
	AlertRoutingKey   string        `yaml:"alert_routing_key" json:"alert_routing_key"`
	SummaryRoutingKey string        `yaml:"summary_routing_key" json:"summary_routing_key"`
	Durable           bool          `yaml:"durable" json:"durable"`
	PublishTimeout    time.Duration `yaml:"publish_timeout" json:"publish_timeout"`
	// MessageTTL bounds how long unconsumed alerts stay queued
	MessageTTL time.Duration `yaml:"message_ttl" json:"message_ttl"`
}

// DefaultAMQPConfig returns the exchange layout used by the review dashboards
func DefaultAMQPConfig() AMQPConfig {
	return AMQPConfig{
		Exchange:          "voice_integrity",
		ExchangeType:      "topic",
		QueueName:         "voice_integrity_alerts",
		AlertRoutingKey:   "voice.alert",
		SummaryRoutingKey: "voice.summary",
		Durable:           true,
		PublishTimeout:    2 * time.Second,
		MessageTTL:        12 * time.Hour,
	}
}

// amqpChannel is the subset of *amqp.Channel the client publishes through
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPClient publishes integrity alerts and session summaries to a broker
type AMQPClient struct {
	logger    *logrus.Entry
	config    AMQPConfig
	conn      *amqp.Connection
	channel   amqpChannel
	connected bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewAMQPClient creates a client; Connect must be called before publishing
func NewAMQPClient(config AMQPConfig, logger *logrus.Logger) *AMQPClient {
	defaults := DefaultAMQPConfig()
	if config.ExchangeType == "" {
		config.ExchangeType = defaults.ExchangeType
	}
	if config.AlertRoutingKey == "" {
		config.AlertRoutingKey = defaults.AlertRoutingKey
	}
	if config.SummaryRoutingKey == "" {
		config.SummaryRoutingKey = defaults.SummaryRoutingKey
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}

	return &AMQPClient{
		logger:   logger.WithField("component", "amqp"),
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Connect dials the broker and declares the exchange, queue and bindings
func (c *AMQPClient) Connect(ctx context.Context) error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.connected {
		return nil
	}
	if c.config.URL == "" || c.config.Exchange == "" {
		return errors.New("AMQP URL or exchange not configured").WithCode("AMQP_NOT_CONFIGURED")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	connChan := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.Dial(c.config.URL)
		select {
		case connChan <- dialResult{conn, err}:
		case <-dialCtx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()

	var conn *amqp.Connection
	select {
	case result := <-connChan:
		if result.err != nil {
			return errors.Wrap(result.err, "failed to connect to AMQP server")
		}
		conn = result.conn
	case <-dialCtx.Done():
		return errors.Wrap(errors.ErrTimeout, "connection to AMQP server timed out")
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open AMQP channel")
	}

	if err := c.declare(channel); err != nil {
		channel.Close()
		conn.Close()
		return err
	}

	c.conn = conn
	c.channel = channel
	c.connected = true
	c.stopChan = make(chan struct{})
	metrics.SetAMQPConnectionStatus(true)

	c.logger.WithFields(logrus.Fields{
		"exchange": c.config.Exchange,
		"queue":    c.config.QueueName,
	}).Info("Connected to AMQP server")

	go c.monitorConnection(conn)
	return nil
}

func (c *AMQPClient) declare(channel *amqp.Channel) error {
	if err := channel.ExchangeDeclare(c.config.Exchange, c.config.ExchangeType, c.config.Durable, false, false, false, nil); err != nil {
		return errors.Wrap(err, "failed to declare AMQP exchange", map[string]interface{}{"exchange": c.config.Exchange})
	}
	if c.config.QueueName == "" {
		return nil
	}

	var args amqp.Table
	if c.config.MessageTTL > 0 {
		args = amqp.Table{"x-message-ttl": int64(c.config.MessageTTL / time.Millisecond)}
	}
	if _, err := channel.QueueDeclare(c.config.QueueName, c.config.Durable, false, false, false, args); err != nil {
		return errors.Wrap(err, "failed to declare AMQP queue", map[string]interface{}{"queue": c.config.QueueName})
	}
	for _, key := range []string{c.config.AlertRoutingKey, c.config.SummaryRoutingKey} {
		if err := channel.QueueBind(c.config.QueueName, key, c.config.Exchange, false, nil); err != nil {
			return errors.Wrap(err, "failed to bind AMQP queue", map[string]interface{}{"routing_key": key})
		}
	}
	return nil
}

// Disconnect closes the channel and connection
func (c *AMQPClient) Disconnect() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if !c.connected {
		return
	}
	close(c.stopChan)

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.connected = false
	metrics.SetAMQPConnectionStatus(false)
	c.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status
func (c *AMQPClient) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.connected
}

// PublishAlert publishes an integrity alert for sessionID
func (c *AMQPClient) PublishAlert(ctx context.Context, sessionID string, alert interface{}) error {
	return c.publish(ctx, c.config.AlertRoutingKey, MessageTypeAlert, sessionID, alert)
}

// PublishSessionSummary publishes the final summary of a stopped session
func (c *AMQPClient) PublishSessionSummary(ctx context.Context, sessionID string, summary interface{}) error {
	return c.publish(ctx, c.config.SummaryRoutingKey, MessageTypeSummary, sessionID, summary)
}

func (c *AMQPClient) publish(ctx context.Context, routingKey, msgType, sessionID string, payload interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"session_id": sessionID,
				"recover":    r,
			}).Error("Recovered from panic in AMQP publish")
			err = errors.New("AMQP publish panicked").WithField("session_id", sessionID)
		}
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RecordAMQPPublish(c.config.Exchange, status)
	}()

	body, err := json.Marshal(Envelope{
		Type:      msgType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal AMQP message")
	}

	c.connMutex.RLock()
	channel, connected := c.channel, c.connected
	c.connMutex.RUnlock()
	if !connected || channel == nil {
		return errors.Wrap(errors.ErrUnavailable, "not connected to AMQP server")
	}

	publishCtx, cancel := context.WithTimeout(ctx, c.config.PublishTimeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         msgType,
		Headers:      amqp.Table{"x-session-id": sessionID},
	}
	if c.config.MessageTTL > 0 {
		msg.Expiration = fmt.Sprintf("%d", int64(c.config.MessageTTL/time.Millisecond))
	}

	done := make(chan error, 1)
	go func() {
		done <- channel.Publish(c.config.Exchange, routingKey, false, false, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "failed to publish to AMQP", map[string]interface{}{"routing_key": routingKey})
		}
	case <-publishCtx.Done():
		return errors.Wrap(publishCtx.Err(), "publishing to AMQP timed out")
	}

	c.logger.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"routing_key": routingKey,
	}).Debug("Published message to AMQP")
	return nil
}

// monitorConnection reconnects with exponential backoff when the broker
// closes the connection
func (c *AMQPClient) monitorConnection(conn *amqp.Connection) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.connMutex.RLock()
	stop := c.stopChan
	c.connMutex.RUnlock()

	select {
	case <-stop:
		return
	case closeErr, ok := <-closeChan:
		if !ok {
			return
		}
		c.connMutex.Lock()
		c.connected = false
		c.connMutex.Unlock()
		metrics.SetAMQPConnectionStatus(false)

		c.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")

		for attempt := 1; attempt <= 10; attempt++ {
			err := c.Connect(context.Background())
			if err == nil {
				c.logger.Info("Successfully reconnected to AMQP server")
				return
			}
			c.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")

			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			select {
			case <-stop:
				return
			case <-time.After(backoff):
			}
		}
	}
}
