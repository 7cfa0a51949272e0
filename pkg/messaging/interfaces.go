package messaging

import "context"

// Publisher is the broker surface used by the alerting and session layers
type Publisher interface {
	PublishAlert(ctx context.Context, sessionID string, alert interface{}) error
	PublishSessionSummary(ctx context.Context, sessionID string, summary interface{}) error
	IsConnected() bool
}

var _ Publisher = (*AMQPClient)(nil)
