// Package events mirrors controller events onto an MQTT broker so home
// automation and dashboards can follow the phone.
package events

import "context"

// Publisher defines the interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
	Close() error
}
