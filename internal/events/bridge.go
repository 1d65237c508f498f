package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/flowpbx/flowphone/internal/phone"
)

const publishTimeout = 5 * time.Second

// Bridge publishes controller events under a topic prefix:
//
//	<prefix>/state            retained snapshot after every change
//	<prefix>/events/<type>    one message per notification
type Bridge struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NewBridge creates a Bridge. Trailing slashes in prefix are ignored.
func NewBridge(pub Publisher, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		pub:    pub,
		prefix: strings.TrimRight(prefix, "/"),
		logger: logger.With("subsystem", "events"),
	}
}

// StateTopic is where the retained snapshot is published.
func (b *Bridge) StateTopic() string {
	return b.prefix + "/state"
}

// EventTopic is where notifications of type t are published.
func (b *Bridge) EventTopic(t phone.EventType) string {
	return b.prefix + "/events/" + string(t)
}

// OnlineTopic carries the retained availability flag.
func OnlineTopic(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/online"
}

// notification is the payload of an event message.
type notification struct {
	Type  phone.EventType    `json:"type"`
	Time  time.Time          `json:"time"`
	Peer  string             `json:"peer,omitempty"`
	Call  *phone.CallSummary `json:"call,omitempty"`
	Error string             `json:"error,omitempty"`
}

// Run consumes events until the channel is closed or ctx is cancelled.
// Publish failures are logged and do not stop the bridge.
func (b *Bridge) Run(ctx context.Context, events <-chan phone.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.Handle(ctx, ev)
		}
	}
}

// Handle publishes one event.
func (b *Bridge) Handle(ctx context.Context, ev phone.Event) {
	if ev.Type == phone.EventState {
		b.publish(ctx, b.StateTopic(), ev.Snapshot, true)
		return
	}
	b.publish(ctx, b.EventTopic(ev.Type), notification{
		Type:  ev.Type,
		Time:  ev.Time,
		Peer:  ev.Peer,
		Call:  ev.Call,
		Error: ev.Message,
	}, false)
}

func (b *Bridge) publish(ctx context.Context, topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("failed to encode event", "topic", topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.pub.Publish(ctx, topic, payload, retained); err != nil {
		b.logger.Warn("failed to publish event", "topic", topic, "error", err)
		return
	}
	b.logger.Debug("event published", "topic", topic)
}
