// Package push alerts a mobile device about calls that rang out
// unanswered.
package push

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/flowphone/internal/phone"
)

const sendTimeout = 10 * time.Second

// Notification is a missed-call alert.
type Notification struct {
	Handle string
	CallID string
	Peer   string
	Time   time.Time
}

// Sender delivers a notification to the configured device.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Notifier sends one notification per missed_call event.
type Notifier struct {
	sender Sender
	logger *slog.Logger
}

// NewNotifier creates a Notifier that delivers through sender.
func NewNotifier(sender Sender, logger *slog.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		logger: logger.With("subsystem", "push"),
	}
}

// Run consumes events until the channel is closed or ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, events <-chan phone.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != phone.EventMissedCall {
				continue
			}
			n.notify(ctx, ev)
		}
	}
}

func (n *Notifier) notify(ctx context.Context, ev phone.Event) {
	note := Notification{Peer: ev.Peer, Time: ev.Time}
	if ev.Call != nil {
		note.Handle = ev.Call.Handle
		note.CallID = ev.Call.CallID
	}
	if note.Peer == "" {
		note.Peer = phone.UnknownCaller
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := n.sender.Send(ctx, note); err != nil {
		n.logger.Error("missed call notification failed",
			"handle", note.Handle,
			"peer", note.Peer,
			"error", err,
		)
		return
	}
	n.logger.Info("missed call notification sent", "handle", note.Handle, "peer", note.Peer)
}
