package push

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// missedCallTTL is how long FCM keeps an undelivered alert.
const missedCallTTL = time.Hour

// messageSender is the part of messaging.Client the sender uses.
type messageSender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// FCMSender sends missed-call alerts via Firebase Cloud Messaging to one
// registration token.
type FCMSender struct {
	client messageSender
	token  string
	logger *slog.Logger
}

// NewFCMSender initialises a Firebase app from the service-account JSON
// file at credentialsFile. If credentialsFile is empty, the SDK falls back
// to GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMSender(ctx context.Context, credentialsFile, token string, logger *slog.Logger) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	logger = logger.With("subsystem", "push")
	logger.Info("fcm sender initialised")
	return &FCMSender{client: client, token: token, logger: logger}, nil
}

// Send delivers a missed-call alert.
func (f *FCMSender) Send(ctx context.Context, n Notification) error {
	id, err := f.client.Send(ctx, buildMessage(f.token, n))
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("fcm: token no longer valid: %w", err)
		}
		return fmt.Errorf("fcm: send failed: %w", err)
	}

	f.logger.Debug("fcm message sent", "message_id", id, "handle", n.Handle)
	return nil
}

func buildMessage(token string, n Notification) *messaging.Message {
	ttl := missedCallTTL
	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: "Missed call",
			Body:  "Missed call from " + n.Peer,
		},
		Data: map[string]string{
			"type":      "missed_call",
			"handle":    n.Handle,
			"call_id":   n.CallID,
			"caller_id": n.Peer,
			"time":      n.Time.UTC().Format(time.RFC3339),
		},
		Android: &messaging.AndroidConfig{
			Priority:    "high",
			TTL:         &ttl,
			CollapseKey: "missed_call",
		},
	}
}
