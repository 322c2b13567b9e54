// Package alerts delivers admin alerts raised by the risk engine.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mbd888/refguard/internal/idgen"
	"github.com/mbd888/refguard/internal/logging"
	"github.com/mbd888/refguard/internal/retry"
	"github.com/mbd888/refguard/internal/risk"
)

// ErrEmptyMessage is returned for blank alerts.
var ErrEmptyMessage = errors.New("alert message is empty")

// Alert is the JSON payload published for each admin alert.
type Alert struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	RequestID string    `json:"requestId,omitempty"`
	SentAt    time.Time `json:"sentAt"`
}

// Publisher is the subset of *nats.Conn the notifier needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSNotifier publishes alerts to a NATS subject.
type NATSNotifier struct {
	pub     Publisher
	subject string
	retry   retry.Policy
	now     func() time.Time
}

var _ risk.AlertSink = (*NATSNotifier)(nil)

// NewNATSNotifier creates a notifier publishing to subject.
func NewNATSNotifier(pub Publisher, subject string) *NATSNotifier {
	return &NATSNotifier{
		pub:     pub,
		subject: subject,
		retry:   retry.Policy{Attempts: 3, BaseDelay: 25 * time.Millisecond, MaxDelay: 200 * time.Millisecond},
		now:     time.Now,
	}
}

// SendAdminAlert implements risk.AlertSink.
func (n *NATSNotifier) SendAdminAlert(ctx context.Context, message string) error {
	if message == "" {
		return ErrEmptyMessage
	}
	data, err := json.Marshal(Alert{
		ID:        idgen.WithPrefix("alr_"),
		Message:   message,
		RequestID: logging.RequestID(ctx),
		SentAt:    n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	err = retry.Do(ctx, n.retry, func() error {
		if err := n.pub.Publish(n.subject, data); err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubject) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish alert to %s: %w", n.subject, err)
	}
	return nil
}

// Connect dials NATS with reconnect handling that logs state changes.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("refguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
}

// LogNotifier writes alerts to the log. Used when no broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

var _ risk.AlertSink = (*LogNotifier)(nil)

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// SendAdminAlert implements risk.AlertSink.
func (l *LogNotifier) SendAdminAlert(ctx context.Context, message string) error {
	if message == "" {
		return ErrEmptyMessage
	}
	logging.Or(ctx, l.logger).Warn("admin alert", "message", message)
	return nil
}

// Fanout delivers each alert to every sink. A failing sink does not stop
// the others; their errors are joined.
type Fanout []risk.AlertSink

var _ risk.AlertSink = Fanout(nil)

// SendAdminAlert implements risk.AlertSink.
func (f Fanout) SendAdminAlert(ctx context.Context, message string) error {
	var errs []error
	for _, sink := range f {
		if err := sink.SendAdminAlert(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
