// Package webhooks delivers admin alerts to an HTTP endpoint.
//
// Each alert is POSTed as JSON. When a secret is configured the body is
// signed with HMAC-SHA256 and the hex digest sent in X-Refguard-Signature,
// computed over "<timestamp>.<body>" so receivers can reject replays.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/refguard/internal/alerts"
	"github.com/mbd888/refguard/internal/idgen"
	"github.com/mbd888/refguard/internal/logging"
	"github.com/mbd888/refguard/internal/retry"
	"github.com/mbd888/refguard/internal/risk"
)

const (
	HeaderEvent     = "X-Refguard-Event"
	HeaderTimestamp = "X-Refguard-Timestamp"
	HeaderSignature = "X-Refguard-Signature"

	eventAdminAlert = "admin.alert"
)

// Notifier posts admin alerts to a webhook URL.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	retry  retry.Policy
	now    func() time.Time
}

var _ risk.AlertSink = (*Notifier)(nil)

// NewNotifier creates a notifier for url. An empty secret disables signing.
func NewNotifier(url, secret string) *Notifier {
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry.Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
		now:    time.Now,
	}
}

// WithClient replaces the HTTP client.
func (n *Notifier) WithClient(c *http.Client) *Notifier {
	n.client = c
	return n
}

// WithRetry replaces the delivery retry policy.
func (n *Notifier) WithRetry(p retry.Policy) *Notifier {
	n.retry = p
	return n
}

// SendAdminAlert implements risk.AlertSink. Network errors and 5xx
// responses are retried; other non-2xx responses are not.
func (n *Notifier) SendAdminAlert(ctx context.Context, message string) error {
	if message == "" {
		return alerts.ErrEmptyMessage
	}
	sentAt := n.now().UTC()
	body, err := json.Marshal(alerts.Alert{
		ID:        idgen.WithPrefix("alr_"),
		Message:   message,
		RequestID: logging.RequestID(ctx),
		SentAt:    sentAt,
	})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	ts := strconv.FormatInt(sentAt.Unix(), 10)

	err = retry.Do(ctx, n.retry, func() error {
		return n.post(ctx, body, ts)
	})
	if err != nil {
		return fmt.Errorf("deliver alert webhook: %w", err)
	}
	return nil
}

func (n *Notifier) post(ctx context.Context, body []byte, ts string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, eventAdminAlert)
	req.Header.Set(HeaderTimestamp, ts)
	if n.secret != "" {
		req.Header.Set(HeaderSignature, Sign(n.secret, ts, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// ErrBadSignature is returned by Verify when the signature does not match.
var ErrBadSignature = errors.New("webhook signature mismatch")

// Verify checks a signature produced by Sign in constant time.
func Verify(secret, timestamp string, body []byte, signature string) error {
	want := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
