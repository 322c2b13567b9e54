// Package errreport forwards fail-closed pipeline errors to Sentry.
package errreport

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/mbd888/refguard/internal/logging"
	"github.com/mbd888/refguard/internal/risk"
)

// Reporter captures errors with tags. A Reporter with no DSN is a no-op.
type Reporter struct {
	hub *sentry.Hub
}

var _ risk.ErrorReporter = (*Reporter)(nil)

// Init configures the global Sentry hub so the gin middleware shares the
// same client. An empty dsn returns a disabled reporter.
func Init(dsn, env, release string) (*Reporter, error) {
	if dsn == "" {
		return &Reporter{}, nil
	}
	r, err := newReporter(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env,
		Release:          release,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, err
	}
	sentry.CurrentHub().BindClient(r.hub.Client())
	return r, nil
}

func newReporter(opts sentry.ClientOptions) (*Reporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Enabled reports whether errors are sent anywhere.
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// Report implements risk.ErrorReporter. A request-scoped hub from the gin
// middleware is preferred so events carry request data.
func (r *Reporter) Report(ctx context.Context, err error, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = r.hub
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		if id := logging.RequestID(ctx); id != "" {
			scope.SetTag("request_id", id)
		}
		scope.SetLevel(sentry.LevelError)
		hub.CaptureException(err)
	})
}

// Flush waits up to timeout for buffered events to be sent.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}
