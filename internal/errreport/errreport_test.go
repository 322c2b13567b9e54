package errreport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/refguard/internal/logging"
)

func TestInit_DisabledWithoutDSN(t *testing.T) {
	r, err := Init("", "development", "dev")
	require.NoError(t, err)
	assert.False(t, r.Enabled())

	r.Report(context.Background(), errors.New("ignored"), nil)
	assert.True(t, r.Flush(time.Millisecond))
}

func TestInit_InvalidDSN(t *testing.T) {
	_, err := Init("not a dsn", "development", "dev")
	assert.Error(t, err)
}

func TestReport_CapturesTags(t *testing.T) {
	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	r, err := newReporter(sentry.ClientOptions{
		Dsn: "https://public@sentry.example.com/1",
		BeforeSend: func(e *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)

	ctx := logging.WithRequestID(context.Background(), "req-9")
	r.Report(ctx, errors.New("log write failed"), map[string]string{"referrer_id": "7"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "7", events[0].Tags["referrer_id"])
	assert.Equal(t, "req-9", events[0].Tags["request_id"])
	require.NotEmpty(t, events[0].Exception)
	assert.Equal(t, "log write failed", events[0].Exception[0].Value)
}

func TestReport_NilError(t *testing.T) {
	called := false
	r, err := newReporter(sentry.ClientOptions{
		Dsn: "https://public@sentry.example.com/1",
		BeforeSend: func(e *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			called = true
			return nil
		},
	})
	require.NoError(t, err)

	r.Report(context.Background(), nil, nil)
	assert.False(t, called)
}
