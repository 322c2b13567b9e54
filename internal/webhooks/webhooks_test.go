package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/refguard/internal/alerts"
	"github.com/mbd888/refguard/internal/logging"
	"github.com/mbd888/refguard/internal/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
}

type delivery struct {
	alert     alerts.Alert
	event     string
	timestamp string
	signature string
	body      []byte
}

func TestNotifier_SignedDelivery(t *testing.T) {
	received := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var d delivery
		d.body, _ = io.ReadAll(r.Body)
		d.event = r.Header.Get(HeaderEvent)
		d.timestamp = r.Header.Get(HeaderTimestamp)
		d.signature = r.Header.Get(HeaderSignature)
		_ = json.Unmarshal(d.body, &d.alert)
		received <- d
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "s3cret").WithRetry(fastRetry())
	ctx := logging.WithRequestID(context.Background(), "req_1")
	require.NoError(t, n.SendAdminAlert(ctx, "High risk referral: score 75"))

	got := <-received
	assert.Equal(t, "admin.alert", got.event)
	assert.Equal(t, "High risk referral: score 75", got.alert.Message)
	assert.Equal(t, "req_1", got.alert.RequestID)
	assert.NotEmpty(t, got.alert.ID)
	assert.NoError(t, Verify("s3cret", got.timestamp, got.body, got.signature))
	assert.ErrorIs(t, Verify("other", got.timestamp, got.body, got.signature), ErrBadSignature)
}

func TestNotifier_UnsignedWithoutSecret(t *testing.T) {
	var signature atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature.Store(r.Header.Get(HeaderSignature))
	}))
	defer srv.Close()

	require.NoError(t, NewNotifier(srv.URL, "").SendAdminAlert(context.Background(), "alert"))
	assert.Equal(t, "", signature.Load())
}

func TestNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewNotifier(srv.URL, "").WithRetry(fastRetry()).SendAdminAlert(context.Background(), "alert")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotifier_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewNotifier(srv.URL, "").WithRetry(fastRetry()).SendAdminAlert(context.Background(), "alert")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestNotifier_EmptyMessage(t *testing.T) {
	err := NewNotifier("http://127.0.0.1:1", "").SendAdminAlert(context.Background(), "")
	assert.ErrorIs(t, err, alerts.ErrEmptyMessage)
}

func TestNotifier_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewNotifier(url, "").WithRetry(fastRetry()).SendAdminAlert(context.Background(), "alert")
	assert.Error(t, err)
}

func TestSign_CoversTimestamp(t *testing.T) {
	body := []byte(`{"message":"x"}`)
	assert.NotEqual(t, Sign("k", "1", body), Sign("k", "2", body))
	assert.Len(t, Sign("k", "1", body), 64)
}
