package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newHandlerRouter(engine *Engine) *gin.Engine {
	r := gin.New()
	h := NewHandler(engine)
	v1 := r.Group("/v1")
	h.RegisterProtectedRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r
}

func serve(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_ValidateReferral(t *testing.T) {
	store := newTestStore()
	seedActiveUser(store, 2, "margaret_k")
	r := newHandlerRouter(newTestEngine(store))

	body := `{"referrerId": 1, "referredId": 2, "profile": {"username": "margaret_k", "firstName": "Margaret", "profilePhotoPresent": true, "accountAgeDays": 30}}`
	w := serve(r, http.MethodPost, "/v1/referrals/validate", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Result ValidationResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Result.Valid)
	assert.Equal(t, 0, resp.Result.RiskScore)
	assert.Equal(t, []string{}, resp.Result.Flags)
}

func TestHandler_ValidateReferral_AccountAgeDefaultsToUnknown(t *testing.T) {
	store := newTestStore()
	seedActiveUser(store, 2, "margaret_k")
	r := newHandlerRouter(newTestEngine(store))

	// Without accountAgeDays the account is not treated as new
	body := `{"referrerId": 1, "referredId": 2, "profile": {"username": "margaret_k", "firstName": "Margaret", "profilePhotoPresent": true}}`
	w := serve(r, http.MethodPost, "/v1/referrals/validate", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "New account")
}

func TestHandler_ValidateReferral_Invalid(t *testing.T) {
	r := newHandlerRouter(newTestEngine(newTestStore()))

	w := serve(r, http.MethodPost, "/v1/referrals/validate", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")

	w = serve(r, http.MethodPost, "/v1/referrals/validate", `{"referrerId": 1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "referredId")
}

func TestHandler_FraudStats(t *testing.T) {
	store := newTestStore()
	require.NoError(t, store.LogFraudActivity(context.Background(), &FraudLogEntry{
		ID: "fl_1", RiskScore: 95, Status: StatusBlocked, Flags: []string{"Self-referral"}, Timestamp: testNow,
	}))
	r := newHandlerRouter(newTestEngine(store))

	w := serve(r, http.MethodGet, "/v1/admin/fraud/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Stats FraudStatistics `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Stats.TotalBlocked)
	assert.Equal(t, 1, resp.Stats.RiskDistribution[BucketCritical])
}

func TestHandler_FraudLogs(t *testing.T) {
	store := newTestStore()
	for i, score := range []int{60, 95} {
		require.NoError(t, store.LogFraudActivity(context.Background(), &FraudLogEntry{
			ID: fmt.Sprintf("fl_%d", i), RiskScore: score, Status: StatusFlagged, Timestamp: testNow.Add(time.Duration(i) * time.Second),
		}))
	}
	r := newHandlerRouter(newTestEngine(store))

	w := serve(r, http.MethodGet, "/v1/admin/fraud/logs?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page FraudLogPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Logs, 1)
	assert.Equal(t, "fl_1", page.Logs[0].ID)
	require.NotEmpty(t, page.NextCursor)

	w = serve(r, http.MethodGet, "/v1/admin/fraud/logs?limit=1&cursor="+page.NextCursor, "")
	require.Equal(t, http.StatusOK, w.Code)
	page = FraudLogPage{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Logs, 1)
	assert.Equal(t, "fl_0", page.Logs[0].ID)
	assert.Empty(t, page.NextCursor)

	w = serve(r, http.MethodGet, "/v1/admin/fraud/logs?cursor=%25%25", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_cursor")
}

func TestHandler_Reviews(t *testing.T) {
	store := flaggedStore(t, 42)
	r := newHandlerRouter(newTestEngine(store))

	w := serve(r, http.MethodGet, "/v1/admin/reviews?limit=abc", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"bad decision", "/v1/admin/reviews/42", `{"decision": "maybe"}`, http.StatusBadRequest},
		{"bad body", "/v1/admin/reviews/42", `{`, http.StatusBadRequest},
		{"bad id", "/v1/admin/reviews/0", `{"decision": "approved"}`, http.StatusBadRequest},
		{"unknown user", "/v1/admin/reviews/7", `{"decision": "approved"}`, http.StatusNotFound},
		{"approve", "/v1/admin/reviews/42", `{"decision": "approved", "notes": "ok"}`, http.StatusOK},
		{"again", "/v1/admin/reviews/42", `{"decision": "rejected"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestHandler_ReviewsEmptyList(t *testing.T) {
	r := newHandlerRouter(newTestEngine(newTestStore()))

	w := serve(r, http.MethodGet, "/v1/admin/reviews", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reviews": [], "count": 0}`, w.Body.String())
}
