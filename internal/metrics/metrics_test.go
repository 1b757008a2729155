package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthz_HealthyAndDegraded(t *testing.T) {
	h := NewHealthStatus()
	h.SetFeed("open", "ok", "ok", 1_700_000_000_000)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, "redis unchecked counts as degraded")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "open", body["feed_market"])
	assert.Equal(t, float64(1_700_000_000_000), body["last_bar_close_ms"])

	h.mu.Lock()
	h.RedisConnected = true
	h.SQLiteOK = true
	h.mu.Unlock()

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["sqlite_ok"])
	assert.NotEmpty(t, body["uptime"])
}
