package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// Gauges always appear; counters only after first observation.
	body := w.Body.String()
	for _, name := range []string{"guildgate_guilds_in_lockdown", "guildgate_active_websocket_clients"} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}

	EvaluationsTotal.WithLabelValues("approved", "approve").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, w.Body.String(), "guildgate_evaluations_total")
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestObserveSource_CountsDegraded(t *testing.T) {
	c := DegradedSourcesTotal.WithLabelValues("test.source")
	before := counterValue(t, c)

	ObserveSource("test.source", 10*time.Millisecond, nil)
	assert.Equal(t, before, counterValue(t, c))

	ObserveSource("test.source", 10*time.Millisecond, errors.New("boom"))
	assert.Equal(t, before+1, counterValue(t, c))
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	c := HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx")
	assert.GreaterOrEqual(t, counterValue(t, c), 1.0)
}
