package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestMonitorRoutes(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := NewMonitor(logger)
	m.Handle("GET /api/ping", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))

	LoggerState.Set(3)
	PacketsParsed.WithLabelValues("online_data").Inc()

	rec := httptest.NewRecorder()
	m.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	m.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	assert.Equal(t, "pong", rec.Body.String())

	rec = httptest.NewRecorder()
	m.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "labdisc_logger_state 3"))
	assert.True(t, strings.Contains(body, `labdisc_packets_parsed_total{type="online_data"}`))
}

func TestShutdownWithoutServer(t *testing.T) {
	m := &Monitor{}
	assert.NoError(t, m.Shutdown(context.Background()))
}
