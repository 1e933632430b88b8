package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type recordingHTTPMetrics struct {
	statuses  []int
	latencies int
}

func (m *recordingHTTPMetrics) RecordHTTPStatus(code int)            { m.statuses = append(m.statuses, code) }
func (m *recordingHTTPMetrics) RecordRequestLatency(_ time.Duration) { m.latencies++ }

var _ HTTPMetricsRecorder = (*recordingHTTPMetrics)(nil)

func runLogged(t *testing.T, req *http.Request, metrics HTTPMetricsRecorder, h http.HandlerFunc) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	NewLoggingMiddleware(logger, metrics)(h).ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

// TestLoggingMiddleware_LogsRequestFields はリクエストログに必要なフィールドが含まれることを検証する。
func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	entry := runLogged(t, httptest.NewRequest(http.MethodGet, "/api/posts", nil), nil,
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	if entry["method"] != "GET" || entry["path"] != "/api/posts" {
		t.Errorf("entry = %v", entry)
	}
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("expected duration_ms")
	}
	if _, ok := entry["user_id"]; ok {
		t.Error("user_id should be omitted for anonymous requests")
	}
}

func TestLoggingMiddleware_IncludesUserID(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/posts", nil)
	req = req.WithContext(ContextWithUserID(req.Context(), "user-123"))

	entry := runLogged(t, req, nil, func(w http.ResponseWriter, r *http.Request) {})

	if entry["user_id"] != "user-123" {
		t.Errorf("user_id = %v, want user-123", entry["user_id"])
	}
}

func TestLoggingMiddleware_LevelAndMetricsByStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantLevel string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusUnauthorized, "WARN"},
		{http.StatusBadGateway, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			metrics := &recordingHTTPMetrics{}
			entry := runLogged(t, httptest.NewRequest(http.MethodGet, "/x", nil), metrics,
				func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(tt.status) })

			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
			if len(metrics.statuses) != 1 || metrics.statuses[0] != tt.status || metrics.latencies != 1 {
				t.Errorf("metrics = %+v", metrics)
			}
		})
	}
}

func TestLoggingMiddleware_BodyWriteCapturesImplicit200(t *testing.T) {
	entry := runLogged(t, httptest.NewRequest(http.MethodGet, "/", nil), nil,
		func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })

	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
}
