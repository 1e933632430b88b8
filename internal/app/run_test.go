package app

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/chatlink/internal/config"
)

// 到達できないDATABASE_URLを使い、各サブコマンドが接続エラーで終了することを検証する。
func TestRun_DatabaseUnavailable_ReturnsError(t *testing.T) {
	for _, args := range [][]string{{}, {"serve"}, {"worker"}, {"cleanup"}} {
		t.Run(strings.Join(append([]string{"run"}, args...), " "), func(t *testing.T) {
			setTestEnv(t)

			var buf bytes.Buffer
			if err := Run(&buf, args); err == nil {
				t.Fatal("expected error when the database is unreachable")
			}
		})
	}
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "GOOGLE_REDIRECT_URL", "BASE_URL"} {
		t.Setenv(key, "")
	}

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

func TestRun_CleanupWithMemoryStore_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("SESSION_STORE", config.SessionStoreMemory)

	var buf bytes.Buffer
	err := Run(&buf, []string{"cleanup"})
	if err == nil || !strings.Contains(err.Error(), "memory") {
		t.Fatalf("err = %v, want memory store error", err)
	}
}

func TestRun_MigrateUnknownDirection_ReturnsError(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate", "sideways"}); err == nil {
		t.Fatal("expected error for unknown migration direction")
	}
}

func TestRunHealthcheck(t *testing.T) {
	newServer := func(status int) string {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				http.NotFound(w, r)
				return
			}
			w.WriteHeader(status)
		}))
		t.Cleanup(srv.Close)
		_, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
		if err != nil {
			t.Fatalf("split host port: %v", err)
		}
		return port
	}

	t.Run("healthy", func(t *testing.T) {
		t.Setenv("SERVER_PORT", newServer(http.StatusOK))
		if err := Run(&bytes.Buffer{}, []string{"healthcheck"}); err != nil {
			t.Errorf("expected healthy, got %v", err)
		}
	})

	t.Run("unhealthy", func(t *testing.T) {
		if err := runHealthcheck(newServer(http.StatusServiceUnavailable)); err == nil {
			t.Error("expected error for 503")
		}
	})
}
