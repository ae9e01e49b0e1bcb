package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := newLogger("warn", "json", &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = newLogger("loud", "text", io.Discard)
	require.Error(t, err)
	_, err = newLogger("info", "yaml", io.Discard)
	require.Error(t, err)
}

func TestOriginChecker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		allowed  []string
		loopback bool
		host     string
		origin   string
		want     bool
	}{
		{name: "no origin", host: "charon.local:7890", want: true},
		{name: "same origin", host: "charon.local:7890", origin: "http://charon.local:7890", want: true},
		{name: "listed origin", allowed: []string{"https://console.example"}, host: "charon.local:7890", origin: "https://console.example", want: true},
		{name: "foreign origin", allowed: []string{"https://console.example"}, host: "charon.local:7890", origin: "https://evil.example", want: false},
		{name: "wildcard", allowed: []string{"*"}, host: "charon.local", origin: "https://anywhere.example", want: true},
		{name: "loopback same origin", loopback: true, host: "127.0.0.1:7890", origin: "http://127.0.0.1:7890", want: true},
		{name: "localhost same origin", loopback: true, host: "localhost:7890", origin: "http://localhost:7890", want: true},
		{name: "ipv6 loopback", loopback: true, host: "[::1]:7890", origin: "http://[::1]:7890", want: true},
		{name: "rebound name", loopback: true, host: "evil.example:7890", origin: "http://evil.example:7890", want: false},
		{name: "rebound name without origin", loopback: true, host: "evil.example:7890", want: false},
		{name: "rebound name with wildcard", allowed: []string{"*"}, loopback: true, host: "evil.example:7890", origin: "http://evil.example:7890", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "http://"+tt.host+"/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed, tt.loopback)(r))
		})
	}
}

func TestHostGuard(t *testing.T) {
	t.Parallel()

	handler := hostGuard(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), slog.New(slog.DiscardHandler))

	tests := []struct {
		host string
		want int
	}{
		{host: "127.0.0.1:7890", want: http.StatusNoContent},
		{host: "localhost", want: http.StatusNoContent},
		{host: "LOCALHOST:7890", want: http.StatusNoContent},
		{host: "[::1]:7890", want: http.StatusNoContent},
		{host: "evil.example:7890", want: http.StatusForbidden},
		{host: "10.0.0.5:7890", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "http://charon/requests", nil)
		r.Host = tt.host
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, tt.want, w.Code, tt.host)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	for addr, want := range map[string]bool{
		"127.0.0.1:7890": true,
		"localhost:7890": true,
		"[::1]:7890":     true,
		":7890":          false,
		"0.0.0.0:7890":   false,
		"10.0.0.5:7890":  false,
		"bogus":          false,
	} {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestNewDaemonRoot(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.Root = filepath.Join(t.TempDir(), "absent")
	_, err := newDaemon(cfg, slog.New(slog.DiscardHandler))
	require.Error(t, err)

	cfg.Root = t.TempDir()
	d, err := newDaemon(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "http://evil.example:7890/healthz", nil)
	w := httptest.NewRecorder()
	d.http.Handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)

	r = httptest.NewRequest(http.MethodGet, "http://127.0.0.1:7890/healthz", nil)
	w = httptest.NewRecorder()
	d.http.Handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDaemonStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.CacheDir = filepath.Join(t.TempDir(), "cache")
	cfg.MaxJobs = 2

	d, err := newDaemon(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.run(ctx))
	assert.False(t, d.service.StartRequest("late", "x.ucp", nil))
}

func TestRunRejectsBadConfig(t *testing.T) {
	t.Parallel()

	err := run(context.Background(), []string{"-log-level", "loud"}, func(string) string { return "" }, io.Discard)
	require.Error(t, err)
}
