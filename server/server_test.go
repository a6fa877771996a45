package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/sameroom/chat"
	"github.com/onnwee/sameroom/telemetry"
)

type fakeProvider struct {
	ready  bool
	status chat.Status
}

func (f *fakeProvider) Status() chat.Status { return f.status }
func (f *fakeProvider) Ready() bool         { return f.ready }

func serve(t *testing.T, h http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzOK(t *testing.T) {
	rr := serve(t, NewMux(&fakeProvider{}), http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
		code     int
		status   string
	}{
		{"connected", &fakeProvider{ready: true, status: chat.Status{State: "reading", Connected: true}}, http.StatusOK, "ready"},
		{"reconnecting", &fakeProvider{status: chat.Status{State: "disconnected"}}, http.StatusServiceUnavailable, "not_ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(t, NewMux(tt.provider), http.MethodGet, "/readyz", nil)
			if rr.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rr.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["status"] != tt.status {
				t.Errorf("status = %q, want %q", body["status"], tt.status)
			}
			if tt.code != http.StatusOK && body["state"] != tt.provider.status.State {
				t.Errorf("state = %q, want %q", body["state"], tt.provider.status.State)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	p := &fakeProvider{ready: true, status: chat.Status{
		State: "reading", Connected: true, Session: "abc", Self: "sameroom", Team: "acme",
		Reconnects: 2, Users: 3, Channels: 4,
	}}
	h := NewMux(p)
	rr := serve(t, h, http.MethodGet, "/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got chat.Status
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if got.Self != "sameroom" || got.Team != "acme" || got.Reconnects != 2 || got.Channels != 4 {
		t.Errorf("status = %+v", got)
	}

	if rr := serve(t, h, http.MethodPost, "/status", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d, want 405", rr.Code)
	}
}

func TestCorrelationHeader(t *testing.T) {
	h := NewMux(&fakeProvider{})
	rr := serve(t, h, http.MethodGet, "/healthz", map[string]string{"X-Correlation-ID": "corr-123"})
	if got := rr.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("echoed correlation = %q", got)
	}
	rr = serve(t, h, http.MethodGet, "/healthz", nil)
	if got := rr.Header().Get("X-Correlation-ID"); len(got) != 36 {
		t.Errorf("generated correlation = %q, want a uuid", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	telemetry.Init()
	telemetry.IncReconnect()
	rr := serve(t, NewMux(&fakeProvider{}), http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "sameroom_reconnects_total") {
		t.Errorf("metrics missing reconnect counter (status %d)", rr.Code)
	}
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	tests := []struct {
		name      string
		cfg       *corsConfig
		origin    string
		method    string
		wantAllow string
		wantCode  int
	}{
		{"permissive", &corsConfig{permissive: true}, "http://x.test", http.MethodGet, "*", http.StatusOK},
		{"allowed origin", &corsConfig{allowedOrigins: []string{"https://ops.example.com"}}, "https://ops.example.com", http.MethodGet, "https://ops.example.com", http.StatusOK},
		{"wildcard subdomain", &corsConfig{allowedOrigins: []string{"*.example.com"}}, "https://grafana.example.com", http.MethodGet, "https://grafana.example.com", http.StatusOK},
		{"blocked origin", &corsConfig{allowedOrigins: []string{"https://ops.example.com"}}, "https://evil.test", http.MethodGet, "", http.StatusOK},
		{"preflight", &corsConfig{permissive: true}, "http://x.test", http.MethodOptions, "*", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(t, withCORSConfig(next, tt.cfg), tt.method, "/status", map[string]string{"Origin": tt.origin})
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
		})
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, &fakeProvider{}, "127.0.0.1:0") }()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("server returned error: %v", err)
	}
}

func TestLoadCORSConfig(t *testing.T) {
	tests := []struct {
		name       string
		env        string
		permissive string
		origins    string
		want       bool
		wantList   []string
	}{
		{"unset env is permissive", "", "", "", true, nil},
		{"development", "development", "", "", true, nil},
		{"production restricts", "production", "", " https://a.example.com , ,*.example.org", false, []string{"https://a.example.com", "*.example.org"}},
		{"override on", "production", "true", "", true, nil},
		{"override off", "dev", "0", "", false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV", tt.env)
			t.Setenv("CORS_PERMISSIVE", tt.permissive)
			t.Setenv("CORS_ALLOWED_ORIGINS", tt.origins)
			cfg := loadCORSConfig()
			if cfg.permissive != tt.want {
				t.Errorf("permissive = %v, want %v", cfg.permissive, tt.want)
			}
			if strings.Join(cfg.allowedOrigins, "|") != strings.Join(tt.wantList, "|") {
				t.Errorf("allowedOrigins = %q, want %q", cfg.allowedOrigins, tt.wantList)
			}
		})
	}
}
