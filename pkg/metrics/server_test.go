package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/report"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
)

func sampled(state system.State) *ControllerMetrics {
	return NewControllerMetrics(func() report.Snapshot {
		return report.Snapshot{State: state, PlannerAvailable: 15, RxAvailable: 128}
	})
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHandleMetrics(t *testing.T) {
	m := sampled(system.StateCycle)
	m.LineDone(status.OK, time.Millisecond)
	srv := NewMetricsServer(m, ":0")

	w := get(t, srv.Handler(), http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain; version=0.0.4") {
		t.Errorf("unexpected content type %q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{
		`grbl_lines_total{response="ok"} 1`,
		`grbl_state{state="Run"} 1`,
		`grbl_planner_blocks_free 15`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHandleMetricsHead(t *testing.T) {
	srv := NewMetricsServer(sampled(system.StateIdle), ":0")
	w := get(t, srv.Handler(), http.MethodHead, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Error("HEAD should not write a body")
	}
	if w.Header().Get("Content-Length") == "" {
		t.Error("HEAD should set Content-Length")
	}
}

func TestHandleMetricsMethodNotAllowed(t *testing.T) {
	srv := NewMetricsServer(sampled(system.StateIdle), ":0")
	if w := get(t, srv.Handler(), http.MethodPost, "/metrics"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestHealthFollowsMachineState(t *testing.T) {
	tests := []struct {
		name string
		src  Gatherer
		code int
		body string
	}{
		{"idle", sampled(system.StateIdle), http.StatusOK, "Idle\n"},
		{"hold", sampled(system.StateHold), http.StatusOK, "Hold\n"},
		{"alarm", sampled(system.StateAlarm), http.StatusServiceUnavailable, "Alarm\n"},
		{"no sampler", NewControllerMetrics(nil), http.StatusOK, "OK\n"},
		{"plain registry", NewRegistry(), http.StatusOK, "OK\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, NewMetricsServer(tt.src, ":0").Handler(), http.MethodGet, "/health")
			if w.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, w.Code)
			}
			if w.Body.String() != tt.body {
				t.Errorf("expected body %q, got %q", tt.body, w.Body.String())
			}
		})
	}
}

func TestServeAndShutdown(t *testing.T) {
	srv := NewMetricsServer(sampled(system.StateIdle), "127.0.0.1:0")
	if w := get(t, srv.Handler(), http.MethodGet, "/ready"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before serving, got %d", w.Code)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/ready")
	if err != nil {
		t.Fatalf("GET /ready failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "Ready\n" {
		t.Errorf("expected Ready, got %d %q", resp.StatusCode, body)
	}
	if srv.Address() != ln.Addr().String() {
		t.Errorf("expected address %s, got %s", ln.Addr(), srv.Address())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v after shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}

func TestStartReportsListenError(t *testing.T) {
	if err := NewMetricsServer(NewRegistry(), "256.0.0.1:bad").Start(); err == nil {
		t.Error("expected a listen error")
	}
}
