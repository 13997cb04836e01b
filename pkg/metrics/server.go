// HTTP endpoint for the controller metrics.
//
//	srv := metrics.NewMetricsServer(m, ":9100")
//	go srv.Start()
//	defer srv.Shutdown(context.Background())
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/errors"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
)

// Gatherer renders metrics in Prometheus text format.
type Gatherer interface {
	Gather() string
}

// StateSource reports the machine state for the health check.
type StateSource interface {
	MachineState() (system.State, bool)
}

// MetricsServer serves /metrics, /health and /ready.
//
// /health answers 503 while the machine is in alarm when the gatherer is
// also a StateSource, and 200 otherwise. /ready answers 200 once serving.
type MetricsServer struct {
	source Gatherer
	server *http.Server
	mux    *http.ServeMux
	logger *log.Logger

	mu      sync.RWMutex
	addr    string
	serving bool
}

// NewMetricsServer creates a server for addr. Nothing listens until Start.
func NewMetricsServer(source Gatherer, addr string) *MetricsServer {
	ms := &MetricsServer{
		source: source,
		addr:   addr,
		mux:    http.NewServeMux(),
		logger: log.GetLogger("metrics"),
	}
	ms.mux.HandleFunc("/metrics", ms.handleMetrics)
	ms.mux.HandleFunc("/health", ms.handleHealth)
	ms.mux.HandleFunc("/ready", ms.handleReady)
	ms.server = &http.Server{
		Handler:      ms.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return ms
}

// Start listens and serves until Shutdown.
func (ms *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", ms.Address())
	if err != nil {
		return errors.Wrap(err, errors.ErrAPI, "metrics listen").SetContext("address", ms.Address())
	}
	return ms.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (ms *MetricsServer) Serve(ln net.Listener) error {
	ms.mu.Lock()
	ms.addr = ln.Addr().String()
	ms.serving = true
	ms.mu.Unlock()
	ms.logger.WithField("address", ln.Addr().String()).Info("metrics server listening")

	err := ms.server.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, errors.ErrAPI, "metrics server")
	}
	return nil
}

// Shutdown stops serving and waits for active requests.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	ms.mu.Lock()
	ms.serving = false
	ms.mu.Unlock()
	return ms.server.Shutdown(ctx)
}

// Address returns the listen address, resolved once serving.
func (ms *MetricsServer) Address() string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.addr
}

// Handler exposes the routes for embedding in another server.
func (ms *MetricsServer) Handler() http.Handler { return ms.mux }

func (ms *MetricsServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	output := ms.source.Gather()
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(output)))
		return
	}
	_, _ = w.Write([]byte(output))
}

func (ms *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	src, ok := ms.source.(StateSource)
	if !ok {
		_, _ = w.Write([]byte("OK\n"))
		return
	}
	state, known := src.MachineState()
	if !known {
		_, _ = w.Write([]byte("OK\n"))
		return
	}
	if state&system.StateAlarm != 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write([]byte(state.String() + "\n"))
}

func (ms *MetricsServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ms.mu.RLock()
	serving := ms.serving
	ms.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	if !serving {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not Ready\n"))
		return
	}
	_, _ = w.Write([]byte("Ready\n"))
}
