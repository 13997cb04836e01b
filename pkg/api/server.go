// Package api provides a JSON-RPC 2.0 server over HTTP and websocket.
// Websocket clients are report clients of the controller: everything the
// controller sends them arrives as notify_gcode_response, and subscribers
// receive periodic notify_status_update pushes.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/errors"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/grbl"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/report"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/settings"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

// Machine is the controller surface the server drives.
type Machine interface {
	Snapshot() report.Snapshot
	Submit(ctx context.Context, client uuid.UUID, text string) (status.Code, error)
	Realtime(b byte) bool
	Register(s report.Sink) uuid.UUID
	Unregister(id uuid.UUID)
	Settings() *settings.Store
	Resets() uint64
}

// Server serves the JSON-RPC API.
type Server struct {
	machine Machine
	logger  *log.Logger

	httpServer *http.Server
	addr       string
	interval   time.Duration

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	ctx    context.Context
	cancel context.CancelFunc

	running   atomic.Bool
	startTime time.Time
}

// Config holds server configuration.
type Config struct {
	// Addr is the listen address (e.g., ":8080")
	Addr string

	// StatusInterval is the notify_status_update period (default: 250ms)
	StatusInterval time.Duration

	Machine Machine
}

// New creates a server.
func New(cfg Config) *Server {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		machine:   cfg.Machine,
		logger:    log.GetLogger("api"),
		addr:      cfg.Addr,
		interval:  cfg.StatusInterval,
		wsClients: make(map[int64]*WSClient),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	s.httpServer = &http.Server{Handler: s.Handler()}
	return s
}

// Handler returns the HTTP handler with every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/machine/status", s.handleMachineStatus)
	return s.corsMiddleware(mux)
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrAPI, "api listen").SetContext("address", s.addr)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.running.Store(true)
	s.logger.WithField("address", ln.Addr().String()).Info("api server listening")

	go s.statusBroadcastLoop()

	err := s.httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, errors.ErrAPI, "api server")
	}
	return nil
}

// Stop closes every websocket client and the listener.
func (s *Server) Stop() error {
	s.running.Store(false)
	s.cancel()

	s.wsClientMu.Lock()
	clients := s.wsClients
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()
	for _, client := range clients {
		client.Close()
	}

	return s.httpServer.Close()
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeServerError    = -32000
)

var errMethodNotFound = errors.New(errors.ErrAPI, "method not found")

// handleJSONRPC handles JSON-RPC 2.0 requests over plain HTTP.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONRPCError(w, nil, codeParseError, "Parse error")
		return
	}

	result, err := s.dispatchMethod(r.Context(), req.Method, req.Params, nil)
	if err != nil {
		s.writeJSONRPCError(w, req.ID, rpcCode(err), err.Error())
		return
	}
	s.writeJSONRPCResult(w, req.ID, result)
}

func rpcCode(err error) int {
	if err == errMethodNotFound {
		return codeMethodNotFound
	}
	return codeServerError
}

// dispatchMethod routes a method call. client is nil for plain HTTP.
func (s *Server) dispatchMethod(ctx context.Context, method string, params map[string]any, client *WSClient) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "machine.status":
		return s.methodMachineStatus()
	case "machine.gcode":
		return s.methodGCode(ctx, params, client)
	case "machine.realtime":
		return s.methodRealtime(params)
	case "machine.settings":
		return s.methodSettings()
	case "machine.subscribe":
		return s.methodSubscribe(params, client)
	default:
		return nil, errMethodNotFound
	}
}

// Method implementations

func (s *Server) methodServerInfo() (any, error) {
	hostname, _ := os.Hostname()
	s.wsClientMu.RLock()
	wsCount := len(s.wsClients)
	s.wsClientMu.RUnlock()

	return map[string]any{
		"firmware":        "Grbl",
		"version":         report.Version,
		"build":           report.VersionBuild,
		"hostname":        hostname,
		"websocket_count": wsCount,
		"uptime":          time.Since(s.startTime).Seconds(),
		"resets":          s.machine.Resets(),
	}, nil
}

func axisList(v [vecmath.NAxis]float64) []float64 { return v[:] }

func (s *Server) machineStatus() map[string]any {
	snap := s.machine.Snapshot()
	var wpos [vecmath.NAxis]float64
	for i := range wpos {
		wpos[i] = snap.MPos[i] - snap.WCO[i]
	}
	var pins strings.Builder
	for i, l := range vecmath.AxisNames {
		if snap.Pins&(1<<uint(i)) != 0 {
			pins.WriteByte(l)
		}
	}
	return map[string]any{
		"state":             snap.State.String(),
		"mpos":              axisList(snap.MPos),
		"wpos":              axisList(wpos),
		"wco":               axisList(snap.WCO),
		"feed_rate":         snap.FeedRate,
		"planner_available": snap.PlannerAvailable,
		"rx_available":      snap.RxAvailable,
		"pins":              pins.String(),
		"report":            strings.TrimSpace(report.RealtimeStatus(snap, s.machine.Settings().Get().StatusReportMask)),
	}
}

func (s *Server) methodMachineStatus() (any, error) {
	return s.machineStatus(), nil
}

type lineResult struct {
	Line     string `json:"line"`
	Response string `json:"response"`
	Code     int    `json:"code"`
}

// methodGCode runs each non-blank line of the script in order and reports
// every response. HTTP callers also get the text the controller sent them.
func (s *Server) methodGCode(ctx context.Context, params map[string]any, client *WSClient) (any, error) {
	script, ok := params["script"].(string)
	if !ok {
		return nil, errors.New(errors.ErrAPI, "missing 'script' parameter")
	}

	var id uuid.UUID
	var buf *report.Buffer
	if client != nil {
		id = client.reportID
	} else {
		buf = &report.Buffer{}
		id = s.machine.Register(buf)
		defer s.machine.Unregister(id)
	}

	results := make([]lineResult, 0)
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		code, err := s.machine.Submit(ctx, id, line)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrAPI, "line not executed").SetContext("line", line)
		}
		results = append(results, lineResult{
			Line:     line,
			Response: strings.TrimSpace(report.StatusLine(code)),
			Code:     int(code),
		})
	}

	result := map[string]any{"results": results}
	if buf != nil {
		output := make([]string, 0)
		for _, l := range buf.Lines() {
			if l != "ok" && !strings.HasPrefix(l, "error:") {
				output = append(output, l)
			}
		}
		result["output"] = output
	}
	return result, nil
}

var realtimeCommands = map[string]byte{
	"!":          grbl.CmdFeedHold,
	"~":          grbl.CmdCycleStart,
	"?":          grbl.CmdStatusReport,
	"reset":      grbl.CmdReset,
	"jog_cancel": grbl.CmdJogCancel,
}

func (s *Server) methodRealtime(params map[string]any) (any, error) {
	name, _ := params["command"].(string)
	b, ok := realtimeCommands[name]
	if !ok {
		return nil, errors.New(errors.ErrAPI, "unknown realtime command").SetContext("command", name)
	}
	s.machine.Realtime(b)
	return map[string]any{"command": name}, nil
}

func (s *Server) methodSettings() (any, error) {
	st := s.machine.Settings().Get()
	out := make(map[string]float64)
	for _, e := range st.Entries() {
		out["$"+strconv.Itoa(e.Number)] = e.Value
	}
	return map[string]any{"settings": out}, nil
}

func (s *Server) methodSubscribe(params map[string]any, client *WSClient) (any, error) {
	if client == nil {
		return nil, errors.New(errors.ErrAPI, "subscription requires a websocket connection")
	}
	on := true
	if v, ok := params["enable"].(bool); ok {
		on = v
	}
	client.subscribed.Store(on)
	return s.machineStatus(), nil
}

// REST endpoint handlers

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	result, _ := s.methodServerInfo()
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleMachineStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": s.machineStatus()})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// JSON response helpers

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeJSONRPCResult(w http.ResponseWriter, id any, result any) {
	s.writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeJSONRPCError(w http.ResponseWriter, id any, code int, message string) {
	s.writeJSON(w, jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	})
}

// statusBroadcastLoop pushes the machine status to subscribed clients.
func (s *Server) statusBroadcastLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.broadcastStatusUpdates()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) broadcastStatusUpdates() {
	s.wsClientMu.RLock()
	var targets []*WSClient
	for _, c := range s.wsClients {
		if c.subscribed.Load() {
			targets = append(targets, c)
		}
	}
	s.wsClientMu.RUnlock()
	if len(targets) == 0 {
		return
	}

	eventtime := time.Since(s.startTime).Seconds()
	notification := map[string]any{
		"jsonrpc": "2.0",
		"method":  "notify_status_update",
		"params":  []any{s.machineStatus(), eventtime},
	}
	for _, c := range targets {
		c.Send(notification)
	}
}
