package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/report"
)

const (
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	writeWait   = 10 * time.Second
	maxMessage  = 512 * 1024
	sendQueue   = 256
	scriptQueue = 16
)

// WSClient is one websocket connection. G-code scripts run on their own
// goroutine in arrival order so realtime commands from the same client
// are never stuck behind a running script.
type WSClient struct {
	id       int64
	reportID uuid.UUID
	conn     *websocket.Conn
	server   *Server

	ctx     context.Context
	cancel  context.CancelFunc
	sendCh  chan any
	scripts chan jsonRPCRequest
	done    chan struct{}
	once    sync.Once

	subscribed atomic.Bool
}

func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	ctx, cancel := context.WithCancel(s.ctx)
	return &WSClient{
		id:      atomic.AddInt64(&s.nextWSID, 1),
		conn:    conn,
		server:  s,
		ctx:     ctx,
		cancel:  cancel,
		sendCh:  make(chan any, sendQueue),
		scripts: make(chan jsonRPCRequest, scriptQueue),
		done:    make(chan struct{}),
	}
}

// Send queues a message for the client. A full queue drops it.
func (c *WSClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.WithField("client", c.id).Warn("dropping message, send queue full")
	}
}

// sendText is the controller's report sink for this client.
func (c *WSClient) sendText(text string) {
	for _, line := range strings.Split(text, "\r\n") {
		if line == "" {
			continue
		}
		c.Send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_gcode_response",
			"params":  []string{line},
		})
	}
}

// Close closes the connection once.
func (c *WSClient) Close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		c.conn.Close()
	})
}

func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.WithError(err).Warn("websocket read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.WithError(err).Debug("websocket write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// scriptPump runs queued machine.gcode requests one at a time.
func (c *WSClient) scriptPump() {
	for {
		select {
		case req := <-c.scripts:
			c.reply(req)
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(nil, codeParseError, "Parse error")
		return
	}
	if req.Method == "machine.gcode" {
		select {
		case c.scripts <- req:
		default:
			c.sendError(req.ID, codeServerError, "too many scripts queued")
		}
		return
	}
	c.reply(req)
}

func (c *WSClient) reply(req jsonRPCRequest) {
	result, err := c.server.dispatchMethod(c.ctx, req.Method, req.Params, c)
	if err != nil {
		c.sendError(req.ID, rpcCode(err), err.Error())
		return
	}
	c.Send(jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func (c *WSClient) sendError(id any, code int, message string) {
	c.Send(jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	})
}

// handleWebSocket upgrades the connection and registers the client with
// the controller.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := s.newWSClient(conn)
	client.reportID = s.machine.Register(report.SinkFunc(client.sendText))

	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.logger.WithFields(log.Fields{"client": client.id, "report_id": client.reportID}).Info("websocket client connected")

	go client.writePump()
	go client.scriptPump()
	client.Send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notify_machine_connected",
		"params":  []any{map[string]any{"client_id": client.reportID.String()}},
	})

	client.readPump()
}

func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()
	s.machine.Unregister(client.reportID)

	s.logger.WithField("client", client.id).Info("websocket client disconnected")
}
