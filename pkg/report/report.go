// Package report formats every outgoing message and routes it to the
// connected clients.
//
// Line responses go to the client that sent the line; alarms, feedback
// messages and realtime status reports are broadcast.
package report

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/settings"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
)

// ClientAll addresses every registered client.
var ClientAll = uuid.Nil

// Sink receives text for one client. Send must not block for long.
type Sink interface {
	Send(text string)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(text string)

func (f SinkFunc) Send(text string) { f(text) }

// Reporter routes text to registered clients.
type Reporter struct {
	mu       sync.RWMutex
	clients  map[uuid.UUID]Sink
	snapshot func() Snapshot
	settings *settings.Store
	logger   *log.Logger
}

// New creates a reporter. st supplies the $10 report mask.
func New(st *settings.Store) *Reporter {
	return &Reporter{
		clients:  make(map[uuid.UUID]Sink),
		settings: st,
		logger:   log.GetLogger("report"),
	}
}

// Register adds a client and returns its id.
func (r *Reporter) Register(s Sink) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	r.clients[id] = s
	n := len(r.clients)
	r.mu.Unlock()
	r.logger.WithFields(log.Fields{"client": id.String(), "clients": n}).Debug("client registered")
	return id
}

// Unregister removes a client.
func (r *Reporter) Unregister(id uuid.UUID) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

// Clients returns the number of registered clients.
func (r *Reporter) Clients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// SetSnapshotSource installs the function that captures status reports.
func (r *Reporter) SetSnapshotSource(fn func() Snapshot) {
	r.mu.Lock()
	r.snapshot = fn
	r.mu.Unlock()
}

// Send writes text to client, or to every client for ClientAll. Text for
// an unknown client is dropped.
func (r *Reporter) Send(client uuid.UUID, text string) {
	if text == "" {
		return
	}
	r.mu.RLock()
	var targets []Sink
	if client == ClientAll {
		targets = make([]Sink, 0, len(r.clients))
		for _, s := range r.clients {
			targets = append(targets, s)
		}
	} else if s, ok := r.clients[client]; ok {
		targets = []Sink{s}
	}
	r.mu.RUnlock()
	for _, s := range targets {
		s.Send(text)
	}
}

func (r *Reporter) Status(client uuid.UUID, code status.Code) { r.Send(client, StatusLine(code)) }

func (r *Reporter) Alarm(a status.Alarm) {
	r.logger.WithField("alarm", uint8(a)).Warn(a.String())
	r.Send(ClientAll, AlarmLine(a))
}

func (r *Reporter) Feedback(m Message) { r.Send(ClientAll, MessageLine(m)) }

func (r *Reporter) Init(client uuid.UUID) { r.Send(client, InitMessage()) }

// RealtimeStatus sends a status report to client.
func (r *Reporter) RealtimeStatus(client uuid.UUID) {
	r.mu.RLock()
	fn := r.snapshot
	r.mu.RUnlock()
	if fn == nil {
		return
	}
	r.Send(client, RealtimeStatus(fn(), r.settings.Get().StatusReportMask))
}

// Buffer is a Sink that keeps what it receives, one entry per line.
type Buffer struct {
	mu    sync.Mutex
	lines []string
}

func (b *Buffer) Send(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range strings.Split(text, "\r\n") {
		if l != "" {
			b.lines = append(b.lines, l)
		}
	}
}

// Lines returns a copy of the received lines.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

// Take returns the received lines and clears the buffer.
func (b *Buffer) Take() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.lines
	b.lines = nil
	return out
}

// Contains reports whether any received line equals line.
func (b *Buffer) Contains(line string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.lines {
		if l == line {
			return true
		}
	}
	return false
}
