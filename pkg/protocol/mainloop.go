package protocol

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
)

// Line is one raw line from a client.
type Line struct {
	Client uuid.UUID
	Text   string
	// Result, if set, receives the line's status code. It must have room
	// for one value. It is closed unanswered when a reset discards the line.
	Result chan status.Code
}

// Handler executes normalized lines.
type Handler interface {
	// ExecuteSystem runs a '$' command.
	ExecuteSystem(client uuid.UUID, line string) status.Code
	// ExecuteGCode runs one G-code block.
	ExecuteGCode(client uuid.UUID, line string) status.Code
}

// Normalize strips whitespace, control characters and comments from raw
// and upcases letters. overflow is set when the result does not fit in
// the line buffer.
func Normalize(raw string) (line string, overflow bool) {
	buf := make([]byte, 0, len(raw))
	paren, semicolon := false, false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case paren:
			if c == ')' {
				paren = false
			}
		case semicolon || overflow:
		case c <= ' ':
		case c == '(':
			paren = true
		case c == ';':
			semicolon = true
		case len(buf) >= LineBufferSize-1:
			overflow = true
		case c >= 'a' && c <= 'z':
			buf = append(buf, c-'a'+'A')
		default:
			buf = append(buf, c)
		}
	}
	if overflow {
		return "", true
	}
	return string(buf), false
}

// Submit queues a line for the main loop. It blocks while the queue is
// full and fails once ctx is done.
func (p *Executor) Submit(ctx context.Context, l Line) error {
	select {
	case p.input <- l:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RxAvailable is the free space in the line queue.
func (p *Executor) RxAvailable() int { return cap(p.input) - len(p.input) }

// FlushInput discards every queued line.
func (p *Executor) FlushInput() int {
	n := 0
	for {
		select {
		case l := <-p.input:
			discard(l)
			n++
		default:
			if n > 0 {
				p.logger.WithField("lines", n).Debug("input flushed")
			}
			return n
		}
	}
}

func discard(l Line) {
	if l.Result != nil {
		close(l.Result)
	}
}

// MainLoop executes queued lines until the system aborts. While no input
// is pending it keeps starting queued motion and servicing realtime
// requests.
func (p *Executor) MainLoop(ctx context.Context, h Handler) {
	p.Bind(ctx)
	ticker := time.NewTicker(p.opts.Poll)
	defer ticker.Stop()

	for {
		select {
		case l := <-p.input:
			p.ExecuteRealtime()
			if p.sys.Abort() {
				discard(l)
				return
			}
			p.execute(h, l)
			if len(p.input) > 0 {
				continue
			}
		case <-ticker.C:
		case <-ctx.Done():
		}

		p.AutoCycleStart()
		p.ExecuteRealtime()
		if p.sys.Abort() {
			return
		}
	}
}

func (p *Executor) execute(h Handler, l Line) {
	start := time.Now()
	line, overflow := Normalize(l.Text)

	var code status.Code
	switch {
	case overflow:
		code = status.Overflow
	case line == "":
		code = status.OK
	case line[0] == '$':
		code = h.ExecuteSystem(l.Client, line)
	case p.sys.State().Any(system.StateAlarm | system.StateJog):
		code = status.SystemGCLock
	default:
		code = h.ExecuteGCode(l.Client, line)
	}

	if code != status.OK {
		p.logger.WithFields(log.Fields{"line": line, "code": uint8(code)}).Debug(code.String())
	}
	p.reporter.Status(l.Client, code)
	if p.opts.OnLine != nil {
		p.opts.OnLine(code, time.Since(start))
	}
	if l.Result != nil {
		l.Result <- code
	}
}
