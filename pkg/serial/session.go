package serial

import (
	"context"
	stderrors "errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/errors"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/grbl"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/report"
)

const (
	// maxRawLine bounds the bytes kept for one line before its terminator.
	// The interpreter rejects anything this long as an overflow anyway.
	maxRawLine = 4096
	// outputQueue is the number of responses buffered for the writer.
	outputQueue = 256
)

// Controller is the part of the controller a session drives.
type Controller interface {
	Realtime(b byte) bool
	Enqueue(ctx context.Context, client uuid.UUID, text string) error
	Register(s report.Sink) uuid.UUID
	Unregister(id uuid.UUID)
}

// Session bridges one byte stream to the controller. Realtime bytes are
// acted on as soon as they are read, even while the line queue is full.
type Session struct {
	ctrl   Controller
	rw     io.ReadWriter
	client uuid.UUID
	logger *log.Logger

	mu      sync.Mutex
	pending []string
	signal  chan struct{}

	out    chan string
	done   <-chan struct{}
	cancel context.CancelFunc
}

// Serve runs a session on rw until ctx is done or rw fails. If rw is an
// io.Closer it is closed when ctx is done to unblock the reader. A clean
// end of stream or cancellation returns nil.
func Serve(ctx context.Context, c Controller, rw io.ReadWriter) error {
	s := &Session{
		ctrl:   c,
		rw:     rw,
		logger: log.GetLogger("serial"),
		signal: make(chan struct{}, 1),
		out:    make(chan string, outputQueue),
	}
	return s.run(ctx)
}

func (s *Session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.done, s.cancel = ctx.Done(), cancel

	s.client = s.ctrl.Register(report.SinkFunc(s.send))
	defer s.ctrl.Unregister(s.client)
	s.logger.WithField("client", s.client).Info("session started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.dispatch(ctx)
	}()
	go func() {
		defer wg.Done()
		s.write(ctx)
	}()
	if closer, ok := s.rw.(io.Closer); ok {
		go func() {
			<-ctx.Done()
			closer.Close()
		}()
	}

	err := s.read(ctx)
	cancel()
	wg.Wait()
	s.logger.WithField("client", s.client).Info("session ended")

	if ctx.Err() != nil || err == io.EOF || stderrors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// send is the reporter sink. Line responses wait for room in the output
// queue, which holds the controller back until the host reads. Other
// messages are dropped when the queue is full.
func (s *Session) send(text string) {
	if isLineResponse(text) {
		select {
		case s.out <- text:
		case <-s.done:
		}
		return
	}
	select {
	case s.out <- text:
	default:
		s.logger.WithField("client", s.client).Warnf("output queue full, dropped %q", strings.TrimSpace(text))
	}
}

func isLineResponse(text string) bool {
	return text == "ok\r\n" || strings.HasPrefix(text, "error:")
}

func (s *Session) read(ctx context.Context) error {
	buf := make([]byte, 256)
	line := make([]byte, 0, 128)
	lastCR := false
	for {
		n, err := s.rw.Read(buf)
		for _, b := range buf[:n] {
			if b == '\n' && lastCR {
				lastCR = false
				continue
			}
			lastCR = b == '\r'
			switch {
			case b == grbl.CmdReset:
				s.flushPending()
				line = line[:0]
				s.ctrl.Realtime(b)
			case s.ctrl.Realtime(b):
			case b == '\n' || b == '\r':
				s.push(string(line))
				line = line[:0]
			case len(line) < maxRawLine:
				line = append(line, b)
			}
		}
		if err != nil {
			if err == ErrTimeout && ctx.Err() == nil {
				continue
			}
			if ctx.Err() == nil && err != io.EOF {
				return errors.Wrap(err, errors.ErrTransportIO, "read failed")
			}
			return err
		}
	}
}

func (s *Session) push(line string) {
	s.mu.Lock()
	s.pending = append(s.pending, line)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// flushPending drops lines received but not yet handed to the controller.
func (s *Session) flushPending() {
	s.mu.Lock()
	n := len(s.pending)
	s.pending = nil
	s.mu.Unlock()
	if n > 0 {
		s.logger.WithField("lines", n).Debug("pending lines discarded by reset")
	}
}

func (s *Session) pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return "", false
	}
	line := s.pending[0]
	s.pending = s.pending[1:]
	return line, true
}

func (s *Session) dispatch(ctx context.Context) {
	for {
		line, ok := s.pop()
		if !ok {
			select {
			case <-s.signal:
				continue
			case <-ctx.Done():
				return
			}
		}
		if err := s.ctrl.Enqueue(ctx, s.client, line); err != nil {
			return
		}
	}
}

func (s *Session) write(ctx context.Context) {
	for {
		select {
		case text := <-s.out:
			if _, err := io.WriteString(s.rw, text); err != nil {
				if ctx.Err() == nil {
					s.logger.WithError(err).Warn("write failed")
				}
				s.cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
