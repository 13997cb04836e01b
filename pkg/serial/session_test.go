package serial

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/report"
)

type fakeController struct {
	mu           sync.Mutex
	realtime     []byte
	lines        []string
	sink         report.Sink
	id           uuid.UUID
	unregistered bool
	// gate, if set, holds the first Enqueue until closed.
	gate chan struct{}
}

func (f *fakeController) Realtime(b byte) bool {
	switch b {
	case '?', '!', '~', 0x18:
	default:
		if b < 0x80 {
			return false
		}
	}
	f.mu.Lock()
	f.realtime = append(f.realtime, b)
	f.mu.Unlock()
	return true
}

func (f *fakeController) Enqueue(ctx context.Context, _ uuid.UUID, text string) error {
	f.mu.Lock()
	f.lines = append(f.lines, text)
	first := len(f.lines) == 1
	sink := f.sink
	f.mu.Unlock()
	if first && f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	sink.Send("ok\r\n")
	return nil
}

func (f *fakeController) Register(s report.Sink) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = s
	f.id = uuid.New()
	return f.id
}

func (f *fakeController) Unregister(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.id {
		f.unregistered = true
	}
}

func (f *fakeController) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeController) Realtimes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.realtime...)
}

type rig struct {
	ctrl   *fakeController
	host   net.Conn
	cancel context.CancelFunc
	done   chan error
}

func startSession(t *testing.T, ctrl *fakeController) *rig {
	t.Helper()
	host, device := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	r := &rig{ctrl: ctrl, host: host, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- Serve(ctx, ctrl, device) }()
	t.Cleanup(func() {
		cancel()
		host.Close()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
	})
	require.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return ctrl.sink != nil
	}, time.Second, time.Millisecond)
	return r
}

func (r *rig) write(t *testing.T, s string) {
	t.Helper()
	_, err := r.host.Write([]byte(s))
	require.NoError(t, err)
}

func TestLinesAndRealtimeSplit(t *testing.T) {
	ctrl := &fakeController{}
	r := startSession(t, ctrl)

	r.write(t, "G0X1\r\n?G1")
	r.write(t, "X2\n!\r")

	in := bufio.NewScanner(r.host)
	for i := 0; i < 3; i++ {
		require.True(t, in.Scan())
		assert.Equal(t, "ok", in.Text())
	}
	assert.Equal(t, []string{"G0X1", "G1X2", ""}, ctrl.Lines())
	assert.Equal(t, []byte{'?', '!'}, ctrl.Realtimes())
}

func TestExtendedBytesAreNotLineText(t *testing.T) {
	ctrl := &fakeController{}
	r := startSession(t, ctrl)

	r.write(t, "G4\x85P1\n")
	in := bufio.NewScanner(r.host)
	require.True(t, in.Scan())
	assert.Equal(t, []string{"G4P1"}, ctrl.Lines())
	assert.Equal(t, []byte{0x85}, ctrl.Realtimes())
}

func TestResetDropsPendingLines(t *testing.T) {
	ctrl := &fakeController{gate: make(chan struct{})}
	r := startSession(t, ctrl)

	r.write(t, "A\n")
	require.Eventually(t, func() bool { return len(ctrl.Lines()) == 1 }, time.Second, time.Millisecond)

	r.write(t, "B\nC\n\x18")
	require.Eventually(t, func() bool { return len(ctrl.Realtimes()) == 1 }, time.Second, time.Millisecond)
	close(ctrl.gate)

	r.write(t, "D\n")
	require.Eventually(t, func() bool { return len(ctrl.Lines()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"A", "D"}, ctrl.Lines())
}

func TestResetDiscardsPartialLine(t *testing.T) {
	ctrl := &fakeController{}
	r := startSession(t, ctrl)

	r.write(t, "G0X1\x18G1Y2\n")
	in := bufio.NewScanner(r.host)
	require.True(t, in.Scan())
	assert.Equal(t, []string{"G1Y2"}, ctrl.Lines())
	assert.Equal(t, []byte{0x18}, ctrl.Realtimes())
}

func TestSlowHostGetsEveryResponse(t *testing.T) {
	ctrl := &fakeController{}
	r := startSession(t, ctrl)

	const total = outputQueue + 144
	go func() {
		for i := 0; i < total; i++ {
			if _, err := r.host.Write([]byte("G0\n")); err != nil {
				return
			}
		}
	}()
	// Nothing is read yet, so the output queue fills and line dispatch stalls.
	require.Eventually(t, func() bool { return len(ctrl.Lines()) > outputQueue }, 5*time.Second, time.Millisecond)

	require.NoError(t, r.host.SetReadDeadline(time.Now().Add(10*time.Second)))
	in := bufio.NewScanner(r.host)
	for i := 0; i < total; i++ {
		require.True(t, in.Scan(), "response %d missing", i)
		assert.Equal(t, "ok", in.Text())
	}
	assert.Len(t, ctrl.Lines(), total)
}

func TestLongLineIsTruncated(t *testing.T) {
	ctrl := &fakeController{}
	r := startSession(t, ctrl)

	long := make([]byte, maxRawLine+100)
	for i := range long {
		long[i] = 'X'
	}
	r.write(t, string(long)+"\n")
	in := bufio.NewScanner(r.host)
	require.True(t, in.Scan())
	lines := ctrl.Lines()
	require.Len(t, lines, 1)
	assert.Len(t, lines[0], maxRawLine)
}

func TestServeStopsOnCancel(t *testing.T) {
	ctrl := &fakeController{}
	r := startSession(t, ctrl)

	r.cancel()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	r.done <- nil
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.True(t, ctrl.unregistered)
}

func TestServeStopsOnHangup(t *testing.T) {
	ctrl := &fakeController{}
	r := startSession(t, ctrl)

	r.host.Close()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	r.done <- nil
}
