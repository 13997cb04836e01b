// Package serial connects a host terminal on a serial device to the
// controller. Bytes arriving on the port are split into realtime commands
// and G-code lines; responses go back out on the same port.
package serial

import (
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/config"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/errors"
)

// Common errors
var (
	ErrTimeout = stderrors.New("serial: operation timed out")
	ErrClosed  = stderrors.New("serial: port closed")
)

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g., /dev/ttyUSB0, /dev/serial/by-id/...)
	Device string

	// Baud rate (default: 115200)
	Baud int

	// Driver selects the native termios port or github.com/tarm/serial.
	Driver string

	// ReadTimeout bounds a single Read (default: 100ms)
	ReadTimeout time.Duration
}

// FromMachine converts the [serial] section of a machine file.
func FromMachine(c config.SerialConfig) Config {
	return Config{Device: c.Device, Baud: c.Baud, Driver: c.Driver}
}

func (c *Config) applyDefaults() {
	if c.Baud == 0 {
		c.Baud = 115200
	}
	if c.Driver == "" {
		c.Driver = config.DriverNative
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 100 * time.Millisecond
	}
}

// Conn is an open serial connection. Read returns ErrTimeout when no byte
// arrived within the read timeout.
type Conn interface {
	io.ReadWriteCloser
	Device() string
}

// Open opens cfg.Device with the configured driver.
func Open(cfg Config) (Conn, error) {
	cfg.applyDefaults()
	if cfg.Device == "" {
		return nil, errors.New(errors.ErrTransportOpen, "device path required")
	}
	device, err := ResolveDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	cfg.Device = device

	switch cfg.Driver {
	case config.DriverNative:
		return openNative(cfg)
	case config.DriverTarm:
		return openTarm(cfg)
	default:
		return nil, errors.New(errors.ErrTransportOpen, "unknown serial driver").
			SetSection(cfg.Device).SetContext("driver", cfg.Driver)
	}
}

// Port is a raw-mode termios serial port.
type Port struct {
	mu         sync.Mutex
	fd         int
	device     string
	timeout    time.Duration
	closed     bool
	oldTermios *unix.Termios
}

func openNative(cfg Config) (*Port, error) {
	speed, err := baudRateToSpeed(cfg.Baud)
	if err != nil {
		return nil, errors.TransportError(errors.ErrTransportOpen, cfg.Device, err)
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.TransportError(errors.ErrTransportOpen, cfg.Device, err)
	}
	fail := func(what string, err error) (*Port, error) {
		unix.Close(fd)
		return nil, errors.Wrap(err, errors.ErrTransportOpen, what).SetSection(cfg.Device)
	}

	oldTermios, err := unix.IoctlGetTermios(fd, reqGetTermios)
	if err != nil {
		return fail("get termios", err)
	}

	termios := *oldTermios
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST
	// 8N1
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	applySpeed(&termios, speed)
	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 1

	if err := unix.IoctlSetTermios(fd, reqSetTermios, &termios); err != nil {
		return fail("set termios", err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		return fail("set blocking", err)
	}

	p := &Port{
		fd:         fd,
		device:     cfg.Device,
		timeout:    cfg.ReadTimeout,
		oldTermios: oldTermios,
	}
	// Stale bytes from before the open are not commands.
	_ = p.Flush()
	return p, nil
}

// Read reads up to len(buf) bytes from the port.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	timeout := p.timeout
	p.mu.Unlock()

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if stderrors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, errors.TransportError(errors.ErrTransportIO, p.device, err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return 0, io.EOF
	}

	n, err = unix.Read(fd, buf)
	if err != nil {
		return 0, errors.TransportError(errors.ErrTransportIO, p.device, err)
	}
	return n, nil
}

// Write writes buf to the port.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	n, err := unix.Write(fd, buf)
	if err != nil {
		return 0, errors.TransportError(errors.ErrTransportIO, p.device, err)
	}
	return n, nil
}

// Close restores the original line settings and closes the port.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.oldTermios != nil {
		_ = unix.IoctlSetTermios(p.fd, reqSetTermios, p.oldTermios)
	}
	return unix.Close(p.fd)
}

// Device returns the device path.
func (p *Port) Device() string {
	return p.device
}

// Flush discards any data in the input and output buffers.
func (p *Port) Flush() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	return unix.IoctlSetInt(fd, reqFlush, unix.TCIOFLUSH)
}

// baudRateToSpeed converts a baud rate to a termios speed constant.
func baudRateToSpeed(baud int) (uint32, error) {
	speeds := map[int]uint32{
		1200:   unix.B1200,
		2400:   unix.B2400,
		4800:   unix.B4800,
		9600:   unix.B9600,
		19200:  unix.B19200,
		38400:  unix.B38400,
		57600:  unix.B57600,
		115200: unix.B115200,
		230400: unix.B230400,
	}
	if runtime.GOOS == "linux" {
		speeds[460800] = 0x1004
		speeds[500000] = 0x1005
		speeds[921600] = 0x1007
		speeds[1000000] = 0x1008
		speeds[2000000] = 0x100B
		speeds[4000000] = 0x100F
	}

	if speed, ok := speeds[baud]; ok {
		return speed, nil
	}
	return 0, errors.New(errors.ErrTransportOpen, "unsupported baud rate").SetContext("baud", baud)
}

// ListPorts returns the serial devices present on this host.
func ListPorts() ([]string, error) {
	var patterns []string
	switch runtime.GOOS {
	case "linux":
		patterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/serial/by-id/*"}
	case "darwin":
		patterns = []string{"/dev/cu.usbserial*", "/dev/cu.usbmodem*", "/dev/cu.SLAB_USBtoUART*"}
	default:
		return nil, errors.New(errors.ErrTransportOpen, "unsupported platform").SetContext("os", runtime.GOOS)
	}

	seen := make(map[string]bool)
	var ports []string
	for _, pattern := range patterns {
		matches, _ := filepath.Glob(pattern)
		for _, m := range matches {
			resolved, err := filepath.EvalSymlinks(m)
			if err != nil {
				resolved = m
			}
			if !seen[resolved] {
				seen[resolved] = true
				ports = append(ports, resolved)
			}
		}
	}
	sort.Strings(ports)
	return ports, nil
}

// ResolveDevice follows /dev/serial/ symlinks and checks that the device
// exists.
func ResolveDevice(device string) (string, error) {
	if strings.HasPrefix(device, "/dev/serial/") {
		resolved, err := filepath.EvalSymlinks(device)
		if err != nil {
			return "", errors.TransportError(errors.ErrTransportOpen, device, err)
		}
		device = resolved
	}
	if _, err := os.Stat(device); err != nil {
		return "", errors.TransportError(errors.ErrTransportOpen, device, err)
	}
	return device, nil
}
