package serial

import (
	"io"

	tarm "github.com/tarm/serial"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/errors"
)

// tarmPort adapts github.com/tarm/serial to Conn. A read that times out
// comes back from tarm as (0, io.EOF) and is reported as ErrTimeout.
type tarmPort struct {
	port   *tarm.Port
	device string
}

func openTarm(cfg Config) (*tarmPort, error) {
	port, err := tarm.OpenPort(&tarm.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, errors.TransportError(errors.ErrTransportOpen, cfg.Device, err)
	}
	_ = port.Flush()
	return &tarmPort{port: port, device: cfg.Device}, nil
}

func (p *tarmPort) Read(buf []byte) (int, error) {
	n, err := p.port.Read(buf)
	if n == 0 && err == io.EOF {
		return 0, ErrTimeout
	}
	if err != nil {
		return n, errors.TransportError(errors.ErrTransportIO, p.device, err)
	}
	return n, nil
}

func (p *tarmPort) Write(buf []byte) (int, error) {
	n, err := p.port.Write(buf)
	if err != nil {
		return n, errors.TransportError(errors.ErrTransportIO, p.device, err)
	}
	return n, nil
}

func (p *tarmPort) Close() error { return p.port.Close() }

func (p *tarmPort) Device() string { return p.device }
