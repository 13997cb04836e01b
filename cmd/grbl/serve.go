package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/api"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/config"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/metrics"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/serial"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Device    string
	Driver    string
	Baud      int
	API       string
	Metrics   string
	Stdio     bool
	TimeScale float64
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller and its transports",
		Long: `Run the controller until interrupted.

Flags override the matching options of the machine file. Each transport
is optional: a serial device, the websocket API, the metrics endpoint and
standard input/output can be combined freely.

Example:
  grbl serve --config machine.cfg --device /dev/ttyUSB0 --api :8080
  grbl serve --stdio`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Device, "device", "", "serial device")
	cmd.Flags().StringVar(&opts.Driver, "driver", "", "serial driver (native|tarm)")
	cmd.Flags().IntVar(&opts.Baud, "baud", 0, "serial baud rate")
	cmd.Flags().StringVar(&opts.API, "api", "", "websocket API listen address")
	cmd.Flags().StringVar(&opts.Metrics, "metrics", "", "metrics listen address")
	cmd.Flags().BoolVar(&opts.Stdio, "stdio", false, "serve a session on standard input and output")
	cmd.Flags().Float64Var(&opts.TimeScale, "time-scale", 0, "simulated motion speed-up")

	return cmd
}

func (o *ServeOptions) adjust(cfg *config.MachineConfig) {
	if o.Device != "" {
		cfg.Serial.Device = o.Device
	}
	if o.Driver != "" {
		cfg.Serial.Driver = o.Driver
	}
	if o.Baud > 0 {
		cfg.Serial.Baud = o.Baud
	}
	if o.API != "" {
		cfg.API.Listen = o.API
	}
	if o.Metrics != "" {
		cfg.MetricsListen = o.Metrics
	}
	if o.TimeScale > 0 {
		cfg.TimeScale = o.TimeScale
	}
}

type stdio struct {
	io.Reader
	io.Writer
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	m, err := newMachine(opts.Config, opts.adjust)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.start(ctx)

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		errs    error
		closers []func() error
	)
	fail := func(err error) {
		if err == nil {
			return
		}
		errMu.Lock()
		errs = multierr.Append(errs, err)
		errMu.Unlock()
		cancel()
	}
	spawn := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(fn())
		}()
	}

	if cfg := m.cfg.Serial; cfg.Device != "" {
		port, err := serial.Open(serial.FromMachine(cfg))
		if err != nil {
			cancel()
			return multierr.Append(err, m.stop())
		}
		m.logger.WithField("device", port.Device()).Info("serial port open")
		// The session closes the port when it ends.
		spawn(func() error { return serial.Serve(ctx, m.ctrl, port) })
	}

	if m.cfg.API.Listen != "" {
		srv := api.New(api.Config{
			Addr:           m.cfg.API.Listen,
			StatusInterval: m.cfg.API.StatusInterval,
			Machine:        m.ctrl,
		})
		closers = append(closers, srv.Stop)
		spawn(srv.Start)
	}

	if m.cfg.MetricsListen != "" {
		srv := metrics.NewMetricsServer(m.metrics, m.cfg.MetricsListen)
		closers = append(closers, func() error { return srv.Shutdown(context.Background()) })
		spawn(srv.Start)
	}

	// A read from standard input cannot be interrupted, so the stdio
	// session is not waited for.
	if opts.Stdio {
		rw := stdio{Reader: cmd.InOrStdin(), Writer: cmd.OutOrStdout()}
		go func() {
			err := serial.Serve(ctx, m.ctrl, rw)
			// End of input ends the program.
			fail(err)
			cancel()
		}()
	}

	<-ctx.Done()
	m.logger.Info("shutting down")
	var closeErr error
	for _, c := range closers {
		closeErr = multierr.Append(closeErr, c())
	}
	wg.Wait()

	errMu.Lock()
	defer errMu.Unlock()
	return multierr.Combine(errs, closeErr, m.stop())
}
