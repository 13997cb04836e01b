package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/config"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/errors"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/report"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	TimeScale   float64
	StopOnError bool
	Unlock      bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Stream a G-code file through the controller",
		Long: `Stream a G-code program line by line, echoing every response, then
wait for the machine to come to rest and print the final status report.
Use "-" to read the program from standard input.

Example:
  grbl run --time-scale 20 part.nc
  grbl run --unlock --stop-on-error part.nc`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runProgram(ctx, opts, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().Float64Var(&opts.TimeScale, "time-scale", 0, "simulated motion speed-up")
	cmd.Flags().BoolVar(&opts.StopOnError, "stop-on-error", false, "stop at the first error response")
	cmd.Flags().BoolVar(&opts.Unlock, "unlock", false, "send $X first to clear a startup alarm")

	return cmd
}

func runProgram(ctx context.Context, opts *RunOptions, path string, stdin io.Reader, out io.Writer) (err error) {
	var in io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	m, err := newMachine(opts.Config, func(cfg *config.MachineConfig) {
		if opts.TimeScale > 0 {
			cfg.TimeScale = opts.TimeScale
		}
	})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, m.stop()) }()

	var (
		outMu      sync.Mutex
		readyOnce  sync.Once
		statusOnce sync.Once
	)
	ready := make(chan struct{})
	reported := make(chan struct{})
	client := m.ctrl.Register(report.SinkFunc(func(text string) {
		switch {
		case strings.Contains(text, "Grbl "):
			readyOnce.Do(func() { close(ready) })
		case strings.HasPrefix(text, "<"):
			statusOnce.Do(func() { close(reported) })
		}
		outMu.Lock()
		io.WriteString(out, strings.ReplaceAll(text, "\r\n", "\n"))
		outMu.Unlock()
	}))
	defer m.ctrl.Unregister(client)
	m.start(ctx)

	// Lines queued before the first init message would be flushed by it.
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	if opts.Unlock {
		if _, err := m.ctrl.Submit(ctx, client, "$X"); err != nil {
			return err
		}
	}

	failures := 0
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		code, err := m.ctrl.Submit(ctx, client, scanner.Text())
		if err != nil {
			return err
		}
		if code != status.OK {
			failures++
			if opts.StopOnError {
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if err := waitIdle(ctx, m.ctrl.State, m.ctrl.PlannerBlocks); err != nil {
		return err
	}
	m.ctrl.RequestStatus()
	select {
	case <-reported:
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	if failures > 0 {
		return errors.New(errors.ErrRuntime, "program had errors").SetContext("errors", failures)
	}
	return nil
}

// waitIdle returns once queued motion has finished.
func waitIdle(ctx context.Context, state func() system.State, blocks func() int) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch state() {
		case system.StateIdle, system.StateCheckMode:
			if blocks() == 0 {
				return nil
			}
		case system.StateAlarm:
			return errors.New(errors.ErrRuntime, "machine in alarm")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
