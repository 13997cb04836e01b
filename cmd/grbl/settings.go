package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/errors"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/report"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/serial"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
)

// NewSettingsCommand creates the settings command.
func NewSettingsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "settings [N=value ...]",
		Short: "Show or change the persisted $ settings",
		Long: `Write each N=value to the settings file named by the machine
configuration, then print the $$ dump. Writes are validated exactly as a
$N=value line would be.

Example:
  grbl settings --config machine.cfg
  grbl settings --config machine.cfg 100=250 110=4000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSettings(rootOpts, args, cmd.OutOrStdout())
		},
	}
}

func runSettings(opts *RootOptions, args []string, out io.Writer) error {
	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return err
	}
	st, err := openSettings(cfg, log.GetLogger("main"))
	if err != nil {
		return err
	}

	failed := 0
	for _, arg := range args {
		code := status.InvalidStatement
		name, value, ok := strings.Cut(strings.TrimPrefix(arg, "$"), "=")
		if ok {
			n, nerr := strconv.Atoi(name)
			v, verr := strconv.ParseFloat(value, 64)
			switch {
			case nerr != nil || verr != nil:
				code = status.BadNumberFormat
			case n >= 0 && n <= 255:
				code = st.Store(n, v)
			}
		}
		if code != status.OK {
			failed++
		}
		fmt.Fprintf(out, "%s: %s", arg, strings.ReplaceAll(report.StatusLine(code), "\r\n", "\n"))
	}

	io.WriteString(out, strings.ReplaceAll(report.Settings(st.Get()), "\r\n", "\n"))
	if failed > 0 {
		return errors.New(errors.ErrSettingsWrite, "settings rejected").SetContext("count", failed)
	}
	return nil
}

// NewPortsCommand creates the ports command.
func NewPortsCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serial.ListPorts()
			if err != nil {
				return err
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}
