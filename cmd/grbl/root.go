package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config   string
	LogLevel string
	LogFile  string

	logFile io.Closer
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "grbl",
		Short:         "Two-axis Grbl motion controller",
		Long:          "A Grbl 1.1 compatible G-code interpreter, look-ahead planner and simulated stepper.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setupLogging()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logFile != nil {
				return opts.logFile.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "machine configuration file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", "", "write logs to a size-rotated file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSettingsCommand(opts))
	cmd.AddCommand(NewPortsCommand(opts))

	return cmd
}

func (o *RootOptions) setupLogging() error {
	var l *log.Logger
	if o.LogFile != "" {
		fl, fw, err := log.NewFileLogger("grbl", log.RotationConfig{Filename: o.LogFile, Compress: true}, nil)
		if err != nil {
			return err
		}
		l, o.logFile = fl, fw
	} else {
		l = log.New("grbl")
		l.SetWriter(os.Stderr)
	}
	log.ConfigureFromEnv(l)
	if o.LogLevel != "" {
		l.SetLevel(log.ParseLevel(o.LogLevel))
	}
	log.SetDefaultLogger(l)
	return nil
}
