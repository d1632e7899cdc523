package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"quadrant/internal/config"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var (
	logLevel        = "info"
	configPath      = config.DefaultPath
	calibrationPath = ""
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}
	return nil
}

// loadConfig reads the config file and applies the global calibration
// path override.
func loadConfig() (config.Config, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		return conf, err
	}
	if calibrationPath != "" {
		conf.CalibrationPath = calibrationPath
	}
	logrus.WithFields(conf.LogrusFields()).Debug("configuration loaded")
	return conf, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quadrant",
		Short: "Rectify and color-correct underwater quadrant photographs",
		Long: `quadrant turns oblique underwater photographs of a square survey quadrant
into square, top-down, color-corrected images with a known pixel scale.

Fit the lens once with "quadrant calibrate", then run "quadrant process"
over each dive's photos.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogger()
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&calibrationPath, "calibration", "", "calibration file path (overrides the config file)")

	cmd.AddCommand(
		NewVersionCommand(),
		NewCalibrateCommand(),
		NewProcessCommand(),
	)

	return cmd
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s\n", version)
		},
	}
}
