package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftpeer/core/internal/config"
	"github.com/driftpeer/core/internal/logging"
	"github.com/driftpeer/core/pkg/driftpeer"
)

var (
	version  = "0.1.0"
	cfgFile  string
	remoteID string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "driftpeer",
	Short: "DriftPeer remote desktop core",
	Long:  `DriftPeer - peer-to-peer remote desktop host and controller processes`,
}

var runHostCmd = &cobra.Command{
	Use:   "run-host",
	Short: "Stream this machine's display to a paired controller",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runProcess(driftpeer.RunHost))
	},
}

var runControllerCmd = &cobra.Command{
	Use:   "run-controller",
	Short: "Connect to a host device and drive its display",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runProcess(func(ctx context.Context, cfg *config.Config) error {
			return driftpeer.RunController(ctx, cfg, remoteID)
		}))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("driftpeer v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/driftpeer/driftpeer.yaml)")
	runControllerCmd.Flags().StringVar(&remoteID, "remote", "", "device id of the host to connect to (required)")

	rootCmd.AddCommand(runHostCmd)
	rootCmd.AddCommand(runControllerCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runProcess loads config, initializes logging, runs fn until an
// interrupt signal or fatal error, and returns spec.md §6's exit code.
func runProcess(fn func(context.Context, *config.Config) error) int {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	initLogging(cfg)
	log.Info("starting", "version", version, "signalingUrl", cfg.SignalingURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = fn(ctx, cfg)
	code := driftpeer.ExitCode(err)
	if err != nil && code != 0 {
		log.Error("exited with error", "error", err, "exitCode", code)
	} else {
		log.Info("stopped")
	}
	return code
}

func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")
}
