// Command sinkresource runs a single Sink resource process: it loads a
// resource descriptor, opens (or creates) the resource's five on-disk
// environments, and serves the client IPC channel over a unix socket until
// the process receives an interrupt or SIGTERM, or the channel server
// fails. A client's SHUTDOWN stops the resource's components but does not
// end the process. Grounded
// on the teacher's cmd/warren/main.go root-command-plus-persistent-flags
// shape, cut down from warren's multi-subcommand cluster CLI to the single
// long-running "run" a resource process is (one resource instance, one
// socket, one process, per spec §5/§9).
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/sink/internal/channel"
	"github.com/cuemby/sink/internal/config"
	"github.com/cuemby/sink/internal/logx"
	"github.com/cuemby/sink/internal/metrics"
	"github.com/cuemby/sink/internal/resource"
)

var (
	// Version is set via ldflags at build time.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sinkresource",
	Short:   "Run a single Sink resource process",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("config", "", "Path to the resource descriptor YAML file (required)")
	runCmd.Flags().String("socket", "", "Unix socket path the client channel listens on (defaults to <dataDir>/channel.sock)")
	runCmd.Flags().String("metrics-addr", "", "If set, serve Prometheus metrics over HTTP at this address")
	_ = runCmd.MarkFlagRequired("config")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logx.Init(level, asJSON)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the resource process and serve its client channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		socketPath, _ := cmd.Flags().GetString("socket")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		descriptor, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log := logx.WithResourceID("sinkresource", descriptor.Metadata.Name)
		log.Info().Str("resourceType", descriptor.Spec.ResourceType).Str("dataDir", descriptor.Spec.DataDir).Msg("starting resource")

		res, err := resource.Open(resource.Config{
			ResourceType: descriptor.EntityType(),
			InstanceID:   descriptor.Metadata.Name,
			DataDir:      descriptor.Spec.DataDir,
		})
		if err != nil {
			return fmt.Errorf("opening resource: %w", err)
		}
		res.Start()
		defer res.Stop()

		if socketPath == "" {
			socketPath = filepath.Join(descriptor.Spec.DataDir, "channel.sock")
		}
		_ = os.Remove(socketPath)
		listener, err := net.Listen("unix", socketPath)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", socketPath, err)
		}
		log.Info().Str("socket", socketPath).Msg("client channel listening")

		server := channel.NewServer(listener, func() channel.Handler { return res }, res.Broker())
		serveErrCh := make(chan error, 1)
		go func() {
			if err := server.Serve(); err != nil {
				serveErrCh <- err
			}
		}()

		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			go func() {
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Warn().Err(err).Msg("metrics server stopped")
				}
			}()
			log.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info().Msg("received interrupt, shutting down")
		case err := <-serveErrCh:
			log.Warn().Err(err).Msg("channel server stopped unexpectedly")
		}

		server.Stop()
		return nil
	},
}
