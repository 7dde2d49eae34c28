package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/pulse/pkg/api"
	"github.com/cuemby/pulse/pkg/config"
	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/manager"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// shutdownTimeout bounds graceful shutdown of the server and its loops
const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Pulse - real-time event relay for agent sessions",
	Long: `Pulse relays hook and session events to live dashboards.

Hook scripts submit events with "pulse emit"; the server queues them,
keeps a replay history, tracks active sessions and fans every event out
to connected viewers over a websocket.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Pulse version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", "127.0.0.1:8765", "Pulse server address (client commands)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON format")

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Pulse server",
	Long: `Run the Pulse server in the foreground.

Configuration is read from defaults, then the optional --config YAML file,
then PULSE_* environment variables. Flags given on the command line win.

Examples:
  # Serve on the default address
  pulse serve

  # Serve with a config file and the gRPC health service enabled
  pulse serve --config pulse.yaml --grpc-addr 127.0.0.1:8766`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "YAML configuration file")
	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().String("grpc-addr", "", "gRPC health listen address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Directory for the session archive (overrides config)")
}

// loadConfig reads the configuration and applies command-line overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"addr":      &cfg.Server.Addr,
		"grpc-addr": &cfg.Server.GRPCAddr,
		"data-dir":  &cfg.Server.DataDir,
		"log-level": &cfg.Log.Level,
	}
	for name, dst := range overrides {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	if f := cmd.Flags().Lookup("log-json"); f != nil && f.Changed {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogging(cfg config.LogConfig) {
	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Level),
		JSONOutput: cfg.JSON,
		Output:     os.Stderr,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initLogging(cfg.Log)
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := manager.NewManager(cfg, Version)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start manager: %w", err)
	}

	srv := api.NewServer(mgr, api.Config{
		Addr:      cfg.Server.Addr,
		GRPCAddr:  cfg.Server.GRPCAddr,
		RateLimit: cfg.Server.APIRateLimit,
	})
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info().
		Str("version", Version).
		Str("addr", cfg.Server.Addr).
		Str("data_dir", cfg.Server.DataDir).
		Msg("Pulse is running")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("API server error: %w", err)
		}
	case <-mgr.Done():
		if ctx.Err() == nil {
			runErr = errors.New("background loops exited")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown incomplete")
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("failed to shut down: %w", err))
	}

	logger.Info().Msg("Shutdown complete")
	return runErr
}
