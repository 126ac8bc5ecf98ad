package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/voldrv/pkg/backendtasks"
	"github.com/cuemby/voldrv/pkg/config"
	"github.com/cuemby/voldrv/pkg/failover"
	"github.com/cuemby/voldrv/pkg/gc"
	"github.com/cuemby/voldrv/pkg/log"
	"github.com/cuemby/voldrv/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "voldrvd",
	Short: "voldrvd - distributed block volume driver daemon",
	Long: `voldrvd hosts the background services a volume driver install needs
resident across every volume it serves: the FailOverCache server (the
remote mirror volumes synchronously replicate uncommitted writes to),
the GarbageCollector, and the BackendTaskRunner. Volumes themselves are
opened in-process by whatever embeds pkg/volume; voldrvd does not open
or expose them over the network.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"voldrvd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "/etc/voldrv/voldrv.yaml", "Path to the voldrv configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the resident FailOverCache server, GarbageCollector and BackendTaskRunner",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	logger := log.WithComponent("voldrvd")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	backends, err := openBackendFactory(cfg.BackendConnectionMgr)
	if err != nil {
		return fmt.Errorf("failed to open backend: %w", err)
	}

	collector := gc.New(backends)
	defer collector.Stop()
	logger.Info().Msg("garbage collector started")

	runner := backendtasks.New(backends)
	defer runner.Stop()
	logger.Info().Msg("backend task runner started")

	var focServer *failover.Server
	if cfg.FailOverCache.Addr != "" {
		focServer = failover.NewServer()
		if err := focServer.Start(cfg.FailOverCache.Addr); err != nil {
			return fmt.Errorf("failed to start failovercache server: %w", err)
		}
		defer focServer.Stop()
		logger.Info().Str("addr", focServer.Addr()).Msg("failovercache server started")
	} else {
		logger.Info().Msg("failovercache server disabled (failovercache.addr not set)")
	}

	metricsAddr := "127.0.0.1:9090"
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	return httpServer.Close()
}
