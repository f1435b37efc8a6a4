package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chunkd-io/chunkd/internal/logger"
	"github.com/chunkd-io/chunkd/pkg/api"
	"github.com/chunkd-io/chunkd/pkg/api/handlers"
	"github.com/chunkd-io/chunkd/pkg/config"
	"github.com/chunkd-io/chunkd/pkg/metrics"
	uploadprom "github.com/chunkd-io/chunkd/pkg/metrics/prometheus"
	"github.com/chunkd-io/chunkd/pkg/upload"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the chunkd server",
	Long: `Start the chunkd server with the specified configuration.

By default, the server runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/chunkd/config.yaml.

Examples:
  # Start in background (default)
  chunkd start

  # Start in foreground
  chunkd start --foreground

  # Start with custom config file
  chunkd start --config /etc/chunkd/config.yaml

  # Start with environment variable overrides
  CHUNKD_LOGGING_LEVEL=DEBUG chunkd start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/chunkd/chunkd.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/chunkd/chunkd.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	// Handle daemon mode (background)
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Initialize metrics registry (if enabled)
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Create the three storage backends
	repo, err := config.CreateSessionRepository(ctx, cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to create session repository: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("session repository close error", "error", err)
		}
	}()
	logger.Info("Session repository initialized", "type", cfg.Repository.Type)

	chunks, err := config.CreateChunkStore(ctx, cfg.ChunkStore)
	if err != nil {
		return fmt.Errorf("failed to create chunk store: %w", err)
	}
	defer func() {
		if err := chunks.Close(); err != nil {
			logger.Error("chunk store close error", "error", err)
		}
	}()
	logger.Info("Chunk store initialized", "type", cfg.ChunkStore.Type)

	artifacts, err := config.CreateArtifactStore(ctx, cfg.ArtifactStore)
	if err != nil {
		return fmt.Errorf("failed to create artifact store: %w", err)
	}
	defer func() {
		if err := artifacts.Close(); err != nil {
			logger.Error("artifact store close error", "error", err)
		}
	}()
	logger.Info("Artifact store initialized", "type", cfg.ArtifactStore.Type)

	// Build the upload engine
	opts := []upload.EngineOption{
		upload.WithCASMaxAttempts(cfg.Upload.CASMaxAttempts),
	}
	if m := uploadprom.NewUploadMetrics(); m != nil {
		opts = append(opts, upload.WithMetrics(m))
	}
	engine := upload.NewEngine(repo, chunks, artifacts, opts...)

	// Start the session reaper
	reaper := upload.NewReaper(engine, cfg.Upload.ReaperInterval, cfg.Upload.SessionTTL)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()
	logger.Info("Session reaper started",
		"interval", cfg.Upload.ReaperInterval.String(),
		"session_ttl", cfg.Upload.SessionTTL.String())

	// Start the API server
	serverDone := make(chan error, 1)
	if cfg.API.IsEnabled() {
		apiServer := api.NewServer(cfg.API, api.Deps{
			Engine: engine,
			Stores: &handlers.StoreSet{
				Sessions:  repo,
				Chunks:    chunks,
				Artifacts: artifacts,
			},
		})
		go func() {
			serverDone <- apiServer.Start(ctx)
		}()
	} else {
		logger.Warn("API server disabled; only the reaper is running")
	}

	// Start the metrics server (if enabled)
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port))
		go func() {
			if err := metricsServer.Serve(); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	// Write PID file if specified
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		if cfg.API.IsEnabled() {
			if err := <-serverDone; err != nil {
				logger.Error("Server shutdown error", "error", err)
				runErr = err
			}
		}

	case err := <-serverDone:
		signal.Stop(sigChan)
		cancel()
		if err != nil {
			logger.Error("Server error", "error", err)
			runErr = err
		}
	}

	// Stop the metrics server and wait for the reaper to exit
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
		shutdownCancel()
	}
	waitTimeout(&wg, cfg.ShutdownTimeout)

	if runErr == nil {
		logger.Info("Server stopped gracefully")
	}
	return runErr
}

// waitTimeout waits for the WaitGroup with an upper bound.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("shutdown timeout exceeded while waiting for background workers")
	}
}

// startDaemon starts the server as a background daemon process.
func startDaemon() error {
	stateDir := GetDefaultStateDir()

	// Create state directory if it doesn't exist
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Set default PID file if not specified
	pidPath := pidFile
	if pidPath == "" {
		pidPath = filepath.Join(stateDir, "chunkd.pid")
	}

	// Check if already running
	if _, err := os.Stat(pidPath); err == nil {
		pidData, err := os.ReadFile(pidPath)
		if err == nil {
			var pid int
			if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
				// Check if process is still running
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("chunkd is already running (PID %d)\nUse 'chunkd stop' to stop the running instance", pid)
					}
				}
			}
		}
		// Stale PID file, remove it
		_ = os.Remove(pidPath)
	}

	// Set default log file if not specified
	logPath := logFile
	if logPath == "" {
		logPath = filepath.Join(stateDir, "chunkd.log")
	}

	// Get the executable path
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Build arguments for the daemon process
	daemonArgs := []string{"start", "--foreground", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	// Create the daemon process
	daemon := exec.Command(executable, daemonArgs...)

	// Open log file for stdout/stderr
	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	daemon.Stdout = logFileHandle
	daemon.Stderr = logFileHandle

	// Detach from parent process
	daemon.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	// Start the daemon
	if err := daemon.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	_ = logFileHandle.Close()

	fmt.Printf("chunkd started in background (PID %d)\n", daemon.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)
	fmt.Println("\nUse 'chunkd stop' to stop the server")

	return nil
}
