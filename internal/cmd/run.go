package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/semanticmachines/clworker/internal/config"
	"github.com/semanticmachines/clworker/internal/observability"
	"github.com/semanticmachines/clworker/internal/server"
	"github.com/semanticmachines/clworker/pkg/coordinator"
	"github.com/semanticmachines/clworker/pkg/depcache"
	"github.com/semanticmachines/clworker/pkg/fetcher"
	"github.com/semanticmachines/clworker/pkg/lease"
	"github.com/semanticmachines/clworker/pkg/restrack"
	"github.com/semanticmachines/clworker/pkg/sandbox"
	"github.com/semanticmachines/clworker/pkg/supervisor"
	"github.com/semanticmachines/clworker/pkg/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker until a shutdown signal",
	Long: `Run the worker loop: claim jobs from the coordinator, execute them
in sandboxes, and report results. On SIGINT/SIGTERM/SIGHUP the worker stops
claiming, drains in-flight jobs for the configured grace period, and exits 0
on a clean drain or 1 if any job had to be force-abandoned.

Example:
  clworker run --config worker.yaml
  clworker run --server https://worksheets.example.org --work-dir /var/lib/clworker`,
	RunE: runWorker,
}

var (
	runConfigPath      string
	runServer          string
	runWorkerID        string
	runTag             string
	runWorkDir         string
	runCredentialsFile string
	runMaxJobs         int
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "Path to worker config file (YAML)")
	runCmd.Flags().StringVar(&runServer, "server", "", "Coordinator base URL")
	runCmd.Flags().StringVar(&runWorkerID, "id", "", "Worker identity (default <hostname>-<random>)")
	runCmd.Flags().StringVar(&runTag, "tag", "", "Tag for scheduling runs on specific workers")
	runCmd.Flags().StringVar(&runWorkDir, "work-dir", "", "Scratch directory for sandboxes and the dependency cache")
	runCmd.Flags().StringVar(&runCredentialsFile, "credentials-file", "", "YAML file with coordinator username/password (mode 0600)")
	runCmd.Flags().IntVar(&runMaxJobs, "max-concurrent-jobs", 0, "Maximum jobs run concurrently")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	cfg, err := config.Load(ctx, runConfigPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg)

	log, err := observability.Init(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	creds, err := config.LoadCredentials(cfg.Coordinator.CredentialsFile)
	if err != nil {
		return err
	}

	log.Info("Connecting to coordinator",
		zap.String("server", cfg.Coordinator.Server),
		zap.String("worker_id", cfg.Worker.ID))

	client, err := coordinator.NewHTTPClient(coordinator.HTTPConfig{
		Server:         cfg.Coordinator.Server,
		Username:       creds.Username,
		Password:       creds.Password,
		RequestTimeout: cfg.Coordinator.RequestTimeout,
	})
	if err != nil {
		return err
	}

	retry := coordinator.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}

	var artifactFetcher fetcher.Fetcher = fetcher.NewCoordinatorFetcher(client)
	if cfg.S3.Enabled {
		s3f, err := fetcher.NewS3Fetcher(ctx, fetcher.S3Config{
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("configure s3 fetcher: %w", err)
		}
		artifactFetcher = fetcher.NewRouter(artifactFetcher, s3f)
	}

	if err := os.MkdirAll(cfg.Worker.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	cache, err := depcache.New(depcache.Config{
		Root:           filepath.Join(cfg.Worker.WorkDir, "cache"),
		SizeLimitBytes: cfg.Cache.SizeLimitBytes,
		Retry:          retry,
	}, artifactFetcher, log)
	if err != nil {
		return err
	}

	runner, err := sandbox.NewRunner(cfg.Worker.WorkDir, log)
	if err != nil {
		return err
	}

	leases := lease.NewManager(client, lease.Config{
		WorkerID:     cfg.Worker.ID,
		Tag:          cfg.Worker.Tag,
		PollInterval: cfg.Worker.PollInterval,
		RenewMargin:  cfg.Lease.RenewMargin,
		Retry:        retry,
	}, log)

	deps := supervisor.Deps{
		Leases:        leases,
		Cache:         cache,
		Runner:        runner,
		Tracker:       restrack.New(cfg.Sandbox.SampleInterval, log),
		OutputByteCap: cfg.Sandbox.OutputByteCap,
	}

	w := worker.New(worker.Config{
		Capacity: coordinator.ResourceRequest{
			CPUs:        cfg.Capacity.CPUs,
			MemoryBytes: cfg.Capacity.MemoryBytes,
			DiskBytes:   cfg.Capacity.DiskBytes,
		},
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		DrainGracePeriod:  cfg.Worker.DrainGracePeriod,
	}, leases, runner, deps, log)

	var srv *server.Server
	if cfg.Health.Enabled {
		srv = server.New(cfg.Health.Host, cfg.Health.Port, w, cache, log)
		srv.Start()
	}

	log.Info("Worker started",
		zap.Int("max_concurrent_jobs", cfg.Worker.MaxConcurrentJobs),
		zap.Int("cpus", cfg.Capacity.CPUs),
		zap.Int64("memory_bytes", cfg.Capacity.MemoryBytes),
		zap.Int64("disk_bytes", cfg.Capacity.DiskBytes))

	runErr := w.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}

	return runErr
}

// applyFlagOverrides lets command-line flags win over file and environment.
func applyFlagOverrides(cfg *config.Config) {
	if runServer != "" {
		cfg.Coordinator.Server = runServer
	}
	if runWorkerID != "" {
		cfg.Worker.ID = runWorkerID
	}
	if runTag != "" {
		cfg.Worker.Tag = runTag
	}
	if runWorkDir != "" {
		cfg.Worker.WorkDir = runWorkDir
	}
	if runCredentialsFile != "" {
		cfg.Coordinator.CredentialsFile = runCredentialsFile
	}
	if runMaxJobs > 0 {
		cfg.Worker.MaxConcurrentJobs = runMaxJobs
	}
}
