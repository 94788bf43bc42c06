package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nimbus-io/anti-entropy/internal/auditor"
	"github.com/nimbus-io/anti-entropy/internal/checkpoint"
	"github.com/nimbus-io/anti-entropy/internal/config"
	"github.com/nimbus-io/anti-entropy/internal/logging"
	"github.com/nimbus-io/anti-entropy/internal/metrics"
	"github.com/nimbus-io/anti-entropy/internal/notify"
	"github.com/nimbus-io/anti-entropy/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:           "anti-entropy",
	Short:         "Audit a nimbus.io cluster for inconsistent segment metadata",
	Version:       fmt.Sprintf("%s (%s)", auditor.Version, auditor.GitSHA),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAudit,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one audit of every node and write the repair streams",
	Args:  cobra.NoArgs,
	RunE:  runAudit,
}

func init() {
	rootCmd.AddCommand(runCmd, dumpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "anti-entropy: %v\n", err)
		os.Exit(1)
	}
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	log := logging.Component("main")
	log.Info("anti-entropy starting", "version", auditor.Version, "git_sha", auditor.GitSHA)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		metrics.Init("")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Addr); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
		log.Info("metrics server listening", "addr", cfg.Metrics.Addr)
	}

	store, err := storage.NewAtomicStore(ctx, storage.StorageConfig{
		Backend:    cfg.Storage.Backend,
		LocalDir:   cfg.Storage.LocalDir,
		Bucket:     cfg.Storage.Bucket,
		S3Endpoint: cfg.Storage.S3Endpoint,
		S3Region:   cfg.Storage.S3Region,
		BucketURL:  cfg.Storage.BucketURL,
		Prefix:     cfg.Storage.Prefix,
	})
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	emitter := notify.NewEmitter(notify.Config{
		Enabled:   cfg.Notify.Enabled,
		Endpoint:  cfg.Notify.Endpoint,
		BackupDir: cfg.Notify.BackupDir,
	})
	defer emitter.Close()

	cpMgr, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: cfg.Checkpoint.Enabled,
		Dir:     cfg.Checkpoint.Dir,
	})
	if err != nil {
		log.Warn("failed to create checkpoint manager", "error", err)
		cpMgr = nil
	}

	a, err := auditor.New(cfg, auditor.Options{
		Store:      store,
		Emitter:    emitter,
		Checkpoint: cpMgr,
	})
	if err != nil {
		return err
	}

	_, err = a.Run(ctx)
	if auditor.Outcome(ctx, err) == auditor.OutcomeHalted {
		slog.Info("shutdown complete")
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit failed: %w", err)
	}
	return nil
}

