package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/easm/internal/core"
	"github.com/CodeMonkeyCybersecurity/easm/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/easm/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/easm/internal/worker"
)

var workerCmd = needsStore(&cobra.Command{
	Use:   "worker",
	Short: "Process pending discovery jobs until interrupted",
	Long: `Start a pool of workers that poll the job table for PENDING jobs,
run them and record the discovered assets. Jobs are claimed atomically, so
several worker processes can share one database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		processor, cleanup, err := newProcessor(ctx, store.Assets(), store.Jobs())
		if err != nil {
			return err
		}
		defer cleanup()

		pool := worker.NewPool(processor, cfg.Worker.QueuePollInterval, log)
		if err := pool.Start(ctx, cfg.Worker.Count); err != nil {
			return fmt.Errorf("failed to start workers: %w", err)
		}
		color.Green("Started %d worker(s), polling every %s\n", cfg.Worker.Count, cfg.Worker.QueuePollInterval)
		color.White("Press Ctrl+C to stop\n")

		<-ctx.Done()
		color.Yellow("\nShutting down workers...\n")
		return pool.Stop()
	},
})

// newProcessor wires the discovery engines, telemetry and the given
// repositories into a job processor. cleanup flushes telemetry and releases
// the engine resources.
func newProcessor(ctx context.Context, assets core.AssetRepository, jobs core.DiscoveryJobRepository) (*orchestrator.Processor, func(), error) {
	engines, closer, err := orchestrator.NewEngineFactory(cfg, log).Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build discovery engines: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		closer.Close()
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	processor := orchestrator.NewProcessor(assets, jobs, engines,
		orchestrator.WithLogger(log),
		orchestrator.WithTelemetry(tel),
		orchestrator.WithBatchSize(cfg.Worker.BatchSize),
	)

	cleanup := func() {
		if err := tel.Close(); err != nil {
			log.Warnw("Failed to flush telemetry", "error", err)
		}
		if err := closer.Close(); err != nil {
			log.Warnw("Failed to close engine resources", "error", err)
		}
	}
	return processor, cleanup, nil
}

func init() {
	workerCmd.Flags().Int("count", 1, "number of concurrent job loops")
	workerCmd.Flags().Duration("poll-interval", 30*time.Second, "how often idle workers check for jobs")
	workerCmd.Flags().Int("batch-size", orchestrator.DefaultBatchSize, "jobs picked up per poll")
	viper.BindPFlag("worker.count", workerCmd.Flags().Lookup("count"))
	viper.BindPFlag("worker.queue_poll_interval", workerCmd.Flags().Lookup("poll-interval"))
	viper.BindPFlag("worker.batch_size", workerCmd.Flags().Lookup("batch-size"))

	rootCmd.AddCommand(workerCmd)
}
