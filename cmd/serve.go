package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/easm/internal/api"
	"github.com/CodeMonkeyCybersecurity/easm/internal/worker"
)

var serveCmd = needsStore(&cobra.Command{
	Use:   "serve",
	Short: "Start the JSON API server",
	Long: `Serve the job and asset API:

  GET  /health
  GET  /api/jobs?status=&type=&organization_id=&limit=&offset=
  GET  /api/jobs/:id
  POST /api/jobs
  GET  /api/assets?type=&status=&organization_id=&limit=&offset=

Set EASM_API_KEY to require "Authorization: Bearer <key>" on /api routes.
With --workers the same process also runs that many job workers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		workers, _ := cmd.Flags().GetInt("workers")
		if workers > 0 {
			processor, cleanup, err := newProcessor(ctx, store.Assets(), store.Jobs())
			if err != nil {
				return err
			}
			defer cleanup()

			pool := worker.NewPool(processor, cfg.Worker.QueuePollInterval, log)
			if err := pool.Start(ctx, workers); err != nil {
				return fmt.Errorf("failed to start workers: %w", err)
			}
			defer pool.Stop()
			color.Green("Started %d worker(s)\n", workers)
		}

		server := api.NewServer(store.Assets(), store.Jobs(), cfg.Server, log, api.WithPinger(store))
		color.Cyan("API listening on %s\n", cfg.Server.Addr)
		return server.ListenAndServe(ctx)
	},
})

func init() {
	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().Int("workers", 0, "also run this many job workers in-process")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))

	rootCmd.AddCommand(serveCmd)
}
