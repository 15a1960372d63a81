package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit and inspect discovery jobs",
}

var jobsSubmitCmd = needsStore(&cobra.Command{
	Use:   "submit <type> <target>",
	Short: "Queue a discovery job",
	Long: `Queue a PENDING discovery job for the workers.

Types: dnsenum, portscan, webcrawl, certscan, vulnscan.

Examples:
  easm jobs submit portscan 203.0.113.5 --org <uuid> --config '{"ports":[22,443]}'
  easm jobs submit dnsenum example.com --org <uuid> --config '{"whois":true}'
  easm jobs submit webcrawl https://example.com --org <uuid> --config '{"max_depth":2,"httpx":true}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobType, err := types.ParseJobType(args[0])
		if err != nil {
			return err
		}
		orgFlag, _ := cmd.Flags().GetString("org")
		orgID, err := uuid.Parse(orgFlag)
		if err != nil {
			return fmt.Errorf("--org must be an organization UUID: %w", err)
		}
		raw, _ := cmd.Flags().GetString("config")
		if raw != "" && !json.Valid([]byte(raw)) {
			return fmt.Errorf("--config is not valid JSON")
		}

		job := types.NewDiscoveryJob(orgID, jobType, args[1], types.JSONDocument(raw))
		if _, err := job.Options(); err != nil {
			return err
		}
		if err := store.Jobs().Create(cmd.Context(), job); err != nil {
			return fmt.Errorf("failed to submit job: %w", err)
		}

		if asJSON(cmd) {
			return printJSON(job)
		}
		color.Green("✓ Submitted %s job %s\n", job.JobType, job.ID)
		return nil
	},
})

var jobsListCmd = needsStore(&cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		var filter types.JobFilter
		if v, _ := cmd.Flags().GetString("status"); v != "" {
			status, err := types.ParseJobStatus(v)
			if err != nil {
				return err
			}
			filter.Status = &status
		}
		if v, _ := cmd.Flags().GetString("org"); v != "" {
			orgID, err := uuid.Parse(v)
			if err != nil {
				return fmt.Errorf("--org must be an organization UUID: %w", err)
			}
			filter.OrganizationID = &orgID
		}
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := store.Jobs().List(cmd.Context(), filter, limit, 0)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		if asJSON(cmd) {
			return printJSON(jobs)
		}
		printJobTable(jobs)
		return nil
	},
})

var jobsGetCmd = needsStore(&cobra.Command{
	Use:   "get <id>",
	Short: "Show one job, its log and the assets it discovered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}
		ctx := cmd.Context()
		job, err := store.Jobs().Get(ctx, id)
		if err != nil {
			return err
		}
		linked, err := store.Jobs().LinkedAssets(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load linked assets: %w", err)
		}

		assets := make([]*types.Asset, 0, len(linked))
		for _, assetID := range linked {
			asset, err := store.Assets().Get(ctx, assetID)
			if err != nil {
				return fmt.Errorf("failed to load asset %s: %w", assetID, err)
			}
			assets = append(assets, asset)
		}

		if asJSON(cmd) {
			return printJSON(struct {
				Job    *types.DiscoveryJob `json:"job"`
				Assets []*types.Asset      `json:"assets"`
			}{job, assets})
		}
		printJob(job)
		printAssets(assets)
		return nil
	},
})

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func init() {
	jobsCmd.PersistentFlags().Bool("json", false, "print JSON instead of text")

	jobsSubmitCmd.Flags().String("org", "", "organization UUID (required)")
	jobsSubmitCmd.Flags().String("config", "", `job configuration JSON, e.g. '{"ports":[80,443]}'`)
	jobsSubmitCmd.MarkFlagRequired("org")

	jobsListCmd.Flags().String("status", "", "only jobs in this status")
	jobsListCmd.Flags().String("org", "", "only jobs for this organization")
	jobsListCmd.Flags().Int("limit", 50, "maximum jobs to list")

	jobsCmd.AddCommand(jobsSubmitCmd, jobsListCmd, jobsGetCmd)
	rootCmd.AddCommand(jobsCmd)
}
