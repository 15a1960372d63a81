package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/easm/internal/database"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

// One-shot commands run a single job through the same processor the workers
// use, against an in-memory store.

var scanCmd = &cobra.Command{
	Use:   "scan <host>",
	Short: "Port scan a host or IP",
	Long: `Scan every address of a host with the built-in TCP/UDP scanner, or with
naabu when --naabu is set and the binary is on PATH.

Examples:
  easm scan 203.0.113.5
  easm scan example.com --ports 22,80,443 --fingerprint
  easm scan example.com --naabu --top-ports 1000`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts types.JobOptions
		opts.Ports, _ = cmd.Flags().GetIntSlice("ports")
		opts.TopPorts, _ = cmd.Flags().GetInt("top-ports")
		opts.Naabu, _ = cmd.Flags().GetBool("naabu")
		opts.Fingerprint, _ = cmd.Flags().GetBool("fingerprint")
		return runLocalJob(cmd, types.JobTypePortScan, args[0], opts)
	},
}

var dnsCmd = &cobra.Command{
	Use:   "dns <domain>",
	Short: "Enumerate DNS records, CT names and WHOIS data for a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts types.JobOptions
		if noCT, _ := cmd.Flags().GetBool("no-ct"); noCT {
			disabled := false
			opts.CertificateTransparency = &disabled
		}
		opts.Whois, _ = cmd.Flags().GetBool("whois")
		return runLocalJob(cmd, types.JobTypeDNSEnum, args[0], opts)
	},
}

var crawlCmd = &cobra.Command{
	Use:   "crawl <url>",
	Short: "Crawl a site and record every same-host page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts types.JobOptions
		depth, _ := cmd.Flags().GetInt("depth")
		opts.MaxDepth = &depth
		opts.Fingerprint, _ = cmd.Flags().GetBool("fingerprint")
		opts.Httpx, _ = cmd.Flags().GetBool("httpx")
		return runLocalJob(cmd, types.JobTypeWebCrawl, args[0], opts)
	},
}

var ctCmd = &cobra.Command{
	Use:   "ct <domain>",
	Short: "List names from certificate transparency logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLocalJob(cmd, types.JobTypeCertScan, args[0], types.JobOptions{})
	},
}

func runLocalJob(cmd *cobra.Command, jobType types.JobType, target string, opts types.JobOptions) error {
	ctx := cmd.Context()

	orgID := uuid.Nil
	if v, _ := cmd.Flags().GetString("org"); v != "" {
		parsed, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("--org must be an organization UUID: %w", err)
		}
		orgID = parsed
	}

	configuration, err := types.NewJSONDocument(opts)
	if err != nil {
		return err
	}

	mem := database.NewMemoryStore()
	processor, cleanup, err := newProcessor(ctx, mem.Assets(), mem.Jobs())
	if err != nil {
		return err
	}
	defer cleanup()

	job := types.NewDiscoveryJob(orgID, jobType, target, configuration)
	if err := mem.Jobs().Create(ctx, job); err != nil {
		return err
	}

	if !asJSON(cmd) {
		color.Cyan("Running %s against %s\n", jobType, target)
	}
	if _, err := processor.ProcessPendingJobs(ctx); err != nil {
		return err
	}

	done, err := mem.Jobs().Get(ctx, job.ID)
	if err != nil {
		return err
	}
	assets, err := mem.Assets().List(ctx, types.AssetFilter{}, 0, 0)
	if err != nil {
		return err
	}

	if path, _ := cmd.Flags().GetString("snapshot"); path != "" {
		if err := mem.SaveSnapshot(path); err != nil {
			return err
		}
		log.Infow("Snapshot written", "path", path, "assets", len(assets))
	}

	if asJSON(cmd) {
		if err := printJSON(struct {
			Job    *types.DiscoveryJob `json:"job"`
			Assets []*types.Asset      `json:"assets"`
		}{done, assets}); err != nil {
			return err
		}
	} else {
		printJob(done)
		printAssets(assets)
	}

	if done.Status != types.JobStatusCompleted {
		return fmt.Errorf("%s job %s", jobType, done.Status)
	}
	return nil
}

func addLocalFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("json", false, "print JSON instead of text")
	cmd.Flags().String("snapshot", "", "write jobs, assets and links to this JSON file")
	cmd.Flags().String("org", "", "organization UUID recorded on the assets")
}

func init() {
	scanCmd.Flags().IntSlice("ports", nil, "ports to scan (default: configured sweep)")
	scanCmd.Flags().Int("top-ports", 0, "scan the N most common ports instead")
	scanCmd.Flags().Bool("naabu", false, "use the naabu binary instead of the built-in scanner")
	scanCmd.Flags().Bool("fingerprint", false, "fingerprint services on every scanned host")
	scanCmd.Flags().Bool("udp", true, "also probe UDP ports")
	viper.BindPFlag("scanner.enable_udp", scanCmd.Flags().Lookup("udp"))

	dnsCmd.Flags().Bool("no-ct", false, "skip certificate transparency lookups")
	dnsCmd.Flags().Bool("whois", false, "attach WHOIS registration data to the domain")

	crawlCmd.Flags().Int("depth", 1, "maximum link depth from the seed page")
	crawlCmd.Flags().Bool("fingerprint", false, "fingerprint the seed page")
	crawlCmd.Flags().Bool("httpx", false, "probe every crawled URL with httpx")

	for _, c := range []*cobra.Command{scanCmd, dnsCmd, crawlCmd, ctCmd} {
		addLocalFlags(c)
		rootCmd.AddCommand(c)
	}
}
