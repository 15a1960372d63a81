package cmd

import (
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/easm/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/fingerprint"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Identify services and web technologies",
}

var fingerprintServiceCmd = &cobra.Command{
	Use:   "service <host>",
	Short: "Probe the signature ports of a host and match service banners",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sigs, err := orchestrator.NewEngineFactory(cfg, log).Signatures()
		if err != nil {
			return err
		}
		fp := fingerprint.NewServiceFingerprinter(sigs, fingerprint.ServiceConfig{
			Timeout: cfg.Fingerprint.ServiceTimeout,
		}, log)

		color.Cyan("Fingerprinting services on %s\n", args[0])
		return showFingerprint(cmd, fp.Fingerprint(cmd.Context(), args[0], uuid.New()))
	},
}

var fingerprintWebCmd = &cobra.Command{
	Use:   "web <url>",
	Short: "Match a page's headers, cookies and markup against web signatures",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sigs, err := orchestrator.NewEngineFactory(cfg, log).Signatures()
		if err != nil {
			return err
		}
		fp := fingerprint.NewWebFingerprinter(sigs, fingerprint.WebConfig{
			Timeout:   cfg.Fingerprint.WebTimeout,
			UserAgent: cfg.Fingerprint.UserAgent,
		}, log)

		color.Cyan("Fingerprinting %s\n", args[0])
		return showFingerprint(cmd, fp.Fingerprint(cmd.Context(), args[0], uuid.New()))
	},
}

func showFingerprint(cmd *cobra.Command, result *types.DiscoveryResult) error {
	if asJSON(cmd) {
		return printJSON(struct {
			Technologies []types.TechnologyFinding `json:"technologies"`
			Metadata     map[string]string         `json:"metadata"`
		}{result.Technologies, result.Metadata})
	}
	printTechnologies(result)
	return nil
}

func init() {
	fingerprintCmd.PersistentFlags().Bool("json", false, "print JSON instead of text")
	fingerprintCmd.AddCommand(fingerprintServiceCmd, fingerprintWebCmd)
	rootCmd.AddCommand(fingerprintCmd)
}
