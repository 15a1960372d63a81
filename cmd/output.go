package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

func colorJobStatus(status types.JobStatus) string {
	switch status {
	case types.JobStatusCompleted:
		return color.New(color.FgGreen).Sprint("✓ " + string(status))
	case types.JobStatusRunning:
		return color.New(color.FgYellow).Sprint("⟳ " + string(status))
	case types.JobStatusFailed:
		return color.New(color.FgRed).Sprint("✗ " + string(status))
	case types.JobStatusCancelled:
		return color.New(color.FgHiBlack).Sprint("- " + string(status))
	default:
		return "○ " + string(status)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func printJob(job *types.DiscoveryJob) {
	color.Cyan("Job %s\n", job.ID)
	fmt.Printf("  Type:         %s\n", job.JobType)
	fmt.Printf("  Status:       %s\n", colorJobStatus(job.Status))
	fmt.Printf("  Target:       %s\n", job.TargetValue())
	fmt.Printf("  Organization: %s\n", job.OrganizationID)
	fmt.Printf("  Created:      %s\n", formatTime(&job.CreatedAt))
	fmt.Printf("  Started:      %s\n", formatTime(job.StartedAt))
	fmt.Printf("  Completed:    %s\n", formatTime(job.CompletedAt))
	if len(job.Configuration) > 0 && string(job.Configuration) != "{}" {
		fmt.Printf("  Config:       %s\n", job.Configuration)
	}
	if job.Logs != nil {
		fmt.Println("  Logs:")
		for _, line := range strings.Split(*job.Logs, "\n") {
			if strings.HasPrefix(line, "Warning:") {
				color.Yellow("    %s\n", line)
				continue
			}
			fmt.Printf("    %s\n", line)
		}
	}
}

func printJobTable(jobs []*types.DiscoveryJob) {
	if len(jobs) == 0 {
		color.Yellow("No jobs found\n")
		return
	}
	fmt.Printf("%-36s  %-9s  %-22s  %-25s  %s\n", "ID", "TYPE", "STATUS", "CREATED", "TARGET")
	for _, job := range jobs {
		fmt.Printf("%-36s  %-9s  %-22s  %-25s  %s\n",
			job.ID, job.JobType, colorJobStatus(job.Status), formatTime(&job.CreatedAt), job.TargetValue())
	}
}

// printAssets groups assets by type and prints any technologies recorded in
// their attributes.
func printAssets(assets []*types.Asset) {
	if len(assets) == 0 {
		color.Yellow("No assets discovered\n")
		return
	}

	byType := make(map[types.AssetType][]*types.Asset)
	for _, a := range assets {
		byType[a.AssetType] = append(byType[a.AssetType], a)
	}
	assetTypes := make([]string, 0, len(byType))
	for t := range byType {
		assetTypes = append(assetTypes, string(t))
	}
	sort.Strings(assetTypes)

	for _, t := range assetTypes {
		group := byType[types.AssetType(t)]
		sort.Slice(group, func(i, j int) bool { return group[i].Value < group[j].Value })
		color.Cyan("\n%s (%d)\n", t, len(group))

		for _, a := range group {
			var attrs struct {
				Source       string                    `json:"source"`
				Status       string                    `json:"status"`
				StatusCode   int                       `json:"status_code"`
				Title        string                    `json:"title"`
				ServiceName  string                    `json:"service_name"`
				Technologies []types.TechnologyFinding `json:"technologies"`
				Metadata     map[string]string         `json:"metadata"`
			}
			_ = a.Attributes.Decode(&attrs)

			line := "  " + a.Value
			switch {
			case attrs.Status != "":
				line += "  " + attrs.Status
				if attrs.ServiceName != "" {
					line += " (" + attrs.ServiceName + ")"
				}
			case attrs.StatusCode > 0:
				line += fmt.Sprintf("  [%d]", attrs.StatusCode)
				if attrs.Title != "" {
					line += " " + attrs.Title
				}
			}
			fmt.Println(line)

			for _, tech := range attrs.Technologies {
				name := tech.Name
				if tech.Version != "" {
					name += " " + tech.Version
				}
				color.Green("    ✓ %s\n", name)
			}
			printMetadata(attrs.Metadata, "    ")
		}
	}
}

func printTechnologies(result *types.DiscoveryResult) {
	if len(result.Technologies) == 0 {
		color.Yellow("No technologies identified\n")
	}
	for _, tech := range result.Technologies {
		name := tech.Name
		if tech.Version != "" {
			name += " " + tech.Version
		}
		color.Green("✓ %s\n", name)
		if tech.Category != "" {
			fmt.Printf("    category: %s\n", tech.Category)
		}
		fmt.Printf("    evidence: %s\n", tech.Evidence)
	}
	printMetadata(result.Metadata, "")
}

func printMetadata(metadata map[string]string, indent string) {
	if len(metadata) == 0 {
		return
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s%s: %s\n", indent, color.New(color.FgHiBlack).Sprint(k), metadata[k])
	}
}
