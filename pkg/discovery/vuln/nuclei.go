// Package vuln runs template-based vulnerability checks against job targets
// through the nuclei binary.
package vuln

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

// ErrMissingTarget is returned for a VulnScan job without a target.
var ErrMissingTarget = errors.New("vulnerability scan needs a target")

// NucleiRunner delegates vulnerability checks to an external nuclei binary.
type NucleiRunner struct {
	cfg    config.NucleiConfig
	logger *logger.Logger
}

type nucleiOutput struct {
	TemplateID string     `json:"template-id"`
	Info       nucleiInfo `json:"info"`
	Type       string     `json:"type"`
	Host       string     `json:"host"`
	MatchedAt  string     `json:"matched-at"`
	Timestamp  string     `json:"timestamp"`
}

type nucleiInfo struct {
	Name           string               `json:"name"`
	Severity       string               `json:"severity"`
	Description    string               `json:"description"`
	Reference      stringList           `json:"reference"`
	Tags           stringList           `json:"tags"`
	Classification nucleiClassification `json:"classification"`
}

type nucleiClassification struct {
	CVEID     stringList `json:"cve-id"`
	CVSSScore float64    `json:"cvss-score"`
}

// stringList accepts either a JSON array of strings or a single
// comma-separated string; nuclei has emitted both over its releases.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*l = nil
	for _, part := range strings.Split(single, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

func NewNucleiRunner(cfg config.NucleiConfig, log *logger.Logger) *NucleiRunner {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "nuclei"
	}
	if cfg.Severity == "" {
		cfg.Severity = "critical,high,medium,low"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 150
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 25
	}
	if log == nil {
		log = logger.Nop()
	}
	return &NucleiRunner{cfg: cfg, logger: log.WithTool("nuclei")}
}

func (n *NucleiRunner) buildArgs(targets []string, opts types.NucleiOptions) []string {
	var args []string
	for _, t := range targets {
		args = append(args, "-u", t)
	}
	args = append(args, "-jsonl", "-silent", "-no-color")

	severity := n.cfg.Severity
	if opts.Severity != "" {
		severity = opts.Severity
	}
	args = append(args, "-severity", severity)

	rateLimit := n.cfg.RateLimit
	if opts.RateLimit > 0 {
		rateLimit = opts.RateLimit
	}
	args = append(args,
		"-rate-limit", strconv.Itoa(rateLimit),
		"-c", strconv.Itoa(n.cfg.Concurrency),
	)
	if n.cfg.Retries > 0 {
		args = append(args, "-retries", strconv.Itoa(n.cfg.Retries))
	}
	if opts.TimeoutSeconds > 0 {
		args = append(args, "-timeout", strconv.Itoa(opts.TimeoutSeconds))
	}
	if opts.MaxHostError > 0 {
		args = append(args, "-max-host-error", strconv.Itoa(opts.MaxHostError))
	}
	if opts.FollowRedirects {
		args = append(args, "-follow-redirects")
	}

	switch {
	case len(opts.Templates) > 0:
		for _, t := range opts.Templates {
			if t = strings.TrimSpace(t); t != "" {
				args = append(args, "-t", t)
			}
		}
	case n.cfg.TemplatesPath != "":
		args = append(args, "-t", n.cfg.TemplatesPath)
	}
	return args
}

// Scan runs nuclei against the job target using the job's nuclei options.
func (n *NucleiRunner) Scan(ctx context.Context, job *types.DiscoveryJob) (*types.DiscoveryResult, error) {
	target := strings.TrimSpace(job.TargetValue())
	if target == "" {
		return nil, ErrMissingTarget
	}
	opts, err := job.Options()
	if err != nil {
		return nil, err
	}
	var nucleiOpts types.NucleiOptions
	if opts.Nuclei != nil {
		nucleiOpts = *opts.Nuclei
	}
	return n.ScanTargets(ctx, []string{target}, nucleiOpts)
}

// ScanTargets runs nuclei once over targets. A binary that cannot be started
// is an error; a non-zero exit is only logged since nuclei also exits
// non-zero when it reports matches.
func (n *NucleiRunner) ScanTargets(ctx context.Context, targets []string, opts types.NucleiOptions) (*types.DiscoveryResult, error) {
	if n.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}

	args := n.buildArgs(targets, opts)
	n.logger.Infow("Running nuclei scan", "targets", targets, "args", args)

	cmd := exec.CommandContext(ctx, n.cfg.BinaryPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start nuclei: %w", err)
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			n.logger.Debugw("nuclei stderr", "output", scanner.Text())
		}
	}()

	fallback := ""
	if len(targets) > 0 {
		fallback = targets[0]
	}
	result := ParseNucleiOutput(stdout, fallback)
	<-stderrDone

	if err := cmd.Wait(); err != nil {
		n.logger.Warnw("nuclei exited with non-zero status", "targets", targets, "error", err)
	}

	n.logger.Infow("nuclei scan completed",
		"targets", targets,
		"findings", len(result.Vulnerabilities))
	return result, nil
}

// ParseNucleiOutput reads nuclei JSON lines into vulnerability findings.
// Lines that are not JSON or lack a template id are skipped. target names
// the source when a line carries no host.
func ParseNucleiOutput(r io.Reader, target string) *types.DiscoveryResult {
	result := types.NewDiscoveryResult()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry nucleiOutput
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.TemplateID == "" {
			continue
		}

		host := entry.Host
		if host == "" {
			host = target
		}
		matched := entry.MatchedAt
		if matched == "" {
			matched = host
		}
		name := entry.Info.Name
		if name == "" {
			name = entry.TemplateID
		}

		finding := types.VulnerabilityFinding{
			TemplateID:  entry.TemplateID,
			Name:        name,
			Severity:    strings.ToLower(entry.Info.Severity),
			Description: strings.TrimSpace(entry.Info.Description),
			MatchedAt:   matched,
			CVSSScore:   entry.Info.Classification.CVSSScore,
			References:  entry.Info.Reference,
			Tags:        entry.Info.Tags,
			Source:      "nuclei_scan_for_" + host,
		}
		if len(entry.Info.Classification.CVEID) > 0 {
			finding.CVEID = strings.ToUpper(entry.Info.Classification.CVEID[0])
		}
		result.AddVulnerability(finding)
	}
	return result
}
