package portscan

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

// NaabuRunner delegates the sweep to an external naabu binary.
type NaabuRunner struct {
	cfg    config.NaabuConfig
	logger *logger.Logger
}

type naabuOutput struct {
	IP      string `json:"ip"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port"`
	Service string `json:"service,omitempty"`
}

func NewNaabuRunner(cfg config.NaabuConfig, log *logger.Logger) *NaabuRunner {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "naabu"
	}
	if cfg.TopPorts <= 0 {
		cfg.TopPorts = 1000
	}
	if log == nil {
		log = logger.Nop()
	}
	return &NaabuRunner{cfg: cfg, logger: log.WithTool("naabu")}
}

func (n *NaabuRunner) buildArgs(target string, ports []int) []string {
	args := []string{"-host", target, "-json", "-silent"}
	if len(ports) > 0 {
		list := make([]string, len(ports))
		for i, p := range ports {
			list[i] = strconv.Itoa(p)
		}
		args = append(args, "-p", strings.Join(list, ","))
	} else {
		args = append(args, "-top-ports", strconv.Itoa(n.cfg.TopPorts))
	}
	return args
}

// ScanTarget runs naabu against target and turns every reported port into an
// OPEN TCP port. A binary that cannot be started is an error; a non-zero exit
// after it produced output is only logged.
func (n *NaabuRunner) ScanTarget(ctx context.Context, target string, ports []int) (*types.DiscoveryResult, error) {
	if n.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}

	args := n.buildArgs(target, ports)
	n.logger.Infow("Running naabu scan", "target", target, "args", args)

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
		return nil, fmt.Errorf("failed to start naabu: %w", err)
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			n.logger.Debugw("naabu stderr", "output", scanner.Text())
		}
	}()

	result := ParseNaabuOutput(stdout, target)
	<-stderrDone

	if err := cmd.Wait(); err != nil {
		n.logger.Warnw("naabu exited with non-zero status", "target", target, "error", err)
	}

	n.logger.Infow("naabu scan completed", "target", target, "ports", len(result.Ports))
	return result, nil
}

// ParseNaabuOutput reads naabu JSON lines. Lines that are not JSON, lack an
// ip or port, or carry an unparseable ip are skipped.
func ParseNaabuOutput(r io.Reader, target string) *types.DiscoveryResult {
	result := types.NewDiscoveryResult()
	source := "naabu_scan_for_" + target

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry naabuOutput
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		ip := net.ParseIP(entry.IP)
		if ip == nil || entry.Port < 1 || entry.Port > 65535 {
			continue
		}
		result.AddPort(types.DiscoveredPort{
			IPAddress:   ip.String(),
			Port:        entry.Port,
			Protocol:    types.ProtocolTCP,
			Status:      types.PortStatusOpen,
			ServiceName: entry.Service,
			Source:      source,
		})
	}
	return result
}
