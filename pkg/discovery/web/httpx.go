package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

// HttpxRunner probes URLs with an external httpx binary.
type HttpxRunner struct {
	cfg    config.HttpxConfig
	logger *logger.Logger
}

type httpxOutput struct {
	Input        string   `json:"input"`
	URL          string   `json:"url"`
	StatusCode   int      `json:"status_code"`
	Title        string   `json:"title"`
	WebServer    string   `json:"webserver"`
	Technologies []string `json:"tech,omitempty"`
	Failed       bool     `json:"failed"`
}

func NewHttpxRunner(cfg config.HttpxConfig, log *logger.Logger) *HttpxRunner {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "httpx"
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 50
	}
	if log == nil {
		log = logger.Nop()
	}
	return &HttpxRunner{cfg: cfg, logger: log.WithTool("httpx")}
}

func (h *HttpxRunner) buildArgs(listFile string) []string {
	return []string{
		"-l", listFile,
		"-json",
		"-silent",
		"-tech-detect",
		"-title",
		"-status-code",
		"-threads", strconv.Itoa(h.cfg.Threads),
	}
}

// ScanURLs writes urls to a temporary list file and runs httpx over it.
func (h *HttpxRunner) ScanURLs(ctx context.Context, urls []string) (*types.DiscoveryResult, error) {
	if len(urls) == 0 {
		return types.NewDiscoveryResult(), nil
	}
	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
	}

	list, err := os.CreateTemp("", "easm-httpx-*.txt")
	if err != nil {
		return nil, fmt.Errorf("failed to create url list: %w", err)
	}
	defer os.Remove(list.Name())

	if _, err := list.WriteString(strings.Join(urls, "\n") + "\n"); err != nil {
		list.Close()
		return nil, fmt.Errorf("failed to write url list: %w", err)
	}
	if err := list.Close(); err != nil {
		return nil, fmt.Errorf("failed to write url list: %w", err)
	}

	args := h.buildArgs(list.Name())
	h.logger.Infow("Running httpx probe", "urls", len(urls), "args", args)

	cmd := exec.CommandContext(ctx, h.cfg.BinaryPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start httpx: %w", err)
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			h.logger.Debugw("httpx stderr", "output", scanner.Text())
		}
	}()

	result := ParseHttpxOutput(stdout)
	<-stderrDone

	if err := cmd.Wait(); err != nil {
		h.logger.Warnw("httpx exited with non-zero status", "error", err)
	}

	h.logger.Infow("httpx probe completed", "resources", len(result.WebResources))
	return result, nil
}

// ParseHttpxOutput turns httpx JSON lines into web resources. Failed probes
// and malformed lines are skipped. The web server banner, when present, is
// reported as a technology.
func ParseHttpxOutput(r io.Reader) *types.DiscoveryResult {
	result := types.NewDiscoveryResult()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry httpxOutput
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Failed || entry.URL == "" {
			continue
		}

		input := entry.Input
		if input == "" {
			input = entry.URL
		}
		techs := append([]string(nil), entry.Technologies...)
		if entry.WebServer != "" && !contains(techs, entry.WebServer) {
			techs = append(techs, entry.WebServer)
		}

		result.AddWebResource(types.DiscoveredWebResource{
			URL:          entry.URL,
			StatusCode:   entry.StatusCode,
			Title:        entry.Title,
			Technologies: techs,
			Source:       "httpx_scan_for_" + input,
		})
	}
	return result
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
