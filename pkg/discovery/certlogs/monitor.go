// Package certlogs discovers domain names from certificate transparency
// logs through the crt.sh search API.
package certlogs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/CodeMonkeyCybersecurity/easm/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

const maxResponseBytes = 64 << 20

// Source is anything that can list names seen in certificates for a domain.
type Source interface {
	Monitor(ctx context.Context, domain string) (*types.DiscoveryResult, error)
}

// Monitor queries crt.sh.
type Monitor struct {
	client  *http.Client
	limiter *ratelimit.Limiter
	baseURL string
	host    string
	logger  *logger.Logger
}

type crtshEntry struct {
	ID         int64  `json:"id"`
	IssuerName string `json:"issuer_name"`
	CommonName string `json:"common_name"`
	NameValue  string `json:"name_value"`
	NotBefore  string `json:"not_before"`
	NotAfter   string `json:"not_after"`
}

func NewMonitor(cfg config.CertLogsConfig, log *logger.Logger) *Monitor {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://crt.sh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	host := baseURL
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return &Monitor{
		client: httpclient.New(httpclient.ClientConfig{
			Timeout:         cfg.Timeout,
			FollowRedirects: true,
			MaxRedirects:    5,
		}),
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.RequestsPerSecond,
			BurstSize:         cfg.BurstSize,
		}),
		baseURL: baseURL,
		host:    host,
		logger:  log.WithComponent("certlogs"),
	}
}

// Monitor returns every distinct, non-wildcard name crt.sh has logged for
// domain. Only a transport failure is an error; an error status or an
// unreadable body yields an empty result.
func (m *Monitor) Monitor(ctx context.Context, domain string) (*types.DiscoveryResult, error) {
	result := types.NewDiscoveryResult()
	endpoint := fmt.Sprintf("%s/?q=%s&output=json", m.baseURL, url.QueryEscape(domain))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build crt.sh request: %w", err)
	}

	if err := m.limiter.WaitForHost(ctx, m.host); err != nil {
		return nil, fmt.Errorf("crt.sh rate limit wait failed: %w", err)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crt.sh request failed: %w", err)
	}
	defer httpclient.CloseBody(resp)
	m.logger.LogHTTPRequest(ctx, http.MethodGet, endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.logger.Warnw("crt.sh returned error status", "domain", domain, "status", resp.StatusCode)
		return result, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		m.logger.Warnw("Failed to read crt.sh response", "domain", domain, "error", err)
		return result, nil
	}

	var entries []crtshEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		m.logger.Warnw("Failed to parse crt.sh response", "domain", domain, "error", err)
		return result, nil
	}

	source := "crt.sh_for_" + domain
	for _, name := range extractNames(entries) {
		result.AddDomain(types.DiscoveredDomain{DomainName: name, Source: source})
	}

	m.logger.Infow("Certificate transparency lookup completed",
		"domain", domain,
		"certificates", len(entries),
		"names", len(result.Domains()))
	return result, nil
}

// extractNames collects the names in common_name and name_value. name_value
// holds one name per line; crt.sh sometimes escapes the newline as the two
// characters `\n`. Names are trimmed and lower-cased, and wildcard names or
// names without a dot are dropped.
func extractNames(entries []crtshEntry) []string {
	seen := make(map[string]bool)
	var names []string

	for _, e := range entries {
		candidates := splitNames(e.NameValue)
		candidates = append(candidates, e.CommonName)
		for _, c := range candidates {
			name := strings.ToLower(strings.TrimSpace(c))
			if name == "" || strings.HasPrefix(name, "*.") || !strings.Contains(name, ".") {
				continue
			}
			if seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func splitNames(value string) []string {
	value = strings.ReplaceAll(value, `\n`, "\n")
	return strings.Split(value, "\n")
}
