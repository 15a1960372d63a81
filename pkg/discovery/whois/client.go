package whois

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"
	"golang.org/x/net/publicsuffix"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// Record is the registration data kept from a WHOIS answer.
type Record struct {
	Domain        string
	Registrar     string
	RegistrantOrg string
	Emails        []string
	NameServers   []string
	CreatedDate   string
	ExpiresDate   string
	Status        []string
}

// Client enriches domains with WHOIS registration data.
type Client struct {
	logger  *logger.Logger
	timeout time.Duration
	query   func(domain string) (string, error)
}

func NewClient(cfg config.WhoisConfig, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	client := whois.NewClient().SetTimeout(cfg.Timeout)
	return &Client{
		logger:  log.WithComponent("whois"),
		timeout: cfg.Timeout,
		query: func(domain string) (string, error) {
			return client.Whois(domain)
		},
	}
}

// Lookup queries WHOIS for the registered domain of name, so
// www.example.co.uk is looked up as example.co.uk.
func (c *Client) Lookup(ctx context.Context, name string) (*Record, error) {
	domain, err := publicsuffix.EffectiveTLDPlusOne(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), "."))
	if err != nil {
		return nil, fmt.Errorf("no registrable domain in %q: %w", name, err)
	}

	type answer struct {
		raw string
		err error
	}
	done := make(chan answer, 1)
	go func() {
		raw, err := c.query(domain)
		done <- answer{raw, err}
	}()

	var raw string
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case a := <-done:
		if a.err != nil {
			return nil, fmt.Errorf("whois lookup failed: %w", a.err)
		}
		raw = a.raw
	}

	record, err := parse(domain, raw)
	if err != nil {
		c.logger.Debugw("WHOIS parser failed, falling back to line scan", "domain", domain, "error", err)
		record = parseManual(domain, raw)
	}

	c.logger.Infow("WHOIS lookup completed",
		"domain", domain,
		"registrar", record.Registrar,
		"org", record.RegistrantOrg)
	return record, nil
}

// Enrich looks up name and returns the record as whois_* metadata.
func (c *Client) Enrich(ctx context.Context, name string) (*types.DiscoveryResult, error) {
	record, err := c.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return record.Result(), nil
}

// Result renders the non-empty fields as metadata.
func (r *Record) Result() *types.DiscoveryResult {
	result := types.NewDiscoveryResult()
	set := func(key, value string) {
		if value != "" {
			result.SetMetadata(key, value)
		}
	}
	set("whois_domain", r.Domain)
	set("whois_registrar", r.Registrar)
	set("whois_registrant_org", r.RegistrantOrg)
	set("whois_created", r.CreatedDate)
	set("whois_expires", r.ExpiresDate)
	set("whois_name_servers", strings.Join(r.NameServers, ","))
	set("whois_status", strings.Join(r.Status, ","))
	set("whois_emails", strings.Join(r.Emails, ","))
	return result
}

func parse(domain, raw string) (*Record, error) {
	parsed, err := whoisparser.Parse(raw)
	if err != nil {
		return nil, err
	}

	record := &Record{Domain: domain}
	if parsed.Domain != nil {
		record.CreatedDate = parsed.Domain.CreatedDate
		record.ExpiresDate = parsed.Domain.ExpirationDate
		record.Status = parsed.Domain.Status
		record.NameServers = lowerAll(parsed.Domain.NameServers)
	}
	if parsed.Registrar != nil {
		record.Registrar = parsed.Registrar.Name
	}

	emails := make(map[string]bool)
	for _, contact := range []*whoisparser.Contact{parsed.Registrant, parsed.Administrative, parsed.Technical} {
		if contact == nil {
			continue
		}
		if contact == parsed.Registrant {
			record.RegistrantOrg = contact.Organization
		}
		if contact.Email != "" {
			emails[strings.ToLower(contact.Email)] = true
		}
	}
	record.Emails = sortedKeys(emails)
	return record, nil
}

// parseManual scans "key: value" lines for registries whose format the
// parser does not know.
func parseManual(domain, raw string) *Record {
	record := &Record{Domain: domain}
	emails := make(map[string]bool)

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		for _, email := range emailPattern.FindAllString(line, -1) {
			emails[strings.ToLower(email)] = true
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		switch {
		case key == "registrar" && record.Registrar == "":
			record.Registrar = value
		case key == "registrant organization" || key == "org" || key == "organization":
			if record.RegistrantOrg == "" {
				record.RegistrantOrg = value
			}
		case key == "name server" || key == "nserver":
			record.NameServers = append(record.NameServers, strings.ToLower(strings.Fields(value)[0]))
		case key == "creation date" || key == "created":
			record.CreatedDate = value
		case strings.Contains(key, "expir"):
			record.ExpiresDate = value
		case key == "domain status" || key == "status":
			record.Status = append(record.Status, strings.Fields(value)[0])
		}
	}

	record.Emails = sortedKeys(emails)
	return record
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
