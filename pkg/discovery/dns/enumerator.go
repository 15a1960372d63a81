// Package dns enumerates the records of a domain and resolves hosts against
// a fixed list of upstream resolvers.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
	"github.com/miekg/dns"
)

var (
	ErrInvalidDomain = errors.New("invalid domain")
	// ErrNoAnswer means every resolver failed to answer.
	ErrNoAnswer = errors.New("no resolver answered")
)

type Enumerator struct {
	resolvers []string
	client    *dns.Client
	logger    *logger.Logger
}

func NewEnumerator(cfg config.DNSConfig, log *logger.Logger) *Enumerator {
	if len(cfg.Resolvers) == 0 {
		cfg.Resolvers = []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	resolvers := make([]string, len(cfg.Resolvers))
	for i, r := range cfg.Resolvers {
		if _, _, err := net.SplitHostPort(r); err != nil {
			r = net.JoinHostPort(r, "53")
		}
		resolvers[i] = r
	}
	return &Enumerator{
		resolvers: resolvers,
		client:    &dns.Client{Timeout: cfg.Timeout},
		logger:    log.WithComponent("dns"),
	}
}

// Enumerate looks up A, AAAA, CNAME, MX and TXT records for domain.
// Addresses become IPs, CNAME targets and mail exchangers become domains and
// TXT strings are kept in the "txt" metadata key. A failed lookup of one
// record type is logged and does not stop the others.
func (e *Enumerator) Enumerate(ctx context.Context, domain string) (*types.DiscoveryResult, error) {
	domain = normalize(domain)
	if domain == "" || !strings.Contains(domain, ".") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}

	result := types.NewDiscoveryResult()
	source := "dns_enum_for_" + domain

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeCNAME, dns.TypeMX, dns.TypeTXT} {
		answers, err := e.query(ctx, domain, qtype)
		if err != nil {
			e.logger.Warnw("DNS lookup failed",
				"domain", domain,
				"type", dns.TypeToString[qtype],
				"error", err)
			continue
		}

		for _, rr := range answers {
			switch v := rr.(type) {
			case *dns.A:
				if qtype == dns.TypeA {
					result.AddIP(types.DiscoveredIP{IPAddress: v.A.String(), Source: source})
				}
			case *dns.AAAA:
				if qtype == dns.TypeAAAA {
					result.AddIP(types.DiscoveredIP{IPAddress: v.AAAA.String(), Source: source})
				}
			case *dns.CNAME:
				if qtype == dns.TypeCNAME {
					result.AddDomain(types.DiscoveredDomain{DomainName: normalize(v.Target), Source: source})
				}
			case *dns.MX:
				if host := normalize(v.Mx); host != "" {
					result.AddDomain(types.DiscoveredDomain{DomainName: host, Source: source})
				}
			case *dns.TXT:
				result.SetMetadata("txt", strings.Join(v.Txt, ""))
			}
		}
	}

	e.logger.Infow("DNS enumeration completed",
		"domain", domain,
		"ips", len(result.IPAddresses()),
		"domains", len(result.Domains()))
	return result, nil
}

// Resolve returns the A and AAAA addresses of host. An IP literal is
// returned as is.
func (e *Enumerator) Resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return []string{ip.String()}, nil
	}
	name := normalize(host)
	if name == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, host)
	}

	var ips []string
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answers, err := e.query(ctx, name, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range answers {
			switch v := rr.(type) {
			case *dns.A:
				ips = append(ips, v.A.String())
			case *dns.AAAA:
				ips = append(ips, v.AAAA.String())
			}
		}
	}
	if len(ips) == 0 && lastErr != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, lastErr)
	}
	return ips, nil
}

// query asks each resolver in turn and returns the first answer section it
// gets. NXDOMAIN and empty answers count as answers.
func (e *Enumerator) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	lastErr := ErrNoAnswer
	for _, resolver := range e.resolvers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, _, err := e.client.ExchangeContext(ctx, m, resolver)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", resolver, err)
			continue
		}
		switch r.Rcode {
		case dns.RcodeSuccess:
			return r.Answer, nil
		case dns.RcodeNameError:
			return nil, nil
		default:
			lastErr = fmt.Errorf("%s: %s", resolver, dns.RcodeToString[r.Rcode])
		}
	}
	return nil, lastErr
}

func normalize(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}
