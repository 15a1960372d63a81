package orchestrator

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/portscan"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

// anchor is an asset known before discovery runs: the job target or a
// scanned host. Fingerprint findings and enrichment metadata are attached
// to it by id.
type anchor struct {
	id        uuid.UUID
	assetType types.AssetType
	value     string
	metadata  map[string]string
}

func (a *anchor) addMetadata(m map[string]string) {
	if len(m) == 0 {
		return
	}
	if a.metadata == nil {
		a.metadata = make(map[string]string, len(m))
	}
	for k, v := range m {
		if _, exists := a.metadata[k]; !exists {
			a.metadata[k] = v
		}
	}
}

// jobRun is the job-scoped accumulator filled by dispatch and consumed once
// by persist.
type jobRun struct {
	job      *types.DiscoveryJob
	opts     types.JobOptions
	result   *types.DiscoveryResult
	anchors  []*anchor
	warnings *ErrorAggregator
}

func (r *jobRun) anchor(assetType types.AssetType, value string) *anchor {
	for _, a := range r.anchors {
		if a.assetType == assetType && a.value == value {
			return a
		}
	}
	a := &anchor{id: uuid.New(), assetType: assetType, value: value}
	r.anchors = append(r.anchors, a)
	return a
}

func (p *Processor) dispatch(ctx context.Context, job *types.DiscoveryJob) (*jobRun, error) {
	opts, err := job.Options()
	if err != nil {
		return nil, err
	}
	run := &jobRun{
		job:      job,
		opts:     opts,
		result:   types.NewDiscoveryResult(),
		warnings: NewErrorAggregator(),
	}

	switch job.JobType {
	case types.JobTypeDNSEnum:
		err = p.runDNSEnum(ctx, run)
	case types.JobTypePortScan:
		err = p.runPortScan(ctx, run)
	case types.JobTypeWebCrawl:
		err = p.runWebCrawl(ctx, run)
	case types.JobTypeCertScan:
		err = p.runCertScan(ctx, run)
	case types.JobTypeVulnScan:
		err = p.runVulnScan(ctx, run)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedJobType, job.JobType)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func requireTarget(job *types.DiscoveryJob) (string, error) {
	target := strings.TrimSpace(job.TargetValue())
	if target == "" {
		return "", ErrMissingTarget
	}
	return target, nil
}

// runDNSEnum resolves the target's records and, unless disabled, adds CT
// log names. WHOIS data is attached to the target domain.
func (p *Processor) runDNSEnum(ctx context.Context, run *jobRun) error {
	target, err := requireTarget(run.job)
	if err != nil {
		return err
	}
	if p.engines.DNS == nil {
		return fmt.Errorf("%w: DNS enumerator", errEngineMissing)
	}
	domain := strings.TrimSuffix(strings.ToLower(target), ".")
	root := run.anchor(types.AssetTypeDomain, domain)

	records, err := p.engines.DNS.Enumerate(ctx, domain)
	if err != nil {
		return fmt.Errorf("DNS enumeration failed: %w", err)
	}
	root.addMetadata(records.Metadata)
	run.result.Merge(records)

	ctEnabled := run.opts.CertificateTransparency == nil || *run.opts.CertificateTransparency
	if ctEnabled && p.engines.CT != nil {
		names, err := p.engines.CT.Monitor(ctx, domain)
		run.warnings.Add("certificate transparency lookup", err)
		run.result.Merge(names)
	}

	if run.opts.Whois {
		if p.engines.Whois == nil {
			run.warnings.Add("WHOIS enrichment", fmt.Errorf("%w: WHOIS client", errEngineMissing))
		} else {
			record, err := p.engines.Whois.Enrich(ctx, domain)
			run.warnings.Add("WHOIS enrichment", err)
			if record != nil {
				root.addMetadata(record.Metadata)
			}
		}
	}
	return nil
}

// scanPorts picks the port list for a PortScan job: explicit ports win over
// top_ports, and neither leaves the choice to the scanner.
func scanPorts(opts types.JobOptions) []int {
	if len(opts.Ports) > 0 {
		return opts.Ports
	}
	return portscan.TopPorts(opts.TopPorts)
}

// runPortScan resolves the target and scans every address. Open ports are
// fingerprinted per host when requested.
func (p *Processor) runPortScan(ctx context.Context, run *jobRun) error {
	target, err := requireTarget(run.job)
	if err != nil {
		return err
	}
	ports := scanPorts(run.opts)

	var hosts []string
	if run.opts.Naabu && p.engines.Naabu != nil {
		found, err := p.engines.Naabu.ScanTarget(ctx, target, ports)
		if err != nil {
			return fmt.Errorf("naabu scan failed: %w", err)
		}
		p.telemetry.RecordPortsScanned(ctx, types.ProtocolTCP, len(found.Ports))
		run.result.Merge(found)
		hosts = portHosts(found)
	} else {
		if run.opts.Naabu {
			run.warnings.Add("naabu scan", fmt.Errorf("%w: naabu runner, used the built-in scanner", errEngineMissing))
		}
		if p.engines.Scanner == nil {
			return fmt.Errorf("%w: port scanner", errEngineMissing)
		}
		if hosts, err = p.resolve(ctx, target); err != nil {
			return err
		}
		for _, ip := range hosts {
			found, err := p.engines.Scanner.ScanIP(ctx, ip, ports)
			if err != nil {
				return fmt.Errorf("port scan of %s failed: %w", ip, err)
			}
			p.recordPorts(ctx, found)
			run.result.Merge(found)
		}
	}

	if run.opts.Fingerprint && p.engines.Services != nil {
		for _, ip := range hosts {
			host := run.anchor(types.AssetTypeIPAddress, ip)
			fp := p.engines.Services.Fingerprint(ctx, ip, host.id)
			host.addMetadata(fp.Metadata)
			run.result.Technologies = append(run.result.Technologies, fp.Technologies...)
		}
	}
	return nil
}

func (p *Processor) resolve(ctx context.Context, target string) ([]string, error) {
	if ip := net.ParseIP(strings.Trim(target, "[]")); ip != nil {
		return []string{ip.String()}, nil
	}
	if p.engines.Resolver == nil {
		return nil, fmt.Errorf("%w: resolver", errEngineMissing)
	}
	addrs, err := p.engines.Resolver.Resolve(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", target, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("failed to resolve %s: no addresses", target)
	}
	return addrs, nil
}

func (p *Processor) recordPorts(ctx context.Context, result *types.DiscoveryResult) {
	counts := make(map[types.Protocol]int)
	for _, port := range result.Ports {
		counts[port.Protocol]++
	}
	for proto, n := range counts {
		p.telemetry.RecordPortsScanned(ctx, proto, n)
	}
}

func portHosts(result *types.DiscoveryResult) []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, port := range result.Ports {
		if !seen[port.IPAddress] {
			seen[port.IPAddress] = true
			hosts = append(hosts, port.IPAddress)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// seedURL turns a bare host into an https URL.
func seedURL(target string) string {
	if strings.Contains(target, "://") {
		return target
	}
	return "https://" + target
}

// runWebCrawl crawls the target, fingerprints the seed page and optionally
// probes every crawled URL with httpx.
func (p *Processor) runWebCrawl(ctx context.Context, run *jobRun) error {
	target, err := requireTarget(run.job)
	if err != nil {
		return err
	}
	if p.engines.Crawler == nil {
		return fmt.Errorf("%w: crawler", errEngineMissing)
	}
	seed := seedURL(target)

	maxDepth := 1
	if run.opts.MaxDepth != nil && *run.opts.MaxDepth >= 0 {
		maxDepth = *run.opts.MaxDepth
	}

	pages, err := p.engines.Crawler.Crawl(ctx, seed, maxDepth)
	if err != nil {
		return fmt.Errorf("web crawl failed: %w", err)
	}
	run.result.Merge(pages)

	if run.opts.Fingerprint && p.engines.Web != nil {
		site := run.anchor(types.AssetTypeWebApp, seed)
		fp := p.engines.Web.Fingerprint(ctx, seed, site.id)
		site.addMetadata(fp.Metadata)
		run.result.Technologies = append(run.result.Technologies, fp.Technologies...)
	}

	if run.opts.Httpx {
		if p.engines.Httpx == nil {
			run.warnings.Add("httpx probe", fmt.Errorf("%w: httpx runner", errEngineMissing))
			return nil
		}
		urls := []string{seed}
		for _, res := range pages.WebResources {
			if res.URL != seed {
				urls = append(urls, res.URL)
			}
		}
		probed, err := p.engines.Httpx.ScanURLs(ctx, urls)
		run.warnings.Add("httpx probe", err)
		run.result.Merge(probed)
	}
	return nil
}

func (p *Processor) runCertScan(ctx context.Context, run *jobRun) error {
	target, err := requireTarget(run.job)
	if err != nil {
		return err
	}
	if p.engines.CT == nil {
		return fmt.Errorf("%w: CT monitor", errEngineMissing)
	}
	names, err := p.engines.CT.Monitor(ctx, strings.ToLower(target))
	if err != nil {
		return fmt.Errorf("certificate transparency lookup failed: %w", err)
	}
	run.result.Merge(names)
	return nil
}

// runVulnScan hands the job to the vulnerability scanner. Findings that do
// not name an asset are attached to the job target.
func (p *Processor) runVulnScan(ctx context.Context, run *jobRun) error {
	if p.engines.VulnScanner == nil {
		return ErrNoVulnScanner
	}
	target, err := requireTarget(run.job)
	if err != nil {
		return err
	}
	found, err := p.engines.VulnScanner.Scan(ctx, run.job)
	if err != nil {
		return fmt.Errorf("vulnerability scan failed: %w", err)
	}
	if found != nil && len(found.Vulnerabilities) > 0 {
		assetType, value := targetAsset(target)
		root := run.anchor(assetType, value)
		for i := range found.Vulnerabilities {
			if found.Vulnerabilities[i].AssetID == uuid.Nil {
				found.Vulnerabilities[i].AssetID = root.id
			}
		}
	}
	run.result.Merge(found)
	return nil
}

// targetAsset classifies a free-form job target: URLs are web apps, IP
// literals are addresses and anything else is a domain.
func targetAsset(target string) (types.AssetType, string) {
	if u, err := url.Parse(target); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return types.AssetTypeWebApp, target
	}
	if ip := net.ParseIP(target); ip != nil {
		return types.AssetTypeIPAddress, ip.String()
	}
	return types.AssetTypeDomain, strings.TrimSuffix(strings.ToLower(target), ".")
}
