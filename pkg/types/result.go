package types

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

type DiscoveredDomain struct {
	DomainName string `json:"domain_name"`
	Source     string `json:"source"`
}

type DiscoveredIP struct {
	IPAddress string `json:"ip_address"`
	Source    string `json:"source"`
}

type DiscoveredPort struct {
	IPAddress   string     `json:"ip_address"`
	Port        int        `json:"port"`
	Protocol    Protocol   `json:"protocol"`
	Status      PortStatus `json:"status"`
	ServiceName string     `json:"service_name,omitempty"`
	Banner      string     `json:"banner,omitempty"`
	Source      string     `json:"source"`
}

type DiscoveredWebResource struct {
	URL          string   `json:"url"`
	StatusCode   int      `json:"status_code"`
	Title        string   `json:"title,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
	Source       string   `json:"source"`
}

type TechnologyFinding struct {
	AssetID  uuid.UUID `json:"asset_id"`
	Name     string    `json:"name"`
	Version  string    `json:"version,omitempty"`
	Category string    `json:"category,omitempty"`
	Evidence string    `json:"evidence"`
}

// VulnerabilityFinding is one matched check from a vulnerability scanner.
// AssetID is zero until the finding is attached to the scanned asset.
type VulnerabilityFinding struct {
	AssetID     uuid.UUID `json:"asset_id"`
	TemplateID  string    `json:"template_id"`
	Name        string    `json:"name"`
	Severity    string    `json:"severity"`
	Description string    `json:"description,omitempty"`
	MatchedAt   string    `json:"matched_at"`
	CVEID       string    `json:"cve_id,omitempty"`
	CVSSScore   float64   `json:"cvss_score,omitempty"`
	References  []string  `json:"references,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Source      string    `json:"source"`
}

// DiscoveryResult accumulates everything a sub-task found. Domains and IPs
// are sets keyed by value; the remaining collections are append-only.
type DiscoveryResult struct {
	domains      map[string]DiscoveredDomain
	ips          map[string]DiscoveredIP
	Ports        []DiscoveredPort
	WebResources []DiscoveredWebResource
	Technologies    []TechnologyFinding
	Vulnerabilities []VulnerabilityFinding
	Metadata        map[string]string
}

func NewDiscoveryResult() *DiscoveryResult {
	return &DiscoveryResult{
		domains:  make(map[string]DiscoveredDomain),
		ips:      make(map[string]DiscoveredIP),
		Metadata: make(map[string]string),
	}
}

func (r *DiscoveryResult) lazyInit() {
	if r.domains == nil {
		r.domains = make(map[string]DiscoveredDomain)
	}
	if r.ips == nil {
		r.ips = make(map[string]DiscoveredIP)
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
}

// AddDomain records a domain unless one with the same name is already present.
// It reports whether the domain was new.
func (r *DiscoveryResult) AddDomain(d DiscoveredDomain) bool {
	r.lazyInit()
	if _, ok := r.domains[d.DomainName]; ok {
		return false
	}
	r.domains[d.DomainName] = d
	return true
}

func (r *DiscoveryResult) AddIP(ip DiscoveredIP) bool {
	r.lazyInit()
	if _, ok := r.ips[ip.IPAddress]; ok {
		return false
	}
	r.ips[ip.IPAddress] = ip
	return true
}

func (r *DiscoveryResult) AddPort(p DiscoveredPort) {
	r.Ports = append(r.Ports, p)
}

func (r *DiscoveryResult) AddWebResource(w DiscoveredWebResource) {
	r.WebResources = append(r.WebResources, w)
}

func (r *DiscoveryResult) AddTechnology(t TechnologyFinding) {
	r.Technologies = append(r.Technologies, t)
}

func (r *DiscoveryResult) AddVulnerability(v VulnerabilityFinding) {
	r.Vulnerabilities = append(r.Vulnerabilities, v)
}

// SetMetadata stores value under key. An existing value is never overwritten;
// the new one goes under the first free "<key>#<n>" slot.
func (r *DiscoveryResult) SetMetadata(key, value string) {
	r.lazyInit()
	if _, taken := r.Metadata[key]; !taken {
		r.Metadata[key] = value
		return
	}
	for n := 2; ; n++ {
		alt := fmt.Sprintf("%s#%d", key, n)
		if _, taken := r.Metadata[alt]; !taken {
			r.Metadata[alt] = value
			return
		}
	}
}

// Domains returns the domain set ordered by name.
func (r *DiscoveryResult) Domains() []DiscoveredDomain {
	out := make([]DiscoveredDomain, 0, len(r.domains))
	for _, d := range r.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DomainName < out[j].DomainName })
	return out
}

// IPAddresses returns the IP set ordered by address string.
func (r *DiscoveryResult) IPAddresses() []DiscoveredIP {
	out := make([]DiscoveredIP, 0, len(r.ips))
	for _, ip := range r.ips {
		out = append(out, ip)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IPAddress < out[j].IPAddress })
	return out
}

func (r *DiscoveryResult) HasDomain(name string) bool {
	_, ok := r.domains[name]
	return ok
}

func (r *DiscoveryResult) HasIP(addr string) bool {
	_, ok := r.ips[addr]
	return ok
}

// OpenPorts filters Ports down to those reported OPEN.
func (r *DiscoveryResult) OpenPorts() []DiscoveredPort {
	var open []DiscoveredPort
	for _, p := range r.Ports {
		if p.Status == PortStatusOpen {
			open = append(open, p)
		}
	}
	return open
}

// TechnologiesFor returns the findings attached to a single asset.
func (r *DiscoveryResult) TechnologiesFor(assetID uuid.UUID) []TechnologyFinding {
	var out []TechnologyFinding
	for _, t := range r.Technologies {
		if t.AssetID == assetID {
			out = append(out, t)
		}
	}
	return out
}

// VulnerabilitiesFor returns the vulnerability findings attached to a single
// asset.
func (r *DiscoveryResult) VulnerabilitiesFor(assetID uuid.UUID) []VulnerabilityFinding {
	var out []VulnerabilityFinding
	for _, v := range r.Vulnerabilities {
		if v.AssetID == assetID {
			out = append(out, v)
		}
	}
	return out
}

// IsEmpty reports whether nothing at all was discovered or recorded.
func (r *DiscoveryResult) IsEmpty() bool {
	return len(r.domains) == 0 && len(r.ips) == 0 && len(r.Ports) == 0 &&
		len(r.WebResources) == 0 && len(r.Technologies) == 0 &&
		len(r.Vulnerabilities) == 0 && len(r.Metadata) == 0
}

// Merge folds other into r. Set members already present in r win, list
// entries are appended and colliding metadata keys are kept under suffixed
// names. other is not modified.
func (r *DiscoveryResult) Merge(other *DiscoveryResult) {
	if other == nil {
		return
	}
	r.lazyInit()
	for _, d := range other.Domains() {
		r.AddDomain(d)
	}
	for _, ip := range other.IPAddresses() {
		r.AddIP(ip)
	}
	r.Ports = append(r.Ports, other.Ports...)
	r.WebResources = append(r.WebResources, other.WebResources...)
	r.Technologies = append(r.Technologies, other.Technologies...)
	r.Vulnerabilities = append(r.Vulnerabilities, other.Vulnerabilities...)

	keys := make([]string, 0, len(other.Metadata))
	for k := range other.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if existing, ok := r.Metadata[k]; ok && existing == other.Metadata[k] {
			continue
		}
		r.SetMetadata(k, other.Metadata[k])
	}
}
