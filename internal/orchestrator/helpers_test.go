package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/easm/internal/database"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

type stubResolver struct {
	addrs []string
	err   error
	asked []string
}

func (s *stubResolver) Resolve(_ context.Context, host string) ([]string, error) {
	s.asked = append(s.asked, host)
	return s.addrs, s.err
}

type stubScanner struct {
	ports map[string][]types.DiscoveredPort
	err   error
	calls []string
	seen  [][]int
}

func (s *stubScanner) ScanIP(_ context.Context, ip string, ports []int) (*types.DiscoveryResult, error) {
	s.calls = append(s.calls, ip)
	s.seen = append(s.seen, ports)
	if s.err != nil {
		return nil, s.err
	}
	result := types.NewDiscoveryResult()
	for _, p := range s.ports[ip] {
		result.AddPort(p)
	}
	return result, nil
}

type stubNaabu struct {
	result *types.DiscoveryResult
	err    error
	target string
}

func (s *stubNaabu) ScanTarget(_ context.Context, target string, _ []int) (*types.DiscoveryResult, error) {
	s.target = target
	return s.result, s.err
}

type stubDNS struct {
	result *types.DiscoveryResult
	err    error
}

func (s *stubDNS) Enumerate(context.Context, string) (*types.DiscoveryResult, error) {
	return s.result, s.err
}

type stubCT struct {
	names []string
	err   error
	calls int
}

func (s *stubCT) Monitor(_ context.Context, domain string) (*types.DiscoveryResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	result := types.NewDiscoveryResult()
	for _, n := range s.names {
		result.AddDomain(types.DiscoveredDomain{DomainName: n, Source: "crt.sh_for_" + domain})
	}
	return result, nil
}

type stubWhois struct {
	metadata map[string]string
	err      error
}

func (s *stubWhois) Enrich(context.Context, string) (*types.DiscoveryResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	result := types.NewDiscoveryResult()
	for k, v := range s.metadata {
		result.SetMetadata(k, v)
	}
	return result, nil
}

type stubCrawler struct {
	pages    []types.DiscoveredWebResource
	err      error
	seed     string
	maxDepth int
}

func (s *stubCrawler) Crawl(_ context.Context, seed string, maxDepth int) (*types.DiscoveryResult, error) {
	s.seed, s.maxDepth = seed, maxDepth
	if s.err != nil {
		return nil, s.err
	}
	result := types.NewDiscoveryResult()
	for _, p := range s.pages {
		result.AddWebResource(p)
	}
	return result, nil
}

type stubHttpx struct {
	urls []string
	err  error
}

func (s *stubHttpx) ScanURLs(_ context.Context, urls []string) (*types.DiscoveryResult, error) {
	s.urls = urls
	if s.err != nil {
		return nil, s.err
	}
	result := types.NewDiscoveryResult()
	for _, u := range urls {
		result.AddWebResource(types.DiscoveredWebResource{URL: u, StatusCode: 200, Source: "httpx_scan_for_" + u})
	}
	return result, nil
}

// stubFingerprinter serves both fingerprinter interfaces.
type stubFingerprinter struct {
	name    string
	version string
	targets []string
}

func (s *stubFingerprinter) Fingerprint(_ context.Context, target string, assetID uuid.UUID) *types.DiscoveryResult {
	s.targets = append(s.targets, target)
	result := types.NewDiscoveryResult()
	result.AddTechnology(types.TechnologyFinding{
		AssetID:  assetID,
		Name:     s.name,
		Version:  s.version,
		Evidence: "stub match on " + target,
	})
	result.SetMetadata("checked", target)
	return result
}

type stubVuln struct{}

func (stubVuln) Scan(_ context.Context, job *types.DiscoveryJob) (*types.DiscoveryResult, error) {
	result := types.NewDiscoveryResult()
	result.AddDomain(types.DiscoveredDomain{DomainName: job.TargetValue(), Source: "vuln_scan"})
	return result, nil
}

// nucleiStub reports fixed vulnerability findings without an asset id.
type nucleiStub struct {
	findings []types.VulnerabilityFinding
}

func (s nucleiStub) Scan(context.Context, *types.DiscoveryJob) (*types.DiscoveryResult, error) {
	result := types.NewDiscoveryResult()
	for _, v := range s.findings {
		result.AddVulnerability(v)
	}
	return result, nil
}

// flakyAssets fails the n-th Create call.
type flakyAssets struct {
	*database.MemoryAssets
	failOn int
	calls  int
}

func (f *flakyAssets) Create(ctx context.Context, asset *types.Asset) error {
	f.calls++
	if f.calls == f.failOn {
		return errors.New("connection reset by peer")
	}
	return f.MemoryAssets.Create(ctx, asset)
}

// flakyJobs fails the n-th LinkJobToAsset call and can refuse claims.
type flakyJobs struct {
	*database.MemoryJobs
	failLinkOn int
	links      int
	refuse     bool
}

func (f *flakyJobs) LinkJobToAsset(ctx context.Context, jobID, assetID uuid.UUID) error {
	f.links++
	if f.links == f.failLinkOn {
		return errors.New("deadlock detected")
	}
	return f.MemoryJobs.LinkJobToAsset(ctx, jobID, assetID)
}

func (f *flakyJobs) Claim(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	if f.refuse {
		return false, nil
	}
	return f.MemoryJobs.Claim(ctx, id, startedAt)
}

// plainJobs hides Claim so the processor falls back to a plain update.
type plainJobs struct {
	inner   *database.MemoryJobs
	updates []types.JobStatus
}

func (p *plainJobs) Create(ctx context.Context, job *types.DiscoveryJob) error {
	return p.inner.Create(ctx, job)
}

func (p *plainJobs) Get(ctx context.Context, id uuid.UUID) (*types.DiscoveryJob, error) {
	return p.inner.Get(ctx, id)
}

func (p *plainJobs) Update(ctx context.Context, job *types.DiscoveryJob) error {
	p.updates = append(p.updates, job.Status)
	return p.inner.Update(ctx, job)
}

func (p *plainJobs) List(ctx context.Context, filter types.JobFilter, limit, offset int) ([]*types.DiscoveryJob, error) {
	return p.inner.List(ctx, filter, limit, offset)
}

func (p *plainJobs) ListByStatus(ctx context.Context, status types.JobStatus, limit int) ([]*types.DiscoveryJob, error) {
	return p.inner.ListByStatus(ctx, status, limit)
}

func (p *plainJobs) LinkJobToAsset(ctx context.Context, jobID, assetID uuid.UUID) error {
	return p.inner.LinkJobToAsset(ctx, jobID, assetID)
}

type recordingTelemetry struct {
	mu     sync.Mutex
	jobs   map[types.JobStatus]int
	assets map[types.AssetType]int
	ports  map[types.Protocol]int
}

func newRecordingTelemetry() *recordingTelemetry {
	return &recordingTelemetry{
		jobs:   make(map[types.JobStatus]int),
		assets: make(map[types.AssetType]int),
		ports:  make(map[types.Protocol]int),
	}
}

func (r *recordingTelemetry) RecordJob(_ context.Context, _ types.JobType, status types.JobStatus, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[status]++
}

func (r *recordingTelemetry) RecordAssets(_ context.Context, assetType types.AssetType, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[assetType] += n
}

func (r *recordingTelemetry) RecordPortsScanned(_ context.Context, proto types.Protocol, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports[proto] += n
}

func (r *recordingTelemetry) Close() error { return nil }

func port(ip string, n int, status types.PortStatus) types.DiscoveredPort {
	return types.DiscoveredPort{
		IPAddress: ip,
		Port:      n,
		Protocol:  types.ProtocolTCP,
		Status:    status,
		Source:    "port_scan_for_" + ip,
	}
}

func jsonConfig(s string) types.JSONDocument {
	return types.JSONDocument(s)
}
