package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/easm/internal/database"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

type fixture struct {
	store  *database.MemoryStore
	org    uuid.UUID
	tel    *recordingTelemetry
	engine Engines
}

func newFixture() *fixture {
	return &fixture{
		store: database.NewMemoryStore(),
		org:   uuid.New(),
		tel:   newRecordingTelemetry(),
	}
}

func (f *fixture) processor() *Processor {
	return NewProcessor(f.store.Assets(), f.store.Jobs(), f.engine, WithTelemetry(f.tel))
}

func (f *fixture) submit(t *testing.T, jobType types.JobType, target, configuration string) *types.DiscoveryJob {
	t.Helper()
	job := types.NewDiscoveryJob(f.org, jobType, target, jsonConfig(configuration))
	require.NoError(t, f.store.Jobs().Create(context.Background(), job))
	return job
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *types.DiscoveryJob {
	t.Helper()
	job, err := f.store.Jobs().Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) assets(t *testing.T) []*types.Asset {
	t.Helper()
	assets, err := f.store.Assets().List(context.Background(), types.AssetFilter{OrganizationID: &f.org}, 0, 0)
	require.NoError(t, err)
	return assets
}

func values(assets []*types.Asset) []string {
	out := make([]string, len(assets))
	for i, a := range assets {
		out[i] = a.Value
	}
	sort.Strings(out)
	return out
}

func attributes(t *testing.T, a *types.Asset) map[string]interface{} {
	t.Helper()
	var attrs map[string]interface{}
	require.NoError(t, json.Unmarshal(a.Attributes, &attrs))
	return attrs
}

func find(assets []*types.Asset, value string) *types.Asset {
	for _, a := range assets {
		if a.Value == value {
			return a
		}
	}
	return nil
}

func TestPortScanEndToEnd(t *testing.T) {
	f := newFixture()
	resolver := &stubResolver{addrs: []string{"203.0.113.5"}}
	scanner := &stubScanner{ports: map[string][]types.DiscoveredPort{
		"203.0.113.5": {
			port("203.0.113.5", 80, types.PortStatusOpen),
			port("203.0.113.5", 443, types.PortStatusOpen),
			port("203.0.113.5", 22, types.PortStatusFiltered),
		},
	}}
	f.engine = Engines{Resolver: resolver, Scanner: scanner}
	job := f.submit(t, types.JobTypePortScan, "example.com", `{}`)

	n, err := f.processor().ProcessPendingJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := f.reload(t, job.ID)
	assert.Equal(t, types.JobStatusCompleted, done.Status)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)
	assert.False(t, done.CompletedAt.Before(*done.StartedAt))

	assert.Equal(t, []string{"example.com"}, resolver.asked)
	assert.Equal(t, []string{"203.0.113.5"}, scanner.calls)

	assets := f.assets(t)
	require.Len(t, assets, 3)
	assert.Equal(t, []string{"203.0.113.5:22", "203.0.113.5:443", "203.0.113.5:80"}, values(assets))
	for _, a := range assets {
		assert.Equal(t, types.AssetTypeIPAddress, a.AssetType)
		assert.Equal(t, f.org, a.OrganizationID)
	}
	filtered := find(assets, "203.0.113.5:22")
	assert.Equal(t, "FILTERED", attributes(t, filtered)["status"])

	linked, err := f.store.Jobs().LinkedAssets(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, linked, 3)

	assert.Equal(t, 1, f.tel.jobs[types.JobStatusCompleted])
	assert.Equal(t, 3, f.tel.assets[types.AssetTypeIPAddress])
	assert.Equal(t, 3, f.tel.ports[types.ProtocolTCP])
}

func TestPortScanSkipsClosedPorts(t *testing.T) {
	f := newFixture()
	f.engine = Engines{Scanner: &stubScanner{ports: map[string][]types.DiscoveredPort{
		"192.0.2.9": {
			port("192.0.2.9", 22, types.PortStatusClosed),
			port("192.0.2.9", 23, types.PortStatusClosed),
		},
	}}}
	job := f.submit(t, types.JobTypePortScan, "192.0.2.9", `{"ports":[22,23]}`)

	_, err := f.processor().ProcessPendingJobs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.JobStatusCompleted, f.reload(t, job.ID).Status, "no open ports is still a completed job")
	assert.Empty(t, f.assets(t))
}

func TestPartialFailureKeepsEarlierAssets(t *testing.T) {
	dns := types.NewDiscoveryResult()
	for _, name := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		dns.AddDomain(types.DiscoveredDomain{DomainName: name, Source: "dns_enum_for_example.com"})
	}

	t.Run("link failure on second asset", func(t *testing.T) {
		f := newFixture()
		f.engine = Engines{DNS: &stubDNS{result: dns}}
		jobs := &flakyJobs{MemoryJobs: f.store.Jobs(), failLinkOn: 2}
		job := f.submit(t, types.JobTypeDNSEnum, "example.com", `{"certificate_transparency":false}`)

		n, err := NewProcessor(f.store.Assets(), jobs, f.engine).ProcessPendingJobs(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		assert.Len(t, f.assets(t), 2)
		failed := f.reload(t, job.ID)
		assert.Equal(t, types.JobStatusFailed, failed.Status)
		require.NotNil(t, failed.Logs)
		assert.Contains(t, *failed.Logs, "deadlock detected")
		assert.NotNil(t, failed.CompletedAt)
	})

	t.Run("create failure on second asset", func(t *testing.T) {
		f := newFixture()
		f.engine = Engines{DNS: &stubDNS{result: dns}}
		assets := &flakyAssets{MemoryAssets: f.store.Assets(), failOn: 2}
		job := f.submit(t, types.JobTypeDNSEnum, "example.com", `{"certificate_transparency":false}`)

		_, err := NewProcessor(assets, f.store.Jobs(), f.engine).ProcessPendingJobs(context.Background())
		require.NoError(t, err)

		assert.Equal(t, []string{"a.example.com"}, values(f.assets(t)))
		failed := f.reload(t, job.ID)
		assert.Equal(t, types.JobStatusFailed, failed.Status)
		require.NotNil(t, failed.Logs)
		assert.Contains(t, *failed.Logs, "failed to persist DOMAIN asset b.example.com")
	})
}

func TestDNSEnumMergesCTAndWhois(t *testing.T) {
	f := newFixture()
	records := types.NewDiscoveryResult()
	records.AddIP(types.DiscoveredIP{IPAddress: "93.184.216.34", Source: "dns_enum_for_example.com"})
	records.AddDomain(types.DiscoveredDomain{DomainName: "mail.example.com", Source: "dns_enum_for_example.com"})
	records.SetMetadata("txt", "v=spf1 -all")

	ct := &stubCT{names: []string{"www.example.com", "mail.example.com"}}
	f.engine = Engines{
		DNS:   &stubDNS{result: records},
		CT:    ct,
		Whois: &stubWhois{metadata: map[string]string{"whois_registrar": "Example Registrar, Inc."}},
	}
	job := f.submit(t, types.JobTypeDNSEnum, "Example.com.", `{"whois":true}`)

	_, err := f.processor().ProcessPendingJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, f.reload(t, job.ID).Status)
	assert.Equal(t, 1, ct.calls)

	assets := f.assets(t)
	assert.Equal(t, []string{"93.184.216.34", "example.com", "mail.example.com", "www.example.com"}, values(assets))

	www := attributes(t, find(assets, "www.example.com"))
	assert.Equal(t, "example.com", www["registered_domain"])
	assert.Equal(t, "crt.sh_for_example.com", www["source"])

	root := attributes(t, find(assets, "example.com"))
	metadata, ok := root["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Example Registrar, Inc.", metadata["whois_registrar"])
	assert.Equal(t, "v=spf1 -all", metadata["txt"])
}

func TestDNSEnumOptionalStepsOnlyWarn(t *testing.T) {
	f := newFixture()
	records := types.NewDiscoveryResult()
	records.AddIP(types.DiscoveredIP{IPAddress: "192.0.2.10", Source: "dns_enum_for_example.com"})
	f.engine = Engines{
		DNS:   &stubDNS{result: records},
		CT:    &stubCT{err: errors.New("crt.sh timed out")},
		Whois: &stubWhois{err: errors.New("whois lookup failed")},
	}
	job := f.submit(t, types.JobTypeDNSEnum, "example.com", `{"whois":true}`)

	_, err := f.processor().ProcessPendingJobs(context.Background())
	require.NoError(t, err)

	done := f.reload(t, job.ID)
	assert.Equal(t, types.JobStatusCompleted, done.Status)
	require.NotNil(t, done.Logs)
	assert.Contains(t, *done.Logs, "certificate transparency lookup failed: crt.sh timed out")
	assert.Contains(t, *done.Logs, "WHOIS enrichment failed")
	assert.Equal(t, []string{"192.0.2.10"}, values(f.assets(t)))
}

func TestDNSEnumCTDisabled(t *testing.T) {
	f := newFixture()
	ct := &stubCT{names: []string{"www.example.com"}}
	f.engine = Engines{DNS: &stubDNS{result: types.NewDiscoveryResult()}, CT: ct}
	f.submit(t, types.JobTypeDNSEnum, "example.com", `{"certificate_transparency":false}`)

	_, err := f.processor().ProcessPendingJobs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ct.calls)
	assert.Empty(t, f.assets(t))
}

func TestWebCrawlWithFingerprintAndHttpx(t *testing.T) {
	f := newFixture()
	crawler := &stubCrawler{pages: []types.DiscoveredWebResource{
		{URL: "https://example.com", StatusCode: 200, Title: "Home", Technologies: []string{"jQuery"}, Source: "web_crawl_for_example.com"},
		{URL: "https://example.com/about", StatusCode: 200, Source: "web_crawl_for_example.com"},
	}}
	webFP := &stubFingerprinter{name: "Nginx", version: "1.25.3"}
	httpx := &stubHttpx{}
	f.engine = Engines{Crawler: crawler, Web: webFP, Httpx: httpx}
	job := f.submit(t, types.JobTypeWebCrawl, "example.com", `{"max_depth":0,"fingerprint":true,"httpx":true}`)

	_, err := f.processor().ProcessPendingJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, f.reload(t, job.ID).Status)

	assert.Equal(t, "https://example.com", crawler.seed)
	assert.Equal(t, 0, crawler.maxDepth)
	assert.Equal(t, []string{"https://example.com"}, webFP.targets)
	assert.Equal(t, []string{"https://example.com", "https://example.com/about"}, httpx.urls)

	assets := f.assets(t)
	require.Len(t, assets, 4, "crawled pages plus httpx results, no dedup")

	var seed *types.Asset
	for _, a := range assets {
		if a.Value == "https://example.com" && strings.HasPrefix(attributes(t, a)["source"].(string), "web_crawl") {
			seed = a
		}
	}
	require.NotNil(t, seed)
	attrs := attributes(t, seed)
	techs, ok := attrs["technologies"].([]interface{})
	require.True(t, ok)
	require.Len(t, techs, 1)
	assert.Equal(t, "Nginx", techs[0].(map[string]interface{})["name"])
	assert.Equal(t, seed.ID.String(), techs[0].(map[string]interface{})["asset_id"])
	assert.Equal(t, []interface{}{"jQuery"}, attrs["detected_technologies"])
}

func TestWebCrawlDefaultDepth(t *testing.T) {
	f := newFixture()
	crawler := &stubCrawler{}
	f.engine = Engines{Crawler: crawler}
	f.submit(t, types.JobTypeWebCrawl, "http://example.com/start", `{}`)

	_, err := f.processor().ProcessPendingJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, crawler.maxDepth)
	assert.Equal(t, "http://example.com/start", crawler.seed)
}

func TestPortScanNaabuWithServiceFingerprint(t *testing.T) {
	f := newFixture()
	found := types.NewDiscoveryResult()
	found.AddPort(types.DiscoveredPort{IPAddress: "198.51.100.7", Port: 22, Protocol: types.ProtocolTCP, Status: types.PortStatusOpen, Source: "naabu_scan_for_example.com"})
	naabu := &stubNaabu{result: found}
	services := &stubFingerprinter{name: "OpenSSH", version: "8.2p1"}
	f.engine = Engines{Naabu: naabu, Services: services}
	job := f.submit(t, types.JobTypePortScan, "example.com", `{"naabu":true,"fingerprint":true}`)

	_, err := f.processor().ProcessPendingJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, f.reload(t, job.ID).Status)
	assert.Equal(t, "example.com", naabu.target)
	assert.Equal(t, []string{"198.51.100.7"}, services.targets)

	assets := f.assets(t)
	assert.Equal(t, []string{"198.51.100.7", "198.51.100.7:22"}, values(assets))

	host := attributes(t, find(assets, "198.51.100.7"))
	require.Contains(t, host, "technologies")
	assert.Equal(t, "198.51.100.7", host["metadata"].(map[string]interface{})["checked"])
}

func TestPortScanNaabuMissingFallsBack(t *testing.T) {
	f := newFixture()
	scanner := &stubScanner{}
	f.engine = Engines{Scanner: scanner}
	job := f.submit(t, types.JobTypePortScan, "192.0.2.1", `{"naabu":true,"top_ports":2}`)

	_, err := f.processor().ProcessPendingJobs(context.Background())
	require.NoError(t, err)

	done := f.reload(t, job.ID)
	assert.Equal(t, types.JobStatusCompleted, done.Status)
	require.NotNil(t, done.Logs)
	assert.Contains(t, *done.Logs, "naabu scan failed")
	require.Len(t, scanner.seen, 1)
	assert.Equal(t, []int{80, 443}, scanner.seen[0])
}

func TestJobFailures(t *testing.T) {
	tests := []struct {
		name     string
		engines  Engines
		jobType  types.JobType
		target   string
		config   string
		expected string
	}{
		{
			name:     "vulnerability scan without scanner",
			jobType:  types.JobTypeVulnScan,
			target:   "example.com",
			expected: ErrNoVulnScanner.Error(),
		},
		{
			name:     "missing target",
			engines:  Engines{CT: &stubCT{}},
			jobType:  types.JobTypeCertScan,
			expected: ErrMissingTarget.Error(),
		},
		{
			name:     "CT transport failure",
			engines:  Engines{CT: &stubCT{err: errors.New("dial tcp: connection refused")}},
			jobType:  types.JobTypeCertScan,
			target:   "example.com",
			expected: "certificate transparency lookup failed",
		},
		{
			name:     "unresolvable target",
			engines:  Engines{Scanner: &stubScanner{}, Resolver: &stubResolver{}},
			jobType:  types.JobTypePortScan,
			target:   "nowhere.example",
			expected: "no addresses",
		},
		{
			name:     "scanner setup failure",
			engines:  Engines{Scanner: &stubScanner{err: errors.New("cannot bind UDP socket")}},
			jobType:  types.JobTypePortScan,
			target:   "192.0.2.1",
			expected: "cannot bind UDP socket",
		},
		{
			name:     "crawler rejects seed",
			engines:  Engines{Crawler: &stubCrawler{err: errors.New("invalid seed URL")}},
			jobType:  types.JobTypeWebCrawl,
			target:   "ftp://example.com",
			expected: "web crawl failed",
		},
		{
			name:     "bad configuration",
			engines:  Engines{CT: &stubCT{}},
			jobType:  types.JobTypeCertScan,
			target:   "example.com",
			config:   `{"ports":"all"}`,
			expected: "invalid job configuration",
		},
		{
			name:     "unknown job type",
			jobType:  types.JobType("PHISHING"),
			target:   "example.com",
			expected: "unsupported job type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.engine = tt.engines
			config := tt.config
			if config == "" {
				config = `{}`
			}
			job := f.submit(t, tt.jobType, tt.target, config)

			n, err := f.processor().ProcessPendingJobs(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			failed := f.reload(t, job.ID)
			assert.Equal(t, types.JobStatusFailed, failed.Status)
			require.NotNil(t, failed.Logs)
			assert.Contains(t, *failed.Logs, tt.expected)
			assert.NotNil(t, failed.CompletedAt)
			assert.Equal(t, 1, f.tel.jobs[types.JobStatusFailed])
		})
	}
}

func TestVulnScanDelegates(t *testing.T) {
	f := newFixture()
	f.engine = Engines{VulnScanner: stubVuln{}}
	job := f.submit(t, types.JobTypeVulnScan, "vuln.example.com", `{}`)

	_, err := f.processor().ProcessPendingJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, f.reload(t, job.ID).Status)
	assert.Equal(t, []string{"vuln.example.com"}, values(f.assets(t)))
}

func TestVulnScanFindingsAttachToTarget(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		assetType types.AssetType
		value     string
	}{
		{"url", "https://app.example.com", types.AssetTypeWebApp, "https://app.example.com"},
		{"ip", "203.0.113.9", types.AssetTypeIPAddress, "203.0.113.9"},
		{"domain", "App.Example.com", types.AssetTypeDomain, "app.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.engine = Engines{VulnScanner: nucleiStub{findings: []types.VulnerabilityFinding{
				{TemplateID: "CVE-2021-44228", Name: "Log4j", Severity: "critical", MatchedAt: tt.target + "/api"},
				{TemplateID: "git-config", Name: "Git Config", Severity: "medium", MatchedAt: tt.target + "/.git/config"},
			}}}
			job := f.submit(t, types.JobTypeVulnScan, tt.target, `{"nuclei":{"severity":"critical,medium"}}`)

			_, err := f.processor().ProcessPendingJobs(context.Background())
			require.NoError(t, err)
			assert.Equal(t, types.JobStatusCompleted, f.reload(t, job.ID).Status)

			assets := f.assets(t)
			require.Len(t, assets, 1)
			assert.Equal(t, tt.assetType, assets[0].AssetType)
			assert.Equal(t, tt.value, assets[0].Value)

			vulns, ok := attributes(t, assets[0])["vulnerabilities"].([]interface{})
			require.True(t, ok)
			require.Len(t, vulns, 2)
			first := vulns[0].(map[string]interface{})
			assert.Equal(t, "CVE-2021-44228", first["template_id"])
			assert.Equal(t, assets[0].ID.String(), first["asset_id"])
		})
	}
}

func TestVulnScanWithoutFindingsPersistsNothing(t *testing.T) {
	f := newFixture()
	f.engine = Engines{VulnScanner: nucleiStub{}}
	job := f.submit(t, types.JobTypeVulnScan, "https://quiet.example.com", `{}`)

	_, err := f.processor().ProcessPendingJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, f.reload(t, job.ID).Status)
	assert.Empty(t, f.assets(t))
}

func TestProcessOldestFirstWithBatchLimit(t *testing.T) {
	f := newFixture()
	f.engine = Engines{CT: &stubCT{}}
	var ids []uuid.UUID
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		job := types.NewDiscoveryJob(f.org, types.JobTypeCertScan, "example.com", nil)
		job.CreatedAt = base.Add(time.Duration(3-i) * time.Second)
		require.NoError(t, f.store.Jobs().Create(context.Background(), job))
		ids = append(ids, job.ID)
	}

	p := NewProcessor(f.store.Assets(), f.store.Jobs(), f.engine, WithBatchSize(2))
	n, err := p.ProcessPendingJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, types.JobStatusPending, f.reload(t, ids[0]).Status, "newest job waits for the next pass")
	assert.Equal(t, types.JobStatusCompleted, f.reload(t, ids[1]).Status)
	assert.Equal(t, types.JobStatusCompleted, f.reload(t, ids[2]).Status)
}

func TestClaimedElsewhereIsSkipped(t *testing.T) {
	f := newFixture()
	f.engine = Engines{CT: &stubCT{}}
	job := f.submit(t, types.JobTypeCertScan, "example.com", `{}`)

	jobs := &flakyJobs{MemoryJobs: f.store.Jobs(), refuse: true}
	n, err := NewProcessor(f.store.Assets(), jobs, f.engine).ProcessPendingJobs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, types.JobStatusPending, f.reload(t, job.ID).Status)
}

func TestSingleWriterFallbackUsesUpdate(t *testing.T) {
	f := newFixture()
	f.engine = Engines{CT: &stubCT{names: []string{"www.example.com"}}}
	job := f.submit(t, types.JobTypeCertScan, "example.com", `{}`)

	jobs := &plainJobs{inner: f.store.Jobs()}
	n, err := NewProcessor(f.store.Assets(), jobs, f.engine).ProcessPendingJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []types.JobStatus{types.JobStatusRunning, types.JobStatusCompleted}, jobs.updates)
	assert.Equal(t, types.JobStatusCompleted, f.reload(t, job.ID).Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture()
	f.engine = Engines{CT: &stubCT{}}
	job := f.submit(t, types.JobTypeCertScan, "example.com", `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.processor().Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return f.reload(t, job.ID).Status == types.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "https://example.com", seedURL("example.com"))
	assert.Equal(t, "http://example.com", seedURL("http://example.com"))

	assert.Equal(t, []int{22, 8080}, scanPorts(types.JobOptions{Ports: []int{22, 8080}, TopPorts: 5}))
	assert.Equal(t, []int{80, 443, 22}, scanPorts(types.JobOptions{TopPorts: 3}))
	assert.Nil(t, scanPorts(types.JobOptions{}))

	assert.Equal(t, "192.0.2.1:53/udp", PortAssetValue(types.DiscoveredPort{IPAddress: "192.0.2.1", Port: 53, Protocol: types.ProtocolUDP}))
	assert.Equal(t, "[2001:db8::1]:443", PortAssetValue(types.DiscoveredPort{IPAddress: "2001:db8::1", Port: 443, Protocol: types.ProtocolTCP}))

	result := types.NewDiscoveryResult()
	result.AddPort(port("192.0.2.2", 80, types.PortStatusOpen))
	result.AddPort(port("192.0.2.1", 22, types.PortStatusOpen))
	result.AddPort(port("192.0.2.2", 443, types.PortStatusOpen))
	assert.Equal(t, []string{"192.0.2.1", "192.0.2.2"}, portHosts(result))
}

func TestErrorAggregator(t *testing.T) {
	agg := NewErrorAggregator()
	agg.Add("httpx probe", nil)
	assert.Zero(t, agg.Count())
	assert.Empty(t, agg.Error())

	agg.Add("httpx probe", errors.New("exit status 1"))
	assert.Equal(t, "Warning: httpx probe failed: exit status 1", agg.Error())

	agg.Add("WHOIS enrichment", errors.New("timeout"))
	assert.Equal(t, 2, agg.Count())
	assert.Contains(t, agg.Error(), "2 errors occurred")
	assert.Equal(t, []string{
		"Warning: httpx probe failed: exit status 1",
		"Warning: WHOIS enrichment failed: timeout",
	}, agg.Lines())
}
