package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

type AssetRepository interface {
	Create(ctx context.Context, asset *types.Asset) error
	Get(ctx context.Context, id uuid.UUID) (*types.Asset, error)
	Update(ctx context.Context, asset *types.Asset) error
	List(ctx context.Context, filter types.AssetFilter, limit, offset int) ([]*types.Asset, error)
	Count(ctx context.Context, filter types.AssetFilter) (int64, error)
}

type DiscoveryJobRepository interface {
	Create(ctx context.Context, job *types.DiscoveryJob) error
	Get(ctx context.Context, id uuid.UUID) (*types.DiscoveryJob, error)
	Update(ctx context.Context, job *types.DiscoveryJob) error
	List(ctx context.Context, filter types.JobFilter, limit, offset int) ([]*types.DiscoveryJob, error)
	// ListByStatus returns at most limit jobs, oldest first.
	ListByStatus(ctx context.Context, status types.JobStatus, limit int) ([]*types.DiscoveryJob, error)
	LinkJobToAsset(ctx context.Context, jobID, assetID uuid.UUID) error
}

// JobClaimer is implemented by job repositories that can move a job from
// Pending to Running atomically. Claim reports false when another worker got
// there first. Without it the orchestrator assumes it is the only writer.
type JobClaimer interface {
	Claim(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)
}

type PortScanner interface {
	ScanIP(ctx context.Context, ip string, ports []int) (*types.DiscoveryResult, error)
}

// ExternalPortScanner wraps a subprocess scanner such as naabu.
type ExternalPortScanner interface {
	ScanTarget(ctx context.Context, target string, ports []int) (*types.DiscoveryResult, error)
}

type Resolver interface {
	Resolve(ctx context.Context, host string) ([]string, error)
}

type DomainEnumerator interface {
	Enumerate(ctx context.Context, domain string) (*types.DiscoveryResult, error)
}

type WhoisEnricher interface {
	Enrich(ctx context.Context, domain string) (*types.DiscoveryResult, error)
}

type Crawler interface {
	Crawl(ctx context.Context, seedURL string, maxDepth int) (*types.DiscoveryResult, error)
}

type HTTPProber interface {
	ScanURLs(ctx context.Context, urls []string) (*types.DiscoveryResult, error)
}

type CTMonitor interface {
	Monitor(ctx context.Context, domain string) (*types.DiscoveryResult, error)
}

// ServiceFingerprinter and WebFingerprinter never fail; problems are
// reported in the result metadata.
type ServiceFingerprinter interface {
	Fingerprint(ctx context.Context, host string, assetID uuid.UUID) *types.DiscoveryResult
}

type WebFingerprinter interface {
	Fingerprint(ctx context.Context, target string, assetID uuid.UUID) *types.DiscoveryResult
}

// VulnScanner runs an external vulnerability scanner against a job target.
type VulnScanner interface {
	Scan(ctx context.Context, job *types.DiscoveryJob) (*types.DiscoveryResult, error)
}

type Telemetry interface {
	RecordJob(ctx context.Context, jobType types.JobType, status types.JobStatus, duration time.Duration)
	RecordAssets(ctx context.Context, assetType types.AssetType, count int)
	RecordPortsScanned(ctx context.Context, protocol types.Protocol, count int)
	Close() error
}
