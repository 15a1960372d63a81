package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/easm/internal/core"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

const (
	DefaultBatchSize    = 10
	DefaultPollInterval = 30 * time.Second
)

var (
	// ErrNoVulnScanner fails VulnScan jobs when no scanner is configured.
	ErrNoVulnScanner = errors.New("no vulnerability scanner configured")
	// ErrMissingTarget fails jobs that need a target but have none.
	ErrMissingTarget = errors.New("job has no target")
	// ErrUnsupportedJobType fails jobs whose type has no handler.
	ErrUnsupportedJobType = errors.New("unsupported job type")

	errEngineMissing = errors.New("engine not configured")
)

// Engines are the discovery sub-engines jobs are dispatched to. A nil engine
// disables the steps that need it; the job types that cannot run without it
// fail.
type Engines struct {
	Scanner     core.PortScanner
	Naabu       core.ExternalPortScanner
	Resolver    core.Resolver
	DNS         core.DomainEnumerator
	Whois       core.WhoisEnricher
	Crawler     core.Crawler
	Httpx       core.HTTPProber
	CT          core.CTMonitor
	Services    core.ServiceFingerprinter
	Web         core.WebFingerprinter
	VulnScanner core.VulnScanner
}

// Processor drives discovery jobs from Pending to Completed or Failed.
//
// When the job repository implements core.JobClaimer, jobs are claimed with
// a conditional update and several processors can share one table. Without
// it the processor assumes it is the only writer.
type Processor struct {
	assets    core.AssetRepository
	jobs      core.DiscoveryJobRepository
	engines   Engines
	telemetry core.Telemetry
	logger    *logger.Logger
	batchSize int
	now       func() time.Time
}

type Option func(*Processor)

func WithLogger(log *logger.Logger) Option {
	return func(p *Processor) {
		if log != nil {
			p.logger = log.WithComponent("orchestrator")
		}
	}
}

func WithTelemetry(t core.Telemetry) Option {
	return func(p *Processor) {
		if t != nil {
			p.telemetry = t
		}
	}
}

// WithBatchSize sets how many Pending jobs one pass picks up.
func WithBatchSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func NewProcessor(assets core.AssetRepository, jobs core.DiscoveryJobRepository, engines Engines, opts ...Option) *Processor {
	p := &Processor{
		assets:    assets,
		jobs:      jobs,
		engines:   engines,
		telemetry: telemetry.Noop(),
		logger:    logger.Nop().WithComponent("orchestrator"),
		batchSize: DefaultBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessPendingJobs runs up to one batch of Pending jobs, oldest first, and
// returns how many it processed. Jobs claimed by another processor are not
// counted. Only a failure to list jobs is returned as an error.
func (p *Processor) ProcessPendingJobs(ctx context.Context) (int, error) {
	pending, err := p.jobs.ListByStatus(ctx, types.JobStatusPending, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	if len(pending) == 0 {
		p.logger.Debugw("No pending jobs")
		return 0, nil
	}

	p.logger.Infow("Processing pending jobs", "count", len(pending))

	processed := 0
	for _, job := range pending {
		if ctx.Err() != nil {
			break
		}
		ok, err := p.processJob(ctx, job)
		if err != nil {
			p.logger.LogError(ctx, err, "orchestrator.processJob",
				"job_id", job.ID.String(),
				"job_type", string(job.JobType),
			)
		}
		if ok {
			processed++
		}
	}
	return processed, nil
}

// Run calls ProcessPendingJobs every interval until ctx is done. A pass that
// found work is followed immediately by another one.
func (p *Processor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p.logger.Infow("Job processor started", "poll_interval", interval.String(), "batch_size", p.batchSize)

	for {
		n, err := p.ProcessPendingJobs(ctx)
		if err != nil {
			p.logger.Errorw("Job polling failed", "error", err)
		}
		if n > 0 && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			p.logger.Infow("Job processor stopped")
			return nil
		case <-time.After(interval):
		}
	}
}

// processJob reports whether this processor ran the job. The error covers
// only state transitions that could not be written.
func (p *Processor) processJob(ctx context.Context, job *types.DiscoveryJob) (bool, error) {
	start := p.now()
	log := p.logger.WithJob(job.ID.String()).WithTarget(job.TargetValue())

	claimed, err := p.claim(ctx, job, start)
	if err != nil || !claimed {
		return false, err
	}
	log.LogJobTransition(ctx, job.ID.String(), string(job.JobType), string(types.JobStatusPending), string(types.JobStatusRunning))

	ctx, span := log.StartOperation(ctx, "orchestrator.job", "job_type", string(job.JobType))
	var runErr error
	defer func() {
		log.FinishOperation(ctx, span, "orchestrator.job", start, runErr, "status", string(job.Status))
		p.telemetry.RecordJob(ctx, job.JobType, job.Status, p.now().Sub(start))
	}()

	run, err := p.dispatch(ctx, job)
	if err != nil {
		runErr = err
		return true, p.finish(ctx, job, types.JobStatusFailed, fmt.Sprintf("Discovery failed: %v", err))
	}
	if n := run.warnings.Count(); n > 0 {
		log.Warnw("Optional discovery steps failed", "count", n, "errors", run.warnings.Error())
		for _, w := range run.warnings.Lines() {
			job.AppendLog(w)
		}
	}

	created, err := p.persist(ctx, run)
	p.recordAssets(ctx, created)
	if err != nil {
		runErr = err
		return true, p.finish(ctx, job, types.JobStatusFailed, err.Error())
	}

	return true, p.finish(ctx, job, types.JobStatusCompleted, fmt.Sprintf("Discovered %d assets", len(created)))
}

func (p *Processor) claim(ctx context.Context, job *types.DiscoveryJob, startedAt time.Time) (bool, error) {
	if claimer, ok := p.jobs.(core.JobClaimer); ok {
		claimed, err := claimer.Claim(ctx, job.ID, startedAt)
		if err != nil {
			return false, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}
		if !claimed {
			p.logger.Debugw("Job already claimed", "job_id", job.ID.String())
			return false, nil
		}
		job.Status = types.JobStatusRunning
		job.StartedAt = &startedAt
		job.UpdatedAt = startedAt
		return true, nil
	}

	job.Status = types.JobStatusRunning
	job.StartedAt = &startedAt
	if err := p.jobs.Update(ctx, job); err != nil {
		return false, fmt.Errorf("failed to mark job %s running: %w", job.ID, err)
	}
	return true, nil
}

func (p *Processor) finish(ctx context.Context, job *types.DiscoveryJob, status types.JobStatus, line string) error {
	completed := p.now()
	if line != "" {
		job.AppendLog(line)
	}
	job.Status = status
	job.CompletedAt = &completed

	if err := p.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job %s %s: %w", job.ID, status, err)
	}
	p.logger.LogJobTransition(ctx, job.ID.String(), string(job.JobType), string(types.JobStatusRunning), string(status),
		"duration_ms", completed.Sub(*job.StartedAt).Milliseconds())
	return nil
}

func (p *Processor) recordAssets(ctx context.Context, created []*types.Asset) {
	counts := make(map[types.AssetType]int)
	for _, a := range created {
		counts[a.AssetType]++
	}
	for assetType, n := range counts {
		p.telemetry.RecordAssets(ctx, assetType, n)
	}
}
