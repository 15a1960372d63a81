package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

// MemoryStore keeps assets and jobs in process memory. It backs one-shot CLI
// runs and tests, and can write everything it holds to a JSON snapshot.
type MemoryStore struct {
	mu     sync.RWMutex
	assets map[uuid.UUID]types.Asset
	jobs   map[uuid.UUID]types.DiscoveryJob
	links  []types.JobAssetLink
	seq    map[uuid.UUID]int64
	next   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets: make(map[uuid.UUID]types.Asset),
		jobs:   make(map[uuid.UUID]types.DiscoveryJob),
		seq:    make(map[uuid.UUID]int64),
	}
}

func (m *MemoryStore) Assets() *MemoryAssets { return &MemoryAssets{m} }

func (m *MemoryStore) Jobs() *MemoryJobs { return &MemoryJobs{m} }

// insertion order breaks created_at ties so listings are stable.
func (m *MemoryStore) order(id uuid.UUID) int64 {
	if n, ok := m.seq[id]; ok {
		return n
	}
	m.next++
	m.seq[id] = m.next
	return m.next
}

// Snapshot is the JSON document written by SaveSnapshot.
type Snapshot struct {
	Assets []types.Asset        `json:"assets"`
	Jobs   []types.DiscoveryJob `json:"jobs"`
	Links  []types.JobAssetLink `json:"links"`
}

func (m *MemoryStore) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Assets: make([]types.Asset, 0, len(m.assets)),
		Jobs:   make([]types.DiscoveryJob, 0, len(m.jobs)),
		Links:  append([]types.JobAssetLink(nil), m.links...),
	}
	for _, a := range m.assets {
		snap.Assets = append(snap.Assets, a)
	}
	for _, j := range m.jobs {
		snap.Jobs = append(snap.Jobs, j)
	}
	sort.Slice(snap.Assets, func(i, k int) bool { return m.seq[snap.Assets[i].ID] < m.seq[snap.Assets[k].ID] })
	sort.Slice(snap.Jobs, func(i, k int) bool { return m.seq[snap.Jobs[i].ID] < m.seq[snap.Jobs[k].ID] })
	return snap
}

// SaveSnapshot writes the store to path through a temp file and rename.
func (m *MemoryStore) SaveSnapshot(path string) error {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// MemoryAssets implements core.AssetRepository.
type MemoryAssets struct{ m *MemoryStore }

func (r *MemoryAssets) Create(_ context.Context, asset *types.Asset) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	if _, exists := r.m.assets[asset.ID]; exists {
		return fmt.Errorf("asset %s already exists", asset.ID)
	}
	r.m.order(asset.ID)
	r.m.assets[asset.ID] = *asset
	return nil
}

func (r *MemoryAssets) Get(_ context.Context, id uuid.UUID) (*types.Asset, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	a, ok := r.m.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

func (r *MemoryAssets) Update(_ context.Context, asset *types.Asset) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, ok := r.m.assets[asset.ID]; !ok {
		return fmt.Errorf("asset %s: %w", asset.ID, ErrNotFound)
	}
	asset.UpdatedAt = time.Now().UTC()
	r.m.assets[asset.ID] = *asset
	return nil
}

func matchAsset(a types.Asset, f types.AssetFilter) bool {
	return (f.OrganizationID == nil || a.OrganizationID == *f.OrganizationID) &&
		(f.AssetType == nil || a.AssetType == *f.AssetType) &&
		(f.Status == nil || a.Status == *f.Status)
}

func (r *MemoryAssets) List(_ context.Context, filter types.AssetFilter, limit, offset int) ([]*types.Asset, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	var out []*types.Asset
	for _, a := range r.m.assets {
		if matchAsset(a, filter) {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return r.m.seq[out[i].ID] > r.m.seq[out[k].ID]
	})
	return page(out, limit, offset), nil
}

func (r *MemoryAssets) Count(_ context.Context, filter types.AssetFilter) (int64, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	var n int64
	for _, a := range r.m.assets {
		if matchAsset(a, filter) {
			n++
		}
	}
	return n, nil
}

// MemoryJobs implements core.DiscoveryJobRepository and core.JobClaimer.
type MemoryJobs struct{ m *MemoryStore }

func (r *MemoryJobs) Create(_ context.Context, job *types.DiscoveryJob) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if _, exists := r.m.jobs[job.ID]; exists {
		return fmt.Errorf("discovery job %s already exists", job.ID)
	}
	r.m.order(job.ID)
	r.m.jobs[job.ID] = *job
	return nil
}

func (r *MemoryJobs) Get(_ context.Context, id uuid.UUID) (*types.DiscoveryJob, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	j, ok := r.m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("discovery job %s: %w", id, ErrNotFound)
	}
	return &j, nil
}

func (r *MemoryJobs) Update(_ context.Context, job *types.DiscoveryJob) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, ok := r.m.jobs[job.ID]; !ok {
		return fmt.Errorf("discovery job %s: %w", job.ID, ErrNotFound)
	}
	job.UpdatedAt = time.Now().UTC()
	r.m.jobs[job.ID] = *job
	return nil
}

func matchJob(j types.DiscoveryJob, f types.JobFilter) bool {
	return (f.OrganizationID == nil || j.OrganizationID == *f.OrganizationID) &&
		(f.JobType == nil || j.JobType == *f.JobType) &&
		(f.Status == nil || j.Status == *f.Status)
}

func (r *MemoryJobs) sorted(filter types.JobFilter, newestFirst bool) []*types.DiscoveryJob {
	var out []*types.DiscoveryJob
	for _, j := range r.m.jobs {
		if matchJob(j, filter) {
			j := j
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		a, b := out[i], out[k]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt) == newestFirst
		}
		return (r.m.seq[a.ID] > r.m.seq[b.ID]) == newestFirst
	})
	return out
}

func (r *MemoryJobs) List(_ context.Context, filter types.JobFilter, limit, offset int) ([]*types.DiscoveryJob, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return page(r.sorted(filter, true), limit, offset), nil
}

func (r *MemoryJobs) ListByStatus(_ context.Context, status types.JobStatus, limit int) ([]*types.DiscoveryJob, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return page(r.sorted(types.JobFilter{Status: &status}, false), limit, 0), nil
}

func (r *MemoryJobs) LinkJobToAsset(_ context.Context, jobID, assetID uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, ok := r.m.jobs[jobID]; !ok {
		return fmt.Errorf("discovery job %s: %w", jobID, ErrNotFound)
	}
	if _, ok := r.m.assets[assetID]; !ok {
		return fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
	}
	for _, l := range r.m.links {
		if l.JobID == jobID && l.AssetID == assetID {
			return nil
		}
	}
	r.m.links = append(r.m.links, types.JobAssetLink{JobID: jobID, AssetID: assetID})
	return nil
}

// LinkedAssets returns the ids of assets linked to job in link order.
func (r *MemoryJobs) LinkedAssets(_ context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	var ids []uuid.UUID
	for _, l := range r.m.links {
		if l.JobID == jobID {
			ids = append(ids, l.AssetID)
		}
	}
	return ids, nil
}

func (r *MemoryJobs) Claim(_ context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	j, ok := r.m.jobs[id]
	if !ok {
		return false, fmt.Errorf("discovery job %s: %w", id, ErrNotFound)
	}
	if j.Status != types.JobStatusPending {
		return false, nil
	}
	j.Status = types.JobStatusRunning
	j.StartedAt = &startedAt
	j.UpdatedAt = startedAt
	r.m.jobs[id] = j
	return true, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
