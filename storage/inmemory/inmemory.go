// Package inmemory implements storage.Storage on process memory. It is the
// default backend when no database is configured and the backend the handler
// tests run against.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asteriostudio/pulsebear/internal/aggregate"
	"github.com/asteriostudio/pulsebear/storage"
)

type quotaKey struct {
	ownerID string
	year    int
	month   time.Month
}

type MemStorage struct {
	mu       sync.RWMutex
	projects map[string]*storage.Project
	subs     map[string]*storage.Subscription
	vitals   []storage.WebVital
	quotas   map[quotaKey]int64
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		projects: make(map[string]*storage.Project),
		subs:     make(map[string]*storage.Subscription),
		quotas:   make(map[quotaKey]int64),
	}
}

func (store *MemStorage) GetProject(ctx context.Context, id string) (*storage.Project, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	p, ok := store.projects[id]
	if !ok {
		return nil, storage.ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (store *MemStorage) GetSubscription(ctx context.Context, ownerID string) (*storage.Subscription, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	s, ok := store.subs[ownerID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (store *MemStorage) InsertVitals(ctx context.Context, vitals []storage.WebVital) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	for _, v := range vitals {
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = time.Now().UTC()
		}
		store.vitals = append(store.vitals, v)
	}
	return nil
}

func (store *MemStorage) QuotaCount(ctx context.Context, ownerID string, year int, month time.Month) (int64, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	return store.quotas[quotaKey{ownerID, year, month}], nil
}

func (store *MemStorage) IncrementQuota(ctx context.Context, ownerID string, year int, month time.Month, delta int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.quotas[quotaKey{ownerID, year, month}] += delta
	return nil
}

// matching returns the values (and capture times) of rows selected by q.
func (store *MemStorage) matching(q storage.VitalsQuery) []aggregate.Sample {
	var samples []aggregate.Sample
	for _, v := range store.vitals {
		if v.ProjectID != q.ProjectID || v.Metric != q.Metric || v.DeviceType != q.DeviceType {
			continue
		}
		if v.CreatedAt.Before(q.Since) {
			continue
		}
		samples = append(samples, aggregate.Sample{At: v.CreatedAt, Value: v.Value})
	}
	return samples
}

func (store *MemStorage) Stat(ctx context.Context, q storage.VitalsQuery) (aggregate.Stat, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	samples := store.matching(q)
	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		values = append(values, s.Value)
	}
	return aggregate.StatOf(values, q.Percentile), nil
}

func (store *MemStorage) Series(ctx context.Context, q storage.SeriesQuery) ([]aggregate.Bucket, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	return aggregate.Series(store.matching(q.VitalsQuery), q.Unit, q.Location, q.Percentile), nil
}

func (store *MemStorage) TopRoutes(ctx context.Context, q storage.RoutesQuery) ([]aggregate.RouteStat, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	byRoute := make(map[string][]float64)
	for _, v := range store.vitals {
		if v.ProjectID != q.ProjectID || v.Metric != q.Metric || v.DeviceType != q.DeviceType {
			continue
		}
		if v.CreatedAt.Before(q.Since) {
			continue
		}
		byRoute[v.Route] = append(byRoute[v.Route], v.Value)
	}
	return aggregate.TopRoutes(byRoute, q.Percentile, q.Limit), nil
}

func (store *MemStorage) DeleteVitalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	kept := store.vitals[:0]
	var deleted int64
	for _, v := range store.vitals {
		if v.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, v)
	}
	store.vitals = kept
	return deleted, nil
}

func (store *MemStorage) Ping(ctx context.Context) error { return nil }

func (store *MemStorage) Close() {}

func (store *MemStorage) UpsertProject(ctx context.Context, p *storage.Project) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	cp := *p
	store.projects[p.ID] = &cp
	return nil
}

func (store *MemStorage) UpsertSubscription(ctx context.Context, s *storage.Subscription) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	cp := *s
	store.subs[s.OwnerID] = &cp
	return nil
}

// VitalCount reports the number of stored rows, optionally filtered by
// project. Test helper.
func (store *MemStorage) VitalCount(projectID string) int {
	store.mu.RLock()
	defer store.mu.RUnlock()

	if projectID == "" {
		return len(store.vitals)
	}
	n := 0
	for _, v := range store.vitals {
		if v.ProjectID == projectID {
			n++
		}
	}
	return n
}

var _ storage.Storage = (*MemStorage)(nil)
var _ storage.Admin = (*MemStorage)(nil)
