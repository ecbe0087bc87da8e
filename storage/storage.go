// Package storage defines the persistence contract shared by the in-memory,
// SQLite and PostgreSQL backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/asteriostudio/pulsebear/internal/aggregate"
	"github.com/asteriostudio/pulsebear/model"
)

var (
	ErrProjectNotFound = errors.New("project not found")
)

// Plan is the subscription tier the quota ceiling derives from.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// Project is a tenant site registered for telemetry.
type Project struct {
	ID              string
	OwnerID         string
	Domain          string // registered root domain, e.g. "example.com"
	InsightsEnabled bool
}

// Subscription records a paid plan for a project owner.
type Subscription struct {
	OwnerID   string
	Plan      Plan
	PeriodEnd time.Time
}

// ActiveAt reports whether the subscription is paid up at the given instant.
func (s *Subscription) ActiveAt(now time.Time) bool {
	return s != nil && s.PeriodEnd.After(now)
}

// WebVital is a persisted measurement row. Rows are immutable once written
// and removed only by the retention job.
type WebVital struct {
	ID         string
	ProjectID  string
	Metric     model.Metric
	DeviceType model.DeviceType
	Value      float64
	Route      string
	URL        string
	CreatedAt  time.Time
}

// VitalsQuery selects the sample window aggregations run over.
type VitalsQuery struct {
	ProjectID  string
	Metric     model.Metric
	DeviceType model.DeviceType
	Since      time.Time
	Percentile float64 // in [0,1]
}

// SeriesQuery extends VitalsQuery with bucketing parameters. Buckets are
// computed on local-time boundaries in Location.
type SeriesQuery struct {
	VitalsQuery
	Unit     aggregate.Unit
	Location *time.Location
}

// RoutesQuery selects the top-routes breakdown.
type RoutesQuery struct {
	VitalsQuery
	Limit int
}

// Storage is the full persistence surface of the ingestion pipeline and the
// aggregation layer. Aggregation reads may run concurrently with ingestion
// writes; only the quota increment requires atomicity.
type Storage interface {
	GetProject(ctx context.Context, id string) (*Project, error)
	GetSubscription(ctx context.Context, ownerID string) (*Subscription, error)

	// InsertVitals persists accepted events. The batch either fully persists
	// or fails; per-event filtering happens before this call.
	InsertVitals(ctx context.Context, vitals []WebVital) error

	// QuotaCount returns the number of events admitted for the owner in the
	// given month. Missing counters read as zero.
	QuotaCount(ctx context.Context, ownerID string, year int, month time.Month) (int64, error)

	// IncrementQuota adds delta to the owner's monthly counter with an atomic
	// upsert-increment; concurrent submissions must not lose updates.
	IncrementQuota(ctx context.Context, ownerID string, year int, month time.Month, delta int64) error

	// Stat computes the percentile and sample count over the query window.
	Stat(ctx context.Context, q VitalsQuery) (aggregate.Stat, error)

	// Series returns sparse percentile buckets over the query window; gap
	// filling happens in the caller.
	Series(ctx context.Context, q SeriesQuery) ([]aggregate.Bucket, error)

	// TopRoutes returns per-route percentiles, busiest routes first.
	TopRoutes(ctx context.Context, q RoutesQuery) ([]aggregate.RouteStat, error)

	// DeleteVitalsBefore removes rows older than cutoff and reports how many
	// were deleted. Used by the retention job.
	DeleteVitalsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close()
}

// Admin is the provisioning surface used by ops tooling and tests. Project
// CRUD for end users lives outside this repository.
type Admin interface {
	UpsertProject(ctx context.Context, p *Project) error
	UpsertSubscription(ctx context.Context, s *Subscription) error
}
