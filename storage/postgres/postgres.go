// Package postgres implements storage.Storage on PostgreSQL via pgx. The
// percentile and bucketing math runs in SQL (percentile_cont, date_trunc AT
// TIME ZONE) so aggregation stays close to the data.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/asteriostudio/pulsebear/internal/aggregate"
	"github.com/asteriostudio/pulsebear/internal/utils"
	"github.com/asteriostudio/pulsebear/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id                TEXT PRIMARY KEY,
    owner_id          TEXT NOT NULL,
    domain            TEXT NOT NULL,
    insights_enabled  BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS subscriptions (
    owner_id    TEXT PRIMARY KEY,
    plan        TEXT NOT NULL,
    period_end  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS web_vitals (
    id           TEXT PRIMARY KEY,
    project_id   TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    metric       TEXT NOT NULL CHECK (metric IN ('CLS','FCP','LCP','TTFB','INP')),
    device_type  TEXT NOT NULL CHECK (device_type IN ('mobile','desktop')),
    value        DOUBLE PRECISION NOT NULL,
    route        TEXT NOT NULL,
    url          TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS web_vitals_query_idx
    ON web_vitals (project_id, metric, device_type, created_at);
CREATE INDEX IF NOT EXISTS web_vitals_created_idx
    ON web_vitals (created_at);

CREATE TABLE IF NOT EXISTS quotas (
    owner_id  TEXT NOT NULL,
    year      INTEGER NOT NULL,
    month     INTEGER NOT NULL,
    count     BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (owner_id, year, month)
);
`

type PostgresStorage struct {
	db *pgxpool.Pool
}

func NewPostgresStorage(ctx context.Context, databaseDsn string) (*PostgresStorage, error) {
	db, err := pgxpool.New(ctx, databaseDsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	err = utils.WithRetry(ctx, func() error {
		_, execErr := db.Exec(ctx, schema)
		return execErr
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return &PostgresStorage{db: db}, nil
}

func (store *PostgresStorage) GetProject(ctx context.Context, id string) (*storage.Project, error) {
	var p storage.Project
	err := store.db.QueryRow(ctx,
		`SELECT id, owner_id, domain, insights_enabled FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.OwnerID, &p.Domain, &p.InsightsEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

func (store *PostgresStorage) GetSubscription(ctx context.Context, ownerID string) (*storage.Subscription, error) {
	var s storage.Subscription
	err := store.db.QueryRow(ctx,
		`SELECT owner_id, plan, period_end FROM subscriptions WHERE owner_id = $1`, ownerID,
	).Scan(&s.OwnerID, &s.Plan, &s.PeriodEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &s, nil
}

func (store *PostgresStorage) InsertVitals(ctx context.Context, vitals []storage.WebVital) error {
	if len(vitals) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, v := range vitals {
		id := v.ID
		if id == "" {
			id = uuid.NewString()
		}
		createdAt := v.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(
			`INSERT INTO web_vitals (id, project_id, metric, device_type, value, route, url, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, v.ProjectID, v.Metric, v.DeviceType, v.Value, v.Route, v.URL, createdAt,
		)
	}

	return utils.WithRetry(ctx, func() error {
		results := store.db.SendBatch(ctx, batch)
		defer results.Close()
		for range vitals {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("insert vitals: %w", err)
			}
		}
		return nil
	})
}

func (store *PostgresStorage) QuotaCount(ctx context.Context, ownerID string, year int, month time.Month) (int64, error) {
	var count int64
	err := store.db.QueryRow(ctx,
		`SELECT count FROM quotas WHERE owner_id = $1 AND year = $2 AND month = $3`,
		ownerID, year, int(month),
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota count: %w", err)
	}
	return count, nil
}

// IncrementQuota is a single atomic upsert, not read-then-write, so
// concurrent submissions from the same tenant cannot lose updates.
func (store *PostgresStorage) IncrementQuota(ctx context.Context, ownerID string, year int, month time.Month, delta int64) error {
	return utils.WithRetry(ctx, func() error {
		_, err := store.db.Exec(ctx,
			`INSERT INTO quotas (owner_id, year, month, count)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (owner_id, year, month)
			 DO UPDATE SET count = quotas.count + EXCLUDED.count`,
			ownerID, year, int(month), delta,
		)
		if err != nil {
			return fmt.Errorf("increment quota: %w", err)
		}
		return nil
	})
}

func (store *PostgresStorage) Stat(ctx context.Context, q storage.VitalsQuery) (aggregate.Stat, error) {
	var value *float64
	var count int
	err := store.db.QueryRow(ctx,
		`SELECT percentile_cont($1) WITHIN GROUP (ORDER BY value), count(*)
		 FROM web_vitals
		 WHERE project_id = $2 AND metric = $3 AND device_type = $4 AND created_at >= $5`,
		q.Percentile, q.ProjectID, q.Metric, q.DeviceType, q.Since,
	).Scan(&value, &count)
	if err != nil {
		return aggregate.Stat{}, fmt.Errorf("stat query: %w", err)
	}
	if count == 0 {
		// percentile_cont is NULL here already; keep the invariant explicit.
		return aggregate.Stat{Value: nil, Count: 0}, nil
	}
	return aggregate.Stat{Value: value, Count: count}, nil
}

func (store *PostgresStorage) Series(ctx context.Context, q storage.SeriesQuery) ([]aggregate.Bucket, error) {
	// date_trunc on the local-time representation so "hour" and "day" are
	// boundaries in the configured timezone, then back to an absolute instant.
	rows, err := store.db.Query(ctx,
		`SELECT (date_trunc($1, created_at AT TIME ZONE $2) AT TIME ZONE $2) AS bucket,
		        percentile_cont($3) WITHIN GROUP (ORDER BY value),
		        count(*)
		 FROM web_vitals
		 WHERE project_id = $4 AND metric = $5 AND device_type = $6 AND created_at >= $7
		 GROUP BY bucket
		 ORDER BY bucket`,
		string(q.Unit), q.Location.String(), q.Percentile,
		q.ProjectID, q.Metric, q.DeviceType, q.Since,
	)
	if err != nil {
		return nil, fmt.Errorf("series query: %w", err)
	}
	defer rows.Close()

	var buckets []aggregate.Bucket
	for rows.Next() {
		var b aggregate.Bucket
		if err := rows.Scan(&b.Date, &b.Value, &b.Count); err != nil {
			return nil, fmt.Errorf("series scan: %w", err)
		}
		b.Date = b.Date.UTC()
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("series rows: %w", err)
	}
	return buckets, nil
}

func (store *PostgresStorage) TopRoutes(ctx context.Context, q storage.RoutesQuery) ([]aggregate.RouteStat, error) {
	rows, err := store.db.Query(ctx,
		`SELECT route,
		        percentile_cont($1) WITHIN GROUP (ORDER BY value),
		        count(*) AS cnt
		 FROM web_vitals
		 WHERE project_id = $2 AND metric = $3 AND device_type = $4 AND created_at >= $5
		 GROUP BY route
		 ORDER BY cnt DESC, route
		 LIMIT $6`,
		q.Percentile, q.ProjectID, q.Metric, q.DeviceType, q.Since, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("routes query: %w", err)
	}
	defer rows.Close()

	var stats []aggregate.RouteStat
	for rows.Next() {
		var s aggregate.RouteStat
		if err := rows.Scan(&s.Route, &s.Value, &s.Count); err != nil {
			return nil, fmt.Errorf("routes scan: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("routes rows: %w", err)
	}
	return stats, nil
}

func (store *PostgresStorage) DeleteVitalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := store.db.Exec(ctx, `DELETE FROM web_vitals WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete vitals: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (store *PostgresStorage) Ping(ctx context.Context) error {
	return store.db.Ping(ctx)
}

func (store *PostgresStorage) Close() {
	store.db.Close()
}

func (store *PostgresStorage) UpsertProject(ctx context.Context, p *storage.Project) error {
	_, err := store.db.Exec(ctx,
		`INSERT INTO projects (id, owner_id, domain, insights_enabled)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET owner_id = EXCLUDED.owner_id,
		     domain = EXCLUDED.domain,
		     insights_enabled = EXCLUDED.insights_enabled`,
		p.ID, p.OwnerID, p.Domain, p.InsightsEnabled,
	)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

func (store *PostgresStorage) UpsertSubscription(ctx context.Context, s *storage.Subscription) error {
	_, err := store.db.Exec(ctx,
		`INSERT INTO subscriptions (owner_id, plan, period_end)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (owner_id) DO UPDATE
		 SET plan = EXCLUDED.plan, period_end = EXCLUDED.period_end`,
		s.OwnerID, s.Plan, s.PeriodEnd,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

var _ storage.Storage = (*PostgresStorage)(nil)
var _ storage.Admin = (*PostgresStorage)(nil)
