// Package sqlite implements storage.Storage on a local SQLite file. It suits
// single-node deployments without a PostgreSQL instance; aggregation math
// runs in Go over fetched rows since SQLite has no percentile_cont.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // CGO-free SQLite

	"github.com/asteriostudio/pulsebear/internal/aggregate"
	"github.com/asteriostudio/pulsebear/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id                TEXT PRIMARY KEY,
    owner_id          TEXT NOT NULL,
    domain            TEXT NOT NULL,
    insights_enabled  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS subscriptions (
    owner_id    TEXT PRIMARY KEY,
    plan        TEXT NOT NULL,
    period_end  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS web_vitals (
    id           TEXT PRIMARY KEY,
    project_id   TEXT NOT NULL,
    metric       TEXT NOT NULL CHECK (metric IN ('CLS','FCP','LCP','TTFB','INP')),
    device_type  TEXT NOT NULL CHECK (device_type IN ('mobile','desktop')),
    value        REAL NOT NULL,
    route        TEXT NOT NULL,
    url          TEXT NOT NULL,
    created_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vitals_query ON web_vitals(project_id, metric, device_type, created_at);
CREATE INDEX IF NOT EXISTS idx_vitals_created ON web_vitals(created_at);

CREATE TABLE IF NOT EXISTS quotas (
    owner_id  TEXT NOT NULL,
    year      INTEGER NOT NULL,
    month     INTEGER NOT NULL,
    count     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (owner_id, year, month)
);
`

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(databasePath string) (*SQLiteStorage, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (store *SQLiteStorage) GetProject(ctx context.Context, id string) (*storage.Project, error) {
	var p storage.Project
	err := store.db.QueryRowContext(ctx,
		`SELECT id, owner_id, domain, insights_enabled FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.OwnerID, &p.Domain, &p.InsightsEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

func (store *SQLiteStorage) GetSubscription(ctx context.Context, ownerID string) (*storage.Subscription, error) {
	var s storage.Subscription
	var periodEnd int64
	err := store.db.QueryRowContext(ctx,
		`SELECT owner_id, plan, period_end FROM subscriptions WHERE owner_id = ?`, ownerID,
	).Scan(&s.OwnerID, &s.Plan, &periodEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	s.PeriodEnd = time.UnixMilli(periodEnd).UTC()
	return &s, nil
}

func (store *SQLiteStorage) InsertVitals(ctx context.Context, vitals []storage.WebVital) error {
	if len(vitals) == 0 {
		return nil
	}

	tx, err := store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO web_vitals(id, project_id, metric, device_type, value, route, url, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, v := range vitals {
		id := v.ID
		if id == "" {
			id = uuid.NewString()
		}
		createdAt := v.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err := stmt.ExecContext(ctx,
			id, v.ProjectID, string(v.Metric), string(v.DeviceType), v.Value, v.Route, v.URL, createdAt.UnixMilli())
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert vital: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (store *SQLiteStorage) QuotaCount(ctx context.Context, ownerID string, year int, month time.Month) (int64, error) {
	var count int64
	err := store.db.QueryRowContext(ctx,
		`SELECT count FROM quotas WHERE owner_id = ? AND year = ? AND month = ?`,
		ownerID, year, int(month),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota count: %w", err)
	}
	return count, nil
}

func (store *SQLiteStorage) IncrementQuota(ctx context.Context, ownerID string, year int, month time.Month, delta int64) error {
	_, err := store.db.ExecContext(ctx,
		`INSERT INTO quotas(owner_id, year, month, count) VALUES(?,?,?,?)
		 ON CONFLICT(owner_id, year, month) DO UPDATE SET count = count + excluded.count`,
		ownerID, year, int(month), delta,
	)
	if err != nil {
		return fmt.Errorf("increment quota: %w", err)
	}
	return nil
}

func (store *SQLiteStorage) samples(ctx context.Context, q storage.VitalsQuery) ([]aggregate.Sample, error) {
	rows, err := store.db.QueryContext(ctx,
		`SELECT created_at, value FROM web_vitals
		 WHERE project_id = ? AND metric = ? AND device_type = ? AND created_at >= ?`,
		q.ProjectID, string(q.Metric), string(q.DeviceType), q.Since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("select samples: %w", err)
	}
	defer rows.Close()

	var samples []aggregate.Sample
	for rows.Next() {
		var at int64
		var value float64
		if err := rows.Scan(&at, &value); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		samples = append(samples, aggregate.Sample{At: time.UnixMilli(at).UTC(), Value: value})
	}
	return samples, rows.Err()
}

func (store *SQLiteStorage) Stat(ctx context.Context, q storage.VitalsQuery) (aggregate.Stat, error) {
	samples, err := store.samples(ctx, q)
	if err != nil {
		return aggregate.Stat{}, err
	}
	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		values = append(values, s.Value)
	}
	return aggregate.StatOf(values, q.Percentile), nil
}

func (store *SQLiteStorage) Series(ctx context.Context, q storage.SeriesQuery) ([]aggregate.Bucket, error) {
	samples, err := store.samples(ctx, q.VitalsQuery)
	if err != nil {
		return nil, err
	}
	return aggregate.Series(samples, q.Unit, q.Location, q.Percentile), nil
}

func (store *SQLiteStorage) TopRoutes(ctx context.Context, q storage.RoutesQuery) ([]aggregate.RouteStat, error) {
	rows, err := store.db.QueryContext(ctx,
		`SELECT route, value FROM web_vitals
		 WHERE project_id = ? AND metric = ? AND device_type = ? AND created_at >= ?`,
		q.ProjectID, string(q.Metric), string(q.DeviceType), q.Since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("select routes: %w", err)
	}
	defer rows.Close()

	byRoute := make(map[string][]float64)
	for rows.Next() {
		var route string
		var value float64
		if err := rows.Scan(&route, &value); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		byRoute[route] = append(byRoute[route], value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return aggregate.TopRoutes(byRoute, q.Percentile, q.Limit), nil
}

func (store *SQLiteStorage) DeleteVitalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := store.db.ExecContext(ctx,
		`DELETE FROM web_vitals WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete vitals: %w", err)
	}
	return res.RowsAffected()
}

func (store *SQLiteStorage) Ping(ctx context.Context) error {
	return store.db.PingContext(ctx)
}

func (store *SQLiteStorage) Close() {
	_ = store.db.Close()
}

func (store *SQLiteStorage) UpsertProject(ctx context.Context, p *storage.Project) error {
	_, err := store.db.ExecContext(ctx,
		`INSERT INTO projects(id, owner_id, domain, insights_enabled) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner_id = excluded.owner_id,
		   domain = excluded.domain,
		   insights_enabled = excluded.insights_enabled`,
		p.ID, p.OwnerID, p.Domain, p.InsightsEnabled,
	)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

func (store *SQLiteStorage) UpsertSubscription(ctx context.Context, s *storage.Subscription) error {
	_, err := store.db.ExecContext(ctx,
		`INSERT INTO subscriptions(owner_id, plan, period_end) VALUES(?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET plan = excluded.plan, period_end = excluded.period_end`,
		s.OwnerID, string(s.Plan), s.PeriodEnd.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

var _ storage.Storage = (*SQLiteStorage)(nil)
var _ storage.Admin = (*SQLiteStorage)(nil)
