package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_beacon/internal/fanout"
)

// Execer is the subset of *pgxpool.Pool used here
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var schemaStatements = []string{
	`CREATE SCHEMA IF NOT EXISTS beacon`,
	`CREATE TABLE IF NOT EXISTS beacon.snapshots (
		type       TEXT PRIMARY KEY,
		version    INT NOT NULL,
		body       BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS beacon.deliveries (
		package_id   TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		outcome      TEXT NOT NULL,
		reason       TEXT NOT NULL,
		attempt      INT NOT NULL,
		http_status  INT,
		latency_ms   INT,
		last_error   TEXT,
		created_at   TIMESTAMPTZ NOT NULL,
		finished_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS deliveries_finished_at_idx ON beacon.deliveries (finished_at)`,
}

// EnsureSchema creates the beacon schema and its tables when missing
func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// DeliveryRecord is one row of beacon.deliveries
type DeliveryRecord struct {
	PackageID  string
	Kind       string
	Outcome    string // delivered or dropped
	Reason     string
	Attempt    int
	HTTPStatus int // 0 when no answer was received
	Latency    time.Duration
	LastError  string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// RecordFromDelivery builds the row for a terminal delivery. It returns
// false when the delivery carries no package.
func RecordFromDelivery(d fanout.Delivery) (DeliveryRecord, bool) {
	if d.Response == nil || d.Response.Package == nil {
		return DeliveryRecord{}, false
	}
	resp := d.Response
	rec := DeliveryRecord{
		PackageID:  resp.Package.ID(),
		Kind:       resp.Package.Kind().String(),
		Outcome:    "dropped",
		Reason:     d.Reason,
		Attempt:    resp.Package.Attempt(),
		HTTPStatus: resp.StatusCode,
		Latency:    resp.Latency,
		CreatedAt:  resp.Package.CreatedAt(),
		FinishedAt: d.At,
	}
	if d.Success() {
		rec.Outcome = "delivered"
	} else if err := resp.Err(); err != nil {
		rec.LastError = err.Error()
	}
	return rec, true
}

// InsertDelivery writes rec. A package recorded twice keeps its latest outcome.
func InsertDelivery(ctx context.Context, db Execer, rec DeliveryRecord) error {
	_, err := db.Exec(ctx, `
		INSERT INTO beacon.deliveries(package_id, kind, outcome, reason, attempt, http_status, latency_ms, last_error, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), $7, NULLIF($8, ''), $9, $10)
		ON CONFLICT (package_id) DO UPDATE
		SET outcome=EXCLUDED.outcome, reason=EXCLUDED.reason, attempt=EXCLUDED.attempt,
			http_status=EXCLUDED.http_status, latency_ms=EXCLUDED.latency_ms,
			last_error=EXCLUDED.last_error, finished_at=EXCLUDED.finished_at`,
		rec.PackageID, rec.Kind, rec.Outcome, rec.Reason, rec.Attempt,
		rec.HTTPStatus, int(rec.Latency.Milliseconds()), rec.LastError,
		rec.CreatedAt, rec.FinishedAt,
	)
	return err
}
