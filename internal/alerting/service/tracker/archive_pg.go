package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	adb "github.com/qiniu/remediator/internal/alerting/database"
)

// Schema for the audit table written by PgArchive.
const PgSchema = `
CREATE TABLE IF NOT EXISTS job_invocations (
	id                TEXT PRIMARY KEY,
	playbook          TEXT NOT NULL,
	playbook_index    INTEGER NOT NULL,
	action_index      INTEGER NOT NULL,
	action            TEXT NOT NULL,
	alert_name        TEXT NOT NULL,
	alert_fingerprint TEXT NOT NULL,
	job_name          TEXT,
	namespace         TEXT,
	status            TEXT NOT NULL,
	detached          BOOLEAN NOT NULL DEFAULT FALSE,
	error             TEXT,
	started_at        TIMESTAMPTZ NOT NULL,
	duration          INTERVAL
)`

// PgArchive writes archived invocations to the job_invocations table. A
// detached invocation is written once on submission and again if it fails
// later; the upsert keeps the latest status.
type PgArchive struct {
	DB *adb.Database
}

func NewPgArchive(db *adb.Database) *PgArchive { return &PgArchive{DB: db} }

// EnsureSchema creates the audit table when missing.
func (a *PgArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.DB.ExecContext(ctx, PgSchema); err != nil {
		return fmt.Errorf("create job_invocations: %w", err)
	}
	return nil
}

func (a *PgArchive) Store(ctx context.Context, inv Invocation) error {
	const q = `
	INSERT INTO job_invocations(id, playbook, playbook_index, action_index, action, alert_name, alert_fingerprint,
		job_name, namespace, status, detached, error, started_at, duration)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		error = EXCLUDED.error,
		duration = EXCLUDED.duration
	`
	var duration pgtype.Interval
	if inv.EndedAt != nil {
		duration = durationToPgInterval(inv.EndedAt.Sub(inv.StartedAt))
	}
	_, err := a.DB.ExecContext(ctx, q,
		inv.ID, inv.Playbook, inv.PlaybookIndex, inv.ActionIndex, inv.Action, inv.AlertName, inv.AlertFingerprint,
		inv.JobName, inv.Namespace, string(inv.Status), inv.Detached, inv.Error, inv.StartedAt, duration)
	if err != nil {
		return fmt.Errorf("archive invocation: %w", err)
	}
	return nil
}

// Load reads one archived invocation.
func (a *PgArchive) Load(ctx context.Context, id string) (Invocation, bool, error) {
	const q = `SELECT id, playbook, playbook_index, action_index, action, alert_name, alert_fingerprint,
		COALESCE(job_name, ''), COALESCE(namespace, ''), status, detached, COALESCE(error, ''), started_at, duration::text
		FROM job_invocations WHERE id = $1`
	row := a.DB.QueryRowContext(ctx, q, id)
	var inv Invocation
	var status string
	var duration sql.NullString
	err := row.Scan(&inv.ID, &inv.Playbook, &inv.PlaybookIndex, &inv.ActionIndex, &inv.Action, &inv.AlertName, &inv.AlertFingerprint,
		&inv.JobName, &inv.Namespace, &status, &inv.Detached, &inv.Error, &inv.StartedAt, &duration)
	if err != nil {
		if err == sql.ErrNoRows {
			return Invocation{}, false, nil
		}
		return Invocation{}, false, fmt.Errorf("load invocation: %w", err)
	}
	inv.Status = Status(status)
	if duration.Valid {
		// lib/pq hands intervals over as text; pgtype parses that form
		var iv pgtype.Interval
		if err := iv.Scan(duration.String); err != nil {
			return Invocation{}, false, fmt.Errorf("parse duration of %s: %w", id, err)
		}
		d, err := pgIntervalToDuration(iv)
		if err != nil {
			return Invocation{}, false, fmt.Errorf("parse duration of %s: %w", id, err)
		}
		end := inv.StartedAt.Add(d)
		inv.EndedAt = &end
	}
	return inv, true, nil
}

// durationToPgInterval splits d into whole days and the microsecond
// remainder, the way PostgreSQL normalizes an interval.
func durationToPgInterval(d time.Duration) pgtype.Interval {
	const day = 24 * time.Hour
	days := d / day
	rest := d - days*day
	return pgtype.Interval{
		Microseconds: rest.Microseconds(),
		Days:         int32(days),
		Months:       0,
		Valid:        true,
	}
}

// pgIntervalToDuration converts an interval back; months are rejected
// because their length is calendar dependent.
func pgIntervalToDuration(iv pgtype.Interval) (time.Duration, error) {
	if !iv.Valid {
		return 0, fmt.Errorf("interval is null")
	}
	if iv.Months != 0 {
		return 0, fmt.Errorf("interval with months is not supported")
	}
	return time.Duration(iv.Days)*24*time.Hour + time.Duration(iv.Microseconds)*time.Microsecond, nil
}
