package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/reviewpilot/batchd/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as fixed-width UTC text so they compare lexically.
type SQLiteStore struct {
	db *sql.DB
}

const tsLayout = "2006-01-02T15:04:05.000000000Z"

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Single writer; pragmas below are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_runs (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL,
	job_type          TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	total_items       INTEGER NOT NULL DEFAULT 0,
	processed_items   INTEGER NOT NULL DEFAULT 0,
	successful_items  INTEGER NOT NULL DEFAULT 0,
	failed_items      INTEGER NOT NULL DEFAULT 0,
	params            TEXT,
	estimated_credits INTEGER NOT NULL DEFAULT 0,
	credits_used      INTEGER NOT NULL DEFAULT 0,
	idempotency_key   TEXT UNIQUE,
	error_message     TEXT,
	lease_until       TEXT,
	created_at        TEXT NOT NULL,
	started_at        TEXT,
	completed_at      TEXT,
	updated_at        TEXT NOT NULL,
	CHECK (processed_items <= total_items),
	CHECK (credits_used <= estimated_credits)
);

CREATE INDEX IF NOT EXISTS idx_batch_runs_claim ON batch_runs(job_type, status, created_at);

CREATE TABLE IF NOT EXISTS batch_run_items (
	id                TEXT PRIMARY KEY,
	batch_run_id      TEXT NOT NULL REFERENCES batch_runs(id) ON DELETE CASCADE,
	position          INTEGER NOT NULL,
	item_type         TEXT NOT NULL,
	item_key          TEXT NOT NULL,
	item_display_name TEXT NOT NULL DEFAULT '',
	item_metadata     TEXT,
	status            TEXT NOT NULL DEFAULT 'pending',
	error_message     TEXT,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	UNIQUE (batch_run_id, item_type, item_key)
);

CREATE INDEX IF NOT EXISTS idx_batch_run_items_run_status ON batch_run_items(batch_run_id, status, position);

CREATE TABLE IF NOT EXISTS domain_analyses (
	domain      TEXT PRIMARY KEY,
	result      TEXT NOT NULL,
	analyzed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS competitor_analyses (
	account_id     TEXT NOT NULL,
	competitor_key TEXT NOT NULL,
	result         TEXT NOT NULL,
	analyzed_at    TEXT NOT NULL,
	PRIMARY KEY (account_id, competitor_key)
);

CREATE TABLE IF NOT EXISTS rank_results (
	id                 TEXT PRIMARY KEY,
	batch_run_id       TEXT NOT NULL REFERENCES batch_runs(id) ON DELETE CASCADE,
	account_id         TEXT NOT NULL,
	tracked_keyword_id TEXT,
	keyword            TEXT NOT NULL,
	position           INTEGER,
	url                TEXT NOT NULL DEFAULT '',
	checked_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS visibility_results (
	id           TEXT PRIMARY KEY,
	batch_run_id TEXT NOT NULL REFERENCES batch_runs(id) ON DELETE CASCADE,
	account_id   TEXT NOT NULL,
	question     TEXT NOT NULL,
	mentioned    INTEGER NOT NULL,
	excerpt      TEXT NOT NULL DEFAULT '',
	checked_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS concept_probe_results (
	id           TEXT PRIMARY KEY,
	batch_run_id TEXT NOT NULL REFERENCES batch_runs(id) ON DELETE CASCADE,
	account_id   TEXT NOT NULL,
	probe        TEXT NOT NULL,
	mentioned    INTEGER NOT NULL,
	confidence   REAL NOT NULL DEFAULT 0,
	checked_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	title      TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS account_rank_schedules (
	account_id   TEXT PRIMARY KEY,
	frequency    TEXT NOT NULL,
	day_of_week  INTEGER NOT NULL DEFAULT 1,
	day_of_month INTEGER NOT NULL DEFAULT 1,
	hour_of_day  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tracked_keywords (
	id                    TEXT PRIMARY KEY,
	account_id            TEXT NOT NULL,
	keyword               TEXT NOT NULL,
	target_domain         TEXT NOT NULL,
	location              TEXT NOT NULL DEFAULT '',
	mode                  TEXT NOT NULL DEFAULT 'inherit',
	frequency             TEXT NOT NULL DEFAULT '',
	day_of_week           INTEGER NOT NULL DEFAULT 1,
	day_of_month          INTEGER NOT NULL DEFAULT 1,
	hour_of_day           INTEGER NOT NULL DEFAULT 0,
	next_scheduled_at     TEXT,
	last_scheduled_run_at TEXT
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

func parseNullTS(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTS(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func scanSQLiteRun(row scanner) (*model.BatchRun, error) {
	var (
		r                                 model.BatchRun
		jobType, status, created, updated string
		params, key, errMsg               sql.NullString
		lease, started, completed         sql.NullString
	)
	err := row.Scan(&r.ID, &r.AccountID, &jobType, &status,
		&r.TotalItems, &r.ProcessedItems, &r.SuccessfulItems, &r.FailedItems,
		&params, &r.EstimatedCredits, &r.CreditsUsed, &key, &errMsg,
		&lease, &created, &started, &completed, &updated)
	if err != nil {
		return nil, err
	}
	r.JobType = model.JobType(jobType)
	r.Status = model.RunStatus(status)
	if params.Valid && params.String != "" {
		r.Params = json.RawMessage(params.String)
	}
	r.IdempotencyKey = key.String
	r.ErrorMessage = nullStr(errMsg)
	if r.CreatedAt, err = parseTS(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTS(updated); err != nil {
		return nil, err
	}
	if r.LeaseUntil, err = parseNullTS(lease); err != nil {
		return nil, err
	}
	if r.StartedAt, err = parseNullTS(started); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = parseNullTS(completed); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanSQLiteItem(row scanner) (*model.BatchRunItem, error) {
	var (
		it                                 model.BatchRunItem
		itemType, status, created, updated string
		meta, errMsg                       sql.NullString
	)
	err := row.Scan(&it.ID, &it.BatchRunID, &it.Position, &itemType, &it.ItemKey,
		&it.ItemDisplayName, &meta, &status, &errMsg, &created, &updated)
	if err != nil {
		return nil, err
	}
	it.ItemType = model.ItemType(itemType)
	it.Status = model.ItemStatus(status)
	if meta.Valid && meta.String != "" {
		it.ItemMetadata = json.RawMessage(meta.String)
	}
	it.ErrorMessage = nullStr(errMsg)
	if it.CreatedAt, err = parseTS(created); err != nil {
		return nil, err
	}
	if it.UpdatedAt, err = parseTS(updated); err != nil {
		return nil, err
	}
	return &it, nil
}

func collectSQLiteRuns(rows *sql.Rows, op string) ([]model.BatchRun, error) {
	defer rows.Close() //nolint:errcheck
	var runs []model.BatchRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", op)
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

func collectSQLiteItems(rows *sql.Rows) ([]model.BatchRunItem, error) {
	defer rows.Close() //nolint:errcheck
	var items []model.BatchRunItem
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: items iterate")
}

func sqliteJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQLiteStore) CreateBatchRun(ctx context.Context, in NewBatchRun) (*model.BatchRun, error) {
	items := uniqueItems(in.Items)
	total := in.TotalItems
	if len(items) > 0 {
		total = len(items)
	}
	now := ts(in.createdAt())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin create batch run")
	}
	defer tx.Rollback() //nolint:errcheck

	run, err := scanSQLiteRun(tx.QueryRowContext(ctx,
		`INSERT INTO batch_runs (id, account_id, job_type, status, total_items, params, estimated_credits, idempotency_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING `+runColumns,
		uuid.NewString(), in.AccountID, string(in.JobType), string(model.RunStatusPending),
		total, sqliteJSON(in.Params), in.EstimatedCredits, nullString(in.IdempotencyKey), now, now,
	))
	if errors.Is(err, sql.ErrNoRows) {
		existing, qerr := scanSQLiteRun(tx.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM batch_runs WHERE idempotency_key = ?`, in.IdempotencyKey))
		if qerr != nil {
			return nil, eris.Wrap(qerr, "sqlite: get run by idempotency key")
		}
		return existing, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert batch run")
	}

	for i, it := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batch_run_items (id, batch_run_id, position, item_type, item_key, item_display_name, item_metadata, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), run.ID, i, string(it.ItemType), it.ItemKey, it.DisplayName,
			sqliteJSON(it.Metadata), string(model.ItemStatusPending), now, now,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert item %s", it.ItemKey)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit create batch run")
	}
	return run, nil
}

func (s *SQLiteStore) GetBatchRun(ctx context.Context, runID string) (*model.BatchRun, error) {
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM batch_runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) ListBatchRuns(ctx context.Context, filter RunFilter) ([]model.BatchRun, error) {
	query := `SELECT ` + runColumns + ` FROM batch_runs WHERE 1=1`
	var args []any

	if filter.JobType != "" {
		query += ` AND job_type = ?`
		args = append(args, string(filter.JobType))
	}
	if filter.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, filter.AccountID)
	}
	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(` AND status IN (%s)`, placeholders(len(filter.Statuses)))
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.FinishedSince != nil {
		query += ` AND completed_at >= ?`
		args = append(args, ts(*filter.FinishedSince))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	return collectSQLiteRuns(rows, "list runs")
}

func (s *SQLiteStore) OldestActiveRun(ctx context.Context, jobType model.JobType) (*model.BatchRun, error) {
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM batch_runs
		 WHERE job_type = ? AND status IN ('pending', 'processing')
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		string(jobType)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: oldest active %s run", jobType)
	}
	return run, nil
}

func (s *SQLiteStore) ClaimRun(ctx context.Context, runID string, now, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_runs
		 SET status = 'processing', started_at = COALESCE(started_at, ?), lease_until = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing') AND (lease_until IS NULL OR lease_until < ?)`,
		ts(now), ts(leaseUntil), ts(now), runID, ts(now))
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim run %s", runID)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batch_runs SET lease_until = NULL WHERE id = ?`, runID)
	return eris.Wrapf(err, "sqlite: release lease %s", runID)
}

func (s *SQLiteStore) RecordUnitOutcome(ctx context.Context, runID string, out UnitOutcome) (bool, error) {
	succeeded, failed, credits := outcomeDeltas(out.Success, out.Credits)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin record unit")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE batch_runs
		 SET processed_items = processed_items + 1,
		     successful_items = successful_items + ?,
		     failed_items = failed_items + ?,
		     credits_used = MIN(estimated_credits, credits_used + ?),
		     updated_at = ?
		 WHERE id = ? AND status = 'processing' AND processed_items = ? AND processed_items < total_items`,
		succeeded, failed, credits, ts(time.Now()), runID, out.Index)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: record unit for run %s", runID)
	}
	if ok, err := affectedOne(res); err != nil || !ok {
		return false, err
	}

	switch {
	case out.Rank != nil:
		r := out.Rank
		_, err = tx.ExecContext(ctx,
			`INSERT INTO rank_results (id, batch_run_id, account_id, tracked_keyword_id, keyword, position, url, checked_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			newID(r.ID), runID, r.AccountID, nullString(r.TrackedKeywordID), r.Keyword, r.Position, r.URL, ts(r.CheckedAt))
	case out.Visibility != nil:
		v := out.Visibility
		_, err = tx.ExecContext(ctx,
			`INSERT INTO visibility_results (id, batch_run_id, account_id, question, mentioned, excerpt, checked_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			newID(v.ID), runID, v.AccountID, v.Question, v.Mentioned, v.Excerpt, ts(v.CheckedAt))
	case out.Concept != nil:
		c := out.Concept
		_, err = tx.ExecContext(ctx,
			`INSERT INTO concept_probe_results (id, batch_run_id, account_id, probe, mentioned, confidence, checked_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			newID(c.ID), runID, c.AccountID, c.Probe, c.Mentioned, c.Confidence, ts(c.CheckedAt))
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert result for run %s", runID)
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit record unit")
	}
	return true, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, c Completion) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_runs
		 SET status = ?, error_message = ?, completed_at = ?, lease_until = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`,
		string(c.Status), c.ErrorMessage, ts(c.At), ts(c.At), runID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) FailStaleRuns(ctx context.Context, jobType model.JobType, startedBefore time.Time, message string, now time.Time) ([]model.BatchRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE batch_runs
		 SET status = 'failed', error_message = ?, completed_at = ?, lease_until = NULL, updated_at = ?
		 WHERE job_type = ? AND status = 'processing' AND started_at < ?
		 RETURNING `+runColumns,
		message, ts(now), ts(now), string(jobType), ts(startedBefore))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: fail stale %s runs", jobType)
	}
	return collectSQLiteRuns(rows, "fail stale runs")
}

func (s *SQLiteStore) ForceFailRun(ctx context.Context, jobType model.JobType, runID, message string, now time.Time) (*model.BatchRun, *model.BatchRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, eris.Wrap(err, "sqlite: begin force fail")
	}
	defer tx.Rollback() //nolint:errcheck

	before, err := scanSQLiteRun(tx.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM batch_runs WHERE id = ? AND job_type = ?`, runID, string(jobType)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, eris.Wrapf(ErrNotFound, "sqlite: force fail run %s", runID)
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}

	after, err := scanSQLiteRun(tx.QueryRowContext(ctx,
		`UPDATE batch_runs
		 SET status = 'failed', error_message = ?, completed_at = ?, lease_until = NULL, updated_at = ?
		 WHERE id = ?
		 RETURNING `+runColumns,
		message, ts(now), ts(now), runID))
	if err != nil {
		return nil, nil, eris.Wrapf(err, "sqlite: force fail run %s", runID)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, eris.Wrap(err, "sqlite: commit force fail")
	}
	return before, after, nil
}

func (s *SQLiteStore) ResetRunForRetry(ctx context.Context, jobType model.JobType, runID string, now time.Time) (*model.BatchRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin retry")
	}
	defer tx.Rollback() //nolint:errcheck

	run, err := scanSQLiteRun(tx.QueryRowContext(ctx,
		`UPDATE batch_runs
		 SET status = 'pending', started_at = NULL, completed_at = NULL, error_message = NULL, lease_until = NULL, updated_at = ?
		 WHERE id = ? AND job_type = ? AND status = 'failed'
		 RETURNING `+runColumns,
		ts(now), runID, string(jobType)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrConflict, "sqlite: retry run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: retry run %s", runID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE batch_run_items SET status = 'pending', updated_at = ? WHERE batch_run_id = ? AND status = 'processing'`,
		ts(now), runID); err != nil {
		return nil, eris.Wrapf(err, "sqlite: requeue items for run %s", runID)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit retry")
	}
	return run, nil
}

func (s *SQLiteStore) RequeueItems(ctx context.Context, runID string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_run_items SET status = 'pending', updated_at = ? WHERE batch_run_id = ? AND status = 'processing'`,
		ts(now), runID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: requeue items for run %s", runID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: requeue rows affected")
}

func (s *SQLiteStore) ClaimPendingItems(ctx context.Context, runID string, limit int, now time.Time) ([]model.BatchRunItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE batch_run_items SET status = 'processing', updated_at = ?
		 WHERE id IN (
			SELECT id FROM batch_run_items
			WHERE batch_run_id = ? AND status = 'pending'
			ORDER BY position ASC
			LIMIT ?
		 )
		 RETURNING `+itemColumns,
		ts(now), runID, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim items for run %s", runID)
	}
	items, err := collectSQLiteItems(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

func (s *SQLiteStore) RecordItemOutcome(ctx context.Context, runID string, out ItemOutcome, now time.Time) (bool, error) {
	succeeded, failed, credits := outcomeDeltas(out.Status.Successful(), out.Credits)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin record item")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE batch_run_items SET status = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND batch_run_id = ? AND status = 'processing'`,
		string(out.Status), nullString(out.ErrorMessage), ts(now), out.ItemID, runID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update item %s", out.ItemID)
	}
	if ok, err := affectedOne(res); err != nil || !ok {
		return false, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE batch_runs
		 SET processed_items = processed_items + 1,
		     successful_items = successful_items + ?,
		     failed_items = failed_items + ?,
		     credits_used = MIN(estimated_credits, credits_used + ?),
		     updated_at = ?
		 WHERE id = ? AND processed_items < total_items`,
		succeeded, failed, credits, ts(now), runID); err != nil {
		return false, eris.Wrapf(err, "sqlite: update counters for run %s", runID)
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit record item")
	}
	return true, nil
}

func (s *SQLiteStore) CountItems(ctx context.Context, runID string) (model.ItemCounts, error) {
	var counts model.ItemCounts
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM batch_run_items WHERE batch_run_id = ? GROUP BY status`, runID)
	if err != nil {
		return counts, eris.Wrapf(err, "sqlite: count items for run %s", runID)
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, eris.Wrap(err, "sqlite: scan item count")
		}
		counts.Add(model.ItemStatus(status), n)
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count items iterate")
}

func (s *SQLiteStore) ListItems(ctx context.Context, runID string) ([]model.BatchRunItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM batch_run_items WHERE batch_run_id = ? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list items for run %s", runID)
	}
	return collectSQLiteItems(rows)
}

func (s *SQLiteStore) GetDomainAnalysis(ctx context.Context, domain string) (*model.DomainAnalysis, error) {
	var a model.DomainAnalysis
	var result, analyzed string
	err := s.db.QueryRowContext(ctx,
		`SELECT domain, result, analyzed_at FROM domain_analyses WHERE domain = ?`, domain,
	).Scan(&a.Domain, &result, &analyzed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get domain analysis %s", domain)
	}
	a.Result = json.RawMessage(result)
	if a.AnalyzedAt, err = parseTS(analyzed); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) SaveDomainAnalysis(ctx context.Context, a model.DomainAnalysis) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO domain_analyses (domain, result, analyzed_at) VALUES (?, ?, ?)
		 ON CONFLICT (domain) DO UPDATE SET result = excluded.result, analyzed_at = excluded.analyzed_at`,
		a.Domain, string(a.Result), ts(a.AnalyzedAt))
	return eris.Wrapf(err, "sqlite: save domain analysis %s", a.Domain)
}

func (s *SQLiteStore) GetCompetitorAnalysis(ctx context.Context, accountID, key string) (*model.CompetitorAnalysis, error) {
	var a model.CompetitorAnalysis
	var result, analyzed string
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, competitor_key, result, analyzed_at FROM competitor_analyses WHERE account_id = ? AND competitor_key = ?`,
		accountID, key,
	).Scan(&a.AccountID, &a.CompetitorKey, &result, &analyzed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get competitor analysis %s", key)
	}
	a.Result = json.RawMessage(result)
	if a.AnalyzedAt, err = parseTS(analyzed); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) SaveCompetitorAnalysis(ctx context.Context, a model.CompetitorAnalysis) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO competitor_analyses (account_id, competitor_key, result, analyzed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (account_id, competitor_key) DO UPDATE SET result = excluded.result, analyzed_at = excluded.analyzed_at`,
		a.AccountID, a.CompetitorKey, string(a.Result), ts(a.AnalyzedAt))
	return eris.Wrapf(err, "sqlite: save competitor analysis %s", a.CompetitorKey)
}

func (s *SQLiteStore) AccountNames(ctx context.Context, accountIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(accountIDs))
	if len(accountIDs) == 0 {
		return names, nil
	}
	args := make([]any, len(accountIDs))
	for i, id := range accountIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, name FROM accounts WHERE id IN (%s)`, placeholders(len(args))), args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: account names")
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan account")
		}
		names[id] = name
	}
	return names, eris.Wrap(rows.Err(), "sqlite: account names iterate")
}

// UpsertAccount records an account display name. Accounts are owned by the
// main application; this exists for local setups.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET name = excluded.name`, id, name)
	return eris.Wrapf(err, "sqlite: upsert account %s", id)
}

func (s *SQLiteStore) CreateNotification(ctx context.Context, n model.Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, account_id, kind, title, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		newID(n.ID), n.AccountID, n.Kind, n.Title, n.Body, ts(notificationTime(n)))
	return eris.Wrapf(err, "sqlite: create notification for %s", n.AccountID)
}

// Notifications lists an account's notification feed, newest first.
func (s *SQLiteStore) Notifications(ctx context.Context, accountID string) ([]model.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, kind, title, body, created_at FROM notifications WHERE account_id = ? ORDER BY created_at DESC`,
		accountID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list notifications")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		var created string
		if err := rows.Scan(&n.ID, &n.AccountID, &n.Kind, &n.Title, &n.Body, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan notification")
		}
		if n.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: notifications iterate")
}

func (s *SQLiteStore) SaveTrackedKeyword(ctx context.Context, kw model.TrackedKeyword) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tracked_keywords (id, account_id, keyword, target_domain, location, mode, frequency, day_of_week, day_of_month, hour_of_day, next_scheduled_at, last_scheduled_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET keyword = excluded.keyword, target_domain = excluded.target_domain,
		   location = excluded.location, mode = excluded.mode, frequency = excluded.frequency,
		   day_of_week = excluded.day_of_week, day_of_month = excluded.day_of_month, hour_of_day = excluded.hour_of_day,
		   next_scheduled_at = excluded.next_scheduled_at`,
		kw.ID, kw.AccountID, kw.Keyword, kw.TargetDomain, kw.Location, string(kw.Mode),
		string(kw.Custom.Frequency), kw.Custom.DayOfWeek, kw.Custom.DayOfMonth, kw.Custom.HourOfDay,
		nullTS(kw.NextScheduledAt), nullTS(kw.LastScheduledRunAt))
	return eris.Wrapf(err, "sqlite: save tracked keyword %s", kw.ID)
}

func (s *SQLiteStore) SaveAccountSchedule(ctx context.Context, accountID string, sc model.Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_rank_schedules (account_id, frequency, day_of_week, day_of_month, hour_of_day)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE SET frequency = excluded.frequency, day_of_week = excluded.day_of_week,
		   day_of_month = excluded.day_of_month, hour_of_day = excluded.hour_of_day`,
		accountID, string(sc.Frequency), sc.DayOfWeek, sc.DayOfMonth, sc.HourOfDay)
	return eris.Wrapf(err, "sqlite: save schedule for %s", accountID)
}

func (s *SQLiteStore) DueTrackedKeywords(ctx context.Context, now time.Time, limit int) ([]model.TrackedKeyword, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT k.id, k.account_id, k.keyword, k.target_domain, k.location, k.mode,
			k.frequency, k.day_of_week, k.day_of_month, k.hour_of_day, k.next_scheduled_at, k.last_scheduled_run_at,
			a.frequency, a.day_of_week, a.day_of_month, a.hour_of_day
		 FROM tracked_keywords k
		 LEFT JOIN account_rank_schedules a ON a.account_id = k.account_id
		 WHERE k.mode <> 'off' AND (k.next_scheduled_at IS NULL OR k.next_scheduled_at <= ?)
		 ORDER BY k.next_scheduled_at IS NOT NULL, k.next_scheduled_at ASC, k.id ASC
		 LIMIT ?`,
		ts(now), limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: due keywords")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.TrackedKeyword
	for rows.Next() {
		var (
			kw                   model.TrackedKeyword
			mode, freq           string
			next, last           sql.NullString
			accFreq              sql.NullString
			accDow, accDom, accH sql.NullInt64
		)
		if err := rows.Scan(&kw.ID, &kw.AccountID, &kw.Keyword, &kw.TargetDomain, &kw.Location, &mode,
			&freq, &kw.Custom.DayOfWeek, &kw.Custom.DayOfMonth, &kw.Custom.HourOfDay,
			&next, &last, &accFreq, &accDow, &accDom, &accH); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan keyword")
		}
		kw.Mode = model.ScheduleMode(mode)
		kw.Custom.Frequency = model.Frequency(freq)
		if kw.NextScheduledAt, err = parseNullTS(next); err != nil {
			return nil, err
		}
		if kw.LastScheduledRunAt, err = parseNullTS(last); err != nil {
			return nil, err
		}
		if accFreq.Valid {
			dow, dom, hour := int(accDow.Int64), int(accDom.Int64), int(accH.Int64)
			kw.AccountSchedule = accountSchedule(&accFreq.String, &dow, &dom, &hour)
		}
		out = append(out, kw)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: due keywords iterate")
}

func (s *SQLiteStore) MarkKeywordScheduled(ctx context.Context, keywordID string, ranAt, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracked_keywords SET last_scheduled_run_at = ?, next_scheduled_at = ? WHERE id = ?`,
		ts(ranAt), ts(next), keywordID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark keyword %s", keywordID)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrapf(ErrNotFound, "sqlite: mark keyword %s", keywordID)
	}
	return nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}
