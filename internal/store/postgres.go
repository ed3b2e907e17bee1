package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/reviewpilot/batchd/internal/db"
	"github.com/reviewpilot/batchd/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	dsn     string
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, dsn: connString, closeFn: pool.Close}, nil
}

// Migrate applies the embedded migrations with golang-migrate.
func (s *PostgresStore) Migrate(_ context.Context) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: open migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, s.dsn)
	if err != nil {
		return eris.Wrap(err, "postgres: create migrator")
	}
	defer func() {
		_, _ = m.Close() //nolint:errcheck
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return eris.Wrap(err, "postgres: migrate up")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	} else {
		s.pool.Close()
	}
	return nil
}

const runColumns = `id, account_id, job_type, status, total_items, processed_items, successful_items, failed_items, params, estimated_credits, credits_used, idempotency_key, error_message, lease_until, created_at, started_at, completed_at, updated_at`

var itemInsertColumns = []string{
	"id", "batch_run_id", "position", "item_type", "item_key", "item_display_name",
	"item_metadata", "status", "created_at", "updated_at",
}

const itemColumns = `id, batch_run_id, position, item_type, item_key, item_display_name, item_metadata, status, error_message, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPgRun(row scanner) (*model.BatchRun, error) {
	var (
		r               model.BatchRun
		jobType, status string
		params          []byte
		key             *string
	)
	err := row.Scan(&r.ID, &r.AccountID, &jobType, &status,
		&r.TotalItems, &r.ProcessedItems, &r.SuccessfulItems, &r.FailedItems,
		&params, &r.EstimatedCredits, &r.CreditsUsed, &key, &r.ErrorMessage,
		&r.LeaseUntil, &r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.JobType = model.JobType(jobType)
	r.Status = model.RunStatus(status)
	if len(params) > 0 {
		r.Params = json.RawMessage(params)
	}
	if key != nil {
		r.IdempotencyKey = *key
	}
	return &r, nil
}

func scanPgItem(row scanner) (*model.BatchRunItem, error) {
	var (
		it               model.BatchRunItem
		itemType, status string
		meta             []byte
	)
	err := row.Scan(&it.ID, &it.BatchRunID, &it.Position, &itemType, &it.ItemKey,
		&it.ItemDisplayName, &meta, &status, &it.ErrorMessage, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	it.ItemType = model.ItemType(itemType)
	it.Status = model.ItemStatus(status)
	if len(meta) > 0 {
		it.ItemMetadata = json.RawMessage(meta)
	}
	return &it, nil
}

func collectPgRuns(rows pgx.Rows, op string) ([]model.BatchRun, error) {
	defer rows.Close()
	var runs []model.BatchRun
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", op)
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func (s *PostgresStore) CreateBatchRun(ctx context.Context, in NewBatchRun) (*model.BatchRun, error) {
	items := uniqueItems(in.Items)
	total := in.TotalItems
	if len(items) > 0 {
		total = len(items)
	}
	now := in.createdAt()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin create batch run")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	run, err := scanPgRun(tx.QueryRow(ctx,
		`INSERT INTO batch_runs (id, account_id, job_type, status, total_items, params, estimated_credits, idempotency_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING `+runColumns,
		uuid.NewString(), in.AccountID, string(in.JobType), string(model.RunStatusPending),
		total, nullJSON(in.Params), in.EstimatedCredits, nullString(in.IdempotencyKey), now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		// Same idempotency key already enqueued: hand back the original run.
		existing, qerr := scanPgRun(s.pool.QueryRow(ctx,
			`SELECT `+runColumns+` FROM batch_runs WHERE idempotency_key = $1`, in.IdempotencyKey))
		if qerr != nil {
			return nil, eris.Wrap(qerr, "postgres: get run by idempotency key")
		}
		return existing, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert batch run")
	}

	rows := make([][]any, len(items))
	for i, it := range items {
		rows[i] = []any{
			uuid.NewString(), run.ID, i, string(it.ItemType), it.ItemKey, it.DisplayName,
			nullJSON(it.Metadata), string(model.ItemStatusPending), now, now,
		}
	}
	if _, err := db.CopyFrom(ctx, tx, "batch_run_items", itemInsertColumns, rows); err != nil {
		return nil, eris.Wrapf(err, "postgres: insert items for run %s", run.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit create batch run")
	}
	return run, nil
}

func (s *PostgresStore) GetBatchRun(ctx context.Context, runID string) (*model.BatchRun, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM batch_runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ListBatchRuns(ctx context.Context, filter RunFilter) ([]model.BatchRun, error) {
	query := `SELECT ` + runColumns + ` FROM batch_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.JobType != "" {
		query += fmt.Sprintf(` AND job_type = $%d`, argIdx)
		args = append(args, string(filter.JobType))
		argIdx++
	}
	if filter.AccountID != "" {
		query += fmt.Sprintf(` AND account_id = $%d`, argIdx)
		args = append(args, filter.AccountID)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(` AND status = ANY($%d)`, argIdx)
		args = append(args, statusStrings(filter.Statuses))
		argIdx++
	}
	if filter.FinishedSince != nil {
		query += fmt.Sprintf(` AND completed_at >= $%d`, argIdx)
		args = append(args, *filter.FinishedSince)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	return collectPgRuns(rows, "list runs")
}

func (s *PostgresStore) OldestActiveRun(ctx context.Context, jobType model.JobType) (*model.BatchRun, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM batch_runs
		 WHERE job_type = $1 AND status IN ('pending', 'processing')
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		string(jobType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: oldest active %s run", jobType)
	}
	return run, nil
}

func (s *PostgresStore) ClaimRun(ctx context.Context, runID string, now, leaseUntil time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_runs
		 SET status = 'processing', started_at = COALESCE(started_at, $2), lease_until = $3, updated_at = $2
		 WHERE id = $1 AND status IN ('pending', 'processing') AND (lease_until IS NULL OR lease_until < $2)`,
		runID, now, leaseUntil)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim run %s", runID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE batch_runs SET lease_until = NULL WHERE id = $1`, runID)
	return eris.Wrapf(err, "postgres: release lease %s", runID)
}

func (s *PostgresStore) RecordUnitOutcome(ctx context.Context, runID string, out UnitOutcome) (bool, error) {
	succeeded, failed, credits := outcomeDeltas(out.Success, out.Credits)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin record unit")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE batch_runs
		 SET processed_items = processed_items + 1,
		     successful_items = successful_items + $2,
		     failed_items = failed_items + $3,
		     credits_used = LEAST(estimated_credits, credits_used + $4),
		     updated_at = $5
		 WHERE id = $1 AND status = 'processing' AND processed_items = $6 AND processed_items < total_items`,
		runID, succeeded, failed, credits, time.Now().UTC(), out.Index)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: record unit for run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	switch {
	case out.Rank != nil:
		r := out.Rank
		_, err = tx.Exec(ctx,
			`INSERT INTO rank_results (id, batch_run_id, account_id, tracked_keyword_id, keyword, position, url, checked_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			newID(r.ID), runID, r.AccountID, nullString(r.TrackedKeywordID), r.Keyword, r.Position, r.URL, r.CheckedAt)
	case out.Visibility != nil:
		v := out.Visibility
		_, err = tx.Exec(ctx,
			`INSERT INTO visibility_results (id, batch_run_id, account_id, question, mentioned, excerpt, checked_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			newID(v.ID), runID, v.AccountID, v.Question, v.Mentioned, v.Excerpt, v.CheckedAt)
	case out.Concept != nil:
		c := out.Concept
		_, err = tx.Exec(ctx,
			`INSERT INTO concept_probe_results (id, batch_run_id, account_id, probe, mentioned, confidence, checked_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			newID(c.ID), runID, c.AccountID, c.Probe, c.Mentioned, c.Confidence, c.CheckedAt)
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert result for run %s", runID)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: commit record unit")
	}
	return true, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, c Completion) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_runs
		 SET status = $2, error_message = $3, completed_at = $4, lease_until = NULL, updated_at = $4
		 WHERE id = $1 AND status IN ('pending', 'processing')`,
		runID, string(c.Status), c.ErrorMessage, c.At)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FailStaleRuns(ctx context.Context, jobType model.JobType, startedBefore time.Time, message string, now time.Time) ([]model.BatchRun, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE batch_runs
		 SET status = 'failed', error_message = $3, completed_at = $4, lease_until = NULL, updated_at = $4
		 WHERE job_type = $1 AND status = 'processing' AND started_at < $2
		 RETURNING `+runColumns,
		string(jobType), startedBefore, message, now)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: fail stale %s runs", jobType)
	}
	return collectPgRuns(rows, "fail stale runs")
}

func (s *PostgresStore) ForceFailRun(ctx context.Context, jobType model.JobType, runID, message string, now time.Time) (*model.BatchRun, *model.BatchRun, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, eris.Wrap(err, "postgres: begin force fail")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	before, err := scanPgRun(tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM batch_runs WHERE id = $1 AND job_type = $2 FOR UPDATE`,
		runID, string(jobType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, eris.Wrapf(ErrNotFound, "postgres: force fail run %s", runID)
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "postgres: lock run %s", runID)
	}

	after, err := scanPgRun(tx.QueryRow(ctx,
		`UPDATE batch_runs
		 SET status = 'failed', error_message = $2, completed_at = $3, lease_until = NULL, updated_at = $3
		 WHERE id = $1
		 RETURNING `+runColumns,
		runID, message, now))
	if err != nil {
		return nil, nil, eris.Wrapf(err, "postgres: force fail run %s", runID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, eris.Wrap(err, "postgres: commit force fail")
	}
	return before, after, nil
}

func (s *PostgresStore) ResetRunForRetry(ctx context.Context, jobType model.JobType, runID string, now time.Time) (*model.BatchRun, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin retry")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	run, err := scanPgRun(tx.QueryRow(ctx,
		`UPDATE batch_runs
		 SET status = 'pending', started_at = NULL, completed_at = NULL, error_message = NULL, lease_until = NULL, updated_at = $3
		 WHERE id = $1 AND job_type = $2 AND status = 'failed'
		 RETURNING `+runColumns,
		runID, string(jobType), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrConflict, "postgres: retry run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: retry run %s", runID)
	}

	// Items orphaned mid-tick go back to the queue.
	if _, err := tx.Exec(ctx,
		`UPDATE batch_run_items SET status = 'pending', updated_at = $2 WHERE batch_run_id = $1 AND status = 'processing'`,
		runID, now); err != nil {
		return nil, eris.Wrapf(err, "postgres: requeue items for run %s", runID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit retry")
	}
	return run, nil
}

func (s *PostgresStore) RequeueItems(ctx context.Context, runID string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_run_items SET status = 'pending', updated_at = $2 WHERE batch_run_id = $1 AND status = 'processing'`,
		runID, now)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: requeue items for run %s", runID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ClaimPendingItems(ctx context.Context, runID string, limit int, now time.Time) ([]model.BatchRunItem, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE batch_run_items SET status = 'processing', updated_at = $3
		 WHERE id IN (
			SELECT id FROM batch_run_items
			WHERE batch_run_id = $1 AND status = 'pending'
			ORDER BY position ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+itemColumns,
		runID, limit, now)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim items for run %s", runID)
	}
	defer rows.Close()

	var items []model.BatchRunItem
	for rows.Next() {
		it, err := scanPgItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		items = append(items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: claim items iterate")
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

func (s *PostgresStore) RecordItemOutcome(ctx context.Context, runID string, out ItemOutcome, now time.Time) (bool, error) {
	succeeded, failed, credits := outcomeDeltas(out.Status.Successful(), out.Credits)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin record item")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE batch_run_items SET status = $3, error_message = $4, updated_at = $5
		 WHERE id = $1 AND batch_run_id = $2 AND status = 'processing'`,
		out.ItemID, runID, string(out.Status), nullString(out.ErrorMessage), now)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update item %s", out.ItemID)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE batch_runs
		 SET processed_items = processed_items + 1,
		     successful_items = successful_items + $2,
		     failed_items = failed_items + $3,
		     credits_used = LEAST(estimated_credits, credits_used + $4),
		     updated_at = $5
		 WHERE id = $1 AND processed_items < total_items`,
		runID, succeeded, failed, credits, now); err != nil {
		return false, eris.Wrapf(err, "postgres: update counters for run %s", runID)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: commit record item")
	}
	return true, nil
}

func (s *PostgresStore) CountItems(ctx context.Context, runID string) (model.ItemCounts, error) {
	var counts model.ItemCounts
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM batch_run_items WHERE batch_run_id = $1 GROUP BY status`, runID)
	if err != nil {
		return counts, eris.Wrapf(err, "postgres: count items for run %s", runID)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, eris.Wrap(err, "postgres: scan item count")
		}
		counts.Add(model.ItemStatus(status), n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count items iterate")
}

func (s *PostgresStore) ListItems(ctx context.Context, runID string) ([]model.BatchRunItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM batch_run_items WHERE batch_run_id = $1 ORDER BY position ASC`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list items for run %s", runID)
	}
	defer rows.Close()

	var items []model.BatchRunItem
	for rows.Next() {
		it, err := scanPgItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) GetDomainAnalysis(ctx context.Context, domain string) (*model.DomainAnalysis, error) {
	var a model.DomainAnalysis
	var result []byte
	err := s.pool.QueryRow(ctx,
		`SELECT domain, result, analyzed_at FROM domain_analyses WHERE domain = $1`, domain,
	).Scan(&a.Domain, &result, &a.AnalyzedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get domain analysis %s", domain)
	}
	a.Result = json.RawMessage(result)
	return &a, nil
}

func (s *PostgresStore) SaveDomainAnalysis(ctx context.Context, a model.DomainAnalysis) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO domain_analyses (domain, result, analyzed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (domain) DO UPDATE SET result = EXCLUDED.result, analyzed_at = EXCLUDED.analyzed_at`,
		a.Domain, []byte(a.Result), a.AnalyzedAt)
	return eris.Wrapf(err, "postgres: save domain analysis %s", a.Domain)
}

func (s *PostgresStore) GetCompetitorAnalysis(ctx context.Context, accountID, key string) (*model.CompetitorAnalysis, error) {
	var a model.CompetitorAnalysis
	var result []byte
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, competitor_key, result, analyzed_at FROM competitor_analyses WHERE account_id = $1 AND competitor_key = $2`,
		accountID, key,
	).Scan(&a.AccountID, &a.CompetitorKey, &result, &a.AnalyzedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get competitor analysis %s", key)
	}
	a.Result = json.RawMessage(result)
	return &a, nil
}

func (s *PostgresStore) SaveCompetitorAnalysis(ctx context.Context, a model.CompetitorAnalysis) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO competitor_analyses (account_id, competitor_key, result, analyzed_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, competitor_key) DO UPDATE SET result = EXCLUDED.result, analyzed_at = EXCLUDED.analyzed_at`,
		a.AccountID, a.CompetitorKey, []byte(a.Result), a.AnalyzedAt)
	return eris.Wrapf(err, "postgres: save competitor analysis %s", a.CompetitorKey)
}

func (s *PostgresStore) AccountNames(ctx context.Context, accountIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(accountIDs))
	if len(accountIDs) == 0 {
		return names, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM accounts WHERE id = ANY($1)`, accountIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: account names")
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan account")
		}
		names[id] = name
	}
	return names, eris.Wrap(rows.Err(), "postgres: account names iterate")
}

func (s *PostgresStore) CreateNotification(ctx context.Context, n model.Notification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, account_id, kind, title, body, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		newID(n.ID), n.AccountID, n.Kind, n.Title, n.Body, notificationTime(n))
	return eris.Wrapf(err, "postgres: create notification for %s", n.AccountID)
}

func (s *PostgresStore) SaveTrackedKeyword(ctx context.Context, kw model.TrackedKeyword) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tracked_keywords (id, account_id, keyword, target_domain, location, mode, frequency, day_of_week, day_of_month, hour_of_day, next_scheduled_at, last_scheduled_run_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET keyword = EXCLUDED.keyword, target_domain = EXCLUDED.target_domain,
		   location = EXCLUDED.location, mode = EXCLUDED.mode, frequency = EXCLUDED.frequency,
		   day_of_week = EXCLUDED.day_of_week, day_of_month = EXCLUDED.day_of_month, hour_of_day = EXCLUDED.hour_of_day,
		   next_scheduled_at = EXCLUDED.next_scheduled_at`,
		kw.ID, kw.AccountID, kw.Keyword, kw.TargetDomain, kw.Location, string(kw.Mode),
		string(kw.Custom.Frequency), kw.Custom.DayOfWeek, kw.Custom.DayOfMonth, kw.Custom.HourOfDay,
		kw.NextScheduledAt, kw.LastScheduledRunAt)
	return eris.Wrapf(err, "postgres: save tracked keyword %s", kw.ID)
}

func (s *PostgresStore) SaveAccountSchedule(ctx context.Context, accountID string, sc model.Schedule) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO account_rank_schedules (account_id, frequency, day_of_week, day_of_month, hour_of_day)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (account_id) DO UPDATE SET frequency = EXCLUDED.frequency, day_of_week = EXCLUDED.day_of_week,
		   day_of_month = EXCLUDED.day_of_month, hour_of_day = EXCLUDED.hour_of_day`,
		accountID, string(sc.Frequency), sc.DayOfWeek, sc.DayOfMonth, sc.HourOfDay)
	return eris.Wrapf(err, "postgres: save schedule for %s", accountID)
}

const dueKeywordsQuery = `SELECT k.id, k.account_id, k.keyword, k.target_domain, k.location, k.mode,
	k.frequency, k.day_of_week, k.day_of_month, k.hour_of_day, k.next_scheduled_at, k.last_scheduled_run_at,
	a.frequency, a.day_of_week, a.day_of_month, a.hour_of_day
	FROM tracked_keywords k
	LEFT JOIN account_rank_schedules a ON a.account_id = k.account_id
	WHERE k.mode <> 'off' AND (k.next_scheduled_at IS NULL OR k.next_scheduled_at <= $1)
	ORDER BY k.next_scheduled_at ASC NULLS FIRST, k.id ASC
	LIMIT $2`

func (s *PostgresStore) DueTrackedKeywords(ctx context.Context, now time.Time, limit int) ([]model.TrackedKeyword, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, dueKeywordsQuery, now, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: due keywords")
	}
	defer rows.Close()

	var out []model.TrackedKeyword
	for rows.Next() {
		var (
			kw                   model.TrackedKeyword
			mode, freq           string
			accFreq              *string
			accDow, accDom, accH *int
		)
		if err := rows.Scan(&kw.ID, &kw.AccountID, &kw.Keyword, &kw.TargetDomain, &kw.Location, &mode,
			&freq, &kw.Custom.DayOfWeek, &kw.Custom.DayOfMonth, &kw.Custom.HourOfDay,
			&kw.NextScheduledAt, &kw.LastScheduledRunAt,
			&accFreq, &accDow, &accDom, &accH); err != nil {
			return nil, eris.Wrap(err, "postgres: scan keyword")
		}
		kw.Mode = model.ScheduleMode(mode)
		kw.Custom.Frequency = model.Frequency(freq)
		kw.AccountSchedule = accountSchedule(accFreq, accDow, accDom, accH)
		out = append(out, kw)
	}
	return out, eris.Wrap(rows.Err(), "postgres: due keywords iterate")
}

func (s *PostgresStore) MarkKeywordScheduled(ctx context.Context, keywordID string, ranAt, next time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tracked_keywords SET last_scheduled_run_at = $2, next_scheduled_at = $3 WHERE id = $1`,
		keywordID, ranAt, next)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark keyword %s", keywordID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: mark keyword %s", keywordID)
	}
	return nil
}

func uniqueItems(items []NewItem) []NewItem {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(items))
	out := make([]NewItem, 0, len(items))
	for _, it := range items {
		k := string(it.ItemType) + "\x00" + it.ItemKey
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, it)
	}
	return out
}

// outcomeDeltas maps a unit outcome to counter increments. Only successful
// paid work is charged.
func outcomeDeltas(success bool, credits int) (succeeded, failed, charged int) {
	if !success {
		return 0, 1, 0
	}
	if credits < 0 {
		credits = 0
	}
	return 1, 0, credits
}

func statusStrings(statuses []model.RunStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func accountSchedule(freq *string, dow, dom, hour *int) *model.Schedule {
	if freq == nil || *freq == "" {
		return nil
	}
	sc := &model.Schedule{Frequency: model.Frequency(*freq)}
	if dow != nil {
		sc.DayOfWeek = *dow
	}
	if dom != nil {
		sc.DayOfMonth = *dom
	}
	if hour != nil {
		sc.HourOfDay = *hour
	}
	return sc
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func notificationTime(n model.Notification) time.Time {
	if n.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return n.CreatedAt
}
