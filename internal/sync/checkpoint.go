package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// Checkpoint is the durable per-target progress record for batch runs. It is
// the only mutable state shared between workers. Every write is a single
// guarded UPDATE on one target row, so terminal rows are never rewritten.
//
// Lifecycle per target:
//
//	Begin → Claim → (RecordProgress)* → Complete | Defer
//
// Resume treats in_progress like pending: the applier's operations are
// idempotent, so redoing a target interrupted mid-flight is safe.
type Checkpoint struct {
	db      *sql.DB
	path    string
	logger  *slog.Logger
	nowFunc func() time.Time
}

// RunMeta describes one batch run.
type RunMeta struct {
	ID              string
	TemplateVersion string
	Owner           string
	DryRun          bool
	CreatedAt       time.Time
	FinishedAt      time.Time // zero while unfinished
}

// TargetRecord is one target's checkpoint row.
type TargetRecord struct {
	Target    string
	State     TargetState
	Outcome   Outcome
	Category  string
	ErrKind   ErrorKind
	Reason    string
	Branch    string
	CommitSHA string
	PRNumber  int
	PRURL     string
	Attempts  int
	UpdatedAt time.Time
}

// Result is the terminal outcome Complete persists.
type Result struct {
	State     TargetState
	Outcome   Outcome
	Category  string
	ErrKind   ErrorKind
	Reason    string
	Branch    string
	CommitSHA string
	PRNumber  int
	PRURL     string
}

// Progress is the durable remote state created so far for an in-flight
// target. Empty fields leave the stored value untouched.
type Progress struct {
	Branch    string
	CommitSHA string
	PRNumber  int
	PRURL     string
}

const activeStates = `('` + string(StatePending) + `', '` + string(StateInProgress) + `')`

const (
	sqlSelectRun = `SELECT run_id, template_version, owner, dry_run, created_at, finished_at
		FROM runs WHERE run_id = ?`

	sqlLatestRun = `SELECT run_id, template_version, owner, dry_run, created_at, finished_at
		FROM runs ORDER BY created_at DESC, rowid DESC LIMIT 1`

	sqlListRuns = `SELECT run_id, template_version, owner, dry_run, created_at, finished_at
		FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`

	sqlInsertRun = `INSERT INTO runs (run_id, template_version, owner, dry_run, created_at)
		VALUES (?, ?, ?, ?, ?)`

	sqlInsertTarget = `INSERT OR IGNORE INTO targets (run_id, target, status, updated_at)
		VALUES (?, ?, '` + string(StatePending) + `', ?)`

	sqlClaim = `UPDATE targets SET status = '` + string(StateInProgress) + `',
		attempts = attempts + 1, claimed_at = ?, updated_at = ?
		WHERE run_id = ? AND target = ? AND status IN ` + activeStates

	sqlComplete = `UPDATE targets SET status = ?, outcome = ?, category = ?,
		error_kind = ?, reason = ?,
		branch = COALESCE(?, branch), commit_sha = COALESCE(?, commit_sha),
		pr_number = COALESCE(?, pr_number), pr_url = COALESCE(?, pr_url),
		updated_at = ?
		WHERE run_id = ? AND target = ? AND status IN ` + activeStates

	sqlDefer = `UPDATE targets SET status = '` + string(StatePending) + `',
		outcome = '` + string(OutcomeDeferred) + `', error_kind = ?, reason = ?, updated_at = ?
		WHERE run_id = ? AND target = ? AND status IN ` + activeStates

	sqlProgress = `UPDATE targets SET
		branch = COALESCE(?, branch), commit_sha = COALESCE(?, commit_sha),
		pr_number = COALESCE(?, pr_number), pr_url = COALESCE(?, pr_url),
		updated_at = ?
		WHERE run_id = ? AND target = ? AND status = '` + string(StateInProgress) + `'`

	sqlTargetStatus = `SELECT status FROM targets WHERE run_id = ? AND target = ?`

	sqlTargets = `SELECT target, status, outcome, category, error_kind, reason,
		branch, commit_sha, pr_number, pr_url, attempts, updated_at
		FROM targets WHERE run_id = ? ORDER BY target`

	sqlFinishRun = `UPDATE runs SET finished_at = ? WHERE run_id = ?`
)

// OpenCheckpoint opens (creating if needed) the checkpoint database at path,
// verifies its integrity, and applies migrations. An unreadable or damaged
// database yields ErrCheckpointCorrupt.
func OpenCheckpoint(ctx context.Context, path string, logger *slog.Logger) (*Checkpoint, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sync: creating state directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening checkpoint %s: %w", path, err)
	}

	// Sole writer: one connection serializes every checkpoint update.
	db.SetMaxOpenConns(1)

	if err := quickCheck(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrCheckpointCorrupt, path, err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("checkpoint opened", slog.String("path", path))

	return &Checkpoint{
		db:      db,
		path:    path,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return err
	}

	if result != "ok" {
		return fmt.Errorf("quick_check: %s", result)
	}

	return nil
}

// Path returns the database file path.
func (c *Checkpoint) Path() string {
	return c.path
}

// DB exposes the shared connection for the audit recorder.
func (c *Checkpoint) DB() *sql.DB {
	return c.db
}

// Close closes the database.
func (c *Checkpoint) Close() error {
	return c.db.Close()
}

// Begin creates the run with every target pending, or, when the run already
// exists, adds any targets it does not yet track. resumed reports the
// latter. Resuming with a different template version is refused as
// ErrCheckpointCorrupt: completed targets were judged against other content.
func (c *Checkpoint) Begin(ctx context.Context, meta RunMeta, targets []string) (resumed bool, err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sync: checkpoint begin: %w", err)
	}
	defer tx.Rollback()

	now := c.nowFunc()

	existing, err := scanRun(tx.QueryRowContext(ctx, sqlSelectRun, meta.ID))

	switch {
	case errors.Is(err, ErrRunNotFound):
		if _, err := tx.ExecContext(ctx, sqlInsertRun,
			meta.ID, meta.TemplateVersion, meta.Owner, meta.DryRun, now.UnixNano()); err != nil {
			return false, fmt.Errorf("sync: inserting run %s: %w", meta.ID, err)
		}
	case err != nil:
		return false, err
	default:
		resumed = true

		if existing.TemplateVersion != meta.TemplateVersion {
			return false, fmt.Errorf("%w: run %s was started with template version %q, now %q",
				ErrCheckpointCorrupt, meta.ID, existing.TemplateVersion, meta.TemplateVersion)
		}

		if existing.DryRun != meta.DryRun {
			return false, fmt.Errorf("sync: run %s was started with dry_run=%t", meta.ID, existing.DryRun)
		}
	}

	stmt, err := tx.PrepareContext(ctx, sqlInsertTarget)
	if err != nil {
		return false, fmt.Errorf("sync: checkpoint prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range targets {
		if _, err := stmt.ExecContext(ctx, meta.ID, t, now.UnixNano()); err != nil {
			return false, fmt.Errorf("sync: inserting target %s: %w", t, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sync: checkpoint begin commit: %w", err)
	}

	c.logger.Info("checkpoint ready",
		slog.String("run_id", meta.ID),
		slog.Bool("resumed", resumed),
		slog.Int("targets", len(targets)),
	)

	return resumed, nil
}

// Claim moves target to in_progress. It returns false without error when
// the target is already terminal, and is a no-op re-claim (counting an
// attempt) when the target is already in_progress.
func (c *Checkpoint) Claim(ctx context.Context, runID, target string) (bool, error) {
	now := c.nowFunc().UnixNano()

	res, err := c.db.ExecContext(ctx, sqlClaim, now, now, runID, target)
	if err != nil {
		return false, fmt.Errorf("sync: claim %s: %w", target, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sync: claim %s rows affected: %w", target, err)
	}

	if rows == 1 {
		return true, nil
	}

	state, err := c.state(ctx, runID, target)
	if err != nil {
		return false, err
	}

	if !state.Terminal() {
		return false, fmt.Errorf("sync: claim %s: unexpected state %s", target, state)
	}

	return false, nil
}

// Complete records a terminal result. The row is durable (synchronous=FULL)
// when Complete returns. Completing a target that is already terminal is an
// error: terminal rows are never rewritten.
func (c *Checkpoint) Complete(ctx context.Context, runID, target string, r Result) error {
	if !r.State.Terminal() {
		return fmt.Errorf("sync: complete %s: %s is not a terminal state", target, r.State)
	}

	res, err := c.db.ExecContext(ctx, sqlComplete,
		string(r.State), nullString(string(r.Outcome)), nullString(r.Category),
		nullString(string(r.ErrKind)), nullString(r.Reason),
		nullString(r.Branch), nullString(r.CommitSHA),
		nullInt64(int64(r.PRNumber)), nullString(r.PRURL),
		c.nowFunc().UnixNano(), runID, target,
	)
	if err != nil {
		return fmt.Errorf("sync: complete %s: %w", target, err)
	}

	return c.expectOne(ctx, res, runID, target, "complete")
}

// Defer returns an active target to pending so the next invocation picks
// it up again, recording why it was deferred.
func (c *Checkpoint) Defer(ctx context.Context, runID, target string, kind ErrorKind, reason string) error {
	res, err := c.db.ExecContext(ctx, sqlDefer,
		nullString(string(kind)), nullString(reason), c.nowFunc().UnixNano(), runID, target)
	if err != nil {
		return fmt.Errorf("sync: defer %s: %w", target, err)
	}

	return c.expectOne(ctx, res, runID, target, "defer")
}

// RecordProgress stores the branch, commit, or pull request created so far
// for an in_progress target.
func (c *Checkpoint) RecordProgress(ctx context.Context, runID, target string, p Progress) error {
	res, err := c.db.ExecContext(ctx, sqlProgress,
		nullString(p.Branch), nullString(p.CommitSHA),
		nullInt64(int64(p.PRNumber)), nullString(p.PRURL),
		c.nowFunc().UnixNano(), runID, target,
	)
	if err != nil {
		return fmt.Errorf("sync: record progress %s: %w", target, err)
	}

	return c.expectOne(ctx, res, runID, target, "record progress")
}

func (c *Checkpoint) expectOne(ctx context.Context, res sql.Result, runID, target, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sync: %s %s rows affected: %w", op, target, err)
	}

	if rows == 1 {
		return nil
	}

	state, err := c.state(ctx, runID, target)
	if err != nil {
		return err
	}

	return fmt.Errorf("sync: %s %s: target is %s", op, target, state)
}

func (c *Checkpoint) state(ctx context.Context, runID, target string) (TargetState, error) {
	var raw string

	err := c.db.QueryRowContext(ctx, sqlTargetStatus, runID, target).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync: target %s is not part of run %s", target, runID)
	}

	if err != nil {
		return "", fmt.Errorf("sync: reading state of %s: %w", target, err)
	}

	st, err := ParseTargetState(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrCheckpointCorrupt, target, err)
	}

	return st, nil
}

// Resume returns the run's non-terminal targets, sorted.
func (c *Checkpoint) Resume(ctx context.Context, runID string) ([]string, error) {
	records, err := c.Targets(ctx, runID)
	if err != nil {
		return nil, err
	}

	var out []string

	for i := range records {
		if !records[i].State.Terminal() {
			out = append(out, records[i].Target)
		}
	}

	return out, nil
}

// Targets returns every target row of a run, sorted by target.
func (c *Checkpoint) Targets(ctx context.Context, runID string) ([]TargetRecord, error) {
	if _, err := c.Run(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, sqlTargets, runID)
	if err != nil {
		return nil, fmt.Errorf("sync: listing targets of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []TargetRecord

	for rows.Next() {
		rec, err := scanTargetRow(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating targets of %s: %w", runID, err)
	}

	return out, nil
}

func scanTargetRow(rows *sql.Rows) (TargetRecord, error) {
	var (
		rec       TargetRecord
		status    string
		outcome   sql.NullString
		category  sql.NullString
		errKind   sql.NullString
		reason    sql.NullString
		branch    sql.NullString
		commitSHA sql.NullString
		prNumber  sql.NullInt64
		prURL     sql.NullString
		updatedAt int64
	)

	err := rows.Scan(&rec.Target, &status, &outcome, &category, &errKind, &reason,
		&branch, &commitSHA, &prNumber, &prURL, &rec.Attempts, &updatedAt)
	if err != nil {
		return rec, fmt.Errorf("sync: scanning target row: %w", err)
	}

	rec.State, err = ParseTargetState(status)
	if err != nil {
		return rec, fmt.Errorf("%w: %s: %w", ErrCheckpointCorrupt, rec.Target, err)
	}

	rec.Outcome = Outcome(outcome.String)
	rec.Category = category.String
	rec.ErrKind = ErrorKind(errKind.String)
	rec.Reason = reason.String
	rec.Branch = branch.String
	rec.CommitSHA = commitSHA.String
	rec.PRNumber = int(prNumber.Int64)
	rec.PRURL = prURL.String
	rec.UpdatedAt = time.Unix(0, updatedAt)

	return rec, nil
}

// Run returns the metadata of one run, or ErrRunNotFound.
func (c *Checkpoint) Run(ctx context.Context, runID string) (RunMeta, error) {
	return scanRun(c.db.QueryRowContext(ctx, sqlSelectRun, runID))
}

// LatestRun returns the most recently created run, or ErrRunNotFound.
func (c *Checkpoint) LatestRun(ctx context.Context) (RunMeta, error) {
	return scanRun(c.db.QueryRowContext(ctx, sqlLatestRun))
}

// Runs returns up to limit runs, newest first.
func (c *Checkpoint) Runs(ctx context.Context, limit int) ([]RunMeta, error) {
	rows, err := c.db.QueryContext(ctx, sqlListRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("sync: listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunMeta

	for rows.Next() {
		meta, err := scanRun(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, meta)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating runs: %w", err)
	}

	return out, nil
}

// FinishRun stamps the run's finish time.
func (c *Checkpoint) FinishRun(ctx context.Context, runID string) error {
	if _, err := c.db.ExecContext(ctx, sqlFinishRun, c.nowFunc().UnixNano(), runID); err != nil {
		return fmt.Errorf("sync: finishing run %s: %w", runID, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunMeta, error) {
	var (
		meta     RunMeta
		created  int64
		finished sql.NullInt64
	)

	err := row.Scan(&meta.ID, &meta.TemplateVersion, &meta.Owner, &meta.DryRun, &created, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, ErrRunNotFound
	}

	if err != nil {
		return meta, fmt.Errorf("sync: reading run: %w", err)
	}

	meta.CreatedAt = time.Unix(0, created)
	if finished.Valid {
		meta.FinishedAt = time.Unix(0, finished.Int64)
	}

	return meta, nil
}

// Nullable helpers: empty string / zero int become NULL.

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: n, Valid: true}
}
