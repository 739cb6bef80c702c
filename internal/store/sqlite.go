package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "github.com/mykytatishkin/content-fabric-sub000/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store, creating the file and schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Tasks ----

const taskCols = `id, account_id, file_path, cover_path, title, description, tags, extra,
 scheduled_at, status, retry_count, max_retries, error_message, upload_id, created_at, updated_at`

func (s *sqliteStore) CreateTask(ctx context.Context, t Task) (Task, error) {
	if strings.TrimSpace(t.ID) == "" {
		t.ID = "task_" + uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = 3
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = time.Now()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	var extra any
	if len(t.Extra) > 0 {
		extra = string(t.Extra)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.AccountID, t.FilePath, t.CoverPath, t.Title, t.Description, t.Tags, extra,
		fmtTime(t.ScheduledAt), string(t.Status), t.RetryCount, t.MaxRetries,
		t.ErrorMessage, t.UploadID, fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	return t, err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, st Status, limit int) ([]Task, error) {
	q := `SELECT ` + taskCols + ` FROM tasks`
	var args []any
	if st != "" {
		q += ` WHERE status = ?`
		args = append(args, string(st))
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FetchDueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskCols+` FROM tasks
WHERE status = ? AND scheduled_at <= ?
ORDER BY scheduled_at ASC`,
		string(StatusPending), fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetStatus(ctx context.Context, id string, st Status, upd StatusUpdate) error {
	q := `UPDATE tasks SET status = ?, updated_at = ?`
	args := []any{string(st), fmtTime(time.Now().UTC())}
	if upd.ErrorMessage != "" {
		q += `, error_message = ?`
		args = append(args, upd.ErrorMessage)
	}
	if upd.UploadID != "" {
		q += `, upload_id = ?`
		args = append(args, upd.UploadID)
	}
	q += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRetry consumes one unit of retry budget and makes the task
// eligible again on the next poll.
func (s *sqliteStore) IncrementRetry(ctx context.Context, id string, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, retry_count = retry_count + 1, error_message = ?, updated_at = ?
WHERE id = ?`,
		string(StatusPending), errMsg, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RequeueStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, updated_at = ?
WHERE status = ? AND updated_at < ?`,
		string(StatusPending), fmtTime(time.Now().UTC()),
		string(StatusProcessing), fmtTime(olderThan))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- Accounts ----

const accountCols = `id, name, enabled, access_token, refresh_token, expires_at, created_at, updated_at`

func (s *sqliteStore) GetAccount(ctx context.Context, id int64) (Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

func (s *sqliteStore) ListAccounts(ctx context.Context, enabledOnly bool) ([]Account, error) {
	q := `SELECT ` + accountCols + ` FROM accounts`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertAccount(ctx context.Context, a Account) (Account, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO accounts (name, enabled, access_token, refresh_token, expires_at, created_at, updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET
  enabled = excluded.enabled,
  access_token = excluded.access_token,
  refresh_token = excluded.refresh_token,
  expires_at = excluded.expires_at,
  updated_at = excluded.updated_at`,
		a.Name, boolInt(a.Enabled), a.Credential.AccessToken, a.Credential.RefreshToken,
		nullTime(a.Credential.ExpiresAt), fmtTime(now), fmtTime(now))
	if err != nil {
		return Account{}, err
	}
	if a.ID == 0 {
		if id, err := res.LastInsertId(); err == nil && id > 0 {
			a.ID = id
		}
	}
	// The upsert path may not report an id; resolve by name.
	if a.ID == 0 {
		row := s.db.QueryRowContext(ctx, `SELECT id FROM accounts WHERE name = ?`, a.Name)
		if err := row.Scan(&a.ID); err != nil {
			return Account{}, err
		}
	}
	a.UpdatedAt = now
	return a, nil
}

func (s *sqliteStore) SetCredential(ctx context.Context, accountID int64, cred Credential) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
WHERE id = ?`,
		cred.AccessToken, cred.RefreshToken, nullTime(cred.ExpiresAt),
		fmtTime(time.Now().UTC()), accountID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Repair audit ----

func (s *sqliteStore) AppendRepairAudit(ctx context.Context, e RepairAudit) error {
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO repair_audit (account_id, started_at, completed_at, outcome, err)
VALUES (?,?,?,?,?)`,
		e.AccountID, fmtTime(e.StartedAt), fmtTime(e.CompletedAt), e.Outcome, e.Error)
	return err
}

func (s *sqliteStore) RecentRepairAudits(ctx context.Context, since time.Time) ([]RepairAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, started_at, completed_at, outcome, err
FROM repair_audit WHERE started_at >= ? ORDER BY started_at DESC`,
		fmtTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RepairAudit
	for rows.Next() {
		var e RepairAudit
		var started, completed string
		if err := rows.Scan(&e.ID, &e.AccountID, &started, &completed, &e.Outcome, &e.Error); err != nil {
			return nil, err
		}
		e.StartedAt = parseTime(started)
		e.CompletedAt = parseTime(completed)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Stats(ctx context.Context, since time.Time) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusProcessing:
			st.Processing = n
		case StatusCompleted:
			st.Completed = n
		case StatusFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END), 0)
FROM repair_audit WHERE started_at >= ?`, fmtTime(since))
	if err := row.Scan(&st.RepairsSince, &st.RepairFailures); err != nil {
		return st, err
	}
	return st, nil
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var t Task
	var extra sql.NullString
	var scheduled, created, updated string
	var status string
	err := r.Scan(&t.ID, &t.AccountID, &t.FilePath, &t.CoverPath, &t.Title, &t.Description,
		&t.Tags, &extra, &scheduled, &status, &t.RetryCount, &t.MaxRetries,
		&t.ErrorMessage, &t.UploadID, &created, &updated)
	if err != nil {
		return Task{}, err
	}
	if extra.Valid && extra.String != "" {
		t.Extra = []byte(extra.String)
	}
	t.ScheduledAt = parseTime(scheduled)
	t.Status = Status(status)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

func scanAccount(r rowScanner) (Account, error) {
	var a Account
	var enabled int
	var expires sql.NullString
	var created, updated string
	err := r.Scan(&a.ID, &a.Name, &enabled, &a.Credential.AccessToken,
		&a.Credential.RefreshToken, &expires, &created, &updated)
	if err != nil {
		return Account{}, err
	}
	a.Enabled = enabled != 0
	if expires.Valid {
		a.Credential.ExpiresAt = parseTime(expires.String)
	}
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return a, nil
}

// timeLayout matches the schema defaults (strftime %Y-%m-%dT%H:%M:%fZ):
// fixed-width milliseconds, always UTC. Timestamps are compared as strings in
// SQL, and RFC3339Nano's trimmed fractions do not order lexicographically
// ("...05Z" sorts after "...05.5Z").
const timeLayout = "2006-01-02T15:04:05.000Z"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
