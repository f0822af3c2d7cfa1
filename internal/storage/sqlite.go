package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"chanpost/internal/post"
	"chanpost/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	opt options
}

const postColumns = `id, operator_id, destination_id, destination_label, link_url,
	instructions_url, instructions_text, attachment_kind, attachment_data, attachment_ref,
	status, scheduled_for, created_at, posted_at, failed_at, last_error`

func openSQLite(cfg Config, log logx.Logger, o options) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, opt: o}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

// migrate applies embedded migrations in filename order, once each.
func (s *sqliteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, err := migrationVersion(e.Name())
		if err != nil {
			return err
		}

		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version WHERE version = ?`, version).Scan(&n); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if n > 0 {
			continue
		}

		body, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", e.Name(), err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version, applied_at) VALUES(?, ?)`,
			version, s.opt.clock().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
		s.log.Info("migration applied", logx.Int("version", version), logx.String("file", e.Name()))
	}
	return nil
}

// migrationVersion extracts 1 from "0001_init.sql".
func migrationVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migration %q: missing version prefix", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("migration %q: %w", name, err)
	}
	return v, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreatePost(ctx context.Context, r post.Record) (string, error) {
	r, err := prepareCreate(r, s.opt.clock())
	if err != nil {
		return "", err
	}
	r.ID = s.opt.newID()

	var kind, ref any
	var data []byte
	if a := r.Content.Attachment; a != nil {
		kind = string(a.Kind)
		ref = nullStr(a.Ref)
		data = a.Data
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO posts(`+postColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.OperatorID, r.DestinationID, r.DestinationLabel, r.Content.LinkURL,
		nullStr(r.Content.InstructionsURL), nullStr(r.Content.InstructionsText), kind, data, ref,
		string(r.Status), nullTime(r.ScheduledFor), r.CreatedAt.UnixMilli(),
		nullTime(r.PostedAt), nullTime(r.FailedAt), nullStr(r.LastError),
	)
	if err != nil {
		return "", fmt.Errorf("insert post: %w", err)
	}
	return r.ID, nil
}

func (s *sqliteStore) GetPost(ctx context.Context, id string) (post.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	r, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return post.Record{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ListPosts(ctx context.Context, q PostQuery) ([]post.Record, error) {
	col := "scheduled_for"
	switch q.Status {
	case post.StatusPosted:
		col = "posted_at"
	case post.StatusFailed:
		col = "failed_at"
	}
	dir := "ASC"
	if q.Order == Descending {
		dir = "DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE operator_id = ? AND status = ?
		 ORDER BY `+col+` `+dir+`, id ASC LIMIT ?`,
		q.OperatorID, string(q.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return collectPosts(rows)
}

func (s *sqliteStore) ListDue(ctx context.Context, asOf time.Time, limit int) ([]post.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE status = 'scheduled' AND scheduled_for <= ?
		 ORDER BY scheduled_for ASC, id ASC LIMIT ?`,
		asOf.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	return collectPosts(rows)
}

func (s *sqliteStore) ClaimPost(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = 'delivering', claimed_at = ?
		 WHERE id = ? AND status = 'scheduled' AND scheduled_for <= ?`,
		at.UnixMilli(), id, at.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim post: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, status post.Status, at time.Time, errMsg string) error {
	var res sql.Result
	var err error
	switch status {
	case post.StatusPosted:
		res, err = s.db.ExecContext(ctx,
			`UPDATE posts SET status = 'posted', posted_at = ?, failed_at = NULL, last_error = NULL, claimed_at = NULL
			 WHERE id = ? AND status IN ('scheduled', 'delivering')`,
			at.UnixMilli(), id)
	case post.StatusFailed:
		if errMsg == "" {
			errMsg = "unknown error"
		}
		res, err = s.db.ExecContext(ctx,
			`UPDATE posts SET status = 'failed', failed_at = ?, last_error = ?, posted_at = NULL, claimed_at = NULL
			 WHERE id = ? AND status IN ('scheduled', 'delivering')`,
			at.UnixMilli(), errMsg, id)
	default:
		return ErrNotPending
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrNotPending
}

func (s *sqliteStore) DeletePost(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteScheduled(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ? AND status = 'scheduled'`, id)
	if err != nil {
		return false, fmt.Errorf("delete scheduled post: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("delete scheduled post: %w", err)
	}
	return false, nil
}

func (s *sqliteStore) RecoverStale(ctx context.Context, claimedBefore time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = 'failed', failed_at = ?, last_error = ?, claimed_at = NULL
		 WHERE status = 'delivering' AND claimed_at < ?`,
		s.opt.clock().UnixMilli(), reason, claimedBefore.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) AddDestination(ctx context.Context, d post.Destination) (post.Destination, error) {
	if err := checkDestination(d); err != nil {
		return post.Destination{}, err
	}
	d.ID = s.opt.newID()
	d.AddedAt = s.opt.clock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO destinations(id, operator_id, destination_id, label, username, added_at) VALUES(?,?,?,?,?,?)`,
		d.ID, d.OperatorID, d.DestinationID, d.Label, d.Username, d.AddedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return post.Destination{}, &post.DuplicateError{OperatorID: d.OperatorID, DestinationID: d.DestinationID}
		}
		return post.Destination{}, fmt.Errorf("insert destination: %w", err)
	}
	return d, nil
}

func (s *sqliteStore) GetDestination(ctx context.Context, entryID string) (post.Destination, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, operator_id, destination_id, label, username, added_at FROM destinations WHERE id = ?`, entryID)
	d, err := scanDestination(row)
	if errors.Is(err, sql.ErrNoRows) {
		return post.Destination{}, ErrNotFound
	}
	return d, err
}

func (s *sqliteStore) ListDestinations(ctx context.Context, operatorID int64) ([]post.Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operator_id, destination_id, label, username, added_at FROM destinations
		 WHERE operator_id = ? ORDER BY added_at ASC, id ASC`, operatorID)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer rows.Close()

	out := make([]post.Destination, 0)
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RemoveDestination(ctx context.Context, entryID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM destinations WHERE id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("delete destination: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.opt.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, operator_id, action, target, ok, fail, err) VALUES(?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.OperatorID, e.Action, nullStr(e.Target), e.OK, e.Fail, nullStr(e.Error))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (post.Record, error) {
	var (
		r                              post.Record
		status                         string
		instrURL, instrText, kind, ref sql.NullString
		lastErr                        sql.NullString
		data                           []byte
		scheduled, posted, failed      sql.NullInt64
		created                        int64
	)
	err := row.Scan(&r.ID, &r.OperatorID, &r.DestinationID, &r.DestinationLabel, &r.Content.LinkURL,
		&instrURL, &instrText, &kind, &data, &ref,
		&status, &scheduled, &created, &posted, &failed, &lastErr)
	if err != nil {
		return post.Record{}, err
	}
	r.Content.InstructionsURL = instrURL.String
	r.Content.InstructionsText = instrText.String
	if kind.Valid && kind.String != "" {
		r.Content.Attachment = &post.Attachment{Kind: post.AttachmentKind(kind.String), Data: data, Ref: ref.String}
	}
	r.Status = post.Status(status)
	r.CreatedAt = time.UnixMilli(created)
	r.ScheduledFor = fromNullTime(scheduled)
	r.PostedAt = fromNullTime(posted)
	r.FailedAt = fromNullTime(failed)
	r.LastError = lastErr.String
	return r, nil
}

func collectPosts(rows *sql.Rows) ([]post.Record, error) {
	defer rows.Close()
	out := make([]post.Record, 0)
	for rows.Next() {
		r, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanDestination(row rowScanner) (post.Destination, error) {
	var d post.Destination
	var added int64
	if err := row.Scan(&d.ID, &d.OperatorID, &d.DestinationID, &d.Label, &d.Username, &added); err != nil {
		return post.Destination{}, err
	}
	d.AddedAt = time.UnixMilli(added)
	return d, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
