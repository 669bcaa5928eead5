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
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the durable Post Store backed by SQLite. All status mutations
// go through guarded conditional updates, so concurrent tasks (worker,
// retry, cleanup, user cancel) can never skip a state-machine edge.
type Store struct {
	db  *sql.DB
	cfg Config
	log zerolog.Logger

	now func() time.Time
}

func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: sqlite path is required")
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

	s := &Store{db: db, cfg: cfg, log: log, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create validates the schedule window and the per-owner pending cap,
// then inserts a PENDING record. Validation failures never touch the db.
func (s *Store) Create(ctx context.Context, p CreateParams) (*ScheduledPost, error) {
	now := s.now().UTC()
	at := p.ScheduledAt.UTC()

	if !at.After(now) {
		return nil, ErrSchedulePassed
	}
	if at.Before(now.Add(s.cfg.MinLead)) {
		return nil, ErrScheduleTooSoon
	}
	if s.cfg.MaxHorizon > 0 && at.After(now.Add(s.cfg.MaxHorizon)) {
		return nil, ErrScheduleTooFar
	}

	if s.cfg.PendingPerOwner > 0 {
		var pending int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM scheduled_posts WHERE owner_id = ? AND status = ?`,
			p.OwnerID, StatusPending).Scan(&pending)
		if err != nil {
			return nil, err
		}
		if pending >= s.cfg.PendingPerOwner {
			return nil, ErrPendingCapReached
		}
	}

	post := &ScheduledPost{
		ID:          uuid.NewString(),
		OwnerID:     p.OwnerID,
		MediaRef:    p.MediaRef,
		MediaKind:   p.MediaKind,
		Audience:    p.Audience,
		ScheduledAt: at,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_posts
		   (id, owner_id, media_ref, media_kind, audience, scheduled_at, status, retry_count, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,0,?,?)`,
		post.ID, post.OwnerID, post.MediaRef, string(post.MediaKind), string(post.Audience),
		at.UnixMilli(), string(StatusPending), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("post", post.ID).
		Int64("owner", post.OwnerID).
		Str("kind", string(post.MediaKind)).
		Time("scheduled_at", at).
		Msg("post created")
	return post, nil
}

func (s *Store) Get(ctx context.Context, id string) (*ScheduledPost, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id)
	return scanPost(row)
}

// DuePending returns PENDING records whose scheduled_at has passed,
// earliest first. The ordering bounds per-record staleness: the oldest
// due post is always attempted first within a tick.
func (s *Store) DuePending(ctx context.Context, now time.Time) ([]ScheduledPost, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCols+` WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at ASC`,
		StatusPending, now.UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// ListPending returns one owner's pending posts, earliest first.
func (s *Store) ListPending(ctx context.Context, ownerID int64) ([]ScheduledPost, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCols+` WHERE owner_id = ? AND status = ? ORDER BY scheduled_at ASC`,
		ownerID, StatusPending)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// MarkPublished transitions PENDING or ERROR (retry success) to
// PUBLISHED. Re-invoking it for an already-published record is a no-op
// success, so an at-least-once worker can safely deliver the same
// outcome twice.
func (s *Store) MarkPublished(ctx context.Context, id string, publishedAt time.Time, externalID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts
		    SET status = ?, published_at = ?, external_post_id = ?, last_error = NULL, updated_at = ?
		  WHERE id = ? AND status IN (?, ?)`,
		StatusPublished, publishedAt.UTC().UnixMilli(), nullStr(externalID), s.now().UTC().UnixMilli(),
		id, StatusPending, StatusError)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == StatusPublished {
		return nil
	}
	return fmt.Errorf("mark published %s: status %s: %w", id, cur.Status, ErrConflict)
}

// MarkError records a failed publish attempt. The record may currently be
// PENDING (first attempt) or ERROR (renewed failure during retry).
func (s *Store) MarkError(ctx context.Context, id, message string, category FailureCategory, retryCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts
		    SET status = ?, last_error = ?, error_category = ?, retry_count = ?, updated_at = ?
		  WHERE id = ? AND status IN (?, ?)`,
		StatusError, message, string(category), retryCount, s.now().UTC().UnixMilli(),
		id, StatusPending, StatusError)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("mark error %s: status %s: %w", id, cur.Status, ErrConflict)
	}
	return nil
}

// Cancel transitions PENDING -> CANCELLED if the record exists, belongs
// to ownerID and is still PENDING. It reports false otherwise; cancelling
// an already-settled post is a no-op signal, not an error.
func (s *Store) Cancel(ctx context.Context, id string, ownerID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = ?, updated_at = ?
		  WHERE id = ? AND owner_id = ? AND status = ?`,
		StatusCancelled, s.now().UTC().UnixMilli(), id, ownerID, StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.log.Info().Str("post", id).Int64("owner", ownerID).Msg("post cancelled")
	}
	return n > 0, nil
}

// RetryCandidates returns ERROR records that still have retry budget and
// whose backoff window has elapsed since the last attempt. Auth-challenge
// failures are excluded: they wait for RequeueChallenged after a
// second-factor code arrives.
func (s *Store) RetryCandidates(ctx context.Context, now time.Time) ([]ScheduledPost, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCols+` WHERE status = ? AND retry_count < ?
		   AND (error_category IS NULL OR error_category != ?)
		 ORDER BY scheduled_at ASC`,
		StatusError, s.cfg.MaxAttempts, string(FailAuthChallenge))
	if err != nil {
		return nil, err
	}
	posts, err := collect(rows)
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	eligible := posts[:0]
	for _, p := range posts {
		if !now.Before(p.UpdatedAt.Add(s.cfg.BackoffFor(p.RetryCount - 1))) {
			eligible = append(eligible, p)
		}
	}
	return eligible, nil
}

// RequeueChallenged reclassifies non-exhausted auth-challenge failures as
// transient so the retry controller picks them up again. Called after a
// fresh second-factor code restores the publish session; retry_count is
// left untouched.
func (s *Store) RequeueChallenged(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts SET error_category = ?, updated_at = ?
		  WHERE status = ? AND error_category = ? AND retry_count < ?`,
		string(FailTransient), s.now().UTC().UnixMilli(),
		StatusError, string(FailAuthChallenge), s.cfg.MaxAttempts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeTerminalOlderThan deletes terminal records last touched before
// cutoff. ERROR rows are terminal only once their retry budget is spent.
func (s *Store) PurgeTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_posts
		  WHERE updated_at < ?
		    AND (status IN (?, ?) OR (status = ? AND retry_count >= ?))`,
		cutoff.UTC().UnixMilli(),
		StatusPublished, StatusCancelled, StatusError, s.cfg.MaxAttempts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats counts one owner's records per status, for the /status command.
func (s *Store) Stats(ctx context.Context, ownerID int64) (OwnerStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM scheduled_posts WHERE owner_id = ? GROUP BY status`, ownerID)
	if err != nil {
		return OwnerStats{}, err
	}
	defer rows.Close()

	var st OwnerStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return OwnerStats{}, err
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusPublished:
			st.Published = n
		case StatusError:
			st.Errored = n
		case StatusCancelled:
			st.Cancelled = n
		}
	}
	return st, rows.Err()
}

// MaxAttempts exposes the configured retry budget to the retry controller.
func (s *Store) MaxAttempts() int { return s.cfg.MaxAttempts }

const selectCols = `SELECT id, owner_id, media_ref, media_kind, audience, scheduled_at,
       status, retry_count, last_error, error_category, published_at, external_post_id, created_at, updated_at
  FROM scheduled_posts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (*ScheduledPost, error) {
	var p ScheduledPost
	var scheduledAt, createdAt, updatedAt int64
	var publishedAt sql.NullInt64
	var lastError, errorCategory, externalID sql.NullString
	var kind, audience, status string

	err := r.Scan(&p.ID, &p.OwnerID, &p.MediaRef, &kind, &audience, &scheduledAt,
		&status, &p.RetryCount, &lastError, &errorCategory, &publishedAt, &externalID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.MediaKind = MediaKind(kind)
	p.Audience = Audience(audience)
	p.Status = Status(status)
	p.ScheduledAt = time.UnixMilli(scheduledAt).UTC()
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if publishedAt.Valid {
		p.PublishedAt = time.UnixMilli(publishedAt.Int64).UTC()
	}
	p.LastError = lastError.String
	p.ErrorCategory = FailureCategory(errorCategory.String)
	p.ExternalPostID = externalID.String
	return &p, nil
}

func collect(rows *sql.Rows) ([]ScheduledPost, error) {
	defer rows.Close()
	var out []ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
