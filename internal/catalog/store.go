package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jabeka/CollectionRecorder/internal/postprocess"
	"github.com/jabeka/CollectionRecorder/internal/segment"
)

// Status is the lifecycle state of a catalogued segment
type Status string

const (
	StatusRecording     Status = "recording"
	StatusDiscarded     Status = "discarded"
	StatusFinished      Status = "finished"
	StatusFailed        Status = "failed"
	StatusProcessed     Status = "processed"
	StatusDeleted       Status = "deleted"
	StatusProcessFailed Status = "process_failed"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Segment is one catalogued recording
type Segment struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Path      string       `json:"path"`
	Sequence  int          `json:"sequence"`
	Codec     string       `json:"codec"`
	Rate      int          `json:"sample_rate"`
	BitDepth  int          `json:"bit_depth"`
	Channels  int          `json:"channels"`
	Frames    int64        `json:"frames"`
	Dropped   int64        `json:"dropped_frames"`
	Status    Status       `json:"status"`
	Error     string       `json:"error,omitempty"`
	OpenedAt  time.Time    `json:"opened_at"`
	ClosedAt  time.Time    `json:"closed_at,omitzero"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Duration returns the recorded length
func (s Segment) Duration() time.Duration {
	if s.Rate <= 0 {
		return 0
	}
	return time.Duration(s.Frames) * time.Second / time.Duration(s.Rate)
}

// ListOptions filters List
type ListOptions struct {
	Status Status
	Limit  int
}

// Store manages the segment catalog backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the catalog database at path
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// SegmentOpened records a newly opened segment
func (s *Store) SegmentOpened(ctx context.Context, sessionID string, info segment.Info) error {
	now := formatTime(time.Now())
	return s.execWithoutResultRetry(ctx,
		`INSERT INTO segments (
            id, session_id, path, sequence, codec, sample_rate, bit_depth, channels,
            status, opened_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID,
		sessionID,
		info.Path,
		info.Sequence,
		info.Format.Codec,
		info.Format.SampleRate,
		info.Format.BitDepth,
		info.Format.Channels,
		StatusRecording,
		formatTime(info.Opened),
		now,
	)
}

// SegmentClosed records how a segment ended
func (s *Store) SegmentClosed(ctx context.Context, info segment.Info, status Status, segErr error) error {
	closed := info.Closed
	if closed.IsZero() {
		closed = time.Now()
	}

	res, err := s.execWithRetry(ctx,
		`UPDATE segments
         SET frames = ?, dropped_frames = ?, status = ?, error_message = ?, closed_at = ?, updated_at = ?
         WHERE id = ?`,
		info.Frames,
		info.Dropped,
		status,
		nullableError(segErr),
		formatTime(closed),
		formatTime(time.Now()),
		info.ID,
	)
	if err != nil {
		return fmt.Errorf("update segment: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("segment %s not found", info.ID)
	}
	return nil
}

// JobCompleted records a post-processing report and moves its segment to
// processed, deleted or process_failed.
func (s *Store) JobCompleted(ctx context.Context, report postprocess.Report) error {
	ctx = ensureContext(ctx)
	stages, err := json.Marshal(report.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	status := StatusProcessed
	switch report.Outcome() {
	case "deleted":
		status = StatusDeleted
	case "failed":
		status = StatusProcessFailed
	}
	now := formatTime(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin job tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if report.SegmentID != "" {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM segments WHERE id = ?`, report.SegmentID).Scan(&exists); err != nil {
			return fmt.Errorf("find segment: %w", err)
		}
		if exists == 0 {
			report.SegmentID = ""
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, segment_id, path, outcome, stages_json, frames, duration_ms, completed_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		report.JobID,
		nullableString(report.SegmentID),
		report.Path,
		report.Outcome(),
		string(stages),
		report.Frames,
		report.Duration.Milliseconds(),
		now,
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if report.SegmentID != "" {
		query := `UPDATE segments SET status = ?, updated_at = ? WHERE id = ?`
		args := []any{status, now, report.SegmentID}
		if report.Frames > 0 && !report.Deleted {
			query = `UPDATE segments SET status = ?, frames = ?, updated_at = ? WHERE id = ?`
			args = []any{status, report.Frames, now, report.SegmentID}
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update segment status: %w", err)
		}
	}

	return tx.Commit()
}

const segmentColumns = `id, session_id, path, sequence, codec, sample_rate, bit_depth, channels,
    frames, dropped_frames, status, error_message, opened_at, closed_at, updated_at`

// Get fetches a segment by id. It returns nil when none exists.
func (s *Store) Get(ctx context.Context, id string) (*Segment, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+segmentColumns+` FROM segments WHERE id = ?`, id)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	return seg, nil
}

// List returns segments, newest first
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Segment, error) {
	query := `SELECT ` + segmentColumns + ` FROM segments`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, opts.Status)
	}
	query += ` ORDER BY opened_at DESC, sequence DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var segments []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Counts returns the number of segments per status
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM segments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count segments: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Jobs returns the post-processing reports stored for a segment
func (s *Store) Jobs(ctx context.Context, segmentID string) ([]postprocess.Report, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id, path, outcome, stages_json, frames, duration_ms FROM jobs
         WHERE segment_id = ? ORDER BY completed_at`,
		segmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var reports []postprocess.Report
	for rows.Next() {
		var (
			r          postprocess.Report
			outcome    string
			stagesJSON string
			durationMS int64
		)
		if err := rows.Scan(&r.JobID, &r.Path, &outcome, &stagesJSON, &r.Frames, &durationMS); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal([]byte(stagesJSON), &r.Stages); err != nil {
			return nil, fmt.Errorf("decode stages of job %s: %w", r.JobID, err)
		}
		r.SegmentID = segmentID
		r.Deleted = outcome == "deleted"
		r.Failed = outcome == "failed"
		r.Duration = time.Duration(durationMS) * time.Millisecond
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// MarkInterrupted moves segments left in recording by a previous run to failed
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE segments SET status = ?, error_message = ?, updated_at = ? WHERE status = ?`,
		StatusFailed,
		"recorder exited while recording",
		formatTime(time.Now()),
		StatusRecording,
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted segments: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSegment(row scanner) (*Segment, error) {
	var (
		seg       Segment
		errMsg    sql.NullString
		openedAt  string
		closedAt  sql.NullString
		updatedAt string
	)
	if err := row.Scan(
		&seg.ID, &seg.SessionID, &seg.Path, &seg.Sequence, &seg.Codec,
		&seg.Rate, &seg.BitDepth, &seg.Channels, &seg.Frames, &seg.Dropped,
		&seg.Status, &errMsg, &openedAt, &closedAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	seg.Error = errMsg.String
	seg.OpenedAt = parseTime(openedAt)
	seg.UpdatedAt = parseTime(updatedAt)
	if closedAt.Valid {
		seg.ClosedAt = parseTime(closedAt.String)
	}
	return &seg, nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) execWithoutResultRetry(ctx context.Context, query string, args ...any) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// timeLayout is fixed width so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableError(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}
