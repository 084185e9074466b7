// Package catalog keeps a queryable sqlite record of every clip the recorder
// produced. The file tree stays the source of truth for eviction; the
// catalog answers "what was recorded when" for the API.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/care/orion-recorder/internal/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Clip statuses
const (
	StatusRecording   = "recording"
	StatusFinalized   = "finalized"
	StatusDiscarded   = "discarded"
	StatusInterrupted = "interrupted"
)

// writeTimeout bounds a single catalog write from the event goroutine
const writeTimeout = 5 * time.Second

// Record is one catalogued clip
type Record struct {
	types.Clip
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// DaySummary aggregates the clips of one day directory
type DaySummary struct {
	Day       string    `json:"day"`
	Clips     int       `json:"clips"`
	Bytes     int64     `json:"bytes"`
	Frames    uint64    `json:"frames"`
	FirstClip time.Time `json:"first_clip"`
	LastClip  time.Time `json:"last_clip"`
}

// Catalog is the sqlite clip catalog
type Catalog struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the catalog at path, applies migrations and marks
// clips left in recording state by a previous run as interrupted
func Open(path string, logger *slog.Logger) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping catalog: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	c := &Catalog{conn: conn, logger: logger.With("component", "catalog")}

	if err := c.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if n, err := c.markInterrupted(); err != nil {
		c.logger.Warn("failed to mark interrupted clips", "error", err)
	} else if n > 0 {
		c.logger.Info("marked clips interrupted by restart", "count", n)
	}

	return c, nil
}

// Close closes the database
func (c *Catalog) Close() error {
	return c.conn.Close()
}

func (c *Catalog) migrate() error {
	migrations, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, m := range migrations {
		if m.IsDir() {
			continue
		}
		name := m.Name()
		if c.isMigrationApplied(name) {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := c.conn.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
		if _, err := c.conn.Exec("INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		c.logger.Info("applied migration", "name", name)
	}
	return nil
}

func (c *Catalog) isMigrationApplied(name string) bool {
	var applied int
	err := c.conn.QueryRow("SELECT 1 FROM _migrations WHERE name = ?", name).Scan(&applied)
	return err == nil && applied == 1
}

func (c *Catalog) markInterrupted() (int64, error) {
	res, err := c.conn.ExecContext(context.Background(),
		`UPDATE clips SET status = ?, error = 'interrupted by restart', updated_at = datetime('now') WHERE status = ?`,
		StatusInterrupted, StatusRecording)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Observe records pipeline events. Failures are logged; the catalog never
// stops the recorder.
func (c *Catalog) Observe(event types.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch event.Kind {
	case types.EventClipOpened:
		err = c.Opened(ctx, event.Clip)
	case types.EventClipFinalized:
		err = c.Finalized(ctx, event.Clip)
	case types.EventClipDiscarded:
		err = c.Discarded(ctx, event.Clip, event.Err)
	case types.EventDayEvicted:
		var n int64
		n, err = c.RemoveDay(ctx, event.Eviction.Day)
		if err == nil {
			c.logger.Debug("evicted day removed from catalog", "day", event.Eviction.Day, "clips", n)
		}
	default:
		return
	}
	if err != nil {
		c.logger.Warn("failed to record event", "event", event.Kind.String(), "error", err)
	}
}

// Opened records a clip that started recording
func (c *Catalog) Opened(ctx context.Context, clip types.Clip) error {
	_, err := c.conn.ExecContext(ctx, `
		INSERT INTO clips (id, day, name, path, status, started_at, target_fps)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		clip.ID, clip.Day, clip.Name, clip.Path, StatusRecording,
		clip.StartedAt.UnixMilli(), clip.TargetFPS)
	return err
}

// Finalized upserts a finalized clip with its final name and statistics
func (c *Catalog) Finalized(ctx context.Context, clip types.Clip) error {
	_, err := c.conn.ExecContext(ctx, `
		INSERT INTO clips (id, day, name, path, status, started_at, closed_at, frames, target_fps, achieved_fps, bytes, forced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			status = excluded.status,
			closed_at = excluded.closed_at,
			frames = excluded.frames,
			achieved_fps = excluded.achieved_fps,
			bytes = excluded.bytes,
			forced = excluded.forced,
			updated_at = datetime('now')`,
		clip.ID, clip.Day, clip.Name, clip.Path, StatusFinalized,
		clip.StartedAt.UnixMilli(), clip.ClosedAt.UnixMilli(), clip.Frames,
		clip.TargetFPS, clip.AchievedFPS, clip.Bytes, clip.Forced)
	return err
}

// Discarded marks a clip that was removed instead of finalized
func (c *Catalog) Discarded(ctx context.Context, clip types.Clip, reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	_, err := c.conn.ExecContext(ctx, `
		UPDATE clips SET status = ?, error = ?, closed_at = ?, updated_at = datetime('now')
		WHERE id = ?`,
		StatusDiscarded, msg, clip.ClosedAt.UnixMilli(), clip.ID)
	return err
}

// RemoveDay deletes every clip of an evicted day
func (c *Catalog) RemoveDay(ctx context.Context, day string) (int64, error) {
	res, err := c.conn.ExecContext(ctx, "DELETE FROM clips WHERE day = ?", day)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ErrNotFound is returned by Get for an unknown clip
var ErrNotFound = errors.New("clip not found")

const clipColumns = `id, day, name, path, status, started_at, closed_at, frames, target_fps, achieved_fps, bytes, forced, error`

// Get returns one clip by ID
func (c *Catalog) Get(ctx context.Context, id string) (Record, error) {
	row := c.conn.QueryRowContext(ctx, "SELECT "+clipColumns+" FROM clips WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// Clips returns the finalized clips of a day in recording order. An empty
// day lists every finalized clip.
func (c *Catalog) Clips(ctx context.Context, day string) ([]Record, error) {
	query := "SELECT " + clipColumns + " FROM clips WHERE status = ?"
	args := []any{StatusFinalized}
	if day != "" {
		query += " AND day = ?"
		args = append(args, day)
	}
	query += " ORDER BY started_at"

	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query clips: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Days summarizes finalized clips per day, oldest day first
func (c *Catalog) Days(ctx context.Context) ([]DaySummary, error) {
	rows, err := c.conn.QueryContext(ctx, `
		SELECT day, COUNT(*), COALESCE(SUM(bytes), 0), COALESCE(SUM(frames), 0), MIN(started_at), MAX(started_at)
		FROM clips WHERE status = ?
		GROUP BY day ORDER BY MIN(started_at)`, StatusFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to query days: %w", err)
	}
	defer rows.Close()

	var out []DaySummary
	for rows.Next() {
		var d DaySummary
		var first, last int64
		if err := rows.Scan(&d.Day, &d.Clips, &d.Bytes, &d.Frames, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan day: %w", err)
		}
		d.FirstClip = time.UnixMilli(first)
		d.LastClip = time.UnixMilli(last)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of clips per status
func (c *Catalog) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := c.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM clips GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		rec      Record
		started  int64
		closed   sql.NullInt64
		forced   int
		errorMsg sql.NullString
	)
	err := s.Scan(&rec.ID, &rec.Day, &rec.Name, &rec.Path, &rec.Status,
		&started, &closed, &rec.Frames, &rec.TargetFPS, &rec.AchievedFPS,
		&rec.Bytes, &forced, &errorMsg)
	if err != nil {
		return Record{}, err
	}
	rec.StartedAt = time.UnixMilli(started)
	if closed.Valid {
		rec.ClosedAt = time.UnixMilli(closed.Int64)
	}
	rec.Forced = forced != 0
	rec.Error = errorMsg.String
	return rec, nil
}
