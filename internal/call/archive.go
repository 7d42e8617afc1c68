package call

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// OpenArchiveDB opens (creating if needed) the archive database at
// path with WAL journaling and a busy timeout suited to a single
// long-running process.
func OpenArchiveDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	return db, nil
}

// Archive persists settled call records. It owns its table on a shared
// [sql.DB] connection and is nil-safe: recording to a nil *Archive is a
// no-op, so callers need no guard when the archive is unconfigured.
type Archive struct {
	db *sql.DB
}

// NewArchive creates an archive on the given database connection,
// creating the tool_calls table if it does not already exist.
func NewArchive(db *sql.DB) (*Archive, error) {
	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		return nil, fmt.Errorf("archive migrate: %w", err)
	}
	return a, nil
}

func (a *Archive) migrate() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS tool_calls (
			id           TEXT PRIMARY KEY,
			tool         TEXT NOT NULL,
			args         TEXT,
			status       TEXT NOT NULL,
			result       TEXT,
			error        TEXT,
			created_at   TEXT NOT NULL,
			started_at   TEXT,
			completed_at TEXT,
			duration_ms  INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_tool_calls_tool
			ON tool_calls(tool, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_created
			ON tool_calls(created_at DESC);
	`)
	return err
}

// Record persists one settled call. Safe on a nil receiver (no-op).
func (a *Archive) Record(rec Record) error {
	if a == nil {
		return nil
	}

	args := ""
	if rec.Args != nil {
		b, err := json.Marshal(rec.Args)
		if err != nil {
			return fmt.Errorf("marshal args: %w", err)
		}
		args = string(b)
	}

	_, err := a.db.Exec(`
		INSERT OR REPLACE INTO tool_calls
			(id, tool, args, status, result, error, created_at, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Tool, args, string(rec.Status), rec.Result, rec.Error,
		rec.CreatedAt.Format(time.RFC3339Nano),
		formatTime(rec.StartedAt), formatTime(rec.CompletedAt),
		rec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("record call %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first, optionally filtered
// by tool name. Safe on a nil receiver (returns nil).
func (a *Archive) Recent(tool string, limit int) ([]Record, error) {
	if a == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, tool, args, status, result, error, created_at, started_at, completed_at, duration_ms
		FROM tool_calls`
	var queryArgs []any
	if tool != "" {
		query += ` WHERE tool = ?`
		queryArgs = append(queryArgs, tool)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	queryArgs = append(queryArgs, limit)

	rows, err := a.db.Query(query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var args, status, created, started, completed sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Tool, &args, &status, &rec.Result, &rec.Error,
			&created, &started, &completed, &rec.DurationMs); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		rec.Status = Status(status.String)
		if args.String != "" {
			_ = json.Unmarshal([]byte(args.String), &rec.Args)
		}
		rec.CreatedAt = parseTime(created.String)
		rec.StartedAt = parseTime(started.String)
		rec.CompletedAt = parseTime(completed.String)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
