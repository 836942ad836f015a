package replaycatalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"swarmview/mirror/internal/replay"
)

// timeLayout keeps stored timestamps fixed-width so they sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one catalogued session.
type Entry struct {
	Dir       string    `json:"dir"`
	SessionID string    `json:"session_id"`
	SourceURL string    `json:"source_url,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Agents    int       `json:"agents"`
	Events    int       `json:"events"`
	Frames    int       `json:"frames"`
	Bytes     int64     `json:"bytes"`
}

// Scan reads the header of every session directory under root.
func Scan(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	dirs, err := replay.ListSessions(root)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirs))
	for _, dir := range dirs {
		header, err := replay.ReadHeader(filepath.Join(dir, "header.json"))
		if err != nil {
			return nil, err
		}
		size, err := dirSize(dir)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Dir:       dir,
			SessionID: header.SessionID,
			SourceURL: header.SourceURL,
			StartedAt: header.StartedAt.UTC(),
			EndedAt:   header.EndedAt.UTC(),
			Agents:    len(header.Agents),
			Events:    header.Events,
			Frames:    header.Frames,
			Bytes:     size,
		})
	}
	return entries, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// Catalog keeps a SQLite index of recorded sessions.
type Catalog struct {
	db *sql.DB
}

// Open opens or creates the catalogue database at path.
func Open(path string) (*Catalog, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS sessions (
			dir TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			source_url TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL DEFAULT '',
			agents INTEGER NOT NULL,
			events INTEGER NOT NULL,
			frames INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			indexed_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_started ON sessions(started_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Catalog{db: db}, nil
}

// Close releases the database.
func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Sync indexes every session under root and forgets sessions that no
// longer exist there. It returns the number of indexed sessions.
func (c *Catalog) Sync(ctx context.Context, root string) (int, error) {
	entries, err := Scan(root)
	if err != nil {
		return 0, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return 0, err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		dir, err := filepath.Abs(entry.Dir)
		if err != nil {
			return 0, err
		}
		present[dir] = true
		var ended string
		if !entry.EndedAt.IsZero() {
			ended = entry.EndedAt.Format(timeLayout)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO sessions(dir, session_id, source_url, started_at, ended_at, agents, events, frames, bytes, indexed_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dir) DO UPDATE SET
				session_id=excluded.session_id, source_url=excluded.source_url,
				started_at=excluded.started_at, ended_at=excluded.ended_at,
				agents=excluded.agents, events=excluded.events, frames=excluded.frames,
				bytes=excluded.bytes, indexed_at=excluded.indexed_at`,
			dir, entry.SessionID, entry.SourceURL, entry.StartedAt.Format(timeLayout), ended,
			entry.Agents, entry.Events, entry.Frames, entry.Bytes, now)
		if err != nil {
			return 0, err
		}
	}

	//1.- Forget rows under root whose directory was pruned.
	rows, err := tx.QueryContext(ctx, `SELECT dir FROM sessions`)
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var dir string
		if err := rows.Scan(&dir); err != nil {
			rows.Close()
			return 0, err
		}
		if strings.HasPrefix(dir, absRoot+string(filepath.Separator)) && !present[dir] {
			stale = append(stale, dir)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	for _, dir := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE dir = ?`, dir); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Filter narrows List. Zero values disable a bound.
type Filter struct {
	Since time.Time
	Limit int
}

// List returns catalogued sessions ordered by start time.
func (c *Catalog) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `SELECT dir, session_id, source_url, started_at, ended_at, agents, events, frames, bytes FROM sessions`
	var args []any
	if !filter.Since.IsZero() {
		query += ` WHERE started_at >= ?`
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	query += ` ORDER BY started_at, dir`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry          Entry
			started, ended string
		)
		if err := rows.Scan(&entry.Dir, &entry.SessionID, &entry.SourceURL, &started, &ended,
			&entry.Agents, &entry.Events, &entry.Frames, &entry.Bytes); err != nil {
			return nil, err
		}
		if entry.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("session %s: %w", entry.Dir, err)
		}
		if ended != "" {
			if entry.EndedAt, err = time.Parse(timeLayout, ended); err != nil {
				return nil, fmt.Errorf("session %s: %w", entry.Dir, err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
