package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteArchive is an Archive backed by a single SQLite table. The turn
// ID is the primary key, so rewrites are ignored.
type SQLiteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive opens (or creates) the archive database.
func NewSQLiteArchive(dbPath string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &SQLiteArchive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return a, nil
}

func (a *SQLiteArchive) migrate() error {
	_, err := a.db.Exec(`
	CREATE TABLE IF NOT EXISTS archive_turns (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		day TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archive_turns_user_day ON archive_turns(user_id, day, seq);
	`)
	return err
}

// Write inserts turns in order, skipping IDs already stored.
func (a *SQLiteArchive) Write(ctx context.Context, userID string, date Date, turns []Turn) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM archive_turns WHERE user_id = ? AND day = ?`,
		userID, date.String(),
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	for _, t := range turns {
		seq++
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO archive_turns (id, user_id, day, seq, role, text, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, userID, date.String(), seq, string(t.Role), t.Text,
			t.Time.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert turn %s: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

// Read returns the day's turns in insertion order, or nil when none.
func (a *SQLiteArchive) Read(ctx context.Context, userID string, date Date) ([]Turn, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, role, text, timestamp FROM archive_turns
		WHERE user_id = ? AND day = ?
		ORDER BY seq`,
		userID, date.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role, ts string
		if err := rows.Scan(&t.ID, &role, &t.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = Role(role)
		if t.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp for %s: %w", t.ID, err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Close closes the database.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}
