// Package archive persists final transcript entries to PostgreSQL so that
// conversations survive process restarts and session replacements.
//
// The archive is append-only. Partial transcript entries are never stored;
// callers are expected to filter on [s2s.TranscriptEntry.Final] before
// appending. Reads return entries in chronological order within a session.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/voicegate/pkg/provider/s2s"
)

// Schema is the SQL DDL for the transcript_entries table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL,
    role        TEXT NOT NULL,
    text        TEXT NOT NULL,
    spoken_at   TIMESTAMPTZ NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transcript_entries_session ON transcript_entries(session_id, spoken_at);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Entry is a persisted transcript line.
type Entry struct {
	ID        int64
	SessionID string
	Role      s2s.Role
	Text      string
	SpokenAt  time.Time
	CreatedAt time.Time
}

// Store is a PostgreSQL-backed transcript archive.
type Store struct {
	db DB
}

// New creates a [Store] using the given database connection or pool. The
// caller is responsible for calling [Store.Migrate] to ensure the schema
// exists before issuing queries.
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// transcript_entries table and index if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Append persists one final transcript entry for the given session. Entries
// with empty text are skipped without error; entries that are not final are
// rejected.
func (s *Store) Append(ctx context.Context, sessionID string, entry s2s.TranscriptEntry) error {
	if !entry.Final {
		return errors.New("archive: refusing to store a partial transcript entry")
	}
	if entry.Text == "" {
		return nil
	}
	spokenAt := entry.Timestamp
	if spokenAt.IsZero() {
		spokenAt = time.Now()
	}

	const query = `
		INSERT INTO transcript_entries (session_id, role, text, spoken_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.Exec(ctx, query, sessionID, string(entry.Role), entry.Text, spokenAt)
	if err != nil {
		return fmt.Errorf("archive: append: %w", err)
	}
	return nil
}

// History returns all entries for a session in chronological order. A limit
// of 0 returns everything; a positive limit returns the most recent entries,
// still ordered oldest first.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit <= 0 {
		const query = `
			SELECT id, session_id, role, text, spoken_at, created_at
			FROM transcript_entries
			WHERE session_id = $1
			ORDER BY spoken_at, id`
		rows, err = s.db.Query(ctx, query, sessionID)
	} else {
		const query = `
			SELECT id, session_id, role, text, spoken_at, created_at
			FROM (
				SELECT id, session_id, role, text, spoken_at, created_at
				FROM transcript_entries
				WHERE session_id = $1
				ORDER BY spoken_at DESC, id DESC
				LIMIT $2
			) recent
			ORDER BY spoken_at, id`
		rows, err = s.db.Query(ctx, query, sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var role string
		if err := rows.Scan(&e.ID, &e.SessionID, &role, &e.Text, &e.SpokenAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("archive: history scan: %w", err)
		}
		e.Role = s2s.Role(role)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: history: %w", err)
	}
	return entries, nil
}

// Purge removes all entries for a session. Purging an unknown session is not
// an error.
func (s *Store) Purge(ctx context.Context, sessionID string) error {
	const query = `DELETE FROM transcript_entries WHERE session_id = $1`
	_, err := s.db.Exec(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("archive: purge %q: %w", sessionID, err)
	}
	return nil
}
