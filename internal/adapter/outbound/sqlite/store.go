// Package sqlite persists the current session for boot-time rehydration,
// backed by a per-user SQLite database (pure-Go driver).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sessionwarden/sessionwarden/internal/domain/session"
	"github.com/sessionwarden/sessionwarden/internal/port/outbound"
)

const schema = `
CREATE TABLE IF NOT EXISTS current_session (
	slot        INTEGER PRIMARY KEY CHECK (slot = 1),
	profile     TEXT    NOT NULL,
	permissions TEXT    NOT NULL,
	expires_at  INTEGER NOT NULL, -- epoch milliseconds
	token       TEXT    NOT NULL DEFAULT '',
	saved_at    INTEGER NOT NULL
);`

// migrations are applied unconditionally; each must be a no-op (or fail
// harmlessly) on a database that already has it.
var migrations = []string{
	// Databases created before the token column carried no credential.
	`ALTER TABLE current_session ADD COLUMN token TEXT NOT NULL DEFAULT ''`,
}

// Store is the SQLite-backed outbound.SessionStore. A single row (slot=1)
// holds the current session; Save overwrites it, Clear deletes it.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the session database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// The store is single-writer; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init session schema: %w", err)
	}
	for _, m := range migrations {
		// "duplicate column name" on an already-migrated database.
		_, _ = db.Exec(m)
	}
	return &Store{db: db}, nil
}

// Load returns the persisted session, or session.ErrNoSession.
func (s *Store) Load(ctx context.Context) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT profile, permissions, expires_at, token FROM current_session WHERE slot = 1`)

	var profileJSON, permsJSON, token string
	var expiresMs int64
	if err := row.Scan(&profileJSON, &permsJSON, &expiresMs, &token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNoSession
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal([]byte(profileJSON), &sess.Profile); err != nil {
		return nil, fmt.Errorf("decode persisted profile: %w", err)
	}
	if err := json.Unmarshal([]byte(permsJSON), &sess.Permissions); err != nil {
		return nil, fmt.Errorf("decode persisted permissions: %w", err)
	}
	sess.ExpiresAt = time.UnixMilli(expiresMs).UTC()
	sess.Token = token
	// Rehydrated sessions are unconfirmed until the silent boot refresh.
	sess.Loaded = false
	return &sess, nil
}

// Save upserts the current session.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	profileJSON, err := json.Marshal(sess.Profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	perms := sess.Permissions
	if perms == nil {
		perms = []string{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO current_session (slot, profile, permissions, expires_at, token, saved_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			profile = excluded.profile,
			permissions = excluded.permissions,
			expires_at = excluded.expires_at,
			token = excluded.token,
			saved_at = excluded.saved_at`,
		string(profileJSON), string(permsJSON), sess.ExpiresAt.UnixMilli(), sess.Token, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Clear removes the persisted session.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM current_session WHERE slot = 1`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ outbound.SessionStore = (*Store)(nil)
