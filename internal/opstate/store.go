// Package opstate persists small pieces of operational state that must
// survive restarts, chiefly the per-folder UID watermarks the new-mail
// poller advances. Values live in a namespaced key/value table in
// SQLite.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a namespaced key/value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open opens or creates the state database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);`)
	return err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Get returns the value stored under namespace/key, or "" when absent.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set stores value under namespace/key, replacing any previous value.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, now(),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes namespace/key. Missing keys are not an error.
func (s *Store) Delete(namespace, key string) error {
	if _, err := s.db.Exec(
		`DELETE FROM state WHERE namespace = ? AND key = ?`,
		namespace, key,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns every key/value pair in namespace. The map is empty, not
// nil, when the namespace has no entries.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}

// Mark returns the UID watermark stored under namespace/key. ok is false
// when no mark exists or the stored value is not a valid UID.
func (s *Store) Mark(namespace, key string) (uid uint32, ok bool, err error) {
	v, err := s.Get(namespace, key)
	if err != nil || v == "" {
		return 0, false, err
	}
	n, perr := strconv.ParseUint(v, 10, 32)
	if perr != nil {
		return 0, false, nil
	}
	return uint32(n), true, nil
}

// Advance raises the watermark under namespace/key to uid and returns
// the resulting mark. The mark never moves backwards; a stored value
// that is not a number is replaced.
func (s *Store) Advance(namespace, key string, uid uint32) (uint32, error) {
	_, err := s.db.Exec(
		`INSERT INTO state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = CASE
		         WHEN CAST(excluded.value AS INTEGER) > CAST(state.value AS INTEGER)
		           OR state.value GLOB '*[^0-9]*' OR state.value = ''
		         THEN excluded.value ELSE state.value END,
		     updated_at = excluded.updated_at`,
		namespace, key, strconv.FormatUint(uint64(uid), 10), now(),
	)
	if err != nil {
		return 0, fmt.Errorf("advance %s/%s: %w", namespace, key, err)
	}
	mark, _, err := s.Mark(namespace, key)
	return mark, err
}
