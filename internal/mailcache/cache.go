// Package mailcache keeps the last successful fetch of each folder so
// that a folder can still be shown when the mail server is slow or
// unreachable.
package mailcache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nugget/mailroom/internal/email"
)

// Entry is one cached folder fetch.
type Entry struct {
	Account   string                 `json:"account"`
	Folder    string                 `json:"folder"`
	FetchID   string                 `json:"fetch_id"`
	FetchedAt time.Time              `json:"fetched_at"`
	Messages  []email.FetchedMessage `json:"messages"`
}

// Cache stores folder fetches in SQLite, one row per account and
// folder. Entries older than the maximum age are treated as absent.
type Cache struct {
	db     *sql.DB
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// Open opens or creates the cache database at path. A zero maxAge
// keeps entries forever.
func Open(path string, maxAge time.Duration, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open mail cache: %w", err)
	}
	// A single connection keeps :memory: databases shared and writes
	// serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS folders (
			account    TEXT NOT NULL,
			folder     TEXT NOT NULL,
			fetch_id   TEXT NOT NULL,
			fetched_at TEXT NOT NULL,
			messages   TEXT NOT NULL,
			PRIMARY KEY (account, folder)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create mail cache table: %w", err)
	}

	return &Cache{db: db, maxAge: maxAge, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Save replaces the cached copy of a folder and returns the new
// entry's fetch ID.
func (c *Cache) Save(account, folder string, messages []email.FetchedMessage) (string, error) {
	if messages == nil {
		messages = []email.FetchedMessage{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("encode cached folder: %w", err)
	}

	id := uuid.NewString()
	_, err = c.db.Exec(`
		INSERT INTO folders (account, folder, fetch_id, fetched_at, messages)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account, folder) DO UPDATE SET
			fetch_id = excluded.fetch_id,
			fetched_at = excluded.fetched_at,
			messages = excluded.messages
	`, account, folder, id, c.now().UTC().Format(time.RFC3339Nano), string(data))
	if err != nil {
		return "", fmt.Errorf("save cached folder %s/%s: %w", account, folder, err)
	}

	c.logger.Debug("folder cached", "account", account, "folder", folder,
		"messages", len(messages), "fetch_id", id)
	return id, nil
}

// Load returns the cached copy of a folder. The boolean is false when
// nothing is cached or the entry has expired.
func (c *Cache) Load(account, folder string) (*Entry, bool, error) {
	var (
		fetchedAt string
		data      string
	)
	e := &Entry{Account: account, Folder: folder}
	err := c.db.QueryRow(`
		SELECT fetch_id, fetched_at, messages FROM folders
		WHERE account = ? AND folder = ?
	`, account, folder).Scan(&e.FetchID, &fetchedAt, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load cached folder %s/%s: %w", account, folder, err)
	}

	e.FetchedAt, err = time.Parse(time.RFC3339Nano, fetchedAt)
	if err != nil {
		return nil, false, fmt.Errorf("parse cache time %q: %w", fetchedAt, err)
	}
	if c.expired(e.FetchedAt) {
		return nil, false, nil
	}

	if err := json.Unmarshal([]byte(data), &e.Messages); err != nil {
		return nil, false, fmt.Errorf("decode cached folder %s/%s: %w", account, folder, err)
	}
	return e, true, nil
}

// Purge drops the cached copy of a folder.
func (c *Cache) Purge(account, folder string) error {
	if _, err := c.db.Exec(`DELETE FROM folders WHERE account = ? AND folder = ?`, account, folder); err != nil {
		return fmt.Errorf("purge cached folder %s/%s: %w", account, folder, err)
	}
	return nil
}

// PurgeExpired drops every entry older than the maximum age and
// returns how many were removed.
func (c *Cache) PurgeExpired() (int64, error) {
	if c.maxAge <= 0 {
		return 0, nil
	}
	cutoff := c.now().Add(-c.maxAge).UTC().Format(time.RFC3339Nano)
	res, err := c.db.Exec(`DELETE FROM folders WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge expired cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.logger.Debug("expired cache entries purged", "count", n)
	}
	return n, nil
}

func (c *Cache) expired(fetchedAt time.Time) bool {
	return c.maxAge > 0 && c.now().Sub(fetchedAt) > c.maxAge
}
