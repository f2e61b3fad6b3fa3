// Package sqlite provides a sqlite-backed storage backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/varycache/varycache"
)

// Cache stores entries in a sqlite database. Expiry is kept as a unix
// millisecond column; expired rows are filtered on read and swept on
// write. The size limit is advisory and enforced by evicting the rows
// closest to expiry.
type Cache struct {
	db        *sql.DB
	writeMu   sync.Mutex
	sizeLimit int64
}

// New opens, and if needed creates, the cache database at path. A
// sizeLimit of zero means unlimited.
func New(path string, sizeLimit int64) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS cache (key TEXT PRIMARY KEY, expires INTEGER, value BLOB)",
		"CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Cache{db: db, sizeLimit: sizeLimit}, nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	var expires int64
	var value []byte
	err := c.db.QueryRowContext(ctx,
		"SELECT expires, value FROM cache WHERE key = ?", key).Scan(&expires, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, varycache.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if time.Now().UnixMilli() >= expires {
		return nil, varycache.ErrNotFound
	}
	return value, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	expires := time.Now().Add(ttl).UnixMilli()
	if _, err := c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache (key, expires, value) VALUES (?, ?, ?)",
		key, expires, value); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx,
		"DELETE FROM cache WHERE expires <= ?", time.Now().UnixMilli()); err != nil {
		return err
	}
	return c.enforceSizeLimit(ctx)
}

func (c *Cache) enforceSizeLimit(ctx context.Context) error {
	if c.sizeLimit <= 0 {
		return nil
	}
	for {
		var total sql.NullInt64
		if err := c.db.QueryRowContext(ctx,
			"SELECT SUM(LENGTH(value)) FROM cache").Scan(&total); err != nil {
			return err
		}
		if !total.Valid || total.Int64 <= c.sizeLimit {
			return nil
		}
		if _, err := c.db.ExecContext(ctx,
			"DELETE FROM cache WHERE key IN (SELECT key FROM cache ORDER BY expires ASC LIMIT 1)"); err != nil {
			return err
		}
	}
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
