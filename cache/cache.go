// Package cache keeps downloaded files (model weights, mostly) on disk so a
// restarted app does not fetch them again. A SQLite index records what is
// stored and its checksum.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Entry struct {
	Key       string
	Path      string
	Size      int64
	SHA256    string
	CreatedAt time.Time
	LastUsed  time.Time
}

type Cache struct {
	dir string
	db  *sql.DB
}

func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	// sqlite takes a single writer
	db.SetMaxOpenConns(1)
	return &Cache{dir: dir, db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load cache migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("cache migration up failed: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) filePath(name string) string {
	return filepath.Join(c.dir, "files", name)
}

// Get returns the entry for key. Entries whose file went missing are
// dropped and reported as absent.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool, error) {
	const q = `SELECT file_name, size_bytes, sha256, created_at, last_used FROM cached_files WHERE cache_key = ?`
	var (
		e                 = Entry{Key: key}
		name              string
		created, lastUsed int64
	)
	err := c.db.QueryRowContext(ctx, q, key).Scan(&name, &e.Size, &e.SHA256, &created, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.Path = c.filePath(name)
	info, err := os.Stat(e.Path)
	if err != nil || info.Size() != e.Size {
		_, _ = c.db.ExecContext(ctx, `DELETE FROM cached_files WHERE cache_key = ?`, key)
		return Entry{}, false, nil
	}
	now := time.Now()
	if _, err := c.db.ExecContext(ctx, `UPDATE cached_files SET last_used = ? WHERE cache_key = ?`, now.Unix(), key); err != nil {
		return Entry{}, false, err
	}
	e.CreatedAt = time.Unix(created, 0)
	e.LastUsed = time.Unix(now.Unix(), 0)
	return e, true, nil
}

// Put stores everything read from r under key, replacing an older entry.
func (c *Cache) Put(ctx context.Context, key string, r io.Reader) (Entry, error) {
	name := fileName(key)
	tmp, err := os.CreateTemp(filepath.Join(c.dir, "files"), name+".*.part")
	if err != nil {
		return Entry{}, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Entry{}, fmt.Errorf("write cache file: %w", err)
	}
	path := c.filePath(name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Entry{}, err
	}

	now := time.Unix(time.Now().Unix(), 0)
	e := Entry{Key: key, Path: path, Size: size, SHA256: hex.EncodeToString(h.Sum(nil)), CreatedAt: now, LastUsed: now}
	const q = `
INSERT INTO cached_files (cache_key, file_name, size_bytes, sha256, created_at, last_used)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (cache_key)
DO UPDATE SET file_name = excluded.file_name, size_bytes = excluded.size_bytes,
              sha256 = excluded.sha256, created_at = excluded.created_at, last_used = excluded.last_used`
	if _, err := c.db.ExecContext(ctx, q, key, name, e.Size, e.SHA256, now.Unix(), now.Unix()); err != nil {
		return Entry{}, fmt.Errorf("index cache file: %w", err)
	}
	return e, nil
}

// Fetch copies the file cached under key to dst, calling download to fill
// the cache first when it has no entry. It reports whether the cache hit.
func (c *Cache) Fetch(ctx context.Context, key, dst string, download func(ctx context.Context, w io.Writer) error) (bool, error) {
	e, ok, err := c.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(download(ctx, pw))
		}()
		e, err = c.Put(ctx, key, pr)
		_ = pr.Close()
		if err != nil {
			return false, err
		}
	}
	return ok, copyFile(e.Path, dst)
}

func (c *Cache) Remove(ctx context.Context, key string) error {
	e, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return err
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cached_files WHERE cache_key = ?`, key); err != nil {
		return err
	}
	return os.Remove(e.Path)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
