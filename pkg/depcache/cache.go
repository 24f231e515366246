// Package depcache is a content-addressed cache of dependency artifacts.
//
// Entries are keyed by hex SHA-256 of their content and are immutable once
// committed, so concurrent jobs share them read-only. Concurrent requests
// for the same hash collapse into a single fetch; all waiters observe the
// same validated bytes. Eviction is least-recently-used by last access,
// bounded by a total-size budget, and never removes an entry a running job
// still references.
package depcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/semanticmachines/clworker/pkg/coordinator"
	"github.com/semanticmachines/clworker/pkg/fetcher"
)

// Config configures a cache instance.
type Config struct {
	// Root is the cache directory. Created if missing. Committed entries
	// live under Root/sha256, in-flight downloads under Root/tmp.
	Root string

	// SizeLimitBytes bounds the combined size of committed entries. The
	// bound is best-effort: entries pinned by running jobs are never
	// evicted even if the total exceeds the limit.
	SizeLimitBytes int64

	// Retry bounds refetches of transient failures, including downloads
	// that fail content verification.
	Retry coordinator.RetryPolicy
}

type entry struct {
	hash       string
	path       string
	size       int64
	refs       int
	lastAccess time.Time
}

type flight struct {
	done chan struct{}
	err  error
}

// Cache materializes dependency artifacts on local disk.
type Cache struct {
	root    string
	limit   int64
	fetcher fetcher.Fetcher
	retry   coordinator.RetryPolicy
	log     *zap.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]*flight
	total    int64
}

// New opens a cache at cfg.Root, rebuilding the index from any entries left
// by a previous run and discarding half-written temp files.
func New(cfg Config, f fetcher.Fetcher, log *zap.Logger) (*Cache, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	if cfg.SizeLimitBytes <= 0 {
		return nil, fmt.Errorf("cache size limit must be positive, got %d", cfg.SizeLimitBytes)
	}

	for _, dir := range []string{entriesDir(cfg.Root), tmpDir(cfg.Root)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	c := &Cache{
		root:     cfg.Root,
		limit:    cfg.SizeLimitBytes,
		fetcher:  f,
		retry:    cfg.Retry,
		log:      log,
		entries:  make(map[string]*entry),
		inflight: make(map[string]*flight),
	}

	if err := c.rescan(); err != nil {
		return nil, err
	}
	return c, nil
}

func entriesDir(root string) string { return filepath.Join(root, "sha256") }
func tmpDir(root string) string     { return filepath.Join(root, "tmp") }

// rescan rebuilds the in-memory index from disk after a restart. Last access
// order is approximated from file mtimes.
func (c *Cache) rescan() error {
	if tmp, err := os.ReadDir(tmpDir(c.root)); err == nil {
		for _, e := range tmp {
			_ = os.RemoveAll(filepath.Join(tmpDir(c.root), e.Name()))
		}
	}

	dirents, err := os.ReadDir(entriesDir(c.root))
	if err != nil {
		return fmt.Errorf("scan cache: %w", err)
	}
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil || d.IsDir() {
			continue
		}
		hash := d.Name()
		if len(hash) != sha256.Size*2 {
			continue
		}
		c.entries[hash] = &entry{
			hash:       hash,
			path:       filepath.Join(entriesDir(c.root), hash),
			size:       info.Size(),
			lastAccess: info.ModTime(),
		}
		c.total += info.Size()
	}
	return nil
}

// Ensure returns a local path holding the validated content for spec,
// fetching it if not already cached. The returned release function must be
// called once the job is done with the path; until then the entry is pinned
// against eviction. Concurrent calls for the same hash share one fetch.
func (c *Cache) Ensure(ctx context.Context, spec coordinator.DependencySpec) (string, func(), error) {
	hash := strings.ToLower(strings.TrimSpace(spec.Hash))
	if len(hash) != sha256.Size*2 {
		return "", nil, fmt.Errorf("dependency hash %q is not a hex sha256", spec.Hash)
	}

	for {
		c.mu.Lock()
		if e, ok := c.entries[hash]; ok {
			e.refs++
			e.lastAccess = time.Now()
			c.mu.Unlock()
			return e.path, c.releaseFunc(hash), nil
		}

		if fl, ok := c.inflight[hash]; ok {
			c.mu.Unlock()
			select {
			case <-fl.done:
				if fl.err != nil {
					return "", nil, fl.err
				}
				// Committed by the fetching goroutine; loop to pin it.
				continue
			case <-ctx.Done():
				return "", nil, ctx.Err()
			}
		}

		fl := &flight{done: make(chan struct{})}
		c.inflight[hash] = fl
		c.mu.Unlock()

		err := c.fetchAndCommit(ctx, spec, hash)

		c.mu.Lock()
		delete(c.inflight, hash)
		fl.err = err
		c.mu.Unlock()
		close(fl.done)

		if err != nil {
			return "", nil, err
		}
	}
}

func (c *Cache) releaseFunc(hash string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if e, ok := c.entries[hash]; ok && e.refs > 0 {
				e.refs--
			}
		})
	}
}

// fetchAndCommit downloads into a temp file, verifies the content hash, and
// moves the file into place. A download whose bytes do not match the
// declared hash is discarded and counted as a transient failure so the retry
// policy refetches it.
func (c *Cache) fetchAndCommit(ctx context.Context, spec coordinator.DependencySpec, hash string) error {
	var size int64

	err := c.retry.Do(ctx, func(ctx context.Context) error {
		body, _, err := c.fetcher.Fetch(ctx, spec)
		if err != nil {
			return err
		}
		defer func() { _ = body.Close() }()

		tmp, err := os.CreateTemp(tmpDir(c.root), hash+".*")
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}
		tmpPath := tmp.Name()

		hasher := sha256.New()
		n, err := io.Copy(io.MultiWriter(tmp, hasher), body)
		closeErr := tmp.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(tmpPath)
			return fmt.Errorf("%w: download %s: %v", coordinator.ErrUnavailable, hash, err)
		}

		if got := hex.EncodeToString(hasher.Sum(nil)); got != hash {
			_ = os.Remove(tmpPath)
			c.log.Warn("Discarding corrupt dependency download",
				zap.String("hash", hash), zap.String("got", got), zap.Int64("bytes", n))
			return fmt.Errorf("%w: content hash mismatch for %s", coordinator.ErrUnavailable, hash)
		}

		final := filepath.Join(entriesDir(c.root), hash)
		if err := os.Chmod(tmpPath, 0o444); err != nil {
			_ = os.Remove(tmpPath)
			return fmt.Errorf("finalize dependency %s: %w", hash, err)
		}
		if err := os.Rename(tmpPath, final); err != nil {
			_ = os.Remove(tmpPath)
			return fmt.Errorf("finalize dependency %s: %w", hash, err)
		}
		size = n
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hash] = &entry{
		hash:       hash,
		path:       filepath.Join(entriesDir(c.root), hash),
		size:       size,
		lastAccess: time.Now(),
	}
	c.total += size
	c.evictLocked(hash)

	c.log.Debug("Dependency cached", zap.String("hash", hash), zap.Int64("bytes", size),
		zap.Int64("cache_total", c.total))
	return nil
}

// evictLocked removes least-recently-used unreferenced entries until the
// total fits the budget. The just-committed hash is exempt so a fetch can
// never evict its own result. Requires c.mu held.
func (c *Cache) evictLocked(justCommitted string) {
	for c.total > c.limit {
		var victim *entry
		for _, e := range c.entries {
			if e.refs > 0 || e.hash == justCommitted {
				continue
			}
			if victim == nil || e.lastAccess.Before(victim.lastAccess) {
				victim = e
			}
		}
		if victim == nil {
			// Everything left is pinned; the budget is exceeded until a
			// job releases its references.
			c.log.Warn("Cache over budget with all entries referenced",
				zap.Int64("total", c.total), zap.Int64("limit", c.limit))
			return
		}

		if err := os.Remove(victim.path); err != nil && !os.IsNotExist(err) {
			c.log.Warn("Failed to evict cache entry", zap.String("hash", victim.hash), zap.Error(err))
		}
		delete(c.entries, victim.hash)
		c.total -= victim.size
		c.log.Debug("Evicted cache entry", zap.String("hash", victim.hash), zap.Int64("bytes", victim.size))
	}
}

// Stats reports current occupancy for the status endpoint.
type Stats struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
	LimitBytes int64 `json:"limit_bytes"`
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), TotalBytes: c.total, LimitBytes: c.limit}
}
