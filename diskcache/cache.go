package diskcache

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ankur-anand/isleimg/internal"
)

var (
	ErrClosed         = errors.New("diskcache: cache is closed")
	ErrIncompleteEdit = errors.New("diskcache: edit did not write every value")
)

const (
	entriesDir = "entries"
	tempSuffix = ".tmp"
)

type Stats struct {
	Hits       int64
	Misses     int64
	Size       int64
	MaxSize    int64
	EntryCount int
}

type entry struct {
	key string
	rec record
}

// Cache is a size-bounded, least-recently-used store of multi-value
// entries on local disk. Entry metadata lives in a journal so the cache
// survives restarts; a version or valueCount change discards everything.
type Cache struct {
	mu         sync.Mutex
	dir        string
	version    int
	valueCount int
	maxBytes   int64

	journal *journal
	lru     *internal.LRU[string, *entry]
	editing map[string]struct{}
	nextGen uint64
	access  uint64
	closed  bool

	hits   atomic.Int64
	misses atomic.Int64
}

// Open opens or creates the cache in dir.
func Open(dir string, version, valueCount int, maxBytes int64) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("diskcache: cache directory is required")
	}
	if valueCount <= 0 {
		return nil, fmt.Errorf("diskcache: valueCount must be positive, got %d", valueCount)
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("diskcache: maxBytes must be positive, got %d", maxBytes)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	c := &Cache{
		dir:        dir,
		version:    version,
		valueCount: valueCount,
		maxBytes:   maxBytes,
		editing:    make(map[string]struct{}),
		nextGen:    1,
	}
	if err := c.open(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) open() error {
	j, err := openJournal(filepath.Join(c.dir, journalDir))
	if err != nil {
		return err
	}
	ok, err := j.matches(c.version, c.valueCount)
	if err != nil {
		_ = j.close()
		return err
	}
	if !ok {
		slog.Info("isleimg: disk cache format changed, discarding entries",
			"dir", c.dir, "version", c.version, "valueCount", c.valueCount)
		_ = j.close()
		if err := os.RemoveAll(c.dir); err != nil {
			return err
		}
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			return err
		}
		if j, err = openJournal(filepath.Join(c.dir, journalDir)); err != nil {
			return err
		}
		if _, err := j.matches(c.version, c.valueCount); err != nil {
			_ = j.close()
			return err
		}
	}
	if err := os.MkdirAll(filepath.Join(c.dir, entriesDir), 0o755); err != nil {
		_ = j.close()
		return err
	}

	c.journal = j
	c.lru = internal.NewLRU(c.maxBytes, func(e *entry) int64 { return e.rec.total() }, c.evicted)
	if err := c.recover(); err != nil {
		_ = j.close()
		return fmt.Errorf("diskcache: recover %s: %w", c.dir, err)
	}
	return nil
}

// recover rebuilds the in-memory index from the journal, dropping records
// whose files are missing or the wrong size, then sweeps unreferenced files.
func (c *Cache) recover() error {
	var (
		live  []*entry
		stale []string
	)
	err := c.journal.load(c.valueCount, func(key string, r *record) {
		if r == nil || !c.filesIntact(key, *r) {
			stale = append(stale, key)
			return
		}
		live = append(live, &entry{key: key, rec: *r})
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := c.journal.remove(key); err != nil {
			return err
		}
	}

	slices.SortFunc(live, func(a, b *entry) int {
		return cmp.Compare(a.rec.access, b.rec.access)
	})
	keep := make(map[string]struct{}, len(live)*c.valueCount)
	for _, e := range live {
		c.nextGen = max(c.nextGen, e.rec.gen+1)
		c.access = max(c.access, e.rec.access)
		for i := range c.valueCount {
			keep[filepath.Base(c.valuePath(e.key, e.rec.gen, i))] = struct{}{}
		}
	}

	names, err := os.ReadDir(filepath.Join(c.dir, entriesDir))
	if err != nil {
		return err
	}
	for _, de := range names {
		if _, ok := keep[de.Name()]; !ok {
			_ = os.Remove(filepath.Join(c.dir, entriesDir, de.Name()))
		}
	}

	for _, e := range live {
		c.lru.Put(e.key, e)
	}
	if len(stale) > 0 || len(live) > 0 {
		slog.Debug("isleimg: disk cache recovered",
			"dir", c.dir, "entries", c.lru.Len(), "dropped", len(stale), "bytes", c.lru.Cost())
	}
	return nil
}

func (c *Cache) filesIntact(key string, r record) bool {
	for i, want := range r.sizes {
		info, err := os.Stat(c.valuePath(key, r.gen, i))
		if err != nil || info.Size() != want {
			return false
		}
	}
	return true
}

// evicted runs with c.mu held, from inside lru calls.
func (c *Cache) evicted(key string, e *entry) {
	for i := range c.valueCount {
		_ = os.Remove(c.valuePath(key, e.rec.gen, i))
	}
	if err := c.journal.remove(key); err != nil {
		slog.Warn("isleimg: disk cache journal remove failed", "key", key, "error", err)
	}
}

// Get returns a snapshot of key, or nil if the key is absent.
func (c *Cache) Get(key string) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, nil
	}
	paths := make([]string, c.valueCount)
	for i := range paths {
		paths[i] = c.valuePath(key, e.rec.gen, i)
	}
	snap, err := openSnapshot(key, paths, e.rec.sizes)
	if err != nil {
		slog.Warn("isleimg: disk cache entry unreadable, dropping", "key", key, "error", err)
		c.lru.Remove(key)
		c.misses.Add(1)
		return nil, nil
	}

	c.access++
	e.rec.access = c.access
	if err := c.journal.put(key, e.rec); err != nil {
		slog.Warn("isleimg: disk cache journal update failed", "key", key, "error", err)
	}
	c.hits.Add(1)
	return snap, nil
}

// Contains reports whether key has a committed entry without touching
// its recency.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.lru.Contains(key)
}

// Edit starts writing key. It returns nil if another edit of key is
// still open.
func (c *Cache) Edit(key string) (*Editor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if _, busy := c.editing[key]; busy {
		return nil, nil
	}
	c.editing[key] = struct{}{}
	gen := c.nextGen
	c.nextGen++
	return &Editor{c: c, key: key, gen: gen, files: make([]*os.File, c.valueCount)}, nil
}

func (c *Cache) endEdit(key string) {
	c.mu.Lock()
	delete(c.editing, key)
	c.mu.Unlock()
}

func (c *Cache) commit(e *Editor, sizes []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.editing, e.key)
	if c.closed {
		e.removeTemps()
		return ErrClosed
	}

	for i := range sizes {
		if err := os.Rename(c.tempPath(e.key, e.gen, i), c.valuePath(e.key, e.gen, i)); err != nil {
			for j := range sizes {
				_ = os.Remove(c.tempPath(e.key, e.gen, j))
				_ = os.Remove(c.valuePath(e.key, e.gen, j))
			}
			return err
		}
	}

	c.access++
	ent := &entry{key: e.key, rec: record{gen: e.gen, access: c.access, sizes: sizes}}
	// Put may evict the previous entry for this key, which clears its
	// journal record, so the new record is written afterwards.
	c.lru.Put(e.key, ent)
	if cur, ok := c.lru.Peek(e.key); ok && cur == ent {
		return c.journal.put(e.key, ent.rec)
	}
	return nil
}

// Remove drops key. It reports whether the key was present.
func (c *Cache) Remove(key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	return c.lru.Remove(key), nil
}

// Flush makes journal updates durable.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.journal.flush()
}

// Close releases the journal. Entries stay on disk for the next Open.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.journal.close()
}

// Delete closes the cache and removes its directory.
func (c *Cache) Delete() error {
	if err := c.Close(); err != nil {
		slog.Warn("isleimg: disk cache close before delete failed", "dir", c.dir, "error", err)
	}
	return os.RemoveAll(c.dir)
}

func (c *Cache) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Size is the number of bytes held by committed entries.
func (c *Cache) Size() int64 {
	return c.lru.Cost()
}

func (c *Cache) MaxSize() int64 { return c.maxBytes }

func (c *Cache) Dir() string { return c.dir }

func (c *Cache) Stats() Stats {
	s := c.lru.Stats()
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Size:       s.Cost,
		MaxSize:    c.maxBytes,
		EntryCount: s.EntryCount,
	}
}

func (c *Cache) valuePath(key string, gen uint64, i int) string {
	name := cacheFileName(key) + "." + strconv.FormatUint(gen, 10) + "." + strconv.Itoa(i)
	return filepath.Join(c.dir, entriesDir, name)
}

func (c *Cache) tempPath(key string, gen uint64, i int) string {
	return c.valuePath(key, gen, i) + tempSuffix
}

func cacheFileName(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:16])
}
