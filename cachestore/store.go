package cachestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"

	"github.com/ankur-anand/isleimg/bitmap"
	"github.com/ankur-anand/isleimg/config"
	"github.com/ankur-anand/isleimg/diskcache"
	"github.com/ankur-anand/isleimg/internal"
	"github.com/dustin/go-humanize"
)

const (
	// DiskVersion is bumped whenever the stored encoding changes.
	DiskVersion = 1
	diskValues  = 1
	diskIndex   = 0
)

type Options struct {
	// MemoryBudgetKiB bounds the memory tier. Zero or negative disables it.
	MemoryBudgetKiB int64

	// DiskDir and DiskBytes configure the persistent tier. An empty DiskDir
	// disables it.
	DiskDir   string
	DiskBytes int64
	Codec     bitmap.Codec

	// Pool receives resources evicted from the memory tier. May be nil.
	Pool *bitmap.Pool

	// FreeSpace reports the free bytes of the volume holding a directory.
	// Defaults to config.FreeDiskSpace.
	FreeSpace func(dir string) (uint64, error)
}

type Stats struct {
	MemoryEnabled   bool
	MemoryEntries   int
	MemoryKiB       int64
	MemoryBudgetKiB int64
	MemoryHits      int64
	MemoryMisses    int64
	MemoryEvictions int64

	DiskEnabled bool
	Disk        diskcache.Stats
}

// Store is the two-tier resource cache: a KiB-bounded LRU of decoded
// resources in memory in front of a byte-bounded persistent store of
// encoded resources.
//
// The persistent tier opens asynchronously through Init. Until then
// GetPersistent waits; Clear re-arms the wait while it rebuilds the tier.
type Store struct {
	opts Options
	mem  *internal.LRU[string, *bitmap.Resource]

	// initMu serializes Init, Clear and Close.
	initMu sync.Mutex

	mu        sync.Mutex
	disk      *diskcache.Cache
	ready     chan struct{}
	readyDone bool
	closed    bool
}

func New(opts Options) *Store {
	if opts.FreeSpace == nil {
		opts.FreeSpace = config.FreeDiskSpace
	}
	s := &Store{
		opts:  opts,
		ready: make(chan struct{}),
	}
	if opts.MemoryBudgetKiB > 0 {
		s.mem = internal.NewLRU(opts.MemoryBudgetKiB, ResourceCostKiB, s.evicted)
	}
	return s
}

// ResourceCostKiB is the memory-tier cost of a resource: its byte size in
// KiB, at least 1.
func ResourceCostKiB(res *bitmap.Resource) int64 {
	return max(1, int64(res.ByteSize())/1024)
}

// HashKey maps a cache key to the name used by the persistent tier.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:16])
}

func (s *Store) evicted(_ string, res *bitmap.Resource) {
	if s.opts.Pool != nil {
		s.opts.Pool.Offer(res)
	}
}

// Init opens the persistent tier and releases everyone waiting on it.
// Failures are logged and leave the tier disabled.
func (s *Store) Init() {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()
	done := s.readyDone || s.closed
	s.mu.Unlock()
	if done {
		s.release()
		return
	}
	s.openDisk()
}

// openDisk requires initMu.
func (s *Store) openDisk() {
	defer s.release()
	if s.opts.DiskDir == "" || s.opts.DiskBytes <= 0 {
		return
	}

	free, err := s.opts.FreeSpace(s.opts.DiskDir)
	if err != nil {
		slog.Warn("isleimg: persistent cache disabled, free space unknown",
			"dir", s.opts.DiskDir, "error", err)
		return
	}
	if free <= uint64(s.opts.DiskBytes) {
		slog.Warn("isleimg: persistent cache disabled, not enough free space",
			"dir", s.opts.DiskDir,
			"free", humanize.IBytes(free),
			"budget", humanize.IBytes(uint64(s.opts.DiskBytes)))
		return
	}

	d, err := diskcache.Open(s.opts.DiskDir, DiskVersion, diskValues, s.opts.DiskBytes)
	if err != nil {
		slog.Error("isleimg: persistent cache disabled, open failed",
			"dir", s.opts.DiskDir, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = d.Close()
		return
	}
	s.disk = d
	slog.Debug("isleimg: persistent cache ready",
		"dir", s.opts.DiskDir, "size", humanize.IBytes(uint64(d.Size())))
}

func (s *Store) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.readyDone {
		s.readyDone = true
		close(s.ready)
	}
}

func (s *Store) waitReady(ctx context.Context) bool {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	select {
	case <-ready:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Store) currentDisk() *diskcache.Cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disk
}

// GetMemory returns the resident resource for key and marks it most
// recently used.
func (s *Store) GetMemory(key string) (*bitmap.Resource, bool) {
	if s.mem == nil {
		return nil, false
	}
	return s.mem.Get(key)
}

// GetMemoryRetained is GetMemory with the resource already retained. The
// pin is taken before an eviction can offer the resource for reuse. The
// caller releases it.
func (s *Store) GetMemoryRetained(key string) (*bitmap.Resource, bool) {
	if s.mem == nil {
		return nil, false
	}
	return s.mem.GetWith(key, (*bitmap.Resource).Retain)
}

// PutMemory inserts or replaces key. Displaced resources go to the pool.
func (s *Store) PutMemory(key string, res *bitmap.Resource) {
	if s.mem == nil || res == nil {
		return
	}
	s.mem.Put(key, res)
}

// GetPersistent opens the stored encoding of key. It waits for Init unless
// ctx ends first. The caller closes the reader.
func (s *Store) GetPersistent(ctx context.Context, key string) (io.ReadCloser, bool) {
	if !s.waitReady(ctx) {
		return nil, false
	}
	d := s.currentDisk()
	if d == nil {
		return nil, false
	}
	snap, err := d.Get(HashKey(key))
	if err != nil {
		slog.Debug("isleimg: persistent cache read failed", "key", key, "error", err)
		return nil, false
	}
	if snap == nil {
		return nil, false
	}
	return &snapshotReader{Reader: snap.Reader(diskIndex), snap: snap}, true
}

// RemovePersistent drops a stored entry that turned out to be unreadable.
func (s *Store) RemovePersistent(key string) {
	d := s.currentDisk()
	if d == nil {
		return
	}
	if _, err := d.Remove(HashKey(key)); err != nil {
		slog.Debug("isleimg: persistent cache remove failed", "key", key, "error", err)
	}
}

// PutPersistent encodes res under key unless an entry already exists.
// Errors are logged and otherwise ignored.
func (s *Store) PutPersistent(key string, res *bitmap.Resource) {
	d := s.currentDisk()
	if d == nil || res == nil {
		return
	}
	hashed := HashKey(key)
	if d.Contains(hashed) {
		return
	}
	ed, err := d.Edit(hashed)
	if err != nil {
		slog.Debug("isleimg: persistent cache edit failed", "key", key, "error", err)
		return
	}
	if ed == nil {
		return
	}
	w, err := ed.NewWriter(diskIndex)
	if err != nil {
		ed.Abort()
		slog.Warn("isleimg: persistent cache write failed", "key", key, "error", err)
		return
	}
	if err := bitmap.Encode(w, res, s.opts.Codec); err != nil {
		ed.Abort()
		slog.Warn("isleimg: persistent cache encode failed", "key", key, "error", err)
		return
	}
	if err := ed.Commit(); err != nil {
		slog.Warn("isleimg: persistent cache commit failed", "key", key, "error", err)
	}
}

// ClearMemory empties the memory tier only.
func (s *Store) ClearMemory() {
	if s.mem != nil {
		s.mem.Clear()
	}
}

// Clear empties both tiers. The persistent tier is deleted and reopened;
// persistent reads issued meanwhile wait for it.
func (s *Store) Clear() {
	s.ClearMemory()

	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()
	old := s.disk
	s.disk = nil
	if s.readyDone && !s.closed {
		s.ready = make(chan struct{})
		s.readyDone = false
	}
	closed := s.closed
	s.mu.Unlock()

	if old != nil {
		if err := old.Delete(); err != nil {
			slog.Warn("isleimg: persistent cache delete failed", "dir", s.opts.DiskDir, "error", err)
		}
	}
	if closed {
		return
	}
	s.openDisk()
}

// Flush makes persistent writes durable.
func (s *Store) Flush() {
	d := s.currentDisk()
	if d == nil {
		return
	}
	if err := d.Flush(); err != nil {
		slog.Warn("isleimg: persistent cache flush failed", "error", err)
	}
}

// Close flushes and closes the persistent tier. The memory tier keeps
// working; persistent operations become no-ops.
func (s *Store) Close() {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()
	d := s.disk
	s.disk = nil
	s.closed = true
	s.mu.Unlock()
	s.release()

	if d == nil {
		return
	}
	if err := d.Flush(); err != nil {
		slog.Warn("isleimg: persistent cache flush failed", "error", err)
	}
	if err := d.Close(); err != nil {
		slog.Warn("isleimg: persistent cache close failed", "error", err)
	}
}

// Size is the number of bytes held by the persistent tier.
func (s *Store) Size() int64 {
	d := s.currentDisk()
	if d == nil {
		return 0
	}
	return d.Size()
}

func (s *Store) Stats() Stats {
	var st Stats
	if s.mem != nil {
		m := s.mem.Stats()
		st.MemoryEnabled = true
		st.MemoryEntries = m.EntryCount
		st.MemoryKiB = m.Cost
		st.MemoryBudgetKiB = m.MaxCost
		st.MemoryHits = m.Hits
		st.MemoryMisses = m.Misses
		st.MemoryEvictions = m.Evictions
	}
	if d := s.currentDisk(); d != nil {
		st.DiskEnabled = true
		st.Disk = d.Stats()
	}
	return st
}

type snapshotReader struct {
	io.Reader
	snap *diskcache.Snapshot
	once sync.Once
	err  error
}

func (r *snapshotReader) Close() error {
	r.once.Do(func() { r.err = r.snap.Close() })
	return r.err
}
