package config

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/ankur-anand/isleimg/bitmap"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	MinMemoryFraction = 0.05
	MaxMemoryFraction = 0.8

	DefaultMemoryFraction   = 0.5
	DefaultDiskCacheSize    = 30 * 1024 * 1024
	DefaultPoolSize         = 2
	DefaultTargetWidth      = 256
	DefaultTargetHeight     = 256
	DefaultStageDirName     = "http_temp"
	DefaultDiskCacheDirName = "images"

	fallbackReferenceMemory = 256 * 1024 * 1024
)

var ErrMemoryFraction = errors.New("config: memory fraction must be between 0.05 and 0.8")

// Config is the setup surface shared by the worker, the two-tier store and
// the fetch staging area. Zero values mean "use the default".
type Config struct {
	// MemoryFraction of ReferenceMemory given to the in-memory tier.
	MemoryFraction float64
	// ReferenceMemory in bytes. Zero detects it from GOMEMLIMIT or the host.
	ReferenceMemory    int64
	DisableMemoryCache bool

	// CacheDir holds the persistent tier and the fetch staging area.
	CacheDir         string
	DiskCacheSize    int64
	DisableDiskCache bool

	PoolSize int

	// TargetWidth and TargetHeight size default decodes. A zero side falls
	// back to the default 256; set FullResolution to decode at source size.
	TargetWidth    int
	TargetHeight   int
	FullResolution bool
	Format         bitmap.Format
	Codec          bitmap.Codec

	// FineGrainedReuse lets a recycled buffer serve any decode that fits in
	// its allocation rather than only same-size, unscaled decodes.
	FineGrainedReuse bool
	ReusePoolBytes   int64
	BoundsCacheSize  int64
}

func Default() Config {
	return Config{
		MemoryFraction:  DefaultMemoryFraction,
		CacheDir:        filepath.Join(os.TempDir(), "isleimg"),
		DiskCacheSize:   DefaultDiskCacheSize,
		PoolSize:        DefaultPoolSize,
		TargetWidth:     DefaultTargetWidth,
		TargetHeight:    DefaultTargetHeight,
		Format:          bitmap.RGBA8888,
		Codec:           bitmap.CodecZPix,
		ReusePoolBytes:  bitmap.DefaultPoolBytes,
		BoundsCacheSize: bitmap.DefaultBoundsCacheEntries,
	}
}

func (c Config) WithDefaults() Config {
	d := Default()
	c.MemoryFraction = cmp.Or(c.MemoryFraction, d.MemoryFraction)
	c.CacheDir = cmp.Or(c.CacheDir, d.CacheDir)
	c.DiskCacheSize = cmp.Or(c.DiskCacheSize, d.DiskCacheSize)
	c.PoolSize = cmp.Or(c.PoolSize, d.PoolSize)
	if c.FullResolution {
		c.TargetWidth, c.TargetHeight = 0, 0
	} else {
		c.TargetWidth = cmp.Or(c.TargetWidth, d.TargetWidth)
		c.TargetHeight = cmp.Or(c.TargetHeight, d.TargetHeight)
	}
	c.Codec = cmp.Or(c.Codec, d.Codec)
	c.ReusePoolBytes = cmp.Or(c.ReusePoolBytes, d.ReusePoolBytes)
	c.BoundsCacheSize = cmp.Or(c.BoundsCacheSize, d.BoundsCacheSize)
	return c
}

func (c Config) Validate() error {
	if c.MemoryFraction < MinMemoryFraction || c.MemoryFraction > MaxMemoryFraction {
		return fmt.Errorf("%w, got %g", ErrMemoryFraction, c.MemoryFraction)
	}
	if c.ReferenceMemory < 0 {
		return fmt.Errorf("config: reference memory must not be negative, got %d", c.ReferenceMemory)
	}
	if !c.DisableDiskCache {
		if c.CacheDir == "" {
			return errors.New("config: cache directory is required when the disk cache is enabled")
		}
		if c.DiskCacheSize <= 0 {
			return fmt.Errorf("config: disk cache size must be positive, got %d", c.DiskCacheSize)
		}
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("config: pool size must be positive, got %d", c.PoolSize)
	}
	if c.TargetWidth < 0 || c.TargetHeight < 0 {
		return fmt.Errorf("config: target size must not be negative, got %dx%d", c.TargetWidth, c.TargetHeight)
	}
	if !c.Format.Valid() {
		return fmt.Errorf("config: invalid pixel format %s", c.Format)
	}
	switch c.Codec {
	case bitmap.CodecZPix, bitmap.CodecPNG:
	default:
		return fmt.Errorf("config: unknown codec %q", c.Codec)
	}
	if c.ReusePoolBytes < 0 {
		return fmt.Errorf("config: reuse pool bytes must not be negative, got %d", c.ReusePoolBytes)
	}
	return nil
}

// DiskCacheDir is where the persistent tier lives.
func (c Config) DiskCacheDir() string {
	return filepath.Join(c.CacheDir, DefaultDiskCacheDirName)
}

// StageDir is where fetched bytes are staged before decoding.
func (c Config) StageDir() string {
	return filepath.Join(c.CacheDir, DefaultStageDirName)
}

// MemoryBudgetKiB is the in-memory tier budget in KiB.
func (c Config) MemoryBudgetKiB() int64 {
	ref := c.ReferenceMemory
	if ref == 0 {
		ref = ReferenceMemory()
	}
	return max(1, int64(math.Round(c.MemoryFraction*float64(ref)/1024)))
}

func (c Config) String() string {
	return fmt.Sprintf("memory=%.2f disk=%s pool=%d target=%dx%d format=%s codec=%s",
		c.MemoryFraction, humanize.IBytes(uint64(max(c.DiskCacheSize, 0))),
		c.PoolSize, c.TargetWidth, c.TargetHeight, c.Format, c.Codec)
}

// ReferenceMemory is the byte count memory fractions are taken of: the Go
// soft memory limit when one is set, otherwise the host's total memory.
func ReferenceMemory() int64 {
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		return limit
	}
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return fallbackReferenceMemory
	}
	return int64(min(vm.Total, math.MaxInt64))
}

// FreeDiskSpace reports the bytes available on the volume holding dir.
// The nearest existing ancestor is measured when dir does not exist yet.
func FreeDiskSpace(dir string) (uint64, error) {
	path := dir
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		parent := filepath.Dir(path)
		if parent == path {
			break
		}
		path = parent
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("config: disk usage of %s: %w", dir, err)
	}
	return usage.Free, nil
}
