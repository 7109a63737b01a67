package isleimg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ankur-anand/isleimg/bitmap"
	"github.com/ankur-anand/isleimg/cachestore"
	"github.com/segmentio/ksuid"
)

const stageSuffix = ".part"

// persistentDone is reported when a load is served by the persistent tier.
const persistentDone = 100

// Loader produces decoded resources for keys: from the persistent tier when
// it holds them, otherwise by staging the source bytes on disk and decoding
// the staged copy.
type Loader struct {
	source   Source
	store    *cachestore.Store
	decoder  *bitmap.Decoder
	stageDir string
	metrics  *WorkerMetrics

	stageOnce sync.Once
	stageErr  error
}

func NewLoader(source Source, store *cachestore.Store, decoder *bitmap.Decoder, opts LoaderOptions, metrics *WorkerMetrics) *Loader {
	return &Loader{
		source:   source,
		store:    store,
		decoder:  decoder,
		stageDir: opts.StageDir,
		metrics:  metrics,
	}
}

// Load returns key decoded for display. progress may be nil.
func (l *Loader) Load(ctx context.Context, key Key, display DisplayConfig, progress Progress) (*bitmap.Resource, error) {
	if l.source == nil {
		return nil, ErrNoSource
	}

	rc, fromDisk, err := l.Fetch(ctx, key, progress)
	if err != nil {
		return nil, err
	}
	res, err := l.decode(rc, display)
	if err == nil || !fromDisk || !errors.Is(err, bitmap.ErrDecode) {
		return res, err
	}

	// The stored encoding is unreadable. Drop it and go back to the source.
	slog.Warn("isleimg: dropping unreadable persistent entry", "key", key.String(), "error", err)
	l.metrics.ObservePersistentCorrupt()
	l.store.RemovePersistent(key.String())

	rc, err = l.stage(ctx, key, progress)
	if err != nil {
		return nil, err
	}
	return l.decode(rc, display)
}

func (l *Loader) decode(rc io.ReadCloser, display DisplayConfig) (*bitmap.Resource, error) {
	defer rc.Close()
	start := time.Now()
	res, err := l.decoder.DecodeReader(rc, display.Width, display.Height, display.Format)
	l.metrics.ObserveDecode(time.Since(start), err)
	return res, err
}

// Fetch opens the encoded bytes of key. fromDisk reports whether they came
// from the persistent tier. Closing a staged reader removes its file.
func (l *Loader) Fetch(ctx context.Context, key Key, progress Progress) (rc io.ReadCloser, fromDisk bool, err error) {
	if rc, ok := l.store.GetPersistent(ctx, key.String()); ok {
		l.metrics.ObservePersistentHit()
		if progress != nil {
			progress.SetProgress(persistentDone, persistentDone)
		}
		return rc, true, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	rc, err = l.stage(ctx, key, progress)
	return rc, false, err
}

func (l *Loader) initStage() error {
	l.stageOnce.Do(func() {
		if l.stageDir == "" {
			l.stageDir = filepath.Join(os.TempDir(), "isleimg-stage")
		}
		if err := os.MkdirAll(l.stageDir, 0o755); err != nil {
			l.stageErr = fmt.Errorf("isleimg: create stage dir: %w", err)
			return
		}
		entries, err := os.ReadDir(l.stageDir)
		if err != nil {
			l.stageErr = fmt.Errorf("isleimg: read stage dir: %w", err)
			return
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(l.stageDir, e.Name())); err != nil {
				slog.Warn("isleimg: stale staged file not removed", "name", e.Name(), "error", err)
			}
		}
	})
	return l.stageErr
}

// stage copies the source bytes of key into a private file and returns it
// rewound. The file is removed on every error path and on Close.
func (l *Loader) stage(ctx context.Context, key Key, progress Progress) (io.ReadCloser, error) {
	if err := l.initStage(); err != nil {
		return nil, err
	}

	start := time.Now()
	body, size, err := l.source.Open(ctx, key)
	if err != nil {
		l.metrics.ObserveFetch(time.Since(start), 0, err)
		return nil, err
	}
	defer body.Close()

	name := cachestore.HashKey(key.String()) + "-" + ksuid.New().String() + stageSuffix
	f, err := os.OpenFile(filepath.Join(l.stageDir, name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		l.metrics.ObserveFetch(time.Since(start), 0, err)
		return nil, fmt.Errorf("isleimg: create staged file: %w", err)
	}
	staged := &stagedFile{File: f}

	n, err := copyWithProgress(f, body, size, progress)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	l.metrics.ObserveFetch(time.Since(start), n, err)
	if err != nil {
		staged.Close()
		return nil, fmt.Errorf("isleimg: stage %s: %w", key, err)
	}
	slog.Debug("isleimg: staged source bytes", "key", key.String(), "bytes", n)
	return staged, nil
}

func copyWithProgress(dst io.Writer, src io.Reader, total int64, progress Progress) (int64, error) {
	if total <= 0 {
		total = -1
	}
	buf := make([]byte, 32*1024)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
			if progress != nil {
				progress.SetProgress(total, written)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

type stagedFile struct {
	*os.File
	once sync.Once
}

func (s *stagedFile) Close() error {
	var err error
	s.once.Do(func() {
		err = s.File.Close()
		if rerr := os.Remove(s.File.Name()); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			slog.Warn("isleimg: staged file not removed", "path", s.File.Name(), "error", rerr)
		}
	})
	return err
}
