package isleimg

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ankur-anand/isleimg/bitmap"
	"github.com/ankur-anand/isleimg/cachestore"
	"github.com/ankur-anand/isleimg/diskcache"
	"github.com/stretchr/testify/require"
)

type loaderFixture struct {
	loader   *Loader
	store    *cachestore.Store
	source   *fakeSource
	stageDir string
}

func newLoaderFixture(t *testing.T, seed func(diskDir string)) *loaderFixture {
	t.Helper()
	root := t.TempDir()
	diskDir := filepath.Join(root, "images")
	stageDir := filepath.Join(root, "stage")
	if seed != nil {
		seed(diskDir)
	}

	store := cachestore.New(cachestore.Options{
		MemoryBudgetKiB: 1024,
		DiskDir:         diskDir,
		DiskBytes:       8 << 20,
		Codec:           bitmap.CodecZPix,
		FreeSpace:       func(string) (uint64, error) { return 1 << 40, nil },
	})
	store.Init()
	t.Cleanup(store.Close)

	decoder, err := bitmap.NewDecoder(bitmap.DecoderOptions{})
	require.NoError(t, err)
	t.Cleanup(decoder.Close)

	src := newFakeSource()
	return &loaderFixture{
		loader:   NewLoader(src, store, decoder, LoaderOptions{StageDir: stageDir}, DefaultWorkerMetrics(nil)),
		store:    store,
		source:   src,
		stageDir: stageDir,
	}
}

func (f *loaderFixture) staged(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.stageDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

type progressLog struct {
	mu      sync.Mutex
	reports [][2]int64
}

func (p *progressLog) SetProgress(total, current int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, [2]int64{total, current})
}

var fullRes = DisplayConfig{Format: bitmap.RGBA8888}

func TestLoader_StagesDecodesAndCleansUp(t *testing.T) {
	f := newLoaderFixture(t, nil)
	data := pngBytes(t, 30, 10)
	f.source.set("k", data)

	var progress progressLog
	res, err := f.loader.Load(context.Background(), StringKey("k"), fullRes, &progress)
	require.NoError(t, err)
	require.Equal(t, 30, res.Width)
	require.Equal(t, 10, res.Height)
	require.Empty(t, f.staged(t))

	n := int64(len(data))
	require.Equal(t, [2]int64{n, n}, progress.reports[len(progress.reports)-1])
}

func TestLoader_StagedFileRemovedOnDecodeFailure(t *testing.T) {
	f := newLoaderFixture(t, nil)
	f.source.set("junk", []byte("definitely not an image"))

	_, err := f.loader.Load(context.Background(), StringKey("junk"), fullRes, nil)
	require.ErrorIs(t, err, bitmap.ErrDecode)
	require.Empty(t, f.staged(t))
}

func TestLoader_StageDirEmptiedOnFirstUse(t *testing.T) {
	f := newLoaderFixture(t, nil)
	require.NoError(t, os.MkdirAll(f.stageDir, 0o755))
	stale := filepath.Join(f.stageDir, "leftover"+stageSuffix)
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))

	f.source.set("k", pngBytes(t, 4, 4))
	_, err := f.loader.Load(context.Background(), StringKey("k"), fullRes, nil)
	require.NoError(t, err)

	_, err = os.Stat(stale)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoader_SourceErrorPropagates(t *testing.T) {
	f := newLoaderFixture(t, nil)

	_, err := f.loader.Load(context.Background(), StringKey("absent"), fullRes, nil)
	require.ErrorIs(t, err, ErrSourceNotFound)
	require.Empty(t, f.staged(t))
}

func TestLoader_PersistentHitSkipsSource(t *testing.T) {
	f := newLoaderFixture(t, nil)
	res := bitmap.NewResource(6, 3, bitmap.RGBA8888, false)
	for i := range res.Pix {
		res.Pix[i] = byte(i)
	}
	f.store.PutPersistent("k", res)

	var progress progressLog
	got, err := f.loader.Load(context.Background(), StringKey("k"), fullRes, &progress)
	require.NoError(t, err)
	require.Equal(t, res.Pix, got.Pix)
	require.Zero(t, f.source.openCount("k"))
	require.Equal(t, [][2]int64{{persistentDone, persistentDone}}, progress.reports)
}

func TestLoader_CorruptPersistentEntryIsRefetched(t *testing.T) {
	f := newLoaderFixture(t, func(diskDir string) {
		c, err := diskcache.Open(diskDir, cachestore.DiskVersion, 1, 8<<20)
		require.NoError(t, err)
		ed, err := c.Edit(cachestore.HashKey("k"))
		require.NoError(t, err)
		w, err := ed.NewWriter(0)
		require.NoError(t, err)
		_, err = w.Write([]byte("garbage"))
		require.NoError(t, err)
		require.NoError(t, ed.Commit())
		require.NoError(t, c.Close())
	})
	f.source.set("k", pngBytes(t, 5, 5))

	rc, ok := f.store.GetPersistent(context.Background(), "k")
	require.True(t, ok, "seeded entry is visible")
	require.NoError(t, rc.Close())

	res, err := f.loader.Load(context.Background(), StringKey("k"), fullRes, nil)
	require.NoError(t, err)
	require.Equal(t, 5, res.Width)
	require.Equal(t, 1, f.source.openCount("k"))

	_, ok = f.store.GetPersistent(context.Background(), "k")
	require.False(t, ok, "corrupt entry was removed")
}

func TestLoader_NoSource(t *testing.T) {
	f := newLoaderFixture(t, nil)
	l := NewLoader(nil, f.store, f.loader.decoder, LoaderOptions{StageDir: f.stageDir}, nil)
	_, err := l.Load(context.Background(), StringKey("k"), fullRes, nil)
	require.ErrorIs(t, err, ErrNoSource)
}
