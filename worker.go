package isleimg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ankur-anand/isleimg/bitmap"
	"github.com/ankur-anand/isleimg/cachestore"
	"github.com/dustin/go-humanize"
	"github.com/segmentio/ksuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Worker coordinates image requests for display targets. Requests are
// answered synchronously from the memory tier when possible; everything
// else runs on a bounded set of background tasks whose results are
// published through the Dispatcher.
//
// A target shows the result of its most recent request only. A task whose
// binding was replaced or cancelled never renders, even if it finishes.
//
// Renderer calls are made with the worker's render lock held, so a Renderer
// must not call back into the Worker.
type Worker struct {
	cfg      WorkerOptions
	store    *cachestore.Store
	pool     *bitmap.Pool
	decoder  *bitmap.Decoder
	loader   *Loader
	renderer Renderer
	dispatch Dispatcher
	metrics  *WorkerMetrics

	ctx    context.Context
	cancel context.CancelFunc
	slots  *semaphore.Weighted
	group  singleflight.Group
	tasks  sync.WaitGroup

	flightMu sync.Mutex
	flights  map[string]*flight

	// renderMu orders every render decision with its render.
	renderMu sync.Mutex
	shown    map[Target]*bitmap.Resource

	mu        sync.Mutex
	resume    *sync.Cond
	bindings  map[Target]*binding
	paused    bool
	exitEarly bool
	closed    bool
}

// binding ties a target to the key it last asked for and to the task, if
// any, still working on it. A binding with a nil task was served from the
// memory tier.
type binding struct {
	key      string
	task     *task
	progress Progress
}

type task struct {
	id      ksuid.KSUID
	target  Target
	key     Key
	display DisplayConfig

	ctx    context.Context
	cancel context.CancelFunc
	done   atomic.Bool
}

func (t *task) cancelled() bool {
	return t.ctx.Err() != nil
}

func New(opts WorkerOptions) (*Worker, error) {
	opts = opts.withDefaults()
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Source == nil {
		return nil, ErrNoSource
	}
	if opts.Renderer == nil {
		return nil, errors.New("isleimg: renderer is required")
	}
	cfg := opts.Config

	pool := bitmap.NewPool(cfg.FineGrainedReuse, cfg.ReusePoolBytes)
	decoder, err := bitmap.NewDecoder(bitmap.DecoderOptions{
		Pool:               pool,
		BoundsCacheEntries: cfg.BoundsCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("isleimg: %w", err)
	}

	storeOpts := cachestore.Options{
		Codec: cfg.Codec,
		Pool:  pool,
	}
	if !cfg.DisableMemoryCache {
		storeOpts.MemoryBudgetKiB = cfg.MemoryBudgetKiB()
	}
	if !cfg.DisableDiskCache {
		storeOpts.DiskDir = cfg.DiskCacheDir()
		storeOpts.DiskBytes = cfg.DiskCacheSize
	}
	store := cachestore.New(storeOpts)

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:      opts,
		store:    store,
		pool:     pool,
		decoder:  decoder,
		loader:   NewLoader(opts.Source, store, decoder, LoaderOptions{StageDir: cfg.StageDir()}, opts.Metrics),
		renderer: opts.Renderer,
		dispatch: opts.Dispatcher,
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		slots:    semaphore.NewWeighted(int64(cfg.PoolSize)),
		shown:    make(map[Target]*bitmap.Resource),
		bindings: make(map[Target]*binding),
		flights:  make(map[string]*flight),
	}
	w.resume = sync.NewCond(&w.mu)

	slog.Info("isleimg: worker started",
		"memory_budget", humanize.IBytes(uint64(max(storeOpts.MemoryBudgetKiB, 0))*1024),
		"disk_dir", storeOpts.DiskDir,
		"disk_budget", humanize.IBytes(uint64(max(storeOpts.DiskBytes, 0))),
		"pool_size", cfg.PoolSize)

	w.tasks.Add(1)
	w.background(OpInit, nil, store.Init)
	return w, nil
}

// Request binds target to key using the worker's default display settings.
func (w *Worker) Request(target Target, key Key) {
	w.RequestWith(target, key, nil, nil)
}

// RequestWith binds target to key. A nil display uses the worker defaults;
// a non-nil one is taken as is, so a 0x0 size decodes at full resolution.
// progress, if set, receives fetch progress while the binding lasts.
//
// RequestWith must be called from the coordinating context. It never blocks
// on I/O.
func (w *Worker) RequestWith(target Target, key Key, display *DisplayConfig, progress Progress) {
	if target == nil || key == nil {
		return
	}
	keyStr := key.String()

	w.renderMu.Lock()
	defer w.renderMu.Unlock()

	if res, ok := w.store.GetMemoryRetained(keyStr); ok {
		defer res.Release()
		w.metrics.ObserveRequest(true)
		w.mu.Lock()
		w.cancelLocked(target)
		w.bindings[target] = &binding{key: keyStr}
		w.mu.Unlock()
		w.show(target, res)
		return
	}
	w.metrics.ObserveRequest(false)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if b := w.bindings[target]; b != nil && b.key == keyStr && b.task != nil && !b.task.done.Load() {
		w.mu.Unlock()
		return
	}
	w.cancelLocked(target)
	t := w.newTask(target, key, w.displayFor(display))
	w.bindings[target] = &binding{key: keyStr, task: t, progress: progress}
	w.tasks.Add(1)
	w.mu.Unlock()

	w.showPlaceholder(target, t.display.Loading)
	go w.run(t)
}

func (w *Worker) displayFor(display *DisplayConfig) DisplayConfig {
	if display == nil {
		return DisplayConfig{
			Width:   w.cfg.Config.TargetWidth,
			Height:  w.cfg.Config.TargetHeight,
			Format:  w.cfg.Config.Format,
			Loading: w.cfg.LoadingPlaceholder,
			Failure: w.cfg.FailurePlaceholder,
		}
	}
	d := *display
	if d.Loading == nil {
		d.Loading = w.cfg.LoadingPlaceholder
	}
	if d.Failure == nil {
		d.Failure = w.cfg.FailurePlaceholder
	}
	return d
}

func (w *Worker) newTask(target Target, key Key, display DisplayConfig) *task {
	ctx, cancel := context.WithCancel(w.ctx)
	return &task{
		id:      ksuid.New(),
		target:  target,
		key:     key,
		display: display,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// cancelLocked drops target's binding and cancels its task. Requires mu.
func (w *Worker) cancelLocked(target Target) {
	b, ok := w.bindings[target]
	if !ok {
		return
	}
	delete(w.bindings, target)
	if b.task != nil && !b.task.done.Load() {
		b.task.cancel()
		w.metrics.ObserveCancel()
		slog.Debug("isleimg: task cancelled", "task", b.task.id.String(), "key", b.key)
		w.resume.Broadcast()
	}
}

// Cancel abandons pending work for target. Whatever the target shows stays.
func (w *Worker) Cancel(target Target) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelLocked(target)
}

// Detach cancels pending work for target and forgets what it shows, making
// the shown resource eligible for buffer reuse again.
func (w *Worker) Detach(target Target) {
	w.renderMu.Lock()
	defer w.renderMu.Unlock()
	w.Cancel(target)
	if prev := w.shown[target]; prev != nil {
		prev.Release()
		delete(w.shown, target)
	}
}

// SetPaused parks tasks before they start loading. Unpausing wakes them.
func (w *Worker) SetPaused(paused bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = paused
	if !paused {
		w.resume.Broadcast()
	}
}

// SetExitTasksEarly makes tasks that have not started loading finish without
// work and finished tasks skip publication.
func (w *Worker) SetExitTasksEarly(exit bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exitEarly = exit
	if exit {
		w.resume.Broadcast()
	}
}

func (w *Worker) run(t *task) {
	defer w.tasks.Done()
	defer t.done.Store(true)

	if err := w.slots.Acquire(t.ctx, 1); err != nil {
		return
	}
	defer w.slots.Release(1)

	if !w.awaitResume(t) {
		return
	}

	// A loaded resource arrives retained and stays pinned until published.
	res, err := w.load(t)
	if err == nil {
		w.store.PutMemory(t.key.String(), res)
		w.store.PutPersistent(t.key.String(), res)
	} else if !errors.Is(err, context.Canceled) {
		slog.Warn("isleimg: load failed", "key", t.key.String(), "task", t.id.String(), "error", err)
	}
	w.publish(t, res, err)
}

// awaitResume parks t while work is paused. It reports whether t should go
// on to load.
func (w *Worker) awaitResume(t *task) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused && !t.cancelled() && !w.closed {
		w.metrics.ObservePausedWait()
	}
	for w.paused && !t.cancelled() && !w.exitEarly && !w.closed {
		w.resume.Wait()
	}
	return !t.cancelled() && !w.exitEarly && !w.closed
}

// load runs the pipeline for t. Concurrent loads of the same key and display
// share one run. The run is bound to the worker's lifetime, not to t, so a
// cancelled task finishes its current step and discards the result.
func (w *Worker) load(t *task) (*bitmap.Resource, error) {
	return w.loadShared(t.key, t.display, progressRelay{w: w, t: t})
}

// flight is everyone currently sharing loads under one flight key. Results
// of those loads stay pinned until the last caller has left, so each caller
// can retain its copy before another caller's release makes it reusable.
type flight struct {
	callers int
	pins    []*bitmap.Resource
	sinks   map[*flightSink]struct{}
}

type flightSink struct {
	progress Progress
}

// flightProgress fans progress of a shared load out to every caller that
// asked for it.
type flightProgress struct {
	w *Worker
	f *flight
}

func (p flightProgress) SetProgress(total, current int64) {
	p.w.flightMu.Lock()
	sinks := make([]Progress, 0, len(p.f.sinks))
	for s := range p.f.sinks {
		sinks = append(sinks, s.progress)
	}
	p.w.flightMu.Unlock()
	for _, s := range sinks {
		s.SetProgress(total, current)
	}
}

// loadShared returns a retained resource; the caller releases it.
func (w *Worker) loadShared(key Key, display DisplayConfig, progress Progress) (*bitmap.Resource, error) {
	flightKey := fmt.Sprintf("%s|%dx%d|%s", key.String(), display.Width, display.Height, display.Format)
	f, sink := w.joinFlight(flightKey, progress)
	defer w.leaveFlight(flightKey, f, sink)

	v, err, _ := w.group.Do(flightKey, func() (any, error) {
		res, err := w.loader.Load(w.ctx, key, display, flightProgress{w: w, f: f})
		if err != nil {
			return nil, err
		}
		res.Retain()
		w.flightMu.Lock()
		f.pins = append(f.pins, res)
		w.flightMu.Unlock()
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	res := v.(*bitmap.Resource)
	res.Retain()
	return res, nil
}

func (w *Worker) joinFlight(flightKey string, progress Progress) (*flight, *flightSink) {
	w.flightMu.Lock()
	defer w.flightMu.Unlock()
	f := w.flights[flightKey]
	if f == nil {
		f = &flight{sinks: make(map[*flightSink]struct{})}
		w.flights[flightKey] = f
	}
	f.callers++
	var sink *flightSink
	if progress != nil {
		sink = &flightSink{progress: progress}
		f.sinks[sink] = struct{}{}
	}
	return f, sink
}

func (w *Worker) leaveFlight(flightKey string, f *flight, sink *flightSink) {
	w.flightMu.Lock()
	if sink != nil {
		delete(f.sinks, sink)
	}
	f.callers--
	if f.callers > 0 {
		w.flightMu.Unlock()
		return
	}
	if w.flights[flightKey] == f {
		delete(w.flights, flightKey)
	}
	pins := f.pins
	f.pins = nil
	w.flightMu.Unlock()

	for _, res := range pins {
		res.Release()
	}
}

// publish hands t's outcome to the coordinating context. The binding check
// runs there, at render time.
func (w *Worker) publish(t *task, res *bitmap.Resource, err error) {
	w.dispatch.Dispatch(func() {
		if res != nil {
			defer res.Release()
		}
		w.renderMu.Lock()
		defer w.renderMu.Unlock()

		w.mu.Lock()
		b := w.bindings[t.target]
		current := b != nil && b.task == t && !t.cancelled() && !w.exitEarly && !w.closed
		if current {
			b.progress = nil
		}
		w.mu.Unlock()

		if !current {
			w.metrics.ObserveSuppressed()
			return
		}
		if err != nil {
			w.metrics.ObserveFailureShown()
			w.showPlaceholder(t.target, t.display.Failure)
			return
		}
		w.show(t.target, res)
	})
}

// show requires renderMu.
func (w *Worker) show(target Target, res *bitmap.Resource) {
	res.Retain()
	if prev := w.shown[target]; prev != nil {
		prev.Release()
	}
	w.shown[target] = res
	w.renderer.Show(target, res)
}

// showPlaceholder requires renderMu.
func (w *Worker) showPlaceholder(target Target, res *bitmap.Resource) {
	if prev := w.shown[target]; prev != nil {
		prev.Release()
		delete(w.shown, target)
	}
	w.renderer.ShowPlaceholder(target, res)
}

// progressRelay forwards progress to whatever sink the task's binding holds
// at the time of each report.
type progressRelay struct {
	w *Worker
	t *task
}

func (p progressRelay) SetProgress(total, current int64) {
	p.w.mu.Lock()
	var sink Progress
	if b := p.w.bindings[p.t.target]; b != nil && b.task == p.t {
		sink = b.progress
	}
	p.w.mu.Unlock()
	if sink == nil {
		return
	}
	p.w.dispatch.Dispatch(func() { sink.SetProgress(total, current) })
}

// background runs op on a goroutine the caller has already counted in tasks.
// Completion goes to cb, or to OnCacheOp when cb is nil, via the Dispatcher.
func (w *Worker) background(id OperationID, cb func(OperationID), op func()) {
	if cb == nil {
		cb = w.cfg.OnCacheOp
	}
	go func() {
		defer w.tasks.Done()
		op()
		slog.Debug("isleimg: cache operation done", "op", id.String())
		if cb != nil {
			w.dispatch.Dispatch(func() { cb(id) })
		}
	}()
}

func (w *Worker) operation(id OperationID, cb func(OperationID), op func()) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWorkerClosed
	}
	w.tasks.Add(1)
	w.mu.Unlock()
	w.background(id, cb, op)
	return nil
}

// ClearCache empties both tiers asynchronously.
func (w *Worker) ClearCache(cb func(OperationID)) error {
	return w.operation(OpClear, cb, w.store.Clear)
}

// FlushCache makes persistent writes durable asynchronously.
func (w *Worker) FlushCache(cb func(OperationID)) error {
	return w.operation(OpFlush, cb, w.store.Flush)
}

// CloseCache closes the persistent tier asynchronously. The memory tier
// keeps serving.
func (w *Worker) CloseCache(cb func(OperationID)) error {
	return w.operation(OpClose, cb, w.store.Close)
}

func (w *Worker) ClearMemoryCache() {
	w.store.ClearMemory()
}

// CacheSize is the number of bytes held by the persistent tier.
func (w *Worker) CacheSize() int64 {
	return w.store.Size()
}

func (w *Worker) Stats() cachestore.Stats {
	return w.store.Stats()
}

// Shutdown cancels every task, waits for background work until ctx ends and
// closes the caches. Later requests are ignored.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for target := range w.bindings {
		w.cancelLocked(target)
	}
	w.resume.Broadcast()
	w.mu.Unlock()
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.store.Close()
	w.decoder.Close()
	w.pool.Clear()
	slog.Info("isleimg: worker stopped")
	return nil
}
