package isleimg

import (
	"cmp"
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Preload warms both cache tiers for keys without binding any target. At
// most concurrency keys load at once; zero means the configured pool size.
// Preload shares the task slots with requests and blocks until every key is
// loaded or one fails, returning the first error.
func (w *Worker) Preload(ctx context.Context, keys []Key, concurrency int) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWorkerClosed
	}
	w.tasks.Add(1)
	w.mu.Unlock()
	defer w.tasks.Done()

	display := w.displayFor(nil)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cmp.Or(concurrency, w.cfg.Config.PoolSize))
	for _, key := range keys {
		if key == nil {
			continue
		}
		if _, ok := w.store.GetMemory(key.String()); ok {
			continue
		}
		g.Go(func() error {
			if err := w.slots.Acquire(gctx, 1); err != nil {
				return err
			}
			defer w.slots.Release(1)

			res, err := w.loadShared(key, display, nil)
			if err != nil {
				return fmt.Errorf("isleimg: preload %s: %w", key, err)
			}
			defer res.Release()
			w.store.PutMemory(key.String(), res)
			w.store.PutPersistent(key.String(), res)
			return nil
		})
	}
	return g.Wait()
}
