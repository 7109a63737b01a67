package internal

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type sized struct {
	name string
	cost int64
}

func costOfSized(s *sized) int64 { return s.cost }

func TestLRU_BasicOperations(t *testing.T) {
	c := NewLRU[string, *sized](100, costOfSized, nil)

	_, ok := c.Get("a")
	require.False(t, ok)

	a := &sized{name: "a", cost: 10}
	c.Put("a", a)
	got, ok := c.Get("a")
	require.True(t, ok)
	require.Same(t, a, got)

	stats := c.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(10), stats.Cost)
	require.Equal(t, 1, stats.EntryCount)

	require.True(t, c.Remove("a"))
	require.False(t, c.Remove("a"))
	require.Equal(t, int64(0), c.Cost())
}

func TestLRU_GetWithRunsUnderLock(t *testing.T) {
	c := NewLRU[string, *sized](100, costOfSized, nil)
	c.Put("a", &sized{name: "a", cost: 10})

	var seen *sized
	got, ok := c.GetWith("a", func(v *sized) {
		seen = v
		require.False(t, c.mu.TryLock(), "callback runs with the lock held")
	})
	require.True(t, ok)
	require.Same(t, got, seen)

	called := false
	_, ok = c.GetWith("missing", func(*sized) { called = true })
	require.False(t, ok)
	require.False(t, called)
	require.Equal(t, int64(1), c.Stats().Hits)
}

func TestLRU_EvictsLeastRecentlyUsedFirst(t *testing.T) {
	var evicted []string
	c := NewLRU[string, *sized](100, costOfSized, func(k string, _ *sized) {
		evicted = append(evicted, k)
	})

	c.Put("k1", &sized{cost: 30})
	c.Put("k2", &sized{cost: 30})
	c.Put("k3", &sized{cost: 30})

	_, _ = c.Get("k1")
	c.Put("k4", &sized{cost: 30})

	require.Equal(t, []string{"k2"}, evicted)
	require.Equal(t, []string{"k4", "k1", "k3"}, c.Keys())

	c.Put("k5", &sized{cost: 60})
	require.Equal(t, []string{"k2", "k3", "k1"}, evicted)
	require.Equal(t, []string{"k5", "k4"}, c.Keys())
	require.Equal(t, int64(90), c.Cost())
}

func TestLRU_ReplaceNotifiesOldValue(t *testing.T) {
	var evicted []*sized
	c := NewLRU[string, *sized](100, costOfSized, func(_ string, v *sized) {
		evicted = append(evicted, v)
	})

	first := &sized{cost: 10}
	second := &sized{cost: 20}
	c.Put("k", first)
	c.Put("k", first)
	require.Empty(t, evicted, "re-putting the same value is not a replacement")

	c.Put("k", second)
	require.Equal(t, []*sized{first}, evicted)
	require.Equal(t, int64(20), c.Cost())
}

func TestLRU_OversizedEntryDoesNotStay(t *testing.T) {
	c := NewLRU[string, *sized](50, costOfSized, nil)
	c.Put("small", &sized{cost: 10})
	c.Put("huge", &sized{cost: 80})

	require.LessOrEqual(t, c.Cost(), int64(50))
	require.False(t, c.Contains("huge"))
}

func TestLRU_ClearNotifiesEverything(t *testing.T) {
	var evicted []string
	c := NewLRU[string, *sized](100, costOfSized, func(k string, _ *sized) {
		evicted = append(evicted, k)
	})
	c.Put("a", &sized{cost: 1})
	c.Put("b", &sized{cost: 1})
	_, _ = c.Get("a")

	c.Clear()
	require.Equal(t, []string{"b", "a"}, evicted)
	require.Equal(t, 0, c.Len())
	require.Equal(t, int64(0), c.Cost())
}

func TestLRU_BudgetHoldsUnderRandomPuts(t *testing.T) {
	const budget = 500
	c := NewLRU[string, *sized](budget, costOfSized, nil)
	rng := rand.New(rand.NewPCG(1, 2))

	for i := range 5000 {
		key := fmt.Sprintf("k%d", rng.IntN(64))
		if i%3 == 0 {
			_, _ = c.Get(key)
			continue
		}
		c.Put(key, &sized{cost: int64(1 + rng.IntN(120))})
		require.LessOrEqual(t, c.Cost(), int64(budget))
	}
}

func TestLRU_ConcurrentAccess(t *testing.T) {
	var evictions sync.Map
	c := NewLRU[int, *sized](64, costOfSized, func(k int, v *sized) {
		evictions.Store(v, k)
	})

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				k := (w*31 + i) % 100
				c.Put(k, &sized{cost: 1})
				_, _ = c.Get((k + 7) % 100)
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, c.Cost(), int64(64))
	require.Equal(t, int64(c.Len()), c.Cost())
}
