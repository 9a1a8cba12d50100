package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	cache := NewLRU[string, int](2, func(key string, _ int) {
		evicted = append(evicted, key)
	})

	cache.Put("a", 1)
	cache.Put("b", 2)
	if _, ok := cache.Get("a"); !ok {
		t.Fatal("expected a to be cached")
	}
	cache.Put("c", 3)

	if _, ok := cache.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Errorf("evicted = %v, want [b]", evicted)
	}
	if cache.Len() != 2 {
		t.Errorf("Len = %d, want 2", cache.Len())
	}
}

func TestLRUPutReplacesValue(t *testing.T) {
	var evicted []int
	cache := NewLRU[string, int](2, func(_ string, v int) {
		evicted = append(evicted, v)
	})

	cache.Put("a", 1)
	cache.Put("a", 2)

	if v, _ := cache.Get("a"); v != 2 {
		t.Errorf("Get(a) = %d, want 2", v)
	}
	if len(evicted) != 1 || evicted[0] != 1 {
		t.Errorf("replaced value should be released, got %v", evicted)
	}
}

func TestLRUGetOrCreate(t *testing.T) {
	cache := NewLRU[string, int](4, nil)

	var calls int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := cache.GetOrCreate("k", func() (int, error) {
				atomic.AddInt32(&calls, 1)
				return 42, nil
			})
			if err != nil || v != 42 {
				t.Errorf("GetOrCreate = %d, %v", v, err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("create called %d times, want 1", calls)
	}

	_, err := cache.GetOrCreate("bad", func() (int, error) {
		return 0, errors.New("open failed")
	})
	if err == nil {
		t.Error("expected create error to propagate")
	}
	if _, ok := cache.Get("bad"); ok {
		t.Error("failed create should not be cached")
	}
}

func TestLRUDeleteAndClear(t *testing.T) {
	released := map[string]bool{}
	cache := NewLRU[string, int](8, func(key string, _ int) {
		released[key] = true
	})

	cache.Put("a", 1)
	cache.Put("b", 2)
	cache.Put("c", 3)

	if !cache.Delete("a") {
		t.Error("Delete(a) should report true")
	}
	if cache.Delete("missing") {
		t.Error("Delete(missing) should report false")
	}
	cache.Clear()

	for _, key := range []string{"a", "b", "c"} {
		if !released[key] {
			t.Errorf("%s was not released", key)
		}
	}
	if cache.Len() != 0 {
		t.Errorf("Len after Clear = %d", cache.Len())
	}
}

func TestLRUStats(t *testing.T) {
	cache := NewLRU[int, string](1, nil)
	cache.Put(1, "one")
	cache.Get(1)
	cache.Get(2)
	cache.Put(2, "two")

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", stats.Hits, stats.Misses)
	}
	if stats.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", stats.Evictions)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", stats.HitRate)
	}
}
