package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// KeyedWindow enforces a per-key request budget over a sliding
// window. The limit is passed per call because each API key carries
// its own budget.
type KeyedWindow interface {
	// Allow records an attempt for key against limit. A limit of 0
	// means unlimited.
	Allow(ctx context.Context, key string, limit int) (allowed bool, remaining int, reset time.Time, err error)
}

const numShards = 64

type shard struct {
	mu    sync.Mutex
	items map[string]*window
}

// window tracks counts for two adjacent fixed windows.
type window struct {
	prevCount int
	currCount int
	currStart time.Time
	lastUsed  time.Time
}

// MemoryWindow is an in-process sliding window counter. It
// interpolates between two adjacent fixed windows for O(1) memory
// per key.
type MemoryWindow struct {
	period time.Duration
	shards [numShards]shard
	done   chan struct{}
}

// NewMemoryWindow creates a sliding window counter with the given
// period. A zero period defaults to one minute.
func NewMemoryWindow(period time.Duration) *MemoryWindow {
	if period <= 0 {
		period = time.Minute
	}
	mw := &MemoryWindow{period: period, done: make(chan struct{})}
	for i := range mw.shards {
		mw.shards[i].items = make(map[string]*window)
	}
	go mw.cleanup()
	return mw
}

func (mw *MemoryWindow) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &mw.shards[h.Sum32()%numShards]
}

// Allow implements KeyedWindow.
func (mw *MemoryWindow) Allow(_ context.Context, key string, limit int) (bool, int, time.Time, error) {
	now := time.Now()
	if limit <= 0 {
		return true, -1, now.Add(mw.period), nil
	}

	s := mw.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.items[key]
	if !exists {
		w = &window{currStart: now.Truncate(mw.period)}
		s.items[key] = w
	}

	// Rotate windows if we've moved past the current one
	if gap := now.Sub(w.currStart); gap >= mw.period {
		if gap >= 2*mw.period {
			w.prevCount = 0
		} else {
			w.prevCount = w.currCount
		}
		w.currCount = 0
		w.currStart = now.Truncate(mw.period)
	}

	// Weighted estimate across the two windows
	elapsed := now.Sub(w.currStart)
	weight := 1.0 - float64(elapsed)/float64(mw.period)
	estimate := float64(w.prevCount)*weight + float64(w.currCount)

	reset := w.currStart.Add(mw.period)
	w.lastUsed = now

	if estimate >= float64(limit) {
		return false, 0, reset, nil
	}

	w.currCount++
	remaining := float64(limit) - estimate - 1
	if remaining < 0 {
		remaining = 0
	}
	return true, int(remaining), reset, nil
}

// Close stops the cleanup goroutine.
func (mw *MemoryWindow) Close() {
	close(mw.done)
}

func (mw *MemoryWindow) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-mw.done:
			return
		case <-ticker.C:
			now := time.Now()
			cutoff := 2 * mw.period
			for i := range mw.shards {
				s := &mw.shards[i]
				s.mu.Lock()
				for k, w := range s.items {
					if now.Sub(w.lastUsed) > cutoff {
						delete(s.items, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}
