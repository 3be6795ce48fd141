package keyed

import (
	"sync"
	"testing"
)

func TestAddGet(t *testing.T) {
	m := New[int]()

	if _, ok := m.Get("a"); ok {
		t.Error("expected miss on empty manager")
	}

	m.Add("a", 1)
	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v; want 1, true", v, ok)
	}

	m.Add("a", 2)
	v, _ = m.Get("a")
	if v != 2 {
		t.Errorf("Add should overwrite, got %d", v)
	}
}

func TestGetOrCreate(t *testing.T) {
	m := New[*int]()

	calls := 0
	create := func() *int {
		calls++
		n := 42
		return &n
	}

	a := m.GetOrCreate("x", create)
	b := m.GetOrCreate("x", create)
	if a != b {
		t.Error("GetOrCreate should return the same instance")
	}
	if calls != 1 {
		t.Errorf("create called %d times, want 1", calls)
	}
}

func TestDelete(t *testing.T) {
	m := New[string]()
	m.Add("a", "1")
	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Error("expected miss after Delete")
	}
	// Deleting a missing key is a no-op
	m.Delete("missing")
}

func TestNamesAndLen(t *testing.T) {
	m := New[int]()
	m.Add("a", 1)
	m.Add("b", 2)

	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}

	names := m.Names()
	if len(names) != 2 {
		t.Errorf("Names returned %d entries, want 2", len(names))
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("Names = %v, want a and b", names)
	}
}

func TestRangeStopsEarly(t *testing.T) {
	m := New[int]()
	m.Add("a", 1)
	m.Add("b", 2)
	m.Add("c", 3)

	count := 0
	m.Range(func(name string, item int) bool {
		count++
		return false
	})
	if count != 1 {
		t.Errorf("Range visited %d items after early stop, want 1", count)
	}
}

func TestClear(t *testing.T) {
	m := New[int]()
	m.Add("a", 1)
	m.Clear()
	if m.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", m.Len())
	}
	// Manager remains usable after Clear
	m.Add("b", 2)
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Add("shared", n)
				m.Get("shared")
				m.GetOrCreate("created", func() int { return n })
			}
		}(i)
	}
	wg.Wait()

	if _, ok := m.Get("shared"); !ok {
		t.Error("expected shared key present")
	}
}
