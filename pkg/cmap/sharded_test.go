package cmap

import (
	"fmt"
	"sync"
	"testing"
)

func TestNewWithShards(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{0, DefaultShardCount},
		{-1, DefaultShardCount},
		{3, DefaultShardCount},
		{1, 1},
		{8, 8},
		{32, 32},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("shards=%d", tt.input), func(t *testing.T) {
			m := NewWithShards[uint64, int](tt.input)
			if m.ShardCount() != tt.expected {
				t.Errorf("NewWithShards(%d) shard count = %d, want %d", tt.input, m.ShardCount(), tt.expected)
			}
		})
	}
}

func TestSetGetDelete(t *testing.T) {
	m := New[uint64, string]()

	m.Set(100, "a")
	m.Set(200, "b")
	m.Set(100, "c")

	if v, ok := m.Get(100); !ok || v != "c" {
		t.Errorf("Get(100) = (%q, %v), want (\"c\", true)", v, ok)
	}
	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}

	m.Delete(100)
	if m.Has(100) {
		t.Error("100 should be gone after Delete")
	}
	m.Delete(999)

	m.Clear()
	if m.Count() != 0 {
		t.Errorf("Count() after Clear = %d, want 0", m.Count())
	}
}

func TestPop(t *testing.T) {
	m := New[string, int]()
	m.Set("x", 7)

	v, ok := m.Pop("x")
	if !ok || v != 7 {
		t.Errorf("Pop(x) = (%d, %v), want (7, true)", v, ok)
	}
	if _, ok := m.Pop("x"); ok {
		t.Error("second Pop should miss")
	}
}

func TestUpdate(t *testing.T) {
	m := New[uint64, []int]()

	m.Update(1, func(v []int, exists bool) []int {
		if exists {
			t.Error("key 1 should not exist yet")
		}
		return append(v, 10)
	})
	got := m.Update(1, func(v []int, exists bool) []int {
		if !exists {
			t.Error("key 1 should exist")
		}
		return append(v, 20)
	})
	if len(got) != 2 || got[0] != 10 || got[1] != 20 {
		t.Errorf("Update result = %v, want [10 20]", got)
	}
}

func TestRangeAndKeys(t *testing.T) {
	m := New[uint64, int]()
	for i := uint64(0); i < 50; i++ {
		m.Set(i, int(i))
	}

	sum := 0
	m.Range(func(_ uint64, v int) bool {
		sum += v
		return true
	})
	if sum != 49*50/2 {
		t.Errorf("Range sum = %d, want %d", sum, 49*50/2)
	}

	visited := 0
	m.Range(func(uint64, int) bool {
		visited++
		return visited < 5
	})
	if visited != 5 {
		t.Errorf("early stop visited %d, want 5", visited)
	}

	if len(m.Keys()) != 50 {
		t.Errorf("Keys() length = %d, want 50", len(m.Keys()))
	}
}

func TestStatsSpreadsKeys(t *testing.T) {
	m := NewWithShards[uint64, int](4)
	for i := uint64(0); i < 400; i++ {
		m.Set(i, 0)
	}

	total := 0
	for _, s := range m.Stats() {
		if s.Count == 0 {
			t.Errorf("shard %d is empty", s.Index)
		}
		total += s.Count
	}
	if total != 400 {
		t.Errorf("total from stats = %d, want 400", total)
	}
}

func TestHashKeyStable(t *testing.T) {
	if hashKey(uint64(42), 1) != hashKey(uint64(42), 1) {
		t.Error("hash is not deterministic")
	}
	if hashKey("a", 1) == hashKey("b", 1) {
		t.Error("distinct strings collided")
	}
	type pair struct{ a, b int }
	_ = hashKey(pair{1, 2}, 1)
}

func TestConcurrentAccess(t *testing.T) {
	m := New[int, int]()
	var wg sync.WaitGroup
	const workers, ops = 50, 500

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < ops; j++ {
				key := base*ops + j
				m.Set(key, j)
				m.Get(key)
				m.Update(key, func(v int, _ bool) int { return v + 1 })
			}
		}(i)
	}
	wg.Wait()

	if m.Count() != workers*ops {
		t.Errorf("Count() = %d, want %d", m.Count(), workers*ops)
	}
}
