// Package store holds pending tasks ordered by due time.
//
// The store is a binary min-heap behind a single mutex. Ties on due time are
// broken by insertion sequence, so two tasks with the same due time come out
// in the order they went in. The lock is held only for the heap update.
package store

import (
	"container/heap"
	"sort"
	"sync"

	"duesched/internal/task"
)

type entry struct {
	t   task.Task
	seq uint64
}

type minHeap []entry

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	if h[i].t.Due.Equal(h[j].t.Due) {
		return h[i].seq < h[j].seq
	}
	return h[i].t.Due.Before(h[j].t.Due)
}

func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{} // allow GC of the payload
	*h = old[:n-1]
	return e
}

// Store is a thread-safe ordered multiset of pending tasks.
// The zero value is not usable; use New.
type Store struct {
	mu      sync.Mutex
	h       minHeap
	seq     uint64
	changed chan struct{}
}

func New() *Store {
	return &Store{changed: make(chan struct{})}
}

// Insert adds t in O(log n).
func (s *Store) Insert(t task.Task) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.h, entry{t: t, seq: s.seq})
	// Wake everyone waiting on the previous generation.
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// TryExtractMin removes and returns the earliest-due task.
// It returns false if the store is empty.
func (s *Store) TryExtractMin() (task.Task, bool) {
	t, _, ok := s.Take()
	return t, ok
}

// Ticket is a task's insertion position. Handing it back to Reinsert
// restores the task's place among tasks with the same due time.
type Ticket uint64

// Take is TryExtractMin that also returns the task's Ticket.
func (s *Store) Take() (task.Task, Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return task.Task{}, 0, false
	}
	e := heap.Pop(&s.h).(entry)
	return e.t, Ticket(e.seq), true
}

// Reinsert puts back a task obtained from Take with its original position,
// so it still extracts ahead of same-due tasks inserted after it.
func (s *Store) Reinsert(t task.Task, tk Ticket) {
	s.mu.Lock()
	heap.Push(&s.h, entry{t: t, seq: uint64(tk)})
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// PeekMin returns the earliest-due task without removing it.
func (s *Store) PeekMin() (task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return task.Task{}, false
	}
	return s.h[0].t, true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.h)
}

// Changed returns a channel that is closed by the next Insert.
//
// Callers must fetch a fresh channel after every wake-up.
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Pending returns a copy of all pending tasks in extraction order.
func (s *Store) Pending() []task.Task {
	s.mu.Lock()
	cp := make(minHeap, len(s.h))
	copy(cp, s.h)
	s.mu.Unlock()

	sort.Slice(cp, func(i, j int) bool { return cp.Less(i, j) })
	out := make([]task.Task, len(cp))
	for i, e := range cp {
		out[i] = e.t
	}
	return out
}
