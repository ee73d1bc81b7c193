// Package pqueue is a generic priority queue built on container/heap.
package pqueue

import (
	"container/heap"
)

// Queue is a single-ended priority queue.
//
// Elements for which Less() returns true appear closer to the front. Elements
// of equal priority are popped in the order they were pushed.
type Queue[T any] struct {
	// Less returns true if a should be popped before b.
	Less func(a, b T) bool

	heap qheap[T]
	seq  uint64
}

// Len returns the number of elements on the queue.
func (q *Queue[T]) Len() int {
	return q.heap.Len()
}

// Push adds an element to the queue.
//
// It returns true if e is now at the front of the queue.
func (q *Queue[T]) Push(e T) bool {
	q.seq++

	it := &item[T]{
		elem: e,
		seq:  q.seq,
	}

	q.heap.less = q.Less
	heap.Push(&q.heap, it)

	return it.index == 0
}

// Peek returns the element at the front of the queue without removing it.
//
// It returns false if the queue is empty.
func (q *Queue[T]) Peek() (T, bool) {
	if q.heap.Len() == 0 {
		var zero T
		return zero, false
	}

	return q.heap.items[0].elem, true
}

// Pop removes the element at the front of the queue and returns it.
//
// It returns false if the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	if q.heap.Len() == 0 {
		var zero T
		return zero, false
	}

	it := heap.Pop(&q.heap).(*item[T])

	return it.elem, true
}

// Drain removes every element for which fn returns true.
func (q *Queue[T]) Drain(fn func(T) bool) []T {
	var removed []T

	for i := 0; i < len(q.heap.items); {
		it := q.heap.items[i]
		if fn(it.elem) {
			heap.Remove(&q.heap, i)
			removed = append(removed, it.elem)
			i = 0
			continue
		}
		i++
	}

	return removed
}

type item[T any] struct {
	elem  T
	seq   uint64
	index int
}

// qheap is the implementation of heap.Interface.
type qheap[T any] struct {
	less  func(a, b T) bool
	items []*item[T]
}

func (h *qheap[T]) Len() int {
	return len(h.items)
}

func (h *qheap[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *qheap[T]) Less(i, j int) bool {
	a := h.items[i]
	b := h.items[j]

	if h.less != nil {
		if h.less(a.elem, b.elem) {
			return true
		}
		if h.less(b.elem, a.elem) {
			return false
		}
	}

	return a.seq < b.seq
}

func (h *qheap[T]) Push(x any) {
	it := x.(*item[T])
	it.index = len(h.items)
	h.items = append(h.items, it)
}

func (h *qheap[T]) Pop() any {
	index := len(h.items) - 1
	it := h.items[index]

	h.items[index] = nil // avoid memory leak
	h.items = h.items[:index]

	return it
}
