package container

import "container/heap"

// UniqueHeap is a priority heap that keeps a value only once.
// Removal is lazy: a removed value stays in the backing slice
// until Pop meets it.
type UniqueHeap[T comparable] struct {
	has     map[T]bool
	removed map[T]bool
	items   *itemHeap[T]
}

// NewUniqueHeap creates a new UniqueHeap ordered by less.
func NewUniqueHeap[T comparable](less func(a, b T) bool) *UniqueHeap[T] {
	return &UniqueHeap[T]{
		has:     make(map[T]bool),
		removed: make(map[T]bool),
		items:   &itemHeap[T]{less: less},
	}
}

// Push pushes v to the heap.
// Pushing a value that was removed but not yet popped revives it.
func (h *UniqueHeap[T]) Push(v T) {
	if h.removed[v] {
		delete(h.removed, v)
		return
	}
	if h.has[v] {
		return
	}
	h.has[v] = true
	heap.Push(h.items, v)
}

// Remove marks v as removed. It reports whether v was in the heap.
func (h *UniqueHeap[T]) Remove(v T) bool {
	if !h.has[v] || h.removed[v] {
		return false
	}
	h.removed[v] = true
	return true
}

// Has reports whether v is in the heap and not removed.
func (h *UniqueHeap[T]) Has(v T) bool {
	return h.has[v] && !h.removed[v]
}

// Len returns the number of live values.
func (h *UniqueHeap[T]) Len() int {
	return len(h.has) - len(h.removed)
}

// Pop pops the smallest live value.
// ok is false when the heap is empty.
func (h *UniqueHeap[T]) Pop() (v T, ok bool) {
	for h.items.Len() != 0 {
		v = heap.Pop(h.items).(T)
		delete(h.has, v)
		if h.removed[v] {
			delete(h.removed, v)
			continue
		}
		return v, true
	}
	var zero T
	return zero, false
}

// Peek returns the smallest live value without popping it.
func (h *UniqueHeap[T]) Peek() (v T, ok bool) {
	for h.items.Len() != 0 {
		v = h.items.s[0]
		if !h.removed[v] {
			return v, true
		}
		heap.Pop(h.items)
		delete(h.has, v)
		delete(h.removed, v)
	}
	var zero T
	return zero, false
}

type itemHeap[T any] struct {
	s    []T
	less func(a, b T) bool
}

func (h itemHeap[T]) Len() int           { return len(h.s) }
func (h itemHeap[T]) Less(i, j int) bool { return h.less(h.s[i], h.s[j]) }
func (h itemHeap[T]) Swap(i, j int)      { h.s[i], h.s[j] = h.s[j], h.s[i] }

func (h *itemHeap[T]) Push(x any) {
	h.s = append(h.s, x.(T))
}

func (h *itemHeap[T]) Pop() any {
	old := h.s
	n := len(old)
	v := old[n-1]
	var zero T
	old[n-1] = zero // avoid memory leak
	h.s = old[:n-1]
	return v
}
