package container

// UniqueQueue is a FIFO queue that holds a value at most once.
type UniqueQueue[T comparable] struct {
	has     map[T]bool
	removed map[T]bool
	first   *queueItem[T]
	last    *queueItem[T]
}

type queueItem[T any] struct {
	v    T
	next *queueItem[T]
}

// NewUniqueQueue creates a new UniqueQueue.
func NewUniqueQueue[T comparable]() *UniqueQueue[T] {
	return &UniqueQueue[T]{
		has:     make(map[T]bool),
		removed: make(map[T]bool),
	}
}

// Push appends v to the queue.
// It does nothing if v is already queued.
func (q *UniqueQueue[T]) Push(v T) {
	if q.removed[v] {
		// Still linked. Reviving keeps its old position.
		delete(q.removed, v)
		return
	}
	if q.has[v] {
		return
	}
	q.has[v] = true
	item := &queueItem[T]{v: v}
	if q.first == nil {
		q.first = item
	} else {
		q.last.next = item
	}
	q.last = item
}

// Pop pops the oldest value. ok is false when the queue is empty.
func (q *UniqueQueue[T]) Pop() (v T, ok bool) {
	for q.first != nil {
		v = q.first.v
		if q.first == q.last {
			q.first = nil
			q.last = nil
		} else {
			q.first = q.first.next
		}
		delete(q.has, v)
		if q.removed[v] {
			delete(q.removed, v)
			continue
		}
		return v, true
	}
	var zero T
	return zero, false
}

// Remove marks v as removed and reports whether it was queued.
// Pop skips removed values.
func (q *UniqueQueue[T]) Remove(v T) bool {
	if !q.has[v] || q.removed[v] {
		return false
	}
	q.removed[v] = true
	return true
}

// Has reports whether v is queued.
func (q *UniqueQueue[T]) Has(v T) bool {
	return q.has[v] && !q.removed[v]
}

// Len returns the number of queued values.
func (q *UniqueQueue[T]) Len() int {
	return len(q.has) - len(q.removed)
}
