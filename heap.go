package grade

import "github.com/imagvfx/grade/lib/container"

// newDispatchHeap creates a heap of executions waiting for a worker.
// Higher priority goes first. Among equal priorities, earlier submissions
// go first, and inside a submission the DAG order is kept.
func newDispatchHeap() *container.UniqueHeap[*execState] {
	return container.NewUniqueHeap(func(a, b *execState) bool {
		pa, pb := a.priority(), b.priority()
		if pa > pb {
			return true
		}
		if pa < pb {
			return false
		}
		if a.sub.seq != b.sub.seq {
			return a.sub.seq < b.sub.seq
		}
		return a.seq < b.seq
	})
}
