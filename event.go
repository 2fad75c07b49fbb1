package grade

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/imagvfx/grade/store"
)

// ExecState is the scheduling state of an execution.
type ExecState int

const (
	ExecPending = ExecState(iota)
	ExecStarted
	ExecDone
	ExecSkipped
)

var execStateNames = map[ExecState]string{
	ExecPending: "pending",
	ExecStarted: "started",
	ExecDone:    "done",
	ExecSkipped: "skipped",
}

// String represents ExecState as string.
func (s ExecState) String() string {
	return execStateNames[s]
}

func (s ExecState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ExecState) UnmarshalText(b []byte) error {
	for st, name := range execStateNames {
		if name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown execution state: %s", b)
}

// Terminal reports whether the state won't change anymore.
func (s ExecState) Terminal() bool {
	return s == ExecDone || s == ExecSkipped
}

// EventKind is kind of an Event.
type EventKind string

const (
	EventStarted        = EventKind("started")
	EventDone           = EventKind("done")
	EventSkipped        = EventKind("skipped")
	EventSubmissionDone = EventKind("submission_done")
	EventError          = EventKind("error")
)

// Event notifies the client of a submission about its progress.
type Event struct {
	Kind       EventKind            `json:"kind"`
	DAG        DAGID                `json:"dag"`
	Execution  ExecutionID          `json:"execution,omitempty"`
	Worker     WorkerID             `json:"worker,omitempty"`
	WorkerName string               `json:"worker_name,omitempty"`
	Result     *ExecutionResult     `json:"result,omitempty"`
	Outputs    map[FileID]store.Key `json:"outputs,omitempty"`
	Report     *Report              `json:"report,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// ExecutionReport is the final state of an execution.
type ExecutionReport struct {
	State  ExecState        `json:"state"`
	Result *ExecutionResult `json:"result,omitempty"`
}

// Report summarizes a finished submission.
type Report struct {
	DAG        DAGID                           `json:"dag"`
	Executions map[ExecutionID]ExecutionReport `json:"executions"`

	// Files has keys of every file that exists, provided or emitted.
	Files map[FileID]store.Key `json:"files"`
}

// Success reports whether every execution ended successfully.
func (r *Report) Success() bool {
	for _, e := range r.Executions {
		if e.State != ExecDone || e.Result == nil || !e.Result.Status.IsSuccess() {
			return false
		}
	}
	return true
}

// EventQueue is an unbounded queue of events.
// Push never blocks, so a slow reader can't stall the farm.
type EventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	notify chan struct{}
}

func NewEventQueue() *EventQueue {
	return &EventQueue{notify: make(chan struct{}, 1)}
}

// Push appends an event. Events pushed after Close are dropped.
func (q *EventQueue) Push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events = append(q.events, ev)
	q.wake()
}

// Close lets Next return io.EOF once queued events are drained.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.wake()
}

func (q *EventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next waits for the next event.
func (q *EventQueue) Next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.events) != 0 {
			ev := q.events[0]
			q.events[0] = Event{}
			q.events = q.events[1:]
			q.mu.Unlock()
			return ev, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Event{}, io.EOF
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}
