package grade

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/imagvfx/grade/lib/container"
	"github.com/imagvfx/grade/store"
)

// WorkerID identifies a connected worker. It is given by the server.
type WorkerID string

// ClientID identifies a connected client. It is given by the server.
type ClientID string

type WorkerStatus int

const (
	// WorkerConnected is a worker that hasn't asked for work yet.
	WorkerConnected = WorkerStatus(iota)
	WorkerReady
	WorkerRunning
	WorkerGone
)

// String represents WorkerStatus as string.
func (s WorkerStatus) String() string {
	return map[WorkerStatus]string{
		WorkerConnected: "connected",
		WorkerReady:     "ready",
		WorkerRunning:   "running",
		WorkerGone:      "gone",
	}[s]
}

// Job is an execution handed to a worker.
type Job struct {
	DAG       DAGID                `json:"dag"`
	Execution *Execution           `json:"execution"`
	Inputs    map[FileID]store.Key `json:"inputs"`
	Attempt   int                  `json:"attempt"`
}

// InputKeys returns keys of every input of the job.
func (j *Job) InputKeys() []store.Key {
	keys := make([]store.Key, 0, len(j.Inputs))
	for _, k := range j.Inputs {
		keys = append(keys, k)
	}
	return keys
}

// Worker is a worker connected to the farm. It runs one job at a time.
// The farm puts jobs and kill requests into the worker's channels;
// the worker's connection delivers them.
type Worker struct {
	ID   WorkerID
	Name string

	status WorkerStatus
	// exec is the execution the worker is running.
	exec  *execState
	since time.Time

	jobs  chan *Job
	kills chan ExecutionID
	gone  chan struct{}
}

func newWorker(id WorkerID, name string) *Worker {
	return &Worker{
		ID:     id,
		Name:   name,
		status: WorkerConnected,
		// A worker gets a job only while idle, so one slot is enough.
		jobs:  make(chan *Job, 1),
		kills: make(chan ExecutionID, 4),
		gone:  make(chan struct{}),
	}
}

// kill asks the worker's connection to abandon exec, the worker's current
// execution. Requests still in the channel are for executions the worker
// doesn't run any more; they are discarded to make room.
func (w *Worker) kill(exec ExecutionID) {
	for {
		select {
		case w.kills <- exec:
			return
		default:
		}
		select {
		case old := <-w.kills:
			log.Debug().Str("worker", w.Name).Str("exec", string(old)).Msg("stale kill request discarded")
		default:
		}
	}
}

// Jobs delivers jobs assigned to the worker.
func (w *Worker) Jobs() <-chan *Job {
	return w.jobs
}

// Kills delivers executions the worker should abandon.
func (w *Worker) Kills() <-chan ExecutionID {
	return w.kills
}

// Gone is closed when the farm forgets the worker.
func (w *Worker) Gone() <-chan struct{} {
	return w.gone
}

// WorkerManager keeps connected workers and the idle ones in arrival order.
// Its methods should be called with the farm lock held.
type WorkerManager struct {
	worker map[WorkerID]*Worker
	idle   *container.UniqueQueue[*Worker]
}

func NewWorkerManager() *WorkerManager {
	return &WorkerManager{
		worker: make(map[WorkerID]*Worker),
		idle:   container.NewUniqueQueue[*Worker](),
	}
}

func (m *WorkerManager) Add(w *Worker) bool {
	if _, ok := m.worker[w.ID]; ok {
		return false
	}
	m.worker[w.ID] = w
	return true
}

func (m *WorkerManager) Find(id WorkerID) *Worker {
	return m.worker[id]
}

// Ready puts the worker into the idle queue.
func (m *WorkerManager) Ready(w *Worker) {
	w.status = WorkerReady
	w.exec = nil
	m.idle.Push(w)
}

// Pop pops the worker that has been idle the longest.
func (m *WorkerManager) Pop() *Worker {
	w, ok := m.idle.Pop()
	if !ok {
		return nil
	}
	return w
}

// Bye forgets the worker.
func (m *WorkerManager) Bye(w *Worker) {
	delete(m.worker, w.ID)
	m.idle.Remove(w)
	w.status = WorkerGone
	close(w.gone)
}

// NumIdle returns number of workers waiting for a job.
func (m *WorkerManager) NumIdle() int {
	return m.idle.Len()
}

// Workers returns every connected worker.
func (m *WorkerManager) Workers() []*Worker {
	ws := make([]*Worker, 0, len(m.worker))
	for _, w := range m.worker {
		ws = append(ws, w)
	}
	return ws
}
