package grade

import (
	"time"

	"github.com/imagvfx/grade/store"
)

// execState is the scheduling state of an execution of a submission.
type execState struct {
	sub  *Submission
	exec *Execution
	// seq is position of the execution in the DAG.
	seq int

	state  ExecState
	worker *Worker
	job    *Job
	result *ExecutionResult

	// missing is number of dependencies not available yet.
	missing  int
	attempts int

	fp Fingerprint
	// fpKey is fp.String(), computed once the inputs are known.
	fpKey string
	// cacheable tells the cache can serve and store the execution.
	cacheable bool
	// inflight is set while the execution owns fpKey in Farm.inflight.
	inflight bool

	// rerun is set while the execution runs again to reproduce outputs
	// that went missing from the store. Its events were sent already.
	rerun  bool
	reruns int
}

func (st *execState) priority() int {
	return st.exec.Priority + st.sub.dag.Config.Priority
}

// Submission is a DAG under evaluation for a client.
type Submission struct {
	ID     DAGID
	Client ClientID

	dag   *DAG
	graph *Graph
	// seq orders submissions by arrival.
	seq     int
	created time.Time

	execs map[ExecutionID]*execState
	order []*execState

	// keys are content keys of files that exist so far.
	keys map[FileID]store.Key
	// bad are files that will never exist, or exist but come from a failed execution.
	bad map[FileID]bool
	// waiting are provided files the farm is waiting the client to upload.
	waiting map[FileID]bool
	// held are keys the submission pinned in the store.
	held map[store.Key]bool

	// remaining is number of executions not terminal yet.
	remaining int
	canceled  bool
	finished  bool

	events *EventQueue
}

func newSubmission(client ClientID, g *Graph, seq int) *Submission {
	s := &Submission{
		ID:      g.DAG.ID,
		Client:  client,
		dag:     g.DAG,
		graph:   g,
		seq:     seq,
		created: time.Now(),
		execs:   make(map[ExecutionID]*execState),
		keys:    make(map[FileID]store.Key),
		bad:     make(map[FileID]bool),
		waiting: make(map[FileID]bool),
		held:    make(map[store.Key]bool),
		events:  NewEventQueue(),
	}
	for i, e := range g.DAG.Executions {
		st := &execState{
			sub:     s,
			exec:    e,
			seq:     i,
			state:   ExecPending,
			missing: len(e.Dependencies()),
		}
		s.execs[e.ID] = st
		s.order = append(s.order, st)
	}
	s.remaining = len(s.order)
	return s
}

// DAG returns the DAG the submission evaluates.
func (s *Submission) DAG() *DAG {
	return s.dag
}

// Events returns the queue of events for the client.
func (s *Submission) Events() *EventQueue {
	return s.events
}

func (s *Submission) emit(ev Event) {
	ev.DAG = s.ID
	s.events.Push(ev)
}

func (s *Submission) report() *Report {
	r := &Report{
		DAG:        s.ID,
		Executions: make(map[ExecutionID]ExecutionReport, len(s.order)),
		Files:      make(map[FileID]store.Key, len(s.keys)),
	}
	for _, st := range s.order {
		r.Executions[st.exec.ID] = ExecutionReport{State: st.state, Result: st.result}
	}
	for f, k := range s.keys {
		r.Files[f] = k
	}
	return r
}
