package grade

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/imagvfx/grade/lib/container"
	"github.com/imagvfx/grade/store"
)

var (
	ErrUnknownWorker       = errors.New("unknown worker")
	ErrUnknownSubmission   = errors.New("unknown submission")
	ErrDuplicateSubmission = errors.New("dag already submitted")
	ErrStaleCompletion     = errors.New("completion doesn't match the worker's job")
)

// ResultCache is what the farm needs from a result cache.
type ResultCache interface {
	// Lookup finds a result of an execution with the fingerprint.
	// outputs maps output slots of e to their keys.
	Lookup(e *Execution, fp Fingerprint) (r *ExecutionResult, outputs map[string]store.Key, ok bool)

	// Store remembers a result of an execution.
	Store(e *Execution, fp Fingerprint, r ExecutionResult, outputs map[string]store.Key) error
}

// FarmOptions are options of a Farm.
type FarmOptions struct {
	// MaxAttempts is how many times an execution can be handed to a worker
	// that goes away before it ends with an internal error. Zero means 3.
	//
	// A retried command runs again from scratch, so commands should not
	// change anything but their declared outputs.
	MaxAttempts int
}

// Farm schedules executions of submitted DAGs to workers.
//
// Every state change happens under one lock and finishes by scheduling what
// became ready: cache hits complete right away, misses wait in a heap until
// a worker is idle. Nothing blocking happens under the lock; jobs and kill
// requests go to per worker channels which the connections drain.
type Farm struct {
	mu sync.Mutex

	store *store.Store
	cache ResultCache
	opts  FarmOptions

	sub     map[DAGID]*Submission
	nextSeq int

	workerman *WorkerManager

	// ready are executions with every dependency available, not probed yet.
	ready []*execState
	// queue are executions waiting for an idle worker.
	queue *container.UniqueHeap[*execState]

	// inflight holds a cacheable execution per full fingerprint while it runs.
	// Executions with the same fingerprint are parked until it finishes,
	// then probe the cache again.
	inflight map[string]*execState
	parked   map[string][]*execState
}

// NewFarm creates a new Farm. cache can be nil, which disables caching.
func NewFarm(st *store.Store, cache ResultCache, opts FarmOptions) *Farm {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Farm{
		store:     st,
		cache:     cache,
		opts:      opts,
		sub:       make(map[DAGID]*Submission),
		workerman: NewWorkerManager(),
		queue:     newDispatchHeap(),
		inflight:  make(map[string]*execState),
		parked:    make(map[string][]*execState),
	}
}

// Store returns the blob store of the farm.
func (f *Farm) Store() *store.Store {
	return f.store
}

// Submit validates a DAG and starts evaluating it for a client.
// It returns provided files the farm doesn't have; the client should upload
// them, and the farm learns each arrival with Provide.
func (f *Farm) Submit(client ClientID, dag *DAG) (*Submission, []*ProvidedFile, error) {
	g, err := dag.Validate()
	if err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sub[dag.ID]; ok {
		return nil, nil, fmt.Errorf("%w: %v", ErrDuplicateSubmission, dag.ID)
	}
	sub := newSubmission(client, g, f.nextSeq)
	f.nextSeq++
	f.sub[sub.ID] = sub
	log.Info().Str("dag", string(sub.ID)).Str("client", string(client)).Int("executions", len(sub.order)).Msg("submitted")

	if dag.Config.DryRun {
		for _, st := range sub.order {
			f.skip(st)
		}
		f.checkDone(sub)
		return sub, nil, nil
	}

	for _, st := range sub.order {
		if st.missing == 0 {
			f.ready = append(f.ready, st)
		}
	}
	ids := make([]string, 0, len(dag.Provided))
	for id := range dag.Provided {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	need := make([]*ProvidedFile, 0)
	for _, id := range ids {
		p := dag.Provided[FileID(id)]
		if f.store.Contains(p.Key) {
			f.fileReady(sub, p.File.ID, p.Key, true)
			continue
		}
		sub.waiting[p.File.ID] = true
		need = append(need, p)
	}
	f.schedule()
	f.checkDone(sub)
	return sub, need, nil
}

// Submission returns a submission that is not finished yet.
func (f *Farm) Submission(id DAGID) *Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sub[id]
}

// Provide tells the farm a provided file of a submission is in the store now.
func (f *Farm) Provide(id DAGID, file FileID, key store.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := f.sub[id]
	if sub == nil {
		return fmt.Errorf("%w: %v", ErrUnknownSubmission, id)
	}
	if !sub.waiting[file] {
		return fmt.Errorf("file not requested: %v", file)
	}
	p := sub.dag.Provided[file]
	if p.Key != key {
		return fmt.Errorf("%w: provided file %v", store.ErrCorrupt, file)
	}
	delete(sub.waiting, file)
	if sub.canceled {
		return nil
	}
	f.fileReady(sub, file, key, true)
	f.schedule()
	return nil
}

// ProvideFailed tells the farm a provided file will never arrive.
// Executions needing it are skipped.
func (f *Farm) ProvideFailed(id DAGID, file FileID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := f.sub[id]
	if sub == nil {
		return fmt.Errorf("%w: %v", ErrUnknownSubmission, id)
	}
	if !sub.waiting[file] {
		return fmt.Errorf("file not requested: %v", file)
	}
	delete(sub.waiting, file)
	sub.emit(Event{Kind: EventError, Error: fmt.Sprintf("provided file %v: %v", file, reason)})
	f.fileFailed(sub, file)
	f.schedule()
	return nil
}

// AddWorker registers a newly connected worker.
func (f *Farm) AddWorker(id WorkerID, name string) (*Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := newWorker(id, name)
	if !f.workerman.Add(w) {
		return nil, fmt.Errorf("worker already exists: %v", id)
	}
	log.Info().Str("worker", name).Str("id", string(id)).Msg("worker connected")
	return w, nil
}

// Ready indicates the worker is idle and waiting for a job.
func (f *Farm) Ready(id WorkerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.workerman.Find(id)
	if w == nil {
		return fmt.Errorf("%w: %v", ErrUnknownWorker, id)
	}
	if w.exec != nil {
		return fmt.Errorf("worker %v asked for work while running %v", w.Name, w.exec.exec.ID)
	}
	f.workerman.Ready(w)
	f.schedule()
	return nil
}

// Bye forgets a worker that went away.
// Its job, if any, is handed to another worker unless it was tried too many times.
func (f *Farm) Bye(id WorkerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.workerman.Find(id)
	if w == nil {
		return fmt.Errorf("%w: %v", ErrUnknownWorker, id)
	}
	f.workerman.Bye(w)
	log.Info().Str("worker", w.Name).Str("id", string(id)).Msg("worker disconnected")
	st := w.exec
	if st == nil {
		f.schedule()
		return nil
	}
	w.exec = nil
	f.store.Unpin(st.job.InputKeys()...)
	st.worker = nil
	st.job = nil
	st.attempts++
	switch {
	case st.sub.canceled:
		f.release(st)
		f.complete(st, ExecutionResult{Status: InternalError("worker lost"), WasKilled: true}, nil)
	case st.attempts >= f.opts.MaxAttempts:
		log.Warn().Str("exec", string(st.exec.ID)).Int("attempts", st.attempts).Msg("giving up on execution")
		f.release(st)
		f.complete(st, ExecutionResult{Status: InternalError("worker lost too many times")}, nil)
	default:
		log.Info().Str("exec", string(st.exec.ID)).Int("attempts", st.attempts).Msg("execution requeued")
		st.state = ExecPending
		f.queue.Push(st)
	}
	f.schedule()
	return nil
}

// Done records a result of the worker's job.
// outputs are keys of the files the execution emitted, which should be in the store already.
func (f *Farm) Done(id WorkerID, exec ExecutionID, result ExecutionResult, outputs map[FileID]store.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.workerman.Find(id)
	if w == nil {
		return fmt.Errorf("%w: %v", ErrUnknownWorker, id)
	}
	st := w.exec
	if st == nil || st.exec.ID != exec {
		return fmt.Errorf("%w: worker %v, execution %v", ErrStaleCompletion, w.Name, exec)
	}
	w.exec = nil
	w.status = WorkerConnected
	f.store.Unpin(st.job.InputKeys()...)
	st.job = nil

	result.WasCached = false
	declared := make(map[FileID]store.Key)
	slots := make(map[string]store.Key)
	for slot, file := range st.exec.Slots() {
		k, ok := outputs[file.ID]
		if !ok {
			continue
		}
		declared[file.ID] = k
		slots[slot] = k
	}
	if f.cache != nil && st.cacheable && !st.sub.canceled && !result.WasKilled && result.Status.Kind != StatusInternalError {
		err := f.cache.Store(st.exec, st.fp, result, slots)
		if err != nil {
			log.Warn().Err(err).Str("exec", string(exec)).Msg("couldn't cache result")
		}
	}
	log.Debug().Str("exec", string(exec)).Str("worker", w.Name).Str("status", result.Status.String()).Msg("done")
	f.release(st)
	f.complete(st, result, declared)
	f.schedule()
	return nil
}

// Cancel stops evaluation of a submission. Pending executions are skipped
// and running ones are asked to be killed.
func (f *Farm) Cancel(id DAGID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := f.sub[id]
	if sub == nil {
		return fmt.Errorf("%w: %v", ErrUnknownSubmission, id)
	}
	f.cancel(sub)
	f.schedule()
	return nil
}

// Disconnect cancels a submission whose client went away.
// Events of the submission are dropped from now on.
func (f *Farm) Disconnect(id DAGID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := f.sub[id]
	if sub == nil {
		return
	}
	sub.events.Close()
	f.cancel(sub)
	f.schedule()
}

func (f *Farm) cancel(sub *Submission) {
	if sub.canceled {
		return
	}
	sub.canceled = true
	sub.waiting = make(map[FileID]bool)
	log.Info().Str("dag", string(sub.ID)).Msg("canceling")
	for _, st := range sub.order {
		switch st.state {
		case ExecPending:
			f.skip(st)
		case ExecStarted:
			st.worker.kill(st.exec.ID)
		}
	}
	f.checkDone(sub)
}

// fileReady makes a file available to executions needing it.
// A file from a failed execution (good is false) is only given to executions
// ignoring failed dependencies; the others are skipped.
func (f *Farm) fileReady(sub *Submission, file FileID, key store.Key, good bool) {
	sub.keys[file] = key
	f.hold(sub, key)
	if !good {
		sub.bad[file] = true
	}
	for _, e := range sub.graph.Dependents(file) {
		st := sub.execs[e.ID]
		if st.state != ExecPending {
			continue
		}
		if !good && !e.IgnoreFailedDeps {
			f.skip(st)
			continue
		}
		st.missing--
		if st.missing == 0 {
			f.ready = append(f.ready, st)
		}
	}
}

// hold pins a file of the submission until the submission is done.
func (f *Farm) hold(sub *Submission, key store.Key) {
	if sub.held[key] {
		return
	}
	if !f.store.Hold(key) {
		log.Warn().Str("dag", string(sub.ID)).Str("key", key.Short()).Msg("file is not in the store")
		return
	}
	sub.held[key] = true
}

// fileFailed skips every pending execution needing a file that will never exist.
func (f *Farm) fileFailed(sub *Submission, file FileID) {
	sub.bad[file] = true
	for _, e := range sub.graph.Dependents(file) {
		st := sub.execs[e.ID]
		if st.state != ExecPending {
			continue
		}
		f.skip(st)
	}
}

// skip skips a pending execution and, through its outputs, every execution
// depending on it. The terminal check makes it happen once per execution.
func (f *Farm) skip(st *execState) {
	if st.state != ExecPending {
		return
	}
	sub := st.sub
	f.queue.Remove(st)
	f.release(st)
	sub.remaining--
	if st.rerun {
		// It was reported done already.
		st.rerun = false
		st.state = ExecDone
	} else {
		st.state = ExecSkipped
		sub.emit(Event{Kind: EventSkipped, Execution: st.exec.ID})
	}
	for _, out := range st.exec.OutputFiles() {
		f.fileFailed(sub, out.ID)
	}
	f.checkDone(sub)
}

// complete records the result of an execution and passes its outputs on.
// A declared output that wasn't emitted fails the file.
func (f *Farm) complete(st *execState, result ExecutionResult, outputs map[FileID]store.Key) {
	sub := st.sub
	st.state = ExecDone
	st.worker = nil
	sub.remaining--
	if st.rerun {
		st.rerun = false
		log.Info().Str("exec", string(st.exec.ID)).Str("status", result.Status.String()).Msg("reproduced outputs")
	} else {
		st.result = ptr(result)
		sub.emit(Event{Kind: EventDone, Execution: st.exec.ID, Result: ptr(result), Outputs: outputs})
	}
	good := result.Status.IsSuccess()
	for _, out := range st.exec.OutputFiles() {
		k, ok := outputs[out.ID]
		if !ok {
			f.fileFailed(sub, out.ID)
			continue
		}
		f.fileReady(sub, out.ID, k, good)
	}
	f.checkDone(sub)
}

func (f *Farm) checkDone(sub *Submission) {
	if sub.finished || sub.remaining > 0 {
		return
	}
	sub.finished = true
	held := make([]store.Key, 0, len(sub.held))
	for k := range sub.held {
		held = append(held, k)
	}
	f.store.Unpin(held...)
	sub.held = make(map[store.Key]bool)
	sub.emit(Event{Kind: EventSubmissionDone, Report: sub.report()})
	sub.events.Close()
	delete(f.sub, sub.ID)
	log.Info().Str("dag", string(sub.ID)).Dur("took", time.Since(sub.created)).Msg("submission done")
}

// release gives up the execution's claim on its fingerprint.
// Executions parked behind it become ready again and probe the cache.
func (f *Farm) release(st *execState) {
	if !st.inflight {
		return
	}
	st.inflight = false
	delete(f.inflight, st.fpKey)
	for _, p := range f.parked[st.fpKey] {
		if p.state == ExecPending {
			f.ready = append(f.ready, p)
		}
	}
	delete(f.parked, st.fpKey)
}

// schedule probes ready executions, then hands queued ones to idle workers.
// Dispatching can make more executions ready when it finds lost inputs.
func (f *Farm) schedule() {
	for {
		for len(f.ready) != 0 {
			st := f.ready[0]
			f.ready[0] = nil
			f.ready = f.ready[1:]
			if st.state != ExecPending || st.sub.canceled || st.missing != 0 {
				continue
			}
			f.probe(st)
		}
		f.dispatch()
		if len(f.ready) == 0 {
			return
		}
	}
}

func (f *Farm) probe(st *execState) {
	sub := st.sub
	fp, err := ComputeFingerprint(st.exec, sub.keys)
	if err != nil {
		// Validation makes sure every input has a producer, and readiness
		// makes sure it was emitted, so this is a bug.
		log.Error().Err(err).Str("exec", string(st.exec.ID)).Msg("fingerprint")
		f.complete(st, ExecutionResult{Status: InternalError(err.Error())}, nil)
		return
	}
	st.fp = fp
	st.fpKey = fp.String()
	st.cacheable = f.cache != nil && st.exec.Cacheable && sub.dag.Config.CacheMode.Enabled(st.exec.Tag)
	if st.cacheable {
		r, outs, ok := f.cache.Lookup(st.exec, fp)
		if ok && !st.rerun {
			outputs := make(map[FileID]store.Key)
			for slot, file := range st.exec.Slots() {
				if k, ok := outs[slot]; ok {
					outputs[file.ID] = k
				}
			}
			log.Debug().Str("exec", string(st.exec.ID)).Msg("cache hit")
			f.complete(st, *r, outputs)
			return
		}
		if other, ok := f.inflight[st.fpKey]; ok && other != st {
			f.parked[st.fpKey] = append(f.parked[st.fpKey], st)
			return
		}
		f.inflight[st.fpKey] = st
		st.inflight = true
	}
	f.queue.Push(st)
}

func (f *Farm) dispatch() {
	for f.queue.Len() != 0 && f.workerman.NumIdle() != 0 {
		st, _ := f.queue.Pop()
		if st.state != ExecPending || st.sub.canceled {
			continue
		}
		sub := st.sub
		job := &Job{
			DAG:       sub.ID,
			Execution: st.exec,
			Inputs:    make(map[FileID]store.Key),
			Attempt:   st.attempts,
		}
		for _, d := range st.exec.Dependencies() {
			job.Inputs[d] = sub.keys[d]
		}
		keys := job.InputKeys()
		f.store.Pin(keys...)
		lost := make([]FileID, 0)
		for _, d := range st.exec.Dependencies() {
			if !f.store.Contains(job.Inputs[d]) {
				lost = append(lost, d)
			}
		}
		if len(lost) != 0 {
			f.store.Unpin(keys...)
			if f.reproduce(st, lost) {
				continue
			}
			f.release(st)
			f.complete(st, ExecutionResult{Status: InternalError("input evicted from the store")}, nil)
			continue
		}
		w := f.workerman.Pop()
		select {
		case w.jobs <- job:
		default:
			// The worker's connection hasn't taken the previous job.
			log.Error().Str("worker", w.Name).Msg("job slot busy")
			f.store.Unpin(keys...)
			f.queue.Push(st)
			continue
		}
		st.state = ExecStarted
		st.worker = w
		st.job = job
		w.exec = st
		w.status = WorkerRunning
		w.since = time.Now()
		if !st.rerun {
			sub.emit(Event{Kind: EventStarted, Execution: st.exec.ID, Worker: w.ID, WorkerName: w.Name})
		}
	}
}

// reproduce runs producers of lost input files of st again, and makes
// executions still needing the files wait for them, st included.
// It reports false when a file can't be made again: the client provided it,
// or its producer was rerun too many times.
func (f *Farm) reproduce(st *execState, lost []FileID) bool {
	sub := st.sub
	prods := make([]*execState, 0, len(lost))
	seen := make(map[*execState]bool)
	for _, file := range lost {
		e := sub.graph.Producer(file)
		if e == nil {
			return false
		}
		p := sub.execs[e.ID]
		if p.state != ExecDone || p.reruns >= f.opts.MaxAttempts {
			return false
		}
		if !seen[p] {
			seen[p] = true
			prods = append(prods, p)
		}
	}
	for _, p := range prods {
		log.Warn().Str("exec", string(p.exec.ID)).Msg("outputs lost from the store, running again")
		p.reruns++
		p.rerun = true
		p.state = ExecPending
		sub.remaining++
		for _, out := range p.exec.OutputFiles() {
			if _, ok := sub.keys[out.ID]; !ok {
				continue
			}
			delete(sub.keys, out.ID)
			delete(sub.bad, out.ID)
			for _, e := range sub.graph.Dependents(out.ID) {
				d := sub.execs[e.ID]
				if d.state != ExecPending || d == p {
					continue
				}
				d.missing++
				f.queue.Remove(d)
				f.release(d)
			}
		}
	}
	for _, p := range prods {
		p.missing = 0
		for _, d := range p.exec.Dependencies() {
			if _, ok := sub.keys[d]; !ok {
				p.missing++
			}
		}
		if p.missing == 0 {
			f.ready = append(f.ready, p)
		}
	}
	return true
}

// RunningJob is a job a worker is running.
type RunningJob struct {
	DAG         DAGID       `json:"dag"`
	Execution   ExecutionID `json:"execution"`
	Description string      `json:"description"`
	Since       time.Time   `json:"since"`
}

// WorkerInfo describes a connected worker.
type WorkerInfo struct {
	ID     WorkerID    `json:"id"`
	Name   string      `json:"name"`
	Status string      `json:"status"`
	Job    *RunningJob `json:"job,omitempty"`
}

// PoolStatus is a snapshot of the farm.
type PoolStatus struct {
	Workers     []WorkerInfo `json:"workers"`
	Submissions int          `json:"submissions"`
	// Ready is number of executions waiting for a worker.
	Ready int `json:"ready"`
	// Waiting is number of executions waiting for their dependencies.
	Waiting int `json:"waiting"`
}

// Status returns a snapshot of the farm.
func (f *Farm) Status() PoolStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := PoolStatus{
		Workers:     make([]WorkerInfo, 0),
		Submissions: len(f.sub),
		Ready:       f.queue.Len(),
	}
	for _, w := range f.workerman.Workers() {
		info := WorkerInfo{ID: w.ID, Name: w.Name, Status: w.status.String()}
		if w.exec != nil {
			info.Job = &RunningJob{
				DAG:         w.exec.sub.ID,
				Execution:   w.exec.exec.ID,
				Description: w.exec.exec.Description,
				Since:       w.since,
			}
		}
		s.Workers = append(s.Workers, info)
	}
	sort.Slice(s.Workers, func(i, j int) bool {
		if s.Workers[i].Name != s.Workers[j].Name {
			return s.Workers[i].Name < s.Workers[j].Name
		}
		return s.Workers[i].ID < s.Workers[j].ID
	})
	pending := 0
	for _, sub := range f.sub {
		for _, st := range sub.order {
			if st.state == ExecPending {
				pending++
			}
		}
	}
	s.Waiting = pending - s.Ready
	if s.Waiting < 0 {
		s.Waiting = 0
	}
	return s
}
