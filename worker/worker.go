// Package worker runs jobs handed out by a farm.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/imagvfx/grade"
	"github.com/imagvfx/grade/proto"
	"github.com/imagvfx/grade/sandbox"
	"github.com/imagvfx/grade/store"
	"github.com/imagvfx/grade/transfer"
	"github.com/imagvfx/grade/transport"
)

var errExit = errors.New("farm asked to exit")

// Worker runs one job at a time in its sandbox.
// Inputs are fetched into Store, and outputs are kept there
// until the farm takes them.
type Worker struct {
	Name    string
	Store   *store.Store
	Sandbox sandbox.Sandbox

	once    sync.Once
	fetcher *transfer.Fetcher
}

// Judge turns raw measurements of a run into a result of the execution.
func Judge(e *grade.Execution, resp *sandbox.Response) grade.ExecutionResult {
	return grade.ExecutionResult{
		Status:    e.Status(resp.ExitCode, resp.Signal, resp.Usage),
		WasKilled: resp.Killed,
		Usage:     resp.Usage,
	}
}

// Run serves the farm on conn until the farm says to exit, the connection
// ends, or ctx is done. It closes conn when it returns.
// A Worker can Run again on a new connection after that.
func (w *Worker) Run(ctx context.Context, conn transport.Conn) error {
	defer conn.Close()
	w.once.Do(func() {
		w.fetcher = transfer.NewFetcher(w.Store)
	})
	err := conn.Send(proto.NewHello(w.Name, proto.RoleWorker))
	if err != nil {
		return err
	}
	m, err := conn.Recv()
	if err != nil {
		return err
	}
	switch m.Kind {
	case proto.KindWelcome:
	case proto.KindError:
		return fmt.Errorf("farm refused: %v", m.Error.Message)
	default:
		return fmt.Errorf("expected welcome, got %v", m.Kind)
	}
	log.Info().Str("worker", w.Name).Str("id", m.Welcome.ID).Str("farm", conn.RemoteAddr()).Msg("connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s := &session{
		w:       w,
		conn:    conn,
		work:    make(chan *grade.Job, 1),
		readErr: make(chan error, 1),
	}
	go s.read()
	defer s.release()
	err = s.loop(ctx)
	if errors.Is(err, errExit) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// session is a connection of the worker to the farm.
type session struct {
	w    *Worker
	conn transport.Conn

	work    chan *grade.Job
	readErr chan error

	mu      sync.Mutex
	running grade.ExecutionID
	kill    context.CancelFunc

	// held are outputs of the last job, pinned until the farm has them.
	held []store.Key
}

func (s *session) read() {
	for {
		m, err := s.conn.Recv()
		if err != nil {
			s.readErr <- err
			return
		}
		switch m.Kind {
		case proto.KindWork:
			select {
			case s.work <- m.Work.Job:
			default:
				s.readErr <- errors.New("got work while busy")
				return
			}
		case proto.KindKill:
			s.killJob(m.Kill.Execution)
		case proto.KindAskFile:
			ask := m.AskFile
			go func() {
				err := transfer.Send(s.conn, s.w.Store, ask.Key, ask.Offset)
				if err != nil {
					log.Warn().Err(err).Str("key", ask.Key.Short()).Msg("send file")
				}
			}()
		case proto.KindFileChunk:
			if !s.w.fetcher.Deliver(m.FileChunk) {
				log.Debug().Str("key", m.FileChunk.Key.Short()).Msg("unrequested chunk")
			}
		case proto.KindError:
			log.Error().Str("farm", s.conn.RemoteAddr()).Msg(m.Error.Message)
		case proto.KindExit:
			s.readErr <- errExit
			return
		default:
			s.readErr <- fmt.Errorf("unexpected %v message", m.Kind)
			return
		}
	}
}

func (s *session) loop(ctx context.Context) error {
	for {
		err := s.conn.Send(proto.NewGetWork())
		if err != nil {
			return err
		}
		var job *grade.Job
		select {
		case job = <-s.work:
		case err := <-s.readErr:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
		// The farm took outputs of the previous job before handing a new one.
		s.release()
		done := s.run(ctx, job)
		err = s.conn.Send(proto.NewWorkDone(done))
		if err != nil {
			return err
		}
	}
}

func (s *session) killJob(id grade.ExecutionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != id || s.kill == nil {
		log.Debug().Str("exec", string(id)).Msg("kill of an execution not running")
		return
	}
	log.Info().Str("exec", string(id)).Msg("killing")
	s.kill()
}

func (s *session) release() {
	s.w.Store.Unpin(s.held...)
	s.held = nil
}

func (s *session) run(ctx context.Context, job *grade.Job) *proto.WorkDone {
	e := job.Execution
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running = e.ID
	s.kill = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = ""
		s.kill = nil
		s.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	log.Info().Str("exec", string(e.ID)).Str("desc", e.Description).Int("attempt", job.Attempt).Msg("running")
	done := &proto.WorkDone{Execution: e.ID, Outputs: make(map[grade.FileID]store.Key)}
	fail := func(err error) *proto.WorkDone {
		log.Error().Err(err).Str("exec", string(e.ID)).Msg("job failed")
		done.Result = grade.ExecutionResult{Status: grade.InternalError(err.Error()), WasKilled: ctx.Err() != nil}
		done.Outputs = nil
		return done
	}

	keys := job.InputKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		err := s.w.fetcher.Fetch(ctx, s.conn, k)
		if err != nil {
			return fail(fmt.Errorf("fetch input %v: %w", k.Short(), err))
		}
	}
	s.w.Store.Pin(keys...)
	defer s.w.Store.Unpin(keys...)

	req, err := request(e, job, s.w.Store)
	if err != nil {
		return fail(err)
	}
	resp, err := s.w.Sandbox.Run(ctx, req)
	if err != nil {
		return fail(fmt.Errorf("sandbox: %w", err))
	}
	defer resp.Close()
	done.Result = Judge(e, resp)

	for slot, f := range e.Slots() {
		path, ok := resp.Files[slot]
		if !ok {
			continue
		}
		k, err := s.putFile(path)
		if err != nil {
			return fail(fmt.Errorf("store output %v: %w", slot, err))
		}
		done.Outputs[f.ID] = k
		s.w.Store.Pin(k)
		s.held = append(s.held, k)
	}
	log.Info().Str("exec", string(e.ID)).Str("status", done.Result.Status.String()).Dur("took", time.Since(start)).Msg("finished")
	return done
}

func (s *session) putFile(path string) (store.Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return s.w.Store.PutReader(f)
}

// request builds a sandbox request running e with inputs of job from st.
func request(e *grade.Execution, job *grade.Job, st *store.Store) (*sandbox.Request, error) {
	req := &sandbox.Request{
		Command: e.Command,
		Args:    e.Args,
		Env:     e.Env,
		Inputs:  make(map[string]sandbox.Input, len(e.Inputs)),
		Stdout:  e.Stdout != nil,
		Stderr:  e.Stderr != nil,
		Outputs: make([]string, 0, len(e.Outputs)),
		Limits:  e.Limits,
	}
	for p, in := range e.Inputs {
		k, ok := job.Inputs[in.File]
		if !ok {
			return nil, fmt.Errorf("no key for input %v", p)
		}
		req.Inputs[p] = sandbox.Input{Source: st.Path(k), Executable: in.Executable}
	}
	if e.Stdin != "" {
		k, ok := job.Inputs[e.Stdin]
		if !ok {
			return nil, fmt.Errorf("no key for stdin")
		}
		req.Stdin = st.Path(k)
	}
	for p := range e.Outputs {
		req.Outputs = append(req.Outputs, p)
	}
	sort.Strings(req.Outputs)
	return req, nil
}
