// Package server connects workers and clients to a farm.
package server

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/imagvfx/grade"
	"github.com/imagvfx/grade/proto"
	"github.com/imagvfx/grade/store"
	"github.com/imagvfx/grade/transfer"
	"github.com/imagvfx/grade/transport"
)

// Server serves connections to a farm.
type Server struct {
	Farm  *grade.Farm
	Store *store.Store

	// Admission restricts which workers may connect.
	Admission Admission

	fetcher *transfer.Fetcher

	quitOnce sync.Once
	quit     chan struct{}
}

// New creates a Server for the farm, sharing its store.
func New(farm *grade.Farm) *Server {
	return &Server{
		Farm:    farm,
		Store:   farm.Store(),
		fetcher: transfer.NewFetcher(farm.Store()),
		quit:    make(chan struct{}),
	}
}

// Shutdown asks every worker to exit and ends every connection.
func (s *Server) Shutdown() {
	s.quitOnce.Do(func() {
		close(s.quit)
	})
}

// Serve serves a connection until it ends. It closes conn when it returns.
func (s *Server) Serve(conn transport.Conn) error {
	defer conn.Close()
	m, err := conn.Recv()
	if err != nil {
		return err
	}
	if m.Kind != proto.KindHello {
		return fail(conn, fmt.Errorf("expected hello, got %v", m.Kind))
	}
	switch m.Hello.Role {
	case proto.RoleWorker:
		if !s.Admission.Admit(conn.RemoteAddr()) {
			log.Warn().Str("addr", conn.RemoteAddr()).Str("name", m.Hello.Name).Msg("worker not admitted")
			return fail(conn, fmt.Errorf("worker %v from %v is not admitted", m.Hello.Name, conn.RemoteAddr()))
		}
		return s.serveWorker(conn, m.Hello.Name)
	case proto.RoleClient:
		return s.serveClient(conn, m.Hello.Name)
	}
	return fail(conn, fmt.Errorf("unknown role: %q", m.Hello.Role))
}

// fail tells the peer about a fatal error of its session.
func fail(conn transport.Conn, err error) error {
	conn.Send(proto.NewError("", "%v", err))
	return err
}

func (s *Server) sendFile(conn transport.Conn, ask *proto.AskFile) {
	err := transfer.Send(conn, s.Store, ask.Key, ask.Offset)
	if err != nil {
		log.Warn().Err(err).Str("key", ask.Key.Short()).Str("peer", conn.RemoteAddr()).Msg("send file")
	}
}

func (s *Server) deliver(c *proto.FileChunk) {
	if !s.fetcher.Deliver(c) {
		log.Debug().Str("key", c.Key.Short()).Msg("unrequested chunk")
	}
}

func (s *Server) serveWorker(conn transport.Conn, name string) error {
	id := grade.WorkerID(uuid.NewString())
	w, err := s.Farm.AddWorker(id, name)
	if err != nil {
		return fail(conn, err)
	}
	defer func() {
		err := s.Farm.Bye(id)
		if err != nil {
			log.Error().Err(err).Str("worker", name).Msg("bye")
		}
	}()
	err = conn.Send(proto.NewWelcome(string(id)))
	if err != nil {
		return err
	}

	// Requests are handled in order, away from the reading loop,
	// so chunks keep flowing while outputs are fetched.
	requests := make(chan *proto.Message, 4)
	readErr := make(chan error, 1)
	go func() {
		for {
			m, err := conn.Recv()
			if err != nil {
				readErr <- err
				return
			}
			switch m.Kind {
			case proto.KindGetWork, proto.KindWorkDone:
				select {
				case requests <- m:
				default:
					readErr <- errors.New("too many requests")
					return
				}
			case proto.KindAskFile:
				go s.sendFile(conn, m.AskFile)
			case proto.KindFileChunk:
				s.deliver(m.FileChunk)
			default:
				readErr <- fmt.Errorf("unexpected %v message from worker", m.Kind)
				return
			}
		}
	}()

	for {
		select {
		case m := <-requests:
			switch m.Kind {
			case proto.KindGetWork:
				err := s.Farm.Ready(id)
				if err != nil {
					return fail(conn, err)
				}
			case proto.KindWorkDone:
				err := s.workDone(conn, id, m.WorkDone)
				if err != nil {
					return err
				}
			}
		case job := <-w.Jobs():
			err := conn.Send(proto.NewWork(job))
			if err != nil {
				return err
			}
		case exec := <-w.Kills():
			err := conn.Send(proto.NewKill(exec))
			if err != nil {
				return err
			}
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case <-s.quit:
			conn.Send(proto.NewExit())
			return nil
		}
	}
}

// workDone takes outputs of a finished job from the worker and tells the farm.
// It returns an error only when the connection is lost, so the job is retried.
func (s *Server) workDone(conn transport.Conn, id grade.WorkerID, d *proto.WorkDone) error {
	result := d.Result
	outputs := d.Outputs
	keys := make([]string, 0, len(outputs))
	for _, k := range outputs {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		err := s.fetcher.Fetch(conn.Context(), conn, store.Key(k))
		if err == nil {
			continue
		}
		if conn.Context().Err() != nil {
			return err
		}
		log.Warn().Err(err).Str("exec", string(d.Execution)).Msg("fetch output")
		result = grade.ExecutionResult{Status: grade.InternalError(fmt.Sprintf("fetch output: %v", err))}
		outputs = nil
		break
	}
	err := s.Farm.Done(id, d.Execution, result, outputs)
	if err != nil {
		log.Warn().Err(err).Str("exec", string(d.Execution)).Msg("done")
	}
	return nil
}

func (s *Server) serveClient(conn transport.Conn, name string) error {
	id := grade.ClientID(uuid.NewString())
	err := conn.Send(proto.NewWelcome(string(id)))
	if err != nil {
		return err
	}
	log.Info().Str("client", name).Str("id", string(id)).Msg("client connected")

	go func() {
		select {
		case <-s.quit:
			conn.Send(proto.NewExit())
			conn.Close()
		case <-conn.Context().Done():
		}
	}()

	subs := make(map[grade.DAGID]bool)
	defer func() {
		for dag := range subs {
			s.Farm.Disconnect(dag)
		}
		log.Info().Str("client", name).Str("id", string(id)).Msg("client disconnected")
	}()
	for {
		m, err := conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch m.Kind {
		case proto.KindEvaluate:
			err = s.evaluate(conn, id, m.Evaluate.DAG, subs)
		case proto.KindAskFile:
			go s.sendFile(conn, m.AskFile)
		case proto.KindFileChunk:
			s.deliver(m.FileChunk)
		case proto.KindStatus:
			err = conn.Send(proto.NewPoolStatus(s.Farm.Status()))
		case proto.KindCancel:
			dag := m.Cancel.DAG
			if cerr := s.Farm.Cancel(dag); cerr != nil {
				err = conn.Send(proto.NewError(dag, "%v", cerr))
			}
		default:
			return fail(conn, fmt.Errorf("unexpected %v message from client", m.Kind))
		}
		if err != nil {
			return err
		}
	}
}

func (s *Server) evaluate(conn transport.Conn, id grade.ClientID, dag *grade.DAG, subs map[grade.DAGID]bool) error {
	sub, need, err := s.Farm.Submit(id, dag)
	if err != nil {
		log.Info().Err(err).Str("dag", string(dag.ID)).Msg("submission refused")
		return conn.Send(proto.NewError(dag.ID, "%v", err))
	}
	subs[sub.ID] = true
	go s.streamEvents(conn, sub)
	for _, p := range need {
		go s.receive(conn, sub.ID, p)
	}
	return nil
}

func (s *Server) streamEvents(conn transport.Conn, sub *grade.Submission) {
	for {
		ev, err := sub.Events().Next(conn.Context())
		if err != nil {
			return
		}
		err = conn.Send(proto.NewEvent(ev))
		if err != nil {
			return
		}
	}
}

// receive takes a provided file from the client.
func (s *Server) receive(conn transport.Conn, dag grade.DAGID, p *grade.ProvidedFile) {
	err := s.fetcher.Fetch(conn.Context(), conn, p.Key)
	if err != nil {
		if conn.Context().Err() != nil {
			return
		}
		log.Warn().Err(err).Str("dag", string(dag)).Str("file", string(p.File.ID)).Msg("provided file")
		err = s.Farm.ProvideFailed(dag, p.File.ID, err.Error())
	} else {
		err = s.Farm.Provide(dag, p.File.ID, p.Key)
	}
	if err != nil {
		log.Warn().Err(err).Str("dag", string(dag)).Str("file", string(p.File.ID)).Msg("provide")
	}
}
