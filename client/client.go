// Package client submits DAGs to a farm and follows their evaluation.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/imagvfx/grade"
	"github.com/imagvfx/grade/proto"
	"github.com/imagvfx/grade/store"
	"github.com/imagvfx/grade/transfer"
	"github.com/imagvfx/grade/transport"
)

var (
	// ErrClosed is returned after the connection to the farm has ended.
	ErrClosed = errors.New("connection to the farm closed")
	// ErrNoStore is returned by file operations of a client without a store.
	ErrNoStore = errors.New("client has no store")
)

type evaluation struct {
	events  *grade.EventQueue
	started bool
	// err is why the farm refused the DAG.
	err error
}

// Client is a connection of a client to a farm.
type Client struct {
	Name string
	ID   grade.ClientID

	conn    transport.Conn
	store   *store.Store
	fetcher *transfer.Fetcher

	mu       sync.Mutex
	evals    map[grade.DAGID]*evaluation
	provided map[store.Key]*grade.ProvidedFile
	err      error
	done     chan struct{}

	statusMu sync.Mutex
	status   chan *grade.PoolStatus

	stop func()
}

// Dial connects to the farm at addr.
func Dial(ctx context.Context, addr, secret, name string, st *store.Store) (*Client, error) {
	conn, err := transport.Dial(ctx, addr, secret)
	if err != nil {
		return nil, err
	}
	return New(conn, name, st)
}

// New introduces a client named name on conn.
// Files fetched from the farm are kept in st, which can be nil
// when the client doesn't fetch files.
func New(conn transport.Conn, name string, st *store.Store) (*Client, error) {
	err := conn.Send(proto.NewHello(name, proto.RoleClient))
	if err != nil {
		conn.Close()
		return nil, err
	}
	m, err := conn.Recv()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if m.Kind != proto.KindWelcome {
		conn.Close()
		if m.Kind == proto.KindError {
			return nil, fmt.Errorf("farm refused: %v", m.Error.Message)
		}
		return nil, fmt.Errorf("expected welcome, got %v", m.Kind)
	}
	c := &Client{
		Name:     name,
		ID:       grade.ClientID(m.Welcome.ID),
		conn:     conn,
		store:    st,
		evals:    make(map[grade.DAGID]*evaluation),
		provided: make(map[store.Key]*grade.ProvidedFile),
		done:     make(chan struct{}),
		status:   make(chan *grade.PoolStatus, 1),
	}
	if st != nil {
		c.fetcher = transfer.NewFetcher(st)
	}
	go c.read()
	return c, nil
}

func (c *Client) read() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = err
		for _, e := range c.evals {
			e.events.Close()
		}
		close(c.done)
		c.mu.Unlock()
	}()
	for {
		var m *proto.Message
		m, err = c.conn.Recv()
		if err != nil {
			return
		}
		switch m.Kind {
		case proto.KindEvent:
			c.mu.Lock()
			e := c.evals[m.Event.DAG]
			if e != nil {
				e.started = true
				e.events.Push(*m.Event)
			}
			c.mu.Unlock()
		case proto.KindError:
			c.farmError(m.Error)
		case proto.KindAskFile:
			go c.sendFile(m.AskFile)
		case proto.KindFileChunk:
			if c.fetcher == nil || !c.fetcher.Deliver(m.FileChunk) {
				log.Debug().Str("key", m.FileChunk.Key.Short()).Msg("unrequested chunk")
			}
		case proto.KindPoolStatus:
			select {
			case c.status <- m.PoolStatus:
			default:
			}
		case proto.KindExit:
			err = ErrClosed
			c.conn.Close()
			return
		default:
			log.Warn().Str("kind", string(m.Kind)).Msg("unexpected message from the farm")
		}
	}
}

// farmError handles an error the farm sent.
// It ends an evaluation the farm refused to start.
func (c *Client) farmError(e *proto.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := c.evals[e.DAG]
	if e.DAG == "" || ev == nil || ev.started {
		log.Error().Str("dag", string(e.DAG)).Msg(e.Message)
		return
	}
	ev.err = errors.New(e.Message)
	ev.events.Close()
}

// sendFile answers the farm asking for a provided file.
func (c *Client) sendFile(ask *proto.AskFile) {
	c.mu.Lock()
	p := c.provided[ask.Key]
	c.mu.Unlock()
	var err error
	switch {
	case p == nil && c.store != nil:
		err = transfer.Send(c.conn, c.store, ask.Key, ask.Offset)
	case p == nil:
		err = transfer.SendMissing(c.conn, ask.Key)
	case p.LocalPath == "":
		err = transfer.SendFrom(c.conn, ask.Key, bytes.NewReader(p.Content), ask.Offset)
	default:
		var f *os.File
		f, err = os.Open(p.LocalPath)
		if err != nil {
			log.Error().Err(err).Str("file", string(p.File.ID)).Msg("open provided file")
			err = transfer.SendMissing(c.conn, ask.Key)
			break
		}
		defer f.Close()
		err = transfer.SendFrom(c.conn, ask.Key, f, ask.Offset)
	}
	if err != nil {
		log.Warn().Err(err).Str("key", ask.Key.Short()).Msg("send file")
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil || errors.Is(c.err, io.EOF) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, c.err)
}

// Evaluate submits dag and waits until it is evaluated.
// fn, if not nil, is called with every event of the evaluation in order.
// When ctx is done the evaluation is canceled.
func (c *Client) Evaluate(ctx context.Context, dag *grade.DAG, fn func(grade.Event)) (*grade.Report, error) {
	e := &evaluation{events: grade.NewEventQueue()}
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, c.closedErr()
	default:
	}
	if _, ok := c.evals[dag.ID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("dag is being evaluated: %v", dag.ID)
	}
	c.evals[dag.ID] = e
	for _, p := range dag.Provided {
		c.provided[p.Key] = p
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.evals, dag.ID)
		for _, p := range dag.Provided {
			if c.provided[p.Key] == p {
				delete(c.provided, p.Key)
			}
		}
		c.mu.Unlock()
	}()

	err := c.conn.Send(proto.NewEvaluate(dag))
	if err != nil {
		return nil, err
	}
	for {
		ev, err := e.events.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.Cancel(dag.ID)
				return nil, ctx.Err()
			}
			c.mu.Lock()
			refused := e.err
			c.mu.Unlock()
			if refused != nil {
				return nil, refused
			}
			return nil, c.closedErr()
		}
		if fn != nil {
			fn(ev)
		}
		if ev.Kind == grade.EventSubmissionDone {
			return ev.Report, nil
		}
	}
}

// Cancel asks the farm to stop evaluating a DAG.
func (c *Client) Cancel(id grade.DAGID) error {
	return c.conn.Send(proto.NewCancel(id))
}

// Status asks the farm for its status.
func (c *Client) Status(ctx context.Context) (*grade.PoolStatus, error) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	select {
	case <-c.status:
	default:
	}
	err := c.conn.Send(proto.NewStatus())
	if err != nil {
		return nil, err
	}
	select {
	case s := <-c.status:
		return s, nil
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FetchFile gets content of a file from the farm.
func (c *Client) FetchFile(ctx context.Context, key store.Key) ([]byte, error) {
	if c.store == nil {
		return nil, ErrNoStore
	}
	err := c.fetcher.Fetch(ctx, c.conn, key)
	if err != nil {
		return nil, err
	}
	return c.store.Get(key)
}

// WriteFile gets a file from the farm and writes it to path.
func (c *Client) WriteFile(ctx context.Context, key store.Key, path string) error {
	if c.store == nil {
		return ErrNoStore
	}
	err := c.fetcher.Fetch(ctx, c.conn, key)
	if err != nil {
		return err
	}
	r, err := c.store.Reader(key)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	if err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Close ends the connection.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	if c.stop != nil {
		c.stop()
	}
	return err
}
