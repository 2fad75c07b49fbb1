package transport

import (
	"context"
	"io"
	"sync"

	"github.com/imagvfx/grade/proto"
)

const pipeBuffer = 64

// pipeConn is one end of an in-process connection.
// Messages are encoded on the way so both ends never share memory.
type pipeConn struct {
	in  <-chan []byte
	out chan<- []byte

	ctx   context.Context
	close func()
}

// Pipe creates a connected pair of in-process connections.
// Closing either end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	closer := func() { once.Do(cancel) }
	a := &pipeConn{in: ba, out: ab, ctx: ctx, close: closer}
	b := &pipeConn{in: ab, out: ba, ctx: ctx, close: closer}
	return a, b
}

func (c *pipeConn) Send(m *proto.Message) error {
	data, err := proto.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.ctx.Done():
		return io.ErrClosedPipe
	}
}

func (c *pipeConn) Recv() (*proto.Message, error) {
	var data []byte
	select {
	case data = <-c.in:
	default:
		select {
		case data = <-c.in:
		case <-c.ctx.Done():
			// Deliver what was sent before the close.
			select {
			case data = <-c.in:
			default:
				return nil, io.EOF
			}
		}
	}
	m := new(proto.Message)
	err := proto.Unmarshal(data, m)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (c *pipeConn) Close() error {
	c.close()
	return nil
}

func (c *pipeConn) Context() context.Context {
	return c.ctx
}

func (c *pipeConn) RemoteAddr() string {
	return "pipe"
}
