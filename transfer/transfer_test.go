package transfer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagvfx/grade/proto"
	"github.com/imagvfx/grade/store"
	"github.com/imagvfx/grade/transport"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	return st
}

// peer answers AskFile from st, optionally through a hook that can drop chunks.
type peer struct {
	conn transport.Conn
	st   *store.Store

	mu    sync.Mutex
	asks  []int64
	limit int // stop after sending this many chunks per ask, if positive
}

func (p *peer) run() {
	for {
		m, err := p.conn.Recv()
		if err != nil {
			return
		}
		if m.Kind != proto.KindAskFile {
			continue
		}
		p.mu.Lock()
		p.asks = append(p.asks, m.AskFile.Offset)
		limit := p.limit
		p.mu.Unlock()
		if limit <= 0 {
			go Send(p.conn, p.st, m.AskFile.Key, m.AskFile.Offset)
			continue
		}
		go func(ask *proto.AskFile) {
			r, err := p.st.Reader(ask.Key)
			if err != nil {
				return
			}
			defer r.Close()
			c := &limitConn{Conn: p.conn, n: limit}
			SendFrom(c, ask.Key, r, ask.Offset)
		}(m.AskFile)
	}
}

type limitConn struct {
	transport.Conn
	n int
}

var errLimit = errors.New("limit")

func (c *limitConn) Send(m *proto.Message) error {
	if c.n == 0 {
		return errLimit
	}
	c.n--
	return c.Conn.Send(m)
}

// receive delivers chunks arriving on conn to f.
func receive(conn transport.Conn, f *Fetcher) {
	for {
		m, err := conn.Recv()
		if err != nil {
			return
		}
		if m.Kind == proto.KindFileChunk {
			f.Deliver(m.FileChunk)
		}
	}
}

func TestFetch(t *testing.T) {
	src := openStore(t)
	dst := openStore(t)
	data := bytes.Repeat([]byte("0123456789abcdef"), ChunkSize/8+3)
	key, err := src.Put(data)
	require.NoError(t, err)

	a, b := transport.Pipe()
	defer a.Close()
	p := &peer{conn: b, st: src}
	go p.run()
	f := NewFetcher(dst)
	go receive(a, f)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.Fetch(ctx, a, key))
	got, err := dst.Get(key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Already held; nothing is asked.
	require.NoError(t, f.Fetch(ctx, a, key))
	p.mu.Lock()
	assert.Len(t, p.asks, 1)
	p.mu.Unlock()
}

func TestFetchEmpty(t *testing.T) {
	src := openStore(t)
	dst := openStore(t)
	key, err := src.Put(nil)
	require.NoError(t, err)

	a, b := transport.Pipe()
	defer a.Close()
	go (&peer{conn: b, st: src}).run()
	f := NewFetcher(dst)
	go receive(a, f)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.Fetch(ctx, a, key))
	assert.True(t, dst.Contains(key))
}

func TestFetchMissing(t *testing.T) {
	src := openStore(t)
	dst := openStore(t)
	a, b := transport.Pipe()
	defer a.Close()
	go (&peer{conn: b, st: src}).run()
	f := NewFetcher(dst)
	go receive(a, f)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := f.Fetch(ctx, a, store.KeyOf([]byte("nobody has this")))
	assert.ErrorIs(t, err, ErrMissing)
}

func TestFetchResume(t *testing.T) {
	src := openStore(t)
	dst := openStore(t)
	data := bytes.Repeat([]byte{7}, 3*ChunkSize+5)
	key, err := src.Put(data)
	require.NoError(t, err)

	a, b := transport.Pipe()
	defer a.Close()
	p := &peer{conn: b, st: src, limit: 2}
	go p.run()
	f := NewFetcher(dst)
	go receive(a, f)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	err = f.Fetch(ctx, a, key)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, dst.Contains(key))

	p.mu.Lock()
	p.limit = 0
	p.mu.Unlock()
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.Fetch(ctx, a, key))

	got, err := dst.Get(key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	p.mu.Lock()
	assert.Equal(t, []int64{0, 2 * ChunkSize}, p.asks)
	p.mu.Unlock()
}

func TestFetchCorrupt(t *testing.T) {
	dst := openStore(t)
	a, b := transport.Pipe()
	defer a.Close()
	key := store.KeyOf([]byte("expected"))
	go func() {
		for {
			m, err := b.Recv()
			if err != nil {
				return
			}
			if m.Kind == proto.KindAskFile {
				SendFrom(b, key, bytes.NewReader([]byte("something else")), 0)
			}
		}
	}()
	f := NewFetcher(dst)
	go receive(a, f)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := f.Fetch(ctx, a, key)
	assert.ErrorIs(t, err, store.ErrCorrupt)
	assert.False(t, dst.Contains(key))
}

func TestDeliverUnsolicited(t *testing.T) {
	f := NewFetcher(openStore(t))
	assert.False(t, f.Deliver(&proto.FileChunk{Key: "nobody", Last: true}))
}
