// Package transfer moves blobs between stores over a connection.
//
// The receiving side asks for a blob with AskFile and the sending side
// answers with FileChunks. Chunks arrive through the receiver's reading
// loop, which hands them to a Fetcher.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/imagvfx/grade/proto"
	"github.com/imagvfx/grade/store"
	"github.com/imagvfx/grade/transport"
)

// ChunkSize is the maximum size of data in a chunk.
const ChunkSize = 64 << 10

// ErrMissing is returned when the other side doesn't have the blob.
var ErrMissing = errors.New("peer doesn't have the blob")

// Send streams a blob of st from offset.
// It tells the peer the blob is missing when st doesn't have it.
func Send(conn transport.Conn, st *store.Store, key store.Key, offset int64) error {
	f, err := st.Reader(key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return SendMissing(conn, key)
		}
		return err
	}
	defer f.Close()
	return SendFrom(conn, key, f, offset)
}

// SendMissing tells the peer the blob is missing.
func SendMissing(conn transport.Conn, key store.Key) error {
	return conn.Send(proto.NewFileChunk(&proto.FileChunk{Key: key, Missing: true}))
}

// SendFrom streams content of a blob read from r, starting at offset.
func SendFrom(conn transport.Conn, key store.Key, r io.ReadSeeker, offset int64) error {
	_, err := r.Seek(offset, io.SeekStart)
	if err != nil {
		return err
	}
	off := offset
	buf := make([]byte, ChunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		last := err == io.EOF || err == io.ErrUnexpectedEOF
		if err != nil && !last {
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		err = conn.Send(proto.NewFileChunk(&proto.FileChunk{
			Key:    key,
			Offset: off,
			Data:   data,
			Last:   last,
		}))
		if err != nil {
			return err
		}
		off += int64(n)
		if last {
			return nil
		}
	}
}

// pending is a blob being received.
// Its bytes are kept across interrupted fetches.
type pending struct {
	file *os.File
	size int64

	chunks chan *proto.FileChunk
	// busy is closed when the running fetch returns. nil while no fetch runs.
	busy chan struct{}
}

func (p *pending) discard() {
	if p.file == nil {
		return
	}
	p.file.Close()
	os.Remove(p.file.Name())
	p.file = nil
	p.size = 0
}

// Fetcher receives blobs into a store.
type Fetcher struct {
	store *store.Store

	mu      sync.Mutex
	pending map[store.Key]*pending
}

func NewFetcher(st *store.Store) *Fetcher {
	return &Fetcher{
		store:   st,
		pending: make(map[store.Key]*pending),
	}
}

// Fetch makes sure the store has the blob of key, asking the peer on conn
// for it when it doesn't. A fetch of a key that is being fetched waits for
// that one instead.
//
// When ctx is done or the connection ends, received bytes are kept and the
// next Fetch of the key continues from there.
func (f *Fetcher) Fetch(ctx context.Context, conn transport.Conn, key store.Key) error {
	for {
		if f.store.Contains(key) {
			return nil
		}
		f.mu.Lock()
		p := f.pending[key]
		if p == nil {
			p = &pending{chunks: make(chan *proto.FileChunk, 16)}
			f.pending[key] = p
		}
		if p.busy != nil {
			busy := p.busy
			f.mu.Unlock()
			select {
			case <-busy:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		p.busy = make(chan struct{})
		f.mu.Unlock()

		err := f.fetch(ctx, conn, key, p)

		f.mu.Lock()
		close(p.busy)
		p.busy = nil
		interrupted := err != nil && (ctx.Err() != nil || conn.Context().Err() != nil)
		if !interrupted {
			p.discard()
			delete(f.pending, key)
		}
		f.mu.Unlock()
		if interrupted {
			log.Debug().Str("key", key.Short()).Int64("received", p.size).Msg("fetch interrupted")
		}
		return err
	}
}

func (f *Fetcher) fetch(ctx context.Context, conn transport.Conn, key store.Key, p *pending) error {
	if p.file == nil {
		tmp, err := os.CreateTemp(filepath.Join(f.store.Dir(), ".tmp"), "fetch-*")
		if err != nil {
			return err
		}
		p.file = tmp
		p.size = 0
	}
	err := conn.Send(proto.NewAskFile(key, p.size))
	if err != nil {
		return err
	}
	for {
		var c *proto.FileChunk
		select {
		case c = <-p.chunks:
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Context().Done():
			return fmt.Errorf("fetch %v: connection closed", key.Short())
		}
		if c.Missing {
			return fmt.Errorf("%w: %v", ErrMissing, key)
		}
		if c.Offset != p.size {
			// Left from an earlier request.
			continue
		}
		n, err := p.file.WriteAt(c.Data, c.Offset)
		if err != nil {
			return err
		}
		p.size += int64(n)
		if !c.Last {
			continue
		}
		_, err = p.file.Seek(0, io.SeekStart)
		if err != nil {
			return err
		}
		err = f.store.PutVerified(key, p.file)
		if err != nil {
			return fmt.Errorf("fetch %v: %w", key.Short(), err)
		}
		return nil
	}
}

// Deliver hands a chunk received from a connection to the fetch waiting for it.
// It reports false when nothing waits for the chunk.
func (f *Fetcher) Deliver(c *proto.FileChunk) bool {
	f.mu.Lock()
	p := f.pending[c.Key]
	if p == nil || p.busy == nil {
		f.mu.Unlock()
		return false
	}
	busy := p.busy
	f.mu.Unlock()
	select {
	case p.chunks <- c:
		return true
	case <-busy:
		return false
	}
}
