// Package store is a content addressed blob store on the local disk.
//
// A blob lives at <dir>/<key[0:2]>/<key[2:4]>/<key>, written read-only and
// never modified. The store keeps an in-memory index of sizes and access times
// and evicts least recently used blobs when the total size reaches MaxSize.
// Pinned blobs are never evicted.
package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"github.com/imagvfx/grade/service"
)

var (
	// ErrNotFound is returned when a key is not in the store.
	ErrNotFound = errors.New("blob not found")

	// ErrCorrupt is returned when stored data doesn't hash to the expected key.
	ErrCorrupt = errors.New("blob content doesn't match its key")

	// ErrPinned is returned when removing a blob that is in use.
	ErrPinned = errors.New("blob is pinned")
)

// Options are options of a Store.
type Options struct {
	// MaxSize triggers eviction when the total size reaches it.
	// Zero disables eviction.
	MaxSize int64

	// MinSize is what eviction shrinks the store down to.
	MinSize int64

	// Index persists access times. It can be nil.
	Index service.BlobService
}

type blob struct {
	size       int64
	lastAccess time.Time
	pins       int
}

// Store is a content addressed blob store.
// It is safe for concurrent use.
type Store struct {
	dir  string
	opts Options

	mu    sync.Mutex
	blobs map[Key]*blob
	total int64
}

// Open opens a store at dir, creating the directory when needed.
// The index is rebuilt from the blobs found on disk; access times
// come from opts.Index when it remembers them.
func Open(dir string, opts Options) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store dir required")
	}
	if opts.MinSize > opts.MaxSize {
		opts.MinSize = opts.MaxSize
	}
	err := os.MkdirAll(filepath.Join(dir, ".tmp"), 0755)
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:   dir,
		opts:  opts,
		blobs: make(map[Key]*blob),
	}
	err = s.load()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	known := make(map[Key]time.Time)
	if s.opts.Index != nil {
		rows, err := s.opts.Index.FindBlobs()
		if err != nil {
			return fmt.Errorf("load blob index: %w", err)
		}
		for _, r := range rows {
			known[Key(r.Key)] = r.LastAccess
		}
	}
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".tmp" {
				return filepath.SkipDir
			}
			return nil
		}
		k, err := ParseKey(d.Name())
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		at, ok := known[k]
		if !ok {
			at = info.ModTime()
			if s.opts.Index != nil {
				err := s.opts.Index.AddBlob(&service.Blob{Key: string(k), Size: info.Size(), LastAccess: at})
				if err != nil {
					log.Warn().Err(err).Str("key", k.Short()).Msg("couldn't index blob")
				}
			}
		}
		delete(known, k)
		s.blobs[k] = &blob{size: info.Size(), lastAccess: at}
		s.total += info.Size()
		return nil
	})
	if err != nil {
		return err
	}
	// Rows without a file on disk are stale.
	for k := range known {
		err := s.opts.Index.RemoveBlob(string(k))
		if err != nil {
			log.Warn().Err(err).Str("key", k.Short()).Msg("couldn't remove stale index row")
		}
	}
	log.Debug().Str("dir", s.dir).Int("blobs", len(s.blobs)).Str("size", humanize.IBytes(uint64(s.total))).Msg("store loaded")
	return nil
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the path a blob is (or would be) stored at.
func (s *Store) Path(k Key) string {
	return filepath.Join(s.dir, string(k[0:2]), string(k[2:4]), string(k))
}

// Put stores data and returns its key.
// Storing the same content again does no write.
func (s *Store) Put(data []byte) (Key, error) {
	k := KeyOf(data)
	if s.Contains(k) {
		return k, nil
	}
	tmp, err := os.CreateTemp(filepath.Join(s.dir, ".tmp"), "put-*")
	if err != nil {
		return "", err
	}
	_, err = tmp.Write(data)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	err = tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	err = s.commit(tmp.Name(), k, int64(len(data)))
	if err != nil {
		return "", err
	}
	return k, nil
}

// PutReader stores everything read from r and returns its key.
func (s *Store) PutReader(r io.Reader) (Key, error) {
	tmp, k, n, err := s.spool(r)
	if err != nil {
		return "", err
	}
	err = s.commit(tmp, k, n)
	if err != nil {
		return "", err
	}
	return k, nil
}

// PutVerified stores everything read from r under the key want.
// It returns ErrCorrupt, and stores nothing, when the content hashes to another key.
func (s *Store) PutVerified(want Key, r io.Reader) error {
	tmp, k, n, err := s.spool(r)
	if err != nil {
		return err
	}
	if k != want {
		os.Remove(tmp)
		return fmt.Errorf("%w: want %v, got %v", ErrCorrupt, want.Short(), k.Short())
	}
	return s.commit(tmp, k, n)
}

// spool copies r into a temp file while hashing it.
func (s *Store) spool(r io.Reader) (string, Key, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.dir, ".tmp"), "put-*")
	if err != nil {
		return "", "", 0, err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", "", 0, err
	}
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", "", 0, err
	}
	err = tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return "", "", 0, err
	}
	return tmp.Name(), Key(fmt.Sprintf("%x", h.Sum(nil))), n, nil
}

// commit moves a finished temp file into place and registers it.
func (s *Store) commit(tmp string, k Key, size int64) error {
	if s.Contains(k) {
		os.Remove(tmp)
		return nil
	}
	path := s.Path(k)
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		os.Remove(tmp)
		return err
	}
	err = os.Chmod(tmp, 0444)
	if err != nil {
		os.Remove(tmp)
		return err
	}
	// Concurrent puts of the same content rename identical files, either wins.
	err = os.Rename(tmp, path)
	if err != nil {
		os.Remove(tmp)
		return err
	}
	s.register(k, size)
	return nil
}

func (s *Store) register(k Key, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if b, ok := s.blobs[k]; ok {
		b.lastAccess = now
		return
	}
	s.blobs[k] = &blob{size: size, lastAccess: now}
	s.total += size
	if s.opts.Index != nil {
		err := s.opts.Index.AddBlob(&service.Blob{Key: string(k), Size: size, LastAccess: now})
		if err != nil {
			log.Warn().Err(err).Str("key", k.Short()).Msg("couldn't index blob")
		}
	}
	if s.opts.MaxSize > 0 && s.total >= s.opts.MaxSize {
		s.evict(k)
	}
}

// evict removes least recently used unpinned blobs, except keep, until the
// total size is at most MinSize. Caller should hold s.mu.
func (s *Store) evict(keep Key) {
	type cand struct {
		k Key
		b *blob
	}
	cands := make([]cand, 0, len(s.blobs))
	for k, b := range s.blobs {
		if b.pins > 0 || k == keep {
			continue
		}
		cands = append(cands, cand{k, b})
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].b.lastAccess.Equal(cands[j].b.lastAccess) {
			return cands[i].b.lastAccess.Before(cands[j].b.lastAccess)
		}
		return cands[i].k < cands[j].k
	})
	before := s.total
	n := 0
	for _, c := range cands {
		if s.total <= s.opts.MinSize {
			break
		}
		err := s.removeLocked(c.k)
		if err != nil {
			log.Warn().Err(err).Str("key", c.k.Short()).Msg("couldn't evict blob")
			continue
		}
		n++
	}
	log.Info().Int("blobs", n).Str("freed", humanize.IBytes(uint64(before-s.total))).Msg("store evicted")
}

func (s *Store) removeLocked(k Key) error {
	b, ok := s.blobs[k]
	if !ok {
		return ErrNotFound
	}
	if b.pins > 0 {
		return ErrPinned
	}
	err := os.Remove(s.Path(k))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	delete(s.blobs, k)
	s.total -= b.size
	if s.opts.Index != nil {
		err := s.opts.Index.RemoveBlob(string(k))
		if err != nil {
			log.Warn().Err(err).Str("key", k.Short()).Msg("couldn't unindex blob")
		}
	}
	return nil
}

// Remove removes a blob. Pinned blobs cannot be removed.
func (s *Store) Remove(k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(k)
}

// touch marks k accessed and reports whether it is in the store.
func (s *Store) touch(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[k]
	if !ok {
		return false
	}
	b.lastAccess = time.Now()
	return true
}

// Contains reports whether k is in the store.
// It counts as an access for eviction.
func (s *Store) Contains(k Key) bool {
	return s.touch(k)
}

// Get reads the whole blob of k.
func (s *Store) Get(k Key) ([]byte, error) {
	if !s.touch(k) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.Path(k))
	if errors.Is(err, os.ErrNotExist) {
		s.forget(k)
		return nil, ErrNotFound
	}
	return data, err
}

// Reader opens the blob of k for reading.
func (s *Store) Reader(k Key) (*os.File, error) {
	if !s.touch(k) {
		return nil, ErrNotFound
	}
	f, err := os.Open(s.Path(k))
	if errors.Is(err, os.ErrNotExist) {
		s.forget(k)
		return nil, ErrNotFound
	}
	return f, err
}

// forget drops a blob that vanished from disk behind our back.
func (s *Store) forget(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[k]
	if !ok {
		return
	}
	delete(s.blobs, k)
	s.total -= b.size
}

// Size returns the size of a blob.
func (s *Store) Size(k Key) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[k]
	if !ok {
		return 0, false
	}
	return b.size, true
}

// Pin protects blobs from eviction until they are unpinned
// the same number of times. Unknown keys are ignored.
func (s *Store) Pin(keys ...Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if b, ok := s.blobs[k]; ok {
			b.pins++
		}
	}
}

// Hold pins k if it is in the store, and reports whether it is.
// Unlike Pin, the caller knows whether it owes an Unpin.
func (s *Store) Hold(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[k]
	if !ok {
		return false
	}
	b.pins++
	return true
}

// Unpin releases pins taken by Pin or Hold.
func (s *Store) Unpin(keys ...Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if b, ok := s.blobs[k]; ok && b.pins > 0 {
			b.pins--
		}
	}
}

// Len returns the number of blobs in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// TotalSize returns the sum of blob sizes.
func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// SaveAccessTimes writes access times of every blob to the index.
// Access times are kept in memory between saves.
func (s *Store) SaveAccessTimes() error {
	if s.opts.Index == nil {
		return nil
	}
	s.mu.Lock()
	times := make(map[Key]time.Time, len(s.blobs))
	for k, b := range s.blobs {
		times[k] = b.lastAccess
	}
	s.mu.Unlock()
	for k, at := range times {
		err := s.opts.Index.TouchBlob(string(k), at)
		if err != nil {
			return err
		}
	}
	return nil
}
