// Package nop has in-memory services.
// Nothing is persisted, which is what tests and throwaway farms want.
package nop

import (
	"sort"
	"sync"
	"time"

	"github.com/imagvfx/grade/service"
)

// Services holds a BlobService and a CacheService living in memory.
type Services struct {
	bs *BlobService
	cs *CacheService
}

func NewServices() *Services {
	return &Services{bs: NewBlobService(), cs: NewCacheService()}
}

func (s *Services) BlobService() service.BlobService {
	return s.bs
}

func (s *Services) CacheService() service.CacheService {
	return s.cs
}

// BlobService keeps blob index rows in a map.
type BlobService struct {
	sync.Mutex
	blobs map[string]service.Blob
}

func NewBlobService() *BlobService {
	return &BlobService{blobs: make(map[string]service.Blob)}
}

func (s *BlobService) AddBlob(b *service.Blob) error {
	s.Lock()
	defer s.Unlock()
	s.blobs[b.Key] = *b
	return nil
}

func (s *BlobService) TouchBlob(key string, at time.Time) error {
	s.Lock()
	defer s.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil
	}
	b.LastAccess = at
	s.blobs[key] = b
	return nil
}

func (s *BlobService) RemoveBlob(key string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.blobs, key)
	return nil
}

// FindBlobs returns the rows ordered by key.
func (s *BlobService) FindBlobs() ([]*service.Blob, error) {
	s.Lock()
	defer s.Unlock()
	blobs := make([]*service.Blob, 0, len(s.blobs))
	for _, b := range s.blobs {
		b := b
		blobs = append(blobs, &b)
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Key < blobs[j].Key })
	return blobs, nil
}

// CacheService keeps cache entries in a map keyed by base and limits.
type CacheService struct {
	sync.Mutex
	entries map[string]map[string]service.CacheEntry
}

func NewCacheService() *CacheService {
	return &CacheService{entries: make(map[string]map[string]service.CacheEntry)}
}

func (s *CacheService) PutEntry(e *service.CacheEntry) error {
	s.Lock()
	defer s.Unlock()
	m := s.entries[e.Base]
	if m == nil {
		m = make(map[string]service.CacheEntry)
		s.entries[e.Base] = m
	}
	m[e.Limits] = *e
	return nil
}

func (s *CacheService) FindEntries() ([]*service.CacheEntry, error) {
	s.Lock()
	defer s.Unlock()
	entries := make([]*service.CacheEntry, 0)
	for _, m := range s.entries {
		for _, e := range m {
			e := e
			entries = append(entries, &e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Base != entries[j].Base {
			return entries[i].Base < entries[j].Base
		}
		return entries[i].Limits < entries[j].Limits
	})
	return entries, nil
}

func (s *CacheService) DeleteEntries(base string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.entries, base)
	return nil
}
