package service

import "time"

// Services bundles the persistence the farm needs.
type Services interface {
	BlobService() BlobService
	CacheService() CacheService
}

// BlobService persists the blob store index.
// The store keeps blob contents on disk itself; the service only remembers
// sizes and access times so eviction order survives a restart.
type BlobService interface {
	AddBlob(*Blob) error
	TouchBlob(key string, at time.Time) error
	RemoveBlob(key string) error
	FindBlobs() ([]*Blob, error)
}

// CacheService persists result cache entries.
type CacheService interface {
	PutEntry(*CacheEntry) error
	FindEntries() ([]*CacheEntry, error)
	DeleteEntries(base string) error
}

// Blob is a blob information for database service.
type Blob struct {
	Key        string
	Size       int64
	LastAccess time.Time
}

// CacheEntry is a cache entry information for database service.
// Limits, Result and Outputs are JSON documents owned by the cache package.
// An entry is identified by the pair (Base, Limits).
type CacheEntry struct {
	Base    string
	Limits  string
	Result  string
	Outputs string
}
