// Package redis keeps result cache entries in Redis,
// so several farms can share what they have already computed.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/imagvfx/grade/service"
)

const (
	keyPrefix = "grade:cache:"
	basesKey  = "grade:cache-bases"
)

// Connect connects to the Redis server at url.
// An empty url falls back to REDIS_URL environment variable.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	if url == "" {
		url = os.Getenv("REDIS_URL")
	}
	if url == "" {
		return nil, fmt.Errorf("redis url required")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	_, err = client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// CacheService implements service.CacheService on top of Redis hashes.
// Every base fingerprint has a hash whose fields are limits documents.
type CacheService struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewCacheService creates a CacheService. Entries expire after ttl
// since they were last written; zero ttl keeps them forever.
func NewCacheService(client *goredis.Client, ttl time.Duration) *CacheService {
	return &CacheService{client: client, ttl: ttl}
}

type value struct {
	Result  string `json:"result"`
	Outputs string `json:"outputs"`
}

func (s *CacheService) key(base string) string {
	return keyPrefix + base
}

func (s *CacheService) PutEntry(e *service.CacheEntry) error {
	ctx := context.Background()
	data, err := json.Marshal(value{Result: e.Result, Outputs: e.Outputs})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(e.Base), e.Limits, data)
	pipe.SAdd(ctx, basesKey, e.Base)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(e.Base), s.ttl)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

func (s *CacheService) FindEntries() ([]*service.CacheEntry, error) {
	ctx := context.Background()
	bases, err := s.client.SMembers(ctx, basesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache bases: %w", err)
	}
	entries := make([]*service.CacheEntry, 0)
	for _, base := range bases {
		fields, err := s.client.HGetAll(ctx, s.key(base)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get cache entries of %v: %w", base, err)
		}
		if len(fields) == 0 {
			// expired
			s.client.SRem(ctx, basesKey, base)
			continue
		}
		for limits, data := range fields {
			var v value
			err := json.Unmarshal([]byte(data), &v)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal cache entry of %v: %w", base, err)
			}
			entries = append(entries, &service.CacheEntry{
				Base:    base,
				Limits:  limits,
				Result:  v.Result,
				Outputs: v.Outputs,
			})
		}
	}
	return entries, nil
}

func (s *CacheService) DeleteEntries(base string) error {
	ctx := context.Background()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(base))
	pipe.SRem(ctx, basesKey, base)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	return nil
}
