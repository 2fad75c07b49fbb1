// Package cache remembers results of executions by their fingerprint.
//
// Every fingerprint base holds one entry per limits the execution ran with.
// A successful result recorded under some limits also holds under looser ones,
// and a failure recorded under some limits also holds under tighter ones.
// An entry is only served while every output it refers to is still in the
// blob store.
package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/log"

	"github.com/imagvfx/grade"
	"github.com/imagvfx/grade/service"
	"github.com/imagvfx/grade/store"
)

// ErrNotCacheable is returned when storing a result that can't be reused.
var ErrNotCacheable = errors.New("result is not cacheable")

// Entry is a remembered result.
type Entry struct {
	Limits  grade.Limits          `json:"limits"`
	Result  grade.ExecutionResult `json:"result"`
	Outputs map[string]store.Key  `json:"outputs"`
}

// servesFor reports whether the entry still holds for an execution with limits l.
func (e *Entry) servesFor(l grade.Limits) bool {
	if e.Result.Status.IsSuccess() {
		return e.Limits.Within(l)
	}
	return l.Within(e.Limits)
}

// Cache is a result cache. It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	store   *store.Store
	svc     service.CacheService
	entries map[string][]*Entry
}

// New creates a Cache whose outputs live in st.
// Entries are loaded from svc, and kept there, when svc isn't nil.
func New(st *store.Store, svc service.CacheService) (*Cache, error) {
	c := &Cache{
		store:   st,
		svc:     svc,
		entries: make(map[string][]*Entry),
	}
	if svc == nil {
		return c, nil
	}
	rows, err := svc.FindEntries()
	if err != nil {
		return nil, fmt.Errorf("load cache: %w", err)
	}
	for _, row := range rows {
		e := &Entry{}
		err := sonic.ConfigStd.UnmarshalFromString(row.Limits, &e.Limits)
		if err == nil {
			err = sonic.ConfigStd.UnmarshalFromString(row.Result, &e.Result)
		}
		if err == nil {
			err = sonic.ConfigStd.UnmarshalFromString(row.Outputs, &e.Outputs)
		}
		if err != nil {
			log.Warn().Err(err).Str("base", row.Base).Msg("dropping broken cache entry")
			continue
		}
		c.entries[row.Base] = append(c.entries[row.Base], e)
	}
	log.Debug().Int("entries", len(rows)).Msg("cache loaded")
	return c, nil
}

// Lookup finds a result for an execution with fingerprint fp.
// The result is judged again with limits of e and marked as cached.
// outputs maps every output slot of e to its key.
func (c *Cache) Lookup(e *grade.Execution, fp grade.Fingerprint) (*grade.ExecutionResult, map[string]store.Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slots := e.Slots()
	for _, ent := range c.entries[fp.Base] {
		if !ent.servesFor(fp.Limits) {
			continue
		}
		complete := true
		for slot := range slots {
			k, ok := ent.Outputs[slot]
			if !ok || !c.store.Contains(k) {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		r := ent.Result
		r.Status = rejudge(e, r)
		r.WasCached = true
		r.WasKilled = false
		outputs := make(map[string]store.Key, len(slots))
		for slot := range slots {
			outputs[slot] = ent.Outputs[slot]
		}
		return &r, outputs, true
	}
	return nil, nil, false
}

// rejudge judges a remembered result with limits of e.
// A limit status can't turn into success: the usage exceeded the older
// limit, which is at least as tight as the new one.
func rejudge(e *grade.Execution, r grade.ExecutionResult) grade.ExecutionStatus {
	st := e.Status(r.Status.Code, r.Status.Signal, r.Usage)
	if st.IsSuccess() && !r.Status.IsSuccess() {
		return r.Status
	}
	return st
}

// Store remembers a result of an execution with fingerprint fp.
// It replaces the entry recorded with the same limits.
func (c *Cache) Store(e *grade.Execution, fp grade.Fingerprint, r grade.ExecutionResult, outputs map[string]store.Key) error {
	if r.Status.Kind == grade.StatusInternalError || r.WasKilled {
		return ErrNotCacheable
	}
	r.WasCached = false
	ent := &Entry{
		Limits:  fp.Limits,
		Result:  r,
		Outputs: make(map[string]store.Key, len(outputs)),
	}
	for slot, k := range outputs {
		ent.Outputs[slot] = k
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ents := c.entries[fp.Base]
	replaced := false
	for i, old := range ents {
		if old.Limits == ent.Limits {
			ents[i] = ent
			replaced = true
			break
		}
	}
	if !replaced {
		ents = append(ents, ent)
	}
	c.entries[fp.Base] = ents
	if c.svc == nil {
		return nil
	}
	row, err := entryRow(fp.Base, ent)
	if err != nil {
		return err
	}
	return c.svc.PutEntry(row)
}

func entryRow(base string, e *Entry) (*service.CacheEntry, error) {
	limits, err := sonic.ConfigStd.MarshalToString(e.Limits)
	if err != nil {
		return nil, err
	}
	result, err := sonic.ConfigStd.MarshalToString(e.Result)
	if err != nil {
		return nil, err
	}
	outputs, err := sonic.ConfigStd.MarshalToString(e.Outputs)
	if err != nil {
		return nil, err
	}
	return &service.CacheEntry{
		Base:    base,
		Limits:  limits,
		Result:  result,
		Outputs: outputs,
	}, nil
}

// Forget drops every entry of a fingerprint base.
func (c *Cache) Forget(base string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, base)
	if c.svc == nil {
		return nil
	}
	return c.svc.DeleteEntries(base)
}

// Len returns number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ents := range c.entries {
		n += len(ents)
	}
	return n
}
