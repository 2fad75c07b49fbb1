package grade

import (
	"fmt"
	"os"

	"github.com/rs/xid"

	"github.com/imagvfx/grade/store"
)

// DAGID identifies a DAG and the submission evaluating it.
type DAGID string

// CacheModeKind says which executions of a DAG may use the result cache.
type CacheModeKind string

const (
	CacheEverything = CacheModeKind("everything")
	CacheNothing    = CacheModeKind("nothing")
	// CacheExcept caches everything but executions tagged with one of Except.
	CacheExcept = CacheModeKind("except")
)

type CacheMode struct {
	Mode   CacheModeKind `json:"mode" yaml:"mode"`
	Except []string      `json:"except,omitempty" yaml:"except,omitempty"`
}

// Enabled reports whether executions tagged with tag may use the cache.
func (m CacheMode) Enabled(tag string) bool {
	switch m.Mode {
	case CacheNothing:
		return false
	case CacheExcept:
		for _, t := range m.Except {
			if t == tag {
				return false
			}
		}
	}
	return true
}

// DAGConfig configures evaluation of a DAG.
type DAGConfig struct {
	CacheMode CacheMode `json:"cache_mode" yaml:"cache_mode"`

	// Priority is added to priority of every execution in the DAG.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// DryRun validates the DAG and reports every execution as skipped.
	DryRun bool `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
}

// ProvidedFile is a file whose content comes from the client.
// Content or LocalPath stays on the client; only the key travels with the DAG.
type ProvidedFile struct {
	File      File      `json:"file"`
	Key       store.Key `json:"key"`
	Content   []byte    `json:"-"`
	LocalPath string    `json:"-"`
}

// DAG is a set of executions connected through the files they exchange.
type DAG struct {
	ID         DAGID                    `json:"id"`
	Executions []*Execution             `json:"executions"`
	Provided   map[FileID]*ProvidedFile `json:"provided"`
	Config     DAGConfig                `json:"config"`
}

// NewDAG creates an empty DAG caching everything.
func NewDAG() *DAG {
	return &DAG{
		ID:       DAGID(xid.New().String()),
		Provided: make(map[FileID]*ProvidedFile),
		Config: DAGConfig{
			CacheMode: CacheMode{Mode: CacheEverything},
		},
	}
}

func (d *DAG) AddExecution(e *Execution) {
	d.Executions = append(d.Executions, e)
}

// ProvideContent provides f with data held in memory.
func (d *DAG) ProvideContent(f File, data []byte) {
	if d.Provided == nil {
		d.Provided = make(map[FileID]*ProvidedFile)
	}
	d.Provided[f.ID] = &ProvidedFile{
		File:    f,
		Key:     store.KeyOf(data),
		Content: data,
	}
}

// ProvideFile provides f with content of a local file.
// The file is hashed now and read again when the farm asks for it.
func (d *DAG) ProvideFile(f File, path string) error {
	r, err := os.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	k, _, err := store.KeyOfReader(r)
	if err != nil {
		return fmt.Errorf("hash %v: %w", path, err)
	}
	if d.Provided == nil {
		d.Provided = make(map[FileID]*ProvidedFile)
	}
	d.Provided[f.ID] = &ProvidedFile{
		File:      f,
		Key:       k,
		LocalPath: path,
	}
	return nil
}

// Execution finds an execution of the DAG.
func (d *DAG) Execution(id ExecutionID) *Execution {
	for _, e := range d.Executions {
		if e.ID == id {
			return e
		}
	}
	return nil
}
