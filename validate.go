package grade

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDAG         = errors.New("invalid dag")
	ErrDuplicateFile      = errors.New("duplicate file")
	ErrDuplicateExecution = errors.New("duplicate execution")
	ErrMissingFile        = errors.New("missing file")
	ErrCycle              = errors.New("cycle detected")
	ErrEmptyCommand       = errors.New("empty command")
)

// DAGError is a validation failure of a DAG.
// It matches ErrInvalidDAG and its Kind with errors.Is.
type DAGError struct {
	Kind error
	Msg  string
}

func (e *DAGError) Error() string {
	prefix := fmt.Sprintf("%v: %v", ErrInvalidDAG, e.Kind)
	if e.Kind == ErrInvalidDAG {
		prefix = ErrInvalidDAG.Error()
	}
	if e.Msg == "" {
		return prefix
	}
	return prefix + ": " + e.Msg
}

func (e *DAGError) Unwrap() []error {
	return []error{ErrInvalidDAG, e.Kind}
}

func dagErrorf(kind error, format string, args ...any) error {
	return &DAGError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Graph is the dependency index of a validated DAG. It is never modified.
type Graph struct {
	DAG *DAG

	execs map[ExecutionID]*Execution

	// producer is the execution producing a file.
	// Provided files have no producer.
	producer map[FileID]*Execution

	// dependents are executions which need a file, in DAG order.
	dependents map[FileID][]*Execution

	// order is a topological order of the executions.
	order []*Execution
}

// Validate checks d can be evaluated and indexes it.
// Every file needed should be provided or produced, a file has at most one
// origin, and no execution may depend on its own outputs, even indirectly.
func (d *DAG) Validate() (*Graph, error) {
	if d == nil {
		return nil, dagErrorf(ErrInvalidDAG, "no dag")
	}
	g := &Graph{
		DAG:        d,
		execs:      make(map[ExecutionID]*Execution),
		producer:   make(map[FileID]*Execution),
		dependents: make(map[FileID][]*Execution),
	}
	for i, e := range d.Executions {
		if e == nil {
			return nil, dagErrorf(ErrInvalidDAG, "execution %d is null", i)
		}
		if e.ID == "" {
			return nil, dagErrorf(ErrDuplicateExecution, "execution without id: %q", e.Description)
		}
		if _, ok := g.execs[e.ID]; ok {
			return nil, dagErrorf(ErrDuplicateExecution, "%v", e.ID)
		}
		if e.Command.Path == "" {
			return nil, dagErrorf(ErrEmptyCommand, "%v", e.ID)
		}
		g.execs[e.ID] = e
		for _, f := range e.OutputFiles() {
			if _, ok := d.Provided[f.ID]; ok {
				return nil, dagErrorf(ErrDuplicateFile, "%v is provided and produced by %v", f.ID, e.ID)
			}
			if other, ok := g.producer[f.ID]; ok {
				return nil, dagErrorf(ErrDuplicateFile, "%v is produced by %v and %v", f.ID, other.ID, e.ID)
			}
			g.producer[f.ID] = e
		}
	}
	for id, p := range d.Provided {
		if p == nil {
			return nil, dagErrorf(ErrInvalidDAG, "provided file %v is null", id)
		}
		if p.File.ID != id {
			return nil, dagErrorf(ErrDuplicateFile, "provided file %v registered as %v", p.File.ID, id)
		}
		if !p.Key.IsValid() {
			return nil, dagErrorf(ErrMissingFile, "provided file %v has invalid key", id)
		}
	}
	for _, e := range d.Executions {
		for _, f := range e.Dependencies() {
			_, provided := d.Provided[f]
			_, produced := g.producer[f]
			if !provided && !produced {
				return nil, dagErrorf(ErrMissingFile, "%v needs %v", e.ID, f)
			}
			g.dependents[f] = append(g.dependents[f], e)
		}
	}
	order, err := g.topoOrder()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// topoOrder sorts executions with Kahn's algorithm, keeping DAG order among
// executions ready at the same time.
func (g *Graph) topoOrder() ([]*Execution, error) {
	indeg := make(map[ExecutionID]int)
	for _, e := range g.DAG.Executions {
		for _, f := range e.Dependencies() {
			if _, ok := g.producer[f]; ok {
				indeg[e.ID]++
			}
		}
	}
	queue := make([]*Execution, 0)
	for _, e := range g.DAG.Executions {
		if indeg[e.ID] == 0 {
			queue = append(queue, e)
		}
	}
	order := make([]*Execution, 0, len(g.DAG.Executions))
	for len(queue) != 0 {
		e := queue[0]
		queue = queue[1:]
		order = append(order, e)
		for _, f := range e.OutputFiles() {
			for _, d := range g.dependents[f.ID] {
				indeg[d.ID]--
				if indeg[d.ID] == 0 {
					queue = append(queue, d)
				}
			}
		}
	}
	if len(order) != len(g.DAG.Executions) {
		for _, e := range g.DAG.Executions {
			if indeg[e.ID] > 0 {
				return nil, dagErrorf(ErrCycle, "%v (%v) depends on itself", e.ID, e.Description)
			}
		}
	}
	return order, nil
}

// Execution returns an execution of the graph.
func (g *Graph) Execution(id ExecutionID) *Execution {
	return g.execs[id]
}

// Producer returns the execution producing f, or nil when f is provided.
func (g *Graph) Producer(f FileID) *Execution {
	return g.producer[f]
}

// Dependents returns executions which need f.
func (g *Graph) Dependents(f FileID) []*Execution {
	return g.dependents[f]
}

// Order returns executions in a topological order.
func (g *Graph) Order() []*Execution {
	return g.order
}
