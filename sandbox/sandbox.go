// Package sandbox runs a command with its inputs and collects what it leaves.
package sandbox

import (
	"context"
	"os"

	"github.com/imagvfx/grade"
)

// Input is a file to place in the sandbox.
type Input struct {
	// Source is where the content is on the local disk.
	Source     string
	Executable bool
}

// Request describes one run.
type Request struct {
	Command grade.Command
	Args    []string
	Env     map[string]string
	// Inputs maps paths in the sandbox to their files.
	Inputs map[string]Input
	// Stdin is a path on the local disk. Empty means no input.
	Stdin   string
	Stdout  bool
	Stderr  bool
	Outputs []string
	Limits  grade.Limits
}

// Response is raw measurements of a finished run.
// It is judged against the execution's limits by the caller.
type Response struct {
	ExitCode int
	Signal   int
	Usage    grade.ResourceUsage
	// Killed is set when the run was stopped from outside: the wall time
	// ran out or the context was canceled.
	Killed bool

	// Files maps output slots to files the run left.
	// A declared output that wasn't created is missing.
	Files map[string]string

	dir  string
	keep bool
}

// Close removes what the run left on the disk.
func (r *Response) Close() error {
	if r.dir == "" || r.keep {
		return nil
	}
	return os.RemoveAll(r.dir)
}

// Sandbox runs requests.
// A returned error means the sandbox itself failed, not the command.
type Sandbox interface {
	Run(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to a Sandbox.
type Func func(ctx context.Context, req *Request) (*Response, error)

func (f Func) Run(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// NewResponse creates a Response whose files live under dir.
// Close removes dir. Sandboxes other than Process use it.
func NewResponse(dir string) *Response {
	return &Response{dir: dir, Files: make(map[string]string)}
}
