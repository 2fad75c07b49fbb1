package grade

import (
	"sort"

	"github.com/rs/xid"
)

// ExecutionID identifies an Execution within a DAG.
type ExecutionID string

// CommandKind tells how the command path of an execution is resolved.
type CommandKind string

const (
	// CommandSystem is looked up in PATH of the worker.
	CommandSystem = CommandKind("system")
	// CommandLocal is a path inside the sandbox, usually an executable input.
	CommandLocal = CommandKind("local")
)

// Command is the program an execution runs.
type Command struct {
	Kind CommandKind `json:"kind" yaml:"kind"`
	Path string      `json:"path" yaml:"path"`
}

func SystemCommand(name string) Command {
	return Command{Kind: CommandSystem, Path: name}
}

func LocalCommand(path string) Command {
	return Command{Kind: CommandLocal, Path: path}
}

// Input is a file placed in the sandbox before the execution starts.
type Input struct {
	File       FileID `json:"file" yaml:"file"`
	Executable bool   `json:"executable,omitempty" yaml:"executable,omitempty"`
}

// Limits are resource limits of an execution. Zero means unlimited.
// Times are in seconds; Memory, FSize and Stack are in KiB.
type Limits struct {
	CPUTime  float64 `json:"cpu_time,omitempty" yaml:"cpu_time,omitempty"`
	SysTime  float64 `json:"sys_time,omitempty" yaml:"sys_time,omitempty"`
	WallTime float64 `json:"wall_time,omitempty" yaml:"wall_time,omitempty"`
	Memory   uint64  `json:"memory,omitempty" yaml:"memory,omitempty"`
	NProc    uint64  `json:"nproc,omitempty" yaml:"nproc,omitempty"`
	NoFile   uint64  `json:"nofile,omitempty" yaml:"nofile,omitempty"`
	FSize    uint64  `json:"fsize,omitempty" yaml:"fsize,omitempty"`
	Stack    uint64  `json:"stack,omitempty" yaml:"stack,omitempty"`
}

// DefaultLimits allows a single process writing files up to 1GiB.
func DefaultLimits() Limits {
	return Limits{
		NProc: 1,
		FSize: 1 << 20,
	}
}

func floatWithin(a, b float64) bool {
	if b == 0 {
		return true
	}
	if a == 0 {
		return false
	}
	return a <= b
}

func uintWithin(a, b uint64) bool {
	if b == 0 {
		return true
	}
	if a == 0 {
		return false
	}
	return a <= b
}

// Within reports whether every limit of l is no larger than the one of o.
// An unset limit counts as infinite.
func (l Limits) Within(o Limits) bool {
	return floatWithin(l.CPUTime, o.CPUTime) &&
		floatWithin(l.SysTime, o.SysTime) &&
		floatWithin(l.WallTime, o.WallTime) &&
		uintWithin(l.Memory, o.Memory) &&
		uintWithin(l.NProc, o.NProc) &&
		uintWithin(l.NoFile, o.NoFile) &&
		uintWithin(l.FSize, o.FSize) &&
		uintWithin(l.Stack, o.Stack)
}

// Output slot names of the captured standard streams.
const (
	StdoutSlot = "<stdout>"
	StderrSlot = "<stderr>"
)

// Execution is one invocation of a command inside a sandbox.
type Execution struct {
	ID          ExecutionID       `json:"id" yaml:"id"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Command     Command           `json:"command" yaml:"command"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Stdin       FileID            `json:"stdin,omitempty" yaml:"stdin,omitempty"`
	Stdout      *File             `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr      *File             `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	Inputs      map[string]Input  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     map[string]File   `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Limits      Limits            `json:"limits" yaml:"limits"`

	// Cacheable lets results of the execution be stored in and served from the cache.
	Cacheable bool `json:"cacheable" yaml:"cacheable"`

	// IgnoreFailedDeps runs the execution even when a producer of its inputs failed,
	// as long as the producer still emitted the files.
	IgnoreFailedDeps bool `json:"ignore_failed_deps,omitempty" yaml:"ignore_failed_deps,omitempty"`

	// Priority orders ready executions. Higher runs first.
	Priority int    `json:"priority,omitempty" yaml:"priority,omitempty"`
	Tag      string `json:"tag,omitempty" yaml:"tag,omitempty"`
}

// NewExecution creates a cacheable Execution with default limits.
func NewExecution(description string, cmd Command) *Execution {
	return &Execution{
		ID:          ExecutionID(xid.New().String()),
		Description: description,
		Command:     cmd,
		Env:         make(map[string]string),
		Inputs:      make(map[string]Input),
		Outputs:     make(map[string]File),
		Limits:      DefaultLimits(),
		Cacheable:   true,
	}
}

func (e *Execution) SetArgs(args ...string) {
	e.Args = args
}

func (e *Execution) SetEnv(key, value string) {
	if e.Env == nil {
		e.Env = make(map[string]string)
	}
	e.Env[key] = value
}

// AddInput places file f at path in the sandbox.
func (e *Execution) AddInput(path string, f FileID, executable bool) {
	if e.Inputs == nil {
		e.Inputs = make(map[string]Input)
	}
	e.Inputs[path] = Input{File: f, Executable: executable}
}

func (e *Execution) SetStdin(f FileID) {
	e.Stdin = f
}

// CaptureStdout makes stdout of the execution a File and returns it.
func (e *Execution) CaptureStdout() File {
	if e.Stdout == nil {
		e.Stdout = ptr(NewFile("stdout of " + e.Description))
	}
	return *e.Stdout
}

// CaptureStderr makes stderr of the execution a File and returns it.
func (e *Execution) CaptureStderr() File {
	if e.Stderr == nil {
		e.Stderr = ptr(NewFile("stderr of " + e.Description))
	}
	return *e.Stderr
}

// AddOutput declares that the execution leaves a file at path.
func (e *Execution) AddOutput(path string) File {
	if e.Outputs == nil {
		e.Outputs = make(map[string]File)
	}
	if f, ok := e.Outputs[path]; ok {
		return f
	}
	f := NewFile(path + " of " + e.Description)
	e.Outputs[path] = f
	return f
}

// Dependencies returns files the execution needs, without duplicates.
func (e *Execution) Dependencies() []FileID {
	has := make(map[FileID]bool)
	deps := make([]FileID, 0, len(e.Inputs)+1)
	if e.Stdin != "" {
		has[e.Stdin] = true
		deps = append(deps, e.Stdin)
	}
	for _, p := range sortedKeys(e.Inputs) {
		f := e.Inputs[p].File
		if has[f] {
			continue
		}
		has[f] = true
		deps = append(deps, f)
	}
	return deps
}

// Slots returns every output of the execution keyed by its slot name:
// StdoutSlot, StderrSlot or the sandbox path.
func (e *Execution) Slots() map[string]File {
	slots := make(map[string]File, len(e.Outputs)+2)
	if e.Stdout != nil {
		slots[StdoutSlot] = *e.Stdout
	}
	if e.Stderr != nil {
		slots[StderrSlot] = *e.Stderr
	}
	for p, f := range e.Outputs {
		slots[p] = f
	}
	return slots
}

// OutputFiles returns files the execution produces, ordered by slot name.
func (e *Execution) OutputFiles() []File {
	slots := e.Slots()
	files := make([]File, 0, len(slots))
	for _, s := range sortedKeys(slots) {
		files = append(files, slots[s])
	}
	return files
}

// Status judges raw measurements of a finished process against limits of e.
// Limits are checked before the signal, since exceeding one usually ends
// with the process killed.
func (e *Execution) Status(exitCode, signal int, u ResourceUsage) ExecutionStatus {
	l := e.Limits
	switch {
	case l.CPUTime != 0 && u.CPUTime > l.CPUTime:
		return ExecutionStatus{Kind: StatusTimeLimitExceeded}
	case l.SysTime != 0 && u.SysTime > l.SysTime:
		return ExecutionStatus{Kind: StatusSysTimeLimitExceeded}
	case l.WallTime != 0 && u.WallTime > l.WallTime:
		return ExecutionStatus{Kind: StatusWallTimeLimitExceeded}
	case l.Memory != 0 && u.Memory > l.Memory:
		return ExecutionStatus{Kind: StatusMemoryLimitExceeded}
	case signal != 0:
		return Signaled(signal)
	case exitCode != 0:
		return ReturnCode(exitCode)
	}
	return Success()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
