package grade

import (
	"fmt"
	"syscall"
)

// StatusKind is kind of a terminal ExecutionStatus.
type StatusKind string

const (
	StatusSuccess               = StatusKind("success")
	StatusReturnCode            = StatusKind("return_code")
	StatusSignal                = StatusKind("signal")
	StatusTimeLimitExceeded     = StatusKind("time_limit")
	StatusSysTimeLimitExceeded  = StatusKind("sys_time_limit")
	StatusWallTimeLimitExceeded = StatusKind("wall_time_limit")
	StatusMemoryLimitExceeded   = StatusKind("memory_limit")
	StatusInternalError         = StatusKind("internal_error")
)

// ExecutionStatus is how an execution ended.
// Only the fields of its Kind are meaningful.
type ExecutionStatus struct {
	Kind       StatusKind `json:"kind"`
	Code       int        `json:"code,omitempty"`
	Signal     int        `json:"signal,omitempty"`
	SignalName string     `json:"signal_name,omitempty"`
	Message    string     `json:"message,omitempty"`
}

func Success() ExecutionStatus {
	return ExecutionStatus{Kind: StatusSuccess}
}

func ReturnCode(code int) ExecutionStatus {
	return ExecutionStatus{Kind: StatusReturnCode, Code: code}
}

func Signaled(sig int) ExecutionStatus {
	return ExecutionStatus{Kind: StatusSignal, Signal: sig, SignalName: syscall.Signal(sig).String()}
}

func InternalError(msg string) ExecutionStatus {
	return ExecutionStatus{Kind: StatusInternalError, Message: msg}
}

// IsSuccess reports whether the execution succeeded.
func (s ExecutionStatus) IsSuccess() bool {
	return s.Kind == StatusSuccess
}

func (s ExecutionStatus) String() string {
	switch s.Kind {
	case StatusSuccess:
		return "success"
	case StatusReturnCode:
		return fmt.Sprintf("exited with %d", s.Code)
	case StatusSignal:
		return fmt.Sprintf("killed by signal %d (%s)", s.Signal, s.SignalName)
	case StatusTimeLimitExceeded:
		return "time limit exceeded"
	case StatusSysTimeLimitExceeded:
		return "sys time limit exceeded"
	case StatusWallTimeLimitExceeded:
		return "wall time limit exceeded"
	case StatusMemoryLimitExceeded:
		return "memory limit exceeded"
	case StatusInternalError:
		return "internal error: " + s.Message
	}
	return string(s.Kind)
}

// ResourceUsage is what an execution consumed.
// Times are in seconds, memory in KiB.
type ResourceUsage struct {
	CPUTime  float64 `json:"cpu_time"`
	SysTime  float64 `json:"sys_time"`
	WallTime float64 `json:"wall_time"`
	Memory   uint64  `json:"memory"`
}

// ExecutionResult is the outcome of an execution, whether it ran or came from the cache.
type ExecutionResult struct {
	Status    ExecutionStatus `json:"status"`
	WasKilled bool            `json:"was_killed,omitempty"`
	WasCached bool            `json:"was_cached,omitempty"`
	Usage     ResourceUsage   `json:"usage"`
}
