package sandbox

import (
	"math"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/imagvfx/grade"
)

func sysProcAttr() *syscall.SysProcAttr {
	// Own process group, so kill reaches the children too.
	return &syscall.SysProcAttr{Setpgid: true}
}

func kill(p *os.Process) {
	unix.Kill(-p.Pid, unix.SIGKILL)
}

// setLimits applies limits to a started process.
// The CPU limit is rounded up and given a second more, so the process is
// judged on what it used instead of dying exactly at the limit.
func setLimits(pid int, l grade.Limits) error {
	set := func(res int, v uint64) error {
		if v == 0 {
			return nil
		}
		return unix.Prlimit(pid, res, &unix.Rlimit{Cur: v, Max: v}, nil)
	}
	limits := []struct {
		res int
		v   uint64
	}{
		{unix.RLIMIT_AS, l.Memory * 1024},
		{unix.RLIMIT_NPROC, l.NProc},
		{unix.RLIMIT_NOFILE, l.NoFile},
		{unix.RLIMIT_FSIZE, l.FSize * 1024},
		{unix.RLIMIT_STACK, l.Stack * 1024},
	}
	if l.CPUTime > 0 {
		limits = append(limits, struct {
			res int
			v   uint64
		}{unix.RLIMIT_CPU, uint64(math.Ceil(l.CPUTime)) + 1})
	}
	for _, lim := range limits {
		err := set(lim.res, lim.v)
		if err != nil {
			return err
		}
	}
	return nil
}

func maxRSS(state *os.ProcessState) uint64 {
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0
	}
	// KiB on linux.
	return uint64(ru.Maxrss)
}

func exitStatus(state *os.ProcessState) (code, signal int) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return state.ExitCode(), 0
	}
	if ws.Signaled() {
		return 0, int(ws.Signal())
	}
	return ws.ExitStatus(), 0
}
