//go:build !linux

package sandbox

import (
	"os"
	"syscall"

	"github.com/imagvfx/grade"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func kill(p *os.Process) {
	p.Kill()
}

// setLimits is a no-op; only wall time is enforced on this platform.
func setLimits(pid int, l grade.Limits) error {
	return nil
}

func maxRSS(state *os.ProcessState) uint64 {
	return 0
}

func exitStatus(state *os.ProcessState) (code, signal int) {
	return state.ExitCode(), 0
}
