package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/imagvfx/grade"
)

// Process runs a request as a plain child process in a temporary directory.
// It applies resource limits where the platform allows it but doesn't
// isolate the process from the rest of the system.
type Process struct {
	// Dir is where sandbox directories are created.
	// Empty means the system temp dir.
	Dir string
	// Keep leaves sandbox directories after the response is closed.
	Keep bool
}

func (p *Process) Run(ctx context.Context, req *Request) (*Response, error) {
	dir, err := os.MkdirTemp(p.Dir, "sandbox-*")
	if err != nil {
		return nil, err
	}
	resp := &Response{dir: dir, keep: p.Keep, Files: make(map[string]string)}
	err = p.run(ctx, req, resp)
	if err != nil {
		resp.keep = false
		resp.Close()
		return nil, err
	}
	return resp, nil
}

func (p *Process) run(ctx context.Context, req *Request, resp *Response) error {
	box := filepath.Join(resp.dir, "box")
	err := os.Mkdir(box, 0755)
	if err != nil {
		return err
	}
	for path, in := range req.Inputs {
		if !filepath.IsLocal(path) {
			return fmt.Errorf("input path escapes the sandbox: %v", path)
		}
		mode := os.FileMode(0644)
		if in.Executable {
			mode = 0755
		}
		err := copyFile(in.Source, filepath.Join(box, path), mode)
		if err != nil {
			return fmt.Errorf("place input %v: %w", path, err)
		}
	}

	name := req.Command.Path
	if req.Command.Kind == grade.CommandLocal {
		if !filepath.IsLocal(name) {
			return fmt.Errorf("command path escapes the sandbox: %v", name)
		}
		name = filepath.Join(box, name)
	} else {
		name, err = exec.LookPath(name)
		if err != nil {
			return err
		}
	}
	cmd := exec.Command(name, req.Args...)
	cmd.Dir = box
	cmd.Env = envList(req.Env)
	cmd.SysProcAttr = sysProcAttr()

	if req.Stdin != "" {
		f, err := os.Open(req.Stdin)
		if err != nil {
			return err
		}
		defer f.Close()
		cmd.Stdin = f
	}
	stdout := filepath.Join(resp.dir, "stdout")
	stderr := filepath.Join(resp.dir, "stderr")
	if req.Stdout {
		f, err := os.Create(stdout)
		if err != nil {
			return err
		}
		defer f.Close()
		cmd.Stdout = f
	}
	if req.Stderr {
		f, err := os.Create(stderr)
		if err != nil {
			return err
		}
		defer f.Close()
		cmd.Stderr = f
	}

	start := time.Now()
	err = cmd.Start()
	if err != nil {
		return err
	}
	err = setLimits(cmd.Process.Pid, req.Limits)
	if err != nil {
		log.Warn().Err(err).Msg("couldn't set resource limits")
	}

	waitc := make(chan error, 1)
	go func() { waitc <- cmd.Wait() }()
	var wall <-chan time.Time
	if req.Limits.WallTime > 0 {
		timer := time.NewTimer(time.Duration(req.Limits.WallTime * float64(time.Second)))
		defer timer.Stop()
		wall = timer.C
	}
	select {
	case <-waitc:
	case <-wall:
		resp.Killed = true
		kill(cmd.Process)
		<-waitc
	case <-ctx.Done():
		resp.Killed = true
		kill(cmd.Process)
		<-waitc
	}
	resp.Usage.WallTime = time.Since(start).Seconds()

	state := cmd.ProcessState
	resp.Usage.CPUTime = state.UserTime().Seconds()
	resp.Usage.SysTime = state.SystemTime().Seconds()
	resp.Usage.Memory = maxRSS(state)
	resp.ExitCode, resp.Signal = exitStatus(state)

	if req.Stdout {
		resp.Files[grade.StdoutSlot] = stdout
	}
	if req.Stderr {
		resp.Files[grade.StderrSlot] = stderr
	}
	for _, path := range req.Outputs {
		if !filepath.IsLocal(path) {
			continue
		}
		full := filepath.Join(box, path)
		info, err := os.Stat(full)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		resp.Files[path] = full
	}
	return nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

func copyFile(src, dst string, mode os.FileMode) error {
	err := os.MkdirAll(filepath.Dir(dst), 0755)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
