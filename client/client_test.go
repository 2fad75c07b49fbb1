package client

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagvfx/grade"
	"github.com/imagvfx/grade/cache"
	"github.com/imagvfx/grade/sandbox"
	"github.com/imagvfx/grade/service/nop"
	"github.com/imagvfx/grade/store"
)

// script is a sandbox understanding a few commands:
//
//	cat    writes its stdin and inputs, ordered by path, to stdout
//	upper  like cat, but in upper case, also to every declared output
//	fail   writes "partial" to stdout and exits with 1
//	block  waits until it is killed
type script struct {
	dir  string
	runs atomic.Int32

	mu      sync.Mutex
	started chan struct{}
}

func (s *script) Run(ctx context.Context, req *sandbox.Request) (*sandbox.Response, error) {
	s.runs.Add(1)
	d, err := os.MkdirTemp(s.dir, "run-")
	if err != nil {
		return nil, err
	}
	resp := sandbox.NewResponse(d)
	var in bytes.Buffer
	if req.Stdin != "" {
		data, err := os.ReadFile(req.Stdin)
		if err != nil {
			return nil, err
		}
		in.Write(data)
	}
	paths := make([]string, 0, len(req.Inputs))
	for p := range req.Inputs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		data, err := os.ReadFile(req.Inputs[p].Source)
		if err != nil {
			return nil, err
		}
		in.Write(data)
	}
	out := in.Bytes()
	switch req.Command.Path {
	case "cat":
	case "upper":
		out = bytes.ToUpper(out)
		for _, o := range req.Outputs {
			p := filepath.Join(d, o)
			err := os.WriteFile(p, out, 0644)
			if err != nil {
				return nil, err
			}
			resp.Files[o] = p
		}
	case "fail":
		out = []byte("partial")
		resp.ExitCode = 1
	case "block":
		s.mu.Lock()
		if s.started != nil {
			close(s.started)
			s.started = nil
		}
		s.mu.Unlock()
		<-ctx.Done()
		resp.Killed = true
		resp.Signal = 9
		return resp, nil
	}
	if req.Stdout {
		p := filepath.Join(d, "stdout")
		err := os.WriteFile(p, out, 0644)
		if err != nil {
			return nil, err
		}
		resp.Files[grade.StdoutSlot] = p
	}
	return resp, nil
}

type env struct {
	farm   *grade.Farm
	client *Client
	sb     *script
}

func newEnv(t *testing.T, workers int) *env {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	c, err := cache.New(st, nop.NewCacheService())
	require.NoError(t, err)
	farm := grade.NewFarm(st, c, grade.FarmOptions{})
	sb := &script{dir: t.TempDir()}
	cl, err := Local(farm, workers, sb)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return &env{farm: farm, client: cl, sb: sb}
}

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// pipeline builds: provided "hello" -> upper -> cat.
func pipeline() (*grade.DAG, *grade.Execution, *grade.Execution, grade.File) {
	dag := grade.NewDAG()
	src := grade.NewFile("source")
	dag.ProvideContent(src, []byte("hello"))

	up := grade.NewExecution("upper", grade.SystemCommand("upper"))
	up.AddInput("in", src.ID, false)
	mid := up.AddOutput("mid")
	dag.AddExecution(up)

	cat := grade.NewExecution("cat", grade.SystemCommand("cat"))
	cat.AddInput("a", mid.ID, false)
	cat.AddInput("b", src.ID, false)
	out := cat.CaptureStdout()
	dag.AddExecution(cat)
	return dag, up, cat, out
}

func TestEvaluate(t *testing.T) {
	e := newEnv(t, 2)
	ctx := timeout(t)
	dag, up, cat, out := pipeline()

	var kinds []grade.EventKind
	report, err := e.client.Evaluate(ctx, dag, func(ev grade.Event) {
		assert.Equal(t, dag.ID, ev.DAG)
		kinds = append(kinds, ev.Kind)
	})
	require.NoError(t, err)
	assert.True(t, report.Success())
	assert.Equal(t, grade.ExecDone, report.Executions[up.ID].State)
	assert.Equal(t, grade.ExecDone, report.Executions[cat.ID].State)
	assert.Equal(t, grade.EventSubmissionDone, kinds[len(kinds)-1])
	assert.Len(t, kinds, 5)

	data, err := e.client.FetchFile(ctx, report.Files[out.ID])
	require.NoError(t, err)
	assert.Equal(t, "HELLOhello", string(data))

	p := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, e.client.WriteFile(ctx, report.Files[out.ID], p))
	written, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "HELLOhello", string(written))
}

func TestEvaluateCached(t *testing.T) {
	e := newEnv(t, 1)
	ctx := timeout(t)
	dag, _, _, _ := pipeline()
	_, err := e.client.Evaluate(ctx, dag, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, e.sb.runs.Load())

	again, _, cat, out := pipeline()
	report, err := e.client.Evaluate(ctx, again, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, e.sb.runs.Load())
	assert.True(t, report.Executions[cat.ID].Result.WasCached)
	data, err := e.client.FetchFile(ctx, report.Files[out.ID])
	require.NoError(t, err)
	assert.Equal(t, "HELLOhello", string(data))

	nocache, _, _, _ := pipeline()
	nocache.Config.CacheMode = grade.CacheMode{Mode: grade.CacheNothing}
	_, err = e.client.Evaluate(ctx, nocache, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 4, e.sb.runs.Load())
}

func TestEvaluateFailureSkips(t *testing.T) {
	e := newEnv(t, 1)
	ctx := timeout(t)
	dag := grade.NewDAG()
	bad := grade.NewExecution("fail", grade.SystemCommand("fail"))
	partial := bad.CaptureStdout()
	dag.AddExecution(bad)
	next := grade.NewExecution("next", grade.SystemCommand("cat"))
	next.SetStdin(partial.ID)
	next.CaptureStdout()
	dag.AddExecution(next)
	lenient := grade.NewExecution("lenient", grade.SystemCommand("cat"))
	lenient.SetStdin(partial.ID)
	lenient.IgnoreFailedDeps = true
	lenientOut := lenient.CaptureStdout()
	dag.AddExecution(lenient)

	report, err := e.client.Evaluate(ctx, dag, nil)
	require.NoError(t, err)
	assert.False(t, report.Success())
	assert.Equal(t, grade.StatusReturnCode, report.Executions[bad.ID].Result.Status.Kind)
	assert.Equal(t, grade.ExecSkipped, report.Executions[next.ID].State)
	assert.Equal(t, grade.ExecDone, report.Executions[lenient.ID].State)
	data, err := e.client.FetchFile(ctx, report.Files[lenientOut.ID])
	require.NoError(t, err)
	assert.Equal(t, "partial", string(data))
}

func TestEvaluateProvidedFile(t *testing.T) {
	e := newEnv(t, 1)
	ctx := timeout(t)
	p := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(p, []byte("from disk"), 0644))

	dag := grade.NewDAG()
	src := grade.NewFile("input")
	require.NoError(t, dag.ProvideFile(src, p))
	cat := grade.NewExecution("cat", grade.SystemCommand("cat"))
	cat.SetStdin(src.ID)
	out := cat.CaptureStdout()
	dag.AddExecution(cat)

	report, err := e.client.Evaluate(ctx, dag, nil)
	require.NoError(t, err)
	require.True(t, report.Success())
	data, err := e.client.FetchFile(ctx, report.Files[out.ID])
	require.NoError(t, err)
	assert.Equal(t, "from disk", string(data))
}

func TestEvaluateProvidedFileVanished(t *testing.T) {
	e := newEnv(t, 1)
	ctx := timeout(t)
	p := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(p, []byte("soon gone"), 0644))

	dag := grade.NewDAG()
	src := grade.NewFile("input")
	require.NoError(t, dag.ProvideFile(src, p))
	require.NoError(t, os.Remove(p))
	cat := grade.NewExecution("cat", grade.SystemCommand("cat"))
	cat.SetStdin(src.ID)
	cat.CaptureStdout()
	dag.AddExecution(cat)

	var errs []string
	report, err := e.client.Evaluate(ctx, dag, func(ev grade.Event) {
		if ev.Kind == grade.EventError {
			errs = append(errs, ev.Error)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, grade.ExecSkipped, report.Executions[cat.ID].State)
	assert.Len(t, errs, 1)
}

func TestEvaluateInvalid(t *testing.T) {
	e := newEnv(t, 1)
	ctx := timeout(t)
	dag := grade.NewDAG()
	cat := grade.NewExecution("cat", grade.SystemCommand("cat"))
	cat.SetStdin(grade.NewFile("nobody makes this").ID)
	dag.AddExecution(cat)

	_, err := e.client.Evaluate(ctx, dag, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "missing"), err.Error())
}

func TestEvaluateDryRun(t *testing.T) {
	e := newEnv(t, 1)
	ctx := timeout(t)
	dag, up, cat, _ := pipeline()
	dag.Config.DryRun = true
	report, err := e.client.Evaluate(ctx, dag, nil)
	require.NoError(t, err)
	assert.Equal(t, grade.ExecSkipped, report.Executions[up.ID].State)
	assert.Equal(t, grade.ExecSkipped, report.Executions[cat.ID].State)
	assert.EqualValues(t, 0, e.sb.runs.Load())
}

func TestEvaluateCanceled(t *testing.T) {
	e := newEnv(t, 1)
	started := make(chan struct{})
	e.sb.started = started
	dag := grade.NewDAG()
	blk := grade.NewExecution("block", grade.SystemCommand("block"))
	blk.CaptureStdout()
	dag.AddExecution(blk)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := e.client.Evaluate(ctx, dag, nil)
	assert.ErrorIs(t, err, context.Canceled)

	// The worker is freed for the next DAG.
	ctx = timeout(t)
	next, _, _, _ := pipeline()
	report, err := e.client.Evaluate(ctx, next, nil)
	require.NoError(t, err)
	assert.True(t, report.Success())
}

func TestStatus(t *testing.T) {
	e := newEnv(t, 3)
	ctx := timeout(t)
	require.Eventually(t, func() bool {
		s, err := e.client.Status(ctx)
		require.NoError(t, err)
		if len(s.Workers) != 3 {
			return false
		}
		for _, w := range s.Workers {
			if w.Status != "ready" {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
}

func TestClosed(t *testing.T) {
	e := newEnv(t, 1)
	require.NoError(t, e.client.Close())
	dag, _, _, _ := pipeline()
	_, err := e.client.Evaluate(context.Background(), dag, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
