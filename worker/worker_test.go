package worker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagvfx/grade"
	"github.com/imagvfx/grade/proto"
	"github.com/imagvfx/grade/sandbox"
	"github.com/imagvfx/grade/store"
	"github.com/imagvfx/grade/transfer"
	"github.com/imagvfx/grade/transport"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	return st
}

// upper is a sandbox that writes its input in upper case to stdout and "out".
func upper(dir string) sandbox.Sandbox {
	return sandbox.Func(func(ctx context.Context, req *sandbox.Request) (*sandbox.Response, error) {
		in, err := os.ReadFile(req.Inputs["in.txt"].Source)
		if err != nil {
			return nil, err
		}
		d, err := os.MkdirTemp(dir, "run-")
		if err != nil {
			return nil, err
		}
		resp := sandbox.NewResponse(d)
		out := bytes.ToUpper(in)
		for _, slot := range append([]string{grade.StdoutSlot}, req.Outputs...) {
			p := filepath.Join(d, strings.Trim(slot, "<>"))
			err := os.WriteFile(p, out, 0644)
			if err != nil {
				return nil, err
			}
			resp.Files[slot] = p
		}
		resp.Usage.WallTime = 0.01
		return resp, nil
	})
}

// sleeper runs until its context is done.
func sleeper(dir string) sandbox.Sandbox {
	return sandbox.Func(func(ctx context.Context, req *sandbox.Request) (*sandbox.Response, error) {
		<-ctx.Done()
		resp := sandbox.NewResponse("")
		resp.Killed = true
		resp.Signal = 9
		return resp, nil
	})
}

// farm is the farm side of a worker connection in tests.
type farm struct {
	t    *testing.T
	conn transport.Conn
	st   *store.Store
	f    *transfer.Fetcher

	msgs chan *proto.Message
}

func newFarm(t *testing.T, conn transport.Conn) *farm {
	f := &farm{t: t, conn: conn, st: openStore(t), msgs: make(chan *proto.Message, 16)}
	f.f = transfer.NewFetcher(f.st)
	go func() {
		for {
			m, err := conn.Recv()
			if err != nil {
				close(f.msgs)
				return
			}
			switch m.Kind {
			case proto.KindAskFile:
				go transfer.Send(conn, f.st, m.AskFile.Key, m.AskFile.Offset)
			case proto.KindFileChunk:
				f.f.Deliver(m.FileChunk)
			default:
				f.msgs <- m
			}
		}
	}()
	return f
}

func (f *farm) expect(kind proto.Kind) *proto.Message {
	f.t.Helper()
	select {
	case m, ok := <-f.msgs:
		require.True(f.t, ok, "connection closed while waiting for %v", kind)
		require.Equal(f.t, kind, m.Kind)
		return m
	case <-time.After(10 * time.Second):
		f.t.Fatalf("timeout waiting for %v", kind)
	}
	return nil
}

func upperJob(t *testing.T, st *store.Store) (*grade.Job, grade.File, grade.File) {
	key, err := st.Put([]byte("hello"))
	require.NoError(t, err)
	src := grade.NewFile("src")
	e := grade.NewExecution("upper", grade.SystemCommand("upper"))
	e.AddInput("in.txt", src.ID, false)
	stdout := e.CaptureStdout()
	out := e.AddOutput("out")
	job := &grade.Job{
		DAG:       "dag",
		Execution: e,
		Inputs:    map[grade.FileID]store.Key{src.ID: key},
	}
	return job, stdout, out
}

func TestWorkerRun(t *testing.T) {
	a, b := transport.Pipe()
	fm := newFarm(t, a)
	w := &Worker{Name: "w1", Store: openStore(t), Sandbox: upper(t.TempDir())}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx, b) }()

	hello := fm.expect(proto.KindHello)
	assert.Equal(t, "w1", hello.Hello.Name)
	assert.Equal(t, proto.RoleWorker, hello.Hello.Role)
	require.NoError(t, a.Send(proto.NewWelcome("id1")))
	fm.expect(proto.KindGetWork)

	job, stdout, out := upperJob(t, fm.st)
	require.NoError(t, a.Send(proto.NewWork(job)))
	done := fm.expect(proto.KindWorkDone).WorkDone
	assert.Equal(t, job.Execution.ID, done.Execution)
	assert.True(t, done.Result.Status.IsSuccess())
	assert.False(t, done.Result.WasKilled)
	want := store.KeyOf([]byte("HELLO"))
	assert.Equal(t, want, done.Outputs[stdout.ID])
	assert.Equal(t, want, done.Outputs[out.ID])

	// Outputs are served from the worker's store.
	require.NoError(t, fm.f.Fetch(ctx, a, want))
	data, err := fm.st.Get(want)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(data))

	fm.expect(proto.KindGetWork)
	require.NoError(t, a.Send(proto.NewExit()))
	require.NoError(t, <-errc)
}

func TestWorkerMissingInput(t *testing.T) {
	a, b := transport.Pipe()
	fm := newFarm(t, a)
	w := &Worker{Name: "w1", Store: openStore(t), Sandbox: upper(t.TempDir())}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	go w.Run(ctx, b)

	fm.expect(proto.KindHello)
	require.NoError(t, a.Send(proto.NewWelcome("id1")))
	fm.expect(proto.KindGetWork)

	job, _, _ := upperJob(t, openStore(t))
	require.NoError(t, a.Send(proto.NewWork(job)))
	done := fm.expect(proto.KindWorkDone).WorkDone
	assert.Equal(t, grade.StatusInternalError, done.Result.Status.Kind)
	assert.Empty(t, done.Outputs)
	a.Close()
}

func TestWorkerKill(t *testing.T) {
	a, b := transport.Pipe()
	fm := newFarm(t, a)
	w := &Worker{Name: "w1", Store: openStore(t), Sandbox: sleeper(t.TempDir())}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	go w.Run(ctx, b)

	fm.expect(proto.KindHello)
	require.NoError(t, a.Send(proto.NewWelcome("id1")))
	fm.expect(proto.KindGetWork)

	job, _, _ := upperJob(t, fm.st)
	require.NoError(t, a.Send(proto.NewWork(job)))
	// The worker may still be fetching; killing works either way.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, a.Send(proto.NewKill(job.Execution.ID)))
	done := fm.expect(proto.KindWorkDone).WorkDone
	assert.True(t, done.Result.WasKilled)
	a.Close()
}

func TestWorkerRefused(t *testing.T) {
	a, b := transport.Pipe()
	fm := newFarm(t, a)
	w := &Worker{Name: "w1", Store: openStore(t), Sandbox: upper(t.TempDir())}
	errc := make(chan error, 1)
	go func() { errc <- w.Run(context.Background(), b) }()
	fm.expect(proto.KindHello)
	require.NoError(t, a.Send(proto.NewError("", "not allowed")))
	err := <-errc
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestJudge(t *testing.T) {
	e := grade.NewExecution("x", grade.SystemCommand("x"))
	e.Limits = grade.Limits{WallTime: 1}
	cases := []struct {
		resp sandbox.Response
		want grade.StatusKind
	}{
		{sandbox.Response{}, grade.StatusSuccess},
		{sandbox.Response{ExitCode: 2}, grade.StatusReturnCode},
		{sandbox.Response{Signal: 11}, grade.StatusSignal},
		{sandbox.Response{Signal: 9, Killed: true, Usage: grade.ResourceUsage{WallTime: 1.5}}, grade.StatusWallTimeLimitExceeded},
	}
	for _, c := range cases {
		resp := c.resp
		got := Judge(e, &resp)
		if got.Status.Kind != c.want {
			t.Fatalf("got %v, want %v", got.Status.Kind, c.want)
		}
		if got.WasKilled != resp.Killed {
			t.Fatalf("got killed %v, want %v", got.WasKilled, resp.Killed)
		}
	}
}

func TestRequest(t *testing.T) {
	st := openStore(t)
	job, _, _ := upperJob(t, st)
	e := job.Execution
	in := grade.NewFile("stdin")
	e.SetStdin(in.ID)
	job.Inputs[in.ID] = store.KeyOf([]byte("x"))
	e.CaptureStderr()

	req, err := request(e, job, st)
	require.NoError(t, err)
	assert.Equal(t, st.Path(job.Inputs[e.Inputs["in.txt"].File]), req.Inputs["in.txt"].Source)
	assert.Equal(t, st.Path(job.Inputs[in.ID]), req.Stdin)
	assert.True(t, req.Stdout)
	assert.True(t, req.Stderr)
	assert.Equal(t, []string{"out"}, req.Outputs)

	delete(job.Inputs, in.ID)
	_, err = request(e, job, st)
	assert.Error(t, err)
}
