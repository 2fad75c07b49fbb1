package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagvfx/grade"
	"github.com/imagvfx/grade/store"
)

func TestCheck(t *testing.T) {
	cases := []struct {
		label string
		msg   *Message
		ok    bool
	}{
		{label: "hello", msg: NewHello("w", RoleWorker), ok: true},
		{label: "get work", msg: NewGetWork(), ok: true},
		{label: "no payload", msg: &Message{Kind: KindWork}},
		{label: "work without execution", msg: &Message{Kind: KindWork, Work: &Work{Job: &grade.Job{}}}},
		{label: "evaluate without dag", msg: &Message{Kind: KindEvaluate, Evaluate: &Evaluate{}}},
		{label: "unknown", msg: &Message{Kind: "bogus"}},
	}
	for _, c := range cases {
		err := c.msg.Check()
		if c.ok {
			assert.NoError(t, err, c.label)
		} else {
			assert.Error(t, err, c.label)
		}
	}
}

func TestCodecWork(t *testing.T) {
	e := grade.NewExecution("compile", grade.SystemCommand("gcc"))
	e.SetArgs("-o", "prog", "prog.c")
	src := grade.NewFile("source")
	e.AddInput("prog.c", src.ID, false)
	out := e.AddOutput("prog")
	job := &grade.Job{
		DAG:       "dag",
		Execution: e,
		Inputs:    map[grade.FileID]store.Key{src.ID: store.KeyOf([]byte("int main(){}"))},
		Attempt:   1,
	}
	data, err := Codec{}.Marshal(NewWork(job))
	require.NoError(t, err)

	got := new(Message)
	require.NoError(t, Codec{}.Unmarshal(data, got))
	require.Equal(t, KindWork, got.Kind)
	gj := got.Work.Job
	assert.Equal(t, job.Inputs, gj.Inputs)
	assert.Equal(t, e.Args, gj.Execution.Args)
	assert.Equal(t, e.Limits, gj.Execution.Limits)
	assert.Equal(t, out.ID, gj.Execution.Outputs["prog"].ID)
	assert.Equal(t, 1, gj.Attempt)
}

func TestCodecEventReport(t *testing.T) {
	r := grade.ExecutionResult{Status: grade.ReturnCode(1), Usage: grade.ResourceUsage{CPUTime: 0.5}}
	ev := grade.Event{
		Kind: grade.EventSubmissionDone,
		DAG:  "dag",
		Report: &grade.Report{
			DAG: "dag",
			Executions: map[grade.ExecutionID]grade.ExecutionReport{
				"a": {State: grade.ExecDone, Result: &r},
				"b": {State: grade.ExecSkipped},
			},
			Files: map[grade.FileID]store.Key{},
		},
	}
	data, err := Marshal(NewEvent(ev))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"skipped"`)

	got := new(Message)
	require.NoError(t, Unmarshal(data, got))
	rep := got.Event.Report
	assert.Equal(t, grade.ExecDone, rep.Executions["a"].State)
	assert.Equal(t, grade.ExecSkipped, rep.Executions["b"].State)
	assert.Equal(t, grade.StatusReturnCode, rep.Executions["a"].Result.Status.Kind)
	assert.False(t, rep.Success())
}

func TestCodecChunk(t *testing.T) {
	data, err := Marshal(NewFileChunk(&FileChunk{Key: "k", Offset: 3, Data: []byte{0, 1, 2, 255}, Last: true}))
	require.NoError(t, err)
	got := new(Message)
	require.NoError(t, Unmarshal(data, got))
	assert.Equal(t, []byte{0, 1, 2, 255}, got.FileChunk.Data)
	assert.EqualValues(t, 3, got.FileChunk.Offset)
	assert.True(t, got.FileChunk.Last)
}

func TestCodecRejectsOtherTypes(t *testing.T) {
	_, err := Codec{}.Marshal("hello")
	assert.Error(t, err)
	assert.Error(t, Codec{}.Unmarshal([]byte(`{}`), new(string)))
	assert.Error(t, Unmarshal([]byte(`{"kind":"work"}`), new(Message)))
}
