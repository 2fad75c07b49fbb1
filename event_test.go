package grade

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestEventQueue(t *testing.T) {
	q := NewEventQueue()
	ctx := context.Background()
	q.Push(Event{Kind: EventStarted})
	q.Push(Event{Kind: EventDone})
	for _, want := range []EventKind{EventStarted, EventDone} {
		ev, err := q.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if ev.Kind != want {
			t.Fatalf("got %v, want %v", ev.Kind, want)
		}
	}

	got := make(chan Event)
	go func() {
		ev, _ := q.Next(ctx)
		got <- ev
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push(Event{Kind: EventSkipped})
	select {
	case ev := <-got:
		if ev.Kind != EventSkipped {
			t.Fatalf("got %v, want %v", ev.Kind, EventSkipped)
		}
	case <-time.After(time.Second):
		t.Fatalf("Next wasn't woken by Push")
	}

	q.Push(Event{Kind: EventSubmissionDone})
	q.Close()
	q.Push(Event{Kind: EventError})
	ev, err := q.Next(ctx)
	if err != nil || ev.Kind != EventSubmissionDone {
		t.Fatalf("got %v, %v, want queued event before EOF", ev.Kind, err)
	}
	_, err = q.Next(ctx)
	if err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestEventQueueContext(t *testing.T) {
	q := NewEventQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestReportSuccess(t *testing.T) {
	ok := &ExecutionResult{Status: Success()}
	failed := &ExecutionResult{Status: ReturnCode(1)}
	cases := []struct {
		execs map[ExecutionID]ExecutionReport
		want  bool
	}{
		{map[ExecutionID]ExecutionReport{}, true},
		{map[ExecutionID]ExecutionReport{"a": {State: ExecDone, Result: ok}}, true},
		{map[ExecutionID]ExecutionReport{"a": {State: ExecDone, Result: ok}, "b": {State: ExecDone, Result: failed}}, false},
		{map[ExecutionID]ExecutionReport{"a": {State: ExecSkipped}}, false},
	}
	for _, c := range cases {
		r := &Report{Executions: c.execs}
		if got := r.Success(); got != c.want {
			t.Fatalf("%v: got %v, want %v", c.execs, got, c.want)
		}
	}
}
