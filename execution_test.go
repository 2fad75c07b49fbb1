package grade

import "testing"

func TestExecutionStatus(t *testing.T) {
	e := NewExecution("e", SystemCommand("true"))
	e.Limits = Limits{CPUTime: 1, SysTime: 0.5, WallTime: 2, Memory: 1024}
	cases := []struct {
		code   int
		signal int
		usage  ResourceUsage
		want   StatusKind
	}{
		{0, 0, ResourceUsage{CPUTime: 0.5, WallTime: 0.6, Memory: 512}, StatusSuccess},
		{0, 0, ResourceUsage{CPUTime: 1, WallTime: 2, Memory: 1024}, StatusSuccess},
		{3, 0, ResourceUsage{}, StatusReturnCode},
		{0, 11, ResourceUsage{}, StatusSignal},
		{0, 9, ResourceUsage{CPUTime: 1.5}, StatusTimeLimitExceeded},
		{0, 0, ResourceUsage{SysTime: 0.7}, StatusSysTimeLimitExceeded},
		{0, 9, ResourceUsage{WallTime: 2.1}, StatusWallTimeLimitExceeded},
		{0, 9, ResourceUsage{Memory: 2048}, StatusMemoryLimitExceeded},
		{1, 0, ResourceUsage{CPUTime: 3, Memory: 2048}, StatusTimeLimitExceeded},
	}
	for _, c := range cases {
		got := e.Status(c.code, c.signal, c.usage)
		if got.Kind != c.want {
			t.Fatalf("code %d, signal %d, usage %+v: got %v, want %v", c.code, c.signal, c.usage, got.Kind, c.want)
		}
	}
	if got := e.Status(3, 0, ResourceUsage{}); got.Code != 3 {
		t.Fatalf("got code %v, want 3", got.Code)
	}
	if got := e.Status(0, 11, ResourceUsage{}); got.Signal != 11 || got.SignalName == "" {
		t.Fatalf("got %+v, want signal 11 with name", got)
	}
}

func TestLimitsWithin(t *testing.T) {
	cases := []struct {
		l, o Limits
		want bool
	}{
		{Limits{}, Limits{}, true},
		{Limits{WallTime: 1}, Limits{}, true},
		{Limits{}, Limits{WallTime: 1}, false},
		{Limits{WallTime: 1}, Limits{WallTime: 2}, true},
		{Limits{WallTime: 2}, Limits{WallTime: 1}, false},
		{Limits{Memory: 10, NProc: 1}, Limits{Memory: 10, NProc: 1}, true},
		{Limits{Memory: 10, NProc: 2}, Limits{Memory: 10, NProc: 1}, false},
		{Limits{FSize: 1}, Limits{FSize: 1, Stack: 8}, false},
	}
	for _, c := range cases {
		got := c.l.Within(c.o)
		if got != c.want {
			t.Fatalf("%+v within %+v: got %v, want %v", c.l, c.o, got, c.want)
		}
	}
}

func TestCacheModeEnabled(t *testing.T) {
	cases := []struct {
		mode CacheMode
		tag  string
		want bool
	}{
		{CacheMode{Mode: CacheEverything}, "", true},
		{CacheMode{Mode: CacheEverything}, "x", true},
		{CacheMode{Mode: CacheNothing}, "", false},
		{CacheMode{Mode: CacheExcept, Except: []string{"x", "y"}}, "y", false},
		{CacheMode{Mode: CacheExcept, Except: []string{"x", "y"}}, "z", true},
		{CacheMode{Mode: CacheExcept, Except: []string{"x"}}, "", true},
	}
	for _, c := range cases {
		got := c.mode.Enabled(c.tag)
		if got != c.want {
			t.Fatalf("%+v, tag %q: got %v, want %v", c.mode, c.tag, got, c.want)
		}
	}
}

func TestDependencies(t *testing.T) {
	f1, f2 := NewFile("f1"), NewFile("f2")
	e := NewExecution("e", SystemCommand("cat"))
	e.SetStdin(f2.ID)
	e.AddInput("b", f1.ID, false)
	e.AddInput("a", f2.ID, false)
	got := e.Dependencies()
	want := []FileID{f2.ID, f1.ID}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}
