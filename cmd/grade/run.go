package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/imagvfx/grade"
	"github.com/imagvfx/grade/cache"
	"github.com/imagvfx/grade/client"
	"github.com/imagvfx/grade/sandbox"
	"github.com/imagvfx/grade/service/nop"
)

func run(args []string) error {
	var ff farmFlags
	fset := flag.NewFlagSet("run", flag.ExitOnError)
	ff.register(fset)
	local := fset.Int("local", 0, "evaluate with a farm of n workers in this process, instead of connecting to one")
	quiet := fset.Bool("q", false, "print the summary only")
	fset.Parse(args)
	fargs := fset.Args()
	if len(fargs) == 0 {
		return errors.New("need a dag file to run")
	}
	l, err := readDAGFile(fargs[0])
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var c *client.Client
	if *local > 0 {
		c, err = localClient(&ff, *local)
	} else {
		c, err = ff.dial(ctx)
	}
	if err != nil {
		return err
	}
	defer c.Close()

	var onEvent func(grade.Event)
	if !*quiet {
		onEvent = func(ev grade.Event) {
			if line := l.eventLine(ev); line != "" {
				fmt.Println(line)
			}
		}
	}
	report, err := c.Evaluate(ctx, l.DAG, onEvent)
	if err != nil {
		return err
	}
	for id, path := range l.Write {
		key, ok := report.Files[id]
		if !ok {
			log.Warn().Str("path", path).Msg("file to write was not produced")
			continue
		}
		err := os.MkdirAll(filepath.Dir(path), 0755)
		if err != nil {
			return err
		}
		err = c.WriteFile(ctx, key, path)
		if err != nil {
			return fmt.Errorf("write %v: %w", path, err)
		}
	}
	failed := 0
	for _, r := range report.Executions {
		if r.State != grade.ExecDone || r.Result == nil || !r.Result.Status.IsSuccess() {
			failed++
		}
	}
	fmt.Printf("%d executions, %d failed\n", len(report.Executions), failed)
	if !report.Success() {
		return errors.New("evaluation failed")
	}
	return nil
}

// localClient creates a farm of n workers sharing the client's store.
func localClient(ff *farmFlags, n int) (*client.Client, error) {
	st, err := ff.openStore()
	if err != nil {
		return nil, err
	}
	c, err := cache.New(st, nop.NewCacheService())
	if err != nil {
		return nil, err
	}
	farm := grade.NewFarm(st, c, grade.FarmOptions{MaxAttempts: 3})
	return client.Local(farm, n, &sandbox.Process{})
}

func (l *loadedDAG) eventLine(ev grade.Event) string {
	name := l.Names[ev.Execution]
	switch ev.Kind {
	case grade.EventStarted:
		return fmt.Sprintf("[started] %s on %s", name, ev.WorkerName)
	case grade.EventDone:
		r := ev.Result
		if r == nil {
			return fmt.Sprintf("[done] %s", name)
		}
		line := fmt.Sprintf("[done] %s: %s (%.2fs, %s)", name, r.Status, r.Usage.WallTime, humanize.IBytes(r.Usage.Memory*1024))
		if r.WasCached {
			line += " cached"
		}
		if r.WasKilled {
			line += " killed"
		}
		return line
	case grade.EventSkipped:
		return fmt.Sprintf("[skipped] %s", name)
	case grade.EventError:
		return fmt.Sprintf("[error] %s", ev.Error)
	}
	return ""
}
