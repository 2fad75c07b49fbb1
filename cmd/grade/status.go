package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

func status(args []string) error {
	var ff farmFlags
	fset := flag.NewFlagSet("status", flag.ExitOnError)
	ff.register(fset)
	fset.Parse(args)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c, err := ff.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	s, err := c.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("submissions: %d, ready: %d, waiting: %d\n", s.Submissions, s.Ready, s.Waiting)
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tJOB\tSINCE")
	for _, info := range s.Workers {
		job, since := "", ""
		if info.Job != nil {
			job = info.Job.Description
			since = humanize.Time(info.Job.Since)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Name, info.Status, job, since)
	}
	return w.Flush()
}
