package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/imagvfx/grade/store"
)

func cat(args []string) error {
	var ff farmFlags
	fset := flag.NewFlagSet("cat", flag.ExitOnError)
	ff.register(fset)
	fset.Parse(args)
	fargs := fset.Args()
	if len(fargs) == 0 {
		return errors.New("need a key of a file to print")
	}
	key, err := store.ParseKey(fargs[0])
	if err != nil {
		return err
	}
	ctx := context.Background()
	c, err := ff.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	data, err := c.FetchFile(ctx, key)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
