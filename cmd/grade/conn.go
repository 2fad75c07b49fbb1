package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"

	"github.com/imagvfx/grade/client"
	"github.com/imagvfx/grade/store"
)

// farmFlags are flags for connecting to a farm, shared by subcommands.
type farmFlags struct {
	addr     string
	secret   string
	storeDir string
}

func (f *farmFlags) register(fset *flag.FlagSet) {
	addr := os.Getenv("GRADE_ADDR")
	if addr == "" {
		addr = "localhost:8284"
	}
	dir := filepath.Join(os.TempDir(), "grade-client")
	if d, err := os.UserCacheDir(); err == nil {
		dir = filepath.Join(d, "grade", "client")
	}
	fset.StringVar(&f.addr, "farm", addr, "address of the farm")
	fset.StringVar(&f.secret, "secret", os.Getenv("GRADE_SECRET"), "shared secret of the farm")
	fset.StringVar(&f.storeDir, "store", dir, "directory keeping files fetched from the farm")
}

func (f *farmFlags) openStore() (*store.Store, error) {
	return store.Open(f.storeDir, store.Options{MaxSize: 1 << 30, MinSize: 512 << 20})
}

func (f *farmFlags) dial(ctx context.Context) (*client.Client, error) {
	st, err := f.openStore()
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	return client.Dial(ctx, f.addr, f.secret, hostname, st)
}
