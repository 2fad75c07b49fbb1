package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/imagvfx/grade/lib/logging"
	"github.com/imagvfx/grade/sandbox"
	"github.com/imagvfx/grade/store"
	"github.com/imagvfx/grade/transport"
	"github.com/imagvfx/grade/worker"
)

func main() {
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	defaultFarm := os.Getenv("GRADE_ADDR")
	if defaultFarm == "" {
		defaultFarm = "localhost:8284"
	}
	defaultStore := filepath.Join(os.TempDir(), "grade-worker")
	if dir, err := os.UserCacheDir(); err == nil {
		defaultStore = filepath.Join(dir, "grade", "worker")
	}
	var (
		farm      string
		name      string
		storeDir  string
		maxSize   string
		secret    string
		boxDir    string
		keepBoxes bool
		logLevel  string
		logFormat string
	)
	flag.StringVar(&farm, "farm", defaultFarm, "address of the farm")
	flag.StringVar(&name, "name", hostname, "name of the worker")
	flag.StringVar(&storeDir, "store", defaultStore, "directory of the blob store")
	flag.StringVar(&maxSize, "store-size", "2 GiB", "size of the store before old blobs are evicted")
	flag.StringVar(&secret, "secret", os.Getenv("GRADE_SECRET"), "shared secret of the farm")
	flag.StringVar(&boxDir, "sandbox", "", "directory for sandboxes, system temp dir if empty")
	flag.BoolVar(&keepBoxes, "keep", false, "keep sandbox directories for debugging")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.StringVar(&logFormat, "log-format", "console", "log format: console or json")
	flag.Parse()

	err := logging.Setup(logLevel, logFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("setup logging")
	}
	size, err := humanize.ParseBytes(maxSize)
	if err != nil {
		log.Fatal().Err(err).Msg("store size")
	}
	err = os.MkdirAll(storeDir, 0755)
	if err != nil {
		log.Fatal().Err(err).Msg("create store")
	}
	st, err := store.Open(storeDir, store.Options{MaxSize: int64(size), MinSize: int64(size) / 4 * 3})
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	w := &worker.Worker{
		Name:    name,
		Store:   st,
		Sandbox: &sandbox.Process{Dir: boxDir, Keep: keepBoxes},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = serve(ctx, w, farm, secret)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("worker stopped")
	}
}

// serve connects to the farm and runs w, connecting again when the connection is lost.
// It returns when the farm asks the worker to exit or ctx is done.
func serve(ctx context.Context, w *worker.Worker, farm, secret string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	bctx := backoff.WithContext(b, ctx)
	return backoff.RetryNotify(func() error {
		conn, err := transport.Dial(ctx, farm, secret)
		if err != nil {
			return err
		}
		connected := time.Now()
		err = w.Run(ctx, conn)
		if err == nil {
			// The farm said goodbye.
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if time.Since(connected) > time.Minute {
			b.Reset()
		}
		return err
	}, bctx, func(err error, next time.Duration) {
		log.Warn().Err(err).Str("farm", farm).Dur("retry", next).Msg("connection lost")
	})
}
