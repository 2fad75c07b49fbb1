package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/imagvfx/grade"
	"github.com/imagvfx/grade/cache"
	"github.com/imagvfx/grade/lib/logging"
	"github.com/imagvfx/grade/sandbox"
	"github.com/imagvfx/grade/server"
	"github.com/imagvfx/grade/service"
	"github.com/imagvfx/grade/service/redis"
	"github.com/imagvfx/grade/service/sqlite"
	"github.com/imagvfx/grade/store"
	"github.com/imagvfx/grade/transport"
)

func main() {
	// .env is optional.
	_ = godotenv.Load()

	var (
		configPath   string
		addr         string
		httpAddr     string
		storeDir     string
		localWorkers int
	)
	flag.StringVar(&configPath, "config", os.Getenv("GRADE_CONFIG"), "path of the config file")
	flag.StringVar(&addr, "addr", "", "address to serve workers and clients")
	flag.StringVar(&httpAddr, "http", "", "address to serve the http api")
	flag.StringVar(&storeDir, "store", "", "directory of the blob store")
	flag.IntVar(&localWorkers, "local", -1, "number of workers to run in this process")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if httpAddr != "" {
		cfg.Server.HTTPAddr = httpAddr
	}
	if storeDir != "" {
		cfg.Store.Dir = storeDir
	}
	if localWorkers >= 0 {
		cfg.Farm.LocalWorkers = localWorkers
	}
	err = logging.Setup(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal().Err(err).Msg("setup logging")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = run(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("farm stopped")
	}
}

func run(ctx context.Context, cfg *Config) error {
	maxSize, minSize, err := cfg.storeSizes()
	if err != nil {
		return err
	}
	ttl, err := cfg.cacheTTL()
	if err != nil {
		return err
	}
	err = os.MkdirAll(cfg.Store.Dir, 0755)
	if err != nil {
		return err
	}
	err = os.MkdirAll(filepath.Dir(cfg.Cache.DB), 0755)
	if err != nil {
		return err
	}
	db, err := sqlite.OpenOrCreate(cfg.Cache.DB)
	if err != nil {
		return err
	}
	defer db.Close()
	svc := sqlite.NewServices(db)

	st, err := store.Open(cfg.Store.Dir, store.Options{
		MaxSize: maxSize,
		MinSize: minSize,
		Index:   svc.BlobService(),
	})
	if err != nil {
		return err
	}
	log.Info().Str("dir", cfg.Store.Dir).Int("blobs", st.Len()).Str("size", humanize.IBytes(uint64(st.TotalSize()))).Msg("store opened")

	var cacheSvc service.CacheService = svc.CacheService()
	if cfg.Cache.RedisURL != "" {
		client, err := redis.Connect(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		cacheSvc = redis.NewCacheService(client, ttl)
		log.Info().Msg("result cache kept in redis")
	}
	c, err := cache.New(st, cacheSvc)
	if err != nil {
		return err
	}
	log.Info().Int("entries", c.Len()).Msg("result cache loaded")

	farm := grade.NewFarm(st, c, grade.FarmOptions{MaxAttempts: cfg.Farm.MaxAttempts})
	srv := server.New(farm)
	srv.Admission, err = server.NewAdmission(cfg.Workers.IPs, cfg.Workers.Domains)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}
	gsrv := transport.NewServer(cfg.Server.Secret, srv.Serve)
	go func() {
		err := gsrv.Serve(lis)
		if err != nil {
			log.Error().Err(err).Msg("grpc server")
		}
	}()
	log.Info().Str("addr", cfg.Server.Addr).Bool("secret", cfg.Server.Secret != "").Msg("serving workers and clients")

	hsrv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: srv.Handler()}
	go func() {
		err := hsrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
		}
	}()
	log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("serving http api")

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workers := srv.StartLocalWorkers(workerCtx, cfg.Farm.LocalWorkers, &sandbox.Process{})

	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
loop:
	for {
		select {
		case <-tick.C:
			err := st.SaveAccessTimes()
			if err != nil {
				log.Warn().Err(err).Msg("save access times")
			}
		case <-ctx.Done():
			break loop
		}
	}

	log.Info().Msg("shutting down")
	srv.Shutdown()
	stopWorkers()
	workers.Wait()
	stopped := make(chan struct{})
	go func() {
		gsrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		gsrv.Stop()
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hsrv.Shutdown(sctx)
	return st.SaveAccessTimes()
}
