package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml"
)

// Config is configuration of the farm, read from a TOML file.
//
//	[server]
//	addr = "localhost:8284"
//	http_addr = "localhost:8282"
//	secret = "..."
//
//	[store]
//	dir = "/var/lib/grade/store"
//	max_size = "8 GiB"
//	min_size = "6 GiB"
//
//	[cache]
//	db = "/var/lib/grade/index.db"
//	redis_url = "redis://localhost:6379/0"
//	ttl = "168h"
//
//	[farm]
//	max_attempts = 3
//	local_workers = 2
//
//	[workers]
//	ips = ["10.0.[1-3].*"]
//	domains = ["*.render.lan"]
//
//	[log]
//	level = "info"
//	format = "console"
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Store   StoreConfig   `toml:"store"`
	Cache   CacheConfig   `toml:"cache"`
	Farm    FarmConfig    `toml:"farm"`
	Workers WorkersConfig `toml:"workers"`
	Log     LogConfig     `toml:"log"`
}

type ServerConfig struct {
	Addr     string `toml:"addr"`
	HTTPAddr string `toml:"http_addr"`
	Secret   string `toml:"secret"`
}

type StoreConfig struct {
	Dir     string `toml:"dir"`
	MaxSize string `toml:"max_size"`
	MinSize string `toml:"min_size"`
}

type CacheConfig struct {
	// DB is the sqlite file indexing the store and keeping cache entries.
	DB string `toml:"db"`
	// RedisURL moves cache entries to Redis when set.
	RedisURL string `toml:"redis_url"`
	TTL      string `toml:"ttl"`
}

type FarmConfig struct {
	MaxAttempts  int `toml:"max_attempts"`
	LocalWorkers int `toml:"local_workers"`
}

// WorkersConfig restricts which workers may connect.
// Every worker is accepted when both are empty.
type WorkersConfig struct {
	IPs     []string `toml:"ips"`
	Domains []string `toml:"domains"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// loadConfig reads the config file at path. Empty path reads nothing.
// Values missing in the file are filled with defaults.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		tree, err := toml.LoadFile(path)
		if err != nil {
			return nil, err
		}
		err = tree.Unmarshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", path, err)
		}
	}
	cfg.setDefaults()
	return cfg, nil
}

func orDefault(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func (c *Config) setDefaults() {
	orDefault(&c.Server.Addr, os.Getenv("GRADE_ADDR"))
	orDefault(&c.Server.Addr, "localhost:8284")
	orDefault(&c.Server.HTTPAddr, "localhost:8282")
	orDefault(&c.Server.Secret, os.Getenv("GRADE_SECRET"))
	if c.Store.Dir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = os.TempDir()
		}
		c.Store.Dir = filepath.Join(dir, "grade", "farm")
	}
	orDefault(&c.Store.MaxSize, "8 GiB")
	orDefault(&c.Store.MinSize, "6 GiB")
	orDefault(&c.Cache.DB, filepath.Join(c.Store.Dir, "index.db"))
	orDefault(&c.Cache.RedisURL, os.Getenv("REDIS_URL"))
	if c.Farm.MaxAttempts == 0 {
		c.Farm.MaxAttempts = 3
	}
	orDefault(&c.Log.Level, "info")
	orDefault(&c.Log.Format, "console")
}

// storeSizes parses the size limits of the store.
func (c *Config) storeSizes() (max, min int64, err error) {
	mx, err := humanize.ParseBytes(c.Store.MaxSize)
	if err != nil {
		return 0, 0, fmt.Errorf("store max_size: %w", err)
	}
	mn, err := humanize.ParseBytes(c.Store.MinSize)
	if err != nil {
		return 0, 0, fmt.Errorf("store min_size: %w", err)
	}
	if mn > mx {
		return 0, 0, fmt.Errorf("store min_size %v is bigger than max_size %v", c.Store.MinSize, c.Store.MaxSize)
	}
	return int64(mx), int64(mn), nil
}

func (c *Config) cacheTTL() (time.Duration, error) {
	if c.Cache.TTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Cache.TTL)
	if err != nil {
		return 0, fmt.Errorf("cache ttl: %w", err)
	}
	return d, nil
}
