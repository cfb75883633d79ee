// Package config 載入派工服務的 YAML 配置並套用環境變數覆寫
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/labor-dispatch/internal/dispatch"
	"github.com/ChuLiYu/labor-dispatch/internal/jobstore"
	"github.com/ChuLiYu/labor-dispatch/internal/matching"
	"github.com/ChuLiYu/labor-dispatch/internal/tracking"
)

// 儲存後端
const (
	StoreMemory  = "memory"
	StoreJournal = "journal"
	StoreSQLite  = "sqlite"
)

// 工人目錄後端
const (
	DirectoryMemory = "memory"
	DirectoryRedis  = "redis"
)

// Config 完整的系統配置，透過 YAML 標籤對應配置檔欄位
type Config struct {
	Server struct {
		HTTPAddr        string        `yaml:"http_addr"`
		GRPCAddr        string        `yaml:"grpc_addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Dispatch struct {
		OfferTimeout         time.Duration `yaml:"offer_timeout"`
		RetryCooldown        time.Duration `yaml:"retry_cooldown"`
		TrackingWindow       time.Duration `yaml:"tracking_window"`
		StoreTimeout         time.Duration `yaml:"store_timeout"`
		RadiusKm             float64       `yaml:"radius_km"`
		DeprioritizeTimedOut bool          `yaml:"deprioritize_timed_out"`
	} `yaml:"dispatch"`

	Tracking struct {
		MaxUpdatesPerSec float64 `yaml:"max_updates_per_sec"`
		Burst            int     `yaml:"burst"`
	} `yaml:"tracking"`

	Store struct {
		Backend          string        `yaml:"backend"`
		WALPath          string        `yaml:"wal_path"`
		SnapshotPath     string        `yaml:"snapshot_path"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		SyncOnAppend     bool          `yaml:"sync_on_append"`
		SQLitePath       string        `yaml:"sqlite_path"`
	} `yaml:"store"`

	Directory struct {
		Backend   string `yaml:"backend"`
		RedisAddr string `yaml:"redis_addr"`
		RedisKey  string `yaml:"redis_key"`
	} `yaml:"directory"`

	Auth struct {
		Enabled   bool   `yaml:"enabled"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Notify struct {
		Workers    int           `yaml:"workers"`
		BufferSize int           `yaml:"buffer_size"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"notify"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default 預設配置
func Default() *Config {
	cfg := &Config{}
	cfg.Server.HTTPAddr = ":8080"
	cfg.Server.GRPCAddr = ":50051"
	cfg.Server.ShutdownTimeout = 10 * time.Second

	d := dispatch.DefaultConfig()
	cfg.Dispatch.OfferTimeout = d.OfferTimeout
	cfg.Dispatch.RetryCooldown = d.RetryCooldown
	cfg.Dispatch.TrackingWindow = d.TrackingWindow
	cfg.Dispatch.StoreTimeout = d.StoreTimeout
	cfg.Dispatch.RadiusKm = d.Policy.RadiusKm
	cfg.Dispatch.DeprioritizeTimedOut = d.Policy.DeprioritizeTimedOut
	cfg.Tracking.MaxUpdatesPerSec = d.Tracking.MaxUpdatesPerSec
	cfg.Tracking.Burst = d.Tracking.Burst

	cfg.Store.Backend = StoreJournal
	cfg.Store.WALPath = "data/jobs.wal"
	cfg.Store.SnapshotPath = "data/jobs.snapshot"
	cfg.Store.SnapshotInterval = 30 * time.Second
	cfg.Store.SyncOnAppend = true
	cfg.Store.SQLitePath = "data/jobs.db"

	cfg.Directory.Backend = DirectoryMemory
	cfg.Directory.RedisAddr = "localhost:6379"
	cfg.Directory.RedisKey = "labor:availability"

	cfg.Notify.Workers = 4
	cfg.Notify.BufferSize = 256
	cfg.Notify.Timeout = 5 * time.Second

	cfg.Metrics.Enabled = true
	cfg.Logging.Level = "info"
	return cfg
}

// Load 讀取配置：預設值 → YAML 檔（不存在時略過）→ .env → 環境變數
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("Config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 以環境變數覆寫
func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	setString("DISPATCH_HTTP_ADDR", &c.Server.HTTPAddr)
	setString("DISPATCH_GRPC_ADDR", &c.Server.GRPCAddr)
	setString("DISPATCH_STORE_BACKEND", &c.Store.Backend)
	setString("DISPATCH_SQLITE_PATH", &c.Store.SQLitePath)
	setString("DISPATCH_DIRECTORY_BACKEND", &c.Directory.Backend)
	setString("DISPATCH_LOG_LEVEL", &c.Logging.Level)

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Directory.RedisAddr = v
		c.Directory.Backend = DirectoryRedis
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
		c.Auth.Enabled = true
	}
	if v := os.Getenv("DISPATCH_RADIUS_KM"); v != "" {
		km, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid DISPATCH_RADIUS_KM: %w", err)
		}
		c.Dispatch.RadiusKm = km
	}

	for key, dst := range map[string]*time.Duration{
		"DISPATCH_OFFER_TIMEOUT":   &c.Dispatch.OfferTimeout,
		"DISPATCH_RETRY_COOLDOWN":  &c.Dispatch.RetryCooldown,
		"DISPATCH_TRACKING_WINDOW": &c.Dispatch.TrackingWindow,
	} {
		if err := setDuration(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	if c.Dispatch.OfferTimeout <= 0 {
		return fmt.Errorf("dispatch.offer_timeout must be positive")
	}
	if c.Dispatch.RetryCooldown <= 0 {
		return fmt.Errorf("dispatch.retry_cooldown must be positive")
	}
	if c.Dispatch.TrackingWindow <= 0 {
		return fmt.Errorf("dispatch.tracking_window must be positive")
	}
	if c.Dispatch.RadiusKm <= 0 {
		return fmt.Errorf("dispatch.radius_km must be positive")
	}
	if c.Tracking.MaxUpdatesPerSec < 0 {
		return fmt.Errorf("tracking.max_updates_per_sec cannot be negative")
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreJournal:
		if c.Store.WALPath == "" || c.Store.SnapshotPath == "" {
			return fmt.Errorf("store.wal_path and store.snapshot_path are required for the journal backend")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	switch c.Directory.Backend {
	case DirectoryMemory:
	case DirectoryRedis:
		if c.Directory.RedisAddr == "" {
			return fmt.Errorf("directory.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown directory.backend %q", c.Directory.Backend)
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	if c.Notify.Workers <= 0 {
		return fmt.Errorf("notify.workers must be positive")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel 解析 logging.level
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.Logging.Level))); err != nil {
		return 0, fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	return level, nil
}

// DispatchConfig 轉成排程器配置
func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		OfferTimeout:   c.Dispatch.OfferTimeout,
		RetryCooldown:  c.Dispatch.RetryCooldown,
		TrackingWindow: c.Dispatch.TrackingWindow,
		StoreTimeout:   c.Dispatch.StoreTimeout,
		Policy: matching.Policy{
			RadiusKm:             c.Dispatch.RadiusKm,
			DeprioritizeTimedOut: c.Dispatch.DeprioritizeTimedOut,
		},
		Tracking: tracking.Config{
			MaxUpdatesPerSec: c.Tracking.MaxUpdatesPerSec,
			Burst:            c.Tracking.Burst,
		},
	}
}

// JournalConfig 轉成日誌儲存配置
func (c *Config) JournalConfig() jobstore.JournalConfig {
	return jobstore.JournalConfig{
		WALPath:          c.Store.WALPath,
		SnapshotPath:     c.Store.SnapshotPath,
		SnapshotInterval: c.Store.SnapshotInterval,
		SyncOnAppend:     c.Store.SyncOnAppend,
	}
}
