package cache

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultFile = "data/places_cache.json"

// Config selects and configures the cache backend.
type Config struct {
	Backend  string // "file" or "redis"
	File     string
	TTL      time.Duration
	RedisKey string
}

// LoadConfigFromEnv reads:
//   - PLACES_CACHE_BACKEND: "file" (default) or "redis"
//   - PLACES_CACHE_FILE: cache document path (default: data/places_cache.json)
//   - PLACES_CACHE_TTL_DAYS: entry lifetime in days (default: 30)
//   - PLACES_CACHE_REDIS_KEY: hash key for the redis backend
func LoadConfigFromEnv() Config {
	cfg := Config{
		Backend:  strings.ToLower(strings.TrimSpace(os.Getenv("PLACES_CACHE_BACKEND"))),
		File:     strings.TrimSpace(os.Getenv("PLACES_CACHE_FILE")),
		TTL:      DefaultTTL,
		RedisKey: os.Getenv("PLACES_CACHE_REDIS_KEY"),
	}
	if cfg.Backend == "" {
		cfg.Backend = "file"
	}
	if cfg.File == "" {
		cfg.File = DefaultFile
	}
	if v := os.Getenv("PLACES_CACHE_TTL_DAYS"); v != "" {
		if days, err := strconv.ParseFloat(v, 64); err == nil && days > 0 {
			cfg.TTL = time.Duration(days * 24 * float64(time.Hour))
		}
	}
	return cfg
}

// Open builds the configured store and loads the cache from it.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	var store Store
	switch cfg.Backend {
	case "", "file":
		store = NewFileStore(cfg.File)
	case "redis":
		rc := OpenRedisFromEnv()
		if err := rc.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		store = NewRedisStore(rc, cfg.RedisKey)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
	return New(ctx, store, cfg.TTL)
}

// OpenRedisFromEnv opens a client from REDIS_HOST, REDIS_PORT, REDIS_PASS and
// REDIS_DB. An unparsable REDIS_DB falls back to 0.
func OpenRedisFromEnv() *redis.Client {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	addr := host + ":" + port
	db := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			db = n
		}
	}
	log.Printf("[cache] redis addr=%s db=%d", addr, db)
	return redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASS"), DB: db})
}
