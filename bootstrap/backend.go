// Package bootstrap builds the process wide store client from configuration.
// It is initialised once at startup and released by Backend.Close.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/x7ddf74479jn5/simple-kanban-planner/cascade"
	"github.com/x7ddf74479jn5/simple-kanban-planner/config"
	"github.com/x7ddf74479jn5/simple-kanban-planner/storage"
)

// Pinger reports store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backend is the store stack selected by configuration.
type Backend struct {
	Store    storage.Store
	Pinger   Pinger
	Cascades cascade.Queue
	Cleaner  *cascade.Cleaner
	// Redis is nil for the memory backend without REDIS_CONNECTION_STRING.
	Redis *redis.Client
	// Tables and Queue are set for the azure backend only.
	Tables *storage.Tables
	Queue  *cascade.AzureQueue
}

// Open builds the backend named by cfg.StoreBackend.
func Open(cfg config.Config, logger *log.Logger) (*Backend, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	b := &Backend{}
	if cfg.RedisConnStr != "" {
		opts, err := cfg.RedisOptions()
		if err != nil {
			return nil, err
		}
		b.Redis = redis.NewClient(opts)
	}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		mem := storage.NewMemory()
		b.Store, b.Pinger = mem, mem
		b.Cleaner = cascade.NewCleaner(mem, logger)
		b.Cascades = cascade.NewInline(b.Cleaner)
	case config.BackendAzure:
		if b.Redis == nil {
			return nil, errors.New("missing redis config")
		}
		tables, err := storage.NewTables(cfg.StorageConnStr, cfg.BoardsTable)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("tables: %w", err)
		}
		queue, err := cascade.NewAzureQueue(cfg.StorageConnStr, cfg.CascadeQueue)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("queue: %w", err)
		}
		cached := storage.NewCache(tables, b.Redis, cfg.ListingCacheTTL.D())
		live := storage.NewLive(cached, storage.NewRedisFeed(b.Redis, logger), logger)
		b.Store, b.Pinger = live, live
		b.Tables, b.Queue = tables, queue
		b.Cleaner = cascade.NewCleaner(live, logger)
		b.Cascades = queue
	default:
		b.Close()
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	logger.WithField("backend", cfg.StoreBackend).Info("store ready")
	return b, nil
}

// Close releases the Redis client.
func (b *Backend) Close() {
	if b.Redis != nil {
		if err := b.Redis.Close(); err != nil {
			log.WithError(err).Warn("close redis")
		}
		b.Redis = nil
	}
}
