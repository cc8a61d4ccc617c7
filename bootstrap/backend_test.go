package bootstrap

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/x7ddf74479jn5/simple-kanban-planner/cascade"
	"github.com/x7ddf74479jn5/simple-kanban-planner/config"
	"github.com/x7ddf74479jn5/simple-kanban-planner/storage"
)

func TestOpenMemoryBackend(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := config.Default()

	b, err := Open(cfg, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	if _, ok := b.Store.(*storage.Memory); !ok {
		t.Fatalf("expected memory store, got %T", b.Store)
	}
	if _, ok := b.Cascades.(*cascade.Inline); !ok {
		t.Fatalf("expected inline cascades, got %T", b.Cascades)
	}
	if b.Redis != nil || b.Tables != nil || b.Queue != nil {
		t.Fatalf("memory backend must not build remote clients")
	}
	if err := b.Pinger.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpenMemoryBackendWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	cfg := config.Default()
	cfg.RedisConnStr = mr.Addr()
	b, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if b.Redis == nil {
		t.Fatalf("expected redis client")
	}
	if err := b.Redis.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	b.Close()
	b.Close()
	if b.Redis != nil {
		t.Fatalf("expected client released")
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.StoreBackend = "sqlite"
	if _, err := Open(cfg, nil); err == nil {
		t.Fatalf("expected error")
	}
	cfg.StoreBackend = config.BackendAzure
	if _, err := Open(cfg, nil); err == nil {
		t.Fatalf("expected missing redis error")
	}
}
