// Package mirror keeps a live copy of one store collection.
package mirror

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/x7ddf74479jn5/simple-kanban-planner/storage"
)

// Source is a store that supports collection subscriptions.
type Source interface {
	Subscribe(ctx context.Context, collection string, fn func(storage.Docs)) (func(), error)
}

// Subscribe calls onSnapshot with the full contents of collection after every
// change. Each call receives a fresh map that replaces the previous one. No
// call starts after the returned unsubscribe function has been called.
func Subscribe(ctx context.Context, src Source, collection string, onSnapshot func(storage.Docs)) (func(), error) {
	var closed atomic.Bool
	stop, err := src.Subscribe(ctx, collection, func(docs storage.Docs) {
		if closed.Load() {
			return
		}
		onSnapshot(clone(docs))
	})
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			closed.Store(true)
			stop()
		})
	}, nil
}

// Mirror is a subscription that also remembers the last delivered contents.
type Mirror struct {
	collection string
	logger     *log.Logger
	stop       func()

	mu     sync.Mutex
	latest storage.Docs
	loaded bool
}

// New subscribes to collection. onSnapshot may be nil.
func New(ctx context.Context, src Source, collection string, onSnapshot func(storage.Docs), logger *log.Logger) (*Mirror, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	m := &Mirror{collection: collection, logger: logger}
	stop, err := Subscribe(ctx, src, collection, func(docs storage.Docs) {
		m.mu.Lock()
		m.latest = docs
		m.loaded = true
		m.mu.Unlock()
		m.logger.WithFields(log.Fields{"collection": collection, "docs": len(docs)}).Debug("collection snapshot")
		if onSnapshot != nil {
			onSnapshot(clone(docs))
		}
	})
	if err != nil {
		return nil, err
	}
	m.stop = stop
	return m, nil
}

// Collection returns the mirrored collection path.
func (m *Mirror) Collection() string { return m.collection }

// Latest returns a copy of the last delivered contents and whether anything
// has been delivered yet.
func (m *Mirror) Latest() (storage.Docs, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil, false
	}
	return clone(m.latest), true
}

// Close releases the subscription. It is safe to call more than once.
func (m *Mirror) Close() {
	m.stop()
}

func clone(docs storage.Docs) storage.Docs {
	out := make(storage.Docs, len(docs))
	for k, v := range docs {
		out[k] = v
	}
	return out
}
