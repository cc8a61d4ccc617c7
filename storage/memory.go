package storage

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Store. Subscribers are notified asynchronously and
// rapid changes are coalesced into a single delivery of the latest contents.
type Memory struct {
	mu   sync.Mutex
	cols map[string]map[string]map[string]any
	subs map[string]map[*memorySub]struct{}
}

type memorySub struct {
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		cols: map[string]map[string]map[string]any{},
		subs: map[string]map[*memorySub]struct{}{},
	}
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Get(_ context.Context, collection, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.cols[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return encodeDoc(doc)
}

func (m *Memory) Set(_ context.Context, collection, id string, fields map[string]any) error {
	doc, err := normalizeFields(fields)
	if err != nil {
		return err
	}
	m.mu.Lock()
	c, ok := m.cols[collection]
	if !ok {
		c = map[string]map[string]any{}
		m.cols[collection] = c
	}
	c[id] = doc
	m.notifyLocked(collection)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Update(_ context.Context, collection, id string, fields map[string]any) error {
	norm, err := normalizeFields(fields)
	if err != nil {
		return err
	}
	return m.modify(collection, id, func(doc map[string]any) (bool, error) {
		merge(doc, norm)
		return true, nil
	})
}

func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cols[collection][id]; !ok {
		return nil
	}
	delete(m.cols[collection], id)
	m.notifyLocked(collection)
	return nil
}

func (m *Memory) AppendUnique(_ context.Context, collection, id, field string, value any) error {
	return m.modify(collection, id, func(doc map[string]any) (bool, error) {
		return appendUnique(doc, field, value)
	})
}

func (m *Memory) RemoveElement(_ context.Context, collection, id, field string, value any) error {
	return m.modify(collection, id, func(doc map[string]any) (bool, error) {
		return removeElement(doc, field, value)
	})
}

func (m *Memory) List(_ context.Context, collection string) (Docs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(collection)
}

// Subscribe delivers the collection contents on a dedicated goroutine until
// the returned function is called or ctx is done.
func (m *Memory) Subscribe(ctx context.Context, collection string, fn func(Docs)) (func(), error) {
	sub := &memorySub{notify: make(chan struct{}, 1), done: make(chan struct{})}
	m.mu.Lock()
	set, ok := m.subs[collection]
	if !ok {
		set = map[*memorySub]struct{}{}
		m.subs[collection] = set
	}
	set[sub] = struct{}{}
	m.mu.Unlock()
	sub.notify <- struct{}{}

	cancel := func() {
		sub.once.Do(func() {
			m.mu.Lock()
			delete(m.subs[collection], sub)
			if len(m.subs[collection]) == 0 {
				delete(m.subs, collection)
			}
			m.mu.Unlock()
			close(sub.done)
		})
	}

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case <-ctx.Done():
				cancel()
				return
			case <-sub.notify:
				m.mu.Lock()
				docs, err := m.listLocked(collection)
				m.mu.Unlock()
				if err != nil {
					continue
				}
				select {
				case <-sub.done:
					return
				default:
				}
				fn(docs)
			}
		}
	}()
	return cancel, nil
}

func (m *Memory) modify(collection, id string, apply func(map[string]any) (bool, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.cols[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	next := make(map[string]any, len(doc)+1)
	merge(next, doc)
	changed, err := apply(next)
	if err != nil {
		return fmt.Errorf("%s/%s: %w", collection, id, err)
	}
	if !changed {
		return nil
	}
	m.cols[collection][id] = next
	m.notifyLocked(collection)
	return nil
}

func (m *Memory) listLocked(collection string) (Docs, error) {
	out := make(Docs, len(m.cols[collection]))
	for id, doc := range m.cols[collection] {
		raw, err := encodeDoc(doc)
		if err != nil {
			return nil, err
		}
		out[id] = raw
	}
	return out, nil
}

func (m *Memory) notifyLocked(collection string) {
	for sub := range m.subs[collection] {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}
