package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/x7ddf74479jn5/simple-kanban-planner/domain"
	"github.com/x7ddf74479jn5/simple-kanban-planner/reorder"
	"github.com/x7ddf74479jn5/simple-kanban-planner/storage"
)

const (
	tracerName       = "github.com/x7ddf74479jn5/simple-kanban-planner/syncer"
	mutationSpanName = "syncer.mutation"
)

// ErrUnknownOp is returned for mutations with an unsupported operation.
var ErrUnknownOp = errors.New("unknown mutation op")

// Write is one mutation addressed to a board. Revision, when non-zero, is
// stored in the document's updatedAt field.
type Write struct {
	Ref      domain.BoardRef
	Mutation reorder.Mutation
	Revision int64
	// OnDone is called with the outcome once the write has finished.
	OnDone func(error)

	ctx context.Context
}

// DispatcherConfig sizes the write worker pool.
type DispatcherConfig struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Buffer < 0 {
		c.Buffer = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Dispatcher issues store writes on a pool of workers. Dispatch never blocks
// the caller for longer than the handoff timeout; when the pool is saturated
// the write runs on its own goroutine.
type Dispatcher struct {
	store  storage.Documents
	cfg    DispatcherConfig
	logger *log.Logger

	mu     sync.RWMutex
	jobs   chan Write
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts cfg.Workers workers writing to store.
func NewDispatcher(store storage.Documents, cfg DispatcherConfig, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		store:  store,
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan Write, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	logger.Infof("write dispatcher started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.Timeout, cfg.HandoffTimeout)
	return d
}

// Dispatch queues w. ctx only carries trace context; cancelling it does not
// cancel the write.
func (d *Dispatcher) Dispatch(ctx context.Context, w Write) {
	w.ctx = context.WithoutCancel(ctx)
	if d.tryEnqueue(w) {
		return
	}
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if !closed {
		d.logger.Warn("write buffer saturated; writing inline")
	}
	go d.run(-1, w)
}

// Do performs w synchronously.
func (d *Dispatcher) Do(ctx context.Context, w Write) error {
	w.ctx = ctx
	return d.run(-1, w)
}

// Close stops accepting queued writes and waits for the workers to drain the
// buffer.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) tryEnqueue(w Write) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.jobs <- w:
		return true
	default:
	}
	if d.cfg.HandoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(d.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case d.jobs <- w:
		return true
	case <-timer.C:
		return false
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for w := range d.jobs {
		_ = d.run(id, w)
	}
}

func (d *Dispatcher) run(worker int, w Write) error {
	parent := w.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, d.cfg.Timeout)
	defer cancel()

	m := w.Mutation
	ctx, span := otel.Tracer(tracerName).Start(ctx, mutationSpanName, trace.WithAttributes(
		attribute.String("kanban.user_id", w.Ref.UserID),
		attribute.String("kanban.board_id", w.Ref.BoardID),
		attribute.String("kanban.collection", string(m.Collection)),
		attribute.String("kanban.op", string(m.Op)),
		attribute.String("kanban.doc_id", m.DocID),
		attribute.Int64("kanban.revision", w.Revision),
	))
	err := d.apply(ctx, w)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.WithError(err).WithFields(log.Fields{
			"user":       w.Ref.UserID,
			"board":      w.Ref.BoardID,
			"collection": m.Collection,
			"op":         m.Op,
			"doc":        m.DocID,
			"worker":     worker,
		}).Error("write failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	if w.OnDone != nil {
		w.OnDone(err)
	}
	return err
}

func (d *Dispatcher) apply(ctx context.Context, w Write) error {
	m := w.Mutation
	path := w.Ref.CollectionPath(m.Collection)
	switch m.Op {
	case reorder.OpSet:
		return d.store.Set(ctx, path, m.DocID, withRevision(m.Fields, w.Revision))
	case reorder.OpUpdate:
		return d.store.Update(ctx, path, m.DocID, withRevision(m.Fields, w.Revision))
	case reorder.OpDelete:
		return d.store.Delete(ctx, path, m.DocID)
	case reorder.OpAppendUnique:
		if err := d.store.AppendUnique(ctx, path, m.DocID, m.Field, m.Value); err != nil {
			return err
		}
		return d.touch(ctx, path, m.DocID, w.Revision)
	case reorder.OpRemoveElement:
		if err := d.store.RemoveElement(ctx, path, m.DocID, m.Field, m.Value); err != nil {
			return err
		}
		return d.touch(ctx, path, m.DocID, w.Revision)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, m.Op)
	}
}

func (d *Dispatcher) touch(ctx context.Context, path, id string, revision int64) error {
	if revision == 0 {
		return nil
	}
	return d.store.Update(ctx, path, id, map[string]any{"updatedAt": revision})
}

func withRevision(fields map[string]any, revision int64) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if revision != 0 {
		out["updatedAt"] = revision
	}
	return out
}
