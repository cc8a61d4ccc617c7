package api

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/x7ddf74479jn5/simple-kanban-planner/domain"
	"github.com/x7ddf74479jn5/simple-kanban-planner/mirror"
	"github.com/x7ddf74479jn5/simple-kanban-planner/syncer"
)

var errViewClosed = errors.New("board view closed")

// Views shares one syncer.Controller per board between all requests and
// streams of that board. A controller lives while at least one holder has
// acquired it or any of its writes is in flight, plus the linger period.
type Views struct {
	src    mirror.Source
	writer syncer.Writer
	opts   syncer.Options
	logger *log.Logger
	linger time.Duration

	mu      sync.Mutex
	online  bool
	entries map[domain.BoardRef]*viewEntry
}

type viewEntry struct {
	ctrl *syncer.Controller
	refs int
	// gen changes on every Acquire and cancels a scheduled close.
	gen uint64
}

// NewViews builds controllers that read from src and write through writer.
func NewViews(src mirror.Source, writer syncer.Writer, opts syncer.Options, logger *log.Logger) *Views {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Views{
		src:     src,
		writer:  writer,
		opts:    opts,
		logger:  logger,
		online:  true,
		entries: map[domain.BoardRef]*viewEntry{},
	}
}

// SetLinger keeps an unused controller open for d after its last write
// completed, so follow up requests see their own writes.
func (v *Views) SetLinger(d time.Duration) {
	v.mu.Lock()
	v.linger = d
	v.mu.Unlock()
}

// Acquire returns the controller of ref, starting it if needed. The returned
// release function must be called exactly once.
func (v *Views) Acquire(ref domain.BoardRef) (*syncer.Controller, func(), error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[ref]
	if !ok {
		ctrl := syncer.NewController(ref, v.writer, v.opts, v.logger)
		ctrl.SetOnline(v.online)
		if err := ctrl.Start(context.Background(), v.src); err != nil {
			return nil, nil, err
		}
		e = &viewEntry{ctrl: ctrl}
		v.entries[ref] = e
		v.logger.WithFields(log.Fields{"user": ref.UserID, "board": ref.BoardID}).Debug("board view opened")
	}
	e.refs++
	e.gen++
	var once sync.Once
	return e.ctrl, func() { once.Do(func() { v.release(ref, e) }) }, nil
}

func (v *Views) release(ref domain.BoardRef, e *viewEntry) {
	v.mu.Lock()
	e.refs--
	last := e.refs == 0 && v.entries[ref] == e
	gen, linger := e.gen, v.linger
	v.mu.Unlock()
	if !last {
		return
	}
	e.ctrl.OnIdle(func() {
		if linger <= 0 {
			v.closeUnused(ref, e, gen)
			return
		}
		time.AfterFunc(linger, func() { v.closeUnused(ref, e, gen) })
	})
}

// closeUnused closes e unless it was acquired again since gen. Writes still
// in flight postpone the close until they complete.
func (v *Views) closeUnused(ref domain.BoardRef, e *viewEntry, gen uint64) {
	v.mu.Lock()
	if e.refs != 0 || e.gen != gen || v.entries[ref] != e {
		v.mu.Unlock()
		return
	}
	if e.ctrl.Inflight() > 0 {
		v.mu.Unlock()
		e.ctrl.OnIdle(func() { v.closeUnused(ref, e, gen) })
		return
	}
	delete(v.entries, ref)
	v.mu.Unlock()
	e.ctrl.Close()
	v.logger.WithFields(log.Fields{"user": ref.UserID, "board": ref.BoardID}).Debug("board view closed")
}

// Open reports the number of live controllers.
func (v *Views) Open() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

// SetOnline forwards a connectivity change to every live controller and to
// those started later.
func (v *Views) SetOnline(online bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.online = online
	for _, e := range v.entries {
		e.ctrl.SetOnline(online)
	}
}

// CloseAll closes every controller regardless of holders.
func (v *Views) CloseAll() {
	v.mu.Lock()
	entries := v.entries
	v.entries = map[domain.BoardRef]*viewEntry{}
	v.mu.Unlock()
	for _, e := range entries {
		e.ctrl.Close()
	}
}

// awaitLoaded blocks until the controller has left the Loading state.
func awaitLoaded(ctx context.Context, ctrl *syncer.Controller, timeout time.Duration) (syncer.View, error) {
	if v := ctrl.View(); v.State != syncer.StateLoading {
		return v, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sub := ctrl.Subscribe()
	defer sub.Cancel()
	for {
		select {
		case v := <-sub.Views:
			if v.State != syncer.StateLoading {
				return v, nil
			}
		case <-sub.Done():
			return ctrl.View(), errViewClosed
		case <-ctx.Done():
			return ctrl.View(), ctx.Err()
		}
	}
}
