// Package syncer bridges reorder results to subscribers and the document
// store: optimistic board views, the write dispatcher and the board service.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/x7ddf74479jn5/simple-kanban-planner/assembler"
	"github.com/x7ddf74479jn5/simple-kanban-planner/domain"
	"github.com/x7ddf74479jn5/simple-kanban-planner/mirror"
	"github.com/x7ddf74479jn5/simple-kanban-planner/reorder"
)

var (
	// ErrOffline is returned for mutating intents while the store is
	// unreachable.
	ErrOffline = errors.New("offline")
	// ErrNotReady is returned for intents issued before a valid snapshot is
	// available.
	ErrNotReady = errors.New("board not ready")
)

// State of a board view.
type State int

const (
	StateLoading State = iota
	StateReady
	StatePending
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePending:
		return "pending"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Policy decides when a remote snapshot replaces optimistic local state.
type Policy string

const (
	// PolicyRevisionGuarded keeps local state while its writes are in flight
	// or unconfirmed, unless the remote revision has caught up or the local
	// revision has outlived the pending TTL.
	PolicyRevisionGuarded Policy = "revision-guarded"
	// PolicyLastRemoteWins replaces local state with every remote snapshot.
	PolicyLastRemoteWins Policy = "last-remote-wins"
)

// ParsePolicy parses a policy name. The empty string selects the default.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyRevisionGuarded:
		return PolicyRevisionGuarded, nil
	case PolicyLastRemoteWins:
		return PolicyLastRemoteWins, nil
	default:
		return "", fmt.Errorf("unknown reconcile policy %q", s)
	}
}

// View is an immutable rendering of a board view.
type View struct {
	State    State            `json:"state"`
	Snapshot *domain.Snapshot `json:"snapshot,omitempty"`
	Revision int64            `json:"revision"`
	Err      string           `json:"error,omitempty"`
}

// WriteFailure reports a mutation the store rejected. Local state is not
// rolled back.
type WriteFailure struct {
	Mutation reorder.Mutation `json:"mutation"`
	Revision int64            `json:"revision"`
	Err      error            `json:"-"`
}

func (f *WriteFailure) Error() string {
	return fmt.Sprintf("write %s %s/%s failed: %v", f.Mutation.Op, f.Mutation.Collection, f.Mutation.DocID, f.Err)
}

func (f *WriteFailure) Unwrap() error { return f.Err }

// Writer issues mutations without blocking the caller.
type Writer interface {
	Dispatch(ctx context.Context, w Write)
}

// Options configure a Controller.
type Options struct {
	Policy     Policy
	PendingTTL time.Duration
	Assembler  assembler.Options
}

// Controller owns the optimistic state of one board view.
type Controller struct {
	ref    domain.BoardRef
	writer Writer
	opts   Options
	logger *log.Logger
	online atomic.Bool

	mu         sync.Mutex
	state      State
	snap       *domain.Snapshot
	revision   int64
	err        error
	pendingRev int64
	pendingAt  time.Time
	// pendingDocs holds the newest local revision written to each document
	// that the store has not yet reflected.
	pendingDocs map[docKey]int64
	inflight    int
	lastRemote  *domain.Snapshot
	idle        []func()
	subs        map[*Subscription]struct{}

	asm     *assembler.Assembler
	columns *mirror.Mirror
	tasks   *mirror.Mirror
}

type docKey struct {
	coll domain.Collection
	id   string
}

// NewController creates a view of ref in the Loading state.
func NewController(ref domain.BoardRef, writer Writer, opts Options, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.Policy == "" {
		opts.Policy = PolicyRevisionGuarded
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 10 * time.Second
	}
	c := &Controller{
		ref:    ref,
		writer: writer,
		opts:   opts,
		logger: logger,
		subs:   map[*Subscription]struct{}{},

		pendingDocs: map[docKey]int64{},
	}
	c.online.Store(true)
	return c
}

// Start subscribes the columns and tasks mirrors of the board.
func (c *Controller) Start(ctx context.Context, src mirror.Source) error {
	entry := c.logger.WithFields(log.Fields{"user": c.ref.UserID, "board": c.ref.BoardID})
	c.asm = assembler.New(c.opts.Assembler, c.OnRemote, entry)
	cols, err := mirror.New(ctx, src, c.ref.ColumnsPath(), c.asm.OnColumns, c.logger)
	if err != nil {
		return fmt.Errorf("subscribe columns: %w", err)
	}
	tasks, err := mirror.New(ctx, src, c.ref.TasksPath(), c.asm.OnTasks, c.logger)
	if err != nil {
		cols.Close()
		return fmt.Errorf("subscribe tasks: %w", err)
	}
	c.mu.Lock()
	c.columns, c.tasks = cols, tasks
	c.mu.Unlock()
	return nil
}

// Close releases both mirrors and every subscriber. Writes already issued
// are allowed to finish.
func (c *Controller) Close() {
	c.mu.Lock()
	cols, tasks := c.columns, c.tasks
	c.columns, c.tasks = nil, nil
	subs := c.subs
	c.subs = map[*Subscription]struct{}{}
	c.mu.Unlock()
	if cols != nil {
		cols.Close()
	}
	if tasks != nil {
		tasks.Close()
	}
	for s := range subs {
		s.close()
	}
}

// Ref returns the board this view shows.
func (c *Controller) Ref() domain.BoardRef { return c.ref }

// View returns the current view.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// SetOnline toggles whether mutating intents are accepted.
func (c *Controller) SetOnline(online bool) {
	if c.online.Swap(online) != online {
		c.logger.WithFields(log.Fields{"board": c.ref.BoardID, "online": online}).Info("connectivity changed")
	}
}

// Online reports whether mutating intents are accepted.
func (c *Controller) Online() bool { return c.online.Load() }

// ApplyMove applies a drag and drop intent optimistically.
func (c *Controller) ApplyMove(ctx context.Context, in reorder.Intent) (View, error) {
	return c.apply(ctx, func(s *domain.Snapshot) (reorder.Result, error) {
		return reorder.Apply(s, in)
	})
}

// MoveTodo reorders a task's checklist.
func (c *Controller) MoveTodo(ctx context.Context, taskID string, from int, to *int) (View, error) {
	return c.apply(ctx, func(s *domain.Snapshot) (reorder.Result, error) {
		return reorder.MoveTodo(s, taskID, from, to)
	})
}

// AddTodo appends a new checklist line with a generated id.
func (c *Controller) AddTodo(ctx context.Context, taskID, text string) (View, error) {
	todo := domain.Todo{ID: uuid.NewString(), Task: text}
	return c.apply(ctx, func(s *domain.Snapshot) (reorder.Result, error) {
		return reorder.AddTodo(s, taskID, todo)
	})
}

// ToggleTodo flips the done flag of a checklist line.
func (c *Controller) ToggleTodo(ctx context.Context, taskID, todoID string) (View, error) {
	return c.apply(ctx, func(s *domain.Snapshot) (reorder.Result, error) {
		return reorder.ToggleTodo(s, taskID, todoID)
	})
}

// RemoveTodo deletes a checklist line.
func (c *Controller) RemoveTodo(ctx context.Context, taskID, todoID string) (View, error) {
	return c.apply(ctx, func(s *domain.Snapshot) (reorder.Result, error) {
		return reorder.RemoveTodo(s, taskID, todoID)
	})
}

func (c *Controller) apply(ctx context.Context, fn func(*domain.Snapshot) (reorder.Result, error)) (View, error) {
	if !c.online.Load() {
		return c.View(), ErrOffline
	}
	c.mu.Lock()
	if c.snap == nil {
		v := c.viewLocked()
		c.mu.Unlock()
		return v, ErrNotReady
	}
	res, err := fn(c.snap)
	if err != nil || !res.Changed() {
		v := c.viewLocked()
		c.mu.Unlock()
		return v, err
	}

	rev := nextRevision()
	c.snap = res.Snapshot
	c.revision = rev
	c.pendingRev = rev
	c.pendingAt = time.Now()
	for _, m := range res.Mutations {
		c.pendingDocs[docKey{m.Collection, m.DocID}] = rev
	}
	c.inflight += len(res.Mutations)
	c.state = StatePending
	c.publishLocked()
	v := c.viewLocked()
	c.mu.Unlock()

	for _, m := range res.Mutations {
		m := m
		c.writer.Dispatch(ctx, Write{
			Ref:      c.ref,
			Mutation: m,
			Revision: rev,
			OnDone:   func(err error) { c.writeDone(rev, m, err) },
		})
	}
	return v, nil
}

func (c *Controller) writeDone(rev int64, m reorder.Mutation, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if err != nil {
		failure := &WriteFailure{Mutation: m, Revision: rev, Err: err}
		c.logger.WithError(err).WithFields(log.Fields{
			"board":    c.ref.BoardID,
			"doc":      m.DocID,
			"revision": rev,
		}).Warn("optimistic write rejected")
		for s := range c.subs {
			s.notify(failure)
		}
		if rev >= c.pendingRev {
			c.clearPendingLocked()
		} else if key := (docKey{m.Collection, m.DocID}); c.pendingDocs[key] == rev {
			delete(c.pendingDocs, key)
		}
	}
	defer c.notifyIdleLocked()
	// settled: the store is authoritative once it caught up or the newest
	// write failed
	if c.inflight == 0 && c.lastRemote != nil && c.snap != c.lastRemote && c.state != StateFailed &&
		(c.pendingRev == 0 || c.caughtUpLocked(c.lastRemote)) {
		c.adoptLocked(c.lastRemote)
		return
	}
	if c.inflight == 0 && c.state == StatePending {
		c.state = StateReady
		c.publishLocked()
	}
}

// caughtUpLocked reports whether every document with a pending local write
// carries that write's revision or a newer one in remote. A document missing
// from remote was deleted and counts as caught up.
func (c *Controller) caughtUpLocked(remote *domain.Snapshot) bool {
	for key, rev := range c.pendingDocs {
		if got, ok := remote.DocRevision(key.coll, key.id); ok && got < rev {
			return false
		}
	}
	return true
}

func (c *Controller) clearPendingLocked() {
	c.pendingRev = 0
	clear(c.pendingDocs)
}

// Inflight returns the number of dispatched writes not yet acknowledged.
func (c *Controller) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// OnIdle calls fn once no write is in flight, immediately if none is.
func (c *Controller) OnIdle(fn func()) {
	c.mu.Lock()
	if c.inflight > 0 {
		c.idle = append(c.idle, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

func (c *Controller) notifyIdleLocked() {
	if c.inflight > 0 || len(c.idle) == 0 {
		return
	}
	fns := c.idle
	c.idle = nil
	for _, fn := range fns {
		go fn()
	}
}

// OnRemote folds an assembled remote snapshot into the view. It is the
// assembler's emit callback.
func (c *Controller) OnRemote(res assembler.Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateFailed
		c.err = err
		c.snap = nil
		c.lastRemote = nil
		c.publishLocked()
		return
	}
	remote := res.Snapshot
	c.lastRemote = remote
	if c.keepLocalLocked(remote) {
		c.logger.WithFields(log.Fields{
			"board":   c.ref.BoardID,
			"remote":  remote.Revision,
			"pending": c.pendingRev,
		}).Debug("remote snapshot older than pending local revision")
		return
	}
	c.adoptLocked(remote)
}

func (c *Controller) keepLocalLocked(remote *domain.Snapshot) bool {
	if c.opts.Policy == PolicyLastRemoteWins || c.snap == nil || c.pendingRev == 0 {
		return false
	}
	if time.Since(c.pendingAt) > c.opts.PendingTTL {
		return false
	}
	return c.inflight > 0 || !c.caughtUpLocked(remote)
}

func (c *Controller) adoptLocked(remote *domain.Snapshot) {
	if c.caughtUpLocked(remote) || time.Since(c.pendingAt) > c.opts.PendingTTL {
		c.clearPendingLocked()
	}
	c.snap = remote
	c.revision = remote.Revision
	c.err = nil
	if c.inflight > 0 {
		c.state = StatePending
	} else {
		c.state = StateReady
	}
	c.publishLocked()
}

func (c *Controller) viewLocked() View {
	v := View{State: c.state, Snapshot: c.snap, Revision: c.revision}
	if c.err != nil {
		v.Err = c.err.Error()
	}
	return v
}

func (c *Controller) publishLocked() {
	v := c.viewLocked()
	for s := range c.subs {
		s.publish(v)
	}
}

// Subscription delivers views and write failure notices of one Controller.
// Views coalesce: a slow reader only sees the latest one.
type Subscription struct {
	Views    <-chan View
	Failures <-chan *WriteFailure

	views    chan View
	failures chan *WriteFailure
	done     chan struct{}
	once     sync.Once
	cancel   func()
}

// Subscribe registers a subscriber and primes it with the current view.
func (c *Controller) Subscribe() *Subscription {
	s := &Subscription{
		views:    make(chan View, 1),
		failures: make(chan *WriteFailure, 16),
		done:     make(chan struct{}),
	}
	s.Views, s.Failures = s.views, s.failures
	s.cancel = func() {
		c.mu.Lock()
		delete(c.subs, s)
		c.mu.Unlock()
		s.close()
	}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	s.publish(c.viewLocked())
	c.mu.Unlock()
	return s
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel ends the subscription.
func (s *Subscription) Cancel() { s.cancel() }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) publish(v View) {
	select {
	case s.views <- v:
		return
	default:
	}
	select {
	case <-s.views:
	default:
	}
	select {
	case s.views <- v:
	default:
	}
}

func (s *Subscription) notify(f *WriteFailure) {
	select {
	case s.failures <- f:
	default:
	}
}
