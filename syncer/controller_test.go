package syncer

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/x7ddf74479jn5/simple-kanban-planner/assembler"
	"github.com/x7ddf74479jn5/simple-kanban-planner/domain"
	"github.com/x7ddf74479jn5/simple-kanban-planner/reorder"
	"github.com/x7ddf74479jn5/simple-kanban-planner/storage"
)

// heldWriter records writes until the test completes them.
type heldWriter struct {
	mu     sync.Mutex
	writes []Write
}

func (h *heldWriter) Dispatch(_ context.Context, w Write) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = append(h.writes, w)
}

func (h *heldWriter) take() []Write {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.writes
	h.writes = nil
	return out
}

func snapshotAt(rev int64, order []string, cols map[string][]string) *domain.Snapshot {
	s := &domain.Snapshot{
		ColumnOrder: order,
		Columns:     map[string]domain.DefaultColumn{},
		Tasks:       map[string]domain.Task{},
		Revision:    rev,

		OrderUpdatedAt: rev,
	}
	for id, tasks := range cols {
		s.Columns[id] = domain.DefaultColumn{ID: id, Title: id, TaskIDs: tasks, UpdatedAt: rev}
		for _, t := range tasks {
			s.Tasks[t] = domain.Task{ID: t, Title: t, Priority: domain.PriorityLow, Todos: []domain.Todo{}, UpdatedAt: rev}
		}
	}
	return s
}

func baseSnapshot(rev int64) *domain.Snapshot {
	return snapshotAt(rev, []string{"c1", "c2"}, map[string][]string{"c1": {"t1", "t2"}, "c2": {"t3"}})
}

func readyController(t *testing.T, opts Options) (*Controller, *heldWriter) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	w := &heldWriter{}
	c := NewController(testRef, w, opts, logger)
	c.OnRemote(assembler.Result{Snapshot: baseSnapshot(1)}, nil)
	if v := c.View(); v.State != StateReady {
		t.Fatalf("expected ready, got %v", v.State)
	}
	return c, w
}

var moveT1ToC2 = reorder.Intent{
	Type:        reorder.KindTask,
	DraggableID: "t1",
	Source:      reorder.Location{DroppableID: "c1", Index: 0},
	Destination: &reorder.Location{DroppableID: "c2", Index: 1},
}

func TestControllerPublishesBeforeWriting(t *testing.T) {
	c, w := readyController(t, Options{})
	sub := c.Subscribe()
	defer sub.Cancel()
	<-sub.Views

	v, err := c.ApplyMove(context.Background(), moveT1ToC2)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if v.State != StatePending {
		t.Fatalf("expected pending, got %v", v.State)
	}
	if got := v.Snapshot.Columns["c2"].TaskIDs; !reflect.DeepEqual(got, []string{"t3", "t1"}) {
		t.Fatalf("unexpected c2 %v", got)
	}
	published := <-sub.Views
	if published.Snapshot != v.Snapshot {
		t.Fatalf("subscriber did not see the optimistic snapshot")
	}

	writes := w.take()
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(writes))
	}
	for _, wr := range writes {
		if wr.Revision != v.Revision || wr.Ref != testRef {
			t.Fatalf("unexpected write %+v", wr)
		}
		wr.OnDone(nil)
	}
	if got := c.View().State; got != StateReady {
		t.Fatalf("expected ready once writes finish, got %v", got)
	}
}

func TestControllerGuardedKeepsLocalAgainstStaleRemote(t *testing.T) {
	c, w := readyController(t, Options{})
	v, err := c.ApplyMove(context.Background(), moveT1ToC2)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	// echo of an unrelated change that predates the move
	c.OnRemote(assembler.Result{Snapshot: baseSnapshot(2)}, nil)
	if got := c.View().Snapshot; got != v.Snapshot {
		t.Fatalf("stale remote replaced local state")
	}

	for _, wr := range w.take() {
		wr.OnDone(nil)
	}
	// all writes done but the store has not caught up yet
	c.OnRemote(assembler.Result{Snapshot: baseSnapshot(3)}, nil)
	if got := c.View().Snapshot; got != v.Snapshot {
		t.Fatalf("remote older than the pending revision replaced local state")
	}

	caught := snapshotAt(v.Revision, []string{"c1", "c2"}, map[string][]string{"c1": {"t2"}, "c2": {"t3", "t1"}})
	c.OnRemote(assembler.Result{Snapshot: caught}, nil)
	got := c.View()
	if got.Snapshot != caught || got.State != StateReady || got.Revision != v.Revision {
		t.Fatalf("expected caught up remote to be adopted, got %+v", got)
	}

	// nothing pending anymore, so any remote snapshot wins
	later := baseSnapshot(v.Revision + 1)
	c.OnRemote(assembler.Result{Snapshot: later}, nil)
	if c.View().Snapshot != later {
		t.Fatalf("remote not adopted after reconciliation")
	}
}

func TestControllerKeepsLocalAgainstPartialEcho(t *testing.T) {
	c, w := readyController(t, Options{})
	v, err := c.ApplyMove(context.Background(), moveT1ToC2)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	// the source column write landed, the destination one has not
	partial := baseSnapshot(1)
	src := partial.Columns["c1"]
	src.TaskIDs = []string{"t2"}
	src.UpdatedAt = v.Revision
	partial.Columns["c1"] = src
	partial.Revision = v.Revision
	c.OnRemote(assembler.Result{Snapshot: partial}, nil)
	if c.View().Snapshot != v.Snapshot {
		t.Fatalf("partial echo replaced local state")
	}

	for _, wr := range w.take() {
		wr.OnDone(nil)
	}
	got := c.View()
	if got.Snapshot != v.Snapshot || got.State != StateReady {
		t.Fatalf("expected local state once writes finish, got %+v", got)
	}
	if col, _ := got.Snapshot.ColumnOf("t1"); col != "c2" {
		t.Fatalf("t1 in column %q", col)
	}

	full := snapshotAt(v.Revision, []string{"c1", "c2"}, map[string][]string{"c1": {"t2"}, "c2": {"t3", "t1"}})
	c.OnRemote(assembler.Result{Snapshot: full}, nil)
	if got := c.View(); got.Snapshot != full || got.State != StateReady {
		t.Fatalf("expected full echo to be adopted, got %+v", got)
	}
}

func TestControllerOnIdle(t *testing.T) {
	c, w := readyController(t, Options{})
	called := make(chan struct{}, 2)
	c.OnIdle(func() { called <- struct{}{} })
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatalf("idle callback not called without writes")
	}

	if _, err := c.ApplyMove(context.Background(), moveT1ToC2); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if n := c.Inflight(); n != 2 {
		t.Fatalf("expected 2 writes in flight, got %d", n)
	}
	c.OnIdle(func() { called <- struct{}{} })
	writes := w.take()
	writes[0].OnDone(nil)
	select {
	case <-called:
		t.Fatalf("idle callback called with a write in flight")
	case <-time.After(20 * time.Millisecond):
	}
	writes[1].OnDone(nil)
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatalf("idle callback not called after the last write")
	}
}

func TestControllerLastRemoteWins(t *testing.T) {
	c, _ := readyController(t, Options{Policy: PolicyLastRemoteWins})
	if _, err := c.ApplyMove(context.Background(), moveT1ToC2); err != nil {
		t.Fatalf("apply: %v", err)
	}
	stale := baseSnapshot(2)
	c.OnRemote(assembler.Result{Snapshot: stale}, nil)
	v := c.View()
	if v.Snapshot != stale {
		t.Fatalf("expected remote snapshot to replace local state")
	}
	if v.State != StatePending {
		t.Fatalf("writes still in flight, expected pending, got %v", v.State)
	}
}

func TestControllerPendingTTLExpires(t *testing.T) {
	c, _ := readyController(t, Options{PendingTTL: time.Millisecond})
	if _, err := c.ApplyMove(context.Background(), moveT1ToC2); err != nil {
		t.Fatalf("apply: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	stale := baseSnapshot(2)
	c.OnRemote(assembler.Result{Snapshot: stale}, nil)
	if c.View().Snapshot != stale {
		t.Fatalf("expected remote to win once the pending revision expired")
	}
}

func TestControllerReportsWriteFailures(t *testing.T) {
	c, w := readyController(t, Options{})
	sub := c.Subscribe()
	defer sub.Cancel()

	if _, err := c.ApplyMove(context.Background(), moveT1ToC2); err != nil {
		t.Fatalf("apply: %v", err)
	}
	remote := baseSnapshot(2)
	c.OnRemote(assembler.Result{Snapshot: remote}, nil)

	writes := w.take()
	rejected := errors.New("permission denied")
	writes[0].OnDone(rejected)
	writes[1].OnDone(nil)

	select {
	case f := <-sub.Failures:
		if !errors.Is(f, rejected) || f.Mutation.DocID != writes[0].Mutation.DocID {
			t.Fatalf("unexpected failure %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected write failure notice")
	}

	v := c.View()
	if v.Snapshot != remote || v.State != StateReady {
		t.Fatalf("expected last remote snapshot after failure, got %+v", v)
	}
}

func TestControllerFailedWriteDoesNotRevertNewerMove(t *testing.T) {
	c, w := readyController(t, Options{})
	if _, err := c.ApplyMove(context.Background(), moveT1ToC2); err != nil {
		t.Fatalf("apply: %v", err)
	}
	first := w.take()
	second, err := c.ApplyMove(context.Background(), reorder.Intent{
		Type:        reorder.KindColumn,
		DraggableID: "c2",
		Source:      reorder.Location{DroppableID: "board", Index: 1},
		Destination: &reorder.Location{DroppableID: "board", Index: 0},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	c.OnRemote(assembler.Result{Snapshot: baseSnapshot(2)}, nil)
	for _, wr := range first {
		wr.OnDone(errors.New("rejected"))
	}
	if c.View().Snapshot != second.Snapshot {
		t.Fatalf("failure of an older move reverted a newer one")
	}
}

func TestControllerRejectsIntents(t *testing.T) {
	logger, _ := test.NewNullLogger()
	c := NewController(testRef, &heldWriter{}, Options{}, logger)
	if _, err := c.ApplyMove(context.Background(), moveT1ToC2); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}

	c.OnRemote(assembler.Result{Snapshot: baseSnapshot(1)}, nil)
	c.SetOnline(false)
	if _, err := c.ApplyMove(context.Background(), moveT1ToC2); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected offline, got %v", err)
	}
	if _, err := c.AddTodo(context.Background(), "t1", "x"); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected offline, got %v", err)
	}
	c.SetOnline(true)

	bad := moveT1ToC2
	bad.Source.Index = 1
	v, err := c.ApplyMove(context.Background(), bad)
	if !errors.Is(err, reorder.ErrStaleIntent) {
		t.Fatalf("expected stale intent, got %v", err)
	}
	if v.State != StateReady {
		t.Fatalf("rejected intent changed state to %v", v.State)
	}
}

func TestControllerFailsOnIntegrityError(t *testing.T) {
	c, _ := readyController(t, Options{})
	c.OnRemote(assembler.Result{}, &domain.IntegrityError{Reason: "column order record missing"})
	v := c.View()
	if v.State != StateFailed || v.Snapshot != nil || v.Err == "" {
		t.Fatalf("expected failed view, got %+v", v)
	}
	if _, err := c.ApplyMove(context.Background(), moveT1ToC2); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}

	c.OnRemote(assembler.Result{Snapshot: baseSnapshot(5)}, nil)
	if v := c.View(); v.State != StateReady || v.Err != "" {
		t.Fatalf("expected recovery, got %+v", v)
	}
}

func TestSubscriptionCoalescesViews(t *testing.T) {
	c, _ := readyController(t, Options{})
	sub := c.Subscribe()
	for i := 0; i < 3; i++ {
		if _, err := c.AddTodo(context.Background(), "t1", "step"); err != nil {
			t.Fatalf("add todo: %v", err)
		}
	}
	v := <-sub.Views
	if n := len(v.Snapshot.Tasks["t1"].Todos); n != 3 {
		t.Fatalf("expected latest view with 3 todos, got %d", n)
	}
	select {
	case extra := <-sub.Views:
		t.Fatalf("unexpected queued view %+v", extra)
	default:
	}

	sub.Cancel()
	select {
	case <-sub.Done():
	default:
		t.Fatalf("cancelled subscription not done")
	}
	c.Close()
}

func waitView(t *testing.T, sub *Subscription, want func(View) bool) View {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-sub.Views:
			if want(v) {
				return v
			}
		case <-deadline:
			t.Fatalf("timed out waiting for view")
		}
	}
}

func TestControllerAgainstMemoryStore(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()
	store := storage.NewMemory()
	disp := NewDispatcher(store, DispatcherConfig{Workers: 2}, logger)
	defer disp.Close()

	svc := NewBoardService(store, disp, nil, 0, logger)
	board, err := svc.CreateBoard(ctx, "u1", "work")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	ref := domain.BoardRef{UserID: "u1", BoardID: board.ID}
	todo, err := svc.CreateColumn(ctx, ref, "todo")
	if err != nil {
		t.Fatalf("create column: %v", err)
	}
	done, err := svc.CreateColumn(ctx, ref, "done")
	if err != nil {
		t.Fatalf("create column: %v", err)
	}
	task, err := svc.CreateTask(ctx, ref, todo.ID, TaskInput{Title: "write tests", Priority: domain.PriorityHigh})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	c := NewController(ref, disp, Options{}, logger)
	sub := c.Subscribe()
	if err := c.Start(ctx, store); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Close()
	waitView(t, sub, func(v View) bool { return v.State == StateReady })

	if _, err := c.ApplyMove(ctx, reorder.Intent{
		Type:        reorder.KindTask,
		DraggableID: task.ID,
		Source:      reorder.Location{DroppableID: todo.ID, Index: 0},
		Destination: &reorder.Location{DroppableID: done.ID, Index: 0},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	v := waitView(t, sub, func(v View) bool {
		return v.State == StateReady && len(v.Snapshot.Columns[done.ID].TaskIDs) == 1 && v.Snapshot.Revision >= v.Revision
	})
	if got := v.Snapshot.Columns[todo.ID].TaskIDs; len(got) != 0 {
		t.Fatalf("task still in source column: %v", got)
	}

	cols, _ := store.List(ctx, ref.ColumnsPath())
	stored, err := domain.DecodeColumn(done.ID, cols[done.ID])
	if err != nil || !reflect.DeepEqual(stored.Default.TaskIDs, []string{task.ID}) {
		t.Fatalf("store does not match the view: %+v %v", stored.Default, err)
	}
}
