package cascade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/x7ddf74479jn5/simple-kanban-planner/domain"
	"github.com/x7ddf74479jn5/simple-kanban-planner/storage"
)

func seedBoard(t *testing.T, store *storage.Memory, ref domain.BoardRef) {
	t.Helper()
	ctx := context.Background()
	must := func(err error) {
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(store.Set(ctx, domain.BoardsPath(ref.UserID), ref.BoardID, map[string]any{"name": "b"}))
	must(store.Set(ctx, ref.ColumnsPath(), domain.ColumnOrderID, map[string]any{"order": []string{"c1"}}))
	must(store.Set(ctx, ref.ColumnsPath(), "c1", map[string]any{"title": "c", "taskIds": []string{"t1", "t2"}}))
	must(store.Set(ctx, ref.TasksPath(), "t1", map[string]any{"title": "x", "priority": "low"}))
	must(store.Set(ctx, ref.TasksPath(), "t2", map[string]any{"title": "y", "priority": "low"}))
}

func count(t *testing.T, store *storage.Memory, path string) int {
	t.Helper()
	docs, err := store.List(context.Background(), path)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return len(docs)
}

func TestCleanerRemovesOnlyTheBoard(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := storage.NewMemory()
	gone := domain.BoardRef{UserID: "u1", BoardID: "b1"}
	kept := domain.BoardRef{UserID: "u1", BoardID: "b2"}
	seedBoard(t, store, gone)
	seedBoard(t, store, kept)

	q := NewInline(NewCleaner(store, logger))
	job := Job{UserID: "u1", BoardID: "b1"}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n := count(t, store, gone.ColumnsPath()) + count(t, store, gone.TasksPath()); n != 0 {
		t.Fatalf("expected board contents removed, %d left", n)
	}
	if n := count(t, store, kept.ColumnsPath()) + count(t, store, kept.TasksPath()); n != 4 {
		t.Fatalf("other board touched, %d left", n)
	}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if err := q.Enqueue(context.Background(), Job{UserID: "u1"}); err == nil {
		t.Fatalf("expected invalid job error")
	}
}

type fakeSource struct {
	messages []*Message
	deleted  []string
	err      error
}

func (f *fakeSource) Dequeue(context.Context) (*Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.messages) == 0 {
		return nil, nil
	}
	m := f.messages[0]
	f.messages = f.messages[1:]
	return m, nil
}

func (f *fakeSource) Delete(_ context.Context, msg *Message) error {
	f.deleted = append(f.deleted, msg.ID)
	return nil
}

type failingDocs struct {
	storage.Documents
}

func (failingDocs) List(context.Context, string) (storage.Docs, error) {
	return nil, errors.New("unavailable")
}

func TestWorkerStep(t *testing.T) {
	logger, hook := test.NewNullLogger()
	store := storage.NewMemory()
	ref := domain.BoardRef{UserID: "u1", BoardID: "b1"}
	seedBoard(t, store, ref)

	src := &fakeSource{messages: []*Message{
		{ID: "m1", Text: `{"userId":"u1","boardId":"b1"}`, DequeueCount: 1},
		{ID: "m2", Text: `not json`, DequeueCount: 1},
	}}
	w := NewWorker(src, NewCleaner(store, logger), time.Millisecond, logger)

	ok, err := w.Step(context.Background())
	if err != nil || !ok {
		t.Fatalf("step: %v %v", ok, err)
	}
	if count(t, store, ref.TasksPath()) != 0 {
		t.Fatalf("tasks not removed")
	}
	if ok, _ := w.Step(context.Background()); !ok {
		t.Fatalf("expected malformed message to be consumed")
	}
	if len(src.deleted) != 2 || src.deleted[1] != "m2" {
		t.Fatalf("unexpected deletions %v", src.deleted)
	}
	if hook.LastEntry().Message != "dropping malformed cascade job" {
		t.Fatalf("unexpected log %q", hook.LastEntry().Message)
	}
	if ok, err := w.Step(context.Background()); ok || err != nil {
		t.Fatalf("expected empty queue, got %v %v", ok, err)
	}
}

func TestWorkerRetriesThenDrops(t *testing.T) {
	logger, _ := test.NewNullLogger()
	src := &fakeSource{messages: []*Message{
		{ID: "m1", Text: `{"userId":"u1","boardId":"b1"}`, DequeueCount: 1},
		{ID: "m1", Text: `{"userId":"u1","boardId":"b1"}`, DequeueCount: maxAttempts},
	}}
	w := NewWorker(src, NewCleaner(failingDocs{}, logger), time.Millisecond, logger)

	_, _ = w.Step(context.Background())
	if len(src.deleted) != 0 {
		t.Fatalf("failed job must stay queued")
	}
	_, _ = w.Step(context.Background())
	if len(src.deleted) != 1 {
		t.Fatalf("expected job to be dropped after %d attempts", maxAttempts)
	}
}

func TestWorkerRunStopsWithContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	src := &fakeSource{err: errors.New("queue down")}
	w := NewWorker(src, NewCleaner(storage.NewMemory(), logger), time.Millisecond, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
