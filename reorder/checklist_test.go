package reorder

import (
	"errors"
	"reflect"
	"testing"

	"github.com/x7ddf74479jn5/simple-kanban-planner/domain"
)

func checklistBoard() *domain.Snapshot {
	s := board([]string{"A"}, map[string][]string{"A": {"t1"}})
	task := s.Tasks["t1"]
	task.Todos = []domain.Todo{
		{ID: "a", Task: "write"},
		{ID: "b", Task: "review", Done: true},
		{ID: "c", Task: "ship"},
	}
	s.Tasks["t1"] = task
	return s
}

func todoIDs(todos []domain.Todo) []string {
	out := make([]string, len(todos))
	for i, t := range todos {
		out[i] = t.ID
	}
	return out
}

func TestMoveTodo(t *testing.T) {
	s := checklistBoard()
	dst := 0
	res, err := MoveTodo(s, "t1", 2, &dst)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := todoIDs(res.Snapshot.Tasks["t1"].Todos); !reflect.DeepEqual(got, []string{"c", "a", "b"}) {
		t.Fatalf("unexpected order %v", got)
	}
	if len(res.Mutations) != 1 || res.Mutations[0].Op != OpUpdate || res.Mutations[0].Collection != domain.CollectionTasks {
		t.Fatalf("unexpected mutations %+v", res.Mutations)
	}
	if got := todoIDs(s.Tasks["t1"].Todos); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("input modified: %v", got)
	}
}

func TestMoveTodoNoop(t *testing.T) {
	s := checklistBoard()
	res, err := MoveTodo(s, "t1", 1, nil)
	if err != nil || res.Changed() || res.Snapshot != s {
		t.Fatalf("expected cancelled move to be a no-op, got %+v %v", res, err)
	}
	same := 1
	res, err = MoveTodo(s, "t1", 1, &same)
	if err != nil || res.Changed() {
		t.Fatalf("expected in-place drop to be a no-op, got %+v %v", res, err)
	}
	if _, err := MoveTodo(s, "t1", 5, &same); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestAddTodo(t *testing.T) {
	s := checklistBoard()
	res, err := AddTodo(s, "t1", domain.Todo{ID: "d", Task: "celebrate"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := todoIDs(res.Snapshot.Tasks["t1"].Todos); !reflect.DeepEqual(got, []string{"a", "b", "c", "d"}) {
		t.Fatalf("unexpected todos %v", got)
	}
	m := res.Mutations[0]
	if m.Op != OpAppendUnique || m.Field != "todos" || m.DocID != "t1" {
		t.Fatalf("unexpected mutation %+v", m)
	}

	long := "this checklist line is far too long to be accepted"
	_, err = AddTodo(s, "t1", domain.Todo{ID: "e", Task: long})
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestToggleAndRemoveTodo(t *testing.T) {
	s := checklistBoard()
	res, err := ToggleTodo(s, "t1", "b")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if res.Snapshot.Tasks["t1"].Todos[1].Done {
		t.Fatalf("expected b to be undone")
	}
	if !s.Tasks["t1"].Todos[1].Done {
		t.Fatalf("input modified")
	}

	res, err = RemoveTodo(res.Snapshot, "t1", "a")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := todoIDs(res.Snapshot.Tasks["t1"].Todos); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("unexpected todos %v", got)
	}

	if _, err := ToggleTodo(s, "t1", "zz"); !errors.Is(err, ErrUnknownTodo) {
		t.Fatalf("expected ErrUnknownTodo, got %v", err)
	}
	if _, err := RemoveTodo(s, "missing", "a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
