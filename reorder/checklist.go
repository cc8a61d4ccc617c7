package reorder

import (
	"errors"
	"fmt"

	"github.com/x7ddf74479jn5/simple-kanban-planner/domain"
)

// ErrUnknownTodo is returned when a checklist intent names a missing todo.
var ErrUnknownTodo = errors.New("unknown todo")

// MoveTodo reorders a task's checklist. A nil destination is a no-op.
func MoveTodo(s *domain.Snapshot, taskID string, from int, to *int) (Result, error) {
	task, err := lookupTask(s, taskID)
	if err != nil {
		return Result{}, err
	}
	if to == nil {
		return Result{Snapshot: s}, nil
	}
	if from < 0 || from >= len(task.Todos) {
		return Result{}, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, from, len(task.Todos))
	}
	moved := task.Todos[from]
	todos := make([]domain.Todo, 0, len(task.Todos))
	todos = append(todos, task.Todos[:from]...)
	todos = append(todos, task.Todos[from+1:]...)
	at := *to
	if at < 0 {
		at = 0
	}
	if at > len(todos) {
		at = len(todos)
	}
	todos = append(todos[:at], append([]domain.Todo{moved}, todos[at:]...)...)
	if at == from {
		return Result{Snapshot: s}, nil
	}
	return withTodos(s, task, todos), nil
}

// AddTodo appends a checklist line. The write is an append-unique of the new
// element so concurrent additions from other sessions are kept.
func AddTodo(s *domain.Snapshot, taskID string, todo domain.Todo) (Result, error) {
	task, err := lookupTask(s, taskID)
	if err != nil {
		return Result{}, err
	}
	if err := domain.ValidateTodoText(todo.Task); err != nil {
		return Result{}, err
	}
	todos := make([]domain.Todo, 0, len(task.Todos)+1)
	todos = append(todos, task.Todos...)
	todos = append(todos, todo)
	res := withTodos(s, task, todos)
	res.Mutations = []Mutation{{
		Op:         OpAppendUnique,
		Collection: domain.CollectionTasks,
		DocID:      taskID,
		Field:      "todos",
		Value:      todo,
	}}
	return res, nil
}

// ToggleTodo flips the done flag of one checklist line in place.
func ToggleTodo(s *domain.Snapshot, taskID, todoID string) (Result, error) {
	task, err := lookupTask(s, taskID)
	if err != nil {
		return Result{}, err
	}
	i := todoIndex(task.Todos, todoID)
	if i < 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTodo, todoID)
	}
	todos := append([]domain.Todo(nil), task.Todos...)
	todos[i].Done = !todos[i].Done
	return withTodos(s, task, todos), nil
}

// RemoveTodo deletes one checklist line.
func RemoveTodo(s *domain.Snapshot, taskID, todoID string) (Result, error) {
	task, err := lookupTask(s, taskID)
	if err != nil {
		return Result{}, err
	}
	i := todoIndex(task.Todos, todoID)
	if i < 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTodo, todoID)
	}
	todos := make([]domain.Todo, 0, len(task.Todos)-1)
	todos = append(todos, task.Todos[:i]...)
	todos = append(todos, task.Todos[i+1:]...)
	return withTodos(s, task, todos), nil
}

func lookupTask(s *domain.Snapshot, taskID string) (domain.Task, error) {
	if s == nil {
		return domain.Task{}, ErrNoSnapshot
	}
	task, ok := s.Tasks[taskID]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return task, nil
}

func todoIndex(todos []domain.Todo, id string) int {
	for i, t := range todos {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func withTodos(s *domain.Snapshot, task domain.Task, todos []domain.Todo) Result {
	next := s.Clone()
	task.Todos = todos
	next.Tasks[task.ID] = task
	return Result{Snapshot: next, Mutations: []Mutation{updateTodos(task.ID, todos)}}
}
