// Package reorder computes board transitions for drag and drop intents.
//
// Every function is pure: it never modifies its input snapshot and returns
// the same output for the same input, so callers may retry or replay intents
// freely. The returned mutations are the minimal writes that make the store
// agree with the returned snapshot.
package reorder

import (
	"errors"
	"fmt"

	"github.com/x7ddf74479jn5/simple-kanban-planner/domain"
)

var (
	ErrNoSnapshot      = errors.New("board not loaded")
	ErrUnknownColumn   = errors.New("unknown column")
	ErrUnknownIntent   = errors.New("unknown intent type")
	ErrIndexOutOfRange = errors.New("source index out of range")
	ErrStaleIntent     = errors.New("dragged item is not at the source index")
)

// Kind is the type of the dragged item.
type Kind string

const (
	KindTask   Kind = "task"
	KindColumn Kind = "column"
)

// Location is a position inside a droppable container, as reported by the
// drag layer.
type Location struct {
	DroppableID string `json:"droppableId"`
	Index       int    `json:"index"`
}

// Intent describes a finished drag gesture. A nil Destination means the drag
// was cancelled.
type Intent struct {
	Type        Kind      `json:"type"`
	DraggableID string    `json:"draggableId"`
	Source      Location  `json:"source"`
	Destination *Location `json:"destination,omitempty"`
}

// Result is the outcome of applying an intent.
type Result struct {
	Snapshot  *domain.Snapshot
	Mutations []Mutation
}

// Changed reports whether the intent altered the board.
func (r Result) Changed() bool { return len(r.Mutations) > 0 }

// Apply computes the board after in and the writes required to persist it.
// Source indices address the sequence before removal and destination indices
// the sequence after removal. A destination past the end is clamped.
func Apply(s *domain.Snapshot, in Intent) (Result, error) {
	if s == nil {
		return Result{}, ErrNoSnapshot
	}
	if in.Destination == nil {
		return Result{Snapshot: s}, nil
	}
	switch in.Type {
	case KindTask:
		return moveTask(s, in)
	case KindColumn:
		return moveColumn(s, in)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownIntent, in.Type)
	}
}

func moveTask(s *domain.Snapshot, in Intent) (Result, error) {
	src, ok := s.Columns[in.Source.DroppableID]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownColumn, in.Source.DroppableID)
	}
	dst, ok := s.Columns[in.Destination.DroppableID]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownColumn, in.Destination.DroppableID)
	}
	taskID, err := pick(src.TaskIDs, in.Source.Index, in.DraggableID)
	if err != nil {
		return Result{}, err
	}

	if src.ID == dst.ID {
		ids := insertAt(removeAt(src.TaskIDs, in.Source.Index), in.Destination.Index, taskID)
		if equal(ids, src.TaskIDs) {
			return Result{Snapshot: s}, nil
		}
		next := s.Clone()
		src.TaskIDs = ids
		next.Columns[src.ID] = src
		return Result{Snapshot: next, Mutations: []Mutation{updateTaskIDs(src.ID, ids)}}, nil
	}

	srcIDs := removeAt(src.TaskIDs, in.Source.Index)
	dstIDs := insertAt(dst.TaskIDs, in.Destination.Index, taskID)
	next := s.Clone()
	src.TaskIDs = srcIDs
	dst.TaskIDs = dstIDs
	next.Columns[src.ID] = src
	next.Columns[dst.ID] = dst
	return Result{
		Snapshot: next,
		Mutations: []Mutation{
			updateTaskIDs(src.ID, srcIDs),
			updateTaskIDs(dst.ID, dstIDs),
		},
	}, nil
}

func moveColumn(s *domain.Snapshot, in Intent) (Result, error) {
	columnID, err := pick(s.ColumnOrder, in.Source.Index, in.DraggableID)
	if err != nil {
		return Result{}, err
	}
	order := insertAt(removeAt(s.ColumnOrder, in.Source.Index), in.Destination.Index, columnID)
	if equal(order, s.ColumnOrder) {
		return Result{Snapshot: s}, nil
	}
	next := s.Clone()
	next.ColumnOrder = order
	return Result{Snapshot: next, Mutations: []Mutation{updateOrder(s.OrderRecordID(), order)}}, nil
}

// pick returns the id at index, checking it against the dragged id when the
// intent names one.
func pick(ids []string, index int, dragged string) (string, error) {
	if index < 0 || index >= len(ids) {
		return "", fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, index, len(ids))
	}
	if dragged != "" && ids[index] != dragged {
		return "", fmt.Errorf("%w: expected %s at %d, found %s", ErrStaleIntent, dragged, index, ids[index])
	}
	return ids[index], nil
}

func removeAt(ids []string, i int) []string {
	out := make([]string, 0, len(ids))
	out = append(out, ids[:i]...)
	return append(out, ids[i+1:]...)
}

func insertAt(ids []string, i int, id string) []string {
	if i < 0 {
		i = 0
	}
	if i > len(ids) {
		i = len(ids)
	}
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids[:i]...)
	out = append(out, id)
	return append(out, ids[i:]...)
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
