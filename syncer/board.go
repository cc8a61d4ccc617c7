package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/x7ddf74479jn5/simple-kanban-planner/cascade"
	"github.com/x7ddf74479jn5/simple-kanban-planner/domain"
	"github.com/x7ddf74479jn5/simple-kanban-planner/reorder"
	"github.com/x7ddf74479jn5/simple-kanban-planner/storage"
)

// BoardService performs the create, rename and delete intents of boards,
// columns and tasks. Every user supplied value is validated before it is
// written.
type BoardService struct {
	store    storage.Documents
	disp     *Dispatcher
	cascades cascade.Queue
	renames  *Debouncer
	logger   *log.Logger
	now      func() time.Time
}

// NewBoardService wires the service. Renames are debounced by renameWait.
func NewBoardService(store storage.Documents, disp *Dispatcher, cascades cascade.Queue, renameWait time.Duration, logger *log.Logger) *BoardService {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &BoardService{
		store:    store,
		disp:     disp,
		cascades: cascades,
		renames:  NewDebouncer(renameWait),
		logger:   logger,
		now:      time.Now,
	}
}

// Flush commits pending debounced renames.
func (s *BoardService) Flush() { s.renames.Flush() }

func (s *BoardService) do(ctx context.Context, ref domain.BoardRef, m reorder.Mutation) error {
	err := s.disp.Do(ctx, Write{Ref: ref, Mutation: m, Revision: nextRevision()})
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", m.Collection, m.DocID, domain.ErrNotFound)
	}
	return err
}

// ListBoards returns the user's boards sorted by name. Invalid board
// documents are logged and skipped.
func (s *BoardService) ListBoards(ctx context.Context, userID string) ([]domain.Board, error) {
	docs, err := s.store.List(ctx, domain.BoardsPath(userID))
	if err != nil {
		return nil, err
	}
	boards := make([]domain.Board, 0, len(docs))
	for id, raw := range docs {
		b, err := domain.DecodeBoard(id, raw)
		if err != nil {
			s.logger.WithError(err).WithFields(log.Fields{"user": userID, "board": id}).Warn("rejected board document")
			continue
		}
		boards = append(boards, b)
	}
	sort.Slice(boards, func(i, j int) bool {
		if boards[i].Name != boards[j].Name {
			return boards[i].Name < boards[j].Name
		}
		return boards[i].ID < boards[j].ID
	})
	return boards, nil
}

// GetBoard reads one board.
func (s *BoardService) GetBoard(ctx context.Context, ref domain.BoardRef) (domain.Board, error) {
	raw, err := s.store.Get(ctx, domain.BoardsPath(ref.UserID), ref.BoardID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Board{}, fmt.Errorf("board %s: %w", ref.BoardID, domain.ErrNotFound)
		}
		return domain.Board{}, err
	}
	return domain.DecodeBoard(ref.BoardID, raw)
}

// CreateBoard creates a board with an empty column order record.
func (s *BoardService) CreateBoard(ctx context.Context, userID, name string) (domain.Board, error) {
	if err := domain.ValidateBoardName(name); err != nil {
		return domain.Board{}, err
	}
	b := domain.Board{ID: uuid.NewString(), Name: name}
	ref := domain.BoardRef{UserID: userID, BoardID: b.ID}
	if err := s.createBoard(ctx, ref, b.Name); err != nil {
		return domain.Board{}, err
	}
	return b, nil
}

func (s *BoardService) createBoard(ctx context.Context, ref domain.BoardRef, name string) error {
	if err := s.do(ctx, ref, reorder.Mutation{
		Op:         reorder.OpSet,
		Collection: domain.CollectionBoards,
		DocID:      ref.BoardID,
		Fields:     map[string]any{"name": name},
	}); err != nil {
		return err
	}
	record := domain.ColumnOrderRecord{ID: domain.ColumnOrderID, Order: []string{}}
	return s.do(ctx, ref, reorder.Mutation{
		Op:         reorder.OpSet,
		Collection: domain.CollectionColumns,
		DocID:      record.ID,
		Fields:     record.Fields(),
	})
}

// RenameBoard schedules a debounced rename. Later renames of the same board
// replace earlier ones that have not been written yet.
func (s *BoardService) RenameBoard(ctx context.Context, ref domain.BoardRef, name string) error {
	if err := domain.ValidateBoardName(name); err != nil {
		return err
	}
	s.debounce(ctx, ref, "board:"+ref.UserID+"/"+ref.BoardID, reorder.Mutation{
		Op:         reorder.OpUpdate,
		Collection: domain.CollectionBoards,
		DocID:      ref.BoardID,
		Fields:     map[string]any{"name": name},
	})
	return nil
}

// DeleteBoard removes the board document and queues removal of its columns
// and tasks.
func (s *BoardService) DeleteBoard(ctx context.Context, ref domain.BoardRef) error {
	if err := s.do(ctx, ref, reorder.Mutation{
		Op:         reorder.OpDelete,
		Collection: domain.CollectionBoards,
		DocID:      ref.BoardID,
	}); err != nil {
		return err
	}
	return s.cascades.Enqueue(ctx, cascade.Job{UserID: ref.UserID, BoardID: ref.BoardID})
}

// CreateColumn adds an empty column at the end of the board.
func (s *BoardService) CreateColumn(ctx context.Context, ref domain.BoardRef, title string) (domain.DefaultColumn, error) {
	if err := domain.ValidateColumnTitle(title); err != nil {
		return domain.DefaultColumn{}, err
	}
	col := domain.DefaultColumn{ID: uuid.NewString(), Title: title, TaskIDs: []string{}}
	if err := s.do(ctx, ref, reorder.Mutation{
		Op:         reorder.OpSet,
		Collection: domain.CollectionColumns,
		DocID:      col.ID,
		Fields:     col.Fields(),
	}); err != nil {
		return domain.DefaultColumn{}, err
	}
	if err := s.do(ctx, ref, reorder.Mutation{
		Op:         reorder.OpAppendUnique,
		Collection: domain.CollectionColumns,
		DocID:      domain.ColumnOrderID,
		Field:      "order",
		Value:      col.ID,
	}); err != nil {
		return domain.DefaultColumn{}, err
	}
	return col, nil
}

// RenameColumn schedules a debounced title change. The column id is not
// affected.
func (s *BoardService) RenameColumn(ctx context.Context, ref domain.BoardRef, columnID, title string) error {
	if err := domain.ValidateColumnTitle(title); err != nil {
		return err
	}
	s.debounce(ctx, ref, "column:"+ref.ColumnsPath()+"/"+columnID, reorder.Mutation{
		Op:         reorder.OpUpdate,
		Collection: domain.CollectionColumns,
		DocID:      columnID,
		Fields:     map[string]any{"title": title},
	})
	return nil
}

// DeleteColumn removes the column from the order record, deletes the column
// and then each of its tasks.
func (s *BoardService) DeleteColumn(ctx context.Context, ref domain.BoardRef, columnID string) error {
	raw, err := s.store.Get(ctx, ref.ColumnsPath(), columnID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("column %s: %w", columnID, domain.ErrNotFound)
		}
		return err
	}
	col, err := domain.DecodeColumn(columnID, raw)
	if err != nil {
		return err
	}
	if col.Kind != domain.KindDefault {
		return &domain.ValidationError{DocID: columnID, Field: "kind", Constraint: "const"}
	}
	if err := s.do(ctx, ref, reorder.Mutation{
		Op:         reorder.OpRemoveElement,
		Collection: domain.CollectionColumns,
		DocID:      domain.ColumnOrderID,
		Field:      "order",
		Value:      columnID,
	}); err != nil {
		return err
	}
	if err := s.do(ctx, ref, reorder.Mutation{Op: reorder.OpDelete, Collection: domain.CollectionColumns, DocID: columnID}); err != nil {
		return err
	}
	for _, taskID := range col.Default.TaskIDs {
		if err := s.do(ctx, ref, reorder.Mutation{Op: reorder.OpDelete, Collection: domain.CollectionTasks, DocID: taskID}); err != nil {
			return err
		}
	}
	return nil
}

// TaskInput holds the user editable fields of a new task.
type TaskInput struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    domain.Priority `json:"priority"`
}

// TaskPatch holds the fields of a task update. Nil fields are left as they
// are.
type TaskPatch struct {
	Title       *string          `json:"title,omitempty"`
	Description *string          `json:"description,omitempty"`
	Priority    *domain.Priority `json:"priority,omitempty"`
}

// CreateTask creates a task and appends it to the column.
func (s *BoardService) CreateTask(ctx context.Context, ref domain.BoardRef, columnID string, in TaskInput) (domain.Task, error) {
	task := domain.Task{
		ID:          uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		Priority:    in.Priority,
		DateAdded:   domain.NewTimestamp(s.now()),
		Todos:       []domain.Todo{},
	}
	if err := domain.ValidateTask(task); err != nil {
		return domain.Task{}, err
	}
	if _, err := s.store.Get(ctx, ref.ColumnsPath(), columnID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("column %s: %w", columnID, domain.ErrNotFound)
		}
		return domain.Task{}, err
	}
	if err := s.do(ctx, ref, reorder.Mutation{
		Op:         reorder.OpSet,
		Collection: domain.CollectionTasks,
		DocID:      task.ID,
		Fields:     task.Fields(),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := s.do(ctx, ref, reorder.Mutation{
		Op:         reorder.OpAppendUnique,
		Collection: domain.CollectionColumns,
		DocID:      columnID,
		Field:      "taskIds",
		Value:      task.ID,
	}); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// UpdateTask edits title, description and priority of a task.
func (s *BoardService) UpdateTask(ctx context.Context, ref domain.BoardRef, taskID string, p TaskPatch) error {
	fields := map[string]any{}
	if p.Title != nil {
		if err := domain.ValidateTitle(*p.Title); err != nil {
			return err
		}
		fields["title"] = *p.Title
	}
	if p.Description != nil {
		fields["description"] = *p.Description
	}
	if p.Priority != nil {
		if err := domain.ValidatePriority(*p.Priority); err != nil {
			return err
		}
		fields["priority"] = string(*p.Priority)
	}
	if len(fields) == 0 {
		return &domain.ValidationError{DocID: taskID, Constraint: "minProperties"}
	}
	return s.do(ctx, ref, reorder.Mutation{
		Op:         reorder.OpUpdate,
		Collection: domain.CollectionTasks,
		DocID:      taskID,
		Fields:     fields,
	})
}

// DeleteTask removes the task from its column and deletes it.
func (s *BoardService) DeleteTask(ctx context.Context, ref domain.BoardRef, columnID, taskID string) error {
	if err := s.do(ctx, ref, reorder.Mutation{
		Op:         reorder.OpRemoveElement,
		Collection: domain.CollectionColumns,
		DocID:      columnID,
		Field:      "taskIds",
		Value:      taskID,
	}); err != nil {
		return err
	}
	return s.do(ctx, ref, reorder.Mutation{Op: reorder.OpDelete, Collection: domain.CollectionTasks, DocID: taskID})
}

func (s *BoardService) debounce(ctx context.Context, ref domain.BoardRef, key string, m reorder.Mutation) {
	ctx = context.WithoutCancel(ctx)
	s.renames.Schedule(key, func() {
		if err := s.do(ctx, ref, m); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"user":       ref.UserID,
				"board":      ref.BoardID,
				"collection": m.Collection,
				"doc":        m.DocID,
			}).Error("debounced rename failed")
		}
	})
}
