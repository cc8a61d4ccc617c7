// Package cascade removes the columns and tasks of deleted boards.
package cascade

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/x7ddf74479jn5/simple-kanban-planner/domain"
	"github.com/x7ddf74479jn5/simple-kanban-planner/storage"
)

// Job asks for the contents of one deleted board to be removed.
type Job struct {
	UserID  string `json:"userId"`
	BoardID string `json:"boardId"`
}

// Ref returns the board addressed by the job.
func (j Job) Ref() domain.BoardRef {
	return domain.BoardRef{UserID: j.UserID, BoardID: j.BoardID}
}

func (j Job) valid() bool { return j.UserID != "" && j.BoardID != "" }

// Queue accepts cleanup jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Cleaner deletes every column and task document of a board.
type Cleaner struct {
	store  storage.Documents
	logger *log.Logger
}

// NewCleaner returns a Cleaner working on store.
func NewCleaner(store storage.Documents, logger *log.Logger) *Cleaner {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Cleaner{store: store, logger: logger}
}

// Clean removes the board's tasks, then its columns. It is idempotent.
func (c *Cleaner) Clean(ctx context.Context, job Job) error {
	if !job.valid() {
		return fmt.Errorf("invalid cascade job %+v", job)
	}
	ref := job.Ref()
	var removed int
	for _, path := range []string{ref.TasksPath(), ref.ColumnsPath()} {
		docs, err := c.store.List(ctx, path)
		if err != nil {
			return fmt.Errorf("list %s: %w", path, err)
		}
		for id := range docs {
			if err := c.store.Delete(ctx, path, id); err != nil {
				return fmt.Errorf("delete %s/%s: %w", path, id, err)
			}
			removed++
		}
	}
	c.logger.WithFields(log.Fields{"user": job.UserID, "board": job.BoardID, "docs": removed}).Info("board contents removed")
	return nil
}

// Inline runs jobs synchronously. It serves stores without a queue.
type Inline struct {
	cleaner *Cleaner
}

// NewInline returns a Queue that cleans on Enqueue.
func NewInline(cleaner *Cleaner) *Inline { return &Inline{cleaner: cleaner} }

func (q *Inline) Enqueue(ctx context.Context, job Job) error {
	return q.cleaner.Clean(ctx, job)
}
