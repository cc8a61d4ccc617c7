package cascade

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// maxAttempts is the dequeue count after which a failing job is dropped.
const maxAttempts = 5

// Source yields queued job messages.
type Source interface {
	Dequeue(ctx context.Context) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

// Worker drains a Source, cleaning one board per message.
type Worker struct {
	source  Source
	cleaner *Cleaner
	logger  *log.Logger
	idle    time.Duration
}

// NewWorker returns a worker that sleeps for idle when the queue is empty or
// unreachable.
func NewWorker(source Source, cleaner *Cleaner, idle time.Duration, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if idle <= 0 {
		idle = time.Second
	}
	return &Worker{source: source, cleaner: cleaner, logger: logger, idle: idle}
}

// Run processes messages until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		processed, err := w.Step(ctx)
		if err != nil {
			w.logger.WithError(err).Error("receive cascade job")
		}
		if err != nil || !processed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.idle):
			}
		}
	}
}

// Step handles at most one message and reports whether one was dequeued.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	msg, err := w.source.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	entry := w.logger.WithField("message", msg.ID)

	var job Job
	if err := sonic.Unmarshal([]byte(msg.Text), &job); err != nil || !job.valid() {
		entry.WithField("text", msg.Text).Error("dropping malformed cascade job")
		w.delete(ctx, msg)
		return true, nil
	}
	entry = entry.WithFields(log.Fields{"user": job.UserID, "board": job.BoardID})
	if err := w.cleaner.Clean(ctx, job); err != nil {
		if msg.DequeueCount >= maxAttempts {
			entry.WithError(err).Error("dropping cascade job after repeated failures")
			w.delete(ctx, msg)
			return true, nil
		}
		// the message becomes visible again and is retried
		entry.WithError(err).Warn("cascade job failed")
		return true, nil
	}
	w.delete(ctx, msg)
	return true, nil
}

func (w *Worker) delete(ctx context.Context, msg *Message) {
	if err := w.source.Delete(ctx, msg); err != nil {
		w.logger.WithError(err).WithField("message", msg.ID).Error("delete cascade message")
	}
}
