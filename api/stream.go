package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/x7ddf74479jn5/simple-kanban-planner/reorder"
)

type failureEvent struct {
	Mutation reorder.Mutation `json:"mutation"`
	Revision int64            `json:"revision"`
	Error    string           `json:"error"`
}

// stream sends every view of the board as a "view" event and every rejected
// write as a "failure" event until the client disconnects.
func (h *handlers) stream(c echo.Context) error {
	ref := boardRef(c)
	ctrl, release, err := h.Views.Acquire(ref)
	if err != nil {
		return h.fail(c, err)
	}
	defer release()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	res.WriteHeader(http.StatusOK)
	if _, err := res.Write([]byte(":ok\n\n")); err != nil {
		return nil
	}
	flusher.Flush()

	sub := ctrl.Subscribe()
	defer sub.Cancel()
	entry := h.Logger.WithFields(log.Fields{"user": ref.UserID, "board": ref.BoardID})
	ctx := c.Request().Context()
	ticker := time.NewTicker(h.Heartbeat)
	defer ticker.Stop()
	for {
		var (
			event string
			data  []byte
			err   error
		)
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return nil
		case v := <-sub.Views:
			event = "view"
			data, err = sonic.Marshal(v)
		case f := <-sub.Failures:
			event = "failure"
			data, err = sonic.Marshal(failureEvent{Mutation: f.Mutation, Revision: f.Revision, Error: f.Err.Error()})
		case <-ticker.C:
			if _, err := res.Write([]byte(":keepalive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
			continue
		}
		if err != nil {
			entry.WithError(err).Error("encode stream event")
			continue
		}
		if err := writeEvent(res, event, data); err != nil {
			entry.WithError(err).Debug("stream client gone")
			return nil
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, data []byte) error {
	if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}
