// Package api exposes boards over HTTP: JSON endpoints for every intent and
// a server-sent event stream of board views.
package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/x7ddf74479jn5/simple-kanban-planner/domain"
	"github.com/x7ddf74479jn5/simple-kanban-planner/reorder"
	"github.com/x7ddf74479jn5/simple-kanban-planner/syncer"
)

// MaxBodySize bounds request bodies after decompression.
const MaxBodySize = 64 << 10

const (
	defaultReadyTimeout = 5 * time.Second
	headerIdempotency   = "Idempotency-Key"
)

// Deps are the collaborators of the HTTP handlers. Deduper and Conn are
// optional.
type Deps struct {
	Boards  *syncer.BoardService
	Views   *Views
	Auth    Authenticator
	Deduper Deduper
	Conn    *Connectivity
	Logger  *log.Logger

	ReadyTimeout time.Duration
	Heartbeat    time.Duration
}

type handlers struct {
	Deps
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.ReadyTimeout <= 0 {
		d.ReadyTimeout = defaultReadyTimeout
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 30 * time.Second
	}
	h := &handlers{Deps: d}

	e.GET("/healthz", h.healthz)

	g := e.Group("/api", h.authenticate)
	if d.Conn != nil {
		g.Use(d.Conn.RejectWritesWhenOffline())
	}
	g.GET("/boards", h.listBoards)
	g.POST("/boards", h.createBoard)
	g.POST("/boards/seed", h.seedBoard)
	g.PATCH("/boards/:board", h.renameBoard)
	g.DELETE("/boards/:board", h.deleteBoard)

	g.GET("/boards/:board/stream", h.stream)
	g.GET("/boards/:board/snapshot", h.snapshot)
	g.POST("/boards/:board/moves", h.move)

	g.POST("/boards/:board/columns", h.createColumn)
	g.PATCH("/boards/:board/columns/:column", h.renameColumn)
	g.DELETE("/boards/:board/columns/:column", h.deleteColumn)

	g.POST("/boards/:board/tasks", h.createTask)
	g.PATCH("/boards/:board/tasks/:task", h.updateTask)
	g.DELETE("/boards/:board/columns/:column/tasks/:task", h.deleteTask)

	g.POST("/boards/:board/tasks/:task/todos", h.addTodo)
	g.POST("/boards/:board/tasks/:task/todos/moves", h.moveTodo)
	g.PATCH("/boards/:board/tasks/:task/todos/:todo", h.toggleTodo)
	g.DELETE("/boards/:board/tasks/:task/todos/:todo", h.removeTodo)
}

const userIDKey = "userID"

func (h *handlers) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		userID, err := h.Auth.UserIDFromAuthHeader(authHeader(c))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		c.Set(userIDKey, userID)
		c.Set("authDuration", time.Since(start))
		return next(c)
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}

func boardRef(c echo.Context) domain.BoardRef {
	return domain.BoardRef{UserID: userID(c), BoardID: c.Param("board")}
}

func (h *handlers) healthz(c echo.Context) error {
	if h.Conn != nil && !h.Conn.Online() {
		return c.String(http.StatusServiceUnavailable, "store unreachable")
	}
	return c.NoContent(http.StatusOK)
}

func decodeBody(c echo.Context, v any) error {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return &domain.ValidationError{Constraint: "json", Err: err}
	}
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Constraint: "json", Err: err}
	}
	return nil
}

// errorStatus maps domain and sync errors to HTTP status codes.
func errorStatus(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case domain.IsValidation(err), errors.Is(err, reorder.ErrUnknownIntent):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reorder.ErrStaleIntent),
		errors.Is(err, reorder.ErrUnknownColumn),
		errors.Is(err, reorder.ErrIndexOutOfRange),
		errors.Is(err, reorder.ErrUnknownTodo),
		errors.Is(err, syncer.ErrNotReady),
		domain.IsIntegrity(err):
		return http.StatusConflict
	case errors.Is(err, syncer.ErrOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) fail(c echo.Context, err error) error {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.WithError(err).WithFields(log.Fields{
			"method": c.Request().Method,
			"path":   c.Path(),
			"user":   userID(c),
		}).Error("request failed")
	}
	return c.String(status, err.Error())
}

type boardBody struct {
	Name string `json:"name"`
}

func (h *handlers) listBoards(c echo.Context) error {
	boards, err := h.Boards.ListBoards(c.Request().Context(), userID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, boards)
}

func (h *handlers) createBoard(c echo.Context) error {
	var body boardBody
	if err := decodeBody(c, &body); err != nil {
		return h.fail(c, err)
	}
	b, err := h.Boards.CreateBoard(c.Request().Context(), userID(c), body.Name)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *handlers) seedBoard(c echo.Context) error {
	b, err := h.Boards.SeedWelcomeBoard(c.Request().Context(), userID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *handlers) renameBoard(c echo.Context) error {
	var body boardBody
	if err := decodeBody(c, &body); err != nil {
		return h.fail(c, err)
	}
	if err := h.Boards.RenameBoard(c.Request().Context(), boardRef(c), body.Name); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *handlers) deleteBoard(c echo.Context) error {
	if err := h.Boards.DeleteBoard(c.Request().Context(), boardRef(c)); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type columnBody struct {
	Title string `json:"title"`
}

func (h *handlers) createColumn(c echo.Context) error {
	var body columnBody
	if err := decodeBody(c, &body); err != nil {
		return h.fail(c, err)
	}
	col, err := h.Boards.CreateColumn(c.Request().Context(), boardRef(c), body.Title)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, col)
}

func (h *handlers) renameColumn(c echo.Context) error {
	var body columnBody
	if err := decodeBody(c, &body); err != nil {
		return h.fail(c, err)
	}
	if err := h.Boards.RenameColumn(c.Request().Context(), boardRef(c), c.Param("column"), body.Title); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *handlers) deleteColumn(c echo.Context) error {
	if err := h.Boards.DeleteColumn(c.Request().Context(), boardRef(c), c.Param("column")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type createTaskBody struct {
	ColumnID string `json:"columnId"`
	syncer.TaskInput
}

func (h *handlers) createTask(c echo.Context) error {
	var body createTaskBody
	if err := decodeBody(c, &body); err != nil {
		return h.fail(c, err)
	}
	task, err := h.Boards.CreateTask(c.Request().Context(), boardRef(c), body.ColumnID, body.TaskInput)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

func (h *handlers) updateTask(c echo.Context) error {
	var patch syncer.TaskPatch
	if err := decodeBody(c, &patch); err != nil {
		return h.fail(c, err)
	}
	if err := h.Boards.UpdateTask(c.Request().Context(), boardRef(c), c.Param("task"), patch); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) deleteTask(c echo.Context) error {
	if err := h.Boards.DeleteTask(c.Request().Context(), boardRef(c), c.Param("column"), c.Param("task")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// withView runs fn against the loaded controller of the request's board.
func (h *handlers) withView(c echo.Context, fn func(*syncer.Controller) (syncer.View, error)) (syncer.View, error) {
	ctrl, release, err := h.Views.Acquire(boardRef(c))
	if err != nil {
		return syncer.View{}, err
	}
	defer release()
	v, err := awaitLoaded(c.Request().Context(), ctrl, h.ReadyTimeout)
	if err != nil {
		return v, err
	}
	if v.State == syncer.StateFailed {
		return v, &domain.IntegrityError{Reason: v.Err}
	}
	return fn(ctrl)
}

func (h *handlers) snapshot(c echo.Context) error {
	v, err := h.withView(c, func(ctrl *syncer.Controller) (syncer.View, error) {
		return ctrl.View(), nil
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *handlers) move(c echo.Context) (err error) {
	ctx := c.Request().Context()
	metrics, spanCtx := newMoveRequestMetrics(ctx, h.Logger)
	c.SetRequest(c.Request().WithContext(spanCtx))
	defer func() {
		status := c.Response().Status
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
		}
		metrics.Log(status, err)
	}()
	if d, ok := c.Get("authDuration").(time.Duration); ok {
		metrics.ObserveAuth(d)
	}

	var in reorder.Intent
	if err := decodeBody(c, &in); err != nil {
		metrics.SetErrorStage("decode")
		return h.fail(c, err)
	}
	metrics.SetIntentType(string(in.Type))

	key := c.Request().Header.Get(headerIdempotency)
	dedupe := key != "" && h.Deduper != nil
	if dedupe {
		added, derr := h.Deduper.Add(spanCtx, userID(c), key)
		if derr != nil {
			// proceed without deduplication
			h.Logger.WithError(derr).Warn("idempotency check failed")
			dedupe = false
		} else if !added {
			metrics.SetDuplicate(true)
			v, verr := h.withView(c, func(ctrl *syncer.Controller) (syncer.View, error) { return ctrl.View(), nil })
			if verr != nil {
				metrics.SetErrorStage("view")
				return h.fail(c, verr)
			}
			return c.JSON(http.StatusOK, v)
		}
	}

	applyStart := time.Now()
	var before int64
	v, applyErr := h.withView(c, func(ctrl *syncer.Controller) (syncer.View, error) {
		before = ctrl.View().Revision
		return ctrl.ApplyMove(spanCtx, in)
	})
	metrics.ObserveApply(time.Since(applyStart))
	if applyErr != nil {
		metrics.SetErrorStage("apply")
		if dedupe {
			if rerr := h.Deduper.Remove(context.WithoutCancel(spanCtx), userID(c), key); rerr != nil {
				h.Logger.WithError(rerr).Warn("release idempotency key")
			}
		}
		return h.fail(c, applyErr)
	}
	metrics.SetChanged(v.Revision != before)
	return c.JSON(http.StatusOK, v)
}

type todoBody struct {
	Task string `json:"task"`
}

type todoMoveBody struct {
	From int  `json:"from"`
	To   *int `json:"to"`
}

func (h *handlers) respondView(c echo.Context, fn func(*syncer.Controller) (syncer.View, error)) error {
	v, err := h.withView(c, fn)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *handlers) addTodo(c echo.Context) error {
	var body todoBody
	if err := decodeBody(c, &body); err != nil {
		return h.fail(c, err)
	}
	return h.respondView(c, func(ctrl *syncer.Controller) (syncer.View, error) {
		return ctrl.AddTodo(c.Request().Context(), c.Param("task"), body.Task)
	})
}

func (h *handlers) moveTodo(c echo.Context) error {
	var body todoMoveBody
	if err := decodeBody(c, &body); err != nil {
		return h.fail(c, err)
	}
	return h.respondView(c, func(ctrl *syncer.Controller) (syncer.View, error) {
		return ctrl.MoveTodo(c.Request().Context(), c.Param("task"), body.From, body.To)
	})
}

func (h *handlers) toggleTodo(c echo.Context) error {
	return h.respondView(c, func(ctrl *syncer.Controller) (syncer.View, error) {
		return ctrl.ToggleTodo(c.Request().Context(), c.Param("task"), c.Param("todo"))
	})
}

func (h *handlers) removeTodo(c echo.Context) error {
	return h.respondView(c, func(ctrl *syncer.Controller) (syncer.View, error) {
		return ctrl.RemoveTodo(c.Request().Context(), c.Param("task"), c.Param("todo"))
	})
}
