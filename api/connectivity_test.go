package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestConnectivityTransitions(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p := &fakePinger{}
	c := NewConnectivity(p, time.Hour, logger)

	var changes []bool
	c.OnChange(func(online bool) { changes = append(changes, online) })

	if !c.Check(context.Background()) || len(changes) != 0 {
		t.Fatalf("steady online state must not notify, got %v", changes)
	}
	p.down.Store(true)
	if c.Check(context.Background()) || c.Online() {
		t.Fatalf("expected offline")
	}
	c.Check(context.Background())
	p.down.Store(false)
	c.Check(context.Background())
	if len(changes) != 2 || changes[0] || !changes[1] {
		t.Fatalf("unexpected transitions %v", changes)
	}

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && e.Message == "store unreachable; rejecting writes" {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected offline warning")
	}
}

func TestConnectivityRunStopsWithContext(t *testing.T) {
	p := &fakePinger{}
	p.down.Store(true)
	c := NewConnectivity(p, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for c.Online() {
		if time.Now().After(deadline) {
			t.Fatalf("run never checked the store")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestRejectWritesWhenOffline(t *testing.T) {
	p := &fakePinger{}
	c := NewConnectivity(p, time.Hour, nil)
	e := echo.New()
	e.Use(c.RejectWritesWhenOffline())
	ok := func(ec echo.Context) error { return ec.NoContent(http.StatusOK) }
	e.GET("/", ok)
	e.POST("/", ok)

	p.down.Store(true)
	c.Check(context.Background())

	for method, want := range map[string]int{http.MethodGet: http.StatusOK, http.MethodPost: http.StatusServiceUnavailable} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(method, "/", nil))
		if rec.Code != want {
			t.Fatalf("%s: expected %d, got %d", method, want, rec.Code)
		}
	}
}
