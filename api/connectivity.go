package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connectivity tracks store reachability by pinging it periodically.
type Connectivity struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *log.Logger
	online   atomic.Bool

	mu        sync.Mutex
	listeners []func(bool)
}

// NewConnectivity starts in the online state.
func NewConnectivity(p Pinger, interval time.Duration, logger *log.Logger) *Connectivity {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	c := &Connectivity{pinger: p, interval: interval, timeout: interval, logger: logger}
	c.online.Store(true)
	return c
}

// OnChange registers fn to be called with the new state after every
// transition.
func (c *Connectivity) OnChange(fn func(online bool)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Online reports the last observed state.
func (c *Connectivity) Online() bool { return c.online.Load() }

// Check pings the store once and records the result.
func (c *Connectivity) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.pinger.Ping(ctx)
	cancel()
	online := err == nil
	if c.online.Swap(online) == online {
		return online
	}
	if online {
		c.logger.Info("store reachable again")
	} else {
		c.logger.WithError(err).Warn("store unreachable; rejecting writes")
	}
	c.mu.Lock()
	listeners := append([]func(bool){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(online)
	}
	return online
}

// Run checks the store every interval until ctx is done.
func (c *Connectivity) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// RejectWritesWhenOffline answers 503 to every mutating request while the
// store is unreachable.
func (c *Connectivity) RejectWritesWhenOffline() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			switch ec.Request().Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				return next(ec)
			}
			if !c.Online() {
				return ec.String(http.StatusServiceUnavailable, "offline")
			}
			return next(ec)
		}
	}
}
