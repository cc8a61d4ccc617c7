package storage

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Live turns a Documents backend into a Store by announcing every write on a
// RedisFeed and answering subscriptions with fresh listings.
type Live struct {
	Documents
	feed   *RedisFeed
	logger *log.Logger
}

// NewLive wires docs to feed.
func NewLive(docs Documents, feed *RedisFeed, logger *log.Logger) *Live {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Live{Documents: docs, feed: feed, logger: logger}
}

// Ping reports whether the change feed is reachable.
func (l *Live) Ping(ctx context.Context) error { return l.feed.Ping(ctx) }

func (l *Live) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	return l.announce(ctx, collection, l.Documents.Set(ctx, collection, id, fields))
}

func (l *Live) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return l.announce(ctx, collection, l.Documents.Update(ctx, collection, id, fields))
}

func (l *Live) Delete(ctx context.Context, collection, id string) error {
	return l.announce(ctx, collection, l.Documents.Delete(ctx, collection, id))
}

func (l *Live) AppendUnique(ctx context.Context, collection, id, field string, value any) error {
	return l.announce(ctx, collection, l.Documents.AppendUnique(ctx, collection, id, field, value))
}

func (l *Live) RemoveElement(ctx context.Context, collection, id, field string, value any) error {
	return l.announce(ctx, collection, l.Documents.RemoveElement(ctx, collection, id, field, value))
}

func (l *Live) Subscribe(ctx context.Context, collection string, fn func(Docs)) (func(), error) {
	return l.feed.Watch(ctx, collection, func() {
		docs, err := l.Documents.List(ctx, collection)
		if err != nil {
			l.logger.WithError(err).WithField("collection", collection).Error("list collection")
			return
		}
		fn(docs)
	})
}

// announce publishes a change for successful writes. Publish failures are
// logged, not returned.
func (l *Live) announce(ctx context.Context, collection string, err error) error {
	if err != nil {
		return err
	}
	if nerr := l.feed.Notify(ctx, collection); nerr != nil {
		l.logger.WithError(nerr).WithField("collection", collection).Warn("announce change")
	}
	return nil
}
