package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const feedChannelPrefix = "kanban:changes:"

// RedisFeed announces collection changes over Redis pub/sub, one channel per
// collection. Messages carry no payload; watchers re-list the collection.
type RedisFeed struct {
	rc     *redis.Client
	logger *log.Logger
	retry  time.Duration
}

// NewRedisFeed creates a change feed on the given Redis client.
func NewRedisFeed(rc *redis.Client, logger *log.Logger) *RedisFeed {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisFeed{rc: rc, logger: logger, retry: time.Second}
}

func feedChannel(collection string) string { return feedChannelPrefix + collection }

// Notify announces that collection changed.
func (f *RedisFeed) Notify(ctx context.Context, collection string) error {
	return f.rc.Publish(ctx, feedChannel(collection), "1").Err()
}

// Ping checks that Redis is reachable.
func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.rc.Ping(ctx).Err()
}

// Watch calls fn once the subscription is confirmed, after every change
// announcement and after every resubscribe. Calls are serialized and bursts
// of announcements collapse into one call.
func (f *RedisFeed) Watch(ctx context.Context, collection string, fn func()) (func(), error) {
	sub := f.rc.Subscribe(ctx, feedChannel(collection))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	pending := make(chan struct{}, 1)
	kick := func() {
		select {
		case pending <- struct{}{}:
		default:
		}
	}
	kick()
	go f.listen(ctx, sub, collection, kick)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pending:
				if ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}()
	return cancel, nil
}

func (f *RedisFeed) listen(ctx context.Context, sub *redis.PubSub, collection string, kick func()) {
	for {
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case _, ok := <-ch:
				if !ok {
					break recv
				}
				kick()
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		f.logger.WithField("collection", collection).Error("change feed closed, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.retry):
		}
		sub = f.rc.Subscribe(ctx, feedChannel(collection))
		kick()
	}
}
