package syncer

import (
	"sync/atomic"
	"time"
)

var lastTimestamp int64

// nextRevision returns a strictly increasing unix nanosecond timestamp. It
// tags optimistic snapshots and the updatedAt field of every write.
func nextRevision() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}
