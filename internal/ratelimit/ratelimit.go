// Package ratelimit answers whether a sender may send one more email in the
// current UTC hour. Counters are keyed by sender and hour bucket and expire on
// their own after two bucket widths.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

const (
	BucketWidth = time.Hour
	counterTTL  = 2 * BucketWidth
)

// Decision is the admission answer for one send.
type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Limiter admits or denies one send for a sender.
type Limiter interface {
	Admit(ctx context.Context, senderID string, limit int) (Decision, error)
}

// BucketKey is the counter key for senderID in the hour containing t.
func BucketKey(senderID string, t time.Time) string {
	return fmt.Sprintf("rate:%s:%s", senderID, t.UTC().Format("2006010215"))
}

// UntilNextBucket is the time left until the next UTC hour boundary.
func UntilNextBucket(t time.Time) time.Duration {
	t = t.UTC()
	return t.Truncate(BucketWidth).Add(BucketWidth).Sub(t)
}

// decide applies the increment-then-compare rule: a denied send still used a slot.
func decide(count int64, limit int, now time.Time) Decision {
	if count > int64(limit) {
		return Decision{Allowed: false, Count: count, RetryAfter: UntilNextBucket(now)}
	}
	return Decision{Allowed: true, Count: count}
}
