// Package dedup collapses repeated delivery of the same logical change
// notification. Upstream webhook delivery is at-least-once and frequently
// redelivers the same change seconds apart.
package dedup

import (
	"fmt"
	"time"

	"crewline/internal/domain"
)

// Filter is a bounded expiring key set. It is owned by a single engine
// instance and only ever touched from one task at a time, so it carries no
// lock; the check-and-insert must happen before any suspension point.
type Filter struct {
	// Bucket is the time-bucket width folded into the key: coarser than
	// network jitter, finer than legitimate re-edits.
	Bucket time.Duration
	// TTL is how long a seen key stays a duplicate.
	TTL time.Duration
	// MaxEntries triggers a lazy eviction sweep.
	MaxEntries int
	Now        func() time.Time

	entries map[string]time.Time
}

// New returns a filter with the given bucket width.
func New(bucket time.Duration) *Filter {
	return &Filter{
		Bucket:     bucket,
		TTL:        3 * bucket,
		MaxEntries: 4096,
		Now:        time.Now,
		entries:    map[string]time.Time{},
	}
}

// AlreadyHandled reports whether this notification was seen before within
// its bucket. The first observation stores the key and reports false; the
// same key before expiry reports true. A stored expiry is never refreshed.
func (f *Filter) AlreadyHandled(meta domain.NotificationMeta, act domain.Activity) bool {
	now := f.now()
	key := f.key(meta, act, now)
	if exp, ok := f.entries[key]; ok && now.Before(exp) {
		return true
	}
	f.sweep(now)
	f.entries[key] = now.Add(f.ttl())
	return false
}

// Len reports the current entry count, for the status surface.
func (f *Filter) Len() int { return len(f.entries) }

func (f *Filter) key(meta domain.NotificationMeta, act domain.Activity, now time.Time) string {
	bucket := now.Truncate(f.bucket()).Unix()
	return fmt.Sprintf("%s|%s|%s|%s|%t|%d",
		act.ID, meta.Timestamp, meta.RequestID, act.UpdateTime, act.Done, bucket)
}

func (f *Filter) sweep(now time.Time) {
	if f.MaxEntries <= 0 || len(f.entries) < f.MaxEntries {
		return
	}
	for key, exp := range f.entries {
		if !now.Before(exp) {
			delete(f.entries, key)
		}
	}
}

func (f *Filter) bucket() time.Duration {
	if f.Bucket <= 0 {
		return 20 * time.Second
	}
	return f.Bucket
}

func (f *Filter) ttl() time.Duration {
	if f.TTL <= 0 {
		return 3 * f.bucket()
	}
	return f.TTL
}

func (f *Filter) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}
