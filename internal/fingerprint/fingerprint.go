// Package fingerprint gates publishing on whether the activity tuple has
// changed since the last publish. It absorbs duplicate notifications that
// slip past the dedup filter and redundant fan-out passes triggered by
// unrelated deal edits.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Fields is the tuple that determines whether a publish is "new". Subject
// is the raw label, crew tag included.
type Fields struct {
	Subject  string
	DueDate  string
	DueTime  string
	TeamName string
	DealID   string
	Note     string
}

// Digest returns the deterministic fingerprint for the tuple.
func (f Fields) Digest() string {
	composite := strings.Join([]string{
		f.Subject, f.DueDate, f.DueTime, f.TeamName, f.DealID, noteHash(f.Note),
	}, "\x1f")
	sum := sha256.Sum256([]byte(composite))
	return hex.EncodeToString(sum[:])
}

type entry struct {
	digest string
	expiry time.Time
}

// Gate stores the last published fingerprint per activity id.
type Gate struct {
	TTL        time.Duration
	MaxEntries int
	Now        func() time.Time

	entries map[string]entry
}

// New returns a gate whose stored fingerprints expire after ttl.
func New(ttl time.Duration) *Gate {
	return &Gate{
		TTL:        ttl,
		MaxEntries: 4096,
		Now:        time.Now,
		entries:    map[string]entry{},
	}
}

// ShouldPublish reports whether the tuple differs from the last published
// one. A true result stores the fresh fingerprint as a side effect; first
// sight always publishes.
func (g *Gate) ShouldPublish(activityID string, f Fields) bool {
	now := g.now()
	digest := f.Digest()
	if cur, ok := g.entries[activityID]; ok && now.Before(cur.expiry) && cur.digest == digest {
		return false
	}
	g.sweep(now)
	g.entries[activityID] = entry{digest: digest, expiry: now.Add(g.ttl())}
	return true
}

// Forget drops the stored fingerprint for an activity.
func (g *Gate) Forget(activityID string) { delete(g.entries, activityID) }

// Len reports the current entry count, for the status surface.
func (g *Gate) Len() int { return len(g.entries) }

func (g *Gate) sweep(now time.Time) {
	if g.MaxEntries <= 0 || len(g.entries) < g.MaxEntries {
		return
	}
	for key, cur := range g.entries {
		if !now.Before(cur.expiry) {
			delete(g.entries, key)
		}
	}
}

func (g *Gate) ttl() time.Duration {
	if g.TTL <= 0 {
		return 30 * time.Minute
	}
	return g.TTL
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

var tagRE = regexp.MustCompile(`<[^>]*>`)

// noteHash is a bounded-length rolling hash over the plain-text note body,
// so long rich-text notes do not blow up the composite.
func noteHash(note string) string {
	plain := strings.TrimSpace(tagRE.ReplaceAllString(note, " "))
	var h uint64 = 1469598103934665603 // FNV-1a
	for i := 0; i < len(plain); i++ {
		h ^= uint64(plain[i])
		h *= 1099511628211
	}
	return fmt.Sprintf("%d:%016x", len(plain), h)
}
