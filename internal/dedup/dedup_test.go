package dedup

import (
	"testing"
	"time"

	"crewline/internal/domain"
)

func TestDuplicateWithinBucket(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	f := New(20 * time.Second)
	f.Now = func() time.Time { return now }

	meta := domain.NotificationMeta{Timestamp: "2026-08-29T10:00:00Z", RequestID: "r-1"}
	act := domain.Activity{ID: "A1", UpdateTime: "2026-08-29 09:59:58", Done: false}

	if f.AlreadyHandled(meta, act) {
		t.Fatal("first sight flagged duplicate")
	}
	now = now.Add(3 * time.Second)
	if !f.AlreadyHandled(meta, act) {
		t.Fatal("redelivery within bucket not flagged")
	}
}

func TestDifferentBucketsBothProcess(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	f := New(20 * time.Second)
	f.Now = func() time.Time { return now }

	meta := domain.NotificationMeta{Timestamp: "t", RequestID: "r"}
	act := domain.Activity{ID: "A1"}

	if f.AlreadyHandled(meta, act) {
		t.Fatal("first sight flagged duplicate")
	}
	now = now.Add(40 * time.Second)
	if f.AlreadyHandled(meta, act) {
		t.Fatal("different bucket flagged duplicate")
	}
}

func TestDistinctKeysNotDuplicates(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	f := New(20 * time.Second)
	f.Now = func() time.Time { return now }

	meta := domain.NotificationMeta{RequestID: "r"}
	if f.AlreadyHandled(meta, domain.Activity{ID: "A1"}) {
		t.Fatal("first A1 flagged")
	}
	if f.AlreadyHandled(meta, domain.Activity{ID: "A2"}) {
		t.Fatal("A2 collided with A1")
	}
	// A changed update-instant is a new logical change.
	if f.AlreadyHandled(meta, domain.Activity{ID: "A1", UpdateTime: "later"}) {
		t.Fatal("changed update time collided")
	}
}

func TestSweepEvictsExpired(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	f := New(20 * time.Second)
	f.MaxEntries = 2
	f.Now = func() time.Time { return now }

	f.AlreadyHandled(domain.NotificationMeta{}, domain.Activity{ID: "A1"})
	f.AlreadyHandled(domain.NotificationMeta{}, domain.Activity{ID: "A2"})
	now = now.Add(5 * time.Minute)
	f.AlreadyHandled(domain.NotificationMeta{}, domain.Activity{ID: "A3"})
	if f.Len() != 1 {
		t.Fatalf("len = %d after sweep", f.Len())
	}
}
