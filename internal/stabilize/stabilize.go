// Package stabilize defends a subject rewrite against external reverts for
// a bounded window. Some record systems run automations that overwrite a
// label shortly after our own write; the stabilizer re-issues the rewrite a
// bounded number of times.
package stabilize

import "time"

// Status is the per-activity stabilizer state.
type Status int

const (
	Unarmed Status = iota
	Armed
	Resolved
	Expired
)

func (s Status) String() string {
	switch s {
	case Armed:
		return "armed"
	case Resolved:
		return "resolved"
	case Expired:
		return "expired"
	}
	return "unarmed"
}

// Record is an armed stabilizer: the label we wrote and how long we will
// keep correcting it.
type Record struct {
	DesiredCrew    string
	DesiredSubject string
	Expiry         time.Time
	Attempts       int
}

// Step is the pure transition function. Given an armed record, the freshly
// observed subject and the clock, it returns the successor record, the
// status, and whether a corrective rewrite should be issued now.
func Step(rec Record, observed string, now time.Time, maxAttempts int) (Record, Status, bool) {
	if !now.Before(rec.Expiry) {
		return Record{}, Expired, false
	}
	if observed == rec.DesiredSubject {
		return rec, Resolved, false
	}
	if rec.Attempts >= maxAttempts {
		return Record{}, Expired, false
	}
	rec.Attempts++
	return rec, Armed, true
}

// Store holds armed records keyed by activity id.
type Store struct {
	Window      time.Duration
	MaxAttempts int
	Now         func() time.Time

	records map[string]Record
}

// NewStore returns a store with the given defence window and rewrite
// ceiling per arm cycle.
func NewStore(window time.Duration, maxAttempts int) *Store {
	return &Store{
		Window:      window,
		MaxAttempts: maxAttempts,
		Now:         time.Now,
		records:     map[string]Record{},
	}
}

// Arm records a freshly issued rewrite with zero attempts used.
func (s *Store) Arm(activityID, crew, subject string) {
	s.records[activityID] = Record{
		DesiredCrew:    crew,
		DesiredSubject: subject,
		Expiry:         s.now().Add(s.Window),
	}
}

// Observe feeds the freshly fetched subject through the state machine.
// It reports the desired subject and whether a corrective rewrite is due.
// Expired records are dropped; a later run may re-arm.
func (s *Store) Observe(activityID, observed string) (string, bool) {
	rec, ok := s.records[activityID]
	if !ok {
		return "", false
	}
	next, status, rewrite := Step(rec, observed, s.now(), s.MaxAttempts)
	if status == Expired {
		delete(s.records, activityID)
		return "", false
	}
	s.records[activityID] = next
	if !rewrite {
		return "", false
	}
	return next.DesiredSubject, true
}

// DesiredCrew returns the crew an armed record is defending.
func (s *Store) DesiredCrew(activityID string) (string, bool) {
	rec, ok := s.records[activityID]
	if !ok {
		return "", false
	}
	return rec.DesiredCrew, true
}

// Armed reports whether a record is currently armed for the activity.
func (s *Store) Armed(activityID string) bool {
	rec, ok := s.records[activityID]
	return ok && s.now().Before(rec.Expiry)
}

// Drop discards the record for an activity.
func (s *Store) Drop(activityID string) { delete(s.records, activityID) }

// Len reports the current record count, for the status surface.
func (s *Store) Len() int { return len(s.records) }

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
