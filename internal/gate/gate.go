// Package gate composes the publish/no-publish decision: type policy,
// subject blocklist, parent-active check and due-date check, short-circuiting
// on the first failing check.
package gate

import (
	"strings"

	"crewline/internal/domain"
	"crewline/internal/duedate"
	"crewline/internal/stabilize"
)

// Verdict is the gating outcome for one activity and target date.
type Verdict int

const (
	// Publish: all checks passed.
	Publish Verdict = iota
	// Skip: silently drop with no side effect.
	Skip
	// SkipRetract: drop and retract a previous publish; the activity was
	// published before but no longer qualifies (e.g. rescheduled away).
	SkipRetract
)

func (v Verdict) String() string {
	switch v {
	case Publish:
		return "publish"
	case SkipRetract:
		return "skip-retract"
	}
	return "skip"
}

// Policy holds the configured gates.
type Policy struct {
	// AllowedTypes, when set, is an explicit allow-list; otherwise
	// BlockedTypes is consulted; otherwise every type passes.
	AllowedTypes []string
	BlockedTypes []string
	// BlockedSubjects are matched against the crew-tag-stripped,
	// case/whitespace-normalized subject.
	BlockedSubjects []string
}

// Blocked runs the first two gates, type policy and subject blocklist.
// A blocked activity is dropped before resolution or any external call.
func (p Policy) Blocked(act domain.Activity) bool {
	return !p.typeAllowed(act.Type) || p.subjectBlocked(act.Subject)
}

// Check runs the gates in order against the target calendar date
// (reference zone, 2006-01-02). An undated activity fails the date check.
func (p Policy) Check(act domain.Activity, deal *domain.Deal, due duedate.Due, dated bool, targetDate string) Verdict {
	if p.Blocked(act) {
		return Skip
	}
	if !deal.Active() {
		return Skip
	}
	if !dated || due.Date != targetDate {
		return SkipRetract
	}
	return Publish
}

func (p Policy) typeAllowed(typ string) bool {
	typ = strings.ToLower(strings.TrimSpace(typ))
	if len(p.AllowedTypes) > 0 {
		for _, allowed := range p.AllowedTypes {
			if strings.ToLower(strings.TrimSpace(allowed)) == typ {
				return true
			}
		}
		return false
	}
	for _, blocked := range p.BlockedTypes {
		if strings.ToLower(strings.TrimSpace(blocked)) == typ {
			return false
		}
	}
	return true
}

func (p Policy) subjectBlocked(subject string) bool {
	normalized := NormalizeSubject(subject)
	for _, blocked := range p.BlockedSubjects {
		if NormalizeSubject(blocked) == normalized {
			return true
		}
	}
	return false
}

// NormalizeSubject strips any crew tag and folds case and whitespace, the
// form blocklist entries are compared in.
func NormalizeSubject(subject string) string {
	stripped := stabilize.StripCrew(subject)
	return strings.Join(strings.Fields(strings.ToLower(stripped)), " ")
}
