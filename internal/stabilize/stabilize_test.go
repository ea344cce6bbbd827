package stabilize

import (
	"testing"
	"time"
)

func TestEmbedCrew(t *testing.T) {
	cases := []struct {
		in, crew, want string
	}{
		{"Extraction", "Hector", "Extraction — Crew: Hector"},
		{"Extraction — Crew: Ramirez", "Hector", "Extraction — Crew: Hector"},
		{"Extraction - crew: old", "Hector", "Extraction — Crew: Hector"},
		{"Extraction", "", "Extraction"},
		// Crew names with regexp replacement syntax stay literal.
		{"Extraction — Crew: Old", "$1", "Extraction — Crew: $1"},
		{"Extraction", "Team $0", "Extraction — Crew: Team $0"},
	}
	for _, tc := range cases {
		if got := EmbedCrew(tc.in, tc.crew); got != tc.want {
			t.Fatalf("EmbedCrew(%q,%q) = %q, want %q", tc.in, tc.crew, got, tc.want)
		}
	}
}

func TestStripCrew(t *testing.T) {
	if got := StripCrew("Extraction — Crew: Hector"); got != "Extraction" {
		t.Fatalf("StripCrew = %q", got)
	}
	if got := StripCrew("Extraction"); got != "Extraction" {
		t.Fatalf("StripCrew without tag = %q", got)
	}
	if !HasCrew("Extraction — Crew: Hector") || HasCrew("Extraction") {
		t.Fatal("HasCrew misdetects")
	}
	if got := EmbeddedCrew("Extraction — Crew: Hector"); got != "Hector" {
		t.Fatalf("EmbeddedCrew = %q", got)
	}
}

func TestStepCorrectsUpToCeiling(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	rec := Record{DesiredCrew: "Hector", DesiredSubject: "Job — Crew: Hector", Expiry: now.Add(2 * time.Minute)}

	rewrites := 0
	for i := 0; i < 5; i++ {
		next, status, rewrite := Step(rec, "Job", now, 2)
		if status == Expired {
			break
		}
		if rewrite {
			rewrites++
		}
		rec = next
	}
	if rewrites != 2 {
		t.Fatalf("rewrites = %d, want the ceiling of 2", rewrites)
	}
}

func TestStepWindowExpiry(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	rec := Record{DesiredSubject: "Job — Crew: Hector", Expiry: now.Add(time.Minute)}
	_, status, rewrite := Step(rec, "Job", now.Add(2*time.Minute), 2)
	if status != Expired || rewrite {
		t.Fatalf("status=%v rewrite=%v", status, rewrite)
	}
}

func TestStepResolvedKeepsDefending(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	rec := Record{DesiredSubject: "Job — Crew: Hector", Expiry: now.Add(time.Minute)}
	next, status, rewrite := Step(rec, "Job — Crew: Hector", now, 2)
	if status != Resolved || rewrite {
		t.Fatalf("status=%v rewrite=%v", status, rewrite)
	}
	// A later revert within the window is still corrected.
	_, status, rewrite = Step(next, "Job", now.Add(30*time.Second), 2)
	if status != Armed || !rewrite {
		t.Fatalf("after revert: status=%v rewrite=%v", status, rewrite)
	}
}

func TestStoreObserve(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	s := NewStore(2*time.Minute, 2)
	s.Now = func() time.Time { return now }

	s.Arm("A1", "Hector", "Job — Crew: Hector")
	if !s.Armed("A1") {
		t.Fatal("not armed after Arm")
	}
	desired, rewrite := s.Observe("A1", "Job")
	if !rewrite || desired != "Job — Crew: Hector" {
		t.Fatalf("observe: desired=%q rewrite=%v", desired, rewrite)
	}
	if _, rewrite = s.Observe("A1", "Job"); !rewrite {
		t.Fatal("second correction refused below ceiling")
	}
	if _, rewrite = s.Observe("A1", "Job"); rewrite {
		t.Fatal("correction above ceiling")
	}
	// Ceiling reached: the record is dropped for this arm cycle.
	if s.Armed("A1") {
		t.Fatal("still armed after ceiling")
	}
	if _, rewrite = s.Observe("A1", "Job"); rewrite {
		t.Fatal("rewrite without a record")
	}
}

func TestStoreWindowElapsed(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	s := NewStore(time.Minute, 2)
	s.Now = func() time.Time { return now }

	s.Arm("A1", "Hector", "Job — Crew: Hector")
	now = now.Add(2 * time.Minute)
	if s.Armed("A1") {
		t.Fatal("armed past the window")
	}
	if _, rewrite := s.Observe("A1", "Job"); rewrite {
		t.Fatal("correction past the window")
	}
}
