package stabilize

import (
	"regexp"
	"strings"
)

// A crew tag is appended to the activity subject so field crews can read
// their assignment at a glance, e.g. "Extraction — Crew: Hector".
var crewTagRE = regexp.MustCompile(`(?i)\s*[—–-]+\s*crew:\s*(.*)$`)

const crewTagSep = " — Crew: "

// EmbedCrew rewrites subject to carry the crew tag, replacing an existing
// tag or appending one. The crew name is taken literally; it must never be
// treated as replacement syntax.
func EmbedCrew(subject, crew string) string {
	crew = strings.TrimSpace(crew)
	if crew == "" {
		return subject
	}
	return StripCrew(subject) + crewTagSep + crew
}

// StripCrew removes an embedded crew tag from a subject.
func StripCrew(subject string) string {
	return strings.TrimRight(crewTagRE.ReplaceAllString(subject, ""), " ")
}

// HasCrew reports whether a crew tag is embedded.
func HasCrew(subject string) bool {
	return crewTagRE.MatchString(subject)
}

// EmbeddedCrew returns the crew name carried by the subject, if any.
func EmbeddedCrew(subject string) string {
	m := crewTagRE.FindStringSubmatch(subject)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
