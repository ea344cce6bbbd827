package assign

import (
	"testing"

	"crewline/internal/domain"
)

const (
	actKey  = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	dealKey = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func newResolver() Resolver {
	return Resolver{
		TeamNames: map[int64]string{
			17: "Hector",
			18: "Ramirez",
		},
		Channels: map[string]string{
			"hector": "C1",
		},
		ActivityFieldKey: actKey,
		DealFieldKey:     dealKey,
	}
}

func number(n float64) domain.RawField {
	return domain.RawField{Kind: domain.FieldNumber, Number: n}
}

func text(s string) domain.RawField {
	return domain.RawField{Kind: domain.FieldText, Text: s}
}

func TestActivityFieldWinsOverDeal(t *testing.T) {
	r := newResolver()
	act := domain.Activity{ID: "A1", Fields: map[string]domain.RawField{actKey: number(17)}}
	deal := &domain.Deal{ID: "D1", Fields: map[string]domain.RawField{dealKey: number(18)}}
	res := r.Resolve(act, deal, true)
	if res.TeamName != "Hector" || res.Source != domain.SourceActivity {
		t.Fatalf("res = %+v", res)
	}
	if res.Channel != "C1" {
		t.Fatalf("channel = %s", res.Channel)
	}
}

func TestDealFallback(t *testing.T) {
	r := newResolver()
	act := domain.Activity{ID: "A1", Fields: map[string]domain.RawField{}}
	deal := &domain.Deal{ID: "D1", Fields: map[string]domain.RawField{dealKey: number(18)}}
	res := r.Resolve(act, deal, true)
	if res.TeamName != "Ramirez" || res.Source != domain.SourceDeal {
		t.Fatalf("res = %+v", res)
	}
	// Ramirez has no channel configured; the team still resolves.
	if res.Channel != "" {
		t.Fatalf("channel = %s", res.Channel)
	}
	if got := r.Resolve(act, deal, false); got.Source != domain.SourceNone {
		t.Fatalf("fallback disabled but resolved: %+v", got)
	}
}

func TestOwnerNameFallback(t *testing.T) {
	r := newResolver()
	act := domain.Activity{ID: "A1", OwnerName: "hector", Fields: map[string]domain.RawField{}}
	res := r.Resolve(act, nil, true)
	if res.TeamName != "Hector" || res.Source != domain.SourceOwner {
		t.Fatalf("res = %+v", res)
	}
	act.OwnerName = "Someone Else"
	if got := r.Resolve(act, nil, true); got.Source != domain.SourceNone {
		t.Fatalf("unknown owner resolved: %+v", got)
	}
}

func TestDecodeShapes(t *testing.T) {
	r := newResolver()
	cases := []struct {
		name  string
		field domain.RawField
		team  string
	}{
		{"numeric", number(17), "Hector"},
		{"numeric string", text("17"), "Hector"},
		{"label", text("Ramirez"), "Ramirez"},
		{"label case-insensitive", text("RAMIREZ"), "Ramirez"},
		{"labeled wrapper", domain.RawField{Kind: domain.FieldLabeled, Number: 18}, "Ramirez"},
		{"labeled by label", domain.RawField{Kind: domain.FieldLabeled, Label: "Hector"}, "Hector"},
	}
	for _, tc := range cases {
		act := domain.Activity{ID: "A1", Fields: map[string]domain.RawField{actKey: tc.field}}
		res := r.Resolve(act, nil, true)
		if res.TeamName != tc.team {
			t.Fatalf("%s: got %+v", tc.name, res)
		}
	}
}

func TestUnknownValueDoesNotResolve(t *testing.T) {
	r := newResolver()
	act := domain.Activity{ID: "A1", Fields: map[string]domain.RawField{actKey: number(99)}}
	res := r.Resolve(act, nil, true)
	if res.Resolved() || res.Source != domain.SourceNone {
		t.Fatalf("res = %+v", res)
	}
}

func TestHexKeyProbe(t *testing.T) {
	r := newResolver()
	r.ActivityFieldKey = ""
	r.DealFieldKey = ""
	act := domain.Activity{ID: "A1", Fields: map[string]domain.RawField{
		"cccccccccccccccccccccccccccccccccccccccc": number(17),
		"not-a-hex-key": number(18),
	}}
	res := r.Resolve(act, nil, true)
	if res.TeamName != "Hector" || res.Source != domain.SourceActivity {
		t.Fatalf("res = %+v", res)
	}
}
