// Package assign derives which crew owns an activity. Resolution is a pure
// function of the activity, its deal and the static team tables; it is
// recomputed on every pipeline run because upstream data may change.
package assign

import (
	"sort"
	"strconv"
	"strings"

	"crewline/internal/domain"
)

// Custom-field keys in the record system are fixed-length hex strings.
const hexKeyLen = 40

// Resolver holds the static team tables.
type Resolver struct {
	// TeamNames maps team id to display name.
	TeamNames map[int64]string
	// Channels maps lowercased team name to chat channel id. Teams without
	// a channel still resolve; some slots are deliberately unrouted.
	Channels map[string]string
	// ActivityFieldKey is the activity-level assignment field.
	ActivityFieldKey string
	// DealFieldKey is the deal-level assignment field, which some setups
	// mirror onto activity payloads.
	DealFieldKey string
}

// Resolve determines the crew assignment. Precedence, first match wins:
// explicit activity field, mirrored deal field on the activity, a linear
// probe of hex-shaped activity fields, the deal's own assignment field
// (when allowed), then the owner display name.
func (r Resolver) Resolve(act domain.Activity, deal *domain.Deal, allowDealFallback bool) domain.Resolution {
	if r.ActivityFieldKey != "" {
		if id, ok := r.decode(act.Fields[r.ActivityFieldKey]); ok {
			return r.resolution(id, domain.SourceActivity)
		}
	}
	if r.DealFieldKey != "" {
		if id, ok := r.decode(act.Fields[r.DealFieldKey]); ok {
			return r.resolution(id, domain.SourceActivity)
		}
	}
	// Defensive fallback for schema drift: probe every hex-shaped key.
	keys := make([]string, 0, len(act.Fields))
	for key := range act.Fields {
		if isHexKey(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		if id, ok := r.decode(act.Fields[key]); ok {
			return r.resolution(id, domain.SourceActivity)
		}
	}
	if allowDealFallback && deal != nil && r.DealFieldKey != "" {
		if id, ok := r.decode(deal.Fields[r.DealFieldKey]); ok {
			return r.resolution(id, domain.SourceDeal)
		}
	}
	if owner := strings.TrimSpace(act.OwnerName); owner != "" {
		if id, ok := r.idByName(owner); ok {
			return r.resolution(id, domain.SourceOwner)
		}
	}
	return domain.Resolution{Source: domain.SourceNone}
}

// decode maps a raw field value to a known team id. Numbers pass through,
// numeric strings parse, anything else is matched against the name table.
func (r Resolver) decode(f domain.RawField) (int64, bool) {
	switch f.Kind {
	case domain.FieldNumber:
		return r.knownID(int64(f.Number))
	case domain.FieldText:
		return r.decodeText(f.Text)
	case domain.FieldLabeled:
		if f.Text != "" {
			if id, ok := r.decodeText(f.Text); ok {
				return id, ok
			}
		}
		if f.Number != 0 {
			if id, ok := r.knownID(int64(f.Number)); ok {
				return id, ok
			}
		}
		return r.decodeText(f.Label)
	}
	return 0, false
}

func (r Resolver) decodeText(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return r.knownID(n)
	}
	return r.idByName(s)
}

func (r Resolver) knownID(id int64) (int64, bool) {
	if _, ok := r.TeamNames[id]; !ok {
		return 0, false
	}
	return id, true
}

func (r Resolver) idByName(name string) (int64, bool) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for id, teamName := range r.TeamNames {
		if strings.ToLower(teamName) == lower {
			return id, true
		}
	}
	return 0, false
}

func (r Resolver) resolution(id int64, source domain.Source) domain.Resolution {
	name := r.TeamNames[id]
	return domain.Resolution{
		TeamID:   id,
		TeamName: name,
		Channel:  r.Channels[strings.ToLower(name)],
		Source:   source,
	}
}

func isHexKey(key string) bool {
	if len(key) != hexKeyLen {
		return false
	}
	for _, c := range key {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
