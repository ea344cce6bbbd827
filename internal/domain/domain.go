package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

// FieldKind tags the shapes an enum-style CRM field value can arrive in.
type FieldKind int

const (
	FieldAbsent FieldKind = iota
	FieldNumber
	FieldText
	FieldLabeled
)

// RawField is the sum of the value shapes the record system emits for
// custom fields: a bare number, a bare string, or a {value,label} wrapper.
type RawField struct {
	Kind   FieldKind
	Number float64
	Text   string
	Label  string
}

// UnmarshalJSON is total: any shape it does not recognize decodes to Absent.
func (f *RawField) UnmarshalJSON(data []byte) error {
	*f = RawField{}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		*f = RawField{Kind: FieldText, Text: s}
	case '{':
		var wrapper struct {
			Value json.RawMessage `json:"value"`
			Label string          `json:"label"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil
		}
		inner := RawField{}
		_ = inner.UnmarshalJSON(wrapper.Value)
		f.Kind = FieldLabeled
		f.Label = wrapper.Label
		switch inner.Kind {
		case FieldNumber:
			f.Number = inner.Number
		case FieldText:
			f.Text = inner.Text
		}
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return nil
		}
		*f = RawField{Kind: FieldNumber, Number: n}
	}
	return nil
}

// String returns the textual form of the field, for display and probing.
func (f RawField) String() string {
	switch f.Kind {
	case FieldNumber:
		return strconv.FormatFloat(f.Number, 'f', -1, 64)
	case FieldText:
		return f.Text
	case FieldLabeled:
		if f.Text != "" {
			return f.Text
		}
		return f.Label
	}
	return ""
}

// Absent reports whether the field carried no usable value.
func (f RawField) Absent() bool { return f.Kind == FieldAbsent }

// Activity is a schedulable unit of work owned by the record system. The
// engine holds only transient, possibly-stale copies fetched per run.
type Activity struct {
	ID         string
	Subject    string
	DueDate    string
	DueTime    RawField
	Note       string
	Done       bool
	Type       string
	DealID     string
	UpdateTime string
	OwnerName  string
	// Fields holds every key the typed attributes above do not claim,
	// including opaque hex custom-field keys.
	Fields map[string]RawField
}

// UnmarshalJSON tolerates the record system's loose typing: ids arrive as
// numbers or strings, the done flag as a bool or 0/1.
func (a *Activity) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Activity{Fields: map[string]RawField{}}
	for key, val := range raw {
		switch key {
		case "id":
			a.ID = looseString(val)
		case "subject":
			a.Subject = looseString(val)
		case "due_date":
			a.DueDate = looseString(val)
		case "due_time":
			_ = a.DueTime.UnmarshalJSON(val)
		case "note":
			a.Note = looseString(val)
		case "done":
			a.Done = looseBool(val)
		case "type":
			a.Type = looseString(val)
		case "deal_id":
			a.DealID = looseString(val)
		case "update_time":
			a.UpdateTime = looseString(val)
		case "owner_name":
			a.OwnerName = looseString(val)
		default:
			var f RawField
			_ = f.UnmarshalJSON(val)
			a.Fields[key] = f
		}
	}
	return nil
}

// Deal groups activities and carries service-type, address and a
// team-assignment fallback for its children.
type Deal struct {
	ID          string
	Title       string
	Status      string
	ActiveFlag  *bool
	Address     string
	ServiceType string
	Fields      map[string]RawField
}

func (d *Deal) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = Deal{Fields: map[string]RawField{}}
	for key, val := range raw {
		switch key {
		case "id":
			d.ID = looseString(val)
		case "title":
			d.Title = looseString(val)
		case "status":
			d.Status = looseString(val)
		case "active":
			b := looseBool(val)
			d.ActiveFlag = &b
		case "address":
			d.Address = looseString(val)
		case "service_type":
			d.ServiceType = looseString(val)
		default:
			var f RawField
			_ = f.UnmarshalJSON(val)
			d.Fields[key] = f
		}
	}
	return nil
}

// Active reports whether the deal may have children published. A missing
// deal status counts as open so orphan activities are not silently dropped.
func (d *Deal) Active() bool {
	if d == nil {
		return true
	}
	if d.Status != "" && d.Status != "open" {
		return false
	}
	if d.ActiveFlag != nil && !*d.ActiveFlag {
		return false
	}
	return true
}

// Source records which precedence step produced a resolution.
type Source string

const (
	SourceActivity Source = "activity"
	SourceDeal     Source = "deal"
	SourceOwner    Source = "owner"
	SourceNone     Source = "none"
)

// Resolution is the derived crew assignment for an activity. It is
// recomputed on every pipeline run and never cached across runs.
type Resolution struct {
	TeamID   int64  `json:"team_id,omitempty"`
	TeamName string `json:"team_name,omitempty"`
	Channel  string `json:"channel,omitempty"`
	Source   Source `json:"source"`
}

// Resolved reports whether a crew was determined.
func (r Resolution) Resolved() bool { return r.TeamName != "" }

// Entity kinds and normalized actions of inbound change notifications.
const (
	EntityActivity = "activity"
	EntityDeal     = "deal"

	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// NotificationMeta identifies an inbound change notification.
type NotificationMeta struct {
	Entity    string `json:"entity"`
	Action    string `json:"action"`
	EntityID  string `json:"entity_id"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id"`
}

// Notification is the webhook payload: a metadata block plus the current
// (or, for deletes, previous) record snapshot.
type Notification struct {
	Meta     NotificationMeta
	Current  json.RawMessage
	Previous json.RawMessage
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	var raw struct {
		Meta struct {
			Entity    string          `json:"entity"`
			Object    string          `json:"object"`
			Action    string          `json:"action"`
			Event     string          `json:"event"`
			ID        json.RawMessage `json:"id"`
			EntityID  json.RawMessage `json:"entity_id"`
			Timestamp string          `json:"timestamp"`
			RequestID string          `json:"request_id"`
		} `json:"meta"`
		Current  json.RawMessage `json:"current"`
		Data     json.RawMessage `json:"data"`
		Previous json.RawMessage `json:"previous"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	entity := raw.Meta.Entity
	if entity == "" {
		entity = raw.Meta.Object
	}
	action := raw.Meta.Action
	if action == "" {
		action = raw.Meta.Event
	}
	id := looseString(raw.Meta.ID)
	if id == "" {
		id = looseString(raw.Meta.EntityID)
	}
	n.Meta = NotificationMeta{
		Entity:    strings.ToLower(strings.TrimSpace(entity)),
		Action:    NormalizeAction(action),
		EntityID:  id,
		Timestamp: raw.Meta.Timestamp,
		RequestID: raw.Meta.RequestID,
	}
	n.Current = raw.Current
	if n.Current == nil {
		n.Current = raw.Data
	}
	n.Previous = raw.Previous
	return nil
}

// NormalizeAction folds the sender's synonym spellings onto the three
// canonical actions. Unknown spellings normalize to update.
func NormalizeAction(action string) string {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "create", "add", "added":
		return ActionCreate
	case "delete", "deleted", "remove", "removed":
		return ActionDelete
	default:
		return ActionUpdate
	}
}

// Event is one audit-log entry recording a pipeline decision.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ActivityID string `json:"activity_id,omitempty"`
	DealID     string `json:"deal_id,omitempty"`
	Payload    string `json:"payload_json"`
}

func looseString(data json.RawMessage) string {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return s
		}
		return ""
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return ""
}

func looseBool(data json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(data))
	switch trimmed {
	case "true", "1", `"1"`, `"true"`:
		return true
	}
	return false
}
