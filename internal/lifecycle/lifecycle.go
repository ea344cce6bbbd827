// Package lifecycle tracks what was published per activity so it can be
// retracted when the activity is rescheduled, reassigned, cancelled or
// deleted upstream.
package lifecycle

import (
	"context"
	"strings"

	"crewline/internal/chat"
	"crewline/internal/effect"
)

// Messenger is the slice of the chat surface retraction needs.
type Messenger interface {
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	DeleteFile(ctx context.Context, fileID string) error
	History(ctx context.Context, channelID string, limit int) ([]chat.Message, error)
}

// Record holds the handles of the most recent successful publish.
type Record struct {
	Channel     string   `json:"channel"`
	MessageID   string   `json:"message_id"`
	Attachments []string `json:"attachments,omitempty"`
}

// Tracker owns the per-activity publish records. Like the other derived
// stores it is volatile; the marker fallback covers restart loss.
type Tracker struct {
	Chat Messenger
	// Lookback bounds the history scan of the marker fallback.
	Lookback int

	records map[string]Record
}

// New returns an empty tracker.
func New(m Messenger, lookback int) *Tracker {
	return &Tracker{Chat: m, Lookback: lookback, records: map[string]Record{}}
}

// Marker returns the tag embedded in published messages so the fallback
// scan can find them without a direct handle.
func Marker(activityID string) string {
	return "[#act:" + activityID + "]"
}

// Track records a fresh publish, superseding any previous record.
func (t *Tracker) Track(activityID string, rec Record) {
	t.records[activityID] = rec
}

// Get returns the tracked record for an activity.
func (t *Tracker) Get(activityID string) (Record, bool) {
	rec, ok := t.records[activityID]
	return rec, ok
}

// Len reports the tracked record count, for the status surface.
func (t *Tracker) Len() int { return len(t.records) }

// Records returns a copy of all tracked records keyed by activity id.
func (t *Tracker) Records() map[string]Record {
	out := make(map[string]Record, len(t.records))
	for id, rec := range t.records {
		out[id] = rec
	}
	return out
}

// Retract deletes the tracked message and attachments, best-effort, then
// drops the record. Individual deletion failures do not abort the rest.
func (t *Tracker) Retract(ctx context.Context, activityID string) {
	rec, ok := t.records[activityID]
	if !ok {
		return
	}
	if rec.MessageID != "" {
		effect.BestEffort("retract message", func() error {
			return t.Chat.DeleteMessage(ctx, rec.Channel, rec.MessageID)
		})
	}
	for _, fileID := range rec.Attachments {
		id := fileID
		effect.BestEffort("retract attachment", func() error {
			return t.Chat.DeleteFile(ctx, id)
		})
	}
	delete(t.records, activityID)
}

// RetractByMarker scans recent channel history for messages tagged with the
// activity marker and deletes them. It covers the case where the in-memory
// record was lost to a process restart.
func (t *Tracker) RetractByMarker(ctx context.Context, channelID, activityID string) {
	lookback := t.Lookback
	if lookback <= 0 {
		lookback = 50
	}
	msgs, err := t.Chat.History(ctx, channelID, lookback)
	if err != nil {
		effect.BestEffort("retract history scan", func() error { return err })
		return
	}
	marker := Marker(activityID)
	for _, msg := range msgs {
		if !strings.Contains(msg.Text, marker) {
			continue
		}
		m := msg
		effect.BestEffort("retract marked message", func() error {
			return t.Chat.DeleteMessage(ctx, channelID, m.ID)
		})
	}
}
