// Package events appends pipeline decisions to the durable audit log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one pipeline decision. A nil DB makes the writer a no-op
// so tests and stateless runs need no database.
func (w Writer) Append(ctx context.Context, evtType, activityID, dealID string, payload EventPayload) error {
	if w.DB == nil {
		return nil
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,activity_id,deal_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(activityID), nullable(dealID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
