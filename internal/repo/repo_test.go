package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"crewline/internal/db"
	"crewline/internal/events"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func TestEventRoundTrip(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	w := events.Writer{DB: conn, Now: func() time.Time {
		return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	}}

	if err := w.Append(ctx, "activity.published", "41", "7", events.EventPayload{"channel": "C1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(ctx, "activity.retracted", "41", "7", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(ctx, "activity.skipped", "42", "", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	r := Repo{DB: conn}

	tail, err := r.TailEvents(ctx, 2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 2 || tail[0].Type != "activity.skipped" {
		t.Fatalf("tail = %+v", tail)
	}

	trail, err := r.ActivityEvents(ctx, "41")
	if err != nil {
		t.Fatalf("activity events: %v", err)
	}
	if len(trail) != 2 || trail[0].Type != "activity.published" || trail[0].DealID != "7" {
		t.Fatalf("trail = %+v", trail)
	}

	page, err := r.EventsAfter(ctx, trail[0].ID, 10)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page = %+v", page)
	}

	latest, err := r.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != page[len(page)-1].ID {
		t.Fatalf("latest = %d, want %d", latest, page[len(page)-1].ID)
	}

	evt, err := r.Event(ctx, trail[0].ID)
	if err != nil {
		t.Fatalf("event by id: %v", err)
	}
	if evt.Type != "activity.published" || evt.Payload != `{"channel":"C1"}` {
		t.Fatalf("event = %+v", evt)
	}

	if _, err := r.Event(ctx, latest+100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing event error = %v, want ErrNotFound", err)
	}
}

func TestNilWriterIsNoop(t *testing.T) {
	w := events.Writer{}
	if err := w.Append(context.Background(), "activity.published", "41", "", nil); err != nil {
		t.Fatalf("nil-db append: %v", err)
	}
}
