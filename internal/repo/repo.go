package repo

import (
	"context"
	"database/sql"
	"errors"

	"crewline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// TailEvents returns the most recent audit events, newest first.
func (r Repo) TailEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(activity_id,''),COALESCE(deal_id,''),payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsAfter returns up to limit events with id greater than after, oldest
// first, for cursor-style readers.
func (r Repo) EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(activity_id,''),COALESCE(deal_id,''),payload_json FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ActivityEvents returns the audit trail of one activity, oldest first.
func (r Repo) ActivityEvents(ctx context.Context, activityID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(activity_id,''),COALESCE(deal_id,''),payload_json FROM events WHERE activity_id = ? ORDER BY id ASC`, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Event returns one audit event by id.
func (r Repo) Event(ctx context.Context, id int64) (domain.Event, error) {
	var e domain.Event
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,ts,type,COALESCE(activity_id,''),COALESCE(deal_id,''),payload_json FROM events WHERE id = ?`, id).
		Scan(&e.ID, &e.TS, &e.Type, &e.ActivityID, &e.DealID, &e.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, ErrNotFound
	}
	if err != nil {
		return domain.Event{}, err
	}
	return e, nil
}

// LatestEventID returns the newest event id, or 0 for an empty log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ActivityID, &e.DealID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
