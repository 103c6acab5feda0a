package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/warp/trip-ledger/audit"
)

var _ audit.EventLogger = (*Store)(nil)

func (s *Store) Save(ctx context.Context, e audit.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO events (id, event_type, event_data, event_metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID.String(), e.Type, string(data), string(metadata), e.CreatedAt.UTC().Format(timeLayout))
	return s.d.wrap("save event", err)
}

func (s *Store) GetByType(ctx context.Context, eventType string) ([]audit.Event, error) {
	rows, err := s.query(ctx, `
		SELECT id, event_type, event_data, event_metadata, created_at
		FROM events WHERE event_type = ? ORDER BY created_at ASC`, eventType)
	if err != nil {
		return nil, s.d.wrap("get events", err)
	}
	return s.scanEvents(rows)
}

func (s *Store) Recent(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `
		SELECT id, event_type, event_data, event_metadata, created_at
		FROM events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, s.d.wrap("recent events", err)
	}
	return s.scanEvents(rows)
}

func (s *Store) scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	defer rows.Close()

	events := make([]audit.Event, 0)
	for rows.Next() {
		var (
			event                     audit.Event
			id, data, meta, createdAt string
		)
		if err := rows.Scan(&id, &event.Type, &data, &meta, &createdAt); err != nil {
			return events, s.d.wrap("scan event", err)
		}
		var (
			dec decoder
			err error
		)
		if event.ID, err = uuid.Parse(id); err != nil {
			dec.fail("id", err)
		}
		event.CreatedAt = dec.time("created_at", createdAt)
		dec.json("event_data", data, &event.Data)
		dec.json("event_metadata", meta, &event.Metadata)
		if err := dec.failure("scan event " + id); err != nil {
			return events, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return events, s.d.wrap("scan events", err)
	}
	return events, nil
}
