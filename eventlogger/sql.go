package eventlogger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type sqlEventLogger struct {
	db *sql.DB
}

func NewSqlEventLogger(db *sql.DB) *sqlEventLogger {
	return &sqlEventLogger{
		db: db,
	}
}

func (el *sqlEventLogger) Save(ctx context.Context, e Event) error {
	jsonData, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}
	jsonMetadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encoding event metadata: %w", err)
	}

	statement := `INSERT INTO events (id, event_type, event_data, event_metadata, created_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := el.db.ExecContext(ctx, statement, e.ID, e.Type, jsonData, jsonMetadata, e.CreatedAt); err != nil {
		return fmt.Errorf("saving %s event: %w", e.Type, err)
	}
	return nil
}

// GetByType returns the newest events of one type first. Data comes back as
// json.RawMessage.
func (el *sqlEventLogger) GetByType(ctx context.Context, eventType string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
        SELECT id, event_type, event_data, event_metadata, created_at
        FROM events
        WHERE event_type = $1
        ORDER BY created_at DESC
        LIMIT $2
    `
	rows, err := el.db.QueryContext(ctx, query, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("querying %s events: %w", eventType, err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var (
			event        Event
			data         []byte
			jsonMetadata []byte
		)
		if err := rows.Scan(&event.ID, &event.Type, &data, &jsonMetadata, &event.CreatedAt); err != nil {
			return events, fmt.Errorf("scanning event: %w", err)
		}
		event.Data = json.RawMessage(data)
		if len(jsonMetadata) > 0 {
			if err := json.Unmarshal(jsonMetadata, &event.Metadata); err != nil {
				return events, fmt.Errorf("decoding event metadata: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return events, err
	}
	return events, nil
}
