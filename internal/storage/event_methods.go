package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/quanlan-server/quanlan-server/internal/models"
)

const eventLogColumns = "id, created_at, call_id, method, transport, client_id, device_id, type, level, code, description, latency_ms, details"

// CreateEventLog creates an event log entry
func (s *PostgresStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO event_logs (` + eventLogColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.CallID, event.Method, event.Transport,
		event.ClientID, event.DeviceID, event.Type, event.Level, event.Code,
		event.Description, event.LatencyMS, event.Details,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateKey
	}

	return err
}

// buildEventLogWhere builds the WHERE clause and its arguments
func buildEventLogWhere(filters EventLogFilters) (string, []interface{}) {
	where := " WHERE 1=1"
	args := []interface{}{}

	add := func(clause string, v interface{}) {
		args = append(args, v)
		where += fmt.Sprintf(" AND "+clause, len(args))
	}

	if filters.Method != nil {
		add("method = $%d", *filters.Method)
	}
	if filters.DeviceID != nil {
		add("device_id = $%d", *filters.DeviceID)
	}
	if filters.ClientID != nil {
		add("client_id = $%d", *filters.ClientID)
	}
	if filters.Type != nil {
		add("type = $%d", *filters.Type)
	}
	if filters.Level != nil {
		add("level = $%d", *filters.Level)
	}
	if filters.StartTime != nil {
		add("created_at >= $%d", *filters.StartTime)
	}
	if filters.EndTime != nil {
		add("created_at <= $%d", *filters.EndTime)
	}

	return where, args
}

// ListEventLogs lists event logs with filters, newest first
func (s *PostgresStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	where, args := buildEventLogWhere(filters)

	// Get count
	var count int64
	err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM event_logs"+where, args...).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + eventLogColumns + " FROM event_logs" + where)
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, offset)
	fmt.Fprintf(&sb, " OFFSET $%d", len(args))

	rows, err := s.getDB().QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.EventLog
	for rows.Next() {
		event := &models.EventLog{}
		err := rows.Scan(
			&event.ID, &event.CreatedAt, &event.CallID, &event.Method, &event.Transport,
			&event.ClientID, &event.DeviceID, &event.Type, &event.Level, &event.Code,
			&event.Description, &event.LatencyMS, &event.Details,
		)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return events, count, nil
}
