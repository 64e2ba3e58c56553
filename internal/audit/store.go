package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists audit events
type Store interface {
	Insert(ctx context.Context, event *Event) error
	List(ctx context.Context, filter Filter) ([]Event, error)
}

// PostgresStore keeps events in the audit_logs table
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresStore creates a store on pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, timeout: 5 * time.Second}
}

// InitializeSchema creates the audit table and its indexes
func InitializeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_logs (
			id UUID PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			user_id VARCHAR(255),
			action VARCHAR(64) NOT NULL,
			resource VARCHAR(128) NOT NULL,
			ip_address VARCHAR(45),
			user_agent TEXT,
			success BOOLEAN NOT NULL,
			severity VARCHAR(16) NOT NULL,
			details JSONB
		);

		CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create audit_logs table: %w", err)
	}
	return nil
}

// Insert writes one event
func (s *PostgresStore) Insert(ctx context.Context, event *Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, created_at, user_id, action, resource, ip_address,
		                        user_agent, success, severity, details)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)
	`, event.ID, event.Timestamp, event.UserID, string(event.Action), event.Resource,
		event.IPAddress, event.UserAgent, event.Success, string(event.Severity), details)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// List returns matching events, newest first
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query, args := buildListQuery(filter.normalized())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e       Event
			action  string
			sev     string
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.UserID, &action, &e.Resource,
			&e.IPAddress, &e.UserAgent, &e.Success, &sev, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Action = Action(action)
		e.Severity = Severity(sev)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func buildListQuery(f Filter) (string, []interface{}) {
	query := `
		SELECT id::text, created_at, COALESCE(user_id, ''), action, resource,
		       COALESCE(ip_address, ''), COALESCE(user_agent, ''), success, severity,
		       COALESCE(details, 'null'::jsonb)
		FROM audit_logs
		WHERE 1=1`
	args := []interface{}{}
	next := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.UserID != "" {
		query += " AND user_id = " + next(f.UserID)
	}
	if f.Action != "" {
		query += " AND action = " + next(string(f.Action))
	}
	if f.Success != nil {
		query += " AND success = " + next(*f.Success)
	}
	if f.Since != nil {
		query += " AND created_at >= " + next(*f.Since)
	}

	query += " ORDER BY created_at DESC LIMIT " + next(f.Limit) + " OFFSET " + next(f.Offset)
	return query, args
}
