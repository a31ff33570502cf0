package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists churn events in the churn_events table.
// Rows are only ever inserted.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Write inserts e. Replaying the same event ID is a no-op.
func (s *PostgresStore) Write(ctx context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO churn_events
			(id, event_type, organization_id, customer_id, subscription_id, invoice_id, details, source, occurred_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`,
		e.ID,
		string(e.Type),
		e.OrganizationID,
		e.CustomerID,
		e.SubscriptionID,
		e.InvoiceID,
		details,
		string(e.Source),
		e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert churn event: %w", err)
	}
	return nil
}

// ListByCustomer returns the customer's events since the given time, oldest first.
func (s *PostgresStore) ListByCustomer(ctx context.Context, organizationID, customerID string, since time.Time) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, organization_id, customer_id,
		       COALESCE(subscription_id, ''), COALESCE(invoice_id, ''),
		       details, source, occurred_at
		FROM churn_events
		WHERE organization_id = $1 AND customer_id = $2 AND occurred_at >= $3
		ORDER BY occurred_at ASC
	`, organizationID, customerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list churn events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		var (
			e       Event
			typ     string
			source  string
			details []byte
		)
		if err := rows.Scan(&e.ID, &typ, &e.OrganizationID, &e.CustomerID,
			&e.SubscriptionID, &e.InvoiceID, &details, &source, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan churn event: %w", err)
		}
		e.Type = Type(typ)
		e.Source = Source(source)
		e.Details = map[string]any{}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode details of event %s: %w", e.ID, err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
