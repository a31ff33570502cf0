package cancelflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists flow sessions in the flow_sessions table. The
// one-open-session rule is enforced by a partial unique index.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, organization_id, customer_id, subscription_id, step,
		       selected_reason, other_text, plan_id, outcome, version,
		       started_at, updated_at, closed_at`

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO flow_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.OrganizationID, s.CustomerID, s.SubscriptionID, string(s.Step),
		s.SelectedReason, s.OtherText, s.PlanID, string(s.Outcome), s.Version,
		s.StartedAt, s.UpdatedAt, nullTime(s.ClosedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrSessionExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert flow session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM flow_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (p *PostgresStore) FindOpen(ctx context.Context, organizationID, customerID, subscriptionID string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM flow_sessions
		WHERE organization_id = $1 AND customer_id = $2 AND subscription_id = $3
		  AND step <> 'closed'`,
		organizationID, customerID, subscriptionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (p *PostgresStore) Update(ctx context.Context, s *Session, expected int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE flow_sessions SET
			step = $1, selected_reason = $2, other_text = $3, plan_id = $4,
			outcome = $5, version = $6, started_at = $7, updated_at = $8, closed_at = $9
		WHERE id = $10 AND version = $11`,
		string(s.Step), s.SelectedReason, s.OtherText, s.PlanID,
		string(s.Outcome), s.Version, s.StartedAt, s.UpdatedAt, nullTime(s.ClosedAt),
		s.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update flow session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM flow_sessions WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrSessionNotFound
	}
	return ErrStaleSession
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s        Session
		step     string
		outcome  string
		closedAt sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.OrganizationID, &s.CustomerID, &s.SubscriptionID, &step,
		&s.SelectedReason, &s.OtherText, &s.PlanID, &outcome, &s.Version,
		&s.StartedAt, &s.UpdatedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Step = Step(step)
	s.Outcome = Outcome(outcome)
	if closedAt.Valid {
		t := closedAt.Time
		s.ClosedAt = &t
	}
	return &s, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
