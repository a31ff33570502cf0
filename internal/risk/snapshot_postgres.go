package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// PostgresSnapshotStore implements SnapshotStore backed by the
// risk_snapshots table.
type PostgresSnapshotStore struct {
	db *sql.DB
}

// NewPostgresSnapshotStore creates a PostgreSQL-backed snapshot store.
func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

const snapshotColumns = `id, organization_id, customer_id, snapshot_date, metrics,
		       risk_score, risk_bucket, factors, bucket_changed_from, created_at`

// Record runs the prior lookup and insert in one transaction. A
// transaction-scoped advisory lock on the customer serialises concurrent
// records so the prior seen is the one actually preceding the insert.
func (p *PostgresSnapshotStore) Record(ctx context.Context, snap *Snapshot) (*Snapshot, error) {
	metrics, err := json.Marshal(snap.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metrics: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))`,
		snap.OrganizationID, snap.CustomerID); err != nil {
		return nil, fmt.Errorf("failed to lock customer: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM risk_snapshots
		WHERE organization_id = $1 AND customer_id = $2 AND snapshot_date < $3
		ORDER BY snapshot_date DESC
		LIMIT 1`,
		snap.OrganizationID, snap.CustomerID, snap.Date)
	prior, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		prior = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load prior snapshot: %w", err)
	}

	applyPrior(snap, prior)
	var changedFrom sql.NullString
	if snap.BucketChangedFrom != nil {
		changedFrom = sql.NullString{String: string(*snap.BucketChangedFrom), Valid: true}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO risk_snapshots
			(organization_id, customer_id, snapshot_date, metrics,
			 risk_score, risk_bucket, factors, bucket_changed_from)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (organization_id, customer_id, snapshot_date) DO NOTHING
		RETURNING id, created_at`,
		snap.OrganizationID, snap.CustomerID, snap.Date, metrics,
		snap.RiskScore, string(snap.RiskBucket), pq.Array(snap.Factors), changedFrom,
	).Scan(&snap.ID, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prior, nil
}

func (p *PostgresSnapshotStore) History(ctx context.Context, q HistoryQuery) ([]*Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM risk_snapshots
		WHERE organization_id = $1 AND customer_id = $2`

	args := []interface{}{q.OrganizationID, q.CustomerID}
	argIdx := 3

	if q.From != "" {
		query += " AND snapshot_date >= $" + strconv.Itoa(argIdx)
		args = append(args, q.From)
		argIdx++
	}
	if q.To != "" {
		query += " AND snapshot_date <= $" + strconv.Itoa(argIdx)
		args = append(args, q.To)
		argIdx++
	}
	if q.Before != "" {
		query += " AND snapshot_date < $" + strconv.Itoa(argIdx)
		args = append(args, q.Before)
		argIdx++
	}

	query += " ORDER BY snapshot_date DESC LIMIT $" + strconv.Itoa(argIdx)
	args = append(args, defaultLimit(q.Limit))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	var (
		s           Snapshot
		date        time.Time
		metrics     []byte
		bucket      string
		changedFrom sql.NullString
	)
	if err := row.Scan(&s.ID, &s.OrganizationID, &s.CustomerID, &date, &metrics,
		&s.RiskScore, &bucket, pq.Array(&s.Factors), &changedFrom, &s.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metrics, &s.Metrics); err != nil {
		return nil, fmt.Errorf("failed to decode metrics: %w", err)
	}
	s.Date = Day(date)
	s.RiskBucket = Bucket(bucket)
	if changedFrom.Valid {
		b := Bucket(changedFrom.String)
		s.BucketChangedFrom = &b
	}
	return &s, nil
}
