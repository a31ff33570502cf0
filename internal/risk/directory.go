package risk

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
)

// Customer is a directory row the batch scores.
type Customer struct {
	OrganizationID string `json:"organizationId"`
	CustomerID     string `json:"customerId"`
	Email          string `json:"email,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// Usage is product usage for the current and prior period, used to explain
// an at-risk transition. Nil usage means none is tracked.
type Usage struct {
	LoginsCurrent  int `json:"loginsCurrent"`
	LoginsPrior    int `json:"loginsPrior"`
	ActionsCurrent int `json:"actionsCurrent"`
	ActionsPrior   int `json:"actionsPrior"`
	ActiveUsers    int `json:"activeUsers"`
	SeatsDropped   int `json:"seatsDropped"`
}

// Directory lists the organizations and customers to score.
type Directory interface {
	Organizations(ctx context.Context) ([]string, error)
	Customers(ctx context.Context, organizationID string) ([]Customer, error)
}

// UsageProvider returns a customer's usage, or nil when none is tracked.
type UsageProvider interface {
	Usage(ctx context.Context, c Customer) (*Usage, error)
}

// MemoryDirectory is an in-memory Directory and UsageProvider.
type MemoryDirectory struct {
	mu        sync.RWMutex
	customers map[string]map[string]Customer
	usage     map[string]*Usage
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		customers: make(map[string]map[string]Customer),
		usage:     make(map[string]*Usage),
	}
}

// Add inserts or replaces a customer.
func (d *MemoryDirectory) Add(c Customer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	org, ok := d.customers[c.OrganizationID]
	if !ok {
		org = make(map[string]Customer)
		d.customers[c.OrganizationID] = org
	}
	org[c.CustomerID] = c
}

// Upsert adds c, keeping stored email and subscription when c leaves them empty.
func (d *MemoryDirectory) Upsert(_ context.Context, c Customer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	org, ok := d.customers[c.OrganizationID]
	if !ok {
		org = make(map[string]Customer)
		d.customers[c.OrganizationID] = org
	}
	if prev, ok := org[c.CustomerID]; ok {
		if c.Email == "" {
			c.Email = prev.Email
		}
		if c.SubscriptionID == "" {
			c.SubscriptionID = prev.SubscriptionID
		}
	}
	org[c.CustomerID] = c
	return nil
}

// SetUsage records usage for a customer.
func (d *MemoryDirectory) SetUsage(organizationID, customerID string, u Usage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.usage[organizationID+"/"+customerID] = &u
}

func (d *MemoryDirectory) Organizations(context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.customers))
	for org := range d.customers {
		out = append(out, org)
	}
	sort.Strings(out)
	return out, nil
}

func (d *MemoryDirectory) Customers(_ context.Context, organizationID string) ([]Customer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Customer, 0, len(d.customers[organizationID]))
	for _, c := range d.customers[organizationID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out, nil
}

func (d *MemoryDirectory) Usage(_ context.Context, c Customer) (*Usage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.usage[c.OrganizationID+"/"+c.CustomerID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// PostgresDirectory reads the customers and customer_usage tables.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a PostgreSQL-backed directory.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (p *PostgresDirectory) Organizations(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT organization_id FROM customers ORDER BY organization_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func (p *PostgresDirectory) Customers(ctx context.Context, organizationID string) ([]Customer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT organization_id, customer_id, COALESCE(email, ''), COALESCE(subscription_id, '')
		FROM customers
		WHERE organization_id = $1
		ORDER BY customer_id`, organizationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Customer
	for rows.Next() {
		var c Customer
		if err := rows.Scan(&c.OrganizationID, &c.CustomerID, &c.Email, &c.SubscriptionID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Upsert inserts or updates a customer row. Empty email or subscription
// values keep what is stored.
func (p *PostgresDirectory) Upsert(ctx context.Context, c Customer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO customers (organization_id, customer_id, email, subscription_id)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		ON CONFLICT (organization_id, customer_id)
		DO UPDATE SET
			email = COALESCE(EXCLUDED.email, customers.email),
			subscription_id = COALESCE(EXCLUDED.subscription_id, customers.subscription_id)`,
		c.OrganizationID, c.CustomerID, c.Email, c.SubscriptionID)
	return err
}

// SetUsage inserts or replaces a customer's usage row.
func (p *PostgresDirectory) SetUsage(ctx context.Context, c Customer, u Usage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO customer_usage
			(organization_id, customer_id, logins_current, logins_prior,
			 actions_current, actions_prior, active_users, seats_dropped, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (organization_id, customer_id) DO UPDATE SET
			logins_current = EXCLUDED.logins_current, logins_prior = EXCLUDED.logins_prior,
			actions_current = EXCLUDED.actions_current, actions_prior = EXCLUDED.actions_prior,
			active_users = EXCLUDED.active_users, seats_dropped = EXCLUDED.seats_dropped,
			updated_at = NOW()`,
		c.OrganizationID, c.CustomerID, u.LoginsCurrent, u.LoginsPrior,
		u.ActionsCurrent, u.ActionsPrior, u.ActiveUsers, u.SeatsDropped)
	return err
}

func (p *PostgresDirectory) Usage(ctx context.Context, c Customer) (*Usage, error) {
	var u Usage
	err := p.db.QueryRowContext(ctx, `
		SELECT logins_current, logins_prior, actions_current, actions_prior, active_users, seats_dropped
		FROM customer_usage
		WHERE organization_id = $1 AND customer_id = $2`,
		c.OrganizationID, c.CustomerID,
	).Scan(&u.LoginsCurrent, &u.LoginsPrior, &u.ActionsCurrent, &u.ActionsPrior, &u.ActiveUsers, &u.SeatsDropped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
