package risk

import (
	"context"

	"github.com/mbd888/churnshield/internal/events"
)

// Registrar adds or refreshes a customer in the directory.
type Registrar interface {
	Upsert(ctx context.Context, c Customer) error
}

var (
	_ Registrar = (*MemoryDirectory)(nil)
	_ Registrar = (*PostgresDirectory)(nil)
)

// DirectorySink is an events.Sink that registers every customer seen in a
// churn event, so the batch scores whoever has entered a cancel flow.
// Events without an organization are ignored.
type DirectorySink struct {
	registrar Registrar
}

// NewDirectorySink creates a sink over r.
func NewDirectorySink(r Registrar) *DirectorySink {
	return &DirectorySink{registrar: r}
}

// Write implements events.Sink.
func (s *DirectorySink) Write(ctx context.Context, e *events.Event) error {
	if e.OrganizationID == "" || e.CustomerID == "" {
		return nil
	}
	return s.registrar.Upsert(ctx, Customer{
		OrganizationID: e.OrganizationID,
		CustomerID:     e.CustomerID,
		SubscriptionID: e.SubscriptionID,
	})
}
