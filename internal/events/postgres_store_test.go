//go:build integration

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/churnshield/internal/testutil"
)

func TestPostgresStore_WriteAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	older := &Event{
		ID: "evt_1", Type: TypeCancellationAttempt, OrganizationID: "org_1", CustomerID: "cus_1",
		SubscriptionID: "sub_1", Source: SourceCancelFlow, OccurredAt: now.Add(-2 * time.Hour),
		Details: map[string]any{"sessionId": "cfs_1"},
	}
	newer := &Event{
		ID: "evt_2", Type: TypeOfferDeclined, OrganizationID: "org_1", CustomerID: "cus_1",
		Source: SourceCancelFlow, OccurredAt: now.Add(-time.Hour), Details: map[string]any{},
	}
	other := &Event{
		ID: "evt_3", Type: TypeOfferDeclined, OrganizationID: "org_2", CustomerID: "cus_1",
		Source: SourceAPI, OccurredAt: now, Details: map[string]any{},
	}
	for _, e := range []*Event{newer, older, other} {
		require.NoError(t, store.Write(ctx, e))
	}
	// replay is a no-op
	require.NoError(t, store.Write(ctx, older))

	got, err := store.ListByCustomer(ctx, "org_1", "cus_1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "evt_1", got[0].ID)
	assert.Equal(t, "sub_1", got[0].SubscriptionID)
	assert.Equal(t, "cfs_1", got[0].Details["sessionId"])
	assert.Equal(t, "", got[1].SubscriptionID)

	recent, err := store.ListByCustomer(ctx, "org_1", "cus_1", now.Add(-90*time.Minute))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, TypeOfferDeclined, recent[0].Type)

	assert.ErrorIs(t, store.Write(ctx, &Event{ID: "evt_bad"}), ErrInvalidEvent)
}
