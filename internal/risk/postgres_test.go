//go:build integration

package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/churnshield/internal/testutil"
)

func TestPostgresSnapshotStore_Record(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresSnapshotStore(db)
	ctx := context.Background()

	first := snapFor("2026-03-01", healthyMetrics)
	prior, err := store.Record(ctx, first)
	require.NoError(t, err)
	assert.Nil(t, prior)
	assert.NotZero(t, first.ID)

	next := snapFor("2026-03-02", atRiskMetrics)
	prior, err = store.Record(ctx, next)
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, "2026-03-01", prior.Date)
	require.NotNil(t, next.BucketChangedFrom)
	assert.Equal(t, BucketHealthy, *next.BucketChangedFrom)

	_, err = store.Record(ctx, snapFor("2026-03-02", healthyMetrics))
	assert.ErrorIs(t, err, ErrSnapshotExists)

	hist, err := store.History(ctx, HistoryQuery{OrganizationID: "org_1", CustomerID: "cus_1"})
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "2026-03-02", hist[0].Date)
	assert.Equal(t, BucketAtRisk, hist[0].RiskBucket)
	assert.Equal(t, atRiskMetrics, hist[0].Metrics)
	assert.Len(t, hist[0].Factors, 2)
	assert.Nil(t, hist[1].BucketChangedFrom)

	ranged, err := store.History(ctx, HistoryQuery{OrganizationID: "org_1", CustomerID: "cus_1", To: "2026-03-01"})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
}

func TestPostgresDirectory(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	dir := NewPostgresDirectory(db)
	ctx := context.Background()

	require.NoError(t, dir.Upsert(ctx, Customer{OrganizationID: "org_b", CustomerID: "cus_2"}))
	require.NoError(t, dir.Upsert(ctx, Customer{OrganizationID: "org_a", CustomerID: "cus_1", Email: "a@example.com"}))
	require.NoError(t, dir.SetUsage(ctx, Customer{OrganizationID: "org_a", CustomerID: "cus_1"}, Usage{LoginsCurrent: 5, LoginsPrior: 10}))

	orgs, err := dir.Organizations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"org_a", "org_b"}, orgs)

	customers, err := dir.Customers(ctx, "org_a")
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, "a@example.com", customers[0].Email)

	u, err := dir.Usage(ctx, customers[0])
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, 10, u.LoginsPrior)

	none, err := dir.Usage(ctx, Customer{OrganizationID: "org_b", CustomerID: "cus_2"})
	require.NoError(t, err)
	assert.Nil(t, none)
}
