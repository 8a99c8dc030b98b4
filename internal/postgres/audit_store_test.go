package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ruscur/snowpatch/internal/domain"
	"github.com/ruscur/snowpatch/internal/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMigratedPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.Migrate(ctx, pool))
	return pool
}

func TestAuditStore_RecordAndForSeries(t *testing.T) {
	pool := testMigratedPool(t)
	ctx := context.Background()
	store := postgres.NewAuditStore(pool)

	verdict := domain.Verdict{
		State:       domain.CheckStateSuccess,
		TargetURL:   "https://ci.example.com/run/1",
		Description: "build passed",
		Context:     "github-build",
	}
	require.NoError(t, store.Record(ctx, 99, verdict))

	entries, err := store.ForSeries(ctx, 99)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, verdict, entries[0].Verdict)
	assert.Equal(t, int64(99), entries[0].SeriesID)
	assert.False(t, entries[0].PostedAt.IsZero())
}

func TestAuditStore_ForSeries_NoEntries_ReturnsEmpty(t *testing.T) {
	pool := testMigratedPool(t)
	store := postgres.NewAuditStore(pool)

	entries, err := store.ForSeries(context.Background(), 12345)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
