package archivestore

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/malbeclabs/loadctl/internal/domain"
	"github.com/malbeclabs/loadctl/internal/storage"
)

func newTestStore(t *testing.T, ctx context.Context) (*Store, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	require.NoError(t, storage.Bootstrap(ctx, pool))

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return New(pool), cleanup
}

func TestStore_AppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestStore(t, ctx)
	defer cleanup()

	l := domain.Loader{
		EntityCode:    "ent1",
		VersionNumber: 1,
		VersionStatus: domain.VersionStatusActive,
		CreatedBy:     "alice",
		CreatedAt:     time.Now().UTC(),
	}

	firstID, err := store.Append(ctx, nil, l, "bob", "superseded")
	require.NoError(t, err)
	require.NotZero(t, firstID)

	secondID, err := store.Append(ctx, nil, l, "bob", "superseded")
	require.NoError(t, err)
	require.Equal(t, firstID, secondID)

	history, err := store.ListHistory(ctx, "ent1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, firstID, history[0].ID)
	require.Equal(t, "bob", history[0].ArchivedBy)
	require.Equal(t, "ent1", history[0].Snapshot.EntityCode)
}

func TestStore_ListRejected_FiltersByRejectedBy(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestStore(t, ctx)
	defer cleanup()

	_, err := store.Append(ctx, nil, domain.Loader{
		EntityCode: "ent3", VersionNumber: 1, CreatedAt: time.Now().UTC(),
	}, "bob", "superseded")
	require.NoError(t, err)

	_, err = store.Append(ctx, nil, domain.Loader{
		EntityCode: "ent3", VersionNumber: 2, CreatedAt: time.Now().UTC(),
		RejectedBy: "admin", RejectionReason: "bad sql",
	}, "admin", "rejected by admin: bad sql")
	require.NoError(t, err)

	rejected, err := store.ListRejected(ctx, "ent3")
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	require.Equal(t, int64(2), rejected[0].VersionNumber)
	require.Equal(t, "admin", rejected[0].RejectedBy)
}

func TestStore_FindByEntityCodeAndVersion(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestStore(t, ctx)
	defer cleanup()

	id, err := store.Append(ctx, nil, domain.Loader{
		EntityCode: "ent4", VersionNumber: 1, CreatedAt: time.Now().UTC(),
	}, "bob", "superseded")
	require.NoError(t, err)

	found, err := store.FindByEntityCodeAndVersion(ctx, "ent4", 1)
	require.NoError(t, err)
	require.Equal(t, id, found.ID)

	_, err = store.FindByEntityCodeAndVersion(ctx, "ent4", 2)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_CountByEntityCodeAndExists(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestStore(t, ctx)
	defer cleanup()

	for v := int64(1); v <= 2; v++ {
		_, err := store.Append(ctx, nil, domain.Loader{
			EntityCode: "ent5", VersionNumber: v, CreatedAt: time.Now().UTC(),
		}, "bob", "superseded")
		require.NoError(t, err)
	}

	count, err := store.CountByEntityCode(ctx, "ent5")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	exists, err := store.Exists(ctx, "ent5", 1)
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = store.Exists(ctx, "ent5", 99)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestStore_ListHistory_NewestFirst(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestStore(t, ctx)
	defer cleanup()

	for v := int64(1); v <= 3; v++ {
		l := domain.Loader{EntityCode: "ent2", VersionNumber: v, CreatedAt: time.Now().UTC()}
		_, err := store.Append(ctx, nil, l, "bob", "superseded")
		require.NoError(t, err)
	}

	history, err := store.ListHistory(ctx, "ent2")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, int64(3), history[0].VersionNumber)
	require.Equal(t, int64(1), history[2].VersionNumber)
}
