package control

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/malbeclabs/loadctl/internal/approval"
	"github.com/malbeclabs/loadctl/internal/archivestore"
	clockpkg "github.com/malbeclabs/loadctl/internal/clock"
	"github.com/malbeclabs/loadctl/internal/domain"
	"github.com/malbeclabs/loadctl/internal/storage"
	"github.com/malbeclabs/loadctl/internal/versionstore"
)

type fakeDispatcher struct {
	claimResult domain.Loader
	claimOK     bool
	dispatched  []domain.Loader
}

func (f *fakeDispatcher) ClaimForRunNow(ctx context.Context, id int64) (domain.Loader, bool, error) {
	return f.claimResult, f.claimOK, nil
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, l domain.Loader) {
	f.dispatched = append(f.dispatched, l)
}

func newTestService(t *testing.T, ctx context.Context) (*Service, *fakeDispatcher, func()) {
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

	versions := versionstore.New(pool)
	archives := archivestore.New(pool)
	adapter := approval.NewPostgresAdapter(pool, versions, archives)
	state := approval.New(adapter, clockpkg.New(clockwork.NewFakeClock()))
	dispatcher := &fakeDispatcher{}

	svc, err := New(Config{
		Pool:       pool,
		Versions:   versions,
		Archives:   archives,
		Approval:   state,
		Dispatcher: dispatcher,
	})
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return svc, dispatcher, cleanup
}

func TestService_CreateDraftSubmitApprove_EndToEnd(t *testing.T) {
	ctx := context.Background()
	svc, _, cleanup := newTestService(t, ctx)
	defer cleanup()

	draft, err := svc.CreateDraft(ctx, CreateDraftRequest{
		EntityCode:            "ent1",
		SourceDBRef:           "src1",
		SQLText:               domain.EncryptedSQL("SELECT 1"),
		MinIntervalSeconds:    60,
		MaxIntervalSeconds:    300,
		MaxQueryPeriodSeconds: 3600,
		MaxParallelExecutions: 1,
		PurgeStrategy:         domain.PurgeStrategyFailOnDuplicate,
		User:                  "alice",
	})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, "ent1", "alice")
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, "ent1", "admin", "")
	require.NoError(t, err)
	require.Equal(t, domain.VersionStatusActive, approved.VersionStatus)
	require.Equal(t, draft.VersionNumber, approved.VersionNumber)

	view, err := svc.GetLoader(ctx, "ent1", false)
	require.NoError(t, err)
	require.Equal(t, domain.VersionStatusActive, view.VersionStatus)
	require.False(t, view.HasDraft)
}

func TestService_PauseResume_TogglesEnabled(t *testing.T) {
	ctx := context.Background()
	svc, _, cleanup := newTestService(t, ctx)
	defer cleanup()

	_, err := svc.CreateDraft(ctx, CreateDraftRequest{EntityCode: "ent2", SQLText: domain.EncryptedSQL("SELECT 1"), PurgeStrategy: domain.PurgeStrategySkipDuplicates, User: "alice"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "ent2", "alice")
	require.NoError(t, err)
	_, err = svc.Approve(ctx, "ent2", "admin", "")
	require.NoError(t, err)

	require.NoError(t, svc.Pause(ctx, "ent2"))
	view, err := svc.GetLoader(ctx, "ent2", false)
	require.NoError(t, err)
	require.False(t, view.Enabled)

	require.NoError(t, svc.Resume(ctx, "ent2"))
	view, err = svc.GetLoader(ctx, "ent2", false)
	require.NoError(t, err)
	require.True(t, view.Enabled)
}

func TestService_RunNow_DispatchesClaimedLoader(t *testing.T) {
	ctx := context.Background()
	svc, dispatcher, cleanup := newTestService(t, ctx)
	defer cleanup()

	_, err := svc.CreateDraft(ctx, CreateDraftRequest{EntityCode: "ent3", SQLText: domain.EncryptedSQL("SELECT 1"), PurgeStrategy: domain.PurgeStrategySkipDuplicates, User: "alice"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "ent3", "alice")
	require.NoError(t, err)
	active, err := svc.Approve(ctx, "ent3", "admin", "")
	require.NoError(t, err)

	dispatcher.claimOK = true
	dispatcher.claimResult = active

	require.NoError(t, svc.RunNow(ctx, "ent3"))
	require.Len(t, dispatcher.dispatched, 1)
	require.Equal(t, "ent3", dispatcher.dispatched[0].EntityCode)
}

func TestService_RunNow_FailsWhenNotClaimable(t *testing.T) {
	ctx := context.Background()
	svc, dispatcher, cleanup := newTestService(t, ctx)
	defer cleanup()

	_, err := svc.CreateDraft(ctx, CreateDraftRequest{EntityCode: "ent4", SQLText: domain.EncryptedSQL("SELECT 1"), PurgeStrategy: domain.PurgeStrategySkipDuplicates, User: "alice"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "ent4", "alice")
	require.NoError(t, err)
	_, err = svc.Approve(ctx, "ent4", "admin", "")
	require.NoError(t, err)

	dispatcher.claimOK = false

	err = svc.RunNow(ctx, "ent4")
	require.Equal(t, domain.KindInvalidTransition, domain.KindOf(err))
}

func TestService_ListHistory_ReflectsApprovalArchival(t *testing.T) {
	ctx := context.Background()
	svc, _, cleanup := newTestService(t, ctx)
	defer cleanup()

	_, err := svc.CreateDraft(ctx, CreateDraftRequest{EntityCode: "ent5", SQLText: domain.EncryptedSQL("SELECT 1"), PurgeStrategy: domain.PurgeStrategySkipDuplicates, User: "alice"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "ent5", "alice")
	require.NoError(t, err)
	_, err = svc.Approve(ctx, "ent5", "admin", "")
	require.NoError(t, err)

	_, err = svc.CreateDraft(ctx, CreateDraftRequest{EntityCode: "ent5", SQLText: domain.EncryptedSQL("SELECT 1"), PurgeStrategy: domain.PurgeStrategySkipDuplicates, User: "alice"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "ent5", "alice")
	require.NoError(t, err)
	_, err = svc.Approve(ctx, "ent5", "admin", "")
	require.NoError(t, err)

	history, err := svc.ListHistory(ctx, "ent5")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, int64(1), history[0].VersionNumber)

	time.Sleep(0)
}
