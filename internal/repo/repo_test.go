package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deployline/internal/db"
	"deployline/internal/domain"
	"deployline/internal/migrate"
)

func setupRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return Repo{DB: conn}
}

func deploymentRow(id, createdAt string) domain.Deployment {
	return domain.Deployment{
		ID:           id,
		ProtocolID:   "proto",
		Status:       "invited",
		SnapshotJSON: `{}`,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func TestDeployment_OptimisticVersion(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	require.NoError(t, r.InsertDeployment(ctx, nil, deploymentRow("d1", "2026-01-01T00:00:00Z")))
	require.ErrorIs(t, r.InsertDeployment(ctx, nil, deploymentRow("d1", "2026-01-01T00:00:00Z")), ErrConflict)

	got, err := r.GetDeployment(ctx, nil, "d1")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)

	got.Status = "running"
	require.NoError(t, r.UpdateDeployment(ctx, nil, got))
	// Same version again: someone else already wrote.
	require.ErrorIs(t, r.UpdateDeployment(ctx, nil, got), ErrConflict)

	updated, err := r.GetDeployment(ctx, nil, "d1")
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)
	require.Equal(t, "running", updated.Status)

	missing := deploymentRow("nope", "2026-01-01T00:00:00Z")
	require.ErrorIs(t, r.UpdateDeployment(ctx, nil, missing), ErrNotFound)
	_, err = r.GetDeployment(ctx, nil, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeployment_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	require.NoError(t, r.InsertDeployment(ctx, nil, deploymentRow("a", "2026-01-01T00:00:00Z")))
	require.NoError(t, r.InsertDeployment(ctx, nil, deploymentRow("b", "2026-01-02T00:00:00Z")))
	require.NoError(t, r.InsertDeployment(ctx, nil, deploymentRow("c", "2026-01-02T00:00:00Z")))

	page, err := r.ListDeployments(ctx, 2, "", "")
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b"}, []string{page[0].ID, page[1].ID})

	next, err := r.ListDeployments(ctx, 2, page[1].CreatedAt, page[1].ID)
	require.NoError(t, err)
	require.Len(t, next, 1)
	require.Equal(t, "a", next[0].ID)

	require.NoError(t, r.DeleteDeployment(ctx, nil, "a"))
	require.ErrorIs(t, r.DeleteDeployment(ctx, nil, "a"), ErrNotFound)
}

func TestEvents_Cursors(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	for i, dep := range []string{"d1", "d2", "d1"} {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,deployment_id,role_name,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
			"2026-01-01T00:00:00Z", "deployment.device.registered", dep, "phone", "actor", `{"n":`+string(rune('0'+i))+`}`)
		require.NoError(t, err)
	}

	latest, err := r.LatestEventID(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(3), latest)
	latestD2, err := r.LatestEventID(ctx, "d2")
	require.NoError(t, err)
	require.Equal(t, int64(2), latestD2)

	after, err := r.EventsAfter(ctx, 10, 1, "d1")
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, int64(3), after[0].ID)

	desc, err := r.LatestEvents(ctx, EventFilters{DeploymentID: "d1"})
	require.NoError(t, err)
	require.Equal(t, []int64{3, 1}, []int64{desc[0].ID, desc[1].ID})
	require.Equal(t, "phone", desc[0].RoleName)

	older, err := r.LatestEvents(ctx, EventFilters{Cursor: 3, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, int64(2), older[0].ID)
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	key := domain.APIKey{ID: "k1", ActorID: "ops", Name: "ci", KeyHash: HashAPIKey("secret")}
	require.NoError(t, r.InsertAPIKey(ctx, nil, key))
	require.ErrorIs(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2", ActorID: "ops", KeyHash: key.KeyHash}), ErrConflict)

	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey(" secret "))
	require.NoError(t, err)
	require.Equal(t, "ops", got.ActorID)

	require.Empty(t, got.LastUsedAt)
	require.NoError(t, r.TouchAPIKey(ctx, "k1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	keys, err := r.ListAPIKeys(ctx, "ops")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "2026-03-01T12:00:00Z", keys[0].LastUsedAt)

	none, err := r.ListAPIKeys(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, none)

	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	_, err = r.GetAPIKeyByHash(ctx, key.KeyHash)
	require.ErrorIs(t, err, ErrNotFound)
}
