package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"deployline/internal/config"
	"deployline/internal/logging"
	"deployline/internal/migrate"
)

func TestInitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	created, err := Init(ctx, dir)
	require.NoError(t, err)
	require.True(t, created)
	data, err := os.ReadFile(config.Path(dir))
	require.NoError(t, err)
	require.Equal(t, config.GenerateDefault(), string(data))

	require.NoError(t, os.WriteFile(config.Path(dir), []byte("server:\n  addr: 127.0.0.1:9999\n"), 0o644))
	created, err = Init(ctx, dir)
	require.NoError(t, err)
	require.False(t, created)

	a, err := Open(ctx, Options{Workspace: dir, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })
	require.Equal(t, "127.0.0.1:9999", a.Config.Server.Addr)

	version, err := migrate.Version(ctx, a.DB)
	require.NoError(t, err)
	latest, err := migrate.Latest()
	require.NoError(t, err)
	require.Equal(t, latest, version)
}

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	a, err := Open(context.Background(), Options{Workspace: t.TempDir(), Logger: logging.Discard(), Publish: true})
	require.NoError(t, err)
	defer a.Close(context.Background())
	require.Equal(t, config.Default(), a.Config)
	require.Nil(t, a.Engine.Publisher)

	list, err := a.Engine.ListDeployments(context.Background(), 10, "", "")
	require.NoError(t, err)
	require.Empty(t, list)
}
