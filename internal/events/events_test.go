package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deployline/internal/db"
	"deployline/internal/domain"
	"deployline/internal/migrate"
)

func TestWriter_AppendReturnsStoredEvent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	w := Writer{Now: func() time.Time { return now }}
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	first, err := w.Append(ctx, tx, "deployment.created", "dep-1", "", "ops", time.Time{}, nil)
	require.NoError(t, err)
	second, err := w.Append(ctx, tx, "deployment.device.registered", "dep-1", "phone", "ops", now.Add(time.Second), EventPayload{"device_id": "x"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Equal(t, int64(1), first.ID)
	require.Equal(t, "2026-05-01T12:00:00Z", first.TS)
	require.Equal(t, "{}", first.Payload)
	require.Equal(t, int64(2), second.ID)
	require.Equal(t, `{"device_id":"x"}`, second.Payload)

	var role string
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT role_name FROM events WHERE id=2`).Scan(&role))
	require.Equal(t, "phone", role)
}

func TestFanout_PublishesToAllAndJoinsErrors(t *testing.T) {
	var got []string
	ok := PublisherFunc(func(_ context.Context, evt domain.Event) error {
		got = append(got, evt.Type)
		return nil
	})
	boom := errors.New("boom")
	failing := PublisherFunc(func(context.Context, domain.Event) error { return boom })

	err := Fanout{failing, nil, ok}.Publish(context.Background(), domain.Event{Type: "deployment.stopped"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"deployment.stopped"}, got)

	PublishAll(context.Background(), Fanout{ok}, nil, []domain.Event{{Type: "a"}, {Type: "b"}})
	require.Equal(t, []string{"deployment.stopped", "a", "b"}, got)
}
