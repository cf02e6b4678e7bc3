package store

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"cyphire/api/internal/errs"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"
)

// startPostgres boots a disposable Postgres 16, or reuses CYPHIRE_TEST_PG_DSN.
func startPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	ctx := context.Background()

	dsn := os.Getenv("CYPHIRE_TEST_PG_DSN")
	if dsn == "" {
		container, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("cyphire"),
			postgres.WithUsername("cyphire"),
			postgres.WithPassword("cyphire"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			t.Skipf("postgres container unavailable: %v", err)
		}
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })

		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	require.NoError(t, ApplyMigrations(ctx, dsn))
	pool, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewPostgresStore(pool)
}

func seedEngagement(t *testing.T, s *PostgresStore, suffix string) Engagement {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"owner_" + suffix, "worker_" + suffix} {
		require.NoError(t, s.UpsertUser(ctx, User{ID: id, DisplayName: id}))
	}
	item, err := s.CreateEngagement(ctx, Engagement{
		ID:       "eng_" + suffix,
		TaskID:   "task_" + suffix,
		OwnerID:  "owner_" + suffix,
		WorkerID: "worker_" + suffix,
	})
	require.NoError(t, err)
	return item
}

func TestIntegrationConcurrentFinaliseTransitionsOnce(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		eng := seedEngagement(t, s, fmt.Sprintf("race%d", round))

		var transitions atomic.Int32
		var g errgroup.Group
		for i := 0; i < 8; i++ {
			asOwner := i%2 == 0
			g.Go(func() error {
				res, err := s.Finalise(ctx, eng.ID, asOwner, !asOwner, time.Hour)
				if err != nil {
					return err
				}
				if res.Transitioned {
					transitions.Add(1)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		require.Equal(t, int32(1), transitions.Load(), "round %d", round)

		got, err := s.GetEngagement(ctx, eng.ID)
		require.NoError(t, err)
		require.True(t, got.Finalised())
	}
}

func TestIntegrationAppendCloseAndExpire(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	eng := seedEngagement(t, s, "life")

	_, err := s.GetMessageLog(ctx, eng.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	first, err := s.AppendMessage(ctx, Message{EngagementID: eng.ID, SenderID: eng.OwnerID, Text: "hello"})
	require.NoError(t, err)
	second, err := s.AppendMessage(ctx, Message{EngagementID: eng.ID, SenderID: eng.WorkerID, Text: "hi"})
	require.NoError(t, err)
	require.Less(t, first.ID, second.ID)

	log, err := s.GetMessageLog(ctx, eng.ID)
	require.NoError(t, err)
	require.Nil(t, log.ExpireAt)

	_, err = s.Finalise(ctx, eng.ID, true, false, time.Hour)
	require.NoError(t, err)
	res, err := s.Finalise(ctx, eng.ID, false, true, time.Hour)
	require.NoError(t, err)
	require.True(t, res.Transitioned)

	_, err = s.AppendMessage(ctx, Message{EngagementID: eng.ID, SenderID: eng.OwnerID, Text: "late"})
	require.ErrorIs(t, err, errs.ErrChatClosed)

	items, err := s.ListMessages(ctx, eng.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)

	purged, err := s.PurgeExpiredLogs(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.GreaterOrEqual(t, purged, int64(1))

	items, err = s.ListMessages(ctx, eng.ID, 0, 0)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestIntegrationFinaliseWithoutMessagesStillExpires(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	eng := seedEngagement(t, s, "quiet")

	res, err := s.Finalise(ctx, eng.ID, true, true, time.Hour)
	require.NoError(t, err)
	require.True(t, res.Transitioned)

	log, err := s.GetMessageLog(ctx, eng.ID)
	require.NoError(t, err)
	require.NotNil(t, log.ExpireAt)
}
