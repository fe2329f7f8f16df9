//go:build integration

package repository

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

var testRepo *Repository

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, dsn, err := startPostgres(ctx)
	if err != nil {
		log.Fatalf("failed to start postgres container: %v", err)
	}

	repo, err := New(ctx, Config{DSN: dsn}, zap.NewNop())
	if err != nil {
		log.Fatalf("failed to connect repository: %v", err)
	}
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	testRepo = repo

	code := m.Run()

	repo.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func startPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "testuser",
				"POSTGRES_PASSWORD": "testpass",
				"POSTGRES_DB":       "testdb",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, "", err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, "", err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, "", err
	}

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
	return container, dsn, nil
}

func truncate(t *testing.T, ctx context.Context) {
	t.Helper()
	_, err := testRepo.pool.Exec(ctx, "TRUNCATE TABLE outbox_event")
	require.NoError(t, err)
}

func insertPending(t *testing.T, ctx context.Context, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := testRepo.pool.Exec(ctx,
			`INSERT INTO outbox_event (aggregate_type, aggregate_id, event_type, payload) VALUES ($1, $2, $3, $4)`,
			"order", "agg-1", "order.created", []byte(`{"n":1}`))
		require.NoError(t, err)
	}
}

// Scenario 1 from spec.md §8: single success.
func TestClaimAndMarkSuccess(t *testing.T) {
	ctx := context.Background()
	truncate(t, ctx)
	insertPending(t, ctx, 1)

	batch, err := testRepo.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch.Events(), 1)

	require.NoError(t, batch.MarkSuccess(ctx, batch.Events()[0].ID))
	require.NoError(t, batch.Commit(ctx))

	var status string
	var attempts int
	err = testRepo.pool.QueryRow(ctx, "SELECT status, attempts FROM outbox_event WHERE id = $1", batch.Events()[0].ID).
		Scan(&status, &attempts)
	require.NoError(t, err)
	require.Equal(t, "done", status)
	require.Equal(t, 1, attempts)
}

// Scenario 3 from spec.md §8: exhaustion to dead after max_attempts failures.
func TestMarkRetryOrDead_ExhaustionToDead(t *testing.T) {
	ctx := context.Background()
	truncate(t, ctx)
	insertPending(t, ctx, 1)

	var id int64
	for i := 0; i < 3; i++ {
		batch, err := testRepo.ClaimDue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, batch.Events(), 1)
		id = batch.Events()[0].ID
		require.NoError(t, batch.MarkRetryOrDead(ctx, id, 3, 0))
		require.NoError(t, batch.Commit(ctx))
	}

	var status string
	var attempts int
	err := testRepo.pool.QueryRow(ctx, "SELECT status, attempts FROM outbox_event WHERE id = $1", id).
		Scan(&status, &attempts)
	require.NoError(t, err)
	require.Equal(t, "dead", status)
	require.Equal(t, 3, attempts)
}

// Scenario 5 from spec.md §8: DLQ reset.
func TestResetDeadToPending(t *testing.T) {
	ctx := context.Background()
	truncate(t, ctx)
	insertPending(t, ctx, 1)

	batch, err := testRepo.ClaimDue(ctx, 10)
	require.NoError(t, err)
	id := batch.Events()[0].ID
	require.NoError(t, batch.MarkRetryOrDead(ctx, id, 1, 0))
	require.NoError(t, batch.Commit(ctx))

	ok, err := testRepo.ResetDeadToPending(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	ev, found, err := testRepo.GetDeadEvent(ctx, id)
	require.NoError(t, err)
	require.False(t, found)
	_ = ev

	var status string
	var attempts int
	err = testRepo.pool.QueryRow(ctx, "SELECT status, attempts FROM outbox_event WHERE id = $1", id).
		Scan(&status, &attempts)
	require.NoError(t, err)
	require.Equal(t, "pending", status)
	require.Equal(t, 0, attempts)
}

// Scenario 6 from spec.md §8: connection loss mid-batch (simulated by rollback).
func TestRollbackReleasesClaim(t *testing.T) {
	ctx := context.Background()
	truncate(t, ctx)
	insertPending(t, ctx, 1)

	batch, err := testRepo.ClaimDue(ctx, 10)
	require.NoError(t, err)
	id := batch.Events()[0].ID
	require.NoError(t, batch.MarkSuccess(ctx, id))
	require.NoError(t, batch.Rollback(ctx))

	var status string
	var attempts int
	err = testRepo.pool.QueryRow(ctx, "SELECT status, attempts FROM outbox_event WHERE id = $1", id).
		Scan(&status, &attempts)
	require.NoError(t, err)
	require.Equal(t, "pending", status)
	require.Equal(t, 0, attempts)
}

// **Property P5 (Exclusive claim): concurrent ClaimDue calls never return
// the same row twice.**
func TestProperty_ExclusiveClaim(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("two concurrent claims over disjoint rows never overlap", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			truncate(t, ctx)
			insertPending(t, ctx, n)

			type result struct {
				ids []int64
				err error
			}
			results := make(chan result, 2)
			for i := 0; i < 2; i++ {
				go func() {
					batch, err := testRepo.ClaimDue(ctx, n)
					if err != nil {
						results <- result{err: err}
						return
					}
					var ids []int64
					for _, ev := range batch.Events() {
						ids = append(ids, ev.ID)
						_ = batch.MarkSuccess(ctx, ev.ID)
					}
					_ = batch.Commit(ctx)
					results <- result{ids: ids}
				}()
			}

			seen := map[int64]bool{}
			total := 0
			for i := 0; i < 2; i++ {
				r := <-results
				if r.err != nil {
					return false
				}
				for _, id := range r.ids {
					if seen[id] {
						return false
					}
					seen[id] = true
					total++
				}
			}
			return total == n
		},
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
