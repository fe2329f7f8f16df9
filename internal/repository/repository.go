// Package repository is the data-access boundary for the outbox dispatcher:
// atomic claim of due rows, status transitions, connection health, and
// dead-letter inspection. It owns all SQL (spec.md §4.2).
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"outbox-dispatcher/internal/event"
)

// ErrNotDead describes a row that is missing or not currently in the dead
// state. ResetDeadToPending does not return it; it reports that case as a
// false result with a nil error.
var ErrNotDead = errors.New("repository: event is not dead")

// Repository owns one long-lived connection pool in worker mode. The
// observability surface constructs short-lived instances via ShortLived
// config and never shares a worker's pool (spec.md §6.4).
type Repository struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *zap.Logger
}

// New connects to the database and returns a ready Repository. The pool is
// sized from cfg and the connect attempt is bounded by cfg.ConnectTimeout.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if cfg.DSN == "" {
		return nil, fmt.Errorf("repository: DSN is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("repository: invalid DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("repository: cannot create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("repository: cannot reach database: %w", err)
	}

	return &Repository{pool: pool, cfg: cfg, logger: logger}, nil
}

// Close releases all pooled connections.
func (r *Repository) Close() {
	r.pool.Close()
}

// IsConnected issues a trivial round trip bounded by the statement timeout.
func (r *Repository) IsConnected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StatementTimeout)
	defer cancel()
	var one int
	return r.pool.QueryRow(ctx, "SELECT 1").Scan(&one) == nil && one == 1
}

// EnsureConnected pings the pool and, on failure, retries with bounded
// exponential backoff until the context is cancelled. Callers (the Worker's
// main loop) call this before every iteration per spec.md §4.4 step 2.
func (r *Repository) EnsureConnected(ctx context.Context) error {
	if r.IsConnected(ctx) {
		return nil
	}

	backoff := 100 * time.Millisecond
	const maxBackoff = 10 * time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if r.IsConnected(ctx) {
			r.logger.Info("repository reconnected")
			return nil
		}

		r.logger.Warn("repository still unreachable, retrying", zap.Duration("backoff", backoff))
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// setStatementTimeout applies the configured statement timeout to the
// session underlying tx, guaranteeing no worker hangs indefinitely on a
// pathological query (spec.md §4.2 "Statement timeout").
func (r *Repository) setStatementTimeout(ctx context.Context, tx pgx.Tx) error {
	ms := r.cfg.StatementTimeout.Milliseconds()
	_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", ms))
	return err
}

// ClaimedBatch wraps a single open transaction holding row-exclusive locks
// on the events it returned. The caller mutates each event's outcome via
// MarkSuccess/MarkRetryOrDead within this same transaction, then Commits
// once — row locks persist from claim through commit (spec.md §4.4).
type ClaimedBatch struct {
	tx     pgx.Tx
	repo   *Repository
	events []event.Event
}

// Events returns the rows claimed into this batch, ordered by id ascending.
func (b *ClaimedBatch) Events() []event.Event {
	return b.events
}

// ClaimDue atomically selects up to batchSize due rows ordered by id
// ascending, skipping rows locked by other workers (I5, P5). The returned
// batch's transaction stays open until Commit or Rollback is called.
func (r *Repository) ClaimDue(ctx context.Context, batchSize int) (*ClaimedBatch, error) {
	if batchSize <= 0 {
		return &ClaimedBatch{repo: r}, nil
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("repository: begin claim transaction: %w", err)
	}

	if err := r.setStatementTimeout(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("repository: set statement timeout: %w", err)
	}

	const query = `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, status, attempts, next_run_at, created_at
		FROM outbox_event
		WHERE status IN ('pending', 'retry') AND next_run_at <= now()
		ORDER BY id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, batchSize)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("repository: claim query: %w", err)
	}

	var events []event.Event
	for rows.Next() {
		var row event.Row
		var nextRunAt time.Time
		if err := rows.Scan(&row.ID, &row.AggregateType, &row.AggregateID, &row.EventType,
			&row.Payload, &row.Status, &row.Attempts, &nextRunAt, &row.CreatedAt); err != nil {
			rows.Close()
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("repository: scan claimed row: %w", err)
		}
		row.NextRunAt = &nextRunAt

		ev, err := event.FromRow(row)
		if err != nil {
			// Schema/data anomaly: log and skip this row rather than crash
			// the worker (spec.md §4.4 "Event without id").
			r.logger.Error("skipping malformed outbox row", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("repository: claim rows: %w", err)
	}

	return &ClaimedBatch{tx: tx, repo: r, events: events}, nil
}

// MarkSuccess sets status done and increments attempts by 1, within the
// claim transaction.
func (b *ClaimedBatch) MarkSuccess(ctx context.Context, eventID int64) error {
	if b.tx == nil {
		return nil
	}
	_, err := b.tx.Exec(ctx,
		`UPDATE outbox_event SET status = 'done', attempts = attempts + 1 WHERE id = $1`,
		eventID)
	if err != nil {
		return fmt.Errorf("repository: mark success for event %d: %w", eventID, err)
	}
	return nil
}

// MarkRetryOrDead computes the next state server-side: dead if the
// post-increment attempts count reaches maxAttempts, otherwise retry with
// next_run_at pushed out by backoff. Using a single UPDATE with a CASE
// expression means the decision is server-evaluated and races with DLQ
// resets are serialized by Postgres (spec.md §4.2, §9).
func (b *ClaimedBatch) MarkRetryOrDead(ctx context.Context, eventID int64, maxAttempts int, backoff time.Duration) error {
	if b.tx == nil {
		return nil
	}
	backoffSeconds := int(backoff.Round(time.Second).Seconds())
	if backoffSeconds < 0 {
		backoffSeconds = 0
	}

	const query = `
		UPDATE outbox_event
		SET
			status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'retry' END,
			next_run_at = CASE WHEN attempts + 1 >= $2 THEN next_run_at ELSE now() + ($3 * INTERVAL '1 second') END,
			attempts = attempts + 1
		WHERE id = $1`

	_, err := b.tx.Exec(ctx, query, eventID, maxAttempts, backoffSeconds)
	if err != nil {
		return fmt.Errorf("repository: mark retry-or-dead for event %d: %w", eventID, err)
	}
	return nil
}

// Commit persists every outcome written in this transaction and releases
// the row locks held since claim.
func (b *ClaimedBatch) Commit(ctx context.Context) error {
	if b.tx == nil {
		return nil
	}
	if err := b.tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository: commit claim batch: %w", err)
	}
	return nil
}

// Rollback aborts the transaction, reverting every row to its pre-claim
// state so another worker can re-pick it without double-commit. Safe to
// call after a successful Commit (no-op).
func (b *ClaimedBatch) Rollback(ctx context.Context) error {
	if b.tx == nil {
		return nil
	}
	err := b.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("repository: rollback claim batch: %w", err)
	}
	return nil
}
