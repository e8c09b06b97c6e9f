package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/brojonat/psyduk/service/metrics"
	"github.com/brojonat/psyduk/service/raffle"
	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Executor runs raffle operations inside a Postgres transaction. The round row
// is locked for the duration of the operation, so operations on one pool are
// serialized, and any error rolls every staged change back.
type Executor struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ raffle.Executor = (*Executor)(nil)

// Execute implements raffle.Executor.
func (e *Executor) Execute(ctx context.Context, fn func(ctx context.Context, tx raffle.Tx) error) (err error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.RecordDBQuery("execute", "rounds", time.Since(start).Seconds(), err)
		}
	}()

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// No-op after a successful commit.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			e.logger.ErrorContext(ctx, "failed to roll back", "error", rbErr)
		}
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// pgTx implements raffle.Tx over a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LoadRound(ctx context.Context, address solana.PublicKey) (*raffle.Round, error) {
	// Serializes operations on this pool even before the row exists.
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, address.String()); err != nil {
		return nil, fmt.Errorf("failed to lock round: %w", err)
	}

	row := t.tx.QueryRow(ctx, `
		SELECT jackpot, start_time, end_time, tickets
		FROM rounds
		WHERE address = $1
		FOR UPDATE`, address.String())
	return scanRound(row)
}

func (t *pgTx) SaveRound(ctx context.Context, address solana.PublicKey, round *raffle.Round) error {
	jackpot, err := toInt64(round.Jackpot)
	if err != nil {
		return fmt.Errorf("jackpot: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO rounds (address, jackpot, start_time, end_time, tickets, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (address) DO UPDATE SET
			jackpot = EXCLUDED.jackpot,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			tickets = EXCLUDED.tickets,
			updated_at = NOW()`,
		address.String(), jackpot, round.StartTime, round.EndTime, keysToStrings(round.Tickets),
	)
	if err != nil {
		return fmt.Errorf("failed to save round: %w", err)
	}
	return nil
}

func (t *pgTx) Transfer(ctx context.Context, from, to solana.PublicKey, amount uint64) error {
	if amount == 0 {
		return nil
	}
	amt, err := toInt64(amount)
	if err != nil {
		return fmt.Errorf("%w: %v", raffle.ErrAuthorizationFailure, err)
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE ledger_balances
		SET balance = balance - $2, updated_at = NOW()
		WHERE address = $1 AND balance >= $2`,
		from.String(), amt,
	)
	if err != nil {
		return fmt.Errorf("failed to debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s cannot cover %d", raffle.ErrAuthorizationFailure, from, amount)
	}

	if _, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_balances (address, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (address) DO UPDATE SET
			balance = ledger_balances.balance + EXCLUDED.balance,
			updated_at = NOW()`,
		to.String(), amt,
	); err != nil {
		return fmt.Errorf("%w: failed to credit %s: %v", raffle.ErrAuthorizationFailure, to, err)
	}

	if _, err := t.tx.Exec(ctx, `
		INSERT INTO transfers (from_address, to_address, amount)
		VALUES ($1, $2, $3)`,
		from.String(), to.String(), amt,
	); err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}
	return nil
}

func (t *pgTx) Deposit(ctx context.Context, address solana.PublicKey, amount uint64) error {
	if amount == 0 {
		return nil
	}
	amt, err := toInt64(amount)
	if err != nil {
		return fmt.Errorf("%w: %v", raffle.ErrAuthorizationFailure, err)
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_balances (address, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (address) DO UPDATE SET
			balance = ledger_balances.balance + EXCLUDED.balance,
			updated_at = NOW()`,
		address.String(), amt,
	); err != nil {
		return fmt.Errorf("%w: failed to deposit to %s: %v", raffle.ErrAuthorizationFailure, address, err)
	}
	return nil
}

func (t *pgTx) Balance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	var v int64
	err := t.tx.QueryRow(ctx, `
		SELECT balance FROM ledger_balances
		WHERE address = $1
		FOR UPDATE`, address.String()).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance for %s: %w", address, err)
	}
	return uint64(v), nil
}

func scanRound(row pgx.Row) (*raffle.Round, error) {
	var (
		jackpot int64
		tickets []string
		r       raffle.Round
	)
	if err := row.Scan(&jackpot, &r.StartTime, &r.EndTime, &tickets); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, raffle.ErrRoundNotFound
		}
		return nil, fmt.Errorf("failed to scan round: %w", err)
	}
	r.Jackpot = uint64(jackpot)

	keys, err := stringsToKeys(tickets)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tickets: %w", err)
	}
	r.Tickets = keys
	return &r, nil
}

func toInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("amount %d exceeds storable range", v)
	}
	return int64(v), nil
}

func keysToStrings(keys []solana.PublicKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

func stringsToKeys(ss []string) ([]solana.PublicKey, error) {
	out := make([]solana.PublicKey, len(ss))
	for i, s := range ss {
		k, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", s, err)
		}
		out[i] = k
	}
	return out, nil
}
