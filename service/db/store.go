package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/psyduk/service/metrics"
	"github.com/brojonat/psyduk/service/raffle"
	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:    pool,
		metrics: m,
		logger:  logger,
	}
}

// Migrate applies the schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Executor returns a raffle.Executor backed by this store's pool.
func (s *Store) Executor() *Executor {
	return &Executor{pool: s.pool, metrics: s.metrics, logger: s.logger}
}

// Purchase is a recorded ticket purchase.
type Purchase struct {
	ID           int64            `json:"id"`
	RoundAddress solana.PublicKey `json:"round_address"`
	RoundEndTime int64            `json:"round_end_time"`
	Buyer        solana.PublicKey `json:"buyer"`
	Amount       uint64           `json:"amount"`
	Tickets      uint64           `json:"tickets"`
	Leftover     uint64           `json:"leftover"`
	PoolShare    uint64           `json:"pool_share"`
	FeeShare     uint64           `json:"fee_share"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Winner is a recorded round resolution.
type Winner struct {
	ID           int64            `json:"id"`
	RoundAddress solana.PublicKey `json:"round_address"`
	Winner       solana.PublicKey `json:"winner"`
	Payout       uint64           `json:"payout"`
	Tickets      int              `json:"tickets"`
	TicketIndex  int              `json:"ticket_index"`
	ResolvedAt   int64            `json:"resolved_at"`
	CreatedAt    time.Time        `json:"created_at"`
}

// ParticipantTickets is one participant's ticket count in the current round.
type ParticipantTickets struct {
	Participant solana.PublicKey `json:"participant"`
	Tickets     int64            `json:"tickets"`
}

// GetRound returns the stored round at address, or raffle.ErrRoundNotFound.
func (s *Store) GetRound(ctx context.Context, address solana.PublicKey) (r *raffle.Round, err error) {
	defer s.observe("get", "rounds", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `
		SELECT jackpot, start_time, end_time, tickets
		FROM rounds
		WHERE address = $1`, address.String())
	return scanRound(row)
}

// Balance returns address's ledger balance; unknown addresses hold zero.
func (s *Store) Balance(ctx context.Context, address solana.PublicKey) (balance uint64, err error) {
	defer s.observe("get", "ledger_balances", time.Now(), &err)

	var v int64
	err = s.pool.QueryRow(ctx, `SELECT balance FROM ledger_balances WHERE address = $1`, address.String()).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance for %s: %w", address, err)
	}
	return uint64(v), nil
}

// RecordPurchase stores an accepted purchase receipt for the round at roundAddress.
func (s *Store) RecordPurchase(ctx context.Context, roundAddress solana.PublicKey, receipt *raffle.Receipt) (out *Purchase, err error) {
	defer s.observe("insert", "purchases", time.Now(), &err)

	p := receipt.Purchase
	vals, err := int64s(p.Amount, p.Tickets, p.Leftover, p.PoolShare, p.FeeShare)
	if err != nil {
		return nil, err
	}
	var endTime int64
	if receipt.Round != nil {
		endTime = receipt.Round.EndTime
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO purchases (round_address, round_end_time, buyer, amount, tickets, leftover, pool_share, fee_share)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, round_address, round_end_time, buyer, amount, tickets, leftover, pool_share, fee_share, created_at`,
		roundAddress.String(), endTime, receipt.Buyer.String(), vals[0], vals[1], vals[2], vals[3], vals[4],
	)
	out, err = scanPurchase(row)
	if err != nil {
		return nil, fmt.Errorf("failed to record purchase: %w", err)
	}
	return out, nil
}

// ListPurchases returns purchases for roundAddress, newest first.
func (s *Store) ListPurchases(ctx context.Context, roundAddress solana.PublicKey, limit int32) (out []*Purchase, err error) {
	defer s.observe("list", "purchases", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT id, round_address, round_end_time, buyer, amount, tickets, leftover, pool_share, fee_share, created_at
		FROM purchases
		WHERE round_address = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, roundAddress.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordWinner stores a resolution.
func (s *Store) RecordWinner(ctx context.Context, roundAddress solana.PublicKey, res *raffle.Resolution) (out *Winner, err error) {
	defer s.observe("insert", "winners", time.Now(), &err)

	payout, err := toInt64(res.Payout)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO winners (round_address, winner, payout, tickets, ticket_index, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, round_address, winner, payout, tickets, ticket_index, resolved_at, created_at`,
		roundAddress.String(), res.Winner.String(), payout, res.Tickets, res.Index, res.ResolvedAt,
	)
	out, err = scanWinner(row)
	if err != nil {
		return nil, fmt.Errorf("failed to record winner: %w", err)
	}
	return out, nil
}

// ListWinners returns the most recent winners first.
func (s *Store) ListWinners(ctx context.Context, limit int32) (out []*Winner, err error) {
	defer s.observe("list", "winners", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT id, round_address, winner, payout, tickets, ticket_index, resolved_at, created_at
		FROM winners
		ORDER BY resolved_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list winners: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		w, err := scanWinner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ParticipantTickets returns ticket counts per participant in the round at
// roundAddress, largest holders first.
func (s *Store) ParticipantTickets(ctx context.Context, roundAddress solana.PublicKey) (out []ParticipantTickets, err error) {
	defer s.observe("aggregate", "rounds", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT t.participant, COUNT(*)
		FROM rounds r, unnest(r.tickets) AS t(participant)
		WHERE r.address = $1
		GROUP BY t.participant
		ORDER BY COUNT(*) DESC, t.participant`, roundAddress.String())
	if err != nil {
		return nil, fmt.Errorf("failed to count tickets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			participant string
			count       int64
		)
		if err := rows.Scan(&participant, &count); err != nil {
			return nil, fmt.Errorf("failed to scan ticket count: %w", err)
		}
		pk, err := solana.PublicKeyFromBase58(participant)
		if err != nil {
			return nil, fmt.Errorf("invalid participant %q: %w", participant, err)
		}
		out = append(out, ParticipantTickets{Participant: pk, Tickets: count})
	}
	return out, rows.Err()
}

// observe records query metrics for the enclosing call.
func (s *Store) observe(operation, table string, start time.Time, err *error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), *err)
	}
}

func scanPurchase(row pgx.Row) (*Purchase, error) {
	var p Purchase
	var round, buyer string
	var amount, tickets, leftover, poolShare, feeShare int64
	if err := row.Scan(&p.ID, &round, &p.RoundEndTime, &buyer, &amount, &tickets, &leftover, &poolShare, &feeShare, &p.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan purchase: %w", err)
	}
	keys, err := stringsToKeys([]string{round, buyer})
	if err != nil {
		return nil, err
	}
	p.RoundAddress, p.Buyer = keys[0], keys[1]
	p.Amount = uint64(amount)
	p.Tickets = uint64(tickets)
	p.Leftover = uint64(leftover)
	p.PoolShare = uint64(poolShare)
	p.FeeShare = uint64(feeShare)
	return &p, nil
}

func scanWinner(row pgx.Row) (*Winner, error) {
	var (
		w             Winner
		round, winner string
		payout        int64
	)
	if err := row.Scan(&w.ID, &round, &winner, &payout, &w.Tickets, &w.TicketIndex, &w.ResolvedAt, &w.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan winner: %w", err)
	}
	keys, err := stringsToKeys([]string{round, winner})
	if err != nil {
		return nil, err
	}
	w.RoundAddress, w.Winner = keys[0], keys[1]
	w.Payout = uint64(payout)
	return &w, nil
}

func int64s(vs ...uint64) ([]int64, error) {
	out := make([]int64, len(vs))
	for i, v := range vs {
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
