package raffle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/brojonat/psyduk/service/metrics"
	"github.com/gagliardetto/solana-go"
)

// Clock supplies the current time to authority operations.
type Clock func() time.Time

// Config holds the fixed parameters of a pool.
type Config struct {
	ProgramID     solana.PublicKey
	Vault         solana.PublicKey // holds pooled funds; source of refunds, fees, and payouts
	FeeAddress    solana.PublicKey
	TicketPrice   uint64
	RoundDuration time.Duration
	Cooldown      time.Duration
	SplitBasis    SplitBasis
}

// Receipt describes a recorded purchase and the round it landed in.
type Receipt struct {
	Buyer    solana.PublicKey `json:"buyer"`
	Purchase Purchase         `json:"purchase"`
	Round    *Round           `json:"round"`
}

// Resolution describes a resolved round.
type Resolution struct {
	Winner     solana.PublicKey `json:"winner"`
	Index      int              `json:"index"`
	Payout     uint64           `json:"payout"`
	Tickets    int              `json:"tickets"`
	ResolvedAt int64            `json:"resolved_at"`
	Next       *Round           `json:"next"`
}

// Authority owns the round at the canonical address and exposes its three
// state transitions. Every transition runs inside a single Executor operation.
type Authority struct {
	cfg     Config
	address solana.PublicKey
	exec    Executor
	clock   Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewAuthority validates cfg and derives the canonical round address.
// If clock is nil, time.Now is used. If metrics is nil, no metrics are recorded.
func NewAuthority(cfg Config, exec Executor, clock Clock, m *metrics.Metrics, logger *slog.Logger) (*Authority, error) {
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.TicketPrice == 0 {
		return nil, fmt.Errorf("ticket price must be positive")
	}
	if cfg.RoundDuration < time.Second {
		return nil, fmt.Errorf("round duration must be at least 1 second")
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("cooldown cannot be negative")
	}
	if cfg.Vault.IsZero() || cfg.FeeAddress.IsZero() {
		return nil, fmt.Errorf("vault and fee addresses are required")
	}
	if cfg.SplitBasis == "" {
		cfg.SplitBasis = DefaultSplitBasis
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	addr, err := CanonicalAddress(cfg.ProgramID)
	if err != nil {
		return nil, err
	}

	return &Authority{
		cfg:     cfg,
		address: addr,
		exec:    exec,
		clock:   clock,
		metrics: m,
		logger:  logger.With("component", "raffle_authority"),
	}, nil
}

// Address returns the canonical round address.
func (a *Authority) Address() solana.PublicKey {
	return a.address
}

// Config returns the pool parameters.
func (a *Authority) Config() Config {
	return a.cfg
}

func (a *Authority) checkTarget(target solana.PublicKey) error {
	if !target.Equals(a.address) {
		return fmt.Errorf("%w: %s is not the canonical round address %s", ErrInvalidAccount, target, a.address)
	}
	return nil
}

// Open starts a fresh round at target. It succeeds when no round exists yet or
// the stored round is empty; a round holding tickets or jackpot is never reset
// by Open.
func (a *Authority) Open(ctx context.Context, target solana.PublicKey) (*Round, error) {
	if err := a.checkTarget(target); err != nil {
		return nil, err
	}

	now := a.clock().Unix()
	var opened *Round

	err := a.exec.Execute(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.LoadRound(ctx, target)
		switch {
		case errors.Is(err, ErrRoundNotFound):
		case err != nil:
			return fmt.Errorf("failed to load round: %w", err)
		case !current.Empty():
			return fmt.Errorf("%w: %d tickets, jackpot %d", ErrRoundInProgress, len(current.Tickets), current.Jackpot)
		}

		opened = &Round{
			StartTime: now,
			EndTime:   now + seconds(a.cfg.RoundDuration),
			Tickets:   []solana.PublicKey{},
		}
		return tx.SaveRound(ctx, target, opened)
	})
	if err != nil {
		a.logger.WarnContext(ctx, "failed to open round", "address", target.String(), "error", err)
		return nil, err
	}

	a.logger.InfoContext(ctx, "round opened",
		"address", target.String(),
		"start_time", opened.StartTime,
		"end_time", opened.EndTime,
	)
	if a.metrics != nil {
		a.metrics.SetJackpot(0)
	}
	return opened, nil
}

// RecordPurchase issues tickets for a payment of amount already made to the
// vault. The leftover is refunded to the buyer, the fee share is routed to the
// fee address, and the pool share is added to the jackpot, all in one commit.
// A purchase that would leave the vault unable to pay out the jackpot is
// refused with ErrAuthorizationFailure.
func (a *Authority) RecordPurchase(ctx context.Context, target, buyer solana.PublicKey, amount uint64) (*Receipt, error) {
	return a.recordPurchase(ctx, target, buyer, amount, false)
}

// RecordPayment is RecordPurchase for a payment the ledger has not seen yet:
// amount is deposited into the vault in the same commit, so a rejected
// purchase leaves no deposit behind.
func (a *Authority) RecordPayment(ctx context.Context, target, buyer solana.PublicKey, amount uint64) (*Receipt, error) {
	return a.recordPurchase(ctx, target, buyer, amount, true)
}

func (a *Authority) recordPurchase(ctx context.Context, target, buyer solana.PublicKey, amount uint64, deposit bool) (*Receipt, error) {
	if err := a.checkTarget(target); err != nil {
		return nil, err
	}
	if buyer.IsZero() {
		return nil, fmt.Errorf("%w: zero address", ErrInvalidBuyer)
	}

	p, err := Quote(amount, a.cfg.TicketPrice, a.cfg.SplitBasis)
	if err != nil {
		a.recordPurchaseMetric(err, 0)
		return nil, err
	}

	var updated *Round
	err = a.exec.Execute(ctx, func(ctx context.Context, tx Tx) error {
		round, err := tx.LoadRound(ctx, target)
		if err != nil {
			return fmt.Errorf("failed to load round: %w", err)
		}
		if round.Jackpot > math.MaxUint64-p.PoolShare {
			return ErrJackpotOverflow
		}

		if deposit {
			if err := tx.Deposit(ctx, a.cfg.Vault, amount); err != nil {
				return fmt.Errorf("failed to deposit payment: %w", err)
			}
		}
		if p.Leftover > 0 {
			if err := tx.Transfer(ctx, a.cfg.Vault, buyer, p.Leftover); err != nil {
				return fmt.Errorf("failed to refund leftover: %w", err)
			}
		}
		if err := tx.Transfer(ctx, a.cfg.Vault, a.cfg.FeeAddress, p.FeeShare); err != nil {
			return fmt.Errorf("failed to route fee: %w", err)
		}

		round.Jackpot += p.PoolShare
		held, err := tx.Balance(ctx, a.cfg.Vault)
		if err != nil {
			return fmt.Errorf("failed to read vault balance: %w", err)
		}
		if held < round.Jackpot {
			return fmt.Errorf("%w: vault would hold %d, jackpot needs %d", ErrAuthorizationFailure, held, round.Jackpot)
		}

		for i := uint64(0); i < p.Tickets; i++ {
			round.Tickets = append(round.Tickets, buyer)
		}
		if err := tx.SaveRound(ctx, target, round); err != nil {
			return fmt.Errorf("failed to save round: %w", err)
		}
		updated = round
		return nil
	})
	if err != nil {
		a.logger.WarnContext(ctx, "purchase rejected",
			"buyer", buyer.String(),
			"amount", amount,
			"error", err,
		)
		a.recordPurchaseMetric(err, 0)
		return nil, err
	}

	a.logger.InfoContext(ctx, "tickets purchased",
		"buyer", buyer.String(),
		"amount", amount,
		"tickets", p.Tickets,
		"leftover", p.Leftover,
		"pool_share", p.PoolShare,
		"fee_share", p.FeeShare,
		"jackpot", updated.Jackpot,
	)
	a.recordPurchaseMetric(nil, p.Tickets)
	if a.metrics != nil {
		a.metrics.SetJackpot(updated.Jackpot)
	}

	return &Receipt{Buyer: buyer, Purchase: p, Round: updated}, nil
}

// Resolve pays the whole jackpot to a ticket chosen by SelectWinner and opens
// the next round after the cooldown. If the payout is refused nothing changes,
// so the call can be retried.
func (a *Authority) Resolve(ctx context.Context, target solana.PublicKey) (*Resolution, error) {
	if err := a.checkTarget(target); err != nil {
		return nil, err
	}

	now := a.clock().Unix()
	var res *Resolution

	err := a.exec.Execute(ctx, func(ctx context.Context, tx Tx) error {
		round, err := tx.LoadRound(ctx, target)
		if err != nil {
			return fmt.Errorf("failed to load round: %w", err)
		}
		if !round.Due(now) {
			return fmt.Errorf("%w: ends at %d, now %d", ErrRoundStillOpen, round.EndTime, now)
		}

		idx, err := SelectWinner(now, len(round.Tickets))
		if err != nil {
			return err
		}
		winner := round.Tickets[idx]

		if err := tx.Transfer(ctx, a.cfg.Vault, winner, round.Jackpot); err != nil {
			return fmt.Errorf("failed to pay winner: %w", err)
		}

		start := now + seconds(a.cfg.Cooldown)
		next := &Round{
			StartTime: start,
			EndTime:   start + seconds(a.cfg.RoundDuration),
			Tickets:   []solana.PublicKey{},
		}
		if err := tx.SaveRound(ctx, target, next); err != nil {
			return fmt.Errorf("failed to save round: %w", err)
		}

		res = &Resolution{
			Winner:     winner,
			Index:      idx,
			Payout:     round.Jackpot,
			Tickets:    len(round.Tickets),
			ResolvedAt: now,
			Next:       next,
		}
		return nil
	})
	if err != nil {
		a.logger.DebugContext(ctx, "round not resolved", "address", target.String(), "error", err)
		if a.metrics != nil {
			a.metrics.RecordResolution(statusFor(err))
		}
		return nil, err
	}

	a.logger.InfoContext(ctx, "round resolved",
		"winner", res.Winner.String(),
		"index", res.Index,
		"payout", res.Payout,
		"tickets", res.Tickets,
		"next_end_time", res.Next.EndTime,
	)
	if a.metrics != nil {
		a.metrics.RecordResolution("success")
		a.metrics.SetJackpot(0)
	}
	return res, nil
}

// Round returns the current round at target.
func (a *Authority) Round(ctx context.Context, target solana.PublicKey) (*Round, error) {
	if err := a.checkTarget(target); err != nil {
		return nil, err
	}
	var out *Round
	err := a.exec.Execute(ctx, func(ctx context.Context, tx Tx) error {
		r, err := tx.LoadRound(ctx, target)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (a *Authority) recordPurchaseMetric(err error, tickets uint64) {
	if a.metrics == nil {
		return
	}
	a.metrics.RecordPurchase(statusFor(err), tickets)
}

// statusFor maps an operation error to a metric label.
func statusFor(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidAccount), errors.Is(err, ErrInvalidBuyer):
		return "invalid_account"
	case errors.Is(err, ErrInsufficientAmount):
		return "insufficient_amount"
	case errors.Is(err, ErrTooManyTickets):
		return "too_many_tickets"
	case errors.Is(err, ErrRoundStillOpen):
		return "round_still_open"
	case errors.Is(err, ErrNoParticipants):
		return "no_participants"
	case errors.Is(err, ErrRoundNotFound):
		return "round_not_found"
	case errors.Is(err, ErrAuthorizationFailure):
		return "authorization_failure"
	default:
		return "error"
	}
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
