// Package raffle implements the pool accounting authority: round state, ticket
// purchases, and winner resolution applied atomically through an Executor.
package raffle

import (
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Default raffle parameters.
const (
	// Seed is the public seed the canonical round address is derived from.
	Seed = "raffle"

	// TicketPrice is the cost of one ticket in lamports (0.01 SOL).
	TicketPrice uint64 = 10_000_000

	// RoundDuration is how long ticket sales stay open for a round.
	RoundDuration = 15 * time.Minute

	// Cooldown is the gap between a resolution and the start of the next round.
	Cooldown = 10 * time.Second

	// PoolSharePercent is the share of each purchase credited to the jackpot.
	PoolSharePercent uint64 = 80

	// MaxTicketsPerPurchase bounds a single purchase so the ticket list cannot be
	// grown by an arbitrarily large amount in one operation.
	MaxTicketsPerPurchase uint64 = 100_000
)

// Validation errors.
var (
	ErrInvalidAccount = errors.New("invalid raffle account")
	ErrInvalidBuyer   = errors.New("invalid buyer address")
)

// Precondition errors. A failed operation leaves the round untouched.
var (
	ErrInsufficientAmount = errors.New("amount is insufficient to buy a ticket")
	ErrTooManyTickets     = errors.New("purchase exceeds the per-purchase ticket limit")
	ErrRoundStillOpen     = errors.New("round is still open")
	ErrNoParticipants     = errors.New("no tickets have been purchased for this round")
	ErrRoundInProgress    = errors.New("round already in progress")
	ErrRoundNotFound      = errors.New("round has not been opened")
	ErrJackpotOverflow    = errors.New("jackpot would overflow")
)

// ErrAuthorizationFailure is returned when the ledger refuses a transfer.
var ErrAuthorizationFailure = errors.New("transfer could not be authorized")

// SplitBasis selects which quantity the pool/fee split is computed from.
type SplitBasis string

const (
	// SplitOnAmount splits the full paid amount, including any refunded
	// leftover. The refund then comes out of the pool's funds, so a purchase
	// with a leftover is only accepted while the vault holds a surplus.
	SplitOnAmount SplitBasis = "amount"

	// SplitOnSpent splits only the portion spent on tickets (amount - leftover).
	SplitOnSpent SplitBasis = "spent"

	// DefaultSplitBasis keeps the vault holding exactly the jackpot.
	DefaultSplitBasis = SplitOnSpent
)

// ParseSplitBasis parses a split basis name.
func ParseSplitBasis(s string) (SplitBasis, error) {
	switch SplitBasis(s) {
	case SplitOnAmount, SplitOnSpent:
		return SplitBasis(s), nil
	default:
		return "", fmt.Errorf("invalid split basis %q: must be %q or %q", s, SplitOnAmount, SplitOnSpent)
	}
}

// Round is the persisted state of the single active raffle round.
// Timestamps are unix seconds.
type Round struct {
	Jackpot   uint64             `json:"jackpot"`
	StartTime int64              `json:"start_time"`
	EndTime   int64              `json:"end_time"`
	Tickets   []solana.PublicKey `json:"tickets"`
}

// Clone returns a deep copy of the round.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	out := *r
	out.Tickets = make([]solana.PublicKey, len(r.Tickets))
	copy(out.Tickets, r.Tickets)
	return &out
}

// Empty reports whether the round holds no tickets and no jackpot.
func (r *Round) Empty() bool {
	return len(r.Tickets) == 0 && r.Jackpot == 0
}

// Due reports whether the round may be resolved at now.
func (r *Round) Due(now int64) bool {
	return now >= r.EndTime
}

// TicketCounts returns the number of tickets held by each participant.
func (r *Round) TicketCounts() map[solana.PublicKey]int {
	counts := make(map[solana.PublicKey]int)
	for _, t := range r.Tickets {
		counts[t]++
	}
	return counts
}

// Purchase is the breakdown of a payment into tickets and transfers.
type Purchase struct {
	Amount    uint64 `json:"amount"`
	Tickets   uint64 `json:"tickets"`
	Leftover  uint64 `json:"leftover"`
	PoolShare uint64 `json:"pool_share"`
	FeeShare  uint64 `json:"fee_share"`
}

// Quote computes the ticket count, refund, and pool/fee split for amount.
// All arithmetic is integer; the pool share is floor(base*80/100) computed
// without intermediate overflow.
func Quote(amount, price uint64, basis SplitBasis) (Purchase, error) {
	if price == 0 {
		return Purchase{}, fmt.Errorf("ticket price must be positive")
	}
	if amount < price {
		return Purchase{}, fmt.Errorf("%w: got %d, need at least %d", ErrInsufficientAmount, amount, price)
	}

	p := Purchase{
		Amount:   amount,
		Tickets:  amount / price,
		Leftover: amount % price,
	}
	if p.Tickets > MaxTicketsPerPurchase {
		return Purchase{}, fmt.Errorf("%w: %d tickets requested, limit is %d", ErrTooManyTickets, p.Tickets, MaxTicketsPerPurchase)
	}

	base := amount
	if basis == SplitOnSpent {
		base = amount - p.Leftover
	}
	p.PoolShare = percentOf(base, PoolSharePercent)
	p.FeeShare = base - p.PoolShare
	return p, nil
}

// percentOf returns floor(v*pct/100) using 128-bit intermediate math.
func percentOf(v, pct uint64) uint64 {
	hi, lo := bits.Mul64(v, pct)
	q, _ := bits.Div64(hi, lo, 100)
	return q
}

// CanonicalAddress derives the one authoritative round address for programID.
func CanonicalAddress(programID solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte(Seed)}, programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive round address: %w", err)
	}
	return addr, nil
}
