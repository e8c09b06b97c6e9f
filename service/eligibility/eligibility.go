// Package eligibility gates raffle entry on holding a minimum balance of a
// designated token.
package eligibility

import (
	"context"
	"errors"
	"log/slog"

	"github.com/brojonat/psyduk/service/metrics"
	"github.com/gagliardetto/solana-go"
)

// DefaultMint is the token holders must own to enter.
var DefaultMint = solana.MustPublicKeyFromBase58("iQuoGfqmXh6J3PShHDntayXGVixfp44wzGkVaH8r8RE")

// Status is the result of an eligibility check.
type Status string

const (
	StatusEligible   Status = "eligible"
	StatusIneligible Status = "ineligible"

	// StatusUnknown means the balance could not be read. It is not a denial.
	StatusUnknown Status = "unknown"
)

// Result of a check. Balance is only meaningful when Status is not unknown.
type Result struct {
	Status  Status `json:"status"`
	Balance uint64 `json:"balance"`
}

// BalanceReader reads an owner's token balance.
type BalanceReader interface {
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)
}

// Checker decides whether a participant may enter.
type Checker struct {
	balances   BalanceReader
	mint       solana.PublicKey
	minBalance uint64
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewChecker creates a Checker. A participant is eligible when their balance
// of mint is at least minBalance, so a zero minimum admits everyone whose
// balance can be read.
func NewChecker(balances BalanceReader, mint solana.PublicKey, minBalance uint64, m *metrics.Metrics, logger *slog.Logger) (*Checker, error) {
	if balances == nil {
		return nil, errors.New("balance reader is required")
	}
	if mint.IsZero() {
		return nil, errors.New("mint is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		balances:   balances,
		mint:       mint,
		minBalance: minBalance,
		metrics:    m,
		logger:     logger,
	}, nil
}

// Mint returns the token being checked.
func (c *Checker) Mint() solana.PublicKey {
	return c.mint
}

// Check reads the participant's balance once. A read failure yields
// StatusUnknown rather than an error.
func (c *Checker) Check(ctx context.Context, participant solana.PublicKey) Result {
	balance, err := c.balances.TokenBalance(ctx, participant, c.mint)
	var res Result
	switch {
	case err != nil:
		c.logger.WarnContext(ctx, "failed to read token balance",
			"participant", participant.String(),
			"mint", c.mint.String(),
			"error", err,
		)
		res = Result{Status: StatusUnknown}
	case balance >= c.minBalance:
		res = Result{Status: StatusEligible, Balance: balance}
	default:
		res = Result{Status: StatusIneligible, Balance: balance}
	}

	if c.metrics != nil {
		c.metrics.RecordEligibilityCheck(string(res.Status))
	}
	return res
}
