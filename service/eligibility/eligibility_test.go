package eligibility

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBalances struct {
	balance uint64
	err     error
	gotMint solana.PublicKey
}

func (s *stubBalances) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	s.gotMint = mint
	return s.balance, s.err
}

func TestCheck(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	participant := solana.NewWallet().PublicKey()

	tests := []struct {
		name    string
		min     uint64
		balance uint64
		err     error
		want    Result
	}{
		{name: "holder", min: 0, balance: 1, want: Result{Status: StatusEligible, Balance: 1}},
		{name: "zero minimum admits no tokens", min: 0, balance: 0, want: Result{Status: StatusEligible, Balance: 0}},
		{name: "below minimum", min: 100, balance: 99, want: Result{Status: StatusIneligible, Balance: 99}},
		{name: "at minimum", min: 100, balance: 100, want: Result{Status: StatusEligible, Balance: 100}},
		{name: "above minimum", min: 100, balance: 101, want: Result{Status: StatusEligible, Balance: 101}},
		{name: "no tokens with a minimum", min: 1, balance: 0, want: Result{Status: StatusIneligible, Balance: 0}},
		{name: "read failure", min: 0, balance: 5, err: errors.New("timeout"), want: Result{Status: StatusUnknown}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubBalances{balance: tt.balance, err: tt.err}
			c, err := NewChecker(stub, DefaultMint, tt.min, nil, logger)
			require.NoError(t, err)

			assert.Equal(t, tt.want, c.Check(context.Background(), participant))
			assert.Equal(t, DefaultMint, stub.gotMint)
		})
	}
}

func TestNewChecker_Validation(t *testing.T) {
	_, err := NewChecker(nil, DefaultMint, 0, nil, nil)
	assert.Error(t, err)

	_, err = NewChecker(&stubBalances{}, solana.PublicKey{}, 0, nil, nil)
	assert.Error(t, err)
}
