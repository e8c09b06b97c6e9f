package db

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/psyduk/service/raffle"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type authorityFixture struct {
	store     *TestStore
	authority *raffle.Authority
	vault     solana.PublicKey
	fee       solana.PublicKey
	now       time.Time
}

func newAuthorityFixture(t *testing.T, basis raffle.SplitBasis) *authorityFixture {
	t.Helper()
	store := NewTestStore(t)
	t.Cleanup(func() {
		store.Cleanup(t)
		store.Close()
	})
	store.Cleanup(t)

	f := &authorityFixture{
		store: store,
		vault: solana.NewWallet().PublicKey(),
		fee:   solana.NewWallet().PublicKey(),
		now:   time.Unix(1_700_000_000, 0),
	}
	cfg := raffle.Config{
		ProgramID:     solana.MustPublicKeyFromBase58("87JSCiht1TyXmT1yHbYZpKGtgJRhKzBYyFrmENvAogef"),
		Vault:         f.vault,
		FeeAddress:    f.fee,
		TicketPrice:   raffle.TicketPrice,
		RoundDuration: raffle.RoundDuration,
		Cooldown:      raffle.Cooldown,
		SplitBasis:    basis,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := raffle.NewAuthority(cfg, store.Executor(), func() time.Time { return f.now }, nil, logger)
	require.NoError(t, err)
	f.authority = a
	return f
}

// pay deposits the participant's payment into the vault and records the purchase in one operation.
func (f *authorityFixture) pay(t *testing.T, buyer solana.PublicKey, amount uint64) (*raffle.Receipt, error) {
	t.Helper()
	return f.authority.RecordPayment(context.Background(), f.authority.Address(), buyer, amount)
}

func TestExecutor_PurchaseAndResolve(t *testing.T) {
	SkipIfNoTestDB(t)
	ctx := context.Background()
	f := newAuthorityFixture(t, raffle.SplitOnSpent)
	addr := f.authority.Address()

	_, err := f.store.GetRound(ctx, addr)
	require.ErrorIs(t, err, raffle.ErrRoundNotFound)

	opened, err := f.authority.Open(ctx, addr)
	require.NoError(t, err)

	alice, bob := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	receipt, err := f.pay(t, alice, 25_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), receipt.Purchase.Tickets)
	assert.Equal(t, uint64(5_000_000), receipt.Purchase.Leftover)

	_, err = f.store.RecordPurchase(ctx, addr, receipt)
	require.NoError(t, err)

	_, err = f.pay(t, bob, 10_000_000)
	require.NoError(t, err)

	round, err := f.store.GetRound(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(24_000_000), round.Jackpot)
	assert.Equal(t, opened.EndTime, round.EndTime)
	assert.Equal(t, []solana.PublicKey{alice, alice, bob}, round.Tickets)

	counts, err := f.store.ParticipantTickets(ctx, addr)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, ParticipantTickets{Participant: alice, Tickets: 2}, counts[0])

	balance, err := f.store.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000), balance, "leftover refunded")

	balance, err = f.store.Balance(ctx, f.fee)
	require.NoError(t, err)
	assert.Equal(t, uint64(6_000_000), balance)

	f.now = f.now.Add(raffle.RoundDuration)
	res, err := f.authority.Resolve(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(24_000_000), res.Payout)

	winner, err := f.store.RecordWinner(ctx, addr, res)
	require.NoError(t, err)
	assert.Equal(t, res.Winner, winner.Winner)

	winners, err := f.store.ListWinners(ctx, 10)
	require.NoError(t, err)
	require.Len(t, winners, 1)
	assert.Equal(t, uint64(24_000_000), winners[0].Payout)

	vault, err := f.store.Balance(ctx, f.vault)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), vault)

	round, err = f.store.GetRound(ctx, addr)
	require.NoError(t, err)
	assert.True(t, round.Empty())
	assert.Equal(t, f.now.Unix()+10, round.StartTime)

	purchases, err := f.store.ListPurchases(ctx, addr, 10)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, alice, purchases[0].Buyer)
}

func TestExecutor_RefusedTransferRollsBack(t *testing.T) {
	SkipIfNoTestDB(t)
	ctx := context.Background()
	f := newAuthorityFixture(t, raffle.SplitOnAmount)
	addr := f.authority.Address()

	_, err := f.authority.Open(ctx, addr)
	require.NoError(t, err)

	// The vault was never funded, so routing the fee is refused.
	_, err = f.authority.RecordPurchase(ctx, addr, solana.NewWallet().PublicKey(), 25_000_000)
	require.ErrorIs(t, err, raffle.ErrAuthorizationFailure)

	round, err := f.store.GetRound(ctx, addr)
	require.NoError(t, err)
	assert.True(t, round.Empty())

	fee, err := f.store.Balance(ctx, f.fee)
	require.NoError(t, err)
	assert.Zero(t, fee)
}

func TestExecutor_ConcurrentPurchasesSerialize(t *testing.T) {
	SkipIfNoTestDB(t)
	ctx := context.Background()
	f := newAuthorityFixture(t, raffle.DefaultSplitBasis)
	addr := f.authority.Address()

	_, err := f.authority.Open(ctx, addr)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pay(t, solana.NewWallet().PublicKey(), raffle.TicketPrice)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	round, err := f.store.GetRound(ctx, addr)
	require.NoError(t, err)
	assert.Len(t, round.Tickets, 10)
	assert.Equal(t, 10*raffle.TicketPrice*80/100, round.Jackpot)

	vault, err := f.store.Balance(ctx, f.vault)
	require.NoError(t, err)
	assert.Equal(t, round.Jackpot, vault)
}

func TestExecutor_RejectedPaymentLeavesVaultUntouched(t *testing.T) {
	SkipIfNoTestDB(t)
	ctx := context.Background()
	f := newAuthorityFixture(t, raffle.DefaultSplitBasis)
	buyer := solana.NewWallet().PublicKey()

	// No round is open yet.
	_, err := f.pay(t, buyer, 25_000_000)
	require.ErrorIs(t, err, raffle.ErrRoundNotFound)
	vault, err := f.store.Balance(ctx, f.vault)
	require.NoError(t, err)
	assert.Zero(t, vault)

	_, err = f.authority.Open(ctx, f.authority.Address())
	require.NoError(t, err)
	_, err = f.pay(t, buyer, raffle.TicketPrice-1)
	require.ErrorIs(t, err, raffle.ErrInsufficientAmount)
	vault, err = f.store.Balance(ctx, f.vault)
	require.NoError(t, err)
	assert.Zero(t, vault)

	_, err = f.pay(t, buyer, 25_000_000)
	require.NoError(t, err)
	vault, err = f.store.Balance(ctx, f.vault)
	require.NoError(t, err)
	assert.Equal(t, uint64(16_000_000), vault)
}

func TestExecutor_ErrorInsideOperationRollsBack(t *testing.T) {
	SkipIfNoTestDB(t)
	ctx := context.Background()
	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	addr := solana.NewWallet().PublicKey()
	boom := errors.New("boom")
	err := store.Executor().Execute(ctx, func(ctx context.Context, tx raffle.Tx) error {
		if err := tx.SaveRound(ctx, addr, &raffle.Round{StartTime: 1, EndTime: 2}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetRound(ctx, addr)
	require.ErrorIs(t, err, raffle.ErrRoundNotFound)
}

func TestToInt64(t *testing.T) {
	v, err := toInt64(math.MaxInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), v)

	_, err = toInt64(math.MaxInt64 + 1)
	assert.Error(t, err)
}

func TestKeyConversion(t *testing.T) {
	keys := []solana.PublicKey{solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()}
	back, err := stringsToKeys(keysToStrings(keys))
	require.NoError(t, err)
	assert.Equal(t, keys, back)

	_, err = stringsToKeys([]string{"not base58 0OIl"})
	assert.Error(t, err)
}
