package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/psyduk/service/db"
	natspkg "github.com/brojonat/psyduk/service/nats"
	"github.com/brojonat/psyduk/service/raffle"
	"github.com/brojonat/psyduk/service/watcher"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock Watcher
type MockWatcher struct {
	mock.Mock
}

func (m *MockWatcher) Watch(ctx context.Context, req watcher.Request) (watcher.Outcome, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(watcher.Outcome), args.Error(1)
}

// Mock Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) RecordWinner(ctx context.Context, roundAddress solanago.PublicKey, res *raffle.Resolution) (*db.Winner, error) {
	args := m.Called(ctx, roundAddress, res)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Winner), args.Error(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestActivities_WatchPayment_DefaultsDeadline(t *testing.T) {
	sender := solanago.NewWallet().PublicKey()
	vault := solanago.NewWallet().PublicKey()

	w := new(MockWatcher)
	var got watcher.Request
	w.On("Watch", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(1).(watcher.Request) }).
		Return(watcher.Outcome{RequestID: "w5", State: watcher.StateExpired}, nil)

	acts := NewActivities(w, nil, nil, nil, nil, discardLogger())
	before := time.Now()
	_, err := acts.WatchPayment(context.Background(), WatchPaymentInput{
		WatchID:   "w5",
		Sender:    sender.String(),
		Recipient: vault.String(),
		Amount:    1,
		Timeout:   10 * time.Minute,
	})
	require.NoError(t, err)

	require.False(t, got.Deadline.IsZero(), "a watch must always carry a deadline")
	assert.False(t, got.Deadline.Before(before.Add(9*time.Minute)))
	assert.True(t, got.Deadline.Before(time.Now().Add(10*time.Minute)))
}

func TestWatchDeadline(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	assert.Equal(t, start.Add(19*time.Minute), WatchDeadline(start, 20*time.Minute))
	assert.Equal(t, start.Add(29*time.Minute), WatchDeadline(start, 0))
	assert.Equal(t, start.Add(30*time.Second), WatchDeadline(start, time.Minute))
}

func TestActivities_WatchPayment(t *testing.T) {
	sender := solanago.NewWallet().PublicKey()
	vault := solanago.NewWallet().PublicKey()

	tests := []struct {
		name          string
		input         WatchPaymentInput
		setupMock     func(*MockWatcher)
		expectedError bool
		validate      func(*testing.T, *WatchPaymentResult)
	}{
		{
			name: "payment confirmed",
			input: WatchPaymentInput{
				WatchID:   "w1",
				Sender:    sender.String(),
				Recipient: vault.String(),
				Amount:    25_000_000,
			},
			setupMock: func(m *MockWatcher) {
				m.On("Watch", mock.Anything, mock.MatchedBy(func(req watcher.Request) bool {
					return req.ID == "w1" && req.Sender.Equals(sender) && req.Recipient.Equals(vault) && req.Amount == 25_000_000
				})).Return(watcher.Outcome{RequestID: "w1", State: watcher.StateFound, Signature: "sig1", Cycles: 2}, nil)
			},
			validate: func(t *testing.T, r *WatchPaymentResult) {
				assert.True(t, r.Confirmed)
				assert.Equal(t, "sig1", r.Outcome.Signature)
				assert.Equal(t, sender.String(), r.Sender)
				assert.Equal(t, uint64(25_000_000), r.Amount)
			},
		},
		{
			name: "watch expired",
			input: WatchPaymentInput{
				WatchID:   "w2",
				Sender:    sender.String(),
				Recipient: vault.String(),
				Amount:    10_000_000,
			},
			setupMock: func(m *MockWatcher) {
				m.On("Watch", mock.Anything, mock.Anything).
					Return(watcher.Outcome{RequestID: "w2", State: watcher.StateExpired, Cycles: 30}, nil)
			},
			validate: func(t *testing.T, r *WatchPaymentResult) {
				assert.False(t, r.Confirmed)
				assert.Equal(t, watcher.StateExpired, r.Outcome.State)
			},
		},
		{
			name: "invalid sender",
			input: WatchPaymentInput{
				WatchID:   "w3",
				Sender:    "not-an-address",
				Recipient: vault.String(),
				Amount:    1,
			},
			setupMock:     func(m *MockWatcher) {},
			expectedError: true,
		},
		{
			name: "watcher error",
			input: WatchPaymentInput{
				WatchID:   "w4",
				Sender:    sender.String(),
				Recipient: vault.String(),
				Amount:    1,
			},
			setupMock: func(m *MockWatcher) {
				m.On("Watch", mock.Anything, mock.Anything).
					Return(watcher.Outcome{}, context.Canceled)
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := new(MockWatcher)
			tt.setupMock(w)

			acts := NewActivities(w, nil, nil, nil, nil, discardLogger())
			result, err := acts.WatchPayment(context.Background(), tt.input)

			if tt.expectedError {
				assert.Error(t, err)
				assert.Nil(t, result)
			} else {
				require.NoError(t, err)
				tt.validate(t, result)
			}
			w.AssertExpectations(t)
		})
	}
}

func TestActivities_WatchPayment_NoWatcher(t *testing.T) {
	acts := NewActivities(nil, nil, nil, nil, nil, discardLogger())
	_, err := acts.WatchPayment(context.Background(), WatchPaymentInput{})
	assert.Error(t, err)
}

type crankFixture struct {
	exec      *raffle.MemoryExecutor
	authority *raffle.Authority
	store     *MockStore
	publisher *natspkg.MockPublisher
	acts      *Activities
	vault     solanago.PublicKey
	now       time.Time
}

func newCrankFixture(t *testing.T) *crankFixture {
	t.Helper()
	f := &crankFixture{
		exec:      raffle.NewMemoryExecutor(),
		store:     new(MockStore),
		publisher: natspkg.NewMockPublisher(),
		vault:     solanago.NewWallet().PublicKey(),
		now:       time.Unix(1_700_000_000, 0),
	}
	authority, err := raffle.NewAuthority(raffle.Config{
		ProgramID:     solanago.MustPublicKeyFromBase58("87JSCiht1TyXmT1yHbYZpKGtgJRhKzBYyFrmENvAogef"),
		Vault:         f.vault,
		FeeAddress:    solanago.NewWallet().PublicKey(),
		TicketPrice:   raffle.TicketPrice,
		RoundDuration: raffle.RoundDuration,
		Cooldown:      raffle.Cooldown,
		SplitBasis:    raffle.SplitOnAmount,
	}, f.exec, func() time.Time { return f.now }, nil, discardLogger())
	require.NoError(t, err)
	f.authority = authority
	f.acts = NewActivities(nil, authority, f.store, f.publisher, nil, discardLogger())
	return f
}

func (f *crankFixture) buy(t *testing.T, amount uint64) solanago.PublicKey {
	t.Helper()
	buyer := solanago.NewWallet().PublicKey()
	_, err := f.authority.RecordPayment(context.Background(), f.authority.Address(), buyer, amount)
	require.NoError(t, err)
	return buyer
}

func TestActivities_ResolveRound_OpensFirstRound(t *testing.T) {
	f := newCrankFixture(t)

	result, err := f.acts.ResolveRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResolveStatusOpened, result.Status)
	assert.Equal(t, f.authority.Address().String(), result.Round)
	assert.Equal(t, f.now.Unix(), result.StartTime)
	assert.Equal(t, f.now.Add(raffle.RoundDuration).Unix(), result.EndTime)

	round, ok := f.exec.Round(f.authority.Address())
	require.True(t, ok)
	assert.True(t, round.Empty())
}

func TestActivities_ResolveRound_StillOpen(t *testing.T) {
	f := newCrankFixture(t)
	_, err := f.authority.Open(context.Background(), f.authority.Address())
	require.NoError(t, err)
	f.buy(t, raffle.TicketPrice)

	f.now = f.now.Add(raffle.RoundDuration - time.Second)
	result, err := f.acts.ResolveRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResolveStatusStillOpen, result.Status)
	assert.Equal(t, raffle.TicketPrice*80/100, result.Jackpot)
	assert.Empty(t, f.publisher.GetRoundResolvedEvents())
	f.store.AssertNotCalled(t, "RecordWinner", mock.Anything, mock.Anything, mock.Anything)
}

func TestActivities_ResolveRound_NoParticipants(t *testing.T) {
	f := newCrankFixture(t)
	_, err := f.authority.Open(context.Background(), f.authority.Address())
	require.NoError(t, err)

	f.now = f.now.Add(raffle.RoundDuration)
	result, err := f.acts.ResolveRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResolveStatusNoParticipants, result.Status)
	assert.Empty(t, f.publisher.GetRoundResolvedEvents())
}

func TestActivities_ResolveRound_Resolves(t *testing.T) {
	f := newCrankFixture(t)
	ctx := context.Background()
	_, err := f.authority.Open(ctx, f.authority.Address())
	require.NoError(t, err)
	buyer := f.buy(t, 3*raffle.TicketPrice)

	f.store.On("RecordWinner", mock.Anything, f.authority.Address(), mock.MatchedBy(func(res *raffle.Resolution) bool {
		return res.Winner.Equals(buyer)
	})).Return(&db.Winner{Winner: buyer}, nil)

	f.now = f.now.Add(raffle.RoundDuration)
	result, err := f.acts.ResolveRound(ctx)
	require.NoError(t, err)

	assert.Equal(t, ResolveStatusResolved, result.Status)
	assert.Equal(t, buyer.String(), result.Winner)
	assert.Equal(t, 3*raffle.TicketPrice*80/100, result.Payout)
	assert.Equal(t, 3, result.Tickets)
	assert.Equal(t, f.now.Unix(), result.ResolvedAt)
	assert.Equal(t, f.now.Unix()+10, result.NextStartTime)
	assert.Zero(t, result.Jackpot)
	f.store.AssertExpectations(t)

	events := f.publisher.GetRoundResolvedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, buyer.String(), events[0].Winner)
	assert.Equal(t, result.Payout, events[0].Payout)
	assert.Equal(t, result.NextEndTime, events[0].NextEndTime)

	assert.Equal(t, result.Payout, f.exec.Balance(buyer))
}

func TestActivities_ResolveRound_HistoryFailuresDoNotFail(t *testing.T) {
	f := newCrankFixture(t)
	ctx := context.Background()
	_, err := f.authority.Open(ctx, f.authority.Address())
	require.NoError(t, err)
	f.buy(t, raffle.TicketPrice)

	f.store.On("RecordWinner", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("database unavailable"))
	f.publisher.SetPublishError(errors.New("nats unavailable"))

	f.now = f.now.Add(raffle.RoundDuration)
	result, err := f.acts.ResolveRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResolveStatusResolved, result.Status)
}

func TestActivities_ResolveRound_NoAuthority(t *testing.T) {
	acts := NewActivities(nil, nil, nil, nil, nil, discardLogger())
	_, err := acts.ResolveRound(context.Background())
	assert.Error(t, err)
}

func TestPaymentNotifier(t *testing.T) {
	pub := natspkg.NewMockPublisher()
	notifier := PaymentNotifier(pub)
	sender := solanago.NewWallet().PublicKey()
	req := watcher.Request{ID: "w1", Sender: sender, Amount: 42}

	require.NoError(t, notifier.Notify(context.Background(), req, watcher.Outcome{State: watcher.StateFound, Signature: "sig1"}))
	require.NoError(t, notifier.Notify(context.Background(), req, watcher.Outcome{State: watcher.StateExpired}))

	got := pub.GetNotificationsFor(sender.String())
	require.Len(t, got, 2)
	assert.Equal(t, natspkg.KindPaymentConfirmed, got[0].Kind)
	assert.Equal(t, "sig1", got[0].Signature)
	assert.Equal(t, "w1", got[0].WatchID)
	assert.Equal(t, uint64(42), got[0].Amount)
	assert.Equal(t, natspkg.KindPaymentNotConfirmed, got[1].Kind)

	pub.SetPublishError(errors.New("down"))
	assert.Error(t, notifier.Notify(context.Background(), req, watcher.Outcome{State: watcher.StateFound}))
}
