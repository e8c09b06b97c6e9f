package watcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	solanasvc "github.com/brojonat/psyduk/service/solana"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger scripts ListTransactionIDs per call and serves transactions from
// a map. GetTransaction fails with the queued errors for a signature before
// returning it.
type fakeLedger struct {
	mu        sync.Mutex
	list      func(call int) ([]solana.Signature, error)
	txs       map[solana.Signature]*solanasvc.RawTransaction
	getErrs   map[solana.Signature][]error
	listCalls int
	getCalls  map[solana.Signature]int
}

func newFakeLedger(list func(call int) ([]solana.Signature, error)) *fakeLedger {
	return &fakeLedger{
		list:     list,
		txs:      make(map[solana.Signature]*solanasvc.RawTransaction),
		getErrs:  make(map[solana.Signature][]error),
		getCalls: make(map[solana.Signature]int),
	}
}

func (l *fakeLedger) ListTransactionIDs(ctx context.Context, address solana.PublicKey) ([]solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listCalls++
	return l.list(l.listCalls)
}

func (l *fakeLedger) GetTransaction(ctx context.Context, id solana.Signature) (*solanasvc.RawTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.getCalls[id]++
	if errs := l.getErrs[id]; len(errs) > 0 {
		l.getErrs[id] = errs[1:]
		return nil, errs[0]
	}
	tx, ok := l.txs[id]
	if !ok {
		return nil, solanasvc.ErrTransactionNotFound
	}
	return tx, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []Outcome
	err      error
}

func (n *recordingNotifier) Notify(ctx context.Context, req Request, out Outcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, out)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.outcomes)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type fixture struct {
	ledger   *fakeLedger
	notifier *recordingNotifier
	sleeper  *recordingSleeper
	watcher  *Watcher
	req      Request
}

func newFixture(t *testing.T, cfg Config, list func(call int) ([]solana.Signature, error)) *fixture {
	t.Helper()
	f := &fixture{
		ledger:   newFakeLedger(list),
		notifier: &recordingNotifier{},
		sleeper:  &recordingSleeper{},
		req: Request{
			ID:        "watch-1",
			Sender:    solana.NewWallet().PublicKey(),
			Recipient: solana.NewWallet().PublicKey(),
			Amount:    25_000_000,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := New(f.ledger, f.notifier, cfg, nil, logger)
	require.NoError(t, err)
	w.sleep = f.sleeper.sleep
	f.watcher = w
	return f
}

// transfer builds a signed-shape transfer transaction in wire format.
func transfer(t *testing.T, from, to solana.PublicKey, amount uint64) *solanasvc.RawTransaction {
	t.Helper()
	ix := system.NewTransferInstruction(amount, from, to).Build()
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{}, solana.TransactionPayer(from))
	require.NoError(t, err)
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	data, err := tx.MarshalBinary()
	require.NoError(t, err)
	return &solanasvc.RawTransaction{Data: data}
}

func repeat(d time.Duration, n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = d
	}
	return out
}

func TestWatch_MatchOnThirdCycle(t *testing.T) {
	old, other, match := sig(1), sig(2), sig(3)

	f := newFixture(t, DefaultConfig(), func(call int) ([]solana.Signature, error) {
		switch call {
		case 1, 2: // seed, cycle 1
			return []solana.Signature{old}, nil
		case 3: // cycle 2
			return []solana.Signature{other, old}, nil
		default: // cycle 3 onward
			return []solana.Signature{match, other, old}, nil
		}
	})
	// A matching transfer that predates the watch must not count.
	f.ledger.txs[old] = transfer(t, f.req.Sender, f.req.Recipient, f.req.Amount)
	f.ledger.txs[other] = transfer(t, f.req.Sender, f.req.Recipient, f.req.Amount-1)
	f.ledger.txs[match] = transfer(t, f.req.Sender, f.req.Recipient, f.req.Amount)

	out, err := f.watcher.Watch(context.Background(), f.req)
	require.NoError(t, err)

	assert.Equal(t, StateFound, out.State)
	assert.True(t, out.Confirmed())
	assert.Equal(t, match.String(), out.Signature)
	assert.Equal(t, 3, out.Cycles)
	assert.Equal(t, 2, out.Inspected)

	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, out, f.notifier.outcomes[0])
	assert.Equal(t, 4, f.ledger.listCalls, "no polling after the match")
	assert.Equal(t, 0, f.ledger.getCalls[old])
	assert.Equal(t, 1, f.ledger.getCalls[other], "each id is fetched once")
	assert.Equal(t, repeat(30*time.Second, 2), f.sleeper.delays)
}

func TestWatch_ExpiresAfterBudget(t *testing.T) {
	old := sig(1)
	f := newFixture(t, DefaultConfig(), func(int) ([]solana.Signature, error) {
		return []solana.Signature{old}, nil
	})

	out, err := f.watcher.Watch(context.Background(), f.req)
	require.NoError(t, err)

	assert.Equal(t, StateExpired, out.State)
	assert.False(t, out.Confirmed())
	assert.Equal(t, 30, out.Cycles)
	assert.Equal(t, 31, f.ledger.listCalls)
	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, repeat(30*time.Second, 29), f.sleeper.delays)
}

func TestWatch_RetriesTransientFetchFailures(t *testing.T) {
	match := sig(9)
	f := newFixture(t, DefaultConfig(), func(call int) ([]solana.Signature, error) {
		if call == 1 {
			return nil, nil
		}
		return []solana.Signature{match}, nil
	})
	f.ledger.txs[match] = transfer(t, f.req.Sender, f.req.Recipient, f.req.Amount)
	f.ledger.getErrs[match] = []error{solanasvc.ErrTransactionNotFound, errors.New("connection reset")}

	out, err := f.watcher.Watch(context.Background(), f.req)
	require.NoError(t, err)

	assert.Equal(t, StateFound, out.State)
	assert.Equal(t, 1, out.Cycles)
	assert.Equal(t, 3, f.ledger.getCalls[match])
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeper.delays)
}

func TestWatch_SkipsAfterFetchAttemptsExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCycles = 1
	missing := sig(5)
	f := newFixture(t, cfg, func(call int) ([]solana.Signature, error) {
		if call == 1 {
			return nil, nil
		}
		return []solana.Signature{missing}, nil
	})

	out, err := f.watcher.Watch(context.Background(), f.req)
	require.NoError(t, err)

	assert.Equal(t, StateExpired, out.State)
	assert.Equal(t, 5, f.ledger.getCalls[missing])
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, f.sleeper.delays)
}

func TestWatch_UnsupportedEncodingDoesNotAbort(t *testing.T) {
	bad, match := sig(1), sig(2)
	f := newFixture(t, DefaultConfig(), func(call int) ([]solana.Signature, error) {
		if call == 1 {
			return nil, nil
		}
		return []solana.Signature{bad, match}, nil
	})
	// Zero signatures followed by a version 1 message prefix.
	f.ledger.txs[bad] = &solanasvc.RawTransaction{Data: []byte{0, 0x81, 0, 0}}
	f.ledger.txs[match] = transfer(t, f.req.Sender, f.req.Recipient, f.req.Amount)

	out, err := f.watcher.Watch(context.Background(), f.req)
	require.NoError(t, err)

	assert.Equal(t, StateFound, out.State)
	assert.Equal(t, match.String(), out.Signature)
	assert.Equal(t, 1, f.ledger.getCalls[bad])
}

func TestWatch_SkipsFailedTransactions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCycles = 2
	failed := sig(4)
	f := newFixture(t, cfg, func(call int) ([]solana.Signature, error) {
		if call == 1 {
			return nil, nil
		}
		return []solana.Signature{failed}, nil
	})
	raw := transfer(t, f.req.Sender, f.req.Recipient, f.req.Amount)
	raw.Failed = true
	f.ledger.txs[failed] = raw

	out, err := f.watcher.Watch(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, out.State)
	assert.Equal(t, 1, out.Inspected)
}

func TestWatch_ListErrorConsumesCycle(t *testing.T) {
	match := sig(7)
	f := newFixture(t, DefaultConfig(), func(call int) ([]solana.Signature, error) {
		switch call {
		case 1:
			return nil, nil
		case 2:
			return nil, errors.New("429 Too Many Requests")
		default:
			return []solana.Signature{match}, nil
		}
	})
	f.ledger.txs[match] = transfer(t, f.req.Sender, f.req.Recipient, f.req.Amount)

	out, err := f.watcher.Watch(context.Background(), f.req)
	require.NoError(t, err)

	assert.Equal(t, StateFound, out.State)
	assert.Equal(t, 2, out.Cycles)
	assert.Equal(t, []time.Duration{5 * time.Second}, f.sleeper.delays)
}

func TestWatch_LateSeedIgnoresHistory(t *testing.T) {
	old, match := sig(1), sig(2)
	cfg := DefaultConfig()
	cfg.MaxCycles = 3
	f := newFixture(t, cfg, func(call int) ([]solana.Signature, error) {
		switch call {
		case 1:
			return nil, errors.New("unavailable")
		case 2:
			return []solana.Signature{old}, nil
		default:
			return []solana.Signature{match, old}, nil
		}
	})
	// Both transfers match; only the one listed after seeding may count.
	f.ledger.txs[old] = transfer(t, f.req.Sender, f.req.Recipient, f.req.Amount)
	f.ledger.txs[match] = transfer(t, f.req.Sender, f.req.Recipient, f.req.Amount)

	out, err := f.watcher.Watch(context.Background(), f.req)
	require.NoError(t, err)

	assert.Equal(t, StateFound, out.State)
	assert.Equal(t, match.String(), out.Signature)
	assert.Equal(t, 2, out.Cycles)
	assert.Equal(t, 1, out.Inspected)
	assert.Equal(t, 0, f.ledger.getCalls[old])
	assert.Equal(t, 3, f.ledger.listCalls)
	assert.Equal(t, []time.Duration{5 * time.Second, 30 * time.Second}, f.sleeper.delays)
	assert.Equal(t, 1, f.notifier.count())
}

func TestWatch_ListingNeverSucceedsStillExpires(t *testing.T) {
	f := newFixture(t, DefaultConfig(), func(int) ([]solana.Signature, error) {
		return nil, errors.New("unavailable")
	})

	out, err := f.watcher.Watch(context.Background(), f.req)
	require.NoError(t, err)

	assert.Equal(t, StateExpired, out.State)
	assert.Equal(t, 30, out.Cycles)
	assert.Equal(t, 0, out.Inspected)
	assert.Equal(t, 31, f.ledger.listCalls)
	assert.Equal(t, repeat(5*time.Second, 30), f.sleeper.delays)
	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, StateExpired, f.notifier.outcomes[0].State)
}

func TestWatch_DeadlineStopsPolling(t *testing.T) {
	f := newFixture(t, DefaultConfig(), func(int) ([]solana.Signature, error) {
		return nil, nil
	})
	now := time.Unix(1_700_000_000, 0)
	f.watcher.now = func() time.Time { return now }
	f.req.Deadline = now

	out, err := f.watcher.Watch(context.Background(), f.req)
	require.NoError(t, err)

	assert.Equal(t, StateExpired, out.State)
	assert.Equal(t, 0, out.Cycles)
	assert.Equal(t, 1, f.ledger.listCalls)
	assert.Equal(t, 1, f.notifier.count())
}

func TestWatch_CancellationSuppressesNotification(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, DefaultConfig(), func(int) ([]solana.Signature, error) {
		return nil, nil
	})
	f.watcher.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	out, err := f.watcher.Watch(ctx, f.req)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, out.State.Terminal())
	assert.Equal(t, 0, f.notifier.count())
}

func TestWatch_NotifyFailureKeepsOutcome(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCycles = 1
	f := newFixture(t, cfg, func(int) ([]solana.Signature, error) {
		return nil, nil
	})
	f.notifier.err = errors.New("nats down")

	out, err := f.watcher.Watch(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, out.State)
	assert.Equal(t, 1, f.notifier.count())
}

func TestWatch_ConcurrentWatchesAreIndependent(t *testing.T) {
	senderA, senderB := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	recipient := solana.NewWallet().PublicKey()
	payA, payB := sig(10), sig(11)

	f := newFixture(t, DefaultConfig(), func(call int) ([]solana.Signature, error) {
		return []solana.Signature{payA, payB}, nil
	})
	f.ledger.txs[payA] = transfer(t, senderA, recipient, 10_000_000)
	f.ledger.txs[payB] = transfer(t, senderB, recipient, 20_000_000)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i, req := range []Request{
		{ID: "a", Sender: senderA, Recipient: recipient, Amount: 10_000_000},
		{ID: "b", Sender: senderB, Recipient: recipient, Amount: 20_000_000},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.watcher.Watch(context.Background(), req)
			assert.NoError(t, err)
			outcomes[i] = out
		}()
	}
	wg.Wait()

	// Both payments predate both watches, so neither confirms.
	assert.Equal(t, StateExpired, outcomes[0].State)
	assert.Equal(t, StateExpired, outcomes[1].State)
	assert.Equal(t, 2, f.notifier.count())
}

func TestRequestValidate(t *testing.T) {
	a, b := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()

	assert.NoError(t, Request{Sender: a, Recipient: b, Amount: 1}.Validate())
	assert.Error(t, Request{Recipient: b, Amount: 1}.Validate())
	assert.Error(t, Request{Sender: a, Amount: 1}.Validate())
	assert.Error(t, Request{Sender: a, Recipient: a, Amount: 1}.Validate())
	assert.Error(t, Request{Sender: a, Recipient: b}.Validate())
}

func TestNewRejectsBadConfig(t *testing.T) {
	ledger := newFakeLedger(nil)
	notifier := &recordingNotifier{}

	cfg := DefaultConfig()
	cfg.MaxCycles = 0
	_, err := New(ledger, notifier, cfg, nil, nil)
	assert.Error(t, err)

	_, err = New(nil, notifier, DefaultConfig(), nil, nil)
	assert.Error(t, err)

	_, err = New(ledger, nil, DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))
}
