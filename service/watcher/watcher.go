// Package watcher confirms that an expected native transfer has landed on the
// ledger. A watch snapshots the recipient's history, then polls for new
// transactions until one matches or the cycle budget runs out, and emits
// exactly one notification with the result.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/psyduk/service/metrics"
	solanasvc "github.com/brojonat/psyduk/service/solana"
	"github.com/gagliardetto/solana-go"
)

// State is where a watch is in its lifecycle.
type State string

const (
	StateSeeding State = "seeding"
	StatePolling State = "polling"
	StateFound   State = "found"
	StateExpired State = "expired"
)

// Terminal reports whether the watch has finished.
func (s State) Terminal() bool {
	return s == StateFound || s == StateExpired
}

// Request describes the transfer a watch is looking for.
type Request struct {
	ID        string           `json:"id"`
	Sender    solana.PublicKey `json:"sender"`
	Recipient solana.PublicKey `json:"recipient"`
	Amount    uint64           `json:"amount"`

	// Deadline stops polling early when set.
	Deadline time.Time `json:"deadline,omitempty"`
}

// Validate checks the request before any ledger reads.
func (r Request) Validate() error {
	if r.Sender.IsZero() {
		return errors.New("sender is required")
	}
	if r.Recipient.IsZero() {
		return errors.New("recipient is required")
	}
	if r.Sender.Equals(r.Recipient) {
		return errors.New("sender and recipient must differ")
	}
	if r.Amount == 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

// Outcome is the result of a watch.
type Outcome struct {
	RequestID string `json:"request_id"`
	State     State  `json:"state"`

	// Signature of the matching transaction when State is found.
	Signature string `json:"signature,omitempty"`

	Cycles    int `json:"cycles"`
	Inspected int `json:"inspected"`
}

// Confirmed reports whether the expected transfer was seen.
func (o Outcome) Confirmed() bool {
	return o.State == StateFound
}

// Ledger is the read side of the chain a watch needs.
type Ledger interface {
	ListTransactionIDs(ctx context.Context, address solana.PublicKey) ([]solana.Signature, error)
	GetTransaction(ctx context.Context, sig solana.Signature) (*solanasvc.RawTransaction, error)
}

// Notifier receives the terminal outcome of a watch.
type Notifier interface {
	Notify(ctx context.Context, req Request, out Outcome) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, req Request, out Outcome) error

func (f NotifierFunc) Notify(ctx context.Context, req Request, out Outcome) error {
	return f(ctx, req, out)
}

// Sleeper suspends for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Config bounds how long and how hard a watch looks.
type Config struct {
	MaxCycles      int
	CycleDelay     time.Duration
	FetchAttempts  int
	InitialBackoff time.Duration
	ListErrorDelay time.Duration
}

// DefaultConfig returns 30 cycles 30s apart, with 5 fetch attempts per
// transaction backing off from 1s.
func DefaultConfig() Config {
	return Config{
		MaxCycles:      30,
		CycleDelay:     30 * time.Second,
		FetchAttempts:  5,
		InitialBackoff: time.Second,
		ListErrorDelay: 5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.MaxCycles <= 0 {
		errs = append(errs, fmt.Errorf("max cycles must be positive, got %d", c.MaxCycles))
	}
	if c.FetchAttempts <= 0 {
		errs = append(errs, fmt.Errorf("fetch attempts must be positive, got %d", c.FetchAttempts))
	}
	if c.CycleDelay < 0 || c.InitialBackoff < 0 || c.ListErrorDelay < 0 {
		errs = append(errs, errors.New("delays must not be negative"))
	}
	return errors.Join(errs...)
}

// Watcher runs payment watches. It holds no per-watch state, so one Watcher
// can run any number of concurrent watches.
type Watcher struct {
	ledger   Ledger
	notifier Notifier
	cfg      Config
	sleep    Sleeper
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Watcher. If metrics is nil, no metrics will be recorded.
func New(ledger Ledger, notifier Notifier, cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Watcher, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid watcher config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		ledger:   ledger,
		notifier: notifier,
		cfg:      cfg,
		sleep:    SleepContext,
		now:      time.Now,
		metrics:  m,
		logger:   logger,
	}, nil
}

// Watch looks for req's transfer and notifies once with the outcome.
// If ctx is canceled first, Watch returns ctx.Err() and does not notify.
func (w *Watcher) Watch(ctx context.Context, req Request) (Outcome, error) {
	out := Outcome{RequestID: req.ID, State: StateSeeding}
	if err := req.Validate(); err != nil {
		return out, fmt.Errorf("invalid watch request: %w", err)
	}

	logger := w.logger.With(
		"watch_id", req.ID,
		"sender", req.Sender.String(),
		"recipient", req.Recipient.String(),
		"amount", req.Amount,
	)

	seen := NewSeenSet()
	seeded, err := w.seed(ctx, req, seen, logger)
	if err != nil {
		w.recordCanceled(out)
		return out, err
	}

	out.State = StatePolling
	expected := solanasvc.ExpectedTransfer{
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Amount:    req.Amount,
	}

	for out.Cycles < w.cfg.MaxCycles && !w.pastDeadline(req) {
		out.Cycles++
		last := out.Cycles == w.cfg.MaxCycles

		ids, err := w.ledger.ListTransactionIDs(ctx, req.Recipient)
		if err != nil {
			if ctx.Err() != nil {
				w.recordCanceled(out)
				return out, ctx.Err()
			}
			logger.WarnContext(ctx, "failed to list transactions, skipping cycle",
				"cycle", out.Cycles,
				"error", err,
			)
			if err := w.pause(ctx, w.cfg.ListErrorDelay, last); err != nil {
				w.recordCanceled(out)
				return out, err
			}
			continue
		}

		if !seeded {
			// History listed before this point may hold older payments from
			// the same sender, so it is only snapshotted, never inspected.
			seen.Seed(ids)
			seeded = true
			logger.InfoContext(ctx, "seeded watch late", "cycle", out.Cycles, "seen", seen.Len())
			if err := w.pause(ctx, w.cfg.CycleDelay, last); err != nil {
				w.recordCanceled(out)
				return out, err
			}
			continue
		}

		for _, id := range ids {
			if !seen.Add(id) {
				continue
			}
			out.Inspected++

			matched, err := w.inspect(ctx, id, expected, logger)
			if err != nil {
				w.recordCanceled(out)
				return out, err
			}
			if matched {
				out.State = StateFound
				out.Signature = id.String()
				return w.finish(ctx, req, out, logger)
			}
		}

		if err := w.pause(ctx, w.cfg.CycleDelay, last); err != nil {
			w.recordCanceled(out)
			return out, err
		}
	}

	out.State = StateExpired
	return w.finish(ctx, req, out, logger)
}

// seed snapshots the recipient's history with a single listing. When the
// listing fails, the watch starts unseeded and the first successful cycle
// seeds it instead, so seeding draws on the cycle budget.
func (w *Watcher) seed(ctx context.Context, req Request, seen *SeenSet, logger *slog.Logger) (bool, error) {
	ids, err := w.ledger.ListTransactionIDs(ctx, req.Recipient)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logger.WarnContext(ctx, "failed to seed watch, seeding on next cycle", "error", err)
		if err := w.sleep(ctx, w.cfg.ListErrorDelay); err != nil {
			return false, err
		}
		return false, nil
	}
	seen.Seed(ids)
	logger.DebugContext(ctx, "seeded watch", "seen", seen.Len())
	return true, nil
}

// inspect fetches one transaction and reports whether it is the expected
// transfer. Transactions that cannot be fetched or decoded are skipped; only
// cancellation is returned as an error.
func (w *Watcher) inspect(ctx context.Context, id solana.Signature, expected solanasvc.ExpectedTransfer, logger *slog.Logger) (bool, error) {
	raw, err := w.fetch(ctx, id, logger)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		w.recordTransaction("fetch_failed")
		logger.WarnContext(ctx, "skipping transaction", "signature", id.String(), "error", err)
		return false, nil
	}

	if raw.Failed {
		w.recordTransaction("failed")
		return false, nil
	}

	instructions, err := solanasvc.Decode(raw)
	if err != nil {
		w.recordTransaction("undecodable")
		logger.WarnContext(ctx, "skipping undecodable transaction", "signature", id.String(), "error", err)
		return false, nil
	}

	if expected.FirstMatch(instructions) < 0 {
		w.recordTransaction("mismatched")
		return false, nil
	}
	w.recordTransaction("matched")
	return true, nil
}

// fetch reads one transaction with exponential backoff between attempts.
// There is no delay after the final attempt.
func (w *Watcher) fetch(ctx context.Context, id solana.Signature, logger *slog.Logger) (*solanasvc.RawTransaction, error) {
	backoff := w.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= w.cfg.FetchAttempts; attempt++ {
		raw, err := w.ledger.GetTransaction(ctx, id)
		if err == nil {
			return raw, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, solanasvc.ErrUnsupportedEncoding) {
			return nil, err
		}
		lastErr = err
		if attempt == w.cfg.FetchAttempts {
			break
		}

		reason := "error"
		if errors.Is(err, solanasvc.ErrTransactionNotFound) {
			reason = "not_found"
		}
		if w.metrics != nil {
			w.metrics.RecordRPCRetry("GetTransaction", reason)
		}
		logger.DebugContext(ctx, "retrying transaction fetch",
			"signature", id.String(),
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		if err := w.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("failed to fetch transaction after %d attempts: %w", w.cfg.FetchAttempts, lastErr)
}

// pause waits between cycles. Nothing waits after the last cycle.
func (w *Watcher) pause(ctx context.Context, d time.Duration, last bool) error {
	if last {
		return ctx.Err()
	}
	return w.sleep(ctx, d)
}

func (w *Watcher) pastDeadline(req Request) bool {
	return !req.Deadline.IsZero() && !w.now().Before(req.Deadline)
}

// finish emits the single notification for a terminal outcome. A failed
// delivery is logged; the outcome stands.
func (w *Watcher) finish(ctx context.Context, req Request, out Outcome, logger *slog.Logger) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		w.recordCanceled(out)
		return out, err
	}
	if w.metrics != nil {
		w.metrics.RecordWatch(string(out.State), out.Cycles)
	}

	if err := w.notifier.Notify(ctx, req, out); err != nil {
		logger.ErrorContext(ctx, "failed to deliver watch notification",
			"state", out.State,
			"error", err,
		)
	}

	logger.InfoContext(ctx, "watch finished",
		"state", out.State,
		"signature", out.Signature,
		"cycles", out.Cycles,
		"inspected", out.Inspected,
	)
	return out, nil
}

func (w *Watcher) recordTransaction(result string) {
	if w.metrics != nil {
		w.metrics.RecordWatchTransaction(result)
	}
}

func (w *Watcher) recordCanceled(out Outcome) {
	if w.metrics != nil {
		w.metrics.RecordWatch("canceled", out.Cycles)
	}
}
