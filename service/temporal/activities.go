package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/psyduk/service/db"
	"github.com/brojonat/psyduk/service/metrics"
	natspkg "github.com/brojonat/psyduk/service/nats"
	"github.com/brojonat/psyduk/service/raffle"
	"github.com/brojonat/psyduk/service/watcher"
	solanago "github.com/gagliardetto/solana-go"
	"go.temporal.io/sdk/activity"
)

// Resolve statuses reported by ResolveRound.
const (
	ResolveStatusResolved       = "resolved"
	ResolveStatusOpened         = "opened"
	ResolveStatusStillOpen      = "still_open"
	ResolveStatusNoParticipants = "no_participants"
)

// WatchPaymentInput describes a payment to wait for.
type WatchPaymentInput struct {
	WatchID   string    `json:"watch_id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Amount    uint64    `json:"amount"`
	Deadline  time.Time `json:"deadline,omitempty"`

	// Timeout bounds the activity; zero uses DefaultWatchTimeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// WatchPaymentResult is the terminal outcome of a watch.
type WatchPaymentResult struct {
	Outcome   watcher.Outcome `json:"outcome"`
	Sender    string          `json:"sender"`
	Amount    uint64          `json:"amount"`
	Confirmed bool            `json:"confirmed"`
}

// ResolveRoundResult reports what one crank tick did.
type ResolveRoundResult struct {
	Status string `json:"status"`
	Round  string `json:"round"`

	Jackpot   uint64 `json:"jackpot"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`

	// Set when Status is resolved.
	Winner        string `json:"winner,omitempty"`
	Payout        uint64 `json:"payout,omitempty"`
	Tickets       int    `json:"tickets,omitempty"`
	ResolvedAt    int64  `json:"resolved_at,omitempty"`
	NextStartTime int64  `json:"next_start_time,omitempty"`
	NextEndTime   int64  `json:"next_end_time,omitempty"`
}

// PaymentWatcher runs one watch to completion.
type PaymentWatcher interface {
	Watch(ctx context.Context, req watcher.Request) (watcher.Outcome, error)
}

// RoundAuthority is the part of raffle.Authority the crank drives.
type RoundAuthority interface {
	Address() solanago.PublicKey
	Open(ctx context.Context, target solanago.PublicKey) (*raffle.Round, error)
	Resolve(ctx context.Context, target solanago.PublicKey) (*raffle.Resolution, error)
	Round(ctx context.Context, target solanago.PublicKey) (*raffle.Round, error)
}

// StoreInterface defines the database operations needed by activities.
type StoreInterface interface {
	RecordWinner(ctx context.Context, roundAddress solanago.PublicKey, res *raffle.Resolution) (*db.Winner, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
type PublisherInterface interface {
	PublishNotification(ctx context.Context, n *natspkg.Notification) error
	PublishRoundResolved(ctx context.Context, event *natspkg.RoundResolvedEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	watcher   PaymentWatcher
	authority RoundAuthority
	store     StoreInterface
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	w PaymentWatcher,
	authority RoundAuthority,
	store StoreInterface,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		watcher:   w,
		authority: authority,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// WatchPayment blocks until the expected transfer is seen or the watch budget
// runs out. The participant is notified by the watcher's notifier.
func (a *Activities) WatchPayment(ctx context.Context, input WatchPaymentInput) (result *WatchPaymentResult, err error) {
	defer a.observe("WatchPayment", time.Now(), &err)

	if a.watcher == nil {
		return nil, errors.New("payment watcher not configured in activities")
	}

	sender, err := solanago.PublicKeyFromBase58(input.Sender)
	if err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	recipient, err := solanago.PublicKeyFromBase58(input.Recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}

	a.logger.InfoContext(ctx, "watching for payment",
		"watch_id", input.WatchID,
		"sender", input.Sender,
		"recipient", input.Recipient,
		"amount", input.Amount,
	)

	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(25 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, "watching for payment")
			}
		}
	}()

	deadline := input.Deadline
	if deadline.IsZero() {
		deadline = WatchDeadline(time.Now(), input.Timeout)
	}

	out, err := a.watcher.Watch(ctx, watcher.Request{
		ID:        input.WatchID,
		Sender:    sender,
		Recipient: recipient,
		Amount:    input.Amount,
		Deadline:  deadline,
	})
	if err != nil {
		return nil, fmt.Errorf("payment watch failed: %w", err)
	}

	return &WatchPaymentResult{
		Outcome:   out,
		Sender:    input.Sender,
		Amount:    input.Amount,
		Confirmed: out.Confirmed(),
	}, nil
}

// ResolveRound is one crank tick. It opens the first round when none exists,
// draws a winner once the round is due, and otherwise reports why nothing
// happened. Only unexpected failures are returned as errors.
func (a *Activities) ResolveRound(ctx context.Context) (result *ResolveRoundResult, err error) {
	defer a.observe("ResolveRound", time.Now(), &err)

	if a.authority == nil {
		return nil, errors.New("round authority not configured in activities")
	}
	target := a.authority.Address()

	round, err := a.authority.Round(ctx, target)
	if errors.Is(err, raffle.ErrRoundNotFound) {
		opened, err := a.authority.Open(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("failed to open first round: %w", err)
		}
		return roundResult(ResolveStatusOpened, target, opened), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load round: %w", err)
	}

	res, err := a.authority.Resolve(ctx, target)
	switch {
	case errors.Is(err, raffle.ErrRoundStillOpen):
		return roundResult(ResolveStatusStillOpen, target, round), nil
	case errors.Is(err, raffle.ErrNoParticipants):
		a.logger.InfoContext(ctx, "round ended without participants", "end_time", round.EndTime)
		return roundResult(ResolveStatusNoParticipants, target, round), nil
	case err != nil:
		return nil, fmt.Errorf("failed to resolve round: %w", err)
	}

	// The payout is committed. Retrying would hit the next round, so history
	// and announcement failures are logged rather than returned.
	if a.store != nil {
		if _, err := a.store.RecordWinner(ctx, target, res); err != nil {
			a.logger.ErrorContext(ctx, "failed to record winner",
				"winner", res.Winner.String(),
				"error", err,
			)
		}
	}

	event := &natspkg.RoundResolvedEvent{
		Round:         target.String(),
		Winner:        res.Winner.String(),
		Payout:        res.Payout,
		Tickets:       res.Tickets,
		ResolvedAt:    time.Unix(res.ResolvedAt, 0).UTC(),
		NextStartTime: res.Next.StartTime,
		NextEndTime:   res.Next.EndTime,
	}
	if a.publisher != nil {
		if err := a.publisher.PublishRoundResolved(ctx, event); err != nil {
			a.logger.ErrorContext(ctx, "failed to publish round result", "error", err)
		}
	}

	out := roundResult(ResolveStatusResolved, target, res.Next)
	out.Winner = res.Winner.String()
	out.Payout = res.Payout
	out.Tickets = res.Tickets
	out.ResolvedAt = res.ResolvedAt
	out.NextStartTime = res.Next.StartTime
	out.NextEndTime = res.Next.EndTime
	return out, nil
}

func (a *Activities) observe(name string, start time.Time, err *error) {
	if a.metrics == nil {
		return
	}
	status := "success"
	if *err != nil {
		status = "error"
	}
	a.metrics.RecordActivityDuration(name, status, time.Since(start).Seconds())
}

func roundResult(status string, target solanago.PublicKey, r *raffle.Round) *ResolveRoundResult {
	out := &ResolveRoundResult{Status: status, Round: target.String()}
	if r != nil {
		out.Jackpot = r.Jackpot
		out.StartTime = r.StartTime
		out.EndTime = r.EndTime
	}
	return out
}

// PaymentNotifier returns a watcher.Notifier that tells the sender whether
// their payment was confirmed.
func PaymentNotifier(pub PublisherInterface) watcher.Notifier {
	return watcher.NotifierFunc(func(ctx context.Context, req watcher.Request, out watcher.Outcome) error {
		kind := natspkg.KindPaymentNotConfirmed
		if out.Confirmed() {
			kind = natspkg.KindPaymentConfirmed
		}
		return pub.PublishNotification(ctx, &natspkg.Notification{
			Kind:        kind,
			Participant: req.Sender.String(),
			WatchID:     req.ID,
			Amount:      req.Amount,
			Signature:   out.Signature,
		})
	})
}
