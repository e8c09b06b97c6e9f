package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// DefaultWatchTimeout bounds a watch when the input carries no timeout. It
// covers the default budget of 30 cycles 30 seconds apart with room for fetch
// retries.
const DefaultWatchTimeout = 30 * time.Minute

// watchFinishMargin is kept between a watch's deadline and its activity
// timeout so the terminal notification is still delivered.
const watchFinishMargin = time.Minute

// WatchDeadline returns when a watch started at start should stop polling so
// that it ends, and notifies, before timeout elapses.
func WatchDeadline(start time.Time, timeout time.Duration) time.Time {
	if timeout <= 0 {
		timeout = DefaultWatchTimeout
	}
	margin := watchFinishMargin
	if timeout < 2*margin {
		margin = timeout / 2
	}
	return start.Add(timeout - margin)
}

// WatchPaymentWorkflow waits for one expected payment and returns the outcome.
//
// The watch activity is attempted once: a second attempt would seed its seen
// set from a history that already contains the payment and never match it.
func WatchPaymentWorkflow(ctx workflow.Context, input WatchPaymentInput) (*WatchPaymentResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("WatchPaymentWorkflow started",
		"watch_id", input.WatchID,
		"sender", input.Sender,
		"amount", input.Amount,
	)

	timeout := input.Timeout
	if timeout <= 0 {
		timeout = DefaultWatchTimeout
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var result *WatchPaymentResult
	if err := workflow.ExecuteActivity(ctx, a.WatchPayment, input).Get(ctx, &result); err != nil {
		logger.Error("payment watch failed", "watch_id", input.WatchID, "error", err)
		return nil, fmt.Errorf("failed to watch payment: %w", err)
	}

	logger.Info("WatchPaymentWorkflow completed",
		"watch_id", input.WatchID,
		"state", result.Outcome.State,
		"signature", result.Outcome.Signature,
	)
	return result, nil
}

// ResolveRoundWorkflow is the crank. A schedule triggers it at a fixed
// interval; each run resolves the round if it is due.
func ResolveRoundWorkflow(ctx workflow.Context) (*ResolveRoundResult, error) {
	logger := workflow.GetLogger(ctx)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	var result *ResolveRoundResult
	if err := workflow.ExecuteActivity(ctx, a.ResolveRound).Get(ctx, &result); err != nil {
		logger.Error("failed to resolve round", "error", err)
		return nil, fmt.Errorf("failed to resolve round: %w", err)
	}

	logger.Info("ResolveRoundWorkflow completed",
		"status", result.Status,
		"end_time", result.EndTime,
		"winner", result.Winner,
		"payout", result.Payout,
	)
	return result, nil
}
