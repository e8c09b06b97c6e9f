package temporal

import (
	"context"
	"time"
)

// Scheduler manages the crank schedule that triggers ResolveRoundWorkflow.
type Scheduler interface {
	// UpsertResolveSchedule creates the schedule, or updates its interval if
	// it already exists.
	UpsertResolveSchedule(ctx context.Context, round string, interval time.Duration) error

	// DeleteResolveSchedule stops the crank for a round.
	DeleteResolveSchedule(ctx context.Context, round string) error
}

// scheduleID returns the Temporal schedule ID for a round address.
func scheduleID(round string) string {
	return "resolve-round-" + round
}

// watchWorkflowID returns the workflow ID for a watch.
func watchWorkflowID(watchID string) string {
	return "watch-payment-" + watchID
}
