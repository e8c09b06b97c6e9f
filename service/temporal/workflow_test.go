package temporal

import (
	"context"
	"errors"
	"testing"

	"github.com/brojonat/psyduk/service/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

func TestWatchPaymentWorkflow(t *testing.T) {
	input := WatchPaymentInput{
		WatchID:   "w1",
		Sender:    "7fbAEwAuTHgBPxxf6dtvr8opw9tzVxYBVu1gXZNUJsAg",
		Recipient: "87JSCiht1TyXmT1yHbYZpKGtgJRhKzBYyFrmENvAogef",
		Amount:    25_000_000,
	}

	tests := []struct {
		name          string
		result        *WatchPaymentResult
		activityErr   error
		expectedError bool
		validate      func(*testing.T, *WatchPaymentResult)
	}{
		{
			name: "payment confirmed",
			result: &WatchPaymentResult{
				Outcome:   watcher.Outcome{RequestID: "w1", State: watcher.StateFound, Signature: "sig1", Cycles: 3},
				Sender:    input.Sender,
				Amount:    input.Amount,
				Confirmed: true,
			},
			validate: func(t *testing.T, r *WatchPaymentResult) {
				assert.True(t, r.Confirmed)
				assert.Equal(t, watcher.StateFound, r.Outcome.State)
				assert.Equal(t, "sig1", r.Outcome.Signature)
			},
		},
		{
			name: "payment not seen",
			result: &WatchPaymentResult{
				Outcome: watcher.Outcome{RequestID: "w1", State: watcher.StateExpired, Cycles: 30},
				Sender:  input.Sender,
				Amount:  input.Amount,
			},
			validate: func(t *testing.T, r *WatchPaymentResult) {
				assert.False(t, r.Confirmed)
				assert.Equal(t, 30, r.Outcome.Cycles)
			},
		},
		{
			name:          "activity fails",
			activityErr:   errors.New("rpc unavailable"),
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testSuite := &testsuite.WorkflowTestSuite{}
			env := testSuite.NewTestWorkflowEnvironment()

			activities := &Activities{}
			env.RegisterActivity(activities.WatchPayment)

			calls := 0
			env.OnActivity(activities.WatchPayment, mock.Anything, mock.Anything).
				Return(func(ctx context.Context, in WatchPaymentInput) (*WatchPaymentResult, error) {
					calls++
					if tt.activityErr != nil {
						return nil, tt.activityErr
					}
					return tt.result, nil
				})

			env.ExecuteWorkflow(WatchPaymentWorkflow, input)
			require.True(t, env.IsWorkflowCompleted())

			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
				assert.Equal(t, 1, calls, "watch must not be retried")
				return
			}

			require.NoError(t, env.GetWorkflowError())
			var result WatchPaymentResult
			require.NoError(t, env.GetWorkflowResult(&result))
			tt.validate(t, &result)
		})
	}
}

func TestResolveRoundWorkflow(t *testing.T) {
	tests := []struct {
		name   string
		result *ResolveRoundResult
	}{
		{
			name: "round resolved",
			result: &ResolveRoundResult{
				Status:     ResolveStatusResolved,
				Winner:     "7fbAEwAuTHgBPxxf6dtvr8opw9tzVxYBVu1gXZNUJsAg",
				Payout:     24_000_000,
				Tickets:    3,
				ResolvedAt: 1_700_000_900,
			},
		},
		{
			name:   "round still open",
			result: &ResolveRoundResult{Status: ResolveStatusStillOpen, EndTime: 1_700_000_900},
		},
		{
			name:   "no participants",
			result: &ResolveRoundResult{Status: ResolveStatusNoParticipants},
		},
		{
			name:   "first round opened",
			result: &ResolveRoundResult{Status: ResolveStatusOpened},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testSuite := &testsuite.WorkflowTestSuite{}
			env := testSuite.NewTestWorkflowEnvironment()

			activities := &Activities{}
			env.RegisterActivity(activities.ResolveRound)
			env.OnActivity(activities.ResolveRound, mock.Anything).Return(tt.result, nil)

			env.ExecuteWorkflow(ResolveRoundWorkflow)
			require.True(t, env.IsWorkflowCompleted())
			require.NoError(t, env.GetWorkflowError())

			var result ResolveRoundResult
			require.NoError(t, env.GetWorkflowResult(&result))
			assert.Equal(t, *tt.result, result)
		})
	}
}

func TestResolveRoundWorkflow_ActivityRetries(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.ResolveRound)

	callCount := 0
	env.OnActivity(activities.ResolveRound, mock.Anything).
		Return(func(ctx context.Context) (*ResolveRoundResult, error) {
			callCount++
			if callCount < 3 {
				return nil, errors.New("transient error")
			}
			return &ResolveRoundResult{Status: ResolveStatusStillOpen}, nil
		})

	env.ExecuteWorkflow(ResolveRoundWorkflow)

	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 3, callCount)
}

func TestResolveRoundWorkflow_GivesUp(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.ResolveRound)
	callCount := 0
	env.OnActivity(activities.ResolveRound, mock.Anything).
		Return(func(ctx context.Context) (*ResolveRoundResult, error) {
			callCount++
			return nil, errors.New("database unavailable")
		})

	env.ExecuteWorkflow(ResolveRoundWorkflow)

	assert.Error(t, env.GetWorkflowError())
	assert.Equal(t, 3, callCount)
}
