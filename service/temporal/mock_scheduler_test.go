package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockScheduler(t *testing.T) {
	ctx := context.Background()
	s := NewMockScheduler()
	round := "87JSCiht1TyXmT1yHbYZpKGtgJRhKzBYyFrmENvAogef"

	require.NoError(t, s.UpsertResolveSchedule(ctx, round, time.Minute))
	require.NoError(t, s.UpsertResolveSchedule(ctx, round, 30*time.Second))
	assert.Equal(t, 1, s.ScheduleCount())

	interval, ok := s.GetScheduleInterval(round)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, interval)

	require.NoError(t, s.DeleteResolveSchedule(ctx, round))
	assert.Error(t, s.DeleteResolveSchedule(ctx, round))

	s.SetUpsertError(errors.New("unavailable"))
	assert.Error(t, s.UpsertResolveSchedule(ctx, round, time.Minute))

	s.Reset()
	assert.NoError(t, s.UpsertResolveSchedule(ctx, round, time.Minute))
}

func TestScheduleIDs(t *testing.T) {
	assert.Equal(t, "resolve-round-abc", scheduleID("abc"))
	assert.Equal(t, "watch-payment-w1", watchWorkflowID("w1"))
}
