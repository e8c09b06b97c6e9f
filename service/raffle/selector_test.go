package raffle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectWinner_InRange(t *testing.T) {
	for n := 1; n <= 50; n++ {
		for ts := int64(1_700_000_000); ts < 1_700_000_200; ts++ {
			idx, err := SelectWinner(ts, n)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, idx, 0)
			assert.Less(t, idx, n)
		}
	}
}

func TestSelectWinner_Deterministic(t *testing.T) {
	for _, ts := range []int64{0, 1, -1, 1_700_000_000, 1<<62 + 7} {
		first, err := SelectWinner(ts, 7)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			again, err := SelectWinner(ts, 7)
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	}
}

func TestSelectWinner_SingleTicket(t *testing.T) {
	idx, err := SelectWinner(1_700_000_123, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestSelectWinner_NoTickets(t *testing.T) {
	_, err := SelectWinner(1_700_000_000, 0)
	require.ErrorIs(t, err, ErrNoParticipants)
}

func TestSelectWinner_RoughlyUniform(t *testing.T) {
	const n = 4
	const samples = 20_000
	counts := make([]int, n)
	for ts := int64(0); ts < samples; ts++ {
		idx, err := SelectWinner(1_600_000_000+ts, n)
		require.NoError(t, err)
		counts[idx]++
	}
	for i, c := range counts {
		assert.InDelta(t, samples/n, c, samples/n/5, "bucket %d", i)
	}
}
