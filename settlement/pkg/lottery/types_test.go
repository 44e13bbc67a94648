package lottery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSettlement_Lottery_SchemasAreValid(t *testing.T) {
	t.Parallel()
	for _, lt := range Types() {
		require.NoError(t, lt.Params().Schema.Validate(), lt.String())
	}
}

func TestSettlement_Lottery_ParseRoundTrip(t *testing.T) {
	t.Parallel()
	for _, lt := range Types() {
		parsed, err := ParseType(lt.String())
		require.NoError(t, err)
		require.Equal(t, lt, parsed)
	}
	_, err := ParseType("daily")
	require.Error(t, err)

	var body struct {
		Type Type `json:"lottery_type"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"lottery_type":"grand-prize"}`), &body))
	require.Equal(t, GrandPrize, body.Type)
}

func TestSettlement_Lottery_NextDraw(t *testing.T) {
	t.Parallel()
	prev := time.Date(2025, 1, 30, 23, 59, 59, 0, time.UTC)

	next, ok := TriDaily.NextDraw(prev)
	require.True(t, ok)
	require.Equal(t, time.Date(2025, 2, 2, 23, 59, 59, 0, time.UTC), next)

	next, ok = Jackpot.NextDraw(prev)
	require.True(t, ok)
	require.Equal(t, time.Date(2025, 2, 28, 23, 59, 59, 0, time.UTC), next)

	next, ok = Jackpot.NextDraw(time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC))
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC), next)

	next, ok = GrandPrize.NextDraw(prev)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC), next)

	_, ok = Xmas.NextDraw(prev)
	require.False(t, ok)
}

func TestSettlement_Lottery_RevenueSplit(t *testing.T) {
	t.Parallel()
	split := SplitRevenue(1_000_000_001)
	require.EqualValues(t, 400_000_000, split.PrizePool)
	require.EqualValues(t, 300_000_000, split.Affiliates)
	require.EqualValues(t, 300_000_001, split.Treasury)

	require.EqualValues(t, 40_000_000_000, PrizePoolFor(1000, TriDaily.Params().TicketPrice))
}

func TestSettlement_Lottery_FirstDraw(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 12, 26, 8, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 12, 29, 23, 59, 59, 0, time.UTC), TriDaily.FirstDraw(now))
	require.Equal(t, time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC), Jackpot.FirstDraw(now))
	require.Equal(t, time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC), GrandPrize.FirstDraw(now))
	require.Equal(t, time.Date(2026, 12, 25, 23, 59, 59, 0, time.UTC), Xmas.FirstDraw(now))
	require.Equal(t, time.Date(2025, 12, 25, 23, 59, 59, 0, time.UTC), Xmas.FirstDraw(now.AddDate(0, -1, 0)))
}
