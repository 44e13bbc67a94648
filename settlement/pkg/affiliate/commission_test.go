package affiliate

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSettlement_Commission_TierFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		referrals uint64
		want      Tier
	}{
		{0, Tier1}, {99, Tier1}, {100, Tier2}, {999, Tier2},
		{1000, Tier3}, {4999, Tier3}, {5000, Tier4}, {1_000_000, Tier4},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, TierFor(tt.referrals, nil), "referrals=%d", tt.referrals)
	}

	manual := Tier4
	require.Equal(t, Tier4, TierFor(3, &manual))
	low := Tier1
	require.Equal(t, Tier1, TierFor(6000, &low))
	bogus := Tier(9)
	require.Equal(t, Tier2, TierFor(150, &bogus))
}

func TestSettlement_Commission_SplitExample(t *testing.T) {
	t.Parallel()
	tier := TierFor(100, nil)
	require.Equal(t, Tier2, tier)

	split, err := SplitFor(100_000_000, tier)
	require.NoError(t, err)
	require.Equal(t, Split{Reserved: 30_000_000, Commission: 10_000_000, Delta: 20_000_000}, split)
}

func TestSettlement_Commission_RateFor(t *testing.T) {
	t.Parallel()
	for tier, want := range map[Tier]uint64{Tier1: 500, Tier2: 1000, Tier3: 2000, Tier4: 3000} {
		got, err := RateFor(tier)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := RateFor(0)
	require.Error(t, err)
}

func TestSettlement_Commission_NeverExceedsReserve(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(3, 4))
	prices := []uint64{0, 1, 9_999, 10_000, 10_001, ^uint64(0)}
	for range 1000 {
		prices = append(prices, r.Uint64())
	}
	for _, price := range prices {
		for _, tier := range []Tier{Tier1, Tier2, Tier3, Tier4} {
			split, err := SplitFor(price, tier)
			require.NoError(t, err)
			require.LessOrEqual(t, split.Commission, split.Reserved)
			require.Equal(t, split.Reserved, split.Commission+split.Delta)
		}
	}
	top, err := SplitFor(123_456_789, Tier4)
	require.NoError(t, err)
	require.Zero(t, top.Delta)
}
