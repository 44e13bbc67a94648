package lottery

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/powersol/settlement/settlement/pkg/apperr"
)

func TestSettlement_Allocate_ThousandTicketExample(t *testing.T) {
	t.Parallel()
	alloc, err := Allocate(TriDaily.Params().Schema, 1000, 40_000_000)
	require.NoError(t, err)
	require.EqualValues(t, 100, alloc.TotalWinners)

	var winners, pools []uint64
	for _, tier := range alloc.Tiers {
		winners = append(winners, tier.Winners)
		pools = append(pools, tier.PoolAmount)
	}
	require.Equal(t, []uint64{1, 2, 6, 36, 55}, winners)
	require.Equal(t, []uint64{8_000_000, 4_000_000, 5_000_000, 11_000_000, 12_000_000}, pools)
	require.EqualValues(t, 8_000_000, alloc.Tiers[0].PrizePerWinner)
	require.EqualValues(t, 12_000_000/55, alloc.Tiers[4].PrizePerWinner)
	// 5M/6, 11M/36 and 12M/55 leave remainders of 2, 20 and 45.
	require.EqualValues(t, 67, alloc.Dust)
}

func TestSettlement_Allocate_ZeroTickets(t *testing.T) {
	t.Parallel()
	for _, lt := range Types() {
		alloc, err := Allocate(lt.Params().Schema, 0, 0)
		require.NoError(t, err, lt.String())
		require.Zero(t, alloc.TotalWinners)
		require.Empty(t, alloc.Tiers)
	}
}

func TestSettlement_Allocate_ZeroWinnersIsValid(t *testing.T) {
	t.Parallel()
	// 9 tickets at 10% rounds down to no winners.
	alloc, err := Allocate(TriDaily.Params().Schema, 9, 360_000_000)
	require.NoError(t, err)
	require.Zero(t, alloc.TotalWinners)
	require.Empty(t, alloc.Tiers)
}

func TestSettlement_Allocate_LastTierAbsorbsRemainder(t *testing.T) {
	t.Parallel()
	// 150 tickets -> 15 winners: 0, 0, 0, 5 and the remaining 10 in tier 5.
	alloc, err := Allocate(TriDaily.Params().Schema, 150, 6_000_000_000)
	require.NoError(t, err)
	require.EqualValues(t, 15, alloc.TotalWinners)
	require.Len(t, alloc.Tiers, 2)
	require.Equal(t, 4, alloc.Tiers[0].Tier)
	require.EqualValues(t, 5, alloc.Tiers[0].Winners)
	require.Equal(t, 5, alloc.Tiers[1].Tier)
	require.EqualValues(t, 10, alloc.Tiers[1].Winners)
}

func TestSettlement_Allocate_FixedModeCappedByTickets(t *testing.T) {
	t.Parallel()
	alloc, err := Allocate(Jackpot.Params().Schema, 5, 400_000_000)
	require.NoError(t, err)
	require.EqualValues(t, 5, alloc.TotalWinners)

	var winners []uint64
	for _, tier := range alloc.Tiers {
		winners = append(winners, tier.Winners)
	}
	// 1 + 2 fill tiers 1 and 2, tier 3 is clamped to the 2 left, tiers 4 and 5 get none.
	require.Equal(t, []uint64{1, 2, 2}, winners)

	podium, err := Allocate(GrandPrize.Params().Schema, 2, 1_000)
	require.NoError(t, err)
	require.Len(t, podium.Tiers, 2)
	require.EqualValues(t, 500, podium.Tiers[0].PrizePerWinner)
	require.EqualValues(t, 300, podium.Tiers[1].PrizePerWinner)
	require.EqualValues(t, 200, podium.Dust)
}

func TestSettlement_Allocate_Properties(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 2000; i++ {
		lt := Types()[r.IntN(len(Types()))]
		tickets := r.Uint64N(20_000)
		pool := r.Uint64N(10_000_000_000_000)

		alloc, err := Allocate(lt.Params().Schema, tickets, pool)
		require.NoError(t, err)

		var winners, pools, paid uint64
		for _, tier := range alloc.Tiers {
			require.Positive(t, tier.Winners)
			winners += tier.Winners
			pools += tier.PoolAmount
			paid += tier.PrizePerWinner * tier.Winners
		}
		require.Equal(t, alloc.TotalWinners, winners)
		require.LessOrEqual(t, pools, pool)
		require.Equal(t, pool-paid, alloc.Dust)
	}
}

func TestSettlement_Allocate_BrokenSchemaIsCorruption(t *testing.T) {
	t.Parallel()
	schema := TriDaily.Params().Schema
	schema.Tiers[0].PoolBps = 2500

	_, err := Allocate(schema, 1000, 40_000_000)
	require.True(t, apperr.IsCorruption(err))
	require.Equal(t, apperr.ReasonAllocationInvariant, apperr.ReasonOf(err))
}

func TestSettlement_Allocate_OverflowIsCorruption(t *testing.T) {
	t.Parallel()
	_, err := mulDiv(^uint64(0), 2*BasisPoints, BasisPoints)
	require.True(t, apperr.IsCorruption(err))

	v, err := mulDiv(1<<62, 5000, BasisPoints)
	require.NoError(t, err)
	require.EqualValues(t, uint64(1<<61), v)
}
