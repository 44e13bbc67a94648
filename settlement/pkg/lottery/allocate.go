package lottery

import (
	"fmt"
	"math/bits"

	"github.com/powersol/settlement/settlement/pkg/apperr"
)

type TierAllocation struct {
	Tier           int    `json:"tier"`
	Winners        uint64 `json:"winners_count"`
	PoolAmount     uint64 `json:"pool_amount"`
	PrizePerWinner uint64 `json:"prize_per_winner"`
}

// Allocation is the outcome of splitting a prize pool across a schema's tiers.
// Dust is the part of the pool not paid to any winner: per-tier division remainders plus
// the pool share of tiers that resolved to zero winners. It stays in the prize vault.
type Allocation struct {
	TotalWinners uint64           `json:"total_winners"`
	Tiers        []TierAllocation `json:"tiers"`
	Dust         uint64           `json:"dust"`
}

// Allocate computes winners and pool amounts per tier. The last tier absorbs the winner
// remainder so the counts always sum to the winner total. Tiers with no winners are dropped.
func Allocate(schema TierSchema, ticketsSold, prizePool uint64) (Allocation, error) {
	if err := schema.Validate(); err != nil {
		return Allocation{}, apperr.Corruption(apperr.ReasonAllocationInvariant, err.Error())
	}

	var total uint64
	switch schema.Mode {
	case ModePercentage:
		t, err := mulDiv(ticketsSold, schema.TotalWinnersBps, BasisPoints)
		if err != nil {
			return Allocation{}, err
		}
		total = t
	case ModeFixed:
		total = min(schema.FixedTotal, ticketsSold)
	}

	out := Allocation{TotalWinners: total}
	if total == 0 {
		return out, nil
	}

	var assigned, poolSum, paid uint64
	last := len(schema.Tiers) - 1
	for i, tier := range schema.Tiers {
		remaining := total - assigned
		var winners uint64
		if i == last {
			winners = remaining
		} else {
			switch schema.Mode {
			case ModePercentage:
				w, err := mulDiv(total, tier.WinnersBps, BasisPoints)
				if err != nil {
					return Allocation{}, err
				}
				winners = w
			case ModeFixed:
				winners = tier.FixedWinners
			}
			winners = min(winners, remaining)
		}
		assigned += winners

		pool, err := mulDiv(prizePool, tier.PoolBps, BasisPoints)
		if err != nil {
			return Allocation{}, err
		}
		poolSum += pool
		if winners == 0 {
			continue
		}
		perWinner := pool / winners
		paid += perWinner * winners
		out.Tiers = append(out.Tiers, TierAllocation{
			Tier:           tier.Number,
			Winners:        winners,
			PoolAmount:     pool,
			PrizePerWinner: perWinner,
		})
	}

	if assigned != total {
		return Allocation{}, apperr.Corruption(apperr.ReasonAllocationInvariant,
			fmt.Sprintf("assigned %d winners, want %d", assigned, total))
	}
	if poolSum > prizePool || paid > prizePool {
		return Allocation{}, apperr.Corruption(apperr.ReasonAllocationInvariant,
			fmt.Sprintf("tier pools %d exceed prize pool %d", poolSum, prizePool))
	}
	out.Dust = prizePool - paid
	return out, nil
}

// mulDiv returns floor(a*b/c) without intermediate overflow.
func mulDiv(a, b, c uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, apperr.Corruption(apperr.ReasonAllocationInvariant,
			fmt.Sprintf("%d * %d / %d overflows", a, b, c))
	}
	q, _ := bits.Div64(hi, lo, c)
	return q, nil
}
