package lottery

import (
	"errors"
	"fmt"
)

// BasisPoints expresses percentages with two decimals: 12.5% is 1250.
const BasisPoints = 10_000

type WinnerMode int

const (
	// ModePercentage derives the winner total from tickets sold.
	ModePercentage WinnerMode = iota
	// ModeFixed uses a fixed winner total, capped at tickets sold.
	ModeFixed
)

// Tier is one prize bracket. WinnersBps is used in percentage mode and FixedWinners in
// fixed mode. PoolBps is the tier's share of the prize pool.
type Tier struct {
	Number       int
	WinnersBps   uint64
	FixedWinners uint64
	PoolBps      uint64
}

type TierSchema struct {
	Mode            WinnerMode
	TotalWinnersBps uint64
	FixedTotal      uint64
	Tiers           []Tier
}

func (s TierSchema) Validate() error {
	if len(s.Tiers) == 0 {
		return errors.New("schema has no tiers")
	}
	var poolSum, winnerSum uint64
	for i, t := range s.Tiers {
		if t.Number != i+1 {
			return fmt.Errorf("tier %d out of order (got number %d)", i+1, t.Number)
		}
		poolSum += t.PoolBps
		switch s.Mode {
		case ModePercentage:
			winnerSum += t.WinnersBps
		case ModeFixed:
			winnerSum += t.FixedWinners
		}
	}
	if poolSum != BasisPoints {
		return fmt.Errorf("tier pool shares sum to %d bps, want %d", poolSum, BasisPoints)
	}
	switch s.Mode {
	case ModePercentage:
		if s.TotalWinnersBps == 0 || s.TotalWinnersBps > BasisPoints {
			return fmt.Errorf("total winners share %d bps out of range", s.TotalWinnersBps)
		}
		if winnerSum != BasisPoints {
			return fmt.Errorf("tier winner shares sum to %d bps, want %d", winnerSum, BasisPoints)
		}
	case ModeFixed:
		if s.FixedTotal == 0 {
			return errors.New("fixed total winners must be positive")
		}
		if winnerSum != s.FixedTotal {
			return fmt.Errorf("fixed tier winners sum to %d, want %d", winnerSum, s.FixedTotal)
		}
	default:
		return fmt.Errorf("unknown winner mode %d", s.Mode)
	}
	return nil
}

// Shared five-tier pool split: 20 / 10 / 12.5 / 27.5 / 30.
var fiveTierPool = [5]uint64{2000, 1000, 1250, 2750, 3000}

func percentageFiveTier() TierSchema {
	winners := [5]uint64{100, 200, 600, 3600, 5500}
	tiers := make([]Tier, 5)
	for i := range tiers {
		tiers[i] = Tier{Number: i + 1, WinnersBps: winners[i], PoolBps: fiveTierPool[i]}
	}
	return TierSchema{Mode: ModePercentage, TotalWinnersBps: 1000, Tiers: tiers}
}

func fixedFiveTier() TierSchema {
	winners := [5]uint64{1, 2, 6, 36, 55}
	tiers := make([]Tier, 5)
	for i := range tiers {
		tiers[i] = Tier{Number: i + 1, FixedWinners: winners[i], PoolBps: fiveTierPool[i]}
	}
	return TierSchema{Mode: ModeFixed, FixedTotal: 100, Tiers: tiers}
}

func fixedPodium() TierSchema {
	return TierSchema{
		Mode:       ModeFixed,
		FixedTotal: 3,
		Tiers: []Tier{
			{Number: 1, FixedWinners: 1, PoolBps: 5000},
			{Number: 2, FixedWinners: 1, PoolBps: 3000},
			{Number: 3, FixedWinners: 1, PoolBps: 2000},
		},
	}
}
