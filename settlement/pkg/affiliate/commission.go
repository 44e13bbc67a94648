// Package affiliate computes referral commissions and keeps weekly earning accumulators.
package affiliate

import (
	"fmt"

	"github.com/powersol/settlement/settlement/pkg/apperr"
)

type Tier uint8

const (
	Tier1 Tier = iota + 1
	Tier2
	Tier3
	Tier4
)

// ReservedBps is the affiliate share of every ticket, whatever the referrer's tier.
const ReservedBps = 3000

const basisPoints = 10_000

var (
	tierThresholds = [4]uint64{0, 100, 1000, 5000}
	tierRatesBps   = [4]uint64{500, 1000, 2000, 3000}
)

func (t Tier) Valid() bool {
	return t >= Tier1 && t <= Tier4
}

// TierFor maps a validated referral count to a tier. A manual override always wins.
func TierFor(validatedReferrals uint64, manual *Tier) Tier {
	if manual != nil && manual.Valid() {
		return *manual
	}
	tier := Tier1
	for i, threshold := range tierThresholds {
		if validatedReferrals >= threshold {
			tier = Tier(i + 1)
		}
	}
	return tier
}

// RateFor returns the commission rate of a tier in basis points.
func RateFor(t Tier) (uint64, error) {
	if !t.Valid() {
		return 0, apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("unknown affiliate tier %d", t))
	}
	return tierRatesBps[t-1], nil
}

// Split is how the affiliate reserve of one ticket is divided.
type Split struct {
	Reserved   uint64 `json:"reserved"`
	Commission uint64 `json:"commission"`
	Delta      uint64 `json:"treasury_delta"`
}

// SplitFor computes reserved = 30% of price, commission = rate(tier) of price and the
// unused remainder routed to the treasury delta.
func SplitFor(ticketPrice uint64, tier Tier) (Split, error) {
	rate, err := RateFor(tier)
	if err != nil {
		return Split{}, err
	}
	reserved := ticketPrice / basisPoints * ReservedBps
	reserved += ticketPrice % basisPoints * ReservedBps / basisPoints
	commission := ticketPrice / basisPoints * rate
	commission += ticketPrice % basisPoints * rate / basisPoints
	if commission > reserved {
		return Split{}, apperr.Corruption(apperr.ReasonAllocationInvariant,
			fmt.Sprintf("commission %d exceeds reserve %d", commission, reserved))
	}
	return Split{Reserved: reserved, Commission: commission, Delta: reserved - commission}, nil
}
