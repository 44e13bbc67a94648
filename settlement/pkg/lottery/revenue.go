package lottery

// Ticket revenue split, in percent.
const (
	PrizePoolPercent = 40
	TreasuryPercent  = 30
	AffiliatePercent = 30
)

type RevenueSplit struct {
	PrizePool  uint64 `json:"prize_pool"`
	Treasury   uint64 `json:"treasury"`
	Affiliates uint64 `json:"affiliates"`
}

// SplitRevenue divides revenue 40/30/30. Rounding remainders go to the treasury.
func SplitRevenue(revenue uint64) RevenueSplit {
	prize := revenue * PrizePoolPercent / 100
	aff := revenue * AffiliatePercent / 100
	return RevenueSplit{
		PrizePool:  prize,
		Affiliates: aff,
		Treasury:   revenue - prize - aff,
	}
}

// PrizePoolFor is the prize pool of a round with the given sales.
func PrizePoolFor(tickets uint64, price uint64) uint64 {
	return SplitRevenue(tickets * price).PrizePool
}
