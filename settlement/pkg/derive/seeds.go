package derive

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

const (
	seedTicket         = "ticket"
	seedPrizeClaim     = "prize_claim"
	seedAffiliateClaim = "affiliate_claim"
	seedPrizePool      = "prize_pool"
	seedAccumulator    = "accumulator"
)

func u64LE(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func u32LE(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// TicketSeeds scopes a ticket account: "ticket" | round (u64 LE) | number (u32 LE).
func TicketSeeds(roundID uint64, ticketNumber uint32) [][]byte {
	return [][]byte{[]byte(seedTicket), u64LE(roundID), u32LE(ticketNumber)}
}

// PrizeClaimSeeds scopes the receipt written when claimant collects the prize on a ticket.
func PrizeClaimSeeds(claimant solana.PublicKey, roundID uint64, ticketNumber uint32) [][]byte {
	return [][]byte{[]byte(seedPrizeClaim), claimant.Bytes(), u64LE(roundID), u32LE(ticketNumber)}
}

// AffiliateClaimSeeds scopes the receipt for an affiliate's weekly payout.
func AffiliateClaimSeeds(claimant solana.PublicKey, week uint64) [][]byte {
	return [][]byte{[]byte(seedAffiliateClaim), claimant.Bytes(), u64LE(week)}
}

// PrizePoolSeeds scopes the prize vault of one lottery type.
func PrizePoolSeeds(typeByte uint8) [][]byte {
	return [][]byte{[]byte(seedPrizePool), {typeByte}}
}

// AccumulatorSeeds scopes an affiliate's running earnings account.
func AccumulatorSeeds(wallet solana.PublicKey) [][]byte {
	return [][]byte{[]byte(seedAccumulator), wallet.Bytes()}
}
