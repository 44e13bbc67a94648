package affiliate

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/powersol/settlement/settlement/pkg/lottery"
)

// TicketPurchased is emitted by the purchase path once a ticket purchase has landed on chain.
type TicketPurchased struct {
	Signature    string           `json:"signature"`
	Wallet       solana.PublicKey `json:"wallet"`
	RoundID      uint64           `json:"round_id"`
	Price        uint64           `json:"price"`
	ReferralCode string           `json:"referral_code,omitempty"`
	PurchasedAt  time.Time        `json:"purchased_at"`
}

// Credit is the commission booked for one referred purchase.
type Credit struct {
	Affiliate      solana.PublicKey `json:"affiliate"`
	Tier           Tier             `json:"tier"`
	Split          Split            `json:"split"`
	Week           uint64           `json:"week_number"`
	ReleaseAt      time.Time        `json:"release_timestamp"`
	NewlyValidated bool             `json:"newly_validated"`
}

// CreditFunc computes the credit for a referrer. It runs inside the purchase transaction
// with the affiliate row locked; aff already reflects a referral validated by this purchase.
type CreditFunc func(aff Affiliate, newlyValidated bool) (Credit, error)

type PurchaseResult struct {
	Ticket    lottery.Ticket
	Duplicate bool
	Credit    *Credit
	// Rejection is the reason a referral code on the purchase was ignored, if any.
	Rejection string
}

type Store interface {
	// ApplyPurchase records the ticket with the round's next number and, when the buyer has
	// a referrer, validates the referral, books the credit, grows the weekly accumulator and
	// the treasury delta ledger. All of it commits or none of it does. Replaying a purchase
	// signature returns Duplicate without side effects.
	ApplyPurchase(ctx context.Context, ev TicketPurchased, credit CreditFunc) (PurchaseResult, error)
	CreateAffiliate(ctx context.Context, a Affiliate) (Affiliate, error)
	GetAffiliate(ctx context.Context, wallet solana.PublicKey) (Affiliate, error)
	ListWeeks(ctx context.Context, wallet solana.PublicKey) ([]WeekAccumulator, error)
	// ReleaseWeeks marks every week with release_at <= now as released.
	ReleaseWeeks(ctx context.Context, now time.Time) (int64, error)
	// SetManualTier pins the affiliate's tier to manual, or clears the pin when manual is
	// nil so the tier follows the validated referral count again. The audit row described
	// by change is written in the same transaction and returned with its tiers filled in.
	SetManualTier(ctx context.Context, change TierChange, manual *Tier) (TierChange, error)
	// TierChanges lists an affiliate's audited tier changes, newest first.
	TierChanges(ctx context.Context, wallet solana.PublicKey) ([]TierChange, error)
}
