package affiliate

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

type Affiliate struct {
	Wallet             solana.PublicKey `json:"wallet"`
	ReferralCode       string           `json:"referral_code"`
	Tier               Tier             `json:"tier"`
	ManualTier         *Tier            `json:"manual_tier,omitempty"`
	ValidatedReferrals uint64           `json:"validated_referrals"`
	TotalEarned        uint64           `json:"total_earned"`
	TotalClaimed       uint64           `json:"total_claimed"`
	PendingEarnings    uint64           `json:"pending_earnings"`
	CreatedAt          time.Time        `json:"created_at"`
}

type Referral struct {
	ReferredWallet  solana.PublicKey `json:"referred_wallet"`
	AffiliateWallet solana.PublicKey `json:"affiliate_wallet"`
	Code            string           `json:"referral_code"`
	Validated       bool             `json:"is_validated"`
	ValidatedAt     *time.Time       `json:"validated_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// WeekAccumulator is an affiliate's earnings for one week.
type WeekAccumulator struct {
	Wallet         solana.PublicKey `json:"wallet"`
	Week           uint64           `json:"week_number"`
	ReferralCount  uint64           `json:"referral_count"`
	Earned         uint64           `json:"earned"`
	Tier           Tier             `json:"tier"`
	ReleaseAt      time.Time        `json:"release_timestamp"`
	IsReleased     bool             `json:"is_released"`
	IsClaimable    bool             `json:"is_claimable"`
	Claimed        bool             `json:"claimed"`
	ClaimedAt      *time.Time       `json:"claimed_at,omitempty"`
	ClaimSignature string           `json:"claim_signature,omitempty"`
}

// ClaimableAt reports whether the week can be claimed at now, independent of whether the
// release job has run yet.
func (w WeekAccumulator) ClaimableAt(now time.Time) bool {
	return !w.Claimed && w.Earned > 0 && !now.Before(w.ReleaseAt)
}

type TierAction string

const (
	TierActionSet    TierAction = "set_manual_tier"
	TierActionRemove TierAction = "remove_manual_tier"
)

// TierChange is one audited change of an affiliate's manual tier override. OldTier and
// NewTier are the effective tiers before and after.
type TierChange struct {
	ID        int64            `json:"id"`
	Wallet    solana.PublicKey `json:"wallet"`
	Action    TierAction       `json:"action"`
	OldTier   Tier             `json:"old_tier"`
	NewTier   Tier             `json:"new_tier"`
	Reason    string           `json:"reason,omitempty"`
	Actor     string           `json:"actor"`
	CreatedAt time.Time        `json:"created_at"`
}
