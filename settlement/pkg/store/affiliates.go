package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"

	"github.com/powersol/settlement/settlement/pkg/affiliate"
	"github.com/powersol/settlement/settlement/pkg/apperr"
	"github.com/powersol/settlement/settlement/pkg/lottery"
	"github.com/powersol/settlement/utils/pkg/retry"
)

var _ affiliate.Store = (*Store)(nil)

var errWeekReleased = errors.New("earning week was released while the purchase was in flight")

// ApplyPurchase runs the purchase transaction, retrying it whole when it loses a race
// (concurrent duplicate, concurrent referral, week released mid-flight).
func (s *Store) ApplyPurchase(ctx context.Context, ev affiliate.TicketPurchased, credit affiliate.CreditFunc) (affiliate.PurchaseResult, error) {
	cfg := retry.Config{MaxAttempts: 3, BaseBackoff: 20 * time.Millisecond, MaxBackoff: 200 * time.Millisecond}
	return retry.DoValue(ctx, cfg, func() (affiliate.PurchaseResult, error) {
		var res affiliate.PurchaseResult
		err := s.inTx(ctx, func(tx pgx.Tx) error {
			var err error
			res, err = s.applyPurchase(ctx, tx, ev, credit)
			return err
		})
		return res, err
	})
}

func (s *Store) applyPurchase(ctx context.Context, tx pgx.Tx, ev affiliate.TicketPurchased, credit affiliate.CreditFunc) (affiliate.PurchaseResult, error) {
	var res affiliate.PurchaseResult

	existing, err := scanTicket(tx.QueryRow(ctx, `
		SELECT round_id, ticket_number, wallet, purchased_at, referral_code, purchase_signature,
		       is_winner, tier, claimed
		FROM tickets WHERE purchase_signature = $1
	`, ev.Signature))
	if err == nil {
		res.Ticket = existing
		res.Duplicate = true
		return res, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return res, fmt.Errorf("failed to look up purchase: %w", err)
	}

	// Taking the next number under the round's row lock keeps numbering gapless, and the
	// state guard keeps tickets out of rounds that are being drawn.
	var number int32
	var price int64
	err = tx.QueryRow(ctx, `
		UPDATE rounds
		SET tickets_sold = tickets_sold + 1
		WHERE id = $1 AND NOT is_drawn AND draw_state = 'scheduled' AND tickets_sold < max_tickets
		RETURNING tickets_sold, ticket_price
	`, int64(ev.RoundID)).Scan(&number, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, rerr := s.Round(ctx, ev.RoundID); rerr != nil {
			return res, rerr
		}
		return res, apperr.Validation(apperr.ReasonRoundClosed, fmt.Sprintf("round %d is not accepting tickets", ev.RoundID))
	}
	if err != nil {
		return res, fmt.Errorf("failed to allocate ticket number: %w", err)
	}
	if uint64(price) != ev.Price {
		return res, apperr.Validation(apperr.ReasonInvalidInput,
			fmt.Sprintf("purchase price %d does not match round price %d", ev.Price, price))
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (round_id, ticket_number, wallet, purchased_at, referral_code, purchase_signature)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, int64(ev.RoundID), number, ev.Wallet.String(), ev.PurchasedAt, nullString(ev.ReferralCode), ev.Signature)
	if err != nil {
		if uniqueViolation(err) == "tickets_purchase_signature_key" {
			return res, &retryableError{err: fmt.Errorf("concurrent duplicate purchase: %w", err)}
		}
		return res, fmt.Errorf("failed to insert ticket: %w", err)
	}
	res.Ticket = lottery.Ticket{
		RoundID:           ev.RoundID,
		Number:            uint32(number),
		Wallet:            ev.Wallet,
		PurchasedAt:       ev.PurchasedAt,
		ReferralCode:      ev.ReferralCode,
		PurchaseSignature: ev.Signature,
	}

	referrer, validated, rejection, err := s.resolveReferral(ctx, tx, ev)
	if err != nil {
		return res, err
	}
	res.Rejection = rejection
	if referrer == "" {
		return res, nil
	}

	aff, err := scanAffiliate(tx.QueryRow(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE wallet = $1 FOR UPDATE`, referrer))
	if err != nil {
		return res, fmt.Errorf("failed to lock affiliate: %w", err)
	}
	newly := !validated
	if newly {
		if _, err := tx.Exec(ctx, `
			UPDATE referrals SET is_validated = TRUE, validated_at = $2 WHERE referred_wallet = $1
		`, ev.Wallet.String(), ev.PurchasedAt); err != nil {
			return res, fmt.Errorf("failed to validate referral: %w", err)
		}
		aff.ValidatedReferrals++
	}

	c, err := credit(aff, newly)
	if err != nil {
		return res, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE affiliates
		SET tier = $2,
		    validated_referrals = $3,
		    total_earned = total_earned + $4,
		    pending_earnings = pending_earnings + $4
		WHERE wallet = $1
	`, referrer, int16(c.Tier), int64(aff.ValidatedReferrals), int64(c.Split.Commission))
	if err != nil {
		return res, fmt.Errorf("failed to credit affiliate: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO affiliate_weeks (wallet, week_number, referral_count, earned, tier, release_at)
		VALUES ($1, $2, 1, $3, $4, $5)
		ON CONFLICT (wallet, week_number) DO UPDATE
		SET referral_count = affiliate_weeks.referral_count + 1,
		    earned = affiliate_weeks.earned + EXCLUDED.earned,
		    tier = EXCLUDED.tier
		WHERE NOT affiliate_weeks.is_released
	`, referrer, int64(c.Week), int64(c.Split.Commission), int16(c.Tier), c.ReleaseAt)
	if err != nil {
		return res, fmt.Errorf("failed to accumulate week: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return res, &retryableError{err: errWeekReleased}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO treasury_deltas (purchase_signature, affiliate_wallet, tier, reserved, commission,
		                             delta, week_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.Signature, referrer, int16(c.Tier), int64(c.Split.Reserved), int64(c.Split.Commission),
		int64(c.Split.Delta), int64(c.Week), s.cfg.Clock.Now())
	if err != nil {
		return res, fmt.Errorf("failed to record treasury delta: %w", err)
	}

	res.Credit = &c
	return res, nil
}

// resolveReferral returns the buyer's referrer, binding one from the purchase's code when
// the buyer has none yet. The first code a wallet uses is the one that sticks.
func (s *Store) resolveReferral(ctx context.Context, tx pgx.Tx, ev affiliate.TicketPurchased) (referrer string, validated bool, rejection string, err error) {
	buyer := ev.Wallet.String()
	err = tx.QueryRow(ctx, `
		SELECT affiliate_wallet, is_validated FROM referrals WHERE referred_wallet = $1 FOR UPDATE
	`, buyer).Scan(&referrer, &validated)
	if err == nil {
		return referrer, validated, "", nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, "", fmt.Errorf("failed to look up referral: %w", err)
	}
	if ev.ReferralCode == "" {
		return "", false, "", nil
	}

	var owner string
	err = tx.QueryRow(ctx, `SELECT wallet FROM affiliates WHERE referral_code = $1`, ev.ReferralCode).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, apperr.ReasonUnknownReferralCode, nil
	}
	if err != nil {
		return "", false, "", fmt.Errorf("failed to look up referral code: %w", err)
	}
	if owner == buyer {
		return "", false, apperr.ReasonSelfReferral, nil
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO referrals (referred_wallet, affiliate_wallet, referral_code, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (referred_wallet) DO NOTHING
	`, buyer, owner, ev.ReferralCode, s.cfg.Clock.Now())
	if err != nil {
		return "", false, "", fmt.Errorf("failed to bind referral: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", false, "", &retryableError{err: errors.New("referral bound concurrently")}
	}
	return owner, false, "", nil
}

const affiliateColumns = `wallet, referral_code, tier, manual_tier, validated_referrals, total_earned,
	total_claimed, pending_earnings, created_at`

func scanAffiliate(row pgx.Row) (affiliate.Affiliate, error) {
	var (
		a                                   affiliate.Affiliate
		wallet                              string
		tier                                int16
		manual                              *int16
		validated, earned, claimed, pending int64
	)
	if err := row.Scan(&wallet, &a.ReferralCode, &tier, &manual, &validated, &earned, &claimed, &pending, &a.CreatedAt); err != nil {
		return affiliate.Affiliate{}, err
	}
	pk, err := parseKey(wallet)
	if err != nil {
		return affiliate.Affiliate{}, err
	}
	a.Wallet = pk
	a.Tier = affiliate.Tier(tier)
	if manual != nil {
		m := affiliate.Tier(*manual)
		a.ManualTier = &m
	}
	a.ValidatedReferrals = uint64(validated)
	a.TotalEarned = uint64(earned)
	a.TotalClaimed = uint64(claimed)
	a.PendingEarnings = uint64(pending)
	return a, nil
}

func (s *Store) CreateAffiliate(ctx context.Context, a affiliate.Affiliate) (affiliate.Affiliate, error) {
	out, err := scanAffiliate(s.pool.QueryRow(ctx, `
		INSERT INTO affiliates (wallet, referral_code, tier, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING `+affiliateColumns, a.Wallet.String(), a.ReferralCode, int16(a.Tier), a.CreatedAt))
	switch uniqueViolation(err) {
	case "":
	case "affiliates_pkey":
		return affiliate.Affiliate{}, apperr.Conflict(apperr.ReasonAlreadyRegistered, "wallet is already an affiliate")
	default:
		return affiliate.Affiliate{}, apperr.Conflict(apperr.ReasonInvalidInput, "referral code is taken")
	}
	if err != nil {
		return affiliate.Affiliate{}, fmt.Errorf("failed to create affiliate: %w", err)
	}
	return out, nil
}

func (s *Store) GetAffiliate(ctx context.Context, wallet solana.PublicKey) (affiliate.Affiliate, error) {
	a, err := scanAffiliate(s.pool.QueryRow(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE wallet = $1`, wallet.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return affiliate.Affiliate{}, apperr.NotFound("affiliate not found")
	}
	if err != nil {
		return affiliate.Affiliate{}, fmt.Errorf("failed to load affiliate: %w", err)
	}
	return a, nil
}

const weekColumns = `wallet, week_number, referral_count, earned, tier, release_at, is_released,
	is_claimable, claimed, claimed_at, claim_signature`

func scanWeek(row pgx.Row) (affiliate.WeekAccumulator, error) {
	var (
		w                   affiliate.WeekAccumulator
		wallet              string
		week, count, earned int64
		tier                int16
		sig                 *string
	)
	if err := row.Scan(&wallet, &week, &count, &earned, &tier, &w.ReleaseAt, &w.IsReleased,
		&w.IsClaimable, &w.Claimed, &w.ClaimedAt, &sig); err != nil {
		return affiliate.WeekAccumulator{}, err
	}
	pk, err := parseKey(wallet)
	if err != nil {
		return affiliate.WeekAccumulator{}, err
	}
	w.Wallet = pk
	w.Week = uint64(week)
	w.ReferralCount = uint64(count)
	w.Earned = uint64(earned)
	w.Tier = affiliate.Tier(tier)
	w.ClaimSignature = derefString(sig)
	return w, nil
}

func (s *Store) ListWeeks(ctx context.Context, wallet solana.PublicKey) ([]affiliate.WeekAccumulator, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+weekColumns+` FROM affiliate_weeks WHERE wallet = $1 ORDER BY week_number DESC
	`, wallet.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query weeks: %w", err)
	}
	defer rows.Close()
	weeks := []affiliate.WeekAccumulator{}
	for rows.Next() {
		w, err := scanWeek(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan week: %w", err)
		}
		weeks = append(weeks, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate weeks: %w", err)
	}
	return weeks, nil
}

func (s *Store) ReleaseWeeks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE affiliate_weeks
		SET is_released = TRUE, is_claimable = (earned > 0 AND NOT claimed)
		WHERE NOT is_released AND release_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to release weeks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetManualTier rewrites the override and the effective tier together under the
// affiliate's row lock, so a cleared pin falls back to the referral-derived tier.
func (s *Store) SetManualTier(ctx context.Context, change affiliate.TierChange, manual *affiliate.Tier) (affiliate.TierChange, error) {
	out := change
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		aff, err := scanAffiliate(tx.QueryRow(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE wallet = $1 FOR UPDATE`,
			change.Wallet.String()))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("affiliate not found")
		}
		if err != nil {
			return fmt.Errorf("failed to lock affiliate: %w", err)
		}
		out.OldTier = aff.Tier
		out.NewTier = affiliate.TierFor(aff.ValidatedReferrals, manual)

		var pinned *int16
		if manual != nil {
			v := int16(*manual)
			pinned = &v
		}
		if _, err := tx.Exec(ctx, `
			UPDATE affiliates SET manual_tier = $2, tier = $3 WHERE wallet = $1
		`, change.Wallet.String(), pinned, int16(out.NewTier)); err != nil {
			return fmt.Errorf("failed to set manual tier: %w", err)
		}
		return tx.QueryRow(ctx, `
			INSERT INTO affiliate_tier_audit (wallet, action, old_tier, new_tier, reason, actor, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, change.Wallet.String(), string(change.Action), int16(out.OldTier), int16(out.NewTier),
			nullString(change.Reason), change.Actor, change.CreatedAt).Scan(&out.ID)
	})
	if err != nil {
		return affiliate.TierChange{}, err
	}
	return out, nil
}

func (s *Store) TierChanges(ctx context.Context, wallet solana.PublicKey) ([]affiliate.TierChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, wallet, action, old_tier, new_tier, reason, actor, created_at
		FROM affiliate_tier_audit
		WHERE wallet = $1
		ORDER BY created_at DESC, id DESC
	`, wallet.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query tier changes: %w", err)
	}
	defer rows.Close()
	changes := []affiliate.TierChange{}
	for rows.Next() {
		var (
			c                affiliate.TierChange
			addr, action     string
			oldTier, newTier int16
			reason           *string
		)
		if err := rows.Scan(&c.ID, &addr, &action, &oldTier, &newTier, &reason, &c.Actor, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tier change: %w", err)
		}
		if c.Wallet, err = parseKey(addr); err != nil {
			return nil, err
		}
		c.Action = affiliate.TierAction(action)
		c.OldTier = affiliate.Tier(oldTier)
		c.NewTier = affiliate.Tier(newTier)
		c.Reason = derefString(reason)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tier changes: %w", err)
	}
	return changes, nil
}
