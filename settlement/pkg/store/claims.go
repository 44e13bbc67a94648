package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/powersol/settlement/settlement/pkg/affiliate"
	"github.com/powersol/settlement/settlement/pkg/apperr"
	"github.com/powersol/settlement/settlement/pkg/claim"
	"github.com/powersol/settlement/settlement/pkg/lottery"
)

var _ claim.Store = (*Store)(nil)

const prizeColumns = `id, draw_id, round_id, lottery_type, wallet, ticket_number, ticket_address, tier,
	amount, claimed, claimed_at, claim_signature, created_at`

func scanPrize(row pgx.Row) (lottery.Prize, error) {
	var (
		p               lottery.Prize
		roundID, amount int64
		typ, wallet     string
		number, tier    int32
		address         string
		sig             *string
	)
	if err := row.Scan(&p.ID, &p.DrawID, &roundID, &typ, &wallet, &number, &address, &tier,
		&amount, &p.Claimed, &p.ClaimedAt, &sig, &p.CreatedAt); err != nil {
		return lottery.Prize{}, err
	}
	t, err := lottery.ParseType(typ)
	if err != nil {
		return lottery.Prize{}, err
	}
	if p.Wallet, err = parseKey(wallet); err != nil {
		return lottery.Prize{}, err
	}
	if p.TicketAddress, err = parseKey(address); err != nil {
		return lottery.Prize{}, err
	}
	p.Type = t
	p.RoundID = uint64(roundID)
	p.TicketNumber = uint32(number)
	p.Tier = int(tier)
	p.Amount = uint64(amount)
	p.ClaimSignature = derefString(sig)
	return p, nil
}

func (s *Store) Prize(ctx context.Context, id uuid.UUID) (lottery.Prize, error) {
	p, err := scanPrize(s.pool.QueryRow(ctx, `SELECT `+prizeColumns+` FROM prizes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return lottery.Prize{}, apperr.NotFound("prize not found")
	}
	if err != nil {
		return lottery.Prize{}, fmt.Errorf("failed to load prize: %w", err)
	}
	return p, nil
}

// WalletPrizes lists a wallet's prizes, newest first.
func (s *Store) WalletPrizes(ctx context.Context, wallet solana.PublicKey) ([]lottery.Prize, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prizeColumns+` FROM prizes WHERE wallet = $1 ORDER BY created_at DESC, tier ASC
	`, wallet.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query prizes: %w", err)
	}
	defer rows.Close()
	prizes := []lottery.Prize{}
	for rows.Next() {
		p, err := scanPrize(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prize: %w", err)
		}
		prizes = append(prizes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate prizes: %w", err)
	}
	return prizes, nil
}

func (s *Store) Week(ctx context.Context, wallet solana.PublicKey, week uint64) (affiliate.WeekAccumulator, error) {
	w, err := scanWeek(s.pool.QueryRow(ctx, `
		SELECT `+weekColumns+` FROM affiliate_weeks WHERE wallet = $1 AND week_number = $2
	`, wallet.String(), int64(week)))
	if errors.Is(err, pgx.ErrNoRows) {
		return affiliate.WeekAccumulator{}, apperr.NotFound(fmt.Sprintf("no earnings for week %d", week))
	}
	if err != nil {
		return affiliate.WeekAccumulator{}, fmt.Errorf("failed to load week: %w", err)
	}
	return w, nil
}

const claimColumns = `id, kind, subject_key, prize_id, week_number, claimant, amount, status, signature,
	error_message, receipt_address, message_hash, blockhash, last_valid_block_height,
	created_at, updated_at, completed_at`

func scanClaim(row pgx.Row) (claim.Claim, error) {
	var (
		c                 claim.Claim
		kind, status      string
		week              *int64
		claimant, receipt string
		amount, height    int64
		sig, errMsg       *string
	)
	if err := row.Scan(&c.ID, &kind, &c.SubjectKey, &c.PrizeID, &week, &claimant, &amount, &status, &sig,
		&errMsg, &receipt, &c.MessageHash, &c.Blockhash, &height,
		&c.CreatedAt, &c.UpdatedAt, &c.CompletedAt); err != nil {
		return claim.Claim{}, err
	}
	var err error
	if c.Claimant, err = parseKey(claimant); err != nil {
		return claim.Claim{}, err
	}
	if c.ReceiptAddress, err = parseKey(receipt); err != nil {
		return claim.Claim{}, err
	}
	c.Kind = claim.Kind(kind)
	c.Status = claim.Status(status)
	if week != nil {
		w := uint64(*week)
		c.Week = &w
	}
	c.Amount = uint64(amount)
	c.LastValidBlockHeight = uint64(height)
	c.Signature = derefString(sig)
	c.ErrorMessage = derefString(errMsg)
	return c, nil
}

// SavePending locks the subject, checks it is unclaimed and still worth c.Amount, then
// inserts the claim or supersedes the subject's unbroadcast pending claim in place.
func (s *Store) SavePending(ctx context.Context, c claim.Claim) (claim.Claim, error) {
	var out claim.Claim
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		amount, err := lockSubject(ctx, tx, c)
		if err != nil {
			return err
		}
		if amount != c.Amount {
			return apperr.Conflict(apperr.ReasonAmountChanged,
				fmt.Sprintf("subject is now worth %d, claim was built for %d", amount, c.Amount))
		}
		var week *int64
		if c.Week != nil {
			w := int64(*c.Week)
			week = &w
		}
		out, err = scanClaim(tx.QueryRow(ctx, `
			INSERT INTO claims (id, kind, subject_key, prize_id, week_number, claimant, amount, status,
			                    receipt_address, message_hash, blockhash, last_valid_block_height,
			                    created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, $10, $11, $12, $12)
			ON CONFLICT (kind, subject_key) WHERE status = 'pending' DO UPDATE
			SET amount = EXCLUDED.amount,
			    receipt_address = EXCLUDED.receipt_address,
			    message_hash = EXCLUDED.message_hash,
			    blockhash = EXCLUDED.blockhash,
			    last_valid_block_height = EXCLUDED.last_valid_block_height,
			    created_at = EXCLUDED.created_at,
			    updated_at = EXCLUDED.updated_at
			WHERE claims.signature IS NULL
			RETURNING `+claimColumns,
			c.ID, string(c.Kind), c.SubjectKey, c.PrizeID, week, c.Claimant.String(), int64(c.Amount),
			c.ReceiptAddress.String(), c.MessageHash, c.Blockhash, int64(c.LastValidBlockHeight), c.CreatedAt))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Conflict(apperr.ReasonClaimInFlight, "a submitted claim for this subject is awaiting confirmation")
		}
		if uniqueViolation(err) != "" {
			return apperr.Conflict(apperr.ReasonAlreadyClaimed, "subject already claimed")
		}
		if err != nil {
			return fmt.Errorf("failed to save claim: %w", err)
		}

		if c.Kind == claim.KindAffiliate {
			// Purchases booked from here on go to the current week instead.
			if _, err := tx.Exec(ctx, `
				UPDATE affiliate_weeks SET is_released = TRUE, is_claimable = TRUE
				WHERE wallet = $1 AND week_number = $2 AND NOT is_released
			`, c.Claimant.String(), int64(*c.Week)); err != nil {
				return fmt.Errorf("failed to close week: %w", err)
			}
		}
		return nil
	})
	return out, err
}

// lockSubject takes the subject row lock that serializes prepare, purchases and complete,
// rejects subjects that are already claimed and returns what the subject is worth.
func lockSubject(ctx context.Context, tx pgx.Tx, c claim.Claim) (uint64, error) {
	var claimed bool
	var amount int64
	var err error
	switch c.Kind {
	case claim.KindPrize:
		err = tx.QueryRow(ctx, `SELECT claimed, amount FROM prizes WHERE id = $1 FOR UPDATE`, *c.PrizeID).Scan(&claimed, &amount)
	case claim.KindAffiliate:
		err = tx.QueryRow(ctx, `
			SELECT claimed, earned FROM affiliate_weeks WHERE wallet = $1 AND week_number = $2 FOR UPDATE
		`, c.Claimant.String(), int64(*c.Week)).Scan(&claimed, &amount)
	default:
		return 0, apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("unknown claim kind %q", c.Kind))
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.NotFound("claim subject not found")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock claim subject: %w", err)
	}
	if claimed {
		return 0, apperr.Conflict(apperr.ReasonAlreadyClaimed, "subject already claimed")
	}
	return uint64(amount), nil
}

func (s *Store) Claim(ctx context.Context, id uuid.UUID) (claim.Claim, error) {
	c, err := scanClaim(s.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return claim.Claim{}, apperr.NotFound("claim not found")
	}
	if err != nil {
		return claim.Claim{}, fmt.Errorf("failed to load claim: %w", err)
	}
	return c, nil
}

// RecordSignature is a compare-and-set on the claim's signature, so only one submit of a
// claim broadcasts it.
func (s *Store) RecordSignature(ctx context.Context, id uuid.UUID, signature string, at time.Time) (bool, error) {
	var fresh bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var prior *string
		err := tx.QueryRow(ctx, `
			SELECT signature FROM claims WHERE id = $1 AND status = 'pending' FOR UPDATE
		`, id).Scan(&prior)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.notPending(ctx, id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock claim: %w", err)
		}
		switch {
		case prior == nil:
		case *prior == signature:
			return nil
		default:
			return apperr.Conflict(apperr.ReasonClaimInFlight, "claim was broadcast with another signature")
		}
		if _, err := tx.Exec(ctx, `
			UPDATE claims SET signature = $2, updated_at = $3 WHERE id = $1
		`, id, signature, at); err != nil {
			return fmt.Errorf("failed to record signature: %w", err)
		}
		fresh = true
		return nil
	})
	return fresh, err
}

// Complete is the exactly-once payout transition: the claim row moves to completed and
// the subject flips to claimed in the same transaction. A claim failed while its
// recorded signature was still landing is completed too.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, signature string, at time.Time) (claim.Claim, error) {
	var out claim.Claim
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = scanClaim(tx.QueryRow(ctx, `
			UPDATE claims
			SET status = 'completed', signature = $2, error_message = NULL, updated_at = $3, completed_at = $3
			WHERE id = $1 AND (status = 'pending' OR (status = 'failed' AND signature = $2))
			RETURNING `+claimColumns, id, signature, at))
		if errors.Is(err, pgx.ErrNoRows) {
			return s.notPending(ctx, id)
		}
		if uniqueViolation(err) != "" {
			return apperr.Conflict(apperr.ReasonAlreadyClaimed, "subject already claimed")
		}
		if err != nil {
			return fmt.Errorf("failed to complete claim: %w", err)
		}

		var tag pgconn.CommandTag
		switch out.Kind {
		case claim.KindPrize:
			tag, err = tx.Exec(ctx, `
				UPDATE prizes SET claimed = TRUE, claimed_at = $2, claim_signature = $3
				WHERE id = $1 AND NOT claimed
			`, *out.PrizeID, at, signature)
			if err == nil && tag.RowsAffected() == 1 {
				var p lottery.Prize
				p, err = scanPrize(tx.QueryRow(ctx, `SELECT `+prizeColumns+` FROM prizes WHERE id = $1`, *out.PrizeID))
				if err == nil {
					_, err = tx.Exec(ctx, `
						UPDATE tickets SET claimed = TRUE WHERE round_id = $1 AND ticket_number = $2
					`, int64(p.RoundID), int32(p.TicketNumber))
				}
			}
		case claim.KindAffiliate:
			tag, err = tx.Exec(ctx, `
				UPDATE affiliate_weeks
				SET claimed = TRUE, is_claimable = FALSE, claimed_at = $3, claim_signature = $4
				WHERE wallet = $1 AND week_number = $2 AND NOT claimed
			`, out.Claimant.String(), int64(*out.Week), at, signature)
			if err == nil && tag.RowsAffected() == 1 {
				_, err = tx.Exec(ctx, `
					UPDATE affiliates
					SET total_claimed = total_claimed + $2,
					    pending_earnings = GREATEST(pending_earnings - $2, 0)
					WHERE wallet = $1
				`, out.Claimant.String(), int64(out.Amount))
			}
		}
		if err != nil {
			return fmt.Errorf("failed to mark subject claimed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.Conflict(apperr.ReasonAlreadyClaimed, "subject already claimed")
		}
		return nil
	})
	return out, err
}

func (s *Store) Fail(ctx context.Context, id uuid.UUID, message string, at time.Time) (claim.Claim, error) {
	c, err := scanClaim(s.pool.QueryRow(ctx, `
		UPDATE claims SET status = 'failed', error_message = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+claimColumns, id, message, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return claim.Claim{}, s.notPending(ctx, id)
	}
	if err != nil {
		return claim.Claim{}, fmt.Errorf("failed to fail claim: %w", err)
	}
	return c, nil
}

func (s *Store) ExpirePending(ctx context.Context, cutoff, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE claims SET status = 'failed', error_message = $2, updated_at = $3
		WHERE status = 'pending' AND signature IS NULL AND created_at < $1
	`, cutoff, claim.ErrExpired, at)
	if err != nil {
		return 0, fmt.Errorf("failed to expire claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) InFlight(ctx context.Context, limit int) ([]claim.Claim, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+claimColumns+` FROM claims
		WHERE status = 'pending' AND signature IS NOT NULL
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query in-flight claims: %w", err)
	}
	defer rows.Close()
	claims := []claim.Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claims: %w", err)
	}
	return claims, nil
}

func (s *Store) notPending(ctx context.Context, id uuid.UUID) error {
	c, err := s.Claim(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == claim.StatusCompleted {
		return apperr.Conflict(apperr.ReasonClaimCompleted, "claim already completed")
	}
	return apperr.Conflict(apperr.ReasonClaimNotPending, fmt.Sprintf("claim is %s", c.Status))
}
