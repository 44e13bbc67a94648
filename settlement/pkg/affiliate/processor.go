package affiliate

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/mr-tron/base58"

	"github.com/powersol/settlement/settlement/pkg/apperr"
	"github.com/powersol/settlement/settlement/pkg/metrics"
)

type Config struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	Store         Store
	ReleaseOffset time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ReleaseOffset <= 0 {
		cfg.ReleaseOffset = DefaultReleaseOffset
	}
	return nil
}

// Processor applies purchase events to affiliate accounts and serves their weekly views.
type Processor struct {
	log  *slog.Logger
	cfg  Config
	gate Gate
}

func NewProcessor(cfg Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Processor{log: cfg.Logger, cfg: cfg, gate: Gate{Offset: cfg.ReleaseOffset}}, nil
}

func (p *Processor) Gate() Gate {
	return p.gate
}

// HandlePurchase records a purchase and books commission for the buyer's referrer.
func (p *Processor) HandlePurchase(ctx context.Context, ev TicketPurchased) (PurchaseResult, error) {
	if err := validateEvent(ev); err != nil {
		metrics.PurchaseEventsTotal.WithLabelValues("rejected").Inc()
		return PurchaseResult{}, err
	}
	res, err := p.cfg.Store.ApplyPurchase(ctx, ev, func(aff Affiliate, newlyValidated bool) (Credit, error) {
		tier := TierFor(aff.ValidatedReferrals, aff.ManualTier)
		split, err := SplitFor(ev.Price, tier)
		if err != nil {
			return Credit{}, err
		}
		// Evaluated per attempt: a retry after the week closed lands in the current week.
		week := p.gate.EarningWeek(ev.PurchasedAt, p.cfg.Clock.Now())
		return Credit{
			Affiliate:      aff.Wallet,
			Tier:           tier,
			Split:          split,
			Week:           week,
			ReleaseAt:      p.gate.ReleaseAt(week),
			NewlyValidated: newlyValidated,
		}, nil
	})
	if err != nil {
		metrics.PurchaseEventsTotal.WithLabelValues("error").Inc()
		return PurchaseResult{}, fmt.Errorf("failed to apply purchase %s: %w", ev.Signature, err)
	}

	log := p.log.With("signature", ev.Signature, "round_id", ev.RoundID, "ticket_number", res.Ticket.Number)
	switch {
	case res.Duplicate:
		metrics.PurchaseEventsTotal.WithLabelValues("duplicate").Inc()
		log.Debug("affiliate: duplicate purchase event")
		return res, nil
	case res.Rejection != "":
		log.Info("affiliate: referral code ignored", "code", ev.ReferralCode, "reason", res.Rejection)
	}
	metrics.PurchaseEventsTotal.WithLabelValues("recorded").Inc()
	if res.Credit != nil {
		metrics.RecordCommission(res.Credit.Split.Commission, res.Credit.Split.Delta)
		log.Info("affiliate: commission booked",
			"affiliate", res.Credit.Affiliate.String(),
			"tier", res.Credit.Tier,
			"commission", res.Credit.Split.Commission,
			"delta", res.Credit.Split.Delta,
			"week", res.Credit.Week)
	}
	return res, nil
}

func validateEvent(ev TicketPurchased) error {
	switch {
	case ev.Signature == "":
		return apperr.Validation(apperr.ReasonInvalidInput, "purchase signature is required")
	case ev.Wallet.IsZero():
		return apperr.Validation(apperr.ReasonInvalidInput, "wallet is required")
	case ev.RoundID == 0:
		return apperr.Validation(apperr.ReasonInvalidInput, "round id is required")
	case ev.Price == 0:
		return apperr.Validation(apperr.ReasonInvalidInput, "price must be positive")
	case ev.PurchasedAt.IsZero():
		return apperr.Validation(apperr.ReasonInvalidInput, "purchase time is required")
	}
	return nil
}

const codeAttempts = 5

// Register creates an affiliate account with a fresh referral code.
func (p *Processor) Register(ctx context.Context, wallet solana.PublicKey) (Affiliate, error) {
	if wallet.IsZero() {
		return Affiliate{}, apperr.Validation(apperr.ReasonInvalidInput, "wallet is required")
	}
	var lastErr error
	for range codeAttempts {
		code, err := GenerateCode()
		if err != nil {
			return Affiliate{}, err
		}
		aff, err := p.cfg.Store.CreateAffiliate(ctx, Affiliate{
			Wallet:       wallet,
			ReferralCode: code,
			Tier:         Tier1,
			CreatedAt:    p.cfg.Clock.Now(),
		})
		if err == nil {
			p.log.Info("affiliate: registered", "wallet", wallet.String(), "code", code)
			return aff, nil
		}
		// Wallet already registered is final; a code collision is worth another draw.
		if !apperr.IsConflict(err) || apperr.ReasonOf(err) == apperr.ReasonAlreadyRegistered {
			return Affiliate{}, err
		}
		lastErr = err
	}
	return Affiliate{}, fmt.Errorf("failed to allocate referral code: %w", lastErr)
}

// GenerateCode returns an 8-ish character base58 referral code.
func GenerateCode() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base58.Encode(b), nil
}

// Weeks returns the affiliate's accumulators with claimability evaluated now.
func (p *Processor) Weeks(ctx context.Context, wallet solana.PublicKey) ([]WeekAccumulator, error) {
	weeks, err := p.cfg.Store.ListWeeks(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list weeks: %w", err)
	}
	now := p.cfg.Clock.Now()
	for i := range weeks {
		weeks[i].IsClaimable = weeks[i].ClaimableAt(now)
		weeks[i].IsReleased = weeks[i].IsReleased || !now.Before(weeks[i].ReleaseAt)
	}
	return weeks, nil
}

// ReleaseDue flips every week past its release time to released.
func (p *Processor) ReleaseDue(ctx context.Context) (int64, error) {
	n, err := p.cfg.Store.ReleaseWeeks(ctx, p.cfg.Clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to release weeks: %w", err)
	}
	if n > 0 {
		p.log.Info("affiliate: weeks released", "count", n)
	}
	return n, nil
}

// TierOverride asks for an affiliate's tier to be pinned, or unpinned when Tier is nil.
type TierOverride struct {
	Wallet solana.PublicKey
	Tier   *Tier
	Reason string
	// Actor names the operator making the change.
	Actor string
}

// SetManualTier applies an override and records it in the tier audit trail.
func (p *Processor) SetManualTier(ctx context.Context, o TierOverride) (TierChange, error) {
	switch {
	case o.Wallet.IsZero():
		return TierChange{}, apperr.Validation(apperr.ReasonInvalidInput, "wallet is required")
	case o.Actor == "":
		return TierChange{}, apperr.Validation(apperr.ReasonInvalidInput, "actor is required")
	case o.Tier != nil && !o.Tier.Valid():
		return TierChange{}, apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("unknown affiliate tier %d", *o.Tier))
	}
	action := TierActionSet
	if o.Tier == nil {
		action = TierActionRemove
	}
	change, err := p.cfg.Store.SetManualTier(ctx, TierChange{
		Wallet:    o.Wallet,
		Action:    action,
		Reason:    o.Reason,
		Actor:     o.Actor,
		CreatedAt: p.cfg.Clock.Now(),
	}, o.Tier)
	if err != nil {
		return TierChange{}, fmt.Errorf("failed to set manual tier: %w", err)
	}
	p.log.Info("affiliate: manual tier changed",
		"wallet", o.Wallet.String(),
		"action", change.Action,
		"old_tier", change.OldTier,
		"new_tier", change.NewTier,
		"actor", change.Actor)
	return change, nil
}

func (p *Processor) TierHistory(ctx context.Context, wallet solana.PublicKey) ([]TierChange, error) {
	changes, err := p.cfg.Store.TierChanges(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list tier changes: %w", err)
	}
	return changes, nil
}
