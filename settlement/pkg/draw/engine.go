// Package draw settles lottery rounds: it shuffles a closed round's tickets with external
// randomness, assigns tiers, persists prizes and schedules the next round.
package draw

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/powersol/settlement/settlement/pkg/apperr"
	"github.com/powersol/settlement/settlement/pkg/derive"
	"github.com/powersol/settlement/settlement/pkg/lottery"
	"github.com/powersol/settlement/settlement/pkg/metrics"
	"github.com/powersol/settlement/utils/pkg/retry"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusNoTickets Status = "no_tickets"
	StatusError     Status = "error"
)

type Winner struct {
	PrizeID      uuid.UUID        `json:"prize_id"`
	Wallet       solana.PublicKey `json:"wallet"`
	TicketNumber uint32           `json:"ticket_number"`
	Tier         int              `json:"tier"`
	Amount       uint64           `json:"prize_amount"`
}

type Result struct {
	RoundID     uint64              `json:"round_id"`
	LotteryType lottery.Type        `json:"lottery_type"`
	Status      Status              `json:"status"`
	TicketCount uint64              `json:"total_tickets"`
	PrizePool   uint64              `json:"prize_pool"`
	Winners     []Winner            `json:"winners"`
	Allocation  *lottery.Allocation `json:"allocation,omitempty"`
	NextRound   *lottery.Round      `json:"next_round,omitempty"`
	Error       string              `json:"error,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Store   Store
	Entropy EntropyProvider
	Deriver *derive.Deriver
	// TicketScope is the program that owns ticket accounts.
	TicketScope solana.PublicKey
	Alerter     Alerter

	// LeaseTimeout is how long a drawing round may stay claimed before another drawer
	// may take it over.
	LeaseTimeout time.Duration
	// Concurrency bounds how many due rounds are drawn in parallel.
	Concurrency int
	Retry       retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Entropy == nil {
		return errors.New("entropy provider is required")
	}
	if cfg.Deriver == nil {
		return errors.New("deriver is required")
	}
	if cfg.TicketScope.IsZero() {
		return errors.New("ticket scope is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

// ExecuteDue draws every round whose deadline has passed. Rounds taken by a concurrent
// drawer are skipped; every other round gets a result, including failed ones.
func (e *Engine) ExecuteDue(ctx context.Context) ([]Result, error) {
	rounds, err := e.cfg.Store.DueRounds(ctx, e.cfg.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to list due rounds: %w", err)
	}
	if len(rounds) == 0 {
		return nil, nil
	}
	e.log.Info("draw: executing due rounds", "count", len(rounds))

	results := make([]*Result, len(rounds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, round := range rounds {
		g.Go(func() error {
			res, err := e.DrawRound(gctx, round.ID)
			if err != nil {
				if apperr.IsConflict(err) {
					e.log.Debug("draw: round taken by another drawer", "round_id", round.ID, "error", err)
					return nil
				}
				res = Result{
					RoundID:     round.ID,
					LotteryType: round.Type,
					Status:      StatusError,
					Error:       err.Error(),
					Reason:      apperr.ReasonOf(err),
				}
			}
			results[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// DrawRound settles a single round. It returns a Conflict error if the round is already
// drawn, halted or being drawn elsewhere.
func (e *Engine) DrawRound(ctx context.Context, roundID uint64) (Result, error) {
	start := e.cfg.Clock.Now()
	now := start
	round, err := e.cfg.Store.AcquireDraw(ctx, roundID, now, now.Add(-e.cfg.LeaseTimeout))
	if err != nil {
		return Result{}, fmt.Errorf("failed to acquire round %d: %w", roundID, err)
	}
	log := e.log.With("round_id", round.ID, "lottery_type", round.Type.String())
	log.Info("draw: round acquired", "draw_at", round.DrawAt)

	res, outcomeStatus, err := e.settle(ctx, log, round)
	if err != nil {
		e.fail(ctx, log, round, err)
		metrics.RecordDraw(round.Type.String(), outcomeStatus, e.cfg.Clock.Since(start), 0, 0)
		return Result{}, err
	}

	var paid uint64
	for _, w := range res.Winners {
		paid += w.Amount
	}
	metrics.RecordDraw(round.Type.String(), string(res.Status), e.cfg.Clock.Since(start), len(res.Winners), paid)
	log.Info("draw: round settled", "status", res.Status, "tickets", res.TicketCount, "winners", len(res.Winners))
	return res, nil
}

func (e *Engine) settle(ctx context.Context, log *slog.Logger, round lottery.Round) (Result, string, error) {
	now := e.cfg.Clock.Now()
	tickets, err := e.cfg.Store.RoundTickets(ctx, round.ID)
	if err != nil {
		return Result{}, string(StatusError), fmt.Errorf("failed to load tickets: %w", err)
	}
	if err := checkDense(tickets); err != nil {
		return Result{}, "halted", err
	}

	next := e.nextRound(round)
	res := Result{
		RoundID:     round.ID,
		LotteryType: round.Type,
		TicketCount: uint64(len(tickets)),
		Winners:     []Winner{},
		NextRound:   next,
	}

	drawn := round
	drawn.IsDrawn = true
	drawn.State = lottery.DrawStateDrawn
	drawn.DrawnAt = &now
	drawn.TicketsSold = uint32(len(tickets))
	drawn.WinningNumbers = []uint32{}

	if len(tickets) == 0 {
		res.Status = StatusNoTickets
		outcome := Outcome{
			Round: drawn,
			Draw:  lottery.Draw{ID: uuid.New(), RoundID: round.ID, DrawnAt: now},
			Next:  next,
		}
		if err := e.commit(ctx, outcome); err != nil {
			return Result{}, string(StatusError), err
		}
		return res, "", nil
	}

	requestID := fmt.Sprintf("draw:%s:%d", round.Type, round.ID)
	randomness, err := retry.DoValue(ctx, e.cfg.Retry, func() ([]byte, error) {
		b, err := e.cfg.Entropy.Randomness(ctx, requestID)
		if err != nil {
			return nil, apperr.External(apperr.ReasonEntropyUnavailable, err)
		}
		return b, nil
	})
	if err != nil {
		return Result{}, string(StatusError), fmt.Errorf("failed to fetch randomness: %w", err)
	}
	shuffled, err := Shuffle(tickets, randomness)
	if err != nil {
		return Result{}, string(StatusError), apperr.External(apperr.ReasonEntropyUnavailable, err)
	}

	prizePool := lottery.PrizePoolFor(uint64(len(tickets)), round.TicketPrice)
	alloc, err := lottery.Allocate(round.Type.Params().Schema, uint64(len(tickets)), prizePool)
	if err != nil {
		return Result{}, "halted", err
	}
	res.Allocation = &alloc
	res.PrizePool = prizePool
	drawn.PrizePool = prizePool

	drawRec := lottery.Draw{
		ID:          uuid.New(),
		RoundID:     round.ID,
		RequestID:   requestID,
		Randomness:  randomness,
		TicketCount: uint64(len(tickets)),
		WinnerCount: alloc.TotalWinners,
		PrizePool:   prizePool,
		Dust:        alloc.Dust,
		DrawnAt:     now,
	}

	prizes := make([]lottery.Prize, 0, alloc.TotalWinners)
	idx := 0
	for _, tier := range alloc.Tiers {
		for range tier.Winners {
			t := shuffled[idx]
			idx++
			addr, _, err := e.cfg.Deriver.Derive(derive.TicketSeeds(t.RoundID, t.Number), e.cfg.TicketScope)
			if err != nil {
				return Result{}, "halted", err
			}
			p := lottery.Prize{
				ID:            uuid.New(),
				DrawID:        drawRec.ID,
				RoundID:       round.ID,
				Type:          round.Type,
				Wallet:        t.Wallet,
				TicketNumber:  t.Number,
				TicketAddress: addr,
				Tier:          tier.Tier,
				Amount:        tier.PrizePerWinner,
				CreatedAt:     now,
			}
			prizes = append(prizes, p)
			drawn.WinningNumbers = append(drawn.WinningNumbers, t.Number)
			res.Winners = append(res.Winners, Winner{
				PrizeID:      p.ID,
				Wallet:       p.Wallet,
				TicketNumber: p.TicketNumber,
				Tier:         p.Tier,
				Amount:       p.Amount,
			})
		}
	}

	outcome := Outcome{Round: drawn, Draw: drawRec, Prizes: prizes, Next: next}
	if err := e.commit(ctx, outcome); err != nil {
		return Result{}, string(StatusError), err
	}
	log.Debug("draw: randomness", "request_id", requestID, "randomness", hex.EncodeToString(randomness), "dust", alloc.Dust)
	res.Status = StatusCompleted
	return res, "", nil
}

func (e *Engine) commit(ctx context.Context, outcome Outcome) error {
	err := retry.Do(ctx, e.cfg.Retry, func() error {
		return e.cfg.Store.CommitDraw(ctx, outcome)
	})
	if err != nil {
		return fmt.Errorf("failed to commit draw: %w", err)
	}
	return nil
}

// fail undoes the drawing lease. Corruption halts the round instead so that no scheduler
// picks it up again before someone has looked at it.
func (e *Engine) fail(ctx context.Context, log *slog.Logger, round lottery.Round, cause error) {
	// The lease must be released even if the request context is gone.
	ctx = context.WithoutCancel(ctx)

	if apperr.IsCorruption(cause) {
		log.Error("draw: halting round", "error", cause)
		if err := e.cfg.Store.HaltDraw(ctx, round.ID, cause.Error()); err != nil {
			log.Error("draw: failed to halt round", "error", err)
		}
		if e.cfg.Alerter != nil {
			e.cfg.Alerter.RoundHalted(ctx, round, cause)
		}
		return
	}
	if apperr.IsConflict(cause) {
		// Another drawer committed first; the lease is no longer ours.
		log.Warn("draw: commit lost to concurrent drawer", "error", cause)
		return
	}
	log.Error("draw: round failed, releasing for retry", "error", cause)
	if err := e.cfg.Store.ReleaseDraw(ctx, round.ID); err != nil {
		log.Error("draw: failed to release round", "error", err)
	}
}

func (e *Engine) nextRound(round lottery.Round) *lottery.Round {
	at, ok := round.Type.NextDraw(round.DrawAt)
	if !ok {
		return nil
	}
	next := lottery.NewRound(round.Type, at)
	return &next
}

// checkDense verifies ticket numbers run 1..n with no gaps or repeats.
func checkDense(tickets []lottery.Ticket) error {
	for i, t := range tickets {
		if t.Number != uint32(i+1) {
			return apperr.Corruption(apperr.ReasonAllocationInvariant,
				fmt.Sprintf("ticket numbers not dense: position %d holds number %d", i+1, t.Number))
		}
	}
	return nil
}
