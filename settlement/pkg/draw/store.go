package draw

import (
	"context"
	"time"

	"github.com/powersol/settlement/settlement/pkg/lottery"
)

// Outcome is everything written when a round settles. It must be committed atomically,
// guarded by is_drawn flipping from false to true.
type Outcome struct {
	Round  lottery.Round
	Draw   lottery.Draw
	Prizes []lottery.Prize
	Next   *lottery.Round
}

type Store interface {
	// DueRounds returns undrawn, unhalted rounds whose deadline is at or before now.
	DueRounds(ctx context.Context, now time.Time) ([]lottery.Round, error)
	// AcquireDraw moves a round from scheduled to drawing. A drawing lease older than
	// staleBefore may be taken over. Returns a Conflict error when the round is drawn,
	// halted or held by another drawer.
	AcquireDraw(ctx context.Context, roundID uint64, now, staleBefore time.Time) (lottery.Round, error)
	// RoundTickets returns the round's tickets ordered by number.
	RoundTickets(ctx context.Context, roundID uint64) ([]lottery.Ticket, error)
	CommitDraw(ctx context.Context, outcome Outcome) error
	// ReleaseDraw returns a drawing round to scheduled so it can be retried.
	ReleaseDraw(ctx context.Context, roundID uint64) error
	HaltDraw(ctx context.Context, roundID uint64, reason string) error
	PendingRounds(ctx context.Context) ([]lottery.Round, error)
	RecentDrawnRounds(ctx context.Context, limit int) ([]lottery.Round, error)
}

// EntropyProvider returns unpredictable bytes for a request. The engine never
// produces randomness of its own.
type EntropyProvider interface {
	Randomness(ctx context.Context, requestID string) ([]byte, error)
}

// Alerter is told when a round is halted for manual review.
type Alerter interface {
	RoundHalted(ctx context.Context, round lottery.Round, err error)
}
