package draw

import (
	"context"
	"fmt"
	"time"

	"github.com/powersol/settlement/settlement/pkg/lottery"
)

// RecentLimit is how many drawn rounds the status view lists.
const RecentLimit = 10

type PendingRound struct {
	lottery.Round
	TimeUntilDraw int64 `json:"time_until_draw"`
	Ready         bool  `json:"ready"`
}

type StatusView struct {
	Pending     []PendingRound  `json:"pending_draws"`
	Recent      []lottery.Round `json:"recent_draws"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Status lists undrawn rounds with the seconds left until their deadline, and the most
// recently drawn rounds.
func (e *Engine) Status(ctx context.Context) (StatusView, error) {
	now := e.cfg.Clock.Now()
	pending, err := e.cfg.Store.PendingRounds(ctx)
	if err != nil {
		return StatusView{}, fmt.Errorf("failed to list pending rounds: %w", err)
	}
	recent, err := e.cfg.Store.RecentDrawnRounds(ctx, RecentLimit)
	if err != nil {
		return StatusView{}, fmt.Errorf("failed to list recent rounds: %w", err)
	}

	view := StatusView{
		Pending:     make([]PendingRound, 0, len(pending)),
		Recent:      recent,
		GeneratedAt: now,
	}
	if view.Recent == nil {
		view.Recent = []lottery.Round{}
	}
	for _, r := range pending {
		until := int64(r.DrawAt.Sub(now) / time.Second)
		view.Pending = append(view.Pending, PendingRound{
			Round:         r,
			TimeUntilDraw: max(until, 0),
			Ready:         !now.Before(r.DrawAt),
		})
	}
	return view, nil
}
