// Package alert reports rounds that were halted for manual review.
package alert

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/powersol/settlement/settlement/pkg/apperr"
	"github.com/powersol/settlement/settlement/pkg/lottery"
)

// Alerter logs every halted round and, when a hub is configured, raises a Sentry event
// tagged with the round so operators can unhalt it after review.
type Alerter struct {
	log *slog.Logger
	hub *sentry.Hub
}

// New returns an Alerter. A nil hub only logs.
func New(log *slog.Logger, hub *sentry.Hub) *Alerter {
	return &Alerter{log: log, hub: hub}
}

func (a *Alerter) RoundHalted(_ context.Context, round lottery.Round, err error) {
	a.log.Error("alert: round halted for manual review",
		"round_id", round.ID,
		"lottery_type", round.Type.String(),
		"reason", apperr.ReasonOf(err),
		"error", err)
	if a.hub == nil {
		return
	}

	hub := a.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetTag("component", "draw")
		scope.SetTag("lottery_type", round.Type.String())
		scope.SetTag("round_id", strconv.FormatUint(round.ID, 10))
		if reason := apperr.ReasonOf(err); reason != "" {
			scope.SetTag("reason", reason)
		}
		scope.SetContext("round", sentry.Context{
			"draw_at":      round.DrawAt.Format(time.RFC3339),
			"tickets_sold": round.TicketsSold,
			"prize_pool":   round.PrizePool,
			"state":        string(round.State),
		})
		hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be delivered.
func (a *Alerter) Flush(timeout time.Duration) {
	if a.hub != nil {
		a.hub.Flush(timeout)
	}
}
