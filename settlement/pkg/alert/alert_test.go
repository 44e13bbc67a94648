package alert

import (
	"context"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/require"

	"github.com/powersol/settlement/settlement/pkg/apperr"
	"github.com/powersol/settlement/settlement/pkg/lottery"
	settlementtesting "github.com/powersol/settlement/utils/pkg/testing"
)

func TestSettlement_Alert_RoundHaltedRaisesTaggedEvent(t *testing.T) {
	t.Parallel()
	transport := &sentry.MockTransport{}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:       "https://public@sentry.example.com/1",
		Transport: transport,
	})
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())

	round := lottery.NewRound(lottery.Jackpot, time.Date(2025, 6, 30, 23, 59, 59, 0, time.UTC))
	round.ID = 42
	round.TicketsSold = 17
	a := New(settlementtesting.NewLogger(), hub)
	a.RoundHalted(context.Background(), round, apperr.Corruption(apperr.ReasonAllocationInvariant, "tier amounts exceed pool"))

	events := transport.Events()
	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, sentry.LevelFatal, ev.Level)
	require.Equal(t, "42", ev.Tags["round_id"])
	require.Equal(t, lottery.Jackpot.String(), ev.Tags["lottery_type"])
	require.Equal(t, apperr.ReasonAllocationInvariant, ev.Tags["reason"])
	require.Equal(t, uint32(17), ev.Contexts["round"]["tickets_sold"])
}

func TestSettlement_Alert_NilHubOnlyLogs(t *testing.T) {
	t.Parallel()
	a := New(settlementtesting.NewLogger(), nil)
	require.NotPanics(t, func() {
		a.RoundHalted(context.Background(), lottery.Round{ID: 1}, apperr.Corruption(apperr.ReasonAllocationInvariant, "x"))
		a.Flush(time.Millisecond)
	})
}
