package draw

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/powersol/settlement/settlement/pkg/apperr"
	"github.com/powersol/settlement/settlement/pkg/derive"
	"github.com/powersol/settlement/settlement/pkg/lottery"
	"github.com/powersol/settlement/utils/pkg/retry"
	settlementtesting "github.com/powersol/settlement/utils/pkg/testing"
)

var ticketScope = solana.MustPublicKeyFromBase58("SysvarC1ock11111111111111111111111111111111")

type fakeStore struct {
	mu       sync.Mutex
	nextID   uint64
	rounds   map[uint64]*lottery.Round
	tickets  map[uint64][]lottery.Ticket
	leasedAt map[uint64]time.Time
	commits  []Outcome

	commitErrs []error
	released   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:   1,
		rounds:   map[uint64]*lottery.Round{},
		tickets:  map[uint64][]lottery.Ticket{},
		leasedAt: map[uint64]time.Time{},
	}
}

func (s *fakeStore) addRound(t lottery.Type, drawAt time.Time, tickets int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := lottery.NewRound(t, drawAt)
	r.ID = s.nextID
	s.nextID++
	s.rounds[r.ID] = &r
	for i := 1; i <= tickets; i++ {
		s.tickets[r.ID] = append(s.tickets[r.ID], lottery.Ticket{
			RoundID: r.ID,
			Number:  uint32(i),
			Wallet:  walletFor(i),
		})
	}
	return r.ID
}

func walletFor(i int) solana.PublicKey {
	var pk solana.PublicKey
	copy(pk[:], fmt.Sprintf("wallet-%08d", i%37))
	return pk
}

func (s *fakeStore) round(id uint64) lottery.Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rounds[id]
}

func (s *fakeStore) DueRounds(_ context.Context, now time.Time) ([]lottery.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []lottery.Round
	for _, r := range s.rounds {
		if !r.IsDrawn && r.State != lottery.DrawStateHalted && !r.DrawAt.After(now) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) AcquireDraw(_ context.Context, id uint64, now, staleBefore time.Time) (lottery.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return lottery.Round{}, apperr.NotFound("round not found")
	}
	switch {
	case r.IsDrawn:
		return lottery.Round{}, apperr.Conflict(apperr.ReasonAlreadyDrawn, "round already drawn")
	case r.State == lottery.DrawStateHalted:
		return lottery.Round{}, apperr.Conflict(apperr.ReasonRoundHalted, "round halted")
	case r.State == lottery.DrawStateDrawing && s.leasedAt[id].After(staleBefore):
		return lottery.Round{}, apperr.Conflict(apperr.ReasonDrawInProgress, "round is being drawn")
	}
	r.State = lottery.DrawStateDrawing
	s.leasedAt[id] = now
	return *r, nil
}

func (s *fakeStore) RoundTickets(_ context.Context, id uint64) ([]lottery.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]lottery.Ticket(nil), s.tickets[id]...), nil
}

func (s *fakeStore) CommitDraw(_ context.Context, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commitErrs) > 0 {
		err := s.commitErrs[0]
		s.commitErrs = s.commitErrs[1:]
		return err
	}
	r := s.rounds[o.Round.ID]
	if r.IsDrawn {
		return apperr.Conflict(apperr.ReasonAlreadyDrawn, "round already drawn")
	}
	*r = o.Round
	s.commits = append(s.commits, o)
	if o.Next != nil {
		next := *o.Next
		next.ID = s.nextID
		s.nextID++
		s.rounds[next.ID] = &next
	}
	return nil
}

func (s *fakeStore) ReleaseDraw(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	s.rounds[id].State = lottery.DrawStateScheduled
	return nil
}

func (s *fakeStore) HaltDraw(_ context.Context, id uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[id].State = lottery.DrawStateHalted
	s.rounds[id].HaltReason = reason
	return nil
}

func (s *fakeStore) PendingRounds(_ context.Context) ([]lottery.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []lottery.Round
	for _, r := range s.rounds {
		if !r.IsDrawn {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DrawAt.Before(out[j].DrawAt) })
	return out, nil
}

func (s *fakeStore) RecentDrawnRounds(_ context.Context, limit int) ([]lottery.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []lottery.Round
	for _, r := range s.rounds {
		if r.IsDrawn {
			out = append(out, *r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeEntropy struct {
	mu    sync.Mutex
	bytes []byte
	err   error
	calls []string
}

func (f *fakeEntropy) Randomness(_ context.Context, requestID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, requestID)
	if f.err != nil {
		return nil, f.err
	}
	return f.bytes, nil
}

type haltRecorder struct {
	mu     sync.Mutex
	rounds []uint64
}

func (h *haltRecorder) RoundHalted(_ context.Context, r lottery.Round, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rounds = append(h.rounds, r.ID)
}

var testDeadline = time.Date(2025, 6, 1, 23, 59, 59, 0, time.UTC)

func newEngine(t *testing.T, store Store, entropy EntropyProvider, alerter Alerter) (*Engine, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testDeadline.Add(time.Minute))
	deriver, err := derive.New(derive.OffCurve)
	require.NoError(t, err)
	e, err := New(Config{
		Logger:      settlementtesting.NewLogger(),
		Clock:       clock,
		Store:       store,
		Entropy:     entropy,
		Deriver:     deriver,
		TicketScope: ticketScope,
		Alerter:     alerter,
		Retry:       retry.Config{MaxAttempts: 1},
	})
	require.NoError(t, err)
	return e, clock
}

func randomness(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestSettlement_Draw_CompletesRound(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	id := store.addRound(lottery.TriDaily, testDeadline, 1000)
	entropy := &fakeEntropy{bytes: randomness(7)}
	engine, _ := newEngine(t, store, entropy, nil)

	res, err := engine.DrawRound(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Winners, 100)
	require.EqualValues(t, 40_000_000_000, res.PrizePool)
	require.Equal(t, []string{fmt.Sprintf("draw:tri-daily:%d", id)}, entropy.calls)

	perTier := map[int]int{}
	seen := map[uint32]bool{}
	for _, w := range res.Winners {
		require.False(t, seen[w.TicketNumber], "ticket %d won twice", w.TicketNumber)
		seen[w.TicketNumber] = true
		perTier[w.Tier]++
	}
	require.Equal(t, map[int]int{1: 1, 2: 2, 3: 6, 4: 36, 5: 55}, perTier)

	round := store.round(id)
	require.True(t, round.IsDrawn)
	require.Equal(t, lottery.DrawStateDrawn, round.State)
	require.Len(t, round.WinningNumbers, 100)
	require.EqualValues(t, 40_000_000_000, round.PrizePool)

	require.Len(t, store.commits, 1)
	commit := store.commits[0]
	require.Len(t, commit.Prizes, 100)
	require.Equal(t, randomness(7), commit.Draw.Randomness)
	deriver, _ := derive.New(derive.OffCurve)
	for _, p := range commit.Prizes {
		want, _, err := deriver.Derive(derive.TicketSeeds(id, p.TicketNumber), ticketScope)
		require.NoError(t, err)
		require.Equal(t, want, p.TicketAddress)
	}

	require.NotNil(t, res.NextRound)
	require.Equal(t, time.Date(2025, 6, 4, 23, 59, 59, 0, time.UTC), res.NextRound.DrawAt)
}

func TestSettlement_Draw_NoTicketsIsNormalOutcome(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	id := store.addRound(lottery.Jackpot, testDeadline, 0)
	entropy := &fakeEntropy{bytes: randomness(1)}
	engine, _ := newEngine(t, store, entropy, nil)

	res, err := engine.DrawRound(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusNoTickets, res.Status)
	require.Empty(t, res.Winners)
	require.Empty(t, entropy.calls)
	require.True(t, store.round(id).IsDrawn)
	require.Equal(t, time.Date(2025, 7, 31, 23, 59, 59, 0, time.UTC), res.NextRound.DrawAt)
}

func TestSettlement_Draw_SameRandomnessSameWinners(t *testing.T) {
	t.Parallel()
	winners := func(seed byte) []Winner {
		store := newFakeStore()
		id := store.addRound(lottery.TriDaily, testDeadline, 500)
		engine, _ := newEngine(t, store, &fakeEntropy{bytes: randomness(seed)}, nil)
		res, err := engine.DrawRound(context.Background(), id)
		require.NoError(t, err)
		out := make([]Winner, len(res.Winners))
		for i, w := range res.Winners {
			w.PrizeID = [16]byte{}
			out[i] = w
		}
		return out
	}
	require.Equal(t, winners(3), winners(3))
	require.NotEqual(t, winners(3), winners(4))
}

func TestSettlement_Draw_ConcurrentTriggersDrawOnce(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	id := store.addRound(lottery.TriDaily, testDeadline, 300)
	engine, _ := newEngine(t, store, &fakeEntropy{bytes: randomness(9)}, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.DrawRound(context.Background(), id)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if apperr.IsConflict(err) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, ok)
	require.Equal(t, 7, conflicts)
	require.Len(t, store.commits, 1)
}

func TestSettlement_Draw_EntropyFailureReleasesRound(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	id := store.addRound(lottery.TriDaily, testDeadline, 50)
	engine, _ := newEngine(t, store, &fakeEntropy{err: errors.New("beacon unreachable")}, nil)

	_, err := engine.DrawRound(context.Background(), id)
	require.Error(t, err)
	require.True(t, apperr.IsExternal(err))
	require.Equal(t, apperr.ReasonEntropyUnavailable, apperr.ReasonOf(err))

	round := store.round(id)
	require.False(t, round.IsDrawn)
	require.Equal(t, lottery.DrawStateScheduled, round.State)
	require.Empty(t, store.commits)
}

func TestSettlement_Draw_ShortRandomnessIsRejected(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	id := store.addRound(lottery.TriDaily, testDeadline, 50)
	engine, _ := newEngine(t, store, &fakeEntropy{bytes: []byte{1, 2, 3}}, nil)

	_, err := engine.DrawRound(context.Background(), id)
	require.True(t, apperr.IsExternal(err))
	require.Equal(t, lottery.DrawStateScheduled, store.round(id).State)
}

func TestSettlement_Draw_CommitFailureIsCompensated(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	id := store.addRound(lottery.TriDaily, testDeadline, 50)
	store.commitErrs = []error{errors.New("connection reset by peer")}
	engine, _ := newEngine(t, store, &fakeEntropy{bytes: randomness(2)}, nil)

	_, err := engine.DrawRound(context.Background(), id)
	require.Error(t, err)
	require.Equal(t, 1, store.released)
	require.False(t, store.round(id).IsDrawn)
	require.Equal(t, lottery.DrawStateScheduled, store.round(id).State)

	// A later attempt succeeds.
	res, err := engine.DrawRound(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
}

func TestSettlement_Draw_GapInTicketsHaltsRound(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	id := store.addRound(lottery.TriDaily, testDeadline, 20)
	store.tickets[id] = append(store.tickets[id][:5], store.tickets[id][6:]...)
	alerts := &haltRecorder{}
	engine, _ := newEngine(t, store, &fakeEntropy{bytes: randomness(5)}, alerts)

	_, err := engine.DrawRound(context.Background(), id)
	require.True(t, apperr.IsCorruption(err))
	require.Equal(t, lottery.DrawStateHalted, store.round(id).State)
	require.Equal(t, []uint64{id}, alerts.rounds)

	_, err = engine.DrawRound(context.Background(), id)
	require.True(t, apperr.IsConflict(err))
	require.Equal(t, apperr.ReasonRoundHalted, apperr.ReasonOf(err))

	due, err := store.DueRounds(context.Background(), testDeadline.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestSettlement_Draw_ExecuteDue(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	a := store.addRound(lottery.TriDaily, testDeadline, 120)
	b := store.addRound(lottery.Xmas, testDeadline.Add(-time.Hour), 0)
	future := store.addRound(lottery.GrandPrize, testDeadline.Add(24*time.Hour), 10)
	engine, _ := newEngine(t, store, &fakeEntropy{bytes: randomness(8)}, nil)

	results, err := engine.ExecuteDue(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	byRound := map[uint64]Result{}
	for _, r := range results {
		byRound[r.RoundID] = r
	}
	require.Equal(t, StatusCompleted, byRound[a].Status)
	require.Len(t, byRound[a].Winners, 12)
	require.Equal(t, StatusNoTickets, byRound[b].Status)
	require.Nil(t, byRound[b].NextRound)
	require.False(t, store.round(future).IsDrawn)

	again, err := engine.ExecuteDue(context.Background())
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestSettlement_Draw_Status(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.addRound(lottery.TriDaily, testDeadline, 0)
	store.addRound(lottery.Jackpot, testDeadline.Add(time.Hour+time.Minute), 0)
	engine, _ := newEngine(t, store, &fakeEntropy{bytes: randomness(8)}, nil)

	view, err := engine.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, view.Pending, 2)
	require.True(t, view.Pending[0].Ready)
	require.Zero(t, view.Pending[0].TimeUntilDraw)
	require.False(t, view.Pending[1].Ready)
	require.EqualValues(t, 3600, view.Pending[1].TimeUntilDraw)
	require.Empty(t, view.Recent)
}
