package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/powersol/settlement/settlement/pkg/draw"
	settlementtesting "github.com/powersol/settlement/utils/pkg/testing"
)

type fakeDrawer struct {
	calls   atomic.Int32
	results []draw.Result
	err     error
}

func (f *fakeDrawer) ExecuteDue(context.Context) ([]draw.Result, error) {
	f.calls.Add(1)
	return f.results, f.err
}

type fakeCounter struct {
	calls atomic.Int32
	err   error
}

func (f *fakeCounter) ExpireStale(context.Context) (int64, error) {
	f.calls.Add(1)
	return 1, f.err
}

func (f *fakeCounter) ReleaseDue(context.Context) (int64, error) {
	f.calls.Add(1)
	return 2, f.err
}

func newScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	cfg.Logger = settlementtesting.NewLogger()
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestSettlement_Scheduler_ConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := Config{Logger: settlementtesting.NewLogger(), Drawer: &fakeDrawer{}, Claims: &fakeCounter{}, Releaser: &fakeCounter{}}
	require.NoError(t, cfg.Validate())
	require.Equal(t, "@every 1m", cfg.DrawSchedule)
	require.Equal(t, 5*time.Minute, cfg.JobTimeout)

	missing := Config{Logger: settlementtesting.NewLogger(), Claims: &fakeCounter{}, Releaser: &fakeCounter{}}
	require.Error(t, missing.Validate())
}

func TestSettlement_Scheduler_RegistersJobs(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, Config{Drawer: &fakeDrawer{}, Claims: &fakeCounter{}, Releaser: &fakeCounter{}})
	require.Len(t, s.cron.Entries(), 3)
}

func TestSettlement_Scheduler_InvalidScheduleFails(t *testing.T) {
	t.Parallel()
	_, err := New(Config{
		Logger:       settlementtesting.NewLogger(),
		Drawer:       &fakeDrawer{},
		Claims:       &fakeCounter{},
		Releaser:     &fakeCounter{},
		DrawSchedule: "every minute please",
	})
	require.Error(t, err)
}

func TestSettlement_Scheduler_RunJob(t *testing.T) {
	t.Parallel()
	drawer := &fakeDrawer{results: []draw.Result{{RoundID: 1, Status: draw.StatusCompleted}}}
	claims := &fakeCounter{}
	weeks := &fakeCounter{}
	var invalidated atomic.Int32
	s := newScheduler(t, Config{
		Drawer:    drawer,
		Claims:    claims,
		Releaser:  weeks,
		AfterDraw: func(context.Context) { invalidated.Add(1) },
	})

	require.NoError(t, s.RunJob(JobDraw))
	require.Equal(t, int32(1), invalidated.Load())
	require.NoError(t, s.RunJob(JobExpireClaims))
	require.NoError(t, s.RunJob(JobReleaseWeeks))
	require.Equal(t, int32(1), drawer.calls.Load())
	require.Equal(t, int32(1), claims.calls.Load())
	require.Equal(t, int32(1), weeks.calls.Load())

	require.Error(t, s.RunJob("nope"))
}

func TestSettlement_Scheduler_DrawJobReportsFailedRounds(t *testing.T) {
	t.Parallel()
	drawer := &fakeDrawer{results: []draw.Result{
		{RoundID: 1, Status: draw.StatusCompleted},
		{RoundID: 2, Status: draw.StatusError, Error: "entropy unavailable"},
	}}
	s := newScheduler(t, Config{Drawer: drawer, Claims: &fakeCounter{}, Releaser: &fakeCounter{}})
	require.ErrorContains(t, s.RunJob(JobDraw), "1 of 2")

	failing := newScheduler(t, Config{
		Drawer:   &fakeDrawer{err: errors.New("db down")},
		Claims:   &fakeCounter{},
		Releaser: &fakeCounter{},
	})
	require.Error(t, failing.RunJob(JobDraw))
}

func TestSettlement_Scheduler_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, Config{Drawer: &fakeDrawer{}, Claims: &fakeCounter{}, Releaser: &fakeCounter{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
