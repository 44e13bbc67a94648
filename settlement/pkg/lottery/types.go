// Package lottery holds the lottery type catalogue, tier schemas, the tier allocator and
// the entities persisted for rounds, tickets, prizes and draws.
package lottery

import (
	"fmt"
	"time"
)

type Type uint8

const (
	TriDaily Type = iota
	Jackpot
	GrandPrize
	Xmas
)

// Types lists every lottery type in on-chain order.
func Types() []Type {
	return []Type{TriDaily, Jackpot, GrandPrize, Xmas}
}

func (t Type) String() string {
	switch t {
	case TriDaily:
		return "tri-daily"
	case Jackpot:
		return "jackpot"
	case GrandPrize:
		return "grand-prize"
	case Xmas:
		return "xmas"
	}
	return fmt.Sprintf("lottery(%d)", uint8(t))
}

func ParseType(s string) (Type, error) {
	for _, t := range Types() {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown lottery type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown lottery type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Type) Valid() bool {
	return t <= Xmas
}

// Params is the static configuration of a lottery type.
type Params struct {
	TicketPrice uint64
	MaxTickets  uint32
	Schema      TierSchema
	Recurring   bool
}

const lamportsPerSOL = 1_000_000_000

func (t Type) Params() Params {
	switch t {
	case TriDaily:
		return Params{TicketPrice: lamportsPerSOL / 10, MaxTickets: 1000, Schema: percentageFiveTier(), Recurring: true}
	case Jackpot:
		return Params{TicketPrice: lamportsPerSOL / 5, MaxTickets: 5000, Schema: fixedFiveTier(), Recurring: true}
	case GrandPrize:
		return Params{TicketPrice: 330_000_000, MaxTickets: 10000, Schema: fixedPodium(), Recurring: true}
	case Xmas:
		return Params{TicketPrice: lamportsPerSOL / 5, MaxTickets: 7500, Schema: percentageFiveTier(), Recurring: false}
	}
	panic(fmt.Sprintf("lottery: no params for %s", t))
}

// NextDraw returns the draw deadline of the round following one that closed at prev.
// The second result is false for one-shot types.
func (t Type) NextDraw(prev time.Time) (time.Time, bool) {
	prev = prev.UTC()
	switch t {
	case TriDaily:
		d := prev.AddDate(0, 0, 3)
		return endOfDay(d.Year(), d.Month(), d.Day()), true
	case Jackpot:
		// Day 0 of the month after next is the last day of next month.
		return endOfDay(prev.Year(), prev.Month()+2, 0), true
	case GrandPrize:
		return endOfDay(prev.Year()+1, time.December, 31), true
	case Xmas:
		return time.Time{}, false
	}
	panic(fmt.Sprintf("lottery: no schedule for %s", t))
}

// FirstDraw returns the deadline for the first round of t opened at now.
func (t Type) FirstDraw(now time.Time) time.Time {
	now = now.UTC()
	switch t {
	case TriDaily:
		d := now.AddDate(0, 0, 3)
		return endOfDay(d.Year(), d.Month(), d.Day())
	case Jackpot:
		return endOfDay(now.Year(), now.Month()+1, 0)
	case GrandPrize:
		return endOfDay(now.Year(), time.December, 31)
	case Xmas:
		at := endOfDay(now.Year(), time.December, 25)
		if !at.After(now) {
			at = endOfDay(now.Year()+1, time.December, 25)
		}
		return at
	}
	panic(fmt.Sprintf("lottery: no schedule for %s", t))
}

func endOfDay(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 23, 59, 59, 0, time.UTC)
}
