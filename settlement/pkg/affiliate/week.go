package affiliate

import "time"

const (
	// EpochStart is Monday 1970-01-05 00:00:00 UTC, the start of week 0.
	EpochStart     = 345_600
	SecondsPerWeek = 604_800

	// DefaultReleaseOffset releases a week on the following Wednesday at 23:59:59 UTC.
	DefaultReleaseOffset = 2*24*time.Hour + 23*time.Hour + 59*time.Minute + 59*time.Second
)

// WeekOf returns the week number containing t. Times before the epoch map to week 0.
func WeekOf(t time.Time) uint64 {
	secs := t.Unix() - EpochStart
	if secs < 0 {
		return 0
	}
	return uint64(secs / SecondsPerWeek)
}

// WeekStart returns Monday 00:00 UTC of week w.
func WeekStart(w uint64) time.Time {
	return time.Unix(EpochStart+int64(w)*SecondsPerWeek, 0).UTC()
}

// Gate decides when a week's earnings become claimable: offset after the week has ended.
type Gate struct {
	Offset time.Duration
}

func (g Gate) ReleaseAt(w uint64) time.Time {
	return WeekStart(w + 1).Add(g.Offset)
}

func (g Gate) Released(w uint64, now time.Time) bool {
	return !now.Before(g.ReleaseAt(w))
}

// EarningWeek picks the accumulator for a purchase made at purchasedAt and processed
// at now. Purchases arriving after their week was released go to the current week.
func (g Gate) EarningWeek(purchasedAt, now time.Time) uint64 {
	w := WeekOf(purchasedAt)
	if g.Released(w, now) {
		return WeekOf(now)
	}
	return w
}
