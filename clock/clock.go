package clock

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrDeadlineOverflow is returned when now+duration does not fit a Timestamp.
var ErrDeadlineOverflow = errors.New("clock: deadline overflows timestamp range")

// Timestamp is a ledger time in whole seconds since the Unix epoch.
type Timestamp uint64

// FromTime converts t, truncating to the second. Times before the epoch map to zero.
func FromTime(t time.Time) Timestamp {
	sec := t.Unix()
	if sec < 0 {
		return 0
	}
	return Timestamp(sec)
}

// Time converts ts back into a UTC time.Time.
func (ts Timestamp) Time() time.Time {
	if ts > math.MaxInt64 {
		return time.Unix(math.MaxInt64, 0).UTC()
	}
	return time.Unix(int64(ts), 0).UTC()
}

// ComputeDeadline adds d (rounded down to whole seconds) to now. It fails rather than
// saturating when the result would wrap, and rejects negative durations.
func ComputeDeadline(now Timestamp, d time.Duration) (Timestamp, error) {
	if d < 0 {
		return 0, ErrDeadlineOverflow
	}
	secs := Timestamp(d / time.Second)
	if now > math.MaxUint64-secs {
		return 0, ErrDeadlineOverflow
	}
	return now + secs, nil
}

// IsPast reports whether now is strictly after deadline.
func IsPast(now, deadline Timestamp) bool {
	return now > deadline
}

// Source supplies the current ledger time.
type Source interface {
	Now() Timestamp
}

// System reads the wall clock.
type System struct{}

func (System) Now() Timestamp {
	return FromTime(time.Now())
}

// Manual is a settable Source for tests and replays.
type Manual struct {
	mu  sync.Mutex
	now Timestamp
}

func NewManual(now Timestamp) *Manual {
	return &Manual{now: now}
}

func (m *Manual) Now() Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(now Timestamp) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Advance moves the clock forward by d, truncated to whole seconds.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += Timestamp(d / time.Second)
	m.mu.Unlock()
}
