package clock

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestComputeDeadline(t *testing.T) {
	got, err := ComputeDeadline(5000, 1000*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 6000 {
		t.Fatalf("expected 6000, got %d", got)
	}

	if _, err := ComputeDeadline(math.MaxUint64-10, 11*time.Second); !errors.Is(err, ErrDeadlineOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if got, err := ComputeDeadline(math.MaxUint64-10, 10*time.Second); err != nil || got != math.MaxUint64 {
		t.Fatalf("expected exact fit at max, got %d err=%v", got, err)
	}
	if _, err := ComputeDeadline(10, -time.Second); !errors.Is(err, ErrDeadlineOverflow) {
		t.Fatalf("expected negative duration to be rejected, got %v", err)
	}
}

func TestIsPast(t *testing.T) {
	if !IsPast(5000, 4000) {
		t.Errorf("deadline in the past should report true")
	}
	if IsPast(5000, 6000) {
		t.Errorf("deadline in the future should report false")
	}
	if IsPast(5000, 5000) {
		t.Errorf("equal timestamps are not past")
	}
}

func TestManualSource(t *testing.T) {
	m := NewManual(100)
	m.Advance(30 * time.Second)
	if m.Now() != 130 {
		t.Fatalf("expected 130, got %d", m.Now())
	}
	m.Set(7)
	if m.Now() != 7 {
		t.Fatalf("expected 7, got %d", m.Now())
	}
	if FromTime(m.Now().Time()) != 7 {
		t.Fatalf("round trip through time.Time lost precision")
	}
}
