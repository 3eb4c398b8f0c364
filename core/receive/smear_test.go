package receive

import (
	"testing"
	"time"
)

func TestSmearerAdvancesPastNow(t *testing.T) {
	var s Smearer
	now := time.Unix(1000, 0)

	// With nothing lent yet, a burst of 3 ends at now: 998, 999, 1000.
	first := s.Next(now, 3)
	if first.Unix() != 998 {
		t.Fatalf("first = %d, want 998", first.Unix())
	}
	// last is now first+3; the next call at the same `now` must not
	// hand out an already-used second.
	second := s.Next(now, 1)
	if second.Unix() != 1001 {
		t.Fatalf("second = %d, want 1001 (must not reuse already-lent seconds)", second.Unix())
	}
}

func TestSmearerLendsAtMostMaxLendFromFuture(t *testing.T) {
	var s Smearer
	now := time.Unix(2000, 0)

	// A huge burst should still never be handed out more than maxLend
	// seconds ahead of now.
	first := s.Next(now, 100)
	if first.Unix() > now.Unix()+maxLend {
		t.Fatalf("first = %d, lent more than maxLend=%d seconds from now=%d", first.Unix(), maxLend, now.Unix())
	}
}

func TestSmearerTrailsRealClockAfterBurst(t *testing.T) {
	var s Smearer
	s.Next(time.Unix(3000, 0), 50) // burst far into the future relative to n

	// Time passes well beyond what was lent; the next single
	// allocation should track the new wall clock, not stay parked at
	// the old `last`.
	later := time.Unix(3100, 0)
	got := s.Next(later, 1)
	if got.Unix() != later.Unix() {
		t.Fatalf("got = %d, want %d (must trail real clock once caught up)", got.Unix(), later.Unix())
	}
}
