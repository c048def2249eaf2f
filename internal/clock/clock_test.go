package clock

import (
	"testing"

	"github.com/adred-codev/spoilerchat/internal/types"
)

func TestToElapsed_BasketballBaseline(t *testing.T) {
	// S2 from spec: period 3, 8:42 remaining => elapsed 1638s
	got, err := ToElapsed(types.SportBasketball, 3, 8, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1638 {
		t.Fatalf("want 1638, got %d", got)
	}
}

func TestToElapsed_Soccer(t *testing.T) {
	// S4 from spec: period 1, 23:15 => elapsed 1395s
	got, err := ToElapsed(types.SportSoccer, 1, 23, 15)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1395 {
		t.Fatalf("want 1395, got %d", got)
	}
}

func TestValidate_SoccerStoppage(t *testing.T) {
	if err := Validate(types.SportSoccer, 1, 59, 59); err != nil {
		t.Fatalf("59:59 should be valid stoppage time, got %v", err)
	}
	if err := Validate(types.SportSoccer, 1, 60, 0); err == nil {
		t.Fatal("60:00 should be rejected (exceeds M=59)")
	}
}

func TestValidate_DownClockExactDuration(t *testing.T) {
	if err := Validate(types.SportBasketball, 1, 12, 0); err != nil {
		t.Fatalf("minute==D with second 0 should be valid, got %v", err)
	}
	if err := Validate(types.SportBasketball, 1, 12, 1); err == nil {
		t.Fatal("minute==D with nonzero second should be rejected")
	}
}

func TestRoundTrip_AllSports(t *testing.T) {
	cases := []struct {
		sport          types.Sport
		period, m, s   int
	}{
		{types.SportBasketball, 3, 8, 42},
		{types.SportFootball, 2, 0, 0},
		{types.SportHockey, 1, 19, 59},
		{types.SportSoccer, 2, 44, 59},
		{types.SportSoccer, 1, 0, 0},
		{types.SportSoccer, 1, 59, 59},
	}
	for _, c := range cases {
		elapsed, err := ToElapsed(c.sport, c.period, c.m, c.s)
		if err != nil {
			t.Fatalf("%v ToElapsed error: %v", c, err)
		}
		reading, err := FromElapsed(c.sport, elapsed)
		if err != nil {
			t.Fatalf("%v FromElapsed error: %v", c, err)
		}
		if reading.Period != c.period || reading.Minutes != c.m || reading.Seconds != c.s {
			t.Fatalf("%v: round-trip mismatch, got period=%d min=%d sec=%d", c, reading.Period, reading.Minutes, reading.Seconds)
		}
	}
}

func TestFromElapsed_ClampsToRange(t *testing.T) {
	r, err := FromElapsed(types.SportBasketball, -5)
	if err != nil {
		t.Fatal(err)
	}
	if r.Period != 1 || r.Minutes != 12 || r.Seconds != 0 {
		t.Fatalf("negative elapsed should clamp to game start, got %+v", r)
	}

	total := 4 * 12 * 60
	r, err = FromElapsed(types.SportBasketball, total+1000)
	if err != nil {
		t.Fatal(err)
	}
	if r.Period != 4 || r.Minutes != 0 || r.Seconds != 0 {
		t.Fatalf("overlarge elapsed should clamp to game end, got %+v", r)
	}
}

func TestUnknownSport(t *testing.T) {
	if _, err := ToElapsed("curling", 1, 0, 0); err == nil {
		t.Fatal("expected UnknownSportError")
	}
}

func TestInvalidPeriod(t *testing.T) {
	if err := Validate(types.SportHockey, 4, 0, 0); err == nil {
		t.Fatal("hockey has only 3 periods, period 4 should be rejected")
	}
}
