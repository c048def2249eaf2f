// Package clock converts sport-specific game-clock readings to and from
// a common monotonic "elapsed seconds" scale. The offset arithmetic in
// the room registry is sport-agnostic because elapsed seconds is a
// total ordering over positions in any game; this package is the only
// place that knows sport-specific rules, and it knows them as data, not
// as a switch statement.
package clock

import (
	"fmt"

	"github.com/adred-codev/spoilerchat/internal/types"
)

// Direction is whether a sport's clock counts down from the period
// duration (basketball, football, hockey) or up from zero (soccer).
type Direction string

const (
	Down Direction = "down"
	Up   Direction = "up"
)

// Spec describes one sport's clock shape.
type Spec struct {
	Periods         int           // P: number of periods in a full game
	PeriodDuration  int           // D: minutes per period
	Direction       Direction
	MaxMinute       int           // M: upper minute bound (stoppage overflow), only meaningful for Up clocks
	DisplayHalfWord string        // word used in the display string's period marker ("Q", "P" or "H")
}

// table is the closed set of supported sports. Keep this as data: adding
// a sport means adding a row here, never a new branch anywhere else.
var table = map[types.Sport]Spec{
	types.SportBasketball: {Periods: 4, PeriodDuration: 12, Direction: Down, DisplayHalfWord: "Q"},
	types.SportFootball:   {Periods: 4, PeriodDuration: 15, Direction: Down, DisplayHalfWord: "Q"},
	types.SportHockey:     {Periods: 3, PeriodDuration: 20, Direction: Down, DisplayHalfWord: "P"},
	types.SportSoccer:     {Periods: 2, PeriodDuration: 45, Direction: Up, MaxMinute: 59, DisplayHalfWord: "H"},
}

// InvalidTimeError is returned by ToElapsed/Validate when a reading is
// out of range for its sport.
type InvalidTimeError struct {
	Sport  types.Sport
	Reason string
}

func (e *InvalidTimeError) Error() string {
	return fmt.Sprintf("invalid time for %s: %s", e.Sport, e.Reason)
}

// UnknownSportError is returned for any sport tag outside the table.
type UnknownSportError struct{ Sport types.Sport }

func (e *UnknownSportError) Error() string { return fmt.Sprintf("unknown sport %q", e.Sport) }

// Lookup returns the Spec for a sport, or UnknownSportError.
func Lookup(sport types.Sport) (Spec, error) {
	spec, ok := table[sport]
	if !ok {
		return Spec{}, &UnknownSportError{Sport: sport}
	}
	return spec, nil
}

// Supported returns every sport tag the library recognises.
func Supported() []types.Sport {
	out := make([]types.Sport, 0, len(table))
	for s := range table {
		out = append(out, s)
	}
	return out
}

// Validate checks a (period, minute, second) reading against a sport's
// rules without converting it, per spec §4.1:
//   - down sports: min ∈ [0, D], and if min == D then sec must be 0
//   - up sports:   min ∈ [0, M]
func Validate(sport types.Sport, period, min, sec int) error {
	spec, err := Lookup(sport)
	if err != nil {
		return err
	}
	if period < 1 || period > spec.Periods {
		return &InvalidTimeError{Sport: sport, Reason: fmt.Sprintf("period %d out of range [1,%d]", period, spec.Periods)}
	}
	if sec < 0 || sec > 59 {
		return &InvalidTimeError{Sport: sport, Reason: fmt.Sprintf("second %d out of range [0,59]", sec)}
	}
	switch spec.Direction {
	case Down:
		if min < 0 || min > spec.PeriodDuration {
			return &InvalidTimeError{Sport: sport, Reason: fmt.Sprintf("minute %d out of range [0,%d]", min, spec.PeriodDuration)}
		}
		if min == spec.PeriodDuration && sec != 0 {
			return &InvalidTimeError{Sport: sport, Reason: "minute at period duration requires second 0"}
		}
	case Up:
		if min < 0 || min > spec.MaxMinute {
			return &InvalidTimeError{Sport: sport, Reason: fmt.Sprintf("minute %d out of range [0,%d]", min, spec.MaxMinute)}
		}
	}
	return nil
}

// ToElapsed converts a sport-specific clock reading into elapsed game
// seconds since kickoff/tipoff, per spec §4.1.
func ToElapsed(sport types.Sport, period, min, sec int) (int, error) {
	if err := Validate(sport, period, min, sec); err != nil {
		return 0, err
	}
	spec := table[sport]
	periodStart := (period - 1) * spec.PeriodDuration * 60
	switch spec.Direction {
	case Down:
		return periodStart + (spec.PeriodDuration*60 - (min*60 + sec)), nil
	default: // Up
		return periodStart + min*60 + sec, nil
	}
}

// Reading is the canonical inverse of ToElapsed: a (period, minute,
// second) triple plus the display string clients render.
type Reading struct {
	Period  int
	Minutes int
	Seconds int
	Display string
}

// FromElapsed maps elapsed seconds back to a sport-specific reading,
// clamping to [0, P*D*60].
func FromElapsed(sport types.Sport, elapsedSec int) (Reading, error) {
	spec, err := Lookup(sport)
	if err != nil {
		return Reading{}, err
	}
	periodLen := spec.PeriodDuration * 60
	total := spec.Periods * periodLen
	if elapsedSec < 0 {
		elapsedSec = 0
	}
	if elapsedSec > total {
		elapsedSec = total
	}

	// overflowLen is how far into a period elapsedSec may legally run
	// before the next period begins. For Up sports whose MaxMinute
	// exceeds PeriodDuration (soccer stoppage time), a period's legal
	// range runs past periodLen and numerically overlaps the next
	// period's nominal start (e.g. soccer elapsed=3599 is both "period 1,
	// 59:59 stoppage" and, read naively, "period 2, 14:59"). Picking the
	// smallest period whose range covers elapsedSec keeps this the true
	// inverse of ToElapsed instead of always rolling into that overlap.
	overflowLen := periodLen
	if spec.Direction == Down {
		// A down period's last legal reading (0:00 remaining) sits at
		// intoPeriod == periodLen, the same instant as the next period's start.
		overflowLen = periodLen + 1
	}
	if spec.Direction == Up && spec.MaxMinute*60+60 > periodLen {
		overflowLen = spec.MaxMinute*60 + 60
	}

	period := spec.Periods
	intoPeriod := elapsedSec - (period-1)*periodLen
	for p := 1; p <= spec.Periods; p++ {
		candidate := elapsedSec - (p-1)*periodLen
		if candidate >= 0 && candidate < overflowLen {
			period = p
			intoPeriod = candidate
			break
		}
	}

	var min, sec int
	switch spec.Direction {
	case Down:
		remaining := periodLen - intoPeriod
		min, sec = remaining/60, remaining%60
	default: // Up
		min, sec = intoPeriod/60, intoPeriod%60
	}

	return Reading{
		Period:  period,
		Minutes: min,
		Seconds: sec,
		Display: fmt.Sprintf("%s%d %02d:%02d", spec.DisplayHalfWord, period, min, sec),
	}, nil
}
