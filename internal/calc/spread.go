// Package calc holds the pure, deterministic tick and spread math used by
// the contract selector and the progressive execution engine. Every
// function here is total on its typed inputs or returns the single
// InvalidTick failure; there is no hidden state.
package calc

import (
	"math"

	"deltabridge/internal/apperr"
	"deltabridge/internal/models"
)

// RoundMode selects the tie-breaking behavior of RoundToTick.
type RoundMode string

const (
	RoundNearest RoundMode = "nearest"
	RoundFloor   RoundMode = "floor"
	RoundCeil    RoundMode = "ceil"
)

// RoundToTick rounds price to the nearest multiple of tick according to
// mode. Nearest mode resolves ties to the even tick multiple (banker's
// rounding), matching the spec's tie-break rule.
func RoundToTick(price, tick float64, mode RoundMode) (float64, error) {
	if tick <= 0 {
		return 0, apperr.New(apperr.KindInvalidTick, "tick must be positive")
	}

	units := price / tick

	var rounded float64
	switch mode {
	case RoundFloor:
		rounded = math.Floor(units)
	case RoundCeil:
		rounded = math.Ceil(units)
	case RoundNearest, "":
		rounded = roundHalfToEven(units)
	default:
		rounded = roundHalfToEven(units)
	}

	// rounded*tick can land a hair off the tick grid (24*0.05 is
	// 1.2000000000000002); snapping to 9 decimals yields the tick price.
	return math.Round(rounded*tick*1e9) / 1e9, nil
}

// roundHalfToEven implements IEEE 754 round-half-to-even on unit counts so
// that RoundToTick(RoundToTick(p)) is idempotent regardless of float noise
// at the exact midpoint between two ticks.
func roundHalfToEven(units float64) float64 {
	// price/tick carries float noise (0.075/0.05 is 1.4999999999999998), so
	// a fraction within tieTolerance of one half counts as a tie.
	const tieTolerance = 1e-9
	floor := math.Floor(units)
	diff := units - floor
	switch {
	case diff < 0.5-tieTolerance:
		return floor
	case diff > 0.5+tieTolerance:
		return floor + 1
	default:
		if math.Mod(floor, 2) == 0 {
			return floor
		}
		return floor + 1
	}
}

// SpreadRatio computes (ask-bid)/mid. Callers must guard bid>0 && ask>0
// themselves; the result is meaningless (and may be +Inf or NaN) otherwise.
func SpreadRatio(bid, ask float64) float64 {
	mid := (ask + bid) / 2
	if mid == 0 {
		return math.Inf(1)
	}
	return (ask - bid) / mid
}

// SpreadInTicks returns the quoted width expressed as a tick count.
func SpreadInTicks(bid, ask, tick float64) (float64, error) {
	if tick <= 0 {
		return 0, apperr.New(apperr.KindInvalidTick, "tick must be positive")
	}
	return math.Round((ask - bid) / tick), nil
}

// IsSpreadReasonable is monotonic in maxRatio and maxTicks: tightening
// either threshold can never turn an unreasonable spread into a reasonable
// one, since both are pure upper bounds ANDed together.
func IsSpreadReasonable(bid, ask, tick, maxRatio float64, maxTicks int) bool {
	if bid <= 0 || ask <= 0 {
		return false
	}
	if ask < bid {
		return false
	}
	ratio := SpreadRatio(bid, ask)
	if ratio > maxRatio {
		return false
	}
	ticks, err := SpreadInTicks(bid, ask, tick)
	if err != nil {
		return false
	}
	return ticks <= float64(maxTicks)
}

// StepPrice returns the limit price for step stepIndex of maxSteps, walking
// from the passive touch toward the aggressive touch. For a BUY, step 0 is
// the bid and step maxSteps is the ask; for a SELL the mapping mirrors.
// Intermediate steps interpolate linearly and round toward the aggressive
// side so the walk never regresses past a prior step after tick rounding.
func StepPrice(bid, ask, tick float64, stepIndex, maxSteps int, side models.Side) (float64, error) {
	if tick <= 0 {
		return 0, apperr.New(apperr.KindInvalidTick, "tick must be positive")
	}
	if maxSteps <= 0 {
		if side == models.SideBuy {
			return RoundToTick(bid, tick, RoundNearest)
		}
		return RoundToTick(ask, tick, RoundNearest)
	}

	frac := float64(stepIndex) / float64(maxSteps)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}

	var passive, aggressive float64
	if side == models.SideBuy {
		passive, aggressive = bid, ask
	} else {
		passive, aggressive = ask, bid
	}

	raw := passive + frac*(aggressive-passive)

	if stepIndex == 0 {
		return RoundToTick(passive, tick, RoundNearest)
	}
	if stepIndex >= maxSteps {
		return RoundToTick(aggressive, tick, RoundNearest)
	}

	// Intermediate steps round toward the aggressive side so successive
	// steps never tie at the same rounded price.
	if side == models.SideBuy {
		return RoundToTick(raw, tick, RoundCeil)
	}
	return RoundToTick(raw, tick, RoundFloor)
}
