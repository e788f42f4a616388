// Package selector implements C4, the contract selector: given a signal
// and a fetched option chain, it deterministically picks exactly one
// tradable contract or fails with NoSuitableContract/UnreasonableSpread.
package selector

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"deltabridge/internal/apperr"
	"deltabridge/internal/broker"
	"deltabridge/internal/calc"
	"deltabridge/internal/config"
	"deltabridge/internal/models"
)

// Selector holds the gateway used to fetch chains/quotes and the
// contract-selection configuration. Deterministic given identical chain
// and quote inputs, per spec §4.4.
type Selector struct {
	gw  broker.Gateway
	cfg config.ContractSelection

	spreadRatioThreshold float64
	spreadTickThreshold  int

	log *logrus.Entry
}

// New builds a Selector. spreadRatioThreshold and spreadTickThreshold come
// from the top-level Config (they are shared with C1's spread-quality
// gating in the execution engine), while cfg is the C4-specific subset.
func New(gw broker.Gateway, cfg config.ContractSelection, spreadRatioThreshold float64, spreadTickThreshold int, log *logrus.Entry) *Selector {
	return &Selector{gw: gw, cfg: cfg, spreadRatioThreshold: spreadRatioThreshold, spreadTickThreshold: spreadTickThreshold, log: log}
}

// isOpening reports whether a position transition establishes a new
// position (as opposed to closing or flattening one).
func isOpening(t models.PositionTransition) bool {
	switch t {
	case models.TransitionFlatToLong, models.TransitionFlatToShort, models.TransitionShortToLong, models.TransitionLongToShort,
		models.TransitionLongToLong, models.TransitionShortToShort:
		return true
	default:
		return false
	}
}

// rightFor maps a signal's position transition onto the option right to
// trade, per the default mapping in spec §4.4 step 1: long-entries and
// short-exits select calls, short-entries and long-exits select puts.
func rightFor(t models.PositionTransition) models.Right {
	switch t {
	case models.TransitionFlatToLong, models.TransitionShortToFlat, models.TransitionShortToLong, models.TransitionLongToLong:
		return models.RightCall
	default:
		return models.RightPut
	}
}

// Select runs the four-step decision procedure and returns the chosen
// contract along with the quote that justified it.
func (s *Selector) Select(ctx context.Context, sig models.Signal) (*models.OptionContract, *models.QuoteSnapshot, error) {
	right := rightFor(sig.PositionTransition)

	chain, err := s.gw.GetOptionChain(ctx, sig.Underlying, nil)
	if err != nil {
		return nil, nil, err
	}
	if len(chain.Contracts) == 0 {
		return nil, nil, apperr.New(apperr.KindNoSuitableContract, "empty chain for "+sig.Underlying)
	}

	expiry, err := s.chooseExpiry(chain.Contracts)
	if err != nil {
		return nil, nil, err
	}

	candidates := filterByExpiry(chain.Contracts, expiry, right)
	if len(candidates) == 0 {
		return nil, nil, apperr.New(apperr.KindNoSuitableContract, "no contracts of the required right at the chosen expiry")
	}

	opening := isOpening(sig.PositionTransition)

	best, bestQuote, err := s.chooseStrike(ctx, candidates, chain.UnderlyingPrice, opening)
	if err != nil {
		return nil, nil, err
	}

	if !calc.IsSpreadReasonable(bestQuote.Bid, bestQuote.Ask, best.TickSize, s.spreadRatioThreshold, s.spreadTickThreshold) {
		s.log.WithField("instrument", best.InstrumentID).Warn("spread unreasonable, retrying once after delay")
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		retryQuote, err := s.gw.GetQuote(ctx, best.InstrumentID)
		if err != nil {
			return nil, nil, err
		}
		if !calc.IsSpreadReasonable(retryQuote.Bid, retryQuote.Ask, best.TickSize, s.spreadRatioThreshold, s.spreadTickThreshold) {
			return nil, nil, apperr.New(apperr.KindUnreasonableSpread, "spread remained unreasonable for "+best.InstrumentID)
		}
		bestQuote = retryQuote
	}

	return &best, bestQuote, nil
}

func (s *Selector) chooseExpiry(contracts []models.OptionContract) (time.Time, error) {
	minDays := s.cfg.MinDaysToExpiry
	maxDays := s.cfg.MaxDaysToExpiry
	targetDays := s.cfg.TargetDaysToExpiry
	if maxDays == 0 {
		maxDays = 45
	}
	if minDays == 0 {
		minDays = 7
	}
	if targetDays == 0 {
		targetDays = 30
	}

	now := time.Now()
	seen := make(map[string]time.Time)
	for _, c := range contracts {
		days := int(c.Expiry.Sub(now).Hours() / 24)
		if days < minDays || days > maxDays {
			continue
		}
		seen[c.Expiry.Format("2006-01-02")] = c.Expiry
	}
	if len(seen) == 0 {
		return time.Time{}, apperr.New(apperr.KindNoSuitableContract, "no expiries within configured window")
	}

	target := now.AddDate(0, 0, targetDays)
	var best time.Time
	bestDist := time.Duration(math.MaxInt64)
	for _, e := range seen {
		dist := e.Sub(target)
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			bestDist = dist
			best = e
		}
	}
	return best, nil
}

func filterByExpiry(contracts []models.OptionContract, expiry time.Time, right models.Right) []models.OptionContract {
	var out []models.OptionContract
	target := expiry.Format("2006-01-02")
	for _, c := range contracts {
		if c.Right == right && c.Expiry.Format("2006-01-02") == target {
			out = append(out, c)
		}
	}
	return out
}

// chooseStrike picks the strike closest to the moneyness target: delta
// ~0.30 for opening trades, closest-to-ATM (|strike - underlying|) for
// closing. For opening trades a contract whose quote carries no delta is
// scored with approximateDelta instead.
func (s *Selector) chooseStrike(ctx context.Context, candidates []models.OptionContract, underlyingPrice float64, opening bool) (models.OptionContract, *models.QuoteSnapshot, error) {
	targetDelta := s.cfg.TargetDeltaOpen
	if targetDelta == 0 {
		targetDelta = 0.30
	}

	type scored struct {
		contract models.OptionContract
		quote    *models.QuoteSnapshot
		distance float64
	}

	var results []scored
	for _, c := range candidates {
		q, err := s.gw.GetQuote(ctx, c.InstrumentID)
		if err != nil {
			s.log.WithError(err).WithField("instrument", c.InstrumentID).Warn("skipping contract, quote unavailable")
			continue
		}

		var dist float64
		if opening {
			delta := q.Delta
			if delta == 0 {
				delta = approximateDelta(c, underlyingPrice)
			}
			dist = math.Abs(math.Abs(delta) - targetDelta)
		} else {
			dist = math.Abs(c.Strike - underlyingPrice)
		}

		results = append(results, scored{contract: c, quote: q, distance: dist})
	}

	if len(results) == 0 {
		return models.OptionContract{}, nil, apperr.New(apperr.KindNoSuitableContract, "no contracts had a usable quote")
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].distance != results[j].distance {
			return results[i].distance < results[j].distance
		}
		// Tie-breaks per spec §4.4 step 5: higher open interest, then
		// higher volume, then lower spread.
		if results[i].quote.OpenInterest != results[j].quote.OpenInterest {
			return results[i].quote.OpenInterest > results[j].quote.OpenInterest
		}
		if results[i].quote.Volume != results[j].quote.Volume {
			return results[i].quote.Volume > results[j].quote.Volume
		}
		return calc.SpreadRatio(results[i].quote.Bid, results[i].quote.Ask) < calc.SpreadRatio(results[j].quote.Bid, results[j].quote.Ask)
	})

	best := results[0]
	return best.contract, best.quote, nil
}

// approximateDelta is used only when the chain carries no quote-based
// Greeks; it is a coarse linear moneyness proxy, not a real Black-Scholes
// delta, and it stands in for the quote delta when ranking opening strikes.
func approximateDelta(c models.OptionContract, underlyingPrice float64) float64 {
	if underlyingPrice <= 0 {
		return 0
	}
	moneyness := (underlyingPrice - c.Strike) / underlyingPrice
	d := 0.5 + moneyness*2
	if c.Right == models.RightPut {
		d = -(1 - d)
	}
	if d > 1 {
		d = 1
	}
	if d < -1 {
		d = -1
	}
	return d
}
