package swaps

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Tier is one slippage tolerance and the pause taken after it fails.
type Tier struct {
	Slippage decimal.Decimal
	Backoff  time.Duration
}

// Label renders the tier as a percentage, e.g. "1%".
func (t Tier) Label() string {
	return t.Slippage.Mul(hundred).String() + "%"
}

// Schedule is an ordered list of strictly increasing slippage tiers.
type Schedule []Tier

// NewSchedule builds a schedule with the same backoff after every tier.
func NewSchedule(slippages []decimal.Decimal, backoff time.Duration) (Schedule, error) {
	if len(slippages) == 0 {
		return nil, fmt.Errorf("slippage schedule is empty")
	}
	s := make(Schedule, 0, len(slippages))
	for i, sl := range slippages {
		if !sl.IsPositive() || sl.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("slippage tier %s must be between 0 and 1", sl)
		}
		if i > 0 && !sl.GreaterThan(slippages[i-1]) {
			return nil, fmt.Errorf("slippage tiers must be strictly increasing: %s after %s", sl, slippages[i-1])
		}
		s = append(s, Tier{Slippage: sl, Backoff: backoff})
	}
	return s, nil
}

// escalation walks a schedule, moving to the next tier on each failure.
type escalation struct {
	schedule Schedule
	idx      int
	lastErr  error
}

func newEscalation(s Schedule) *escalation {
	return &escalation{schedule: s}
}

// next returns the tier to try, or false once every tier has failed.
func (e *escalation) next() (Tier, bool) {
	if e.done() {
		return Tier{}, false
	}
	return e.schedule[e.idx], true
}

// fail records err against the current tier and advances. It returns the pause to take
// before the next tier, and false when there is no next tier.
func (e *escalation) fail(err error) (time.Duration, bool) {
	e.lastErr = err
	backoff := e.schedule[e.idx].Backoff
	e.idx++
	if e.done() {
		return 0, false
	}
	return backoff, true
}

func (e *escalation) done() bool {
	return e.idx >= len(e.schedule)
}
