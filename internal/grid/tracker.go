// Package grid maps prices onto the configured grid and detects level crossings.
package grid

import (
	"fmt"
	"math"
	"sort"
)

// Policy selects which level to report when one tick crosses several.
type Policy int

const (
	// Nearest reports the first level met in the direction of travel.
	Nearest Policy = iota
	// Lowest reports the lowest-valued crossed level regardless of direction.
	Lowest
)

// ParsePolicy maps the config spelling onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "nearest":
		return Nearest, nil
	case "lowest":
		return Lowest, nil
	default:
		return Nearest, fmt.Errorf("unknown crossing policy %q", s)
	}
}

// Levels is an ascending, duplicate-free list of grid prices.
type Levels []float64

// NewLevels copies, sorts and validates the given prices.
func NewLevels(prices []float64) (Levels, error) {
	if len(prices) == 0 {
		return nil, fmt.Errorf("grid needs at least one level")
	}
	out := make(Levels, len(prices))
	copy(out, prices)
	sort.Float64s(out)
	for i := 1; i < len(out); i++ {
		if out[i] == out[i-1] {
			return nil, fmt.Errorf("duplicate grid level %v", out[i])
		}
	}
	return out, nil
}

// Zone returns the index of the first level >= price, or len(l) when the price is above
// every level.
func (l Levels) Zone(price float64) int {
	return sort.SearchFloat64s(l, price)
}

// Contains reports whether price is one of the levels.
func (l Levels) Contains(price float64) bool {
	i := l.Zone(price)
	return i < len(l) && l[i] == price
}

// Nearest returns the level closest to price. Ties go to the lower level.
func (l Levels) Nearest(price float64) float64 {
	i := l.Zone(price)
	switch {
	case i == 0:
		return l[0]
	case i == len(l):
		return l[len(l)-1]
	}
	if math.Abs(l[i]-price) < math.Abs(price-l[i-1]) {
		return l[i]
	}
	return l[i-1]
}

// crossed returns the levels between prev and cur, inclusive of the boundary reached in the
// direction of travel, ordered by travel.
func (l Levels) crossed(prev, cur float64) []float64 {
	var out []float64
	if cur > prev {
		for _, lvl := range l {
			if prev < lvl && lvl <= cur {
				out = append(out, lvl)
			}
		}
		return out
	}
	for i := len(l) - 1; i >= 0; i-- {
		if cur <= l[i] && l[i] < prev {
			out = append(out, l[i])
		}
	}
	return out
}

// Tracker remembers the last observed price and zone. It is not safe for concurrent use;
// the owner serializes calls.
type Tracker struct {
	levels Levels
	policy Policy

	initialized bool
	lastPrice   float64
	lastZone    int
}

func NewTracker(levels Levels, policy Policy) *Tracker {
	return &Tracker{levels: levels, policy: policy}
}

func (t *Tracker) Levels() Levels { return t.levels }

// Observe feeds one price. The first call only initializes state. Later calls return the
// crossed level when the zone changed; state is updated either way.
func (t *Tracker) Observe(price float64) (float64, bool) {
	zone := t.levels.Zone(price)
	if !t.initialized {
		t.initialized = true
		t.lastPrice, t.lastZone = price, zone
		return 0, false
	}

	prev, prevZone := t.lastPrice, t.lastZone
	t.lastPrice, t.lastZone = price, zone
	if zone == prevZone {
		return 0, false
	}

	crossed := t.levels.crossed(prev, price)
	if len(crossed) == 0 {
		return 0, false
	}
	if t.policy == Lowest {
		lowest := crossed[0]
		for _, lvl := range crossed[1:] {
			if lvl < lowest {
				lowest = lvl
			}
		}
		return lowest, true
	}
	return crossed[0], true
}
