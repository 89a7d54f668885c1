package grid

import (
	"errors"
	"fmt"
)

// Level is an immutable spread threshold with a position-size weight.
type Level struct {
	Threshold float64
	Weight    float64
}

// Slot tracks which paired position, if any, occupies a grid level.
// Both leg refs are set together when an open settles and cleared
// together when a close settles.
type Slot struct {
	LegARef string
	LegBRef string
}

func (s Slot) Occupied() bool {
	return s.LegARef != "" || s.LegBRef != ""
}

// Registry holds one slot per configured level, index-aligned with the
// ascending level set. Slots persist for the process lifetime and are
// cleared, never destroyed. Owned by the engine goroutine.
type Registry struct {
	levels       []Level
	slots        []Slot
	baseNotional float64
}

func NewRegistry(levels []Level, baseNotional float64) (*Registry, error) {
	if len(levels) == 0 {
		return nil, errors.New("at least one grid level is required")
	}
	if baseNotional <= 0 {
		return nil, errors.New("base notional per level must be > 0")
	}
	prev := 0.0
	for i, lv := range levels {
		if lv.Threshold <= 0 {
			return nil, fmt.Errorf("grid level %d: threshold must be > 0", i)
		}
		if lv.Threshold <= prev {
			return nil, fmt.Errorf("grid levels must be ascending and unique, got %v after %v", lv.Threshold, prev)
		}
		prev = lv.Threshold
	}
	return &Registry{
		levels:       append([]Level(nil), levels...),
		slots:        make([]Slot, len(levels)),
		baseNotional: baseNotional,
	}, nil
}

func (r *Registry) Len() int { return len(r.levels) }

func (r *Registry) Level(i int) Level { return r.levels[i] }

func (r *Registry) Slot(i int) Slot { return r.slots[i] }

func (r *Registry) Occupied(i int) bool { return r.slots[i].Occupied() }

// PrevThreshold returns the next-lower configured threshold, or zero for
// the lowest level. The close pass compares against this, not the slot's
// own threshold, to keep a hysteresis band between open and close.
func (r *Registry) PrevThreshold(i int) float64 {
	if i == 0 {
		return 0
	}
	return r.levels[i-1].Threshold
}

// Notional returns the per-leg notional for a level: base x weight.
func (r *Registry) Notional(i int) float64 {
	w := r.levels[i].Weight
	if w <= 0 {
		w = 1.0
	}
	return r.baseNotional * w
}

// SetRefs populates both leg refs after an open attempt settles.
func (r *Registry) SetRefs(i int, legARef, legBRef string) {
	r.slots[i].LegARef = legARef
	r.slots[i].LegBRef = legBRef
}

// Clear empties a slot after both close legs confirm filled.
func (r *Registry) Clear(i int) {
	r.slots[i] = Slot{}
}

// OccupiedIndexes lists occupied slots in ascending level order.
func (r *Registry) OccupiedIndexes() []int {
	var out []int
	for i := range r.slots {
		if r.slots[i].Occupied() {
			out = append(out, i)
		}
	}
	return out
}

// SeedFromNotional marks slots occupied from the highest level downward
// until the given exposure is consumed, treating a slot as matched when
// the remainder covers at least matchFraction of its two-leg notional.
// Wider grids open later and are less likely to have partially unwound,
// hence the highest-first order. Best-effort restart aid only;
// reconciliation remains authoritative.
func (r *Registry) SeedFromNotional(total float64, matchFraction float64, legARef, legBRef string) int {
	if matchFraction <= 0 || matchFraction > 1 {
		matchFraction = 0.8
	}
	remaining := total
	seeded := 0
	for i := len(r.levels) - 1; i >= 0; i-- {
		slotNotional := 2 * r.Notional(i)
		if remaining < matchFraction*slotNotional {
			continue
		}
		r.slots[i].LegARef = legARef
		r.slots[i].LegBRef = legBRef
		remaining -= slotNotional
		seeded++
		if remaining <= 0 {
			break
		}
	}
	return seeded
}
