package auction

import (
	"fmt"
	"sort"
	"time"
)

// IncrementTier applies Step once the current high bid reaches From.
type IncrementTier struct {
	From int64 `json:"from"`
	Step int64 `json:"step"`
}

// IncrementPolicy computes the minimum raise over the current high bid.
// Tiers override Flat for high bids at or above their From.
type IncrementPolicy struct {
	Flat  int64           `json:"flat"`
	Tiers []IncrementTier `json:"tiers,omitempty"`
}

// FlatIncrement is a policy with a single step.
func FlatIncrement(step int64) IncrementPolicy {
	return IncrementPolicy{Flat: step}
}

// Step returns the increment that applies above current.
func (p IncrementPolicy) Step(current int64) int64 {
	step := p.Flat
	for _, tier := range p.Tiers {
		if current >= tier.From {
			step = tier.Step
		}
	}
	return step
}

// Validate checks steps are non-negative and tiers ascend.
func (p IncrementPolicy) Validate() error {
	if p.Flat < 0 {
		return fmt.Errorf("%w: increment must not be negative", ErrInvalidPolicy)
	}
	if !sort.SliceIsSorted(p.Tiers, func(i, j int) bool { return p.Tiers[i].From < p.Tiers[j].From }) {
		return fmt.Errorf("%w: increment tiers must ascend", ErrInvalidPolicy)
	}
	for i, tier := range p.Tiers {
		if tier.Step < 0 || tier.From < 0 {
			return fmt.Errorf("%w: increment tier %d is negative", ErrInvalidPolicy, i)
		}
		if i > 0 && tier.From == p.Tiers[i-1].From {
			return fmt.Errorf("%w: duplicate increment tier at %d", ErrInvalidPolicy, tier.From)
		}
	}
	return nil
}

// Clone returns a copy that shares no slice storage with p.
func (p IncrementPolicy) Clone() IncrementPolicy {
	c := IncrementPolicy{Flat: p.Flat}
	if len(p.Tiers) > 0 {
		c.Tiers = append([]IncrementTier(nil), p.Tiers...)
	}
	return c
}

// ExtensionPolicy is the soft-close rule for timed lots. A bid landing less
// than Window before close pushes close to bidAt+Increment, never past the
// lot's hard close at auction end + MaxOvertime.
type ExtensionPolicy struct {
	Window      time.Duration
	Increment   time.Duration
	MaxOvertime time.Duration
}

// DefaultExtensionPolicy matches the club rules: 15 minute window, 15 minute
// push, at most one hour past the scheduled end.
func DefaultExtensionPolicy() ExtensionPolicy {
	return ExtensionPolicy{
		Window:      15 * time.Minute,
		Increment:   15 * time.Minute,
		MaxOvertime: time.Hour,
	}
}

// Validate rejects policies where an extension could fail to move close forward.
func (p ExtensionPolicy) Validate() error {
	if p.Window < 0 || p.Increment < 0 || p.MaxOvertime < 0 {
		return fmt.Errorf("%w: extension durations must not be negative", ErrInvalidPolicy)
	}
	if p.Increment < p.Window {
		return fmt.Errorf("%w: extension increment %s is shorter than window %s", ErrInvalidPolicy, p.Increment, p.Window)
	}
	return nil
}

// HardClose is the latest close time for a lot of an auction ending at end.
func (p ExtensionPolicy) HardClose(end time.Time) time.Time {
	return end.Add(p.MaxOvertime)
}

// InWindow reports whether a bid at bidAt lands inside the soft-close window.
func (p ExtensionPolicy) InWindow(closeAt, bidAt time.Time) bool {
	return bidAt.Before(closeAt) && closeAt.Sub(bidAt) < p.Window
}

// Extend returns the close time after a bid at bidAt and whether it moved.
// Close never moves backwards.
func (p ExtensionPolicy) Extend(closeAt, hardCloseAt, bidAt time.Time) (time.Time, bool) {
	if !p.InWindow(closeAt, bidAt) {
		return closeAt, false
	}
	next := bidAt.Add(p.Increment)
	if next.After(hardCloseAt) {
		next = hardCloseAt
	}
	if !next.After(closeAt) {
		return closeAt, false
	}
	return next, true
}
