package partition

import (
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// EffectiveKey hashes a partition-key value into the effective key space.
// Every logical partition maps to exactly one effective key.
func EffectiveKey(partitionKeyValue string) uint64 {
	return xxhash.Sum64String(partitionKeyValue)
}

// KeyRange is an inclusive range [Low, High] of effective keys.
type KeyRange struct {
	Low  uint64 `json:"low"`
	High uint64 `json:"high"`
}

// FullRange covers the entire effective key space.
func FullRange() KeyRange {
	return KeyRange{Low: 0, High: math.MaxUint64}
}

// Contains reports whether epk falls inside the range.
func (r KeyRange) Contains(epk uint64) bool {
	return epk >= r.Low && epk <= r.High
}

// Overlaps reports whether the two ranges share at least one key.
func (r KeyRange) Overlaps(other KeyRange) bool {
	return r.Low <= other.High && other.Low <= r.High
}

// Intersect returns the shared sub-range, if any.
func (r KeyRange) Intersect(other KeyRange) (KeyRange, bool) {
	if !r.Overlaps(other) {
		return KeyRange{}, false
	}
	out := r
	if other.Low > out.Low {
		out.Low = other.Low
	}
	if other.High < out.High {
		out.High = other.High
	}
	return out, true
}

// Splittable reports whether the range holds more than one key.
func (r KeyRange) Splittable() bool {
	return r.High > r.Low
}

// Halves splits the range at its midpoint into two adjacent ranges.
func (r KeyRange) Halves() (KeyRange, KeyRange) {
	mid := r.Low + (r.High-r.Low)/2
	return KeyRange{Low: r.Low, High: mid}, KeyRange{Low: mid + 1, High: r.High}
}

func (r KeyRange) String() string {
	return fmt.Sprintf("[%016x-%016x]", r.Low, r.High)
}
