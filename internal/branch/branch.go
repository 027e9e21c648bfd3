// Package branch encodes branch coordinates for conversation storage.
//
// A coordinate is one sibling-choice value per decision point (a user-message
// position where at least one alternative version exists). Coordinates map to
// storage keys like "0", "1" or "0_1"; trailing zeros are implicit, so [0],
// [0,0,0] and the empty coordinate all name the default branch.
package branch

import (
	"fmt"
	"strconv"
	"strings"
)

// Coordinate is an ordered sequence of non-negative sibling-choice values.
type Coordinate []int

// Canonical returns the coordinate with trailing zeros stripped.
// The canonical default branch is [0], never the empty slice.
func Canonical(c Coordinate) Coordinate {
	n := len(c)
	for n > 1 && c[n-1] == 0 {
		n--
	}
	if n == 0 {
		return Coordinate{0}
	}
	out := make(Coordinate, n)
	copy(out, c[:n])
	return out
}

// Encode serializes a coordinate to its storage key. Trailing zeros are
// stripped first, so Encode([0]) == Encode([0,0,0]) == "0".
func Encode(c Coordinate) string {
	c = Canonical(c)
	parts := make([]string, 0, len(c))
	for _, v := range c {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, "_")
}

// EncodeVerbatim serializes a coordinate without canonicalizing, preserving
// trailing zeros. Used to address physical keys that were created in
// non-canonical form.
func EncodeVerbatim(c Coordinate) string {
	if len(c) == 0 {
		return "0"
	}
	parts := make([]string, 0, len(c))
	for _, v := range c {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, "_")
}

// Decode parses a storage key back into a coordinate.
//
// Keys written by forks are not always canonical ("0_1_0" is a legal physical
// key), so Decode preserves exactly what was stored; canonicalization is left
// to Pad-based comparison. A malformed key means corrupt storage.
func Decode(key string) (Coordinate, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("empty branch key")
	}
	parts := strings.Split(key, "_")
	out := make(Coordinate, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("malformed branch key %q: %w", key, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("malformed branch key %q: negative value", key)
		}
		out = append(out, v)
	}
	return out, nil
}

// Pad returns a copy of c with length exactly n, extended with zeros or
// truncated as needed.
func Pad(c Coordinate, n int) Coordinate {
	if n < 0 {
		n = 0
	}
	out := make(Coordinate, n)
	copy(out, c)
	return out
}

// PrefixEqual reports whether a and b agree on the first n entries after
// zero-padding. This defines sibling grouping: two branches are siblings at
// decision point n iff their coordinates are prefix-equal up to n.
func PrefixEqual(a, b Coordinate, n int) bool {
	pa, pb := Pad(a, n), Pad(b, n)
	for i := 0; i < n; i++ {
		if pa[i] != pb[i] {
			return false
		}
	}
	return true
}

// ValueAt returns the sibling-choice value of c at decision point k,
// treating missing entries as zero.
func ValueAt(c Coordinate, k int) int {
	if k < 0 {
		return 0
	}
	if k < len(c) {
		return c[k]
	}
	return 0
}

// Equal reports whether a and b name the same branch (canonical equality).
func Equal(a, b Coordinate) bool {
	ca, cb := Canonical(a), Canonical(b)
	if len(ca) != len(cb) {
		return false
	}
	for i := range ca {
		if ca[i] != cb[i] {
			return false
		}
	}
	return true
}

// Less orders coordinates by zero-padded elementwise comparison. It is the
// tie-break used to snap to the lowest downstream key when switching
// branches.
func Less(a, b Coordinate) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		av, bv := ValueAt(a, i), ValueAt(b, i)
		if av != bv {
			return av < bv
		}
	}
	return false
}
