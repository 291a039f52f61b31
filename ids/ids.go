// Package ids allocates the sequential human-readable identifiers used by
// every entity class (ND-012, EDG-007, MAP-01, ...).
//
// Allocation scans existing identifiers and takes max+1.  There is no
// locking: two clients allocating at the same time can get the same ID.
package ids

import (
	"fmt"
	"strconv"
	"strings"
)

// Prefixes and zero-padded widths of each entity class.
const (
	BuildingPrefix = "BLD-"
	NodePrefix     = "ND-"
	EdgePrefix     = "EDG-"
	RoomPrefix     = "IND-"
	CampusPrefix   = "CAMP-"
	MapPrefix      = "MAP-"
	InfraPrefix    = "INFRA-"
	CategoryPrefix = "CAT-"

	// Rooms were allocated under RM- before the switch to IND-.
	LegacyRoomPrefix = "RM-"

	WideWidth   = 3
	NarrowWidth = 2
)

// Next returns prefix followed by one more than the largest numeric suffix in
// existing, zero-padded to width.
//
// An ID is considered if it starts with prefix or any of legacyPrefixes.
// Suffixes that do not parse count as 0, so malformed historical IDs never
// stop allocation.
func Next(existing []string, prefix string, width int, legacyPrefixes ...string) string {
	max := 0
	for _, id := range existing {
		n := suffix(id, prefix, legacyPrefixes)
		if n > max {
			max = n
		}
	}
	return Format(prefix, width, max+1)
}

// Format renders prefix and n zero-padded to width.
func Format(prefix string, width, n int) string {
	return fmt.Sprintf("%s%0*d", prefix, width, n)
}

func suffix(id, prefix string, legacyPrefixes []string) int {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok {
		for _, lp := range legacyPrefixes {
			if rest, ok = strings.CutPrefix(id, lp); ok {
				break
			}
		}
	}
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
