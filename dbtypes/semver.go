package dbtypes

import (
	"fmt"
	"strconv"
	"strings"
)

// InitialVersion is the version every map is created with.
const InitialVersion = "v1.0.0"

// rolloverAt is the last value a patch or minor component takes before it
// carries into the next component.
const rolloverAt = 99

// SemVer is a parsed v{major}.{minor}.{patch} map version.
type SemVer struct {
	Major, Minor, Patch int
}

// ParseSemVer parses "v1.2.3".  The leading "v" is optional.
func ParseSemVer(s string) (SemVer, error) {
	parts := strings.Split(strings.TrimPrefix(s, "v"), ".")
	if len(parts) != 3 {
		return SemVer{}, fmt.Errorf("malformed version %q", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return SemVer{}, fmt.Errorf("malformed version %q", s)
		}
		nums[i] = n
	}
	return SemVer{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v SemVer) String() string {
	return fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Next returns the version a fork of v is written under.  Patch increments
// until it reaches 99, then resets to 0 and carries into minor.  Minor carries
// into major the same way.
func (v SemVer) Next() SemVer {
	if v.Patch < rolloverAt {
		return SemVer{Major: v.Major, Minor: v.Minor, Patch: v.Patch + 1}
	}
	if v.Minor < rolloverAt {
		return SemVer{Major: v.Major, Minor: v.Minor + 1, Patch: 0}
	}
	return SemVer{Major: v.Major + 1, Minor: 0, Patch: 0}
}

// Less orders versions by major, then minor, then patch.
func (v SemVer) Less(o SemVer) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

// NextVersion is Next on the string form.
func NextVersion(s string) (string, error) {
	v, err := ParseSemVer(s)
	if err != nil {
		return "", err
	}
	return v.Next().String(), nil
}
