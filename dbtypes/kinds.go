package dbtypes

import (
	"strings"
	"unicode"
)

// NodeKind is one of the predefined node types, or any custom type entered
// through the "other" field of the admin form.
type NodeKind string

const (
	NodeInfrastructure NodeKind = "infrastructure"
	NodeRoom           NodeKind = "room"
	NodeBarrier        NodeKind = "barrier"
	NodeOutdoor        NodeKind = "outdoor"
	NodeIntermediate   NodeKind = "intermediate"
)

var knownNodeKinds = []NodeKind{NodeInfrastructure, NodeRoom, NodeBarrier, NodeOutdoor, NodeIntermediate}

// ParseNodeKind maps free text onto a NodeKind.  Predefined kinds match
// case-insensitively; anything else becomes a custom kind.
func ParseNodeKind(s string) NodeKind {
	norm := SnakeCase(s)
	for _, k := range knownNodeKinds {
		if string(k) == norm {
			return k
		}
	}
	return NodeKind(norm)
}

// IsCustom reports whether k is outside the predefined set.
func (k NodeKind) IsCustom() bool {
	for _, known := range knownNodeKinds {
		if k == known {
			return false
		}
	}
	return true
}

// PathType describes how an edge is traversed.
type PathType string

const (
	PathViaOverpass  PathType = "via_overpass"
	PathViaUnderpass PathType = "via_underpass"
	PathStairs       PathType = "stairs"
	PathRamp         PathType = "ramp"
)

var knownPathTypes = []PathType{PathViaOverpass, PathViaUnderpass, PathStairs, PathRamp}

// ParsePathType maps free text onto a PathType; custom values are stored in
// snake_case.
func ParsePathType(s string) PathType {
	norm := SnakeCase(s)
	for _, p := range knownPathTypes {
		if string(p) == norm {
			return p
		}
	}
	return PathType(norm)
}

func (p PathType) IsCustom() bool {
	for _, known := range knownPathTypes {
		if p == known {
			return false
		}
	}
	return true
}

// Elevation describes the slope of an edge.
type Elevation string

const (
	ElevationSlopeUp   Elevation = "slope_up"
	ElevationSlopeDown Elevation = "slope_down"
	ElevationFlat      Elevation = "flat"
)

var knownElevations = []Elevation{ElevationSlopeUp, ElevationSlopeDown, ElevationFlat}

func ParseElevation(s string) Elevation {
	norm := SnakeCase(s)
	for _, e := range knownElevations {
		if string(e) == norm {
			return e
		}
	}
	return Elevation(norm)
}

func (e Elevation) IsCustom() bool {
	for _, known := range knownElevations {
		if e == known {
			return false
		}
	}
	return true
}

// SnakeCase lowercases s and joins its words with underscores.  "Via Bridge"
// and "via-bridge" both become "via_bridge".
func SnakeCase(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(s)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, "_")
}
