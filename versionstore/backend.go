package versionstore

import (
	"context"

	"crimson-map/dbtypes"
)

// Backend is the document store holding maps and their versions.
//
// Implementations must make CreateMap, ForkVersion, ReplaceVersion and
// UpdateCurrentVersion individually atomic.  Nothing spans calls: the Store
// relies on the preconditions below to detect concurrent writers.
type Backend interface {
	// CreateMap writes m and its initial version together.
	CreateMap(ctx context.Context, m *dbtypes.Map, initial *dbtypes.Version) error

	// GetMap returns dbtypes.ErrMapNotFound when the map does not exist.
	GetMap(ctx context.Context, mapID string) (*dbtypes.Map, error)

	ListMaps(ctx context.Context) ([]*dbtypes.Map, error)

	// MapsForCampus returns the maps whose campus_included contains campusID.
	MapsForCampus(ctx context.Context, campusID string) ([]*dbtypes.Map, error)

	// DeleteMap removes the map and every one of its versions.
	DeleteMap(ctx context.Context, mapID string) error

	// SetActivePointers overwrites current_active_campus and
	// current_active_map.  It never touches current_version.
	SetActivePointers(ctx context.Context, mapID string, activeCampus, activeMap *string) error

	// GetVersion returns the version, a "found" indicator, and an error.
	GetVersion(ctx context.Context, mapID, semver string) (*dbtypes.Version, bool, error)

	ListVersions(ctx context.Context, mapID string) ([]string, error)

	// ForkVersion writes v and swaps the map's current_version from expected
	// to v.SemVer in a single transaction.  Returns dbtypes.ErrVersionConflict
	// when the stored pointer is not expected, and writes nothing in that case.
	// Any document already at v.SemVer is overwritten: the pointer only moves
	// forward, so a version past the current one was never published.
	ForkVersion(ctx context.Context, v *dbtypes.Version, expected string) error

	// ReplaceVersion overwrites both arrays of an existing version document,
	// provided it was last written at v.UpdateTime.  A zero UpdateTime means
	// the document must not exist yet, and dbtypes.ErrVersionExists is
	// returned if it does.  Returns dbtypes.ErrConflict when the precondition
	// fails.
	ReplaceVersion(ctx context.Context, v *dbtypes.Version) error

	// UpdateCurrentVersion swaps the map's current_version from expected to
	// next.  Returns dbtypes.ErrVersionConflict when the stored pointer is not
	// expected.
	UpdateCurrentVersion(ctx context.Context, mapID, expected, next string) error

	// MarkDirty raises the export flag for collection.
	MarkDirty(ctx context.Context, collection string) error
}

// LegacyMirror is implemented by backends that can copy graph writes into
// the flat Nodes/Edges collections read by older clients.
type LegacyMirror interface {
	MirrorNode(ctx context.Context, n *dbtypes.Node) error
	MirrorEdge(ctx context.Context, e *dbtypes.Edge) error
}
