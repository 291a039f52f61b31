// Package dbtypes holds the documents stored in the campus map database.
//
// Field names are shared between the document store and the flat JSON
// snapshots consumed by the AR client, so every field carries identical
// firestore and json tags.
package dbtypes

import (
	"time"
)

// Collection names in the document store.
const (
	CollectionMapVersions          = "MapVersions"
	CollectionVersions             = "versions"
	CollectionBuildings            = "Buildings"
	CollectionRooms                = "Rooms"
	CollectionIndoorInfrastructure = "IndoorInfrastructure"
	CollectionInfrastructure       = "Infrastructure"
	CollectionCategories           = "Categories"
	CollectionCampus               = "Campus"
	CollectionActivityLogs         = "ActivityLogs"
	CollectionStaticDataVersions   = "StaticDataVersions"

	// Legacy flat collections.  Only ever written as a mirror of the
	// versioned graph; never read.
	CollectionLegacyNodes = "Nodes"
	CollectionLegacyEdges = "Edges"

	GlobalInfoDoc = "GlobalInfo"
)

// Map is a named campus graph with a version history.
type Map struct {
	ID                  string    `firestore:"map_id" json:"map_id"`
	Name                string    `firestore:"map_name" json:"map_name"`
	CampusIncluded      []string  `firestore:"campus_included" json:"campus_included"`
	CurrentVersion      string    `firestore:"current_version" json:"current_version"`
	CurrentActiveCampus *string   `firestore:"current_active_campus" json:"current_active_campus"`
	CurrentActiveMap    *string   `firestore:"current_active_map" json:"current_active_map"`
	CreatedAt           time.Time `firestore:"created_at" json:"created_at"`
}

// IncludesCampus reports whether campusID is one of the map's campuses.
func (m *Map) IncludesCampus(campusID string) bool {
	for _, c := range m.CampusIncluded {
		if c == campusID {
			return true
		}
	}
	return false
}

// Version is a full snapshot of a map's graph.
type Version struct {
	MapID  string `firestore:"-" json:"-"`
	SemVer string `firestore:"-" json:"-"`

	Nodes []*Node `firestore:"nodes" json:"nodes"`
	Edges []*Edge `firestore:"edges" json:"edges"`

	// UpdateTime is the store's last-write token for the version document.
	// Zero when the document does not exist yet.
	UpdateTime time.Time `firestore:"-" json:"-"`
}

// Clone deep-copies the version's arrays.
func (v *Version) Clone() *Version {
	out := &Version{
		MapID:      v.MapID,
		SemVer:     v.SemVer,
		UpdateTime: v.UpdateTime,
		Nodes:      make([]*Node, 0, len(v.Nodes)+1),
		Edges:      make([]*Edge, 0, len(v.Edges)+1),
	}
	for _, n := range v.Nodes {
		out.Nodes = append(out.Nodes, n.Clone())
	}
	for _, e := range v.Edges {
		c := *e
		out.Edges = append(out.Edges, &c)
	}
	return out
}

// FindNode returns the node with the given ID, or nil.
func (v *Version) FindNode(id string) *Node {
	for _, n := range v.Nodes {
		if n.NodeID == id {
			return n
		}
	}
	return nil
}

// FindEdge returns the edge with the given ID, or nil.
func (v *Version) FindEdge(id string) *Edge {
	for _, e := range v.Edges {
		if e.EdgeID == id {
			return e
		}
	}
	return nil
}

// IndoorPlacement locates a node on a building floor plan.  X and Y are
// floor-plan coordinates, unrelated to the campus plane.
type IndoorPlacement struct {
	Floor int     `firestore:"floor" json:"floor"`
	X     float64 `firestore:"x" json:"x"`
	Y     float64 `firestore:"y" json:"y"`
}

type Node struct {
	NodeID    string   `firestore:"node_id" json:"node_id"`
	Name      string   `firestore:"name" json:"name"`
	Type      NodeKind `firestore:"type" json:"type"`
	Latitude  float64  `firestore:"latitude" json:"latitude"`
	Longitude float64  `firestore:"longitude" json:"longitude"`

	// Campus-plane projection of Latitude/Longitude, in metres.
	XCoordinate float64 `firestore:"x_coordinate" json:"x_coordinate"`
	YCoordinate float64 `firestore:"y_coordinate" json:"y_coordinate"`

	RelatedInfraID string           `firestore:"related_infra_id,omitempty" json:"related_infra_id,omitempty"`
	RelatedRoomID  string           `firestore:"related_room_id,omitempty" json:"related_room_id,omitempty"`
	Indoor         *IndoorPlacement `firestore:"indoor,omitempty" json:"indoor,omitempty"`

	CampusID  string    `firestore:"campus_id" json:"campus_id"`
	IsActive  bool      `firestore:"is_active" json:"is_active"`
	IsDeleted bool      `firestore:"is_deleted" json:"is_deleted"`
	CreatedAt time.Time `firestore:"created_at" json:"created_at"`
}

func (n *Node) Clone() *Node {
	c := *n
	if n.Indoor != nil {
		indoor := *n.Indoor
		c.Indoor = &indoor
	}
	return &c
}

type Edge struct {
	EdgeID string `firestore:"edge_id" json:"edge_id"`

	// Weak references to Node.NodeID, resolved at render time.
	FromNode string `firestore:"from_node" json:"from_node"`
	ToNode   string `firestore:"to_node" json:"to_node"`

	// Great-circle length in metres, computed when the edge was saved.
	Distance float64 `firestore:"distance" json:"distance"`

	PathType   PathType  `firestore:"path_type" json:"path_type"`
	Elevations Elevation `firestore:"elevations" json:"elevations"`

	IsActive  bool      `firestore:"is_active" json:"is_active"`
	IsDeleted bool      `firestore:"is_deleted" json:"is_deleted"`
	CreatedAt time.Time `firestore:"created_at" json:"created_at"`
}

type Building struct {
	BuildingID  string    `firestore:"building_id" json:"building_id"`
	Name        string    `firestore:"name" json:"name"`
	Description string    `firestore:"description" json:"description"`
	CampusID    string    `firestore:"campus_id" json:"campus_id"`
	Floors      int       `firestore:"floors" json:"floors"`
	IsDeleted   bool      `firestore:"is_deleted" json:"is_deleted"`
	CreatedAt   time.Time `firestore:"created_at" json:"created_at"`
}

// Room is an indoor location inside a building.  Rooms were first filed as
// RM-NNN in the Rooms collection and are now IND-NNN in IndoorInfrastructure.
type Room struct {
	RoomID     string    `firestore:"room_id" json:"room_id"`
	Name       string    `firestore:"name" json:"name"`
	BuildingID string    `firestore:"building_id" json:"building_id"`
	CategoryID string    `firestore:"category_id" json:"category_id"`
	Floor      int       `firestore:"floor" json:"floor"`
	IsDeleted  bool      `firestore:"is_deleted" json:"is_deleted"`
	CreatedAt  time.Time `firestore:"created_at" json:"created_at"`
}

type Infrastructure struct {
	InfraID    string    `firestore:"infra_id" json:"infra_id"`
	Name       string    `firestore:"name" json:"name"`
	CategoryID string    `firestore:"category_id" json:"category_id"`
	BuildingID string    `firestore:"building_id,omitempty" json:"building_id,omitempty"`
	CampusID   string    `firestore:"campus_id" json:"campus_id"`
	ImageURL   string    `firestore:"image_url,omitempty" json:"image_url,omitempty"`
	Email      string    `firestore:"email,omitempty" json:"email,omitempty"`
	Phone      string    `firestore:"phone,omitempty" json:"phone,omitempty"`
	IsDeleted  bool      `firestore:"is_deleted" json:"is_deleted"`
	CreatedAt  time.Time `firestore:"created_at" json:"created_at"`
}

type Category struct {
	CategoryID string `firestore:"category_id" json:"category_id"`
	Name       string `firestore:"name" json:"name"`
	Icon       string `firestore:"icon" json:"icon"`

	// Single letter A-Z shown on the map legend.  Unique across categories.
	Legend string `firestore:"legend" json:"legend"`

	IsDeleted bool      `firestore:"is_deleted" json:"is_deleted"`
	CreatedAt time.Time `firestore:"created_at" json:"created_at"`
}

type Campus struct {
	CampusID   string    `firestore:"campus_id" json:"campus_id"`
	CampusName string    `firestore:"campus_name" json:"campus_name"`
	IsDeleted  bool      `firestore:"is_deleted" json:"is_deleted"`
	CreatedAt  time.Time `firestore:"created_at" json:"created_at"`
}

type ActivityLog struct {
	LogID     string    `firestore:"log_id" json:"log_id"`
	Activity  string    `firestore:"activity" json:"activity"`
	Details   string    `firestore:"details" json:"details"`
	Timestamp time.Time `firestore:"timestamp" json:"timestamp"`
}

// GlobalInfo carries one dirty flag per static collection.  A true flag means
// the collection changed since the last snapshot export.
type GlobalInfo struct {
	Buildings      bool `firestore:"buildings" json:"buildings"`
	Campus         bool `firestore:"campus" json:"campus"`
	Categories     bool `firestore:"categories" json:"categories"`
	Infrastructure bool `firestore:"infrastructure" json:"infrastructure"`
	Indoor         bool `firestore:"indoor" json:"indoor"`
	Rooms          bool `firestore:"rooms" json:"rooms"`
	Maps           bool `firestore:"maps" json:"maps"`
}

// Any reports whether any collection is dirty.
func (g *GlobalInfo) Any() bool {
	return g.Buildings || g.Campus || g.Categories || g.Infrastructure || g.Indoor || g.Rooms || g.Maps
}

// Mark sets the dirty flag for the named collection.  Unknown collections are
// ignored.
func (g *GlobalInfo) Mark(collection string) {
	switch collection {
	case CollectionBuildings:
		g.Buildings = true
	case CollectionCampus:
		g.Campus = true
	case CollectionCategories:
		g.Categories = true
	case CollectionInfrastructure:
		g.Infrastructure = true
	case CollectionIndoorInfrastructure:
		g.Indoor = true
	case CollectionRooms:
		g.Rooms = true
	case CollectionMapVersions:
		g.Maps = true
	}
}

// Clear lowers every flag that is raised in exported.
func (g *GlobalInfo) Clear(exported *GlobalInfo) {
	g.Buildings = g.Buildings && !exported.Buildings
	g.Campus = g.Campus && !exported.Campus
	g.Categories = g.Categories && !exported.Categories
	g.Infrastructure = g.Infrastructure && !exported.Infrastructure
	g.Indoor = g.Indoor && !exported.Indoor
	g.Rooms = g.Rooms && !exported.Rooms
	g.Maps = g.Maps && !exported.Maps
}
