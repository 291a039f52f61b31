// Package reconcile derives the render-time view of a map version: which
// nodes and edges are visible for a campus, and the campus boundary polygons.
//
// Nothing here mutates its inputs.  Dangling edges are hidden, never deleted.
package reconcile

import (
	"fmt"
	"math"
	"sort"

	"crimson-map/dbtypes"
	"crimson-map/geo"
)

// FilterCampus returns the non-deleted nodes of campusID, in input order.
func FilterCampus(nodes []*dbtypes.Node, campusID string) []*dbtypes.Node {
	out := []*dbtypes.Node{}
	for _, n := range nodes {
		if n.CampusID == campusID && !n.IsDeleted {
			out = append(out, n)
		}
	}
	return out
}

// PruneEdges returns the non-deleted edges whose endpoints are both in
// visible.  visible must already be campus-filtered: an edge that is valid in
// one campus context is invalid in another.
func PruneEdges(visible []*dbtypes.Node, edges []*dbtypes.Edge) []*dbtypes.Edge {
	ids := make(map[string]bool, len(visible))
	for _, n := range visible {
		ids[n.NodeID] = true
	}

	out := []*dbtypes.Edge{}
	for _, e := range edges {
		if e.IsDeleted {
			continue
		}
		if !ids[e.FromNode] || !ids[e.ToNode] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Polygon is a closed campus boundary.  The last vertex connects back to the
// first.
type Polygon struct {
	CampusID string          `json:"campus_id"`
	Centroid geo.Coordinate  `json:"centroid"`
	Vertices []*dbtypes.Node `json:"vertices"`
}

// BarrierPolygons builds one polygon per campus from the barrier nodes in
// visible.  Vertices are ordered by their angle around the group centroid,
// ascending, with ties kept in input order.
//
// This is an angular sort, not a hull: barriers that are not star-shaped
// around their centroid produce a self-intersecting polygon.
func BarrierPolygons(visible []*dbtypes.Node) []Polygon {
	var order []string
	groups := map[string][]*dbtypes.Node{}
	for _, n := range visible {
		if n.Type != dbtypes.NodeBarrier {
			continue
		}
		if _, ok := groups[n.CampusID]; !ok {
			order = append(order, n.CampusID)
		}
		groups[n.CampusID] = append(groups[n.CampusID], n)
	}

	out := make([]Polygon, 0, len(order))
	for _, campusID := range order {
		members := groups[campusID]

		var c geo.Coordinate
		for _, n := range members {
			c.Lat += n.Latitude
			c.Lng += n.Longitude
		}
		c.Lat /= float64(len(members))
		c.Lng /= float64(len(members))

		vertices := append([]*dbtypes.Node(nil), members...)
		sort.SliceStable(vertices, func(i, j int) bool {
			return angle(vertices[i], c) < angle(vertices[j], c)
		})

		out = append(out, Polygon{CampusID: campusID, Centroid: c, Vertices: vertices})
	}
	return out
}

func angle(n *dbtypes.Node, c geo.Coordinate) float64 {
	return math.Atan2(n.Longitude-c.Lng, n.Latitude-c.Lat)
}

// View is what the admin map renders for one campus.
type View struct {
	CampusID string          `json:"campus_id"`
	Version  string          `json:"version"`
	Nodes    []*dbtypes.Node `json:"nodes"`
	Edges    []*dbtypes.Edge `json:"edges"`
	Barriers []Polygon       `json:"barriers"`
}

// BuildView filters v down to campusID.
func BuildView(v *dbtypes.Version, campusID string) *View {
	nodes := FilterCampus(v.Nodes, campusID)
	return &View{
		CampusID: campusID,
		Version:  v.SemVer,
		Nodes:    nodes,
		Edges:    PruneEdges(nodes, v.Edges),
		Barriers: BarrierPolygons(nodes),
	}
}

// EdgeDistance looks up the endpoints of an edge among nodes and returns
// their great-circle distance rounded to centimetres.
func EdgeDistance(nodes []*dbtypes.Node, fromID, toID string) (float64, error) {
	var from, to *dbtypes.Node
	for _, n := range nodes {
		if n.NodeID == fromID {
			from = n
		}
		if n.NodeID == toID {
			to = n
		}
	}
	if from == nil || to == nil {
		return 0, fmt.Errorf("edge %s -> %s: %w", fromID, toID, dbtypes.ErrEndpointNotFound)
	}
	return geo.RoundedDistance(from.Latitude, from.Longitude, to.Latitude, to.Longitude), nil
}
