// Package versionstore implements the versioned campus graph.
//
// Every map points at one current version.  A version document holds the
// map's entire node and edge arrays.  Edits either overwrite the current
// version in place, or fork: copy the current arrays forward with the edit
// applied into a new version document, then move the map's pointer.
//
// The source of truth for concurrency control is the backend.  A fork writes
// the new version document and compare-and-swaps the pointer in one
// transaction; overwrites carry the version document's last update time.  A
// writer that loses either race gets dbtypes.ErrVersionConflict (or another
// dbtypes.ErrConflict) and nothing is retried automatically.  Every
// successful write raises the MapVersions export flag.
package versionstore

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"crimson-map/dbtypes"
	"crimson-map/geo"
	"crimson-map/ids"
	"crimson-map/reconcile"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Policy selects how an edit is written.
type Policy string

const (
	// PolicyOverwrite patches the current version document in place.
	PolicyOverwrite Policy = "overwrite"

	// PolicyFork writes a new version and moves the map's pointer to it.
	PolicyFork Policy = "fork"
)

// ParsePolicy accepts "overwrite" and "fork".  The empty string is
// PolicyFork, which keeps an audit trail.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyFork:
		return PolicyFork, nil
	case PolicyOverwrite:
		return PolicyOverwrite, nil
	}
	return "", &dbtypes.ValidationError{Field: "policy", Reason: fmt.Sprintf("unknown policy %q", s)}
}

// Mutation is a single node or edge to write.  Exactly one field is set.
type Mutation struct {
	Node *dbtypes.Node
	Edge *dbtypes.Edge
}

// Result describes a completed write.
type Result struct {
	MapID   string        `json:"map_id"`
	Version string        `json:"version"`
	Forked  bool          `json:"forked"`
	Node    *dbtypes.Node `json:"node,omitempty"`
	Edge    *dbtypes.Edge `json:"edge,omitempty"`
}

// Store applies graph edits on top of a Backend.
type Store struct {
	backend Backend
	origin  geo.Coordinate
	now     func() time.Time
	mirror  bool
}

type StoreOpt func(*Store)

// WithOrigin sets the anchor of the campus plane used for node x/y
// coordinates.
func WithOrigin(origin geo.Coordinate) StoreOpt {
	return func(s *Store) {
		s.origin = origin
	}
}

// WithClock overrides time.Now for created_at stamps.
func WithClock(now func() time.Time) StoreOpt {
	return func(s *Store) {
		s.now = now
	}
}

// WithLegacyMirror copies every node and edge write into the backend's flat
// legacy collections, if the backend supports it.
func WithLegacyMirror() StoreOpt {
	return func(s *Store) {
		s.mirror = true
	}
}

func New(backend Backend, opts ...StoreOpt) *Store {
	s := &Store{
		backend: backend,
		origin:  geo.DefaultOrigin,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func tracer() trace.Tracer {
	return otel.Tracer("crimson-map/versionstore")
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// CreateMap allocates the next MAP-NN id and writes the map with an empty
// v1.0.0.
func (s *Store) CreateMap(ctx context.Context, name string, campuses []string) (m *dbtypes.Map, err error) {
	ctx, span := tracer().Start(ctx, "Store.CreateMap")
	defer func() { finishSpan(span, err) }()

	if name == "" {
		return nil, dbtypes.Required("map_name")
	}

	existing, err := s.backend.ListMaps(ctx)
	if err != nil {
		return nil, fmt.Errorf("while listing maps: %w", err)
	}
	var existingIDs []string
	for _, em := range existing {
		existingIDs = append(existingIDs, em.ID)
	}

	m = &dbtypes.Map{
		ID:             ids.Next(existingIDs, ids.MapPrefix, ids.NarrowWidth),
		Name:           name,
		CampusIncluded: append([]string{}, campuses...),
		CurrentVersion: dbtypes.InitialVersion,
		CreatedAt:      s.now(),
	}
	initial := &dbtypes.Version{
		MapID:  m.ID,
		SemVer: dbtypes.InitialVersion,
		Nodes:  []*dbtypes.Node{},
		Edges:  []*dbtypes.Edge{},
	}

	if err := s.backend.CreateMap(ctx, m, initial); err != nil {
		return nil, fmt.Errorf("while creating map %s: %w", m.ID, err)
	}

	slog.InfoContext(ctx, "Created map", slog.String("map", m.ID), slog.String("name", name))
	return m, nil
}

func (s *Store) Map(ctx context.Context, mapID string) (*dbtypes.Map, error) {
	return s.backend.GetMap(ctx, mapID)
}

// Maps lists every map, ordered by id.
func (s *Store) Maps(ctx context.Context) ([]*dbtypes.Map, error) {
	maps, err := s.backend.ListMaps(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(maps, func(i, j int) bool { return maps[i].ID < maps[j].ID })
	return maps, nil
}

// MapForCampus returns the lowest-id map that includes campusID.
func (s *Store) MapForCampus(ctx context.Context, campusID string) (*dbtypes.Map, error) {
	maps, err := s.backend.MapsForCampus(ctx, campusID)
	if err != nil {
		return nil, fmt.Errorf("while finding map for campus %s: %w", campusID, err)
	}
	if len(maps) == 0 {
		return nil, fmt.Errorf("campus %s: %w", campusID, dbtypes.ErrNoMapForCampus)
	}
	sort.Slice(maps, func(i, j int) bool { return maps[i].ID < maps[j].ID })
	return maps[0], nil
}

// DeleteMap hard-deletes a map and all of its versions.
func (s *Store) DeleteMap(ctx context.Context, mapID string) error {
	if _, err := s.backend.GetMap(ctx, mapID); err != nil {
		return err
	}
	if err := s.backend.DeleteMap(ctx, mapID); err != nil {
		return fmt.Errorf("while deleting map %s: %w", mapID, err)
	}
	slog.InfoContext(ctx, "Deleted map", slog.String("map", mapID))
	return nil
}

// SetActive records campusID as the map's active campus and the map itself as
// the active map.  The current version is unaffected.
func (s *Store) SetActive(ctx context.Context, mapID, campusID string) error {
	m, err := s.backend.GetMap(ctx, mapID)
	if err != nil {
		return err
	}
	if !m.IncludesCampus(campusID) {
		return &dbtypes.ValidationError{Field: "campus_id", Reason: fmt.Sprintf("campus %s is not part of map %s", campusID, mapID)}
	}
	if err := s.backend.SetActivePointers(ctx, mapID, &campusID, &mapID); err != nil {
		return fmt.Errorf("while setting active campus of %s: %w", mapID, err)
	}
	return nil
}

// Current reads the map's current version.  A version document that does
// not exist reads as empty arrays.
func (s *Store) Current(ctx context.Context, mapID string) (v *dbtypes.Version, err error) {
	ctx, span := tracer().Start(ctx, "Store.Current")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("map", mapID))

	m, err := s.backend.GetMap(ctx, mapID)
	if err != nil {
		return nil, err
	}
	return s.readVersion(ctx, mapID, m.CurrentVersion)
}

// Version reads one specific version.
func (s *Store) Version(ctx context.Context, mapID, semver string) (*dbtypes.Version, error) {
	if _, err := s.backend.GetMap(ctx, mapID); err != nil {
		return nil, err
	}
	v, ok, err := s.backend.GetVersion(ctx, mapID, semver)
	if err != nil {
		return nil, fmt.Errorf("while reading version %s of %s: %w", semver, mapID, err)
	}
	if !ok {
		return nil, fmt.Errorf("version %s of map %s: %w", semver, mapID, dbtypes.ErrNotFound)
	}
	return v, nil
}

// Versions lists the map's versions, oldest first.
func (s *Store) Versions(ctx context.Context, mapID string) ([]string, error) {
	if _, err := s.backend.GetMap(ctx, mapID); err != nil {
		return nil, err
	}
	names, err := s.backend.ListVersions(ctx, mapID)
	if err != nil {
		return nil, fmt.Errorf("while listing versions of %s: %w", mapID, err)
	}
	SortVersions(names)
	return names, nil
}

// SortVersions orders semver strings ascending.  Unparseable names sort
// first, lexically.
func SortVersions(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		a, errA := dbtypes.ParseSemVer(names[i])
		b, errB := dbtypes.ParseSemVer(names[j])
		switch {
		case errA != nil && errB != nil:
			return names[i] < names[j]
		case errA != nil:
			return true
		case errB != nil:
			return false
		}
		return a.Less(b)
	})
}

// UpdateCurrentVersion moves the map's pointer from expected to next, or
// returns dbtypes.ErrVersionConflict.
func (s *Store) UpdateCurrentVersion(ctx context.Context, mapID, expected, next string) error {
	return s.backend.UpdateCurrentVersion(ctx, mapID, expected, next)
}

func (s *Store) readVersion(ctx context.Context, mapID, semver string) (*dbtypes.Version, error) {
	v, ok, err := s.backend.GetVersion(ctx, mapID, semver)
	if err != nil {
		return nil, fmt.Errorf("while reading version %s of %s: %w", semver, mapID, err)
	}
	if !ok {
		slog.InfoContext(ctx, "Current version document is missing; reading as empty", slog.String("map", mapID), slog.String("version", semver))
		return &dbtypes.Version{
			MapID:  mapID,
			SemVer: semver,
			Nodes:  []*dbtypes.Node{},
			Edges:  []*dbtypes.Edge{},
		}, nil
	}
	return v, nil
}

// Overwrite writes mut into the current version document.
func (s *Store) Overwrite(ctx context.Context, mapID string, mut Mutation) (*Result, error) {
	return s.mutate(ctx, mapID, PolicyOverwrite, func(*dbtypes.Version) (Mutation, error) {
		return mut, nil
	})
}

// Fork writes the current version plus mut as a new version and makes it
// current.
func (s *Store) Fork(ctx context.Context, mapID string, mut Mutation) (*Result, error) {
	return s.mutate(ctx, mapID, PolicyFork, func(*dbtypes.Version) (Mutation, error) {
		return mut, nil
	})
}

// mutate reads the current version, lets build derive the mutation from it,
// and writes according to policy.  build runs before any write; an error from
// it aborts the operation.
func (s *Store) mutate(ctx context.Context, mapID string, policy Policy, build func(cur *dbtypes.Version) (Mutation, error)) (res *Result, err error) {
	ctx, span := tracer().Start(ctx, "Store.mutate")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("map", mapID), attribute.String("policy", string(policy)))

	m, err := s.backend.GetMap(ctx, mapID)
	if err != nil {
		return nil, err
	}

	cur, err := s.readVersion(ctx, mapID, m.CurrentVersion)
	if err != nil {
		return nil, err
	}

	mut, err := build(cur)
	if err != nil {
		return nil, err
	}
	if (mut.Node == nil) == (mut.Edge == nil) {
		return nil, fmt.Errorf("mutation must carry exactly one of node or edge")
	}

	next := cur.Clone()
	apply(next, mut)

	res = &Result{MapID: mapID, Node: mut.Node, Edge: mut.Edge}

	switch policy {
	case PolicyOverwrite:
		if err := s.backend.ReplaceVersion(ctx, next); err != nil {
			return nil, fmt.Errorf("while overwriting %s of %s: %w", next.SemVer, mapID, err)
		}
		res.Version = next.SemVer

	case PolicyFork:
		nextVersion, err := dbtypes.NextVersion(m.CurrentVersion)
		if err != nil {
			return nil, fmt.Errorf("while computing next version of %s: %w", mapID, err)
		}
		next.SemVer = nextVersion
		next.UpdateTime = time.Time{}

		if err := s.backend.ForkVersion(ctx, next, m.CurrentVersion); err != nil {
			return nil, fmt.Errorf("while forking %s to %s: %w", m.CurrentVersion, nextVersion, err)
		}
		res.Version = nextVersion
		res.Forked = true

	default:
		return nil, fmt.Errorf("unknown policy %q", policy)
	}

	// The graph is already written; a lost flag only delays the next export.
	if err := s.backend.MarkDirty(ctx, dbtypes.CollectionMapVersions); err != nil {
		slog.ErrorContext(ctx, "Failed to mark map versions dirty", slog.String("map", mapID), slog.Any("err", err))
	}

	if s.mirror {
		if err := s.mirrorWrite(ctx, mut); err != nil {
			return nil, fmt.Errorf("while mirroring to legacy collections: %w", err)
		}
	}

	slog.InfoContext(ctx, "Wrote map version",
		slog.String("map", mapID),
		slog.String("policy", string(policy)),
		slog.String("from", m.CurrentVersion),
		slog.String("version", res.Version),
	)
	return res, nil
}

func (s *Store) mirrorWrite(ctx context.Context, mut Mutation) error {
	mirror, ok := s.backend.(LegacyMirror)
	if !ok {
		return nil
	}
	if mut.Node != nil {
		return mirror.MirrorNode(ctx, mut.Node)
	}
	return mirror.MirrorEdge(ctx, mut.Edge)
}

// apply splices the mutation into v: an element with the same id is replaced
// in position, otherwise the element is appended.
func apply(v *dbtypes.Version, mut Mutation) {
	if mut.Node != nil {
		n := mut.Node.Clone()
		for i, existing := range v.Nodes {
			if existing.NodeID == n.NodeID {
				v.Nodes[i] = n
				return
			}
		}
		v.Nodes = append(v.Nodes, n)
		return
	}

	e := *mut.Edge
	for i, existing := range v.Edges {
		if existing.EdgeID == e.EdgeID {
			v.Edges[i] = &e
			return
		}
	}
	v.Edges = append(v.Edges, &e)
}

// SaveNode validates n and writes it into the map that includes its campus.
// A node without an id is allocated the next ND-NNN of that map.  The
// campus-plane coordinates are always recomputed from latitude/longitude.
func (s *Store) SaveNode(ctx context.Context, n *dbtypes.Node, policy Policy) (*Result, error) {
	if err := validateNode(n); err != nil {
		return nil, err
	}

	m, err := s.MapForCampus(ctx, n.CampusID)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, m.ID, policy, func(cur *dbtypes.Version) (Mutation, error) {
		node := n.Clone()
		node.Type = dbtypes.ParseNodeKind(string(node.Type))

		if node.NodeID == "" {
			node.NodeID = ids.Next(nodeIDs(cur.Nodes), ids.NodePrefix, ids.WideWidth)
		}
		if existing := cur.FindNode(node.NodeID); existing != nil && node.CreatedAt.IsZero() {
			node.CreatedAt = existing.CreatedAt
		}
		if node.CreatedAt.IsZero() {
			node.CreatedAt = s.now()
		}

		p := geo.ProjectToPlane(node.Latitude, node.Longitude, s.origin)
		node.XCoordinate = round2(p.X)
		node.YCoordinate = round2(p.Y)

		return Mutation{Node: node}, nil
	})
}

// SaveEdge validates e against the current version of mapID and writes it.
// Both endpoints must exist in the current version; the distance is always
// recomputed from their coordinates.
func (s *Store) SaveEdge(ctx context.Context, mapID string, e *dbtypes.Edge, policy Policy) (*Result, error) {
	if e.FromNode == "" {
		return nil, dbtypes.Required("from_node")
	}
	if e.ToNode == "" {
		return nil, dbtypes.Required("to_node")
	}
	if e.PathType != "" && dbtypes.ParsePathType(string(e.PathType)) == "" {
		return nil, &dbtypes.ValidationError{Field: "path_type", Reason: "no letters or digits"}
	}
	if e.Elevations != "" && dbtypes.ParseElevation(string(e.Elevations)) == "" {
		return nil, &dbtypes.ValidationError{Field: "elevations", Reason: "no letters or digits"}
	}

	return s.mutate(ctx, mapID, policy, func(cur *dbtypes.Version) (Mutation, error) {
		distance, err := reconcile.EdgeDistance(cur.Nodes, e.FromNode, e.ToNode)
		if err != nil {
			return Mutation{}, err
		}

		edge := *e
		edge.Distance = distance
		edge.PathType = dbtypes.ParsePathType(string(edge.PathType))
		edge.Elevations = dbtypes.ParseElevation(string(edge.Elevations))

		if edge.EdgeID == "" {
			edge.EdgeID = ids.Next(edgeIDs(cur.Edges), ids.EdgePrefix, ids.WideWidth)
		}
		if existing := cur.FindEdge(edge.EdgeID); existing != nil && edge.CreatedAt.IsZero() {
			edge.CreatedAt = existing.CreatedAt
		}
		if edge.CreatedAt.IsZero() {
			edge.CreatedAt = s.now()
		}

		return Mutation{Edge: &edge}, nil
	})
}

// DeleteNode soft-deletes a node.  The node stays in the array with
// is_deleted set, so every version remains a complete snapshot.
func (s *Store) DeleteNode(ctx context.Context, mapID, nodeID string, policy Policy) (*Result, error) {
	return s.mutate(ctx, mapID, policy, func(cur *dbtypes.Version) (Mutation, error) {
		existing := cur.FindNode(nodeID)
		if existing == nil {
			return Mutation{}, fmt.Errorf("node %s: %w", nodeID, dbtypes.ErrEntityNotFound)
		}
		node := existing.Clone()
		node.IsDeleted = true
		return Mutation{Node: node}, nil
	})
}

// DeleteEdge soft-deletes an edge.
func (s *Store) DeleteEdge(ctx context.Context, mapID, edgeID string, policy Policy) (*Result, error) {
	return s.mutate(ctx, mapID, policy, func(cur *dbtypes.Version) (Mutation, error) {
		existing := cur.FindEdge(edgeID)
		if existing == nil {
			return Mutation{}, fmt.Errorf("edge %s: %w", edgeID, dbtypes.ErrEntityNotFound)
		}
		edge := *existing
		edge.IsDeleted = true
		return Mutation{Edge: &edge}, nil
	})
}

// NextNodeID previews the id SaveNode would allocate in mapID.
func (s *Store) NextNodeID(ctx context.Context, mapID string) (string, error) {
	cur, err := s.Current(ctx, mapID)
	if err != nil {
		return "", err
	}
	return ids.Next(nodeIDs(cur.Nodes), ids.NodePrefix, ids.WideWidth), nil
}

// NextEdgeID previews the id SaveEdge would allocate in mapID.
func (s *Store) NextEdgeID(ctx context.Context, mapID string) (string, error) {
	cur, err := s.Current(ctx, mapID)
	if err != nil {
		return "", err
	}
	return ids.Next(edgeIDs(cur.Edges), ids.EdgePrefix, ids.WideWidth), nil
}

func validateNode(n *dbtypes.Node) error {
	if n.Name == "" {
		return dbtypes.Required("name")
	}
	if n.CampusID == "" {
		return dbtypes.Required("campus_id")
	}
	if dbtypes.ParseNodeKind(string(n.Type)) == "" {
		return dbtypes.Required("type")
	}
	if n.Latitude == 0 && n.Longitude == 0 {
		return dbtypes.Required("coordinates")
	}
	if n.Latitude < -90 || n.Latitude > 90 {
		return &dbtypes.ValidationError{Field: "latitude", Reason: "out of range"}
	}
	if n.Longitude < -180 || n.Longitude > 180 {
		return &dbtypes.ValidationError{Field: "longitude", Reason: "out of range"}
	}
	return nil
}

func nodeIDs(nodes []*dbtypes.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.NodeID)
	}
	return out
}

func edgeIDs(edges []*dbtypes.Edge) []string {
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.EdgeID)
	}
	return out
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
