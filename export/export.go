// Package export dumps the current state of every map and the flat static
// collections as JSON files for the AR client.
//
// The client reads these files verbatim, so their names and field names are
// part of its contract.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"crimson-map/dbtypes"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// Names of the map-independent files.
const (
	MapsFile           = "maps.json"
	InfrastructureFile = "infrastructure.json"
	CategoriesFile     = "categories.json"
	CampusFile         = "campus.json"
	BuildingsFile      = "buildings.json"
	RoomsFile          = "rooms.json"
	IndoorFile         = "indoor.json"
)

func NodesFile(mapID string) string {
	return "nodes_" + mapID + ".json"
}

func EdgesFile(mapID string) string {
	return "edges_" + mapID + ".json"
}

// Graph reads maps and their current versions.
type Graph interface {
	Maps(ctx context.Context) ([]*dbtypes.Map, error)
	Current(ctx context.Context, mapID string) (*dbtypes.Version, error)
}

// Static reads the flat collections.
type Static interface {
	Campuses(ctx context.Context) ([]*dbtypes.Campus, error)
	Buildings(ctx context.Context) ([]*dbtypes.Building, error)
	Rooms(ctx context.Context) ([]*dbtypes.Room, error)
	LegacyRooms(ctx context.Context) ([]*dbtypes.Room, error)
	Infrastructures(ctx context.Context) ([]*dbtypes.Infrastructure, error)
	Categories(ctx context.Context) ([]*dbtypes.Category, error)
}

// Sink stores one named file.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
}

// MapSnapshot is a map's current version, as exported.
type MapSnapshot struct {
	MapID   string          `json:"map_id"`
	Version string          `json:"version"`
	Nodes   []*dbtypes.Node `json:"nodes"`
	Edges   []*dbtypes.Edge `json:"edges"`
}

// StaticSnapshot holds every flat collection whole.
type StaticSnapshot struct {
	Infrastructure []*dbtypes.Infrastructure `json:"infrastructure"`
	Categories     []*dbtypes.Category       `json:"categories"`
	Campus         []*dbtypes.Campus         `json:"campus"`
	Buildings      []*dbtypes.Building       `json:"buildings"`
	Rooms          []*dbtypes.Room           `json:"rooms"`
	Indoor         []*dbtypes.Room           `json:"indoor"`
}

type Exporter struct {
	graph  Graph
	static Static
}

func New(graph Graph, static Static) *Exporter {
	return &Exporter{
		graph:  graph,
		static: static,
	}
}

// MapSnapshot returns the full arrays of mapID's current version.  Deleted
// and inactive entries are included; filtering is the client's job.
func (e *Exporter) MapSnapshot(ctx context.Context, mapID string) (*MapSnapshot, error) {
	v, err := e.graph.Current(ctx, mapID)
	if err != nil {
		return nil, fmt.Errorf("while reading current version of %s: %w", mapID, err)
	}
	return &MapSnapshot{
		MapID:   mapID,
		Version: v.SemVer,
		Nodes:   v.Nodes,
		Edges:   v.Edges,
	}, nil
}

func (e *Exporter) StaticSnapshot(ctx context.Context) (*StaticSnapshot, error) {
	s := &StaticSnapshot{}
	var err error
	if s.Infrastructure, err = e.static.Infrastructures(ctx); err != nil {
		return nil, err
	}
	if s.Categories, err = e.static.Categories(ctx); err != nil {
		return nil, err
	}
	if s.Campus, err = e.static.Campuses(ctx); err != nil {
		return nil, err
	}
	if s.Buildings, err = e.static.Buildings(ctx); err != nil {
		return nil, err
	}
	if s.Rooms, err = e.static.LegacyRooms(ctx); err != nil {
		return nil, err
	}
	if s.Indoor, err = e.static.Rooms(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// WriteAll writes every export file to sink.  Maps are exported
// concurrently; the first failure cancels the rest.
func (e *Exporter) WriteAll(ctx context.Context, sink Sink) (err error) {
	ctx, span := otel.Tracer("crimson-map/export").Start(ctx, "Exporter.WriteAll")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	maps, err := e.graph.Maps(ctx)
	if err != nil {
		return fmt.Errorf("while listing maps: %w", err)
	}
	span.SetAttributes(attribute.Int("maps", len(maps)))

	g, gctx := errgroup.WithContext(ctx)

	for _, m := range maps {
		mapID := m.ID
		g.Go(func() error {
			snap, err := e.MapSnapshot(gctx, mapID)
			if err != nil {
				return err
			}
			if err := putJSON(gctx, sink, NodesFile(mapID), nonNil(snap.Nodes)); err != nil {
				return err
			}
			return putJSON(gctx, sink, EdgesFile(mapID), nonNil(snap.Edges))
		})
	}

	g.Go(func() error {
		return putJSON(gctx, sink, MapsFile, nonNil(maps))
	})

	g.Go(func() error {
		s, err := e.StaticSnapshot(gctx)
		if err != nil {
			return fmt.Errorf("while reading static collections: %w", err)
		}
		files := []struct {
			name string
			v    interface{}
		}{
			{InfrastructureFile, nonNil(s.Infrastructure)},
			{CategoriesFile, nonNil(s.Categories)},
			{CampusFile, nonNil(s.Campus)},
			{BuildingsFile, nonNil(s.Buildings)},
			{RoomsFile, nonNil(s.Rooms)},
			{IndoorFile, nonNil(s.Indoor)},
		}
		for _, f := range files {
			if err := putJSON(gctx, sink, f.name, f.v); err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Exported snapshots", slog.Int("maps", len(maps)))
	return nil
}

// nonNil makes empty collections encode as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func putJSON(ctx context.Context, sink Sink, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("while marshaling %s: %w", name, err)
	}
	if err := sink.Put(ctx, name, data); err != nil {
		return fmt.Errorf("while writing %s: %w", name, err)
	}
	return nil
}
