// Package arcache is the AR client's side of the snapshot contract: a local
// directory of exported JSON files plus the bookkeeping that decides when
// they are stale.
//
// The cache never changes the contents of an exported file.  Filtering by
// is_active, is_deleted and type happens on the decoded values.
package arcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"crimson-map/dbtypes"
	"crimson-map/export"
)

const StaticDataCacheFile = "static_data_cache.json"

func VersionCacheFile(mapID string) string {
	return "version_cache_" + mapID + ".json"
}

// VersionCache records which version of a map's graph is on disk.
type VersionCache struct {
	MapID          string    `json:"map_id"`
	CachedVersion  string    `json:"cached_version"`
	MapName        string    `json:"map_name"`
	CacheTimestamp time.Time `json:"cache_timestamp"`
}

// StaticDataCache records which flat collections have been synced.
type StaticDataCache struct {
	Buildings      bool      `json:"buildings"`
	Campus         bool      `json:"campus"`
	Categories     bool      `json:"categories"`
	Infrastructure bool      `json:"infrastructure"`
	Indoor         bool      `json:"indoor"`
	Rooms          bool      `json:"rooms"`
	Maps           bool      `json:"maps"`
	CacheTimestamp time.Time `json:"cache_timestamp"`
}

// Complete reports whether every collection has been synced.
func (s *StaticDataCache) Complete() bool {
	return s.Buildings && s.Campus && s.Categories && s.Infrastructure && s.Indoor && s.Rooms && s.Maps
}

// Fresh reports whether a cache written at stamp is younger than maxAge.
// A zero stamp is never fresh.
func Fresh(stamp, now time.Time, maxAge time.Duration) bool {
	if stamp.IsZero() {
		return false
	}
	return now.Sub(stamp) < maxAge
}

// Cache is a directory of exported files.
type Cache struct {
	Dir string
}

func (c *Cache) path(name string) string {
	return filepath.Join(c.Dir, name)
}

// readJSON returns false when the file does not exist.
func (c *Cache) readJSON(name string, out interface{}) (bool, error) {
	data, err := os.ReadFile(c.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("while reading %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("while decoding %s: %w", name, err)
	}
	return true, nil
}

func (c *Cache) writeFile(ctx context.Context, name string, data []byte) error {
	sink := &export.DirSink{Dir: c.Dir}
	return sink.Put(ctx, name, data)
}

func (c *Cache) writeJSON(ctx context.Context, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("while encoding %s: %w", name, err)
	}
	return c.writeFile(ctx, name, data)
}

// VersionCache returns the map's version record, or nil if the map was never
// cached.
func (c *Cache) VersionCache(mapID string) (*VersionCache, error) {
	vc := &VersionCache{}
	ok, err := c.readJSON(VersionCacheFile(mapID), vc)
	if err != nil || !ok {
		return nil, err
	}
	return vc, nil
}

// StaticDataCache returns the sync record; a missing file reads as nothing
// synced.
func (c *Cache) StaticDataCache() (*StaticDataCache, error) {
	sc := &StaticDataCache{}
	if _, err := c.readJSON(StaticDataCacheFile, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

func (c *Cache) Maps() ([]*dbtypes.Map, error) {
	var out []*dbtypes.Map
	_, err := c.readJSON(export.MapsFile, &out)
	return out, err
}

// Nodes loads the cached node array of a map.  A missing file is empty.
func (c *Cache) Nodes(mapID string) ([]*dbtypes.Node, error) {
	var out []*dbtypes.Node
	_, err := c.readJSON(export.NodesFile(mapID), &out)
	return out, err
}

func (c *Cache) Edges(mapID string) ([]*dbtypes.Edge, error) {
	var out []*dbtypes.Edge
	_, err := c.readJSON(export.EdgesFile(mapID), &out)
	return out, err
}

func (c *Cache) Infrastructure() ([]*dbtypes.Infrastructure, error) {
	var out []*dbtypes.Infrastructure
	_, err := c.readJSON(export.InfrastructureFile, &out)
	return out, err
}

func (c *Cache) Categories() ([]*dbtypes.Category, error) {
	var out []*dbtypes.Category
	_, err := c.readJSON(export.CategoriesFile, &out)
	return out, err
}

func (c *Cache) Campus() ([]*dbtypes.Campus, error) {
	var out []*dbtypes.Campus
	_, err := c.readJSON(export.CampusFile, &out)
	return out, err
}

func (c *Cache) Indoor() ([]*dbtypes.Room, error) {
	var out []*dbtypes.Room
	_, err := c.readJSON(export.IndoorFile, &out)
	return out, err
}

// ActiveNodes keeps active, non-deleted nodes.  With kinds given, only nodes
// of those kinds are kept.
func ActiveNodes(nodes []*dbtypes.Node, kinds ...dbtypes.NodeKind) []*dbtypes.Node {
	out := []*dbtypes.Node{}
	for _, n := range nodes {
		if !n.IsActive || n.IsDeleted {
			continue
		}
		if len(kinds) > 0 && !containsKind(kinds, n.Type) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func containsKind(kinds []dbtypes.NodeKind, k dbtypes.NodeKind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

// ActiveEdges keeps active, non-deleted edges.
func ActiveEdges(edges []*dbtypes.Edge) []*dbtypes.Edge {
	out := []*dbtypes.Edge{}
	for _, e := range edges {
		if e.IsActive && !e.IsDeleted {
			out = append(out, e)
		}
	}
	return out
}
