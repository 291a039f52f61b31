package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"crimson-map/catalog"
	"crimson-map/dbtypes"
	"crimson-map/localdb"
	"crimson-map/versionstore"
)

func readJSON(t *testing.T, dir, name string, out interface{}) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("Unexpected error reading %s: %v", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("Unexpected error decoding %s: %v", name, err)
	}
}

func TestEndToEndExport(t *testing.T) {
	ctx := context.Background()
	db, err := localdb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Unexpected error opening db: %v", err)
	}
	defer db.Close()

	store := versionstore.New(db)
	cat := catalog.New(db)

	m, err := store.CreateMap(ctx, "Main Campus", []string{"CAMP-01"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m.ID != "MAP-01" {
		t.Fatalf("Got map %s, want MAP-01", m.ID)
	}

	for _, n := range []*dbtypes.Node{
		{Name: "Gym", Type: dbtypes.NodeInfrastructure, Latitude: 6.9134, Longitude: 122.0637, CampusID: "CAMP-01", IsActive: true},
		{Name: "Room 101", Type: dbtypes.NodeRoom, Latitude: 6.9140, Longitude: 122.0641, CampusID: "CAMP-01", IsActive: true},
	} {
		if _, err := store.SaveNode(ctx, n, versionstore.PolicyFork); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if _, err := store.SaveEdge(ctx, m.ID, &dbtypes.Edge{FromNode: "ND-001", ToNode: "ND-002", IsActive: true}, versionstore.PolicyFork); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if _, err := cat.SaveCampus(ctx, &dbtypes.Campus{CampusName: "Main"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	dir := t.TempDir()
	if err := New(store, cat).WriteAll(ctx, &DirSink{Dir: dir}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var nodes []*dbtypes.Node
	readJSON(t, dir, "nodes_MAP-01.json", &nodes)
	if len(nodes) != 2 {
		t.Errorf("Got %d nodes, want 2", len(nodes))
	}

	var edges []*dbtypes.Edge
	readJSON(t, dir, "edges_MAP-01.json", &edges)
	if len(edges) != 1 || edges[0].Distance <= 0 {
		t.Errorf("Got edges %+v, want one with positive distance", edges)
	}

	var maps []*dbtypes.Map
	readJSON(t, dir, MapsFile, &maps)
	if len(maps) != 1 || maps[0].CurrentVersion != "v1.0.3" {
		t.Errorf("Got maps %+v, want MAP-01 at v1.0.3", maps)
	}

	var campus []*dbtypes.Campus
	readJSON(t, dir, CampusFile, &campus)
	if len(campus) != 1 || campus[0].CampusID != "CAMP-01" {
		t.Errorf("Got campus %+v", campus)
	}

	// Empty collections are arrays, not null.
	for _, name := range []string{InfrastructureFile, CategoriesFile, BuildingsFile, RoomsFile, IndoorFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if string(data) != "[]" {
			t.Errorf("%s = %s, want []", name, data)
		}
	}
}

func TestMapSnapshotFieldNames(t *testing.T) {
	ctx := context.Background()
	db, err := localdb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Unexpected error opening db: %v", err)
	}
	defer db.Close()

	store := versionstore.New(db)
	m, err := store.CreateMap(ctx, "Main", []string{"CAMP-01"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := store.SaveNode(ctx, &dbtypes.Node{Name: "Gate", Type: dbtypes.NodeOutdoor, Latitude: 6.9, Longitude: 122.0, CampusID: "CAMP-01"}, versionstore.PolicyOverwrite); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	snap, err := New(store, catalog.New(db)).MapSnapshot(ctx, m.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if snap.Version != "v1.0.0" || len(snap.Nodes) != 1 {
		t.Fatalf("Got snapshot %+v", snap)
	}

	data, err := json.Marshal(snap.Nodes[0])
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for _, key := range []string{"node_id", "name", "type", "latitude", "longitude", "x_coordinate", "y_coordinate", "campus_id", "is_active", "is_deleted", "created_at"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("Exported node is missing %q", key)
		}
	}
	if _, ok := fields["indoor"]; ok {
		t.Errorf("Exported node carries indoor placement it does not have")
	}
}
