package exportpoller

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crimson-map/catalog"
	"crimson-map/dbtypes"
	"crimson-map/export"
	"crimson-map/localdb"
	"crimson-map/versionstore"
)

func TestPollExportsOnChange(t *testing.T) {
	ctx := context.Background()
	db, err := localdb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Unexpected error opening db: %v", err)
	}
	defer db.Close()

	store := versionstore.New(db)
	cat := catalog.New(db)
	dir := t.TempDir()
	p := New(export.New(store, cat), store, db, &export.DirSink{Dir: dir}, time.Hour)

	m, err := store.CreateMap(ctx, "Main", []string{"CAMP-01"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// First pass always exports.
	if exported, err := p.Poll(ctx); err != nil || !exported {
		t.Fatalf("Got exported=%v err=%v on first pass", exported, err)
	}
	if _, err := os.Stat(filepath.Join(dir, export.NodesFile(m.ID))); err != nil {
		t.Errorf("Nodes file not written: %v", err)
	}

	if exported, err := p.Poll(ctx); err != nil || exported {
		t.Errorf("Got exported=%v err=%v with nothing changed", exported, err)
	}

	// A fork moves the current version.
	if _, err := store.SaveNode(ctx, &dbtypes.Node{Name: "Gate", Type: dbtypes.NodeOutdoor, Latitude: 6.9, Longitude: 122.0, CampusID: "CAMP-01"}, versionstore.PolicyFork); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if exported, err := p.Poll(ctx); err != nil || !exported {
		t.Errorf("Got exported=%v err=%v after a fork", exported, err)
	}
	if exported, err := p.Poll(ctx); err != nil || exported {
		t.Errorf("Got exported=%v err=%v with nothing changed since the fork", exported, err)
	}

	// An overwrite leaves current_version where it was; only the dirty flag
	// tells the poller about it.
	if _, err := store.SaveNode(ctx, &dbtypes.Node{NodeID: "ND-001", Name: "North Gate", Type: dbtypes.NodeOutdoor, Latitude: 6.9, Longitude: 122.0, CampusID: "CAMP-01"}, versionstore.PolicyOverwrite); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if exported, err := p.Poll(ctx); err != nil || !exported {
		t.Errorf("Got exported=%v err=%v after an overwrite", exported, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, export.NodesFile(m.ID)))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var nodes []*dbtypes.Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Name != "North Gate" {
		t.Errorf("Exported nodes not refreshed: %+v", nodes)
	}

	// A catalog write raises a dirty flag, which the export clears.
	if _, err := cat.SaveCampus(ctx, &dbtypes.Campus{CampusName: "Main"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if exported, err := p.Poll(ctx); err != nil || !exported {
		t.Errorf("Got exported=%v err=%v after a catalog write", exported, err)
	}
	info, err := db.GlobalInfo(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if info.Any() {
		t.Errorf("Dirty flags not cleared: %+v", info)
	}
}
