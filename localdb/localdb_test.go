package localdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"crimson-map/dbtypes"

	"github.com/google/go-cmp/cmp"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Unexpected error opening db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestMap(t *testing.T, db *DB, id string) {
	t.Helper()
	m := &dbtypes.Map{ID: id, Name: id, CampusIncluded: []string{"CAMP-01"}, CurrentVersion: dbtypes.InitialVersion}
	initial := &dbtypes.Version{MapID: id, SemVer: dbtypes.InitialVersion}
	if err := db.CreateMap(context.Background(), m, initial); err != nil {
		t.Fatalf("Unexpected error creating map: %v", err)
	}
}

func TestCreateMapTwiceConflicts(t *testing.T) {
	db := openTestDB(t)
	createTestMap(t, db, "MAP-01")

	m := &dbtypes.Map{ID: "MAP-01", CurrentVersion: dbtypes.InitialVersion}
	err := db.CreateMap(context.Background(), m, &dbtypes.Version{MapID: "MAP-01", SemVer: dbtypes.InitialVersion})
	if !errors.Is(err, dbtypes.ErrConflict) {
		t.Errorf("Got %v, want ErrConflict", err)
	}
}

func TestGetMissingMap(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.GetMap(context.Background(), "MAP-99"); !errors.Is(err, dbtypes.ErrMapNotFound) {
		t.Errorf("Got %v, want ErrMapNotFound", err)
	}
}

func TestUpdateCurrentVersionCAS(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createTestMap(t, db, "MAP-01")

	if err := db.UpdateCurrentVersion(ctx, "MAP-01", "v1.0.0", "v1.0.1"); err != nil {
		t.Fatalf("Unexpected error on first swap: %v", err)
	}

	// A second writer still believing v1.0.0 is current loses.
	err := db.UpdateCurrentVersion(ctx, "MAP-01", "v1.0.0", "v1.0.1")
	if !errors.Is(err, dbtypes.ErrVersionConflict) {
		t.Errorf("Got %v, want ErrVersionConflict", err)
	}

	m, err := db.GetMap(ctx, "MAP-01")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m.CurrentVersion != "v1.0.1" {
		t.Errorf("current_version = %q, want v1.0.1", m.CurrentVersion)
	}
}

func TestReplaceVersionCreateExists(t *testing.T) {
	db := openTestDB(t)
	createTestMap(t, db, "MAP-01")

	err := db.ReplaceVersion(context.Background(), &dbtypes.Version{MapID: "MAP-01", SemVer: dbtypes.InitialVersion})
	if !errors.Is(err, dbtypes.ErrVersionExists) {
		t.Errorf("Got %v, want ErrVersionExists", err)
	}
}

func TestForkVersion(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createTestMap(t, db, "MAP-01")

	// A fork that wrote v1.0.1 but never moved the pointer.
	if err := db.ReplaceVersion(ctx, &dbtypes.Version{MapID: "MAP-01", SemVer: "v1.0.1", Nodes: []*dbtypes.Node{{NodeID: "ND-009"}}}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	next := &dbtypes.Version{MapID: "MAP-01", SemVer: "v1.0.1", Nodes: []*dbtypes.Node{{NodeID: "ND-001"}}}
	if err := db.ForkVersion(ctx, next, "v1.0.1"); !errors.Is(err, dbtypes.ErrVersionConflict) {
		t.Errorf("Fork from the wrong base got %v, want ErrVersionConflict", err)
	}
	if err := db.ForkVersion(ctx, next, dbtypes.InitialVersion); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	m, err := db.GetMap(ctx, "MAP-01")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m.CurrentVersion != "v1.0.1" {
		t.Errorf("current_version = %q, want v1.0.1", m.CurrentVersion)
	}
	got, _, err := db.GetVersion(ctx, "MAP-01", "v1.0.1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(got.Nodes) != 1 || got.Nodes[0].NodeID != "ND-001" {
		t.Errorf("Abandoned version was not replaced: %+v", got.Nodes)
	}

	if err := db.ForkVersion(ctx, &dbtypes.Version{MapID: "MAP-99", SemVer: "v1.0.1"}, dbtypes.InitialVersion); !errors.Is(err, dbtypes.ErrMapNotFound) {
		t.Errorf("Unknown map got %v, want ErrMapNotFound", err)
	}
}

func TestReplaceVersionPrecondition(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createTestMap(t, db, "MAP-01")

	v, ok, err := db.GetVersion(ctx, "MAP-01", dbtypes.InitialVersion)
	if err != nil || !ok {
		t.Fatalf("GetVersion = %v, %v", ok, err)
	}
	stale := v.Clone()

	v.Nodes = append(v.Nodes, &dbtypes.Node{NodeID: "ND-001"})
	if err := db.ReplaceVersion(ctx, v); err != nil {
		t.Fatalf("Unexpected error on first replace: %v", err)
	}

	stale.Nodes = append(stale.Nodes, &dbtypes.Node{NodeID: "ND-002"})
	if err := db.ReplaceVersion(ctx, stale); !errors.Is(err, dbtypes.ErrConflict) {
		t.Errorf("Got %v, want ErrConflict", err)
	}

	got, _, err := db.GetVersion(ctx, "MAP-01", dbtypes.InitialVersion)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(got.Nodes) != 1 || got.Nodes[0].NodeID != "ND-001" {
		t.Errorf("Stale write leaked through: %+v", got.Nodes)
	}
}

func TestDeleteMapRemovesVersions(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createTestMap(t, db, "MAP-01")
	createTestMap(t, db, "MAP-010")

	if err := db.ReplaceVersion(ctx, &dbtypes.Version{MapID: "MAP-01", SemVer: "v1.0.1"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := db.DeleteMap(ctx, "MAP-01"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	versions, err := db.ListVersions(ctx, "MAP-01")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(versions) != 0 {
		t.Errorf("Versions survived delete: %v", versions)
	}

	// A map whose id shares a prefix is untouched.
	versions, err = db.ListVersions(ctx, "MAP-010")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(versions, []string{"v1.0.0"}); diff != "" {
		t.Errorf("Bad versions; diff (-got +want)\n%s", diff)
	}
}

func TestEntities(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	in := &dbtypes.Campus{CampusID: "CAMP-01", CampusName: "Main", CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
	if err := db.PutEntity(ctx, dbtypes.CollectionCampus, in.CampusID, in); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	out := &dbtypes.Campus{}
	found, err := db.GetEntity(ctx, dbtypes.CollectionCampus, "CAMP-01", out)
	if err != nil || !found {
		t.Fatalf("GetEntity = %v, %v", found, err)
	}
	if diff := cmp.Diff(out, in); diff != "" {
		t.Errorf("Bad entity; diff (-got +want)\n%s", diff)
	}

	ids, err := db.EntityIDs(ctx, dbtypes.CollectionCampus)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(ids, []string{"CAMP-01"}); diff != "" {
		t.Errorf("Bad ids; diff (-got +want)\n%s", diff)
	}
}

func TestDirtyFlags(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.MarkDirty(ctx, dbtypes.CollectionCategories); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := db.MarkDirty(ctx, dbtypes.CollectionCampus); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	info, err := db.GlobalInfo(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(info, &dbtypes.GlobalInfo{Categories: true, Campus: true}); diff != "" {
		t.Errorf("Bad flags; diff (-got +want)\n%s", diff)
	}

	if err := db.ClearDirty(ctx, &dbtypes.GlobalInfo{Categories: true}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	info, err = db.GlobalInfo(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(info, &dbtypes.GlobalInfo{Campus: true}); diff != "" {
		t.Errorf("Bad flags after clear; diff (-got +want)\n%s", diff)
	}
}
