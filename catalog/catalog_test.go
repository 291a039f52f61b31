package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"crimson-map/dbtypes"
	"crimson-map/localdb"

	"github.com/google/go-cmp/cmp"
)

var testTime = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestCatalog(t *testing.T) (*Catalog, *localdb.DB) {
	t.Helper()
	db, err := localdb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Unexpected error opening db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, WithClock(func() time.Time { return testTime })), db
}

func seedBuilding(t *testing.T, c *Catalog) *dbtypes.Building {
	t.Helper()
	ctx := context.Background()
	campus, err := c.SaveCampus(ctx, &dbtypes.Campus{CampusName: "Main"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	b, err := c.SaveBuilding(ctx, &dbtypes.Building{Name: "Engineering", CampusID: campus.CampusID, Floors: 3})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return b
}

func TestSaveAllocatesIDs(t *testing.T) {
	ctx := context.Background()
	c, db := newTestCatalog(t)

	b := seedBuilding(t, c)
	if b.CampusID != "CAMP-01" || b.BuildingID != "BLD-001" {
		t.Errorf("Got campus %s building %s, want CAMP-01 BLD-001", b.CampusID, b.BuildingID)
	}
	if !b.CreatedAt.Equal(testTime) {
		t.Errorf("created_at = %v", b.CreatedAt)
	}

	b2, err := c.SaveBuilding(ctx, &dbtypes.Building{Name: "Library", CampusID: "CAMP-01"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if b2.BuildingID != "BLD-002" {
		t.Errorf("Second building got %s, want BLD-002", b2.BuildingID)
	}

	info, err := db.GlobalInfo(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(info, &dbtypes.GlobalInfo{Buildings: true, Campus: true}); diff != "" {
		t.Errorf("Bad dirty flags; diff (-got +want)\n%s", diff)
	}

	logs, err := c.RecentActivity(ctx, 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(logs) != 3 {
		t.Errorf("Got %d activity entries, want 3", len(logs))
	}
}

func TestSaveBuildingRequiresCampus(t *testing.T) {
	c, _ := newTestCatalog(t)
	_, err := c.SaveBuilding(context.Background(), &dbtypes.Building{Name: "Orphan", CampusID: "CAMP-09"})
	if !errors.Is(err, dbtypes.ErrNotFound) {
		t.Errorf("Got %v, want ErrNotFound", err)
	}
}

func TestUpdateKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t)
	b := seedBuilding(t, c)

	c.now = func() time.Time { return testTime.Add(time.Hour) }
	updated, err := c.SaveBuilding(ctx, &dbtypes.Building{BuildingID: b.BuildingID, Name: "Engineering Annex", CampusID: b.CampusID})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !updated.CreatedAt.Equal(testTime) {
		t.Errorf("Update changed created_at to %v", updated.CreatedAt)
	}

	all, err := c.Buildings(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(all) != 1 || all[0].Name != "Engineering Annex" {
		t.Errorf("Got buildings %+v", all)
	}
}

func TestSaveRoomSkipsLegacyIDs(t *testing.T) {
	ctx := context.Background()
	c, db := newTestCatalog(t)
	b := seedBuilding(t, c)

	legacy := &dbtypes.Room{RoomID: "RM-007", Name: "Old Lab", BuildingID: b.BuildingID, Floor: 1}
	if err := db.PutEntity(ctx, dbtypes.CollectionRooms, legacy.RoomID, legacy); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	r, err := c.SaveRoom(ctx, &dbtypes.Room{Name: "Lab 2", BuildingID: b.BuildingID, Floor: 2})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if r.RoomID != "IND-008" {
		t.Errorf("Got %s, want IND-008", r.RoomID)
	}

	got, err := c.Room(ctx, "RM-007")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.Name != "Old Lab" {
		t.Errorf("Legacy lookup got %+v", got)
	}

	if _, err := c.SaveRoom(ctx, &dbtypes.Room{Name: "Roof", BuildingID: b.BuildingID, Floor: 4}); !dbtypes.IsValidation(err) {
		t.Errorf("Got %v for floor above building, want ValidationError", err)
	}

	if err := c.DeleteRoom(ctx, "RM-007"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	legacyRooms, err := c.LegacyRooms(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(legacyRooms) != 1 || !legacyRooms[0].IsDeleted {
		t.Errorf("Legacy room not soft-deleted: %+v", legacyRooms)
	}
}

func TestCategoryLegends(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t)

	cat, err := c.SaveCategory(ctx, &dbtypes.Category{Name: "Offices", Legend: "o"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cat.Legend != "O" || cat.CategoryID != "CAT-01" {
		t.Errorf("Got %+v", cat)
	}

	if _, err := c.SaveCategory(ctx, &dbtypes.Category{Name: "Others", Legend: "O"}); !errors.Is(err, dbtypes.ErrLegendInUse) {
		t.Errorf("Got %v, want ErrLegendInUse", err)
	}
	if _, err := c.SaveCategory(ctx, &dbtypes.Category{Name: "Bad", Legend: "AB"}); !dbtypes.IsValidation(err) {
		t.Errorf("Got %v, want ValidationError", err)
	}

	// Re-saving a category with its own legend is fine.
	if _, err := c.SaveCategory(ctx, &dbtypes.Category{CategoryID: cat.CategoryID, Name: "Admin Offices", Legend: "O"}); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	avail, err := c.AvailableLegends(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(avail) != 25 || strings.Contains(strings.Join(avail, ""), "O") {
		t.Errorf("Got available legends %v", avail)
	}

	if err := c.DeleteCategory(ctx, cat.CategoryID); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	avail, err = c.AvailableLegends(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(avail) != 26 {
		t.Errorf("Deleted category still holds its legend: %v", avail)
	}
}

func TestSaveInfrastructureChecksReferences(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t)
	b := seedBuilding(t, c)

	if _, err := c.SaveInfrastructure(ctx, &dbtypes.Infrastructure{Name: "Clinic", CampusID: b.CampusID, CategoryID: "CAT-09"}); !errors.Is(err, dbtypes.ErrNotFound) {
		t.Errorf("Got %v, want ErrNotFound", err)
	}

	cat, err := c.SaveCategory(ctx, &dbtypes.Category{Name: "Health", Legend: "H"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	infra, err := c.SaveInfrastructure(ctx, &dbtypes.Infrastructure{Name: "Clinic", CampusID: b.CampusID, CategoryID: cat.CategoryID, BuildingID: b.BuildingID})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if infra.InfraID != "INFRA-01" {
		t.Errorf("Got %s, want INFRA-01", infra.InfraID)
	}

	if err := c.DeleteInfrastructure(ctx, infra.InfraID); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	got, err := c.Infrastructure(ctx, infra.InfraID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !got.IsDeleted {
		t.Errorf("Infrastructure not soft-deleted")
	}
}

func TestRecentActivityOrder(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t)

	for i, activity := range []string{"first", "second", "third"} {
		c.now = func() time.Time { return testTime.Add(time.Duration(i) * time.Minute) }
		if err := c.LogActivity(ctx, activity, ""); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	logs, err := c.RecentActivity(ctx, 2)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var got []string
	for _, l := range logs {
		got = append(got, l.Activity)
	}
	if diff := cmp.Diff(got, []string{"third", "second"}); diff != "" {
		t.Errorf("Bad order; diff (-got +want)\n%s", diff)
	}
}
