// Package catalog manages the flat static collections that graph nodes refer
// to: campuses, buildings, rooms, infrastructure and categories.
//
// Every write raises the collection's dirty flag so the exporter picks it up,
// and appends an activity log entry.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"crimson-map/dbtypes"
	"crimson-map/ids"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// EntityStore is the part of a document store that holds flat collections.
type EntityStore interface {
	PutEntity(ctx context.Context, collection, id string, v interface{}) error
	GetEntity(ctx context.Context, collection, id string, out interface{}) (bool, error)
	EachEntity(ctx context.Context, collection string, fn func(id string, decode func(interface{}) error) error) error
	EntityIDs(ctx context.Context, collection string) ([]string, error)
	MarkDirty(ctx context.Context, collection string) error
}

type Catalog struct {
	store EntityStore
	now   func() time.Time
}

type CatalogOpt func(*Catalog)

// WithClock overrides time.Now for created_at and activity timestamps.
func WithClock(now func() time.Time) CatalogOpt {
	return func(c *Catalog) {
		c.now = now
	}
}

func New(store EntityStore, opts ...CatalogOpt) *Catalog {
	c := &Catalog{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func get[T any](ctx context.Context, store EntityStore, collection, id string) (*T, error) {
	out := new(T)
	found, err := store.GetEntity(ctx, collection, id, out)
	if err != nil {
		return nil, fmt.Errorf("while retrieving %s/%s: %w", collection, id, err)
	}
	if !found {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, dbtypes.ErrEntityNotFound)
	}
	return out, nil
}

func list[T any](ctx context.Context, store EntityStore, collection string) ([]*T, error) {
	var out []*T
	err := store.EachEntity(ctx, collection, func(id string, decode func(interface{}) error) error {
		v := new(T)
		if err := decode(v); err != nil {
			return fmt.Errorf("while unmarshaling %s/%s: %w", collection, id, err)
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("while listing %s: %w", collection, err)
	}
	return out, nil
}

// put writes v, raises the collection's dirty flag and logs the activity.
func (c *Catalog) put(ctx context.Context, collection, id string, v interface{}, activity string) error {
	if err := c.store.PutEntity(ctx, collection, id, v); err != nil {
		return fmt.Errorf("while writing %s/%s: %w", collection, id, err)
	}
	if err := c.store.MarkDirty(ctx, collection); err != nil {
		return fmt.Errorf("while marking %s dirty: %w", collection, err)
	}
	if err := c.LogActivity(ctx, activity, fmt.Sprintf("%s %s", collection, id)); err != nil {
		// The write itself succeeded; a lost log entry is not worth failing it.
		slog.ErrorContext(ctx, "Failed to write activity log", slog.String("activity", activity), slog.Any("err", err))
	}
	return nil
}

// LogActivity appends an entry to the activity log.
func (c *Catalog) LogActivity(ctx context.Context, activity, details string) error {
	logID, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("while generating log id: %w", err)
	}
	entry := &dbtypes.ActivityLog{
		LogID:     logID,
		Activity:  activity,
		Details:   details,
		Timestamp: c.now(),
	}
	return c.store.PutEntity(ctx, dbtypes.CollectionActivityLogs, logID, entry)
}

// RecentActivity returns up to limit log entries, newest first.  A limit of
// zero or less returns everything.
func (c *Catalog) RecentActivity(ctx context.Context, limit int) ([]*dbtypes.ActivityLog, error) {
	logs, err := list[dbtypes.ActivityLog](ctx, c.store, dbtypes.CollectionActivityLogs)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].Timestamp.After(logs[j].Timestamp) })
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func verb(isNew bool) string {
	if isNew {
		return "Added"
	}
	return "Updated"
}

func (c *Catalog) Campus(ctx context.Context, id string) (*dbtypes.Campus, error) {
	return get[dbtypes.Campus](ctx, c.store, dbtypes.CollectionCampus, id)
}

func (c *Catalog) Campuses(ctx context.Context) ([]*dbtypes.Campus, error) {
	out, err := list[dbtypes.Campus](ctx, c.store, dbtypes.CollectionCampus)
	sort.Slice(out, func(i, j int) bool { return out[i].CampusID < out[j].CampusID })
	return out, err
}

// SaveCampus creates (empty campus_id) or replaces a campus.
func (c *Catalog) SaveCampus(ctx context.Context, in *dbtypes.Campus) (*dbtypes.Campus, error) {
	if strings.TrimSpace(in.CampusName) == "" {
		return nil, dbtypes.Required("campus_name")
	}
	campus := *in
	isNew, err := c.prepare(ctx, dbtypes.CollectionCampus, &campus.CampusID, &campus.CreatedAt, ids.CampusPrefix, ids.NarrowWidth)
	if err != nil {
		return nil, err
	}
	if err := c.put(ctx, dbtypes.CollectionCampus, campus.CampusID, &campus, verb(isNew)+" campus"); err != nil {
		return nil, err
	}
	return &campus, nil
}

func (c *Catalog) DeleteCampus(ctx context.Context, id string) error {
	campus, err := c.Campus(ctx, id)
	if err != nil {
		return err
	}
	campus.IsDeleted = true
	return c.put(ctx, dbtypes.CollectionCampus, id, campus, "Deleted campus")
}

func (c *Catalog) Building(ctx context.Context, id string) (*dbtypes.Building, error) {
	return get[dbtypes.Building](ctx, c.store, dbtypes.CollectionBuildings, id)
}

func (c *Catalog) Buildings(ctx context.Context) ([]*dbtypes.Building, error) {
	out, err := list[dbtypes.Building](ctx, c.store, dbtypes.CollectionBuildings)
	sort.Slice(out, func(i, j int) bool { return out[i].BuildingID < out[j].BuildingID })
	return out, err
}

func (c *Catalog) SaveBuilding(ctx context.Context, in *dbtypes.Building) (*dbtypes.Building, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, dbtypes.Required("name")
	}
	if in.CampusID == "" {
		return nil, dbtypes.Required("campus_id")
	}
	if in.Floors < 0 {
		return nil, &dbtypes.ValidationError{Field: "floors", Reason: "must not be negative"}
	}
	if _, err := c.Campus(ctx, in.CampusID); err != nil {
		return nil, err
	}

	b := *in
	isNew, err := c.prepare(ctx, dbtypes.CollectionBuildings, &b.BuildingID, &b.CreatedAt, ids.BuildingPrefix, ids.WideWidth)
	if err != nil {
		return nil, err
	}
	if err := c.put(ctx, dbtypes.CollectionBuildings, b.BuildingID, &b, verb(isNew)+" building"); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Catalog) DeleteBuilding(ctx context.Context, id string) error {
	b, err := c.Building(ctx, id)
	if err != nil {
		return err
	}
	b.IsDeleted = true
	return c.put(ctx, dbtypes.CollectionBuildings, id, b, "Deleted building")
}

// Room looks the id up in IndoorInfrastructure, then in the legacy Rooms
// collection.
func (c *Catalog) Room(ctx context.Context, id string) (*dbtypes.Room, error) {
	r, err := get[dbtypes.Room](ctx, c.store, dbtypes.CollectionIndoorInfrastructure, id)
	if err == nil {
		return r, nil
	}
	return get[dbtypes.Room](ctx, c.store, dbtypes.CollectionRooms, id)
}

// Rooms lists IndoorInfrastructure.
func (c *Catalog) Rooms(ctx context.Context) ([]*dbtypes.Room, error) {
	out, err := list[dbtypes.Room](ctx, c.store, dbtypes.CollectionIndoorInfrastructure)
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, err
}

// LegacyRooms lists the RM- rooms of the old Rooms collection.
func (c *Catalog) LegacyRooms(ctx context.Context) ([]*dbtypes.Room, error) {
	out, err := list[dbtypes.Room](ctx, c.store, dbtypes.CollectionRooms)
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, err
}

// SaveRoom writes a room to IndoorInfrastructure.  New rooms are numbered
// after the highest IND- or legacy RM- id.
func (c *Catalog) SaveRoom(ctx context.Context, in *dbtypes.Room) (*dbtypes.Room, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, dbtypes.Required("name")
	}
	if in.BuildingID == "" {
		return nil, dbtypes.Required("building_id")
	}
	b, err := c.Building(ctx, in.BuildingID)
	if err != nil {
		return nil, err
	}
	if b.Floors > 0 && (in.Floor < 1 || in.Floor > b.Floors) {
		return nil, &dbtypes.ValidationError{Field: "floor", Reason: fmt.Sprintf("building %s has floors 1-%d", b.BuildingID, b.Floors)}
	}

	r := *in
	isNew := r.RoomID == ""
	if isNew {
		current, err := c.store.EntityIDs(ctx, dbtypes.CollectionIndoorInfrastructure)
		if err != nil {
			return nil, fmt.Errorf("while listing room ids: %w", err)
		}
		legacy, err := c.store.EntityIDs(ctx, dbtypes.CollectionRooms)
		if err != nil {
			return nil, fmt.Errorf("while listing legacy room ids: %w", err)
		}
		r.RoomID = ids.Next(append(current, legacy...), ids.RoomPrefix, ids.WideWidth, ids.LegacyRoomPrefix)
		r.CreatedAt = c.now()
	} else if existing, err := c.Room(ctx, r.RoomID); err == nil && r.CreatedAt.IsZero() {
		r.CreatedAt = existing.CreatedAt
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = c.now()
	}

	if err := c.put(ctx, dbtypes.CollectionIndoorInfrastructure, r.RoomID, &r, verb(isNew)+" room"); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Catalog) DeleteRoom(ctx context.Context, id string) error {
	collection := dbtypes.CollectionIndoorInfrastructure
	r, err := get[dbtypes.Room](ctx, c.store, collection, id)
	if err != nil {
		collection = dbtypes.CollectionRooms
		if r, err = get[dbtypes.Room](ctx, c.store, collection, id); err != nil {
			return err
		}
	}
	r.IsDeleted = true
	return c.put(ctx, collection, id, r, "Deleted room")
}

func (c *Catalog) Infrastructure(ctx context.Context, id string) (*dbtypes.Infrastructure, error) {
	return get[dbtypes.Infrastructure](ctx, c.store, dbtypes.CollectionInfrastructure, id)
}

func (c *Catalog) Infrastructures(ctx context.Context) ([]*dbtypes.Infrastructure, error) {
	out, err := list[dbtypes.Infrastructure](ctx, c.store, dbtypes.CollectionInfrastructure)
	sort.Slice(out, func(i, j int) bool { return out[i].InfraID < out[j].InfraID })
	return out, err
}

func (c *Catalog) SaveInfrastructure(ctx context.Context, in *dbtypes.Infrastructure) (*dbtypes.Infrastructure, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, dbtypes.Required("name")
	}
	if in.CampusID == "" {
		return nil, dbtypes.Required("campus_id")
	}
	if in.CategoryID == "" {
		return nil, dbtypes.Required("category_id")
	}
	if _, err := c.Category(ctx, in.CategoryID); err != nil {
		return nil, err
	}
	if in.BuildingID != "" {
		if _, err := c.Building(ctx, in.BuildingID); err != nil {
			return nil, err
		}
	}

	infra := *in
	isNew, err := c.prepare(ctx, dbtypes.CollectionInfrastructure, &infra.InfraID, &infra.CreatedAt, ids.InfraPrefix, ids.NarrowWidth)
	if err != nil {
		return nil, err
	}
	if err := c.put(ctx, dbtypes.CollectionInfrastructure, infra.InfraID, &infra, verb(isNew)+" infrastructure"); err != nil {
		return nil, err
	}
	return &infra, nil
}

func (c *Catalog) DeleteInfrastructure(ctx context.Context, id string) error {
	infra, err := c.Infrastructure(ctx, id)
	if err != nil {
		return err
	}
	infra.IsDeleted = true
	return c.put(ctx, dbtypes.CollectionInfrastructure, id, infra, "Deleted infrastructure")
}

func (c *Catalog) Category(ctx context.Context, id string) (*dbtypes.Category, error) {
	return get[dbtypes.Category](ctx, c.store, dbtypes.CollectionCategories, id)
}

func (c *Catalog) Categories(ctx context.Context) ([]*dbtypes.Category, error) {
	out, err := list[dbtypes.Category](ctx, c.store, dbtypes.CollectionCategories)
	sort.Slice(out, func(i, j int) bool { return out[i].CategoryID < out[j].CategoryID })
	return out, err
}

// SaveCategory writes a category.  The legend letter must be A-Z and not held
// by another live category.
func (c *Catalog) SaveCategory(ctx context.Context, in *dbtypes.Category) (*dbtypes.Category, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, dbtypes.Required("name")
	}
	legend := strings.ToUpper(strings.TrimSpace(in.Legend))
	if len(legend) != 1 || legend[0] < 'A' || legend[0] > 'Z' {
		return nil, &dbtypes.ValidationError{Field: "legend", Reason: "must be a single letter A-Z"}
	}

	existing, err := c.Categories(ctx)
	if err != nil {
		return nil, err
	}
	for _, other := range existing {
		if other.CategoryID != in.CategoryID && !other.IsDeleted && other.Legend == legend {
			return nil, fmt.Errorf("legend %s is held by %s: %w", legend, other.CategoryID, dbtypes.ErrLegendInUse)
		}
	}

	cat := *in
	cat.Legend = legend
	isNew, err := c.prepare(ctx, dbtypes.CollectionCategories, &cat.CategoryID, &cat.CreatedAt, ids.CategoryPrefix, ids.NarrowWidth)
	if err != nil {
		return nil, err
	}
	if err := c.put(ctx, dbtypes.CollectionCategories, cat.CategoryID, &cat, verb(isNew)+" category"); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (c *Catalog) DeleteCategory(ctx context.Context, id string) error {
	cat, err := c.Category(ctx, id)
	if err != nil {
		return err
	}
	cat.IsDeleted = true
	return c.put(ctx, dbtypes.CollectionCategories, id, cat, "Deleted category")
}

// AvailableLegends returns the letters A-Z that no live category holds.
func (c *Catalog) AvailableLegends(ctx context.Context) ([]string, error) {
	cats, err := c.Categories(ctx)
	if err != nil {
		return nil, err
	}
	used := map[string]bool{}
	for _, cat := range cats {
		if !cat.IsDeleted {
			used[cat.Legend] = true
		}
	}
	var out []string
	for l := 'A'; l <= 'Z'; l++ {
		if !used[string(l)] {
			out = append(out, string(l))
		}
	}
	return out, nil
}

// prepare allocates an id when *id is empty, and otherwise carries the stored
// created_at forward.  It reports whether the entity is new.
func (c *Catalog) prepare(ctx context.Context, collection string, id *string, createdAt *time.Time, prefix string, width int) (bool, error) {
	if *id == "" {
		existing, err := c.store.EntityIDs(ctx, collection)
		if err != nil {
			return false, fmt.Errorf("while listing %s ids: %w", collection, err)
		}
		*id = ids.Next(existing, prefix, width)
		*createdAt = c.now()
		return true, nil
	}

	if createdAt.IsZero() {
		var stored struct {
			CreatedAt time.Time `firestore:"created_at" json:"created_at"`
		}
		found, err := c.store.GetEntity(ctx, collection, *id, &stored)
		if err != nil {
			return false, fmt.Errorf("while retrieving %s/%s: %w", collection, *id, err)
		}
		if found && !stored.CreatedAt.IsZero() {
			*createdAt = stored.CreatedAt
		} else {
			*createdAt = c.now()
		}
	}
	return false, nil
}
