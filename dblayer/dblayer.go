// Package dblayer packages up most actual firestore accesses.
//
// Layout:
//
//	MapVersions/{mapId}                     map document
//	MapVersions/{mapId}/versions/{semver}   full node and edge arrays
//	{Buildings,Rooms,...}/{id}              flat static collections
//	StaticDataVersions/GlobalInfo           static data dirty flags
package dblayer

import (
	"context"
	"fmt"
	"log/slog"

	"crimson-map/dbtypes"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type DB struct {
	firestoreClient *firestore.Client
}

func New(firestoreClient *firestore.Client) *DB {
	return &DB{
		firestoreClient: firestoreClient,
	}
}

func (db *DB) mapRef(mapID string) *firestore.DocumentRef {
	return db.firestoreClient.Collection(dbtypes.CollectionMapVersions).Doc(mapID)
}

func (db *DB) versionRef(mapID, semver string) *firestore.DocumentRef {
	return db.mapRef(mapID).Collection(dbtypes.CollectionVersions).Doc(semver)
}

func (db *DB) globalInfoRef() *firestore.DocumentRef {
	return db.firestoreClient.Collection(dbtypes.CollectionStaticDataVersions).Doc(dbtypes.GlobalInfoDoc)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// isPreconditionFailure covers both a Create of an existing document and an
// Update whose LastUpdateTime no longer matches.
func isPreconditionFailure(err error) bool {
	switch status.Code(err) {
	case codes.AlreadyExists, codes.FailedPrecondition:
		return true
	}
	return false
}

func (db *DB) CreateMap(ctx context.Context, m *dbtypes.Map, initial *dbtypes.Version) error {
	err := db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(db.mapRef(m.ID), m); err != nil {
			return err
		}
		return tx.Create(db.versionRef(m.ID, initial.SemVer), initial)
	})
	if isPreconditionFailure(err) {
		return fmt.Errorf("map %s already exists: %w", m.ID, dbtypes.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("while creating map %s: %w", m.ID, err)
	}
	return nil
}

func (db *DB) GetMap(ctx context.Context, mapID string) (*dbtypes.Map, error) {
	snap, err := db.mapRef(mapID).Get(ctx)
	if isNotFound(err) {
		return nil, fmt.Errorf("%s: %w", mapID, dbtypes.ErrMapNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("while retrieving map %s: %w", mapID, err)
	}

	m := &dbtypes.Map{}
	if err := snap.DataTo(m); err != nil {
		return nil, fmt.Errorf("while unmarshaling map %s: %w", mapID, err)
	}
	m.ID = snap.Ref.ID
	return m, nil
}

func (db *DB) ListMaps(ctx context.Context) ([]*dbtypes.Map, error) {
	return db.queryMaps(ctx, db.firestoreClient.Collection(dbtypes.CollectionMapVersions).Query)
}

func (db *DB) MapsForCampus(ctx context.Context, campusID string) ([]*dbtypes.Map, error) {
	q := db.firestoreClient.Collection(dbtypes.CollectionMapVersions).Where("campus_included", "array-contains", campusID)
	return db.queryMaps(ctx, q)
}

func (db *DB) queryMaps(ctx context.Context, q firestore.Query) ([]*dbtypes.Map, error) {
	var out []*dbtypes.Map
	mapIter := q.Documents(ctx)
	defer mapIter.Stop()
	for {
		snap, err := mapIter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while listing maps: %w", err)
		}

		m := &dbtypes.Map{}
		if err := snap.DataTo(m); err != nil {
			return nil, fmt.Errorf("while unmarshaling map %s: %w", snap.Ref.ID, err)
		}
		m.ID = snap.Ref.ID
		out = append(out, m)
	}
	return out, nil
}

// DeleteMap removes the map document and its versions subcollection.
// Firestore does not cascade deletes, so the versions go first; a failure
// part way leaves the map document in place and the delete can be retried.
func (db *DB) DeleteMap(ctx context.Context, mapID string) error {
	versions, err := db.ListVersions(ctx, mapID)
	if err != nil {
		return err
	}

	// A single batch holds at most 500 writes.
	const batchSize = 500
	for start := 0; start < len(versions); start += batchSize {
		end := start + batchSize
		if end > len(versions) {
			end = len(versions)
		}
		batch := db.firestoreClient.Batch()
		for _, v := range versions[start:end] {
			batch.Delete(db.versionRef(mapID, v))
		}
		if _, err := batch.Commit(ctx); err != nil {
			return fmt.Errorf("while deleting versions of map %s: %w", mapID, err)
		}
	}

	if _, err := db.mapRef(mapID).Delete(ctx); err != nil {
		return fmt.Errorf("while deleting map %s: %w", mapID, err)
	}

	slog.InfoContext(ctx, "Deleted map from firestore", slog.String("map", mapID), slog.Int("versions", len(versions)))
	return nil
}

func (db *DB) SetActivePointers(ctx context.Context, mapID string, activeCampus, activeMap *string) error {
	_, err := db.mapRef(mapID).Update(ctx, []firestore.Update{
		{Path: "current_active_campus", Value: activeCampus},
		{Path: "current_active_map", Value: activeMap},
	})
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", mapID, dbtypes.ErrMapNotFound)
	}
	if err != nil {
		return fmt.Errorf("while updating active pointers of %s: %w", mapID, err)
	}
	return nil
}

func (db *DB) GetVersion(ctx context.Context, mapID, semver string) (*dbtypes.Version, bool, error) {
	snap, err := db.versionRef(mapID, semver).Get(ctx)
	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("while retrieving version %s of %s: %w", semver, mapID, err)
	}

	v := &dbtypes.Version{}
	if err := snap.DataTo(v); err != nil {
		return nil, false, fmt.Errorf("while unmarshaling version %s of %s: %w", semver, mapID, err)
	}
	v.MapID = mapID
	v.SemVer = semver
	v.UpdateTime = snap.UpdateTime
	if v.Nodes == nil {
		v.Nodes = []*dbtypes.Node{}
	}
	if v.Edges == nil {
		v.Edges = []*dbtypes.Edge{}
	}
	return v, true, nil
}

func (db *DB) ListVersions(ctx context.Context, mapID string) ([]string, error) {
	var out []string
	// Select with no fields fetches only the document names.
	versionIter := db.mapRef(mapID).Collection(dbtypes.CollectionVersions).Select().Documents(ctx)
	defer versionIter.Stop()
	for {
		snap, err := versionIter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while listing versions of %s: %w", mapID, err)
		}
		out = append(out, snap.Ref.ID)
	}
	return out, nil
}

// ForkVersion writes v and moves the map's current_version from expected to
// v.SemVer in one transaction.  A version document already at v.SemVer while
// the pointer is still at expected is an abandoned fork and gets overwritten.
func (db *DB) ForkVersion(ctx context.Context, v *dbtypes.Version, expected string) error {
	mapRef := db.mapRef(v.MapID)
	verRef := db.versionRef(v.MapID, v.SemVer)
	return db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(mapRef)
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", v.MapID, dbtypes.ErrMapNotFound)
		}
		if err != nil {
			return fmt.Errorf("while retrieving map %s: %w", v.MapID, err)
		}
		cur, err := snap.DataAt("current_version")
		if err != nil {
			return fmt.Errorf("while reading current_version of %s: %w", v.MapID, err)
		}
		if cur != expected {
			return fmt.Errorf("%s is at %v, not %s: %w", v.MapID, cur, expected, dbtypes.ErrVersionConflict)
		}

		// Firestore transactions need every read before the first write.
		orphan, err := tx.Get(verRef)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("while retrieving version %s of %s: %w", v.SemVer, v.MapID, err)
		}
		if err == nil && orphan.Exists() {
			slog.WarnContext(ctx, "Replacing abandoned version", slog.String("map", v.MapID), slog.String("version", v.SemVer))
		}

		if err := tx.Set(verRef, v); err != nil {
			return fmt.Errorf("while writing version %s of %s: %w", v.SemVer, v.MapID, err)
		}
		return tx.Update(mapRef, []firestore.Update{{Path: "current_version", Value: v.SemVer}})
	})
}

func (db *DB) ReplaceVersion(ctx context.Context, v *dbtypes.Version) error {
	ref := db.versionRef(v.MapID, v.SemVer)

	var err error
	if v.UpdateTime.IsZero() {
		_, err = ref.Create(ctx, v)
	} else {
		_, err = ref.Update(ctx, []firestore.Update{
			{Path: "nodes", Value: v.Nodes},
			{Path: "edges", Value: v.Edges},
		}, firestore.LastUpdateTime(v.UpdateTime))
	}
	if v.UpdateTime.IsZero() && isPreconditionFailure(err) {
		return fmt.Errorf("%s of %s: %w", v.SemVer, v.MapID, dbtypes.ErrVersionExists)
	}
	if isPreconditionFailure(err) || isNotFound(err) {
		return fmt.Errorf("version %s of %s was modified concurrently: %w", v.SemVer, v.MapID, dbtypes.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("while writing version %s of %s: %w", v.SemVer, v.MapID, err)
	}
	return nil
}

func (db *DB) UpdateCurrentVersion(ctx context.Context, mapID, expected, next string) error {
	ref := db.mapRef(mapID)
	return db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", mapID, dbtypes.ErrMapNotFound)
		}
		if err != nil {
			return fmt.Errorf("while retrieving map %s: %w", mapID, err)
		}

		cur, err := snap.DataAt("current_version")
		if err != nil {
			return fmt.Errorf("while reading current_version of %s: %w", mapID, err)
		}
		if cur != expected {
			return fmt.Errorf("%s is at %v, not %s: %w", mapID, cur, expected, dbtypes.ErrVersionConflict)
		}

		return tx.Update(ref, []firestore.Update{{Path: "current_version", Value: next}})
	})
}

// MirrorNode copies n into the legacy flat Nodes collection.
func (db *DB) MirrorNode(ctx context.Context, n *dbtypes.Node) error {
	if _, err := db.firestoreClient.Collection(dbtypes.CollectionLegacyNodes).Doc(n.NodeID).Set(ctx, n); err != nil {
		return fmt.Errorf("while mirroring node %s: %w", n.NodeID, err)
	}
	return nil
}

// MirrorEdge copies e into the legacy flat Edges collection.
func (db *DB) MirrorEdge(ctx context.Context, e *dbtypes.Edge) error {
	if _, err := db.firestoreClient.Collection(dbtypes.CollectionLegacyEdges).Doc(e.EdgeID).Set(ctx, e); err != nil {
		return fmt.Errorf("while mirroring edge %s: %w", e.EdgeID, err)
	}
	return nil
}

func (db *DB) PutEntity(ctx context.Context, collection, id string, v interface{}) error {
	if _, err := db.firestoreClient.Collection(collection).Doc(id).Set(ctx, v); err != nil {
		return fmt.Errorf("while writing %s/%s: %w", collection, id, err)
	}
	return nil
}

func (db *DB) GetEntity(ctx context.Context, collection, id string, out interface{}) (bool, error) {
	snap, err := db.firestoreClient.Collection(collection).Doc(id).Get(ctx)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("while retrieving %s/%s: %w", collection, id, err)
	}
	if err := snap.DataTo(out); err != nil {
		return false, fmt.Errorf("while unmarshaling %s/%s: %w", collection, id, err)
	}
	return true, nil
}

func (db *DB) EachEntity(ctx context.Context, collection string, fn func(id string, decode func(interface{}) error) error) error {
	docIter := db.firestoreClient.Collection(collection).Documents(ctx)
	defer docIter.Stop()
	for {
		snap, err := docIter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("while listing %s: %w", collection, err)
		}
		if err := fn(snap.Ref.ID, snap.DataTo); err != nil {
			return err
		}
	}
}

func (db *DB) EntityIDs(ctx context.Context, collection string) ([]string, error) {
	var out []string
	docIter := db.firestoreClient.Collection(collection).Select().Documents(ctx)
	defer docIter.Stop()
	for {
		snap, err := docIter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while listing %s ids: %w", collection, err)
		}
		out = append(out, snap.Ref.ID)
	}
	return out, nil
}

// GlobalInfo reads the dirty flags.  A missing document means nothing is
// dirty.
func (db *DB) GlobalInfo(ctx context.Context) (*dbtypes.GlobalInfo, error) {
	info := &dbtypes.GlobalInfo{}
	snap, err := db.globalInfoRef().Get(ctx)
	if isNotFound(err) {
		return info, nil
	}
	if err != nil {
		return nil, fmt.Errorf("while retrieving global info: %w", err)
	}
	if err := snap.DataTo(info); err != nil {
		return nil, fmt.Errorf("while unmarshaling global info: %w", err)
	}
	return info, nil
}

func (db *DB) MarkDirty(ctx context.Context, collection string) error {
	return db.updateGlobalInfo(ctx, func(info *dbtypes.GlobalInfo) {
		info.Mark(collection)
	})
}

// ClearDirty clears the flags that are set in exported.  Flags raised by a
// write that raced with the export stay set.
func (db *DB) ClearDirty(ctx context.Context, exported *dbtypes.GlobalInfo) error {
	return db.updateGlobalInfo(ctx, func(info *dbtypes.GlobalInfo) {
		info.Clear(exported)
	})
}

func (db *DB) updateGlobalInfo(ctx context.Context, fn func(*dbtypes.GlobalInfo)) error {
	ref := db.globalInfoRef()
	err := db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		info := &dbtypes.GlobalInfo{}
		snap, err := tx.Get(ref)
		switch {
		case isNotFound(err):
		case err != nil:
			return err
		default:
			if err := snap.DataTo(info); err != nil {
				return err
			}
		}
		fn(info)
		return tx.Set(ref, info)
	})
	if err != nil {
		return fmt.Errorf("while updating global info: %w", err)
	}
	return nil
}
