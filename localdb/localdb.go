// Package localdb is an embedded Badger store for offline editing and local
// development.  It implements the same document layout as the Firestore
// layer: maps, version documents, flat entity collections and the static data
// dirty flags.
package localdb

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"crimson-map/dbtypes"

	"github.com/dgraph-io/badger"
	"golang.org/x/xerrors"
)

// Key prefixes that denote different tables in the key-value store.
const (
	keyPrefixMap     = "map/"
	keyPrefixVersion = "version/"
	keyPrefixEntity  = "entity/"
	keyGlobalInfo    = "globalinfo"
)

func mapKey(mapID string) []byte {
	return []byte(keyPrefixMap + mapID)
}

func versionKeyPrefix(mapID string) []byte {
	return []byte(keyPrefixVersion + mapID + "/")
}

func versionKey(mapID, semver string) []byte {
	return append(versionKeyPrefix(mapID), semver...)
}

func entityKeyPrefix(collection string) []byte {
	return []byte(keyPrefixEntity + collection + "/")
}

func entityKey(collection, id string) []byte {
	return append(entityKeyPrefix(collection), id...)
}

// versionRecord is the stored form of a dbtypes.Version.  The update time is
// kept alongside the arrays since Badger has no document metadata.
type versionRecord struct {
	Nodes      []*dbtypes.Node `json:"nodes"`
	Edges      []*dbtypes.Edge `json:"edges"`
	UpdateTime time.Time       `json:"update_time"`
}

type DB struct {
	db  *badger.DB
	now func() time.Time
}

// Open opens (creating if needed) the Badger database in dataDir.
func Open(dataDir string) (*DB, error) {
	db, err := badger.Open(badger.DefaultOptions(dataDir))
	if err != nil {
		return nil, xerrors.Errorf("while opening badger kv dir %q: %w", dataDir, err)
	}
	return &DB{db: db, now: time.Now}, nil
}

func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return xerrors.Errorf("while closing badger: %w", err)
	}
	return nil
}

// update runs fn in a read-write transaction, retrying when Badger reports a
// conflict with a concurrent transaction.  fn re-reads its preconditions on
// every attempt.
func (d *DB) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := d.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

func getJSON(txn *badger.Txn, key []byte, out interface{}) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("while reading key %q: %w", key, err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
	if err != nil {
		return false, xerrors.Errorf("while decoding key %q: %w", key, err)
	}
	return true, nil
}

func setJSON(txn *badger.Txn, key []byte, in interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return xerrors.Errorf("while encoding key %q: %w", key, err)
	}
	if err := txn.Set(key, data); err != nil {
		return xerrors.Errorf("while writing key %q: %w", key, err)
	}
	return nil
}

// scan calls fn for every key under prefix, in key order.
func scan(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		val, err := item.ValueCopy(nil)
		if err != nil {
			return xerrors.Errorf("while reading key %q: %w", key, err)
		}
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return nil
}

// stamp returns a write token strictly after prev.
func (d *DB) stamp(prev time.Time) time.Time {
	t := d.now().UTC()
	if !t.After(prev) {
		t = prev.Add(time.Nanosecond)
	}
	return t
}

func (d *DB) CreateMap(ctx context.Context, m *dbtypes.Map, initial *dbtypes.Version) error {
	return d.update(ctx, func(txn *badger.Txn) error {
		existing := &dbtypes.Map{}
		found, err := getJSON(txn, mapKey(m.ID), existing)
		if err != nil {
			return err
		}
		if found {
			return xerrors.Errorf("map %s: %w", m.ID, dbtypes.ErrConflict)
		}
		if err := setJSON(txn, mapKey(m.ID), m); err != nil {
			return err
		}
		rec := &versionRecord{Nodes: initial.Nodes, Edges: initial.Edges, UpdateTime: d.stamp(time.Time{})}
		return setJSON(txn, versionKey(m.ID, initial.SemVer), rec)
	})
}

func (d *DB) GetMap(ctx context.Context, mapID string) (*dbtypes.Map, error) {
	m := &dbtypes.Map{}
	var found bool
	err := d.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, mapKey(mapID), m)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, xerrors.Errorf("%s: %w", mapID, dbtypes.ErrMapNotFound)
	}
	return m, nil
}

func (d *DB) ListMaps(ctx context.Context) ([]*dbtypes.Map, error) {
	var maps []*dbtypes.Map
	err := d.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte(keyPrefixMap), func(key, val []byte) error {
			m := &dbtypes.Map{}
			if err := json.Unmarshal(val, m); err != nil {
				return xerrors.Errorf("while decoding map %q: %w", key, err)
			}
			maps = append(maps, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return maps, nil
}

func (d *DB) MapsForCampus(ctx context.Context, campusID string) ([]*dbtypes.Map, error) {
	maps, err := d.ListMaps(ctx)
	if err != nil {
		return nil, err
	}
	var out []*dbtypes.Map
	for _, m := range maps {
		if m.IncludesCampus(campusID) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (d *DB) DeleteMap(ctx context.Context, mapID string) error {
	return d.update(ctx, func(txn *badger.Txn) error {
		var keys [][]byte
		err := scan(txn, versionKeyPrefix(mapID), func(key, _ []byte) error {
			keys = append(keys, key)
			return nil
		})
		if err != nil {
			return err
		}
		keys = append(keys, mapKey(mapID))
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return xerrors.Errorf("while deleting key %q: %w", k, err)
			}
		}
		return nil
	})
}

func (d *DB) SetActivePointers(ctx context.Context, mapID string, activeCampus, activeMap *string) error {
	return d.update(ctx, func(txn *badger.Txn) error {
		m := &dbtypes.Map{}
		found, err := getJSON(txn, mapKey(mapID), m)
		if err != nil {
			return err
		}
		if !found {
			return xerrors.Errorf("%s: %w", mapID, dbtypes.ErrMapNotFound)
		}
		m.CurrentActiveCampus = activeCampus
		m.CurrentActiveMap = activeMap
		return setJSON(txn, mapKey(mapID), m)
	})
}

func (d *DB) GetVersion(ctx context.Context, mapID, semver string) (*dbtypes.Version, bool, error) {
	rec := &versionRecord{}
	var found bool
	err := d.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, versionKey(mapID, semver), rec)
		return err
	})
	if err != nil || !found {
		return nil, false, err
	}
	v := &dbtypes.Version{
		MapID:      mapID,
		SemVer:     semver,
		Nodes:      rec.Nodes,
		Edges:      rec.Edges,
		UpdateTime: rec.UpdateTime,
	}
	if v.Nodes == nil {
		v.Nodes = []*dbtypes.Node{}
	}
	if v.Edges == nil {
		v.Edges = []*dbtypes.Edge{}
	}
	return v, true, nil
}

func (d *DB) ListVersions(ctx context.Context, mapID string) ([]string, error) {
	prefix := versionKeyPrefix(mapID)
	var out []string
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			out = append(out, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ForkVersion writes v and moves mapID's pointer from expected to v.SemVer in
// one transaction.  A document already at v.SemVer while the pointer is still
// at expected was left by a fork that never moved the pointer; it is replaced.
func (d *DB) ForkVersion(ctx context.Context, v *dbtypes.Version, expected string) error {
	return d.update(ctx, func(txn *badger.Txn) error {
		m := &dbtypes.Map{}
		found, err := getJSON(txn, mapKey(v.MapID), m)
		if err != nil {
			return err
		}
		if !found {
			return xerrors.Errorf("%s: %w", v.MapID, dbtypes.ErrMapNotFound)
		}
		if m.CurrentVersion != expected {
			return xerrors.Errorf("%s is at %s, not %s: %w", v.MapID, m.CurrentVersion, expected, dbtypes.ErrVersionConflict)
		}

		key := versionKey(v.MapID, v.SemVer)
		orphan := &versionRecord{}
		if _, err := getJSON(txn, key, orphan); err != nil {
			return err
		}
		rec := &versionRecord{Nodes: v.Nodes, Edges: v.Edges, UpdateTime: d.stamp(orphan.UpdateTime)}
		if err := setJSON(txn, key, rec); err != nil {
			return err
		}

		m.CurrentVersion = v.SemVer
		return setJSON(txn, mapKey(v.MapID), m)
	})
}

func (d *DB) ReplaceVersion(ctx context.Context, v *dbtypes.Version) error {
	return d.update(ctx, func(txn *badger.Txn) error {
		key := versionKey(v.MapID, v.SemVer)
		existing := &versionRecord{}
		found, err := getJSON(txn, key, existing)
		if err != nil {
			return err
		}
		switch {
		case v.UpdateTime.IsZero() && found:
			return xerrors.Errorf("%s of %s appeared concurrently: %w", v.SemVer, v.MapID, dbtypes.ErrVersionExists)
		case !v.UpdateTime.IsZero() && !found:
			return xerrors.Errorf("%s of %s vanished concurrently: %w", v.SemVer, v.MapID, dbtypes.ErrConflict)
		case found && !existing.UpdateTime.Equal(v.UpdateTime):
			return xerrors.Errorf("%s of %s changed concurrently: %w", v.SemVer, v.MapID, dbtypes.ErrConflict)
		}
		rec := &versionRecord{Nodes: v.Nodes, Edges: v.Edges, UpdateTime: d.stamp(existing.UpdateTime)}
		return setJSON(txn, key, rec)
	})
}

func (d *DB) UpdateCurrentVersion(ctx context.Context, mapID, expected, next string) error {
	return d.update(ctx, func(txn *badger.Txn) error {
		m := &dbtypes.Map{}
		found, err := getJSON(txn, mapKey(mapID), m)
		if err != nil {
			return err
		}
		if !found {
			return xerrors.Errorf("%s: %w", mapID, dbtypes.ErrMapNotFound)
		}
		if m.CurrentVersion != expected {
			return xerrors.Errorf("%s is at %s, not %s: %w", mapID, m.CurrentVersion, expected, dbtypes.ErrVersionConflict)
		}
		m.CurrentVersion = next
		return setJSON(txn, mapKey(mapID), m)
	})
}

func (d *DB) PutEntity(ctx context.Context, collection, id string, v interface{}) error {
	return d.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, entityKey(collection, id), v)
	})
}

func (d *DB) GetEntity(ctx context.Context, collection, id string, out interface{}) (bool, error) {
	var found bool
	err := d.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, entityKey(collection, id), out)
		return err
	})
	return found, err
}

func (d *DB) EachEntity(ctx context.Context, collection string, fn func(id string, decode func(interface{}) error) error) error {
	prefix := entityKeyPrefix(collection)
	return d.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefix, func(key, val []byte) error {
			id := strings.TrimPrefix(string(key), string(prefix))
			return fn(id, func(out interface{}) error {
				return json.Unmarshal(val, out)
			})
		})
	})
}

func (d *DB) EntityIDs(ctx context.Context, collection string) ([]string, error) {
	var out []string
	err := d.EachEntity(ctx, collection, func(id string, _ func(interface{}) error) error {
		out = append(out, id)
		return nil
	})
	return out, err
}

func (d *DB) GlobalInfo(ctx context.Context) (*dbtypes.GlobalInfo, error) {
	info := &dbtypes.GlobalInfo{}
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := getJSON(txn, []byte(keyGlobalInfo), info)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (d *DB) MarkDirty(ctx context.Context, collection string) error {
	return d.update(ctx, func(txn *badger.Txn) error {
		info := &dbtypes.GlobalInfo{}
		if _, err := getJSON(txn, []byte(keyGlobalInfo), info); err != nil {
			return err
		}
		info.Mark(collection)
		return setJSON(txn, []byte(keyGlobalInfo), info)
	})
}

// ClearDirty clears the flags that are set in exported.
func (d *DB) ClearDirty(ctx context.Context, exported *dbtypes.GlobalInfo) error {
	return d.update(ctx, func(txn *badger.Txn) error {
		info := &dbtypes.GlobalInfo{}
		if _, err := getJSON(txn, []byte(keyGlobalInfo), info); err != nil {
			return err
		}
		info.Clear(exported)
		return setJSON(txn, []byte(keyGlobalInfo), info)
	})
}
