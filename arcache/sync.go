package arcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"crimson-map/dbtypes"
	"crimson-map/export"

	"cloud.google.com/go/storage"
)

// ErrNotExported is returned by a Fetcher when the upstream has no such file.
var ErrNotExported = errors.New("file not exported upstream")

// Fetcher reads one exported file from upstream.
type Fetcher interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// DirFetcher reads from a directory written by export.DirSink.
type DirFetcher struct {
	Dir string
}

func (f *DirFetcher) Fetch(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.Dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotExported)
	}
	if err != nil {
		return nil, fmt.Errorf("while reading %s: %w", name, err)
	}
	return data, nil
}

// GCSFetcher reads objects written by export.GCSSink.
type GCSFetcher struct {
	gcs    *storage.Client
	bucket string
	prefix string
}

func NewGCSFetcher(gcs *storage.Client, bucket, prefix string) *GCSFetcher {
	return &GCSFetcher{
		gcs:    gcs,
		bucket: bucket,
		prefix: prefix,
	}
}

func (f *GCSFetcher) Fetch(ctx context.Context, name string) ([]byte, error) {
	r, err := f.gcs.Bucket(f.bucket).Object(path.Join(f.prefix, name)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotExported)
	}
	if err != nil {
		return nil, fmt.Errorf("while opening reader for %s: %w", name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("while reading %s: %w", name, err)
	}
	return data, nil
}

// Syncer refreshes a Cache from a Fetcher when its contents are stale.
type Syncer struct {
	cache   *Cache
	fetcher Fetcher
	maxAge  time.Duration
	now     func() time.Time
}

type SyncerOpt func(*Syncer)

func WithClock(now func() time.Time) SyncerOpt {
	return func(s *Syncer) {
		s.now = now
	}
}

// NewSyncer treats cached files older than maxAgeHours as stale.
func NewSyncer(cache *Cache, fetcher Fetcher, maxAgeHours float64, opts ...SyncerOpt) *Syncer {
	s := &Syncer{
		cache:   cache,
		fetcher: fetcher,
		maxAge:  time.Duration(maxAgeHours * float64(time.Hour)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Syncer) copyFile(ctx context.Context, name string) error {
	data, err := s.fetcher.Fetch(ctx, name)
	if err != nil {
		return err
	}
	return s.cache.writeFile(ctx, name, data)
}

// SyncMap refreshes a map's nodes and edges when the cached copy is older than
// the threshold, or when upstream's current version differs from the cached
// one.  It reports whether anything was fetched.
func (s *Syncer) SyncMap(ctx context.Context, mapID string) (bool, error) {
	data, err := s.fetcher.Fetch(ctx, export.MapsFile)
	if err != nil {
		return false, err
	}
	var maps []*dbtypes.Map
	if err := json.Unmarshal(data, &maps); err != nil {
		return false, fmt.Errorf("while decoding %s: %w", export.MapsFile, err)
	}
	var upstream *dbtypes.Map
	for _, m := range maps {
		if m.ID == mapID {
			upstream = m
		}
	}
	if upstream == nil {
		return false, fmt.Errorf("%s: %w", mapID, dbtypes.ErrMapNotFound)
	}

	cached, err := s.cache.VersionCache(mapID)
	if err != nil {
		return false, err
	}
	now := s.now()
	if cached != nil && cached.CachedVersion == upstream.CurrentVersion && Fresh(cached.CacheTimestamp, now, s.maxAge) {
		return false, nil
	}

	for _, name := range []string{export.NodesFile(mapID), export.EdgesFile(mapID)} {
		if err := s.copyFile(ctx, name); err != nil {
			return false, err
		}
	}
	if err := s.cache.writeFile(ctx, export.MapsFile, data); err != nil {
		return false, err
	}

	vc := &VersionCache{
		MapID:          mapID,
		CachedVersion:  upstream.CurrentVersion,
		MapName:        upstream.Name,
		CacheTimestamp: now,
	}
	if err := s.cache.writeJSON(ctx, VersionCacheFile(mapID), vc); err != nil {
		return false, err
	}

	slog.InfoContext(ctx, "Synced map snapshot", slog.String("map", mapID), slog.String("version", upstream.CurrentVersion))
	return true, nil
}

// SyncStatic refreshes the flat collections when they are stale or only
// partly synced.  It reports whether anything was fetched.
func (s *Syncer) SyncStatic(ctx context.Context) (bool, error) {
	sc, err := s.cache.StaticDataCache()
	if err != nil {
		return false, err
	}
	now := s.now()
	if sc.Complete() && Fresh(sc.CacheTimestamp, now, s.maxAge) {
		return false, nil
	}

	files := []struct {
		name   string
		synced *bool
	}{
		{export.BuildingsFile, &sc.Buildings},
		{export.CampusFile, &sc.Campus},
		{export.CategoriesFile, &sc.Categories},
		{export.InfrastructureFile, &sc.Infrastructure},
		{export.IndoorFile, &sc.Indoor},
		{export.RoomsFile, &sc.Rooms},
		{export.MapsFile, &sc.Maps},
	}
	var firstErr error
	for _, f := range files {
		*f.synced = false
		if err := s.copyFile(ctx, f.name); err != nil {
			slog.WarnContext(ctx, "Failed to sync static file", slog.String("file", f.name), slog.Any("err", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		*f.synced = true
	}

	// Record partial progress so the flags say which files are current.
	sc.CacheTimestamp = now
	if err := s.cache.writeJSON(ctx, StaticDataCacheFile, sc); err != nil {
		return false, err
	}
	return true, firstErr
}
