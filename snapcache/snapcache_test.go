package snapcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"crimson-map/dbtypes"
	"crimson-map/export"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	c, err := NewFromURL(context.Background(), "redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, s
}

func TestMapSnapshotCaches(t *testing.T) {
	ctx := context.Background()
	c, s := setupTestCache(t)

	loads := 0
	load := func(context.Context) (*export.MapSnapshot, error) {
		loads++
		return &export.MapSnapshot{
			MapID:   "MAP-01",
			Version: "v1.0.2",
			Nodes:   []*dbtypes.Node{{NodeID: "ND-001"}},
			Edges:   []*dbtypes.Edge{},
		}, nil
	}

	first, err := c.MapSnapshot(ctx, "MAP-01", load)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	second, err := c.MapSnapshot(ctx, "MAP-01", load)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if loads != 1 {
		t.Errorf("Loader ran %d times, want 1", loads)
	}
	if diff := cmp.Diff(second, first); diff != "" {
		t.Errorf("Cached snapshot differs; diff (-got +want)\n%s", diff)
	}

	if err := c.InvalidateMap(ctx, "MAP-01"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := c.MapSnapshot(ctx, "MAP-01", load); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if loads != 2 {
		t.Errorf("Loader ran %d times after invalidation, want 2", loads)
	}

	s.FastForward(2 * time.Minute)
	if _, err := c.MapSnapshot(ctx, "MAP-01", load); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if loads != 3 {
		t.Errorf("Loader ran %d times after expiry, want 3", loads)
	}
}

func TestLoaderErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	c, _ := setupTestCache(t)

	_, err := c.StaticSnapshot(ctx, func(context.Context) (*export.StaticSnapshot, error) {
		return nil, dbtypes.ErrNotFound
	})
	if !errors.Is(err, dbtypes.ErrNotFound) {
		t.Fatalf("Got %v, want ErrNotFound", err)
	}

	got, err := c.StaticSnapshot(ctx, func(context.Context) (*export.StaticSnapshot, error) {
		return &export.StaticSnapshot{Campus: []*dbtypes.Campus{{CampusID: "CAMP-01"}}}, nil
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(got.Campus) != 1 {
		t.Errorf("Got %+v", got)
	}
}

func TestRedisDownFallsThrough(t *testing.T) {
	ctx := context.Background()
	c, s := setupTestCache(t)
	s.Close()

	got, err := c.MapSnapshot(ctx, "MAP-01", func(context.Context) (*export.MapSnapshot, error) {
		return &export.MapSnapshot{MapID: "MAP-01"}, nil
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.MapID != "MAP-01" {
		t.Errorf("Got %+v", got)
	}
}
