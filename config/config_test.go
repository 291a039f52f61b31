package config

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"crimson-map/geo"
)

func TestApplyEnv(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	project := fs.String("data-project", "", "")
	listen := fs.String("listen", "127.0.0.1:8000", "")
	period := fs.Duration("recheck-period", 0, "")

	t.Setenv(EnvName("data-project"), "from-env")
	t.Setenv(EnvName("listen"), "0.0.0.0:9000")
	t.Setenv(EnvName("recheck-period"), "90s")

	if err := fs.Parse([]string{"--listen=:8080"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := ApplyEnv(fs); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if *project != "from-env" {
		t.Errorf("data-project = %q, want from-env", *project)
	}
	if *listen != ":8080" {
		t.Errorf("Command line lost to environment: listen = %q", *listen)
	}
	if period.Seconds() != 90 {
		t.Errorf("recheck-period = %v, want 90s", *period)
	}
}

func TestApplyEnvBadValue(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Int("workers", 1, "")
	t.Setenv(EnvName("workers"), "many")
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := ApplyEnv(fs); err == nil {
		t.Errorf("Bad environment value was accepted")
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Missing file got %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("CRIMSON_MAP_TEST_DOTENV=hello\n"), 0o644); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("CRIMSON_MAP_TEST_DOTENV") })
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := os.Getenv("CRIMSON_MAP_TEST_DOTENV"); got != "hello" {
		t.Errorf("Got %q, want hello", got)
	}
}

func TestParseOrigin(t *testing.T) {
	got, err := ParseOrigin("")
	if err != nil || got != geo.DefaultOrigin {
		t.Errorf("Empty origin got %v, %v", got, err)
	}
	got, err = ParseOrigin("6.5, 122.25")
	if err != nil || got != (geo.Coordinate{Lat: 6.5, Lng: 122.25}) {
		t.Errorf("Got %v, %v", got, err)
	}
	for _, bad := range []string{"6.5", "x,1", "91,0"} {
		if _, err := ParseOrigin(bad); err == nil {
			t.Errorf("ParseOrigin(%q) succeeded", bad)
		}
	}
}

func TestOpenBadger(t *testing.T) {
	b := &Backend{Kind: "badger", DataDir: t.TempDir()}
	store, closeFn, err := b.Open(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer closeFn()

	if _, err := store.ListMaps(context.Background()); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	if _, _, err := (&Backend{Kind: "sqlite"}).Open(context.Background()); err == nil {
		t.Errorf("Unknown backend was accepted")
	}
	if _, _, err := (&Backend{Kind: "firestore"}).Open(context.Background()); err == nil {
		t.Errorf("Firestore without a project was accepted")
	}
}
