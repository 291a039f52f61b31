// Package config holds the settings shared by the binaries: flag defaults
// overridable from the environment or a .env file, and backend selection.
package config

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"crimson-map/catalog"
	"crimson-map/dblayer"
	"crimson-map/exportpoller"
	"crimson-map/geo"
	"crimson-map/localdb"
	"crimson-map/versionstore"

	"cloud.google.com/go/firestore"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"github.com/joho/godotenv"
	secretmanagerpb "google.golang.org/genproto/googleapis/cloud/secretmanager/v1"
)

// EnvPrefix namespaces the environment variables that override flags.
const EnvPrefix = "CRIMSON_MAP_"

// LoadDotEnv loads path into the process environment.  A missing file is not
// an error; variables already set win over the file.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("while loading %s: %w", path, err)
	}
	return nil
}

// EnvName is the variable that overrides the named flag: "data-project"
// becomes CRIMSON_MAP_DATA_PROJECT.
func EnvName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// ApplyEnv sets every flag in fs that was not given on the command line from
// its environment variable, if present.  Call it after fs.Parse.
func ApplyEnv(fs *flag.FlagSet) error {
	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] || firstErr != nil {
			return
		}
		v, ok := os.LookupEnv(EnvName(f.Name))
		if !ok {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			firstErr = fmt.Errorf("while applying %s: %w", EnvName(f.Name), err)
		}
	})
	return firstErr
}

// ParseOrigin parses "lat,lng".  The empty string is geo.DefaultOrigin.
func ParseOrigin(s string) (geo.Coordinate, error) {
	if s == "" {
		return geo.DefaultOrigin, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return geo.Coordinate{}, fmt.Errorf("origin %q is not lat,lng", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("while parsing origin latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("while parsing origin longitude: %w", err)
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return geo.Coordinate{}, fmt.Errorf("origin %q out of range", s)
	}
	return geo.Coordinate{Lat: lat, Lng: lng}, nil
}

// Store is everything the binaries need from a document store.  Both
// *dblayer.DB and *localdb.DB satisfy it.
type Store interface {
	versionstore.Backend
	catalog.EntityStore
	exportpoller.DirtyFlags
}

var (
	_ Store = (*dblayer.DB)(nil)
	_ Store = (*localdb.DB)(nil)
)

// Backend selects and opens a Store.
type Backend struct {
	// "firestore" or "badger".
	Kind string

	// Firestore project, for Kind "firestore".
	DataProject string

	// Badger directory, for Kind "badger".
	DataDir string
}

// RegisterFlags adds the backend flags to fs.
func (b *Backend) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&b.Kind, "backend", "firestore", "Document store: firestore or badger.")
	fs.StringVar(&b.DataProject, "data-project", "", "GCP project that contains the application state.")
	fs.StringVar(&b.DataDir, "data-dir", "./crimson-map-data", "Badger directory, for --backend=badger.")
}

// Open returns the store and a function that releases it.
func (b *Backend) Open(ctx context.Context) (Store, func() error, error) {
	switch b.Kind {
	case "firestore":
		if b.DataProject == "" {
			return nil, nil, fmt.Errorf("--data-project is required for the firestore backend")
		}
		fstore, err := firestore.NewClient(ctx, b.DataProject)
		if err != nil {
			return nil, nil, fmt.Errorf("while creating FireStore client: %w", err)
		}
		return dblayer.New(fstore), fstore.Close, nil

	case "badger":
		db, err := localdb.Open(b.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", b.Kind)
}

// AccessSecret returns the latest version of a Secret Manager secret.
func AccessSecret(ctx context.Context, project, secret string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	secretClient, err := secretmanager.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("while creating Secret Manager client: %w", err)
	}
	defer secretClient.Close()

	resp, err := secretClient.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, secret),
	})
	if err != nil {
		return "", fmt.Errorf("while pulling secret: %w", err)
	}

	return string(resp.GetPayload().GetData()), nil
}
