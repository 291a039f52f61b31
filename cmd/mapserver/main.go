// mapserver serves the admin JSON API for campus maps and the static catalog.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crimson-map/catalog"
	"crimson-map/config"
	"crimson-map/export"
	"crimson-map/healthz"
	"crimson-map/httpmetrics"
	"crimson-map/mapapi"
	"crimson-map/monitoring"
	"crimson-map/snapcache"
	"crimson-map/versionstore"

	"github.com/rs/cors"
)

var (
	listen         = flag.String("listen", "0.0.0.0:8080", "Server address:port for the API.")
	debugListen    = flag.String("debug-listen", "127.0.0.1:8001", "Server address:port for debug endpoint.")
	redisURL       = flag.String("redis-url", "", "Redis URL for the snapshot cache.  Empty disables the cache.")
	redisURLSecret = flag.String("redis-url-secret", "", "GCP Secret Manager secret name that contains the Redis URL.  Overrides --redis-url.")
	snapshotTTL    = flag.Duration("snapshot-ttl", 5*time.Minute, "How long cached snapshots live.")
	origin         = flag.String("origin", "", "lat,lng anchoring the campus plane.  Empty uses the built-in campus origin.")
	legacyMirror   = flag.Bool("legacy-mirror", false, "Also write graph changes to the flat Nodes/Edges collections.")
	allowedOrigins = flag.String("allowed-origins", "http://localhost:3000", "Comma-separated origins allowed to call the API from a browser.")

	backend       config.Backend
	monitoringOpt monitoring.Options
)

func main() {
	backend.RegisterFlags(flag.CommandLine)
	monitoringOpt.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("Error", slog.Any("err", err))
		os.Exit(255)
	}
	if err := config.ApplyEnv(flag.CommandLine); err != nil {
		slog.Error("Error", slog.Any("err", err))
		os.Exit(255)
	}

	slog.Info("Starting up")
	slog.Info(
		"Flags",
		slog.String("listen", *listen),
		slog.String("debug-listen", *debugListen),
		slog.String("backend", backend.Kind),
		slog.String("data-project", backend.DataProject),
		slog.String("data-dir", backend.DataDir),
		slog.String("redis-url-secret", *redisURLSecret),
		slog.Duration("snapshot-ttl", *snapshotTTL),
		slog.String("origin", *origin),
		slog.Bool("legacy-mirror", *legacyMirror),
		slog.String("allowed-origins", *allowedOrigins),
		slog.Bool("monitoring", monitoringOpt.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := do(ctx); err != nil {
		slog.ErrorContext(ctx, "Error", slog.Any("err", err))
		os.Exit(255)
	}
}

func do(ctx context.Context) error {
	shutdownMonitoring, err := monitoring.Install(ctx, "mapserver", monitoringOpt)
	defer shutdownMonitoring()
	if err != nil {
		return err
	}

	originCoord, err := config.ParseOrigin(*origin)
	if err != nil {
		return err
	}

	db, closeDB, err := backend.Open(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	storeOpts := []versionstore.StoreOpt{versionstore.WithOrigin(originCoord)}
	if *legacyMirror {
		storeOpts = append(storeOpts, versionstore.WithLegacyMirror())
	}
	store := versionstore.New(db, storeOpts...)
	cat := catalog.New(db)

	ready := healthz.New().WithCheck("store", func(ctx context.Context) error {
		_, err := db.GlobalInfo(ctx)
		return err
	})

	cache, err := newSnapshotCache(ctx)
	if err != nil {
		return fmt.Errorf("while creating snapshot cache: %w", err)
	}
	if cache != nil {
		defer cache.Close()
		ready.WithCheck("redis", cache.Ping)
	}

	api := mapapi.New(store, cat, export.New(store, cat), cache)
	apiMux := http.NewServeMux()
	api.Register(apiMux)

	metrics := httpmetrics.New(apiMux)
	if err := metrics.RegisterMetrics(); err != nil {
		return fmt.Errorf("while registering HTTP metrics: %w", err)
	}
	defer metrics.UnregisterMetrics()

	handler := cors.New(cors.Options{
		AllowedOrigins: strings.Split(*allowedOrigins, ","),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Accept", "Origin"},
		MaxAge:         86400,
	}).Handler(metrics)

	server := &http.Server{
		Addr:    *listen,
		Handler: handler,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	debugServer := &http.Server{
		Addr:    *debugListen,
		Handler: healthz.NewDebugServeMux(ready),

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "Debug server died", slog.Any("err", err))
			os.Exit(255)
		}
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "API server died", slog.Any("err", err))
			os.Exit(255)
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	slog.InfoContext(ctx, "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("while shutting down API server: %w", err)
	}
	return debugServer.Shutdown(shutdownCtx)
}

// newSnapshotCache returns nil when no Redis is configured.
func newSnapshotCache(ctx context.Context) (*snapcache.Cache, error) {
	url := *redisURL
	if *redisURLSecret != "" {
		var err error
		url, err = config.AccessSecret(ctx, backend.DataProject, *redisURLSecret)
		if err != nil {
			return nil, err
		}
	}
	if url == "" {
		return nil, nil
	}
	return snapcache.NewFromURL(ctx, strings.TrimSpace(url), *snapshotTTL)
}
