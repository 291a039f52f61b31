// exporter writes the snapshot files consumed by the AR client whenever the
// store reports a change.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crimson-map/catalog"
	"crimson-map/config"
	"crimson-map/export"
	"crimson-map/exportpoller"
	"crimson-map/healthz"
	"crimson-map/monitoring"
	"crimson-map/versionstore"

	"cloud.google.com/go/storage"
	googleopt "google.golang.org/api/option"
)

var (
	debugListen   = flag.String("debug-listen", "127.0.0.1:8002", "Server address:port for debug endpoint.")
	recheckPeriod = flag.Duration("recheck-period", 1*time.Minute, "Time between change checks.")
	outputDir     = flag.String("output-dir", "", "Write snapshot files to this directory.")
	outputBucket  = flag.String("output-bucket", "", "Write snapshot files to this GCS bucket instead of --output-dir.")
	outputPrefix  = flag.String("output-prefix", "", "Object name prefix inside --output-bucket.")

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
		slog.String("debug-listen", *debugListen),
		slog.Duration("recheck-period", *recheckPeriod),
		slog.String("output-dir", *outputDir),
		slog.String("output-bucket", *outputBucket),
		slog.String("output-prefix", *outputPrefix),
		slog.String("backend", backend.Kind),
		slog.String("data-project", backend.DataProject),
		slog.String("data-dir", backend.DataDir),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := do(ctx); err != nil {
		slog.ErrorContext(ctx, "Error", slog.Any("err", err))
		os.Exit(255)
	}
}

func do(ctx context.Context) error {
	shutdownMonitoring, err := monitoring.Install(ctx, "exporter", monitoringOpt)
	defer shutdownMonitoring()
	if err != nil {
		return err
	}

	db, closeDB, err := backend.Open(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	var sink export.Sink
	switch {
	case *outputBucket != "":
		gcs, err := storage.NewClient(ctx, googleopt.WithGRPCConnectionPool(1))
		if err != nil {
			return fmt.Errorf("while creating GCS client: %w", err)
		}
		defer gcs.Close()
		sink = export.NewGCSSink(gcs, *outputBucket, *outputPrefix)
	case *outputDir != "":
		if err := os.MkdirAll(*outputDir, 0o755); err != nil {
			return fmt.Errorf("while creating output directory: %w", err)
		}
		sink = &export.DirSink{Dir: *outputDir}
	default:
		return fmt.Errorf("one of --output-dir or --output-bucket is required")
	}

	store := versionstore.New(db)
	cat := catalog.New(db)
	poller := exportpoller.New(export.New(store, cat), store, db, sink, *recheckPeriod)

	debugServer := &http.Server{
		Addr: *debugListen,
		Handler: healthz.NewDebugServeMux(healthz.New().WithCheck("store", func(ctx context.Context) error {
			_, err := db.GlobalInfo(ctx)
			return err
		})),

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := debugServer.ListenAndServe(); err != nil {
			slog.ErrorContext(ctx, "Debug server died", slog.Any("err", err))
			os.Exit(255)
		}
	}()

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	go func() {
		if err := poller.Run(pollCtx); err != nil && err != context.Canceled {
			slog.ErrorContext(ctx, "Poller stopped", slog.Any("err", err))
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	return nil
}
