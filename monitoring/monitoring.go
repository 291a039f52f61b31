// Package monitoring installs the exporters shared by the long-running
// binaries: OpenTelemetry traces and metrics to Cloud Trace and Cloud
// Monitoring, OpenCensus views to Stackdriver, and the Cloud Profiler agent.
package monitoring

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/profiler"
	"contrib.go.opencensus.io/exporter/stackdriver"
	cloudmetrics "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	cloudtrace "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type Options struct {
	Enabled    bool
	Project    string
	TraceRatio float64
	Profiling  bool
}

func (o *Options) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&o.Enabled, "monitoring", false, "Enable monitoring?")
	fs.StringVar(&o.Project, "monitoring-project", "", "Override project used for monitoring integration.  If not specified, the project associated with Application Default Credentials is used.")
	fs.Float64Var(&o.TraceRatio, "monitoring-trace-ratio", 0.0001, "What ratio of traces should be exported?")
	fs.BoolVar(&o.Profiling, "enable-profiling", false, "Start the Cloud Profiler agent.")
}

// Install starts everything o enables for the named service.  The returned
// function flushes and stops the exporters; it is never nil.
func Install(ctx context.Context, service string, o Options) (func(), error) {
	var stops []func()
	shutdown := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if o.Profiling {
		if err := profiler.Start(profiler.Config{
			Service:        service,
			ServiceVersion: "0.0.1",
			ProjectID:      o.Project,
		}); err != nil {
			return shutdown, fmt.Errorf("while starting profiler: %w", err)
		}
	}

	if !o.Enabled {
		return shutdown, nil
	}

	metricsOpts := []cloudmetrics.Option{}
	traceOpts := []cloudtrace.Option{}
	if o.Project != "" {
		metricsOpts = append(metricsOpts, cloudmetrics.WithProjectID(o.Project))
		traceOpts = append(traceOpts, cloudtrace.WithProjectID(o.Project))
	}

	_, traceShutdown, err := cloudtrace.InstallNewPipeline(traceOpts, sdktrace.WithSampler(sdktrace.TraceIDRatioBased(o.TraceRatio)))
	if err != nil {
		return shutdown, fmt.Errorf("while installing Cloud Trace pipeline: %w", err)
	}
	stops = append(stops, traceShutdown)

	pusher, err := cloudmetrics.InstallNewPipeline(metricsOpts)
	if err != nil {
		return shutdown, fmt.Errorf("while installing Cloud Metrics pipeline: %w", err)
	}
	stops = append(stops, func() {
		if err := pusher.Stop(ctx); err != nil {
			slog.ErrorContext(ctx, "Error stopping metrics pusher", slog.Any("err", err))
		}
	})

	// The HTTP request views are recorded through OpenCensus.
	sd, err := stackdriver.NewExporter(stackdriver.Options{
		ProjectID:         o.Project,
		MetricPrefix:      service,
		ReportingInterval: 60 * time.Second,
	})
	if err != nil {
		return shutdown, fmt.Errorf("while creating Stackdriver exporter: %w", err)
	}
	if err := sd.StartMetricsExporter(); err != nil {
		return shutdown, fmt.Errorf("while starting Stackdriver metrics exporter: %w", err)
	}
	stops = append(stops, func() {
		sd.Flush()
		sd.StopMetricsExporter()
	})

	return shutdown, nil
}
