// Package exportpoller re-exports snapshots when the store reports changes.
package exportpoller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crimson-map/dbtypes"
	"crimson-map/export"
)

// DirtyFlags is the store's record of which static collections changed.
type DirtyFlags interface {
	GlobalInfo(ctx context.Context) (*dbtypes.GlobalInfo, error)
	ClearDirty(ctx context.Context, exported *dbtypes.GlobalInfo) error
}

// Poller runs an infinite loop, exporting whenever a static collection is
// dirty or any map's current version has moved since the last export.
type Poller struct {
	exporter      *export.Exporter
	graph         export.Graph
	flags         DirtyFlags
	sink          export.Sink
	recheckPeriod time.Duration

	// Current version of every map at the last successful export.  Nil
	// until the first export, which always runs.
	exported map[string]string
}

func New(exporter *export.Exporter, graph export.Graph, flags DirtyFlags, sink export.Sink, recheckPeriod time.Duration) *Poller {
	return &Poller{
		exporter:      exporter,
		graph:         graph,
		flags:         flags,
		sink:          sink,
		recheckPeriod: recheckPeriod,
	}
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.recheckPeriod)
	defer ticker.Stop()

	// Poll once right away --- ticker doesn't fire until the tick period has
	// elapsed.
	if _, err := p.Poll(ctx); err != nil {
		slog.ErrorContext(ctx, "Error during poller pass", slog.Any("err", err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := p.Poll(ctx); err != nil {
			slog.ErrorContext(ctx, "Error during poller pass", slog.Any("err", err))
		}
	}
}

// Poll runs a single pass and reports whether it exported.
func (p *Poller) Poll(ctx context.Context) (bool, error) {
	slog.InfoContext(ctx, "Starting poller pass")
	defer func() {
		slog.InfoContext(ctx, "Finished poller pass")
	}()

	// Read the flags before exporting.  Only these are cleared afterwards, so
	// a write that lands mid-export stays dirty for the next pass.
	info, err := p.flags.GlobalInfo(ctx)
	if err != nil {
		return false, fmt.Errorf("while reading dirty flags: %w", err)
	}

	maps, err := p.graph.Maps(ctx)
	if err != nil {
		return false, fmt.Errorf("while listing maps: %w", err)
	}
	versions := map[string]string{}
	for _, m := range maps {
		versions[m.ID] = m.CurrentVersion
	}

	if p.exported != nil && !info.Any() && sameVersions(p.exported, versions) {
		return false, nil
	}

	slog.InfoContext(ctx, "Exporting snapshots", slog.Any("dirty", info), slog.Int("maps", len(maps)))
	if err := p.exporter.WriteAll(ctx, p.sink); err != nil {
		return false, fmt.Errorf("while exporting: %w", err)
	}

	if info.Any() {
		if err := p.flags.ClearDirty(ctx, info); err != nil {
			return true, fmt.Errorf("while clearing dirty flags: %w", err)
		}
	}
	p.exported = versions
	return true, nil
}

func sameVersions(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
