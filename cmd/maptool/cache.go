package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"crimson-map/arcache"
	"crimson-map/dbtypes"
	"crimson-map/export"

	"cloud.google.com/go/storage"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
	googleopt "google.golang.org/api/option"
)

var cmdExport = &cobra.Command{
	Use:   "export",
	Short: "Write every snapshot file once.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, cat, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		var sink export.Sink
		if exportBucket != "" {
			gcs, err := storage.NewClient(ctx, googleopt.WithGRPCConnectionPool(1))
			if err != nil {
				return fmt.Errorf("while creating GCS client: %w", err)
			}
			defer gcs.Close()
			sink = export.NewGCSSink(gcs, exportBucket, exportPrefix)
		} else {
			if err := os.MkdirAll(exportDir, 0o755); err != nil {
				return fmt.Errorf("while creating output directory: %w", err)
			}
			sink = &export.DirSink{Dir: exportDir}
		}

		if err := export.New(store, cat).WriteAll(ctx, sink); err != nil {
			return fmt.Errorf("while exporting: %w", err)
		}
		glog.Infof("Export complete")
		return nil
	},
}

var (
	exportDir    string
	exportBucket string
	exportPrefix string
)

func init() {
	cmdExport.Flags().StringVar(&exportDir, "output-dir", "./export", "")
	cmdExport.Flags().StringVar(&exportBucket, "output-bucket", "", "GCS bucket; overrides --output-dir.")
	cmdExport.Flags().StringVar(&exportPrefix, "output-prefix", "", "")
}

var (
	cacheDir       string
	upstreamDir    string
	upstreamBucket string
	upstreamPrefix string
	maxAgeHours    float64
)

func init() {
	for _, c := range []*cobra.Command{cmdSync, cmdCache} {
		c.PersistentFlags().StringVar(&cacheDir, "cache-dir", "./ar-cache", "Local snapshot cache directory.")
	}
	cmdSync.Flags().StringVar(&upstreamDir, "upstream-dir", "", "Directory of exported snapshot files.")
	cmdSync.Flags().StringVar(&upstreamBucket, "upstream-bucket", "", "GCS bucket of exported snapshot files; overrides --upstream-dir.")
	cmdSync.Flags().StringVar(&upstreamPrefix, "upstream-prefix", "", "")
	cmdSync.Flags().Float64Var(&maxAgeHours, "max-age-hours", 24, "Refetch files older than this.")
}

var cmdSync = &cobra.Command{
	Use:   "sync [MAP_ID...]",
	Short: "Refresh the local snapshot cache from upstream.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var fetcher arcache.Fetcher
		switch {
		case upstreamBucket != "":
			gcs, err := storage.NewClient(ctx, googleopt.WithGRPCConnectionPool(1))
			if err != nil {
				return fmt.Errorf("while creating GCS client: %w", err)
			}
			defer gcs.Close()
			fetcher = arcache.NewGCSFetcher(gcs, upstreamBucket, upstreamPrefix)
		case upstreamDir != "":
			fetcher = &arcache.DirFetcher{Dir: upstreamDir}
		default:
			return fmt.Errorf("one of --upstream-dir or --upstream-bucket is required")
		}

		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return fmt.Errorf("while creating cache directory: %w", err)
		}
		syncer := arcache.NewSyncer(&arcache.Cache{Dir: cacheDir}, fetcher, maxAgeHours)

		fetched, err := syncer.SyncStatic(ctx)
		if err != nil {
			return fmt.Errorf("while syncing static data: %w", err)
		}
		glog.Infof("Static data fetched=%v", fetched)

		for _, mapID := range args {
			fetched, err := syncer.SyncMap(ctx, mapID)
			if err != nil {
				return fmt.Errorf("while syncing %s: %w", mapID, err)
			}
			glog.Infof("Map %s fetched=%v", mapID, fetched)
		}
		return nil
	},
}

var cmdCache = &cobra.Command{
	Use: "cache [command]",
}

var cmdCacheStatus = &cobra.Command{
	Use:  "status [MAP_ID...]",
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cache := &arcache.Cache{Dir: cacheDir}
		now := time.Now()
		maxAge := time.Duration(maxAgeHours * float64(time.Hour))

		static, err := cache.StaticDataCache()
		if err != nil {
			return err
		}
		fmt.Printf("static\tcomplete=%v\tfresh=%v\n", static.Complete(), arcache.Fresh(static.CacheTimestamp, now, maxAge))

		for _, mapID := range args {
			vc, err := cache.VersionCache(mapID)
			if err != nil {
				return err
			}
			if vc == nil {
				fmt.Printf("%s\tnot cached\n", mapID)
				continue
			}
			fmt.Printf("%s\t%s\tfresh=%v\n", mapID, vc.CachedVersion, arcache.Fresh(vc.CacheTimestamp, now, maxAge))
		}
		return nil
	},
}

var cmdCacheNodes = &cobra.Command{
	Use:   "nodes MAP_ID",
	Short: "Print the active nodes and edges the AR client would load.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cache := &arcache.Cache{Dir: cacheDir}

		nodes, err := cache.Nodes(args[0])
		if err != nil {
			return err
		}
		edges, err := cache.Edges(args[0])
		if err != nil {
			return err
		}

		var kinds []dbtypes.NodeKind
		for _, k := range cacheNodesKinds {
			kinds = append(kinds, dbtypes.ParseNodeKind(k))
		}
		return printJSON(map[string]interface{}{
			"nodes": arcache.ActiveNodes(nodes, kinds...),
			"edges": arcache.ActiveEdges(edges),
		})
	},
}

var cacheNodesKinds []string

func init() {
	cmdCacheNodes.Flags().StringSliceVar(&cacheNodesKinds, "kind", []string{}, "Only nodes of these kinds.")
	cmdCacheStatus.Flags().Float64Var(&maxAgeHours, "max-age-hours", 24, "")
}
