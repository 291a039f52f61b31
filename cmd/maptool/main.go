// maptool is a utility program for inspecting and editing campus maps
// directly against the document store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"crimson-map/catalog"
	"crimson-map/config"
	"crimson-map/dbtypes"
	"crimson-map/reconcile"
	"crimson-map/versionstore"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var cmdRoot = &cobra.Command{
	Use: "maptool",

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv(".env")
	},
}

var (
	backend config.Backend
	origin  string
)

func init() {
	fs := flag.NewFlagSet("backend", flag.ContinueOnError)
	backend.RegisterFlags(fs)
	cmdRoot.PersistentFlags().AddGoFlagSet(fs)
	cmdRoot.PersistentFlags().StringVar(&origin, "origin", "", "lat,lng anchoring the campus plane.")
}

// openStore opens the configured backend.  Call the returned function when
// done.
func openStore(ctx context.Context) (*versionstore.Store, *catalog.Catalog, func() error, error) {
	originCoord, err := config.ParseOrigin(origin)
	if err != nil {
		return nil, nil, nil, err
	}
	db, closeDB, err := backend.Open(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("while opening %s backend: %w", backend.Kind, err)
	}
	glog.Infof("Opened %s backend", backend.Kind)
	return versionstore.New(db, versionstore.WithOrigin(originCoord)), catalog.New(db), closeDB, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("while marshaling output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

var cmdMaps = &cobra.Command{
	Use: "maps [command]",
}

var cmdMapsList = &cobra.Command{
	Use: "list",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, _, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		maps, err := store.Maps(ctx)
		if err != nil {
			return fmt.Errorf("while listing maps: %w", err)
		}
		for _, m := range maps {
			fmt.Printf("%s\t%s\t%s\t%v\n", m.ID, m.CurrentVersion, m.Name, m.CampusIncluded)
		}
		return nil
	},
}

var cmdMapsCreate = &cobra.Command{
	Use: "create",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, _, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		m, err := store.CreateMap(ctx, mapsCreateName, mapsCreateCampuses)
		if err != nil {
			return fmt.Errorf("while creating map: %w", err)
		}
		glog.Infof("Created map %s at %s", m.ID, m.CurrentVersion)
		return printJSON(m)
	},
}

var (
	mapsCreateName     string
	mapsCreateCampuses []string
)

func init() {
	cmdMapsCreate.Flags().StringVar(&mapsCreateName, "name", "", "")
	cmdMapsCreate.Flags().StringSliceVar(&mapsCreateCampuses, "campus", []string{}, "Campus ids the map covers.")
}

var cmdMapsDelete = &cobra.Command{
	Use:  "delete MAP_ID",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, _, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		if err := store.DeleteMap(ctx, args[0]); err != nil {
			return fmt.Errorf("while deleting map: %w", err)
		}
		glog.Infof("Deleted map %s", args[0])
		return nil
	},
}

var cmdMapsSetActive = &cobra.Command{
	Use:  "set-active MAP_ID CAMPUS_ID",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, _, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		return store.SetActive(ctx, args[0], args[1])
	},
}

var cmdVersions = &cobra.Command{
	Use: "versions [command]",
}

var cmdVersionsList = &cobra.Command{
	Use:  "list MAP_ID",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, _, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		m, err := store.Map(ctx, args[0])
		if err != nil {
			return err
		}
		versions, err := store.Versions(ctx, args[0])
		if err != nil {
			return fmt.Errorf("while listing versions: %w", err)
		}
		for _, v := range versions {
			marker := " "
			if v == m.CurrentVersion {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, v)
		}
		return nil
	},
}

var cmdVersionsShow = &cobra.Command{
	Use:  "show MAP_ID [VERSION]",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, _, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		var v *dbtypes.Version
		if len(args) == 2 {
			v, err = store.Version(ctx, args[0], args[1])
		} else {
			v, err = store.Current(ctx, args[0])
		}
		if err != nil {
			return err
		}
		return printJSON(v)
	},
}

var cmdView = &cobra.Command{
	Use:  "view MAP_ID CAMPUS_ID",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, _, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		v, err := store.Current(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(reconcile.BuildView(v, args[1]))
	},
}

var cmdNextIDs = &cobra.Command{
	Use:  "next-ids MAP_ID",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, _, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		nodeID, err := store.NextNodeID(ctx, args[0])
		if err != nil {
			return err
		}
		edgeID, err := store.NextEdgeID(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("node: %s\nedge: %s\n", nodeID, edgeID)
		return nil
	},
}

var cmdNodes = &cobra.Command{
	Use: "nodes [command]",
}

var cmdNodesSave = &cobra.Command{
	Use:   "save FILE",
	Short: "Save the node in FILE (JSON), forking or overwriting its campus map.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		policy, err := versionstore.ParsePolicy(writePolicy)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("while reading node: %w", err)
		}
		n := &dbtypes.Node{}
		if err := json.Unmarshal(data, n); err != nil {
			return fmt.Errorf("while decoding node: %w", err)
		}

		store, _, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		res, err := store.SaveNode(ctx, n, policy)
		if err != nil {
			return err
		}
		glog.Infof("Saved %s into %s %s", res.Node.NodeID, res.MapID, res.Version)
		return printJSON(res)
	},
}

var cmdNodesDelete = &cobra.Command{
	Use:  "delete MAP_ID NODE_ID",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		policy, err := versionstore.ParsePolicy(writePolicy)
		if err != nil {
			return err
		}

		store, _, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		res, err := store.DeleteNode(ctx, args[0], args[1], policy)
		if err != nil {
			return err
		}
		glog.Infof("Deleted %s in %s %s", args[1], res.MapID, res.Version)
		return nil
	},
}

var cmdEdges = &cobra.Command{
	Use: "edges [command]",
}

var cmdEdgesConnect = &cobra.Command{
	Use:  "connect MAP_ID FROM_NODE TO_NODE",
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		policy, err := versionstore.ParsePolicy(writePolicy)
		if err != nil {
			return err
		}

		store, _, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		res, err := store.SaveEdge(ctx, args[0], &dbtypes.Edge{
			FromNode: args[1],
			ToNode:   args[2],
			PathType: dbtypes.ParsePathType(edgesConnectPathType),
			IsActive: true,
		}, policy)
		if err != nil {
			return err
		}
		glog.Infof("Saved %s into %s %s", res.Edge.EdgeID, res.MapID, res.Version)
		return printJSON(res)
	},
}

var cmdEdgesDelete = &cobra.Command{
	Use:  "delete MAP_ID EDGE_ID",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		policy, err := versionstore.ParsePolicy(writePolicy)
		if err != nil {
			return err
		}

		store, _, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		res, err := store.DeleteEdge(ctx, args[0], args[1], policy)
		if err != nil {
			return err
		}
		glog.Infof("Deleted %s in %s %s", args[1], res.MapID, res.Version)
		return nil
	},
}

var (
	writePolicy          string
	edgesConnectPathType string
)

func init() {
	for _, c := range []*cobra.Command{cmdNodes, cmdEdges} {
		c.PersistentFlags().StringVar(&writePolicy, "policy", string(versionstore.PolicyFork), "fork or overwrite")
	}
	cmdEdgesConnect.Flags().StringVar(&edgesConnectPathType, "path-type", "", "")
}

var cmdActivity = &cobra.Command{
	Use: "activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, cat, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		logs, err := cat.RecentActivity(ctx, activityLimit)
		if err != nil {
			return err
		}
		return printJSON(logs)
	},
}

var activityLimit int

func init() {
	cmdActivity.Flags().IntVar(&activityLimit, "limit", 20, "")
}

func main() {
	// glog's flags live on the standard flag set.
	cmdRoot.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	flag.CommandLine.Parse([]string{})

	glog.CopyStandardLogTo("INFO")
	defer glog.Flush()

	cmdRoot.AddCommand(cmdMaps, cmdVersions, cmdView, cmdNextIDs, cmdNodes, cmdEdges, cmdActivity, cmdExport, cmdSync, cmdCache)
	cmdMaps.AddCommand(cmdMapsList, cmdMapsCreate, cmdMapsDelete, cmdMapsSetActive)
	cmdVersions.AddCommand(cmdVersionsList, cmdVersionsShow)
	cmdNodes.AddCommand(cmdNodesSave, cmdNodesDelete)
	cmdEdges.AddCommand(cmdEdgesConnect, cmdEdgesDelete)
	cmdCache.AddCommand(cmdCacheStatus, cmdCacheNodes)

	if err := cmdRoot.Execute(); err != nil {
		os.Exit(1)
	}
}
