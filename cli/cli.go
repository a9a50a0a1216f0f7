// cli/cli.go
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/popgrid/popgrid"
	"github.com/popgrid/popgrid/aoi"
	"github.com/popgrid/popgrid/cache"
	"github.com/popgrid/popgrid/config"
	"github.com/popgrid/popgrid/models"
)

var (
	configFile string
	verbose    bool
)

// BuildCLI assembles the popgrid command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "popgrid",
		Short: "popgrid downloads and caches WorldPop population rasters",
		Long: `popgrid resolves an area of interest to country rasters, downloads
whatever the local cache is missing and keeps the provider manifest
reconciled. Areas can be given as ISO3 codes, a bounding box, or a
geocoded place name.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default popgrid.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(buildPlanCommand())
	rootCmd.AddCommand(buildFetchCommand())
	rootCmd.AddCommand(buildPurgeCommand())
	rootCmd.AddCommand(buildRepairCommand())
	rootCmd.AddCommand(buildManifestCommand())
	rootCmd.AddCommand(buildRegionsCommand())

	return rootCmd
}

func newClient() (*popgrid.Client, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	return popgrid.New(cfg)
}

// areaFlags holds the mutually exclusive AOI selectors shared by the
// commands that take an area.
type areaFlags struct {
	regions []string
	bbox    []float64
	place   string
	radius  float64
}

func (a *areaFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&a.regions, "regions", nil, "ISO3 region codes, e.g. GHA,NGA")
	cmd.Flags().Float64SliceVar(&a.bbox, "bbox", nil, "bounding box minLon,minLat,maxLon,maxLat")
	cmd.Flags().StringVar(&a.place, "place", "", "place name to geocode")
	cmd.Flags().Float64Var(&a.radius, "radius", 25, "radius in km around --place")
}

func (a *areaFlags) toAOI() (aoi.AOI, error) {
	switch {
	case len(a.regions) > 0:
		return aoi.Regions(a.regions...), nil
	case len(a.bbox) == 4:
		return aoi.BoundingBox(a.bbox[0], a.bbox[1], a.bbox[2], a.bbox[3]), nil
	case len(a.bbox) > 0:
		return aoi.AOI{}, fmt.Errorf("--bbox needs exactly 4 values, got %d", len(a.bbox))
	case a.place != "":
		return aoi.Place(a.place, a.radius), nil
	}
	return aoi.AOI{}, fmt.Errorf("an area is required: --regions, --bbox or --place")
}

func buildPlanCommand() *cobra.Command {
	var area areaFlags
	var years []int

	cmd := &cobra.Command{
		Use:   "plan <product>",
		Short: "Show what a fetch would download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := area.toAOI()
			if err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			plan, err := client.Plan(cmd.Context(), args[0], a, years)
			if err != nil {
				return err
			}
			fmt.Printf("run %s: %d to fetch (%s), %d cached\n",
				plan.RunID, len(plan.ToFetch), formatBytes(plan.FetchBytes), len(plan.Cached))
			for _, e := range plan.ToFetch {
				fmt.Printf("  fetch   %-28s %10s\n", e.Key(), formatBytes(e.ByteSize))
			}
			for _, e := range plan.Cached {
				fmt.Printf("  cached  %s\n", e.Key())
			}
			return nil
		},
	}
	area.register(cmd)
	cmd.Flags().IntSliceVar(&years, "years", nil, "years for annual products (empty means all available)")
	return cmd
}

func buildFetchCommand() *cobra.Command {
	var area areaFlags
	var years []int

	cmd := &cobra.Command{
		Use:   "fetch <product>",
		Short: "Download the rasters covering an area into the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := area.toAOI()
			if err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			outcomes, err := client.Fetch(cmd.Context(), args[0], a, years)
			if err != nil {
				return err
			}

			var fetched, skipped, failed int
			var bytes int64
			for _, o := range outcomes {
				switch o.Status {
				case models.StatusFetched:
					fetched++
					bytes += o.ByteSize
					fmt.Printf("  fetched  %-28s %10s  (%d attempts)\n",
						o.Target, formatBytes(o.ByteSize), o.Attempts)
				case models.StatusSkipped:
					skipped++
					fmt.Printf("  cached   %s\n", o.Target)
				case models.StatusFailed:
					failed++
					fmt.Printf("  FAILED   %-28s %v\n", o.Target, o.Err)
				}
			}
			fmt.Printf("%d fetched (%s), %d cached, %d failed\n",
				fetched, formatBytes(bytes), skipped, failed)
			if failed > 0 {
				return fmt.Errorf("%d of %d downloads failed", failed, len(outcomes))
			}
			return nil
		},
	}
	area.register(cmd)
	cmd.Flags().IntSliceVar(&years, "years", nil, "years for annual products (empty means all available)")
	return cmd
}

func buildPurgeCommand() *cobra.Command {
	var olderThan time.Duration
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete cached rasters",
		Long:  "Delete cached rasters, optionally only those not verified within --older-than. Use --dry-run to preview.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			opts := cache.PurgeOptions{DryRun: dryRun}
			if olderThan > 0 {
				opts.OlderThan = time.Now().Add(-olderThan)
			}
			summary, err := client.PurgeCache(opts)
			if err != nil {
				return err
			}
			verb := "deleted"
			if summary.DryRun {
				verb = "would delete"
			}
			for _, f := range summary.Files {
				fmt.Printf("  %s %s\n", verb, f)
			}
			fmt.Printf("%s %d files, %s\n", verb, len(summary.Files), formatBytes(summary.BytesReclaimed))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only purge entries last verified longer ago than this (e.g. 720h)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	return cmd
}

func buildRepairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Remove leftover staging files from interrupted downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			removed, err := client.RepairCache()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d staging files\n", removed)
			return nil
		},
	}
}

func buildManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect and maintain the dataset manifest",
	}
	cmd.AddCommand(buildManifestRefreshCommand())
	cmd.AddCommand(buildManifestVerifyCommand())
	return cmd
}

func buildManifestRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Reconcile the local manifest against the provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			diff, err := client.RefreshManifest(cmd.Context())
			if err != nil {
				return err
			}
			if diff.Empty() {
				fmt.Println("manifest unchanged")
				return nil
			}
			fmt.Printf("manifest updated: %s\n", diff)
			for _, k := range diff.Added {
				fmt.Printf("  added    %s\n", k)
			}
			for _, k := range diff.Changed {
				fmt.Printf("  changed  %s\n", k)
			}
			for _, k := range diff.Removed {
				fmt.Printf("  removed  %s\n", k)
			}
			return nil
		},
	}
}

func buildManifestVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <product> [regions...]",
		Short: "Check that advertised rasters exist on the data server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			report, err := client.VerifyManifest(cmd.Context(), args[0], args[1:]...)
			if err != nil {
				return err
			}
			fmt.Printf("checked %d entries across %d directories\n", report.Checked, report.Directories)
			if len(report.Missing) == 0 {
				fmt.Println("all advertised files present")
				return nil
			}
			for _, e := range report.Missing {
				fmt.Printf("  missing  %-28s %s\n", e.Key(), e.SourceURL)
			}
			return fmt.Errorf("%d advertised files missing server-side", len(report.Missing))
		},
	}
}

func buildRegionsCommand() *cobra.Command {
	var area areaFlags

	cmd := &cobra.Command{
		Use:   "regions",
		Short: "List known regions, or resolve an area to region codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			// With an area given, resolve it; otherwise list the manifest's
			// full coverage.
			if len(area.regions) > 0 || len(area.bbox) > 0 || area.place != "" {
				a, err := area.toAOI()
				if err != nil {
					return err
				}
				codes, err := client.ResolveAOI(cmd.Context(), a)
				if err != nil {
					return err
				}
				if len(codes) == 0 {
					fmt.Println("no regions match")
					return nil
				}
				fmt.Println(strings.Join(codes, " "))
				return nil
			}

			if err := client.Manifest().Ensure(cmd.Context()); err != nil {
				return err
			}
			for _, code := range client.Manifest().Regions() {
				fmt.Println(code)
			}
			return nil
		},
	}
	area.register(cmd)
	return cmd
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
