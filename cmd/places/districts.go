package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"
)

var locateLat, locateLng float64

var districtsCmd = &cobra.Command{
	Use:   "districts",
	Short: "List the loaded districts",
	Run: func(cmd *cobra.Command, args []string) {
		catalog, err := loadCatalog()
		if err != nil {
			HandleError(err, "Failed to load districts")
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tGRID\tVERTICES\tBBOX (W,S,E,N)")
		for _, d := range catalog.All() {
			fmt.Fprintf(tw, "%s\t%s\t%dx%d\t%d\t%.5f,%.5f,%.5f,%.5f\n",
				d.ID, d.Name, d.GridRows, d.GridCols, len(d.Boundary),
				d.Bound.Min.Lon(), d.Bound.Min.Lat(), d.Bound.Max.Lon(), d.Bound.Max.Lat())
		}
		tw.Flush()
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d districts\n", catalog.Len())
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the enumeration profiles",
	Run: func(cmd *cobra.Command, args []string) {
		profiles, err := loadProfiles()
		if err != nil {
			HandleError(err, "Failed to load profiles")
		}
		names := profiles.Names()
		sort.Strings(names)
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tKIND\tKEYWORD\tTYPE\tTEXT QUERIES\tDETAILS")
		for _, n := range names {
			p := profiles[n]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%v\n", p.Name, p.Kind(), p.Keyword, p.Type, len(p.TextQueries), p.EnrichDetails)
		}
		tw.Flush()
	},
}

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Show which districts contain a coordinate",
	Long: `Show which districts contain a coordinate.

Example:
  places locate --lat 40.7484 --lng -73.9857`,
	Run: func(cmd *cobra.Command, args []string) {
		catalog, err := loadCatalog()
		if err != nil {
			HandleError(err, "Failed to load districts")
		}
		matches := catalog.Locate(orb.Point{locateLng, locateLat})
		if len(matches) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No district contains %.6f,%.6f\n", locateLat, locateLng)
			return
		}
		for _, d := range matches {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", d.ID, d.Name)
		}
	},
}

func init() {
	locateCmd.Flags().Float64Var(&locateLat, "lat", 0, "latitude")
	locateCmd.Flags().Float64Var(&locateLng, "lng", 0, "longitude")
	_ = locateCmd.MarkFlagRequired("lat")
	_ = locateCmd.MarkFlagRequired("lng")

	rootCmd.AddCommand(districtsCmd, profilesCmd, locateCmd)
}
