package main

import (
	"fmt"
	"path/filepath"

	"github.com/EmpoweredVote/district-places/internal/export"
	"github.com/spf13/cobra"
)

var (
	csvIn, csvOut string
	csvOpenOn     string
	kmzIn, kmzOut string
	kmzTitle      string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Consolidate CSV files or build map overlays",
}

var exportCSVCmd = &cobra.Command{
	Use:   "csv",
	Short: "Merge per-district CSV files into one, deduplicated by place id",
	Long: `Merge the CSV files matching --in into a single table sorted by district
number and name. A place found in several districts is kept once.
--open-on keeps only places whose hours list every named day as open.

Example:
  places export csv --in 'data/district_*_pharmacy.csv' --out data/all.csv
  places export csv --open-on sat,sun --out data/open_weekends.csv`,
	Run: func(cmd *cobra.Command, args []string) {
		paths, err := filepath.Glob(csvIn)
		if err != nil {
			HandleError(err, "Invalid --in pattern")
		}
		days, err := export.ParseDays(csvOpenOn)
		if err != nil {
			HandleError(err, "Invalid --open-on")
		}
		rows, err := export.Consolidate(paths)
		if err != nil {
			HandleError(err, "Failed to consolidate")
		}
		if len(days) > 0 {
			before := len(rows)
			rows = export.FilterOpenOn(rows, days)
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d places open on %s\n", len(rows), before, csvOpenOn)
		}
		if err := export.WriteCSVFile(csvOut, rows); err != nil {
			HandleError(err, "Failed to write CSV")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d places from %d files to %s\n", len(rows), len(paths), csvOut)
	},
}

var exportKMZCmd = &cobra.Command{
	Use:   "kmz",
	Short: "Build a KMZ overlay from a CSV file",
	Long: `Build a KMZ file with one folder per district and one placemark per place,
for import into Google My Maps or Google Earth.

Example:
  places export kmz --in data/all.csv --out data/all.kmz --title "Pharmacies"`,
	Run: func(cmd *cobra.Command, args []string) {
		rows, err := export.ReadCSVFile(kmzIn)
		if err != nil {
			HandleError(err, "Failed to read CSV")
		}
		title := kmzTitle
		if title == "" {
			title = filepath.Base(kmzIn)
		}
		stats, err := export.WriteKMZFile(kmzOut, title, rows)
		if err != nil {
			HandleError(err, "Failed to write KMZ")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d placemarks in %d folders to %s (%d without coordinates)\n",
			stats.Placemarks, stats.Folders, kmzOut, stats.Skipped)
	},
}

func init() {
	exportCSVCmd.Flags().StringVar(&csvIn, "in", "data/district_*.csv", "glob of per-district CSV files")
	exportCSVCmd.Flags().StringVar(&csvOut, "out", "data/all_districts.csv", "consolidated CSV file")
	exportCSVCmd.Flags().StringVar(&csvOpenOn, "open-on", "", "keep places open on all of these days, e.g. sat,sun")

	exportKMZCmd.Flags().StringVar(&kmzIn, "in", "data/all_districts.csv", "CSV file to convert")
	exportKMZCmd.Flags().StringVar(&kmzOut, "out", "data/all_districts.kmz", "KMZ file")
	exportKMZCmd.Flags().StringVar(&kmzTitle, "title", "", "document title (default: input file name)")

	exportCmd.AddCommand(exportCSVCmd, exportKMZCmd)
	rootCmd.AddCommand(exportCmd)
}
