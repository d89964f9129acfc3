package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/EmpoweredVote/district-places/internal/cache"
	"github.com/EmpoweredVote/district-places/internal/districts"
	"github.com/EmpoweredVote/district-places/internal/export"
	"github.com/spf13/cobra"
)

var (
	cacheJSON       bool
	cacheYes        bool
	invalidateIDs   []string
	invalidateKinds []string
	populateIn      string
	populateKind    string
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the results cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics and entries",
	Run: func(cmd *cobra.Command, args []string) {
		c, err := openCache(cmd.Context())
		if err != nil {
			HandleError(err, "Failed to open cache")
		}
		if cacheJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(c.Stats()); err != nil {
				HandleError(err, "Failed to encode JSON")
			}
			return
		}
		writeStats(cmd.OutOrStdout(), c)
	},
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove expired entries",
	Run: func(cmd *cobra.Command, args []string) {
		c, err := openCache(cmd.Context())
		if err != nil {
			HandleError(err, "Failed to open cache")
		}
		n, err := c.CleanExpired(cmd.Context())
		if err != nil {
			HandleError(err, "Failed to clean cache")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired entries\n", n)
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every entry",
	Run: func(cmd *cobra.Command, args []string) {
		if !cacheYes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Clear the whole cache? Type 'yes' to confirm: ") {
			fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")
			return
		}
		c, err := openCache(cmd.Context())
		if err != nil {
			HandleError(err, "Failed to open cache")
		}
		n, err := c.Clear(cmd.Context())
		if err != nil {
			HandleError(err, "Failed to clear cache")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries\n", n)
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Remove the entries of specific districts",
	Long: `Remove the cached results of the named districts so the next scrape
queries the provider again. --kind limits removal to one query kind.

Example:
  places cache invalidate --district 4 --kind pharmacy`,
	Run: func(cmd *cobra.Command, args []string) {
		c, err := openCache(cmd.Context())
		if err != nil {
			HandleError(err, "Failed to open cache")
		}
		total, err := invalidate(cmd.Context(), c, invalidateIDs, invalidateKinds)
		if err != nil {
			HandleError(err, "Failed to invalidate cache")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries for districts %s\n", total, strings.Join(invalidateIDs, ", "))
	},
}

var cachePopulateCmd = &cobra.Command{
	Use:   "populate",
	Short: "Fill the cache from per-district CSV files",
	Long: `Read the CSV files matching --in and store their rows as fresh cache
entries, one per district, so the next scrape skips those districts.
Files without rows are skipped.

Example:
  places cache populate --in 'data/district_*_pharmacy.csv' --kind pharmacy`,
	Run: func(cmd *cobra.Command, args []string) {
		paths, err := filepath.Glob(populateIn)
		if err != nil {
			HandleError(err, "Invalid --in pattern")
		}
		if len(paths) == 0 {
			HandleError(fmt.Errorf("no files match %s", populateIn), "Nothing to populate")
		}
		c, err := openCache(cmd.Context())
		if err != nil {
			HandleError(err, "Failed to open cache")
		}
		n, records, err := populate(cmd.Context(), c, paths, populateKind, time.Now(), cmd.OutOrStdout())
		if err != nil {
			HandleError(err, "Failed to populate cache")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cached %d records for %d districts from %d files\n", records, n, len(paths))
	},
}

func init() {
	cacheStatsCmd.Flags().BoolVar(&cacheJSON, "json", false, "print statistics as JSON")
	cacheClearCmd.Flags().BoolVar(&cacheYes, "yes", false, "do not ask for confirmation")
	cacheInvalidateCmd.Flags().StringSliceVar(&invalidateIDs, "district", nil, "district id (repeatable)")
	cacheInvalidateCmd.Flags().StringSliceVar(&invalidateKinds, "kind", nil, "query kind to remove (default all)")
	_ = cacheInvalidateCmd.MarkFlagRequired("district")
	cachePopulateCmd.Flags().StringVar(&populateIn, "in", "data/district_*_pharmacy.csv", "glob of per-district CSV files")
	cachePopulateCmd.Flags().StringVar(&populateKind, "kind", "pharmacy", "query kind the rows are cached under")

	cacheCmd.AddCommand(cacheStatsCmd, cacheCleanCmd, cacheClearCmd, cacheInvalidateCmd, cachePopulateCmd)
	rootCmd.AddCommand(cacheCmd)
}

func invalidate(ctx context.Context, c *cache.Cache, ids, kinds []string) (int, error) {
	total := 0
	for _, id := range ids {
		n, err := c.Invalidate(ctx, id, kinds...)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// populate stores the rows of each file under their district. Rows without a
// district number take it from the file name. Unreadable files are reported
// on out and skipped.
func populate(ctx context.Context, c *cache.Cache, paths []string, kind string, now time.Time, out io.Writer) (int, int, error) {
	districtsDone, records := 0, 0
	for _, path := range paths {
		rows, err := export.ReadCSVFile(path)
		if err != nil {
			fmt.Fprintf(out, "  skipping %s: %v\n", filepath.Base(path), err)
			continue
		}
		if len(rows) == 0 {
			fmt.Fprintf(out, "  skipping %s: no rows\n", filepath.Base(path))
			continue
		}

		groups := export.RecordsByDistrict(rows)
		if recs, ok := groups[""]; ok {
			delete(groups, "")
			id, ok := districtFromFileName(path)
			if !ok {
				fmt.Fprintf(out, "  skipping %d rows of %s: no district number\n", len(recs), filepath.Base(path))
			} else {
				for i := range recs {
					recs[i].DistrictID = id
				}
				groups[id] = append(groups[id], recs...)
			}
		}

		ids := make([]string, 0, len(groups))
		for id := range groups {
			ids = append(ids, id)
		}
		districts.SortIDs(ids)
		for _, id := range ids {
			if err := c.Put(ctx, id, kind, groups[id], now); err != nil {
				return districtsDone, records, err
			}
			districtsDone++
			records += len(groups[id])
			fmt.Fprintf(out, "  district %s: cached %d records\n", id, len(groups[id]))
		}
	}
	return districtsDone, records, nil
}

// districtFromFileName reads the id out of district_<id>_<kind>.csv.
func districtFromFileName(path string) (string, bool) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 2 || parts[0] != "district" || parts[1] == "" {
		return "", false
	}
	id := strings.TrimLeft(parts[1], "0")
	if id == "" {
		id = "0"
	}
	return id, true
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(line), "yes")
}

func writeStats(w io.Writer, c *cache.Cache) {
	s := c.Stats()
	fmt.Fprintf(w, "Cache:    %s\n", s.Location)
	fmt.Fprintf(w, "TTL:      %.0f days\n", s.TTLDays)
	fmt.Fprintf(w, "Entries:  %d (%d fresh, %d expired)\n", s.Entries, s.Fresh, s.Expired)
	fmt.Fprintf(w, "Records:  %d\n", s.TotalRecords)
	if s.Oldest != nil {
		fmt.Fprintf(w, "Oldest:   %s\n", s.Oldest.Format(time.RFC3339))
		fmt.Fprintf(w, "Newest:   %s\n", s.Newest.Format(time.RFC3339))
	}

	entries := c.Entries()
	if len(entries) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DISTRICT\tKIND\tRECORDS\tFETCHED\tSTATUS")
	for _, e := range entries {
		status := "fresh"
		if !c.Fresh(e) {
			status = "expired"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", e.DistrictID, e.QueryKind, len(e.Records), e.FetchedAt.Format("2006-01-02 15:04"), status)
	}
	tw.Flush()
}
