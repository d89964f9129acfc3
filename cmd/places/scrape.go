package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/EmpoweredVote/district-places/internal/batch"
	"github.com/EmpoweredVote/district-places/internal/db"
	"github.com/EmpoweredVote/district-places/internal/enumerator"
	"github.com/EmpoweredVote/district-places/internal/export"
	"github.com/EmpoweredVote/district-places/internal/places/provider"
	"github.com/EmpoweredVote/district-places/internal/placesdb"
	"github.com/spf13/cobra"

	_ "github.com/EmpoweredVote/district-places/internal/places/google"
	_ "github.com/EmpoweredVote/district-places/internal/places/serper"
)

var (
	scrapeProfile     string
	scrapeDistricts   []string
	scrapeOut         string
	scrapeResume      bool
	scrapeDB          bool
	scrapeProgress    string
	scrapeDelay       time.Duration
	scrapeGrid        int
	scrapeOverlap     float64
	scrapeConsolidate bool
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Enumerate one profile over the districts",
	Long: `Run the enumeration profile over every district (or the ones named with
--district), one district at a time. Fresh cache entries are reused without
calling the provider. Each district is written to <out>/district_<id>_<kind>.csv
and, with --db, archived in Postgres.

Districts marked partial stay cached; re-run them with
  places cache invalidate --district N
  places scrape --resume --district N

Example:
  places scrape --profile pharmacy --district 3 --district 7`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runScrape(ctx, cmd); err != nil {
			HandleError(err, "Scrape failed")
		}
	},
}

func init() {
	f := scrapeCmd.Flags()
	f.StringVar(&scrapeProfile, "profile", "pharmacy", "enumeration profile")
	f.StringSliceVar(&scrapeDistricts, "district", nil, "district id to process (repeatable; default all)")
	f.StringVar(&scrapeOut, "out", "data", "directory for per-district CSV files")
	f.BoolVar(&scrapeResume, "resume", false, "skip districts the progress file already records")
	f.BoolVar(&scrapeDB, "db", false, "also archive results in Postgres (DATABASE_URL)")
	f.StringVar(&scrapeProgress, "progress", "data/scraping_progress.json", "progress checkpoint file")
	f.DurationVar(&scrapeDelay, "delay", batch.DefaultDelay, "pause between districts")
	f.IntVar(&scrapeGrid, "grid", 0, "grid size applied to every district (default: per district, 3)")
	f.Float64Var(&scrapeOverlap, "overlap", -1, "circle overlap factor (default 0.5)")
	f.BoolVar(&scrapeConsolidate, "consolidate", true, "write the consolidated CSV after the run")
	rootCmd.AddCommand(scrapeCmd)
}

func runScrape(ctx context.Context, cmd *cobra.Command) error {
	catalog, err := loadCatalog()
	if err != nil {
		return err
	}
	ds, err := catalog.Select(scrapeDistricts)
	if err != nil {
		return err
	}

	profiles, err := loadProfiles()
	if err != nil {
		return err
	}
	profile, err := profiles.Get(scrapeProfile)
	if err != nil {
		return err
	}

	p, err := provider.NewProvider(provider.LoadFromEnv())
	if err != nil {
		return err
	}

	c, err := openCache(ctx)
	if err != nil {
		return err
	}

	cfg := enumerator.DefaultConfig()
	if scrapeGrid > 0 {
		cfg.Rows, cfg.Cols = scrapeGrid, scrapeGrid
		for i := range ds {
			ds[i] = ds[i].WithGrid(scrapeGrid, scrapeGrid)
		}
	}
	if scrapeOverlap >= 0 {
		cfg.Overlap = scrapeOverlap
	}
	enum, err := enumerator.New(p, c, profile, cfg)
	if err != nil {
		return err
	}

	sinks := []batch.Sink{export.CSVSink{Dir: scrapeOut}}
	if scrapeDB {
		gdb, err := db.ConnectFromEnv()
		if err != nil {
			return err
		}
		if err := placesdb.Migrate(gdb); err != nil {
			return err
		}
		sinks = append(sinks, placesdb.Sink{DB: gdb})
	}

	runner := &batch.Runner{
		Enumerator:   enum,
		Sinks:        sinks,
		Profile:      profile.Kind(),
		ProgressPath: scrapeProgress,
		Resume:       scrapeResume,
		Rerun:        scrapeDistricts,
		Delay:        scrapeDelay,
	}
	log.Printf("[scrape] provider=%s profile=%s districts=%d cache=%s", p.Name(), profile.Kind(), len(ds), c.Stats().Location)

	run, runErr := runner.Run(ctx, ds)
	if run != nil {
		batch.WriteSummary(cmd.OutOrStdout(), run)
	}
	if runErr != nil {
		return runErr
	}

	if scrapeConsolidate {
		pattern := filepath.Join(scrapeOut, fmt.Sprintf("district_*_%s.csv", profile.Kind()))
		paths, err := filepath.Glob(pattern)
		if err != nil {
			return err
		}
		rows, err := export.Consolidate(paths)
		if err != nil {
			return err
		}
		out := filepath.Join(scrapeOut, fmt.Sprintf("all_districts_%s.csv", profile.Kind()))
		if err := export.WriteCSVFile(out, rows); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Consolidated %d places into %s\n", len(rows), out)
	}
	return nil
}
