// Command places enumerates points of interest inside district polygons and
// manages the result cache and exports.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/EmpoweredVote/district-places/internal/cache"
	"github.com/EmpoweredVote/district-places/internal/districts"
	"github.com/EmpoweredVote/district-places/internal/enumerator"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cacheFile       string
	ttlDays         float64
	districtsFile   string
	districtsFolder string
	profilesFile    string
)

var rootCmd = &cobra.Command{
	Use:   "places",
	Short: "Enumerate places inside district boundaries",
	Long: `places searches a places provider (Google Places or Serper) over a grid
covering each district, keeps only results inside the district polygon, and
caches the results per district and query kind.

Configuration is read from .env.local / .env and the environment; flags
override it.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cacheFile, "cache-file", "", "cache file (default $PLACES_CACHE_FILE or data/places_cache.json)")
	pf.Float64Var(&ttlDays, "ttl-days", 0, "cache entry lifetime in days (default $PLACES_CACHE_TTL_DAYS or 30)")
	pf.StringVar(&districtsFile, "districts", "", "district boundaries: .kml, .geojson, .json or .yaml (default $PLACES_DISTRICTS_FILE)")
	pf.StringVar(&districtsFolder, "folder", "", "KML folder holding the districts (default $PLACES_DISTRICTS_FOLDER)")
	pf.StringVar(&profilesFile, "profiles", "", "YAML file with extra enumeration profiles")
}

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// HandleError logs msg with err and exits.
func HandleError(err error, msg string) {
	log.Fatalf("%s: %v", msg, err)
}

func cacheConfig() cache.Config {
	cfg := cache.LoadConfigFromEnv()
	if cacheFile != "" {
		cfg.Backend = "file"
		cfg.File = cacheFile
	}
	if ttlDays > 0 {
		cfg.TTL = time.Duration(ttlDays * float64(24*time.Hour))
	}
	return cfg
}

func openCache(ctx context.Context) (*cache.Cache, error) {
	return cache.Open(ctx, cacheConfig())
}

func loadCatalog() (*districts.Catalog, error) {
	src := districts.SourceFromEnv()
	if districtsFile != "" {
		src.Path = districtsFile
	}
	if districtsFolder != "" {
		src.Folder = districtsFolder
	}
	return src.Load()
}

func loadProfiles() (enumerator.Profiles, error) {
	return enumerator.LoadProfiles(profilesFile)
}
