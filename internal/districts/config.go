package districts

import "os"

// DefaultFile is where the CLI and server look for district boundaries.
const DefaultFile = "data/districts.kml"

// Source names a district file and how to read it.
type Source struct {
	Path string
	LoadOptions
}

// SourceFromEnv reads:
//   - PLACES_DISTRICTS_FILE: boundary file (default: data/districts.kml)
//   - PLACES_DISTRICTS_FOLDER: KML folder holding the districts (default: all)
func SourceFromEnv() Source {
	path := os.Getenv("PLACES_DISTRICTS_FILE")
	if path == "" {
		path = DefaultFile
	}
	return Source{
		Path:        path,
		LoadOptions: LoadOptions{Folder: os.Getenv("PLACES_DISTRICTS_FOLDER")},
	}
}

// Load reads the catalog the source points at.
func (s Source) Load() (*Catalog, error) {
	return Load(s.Path, s.LoadOptions)
}
