package enumerator

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/EmpoweredVote/district-places/internal/places/provider"
	"github.com/goccy/go-yaml"
)

//go:embed profiles.yaml
var builtinProfiles []byte

var ErrUnknownProfile = errors.New("unknown profile")

// Profile configures one kind of place search.
type Profile struct {
	Name string `yaml:"name"`
	// QueryKind is the cache key kind; defaults to Name.
	QueryKind string `yaml:"query_kind"`
	// Keyword and Type are sent with every grid-cell nearby search.
	Keyword string `yaml:"keyword"`
	Type    string `yaml:"type"`
	// TextQueries run once per district, biased to its centroid.
	TextQueries []string `yaml:"text_queries"`
	// A hit is kept when one of its categories contains a RequireCategories
	// term or its name contains an IncludeNameKeywords term. Both empty
	// keeps every hit.
	RequireCategories   []string `yaml:"require_categories"`
	IncludeNameKeywords []string `yaml:"include_name_keywords"`
	// Hits whose names match these are directory or aggregator listings.
	ExcludeNameKeywords []string `yaml:"exclude_name_keywords"`
	ExcludeNamePatterns []string `yaml:"exclude_name_patterns"`
	// EnrichDetails looks up each surviving hit when the provider supports it.
	EnrichDetails bool `yaml:"enrich_details"`

	excludeRe []*regexp.Regexp
}

// Kind returns the cache key kind for the profile.
func (p Profile) Kind() string {
	if p.QueryKind != "" {
		return p.QueryKind
	}
	return p.Name
}

func (p *Profile) compile() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile without name")
	}
	if p.Keyword == "" && p.Type == "" && len(p.TextQueries) == 0 {
		return fmt.Errorf("profile %s: needs a keyword, type or text query", p.Name)
	}
	p.excludeRe = p.excludeRe[:0]
	for _, pat := range p.ExcludeNamePatterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
		p.excludeRe = append(p.excludeRe, re)
	}
	return nil
}

// Accepts applies the category and name filters to a hit.
func (p Profile) Accepts(h provider.Hit) bool {
	name := strings.ToLower(h.Name)
	for _, kw := range p.ExcludeNameKeywords {
		if strings.Contains(name, strings.ToLower(kw)) {
			return false
		}
	}
	for _, re := range p.excludeRe {
		if re.MatchString(h.Name) {
			return false
		}
	}

	if len(p.RequireCategories) == 0 && len(p.IncludeNameKeywords) == 0 {
		return true
	}
	for _, c := range h.Categories {
		c = strings.ToLower(strings.ReplaceAll(c, "_", " "))
		for _, want := range p.RequireCategories {
			if strings.Contains(c, strings.ToLower(want)) {
				return true
			}
		}
	}
	for _, kw := range p.IncludeNameKeywords {
		if strings.Contains(name, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Profiles maps profile names to profiles.
type Profiles map[string]Profile

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// ParseProfiles decodes a profiles document.
func ParseProfiles(r io.Reader) (Profiles, error) {
	var f profileFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	out := make(Profiles, len(f.Profiles))
	for _, p := range f.Profiles {
		if err := p.compile(); err != nil {
			return nil, err
		}
		out[p.Name] = p
	}
	return out, nil
}

// BuiltinProfiles returns the profiles shipped with the binary.
func BuiltinProfiles() Profiles {
	ps, err := ParseProfiles(strings.NewReader(string(builtinProfiles)))
	if err != nil {
		panic(fmt.Sprintf("builtin profiles: %v", err))
	}
	return ps
}

// LoadProfiles returns the builtin profiles, overlaid with those in path
// when it is not empty.
func LoadProfiles(path string) (Profiles, error) {
	ps := BuiltinProfiles()
	if path == "" {
		return ps, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	extra, err := ParseProfiles(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for name, p := range extra {
		ps[name] = p
	}
	return ps, nil
}

func (ps Profiles) Get(name string) (Profile, error) {
	p, ok := ps[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s (have %s)", ErrUnknownProfile, name, strings.Join(ps.Names(), ", "))
	}
	return p, nil
}

func (ps Profiles) Names() []string {
	names := make([]string, 0, len(ps))
	for n := range ps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
