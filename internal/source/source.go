// Package source loads the catalog of ingestion sources from YAML.
package source

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownSource is returned when a slug is not present in the catalog.
var ErrUnknownSource = errors.New("unknown source")

// Listing configures the paginated listing walk of a source.
type Listing struct {
	// Path is appended to the source URL to obtain the first listing page.
	Path string `yaml:"path"`
	// PageParam names the query parameter carrying the page number (pages > 1).
	PageParam string `yaml:"page_param"`
	// ItemSelector selects one element per listed item.
	ItemSelector string `yaml:"item_selector"`
	// LinkSelector selects the link inside an item; the first match wins.
	LinkSelector string `yaml:"link_selector"`
	// ContentType is the content type declared for fetched items.
	ContentType string `yaml:"content_type"`
}

// Source is an immutable description of one external origin.
type Source struct {
	Slug       string  `yaml:"slug"`
	URL        string  `yaml:"url"`
	Extractor  string  `yaml:"extractor"`
	Collection string  `yaml:"collection"`
	Render     bool    `yaml:"render"`
	MaxPages   int     `yaml:"max_pages"`
	Listing    Listing `yaml:"listing"`
}

// Validate checks the fields every extractor relies on.
func (s Source) Validate() error {
	if strings.TrimSpace(s.Slug) == "" {
		return fmt.Errorf("source slug is required")
	}
	if strings.TrimSpace(s.Extractor) == "" {
		return fmt.Errorf("source %q: extractor is required", s.Slug)
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("source %q: parse url: %w", s.Slug, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("source %q: url must be http(s), got %q", s.Slug, s.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("source %q: url host is required", s.Slug)
	}
	if s.MaxPages < 0 {
		return fmt.Errorf("source %q: max_pages must be >= 0", s.Slug)
	}
	return nil
}

// CollectionName returns the collection label stored with documents.
func (s Source) CollectionName() string {
	if s.Collection != "" {
		return s.Collection
	}
	return s.Slug
}

type catalogFile struct {
	Sources []Source `yaml:"sources"`
}

// Catalog is the validated, read-only set of sources known to a process.
type Catalog struct {
	sources []Source
	bySlug  map[string]int
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	return New(file.Sources...)
}

// New builds a catalog from already decoded sources.
func New(sources ...Source) (*Catalog, error) {
	c := &Catalog{
		sources: make([]Source, 0, len(sources)),
		bySlug:  make(map[string]int, len(sources)),
	}
	for _, src := range sources {
		src.Slug = strings.TrimSpace(src.Slug)
		src.Extractor = strings.ToLower(strings.TrimSpace(src.Extractor))
		src.URL = strings.TrimRight(strings.TrimSpace(src.URL), "/")
		if err := src.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.bySlug[src.Slug]; dup {
			return nil, fmt.Errorf("duplicate source slug %q", src.Slug)
		}
		c.bySlug[src.Slug] = len(c.sources)
		c.sources = append(c.sources, src)
	}
	return c, nil
}

// Get returns the source registered under slug.
func (c *Catalog) Get(slug string) (Source, bool) {
	idx, ok := c.bySlug[slug]
	if !ok {
		return Source{}, false
	}
	return c.sources[idx], true
}

// Lookup resolves every slug, failing on the first unknown one.
// An empty slug list selects the whole catalog.
func (c *Catalog) Lookup(slugs []string) ([]Source, error) {
	if len(slugs) == 0 {
		return c.All(), nil
	}
	out := make([]Source, 0, len(slugs))
	for _, slug := range slugs {
		src, ok := c.Get(slug)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, slug)
		}
		out = append(out, src)
	}
	return out, nil
}

// All returns a copy of every source in file order.
func (c *Catalog) All() []Source {
	out := make([]Source, len(c.sources))
	copy(out, c.sources)
	return out
}

// Slugs returns the sorted slugs in the catalog.
func (c *Catalog) Slugs() []string {
	out := make([]string, 0, len(c.sources))
	for _, src := range c.sources {
		out = append(out, src.Slug)
	}
	sort.Strings(out)
	return out
}
