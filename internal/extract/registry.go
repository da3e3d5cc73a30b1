package extract

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/source"
)

// Extractor type names understood by the default registry.
const (
	TypeEkko    = "ekko"
	TypeListing = "listing"
)

// Builder constructs an extractor for a source.
type Builder func(src source.Source, fetcher Fetcher, logger *zap.Logger) (Extractor, error)

// Registry maps extractor type names to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry returns a registry with the built-in extractor types.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[string]Builder)}
	r.Register(TypeEkko, newEkko)
	r.Register(TypeListing, newListing)
	return r
}

// Register adds or replaces the builder for name.
func (r *Registry) Register(name string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[strings.ToLower(name)] = b
}

// Types lists the registered names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builders))
	for name := range r.builders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build creates the extractor declared by src.
func (r *Registry) Build(src source.Source, fetcher Fetcher, logger *zap.Logger) (Extractor, error) {
	r.mu.RLock()
	b, ok := r.builders[strings.ToLower(src.Extractor)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source %q: unknown extractor type %q", src.Slug, src.Extractor)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return b(src, fetcher, logger.With(zap.String("source", src.Slug), zap.String("extractor", src.Extractor)))
}

// EKKO agenda portals list meetings under /agenda, one article per item.
func newEkko(src source.Source, fetcher Fetcher, logger *zap.Logger) (Extractor, error) {
	return NewListingExtractor(ListingConfig{
		BaseURL:      src.URL,
		Path:         "/agenda",
		PageParam:    "page",
		ItemSelector: "article[class*=agendaitem]",
		LinkSelector: "a[href]",
		ContentType:  "application/html",
		MaxPages:     src.MaxPages,
	}, fetcher, logger)
}

func newListing(src source.Source, fetcher Fetcher, logger *zap.Logger) (Extractor, error) {
	return NewListingExtractor(ListingConfig{
		BaseURL:      src.URL,
		Path:         src.Listing.Path,
		PageParam:    src.Listing.PageParam,
		ItemSelector: src.Listing.ItemSelector,
		LinkSelector: src.Listing.LinkSelector,
		ContentType:  src.Listing.ContentType,
		MaxPages:     src.MaxPages,
	}, fetcher, logger)
}
