package ingest

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/extract"
	"github.com/ajslaghu/open-agenda-api/internal/source"
)

// RegistryFactory builds extractors from a registry, handing sources that
// need JavaScript rendering the headless fetcher.
type RegistryFactory struct {
	Registry *extract.Registry
	Static   extract.Fetcher
	Rendered extract.Fetcher
	Logger   *zap.Logger
}

// Extractor implements ExtractorFactory.
func (f RegistryFactory) Extractor(src source.Source) (extract.Extractor, error) {
	if f.Registry == nil {
		return nil, fmt.Errorf("extractor registry is not configured")
	}
	fetcher := f.Static
	if src.Render {
		if f.Rendered == nil {
			return nil, fmt.Errorf("source %q requires rendering but no headless fetcher is configured", src.Slug)
		}
		fetcher = f.Rendered
	}
	if fetcher == nil {
		return nil, fmt.Errorf("no page fetcher configured")
	}
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ex, err := f.Registry.Build(src, fetcher, logger)
	if err != nil {
		return nil, fmt.Errorf("build extractor for %s: %w", src.Slug, err)
	}
	return ex, nil
}
