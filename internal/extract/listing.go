package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// ListingConfig describes a paginated HTML listing.
type ListingConfig struct {
	// BaseURL is the source root; relative links resolve against it.
	BaseURL string
	// Path is appended to BaseURL for the listing page.
	Path string
	// PageParam names the page query parameter used for pages after the first.
	PageParam string
	// ItemSelector selects one node per item.
	ItemSelector string
	// LinkSelector selects the item link inside each item node; first match wins.
	LinkSelector string
	// ContentType is declared on every fetched object.
	ContentType string
	MaxPages    int
	// DisableSeenGuard turns off the seen-set termination check.
	DisableSeenGuard bool
}

// ListingExtractor discovers items on a paginated HTML listing and fetches
// each item page verbatim.
type ListingExtractor struct {
	cfg     ListingConfig
	fetcher Fetcher
	logger  *zap.Logger
}

// NewListingExtractor validates cfg and builds an extractor.
func NewListingExtractor(cfg ListingConfig, fetcher Fetcher, logger *zap.Logger) (*ListingExtractor, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("listing extractor requires a fetcher")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("listing extractor requires a base url")
	}
	if cfg.ItemSelector == "" {
		return nil, fmt.Errorf("listing extractor requires an item selector")
	}
	if cfg.LinkSelector == "" {
		cfg.LinkSelector = "a[href]"
	}
	if cfg.PageParam == "" {
		cfg.PageParam = "page"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListingExtractor{cfg: cfg, fetcher: fetcher, logger: logger}, nil
}

// PageURL returns the listing URL for a 1-based page number.
func (e *ListingExtractor) PageURL(page int) string {
	listing := strings.TrimRight(e.cfg.BaseURL, "/") + e.cfg.Path
	if page <= 1 {
		return listing
	}
	sep := "?"
	if strings.Contains(listing, "?") {
		sep = "&"
	}
	return listing + sep + url.QueryEscape(e.cfg.PageParam) + "=" + strconv.Itoa(page)
}

// ListPage fetches one listing page and returns the raw item links on it.
func (e *ListingExtractor) ListPage(ctx context.Context, page int) ([]string, error) {
	pageURL := e.PageURL(page)
	resp, err := e.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch listing %s: %w", pageURL, err)
	}
	if err := CheckStatus(pageURL, resp.StatusCode); err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse listing %s: %w", pageURL, err)
	}
	var links []string
	doc.Find(e.cfg.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		href, ok := item.Find(e.cfg.LinkSelector).First().Attr("href")
		if !ok {
			return
		}
		links = append(links, href)
	})
	return links, nil
}

// Discover walks the listing pages.
func (e *ListingExtractor) Discover(ctx context.Context, emit func(string) bool) error {
	return Walk(ctx, e.cfg.BaseURL, e, WalkOptions{
		MaxPages:  e.cfg.MaxPages,
		TrackSeen: !e.cfg.DisableSeenGuard,
		Logger:    e.logger,
	}, emit)
}

// Fetch retrieves an item page and labels it with the configured content type.
func (e *ListingExtractor) Fetch(ctx context.Context, locator string) (RawObject, error) {
	resp, err := e.fetcher.Fetch(ctx, locator)
	if err != nil {
		return RawObject{}, fmt.Errorf("fetch item %s: %w", locator, err)
	}
	if err := CheckStatus(locator, resp.StatusCode); err != nil {
		return RawObject{}, err
	}
	return RawObject{
		OriginURL:   locator,
		ContentType: e.cfg.ContentType,
		Payload:     resp.Body,
	}, nil
}
