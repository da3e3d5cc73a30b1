package extract

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Lister returns the raw links found on one listing page (1-based).
type Lister interface {
	ListPage(ctx context.Context, page int) ([]string, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context, page int) ([]string, error)

// ListPage calls f.
func (f ListerFunc) ListPage(ctx context.Context, page int) ([]string, error) {
	return f(ctx, page)
}

// WalkOptions bounds a listing walk.
type WalkOptions struct {
	// MaxPages stops the walk after this many pages; 0 means unbounded.
	MaxPages int
	// TrackSeen enables the seen-set termination guard. Without it a site
	// that repeats its last page for out-of-range page numbers never ends.
	TrackSeen bool
	// MaxPageErrors ends the walk after this many consecutive failing pages
	// past the first. Defaults to 3.
	MaxPageErrors int
	Logger        *zap.Logger
}

// Walk pages through lister, resolving links against base and emitting each
// fresh locator once. A failure on page 1 is reported as ErrSourceUnreachable.
// Later page failures are logged and skipped. With TrackSeen the walk ends on
// the first page that contributes no new locator.
func Walk(ctx context.Context, base string, lister Lister, opts WalkOptions, emit func(string) bool) error {
	baseURL, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("%w: parse base url: %v", ErrSourceUnreachable, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxErrors := opts.MaxPageErrors
	if maxErrors <= 0 {
		maxErrors = 3
	}

	seen := make(map[string]struct{})
	consecutiveErrors := 0
	for page := 1; opts.MaxPages == 0 || page <= opts.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("walk canceled: %w", err)
		}
		links, err := lister.ListPage(ctx, page)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("walk canceled: %w", ctxErr)
			}
			if page == 1 {
				return errors.Join(ErrSourceUnreachable, fmt.Errorf("list page 1: %w", err))
			}
			consecutiveErrors++
			logger.Warn("listing page failed",
				zap.Int("page", page),
				zap.Int("consecutive_errors", consecutiveErrors),
				zap.Error(err),
			)
			if consecutiveErrors >= maxErrors {
				logger.Warn("listing walk stopped after repeated page errors", zap.Int("page", page))
				return nil
			}
			continue
		}
		consecutiveErrors = 0

		fresh := 0
		for _, link := range links {
			locator, ok := resolve(baseURL, link)
			if !ok {
				continue
			}
			if opts.TrackSeen {
				if _, dup := seen[locator]; dup {
					continue
				}
				seen[locator] = struct{}{}
			}
			fresh++
			if !emit(locator) {
				return nil
			}
		}
		if fresh == 0 {
			logger.Debug("listing exhausted", zap.Int("page", page))
			return nil
		}
	}
	return nil
}

func resolve(base *url.URL, link string) (string, bool) {
	link = strings.TrimSpace(link)
	if link == "" || strings.HasPrefix(link, "#") {
		return "", false
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}
