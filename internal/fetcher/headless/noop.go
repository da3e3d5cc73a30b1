package headless

import (
	"context"
	"errors"
	"fmt"

	"github.com/ajslaghu/open-agenda-api/internal/extract"
)

// ErrDisabled is returned by Noop for every fetch.
var ErrDisabled = errors.New("headless rendering is disabled")

// Noop stands in for the browser fetcher when headless rendering is turned
// off, so sources that require rendering fail per fetch instead of at startup.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always returns ErrDisabled.
func (Noop) Fetch(_ context.Context, url string) (extract.Response, error) {
	return extract.Response{}, fmt.Errorf("fetch %s: %w", url, ErrDisabled)
}
