package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const catalogYAML = `
sources:
  - slug: amsterdam
    url: https://amsterdam.example.nl/
    extractor: EKKO
  - slug: utrecht
    url: https://utrecht.example.nl
    extractor: listing
    collection: utrecht-agenda
    max_pages: 5
    listing:
      path: /vergaderingen
      page_param: p
      item_selector: li.meeting
      link_selector: a.detail
      content_type: text/html
`

func TestParseCatalog(t *testing.T) {
	t.Parallel()

	cat, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)
	require.Equal(t, []string{"amsterdam", "utrecht"}, cat.Slugs())

	ams, ok := cat.Get("amsterdam")
	require.True(t, ok)
	require.Equal(t, "ekko", ams.Extractor)
	require.Equal(t, "https://amsterdam.example.nl", ams.URL)
	require.Equal(t, "amsterdam", ams.CollectionName())

	utr, ok := cat.Get("utrecht")
	require.True(t, ok)
	require.Equal(t, "utrecht-agenda", utr.CollectionName())
	require.Equal(t, 5, utr.MaxPages)
	require.Equal(t, "li.meeting", utr.Listing.ItemSelector)
}

func TestLoadReadsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	cat, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cat.All(), 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestCatalogRejectsInvalidSources(t *testing.T) {
	t.Parallel()

	cases := map[string]Source{
		"missing slug":      {URL: "https://a.example", Extractor: "ekko"},
		"missing extractor": {Slug: "a", URL: "https://a.example"},
		"bad scheme":        {Slug: "a", URL: "ftp://a.example", Extractor: "ekko"},
		"missing host":      {Slug: "a", URL: "https://", Extractor: "ekko"},
		"negative pages":    {Slug: "a", URL: "https://a.example", Extractor: "ekko", MaxPages: -1},
	}
	for name, src := range cases {
		src := src
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := New(src)
			require.Error(t, err)
		})
	}
}

func TestCatalogRejectsDuplicateSlugs(t *testing.T) {
	t.Parallel()

	src := Source{Slug: "a", URL: "https://a.example", Extractor: "ekko"}
	_, err := New(src, src)
	require.ErrorContains(t, err, "duplicate")
}

func TestLookup(t *testing.T) {
	t.Parallel()

	cat, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)

	all, err := cat.Lookup(nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	one, err := cat.Lookup([]string{"utrecht"})
	require.NoError(t, err)
	require.Equal(t, "utrecht", one[0].Slug)

	_, err = cat.Lookup([]string{"utrecht", "nowhere"})
	require.ErrorIs(t, err, ErrUnknownSource)
}
