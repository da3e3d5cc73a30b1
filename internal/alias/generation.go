// Package alias keeps search aliases pointed at the newest complete index
// generation and moves them atomically.
package alias

import (
	"sort"
	"strings"
	"time"
)

// VersionLayout formats generation versions; lexical order equals time order.
const VersionLayout = "20060102150405"

// Generation is one physical index built for a logical index.
type Generation struct {
	Logical string `json:"logical"`
	Version string `json:"version"`
	Index   string `json:"index"`
}

// Name is <prefix>_<logical>, the alias consumers query.
func Name(prefix, logical string) string {
	return prefix + "_" + logical
}

// Version formats t as a generation version.
func Version(t time.Time) string {
	return t.UTC().Format(VersionLayout)
}

// IndexName returns the physical index name for a logical index at version.
func IndexName(prefix, logical, version string) string {
	return Name(prefix, logical) + "_" + version
}

// ParseGeneration recognizes generations of exactly this logical index. The
// version must be all digits so that, for example, generations of
// "data_items" are never mistaken for generations of "data".
func ParseGeneration(prefix, logical, index string) (Generation, bool) {
	version, ok := strings.CutPrefix(index, Name(prefix, logical)+"_")
	if !ok || version == "" {
		return Generation{}, false
	}
	for _, r := range version {
		if r < '0' || r > '9' {
			return Generation{}, false
		}
	}
	return Generation{Logical: logical, Version: version, Index: index}, true
}

// Newest picks the generation with the greatest version among indices.
func Newest(prefix, logical string, indices []string) (Generation, bool) {
	var gens []Generation
	for _, idx := range indices {
		if g, ok := ParseGeneration(prefix, logical, idx); ok {
			gens = append(gens, g)
		}
	}
	if len(gens) == 0 {
		return Generation{}, false
	}
	sort.Slice(gens, func(i, j int) bool { return Older(gens[i].Version, gens[j].Version) })
	return gens[len(gens)-1], true
}

// Older reports whether version a sorts before version b.
func Older(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
