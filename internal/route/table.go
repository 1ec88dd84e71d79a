// Package route implements prefix-based request routing: resolving an
// inbound path to a configured upstream and rewriting the path for the
// upstream-bound request.
package route

import (
	"sort"
	"strings"

	"github.com/keyfront/keyfront/internal/config"
)

// Route is one compiled routing entry, immutable after construction.
type Route struct {
	ID       string
	Prefix   string
	Upstream config.UpstreamConfig
}

// Table resolves request paths to routes by longest-prefix match. It is
// built once at startup and is safe for concurrent use.
type Table struct {
	routes []Route
}

// NewTable compiles the configured routes. Routes are sorted by descending
// prefix length so a linear scan stops at the longest match; ties cannot
// occur because prefixes are unique after validation.
func NewTable(routes []config.RouteConfig) *Table {
	compiled := make([]Route, 0, len(routes))
	for _, rc := range routes {
		compiled = append(compiled, Route{
			ID:       rc.ID,
			Prefix:   rc.Prefix,
			Upstream: rc.Upstream,
		})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return len(compiled[i].Prefix) > len(compiled[j].Prefix)
	})
	return &Table{routes: compiled}
}

// Match returns the route whose prefix matches path at a segment boundary:
// a prefix x matches p iff p == x or p starts with x followed by "/". The
// bare prefix "/" matches every path.
func (t *Table) Match(path string) (*Route, bool) {
	for i := range t.routes {
		r := &t.routes[i]
		if prefixMatches(r.Prefix, path) {
			return r, true
		}
	}
	return nil, false
}

// Routes returns the compiled entries in match order.
func (t *Table) Routes() []Route {
	return t.routes
}

func prefixMatches(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// UpstreamURL joins the route's base_url with the request path and query.
// When strip_prefix is set the route prefix is removed first; an empty
// remainder becomes "/". The join never produces "//" between base and
// path, and the query string is carried verbatim.
func (r *Route) UpstreamURL(path, rawQuery string) string {
	rest := path
	if *r.Upstream.StripPrefix {
		rest = strings.TrimPrefix(path, r.Prefix)
	}
	if rest == "" {
		rest = "/"
	} else if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}

	base := strings.TrimRight(r.Upstream.BaseURL, "/")
	if rawQuery == "" {
		return base + rest
	}
	return base + rest + "?" + rawQuery
}
