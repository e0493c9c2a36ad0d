package assets

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/o-tero/swproxy/adapter"
)

// needsRevalidation evaluates staleness of a cached unhashed response.
//
// Precedence: Cache-Control max-age (against the group's metadata timestamp,
// falling back to the Date header), then Expires, then stale. Only max-age is
// recognized from Cache-Control; other directives are ignored.
func (g *Group) needsRevalidation(ctx context.Context, url string, res *adapter.Response) bool {
	now := g.clock.Now().UnixMilli()

	if maxAge, ok := parseMaxAge(res.Header.Get("Cache-Control")); ok {
		ts, ok := g.originTime(ctx, url, res)
		if !ok {
			return true
		}
		return now-ts > maxAge*1000
	}

	if expiresStr := res.Header.Get("Expires"); expiresStr != "" {
		if expires, err := http.ParseTime(expiresStr); err == nil {
			return now > expires.UnixMilli()
		}
	}

	// No usable freshness information.
	return true
}

// originTime determines when the cached response was obtained: the metadata
// table entry written at cache time, else the response's own Date header.
func (g *Group) originTime(ctx context.Context, url string, res *adapter.Response) (int64, bool) {
	var meta Metadata
	if err := g.metaTable.Read(ctx, url, &meta); err == nil {
		return meta.Ts, true
	}
	if dateStr := res.Header.Get("Date"); dateStr != "" {
		if date, err := http.ParseTime(dateStr); err == nil {
			return date.UnixMilli(), true
		}
	}
	return 0, false
}

// parseMaxAge extracts the max-age directive (seconds) from a Cache-Control
// header value.
func parseMaxAge(cacheControl string) (int64, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if !strings.HasPrefix(directive, "max-age=") {
			continue
		}
		seconds, err := strconv.ParseInt(strings.TrimPrefix(directive, "max-age="), 10, 64)
		if err != nil {
			return 0, false
		}
		return seconds, true
	}
	return 0, false
}
